package protocol

// DeviceMessage represents a JSON control message sent by a device over its
// hub connection. Audio travels as binary frames, never inside this envelope.
type DeviceMessage struct {
	Type         string         `json:"type"`
	DeviceID     string         `json:"device_id,omitempty"`
	DeviceType   string         `json:"device_type,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Status       string         `json:"status,omitempty"`
	CommandID    string         `json:"command_id,omitempty"`
	Success      *bool          `json:"success,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	State        string         `json:"state,omitempty"`
	Mode         string         `json:"mode,omitempty"`
	Text         string         `json:"text,omitempty"`
	Voice        string         `json:"voice,omitempty"`
	Speed        float64        `json:"speed,omitempty"`
}

// ServerMessage represents a JSON control message pushed to a device.
type ServerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	IsLast    bool   `json:"is_last,omitempty"`
	Message   string `json:"message,omitempty"`
	Commands  any    `json:"commands,omitempty"`
	Command   any    `json:"command,omitempty"`
	Device    any    `json:"device,omitempty"`
}
