package hub

import (
	"context"
	"time"

	"github.com/kotori-ai/voicehub-server/pkg/speech"
)

// Descriptor represents a device registration request.
type Descriptor struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Stats represents per-device counters. They survive re-registration.
type Stats struct {
	Heartbeats        uint64 `json:"heartbeats"`
	CommandsDelivered uint64 `json:"commands_delivered"`
	CommandsQueued    uint64 `json:"commands_queued"`
	AudioChunks       uint64 `json:"audio_chunks"`
}

// Snapshot is a read-only view of a registered device.
type Snapshot struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Online       bool      `json:"online"`
	Status       string    `json:"status,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
	QueuedCount  int       `json:"queued_count"`
	Stats        Stats     `json:"stats"`
}

// Transport delivers hub-originated traffic to a live device connection.
type Transport interface {
	DeliverCommand(cmd Command) error
	SendAudio(data []byte, last bool) error
	Close() error
}

// RecognitionClient is the recognition session surface the hub drives.
type RecognitionClient interface {
	BeginUtterance(ctx context.Context, sessionID string) error
	SendAudio(ctx context.Context, buf []byte) error
	EndUtterance() bool
	Destroy()
}

// SynthesisClient is the synthesis surface the hub drives.
type SynthesisClient interface {
	Synthesize(ctx context.Context, text string, opts speech.SynthesisOptions) error
	Destroy()
}

type device struct {
	id           string
	deviceType   string
	capabilities []string
	online       bool
	status       string
	registeredAt time.Time
	lastSeen     time.Time
	stats        Stats

	transport   Transport
	queue       *commandQueue
	sessionID   string
	recognizer  RecognitionClient
	synthesizer SynthesisClient
}

func (d *device) snapshot() Snapshot {
	return Snapshot{
		ID:           d.id,
		Type:         d.deviceType,
		Capabilities: append([]string(nil), d.capabilities...),
		Online:       d.online,
		Status:       d.status,
		RegisteredAt: d.registeredAt,
		LastSeen:     d.lastSeen,
		QueuedCount:  d.queue.len(),
		Stats:        d.stats,
	}
}
