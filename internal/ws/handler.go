package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kotori-ai/voicehub-server/internal/hub"
	"github.com/kotori-ai/voicehub-server/internal/hub/fsm"
	"github.com/kotori-ai/voicehub-server/internal/protocol"
	"github.com/kotori-ai/voicehub-server/internal/storage"
	"github.com/kotori-ai/voicehub-server/pkg/speech"
)

// Handler represents a handler.
type Handler struct {
	logger         *zap.Logger
	upgrader       websocket.Upgrader
	hub            *hub.Hub
	transcriptsDir string
	sessions       map[string]*session
	mu             sync.Mutex
}

type session struct {
	conn    *websocket.Conn
	sendMu  sync.Mutex
	logger  *zap.Logger
	hub     *hub.Hub
	handler *Handler
	machine *fsm.Machine

	deviceID   string
	registered bool
	listening  bool
	sessionID  string
}

// NewHandler executes the newHandler function.
func NewHandler(logger *zap.Logger) *Handler {
	return &Handler{
		logger:   logger,
		sessions: make(map[string]*session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// BindHub attaches the device hub. Must be called before Handle serves
// traffic; the hub needs the handler as its event sink, so construction is
// two-phase.
func (h *Handler) BindHub(hb *hub.Hub) {
	h.hub = hb
}

// SetTranscriptsDir enables on-disk persistence of final transcriptions.
func (h *Handler) SetTranscriptsDir(dir string) {
	h.transcriptsDir = dir
}

// Handle executes the handle method.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		http.Error(w, "hub not ready", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := &session{
		conn:    conn,
		logger:  h.logger,
		hub:     h.hub,
		handler: h,
		machine: fsm.New(),
	}

	sess.logger.Info("device connection opened", zap.String("remote", conn.RemoteAddr().String()))

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			sess.logger.Debug("device connection closed", zap.Error(err))
			break
		}
		if mt == websocket.BinaryMessage {
			sess.handleAudio(ctx, data)
			continue
		}
		var msg protocol.DeviceMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sess.sendJSON(protocol.ServerMessage{Type: "error", Message: "invalid json"})
			continue
		}
		if msg.Type != "heartbeat" {
			sess.logger.Debug("device message",
				zap.String("device_id", sess.deviceID),
				zap.String("type", msg.Type),
			)
		}
		sess.handleIncoming(ctx, msg)
	}

	sess.teardown()
	sess.logger.Info("device connection closed", zap.String("device_id", sess.deviceID))
}

func (s *session) handleIncoming(ctx context.Context, msg protocol.DeviceMessage) {
	if !s.registered && msg.Type != "register" {
		s.sendJSON(protocol.ServerMessage{Type: "error", Message: "register first"})
		return
	}
	switch msg.Type {
	case "register":
		s.handleRegister(msg)
	case "heartbeat":
		s.handleHeartbeat(msg)
	case "command_result":
		s.handleCommandResult(msg)
	case "listen":
		s.handleListen(ctx, msg)
	case "speak":
		s.handleSpeak(ctx, msg)
	case "interrupt":
		s.handleInterrupt(msg)
	default:
		s.logger.Debug("device unknown message type",
			zap.String("device_id", s.deviceID),
			zap.String("type", msg.Type),
		)
	}
}

func (s *session) handleRegister(msg protocol.DeviceMessage) {
	if msg.DeviceID == "" {
		s.sendJSON(protocol.ServerMessage{Type: "error", Message: "device_id required"})
		return
	}
	snap, err := s.hub.RegisterDevice(hub.Descriptor{
		ID:           msg.DeviceID,
		Type:         msg.DeviceType,
		Capabilities: msg.Capabilities,
	}, s)
	if err != nil {
		s.sendJSON(protocol.ServerMessage{Type: "error", Message: err.Error()})
		return
	}
	s.deviceID = msg.DeviceID
	s.registered = true
	s.handler.trackSession(s)
	s.sendJSON(protocol.ServerMessage{Type: "registered", Device: snap})
}

func (s *session) handleHeartbeat(msg protocol.DeviceMessage) {
	batch, err := s.hub.UpdateHeartbeat(s.deviceID, msg.Status)
	if err != nil {
		s.sendJSON(protocol.ServerMessage{Type: "error", Message: err.Error()})
		return
	}
	s.sendJSON(protocol.ServerMessage{Type: "heartbeat_ack", Commands: batch})
}

func (s *session) handleCommandResult(msg protocol.DeviceMessage) {
	if msg.CommandID == "" {
		return
	}
	success := msg.Success == nil || *msg.Success
	s.hub.HandleCommandResult(s.deviceID, msg.CommandID, success, msg.Payload)
}

func (s *session) handleListen(ctx context.Context, msg protocol.DeviceMessage) {
	if msg.Mode != "" {
		s.machine.SetMode(msg.Mode)
	}
	switch msg.State {
	case "start":
		sessionID, err := s.hub.StartUtterance(ctx, s.deviceID)
		if err != nil {
			s.sendJSON(protocol.ServerMessage{Type: "error", Message: err.Error()})
			return
		}
		s.listening = true
		s.sessionID = sessionID
		s.machine.OnUtteranceStart()
		s.sendJSON(protocol.ServerMessage{Type: "listen_started", SessionID: sessionID})
	case "stop":
		s.listening = false
		s.machine.OnUtteranceEnd()
		s.hub.EndUtterance(s.deviceID)
	default:
		s.sendJSON(protocol.ServerMessage{Type: "error", Message: "unknown listen state"})
	}
}

func (s *session) handleSpeak(ctx context.Context, msg protocol.DeviceMessage) {
	if msg.Text == "" {
		return
	}
	opts := speech.SynthesisOptions{Voice: msg.Voice, Speed: msg.Speed}
	if err := s.hub.Speak(ctx, s.deviceID, msg.Text, opts); err != nil {
		s.sendJSON(protocol.ServerMessage{Type: "error", Message: err.Error()})
		return
	}
	s.machine.OnSpeakStart()
}

func (s *session) handleInterrupt(_ protocol.DeviceMessage) {
	s.machine.OnInterrupt()
	if s.listening {
		s.listening = false
		s.hub.EndUtterance(s.deviceID)
	}
}

func (s *session) handleAudio(ctx context.Context, data []byte) {
	if !s.registered || !s.listening || len(data) == 0 {
		return
	}
	if err := s.hub.ForwardAudio(ctx, s.deviceID, data); err != nil {
		s.logger.Debug("audio forward failed",
			zap.String("device_id", s.deviceID),
			zap.Error(err),
		)
	}
}

func (s *session) teardown() {
	if !s.registered {
		return
	}
	if s.listening {
		s.hub.EndUtterance(s.deviceID)
	}
	s.handler.dropSession(s)
	s.hub.DetachTransport(s.deviceID, s)
}

// DeliverCommand pushes a command to the device. Part of hub.Transport.
func (s *session) DeliverCommand(cmd hub.Command) error {
	return s.sendJSONErr(protocol.ServerMessage{Type: "command", Command: cmd})
}

// SendAudio streams one synthesized audio frame to the device as a binary
// message, followed by a JSON marker on the final frame. Part of
// hub.Transport.
func (s *session) SendAudio(data []byte, last bool) error {
	s.sendMu.Lock()
	err := s.conn.WriteMessage(websocket.BinaryMessage, data)
	s.sendMu.Unlock()
	if err != nil {
		return err
	}
	if last {
		s.machine.OnSpeakStop()
		return s.sendJSONErr(protocol.ServerMessage{Type: "speak_end"})
	}
	return nil
}

// Close force-closes the underlying socket. Part of hub.Transport.
func (s *session) Close() error {
	return s.conn.Close()
}

func (s *session) sendJSON(payload any) {
	if err := s.sendJSONErr(payload); err != nil {
		s.logger.Debug("ws send failed", zap.Error(err))
	}
}

func (s *session) sendJSONErr(payload any) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (h *Handler) trackSession(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.deviceID] = s
}

func (h *Handler) dropSession(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[s.deviceID] == s {
		delete(h.sessions, s.deviceID)
	}
}

func (h *Handler) sessionFor(deviceID string) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[deviceID]
}

// OnRecognitionResult forwards a transcription to the device that produced
// the audio. Part of hub.EventSink.
func (h *Handler) OnRecognitionResult(deviceID string, result speech.Result) {
	if sess := h.sessionFor(deviceID); sess != nil {
		sess.sendJSON(protocol.ServerMessage{
			Type:      "transcription",
			SessionID: result.SessionID,
			Text:      result.Text,
			IsLast:    result.IsLast,
		})
	}
	if result.IsLast && h.transcriptsDir != "" {
		err := storage.AppendTranscript(h.transcriptsDir, deviceID, storage.TranscriptEntry{
			SessionID:  result.SessionID,
			Text:       result.Text,
			DurationMs: result.Duration.Milliseconds(),
		})
		if err != nil {
			h.logger.Warn("transcript persist failed",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
		}
	}
}

// OnSynthesizedAudio is a no-op; audio reaches devices through the transport.
func (h *Handler) OnSynthesizedAudio(string, speech.AudioChunk) {}

// OnDeviceOnline is part of hub.EventSink.
func (h *Handler) OnDeviceOnline(deviceID string) {
	h.logger.Debug("device online", zap.String("device_id", deviceID))
}

// OnDeviceOffline is part of hub.EventSink.
func (h *Handler) OnDeviceOffline(deviceID string) {
	h.logger.Debug("device offline", zap.String("device_id", deviceID))
}
