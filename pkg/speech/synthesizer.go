package speech

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kotori-ai/voicehub-server/internal/cloud/codec"
)

// Synthesizer sends text to the cloud synthesis service and streams the
// returned audio as it arrives, so playback can begin before synthesis
// finishes. Unlike recognition there is no chunked upload: one Synthesize
// call is one interaction.
type Synthesizer struct {
	cfg       Config
	logger    *zap.Logger
	callbacks SynthesizerCallbacks
	conn      *conn

	mu        sync.Mutex
	sessionID string
	streaming bool
}

type synthesisRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice,omitempty"`
	Speed float64 `json:"speed,omitempty"`
	Audio struct {
		Format     string `json:"format"`
		SampleRate int    `json:"sample_rate"`
		Bits       int    `json:"bits"`
		Channels   int    `json:"channels"`
	} `json:"audio"`
	SessionID string `json:"session_id"`
}

// NewSynthesizer executes the newSynthesizer function.
func NewSynthesizer(cfg Config, callbacks SynthesizerCallbacks, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Synthesizer{
		cfg:       normalizeConfig(cfg),
		logger:    logger,
		callbacks: callbacks,
	}
	s.conn = newConn("synthesis", s.cfg, logger)
	s.conn.onMessage = s.handleFrame
	s.conn.onDisconnect = s.handleDisconnect
	s.conn.idleEligible = func() bool {
		s.mu.Lock()
		idle := !s.streaming
		s.mu.Unlock()
		return idle
	}
	return s
}

// Synthesize sends one combined request frame (parameters + text) and leaves
// the connection open for the streamed audio response. Callers decide whether
// to re-invoke on service errors; the client never retries on its own.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, opts SynthesisOptions) error {
	if err := s.conn.ensureConnected(ctx); err != nil {
		return err
	}
	s.conn.clearIdle()

	voice := opts.Voice
	if voice == "" {
		voice = s.cfg.Voice
	}
	speed := opts.Speed
	if speed == 0 {
		speed = s.cfg.Speed
	}

	sessionID := uuid.NewString()
	req := synthesisRequest{
		Model:     s.cfg.Model,
		Voice:     voice,
		Speed:     speed,
		SessionID: sessionID,
	}
	req.Audio.Format = s.cfg.Audio.Format
	req.Audio.SampleRate = s.cfg.Audio.SampleRate
	req.Audio.Bits = s.cfg.Audio.Bits
	req.Audio.Channels = s.cfg.Audio.Channels

	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	// One outbound message: the full request immediately followed by the
	// text companion frame.
	message := codec.EncodeFullRequest(payload)
	message = append(message, codec.EncodeTextChunk(text)...)
	if err := s.conn.sendBinary(message); err != nil {
		s.conn.armIdle()
		return err
	}

	s.mu.Lock()
	s.sessionID = sessionID
	s.streaming = true
	s.mu.Unlock()

	s.conn.armIdle()
	s.logger.Debug("synthesis requested",
		zap.String("session_id", sessionID),
		zap.Int("chars", len(text)),
	)
	return nil
}

// Destroy closes the connection and clears all timers.
func (s *Synthesizer) Destroy() {
	s.mu.Lock()
	s.streaming = false
	s.mu.Unlock()
	s.conn.destroy()
}

func (s *Synthesizer) handleFrame(data []byte) {
	msg, err := codec.Decode(data)
	if err != nil {
		s.logger.Warn("synthesis frame dropped", zap.Error(err))
		return
	}

	switch msg.Type {
	case codec.MsgTypeError:
		s.mu.Lock()
		s.streaming = false
		s.mu.Unlock()
		s.logger.Warn("synthesis service error",
			zap.Uint32("code", msg.ErrorCode),
			zap.String("message", msg.ErrorText),
		)
		if s.callbacks.OnError != nil {
			s.callbacks.OnError(&ServiceError{Code: msg.ErrorCode, Message: msg.ErrorText})
		}
	case codec.MsgTypeResponse:
		s.mu.Lock()
		sessionID := s.sessionID
		if msg.IsLast {
			s.streaming = false
		}
		s.mu.Unlock()
		if s.callbacks.OnAudio != nil {
			s.callbacks.OnAudio(AudioChunk{
				SessionID: sessionID,
				Data:      msg.Payload,
				Last:      msg.IsLast,
			})
		}
	default:
		s.logger.Warn("synthesis unexpected frame", zap.Uint8("type", msg.Type))
	}
}

func (s *Synthesizer) handleDisconnect(err error) {
	s.mu.Lock()
	s.streaming = false
	s.mu.Unlock()
	if s.callbacks.OnDisconnected != nil {
		s.callbacks.OnDisconnected(err)
	}
}
