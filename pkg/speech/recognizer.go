package speech

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kotori-ai/voicehub-server/internal/cloud/codec"
)

// Recognizer streams device audio to the cloud recognition service and emits
// transcribed text as it arrives. One utterance is active at a time; starting
// a new one implicitly ends the previous one.
type Recognizer struct {
	cfg       Config
	logger    *zap.Logger
	callbacks RecognizerCallbacks
	conn      *conn

	mu           sync.Mutex
	sessionID    string
	seq          uint32
	active       bool
	ending       bool
	startedAt    time.Time
	sawResult    bool
	cleanupTimer *time.Timer
}

type recognitionRequest struct {
	Model    string   `json:"model"`
	Features []string `json:"features,omitempty"`
	Audio    struct {
		Format     string `json:"format"`
		SampleRate int    `json:"sample_rate"`
		Bits       int    `json:"bits"`
		Channels   int    `json:"channels"`
	} `json:"audio"`
	SessionID string `json:"session_id"`
}

type recognitionPayload struct {
	Result []struct {
		Text string `json:"text"`
	} `json:"result"`
}

// NewRecognizer executes the newRecognizer function.
func NewRecognizer(cfg Config, callbacks RecognizerCallbacks, logger *zap.Logger) *Recognizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recognizer{
		cfg:       normalizeConfig(cfg),
		logger:    logger,
		callbacks: callbacks,
	}
	r.conn = newConn("recognition", r.cfg, logger)
	r.conn.onMessage = r.handleFrame
	r.conn.onDisconnect = r.handleDisconnect
	r.conn.idleEligible = func() bool {
		r.mu.Lock()
		idle := !r.active
		r.mu.Unlock()
		return idle
	}
	return r
}

// BeginUtterance opens a recognition session. An already active session is
// ended first.
func (r *Recognizer) BeginUtterance(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	active := r.active && !r.ending
	r.mu.Unlock()
	if active {
		r.EndUtterance()
	}

	if err := r.conn.ensureConnected(ctx); err != nil {
		return err
	}
	r.conn.clearIdle()

	req := recognitionRequest{
		Model:     r.cfg.Model,
		Features:  r.cfg.Features,
		SessionID: sessionID,
	}
	req.Audio.Format = r.cfg.Audio.Format
	req.Audio.SampleRate = r.cfg.Audio.SampleRate
	req.Audio.Bits = r.cfg.Audio.Bits
	req.Audio.Channels = r.cfg.Audio.Channels

	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := r.conn.sendBinary(codec.EncodeFullRequest(payload)); err != nil {
		return err
	}

	r.mu.Lock()
	if r.cleanupTimer != nil {
		r.cleanupTimer.Stop()
		r.cleanupTimer = nil
	}
	r.sessionID = sessionID
	r.seq = 1
	r.active = true
	r.ending = false
	r.startedAt = time.Now()
	r.sawResult = false
	r.mu.Unlock()

	r.logger.Debug("recognition utterance started", zap.String("session_id", sessionID))
	return nil
}

// SendAudio uploads one non-final audio chunk for the active session.
func (r *Recognizer) SendAudio(ctx context.Context, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !r.conn.isConnected() {
		return ErrNotConnected
	}

	r.mu.Lock()
	if !r.active || r.ending {
		r.mu.Unlock()
		return ErrNoActiveSession
	}
	seq := r.seq
	r.seq = codec.NextSequence(r.seq)
	r.mu.Unlock()

	return r.conn.sendBinary(codec.EncodeAudioChunk(seq, buf, false))
}

// EndUtterance sends the final frame for the active session. It is
// idempotent: a second call returns false and sends nothing.
func (r *Recognizer) EndUtterance() bool {
	r.mu.Lock()
	if !r.active || r.ending {
		r.mu.Unlock()
		return false
	}
	r.ending = true
	sessionID := r.sessionID
	r.mu.Unlock()

	if err := r.conn.sendBinary(codec.EncodeAudioChunk(0, nil, true)); err != nil {
		r.logger.Warn("recognition final frame send failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}

	// In-flight results may still arrive briefly; keep the session around for
	// the cleanup delay so they land instead of being treated as errors.
	r.mu.Lock()
	if r.cleanupTimer != nil {
		r.cleanupTimer.Stop()
	}
	r.cleanupTimer = time.AfterFunc(r.cfg.CleanupDelay, r.clearSession)
	r.mu.Unlock()

	r.conn.armIdle()
	r.logger.Debug("recognition utterance ended", zap.String("session_id", sessionID))
	return true
}

// Destroy closes the connection and clears all session state and timers.
func (r *Recognizer) Destroy() {
	r.mu.Lock()
	if r.cleanupTimer != nil {
		r.cleanupTimer.Stop()
		r.cleanupTimer = nil
	}
	r.active = false
	r.ending = false
	r.mu.Unlock()
	r.conn.destroy()
}

func (r *Recognizer) clearSession() {
	r.mu.Lock()
	r.active = false
	r.ending = false
	r.sessionID = ""
	if r.cleanupTimer != nil {
		r.cleanupTimer.Stop()
		r.cleanupTimer = nil
	}
	r.mu.Unlock()
}

func (r *Recognizer) handleFrame(data []byte) {
	msg, err := codec.Decode(data)
	if err != nil {
		r.logger.Warn("recognition frame dropped", zap.Error(err))
		return
	}

	switch msg.Type {
	case codec.MsgTypeError:
		r.handleServiceError(msg)
	case codec.MsgTypeResponse:
		r.handleResult(msg)
	default:
		r.logger.Warn("recognition unexpected frame", zap.Uint8("type", msg.Type))
	}
}

func (r *Recognizer) handleServiceError(msg codec.Message) {
	if msg.ErrorCode == serviceCodeSessionIdle {
		// The service gave up waiting for speech; reset session state so the
		// next utterance starts clean, but keep the connection.
		r.mu.Lock()
		r.seq = 1
		r.active = false
		r.ending = false
		r.sessionID = ""
		r.mu.Unlock()
		r.conn.armIdle()
		r.logger.Info("recognition session idle, state reset")
		return
	}
	r.logger.Warn("recognition service error",
		zap.Uint32("code", msg.ErrorCode),
		zap.String("message", msg.ErrorText),
	)
	if r.callbacks.OnError != nil {
		r.callbacks.OnError(&ServiceError{Code: msg.ErrorCode, Message: msg.ErrorText})
	}
}

func (r *Recognizer) handleResult(msg codec.Message) {
	var payload recognitionPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		r.logger.Warn("recognition result dropped", zap.Error(err))
		return
	}
	text := ""
	if len(payload.Result) > 0 {
		text = payload.Result[0].Text
	}

	r.mu.Lock()
	sessionID := r.sessionID
	elapsed := time.Since(r.startedAt)
	first := !r.sawResult
	r.sawResult = true
	r.mu.Unlock()

	if first {
		r.logger.Info("recognition first result",
			zap.String("session_id", sessionID),
			zap.Duration("latency", elapsed),
		)
	}

	if r.callbacks.OnResult != nil {
		r.callbacks.OnResult(Result{
			SessionID: sessionID,
			Text:      text,
			IsLast:    msg.IsLast,
			Duration:  elapsed,
		})
	}
}

// handleDisconnect aborts the session bound to the lost connection. A
// reconnected socket has no session until the next BeginUtterance, so
// SendAudio must fail rather than resume mid-utterance.
func (r *Recognizer) handleDisconnect(err error) {
	r.mu.Lock()
	aborted := r.active || r.ending
	sessionID := r.sessionID
	r.active = false
	r.ending = false
	r.sessionID = ""
	if r.cleanupTimer != nil {
		r.cleanupTimer.Stop()
		r.cleanupTimer = nil
	}
	r.mu.Unlock()

	if aborted {
		r.logger.Warn("recognition utterance aborted by disconnect",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
	if r.callbacks.OnDisconnected != nil {
		r.callbacks.OnDisconnected(err)
	}
}
