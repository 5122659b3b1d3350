package speech

import "time"

// AudioParams represents the upload audio format advertised to the service.
type AudioParams struct {
	Format     string
	SampleRate int
	Bits       int
	Channels   int
}

// Config represents a streaming client configuration.
type Config struct {
	URL         string
	AccessToken string
	Model       string
	Features    []string
	Audio       AudioParams

	// Synthesis defaults, used when a request does not override them.
	Voice string
	Speed float64

	ConnectTimeout       time.Duration
	PingInterval         time.Duration
	PongTimeout          time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	IdleClose            time.Duration
	CleanupDelay         time.Duration
}

// Result is one recognition result, interim or final.
type Result struct {
	SessionID string
	Text      string
	IsLast    bool
	Duration  time.Duration
}

// AudioChunk is one synthesized audio payload streamed back from the service.
type AudioChunk struct {
	SessionID string
	Data      []byte
	Last      bool
}

// SynthesisOptions represents per-request synthesis options.
type SynthesisOptions struct {
	Voice string
	Speed float64
}

// RecognizerCallbacks represents recognition event callbacks.
type RecognizerCallbacks struct {
	OnResult       func(result Result)
	OnDisconnected func(err error)
	OnError        func(err error)
}

// SynthesizerCallbacks represents synthesis event callbacks.
type SynthesizerCallbacks struct {
	OnAudio        func(chunk AudioChunk)
	OnDisconnected func(err error)
	OnError        func(err error)
}

func normalizeConfig(cfg Config) Config {
	if cfg.Audio.Format == "" {
		cfg.Audio.Format = "pcm"
	}
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Bits <= 0 {
		cfg.Audio.Bits = 16
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.IdleClose <= 0 {
		cfg.IdleClose = 60 * time.Second
	}
	if cfg.CleanupDelay <= 0 {
		cfg.CleanupDelay = 500 * time.Millisecond
	}
	return cfg
}
