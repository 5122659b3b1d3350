package fsm

import (
	"fmt"
	"strings"
	"sync"
)

// State describes the high-level conversation state for a device.
type State string

const (
	StateIdle         State = "idle"
	StateListening    State = "listening"
	StateTranscribing State = "transcribing"
	StateSpeaking     State = "speaking"
	StateInterrupted  State = "interrupted"
)

// Mode affects transition policy after playback stops.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

// Machine is a lightweight deterministic per-device state machine.
type Machine struct {
	mu    sync.RWMutex
	state State
	mode  Mode
}

// New creates a state machine with default idle/auto values.
func New() *Machine {
	return &Machine{
		state: StateIdle,
		mode:  ModeAuto,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Mode returns the current listen mode.
func (m *Machine) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// SetMode updates policy mode.
func (m *Machine) SetMode(mode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch strings.TrimSpace(strings.ToLower(mode)) {
	case string(ModeManual):
		m.mode = ModeManual
	default:
		m.mode = ModeAuto
	}
}

// OnUtteranceStart moves the device into listening.
func (m *Machine) OnUtteranceStart() {
	m.transition(StateListening)
}

// OnUtteranceEnd marks the captured audio as awaiting final transcription.
func (m *Machine) OnUtteranceEnd() {
	m.transition(StateTranscribing)
}

// OnSpeakStart enters playback.
func (m *Machine) OnSpeakStart() {
	m.transition(StateSpeaking)
}

// OnSpeakStop exits playback according to mode policy.
func (m *Machine) OnSpeakStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.mode {
	case ModeManual:
		m.state = StateIdle
	default:
		m.state = StateListening
	}
}

// OnInterrupt marks interruption.
func (m *Machine) OnInterrupt() {
	m.transition(StateInterrupted)
}

// Force sets state unconditionally.
func (m *Machine) Force(state State) error {
	switch state {
	case StateIdle, StateListening, StateTranscribing, StateSpeaking, StateInterrupted:
		m.transition(state)
		return nil
	default:
		return fmt.Errorf("invalid state: %s", state)
	}
}

func (m *Machine) transition(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}
