package fsm

import "testing"

func TestMachineDefault(t *testing.T) {
	m := New()
	if got := m.State(); got != StateIdle {
		t.Fatalf("state=%s, want %s", got, StateIdle)
	}
	if got := m.Mode(); got != ModeAuto {
		t.Fatalf("mode=%s, want %s", got, ModeAuto)
	}
}

func TestMachineTransitionLifecycleAuto(t *testing.T) {
	m := New()
	m.OnUtteranceStart()
	m.OnUtteranceEnd()
	m.OnSpeakStart()
	m.OnSpeakStop()

	if got := m.State(); got != StateListening {
		t.Fatalf("state=%s, want %s", got, StateListening)
	}
}

func TestMachineTransitionLifecycleManual(t *testing.T) {
	m := New()
	m.SetMode("manual")
	m.OnUtteranceStart()
	m.OnSpeakStart()
	m.OnSpeakStop()

	if got := m.State(); got != StateIdle {
		t.Fatalf("state=%s, want %s", got, StateIdle)
	}
}

func TestMachineUnknownModeFallsBackToAuto(t *testing.T) {
	m := New()
	m.SetMode("whatever")
	if got := m.Mode(); got != ModeAuto {
		t.Fatalf("mode=%s, want %s", got, ModeAuto)
	}
}

func TestMachineInterruptThenForceIdle(t *testing.T) {
	m := New()
	m.OnSpeakStart()
	m.OnInterrupt()
	if got := m.State(); got != StateInterrupted {
		t.Fatalf("state=%s, want %s", got, StateInterrupted)
	}
	if err := m.Force(StateIdle); err != nil {
		t.Fatalf("Force(idle) error: %v", err)
	}
	if got := m.State(); got != StateIdle {
		t.Fatalf("state=%s, want %s", got, StateIdle)
	}
}

func TestMachineInvalidForce(t *testing.T) {
	m := New()
	if err := m.Force(State("unknown")); err == nil {
		t.Fatal("Force(unknown) error=nil, want non-nil")
	}
}
