package hub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kotori-ai/voicehub-server/pkg/speech"
)

type fakeTransport struct {
	mu        sync.Mutex
	delivered []Command
	audio     [][]byte
	closed    bool
	failNext  bool
}

func (f *fakeTransport) DeliverCommand(cmd Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return fmt.Errorf("transport write failed")
	}
	f.delivered = append(f.delivered, cmd)
	return nil
}

func (f *fakeTransport) SendAudio(data []byte, last bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, data)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) deliveredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

type fakeRecognizer struct {
	callbacks speech.RecognizerCallbacks
	sessions  []string
	chunks    int
	ended     int
	destroyed bool
}

func (f *fakeRecognizer) BeginUtterance(_ context.Context, sessionID string) error {
	f.sessions = append(f.sessions, sessionID)
	return nil
}

func (f *fakeRecognizer) SendAudio(context.Context, []byte) error {
	f.chunks++
	return nil
}

func (f *fakeRecognizer) EndUtterance() bool {
	f.ended++
	return f.ended == 1
}

func (f *fakeRecognizer) Destroy() { f.destroyed = true }

type fakeSynthesizer struct {
	callbacks speech.SynthesizerCallbacks
	texts     []string
	destroyed bool
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, text string, _ speech.SynthesisOptions) error {
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSynthesizer) Destroy() { f.destroyed = true }

type recordingSink struct {
	mu      sync.Mutex
	online  []string
	offline []string
	results []speech.Result
	audio   []speech.AudioChunk
}

func (s *recordingSink) OnRecognitionResult(_ string, result speech.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
}

func (s *recordingSink) OnSynthesizedAudio(_ string, chunk speech.AudioChunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, chunk)
}

func (s *recordingSink) OnDeviceOnline(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = append(s.online, deviceID)
}

func (s *recordingSink) OnDeviceOffline(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = append(s.offline, deviceID)
}

func (s *recordingSink) offlineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offline)
}

func newTestHub(sink EventSink, opts Options) (*Hub, *fakeRecognizer, *fakeSynthesizer) {
	rec := &fakeRecognizer{}
	syn := &fakeSynthesizer{}
	opts.NewRecognizer = func(_ string, callbacks speech.RecognizerCallbacks) RecognitionClient {
		rec.callbacks = callbacks
		return rec
	}
	opts.NewSynthesizer = func(_ string, callbacks speech.SynthesizerCallbacks) SynthesisClient {
		syn.callbacks = callbacks
		return syn
	}
	return New(opts, sink, nil), rec, syn
}

func TestRegisterDeviceCapacity(t *testing.T) {
	h, _, _ := newTestHub(nil, Options{MaxDevices: 2})
	defer h.Close()

	for i := 0; i < 2; i++ {
		if _, err := h.RegisterDevice(Descriptor{ID: fmt.Sprintf("dev-%d", i), Type: "speaker"}, nil); err != nil {
			t.Fatalf("RegisterDevice(%d) returned error: %v", i, err)
		}
	}
	if _, err := h.RegisterDevice(Descriptor{ID: "dev-2", Type: "speaker"}, nil); err != ErrCapacityExceeded {
		t.Fatalf("RegisterDevice error=%v, want %v", err, ErrCapacityExceeded)
	}
	// Re-registering an existing device never counts against capacity.
	if _, err := h.RegisterDevice(Descriptor{ID: "dev-0", Type: "speaker"}, nil); err != nil {
		t.Fatalf("re-register returned error: %v", err)
	}
}

func TestReRegistrationPreservesStatsAndFirstSeen(t *testing.T) {
	h, _, _ := newTestHub(nil, Options{})
	defer h.Close()

	first, err := h.RegisterDevice(Descriptor{ID: "dev-1", Type: "speaker"}, nil)
	if err != nil {
		t.Fatalf("RegisterDevice returned error: %v", err)
	}
	if _, err := h.UpdateHeartbeat("dev-1", "idle"); err != nil {
		t.Fatalf("UpdateHeartbeat returned error: %v", err)
	}

	old := &fakeTransport{}
	if _, err := h.RegisterDevice(Descriptor{ID: "dev-1", Type: "speaker"}, old); err != nil {
		t.Fatalf("RegisterDevice returned error: %v", err)
	}
	second, err := h.RegisterDevice(Descriptor{ID: "dev-1", Type: "display"}, &fakeTransport{})
	if err != nil {
		t.Fatalf("RegisterDevice returned error: %v", err)
	}

	if !second.RegisteredAt.Equal(first.RegisteredAt) {
		t.Fatalf("registered_at=%v, want %v", second.RegisteredAt, first.RegisteredAt)
	}
	if second.Stats.Heartbeats != 1 {
		t.Fatalf("heartbeats=%d, want 1", second.Stats.Heartbeats)
	}
	if second.Type != "display" {
		t.Fatalf("type=%q, want display", second.Type)
	}
	old.mu.Lock()
	closed := old.closed
	old.mu.Unlock()
	if !closed {
		t.Fatal("replaced transport not closed")
	}
}

func TestSendCommandQueuesWithoutTransport(t *testing.T) {
	h, _, _ := newTestHub(nil, Options{})
	defer h.Close()

	if _, err := h.RegisterDevice(Descriptor{ID: "dev-1", Type: "speaker"}, nil); err != nil {
		t.Fatalf("RegisterDevice returned error: %v", err)
	}
	// No transport attached and no heartbeat yet: device counts as offline
	// for delivery purposes once marked so.
	h.mu.Lock()
	h.devices["dev-1"].online = false
	h.mu.Unlock()

	receipt, err := h.SendCommand("dev-1", "reboot", nil, PriorityNormal)
	if err != nil {
		t.Fatalf("SendCommand returned error: %v", err)
	}
	if !receipt.Queued {
		t.Fatal("receipt queued=false, want true")
	}
	if receipt.Position != 1 {
		t.Fatalf("receipt position=%d, want 1", receipt.Position)
	}

	batch, err := h.UpdateHeartbeat("dev-1", "idle")
	if err != nil {
		t.Fatalf("UpdateHeartbeat returned error: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != receipt.CommandID {
		t.Fatalf("batch=%+v, want the queued command", batch)
	}
	if snap, _ := h.Device("dev-1"); snap.QueuedCount != 0 {
		t.Fatalf("queued_count=%d, want 0", snap.QueuedCount)
	}
}

func TestSendCommandLiveDeliveryAndResult(t *testing.T) {
	h, _, _ := newTestHub(nil, Options{CommandTimeout: time.Second})
	defer h.Close()

	transport := &fakeTransport{}
	if _, err := h.RegisterDevice(Descriptor{ID: "dev-1", Type: "speaker"}, transport); err != nil {
		t.Fatalf("RegisterDevice returned error: %v", err)
	}

	receipt, err := h.SendCommand("dev-1", "set-volume", map[string]any{"level": 4}, PriorityNormal)
	if err != nil {
		t.Fatalf("SendCommand returned error: %v", err)
	}
	if receipt.Queued {
		t.Fatal("receipt queued=true, want live delivery")
	}
	if transport.deliveredCount() != 1 {
		t.Fatalf("delivered=%d, want 1", transport.deliveredCount())
	}

	h.HandleCommandResult("dev-1", receipt.CommandID, true, map[string]any{"level": 4})
	select {
	case result := <-receipt.Result:
		if !result.Success || result.TimedOut {
			t.Fatalf("result=%+v, want success without timeout", result)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for command result")
	}
}

func TestSendCommandTimeoutResolvesAsAccepted(t *testing.T) {
	h, _, _ := newTestHub(nil, Options{CommandTimeout: 20 * time.Millisecond})
	defer h.Close()

	transport := &fakeTransport{}
	if _, err := h.RegisterDevice(Descriptor{ID: "dev-1", Type: "speaker"}, transport); err != nil {
		t.Fatalf("RegisterDevice returned error: %v", err)
	}
	receipt, err := h.SendCommand("dev-1", "reboot", nil, PriorityNormal)
	if err != nil {
		t.Fatalf("SendCommand returned error: %v", err)
	}

	select {
	case result := <-receipt.Result:
		if !result.Success || !result.TimedOut {
			t.Fatalf("result=%+v, want success with timeout", result)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for timeout resolution")
	}
	if h.pending.size() != 0 {
		t.Fatalf("pending size=%d, want 0", h.pending.size())
	}
	// A late result after the timeout must not be redelivered.
	h.HandleCommandResult("dev-1", receipt.CommandID, true, nil)
	select {
	case result := <-receipt.Result:
		t.Fatalf("unexpected second result: %+v", result)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOfflineTransitionHappensExactlyOnce(t *testing.T) {
	sink := &recordingSink{}
	h, _, _ := newTestHub(sink, Options{HeartbeatTimeout: 30 * time.Millisecond})
	defer h.Close()

	transport := &fakeTransport{}
	if _, err := h.RegisterDevice(Descriptor{ID: "dev-1", Type: "speaker"}, transport); err != nil {
		t.Fatalf("RegisterDevice returned error: %v", err)
	}

	stale := time.Now().Add(time.Minute)
	h.checkOfflineDevices(stale)
	h.checkOfflineDevices(stale)
	h.checkOfflineDevices(stale)

	if sink.offlineCount() != 1 {
		t.Fatalf("offline events=%d, want 1", sink.offlineCount())
	}
	transport.mu.Lock()
	closed := transport.closed
	transport.mu.Unlock()
	if !closed {
		t.Fatal("stale transport not force-closed")
	}

	// A fresh heartbeat brings the device back and re-arms the transition.
	if _, err := h.UpdateHeartbeat("dev-1", "idle"); err != nil {
		t.Fatalf("UpdateHeartbeat returned error: %v", err)
	}
	h.checkOfflineDevices(time.Now().Add(time.Minute))
	if sink.offlineCount() != 2 {
		t.Fatalf("offline events=%d, want 2", sink.offlineCount())
	}
}

func TestDetachTransportIgnoresReplacedConnection(t *testing.T) {
	sink := &recordingSink{}
	h, _, _ := newTestHub(sink, Options{})
	defer h.Close()

	first := &fakeTransport{}
	if _, err := h.RegisterDevice(Descriptor{ID: "dev-1", Type: "speaker"}, first); err != nil {
		t.Fatalf("RegisterDevice returned error: %v", err)
	}
	second := &fakeTransport{}
	if _, err := h.RegisterDevice(Descriptor{ID: "dev-1", Type: "speaker"}, second); err != nil {
		t.Fatalf("RegisterDevice returned error: %v", err)
	}

	// The stale connection's teardown must not demote the device.
	h.DetachTransport("dev-1", first)
	if snap, _ := h.Device("dev-1"); !snap.Online {
		t.Fatal("device offline after stale detach, want online")
	}
	h.DetachTransport("dev-1", second)
	if snap, _ := h.Device("dev-1"); snap.Online {
		t.Fatal("device online after detach, want offline")
	}
	if sink.offlineCount() != 1 {
		t.Fatalf("offline events=%d, want 1", sink.offlineCount())
	}
}

func TestUtteranceLifecycleDrivesRecognizer(t *testing.T) {
	sink := &recordingSink{}
	h, rec, _ := newTestHub(sink, Options{})
	defer h.Close()

	if _, err := h.RegisterDevice(Descriptor{ID: "dev-1", Type: "speaker"}, &fakeTransport{}); err != nil {
		t.Fatalf("RegisterDevice returned error: %v", err)
	}

	ctx := context.Background()
	sessionID, err := h.StartUtterance(ctx, "dev-1")
	if err != nil {
		t.Fatalf("StartUtterance returned error: %v", err)
	}
	if sessionID == "" {
		t.Fatal("session id empty")
	}
	for i := 0; i < 3; i++ {
		if err := h.ForwardAudio(ctx, "dev-1", []byte{0x01}); err != nil {
			t.Fatalf("ForwardAudio returned error: %v", err)
		}
	}
	if !h.EndUtterance("dev-1") {
		t.Fatal("EndUtterance returned false, want true")
	}
	if h.EndUtterance("dev-1") {
		t.Fatal("second EndUtterance returned true, want false")
	}
	if rec.chunks != 3 {
		t.Fatalf("recognizer chunks=%d, want 3", rec.chunks)
	}

	// Results reported by the recognizer surface through the sink.
	rec.callbacks.OnResult(speech.Result{SessionID: sessionID, Text: "hello", IsLast: true})
	sink.mu.Lock()
	results := len(sink.results)
	sink.mu.Unlock()
	if results != 1 {
		t.Fatalf("sink results=%d, want 1", results)
	}
}

func TestSpeakStreamsAudioToTransportAndSink(t *testing.T) {
	sink := &recordingSink{}
	h, _, syn := newTestHub(sink, Options{})
	defer h.Close()

	transport := &fakeTransport{}
	if _, err := h.RegisterDevice(Descriptor{ID: "dev-1", Type: "speaker"}, transport); err != nil {
		t.Fatalf("RegisterDevice returned error: %v", err)
	}
	if err := h.Speak(context.Background(), "dev-1", "good evening", speech.SynthesisOptions{}); err != nil {
		t.Fatalf("Speak returned error: %v", err)
	}
	if len(syn.texts) != 1 || syn.texts[0] != "good evening" {
		t.Fatalf("synthesizer texts=%v, want [good evening]", syn.texts)
	}

	syn.callbacks.OnAudio(speech.AudioChunk{Data: []byte{0xA0}, Last: true})
	transport.mu.Lock()
	audio := len(transport.audio)
	transport.mu.Unlock()
	if audio != 1 {
		t.Fatalf("transport audio frames=%d, want 1", audio)
	}
	sink.mu.Lock()
	chunks := len(sink.audio)
	sink.mu.Unlock()
	if chunks != 1 {
		t.Fatalf("sink audio chunks=%d, want 1", chunks)
	}
}

func TestBroadcastCommandReachesGroupMembers(t *testing.T) {
	h, _, _ := newTestHub(nil, Options{CommandTimeout: time.Second})
	defer h.Close()

	owner := &fakeTransport{}
	member := &fakeTransport{}
	if _, err := h.RegisterDevice(Descriptor{ID: "dev-1", Type: "speaker"}, owner); err != nil {
		t.Fatalf("RegisterDevice returned error: %v", err)
	}
	if _, err := h.RegisterDevice(Descriptor{ID: "dev-2", Type: "speaker"}, member); err != nil {
		t.Fatalf("RegisterDevice returned error: %v", err)
	}

	ok, message, members := h.AddToGroup("dev-1", "dev-2")
	if !ok {
		t.Fatalf("AddToGroup failed: %s", message)
	}
	if len(members) != 2 {
		t.Fatalf("members=%v, want 2", members)
	}

	receipts, err := h.BroadcastCommand("dev-1", "mute", nil, PriorityNormal)
	if err != nil {
		t.Fatalf("BroadcastCommand returned error: %v", err)
	}
	if len(receipts) != 2 {
		t.Fatalf("receipts=%d, want 2", len(receipts))
	}
	if owner.deliveredCount() != 1 || member.deliveredCount() != 1 {
		t.Fatalf("delivered owner=%d member=%d, want 1 each",
			owner.deliveredCount(), member.deliveredCount())
	}
	if receipts["dev-1"].CommandID == receipts["dev-2"].CommandID {
		t.Fatal("broadcast reused a command id across members")
	}

	// A device with no group broadcasts to itself only.
	solo := &fakeTransport{}
	if _, err := h.RegisterDevice(Descriptor{ID: "dev-3", Type: "speaker"}, solo); err != nil {
		t.Fatalf("RegisterDevice returned error: %v", err)
	}
	receipts, err = h.BroadcastCommand("dev-3", "mute", nil, PriorityNormal)
	if err != nil {
		t.Fatalf("BroadcastCommand returned error: %v", err)
	}
	if len(receipts) != 1 || solo.deliveredCount() != 1 {
		t.Fatalf("solo receipts=%d delivered=%d, want 1 each", len(receipts), solo.deliveredCount())
	}
}

func TestRemoveDeviceDestroysClients(t *testing.T) {
	h, rec, syn := newTestHub(nil, Options{})
	defer h.Close()

	transport := &fakeTransport{}
	if _, err := h.RegisterDevice(Descriptor{ID: "dev-1", Type: "speaker"}, transport); err != nil {
		t.Fatalf("RegisterDevice returned error: %v", err)
	}
	if _, err := h.StartUtterance(context.Background(), "dev-1"); err != nil {
		t.Fatalf("StartUtterance returned error: %v", err)
	}
	if err := h.Speak(context.Background(), "dev-1", "bye", speech.SynthesisOptions{}); err != nil {
		t.Fatalf("Speak returned error: %v", err)
	}

	if err := h.RemoveDevice("dev-1"); err != nil {
		t.Fatalf("RemoveDevice returned error: %v", err)
	}
	if !rec.destroyed || !syn.destroyed {
		t.Fatalf("destroyed rec=%v syn=%v, want both", rec.destroyed, syn.destroyed)
	}
	if err := h.RemoveDevice("dev-1"); err != ErrUnknownDevice {
		t.Fatalf("RemoveDevice error=%v, want %v", err, ErrUnknownDevice)
	}
}
