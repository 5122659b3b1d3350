package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kotori-ai/voicehub-server/internal/group"
	"github.com/kotori-ai/voicehub-server/pkg/speech"
)

var (
	// ErrCapacityExceeded reports a registration beyond the device ceiling.
	ErrCapacityExceeded = errors.New("hub: device capacity exceeded")
	// ErrUnknownDevice reports an operation on an unregistered device.
	ErrUnknownDevice = errors.New("hub: unknown device")
)

// Options represents hub tuning knobs.
type Options struct {
	MaxDevices        int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	CommandTimeout    time.Duration
	CommandQueueCap   int
	HeartbeatBatch    int
	SweepInterval     time.Duration
	SweepMaxAge       time.Duration

	Recognition speech.Config
	Synthesis   speech.Config

	// Factories default to the pkg/speech constructors; tests swap in fakes.
	NewRecognizer  func(deviceID string, callbacks speech.RecognizerCallbacks) RecognitionClient
	NewSynthesizer func(deviceID string, callbacks speech.SynthesizerCallbacks) SynthesisClient
}

func (o Options) withDefaults() Options {
	if o.MaxDevices <= 0 {
		o.MaxDevices = 100
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 120 * time.Second
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 5 * time.Second
	}
	if o.CommandQueueCap <= 0 {
		o.CommandQueueCap = 10
	}
	if o.HeartbeatBatch <= 0 {
		o.HeartbeatBatch = 5
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.SweepMaxAge <= 0 {
		o.SweepMaxAge = 5 * time.Minute
	}
	if o.NewRecognizer == nil {
		cfg := o.Recognition
		o.NewRecognizer = func(_ string, callbacks speech.RecognizerCallbacks) RecognitionClient {
			return speech.NewRecognizer(cfg, callbacks, nil)
		}
	}
	if o.NewSynthesizer == nil {
		cfg := o.Synthesis
		o.NewSynthesizer = func(_ string, callbacks speech.SynthesizerCallbacks) SynthesisClient {
			return speech.NewSynthesizer(cfg, callbacks, nil)
		}
	}
	return o
}

// Hub tracks registered devices, their liveness, per-device command queues,
// and command/result correlation. It owns one recognition and one synthesis
// client per device, created lazily and destroyed with the device. All state
// lives on the Hub value so independent hubs can coexist in tests.
type Hub struct {
	opts    Options
	logger  *zap.Logger
	sink    EventSink
	pending *pendingCommands
	groups  *group.Manager

	mu      sync.Mutex
	devices map[string]*device

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New executes the new function.
func New(opts Options, sink EventSink, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = nopSink{}
	}
	opts = opts.withDefaults()
	return &Hub{
		opts:    opts,
		logger:  logger,
		sink:    sink,
		pending: newPendingCommands(opts.CommandTimeout, opts.SweepMaxAge),
		groups:  group.NewManager(),
		devices: make(map[string]*device),
		stop:    make(chan struct{}),
	}
}

// Start launches the liveness checker and the pending-callback sweeper.
func (h *Hub) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		liveness := time.NewTicker(h.opts.HeartbeatInterval)
		defer liveness.Stop()
		sweep := time.NewTicker(h.opts.SweepInterval)
		defer sweep.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-liveness.C:
				h.checkOfflineDevices(time.Now())
			case <-sweep.C:
				if n := h.pending.sweep(time.Now()); n > 0 {
					h.logger.Warn("hub swept stale command callbacks", zap.Int("count", n))
				}
			}
		}
	}()
}

// Close stops background work and releases every device's transport and
// speech clients.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
	h.wg.Wait()

	h.mu.Lock()
	devices := make([]*device, 0, len(h.devices))
	for _, dev := range h.devices {
		devices = append(devices, dev)
	}
	h.devices = make(map[string]*device)
	h.mu.Unlock()

	for _, dev := range devices {
		h.releaseDevice(dev)
	}
	h.pending.close()
}

// RegisterDevice upserts a device record and attaches its live transport, if
// any. Stats and the first-registration timestamp survive re-registration;
// a prior transport is replaced, not merged.
func (h *Hub) RegisterDevice(desc Descriptor, transport Transport) (Snapshot, error) {
	now := time.Now()

	h.mu.Lock()
	dev, ok := h.devices[desc.ID]
	if !ok {
		if len(h.devices) >= h.opts.MaxDevices {
			h.mu.Unlock()
			return Snapshot{}, ErrCapacityExceeded
		}
		dev = &device{
			id:           desc.ID,
			registeredAt: now,
			queue:        newCommandQueue(h.opts.CommandQueueCap),
		}
		h.devices[desc.ID] = dev
	}
	dev.deviceType = desc.Type
	dev.capabilities = append([]string(nil), desc.Capabilities...)
	dev.lastSeen = now
	old := dev.transport
	dev.transport = transport
	dev.online = transport != nil || dev.online
	snap := dev.snapshot()
	h.mu.Unlock()

	if old != nil && old != transport {
		_ = old.Close()
	}
	h.groups.RegisterDevice(desc.ID)

	h.logger.Info("device registered",
		zap.String("device_id", desc.ID),
		zap.String("device_type", desc.Type),
		zap.Bool("transport", transport != nil),
	)
	h.sink.OnDeviceOnline(desc.ID)
	return snap, nil
}

// RemoveDevice deletes a device and destroys its clients and transport.
func (h *Hub) RemoveDevice(deviceID string) error {
	h.mu.Lock()
	dev, ok := h.devices[deviceID]
	if ok {
		delete(h.devices, deviceID)
	}
	h.mu.Unlock()
	if !ok {
		return ErrUnknownDevice
	}
	h.groups.RemoveDevice(deviceID)
	h.releaseDevice(dev)
	h.logger.Info("device removed", zap.String("device_id", deviceID))
	return nil
}

// AddToGroup joins a device to the owner's group, creating it on demand.
func (h *Hub) AddToGroup(owner string, joiner string) (bool, string, []string) {
	return h.groups.AddDevice(owner, joiner)
}

// RemoveFromGroup removes a device from its group. Only the group owner or
// the device itself may do so.
func (h *Hub) RemoveFromGroup(remover string, target string) (bool, string, []string) {
	return h.groups.RemoveDeviceFromGroup(remover, target)
}

// GroupMembers returns the members of the device's group, if any.
func (h *Hub) GroupMembers(deviceID string) []string {
	return h.groups.GetGroupMembers(deviceID)
}

// BroadcastCommand sends the same command to every member of the device's
// group, falling back to just the device when it has no group. Each member
// gets its own command ID and receipt.
func (h *Hub) BroadcastCommand(deviceID string, name string, params map[string]any, priority Priority) (map[string]SendReceipt, error) {
	members := h.groups.GetGroupMembers(deviceID)
	if len(members) == 0 {
		members = []string{deviceID}
	}
	receipts := make(map[string]SendReceipt, len(members))
	for _, member := range members {
		receipt, err := h.SendCommand(member, name, params, priority)
		if err != nil {
			if errors.Is(err, ErrUnknownDevice) {
				continue
			}
			return receipts, err
		}
		receipts[member] = receipt
	}
	if len(receipts) == 0 {
		return nil, ErrUnknownDevice
	}
	return receipts, nil
}

// SendCommand delivers a command to a live device, or queues it for the next
// heartbeat poll when no transport exists.
func (h *Hub) SendCommand(deviceID string, name string, params map[string]any, priority Priority) (SendReceipt, error) {
	cmd := Command{
		ID:         uuid.NewString(),
		Name:       name,
		Params:     params,
		Priority:   priority,
		EnqueuedAt: time.Now(),
	}

	h.mu.Lock()
	dev, ok := h.devices[deviceID]
	if !ok {
		h.mu.Unlock()
		return SendReceipt{}, ErrUnknownDevice
	}
	transport := dev.transport
	if transport == nil || !dev.online {
		position := dev.queue.push(cmd)
		dev.stats.CommandsQueued++
		h.mu.Unlock()
		h.logger.Debug("command queued",
			zap.String("device_id", deviceID),
			zap.String("command", name),
			zap.Int("position", position),
		)
		return SendReceipt{CommandID: cmd.ID, Queued: true, Position: position}, nil
	}
	dev.stats.CommandsDelivered++
	h.mu.Unlock()

	result := h.pending.track(cmd.ID)
	if err := transport.DeliverCommand(cmd); err != nil {
		h.pending.forget(cmd.ID)
		h.mu.Lock()
		position := dev.queue.push(cmd)
		dev.stats.CommandsQueued++
		h.mu.Unlock()
		h.logger.Warn("command delivery failed, queued instead",
			zap.String("device_id", deviceID),
			zap.String("command", name),
			zap.Error(err),
		)
		return SendReceipt{CommandID: cmd.ID, Queued: true, Position: position}, nil
	}
	return SendReceipt{CommandID: cmd.ID, Result: result}, nil
}

// UpdateHeartbeat marks a device alive and returns a bounded batch of
// commands queued while it was unreachable. This is the delivery path for
// devices that poll instead of holding a transport open.
func (h *Hub) UpdateHeartbeat(deviceID string, status string) ([]Command, error) {
	h.mu.Lock()
	dev, ok := h.devices[deviceID]
	if !ok {
		h.mu.Unlock()
		return nil, ErrUnknownDevice
	}
	wasOnline := dev.online
	dev.online = true
	dev.lastSeen = time.Now()
	if status != "" {
		dev.status = status
	}
	dev.stats.Heartbeats++
	batch := dev.queue.drain(h.opts.HeartbeatBatch)
	h.mu.Unlock()

	if !wasOnline {
		h.sink.OnDeviceOnline(deviceID)
	}
	return batch, nil
}

// HandleCommandResult resolves the pending callback for a command result
// reported by a device. Unmatched or late results are dropped.
func (h *Hub) HandleCommandResult(deviceID string, commandID string, success bool, payload map[string]any) {
	resolved := h.pending.resolve(CommandResult{
		CommandID: commandID,
		Success:   success,
		Payload:   payload,
	})
	if !resolved {
		h.logger.Debug("late command result dropped",
			zap.String("device_id", deviceID),
			zap.String("command_id", commandID),
		)
	}
}

// DetachTransport marks a device offline when its live connection drops. The
// transport pointer must still be the attached one; a replacement connection
// registered in the meantime wins.
func (h *Hub) DetachTransport(deviceID string, transport Transport) {
	h.mu.Lock()
	dev, ok := h.devices[deviceID]
	if !ok || dev.transport != transport {
		h.mu.Unlock()
		return
	}
	dev.transport = nil
	wasOnline := dev.online
	dev.online = false
	h.mu.Unlock()

	if wasOnline {
		h.logger.Info("device offline", zap.String("device_id", deviceID))
		h.sink.OnDeviceOffline(deviceID)
	}
}

// checkOfflineDevices demotes devices whose heartbeats went stale. Each
// transition emits exactly one offline event and force-closes the transport.
func (h *Hub) checkOfflineDevices(now time.Time) {
	type demoted struct {
		id        string
		transport Transport
	}

	h.mu.Lock()
	var gone []demoted
	for id, dev := range h.devices {
		if dev.online && now.Sub(dev.lastSeen) > h.opts.HeartbeatTimeout {
			dev.online = false
			transport := dev.transport
			dev.transport = nil
			gone = append(gone, demoted{id: id, transport: transport})
		}
	}
	h.mu.Unlock()

	for _, d := range gone {
		if d.transport != nil {
			_ = d.transport.Close()
		}
		h.logger.Info("device offline", zap.String("device_id", d.id))
		h.sink.OnDeviceOffline(d.id)
	}
}

// StartUtterance begins a recognition session for the device and returns its
// session ID.
func (h *Hub) StartUtterance(ctx context.Context, deviceID string) (string, error) {
	rec, err := h.recognizerFor(deviceID)
	if err != nil {
		return "", err
	}
	sessionID := uuid.NewString()
	if err := rec.BeginUtterance(ctx, sessionID); err != nil {
		return "", err
	}
	h.mu.Lock()
	if dev, ok := h.devices[deviceID]; ok {
		dev.sessionID = sessionID
	}
	h.mu.Unlock()
	return sessionID, nil
}

// ForwardAudio uploads one device audio chunk to its recognition session.
func (h *Hub) ForwardAudio(ctx context.Context, deviceID string, data []byte) error {
	h.mu.Lock()
	dev, ok := h.devices[deviceID]
	if !ok {
		h.mu.Unlock()
		return ErrUnknownDevice
	}
	dev.stats.AudioChunks++
	rec := dev.recognizer
	h.mu.Unlock()
	if rec == nil {
		return speech.ErrNoActiveSession
	}
	return rec.SendAudio(ctx, data)
}

// EndUtterance closes the device's recognition session, if any.
func (h *Hub) EndUtterance(deviceID string) bool {
	h.mu.Lock()
	dev, ok := h.devices[deviceID]
	var rec RecognitionClient
	if ok {
		rec = dev.recognizer
		dev.sessionID = ""
	}
	h.mu.Unlock()
	if rec == nil {
		return false
	}
	return rec.EndUtterance()
}

// Speak synthesizes text for the device; audio frames stream back through
// the device transport and the event sink as they arrive.
func (h *Hub) Speak(ctx context.Context, deviceID string, text string, opts speech.SynthesisOptions) error {
	syn, err := h.synthesizerFor(deviceID)
	if err != nil {
		return err
	}
	return syn.Synthesize(ctx, text, opts)
}

// Devices returns snapshots of every registered device.
func (h *Hub) Devices() []Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snaps := make([]Snapshot, 0, len(h.devices))
	for _, dev := range h.devices {
		snaps = append(snaps, dev.snapshot())
	}
	return snaps
}

// Device returns one device snapshot.
func (h *Hub) Device(deviceID string) (Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	dev, ok := h.devices[deviceID]
	if !ok {
		return Snapshot{}, false
	}
	return dev.snapshot(), true
}

func (h *Hub) recognizerFor(deviceID string) (RecognitionClient, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	dev, ok := h.devices[deviceID]
	if !ok {
		return nil, ErrUnknownDevice
	}
	if dev.recognizer == nil {
		id := deviceID
		dev.recognizer = h.opts.NewRecognizer(id, speech.RecognizerCallbacks{
			OnResult: func(result speech.Result) {
				h.sink.OnRecognitionResult(id, result)
			},
			OnError: func(err error) {
				h.logger.Warn("recognition error",
					zap.String("device_id", id),
					zap.Error(err),
				)
			},
		})
	}
	return dev.recognizer, nil
}

func (h *Hub) synthesizerFor(deviceID string) (SynthesisClient, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	dev, ok := h.devices[deviceID]
	if !ok {
		return nil, ErrUnknownDevice
	}
	if dev.synthesizer == nil {
		id := deviceID
		dev.synthesizer = h.opts.NewSynthesizer(id, speech.SynthesizerCallbacks{
			OnAudio: func(chunk speech.AudioChunk) {
				h.forwardSynthesizedAudio(id, chunk)
			},
			OnError: func(err error) {
				h.logger.Warn("synthesis error",
					zap.String("device_id", id),
					zap.Error(err),
				)
			},
		})
	}
	return dev.synthesizer, nil
}

func (h *Hub) forwardSynthesizedAudio(deviceID string, chunk speech.AudioChunk) {
	h.mu.Lock()
	var transport Transport
	if dev, ok := h.devices[deviceID]; ok {
		transport = dev.transport
	}
	h.mu.Unlock()

	if transport != nil {
		if err := transport.SendAudio(chunk.Data, chunk.Last); err != nil {
			h.logger.Warn("device audio delivery failed",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
		}
	}
	h.sink.OnSynthesizedAudio(deviceID, chunk)
}

func (h *Hub) releaseDevice(dev *device) {
	if dev.recognizer != nil {
		dev.recognizer.Destroy()
	}
	if dev.synthesizer != nil {
		dev.synthesizer.Destroy()
	}
	if dev.transport != nil {
		_ = dev.transport.Close()
	}
}
