package hub

import (
	"sync"
	"time"
)

// pendingCommands correlates sent commands with their asynchronous results.
// Each entry is resolved exactly once: by a matching result, by the
// per-command timeout, or by the periodic sweep. The buffered result channel
// is the single consumption point, so a timer and a late result can never
// both deliver.
type pendingCommands struct {
	timeout time.Duration
	maxAge  time.Duration

	mu      sync.Mutex
	entries map[string]*pendingEntry
	closed  bool
}

type pendingEntry struct {
	ch      chan CommandResult
	timer   *time.Timer
	created time.Time
}

func newPendingCommands(timeout time.Duration, maxAge time.Duration) *pendingCommands {
	return &pendingCommands{
		timeout: timeout,
		maxAge:  maxAge,
		entries: make(map[string]*pendingEntry),
	}
}

// track registers a command and returns the channel its result will arrive
// on. When the timeout fires first, the command resolves as accepted-but-
// unacknowledged rather than failed: delivery likely succeeded even if the
// acknowledgment did not arrive.
func (p *pendingCommands) track(commandID string) <-chan CommandResult {
	entry := &pendingEntry{
		ch:      make(chan CommandResult, 1),
		created: time.Now(),
	}
	entry.timer = time.AfterFunc(p.timeout, func() {
		p.resolve(CommandResult{CommandID: commandID, Success: true, TimedOut: true})
	})

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		entry.timer.Stop()
		entry.ch <- CommandResult{CommandID: commandID, Success: true, TimedOut: true}
		return entry.ch
	}
	p.entries[commandID] = entry
	p.mu.Unlock()
	return entry.ch
}

// resolve delivers a result to the tracked command, if still pending.
// Unmatched or late results report false and are dropped by the caller.
func (p *pendingCommands) resolve(result CommandResult) bool {
	p.mu.Lock()
	entry, ok := p.entries[result.CommandID]
	if ok {
		delete(p.entries, result.CommandID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	entry.timer.Stop()
	entry.ch <- result
	return true
}

// forget drops a tracked command without delivering a result. Used when
// delivery itself failed and the command falls back to the queue.
func (p *pendingCommands) forget(commandID string) {
	p.mu.Lock()
	entry, ok := p.entries[commandID]
	if ok {
		delete(p.entries, commandID)
	}
	p.mu.Unlock()
	if ok {
		entry.timer.Stop()
	}
}

// sweep resolves entries older than the safety threshold. It bounds memory
// even if a result never arrives and the per-command timer failed to fire.
func (p *pendingCommands) sweep(now time.Time) int {
	p.mu.Lock()
	var stale []string
	for id, entry := range p.entries {
		if now.Sub(entry.created) > p.maxAge {
			stale = append(stale, id)
		}
	}
	p.mu.Unlock()

	for _, id := range stale {
		p.resolve(CommandResult{CommandID: id, Success: true, TimedOut: true})
	}
	return len(stale)
}

func (p *pendingCommands) size() int {
	p.mu.Lock()
	n := len(p.entries)
	p.mu.Unlock()
	return n
}

func (p *pendingCommands) close() {
	p.mu.Lock()
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*pendingEntry)
	p.mu.Unlock()
	for id, entry := range entries {
		entry.timer.Stop()
		entry.ch <- CommandResult{CommandID: id, Success: true, TimedOut: true}
	}
}
