package hub

import "time"

// Priority represents a command delivery priority.
type Priority int

const (
	// PriorityNormal commands queue behind earlier ones.
	PriorityNormal Priority = iota
	// PriorityHigh commands take the queue head when the device is offline.
	PriorityHigh
)

// Command represents one command destined for a device.
type Command struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Params     map[string]any `json:"params,omitempty"`
	Priority   Priority       `json:"priority"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// CommandResult represents the resolution of a sent command.
type CommandResult struct {
	CommandID string         `json:"command_id"`
	Success   bool           `json:"success"`
	TimedOut  bool           `json:"timed_out,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// SendReceipt describes what happened to a SendCommand call. When the
// command was delivered live, Result yields exactly one CommandResult.
type SendReceipt struct {
	CommandID string
	Queued    bool
	Position  int
	Result    <-chan CommandResult
}

// commandQueue is a bounded per-device queue for commands awaiting a live
// transport. The hub lock guards it.
type commandQueue struct {
	entries []Command
	cap     int
}

func newCommandQueue(cap int) *commandQueue {
	return &commandQueue{cap: cap}
}

// push inserts a command and returns its 1-based queue position. High
// priority commands go to the head. Beyond capacity the oldest waiting
// command is dropped so only the most recent ones survive.
func (q *commandQueue) push(cmd Command) int {
	if cmd.Priority == PriorityHigh {
		q.entries = append([]Command{cmd}, q.entries...)
	} else {
		q.entries = append(q.entries, cmd)
	}
	if len(q.entries) > q.cap {
		// Evict the oldest normal entry; when the queue is all high
		// priority the tail holds the oldest one.
		drop := len(q.entries) - 1
		for i, entry := range q.entries {
			if entry.Priority != PriorityHigh {
				drop = i
				break
			}
		}
		q.entries = append(q.entries[:drop], q.entries[drop+1:]...)
	}
	for i, entry := range q.entries {
		if entry.ID == cmd.ID {
			return i + 1
		}
	}
	return len(q.entries)
}

// drain removes and returns up to n commands from the head.
func (q *commandQueue) drain(n int) []Command {
	if n > len(q.entries) {
		n = len(q.entries)
	}
	if n == 0 {
		return nil
	}
	batch := make([]Command, n)
	copy(batch, q.entries[:n])
	q.entries = append([]Command(nil), q.entries[n:]...)
	return batch
}

func (q *commandQueue) len() int {
	return len(q.entries)
}
