package domain

import (
	"fmt"
	"time"
)

// CommandStatus is the lifecycle of a pending remote command (spec.md
// scenario S6 "command reply for the prior correlation id is accepted").
type CommandStatus string

const (
	CommandPending CommandStatus = "pending"
	CommandReplied CommandStatus = "replied"
	CommandExpired CommandStatus = "expired"
)

// RemoteCommand is an outstanding invocation awaiting a correlated reply.
type RemoteCommand struct {
	ID            string         `msgpack:"id"`
	CorrelationID string         `msgpack:"correlation_id"`
	Name          string         `msgpack:"name"`
	Args          map[string]any `msgpack:"args"`
	Status        CommandStatus  `msgpack:"status"`
	Reply         map[string]any `msgpack:"reply,omitempty"`
	InvokedAt     int64          `msgpack:"invoked_at"`
	RepliedAt     int64          `msgpack:"replied_at,omitempty"`
}

// InvokeCommand records a new outstanding remote command keyed by a fresh
// correlation id.
func (s *State) InvokeCommand(name string, args map[string]any, now time.Time) RemoteCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd := RemoteCommand{
		ID:            NewID("cmd"),
		CorrelationID: NewID("corr"),
		Name:          name,
		Args:          args,
		Status:        CommandPending,
		InvokedAt:     now.UnixMilli(),
	}
	s.Commands[cmd.CorrelationID] = cmd
	return cmd
}

// ReplyCommand attaches a reply to the pending command matching
// correlationID. Replying to an already-terminal command is rejected, same
// as the receipt idempotence discipline elsewhere in the domain state.
func (s *State) ReplyCommand(correlationID string, reply map[string]any, now time.Time) (RemoteCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.Commands[correlationID]
	if !ok {
		return RemoteCommand{}, fmt.Errorf("domain: no pending command for correlation %s", correlationID)
	}
	if cmd.Status != CommandPending {
		return cmd, fmt.Errorf("domain: command %s already %s", correlationID, cmd.Status)
	}
	cmd.Status = CommandReplied
	cmd.Reply = reply
	cmd.RepliedAt = now.UnixMilli()
	s.Commands[correlationID] = cmd
	return cmd, nil
}

// ExpireCommand marks a still-pending command as expired, e.g. after a
// caller-defined reply timeout.
func (s *State) ExpireCommand(correlationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.Commands[correlationID]
	if !ok || cmd.Status != CommandPending {
		return
	}
	cmd.Status = CommandExpired
	s.Commands[correlationID] = cmd
}

// GetCommand fetches a command by correlation id.
func (s *State) GetCommand(correlationID string) (RemoteCommand, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.Commands[correlationID]
	return cmd, ok
}

// ListCommands returns every known command, pending or terminal.
func (s *State) ListCommands() []RemoteCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RemoteCommand, 0, len(s.Commands))
	for _, cmd := range s.Commands {
		out = append(out, cmd)
	}
	return out
}
