package domain_test

import (
	"testing"
	"time"

	"meshrund/internal/domain"
)

func TestCommandInvokeReplyIdempotence(t *testing.T) {
	s := domain.NewState()
	now := time.Unix(1700000000, 0)

	cmd := s.InvokeCommand("ping", map[string]any{"seq": 1}, now)
	if cmd.Status != domain.CommandPending {
		t.Fatalf("expected pending status")
	}

	replied, err := s.ReplyCommand(cmd.CorrelationID, map[string]any{"pong": true}, now.Add(time.Second))
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if replied.Status != domain.CommandReplied {
		t.Fatalf("expected replied status")
	}

	if _, err := s.ReplyCommand(cmd.CorrelationID, map[string]any{}, now); err == nil {
		t.Fatalf("expected second reply for the same correlation id to be rejected")
	}

	if _, err := s.ReplyCommand("unknown-corr", map[string]any{}, now); err == nil {
		t.Fatalf("expected reply to unknown correlation id to fail")
	}
}

func TestCommandExpire(t *testing.T) {
	s := domain.NewState()
	now := time.Now()
	cmd := s.InvokeCommand("noop", nil, now)
	s.ExpireCommand(cmd.CorrelationID)
	got, ok := s.GetCommand(cmd.CorrelationID)
	if !ok || got.Status != domain.CommandExpired {
		t.Fatalf("expected command to be expired, got %+v", got)
	}
}
