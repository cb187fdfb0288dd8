package delivery_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"meshrund/internal/delivery"
)

func TestDeliverPrefersDirectWhenLinkCandidateAvailable(t *testing.T) {
	var directCalls, oppCalls int32
	c := delivery.NewCoordinator(delivery.Hooks{
		SendDirect: func(ctx context.Context, req delivery.Request) error {
			atomic.AddInt32(&directCalls, 1)
			return nil
		},
		SendOpportunistic: func(ctx context.Context, req delivery.Request) error {
			atomic.AddInt32(&oppCalls, 1)
			return nil
		},
	})

	err := c.Deliver(context.Background(), delivery.Request{
		MessageID:        "m1",
		HasLinkCandidate: true,
		PayloadSize:      10,
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if atomic.LoadInt32(&directCalls) != 1 {
		t.Fatalf("expected exactly one direct attempt, got %d", directCalls)
	}
	if atomic.LoadInt32(&oppCalls) != 0 {
		t.Fatalf("expected opportunistic to not be tried when direct succeeds, got %d", oppCalls)
	}
}

func TestDeliverFallsBackToOpportunisticWhenNoLinkCandidate(t *testing.T) {
	var oppCalls int32
	c := delivery.NewCoordinator(delivery.Hooks{
		SendOpportunistic: func(ctx context.Context, req delivery.Request) error {
			atomic.AddInt32(&oppCalls, 1)
			return nil
		},
	})

	err := c.Deliver(context.Background(), delivery.Request{
		MessageID:   "m2",
		PayloadSize: 10,
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if atomic.LoadInt32(&oppCalls) != 1 {
		t.Fatalf("expected a single opportunistic attempt, got %d", oppCalls)
	}
}

func TestDeliverFallsBackToOpportunisticEvenWhenOversized(t *testing.T) {
	// With no link candidate and no relay candidates, the cascade has
	// nothing else to try; opportunistic is the last-resort fallback
	// regardless of whether it is actually eligible by size.
	boom := errors.New("boom")
	var attempted bool
	c := delivery.NewCoordinator(delivery.Hooks{
		SendOpportunistic: func(ctx context.Context, req delivery.Request) error {
			attempted = true
			return boom
		},
	})

	err := c.Deliver(context.Background(), delivery.Request{
		MessageID:   "m3",
		PayloadSize: delivery.OpportunisticMaxBytes + 1,
	})
	if !attempted {
		t.Fatalf("expected the fallback to still attempt opportunistic delivery")
	}
	if !errors.Is(err, delivery.ErrGivenUp) {
		t.Fatalf("expected ErrGivenUp once the only fallback method fails, got %v", err)
	}
}

func TestDeliverRecordsTraceTransitions(t *testing.T) {
	c := delivery.NewCoordinator(delivery.Hooks{
		SendOpportunistic: func(ctx context.Context, req delivery.Request) error { return nil },
	})
	req := delivery.Request{MessageID: "m4", PayloadSize: 10}
	if err := c.Deliver(context.Background(), req); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	entries := c.TraceFor("m4").Entries()
	var statuses []delivery.Status
	for _, e := range entries {
		statuses = append(statuses, e.Status)
	}
	want := []delivery.Status{delivery.StatusQueued, delivery.StatusSent, delivery.StatusDelivered}
	if len(statuses) != len(want) {
		t.Fatalf("got trace %+v, want %+v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("got trace %+v, want %+v", statuses, want)
		}
	}
}

func TestDeliverGivesUpWhenEveryMethodFails(t *testing.T) {
	boom := errors.New("boom")
	c := delivery.NewCoordinator(delivery.Hooks{
		SendOpportunistic: func(ctx context.Context, req delivery.Request) error { return boom },
		SendPropagated:    func(ctx context.Context, req delivery.Request, relay string) error { return boom },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.Deliver(ctx, delivery.Request{
		MessageID:       "m5",
		PayloadSize:     10,
		RelayCandidates: []string{"relay-a"},
	})
	if err == nil {
		t.Fatalf("expected delivery to fail when every method errors")
	}
}

func TestAwaitReceiptTimeoutMarksTimedOut(t *testing.T) {
	c := delivery.NewCoordinator(delivery.Hooks{
		SendOpportunistic: func(ctx context.Context, req delivery.Request) error { return nil },
		AwaitReceipt: func(ctx context.Context, messageID string) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	// A pre-cancelled parent context makes the receipt-wait deadline fire
	// immediately rather than requiring a real ReceiptWaitTimeout sleep.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Deliver(ctx, delivery.Request{MessageID: "m6", PayloadSize: 10})
	if err == nil {
		t.Fatalf("expected receipt wait timeout to surface as an error")
	}

	entries := c.TraceFor("m6").Entries()
	var sawTimedOut bool
	for _, e := range entries {
		if e.Status == delivery.StatusTimedOut {
			sawTimedOut = true
		}
	}
	if !sawTimedOut {
		t.Fatalf("expected a TimedOut trace entry among %+v", entries)
	}
	if entries[len(entries)-1].Status != delivery.StatusGivenUp {
		t.Fatalf("expected the cascade to end in GivenUp once its only method times out, got %+v", entries)
	}
}
