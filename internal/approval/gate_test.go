package approval

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGateResolveApproves(t *testing.T) {
	gate := NewGate(Config{Timeout: time.Minute})
	var notified atomic.Int32
	notify := func(req Request) {
		notified.Add(1)
		if req.ExpiresAt.Sub(req.CreatedAt) != time.Minute {
			t.Errorf("ExpiresAt-CreatedAt = %v, want 1m", req.ExpiresAt.Sub(req.CreatedAt))
		}
		go gate.Resolve(req.ToolCallID, Decision{Approved: true, Args: map[string]any{"command": "ls"}})
	}

	decision, err := gate.Request(context.Background(), Request{ToolCallID: "c1", Name: "execute_command"}, notify)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if !decision.Approved {
		t.Error("Approved = false, want true")
	}
	if decision.Args["command"] != "ls" {
		t.Errorf("amended args = %v", decision.Args)
	}
	if notified.Load() != 1 {
		t.Errorf("notifications = %d, want 1", notified.Load())
	}
	if gate.Resolve("c1", Decision{Approved: false}) {
		t.Error("second Resolve() = true, want false")
	}
}

func TestGateDuplicateRequestSharesPendingWait(t *testing.T) {
	gate := NewGate(Config{Timeout: time.Minute})
	var notified atomic.Int32
	notify := func(Request) { notified.Add(1) }

	var wg sync.WaitGroup
	results := make([]Decision, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := gate.Request(context.Background(), Request{ToolCallID: "same", Name: "plan_create"}, notify)
			if err != nil {
				t.Errorf("Request() error = %v", err)
			}
			results[i] = d
		}(i)
	}

	deadline := time.Now().Add(2 * time.Second)
	for waiters(gate, "same") < len(results) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := len(gate.Pending()); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}
	if !gate.Resolve("same", Decision{Approved: false, Reason: "no"}) {
		t.Fatal("Resolve() = false, want true")
	}
	wg.Wait()

	if notified.Load() != 1 {
		t.Errorf("notifications = %d, want 1", notified.Load())
	}
	for i, d := range results {
		if d.Approved || d.Reason != "no" {
			t.Errorf("results[%d] = %+v, want denial with reason no", i, d)
		}
	}
}

func waiters(g *Gate, id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if entry, ok := g.pending[id]; ok {
		return entry.waiters
	}
	return 0
}

func TestGateTimeoutDeniesExactlyOnce(t *testing.T) {
	gate := NewGate(Config{Timeout: 30 * time.Millisecond})

	start := time.Now()
	decision, err := gate.Request(context.Background(), Request{ToolCallID: "slow", Name: "execute_command"}, nil)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if decision.Approved || decision.Reason != ReasonTimeout {
		t.Errorf("decision = %+v, want {approved:false reason:timeout}", decision)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("resolved after %v, before the timeout", elapsed)
	}
	if gate.Resolve("slow", Decision{Approved: true}) {
		t.Error("Resolve() after timeout = true, want false")
	}
	if n := len(gate.Pending()); n != 0 {
		t.Errorf("pending after timeout = %d, want 0", n)
	}
}

func TestGateContextCancelWithdrawsRequest(t *testing.T) {
	gate := NewGate(Config{Timeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gate.Request(ctx, Request{ToolCallID: "c", Name: "plan_create"}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Request() error = %v, want context.Canceled", err)
	}
	if n := len(gate.Pending()); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
	if gate.Resolve("c", Decision{Approved: true}) {
		t.Error("Resolve() = true with nobody waiting")
	}
}

func TestGateContextCancelKeepsOtherWaiters(t *testing.T) {
	gate := NewGate(Config{Timeout: time.Minute})
	req := Request{ToolCallID: "c", Name: "execute_command"}

	registered := make(chan struct{})
	result := make(chan Decision, 1)
	go func() {
		decision, err := gate.Request(context.Background(), req, func(Request) { close(registered) })
		if err != nil {
			t.Errorf("first Request() error = %v", err)
		}
		result <- decision
	}()
	<-registered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := gate.Request(ctx, req, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("second Request() error = %v, want context.Canceled", err)
	}
	if n := len(gate.Pending()); n != 1 {
		t.Fatalf("pending = %d, want 1 while a waiter remains", n)
	}
	if !gate.Resolve("c", Decision{Approved: true}) {
		t.Fatal("Resolve() = false, want true")
	}
	select {
	case decision := <-result:
		if !decision.Approved {
			t.Error("remaining waiter did not receive the approval")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("remaining waiter never returned")
	}
}

func TestGateRejectsEmptyID(t *testing.T) {
	gate := NewGate(Config{})
	if _, err := gate.Request(context.Background(), Request{}, nil); !errors.Is(err, ErrEmptyToolCallID) {
		t.Errorf("Request() error = %v, want ErrEmptyToolCallID", err)
	}
}
