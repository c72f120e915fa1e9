package filesync

import (
	"context"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDebounceCoalescesBursts(t *testing.T) {
	var mu sync.Mutex
	flushes := 0
	f := NewFlusher(30*time.Millisecond, time.Second, func(ctx context.Context, target Target) error {
		mu.Lock()
		flushes++
		mu.Unlock()
		return nil
	}, newTestLogger())
	defer f.Stop()

	target := Target{ConversationID: "conv-1", SandboxID: "sb-1"}
	for i := 0; i < 5; i++ {
		f.Trigger(target)
		time.Sleep(5 * time.Millisecond)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return flushes == 1
	})

	// The window stayed open across the burst: exactly one flush.
	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if flushes != 1 {
		t.Errorf("expected 1 coalesced flush, got %d", flushes)
	}
}

func TestTriggerDuringRunningFlushSchedulesFollowUp(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	flushes := 0

	f := NewFlusher(10*time.Millisecond, time.Second, func(ctx context.Context, target Target) error {
		mu.Lock()
		flushes++
		n := flushes
		mu.Unlock()
		if n == 1 {
			close(started)
			<-release
		}
		return nil
	}, newTestLogger())
	defer f.Stop()

	target := Target{ConversationID: "conv-1", SandboxID: "sb-1"}
	f.Trigger(target)
	<-started

	// Two triggers while the first flush is still running coalesce into one
	// follow-up.
	f.Trigger(target)
	f.Trigger(target)
	close(release)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return flushes == 2
	})
}

func TestCancelDropsPendingFlush(t *testing.T) {
	var mu sync.Mutex
	flushes := 0
	f := NewFlusher(30*time.Millisecond, time.Second, func(ctx context.Context, target Target) error {
		mu.Lock()
		flushes++
		mu.Unlock()
		return nil
	}, newTestLogger())
	defer f.Stop()

	f.Trigger(Target{ConversationID: "conv-1", SandboxID: "sb-1"})
	f.Cancel("conv-1")

	time.Sleep(80 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if flushes != 0 {
		t.Errorf("cancelled flush still ran %d times", flushes)
	}
}

func TestConversationsFlushIndependently(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]int)
	f := NewFlusher(10*time.Millisecond, time.Second, func(ctx context.Context, target Target) error {
		mu.Lock()
		seen[target.ConversationID]++
		mu.Unlock()
		return nil
	}, newTestLogger())
	defer f.Stop()

	f.Trigger(Target{ConversationID: "conv-1", SandboxID: "sb-1"})
	f.Trigger(Target{ConversationID: "conv-2", SandboxID: "sb-2"})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["conv-1"] == 1 && seen["conv-2"] == 1
	})
}
