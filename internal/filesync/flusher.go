package filesync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/enclaveworks/enclave/internal/common/logger"
)

// FlushFunc performs one sync-out pass.
type FlushFunc func(ctx context.Context, target Target) error

// Flusher coalesces bursts of mid-run write activity into single sync-out
// passes. Each trigger starts or extends a per-conversation debounce window;
// at most one flush runs per conversation at a time, and a trigger arriving
// during a running flush schedules exactly one follow-up. Failures are logged
// and retried on the next trigger; they never abort the agent turn.
type Flusher struct {
	debounce time.Duration
	timeout  time.Duration
	flush    FlushFunc
	log      *logger.Logger

	mu      sync.Mutex
	pending map[string]*flushState // keyed by conversation ID
	stopped bool
	wg      sync.WaitGroup
}

type flushState struct {
	timer   *time.Timer
	target  Target
	running bool
	rearm   bool
}

// NewFlusher creates a flusher that calls flush after the debounce window.
func NewFlusher(debounce, timeout time.Duration, flush FlushFunc, log *logger.Logger) *Flusher {
	return &Flusher{
		debounce: debounce,
		timeout:  timeout,
		flush:    flush,
		log:      log,
		pending:  make(map[string]*flushState),
	}
}

// Trigger schedules a flush for the target. Repeated triggers within the
// window extend it.
func (f *Flusher) Trigger(target Target) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}

	state, ok := f.pending[target.ConversationID]
	if !ok {
		state = &flushState{target: target}
		f.pending[target.ConversationID] = state
	}
	state.target = target

	if state.running {
		state.rearm = true
		return
	}
	if state.timer != nil {
		state.timer.Reset(f.debounce)
		return
	}
	conversationID := target.ConversationID
	state.timer = time.AfterFunc(f.debounce, func() { f.fire(conversationID) })
}

// fire runs the flush for one conversation, then reschedules if triggers
// arrived meanwhile.
func (f *Flusher) fire(conversationID string) {
	f.mu.Lock()
	state, ok := f.pending[conversationID]
	if !ok || f.stopped {
		f.mu.Unlock()
		return
	}
	state.timer = nil
	state.running = true
	target := state.target
	f.wg.Add(1)
	f.mu.Unlock()

	go func() {
		defer f.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		if err := f.flush(ctx, target); err != nil {
			f.log.Warn("Mid-run flush failed",
				zap.String("conversation_id", target.ConversationID),
				zap.Error(err),
			)
		}
		cancel()

		f.mu.Lock()
		defer f.mu.Unlock()
		state.running = false
		if state.rearm && !f.stopped {
			state.rearm = false
			state.timer = time.AfterFunc(f.debounce, func() { f.fire(conversationID) })
		} else {
			delete(f.pending, conversationID)
		}
	}()
}

// Cancel drops any pending flush for a conversation, e.g. when its sandbox is
// being destroyed and a final synchronous flush is about to run instead.
func (f *Flusher) Cancel(conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.pending[conversationID]; ok {
		if state.timer != nil {
			state.timer.Stop()
		}
		state.rearm = false
		if !state.running {
			delete(f.pending, conversationID)
		}
	}
}

// Stop cancels pending windows and waits for running flushes.
func (f *Flusher) Stop() {
	f.mu.Lock()
	f.stopped = true
	for _, state := range f.pending {
		if state.timer != nil {
			state.timer.Stop()
		}
	}
	f.mu.Unlock()
	f.wg.Wait()
}
