package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/enclaveworks/enclave/internal/common/errors"
	"github.com/enclaveworks/enclave/internal/events"
	"github.com/enclaveworks/enclave/internal/filesync"
	"github.com/enclaveworks/enclave/internal/metrics"
	"github.com/enclaveworks/enclave/internal/proxy"
	"github.com/enclaveworks/enclave/internal/sandbox"
	v1 "github.com/enclaveworks/enclave/pkg/api/v1"
)

// maxEventLine bounds a single SSE line; tool results can carry large
// payloads.
const maxEventLine = 4 * 1024 * 1024

// EventSink receives the relayed event stream of one turn. The sink is called
// from a single goroutine in order; a sink error aborts the turn.
type EventSink func(event v1.StreamEvent) error

// ExecuteRequest is one agent turn.
type ExecuteRequest struct {
	ConversationID string
	TenantID       string
	Request        v1.AgentRequest

	// Optional per-turn proxy updates, applied before the agent runs.
	ProxyConfig *proxy.Config
	HeaderRules []proxy.HeaderRule
}

// relay owns the event stream contract with the caller: it assigns sequence
// numbers and timestamps, and it is the only place a done or error event is
// produced. After a terminal event everything else is dropped.
type relay struct {
	sink EventSink

	mu       sync.Mutex
	seq      int64
	terminal bool
}

func (r *relay) emit(kind string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return nil
	}
	if kind == v1.EventDone || kind == v1.EventError {
		r.terminal = true
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		raw = b
	}

	r.seq++
	return r.sink(v1.StreamEvent{
		Seq:       r.seq,
		Timestamp: time.Now().UTC(),
		Event:     kind,
		Payload:   raw,
	})
}

func (r *relay) terminalSent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminal
}

// Execute runs one agent turn for a conversation: acquire or reuse its
// sandbox, sync files in, stream the agent's events to the sink, recover once
// from a mid-turn sandbox crash, and sync files out. Exactly one done or
// error event reaches the sink.
func (o *Orchestrator) Execute(ctx context.Context, req ExecuteRequest, sink EventSink) error {
	if o.ShuttingDown() {
		return apperrors.ShuttingDown()
	}
	o.turns.Add(1)
	defer o.turns.Done()

	unlock := o.locks.lock(req.ConversationID)
	defer unlock()

	start := time.Now()
	r := &relay{sink: sink}

	err := o.executeLocked(ctx, req, r)
	if err != nil {
		if !r.terminalSent() {
			_ = r.emit(v1.EventError, v1.ErrorPayload{
				Code:    apperrors.Code(err),
				Message: safeMessage(err),
			})
		}
		metrics.TurnsTotal.WithLabelValues("error").Inc()
		o.publish(ctx, events.TurnFailed, map[string]interface{}{
			"conversation_id": req.ConversationID,
			"code":            apperrors.Code(err),
		})
	} else {
		metrics.TurnsTotal.WithLabelValues("done").Inc()
		o.publish(ctx, events.TurnCompleted, map[string]interface{}{
			"conversation_id": req.ConversationID,
		})
	}
	metrics.TurnDuration.Observe(time.Since(start).Seconds())
	return err
}

func (o *Orchestrator) executeLocked(ctx context.Context, req ExecuteRequest, r *relay) error {
	log := o.log.WithConversationID(req.ConversationID)

	info, err := o.getOrCreateLocked(ctx, req.ConversationID, req.TenantID)
	if err != nil {
		return err
	}
	target := o.target(info)

	_ = o.registry.SetStatus(ctx, req.ConversationID, v1.SandboxStatusRunning)
	o.publish(ctx, events.TurnStarted, map[string]interface{}{
		"conversation_id": req.ConversationID,
		"sandbox_id":      info.SandboxID,
	})

	if err := o.applyTurnProxyConfig(info.SandboxID, req); err != nil {
		return err
	}
	if err := o.syncer.SyncIn(ctx, target); err != nil {
		return err
	}

	turnCtx, cancel := context.WithTimeout(ctx, o.cfg.ExecutionTimeoutDuration())
	defer cancel()

	err = o.runTurn(turnCtx, info, req.Request, r, target)

	// One recovery attempt: a dropped agent stream means the container died
	// mid-turn. Replace the sandbox, tell the caller, and retry the turn.
	if apperrors.Is(err, apperrors.ErrCodeAgentDisconnect) && !r.terminalSent() {
		log.Warn("Agent stream lost mid-turn, recovering",
			zap.String("sandbox_id", info.SandboxID),
			zap.Error(err),
		)
		replacement, rerr := o.replaceSandbox(ctx, req, info)
		if rerr != nil {
			log.Error("Recovery failed", zap.Error(rerr))
			return err
		}

		_ = r.emit(v1.EventContainerRecovered, v1.RecoveredPayload{
			Reason:       "agent_disconnect",
			OldSandboxID: info.SandboxID,
			NewSandboxID: replacement.SandboxID,
		})
		metrics.TurnsTotal.WithLabelValues("recovered").Inc()
		o.publish(ctx, events.SandboxRecovered, map[string]interface{}{
			"conversation_id": req.ConversationID,
			"old_sandbox_id":  info.SandboxID,
			"new_sandbox_id":  replacement.SandboxID,
		})

		info = replacement
		target = o.target(info)
		if err := o.syncer.SyncIn(ctx, target); err != nil {
			return err
		}
		err = o.runTurn(turnCtx, info, req.Request, r, target)
	}

	// The turn is over either way; pending debounced flushes are superseded
	// by the final pass.
	o.flusher.Cancel(req.ConversationID)
	if o.syncer.Enabled() {
		flushCtx, flushCancel := context.WithTimeout(context.WithoutCancel(ctx), o.syncCfg.FlushTimeoutDuration())
		if serr := o.syncer.SyncOut(flushCtx, target); serr != nil {
			log.Warn("End-of-turn sync-out failed", zap.Error(serr))
		}
		flushCancel()
	}

	now := time.Now().UTC()
	_ = o.registry.TouchBinding(ctx, req.ConversationID, now)
	_ = o.registry.SetStatus(ctx, req.ConversationID, v1.SandboxStatusIdle)
	o.publish(ctx, events.SandboxIdle, map[string]interface{}{
		"conversation_id": req.ConversationID,
		"sandbox_id":      info.SandboxID,
	})
	return err
}

// applyTurnProxyConfig layers per-turn credentials, allow-list, and MCP
// header rules onto the sandbox's proxy.
func (o *Orchestrator) applyTurnProxyConfig(sandboxID string, req ExecuteRequest) error {
	if req.ProxyConfig != nil {
		if err := o.proxies.Configure(sandboxID, *req.ProxyConfig); err != nil {
			return err
		}
	}
	if req.HeaderRules != nil {
		if err := o.proxies.UpdateRules(sandboxID, req.HeaderRules); err != nil {
			return err
		}
	}
	return nil
}

// replaceSandbox tears down a dead sandbox and acquires a fresh one for the
// conversation.
func (o *Orchestrator) replaceSandbox(ctx context.Context, req ExecuteRequest, dead *sandbox.Info) (*sandbox.Info, error) {
	o.teardown(ctx, dead)

	info, err := o.pool.Acquire(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if req.TenantID != "" {
		info.TenantID = req.TenantID
		if err := o.registry.SaveBinding(ctx, info); err != nil {
			o.teardown(ctx, info)
			return nil, err
		}
	}
	if err := o.startProxy(info); err != nil {
		o.teardown(ctx, info)
		return nil, apperrors.CreateFailed(err)
	}
	if err := o.applyTurnProxyConfig(info.SandboxID, req); err != nil {
		o.teardown(ctx, info)
		return nil, err
	}
	return info, nil
}

// runTurn POSTs the request to the in-sandbox agent and relays its SSE stream
// until a terminal event. A stream that ends without one, or that goes silent
// past the idle timeout, is reported as an agent disconnect; the per-turn
// deadline maps to a turn timeout.
func (o *Orchestrator) runTurn(ctx context.Context, info *sandbox.Info, agentReq v1.AgentRequest, r *relay, target filesync.Target) error {
	body, err := json.Marshal(agentReq)
	if err != nil {
		return apperrors.BadRequest(fmt.Sprintf("invalid agent request: %v", err))
	}

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost,
		info.AgentEndpoint.BaseURL()+"/execute", bytes.NewReader(body))
	if err != nil {
		return apperrors.InternalError("build agent request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	// No client timeout: the stream lives as long as the turn. The watchdog
	// below covers a wedged agent.
	client := info.AgentEndpoint.HTTPClient(0)
	resp, err := client.Do(httpReq)
	if err != nil {
		return o.classifyStreamError(ctx, streamCtx, info, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperrors.AgentDisconnect(info.SandboxID,
			fmt.Errorf("agent returned status %d: %s", resp.StatusCode, snippet))
	}

	var watchdog *time.Timer
	idle := o.cfg.IdleStreamTimeoutDuration()
	if idle > 0 {
		watchdog = time.AfterFunc(idle, cancelStream)
		defer watchdog.Stop()
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)

	var (
		eventName string
		data      bytes.Buffer
	)
	dispatch := func() error {
		defer func() {
			eventName = ""
			data.Reset()
		}()
		if eventName == "" && data.Len() == 0 {
			return nil
		}
		if watchdog != nil {
			watchdog.Reset(idle)
		}
		return o.handleAgentEvent(eventName, append([]byte(nil), data.Bytes()...), r, target)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := dispatch(); err != nil {
				if errors.Is(err, errTurnDone) {
					return nil
				}
				return err
			}
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, ":"):
			// heartbeat comment, resets the watchdog
			if watchdog != nil {
				watchdog.Reset(idle)
			}
		}
	}
	if err := dispatch(); err != nil {
		if errors.Is(err, errTurnDone) {
			return nil
		}
		return err
	}

	// Stream ended without a terminal event: the agent process died.
	return o.classifyStreamError(ctx, streamCtx, info, scanner.Err())
}

// errTurnDone signals a clean agent-side completion up through the scan loop.
var errTurnDone = errors.New("turn done")

// handleAgentEvent reframes one agent event into the caller stream. The
// agent's own done and error events terminate the turn through the relay;
// tool results additionally arm the mid-run flush.
func (o *Orchestrator) handleAgentEvent(name string, payload []byte, r *relay, target filesync.Target) error {
	if name == "" {
		name = "message"
	}
	var raw json.RawMessage
	if len(payload) > 0 {
		raw = payload
	}

	switch name {
	case v1.EventDone:
		if err := r.emit(v1.EventDone, raw); err != nil {
			return err
		}
		return errTurnDone
	case v1.EventError:
		if err := r.emit(v1.EventError, raw); err != nil {
			return err
		}
		var ep v1.ErrorPayload
		_ = json.Unmarshal(payload, &ep)
		if ep.Code == "" {
			ep.Code = apperrors.ErrCodeInternalError
		}
		return &apperrors.AppError{Code: ep.Code, Message: ep.Message, HTTPStatus: http.StatusBadGateway}
	case v1.EventToolResult:
		if err := r.emit(name, raw); err != nil {
			return err
		}
		if o.syncer.Enabled() {
			o.flusher.Trigger(target)
		}
		return nil
	default:
		return r.emit(name, raw)
	}
}

// classifyStreamError distinguishes the ways a stream dies: the turn
// deadline, an outside cancellation, the idle watchdog, and the agent itself.
func (o *Orchestrator) classifyStreamError(turnCtx, streamCtx context.Context, info *sandbox.Info, cause error) error {
	if errors.Is(turnCtx.Err(), context.DeadlineExceeded) {
		return apperrors.TurnTimeout(info.ConversationID)
	}
	if turnCtx.Err() != nil {
		return apperrors.Wrap(turnCtx.Err(), "turn cancelled")
	}
	if streamCtx.Err() != nil {
		return apperrors.AgentDisconnect(info.SandboxID,
			fmt.Errorf("no agent events within the idle timeout"))
	}
	if cause == nil {
		cause = fmt.Errorf("agent stream ended without a terminal event")
	}
	return apperrors.AgentDisconnect(info.SandboxID, cause)
}

// safeMessage returns a caller-facing message for an error without leaking
// internals for non-application errors.
func safeMessage(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}
