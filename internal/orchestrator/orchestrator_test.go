package orchestrator

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/enclaveworks/enclave/internal/common/config"
	apperrors "github.com/enclaveworks/enclave/internal/common/errors"
	"github.com/enclaveworks/enclave/internal/common/logger"
	"github.com/enclaveworks/enclave/internal/events/bus"
	"github.com/enclaveworks/enclave/internal/filesync"
	"github.com/enclaveworks/enclave/internal/pool"
	"github.com/enclaveworks/enclave/internal/proxy"
	"github.com/enclaveworks/enclave/internal/registry"
	"github.com/enclaveworks/enclave/internal/runtime"
	"github.com/enclaveworks/enclave/internal/sandbox"
	v1 "github.com/enclaveworks/enclave/pkg/api/v1"
)

// fakeAgentRuntime backs each created sandbox with a real HTTP server on the
// sandbox's agent socket, so turns exercise the actual SSE path.
type fakeAgentRuntime struct {
	// handler builds the agent for the n-th created sandbox (1-based).
	handler func(n int) http.Handler

	mu        sync.Mutex
	created   int
	failAfter int // creations numbered >= failAfter are refused
	instances map[string]*agentInstance
	destroyed []string
}

type agentInstance struct {
	inst    runtime.Instance
	server  *http.Server
	running bool
}

func newFakeAgentRuntime(handler func(n int) http.Handler) *fakeAgentRuntime {
	return &fakeAgentRuntime{
		handler:   handler,
		instances: make(map[string]*agentInstance),
	}
}

func (f *fakeAgentRuntime) Create(ctx context.Context, spec runtime.CreateSpec) (*runtime.Instance, error) {
	f.mu.Lock()
	f.created++
	n := f.created
	failAfter := f.failAfter
	f.mu.Unlock()

	if failAfter > 0 && n >= failAfter {
		return nil, fmt.Errorf("runtime refused creation %d", n)
	}

	ln, err := net.Listen("unix", filepath.Join(spec.SocketDir, "agent.sock"))
	if err != nil {
		return nil, err
	}
	server := &http.Server{Handler: f.handler(n)}
	go func() { _ = server.Serve(ln) }()

	inst := runtime.Instance{
		ID:             spec.Name,
		Name:           spec.Name,
		ConversationID: spec.ConversationID,
		State:          "running",
		CreatedAt:      time.Now().UTC(),
	}
	f.mu.Lock()
	f.instances[inst.ID] = &agentInstance{inst: inst, server: server, running: true}
	f.mu.Unlock()
	out := inst
	return &out, nil
}

func (f *fakeAgentRuntime) Destroy(ctx context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, id)
	if ai, ok := f.instances[id]; ok && ai.running {
		ai.running = false
		ai.inst.State = "exited"
		_ = ai.server.Close()
	}
	return nil
}

func (f *fakeAgentRuntime) Inspect(ctx context.Context, id string) (*runtime.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ai, ok := f.instances[id]
	if !ok {
		return nil, apperrors.NotFound("container", id)
	}
	out := ai.inst
	return &out, nil
}

func (f *fakeAgentRuntime) List(ctx context.Context) ([]*runtime.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*runtime.Instance
	for _, ai := range f.instances {
		inst := ai.inst
		out = append(out, &inst)
	}
	return out, nil
}

func (f *fakeAgentRuntime) Exec(ctx context.Context, id string, cmd []string) (*runtime.ExecResult, error) {
	return &runtime.ExecResult{}, nil
}

func (f *fakeAgentRuntime) ExecBinary(ctx context.Context, id string, cmd []string, stdin io.Reader) ([]byte, error) {
	if stdin != nil {
		if _, err := io.Copy(io.Discard, stdin); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (f *fakeAgentRuntime) Logs(ctx context.Context, id, tail string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeAgentRuntime) Ping(ctx context.Context) error { return nil }

// kill simulates a container dying outside the control plane's will.
func (f *fakeAgentRuntime) kill(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ai, ok := f.instances[id]; ok && ai.running {
		ai.running = false
		ai.inst.State = "exited"
		_ = ai.server.Close()
	}
}

func (f *fakeAgentRuntime) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func (f *fakeAgentRuntime) destroyedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.destroyed...)
}

func (f *fakeAgentRuntime) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ai := range f.instances {
		if ai.running {
			_ = ai.server.Close()
		}
	}
}

type sseEvent struct {
	name string
	data string
}

// scriptedAgent serves /health and an /execute stream of canned events.
func scriptedAgent(events ...sseEvent) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/execute", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, ev.data)
			fl.Flush()
		}
	})
	return mux
}

// hangingAgent emits one event then goes silent until the client gives up.
func hangingAgent() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/execute", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: assistant\ndata: {\"text\":\"thinking...\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	return mux
}

func happyEvents() []sseEvent {
	return []sseEvent{
		{v1.EventAssistant, `{"text":"hello"}`},
		{v1.EventToolCall, `{"tool_id":"t1","name":"bash"}`},
		{v1.EventToolResult, `{"tool_id":"t1"}`},
		{v1.EventDone, `{}`},
	}
}

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	return log
}

func newTestOrchestrator(t *testing.T, rt *fakeAgentRuntime) *Orchestrator {
	t.Helper()
	log := newTestLogger()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	reg := registry.NewWithClient(client, time.Hour, log)

	warmCfg := config.WarmPoolConfig{
		MinSize:              0,
		TargetSize:           0,
		MaxSize:              5,
		MaxConcurrentCreates: 2,
		CreateTimeout:        10,
		IdleTTLInPool:        3600,
	}
	dockerCfg := config.DockerConfig{SocketBasePath: t.TempDir()}
	containerCfg := config.ContainerConfig{
		InactiveTTL:       3600,
		AbsoluteTTL:       28800,
		ExecutionTimeout:  10,
		IdleStreamTimeout: 1,
		GracePeriod:       0,
		ShutdownTimeout:   5,
	}
	syncCfg := config.FileSyncConfig{Debounce: 1, FlushTimeout: 5, WorkspaceDir: "/workspace"}

	eventBus := bus.NewMemoryEventBus(log)
	poolMgr := pool.NewManager(warmCfg, dockerCfg, 0, 0, reg, rt, eventBus, log)
	poolMgr.SetHealthProbe(func(ctx context.Context, info *sandbox.Info) error { return nil })

	proxyCfg := config.ProxyConfig{DNSCacheTTL: 300, DNSNegativeTTL: 30}
	audit := proxy.NewAuditLoggerWithWriter(io.Discard, false)
	proxies := proxy.NewManager(proxyCfg, audit, log)

	syncer := filesync.NewSyncer(nil, rt, nil, syncCfg, log)

	o := New(containerCfg, syncCfg, poolMgr, reg, rt, proxies, syncer, eventBus,
		proxy.Config{AllowedHosts: []string{"api.example.com"}}, log)
	o.SetHealthProbe(func(ctx context.Context, info *sandbox.Info) error { return nil })

	t.Cleanup(func() {
		proxies.StopAll(context.Background())
		o.flusher.Stop()
		rt.closeAll()
	})
	return o
}

type eventCollector struct {
	mu     sync.Mutex
	events []v1.StreamEvent
}

func (c *eventCollector) sink(ev v1.StreamEvent) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

func (c *eventCollector) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]string, len(c.events))
	for i, ev := range c.events {
		kinds[i] = ev.Event
	}
	return kinds
}

func (c *eventCollector) count(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Event == kind {
			n++
		}
	}
	return n
}

func TestExecuteStreamsEventsInOrder(t *testing.T) {
	rt := newFakeAgentRuntime(func(n int) http.Handler { return scriptedAgent(happyEvents()...) })
	o := newTestOrchestrator(t, rt)
	ctx := context.Background()

	var c eventCollector
	req := ExecuteRequest{
		ConversationID: "conv-1",
		TenantID:       "acme",
		Request:        v1.AgentRequest{UserInput: "hello"},
	}
	if err := o.Execute(ctx, req, c.sink); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	want := []string{v1.EventAssistant, v1.EventToolCall, v1.EventToolResult, v1.EventDone}
	got := c.kinds()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
		if c.events[i].Seq != int64(i+1) {
			t.Errorf("event %d: expected seq %d, got %d", i, i+1, c.events[i].Seq)
		}
		if c.events[i].Timestamp.IsZero() {
			t.Errorf("event %d has no timestamp", i)
		}
	}

	info, err := o.registry.GetBinding(ctx, "conv-1")
	if err != nil {
		t.Fatalf("binding missing after turn: %v", err)
	}
	if info.Status != v1.SandboxStatusIdle {
		t.Errorf("expected idle status after turn, got %s", info.Status)
	}
	if info.TenantID != "acme" {
		t.Errorf("tenant not persisted, got %q", info.TenantID)
	}
}

func TestExecuteReusesBoundSandbox(t *testing.T) {
	rt := newFakeAgentRuntime(func(n int) http.Handler { return scriptedAgent(happyEvents()...) })
	o := newTestOrchestrator(t, rt)
	ctx := context.Background()

	req := ExecuteRequest{ConversationID: "conv-1", Request: v1.AgentRequest{UserInput: "a"}}
	var c1, c2 eventCollector
	if err := o.Execute(ctx, req, c1.sink); err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
	if err := o.Execute(ctx, req, c2.sink); err != nil {
		t.Fatalf("second turn failed: %v", err)
	}
	if rt.createdCount() != 1 {
		t.Errorf("expected 1 sandbox across turns, got %d", rt.createdCount())
	}
}

func TestExecuteRecoversOnceAfterStreamDrop(t *testing.T) {
	// The first sandbox's agent drops the stream without a terminal event;
	// its replacement completes normally.
	rt := newFakeAgentRuntime(func(n int) http.Handler {
		if n == 1 {
			return scriptedAgent(sseEvent{v1.EventAssistant, `{"text":"partial"}`})
		}
		return scriptedAgent(happyEvents()...)
	})
	o := newTestOrchestrator(t, rt)
	ctx := context.Background()

	var c eventCollector
	req := ExecuteRequest{ConversationID: "conv-1", Request: v1.AgentRequest{UserInput: "go"}}
	if err := o.Execute(ctx, req, c.sink); err != nil {
		t.Fatalf("Execute should succeed after recovery: %v", err)
	}

	if n := c.count(v1.EventContainerRecovered); n != 1 {
		t.Fatalf("expected exactly 1 container_recovered event, got %d (%v)", n, c.kinds())
	}
	if n := c.count(v1.EventDone); n != 1 {
		t.Errorf("expected exactly 1 done event, got %d", n)
	}
	if rt.createdCount() != 2 {
		t.Errorf("expected a replacement sandbox, got %d creations", rt.createdCount())
	}
	if len(rt.destroyedIDs()) == 0 {
		t.Error("dead sandbox was never destroyed")
	}

	// The replacement, not the dead sandbox, holds the binding.
	info, err := o.registry.GetBinding(ctx, "conv-1")
	if err != nil {
		t.Fatalf("binding missing: %v", err)
	}
	for _, dead := range rt.destroyedIDs() {
		if info.SandboxID == dead {
			t.Errorf("binding still points at destroyed sandbox %s", dead)
		}
	}
}

func TestExecuteFailsAfterSecondDisconnect(t *testing.T) {
	rt := newFakeAgentRuntime(func(n int) http.Handler {
		return scriptedAgent(sseEvent{v1.EventAssistant, `{"text":"partial"}`})
	})
	o := newTestOrchestrator(t, rt)

	var c eventCollector
	req := ExecuteRequest{ConversationID: "conv-1", Request: v1.AgentRequest{UserInput: "go"}}
	err := o.Execute(context.Background(), req, c.sink)
	if err == nil {
		t.Fatal("expected error after repeated disconnects")
	}
	if !apperrors.Is(err, apperrors.ErrCodeAgentDisconnect) {
		t.Errorf("expected AGENT_DISCONNECT, got %v", err)
	}

	// Recovery happens once, and the stream terminates with exactly one error.
	if n := c.count(v1.EventContainerRecovered); n != 1 {
		t.Errorf("expected 1 recovery, got %d", n)
	}
	if n := c.count(v1.EventError); n != 1 {
		t.Errorf("expected exactly 1 error event, got %d (%v)", n, c.kinds())
	}
	if n := c.count(v1.EventDone); n != 0 {
		t.Errorf("expected no done event on failure, got %d", n)
	}
}

func TestFailedRecoveryLeavesNoBinding(t *testing.T) {
	rt := newFakeAgentRuntime(func(n int) http.Handler {
		return scriptedAgent(sseEvent{v1.EventAssistant, `{"text":"partial"}`})
	})
	rt.failAfter = 2 // the replacement sandbox never comes up
	o := newTestOrchestrator(t, rt)
	ctx := context.Background()

	var c eventCollector
	req := ExecuteRequest{ConversationID: "conv-1", Request: v1.AgentRequest{UserInput: "go"}}
	err := o.Execute(ctx, req, c.sink)
	if !apperrors.Is(err, apperrors.ErrCodeAgentDisconnect) {
		t.Fatalf("expected AGENT_DISCONNECT, got %v", err)
	}

	// Teardown removed the dead sandbox's binding; nothing afterwards may
	// write the conversation back as a partial record.
	if _, gerr := o.registry.GetBinding(ctx, "conv-1"); !apperrors.IsNotFound(gerr) {
		t.Errorf("expected no binding after failed recovery, got %v", gerr)
	}
	bindings, lerr := o.registry.ListBindings(ctx)
	if lerr != nil {
		t.Fatalf("ListBindings failed: %v", lerr)
	}
	if len(bindings) != 0 {
		t.Errorf("expected empty registry, got %d bindings", len(bindings))
	}
	if n := c.count(v1.EventError); n != 1 {
		t.Errorf("expected exactly 1 error event, got %d (%v)", n, c.kinds())
	}
}

func TestExecuteIdleStreamWatchdog(t *testing.T) {
	rt := newFakeAgentRuntime(func(n int) http.Handler {
		if n == 1 {
			return hangingAgent()
		}
		return scriptedAgent(happyEvents()...)
	})
	o := newTestOrchestrator(t, rt)

	var c eventCollector
	req := ExecuteRequest{ConversationID: "conv-1", Request: v1.AgentRequest{UserInput: "go"}}
	if err := o.Execute(context.Background(), req, c.sink); err != nil {
		t.Fatalf("Execute should recover from a wedged agent: %v", err)
	}
	if n := c.count(v1.EventContainerRecovered); n != 1 {
		t.Errorf("expected watchdog-driven recovery, got %d recoveries", n)
	}
}

func TestExecuteRejectedDuringShutdown(t *testing.T) {
	rt := newFakeAgentRuntime(func(n int) http.Handler { return scriptedAgent(happyEvents()...) })
	o := newTestOrchestrator(t, rt)
	o.shutdown.Store(true)

	var c eventCollector
	err := o.Execute(context.Background(), ExecuteRequest{ConversationID: "conv-1"}, c.sink)
	if !apperrors.Is(err, apperrors.ErrCodeShuttingDown) {
		t.Errorf("expected SHUTTING_DOWN, got %v", err)
	}
	if rt.createdCount() != 0 {
		t.Errorf("no sandbox should be created during shutdown, got %d", rt.createdCount())
	}
}

func TestDestroyRemovesEverything(t *testing.T) {
	rt := newFakeAgentRuntime(func(n int) http.Handler { return scriptedAgent(happyEvents()...) })
	o := newTestOrchestrator(t, rt)
	ctx := context.Background()

	var c eventCollector
	req := ExecuteRequest{ConversationID: "conv-1", Request: v1.AgentRequest{UserInput: "a"}}
	if err := o.Execute(ctx, req, c.sink); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if err := o.Destroy(ctx, "conv-1"); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if _, err := o.registry.GetBinding(ctx, "conv-1"); !apperrors.IsNotFound(err) {
		t.Errorf("binding should be gone, got %v", err)
	}
	if len(rt.destroyedIDs()) != 1 {
		t.Errorf("expected 1 destroyed container, got %v", rt.destroyedIDs())
	}

	// Destroying an unbound conversation is a no-op.
	if err := o.Destroy(ctx, "conv-unknown"); err != nil {
		t.Errorf("Destroy of unknown conversation should be nil, got %v", err)
	}
}

func TestGetOrCreateReplacesDeadSandbox(t *testing.T) {
	rt := newFakeAgentRuntime(func(n int) http.Handler { return scriptedAgent(happyEvents()...) })
	o := newTestOrchestrator(t, rt)
	ctx := context.Background()

	first, err := o.GetOrCreate(ctx, "conv-1", "")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	rt.kill(first.SandboxID)

	second, err := o.GetOrCreate(ctx, "conv-1", "")
	if err != nil {
		t.Fatalf("GetOrCreate after death failed: %v", err)
	}
	if second.SandboxID == first.SandboxID {
		t.Error("expected a replacement sandbox, got the dead one back")
	}
}

func TestReconcileDropsDeadBindings(t *testing.T) {
	rt := newFakeAgentRuntime(func(n int) http.Handler { return scriptedAgent(happyEvents()...) })
	o := newTestOrchestrator(t, rt)
	ctx := context.Background()

	live, err := o.GetOrCreate(ctx, "conv-live", "")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	dead, err := o.GetOrCreate(ctx, "conv-dead", "")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	rt.kill(dead.SandboxID)

	if err := o.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if _, err := o.registry.GetBinding(ctx, "conv-live"); err != nil {
		t.Errorf("live binding should survive reconcile: %v", err)
	}
	if _, err := o.registry.GetBinding(ctx, "conv-dead"); !apperrors.IsNotFound(err) {
		t.Errorf("dead binding should be removed, got %v", err)
	}
	_ = live
}

func TestRelayDropsEventsAfterTerminal(t *testing.T) {
	var c eventCollector
	r := &relay{sink: c.sink}

	if err := r.emit(v1.EventAssistant, v1.AssistantPayload{Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := r.emit(v1.EventDone, nil); err != nil {
		t.Fatal(err)
	}
	if err := r.emit(v1.EventError, v1.ErrorPayload{Code: "X"}); err != nil {
		t.Fatal(err)
	}
	if err := r.emit(v1.EventAssistant, v1.AssistantPayload{Text: "late"}); err != nil {
		t.Fatal(err)
	}

	if len(c.events) != 2 {
		t.Fatalf("expected 2 events before terminal cutoff, got %d: %v", len(c.events), c.kinds())
	}
	if c.events[1].Event != v1.EventDone {
		t.Errorf("expected done as terminal, got %s", c.events[1].Event)
	}
}
