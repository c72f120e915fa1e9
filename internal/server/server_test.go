package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/enclaveworks/enclave/internal/common/config"
	"github.com/enclaveworks/enclave/internal/common/logger"
	"github.com/enclaveworks/enclave/internal/events/bus"
	"github.com/enclaveworks/enclave/internal/filesync"
	"github.com/enclaveworks/enclave/internal/orchestrator"
	"github.com/enclaveworks/enclave/internal/pool"
	"github.com/enclaveworks/enclave/internal/proxy"
	"github.com/enclaveworks/enclave/internal/registry"
	"github.com/enclaveworks/enclave/internal/runtime"
	"github.com/enclaveworks/enclave/internal/sandbox"
	v1 "github.com/enclaveworks/enclave/pkg/api/v1"
)

// stubRuntime serves a canned SSE agent on each sandbox's socket.
type stubRuntime struct {
	mu        sync.Mutex
	instances map[string]*stubInstance
}

type stubInstance struct {
	inst    runtime.Instance
	server  *http.Server
	running bool
}

func newStubRuntime() *stubRuntime {
	return &stubRuntime{instances: make(map[string]*stubInstance)}
}

func agentMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/execute", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		fmt.Fprint(w, "event: assistant\ndata: {\"text\":\"working\"}\n\n")
		fl.Flush()
		fmt.Fprint(w, "event: done\ndata: {}\n\n")
		fl.Flush()
	})
	return mux
}

func (s *stubRuntime) Create(ctx context.Context, spec runtime.CreateSpec) (*runtime.Instance, error) {
	ln, err := net.Listen("unix", filepath.Join(spec.SocketDir, "agent.sock"))
	if err != nil {
		return nil, err
	}
	server := &http.Server{Handler: agentMux()}
	go func() { _ = server.Serve(ln) }()

	inst := runtime.Instance{
		ID:        spec.Name,
		Name:      spec.Name,
		State:     "running",
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.instances[inst.ID] = &stubInstance{inst: inst, server: server, running: true}
	s.mu.Unlock()
	out := inst
	return &out, nil
}

func (s *stubRuntime) Destroy(ctx context.Context, id string, grace time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if si, ok := s.instances[id]; ok && si.running {
		si.running = false
		si.inst.State = "exited"
		_ = si.server.Close()
	}
	return nil
}

func (s *stubRuntime) Inspect(ctx context.Context, id string) (*runtime.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	si, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("no such container %s", id)
	}
	out := si.inst
	return &out, nil
}

func (s *stubRuntime) List(ctx context.Context) ([]*runtime.Instance, error) { return nil, nil }

func (s *stubRuntime) Exec(ctx context.Context, id string, cmd []string) (*runtime.ExecResult, error) {
	return &runtime.ExecResult{}, nil
}

func (s *stubRuntime) ExecBinary(ctx context.Context, id string, cmd []string, stdin io.Reader) ([]byte, error) {
	return nil, nil
}

func (s *stubRuntime) Logs(ctx context.Context, id, tail string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (s *stubRuntime) Ping(ctx context.Context) error { return nil }

func (s *stubRuntime) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, si := range s.instances {
		if si.running {
			_ = si.server.Close()
		}
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *registry.Registry) {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	reg := registry.NewWithClient(client, time.Hour, log)

	rt := newStubRuntime()
	eventBus := bus.NewMemoryEventBus(log)

	warmCfg := config.WarmPoolConfig{MaxSize: 5, MaxConcurrentCreates: 2, CreateTimeout: 10, IdleTTLInPool: 3600}
	dockerCfg := config.DockerConfig{SocketBasePath: t.TempDir()}
	containerCfg := config.ContainerConfig{
		InactiveTTL: 3600, AbsoluteTTL: 28800,
		ExecutionTimeout: 10, IdleStreamTimeout: 2, ShutdownTimeout: 5,
	}
	syncCfg := config.FileSyncConfig{Debounce: 1, FlushTimeout: 5, WorkspaceDir: "/workspace"}

	poolMgr := pool.NewManager(warmCfg, dockerCfg, 0, 0, reg, rt, eventBus, log)
	poolMgr.SetHealthProbe(func(ctx context.Context, info *sandbox.Info) error { return nil })

	audit := proxy.NewAuditLoggerWithWriter(io.Discard, false)
	proxies := proxy.NewManager(config.ProxyConfig{DNSCacheTTL: 300, DNSNegativeTTL: 30}, audit, log)
	syncer := filesync.NewSyncer(nil, rt, nil, syncCfg, log)

	orch := orchestrator.New(containerCfg, syncCfg, poolMgr, reg, rt, proxies, syncer, eventBus, proxy.Config{}, log)
	orch.SetHealthProbe(func(ctx context.Context, info *sandbox.Info) error { return nil })

	srv := httptest.NewServer(New(orch, reg, rt, log).Router())
	t.Cleanup(func() {
		srv.Close()
		proxies.StopAll(context.Background())
		rt.closeAll()
	})
	return srv, reg
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestExecuteTurnStreamsSSE(t *testing.T) {
	srv, _ := newTestServer(t)

	body := strings.NewReader(`{"user_input": "hello", "tenant_id": "acme"}`)
	resp, err := http.Post(srv.URL+"/api/v1/conversations/conv-1/turns", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("expected SSE content type, got %q", ct)
	}

	var events []v1.StreamEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev v1.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad event frame %q: %v", line, err)
		}
		events = append(events, ev)
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(events), events)
	}
	if events[0].Event != v1.EventAssistant || events[1].Event != v1.EventDone {
		t.Errorf("unexpected event sequence: %s, %s", events[0].Event, events[1].Event)
	}
	if events[0].Seq != 1 || events[1].Seq != 2 {
		t.Errorf("sequence numbers wrong: %d, %d", events[0].Seq, events[1].Seq)
	}
}

func TestExecuteTurnRequiresInput(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/conversations/conv-1/turns",
		"application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for missing user_input, got %d", resp.StatusCode)
	}
}

func TestConversationLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	// No binding yet.
	resp, err := http.Get(srv.URL + "/api/v1/conversations/conv-1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before first turn, got %d", resp.StatusCode)
	}

	// A turn creates the binding.
	resp, err = http.Post(srv.URL+"/api/v1/conversations/conv-1/turns",
		"application/json", strings.NewReader(`{"user_input": "hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/v1/conversations/conv-1")
	if err != nil {
		t.Fatal(err)
	}
	var status struct {
		SandboxID string `json:"sandbox_id"`
		Status    string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if status.SandboxID == "" || status.Status != string(v1.SandboxStatusIdle) {
		t.Errorf("unexpected conversation status: %+v", status)
	}

	// Destroy and verify it is gone.
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/conversations/conv-1", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204 on destroy, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/v1/conversations/conv-1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after destroy, got %d", resp.StatusCode)
	}
}

func TestSetPoolSizesValidation(t *testing.T) {
	srv, reg := newTestServer(t)

	put := func(body string) int {
		req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/v1/pool/sizes", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := put(`{"min_size": 5, "target_size": 2, "max_size": 10}`); code != http.StatusBadRequest {
		t.Errorf("expected 400 for min > target, got %d", code)
	}
	if code := put(`{"min_size": 1, "target_size": 3, "max_size": 10}`); code != http.StatusNoContent {
		t.Errorf("expected 204 for valid sizes, got %d", code)
	}

	sizes, err := reg.GetPoolSizes(context.Background())
	if err != nil || sizes == nil {
		t.Fatalf("override not stored: %v", err)
	}
	if sizes.TargetSize != 3 {
		t.Errorf("expected target 3, got %d", sizes.TargetSize)
	}
}
