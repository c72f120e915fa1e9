package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/enclaveworks/enclave/internal/common/errors"
	"github.com/enclaveworks/enclave/internal/common/logger"
	"github.com/enclaveworks/enclave/internal/sandbox"
	v1 "github.com/enclaveworks/enclave/pkg/api/v1"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	return log
}

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	reg := NewWithClient(client, time.Hour, newTestLogger())
	t.Cleanup(func() { _ = reg.Close() })
	return reg, mr
}

func testInfo(sandboxID, conversationID string) *sandbox.Info {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &sandbox.Info{
		SandboxID:      sandboxID,
		ConversationID: conversationID,
		AgentEndpoint:  sandbox.UnixEndpoint("/var/lib/enclave/sockets/" + sandboxID + "/agent.sock"),
		ProxyEndpoint:  sandbox.UnixEndpoint("/var/lib/enclave/sockets/" + sandboxID + "/proxy.sock"),
		CreatedAt:      now,
		LastActiveAt:   now,
		Status:         v1.SandboxStatusRunning,
		ManagerType:    sandbox.ManagerTypeDocker,
	}
}

func TestBindingRoundTrip(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	info := testInfo("sb-1", "conv-1")
	if err := reg.SaveBinding(ctx, info); err != nil {
		t.Fatalf("SaveBinding failed: %v", err)
	}

	got, err := reg.GetBinding(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetBinding failed: %v", err)
	}
	if got.SandboxID != "sb-1" {
		t.Errorf("expected sandbox sb-1, got %s", got.SandboxID)
	}
	if got.AgentEndpoint.SocketPath() != info.AgentEndpoint.SocketPath() {
		t.Errorf("agent endpoint mismatch: %s", got.AgentEndpoint)
	}
	if !got.CreatedAt.Equal(info.CreatedAt) {
		t.Errorf("createdAt mismatch: got %v want %v", got.CreatedAt, info.CreatedAt)
	}
	if got.Status != v1.SandboxStatusRunning {
		t.Errorf("expected status running, got %s", got.Status)
	}
}

func TestGetBindingNotFound(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.GetBinding(context.Background(), "missing")
	if !apperrors.IsNotFound(err) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestSaveBindingRequiresConversation(t *testing.T) {
	reg, _ := newTestRegistry(t)

	info := testInfo("sb-1", "")
	if err := reg.SaveBinding(context.Background(), info); !apperrors.Is(err, apperrors.ErrCodeBadRequest) {
		t.Fatalf("expected BAD_REQUEST, got %v", err)
	}
}

func TestDeleteBindingClearsReverseIndex(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.SaveBinding(ctx, testInfo("sb-1", "conv-1")); err != nil {
		t.Fatalf("SaveBinding failed: %v", err)
	}
	if _, err := reg.ConversationForSandbox(ctx, "sb-1"); err != nil {
		t.Fatalf("reverse lookup failed: %v", err)
	}

	if err := reg.DeleteBinding(ctx, "conv-1"); err != nil {
		t.Fatalf("DeleteBinding failed: %v", err)
	}
	if _, err := reg.GetBinding(ctx, "conv-1"); !apperrors.IsNotFound(err) {
		t.Errorf("expected binding gone, got %v", err)
	}
	if _, err := reg.ConversationForSandbox(ctx, "sb-1"); !apperrors.IsNotFound(err) {
		t.Errorf("expected reverse index gone, got %v", err)
	}

	// Deleting twice is a no-op.
	if err := reg.DeleteBinding(ctx, "conv-1"); err != nil {
		t.Errorf("second delete should be nil, got %v", err)
	}
}

func TestTouchBindingUpdatesActivity(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	info := testInfo("sb-1", "conv-1")
	if err := reg.SaveBinding(ctx, info); err != nil {
		t.Fatalf("SaveBinding failed: %v", err)
	}

	later := info.LastActiveAt.Add(10 * time.Minute)
	if err := reg.TouchBinding(ctx, "conv-1", later); err != nil {
		t.Fatalf("TouchBinding failed: %v", err)
	}

	got, err := reg.GetBinding(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetBinding failed: %v", err)
	}
	if !got.LastActiveAt.Equal(later) {
		t.Errorf("lastActiveAt not updated: got %v want %v", got.LastActiveAt, later)
	}
}

func TestSetStatus(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.SaveBinding(ctx, testInfo("sb-1", "conv-1")); err != nil {
		t.Fatalf("SaveBinding failed: %v", err)
	}
	if err := reg.SetStatus(ctx, "conv-1", v1.SandboxStatusIdle); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	got, _ := reg.GetBinding(ctx, "conv-1")
	if got.Status != v1.SandboxStatusIdle {
		t.Errorf("expected status idle, got %s", got.Status)
	}
}

func TestListBindings(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"conv-1", "conv-2", "conv-3"} {
		if err := reg.SaveBinding(ctx, testInfo("sb-"+id, id)); err != nil {
			t.Fatalf("SaveBinding(%s) failed: %v", id, err)
		}
	}

	infos, err := reg.ListBindings(ctx)
	if err != nil {
		t.Fatalf("ListBindings failed: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("expected 3 bindings, got %d", len(infos))
	}
}

func TestWarmPoolFIFO(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	first := testInfo("sb-old", "")
	first.Status = v1.SandboxStatusWarm
	second := testInfo("sb-new", "")
	second.Status = v1.SandboxStatusWarm

	if err := reg.PushWarm(ctx, first); err != nil {
		t.Fatalf("PushWarm failed: %v", err)
	}
	if err := reg.PushWarm(ctx, second); err != nil {
		t.Fatalf("PushWarm failed: %v", err)
	}

	n, err := reg.WarmPoolSize(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected pool size 2, got %d (err %v)", n, err)
	}

	popped, err := reg.PopWarm(ctx)
	if err != nil {
		t.Fatalf("PopWarm failed: %v", err)
	}
	if popped.SandboxID != "sb-old" {
		t.Errorf("expected oldest sandbox first, got %s", popped.SandboxID)
	}
	if !popped.IsWarm() {
		t.Errorf("popped sandbox should be warm: status=%s conv=%q", popped.Status, popped.ConversationID)
	}

	popped, err = reg.PopWarm(ctx)
	if err != nil {
		t.Fatalf("second PopWarm failed: %v", err)
	}
	if popped.SandboxID != "sb-new" {
		t.Errorf("expected sb-new, got %s", popped.SandboxID)
	}

	if _, err := reg.PopWarm(ctx); !apperrors.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND on empty pool, got %v", err)
	}
}

func TestRemoveWarm(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	info := testInfo("sb-1", "")
	info.Status = v1.SandboxStatusWarm
	if err := reg.PushWarm(ctx, info); err != nil {
		t.Fatalf("PushWarm failed: %v", err)
	}
	if err := reg.RemoveWarm(ctx, "sb-1"); err != nil {
		t.Fatalf("RemoveWarm failed: %v", err)
	}

	if n, _ := reg.WarmPoolSize(ctx); n != 0 {
		t.Errorf("expected empty pool, got %d", n)
	}
	if infos, _ := reg.ListWarm(ctx); len(infos) != 0 {
		t.Errorf("expected no warm entries, got %d", len(infos))
	}
}

func TestPoolSizesOverride(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	sizes, err := reg.GetPoolSizes(ctx)
	if err != nil {
		t.Fatalf("GetPoolSizes failed: %v", err)
	}
	if sizes != nil {
		t.Fatalf("expected no override, got %+v", sizes)
	}

	want := PoolSizes{MinSize: 1, TargetSize: 5, MaxSize: 20}
	if err := reg.SetPoolSizes(ctx, want); err != nil {
		t.Fatalf("SetPoolSizes failed: %v", err)
	}

	sizes, err = reg.GetPoolSizes(ctx)
	if err != nil {
		t.Fatalf("GetPoolSizes failed: %v", err)
	}
	if sizes == nil || *sizes != want {
		t.Errorf("expected %+v, got %+v", want, sizes)
	}
}

func TestGetPoolSizesRejectsInvalidOverride(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	mr.HSet("workspace:warm_pool:config", "minSize", "5", "targetSize", "2", "maxSize", "1")

	if _, err := reg.GetPoolSizes(ctx); !apperrors.Is(err, apperrors.ErrCodeBadRequest) {
		t.Fatalf("expected BAD_REQUEST for inverted sizes, got %v", err)
	}
}

func TestBindingExpiry(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.SaveBinding(ctx, testInfo("sb-1", "conv-1")); err != nil {
		t.Fatalf("SaveBinding failed: %v", err)
	}

	// Past the inactivity window plus slack the key is gone, and so is the
	// reverse index: a stale entry would shield the container from orphan
	// detection.
	mr.FastForward(2 * time.Hour)

	if _, err := reg.GetBinding(ctx, "conv-1"); !apperrors.IsNotFound(err) {
		t.Errorf("expected expired binding, got %v", err)
	}
	if _, err := reg.ConversationForSandbox(ctx, "sb-1"); !apperrors.IsNotFound(err) {
		t.Errorf("expected expired reverse index, got %v", err)
	}
}

func TestTouchBindingRefreshesExpiry(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.SaveBinding(ctx, testInfo("sb-1", "conv-1")); err != nil {
		t.Fatalf("SaveBinding failed: %v", err)
	}

	// Touch inside the window pushes both keys out past the original expiry.
	mr.FastForward(50 * time.Minute)
	if err := reg.TouchBinding(ctx, "conv-1", time.Now().UTC()); err != nil {
		t.Fatalf("TouchBinding failed: %v", err)
	}
	mr.FastForward(30 * time.Minute)

	if _, err := reg.GetBinding(ctx, "conv-1"); err != nil {
		t.Errorf("binding should survive a touch: %v", err)
	}
	if _, err := reg.ConversationForSandbox(ctx, "sb-1"); err != nil {
		t.Errorf("reverse index should survive a touch: %v", err)
	}
}
