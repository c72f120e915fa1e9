// Package filesync moves conversation files between the object store and
// sandbox workspaces. The object store is the source of truth; any sandbox
// loss is recoverable by syncing into its replacement.
package filesync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/enclaveworks/enclave/internal/common/config"
	"github.com/enclaveworks/enclave/internal/common/logger"
	"github.com/enclaveworks/enclave/internal/metrics"
	"github.com/enclaveworks/enclave/internal/runtime"
	"github.com/enclaveworks/enclave/internal/storage"
	v1 "github.com/enclaveworks/enclave/pkg/api/v1"
)

// Target identifies one sync destination.
type Target struct {
	TenantID       string
	ConversationID string
	SandboxID      string
}

func (t Target) keyPrefix() string {
	tenant := t.TenantID
	if tenant == "" {
		tenant = "default"
	}
	return tenant + "/" + t.ConversationID + "/"
}

// fileState is what the syncer remembers about one path in one sandbox.
type fileState struct {
	RemoteETag string
	LocalSHA   string
	Source     v1.FileSource
	Version    int64
}

// Syncer performs sync-in and sync-out. A nil store disables syncing: calls
// log and return nil, never failing a turn. Manifests are tracked per
// sandbox, so a replacement sandbox starts empty and receives everything.
type Syncer struct {
	store   storage.ObjectStore
	runtime runtime.Lifecycle
	index   *FileIndex // nil disables the conversation file index
	cfg     config.FileSyncConfig
	log     *logger.Logger

	mu        sync.Mutex
	manifests map[string]map[string]*fileState // sandbox ID -> path -> state
}

// NewSyncer creates a syncer. store and index may be nil.
func NewSyncer(store storage.ObjectStore, rt runtime.Lifecycle, index *FileIndex, cfg config.FileSyncConfig, log *logger.Logger) *Syncer {
	return &Syncer{
		store:     store,
		runtime:   rt,
		index:     index,
		cfg:       cfg,
		log:       log,
		manifests: make(map[string]map[string]*fileState),
	}
}

// Enabled reports whether an object store backend is configured.
func (s *Syncer) Enabled() bool {
	return s.store != nil
}

// SyncIn downloads the conversation's files into the sandbox workspace,
// skipping paths whose content already matches the manifest. Object store
// unavailability is logged, not failed: the turn proceeds with whatever is in
// the sandbox.
func (s *Syncer) SyncIn(ctx context.Context, target Target) error {
	if s.store == nil {
		s.log.Debug("File sync disabled, skipping sync-in")
		return nil
	}
	log := s.log.WithConversationID(target.ConversationID).WithSandboxID(target.SandboxID)

	objs, err := s.store.List(ctx, target.keyPrefix())
	if err != nil {
		log.Warn("Object store unavailable, skipping sync-in", zap.Error(err))
		metrics.FileSyncsTotal.WithLabelValues("in", "skipped").Inc()
		return nil
	}

	manifest := s.manifestFor(target.SandboxID)
	var synced, bytesIn int64
	for _, obj := range objs {
		relPath := strings.TrimPrefix(obj.Key, target.keyPrefix())
		if relPath == "" {
			continue
		}

		s.mu.Lock()
		state, known := manifest[relPath]
		unchanged := known && state.RemoteETag == obj.ETag
		s.mu.Unlock()
		if unchanged {
			continue
		}

		if err := s.fetchOne(ctx, target, manifest, relPath, obj); err != nil {
			log.Warn("Failed to sync file into sandbox",
				zap.String("path", relPath), zap.Error(err))
			continue
		}
		synced++
		bytesIn += obj.Size
	}

	metrics.FileSyncsTotal.WithLabelValues("in", "ok").Inc()
	metrics.FileSyncBytes.WithLabelValues("in").Add(float64(bytesIn))
	log.Info("Sync-in complete", zap.Int64("files", synced), zap.Int64("bytes", bytesIn))
	return nil
}

func (s *Syncer) fetchOne(ctx context.Context, target Target, manifest map[string]*fileState, relPath string, obj storage.ObjectInfo) error {
	rc, err := s.store.Get(ctx, obj.Key)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return err
	}

	// The sandbox rootfs is read-only, so the write runs as a process
	// inside the workspace tmpfs rather than through the runtime copy API.
	dest := path.Join(s.cfg.WorkspaceDir, relPath)
	cmd := []string{"/bin/sh", "-c",
		fmt.Sprintf("mkdir -p %s && cat > %s", shellQuote(path.Dir(dest)), shellQuote(dest))}
	if _, err := s.runtime.ExecBinary(ctx, target.SandboxID, cmd, bytes.NewReader(data)); err != nil {
		return err
	}

	sum := sha256.Sum256(data)
	s.mu.Lock()
	state, ok := manifest[relPath]
	if !ok {
		state = &fileState{Source: v1.FileSourceUser}
		manifest[relPath] = state
	}
	state.RemoteETag = obj.ETag
	state.LocalSHA = hex.EncodeToString(sum[:])
	s.mu.Unlock()
	return nil
}

// SyncOut walks the sandbox workspace and uploads files whose checksum
// differs from the manifest, attributing new paths to the agent and bumping a
// version per change. Returns an error only when the workspace itself cannot
// be read; individual upload failures are logged and retried on the next
// pass.
func (s *Syncer) SyncOut(ctx context.Context, target Target) error {
	if s.store == nil {
		s.log.Debug("File sync disabled, skipping sync-out")
		return nil
	}
	log := s.log.WithConversationID(target.ConversationID).WithSandboxID(target.SandboxID)

	checksums, err := s.workspaceChecksums(ctx, target.SandboxID)
	if err != nil {
		metrics.FileSyncsTotal.WithLabelValues("out", "failed").Inc()
		return fmt.Errorf("enumerate sandbox workspace: %w", err)
	}

	manifest := s.manifestFor(target.SandboxID)
	var uploaded, bytesOut int64
	for relPath, sum := range checksums {
		s.mu.Lock()
		state, known := manifest[relPath]
		unchanged := known && state.LocalSHA == sum
		s.mu.Unlock()
		if unchanged {
			continue
		}

		n, err := s.uploadOne(ctx, target, manifest, relPath, sum, known)
		if err != nil {
			log.Warn("Failed to upload file",
				zap.String("path", relPath), zap.Error(err))
			continue
		}
		uploaded++
		bytesOut += n
	}

	metrics.FileSyncsTotal.WithLabelValues("out", "ok").Inc()
	metrics.FileSyncBytes.WithLabelValues("out").Add(float64(bytesOut))
	log.Info("Sync-out complete", zap.Int64("files", uploaded), zap.Int64("bytes", bytesOut))
	return nil
}

func (s *Syncer) uploadOne(ctx context.Context, target Target, manifest map[string]*fileState, relPath, sum string, known bool) (int64, error) {
	data, err := s.runtime.ExecBinary(ctx, target.SandboxID,
		[]string{"cat", path.Join(s.cfg.WorkspaceDir, relPath)}, nil)
	if err != nil {
		return 0, err
	}

	key := target.keyPrefix() + relPath
	if err := s.store.Put(ctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
		return 0, err
	}

	source := v1.FileSourceAgentCreated
	if known {
		source = v1.FileSourceAgentModified
	}

	s.mu.Lock()
	state := manifest[relPath]
	if state == nil {
		state = &fileState{}
		manifest[relPath] = state
	}
	state.LocalSHA = sum
	state.Source = source
	state.Version++
	version := state.Version
	s.mu.Unlock()

	if s.index != nil {
		fd := v1.FileDescriptor{
			Path:     relPath,
			Size:     int64(len(data)),
			Checksum: sum,
			Source:   source,
			Version:  version,
		}
		if err := s.index.Upsert(ctx, target.ConversationID, fd); err != nil {
			s.log.Warn("File index update failed",
				zap.String("path", relPath), zap.Error(err))
		}
	}
	return int64(len(data)), nil
}

// workspaceChecksums hashes every file in the sandbox workspace via exec, for
// backends without a direct mount.
func (s *Syncer) workspaceChecksums(ctx context.Context, sandboxID string) (map[string]string, error) {
	cmd := []string{"/bin/sh", "-c",
		fmt.Sprintf("cd %s 2>/dev/null && find . -type f -exec sha256sum {} + 2>/dev/null || true", s.cfg.WorkspaceDir)}
	result, err := s.runtime.Exec(ctx, sandboxID, cmd)
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("checksum walk exited %d: %s", result.ExitCode, result.Output)
	}
	return parseChecksums(string(result.Output)), nil
}

// shellQuote single-quotes a path for /bin/sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// parseChecksums reads `sha256sum` output lines of the form
// "<hash>  ./relative/path".
func parseChecksums(output string) map[string]string {
	checksums := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 || len(fields[0]) != 64 {
			continue
		}
		relPath := strings.TrimPrefix(strings.TrimSpace(fields[1]), "./")
		if relPath == "" {
			continue
		}
		checksums[relPath] = fields[0]
	}
	return checksums
}

// Forget drops the manifest of a destroyed sandbox so its replacement starts
// from a clean slate and receives a full sync-in.
func (s *Syncer) Forget(sandboxID string) {
	s.mu.Lock()
	delete(s.manifests, sandboxID)
	s.mu.Unlock()
}

func (s *Syncer) manifestFor(sandboxID string) map[string]*fileState {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manifests[sandboxID]
	if !ok {
		m = make(map[string]*fileState)
		s.manifests[sandboxID] = m
	}
	return m
}
