// Package docker implements the sandbox runtime on the Docker Engine API.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/enclaveworks/enclave/internal/common/config"
	"github.com/enclaveworks/enclave/internal/common/logger"
	"github.com/enclaveworks/enclave/internal/runtime"
)

// Client provisions hardened sandbox containers via the Docker SDK.
type Client struct {
	cli     *client.Client
	logger  *logger.Logger
	docker  config.DockerConfig
	limits  config.ContainerConfig
	seccomp string // profile JSON, empty for the runtime default
}

var _ runtime.Lifecycle = (*Client)(nil)

// NewClient creates a Docker-backed runtime.
func NewClient(dockerCfg config.DockerConfig, limits config.ContainerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if dockerCfg.Host != "" {
		opts = append(opts, client.WithHost(dockerCfg.Host))
	}
	if dockerCfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(dockerCfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	var seccomp string
	if dockerCfg.SeccompProfile != "" {
		data, err := os.ReadFile(dockerCfg.SeccompProfile)
		if err != nil {
			return nil, fmt.Errorf("failed to read seccomp profile %s: %w", dockerCfg.SeccompProfile, err)
		}
		seccomp = string(data)
	}

	log.Info("Docker runtime created",
		zap.String("host", dockerCfg.Host),
		zap.String("image", dockerCfg.Image),
		zap.String("network_mode", limits.NetworkMode),
	)

	return &Client{
		cli:     cli,
		logger:  log,
		docker:  dockerCfg,
		limits:  limits,
		seccomp: seccomp,
	}, nil
}

// Close releases the Docker client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks if the Docker daemon is available.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// PullImage pulls the sandbox image so creation never blocks on a cold pull.
func (c *Client) PullImage(ctx context.Context) error {
	c.logger.Info("Pulling sandbox image", zap.String("image", c.docker.Image))

	reader, err := c.cli.ImagePull(ctx, c.docker.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", c.docker.Image, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}

// Create provisions and starts a sandbox container. The isolation posture is
// fixed here: no inbound ports, restricted network, read-only root filesystem
// with tmpfs scratch space, all capabilities dropped, and hard resource caps.
func (c *Client) Create(ctx context.Context, spec runtime.CreateSpec) (*runtime.Instance, error) {
	c.logger.Info("Creating sandbox container",
		zap.String("name", spec.Name),
		zap.String("image", c.docker.Image),
	)

	now := time.Now().UTC()
	labels := map[string]string{
		runtime.LabelManaged:   "true",
		runtime.LabelCreatedAt: now.Format(time.RFC3339),
	}
	if spec.ConversationID != "" {
		labels[runtime.LabelConversationID] = spec.ConversationID
	}

	mounts := []mount.Mount{}
	if spec.SocketDir != "" {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: spec.SocketDir,
			Target: "/run/enclave",
		})
	}
	for _, m := range spec.ExtraMounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:  c.docker.Image,
		Env:    spec.Env,
		Labels: labels,
	}

	securityOpt := []string{"no-new-privileges:true"}
	if c.seccomp != "" {
		securityOpt = append(securityOpt, "seccomp="+c.seccomp)
	}

	pidsLimit := c.limits.PidsLimit
	hostCfg := &container.HostConfig{
		Mounts:         mounts,
		NetworkMode:    container.NetworkMode(c.limits.NetworkMode),
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    securityOpt,
		IpcMode:        container.IPCModePrivate,
		Tmpfs: map[string]string{
			"/tmp":       "size=256m",
			"/workspace": fmt.Sprintf("size=%dm", c.limits.DiskLimitMB),
		},
		Resources: container.Resources{
			NanoCPUs:  int64(c.limits.CPULimit * 1e9),
			Memory:    c.limits.MemoryLimitMB * 1024 * 1024,
			PidsLimit: &pidsLimit,
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Creation is all-or-nothing; never leave a stopped husk behind.
		_ = c.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		return nil, fmt.Errorf("failed to start container %s: %w", spec.Name, err)
	}

	c.logger.Info("Sandbox container started",
		zap.String("container_id", resp.ID),
		zap.String("name", spec.Name),
	)

	return &runtime.Instance{
		ID:             resp.ID,
		Name:           spec.Name,
		ConversationID: spec.ConversationID,
		State:          "running",
		CreatedAt:      now,
	}, nil
}

// Destroy stops the container with the grace period, then force-removes it
// together with its volumes. A container that is already gone is a success.
func (c *Client) Destroy(ctx context.Context, id string, grace time.Duration) error {
	c.logger.Info("Destroying sandbox container",
		zap.String("container_id", id),
		zap.Duration("grace", grace),
	)

	graceSeconds := int(grace.Seconds())
	if err := c.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &graceSeconds}); err != nil {
		if !client.IsErrNotFound(err) {
			c.logger.Warn("Container stop failed, forcing removal",
				zap.String("container_id", id), zap.Error(err))
		}
	}

	err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	return nil
}

// Inspect returns the current state of a container.
func (c *Client) Inspect(ctx context.Context, id string) (*runtime.Instance, error) {
	inspect, err := c.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", id, err)
	}

	inst := &runtime.Instance{
		ID:       inspect.ID,
		Name:     trimName(inspect.Name),
		State:    inspect.State.Status,
		ExitCode: inspect.State.ExitCode,
	}
	if inspect.Config != nil {
		inst.ConversationID = inspect.Config.Labels[runtime.LabelConversationID]
		if raw := inspect.Config.Labels[runtime.LabelCreatedAt]; raw != "" {
			if t, err := time.Parse(time.RFC3339, raw); err == nil {
				inst.CreatedAt = t
			}
		}
	}
	return inst, nil
}

// List returns every container carrying the managed label, including stopped
// ones, so reconciliation and orphan detection see the full picture.
func (c *Client) List(ctx context.Context) ([]*runtime.Instance, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", runtime.LabelManaged+"=true")

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	instances := make([]*runtime.Instance, 0, len(containers))
	for _, ctr := range containers {
		inst := &runtime.Instance{
			ID:             ctr.ID,
			State:          ctr.State,
			ConversationID: ctr.Labels[runtime.LabelConversationID],
		}
		if len(ctr.Names) > 0 {
			inst.Name = trimName(ctr.Names[0])
		}
		if raw := ctr.Labels[runtime.LabelCreatedAt]; raw != "" {
			if t, err := time.Parse(time.RFC3339, raw); err == nil {
				inst.CreatedAt = t
			}
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Exec runs a command inside the sandbox and returns its combined output.
func (c *Client) Exec(ctx context.Context, id string, cmd []string) (*runtime.ExecResult, error) {
	execResp, err := c.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec in container %s: %w", id, err)
	}

	attach, err := c.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec in container %s: %w", id, err)
	}
	defer attach.Close()

	// The stream is multiplexed; demux stdout and stderr into one buffer.
	var output bytes.Buffer
	if _, err := stdcopy.StdCopy(&output, &output, attach.Reader); err != nil {
		return nil, fmt.Errorf("failed to read exec output from container %s: %w", id, err)
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec in container %s: %w", id, err)
	}

	return &runtime.ExecResult{
		ExitCode: inspect.ExitCode,
		Output:   output.Bytes(),
	}, nil
}

// ExecBinary runs a command with raw stdio. The copy API cannot write into
// a read-only-rootfs container, so file transfers run as a process inside
// the sandbox: stdin streams in, raw stdout streams back.
func (c *Client) ExecBinary(ctx context.Context, id string, cmd []string, stdin io.Reader) ([]byte, error) {
	execResp, err := c.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdin:  stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec in container %s: %w", id, err)
	}

	attach, err := c.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec in container %s: %w", id, err)
	}
	defer attach.Close()

	if stdin != nil {
		if _, err := io.Copy(attach.Conn, stdin); err != nil {
			return nil, fmt.Errorf("failed to stream stdin to container %s: %w", id, err)
		}
		// Half-close so the process sees EOF on stdin.
		if err := attach.CloseWrite(); err != nil {
			return nil, fmt.Errorf("failed to close exec stdin in container %s: %w", id, err)
		}
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("failed to read exec output from container %s: %w", id, err)
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec in container %s: %w", id, err)
	}
	if inspect.ExitCode != 0 {
		return nil, fmt.Errorf("command %v in container %s exited %d: %s",
			cmd, id, inspect.ExitCode, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}

// Logs streams container output for diagnostics.
func (c *Client) Logs(ctx context.Context, id string, tail string) (io.ReadCloser, error) {
	reader, err := c.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get container logs for %s: %w", id, err)
	}
	return reader, nil
}

func trimName(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}
