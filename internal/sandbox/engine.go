package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
)

// EngineRuntime talks to the Docker Engine API directly.
type EngineRuntime struct {
	cli *client.Client
}

// NewEngineRuntime connects using the standard DOCKER_* environment.
func NewEngineRuntime() (*EngineRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &EngineRuntime{cli: cli}, nil
}

// Close releases the underlying HTTP transport.
func (e *EngineRuntime) Close() error {
	return e.cli.Close()
}

func (e *EngineRuntime) Ping(ctx context.Context) error {
	if _, err := e.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

func (e *EngineRuntime) EnsureImage(ctx context.Context, ref string) (bool, error) {
	_, err := e.cli.ImageInspect(ctx, ref)
	if err == nil {
		return false, nil
	}
	if !cerrdefs.IsNotFound(err) {
		return false, fmt.Errorf("inspecting image: %w", err)
	}

	rc, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return false, fmt.Errorf("pulling image: %w", err)
	}
	defer rc.Close()

	// The pull is only complete once the progress stream is drained, and
	// registry errors arrive inside that stream.
	if err := jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil); err != nil {
		return false, fmt.Errorf("pulling image: %w", err)
	}
	return true, nil
}

func (e *EngineRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Command,
		Env:             spec.Env,
		WorkingDir:      spec.WorkDir,
		Labels:          spec.Labels,
		NetworkDisabled: !spec.Network,
	}

	host := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   spec.HostDir,
			Target:   spec.WorkDir,
			ReadOnly: true,
		}},
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:     spec.MemoryBytes,
			MemorySwap: spec.MemoryBytes,
		},
	}
	if !spec.Network {
		host.NetworkMode = container.NetworkMode("none")
	}
	if spec.PidsLimit > 0 {
		pids := spec.PidsLimit
		host.Resources.PidsLimit = &pids
	}
	if spec.LogSize > 0 {
		host.LogConfig = container.LogConfig{
			Type: "json-file",
			Config: map[string]string{
				"max-size": strconv.FormatInt(spec.LogSize, 10),
				"max-file": "1",
			},
		}
	}
	if spec.Scratch > 0 {
		host.Tmpfs = map[string]string{"/tmp": fmt.Sprintf("rw,exec,nosuid,size=%d", spec.Scratch)}
	}

	resp, err := e.cli.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *EngineRuntime) Start(ctx context.Context, id string) error {
	return e.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (e *EngineRuntime) Wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := e.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, err
	case st := <-statusCh:
		if st.Error != nil && st.Error.Message != "" {
			return -1, errors.New(st.Error.Message)
		}
		return int(st.StatusCode), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (e *EngineRuntime) Logs(ctx context.Context, id string, limit int) (string, string, error) {
	rc, err := e.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", err
	}
	defer rc.Close()

	stdout, stderr := newCappedBuffer(limit), newCappedBuffer(limit)
	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil {
		return "", "", fmt.Errorf("demultiplexing logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

func (e *EngineRuntime) Kill(ctx context.Context, id string) error {
	err := e.cli.ContainerKill(ctx, id, "SIGKILL")
	// Already stopped or already gone.
	if cerrdefs.IsConflict(err) || cerrdefs.IsNotFound(err) {
		return nil
	}
	return err
}

func (e *EngineRuntime) Remove(ctx context.Context, id string) error {
	err := e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if cerrdefs.IsNotFound(err) {
		return nil
	}
	return err
}
