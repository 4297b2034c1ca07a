package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// LabelOwner marks every container the executor creates.
const LabelOwner = "io.fixloop.sandbox"

// DefaultMaxOutput caps captured stdout and stderr, in bytes.
const DefaultMaxOutput = 64 << 10

const defaultCleanupTimeout = 15 * time.Second

// DockerExecutor runs each program in its own container through a Runtime.
// It is stateless between calls and safe for concurrent use as long as the
// Runtime is.
type DockerExecutor struct {
	runtime        Runtime
	workRoot       string
	maxOutput      int
	cleanupTimeout time.Duration
	logger         *slog.Logger
}

// ExecutorOption configures a DockerExecutor.
type ExecutorOption func(*DockerExecutor)

// WithWorkRoot sets the host directory under which per-run working
// directories are created. Empty means the OS temp dir.
func WithWorkRoot(dir string) ExecutorOption {
	return func(d *DockerExecutor) { d.workRoot = dir }
}

// WithMaxOutput caps the captured stdout/stderr size in bytes.
func WithMaxOutput(n int) ExecutorOption {
	return func(d *DockerExecutor) {
		if n > 0 {
			d.maxOutput = n
		}
	}
}

// WithCleanupTimeout bounds how long kill and remove may take.
func WithCleanupTimeout(timeout time.Duration) ExecutorOption {
	return func(d *DockerExecutor) {
		if timeout > 0 {
			d.cleanupTimeout = timeout
		}
	}
}

// WithLogger sets the logger used for container lifecycle events.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(d *DockerExecutor) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDockerExecutor creates an executor on top of the given runtime.
func NewDockerExecutor(rt Runtime, opts ...ExecutorOption) *DockerExecutor {
	d := &DockerExecutor{
		runtime:        rt,
		maxOutput:      DefaultMaxOutput,
		cleanupTimeout: defaultCleanupTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute materializes source into a fresh read-only directory, runs it in a
// new container and classifies the outcome. The container and the directory
// are gone by the time Execute returns, whatever the outcome.
func (d *DockerExecutor) Execute(ctx context.Context, source string, spec Spec) (Result, error) {
	if strings.TrimSpace(source) == "" {
		return Result{}, ErrEmptySource
	}
	if err := spec.Validate(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	pulled, err := d.runtime.EnsureImage(ctx, spec.Image)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return InfrastructureError(fmt.Sprintf("preparing image %s: %v", spec.Image, err)), nil
	}
	if pulled {
		d.logger.Info("pulled sandbox image", "image", spec.Image)
	}

	dir, err := d.materialize(source, spec)
	if dir != "" {
		defer os.RemoveAll(dir)
	}
	if err != nil {
		return InfrastructureError(err.Error()), nil
	}

	name := "fixloop-" + strings.TrimPrefix(filepath.Base(dir), "fixloop-sandbox-")
	id, err := d.runtime.Create(ctx, ContainerSpec{
		Name:        name,
		Image:       spec.Image,
		Command:     spec.Command,
		Env:         spec.Env,
		HostDir:     dir,
		WorkDir:     spec.workDir(),
		MemoryBytes: spec.MemoryBytes,
		PidsLimit:   spec.PidsLimit,
		Network:     spec.Network,
		Scratch:     spec.Scratch,
		LogSize:     logFileSize(d.maxOutput),
		Labels:      map[string]string{LabelOwner: "true"},
	})
	if err != nil {
		d.sweep(ctx, name)
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return InfrastructureError(fmt.Sprintf("creating container: %v", err)), nil
	}
	defer d.remove(ctx, id)

	log := d.logger.With("container", shortID(id), "image", spec.Image)
	log.Debug("container created")

	if err := d.runtime.Start(ctx, id); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return InfrastructureError(fmt.Sprintf("starting container: %v", err)), nil
	}
	started := time.Now()

	waitCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	exitCode, err := d.runtime.Wait(waitCtx, id)
	elapsed := time.Since(started)
	if err != nil {
		// The program may ignore signals, so the container is killed rather
		// than asked to stop.
		d.kill(ctx, id)
		switch {
		case ctx.Err() != nil:
			log.Info("execution cancelled", "elapsed", elapsed)
			return Result{}, ctx.Err()
		case waitCtx.Err() != nil:
			log.Info("execution timed out", "elapsed", elapsed, "timeout", spec.Timeout)
			return Timeout(spec.Timeout, elapsed), nil
		default:
			return InfrastructureError(fmt.Sprintf("waiting for container: %v", err)), nil
		}
	}

	// One byte past the cap lets truncate mark the overflow.
	stdout, stderr, err := d.runtime.Logs(ctx, id, d.maxOutput+1)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return InfrastructureError(fmt.Sprintf("reading container output: %v", err)), nil
	}

	log.Debug("container exited", "exit_code", exitCode, "elapsed", elapsed)
	if exitCode == 0 {
		// stderr is dropped on success.
		return Success(truncate(strings.TrimSpace(stdout), d.maxOutput)), nil
	}
	return RuntimeFailure(truncate(strings.TrimSpace(stderr), d.maxOutput), exitCode), nil
}

// materialize writes source into a new private directory and returns its path.
func (d *DockerExecutor) materialize(source string, spec Spec) (string, error) {
	dir, err := os.MkdirTemp(d.workRoot, "fixloop-sandbox-*")
	if err != nil {
		return "", fmt.Errorf("creating work dir: %w", err)
	}
	// The container user may differ from ours; it only needs to read.
	if err := os.Chmod(dir, 0o755); err != nil {
		return dir, fmt.Errorf("preparing work dir: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(spec.FileName))
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		return dir, fmt.Errorf("writing program file: %w", err)
	}
	return dir, nil
}

func (d *DockerExecutor) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.cleanupTimeout)
}

func (d *DockerExecutor) kill(ctx context.Context, id string) {
	cctx, cancel := d.cleanupContext(ctx)
	defer cancel()
	if err := d.runtime.Kill(cctx, id); err != nil {
		d.logger.Warn("killing container", "container", shortID(id), "error", err)
	}
}

// sweep removes a container by name after a failed create. The daemon may
// have created it before the request failed, and then the name is all we
// have to find it.
func (d *DockerExecutor) sweep(ctx context.Context, name string) {
	cctx, cancel := d.cleanupContext(ctx)
	defer cancel()
	if err := d.runtime.Remove(cctx, name); err != nil {
		d.logger.Debug("sweeping container after failed create", "name", name, "error", err)
	}
}

func (d *DockerExecutor) remove(ctx context.Context, id string) {
	cctx, cancel := d.cleanupContext(ctx)
	defer cancel()
	if err := d.runtime.Remove(cctx, id); err != nil {
		d.logger.Error("removing container", "container", shortID(id), "error", err)
		return
	}
	d.logger.Debug("container removed", "container", shortID(id))
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... (output truncated)"
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
