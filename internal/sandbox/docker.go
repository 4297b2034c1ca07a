package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
)

// CLIRuntime drives containers through the docker command-line client.
// It is a fallback for hosts where the Engine API socket is not reachable
// from this process but the docker binary works (rootless setups, contexts).
type CLIRuntime struct {
	Binary string
}

// NewCLIRuntime creates a runtime that shells out to binary ("docker" if empty).
func NewCLIRuntime(binary string) *CLIRuntime {
	if binary == "" {
		binary = "docker"
	}
	return &CLIRuntime{Binary: binary}
}

// cliError is a docker command that exited non-zero.
type cliError struct {
	command  string
	exitCode int
	stderr   string
}

func (e *cliError) Error() string {
	return fmt.Sprintf("docker %s: exit code %d: %s", e.command, e.exitCode, strings.TrimSpace(e.stderr))
}

func (c *CLIRuntime) run(ctx context.Context, args ...string) (string, string, error) {
	return c.runCapped(ctx, 0, args...)
}

// runCapped runs docker keeping at most limit bytes of each output stream.
func (c *CLIRuntime) runCapped(ctx context.Context, limit int, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, c.Binary, args...)

	stdout, stderr := newCappedBuffer(limit), newCappedBuffer(limit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return stdout.String(), stderr.String(), ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), &cliError{
				command:  args[0],
				exitCode: exitErr.ExitCode(),
				stderr:   stderr.String(),
			}
		}
		return "", "", fmt.Errorf("running docker: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

func isCLIError(err error, fragments ...string) bool {
	var ce *cliError
	if !errors.As(err, &ce) {
		return false
	}
	msg := strings.ToLower(ce.stderr)
	for _, f := range fragments {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}

func (c *CLIRuntime) Ping(ctx context.Context) error {
	if _, _, err := c.run(ctx, "version", "--format", "{{.Server.Version}}"); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

func (c *CLIRuntime) EnsureImage(ctx context.Context, ref string) (bool, error) {
	_, _, err := c.run(ctx, "image", "inspect", "--format", "{{.Id}}", ref)
	if err == nil {
		return false, nil
	}
	if !isCLIError(err, "no such image") {
		return false, fmt.Errorf("inspecting image: %w", err)
	}
	if _, _, err := c.run(ctx, "pull", "--quiet", ref); err != nil {
		return false, fmt.Errorf("pulling image: %w", err)
	}
	return true, nil
}

func (c *CLIRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	memory := strconv.FormatInt(spec.MemoryBytes, 10)
	args := []string{
		"create",
		"--memory", memory,
		"--memory-swap", memory,
		"--read-only",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"-v", spec.HostDir + ":" + spec.WorkDir + ":ro",
		"-w", spec.WorkDir,
	}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	if !spec.Network {
		args = append(args, "--network=none")
	}
	if spec.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.FormatInt(spec.PidsLimit, 10))
	}
	if spec.LogSize > 0 {
		args = append(args,
			"--log-driver", "json-file",
			"--log-opt", "max-size="+strconv.FormatInt(spec.LogSize, 10),
			"--log-opt", "max-file=1",
		)
	}
	if spec.Scratch > 0 {
		args = append(args, "--tmpfs", fmt.Sprintf("/tmp:rw,exec,nosuid,size=%d", spec.Scratch))
	}
	for _, e := range spec.Env {
		args = append(args, "-e", e)
	}
	keys := make([]string, 0, len(spec.Labels))
	for k := range spec.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}

	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	stdout, _, err := c.run(ctx, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(stdout), nil
}

func (c *CLIRuntime) Start(ctx context.Context, id string) error {
	_, _, err := c.run(ctx, "start", id)
	return err
}

// Wait runs `docker wait`. When ctx expires only the client process is
// killed; stopping the container is the caller's job.
func (c *CLIRuntime) Wait(ctx context.Context, id string) (int, error) {
	stdout, _, err := c.run(ctx, "wait", id)
	if err != nil {
		return -1, err
	}
	code, err := strconv.Atoi(strings.TrimSpace(stdout))
	if err != nil {
		return -1, fmt.Errorf("parsing exit code %q: %w", strings.TrimSpace(stdout), err)
	}
	return code, nil
}

func (c *CLIRuntime) Logs(ctx context.Context, id string, limit int) (string, string, error) {
	return c.runCapped(ctx, limit, "logs", id)
}

func (c *CLIRuntime) Kill(ctx context.Context, id string) error {
	_, _, err := c.run(ctx, "kill", "--signal", "KILL", id)
	if isCLIError(err, "is not running", "no such container") {
		return nil
	}
	return err
}

func (c *CLIRuntime) Remove(ctx context.Context, id string) error {
	_, _, err := c.run(ctx, "rm", "--force", "--volumes", id)
	if isCLIError(err, "no such container") {
		return nil
	}
	return err
}
