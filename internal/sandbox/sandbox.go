// Package sandbox runs untrusted single-file programs in disposable,
// network-less, memory-capped containers and classifies how they ended.
package sandbox

import (
	"context"
	"fmt"
)

// Executor runs a program once in a fresh isolated environment.
//
// Per-run outcomes (including runtime problems) are reported through the
// Result variant. The error return is reserved for precondition violations
// and for cancellation of ctx by the caller.
type Executor interface {
	Execute(ctx context.Context, source string, spec Spec) (Result, error)
}

// ContainerSpec describes one disposable container.
type ContainerSpec struct {
	Name        string
	Image       string
	Command     []string
	Env         []string
	HostDir     string // host directory bind-mounted read-only at WorkDir
	WorkDir     string
	MemoryBytes int64
	PidsLimit   int64
	Network     bool
	Scratch     int64
	LogSize     int64 // cap on the json-file log, 0 for the daemon default
	Labels      map[string]string
}

// Runtime is the container runtime the executor drives.
type Runtime interface {
	// Ping checks that the runtime is reachable.
	Ping(ctx context.Context) error

	// EnsureImage makes image available locally, pulling it when absent.
	// It reports whether a pull happened.
	EnsureImage(ctx context.Context, image string) (bool, error)

	// Create creates (but does not start) a container and returns its ID.
	Create(ctx context.Context, spec ContainerSpec) (string, error)

	Start(ctx context.Context, id string) error

	// Wait blocks until the container stops or ctx is done, returning the exit code.
	Wait(ctx context.Context, id string) (int, error)

	// Logs returns the separated stdout and stderr streams of a stopped
	// container, each holding at most limit bytes. Zero means no limit.
	Logs(ctx context.Context, id string, limit int) (stdout, stderr string, err error)

	// Kill sends SIGKILL to a running container.
	Kill(ctx context.Context, id string) error

	// Remove force-removes a container and its anonymous volumes.
	Remove(ctx context.Context, id string) error
}

// Runtime kinds accepted by OpenRuntime.
const (
	RuntimeEngine = "engine"
	RuntimeCLI    = "cli"
)

// OpenRuntime returns the runtime of the given kind and a function releasing it.
func OpenRuntime(kind string) (Runtime, func() error, error) {
	switch kind {
	case "", RuntimeEngine:
		rt, err := NewEngineRuntime()
		if err != nil {
			return nil, nil, err
		}
		return rt, rt.Close, nil
	case RuntimeCLI:
		return NewCLIRuntime(""), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown sandbox runtime %q (want %q or %q)", kind, RuntimeEngine, RuntimeCLI)
}
