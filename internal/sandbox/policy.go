package sandbox

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultMemory    int64 = 256 << 20
	DefaultTimeout         = 30 * time.Second
	DefaultWorkDir         = "/app"
	DefaultPidsLimit int64 = 128
)

var (
	ErrEmptySource = errors.New("sandbox: empty source")
	ErrInvalidSpec = errors.New("sandbox: invalid spec")
)

// Spec defines the isolation and resource limits for one execution.
type Spec struct {
	Image       string   // Docker image (e.g. "python:3.12-slim")
	Command     []string // Command run inside WorkDir
	Env         []string
	FileName    string        // Name of the program file inside WorkDir
	MemoryBytes int64         // Hard memory ceiling, swap included
	Timeout     time.Duration // Wall-clock budget for the program
	WorkDir     string        // Mount point of the read-only program directory
	Network     bool          // Whether network access is allowed
	PidsLimit   int64
	Scratch     int64 // tmpfs size mounted at /tmp, 0 for none
}

// DefaultSpec returns safe defaults for running Python programs.
func DefaultSpec() Spec {
	return Python.Spec(DefaultMemory, DefaultTimeout)
}

// Validate checks the preconditions Execute relies on.
func (s Spec) Validate() error {
	switch {
	case s.Image == "":
		return fmt.Errorf("%w: image is required", ErrInvalidSpec)
	case len(s.Command) == 0:
		return fmt.Errorf("%w: command is required", ErrInvalidSpec)
	case s.FileName == "":
		return fmt.Errorf("%w: file name is required", ErrInvalidSpec)
	case s.MemoryBytes <= 0:
		return fmt.Errorf("%w: memory ceiling must be positive", ErrInvalidSpec)
	case s.Timeout <= 0:
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidSpec)
	case s.Scratch < 0:
		return fmt.Errorf("%w: scratch size must not be negative", ErrInvalidSpec)
	}
	return nil
}

func (s Spec) workDir() string {
	if s.WorkDir == "" {
		return DefaultWorkDir
	}
	return s.WorkDir
}
