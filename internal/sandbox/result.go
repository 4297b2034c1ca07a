package sandbox

import (
	"fmt"
	"time"
)

// Status classifies how a sandboxed execution ended.
type Status string

const (
	StatusSuccess             Status = "success"
	StatusRuntimeFailure      Status = "runtime_failure"
	StatusTimeout             Status = "timeout"
	StatusInfrastructureError Status = "infrastructure_error"
)

// Result is the outcome of one execution. Exactly one variant is populated:
// Stdout for success, Stderr/ExitCode for a runtime failure, Limit/Elapsed
// for a timeout and Message for an infrastructure error. Build it with the
// constructors below rather than by hand.
type Result struct {
	Status   Status        `json:"status"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	ExitCode int           `json:"exit_code,omitempty"`
	Limit    time.Duration `json:"limit,omitempty"`
	Elapsed  time.Duration `json:"elapsed,omitempty"`
	Message  string        `json:"message,omitempty"`
}

// Success is a run that exited with status 0.
func Success(stdout string) Result {
	return Result{Status: StatusSuccess, Stdout: stdout}
}

// RuntimeFailure is a run that exited non-zero.
func RuntimeFailure(stderr string, exitCode int) Result {
	return Result{Status: StatusRuntimeFailure, Stderr: stderr, ExitCode: exitCode}
}

// Timeout is a run that was killed after exceeding its wall-clock limit.
func Timeout(limit, elapsed time.Duration) Result {
	return Result{Status: StatusTimeout, Limit: limit, Elapsed: elapsed}
}

// InfrastructureError is a run the isolation runtime could not provision or drive.
func InfrastructureError(message string) Result {
	return Result{Status: StatusInfrastructureError, Message: message}
}

// OK reports whether the result is the success variant.
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

// Valid checks the one-variant invariant.
func (r Result) Valid() bool {
	switch r.Status {
	case StatusSuccess:
		return r.Stderr == "" && r.ExitCode == 0 && r.Limit == 0 && r.Elapsed == 0 && r.Message == ""
	case StatusRuntimeFailure:
		return r.Stdout == "" && r.Limit == 0 && r.Elapsed == 0 && r.Message == ""
	case StatusTimeout:
		return r.Stdout == "" && r.Stderr == "" && r.ExitCode == 0 && r.Message == ""
	case StatusInfrastructureError:
		return r.Stdout == "" && r.Stderr == "" && r.ExitCode == 0 && r.Limit == 0 && r.Elapsed == 0
	}
	return false
}

// Failure is the structured failure detail handed to prompt builders and logs.
type Failure struct {
	Kind    Status `json:"kind"`
	Message string `json:"message"`
}

// Environmental reports whether the failure came from the sandbox itself
// rather than from the program.
func (f Failure) Environmental() bool {
	return f.Kind == StatusInfrastructureError
}

// Failure returns the failure detail for any non-success variant.
func (r Result) Failure() (Failure, bool) {
	switch r.Status {
	case StatusRuntimeFailure:
		msg := r.Stderr
		switch {
		case msg != "":
		case r.ExitCode == 137:
			msg = "process was killed (exit status 137), most likely for exceeding the memory limit"
		default:
			msg = fmt.Sprintf("process exited with status %d and no error output", r.ExitCode)
		}
		return Failure{Kind: r.Status, Message: msg}, true
	case StatusTimeout:
		return Failure{Kind: r.Status, Message: fmt.Sprintf("Execution timed out after %s.", r.timeoutLimit())}, true
	case StatusInfrastructureError:
		return Failure{Kind: r.Status, Message: r.Message}, true
	}
	return Failure{}, false
}

// Output returns stdout for a success and the failure text otherwise.
func (r Result) Output() string {
	if r.OK() {
		return r.Stdout
	}
	f, _ := r.Failure()
	return f.Message
}

func (r Result) String() string {
	switch r.Status {
	case StatusSuccess:
		return "success"
	case StatusRuntimeFailure:
		return fmt.Sprintf("runtime failure (exit %d)", r.ExitCode)
	case StatusTimeout:
		return fmt.Sprintf("timeout after %s", r.timeoutLimit())
	case StatusInfrastructureError:
		return "infrastructure error: " + r.Message
	}
	return string(r.Status)
}

// timeoutLimit is the configured limit, or the measured time for results
// stored before the limit was recorded.
func (r Result) timeoutLimit() time.Duration {
	if r.Limit > 0 {
		return r.Limit
	}
	return r.Elapsed.Round(time.Millisecond)
}
