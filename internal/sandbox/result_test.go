package sandbox

import (
	"strings"
	"testing"
	"time"
)

func TestResultVariants(t *testing.T) {
	tests := []struct {
		name        string
		result      Result
		wantOK      bool
		wantFailure string
	}{
		{"success", Success("42"), true, ""},
		{"runtime failure", RuntimeFailure("NameError: name 'x' is not defined", 1), false, "NameError: name 'x' is not defined"},
		{"silent runtime failure", RuntimeFailure("", 2), false, "process exited with status 2 and no error output"},
		{"oom kill", RuntimeFailure("", 137), false, "exceeding the memory limit"},
		{"timeout", Timeout(30*time.Second, 30*time.Second), false, "Execution timed out after 30s."},
		{"timeout reports the limit", Timeout(30*time.Second, 30002*time.Millisecond), false, "Execution timed out after 30s."},
		{"stored timeout without limit", Result{Status: StatusTimeout, Elapsed: 2*time.Second + 400*time.Microsecond}, false, "Execution timed out after 2s."},
		{"infrastructure", InfrastructureError("pulling image: manifest unknown"), false, "pulling image: manifest unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.result.Valid() {
				t.Fatalf("constructor produced invalid result %+v", tt.result)
			}
			if tt.result.OK() != tt.wantOK {
				t.Errorf("OK() = %v, want %v", tt.result.OK(), tt.wantOK)
			}
			if (tt.result.Stdout != "") && !tt.wantOK {
				t.Errorf("stdout populated on a failure variant")
			}

			f, isFailure := tt.result.Failure()
			if isFailure == tt.wantOK {
				t.Fatalf("Failure() ok = %v for %s", isFailure, tt.result.Status)
			}
			if !tt.wantOK && !strings.Contains(f.Message, tt.wantFailure) {
				t.Errorf("failure message = %q, want it to contain %q", f.Message, tt.wantFailure)
			}
			if !tt.wantOK && f.Kind != tt.result.Status {
				t.Errorf("failure kind = %q, want %q", f.Kind, tt.result.Status)
			}
		})
	}
}

func TestResultValidRejectsMixedVariants(t *testing.T) {
	bad := []Result{
		{Status: StatusSuccess, Stdout: "out", Stderr: "err"},
		{Status: StatusRuntimeFailure, Stdout: "out", Stderr: "err"},
		{Status: StatusTimeout, Elapsed: time.Second, Message: "x"},
		{Status: StatusInfrastructureError, Message: "x", Stdout: "y"},
		{Status: "exploded"},
	}
	for _, r := range bad {
		if r.Valid() {
			t.Errorf("Valid() = true for %+v", r)
		}
	}
}

func TestFailureEnvironmental(t *testing.T) {
	f, _ := InfrastructureError("daemon unreachable").Failure()
	if !f.Environmental() {
		t.Error("infrastructure failures are environmental")
	}
	f, _ = RuntimeFailure("boom", 1).Failure()
	if f.Environmental() {
		t.Error("runtime failures are not environmental")
	}
}

func TestResultOutput(t *testing.T) {
	if got := Success("done").Output(); got != "done" {
		t.Errorf("Output() = %q", got)
	}
	if got := RuntimeFailure("boom", 1).Output(); got != "boom" {
		t.Errorf("Output() = %q", got)
	}
}
