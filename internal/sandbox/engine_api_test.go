package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// fakeDaemonRuntime points an EngineRuntime at an httptest server standing
// in for the Docker Engine API.
func fakeDaemonRuntime(t *testing.T, handler http.HandlerFunc) *EngineRuntime {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cli, err := client.NewClientWithOpts(
		client.WithHost("tcp://"+strings.TrimPrefix(srv.URL, "http://")),
		client.WithVersion("1.51"),
	)
	if err != nil {
		t.Fatalf("creating client: %v", err)
	}
	t.Cleanup(func() { cli.Close() })
	return &EngineRuntime{cli: cli}
}

func TestEngineLogsStopsBufferingAtLimit(t *testing.T) {
	const frames, frameSize = 16, 1 << 20
	rt := fakeDaemonRuntime(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/containers/abc/logs") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.docker.multiplexed-stream")
		out := stdcopy.NewStdWriter(w, stdcopy.Stdout)
		chunk := bytes.Repeat([]byte("x"), frameSize)
		for range frames {
			if _, err := out.Write(chunk); err != nil {
				return
			}
		}
		stdcopy.NewStdWriter(w, stdcopy.Stderr).Write([]byte("Traceback: boom\n"))
	})

	stdout, stderr, err := rt.Logs(context.Background(), "abc", DefaultMaxOutput+1)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(stdout) != DefaultMaxOutput+1 {
		t.Errorf("kept %d bytes of stdout, want %d", len(stdout), DefaultMaxOutput+1)
	}
	if stderr != "Traceback: boom\n" {
		t.Errorf("stderr after an oversized stdout = %q", stderr)
	}
}

func TestEngineCreateSetsIsolationAndLogCap(t *testing.T) {
	var body struct {
		container.Config
		HostConfig container.HostConfig
	}
	var name string
	rt := fakeDaemonRuntime(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/containers/create") {
			http.NotFound(w, r)
			return
		}
		name = r.URL.Query().Get("name")
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding create request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"Id": "abc123", "Warnings": []}`)
	})

	id, err := rt.Create(context.Background(), ContainerSpec{
		Name:        "fixloop-1",
		Image:       Python.Image,
		Command:     []string{"python", "main.py"},
		HostDir:     "/tmp/fixloop-sandbox-1",
		WorkDir:     DefaultWorkDir,
		MemoryBytes: DefaultMemory,
		LogSize:     minLogFileSize,
		Labels:      map[string]string{LabelOwner: "true"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id != "abc123" || name != "fixloop-1" {
		t.Errorf("id = %q, name = %q", id, name)
	}

	host := body.HostConfig
	if !body.NetworkDisabled || host.NetworkMode != "none" {
		t.Errorf("network not disabled: %v %q", body.NetworkDisabled, host.NetworkMode)
	}
	if host.Memory != DefaultMemory || host.MemorySwap != DefaultMemory {
		t.Errorf("memory = %d swap = %d", host.Memory, host.MemorySwap)
	}
	if !host.ReadonlyRootfs || len(host.Mounts) != 1 || !host.Mounts[0].ReadOnly {
		t.Errorf("filesystem not read-only: %+v", host)
	}
	if host.LogConfig.Type != "json-file" || host.LogConfig.Config["max-size"] != "1048576" || host.LogConfig.Config["max-file"] != "1" {
		t.Errorf("log config = %+v", host.LogConfig)
	}
}
