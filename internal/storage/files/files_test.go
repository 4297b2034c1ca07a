package files

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/fixloop/internal/repair"
	"github.com/michaelbrown/fixloop/internal/sandbox"
)

func transcript() *repair.Transcript {
	start := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	return &repair.Transcript{
		ID:        "run-1",
		Task:      "divide by zero intentionally",
		Language:  "python",
		Outcome:   repair.OutcomeSucceeded,
		StartedAt: start,
		Attempts: []repair.Attempt{
			{Index: 1, Source: "print(1/0)\n", Result: sandbox.RuntimeFailure("ZeroDivisionError: division by zero", 1), Timestamp: start},
			{Index: 2, Source: "print('ok')\n", Result: sandbox.Success("ok"), Repair: true, Timestamp: start.Add(time.Second)},
		},
	}
}

func readFile(t *testing.T, fs afero.Fs, path string) string {
	t.Helper()
	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	return string(data)
}

func TestRecordWritesArtifacts(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := New(fs, "/out")

	tr := transcript()
	require.NoError(t, r.Record(context.Background(), tr))

	dir, ok := r.Dir(tr)
	require.True(t, ok)
	assert.Equal(t, "/out", filepath.Dir(dir))
	assert.True(t, strings.HasPrefix(filepath.Base(dir), "task_"))
	assert.Len(t, strings.TrimPrefix(filepath.Base(dir), "task_"), 26, "ULID suffix")

	assert.Equal(t, "print('ok')\n", readFile(t, fs, filepath.Join(dir, "final_code.py")))
	assert.Equal(t, "ok\n", readFile(t, fs, filepath.Join(dir, LogFile)))

	var history []HistoryEntry
	require.NoError(t, json.Unmarshal([]byte(readFile(t, fs, filepath.Join(dir, HistoryFile))), &history))
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].Attempt)
	assert.Equal(t, "print(1/0)\n", history[0].Code)
	assert.Equal(t, "", history[0].Output)
	assert.Equal(t, "ZeroDivisionError: division by zero", history[0].Error)
	assert.Equal(t, sandbox.StatusSuccess, history[1].Status)
	assert.Equal(t, "ok", history[1].Output)

	entries, err := afero.ReadDir(fs, dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".tmp-"), "temp file %s left behind", e.Name())
	}
}

func TestRecordExhaustedLogsLastError(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := New(fs, "/out")

	tr := transcript()
	tr.Outcome = repair.OutcomeExhausted
	tr.Attempts = tr.Attempts[:1]
	tr.Language = "ruby"
	require.NoError(t, r.Record(context.Background(), tr))

	dir, _ := r.Dir(tr)
	assert.Equal(t, "ZeroDivisionError: division by zero\n", readFile(t, fs, filepath.Join(dir, LogFile)))
	exists, err := afero.Exists(fs, filepath.Join(dir, "final_code.rb"))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRecordAbortedWithoutAttempts(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := New(fs, "/out")

	tr := &repair.Transcript{ID: "run-2", Task: "x", Language: "python", Outcome: repair.OutcomeAborted, Error: "oracle failed on attempt 1: refused"}
	require.NoError(t, r.Record(context.Background(), tr))

	dir, _ := r.Dir(tr)
	assert.Equal(t, "oracle failed on attempt 1: refused\n", readFile(t, fs, filepath.Join(dir, LogFile)))
	assert.Equal(t, "[]", readFile(t, fs, filepath.Join(dir, HistoryFile)))
}

func TestRecordSameTranscriptReusesDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := New(fs, "/out")
	tr := transcript()

	require.NoError(t, r.Record(context.Background(), tr))
	first, _ := r.Dir(tr)
	require.NoError(t, r.Record(context.Background(), tr))
	second, _ := r.Dir(tr)
	assert.Equal(t, first, second)

	other := transcript()
	other.ID = "run-3"
	require.NoError(t, r.Record(context.Background(), other))
	third, _ := r.Dir(other)
	assert.NotEqual(t, first, third)
}

func TestDirIsDerivedFromTranscript(t *testing.T) {
	fs := afero.NewMemMapFs()
	tr := transcript()

	dir, ok := New(fs, "/out").Dir(tr)
	assert.False(t, ok, "nothing written yet")

	require.NoError(t, New(fs, "/out").Record(context.Background(), tr))
	again, ok := New(fs, "/out").Dir(tr)
	assert.True(t, ok)
	assert.Equal(t, dir, again, "a fresh recorder finds the same directory")

	id, err := ulid.ParseStrict(strings.TrimPrefix(filepath.Base(dir), "task_"))
	require.NoError(t, err)
	assert.Equal(t, tr.StartedAt.UnixMilli(), int64(id.Time()))

	unstarted := &repair.Transcript{ID: "run-4", Outcome: repair.OutcomeAborted}
	require.NoError(t, New(fs, "/out").Record(context.Background(), unstarted))
	_, ok = New(fs, "/out").Dir(unstarted)
	assert.True(t, ok)
}

func TestRecordWithLockOnDisk(t *testing.T) {
	root := t.TempDir()
	r := NewOS(root)

	require.NoError(t, r.Record(context.Background(), transcript()))
	exists, err := afero.Exists(afero.NewOsFs(), filepath.Join(root, LockFile))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestWriteFileAtomicReplaces(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := "/a/b/file.txt"
	require.NoError(t, WriteFileAtomic(fs, path, []byte("one")))
	require.NoError(t, WriteFileAtomic(fs, path, []byte("two")))
	assert.Equal(t, "two", readFile(t, fs, path))
}
