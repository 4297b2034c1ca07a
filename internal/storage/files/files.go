// Package files writes each finished run as a directory of plain artifacts:
// the final program, the attempt history as JSON and the last execution log.
package files

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"

	"github.com/michaelbrown/fixloop/internal/repair"
	"github.com/michaelbrown/fixloop/internal/sandbox"
)

const (
	HistoryFile = "debug_history.json"
	LogFile     = "execution_log.txt"
	LockFile    = ".fixloop.lock"
)

// HistoryEntry is one attempt as written to debug_history.json.
type HistoryEntry struct {
	Attempt   int            `json:"attempt"`
	Code      string         `json:"code"`
	Output    string         `json:"output"`
	Error     string         `json:"error"`
	Status    sandbox.Status `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
}

// Recorder writes transcripts under Root as task_<ULID> directories.
type Recorder struct {
	fs       afero.Fs
	root     string
	lockPath string
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLock serializes writers across processes with a lock file at path.
// The lock needs a real filesystem and is skipped when path is empty.
func WithLock(path string) Option {
	return func(r *Recorder) { r.lockPath = path }
}

// New creates a Recorder writing to root on fs.
func New(fs afero.Fs, root string, opts ...Option) *Recorder {
	r := &Recorder{
		fs:   fs,
		root: root,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewOS creates a Recorder on the host filesystem, locked with
// <root>/.fixloop.lock.
func NewOS(root string) *Recorder {
	return New(afero.NewOsFs(), root, WithLock(filepath.Join(root, LockFile)))
}

var _ repair.Recorder = (*Recorder)(nil)

// Dir returns the artifact directory of a transcript and whether it has
// been written.
func (r *Recorder) Dir(t *repair.Transcript) (string, bool) {
	dir := r.dirFor(t)
	ok, err := afero.DirExists(r.fs, dir)
	return dir, ok && err == nil
}

// Record writes the transcript's artifacts. Recording the same transcript
// again rewrites the same directory.
func (r *Recorder) Record(_ context.Context, t *repair.Transcript) error {
	if err := r.fs.MkdirAll(r.root, 0o755); err != nil {
		return fmt.Errorf("creating output directory %s: %w", r.root, err)
	}

	if r.lockPath != "" {
		lock := flock.New(r.lockPath)
		if err := lock.Lock(); err != nil {
			return fmt.Errorf("failed to acquire lock on %s: %w", r.lockPath, err)
		}
		defer lock.Unlock()
	}

	dir := r.dirFor(t)
	if err := r.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating run directory %s: %w", dir, err)
	}

	history := make([]HistoryEntry, 0, t.Len())
	for _, a := range t.Attempts {
		history = append(history, HistoryEntry{
			Attempt:   a.Index,
			Code:      a.Source,
			Output:    a.Output(),
			Error:     a.Error(),
			Status:    a.Result.Status,
			Timestamp: a.Timestamp,
		})
	}
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling history: %w", err)
	}
	if err := WriteFileAtomic(r.fs, filepath.Join(dir, HistoryFile), data); err != nil {
		return err
	}

	last, ok := t.Last()
	if !ok {
		// Aborted before anything ran; keep the reason.
		return WriteFileAtomic(r.fs, filepath.Join(dir, LogFile), []byte(t.Error+"\n"))
	}
	if err := WriteFileAtomic(r.fs, filepath.Join(dir, finalCodeName(t.Language)), []byte(last.Source)); err != nil {
		return err
	}
	return WriteFileAtomic(r.fs, filepath.Join(dir, LogFile), []byte(last.Result.Output()+"\n"))
}

// dirFor names the directory task_<ULID> after the run's start time, with
// the random part taken from a hash of the transcript ID.
func (r *Recorder) dirFor(t *repair.Transcript) string {
	started := t.StartedAt
	if started.IsZero() {
		started = time.Unix(0, 0)
	}
	sum := sha256.Sum256([]byte(t.ID))
	id := ulid.MustNew(ulid.Timestamp(started), bytes.NewReader(sum[:]))
	return filepath.Join(r.root, "task_"+id.String())
}

func finalCodeName(language string) string {
	ext := "txt"
	if lang, err := sandbox.LookupLanguage(language); err == nil {
		ext = lang.Extension()
	}
	return "final_code." + ext
}

// WriteFileAtomic writes data to a temp file beside path and renames it
// into place, so readers never see a partial file.
func WriteFileAtomic(fs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmpFile, err := afero.TempFile(fs, dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer fs.Remove(tmpPath)

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}
	return nil
}
