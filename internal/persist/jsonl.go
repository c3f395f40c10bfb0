package persist

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/gzip"

	"github.com/tzhukov/immaterium/internal/logging"
)

// JSONL appends one JSON document per row to a file. Rotation compresses
// the current file to <path>.<timestamp>.gz and starts fresh.
type JSONL struct {
	mu   sync.Mutex
	path string
	f    *os.File
	log  *logging.Logger
}

// OpenJSONL opens (creating if needed) the history file at path.
func OpenJSONL(path string, log *logging.Logger) (*JSONL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	return &JSONL{path: path, f: f, log: log}, nil
}

// Record appends one row.
func (j *JSONL) Record(row Row) error {
	data, err := sonic.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to encode history row: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return os.ErrClosed
	}
	if _, err := j.f.Write(data); err != nil {
		return fmt.Errorf("failed to write history row: %w", err)
	}
	return nil
}

// Rotate gzips the current file next to it and truncates the live file.
func (j *JSONL) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return os.ErrClosed
	}

	archive := fmt.Sprintf("%s.%s.gz", j.path, time.Now().UTC().Format("20060102T150405"))
	if err := j.compressTo(archive); err != nil {
		return err
	}

	if err := j.f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate history file: %w", err)
	}
	if _, err := j.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind history file: %w", err)
	}
	j.log.Info("rotated history file")
	return nil
}

func (j *JSONL) compressTo(archive string) error {
	src, err := os.Open(j.path)
	if err != nil {
		return fmt.Errorf("failed to reopen history file: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(archive)
	if err != nil {
		return fmt.Errorf("failed to create history archive: %w", err)
	}
	defer dst.Close()

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		return fmt.Errorf("failed to compress history: %w", err)
	}
	return gz.Close()
}

// Close flushes and closes the underlying file.
func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}
