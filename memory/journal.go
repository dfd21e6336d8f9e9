package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Journal is the durable append-only store behind the memory bus. Tail
// returns the most recent records ordered oldest to newest; it exists for
// diagnostics, not replay.
type Journal interface {
	Append(ctx context.Context, rec *Record) error
	Tail(ctx context.Context, limit int) ([]*Record, error)
	Clear(ctx context.Context) error
}

// FileJournal persists records as newline-delimited JSON.
type FileJournal struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenFileJournal opens (or creates) the journal file, creating parent
// directories as needed.
func OpenFileJournal(path string) (*FileJournal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("memory: create journal dir: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("memory: open journal %s: %w", path, err)
	}
	return &FileJournal{path: path, file: file}, nil
}

// Path returns the journal file path.
func (j *FileJournal) Path() string {
	return j.path
}

// Append writes the record as one JSON line and syncs it to disk.
func (j *FileJournal) Append(_ context.Context, rec *Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("memory: encode record: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("memory: append journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("memory: sync journal: %w", err)
	}
	return nil
}

// Tail returns the last limit records, oldest first.
func (j *FileJournal) Tail(_ context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	j.mu.Lock()
	data, err := os.ReadFile(j.path)
	j.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("memory: read journal: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var records []*Record
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("memory: decode journal line: %w", err)
		}
		records = append(records, &rec)
	}

	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

// Clear truncates the journal.
func (j *FileJournal) Clear(_ context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.file.Truncate(0); err != nil {
		return fmt.Errorf("memory: truncate journal: %w", err)
	}
	if _, err := j.file.Seek(0, 0); err != nil {
		return fmt.Errorf("memory: rewind journal: %w", err)
	}
	return nil
}

// Close releases the underlying file.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
