package chatlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Compile-time interface check.
var _ Store = (*FileStore)(nil)

// FileStore persists entries as append-only JSON lines in a local file,
// which is plenty for a single robot's conversation history. Thread-safe.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a FileStore writing to path. The file is created on
// first append.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Append writes one entry as a JSON line.
func (fs *FileStore) Append(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("chatlog: marshal: %w", err)
	}
	data = append(data, '\n')

	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := os.OpenFile(fs.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("chatlog: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("chatlog: write: %w", err)
	}
	return nil
}

// Close is a no-op; the file is opened per append.
func (fs *FileStore) Close() error { return nil }

// ReadAll loads every entry in the file, oldest first. Intended for tests
// and offline analysis tooling.
func (fs *FileStore) ReadAll() ([]Entry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := os.Open(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("chatlog: open file: %w", err)
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("chatlog: decode line %d: %w", len(out)+1, err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("chatlog: scan: %w", err)
	}
	return out, nil
}
