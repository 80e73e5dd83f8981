package outbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/oshokin/alarm-engine/internal/config"
	"github.com/oshokin/alarm-engine/internal/notify"
)

// maxLineSize bounds a single spooled digest.
const maxLineSize = 4 << 20

// ErrNotFound is returned by ReadAll when nothing was spooled yet.
var ErrNotFound = errors.New("outbox file not found")

// FileOutbox appends digests to a JSON-lines file, one digest per line.
type FileOutbox struct {
	// path is the spool file location.
	path string
	// mu serializes appends from concurrent flushes.
	mu sync.Mutex
}

// NewFileOutbox creates a spool at path.
func NewFileOutbox(path string) *FileOutbox {
	if path == "" {
		path = config.DefaultOutboxFilename
	}

	return &FileOutbox{
		path: filepath.Clean(path),
	}
}

// Path returns the spool file location.
func (o *FileOutbox) Path() string {
	return o.path
}

// Enqueue appends the digest as one line.
func (o *FileOutbox) Enqueue(_ context.Context, digest notify.Digest) error {
	data, err := encode(digest)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	file, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, config.DefaultFilePermissions)
	if err != nil {
		return fmt.Errorf("open outbox file: %w", err)
	}

	if _, err = file.Write(append(data, '\n')); err != nil {
		_ = file.Close()

		return fmt.Errorf("write outbox file: %w", err)
	}

	if err = file.Close(); err != nil {
		return fmt.Errorf("close outbox file: %w", err)
	}

	return nil
}

// ReadAll returns every spooled digest in the order they were written.
func (o *FileOutbox) ReadAll(_ context.Context) ([]notify.Digest, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	file, err := os.Open(o.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("open outbox file: %w", err)
	}

	defer file.Close()

	var (
		digests []notify.Digest
		scanner = bufio.NewScanner(file)
	)

	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}

		var digest notify.Digest
		if err = json.Unmarshal(scanner.Bytes(), &digest); err != nil {
			return nil, fmt.Errorf("decode outbox line %d: %w", len(digests)+1, err)
		}

		digests = append(digests, digest)
	}

	if err = scanner.Err(); err != nil {
		return nil, fmt.Errorf("read outbox file: %w", err)
	}

	return digests, nil
}

// Close is a no-op; the file is opened per append.
func (o *FileOutbox) Close() error {
	return nil
}
