package eventlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DefaultPointerPath is the well-known location of the run pointer file.
// Its absence means no run is in progress.
const DefaultPointerPath = "plans/migration_id"

// ErrNoRun is returned when the pointer file does not exist.
var ErrNoRun = errors.New("eventlog: no migration run in progress")

// readRunID reads the UUID of the active run from the pointer file.
func readRunID(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoRun
		}
		return "", fmt.Errorf("failed to read run pointer %s: %w", path, err)
	}
	id := strings.TrimSpace(string(raw))
	if id == "" {
		return "", ErrNoRun
	}
	return id, nil
}

// loadOrCreateRunID returns the persisted run id, creating and persisting a
// fresh one when no run is in progress. The pointer is written before the
// first status marker so an empty database still permits resume.
func loadOrCreateRunID(path string) (string, error) {
	id, err := readRunID(path)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNoRun) {
		return "", err
	}

	id = uuid.New().String()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create run pointer directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to write run pointer %s: %w", path, err)
	}
	return id, nil
}

// removeRunID deletes the pointer file. Missing file is not an error.
func removeRunID(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove run pointer %s: %w", path, err)
	}
	return nil
}
