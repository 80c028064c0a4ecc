package presence

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateVisitorID returns the visitor id stored at path, creating and
// persisting a new UUID when the file is missing or holds garbage. An empty
// path yields a fresh, unpersisted id.
func LoadOrCreateVisitorID(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return uuid.NewString(), nil
	}
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if id, perr := uuid.Parse(strings.TrimSpace(string(b))); perr == nil {
			return id.String(), nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("read visitor id: %w", err)
	}

	id := uuid.NewString()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create visitor id dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write visitor id: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write visitor id: %w", err)
	}
	return id, nil
}
