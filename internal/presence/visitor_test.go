package presence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestLoadOrCreateVisitorID(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state", "visitor_id")

	id, err := LoadOrCreateVisitorID(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("id %q is not a uuid", id)
	}
	again, err := LoadOrCreateVisitorID(path)
	if err != nil || again != id {
		t.Fatalf("reload = %q, %v; want %q", again, err, id)
	}

	if err := os.WriteFile(path, []byte("not-a-uuid"), 0o600); err != nil {
		t.Fatal(err)
	}
	fresh, err := LoadOrCreateVisitorID(path)
	if err != nil || fresh == id {
		t.Fatalf("garbage file gave %q, %v", fresh, err)
	}
}

func TestLoadOrCreateVisitorIDEmptyPath(t *testing.T) {
	t.Parallel()
	a, _ := LoadOrCreateVisitorID("")
	b, _ := LoadOrCreateVisitorID("")
	if a == "" || a == b {
		t.Fatalf("ephemeral ids = %q, %q", a, b)
	}
}
