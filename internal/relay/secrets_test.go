package relay

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadSecretsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets")
	body := `# staff tokens
tok-alice alice

tok-shared
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	entries, err := LoadSecretsFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(entries), entries)
	}
	if entries[0].Token != "tok-alice" || entries[0].Identity != "alice" {
		t.Fatalf("bound entry wrong: %+v", entries[0])
	}
	if entries[1].Token != "tok-shared" || entries[1].Identity != "" {
		t.Fatalf("unbound entry wrong: %+v", entries[1])
	}
}

func TestWatchSecretsFileReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets")
	if err := os.WriteFile(path, []byte("old-token\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	auth := NewSecretAuthenticator()
	stop, err := WatchSecretsFile(path, auth)
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	if _, err := auth.Authenticate("old-token"); err != nil {
		t.Fatalf("initial load missing: %v", err)
	}

	if err := os.WriteFile(path, []byte("new-token bob\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if id, err := auth.Authenticate("new-token"); err == nil {
			if id != "bob" {
				t.Fatalf("expected bound identity bob, got %q", id)
			}
			if _, err := auth.Authenticate("old-token"); err == nil {
				t.Fatal("old token must be gone after reload")
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("secrets never reloaded")
}
