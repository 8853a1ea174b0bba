package relay

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// LoadSecretsFile parses a secrets file: one credential per line, either
// "token" or "token identity". Blank lines and #-comments are skipped.
func LoadSecretsFile(path string) ([]SecretEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []SecretEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		e := SecretEntry{Token: fields[0]}
		if len(fields) > 1 {
			e.Identity = fields[1]
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}

// WatchSecretsFile loads the secrets file into auth and reloads it on every
// change. Editors replace files via rename, so the parent directory is
// watched rather than the file itself. Returns a stop func.
func WatchSecretsFile(path string, auth *SecretAuthenticator) (func(), error) {
	entries, err := LoadSecretsFile(path)
	if err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}
	auth.SetEntries(entries)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch secrets dir: %w", err)
	}

	done := make(chan struct{})
	go func() {
		base := filepath.Base(path)
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				entries, err := LoadSecretsFile(path)
				if err != nil {
					// Keep the last good set on a bad reload.
					log.Printf("RELAY: secrets reload failed: %v", err)
					continue
				}
				auth.SetEntries(entries)
				log.Printf("RELAY: secrets reloaded, %d entries", len(entries))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("RELAY: secrets watcher error: %v", err)
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
