package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/warpcomdev/camproxy/internal/servicelog"
)

// Store owns the on-disk config document: load/decrypt on start, and
// atomic encrypt/save on every mutation. Concrete callers are expected to
// hold their own mutex around the higher-level Add/Modify/Delete
// operations (see internal/registry); Store itself only guarantees a
// single file is never left half-written.
type Store struct {
	path   string
	cipher *Cipher
	logger servicelog.Logger

	mu  sync.Mutex
	doc Document
}

func Open(path string, cipher *Cipher, logger servicelog.Logger) (*Store, error) {
	s := &Store{path: path, cipher: cipher, logger: logger}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir is the directory the config file lives in, used to place
// alongside state (e.g. ObicoBridge's persisted print-state files).
func (s *Store) Dir() string {
	return filepath.Dir(s.path)
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.doc = *NewDocument()
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config %s: %w", s.path, err)
	}
	var onDisk Document
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return fmt.Errorf("parsing config %s: %w", s.path, err)
	}
	decrypted, err := s.cipher.DecryptDocument(onDisk)
	if err != nil {
		return fmt.Errorf("decrypting config %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.doc = decrypted
	s.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the in-memory (plaintext) document.
func (s *Store) Snapshot() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.doc
	out.Printers = append([]PrinterConfig(nil), s.doc.Printers...)
	return out
}

// Replace atomically swaps the in-memory document and persists it
// encrypted. File mode 0600, directory mode 0700, per spec.md §6.
func (s *Store) Replace(doc Document) error {
	encrypted, err := s.cipher.EncryptDocument(doc)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(encrypted, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

// Watch runs until ctx is cancelled, invoking onChange whenever the config
// file is externally modified (e.g. hand-edited while the daemon runs).
// Generalizes a content-uploading folder watch into a single reload
// callback.
func (s *Store) Watch(ctx context.Context, onChange func(Document)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		s.logger.Error("failed to watch config directory", servicelog.String("dir", dir), servicelog.Error(err))
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case ev, ok := <-watcher.Events:
			if !ok {
				return errors.New("config watcher channel closed")
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)) {
				continue
			}
			if err := s.load(); err != nil {
				s.logger.Error("failed to reload config", servicelog.Error(err))
				continue
			}
			onChange(s.Snapshot())
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("config watcher error channel closed")
			}
			s.logger.Error("config watcher error", servicelog.Error(err))
		}
	}
}
