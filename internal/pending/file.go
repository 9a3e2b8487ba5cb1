package pending

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	fileSuffix  = ".json"
	claimSuffix = ".claimed"
)

// File keeps one JSON file per order under Dir. A consumer claims an entry by
// renaming it, which is atomic on a single filesystem. Only one instance may
// use a given directory.
type File struct {
	Dir  string
	opts Options

	writeMu sync.Mutex
}

// NewFile creates dir if needed and returns a file-backed store.
func NewFile(dir string, opts Options) (*File, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create pending dir: %w", err)
	}
	opts.Logger.Warn().Str("dir", dir).Msg("pending store: file driver is single-instance only")
	return &File{Dir: dir, opts: opts}, nil
}

// order ids come from clients; hex keeps them path-safe.
func (s *File) path(orderID string) string {
	return filepath.Join(s.Dir, hex.EncodeToString([]byte(orderID))+fileSuffix)
}

// Store implements Store.
func (s *File) Store(_ context.Context, orderID, authToken string) error {
	id, err := normaliseOrderID(orderID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(Credential{OrderID: id, AuthToken: authToken, StoredAt: s.opts.Clock.Now()})
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tmp := filepath.Join(s.Dir, "."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	if err := os.Rename(tmp, s.path(id)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit credential: %w", err)
	}
	if err := s.sweep(); err != nil {
		s.opts.Logger.Warn().Err(err).Msg("pending store: sweep failed")
	}
	return nil
}

// RetrieveAndConsume implements Store.
func (s *File) RetrieveAndConsume(_ context.Context, orderID string) (string, bool, error) {
	id, err := normaliseOrderID(orderID)
	if err != nil {
		return "", false, err
	}
	c, ok, err := s.claim(s.path(id))
	if err != nil || !ok {
		return "", false, err
	}
	if expired(c, s.opts.Clock.Now(), s.opts.TTL) {
		return "", false, nil
	}
	return c.AuthToken, true, nil
}

// claim renames path to a unique name so no other caller can read it, then
// reads and removes the claimed copy.
func (s *File) claim(path string) (Credential, bool, error) {
	claimed := path + "." + uuid.NewString() + claimSuffix
	if err := os.Rename(path, claimed); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Credential{}, false, nil
		}
		return Credential{}, false, fmt.Errorf("claim credential: %w", err)
	}
	defer os.Remove(claimed)

	raw, err := os.ReadFile(claimed)
	if err != nil {
		return Credential{}, false, fmt.Errorf("read credential: %w", err)
	}
	var c Credential
	if err := json.Unmarshal(raw, &c); err != nil {
		return Credential{}, false, fmt.Errorf("decode credential: %w", err)
	}
	return c, true, nil
}

// Ping verifies the directory is writable.
func (s *File) Ping(context.Context) error {
	f, err := os.CreateTemp(s.Dir, ".ping-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// sweep runs with writeMu held so no Store can replace a file between the
// staleness check and its removal.
func (s *File) sweep() error {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return err
	}
	now := s.opts.Clock.Now()
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		path := filepath.Join(s.Dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var c Credential
		if json.Unmarshal(raw, &c) == nil && !expired(c, now, s.opts.TTL) {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}
