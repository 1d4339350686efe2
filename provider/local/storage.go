package local

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SessionStorage keeps the client side session token between runs.
type SessionStorage interface {
	// Load returns an empty token when nothing is stored.
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

type storedSession struct {
	Token   string    `json:"token"`
	SavedAt time.Time `json:"saved_at"`
}

// FileSessionStorage stores the token in a JSON file readable only by the
// current user.
type FileSessionStorage struct {
	path string
	mu   sync.Mutex
}

// NewFileSessionStorage returns a storage backed by path. Parent
// directories are created on first save.
func NewFileSessionStorage(path string) *FileSessionStorage {
	return &FileSessionStorage{path: path}
}

// Path returns the backing file.
func (s *FileSessionStorage) Path() string {
	return s.path
}

func (s *FileSessionStorage) Load(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}

	var stored storedSession
	if err := json.Unmarshal(data, &stored); err != nil {
		// A corrupt file is treated as no session.
		return "", nil
	}
	return stored.Token, nil
}

// Save writes through a temporary file and renames it so a concurrent
// reader never sees a partial token.
func (s *FileSessionStorage) Save(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}

	data, err := json.Marshal(storedSession{Token: token, SavedAt: time.Now().UTC()})
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".session-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), s.path)
}

func (s *FileSessionStorage) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// MemorySessionStorage keeps the token in memory. Useful for tests and for
// processes sharing one provider.
type MemorySessionStorage struct {
	mu    sync.RWMutex
	token string
}

func NewMemorySessionStorage() *MemorySessionStorage {
	return &MemorySessionStorage{}
}

func (s *MemorySessionStorage) Load(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

func (s *MemorySessionStorage) Save(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

func (s *MemorySessionStorage) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	return nil
}
