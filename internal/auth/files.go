package auth

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps a copy of each account's platform session on local disk.
// It is the fallback when the account store has no usable session.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	if dir == "" {
		dir = "."
	}
	return &FileStore{dir: dir}
}

func (s *FileStore) Path(userID int64, username string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(username)
	return filepath.Join(s.dir, fmt.Sprintf("session_%d_%s.json", userID, name))
}

// Load returns nil without error when no session file exists.
func (s *FileStore) Load(userID int64, username string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(userID, username))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	return data, nil
}

// Save writes the session through a temp file so a crash never leaves a
// truncated session behind.
func (s *FileStore) Save(userID int64, username string, blob []byte) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	path := s.Path(userID, username)
	tmp, err := os.CreateTemp(s.dir, ".session-*")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename session file: %w", err)
	}
	return nil
}
