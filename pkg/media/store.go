package media

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/zeebo/blake3"
)

// Store persists encoded images under opaque keys.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// LocalStore keeps objects as files below a guarded root directory.
type LocalStore struct {
	guard *Guard
}

// NewLocalStore creates the root directory when missing.
func NewLocalStore(root string) (*LocalStore, error) {
	guard, err := NewGuard(root)
	if err != nil {
		return nil, err
	}
	return &LocalStore{guard: guard}, nil
}

// Root returns the absolute store root.
func (s *LocalStore) Root() string {
	return s.guard.Root()
}

func (s *LocalStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := s.guard.ResolvePath(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return normalizeIOError(err, "create object directory")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return normalizeIOError(err, "write object")
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return normalizeIOError(err, "commit object")
	}

	return nil
}

func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := s.guard.ResolvePath(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, normalizeIOError(err, "read object")
	}
	return data, nil
}

// Delete removes the object. Deleting a missing object is not an error.
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := s.guard.ResolvePath(key)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return normalizeIOError(err, "delete object")
	}
	return nil
}

// Filename builds the traceable image filename LOT_YYYYMMDD_NNN.jpg.
func Filename(lot string, date time.Time, seq int) string {
	return fmt.Sprintf("%s_%s_%03d.jpg", Slug(lot), date.Format("20060102"), seq)
}

// ObjectKey places an image under lot/date and prefixes the filename with a
// short content hash so re-uploads never overwrite each other.
func ObjectKey(lot string, date time.Time, filename string, data []byte) string {
	sum := blake3.Sum256(data)
	return Slug(lot) + "/" + date.Format("20060102") + "/" + hex.EncodeToString(sum[:6]) + "_" + filename
}

// ContentHash returns the hex blake3 digest of data.
func ContentHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Slug keeps letters and digits of lot and replaces everything else with '-'.
func Slug(lot string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(lot) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r) || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "lot"
	}
	return b.String()
}
