package objstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = eris.New("objstore: object not found")

// FSStore stores objects as files under a root directory, one
// subdirectory per container. The content version is the SHA-256 of the
// file bytes, so a rewritten file gets a new version and the admission
// lock treats it as new work.
type FSStore struct {
	root string
}

// NewFS creates a filesystem-backed store rooted at dir.
func NewFS(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "objstore: create root %s", dir)
	}
	return &FSStore{root: dir}, nil
}

func (s *FSStore) path(container, key string) (string, error) {
	p := filepath.Join(s.root, container, filepath.FromSlash(key))
	// Keys must stay inside the root.
	if !strings.HasPrefix(p, filepath.Clean(s.root)+string(filepath.Separator)) {
		return "", eris.Errorf("objstore: key escapes root: %s/%s", container, key)
	}
	return p, nil
}

func (s *FSStore) Get(ctx context.Context, container, key string) ([]byte, *ObjectInfo, error) {
	p, err := s.path(container, key)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, eris.Wrapf(err, "objstore: read %s/%s", container, key)
	}
	fi, err := os.Stat(p)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "objstore: stat %s/%s", container, key)
	}
	return data, s.info(container, key, fi, data), nil
}

func (s *FSStore) Head(ctx context.Context, container, key string) (*ObjectInfo, error) {
	p, err := s.path(container, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "objstore: open %s/%s", container, key)
	}
	defer f.Close() //nolint:errcheck

	fi, err := f.Stat()
	if err != nil {
		return nil, eris.Wrapf(err, "objstore: stat %s/%s", container, key)
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, eris.Wrapf(err, "objstore: hash %s/%s", container, key)
	}
	return &ObjectInfo{
		Container: container,
		Key:       key,
		Version:   hex.EncodeToString(h.Sum(nil)),
		Size:      fi.Size(),
		ModTime:   fi.ModTime(),
	}, nil
}

func (s *FSStore) Put(ctx context.Context, container, key string, data []byte) (*ObjectInfo, error) {
	p, err := s.path(container, key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, eris.Wrapf(err, "objstore: create dirs for %s/%s", container, key)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return nil, eris.Wrapf(err, "objstore: write %s/%s", container, key)
	}
	fi, err := os.Stat(p)
	if err != nil {
		return nil, eris.Wrapf(err, "objstore: stat %s/%s", container, key)
	}
	return s.info(container, key, fi, data), nil
}

func (s *FSStore) info(container, key string, fi os.FileInfo, data []byte) *ObjectInfo {
	sum := sha256.Sum256(data)
	return &ObjectInfo{
		Container: container,
		Key:       key,
		Version:   hex.EncodeToString(sum[:]),
		Size:      fi.Size(),
		ModTime:   fi.ModTime(),
	}
}
