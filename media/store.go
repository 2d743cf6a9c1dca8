// Package media stores post attachments as opaque blobs addressed by ref.
package media

//go:generate mockgen -destination=mock/store.go -package=mock . Store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// ErrNotFound is returned by Delete for a ref that has no blob.
var ErrNotFound = errors.New("media: blob not found")

// Meta describes an uploaded blob.
type Meta struct {
	ContentType string
	Size        int64
}

// Store is the blob store collaborator. Delete is best-effort from the
// caller's point of view: the database pointer is authoritative.
type Store interface {
	Upload(ctx context.Context, data []byte, meta Meta) (string, error)
	Delete(ctx context.Context, ref string) error
}

// FSStore keeps blobs as files on an afero filesystem, sharded by the
// first two characters of the ref.
type FSStore struct {
	fs   afero.Fs
	root string
}

// NewFSStore returns a store rooted at dir on fs, creating dir if needed.
func NewFSStore(fs afero.Fs, dir string) (*FSStore, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("media: create root %q: %w", dir, err)
	}
	return &FSStore{fs: fs, root: dir}, nil
}

// NewOSStore returns a store on the local disk.
func NewOSStore(dir string) (*FSStore, error) {
	return NewFSStore(afero.NewOsFs(), dir)
}

func (s *FSStore) pathFor(ref string) (string, error) {
	if len(ref) < 3 || strings.ContainsAny(ref, `/\.`) {
		return "", fmt.Errorf("media: invalid ref %q", ref)
	}
	return path.Join(s.root, ref[:2], ref), nil
}

func (s *FSStore) Upload(ctx context.Context, data []byte, meta Meta) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := strings.ReplaceAll(uuid.NewString(), "-", "")
	p, err := s.pathFor(ref)
	if err != nil {
		return "", err
	}
	if err := s.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("media: mkdir: %w", err)
	}
	if err := afero.WriteFile(s.fs, p, data, 0o644); err != nil {
		return "", fmt.Errorf("media: write %s: %w", ref, err)
	}
	return ref, nil
}

func (s *FSStore) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.pathFor(ref)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("media: remove %s: %w", ref, err)
	}
	return nil
}

// Exists reports whether a blob is present for ref.
func (s *FSStore) Exists(ref string) (bool, error) {
	p, err := s.pathFor(ref)
	if err != nil {
		return false, err
	}
	return afero.Exists(s.fs, p)
}
