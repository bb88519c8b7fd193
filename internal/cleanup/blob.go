package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// BlobStore deletes stored image attachments. The production deployment
// fronts an object store; local and test deployments use the filesystem.
type BlobStore interface {
	Delete(ctx context.Context, path string) error
}

// FSBlobStore deletes attachment files under a root directory.
type FSBlobStore struct {
	Root string
}

// Delete removes the blob at path relative to the root. A missing file is
// not an error: the blob may have been removed by an earlier delivery of the
// same event.
func (s *FSBlobStore) Delete(_ context.Context, path string) error {
	clean := filepath.Clean("/" + path)
	full := filepath.Join(s.Root, clean)
	if !strings.HasPrefix(full, filepath.Clean(s.Root)+string(os.PathSeparator)) {
		return errors.New("cleanup: blob path escapes root")
	}

	err := os.Remove(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
