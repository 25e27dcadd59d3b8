package serv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/wildoasis/dashcache/core"
)

// FSBlobStore writes blobs below a root directory, one directory per
// bucket. With a public URL the returned paths are URLs under it,
// otherwise they are file paths.
type FSBlobStore struct {
	fs        afero.Fs
	root      string
	publicURL string
}

// NewFSBlobStore creates a blob store on fs
func NewFSBlobStore(fs afero.Fs, root, publicURL string) *FSBlobStore {
	return &FSBlobStore{
		fs:        fs,
		root:      root,
		publicURL: strings.TrimRight(publicURL, "/"),
	}
}

func (s *FSBlobStore) file(bucket, path string) (string, error) {
	if bucket == "" || path == "" {
		return "", fmt.Errorf("blob bucket and path are required")
	}
	if strings.ContainsAny(bucket+path, `/\`) || bucket == ".." || path == ".." {
		return "", fmt.Errorf("invalid blob path: %s/%s", bucket, path)
	}
	return filepath.Join(s.root, bucket, path), nil
}

// Upload writes blob to root/bucket/path. An existing blob is an error.
func (s *FSBlobStore) Upload(ctx context.Context, bucket, path string, blob core.Blob) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fn, err := s.file(bucket, path)
	if err != nil {
		return err
	}

	if err := s.fs.MkdirAll(filepath.Dir(fn), 0o755); err != nil {
		return err
	}

	f, err := s.fs.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("upload %s/%s: %w", bucket, path, err)
	}

	if _, err := f.Write(blob.Data); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("upload %s/%s: %w", bucket, path, err)
	}
	return f.Close()
}

// PublicPath returns where the blob can be read from
func (s *FSBlobStore) PublicPath(bucket, path string) string {
	if s.publicURL != "" {
		return s.publicURL + "/" + bucket + "/" + path
	}
	return filepath.Join(s.root, bucket, path)
}
