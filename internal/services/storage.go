package services

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/halcyard/runloom/pkg/schema"
)

// LocalObjectStorage keeps run artifacts on the local filesystem. Object
// keys are randomized so repeated uploads of the same file never collide.
type LocalObjectStorage struct {
	dir    string
	client *http.Client
}

// NewLocalObjectStorage creates the storage root if needed.
func NewLocalObjectStorage(dir string) (*LocalObjectStorage, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid storage dir %q: %v", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "create storage dir %s: %v", abs, err).WithCause(err)
	}
	return &LocalObjectStorage{
		dir:    abs,
		client: &http.Client{Timeout: defaultFetchTimeout},
	}, nil
}

// Upload copies the file at path into the store and returns its URI.
func (s *LocalObjectStorage) Upload(_ context.Context, path string) (string, error) {
	src, err := filepath.Abs(path)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid path %q: %v", path, err)
	}
	dst := filepath.Join(s.dir, uuid.NewString()+"_"+filepath.Base(src))
	if err := copyFile(src, dst); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution, "upload %s: %v", src, err).WithCause(err)
	}
	return "file://" + dst, nil
}

// Download fetches rawURL into the store and returns the local path.
// Supported schemes are http, https and file.
func (s *LocalObjectStorage) Download(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid url %q: %v", rawURL, err)
	}

	dst := filepath.Join(s.dir, uuid.NewString()+"_"+filepath.Base(u.Path))

	switch u.Scheme {
	case "file":
		if err := copyFile(u.Path, dst); err != nil {
			return "", schema.NewErrorf(schema.ErrCodeExecution, "download %s: %v", rawURL, err).WithCause(err)
		}
		return dst, nil
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeExecution, "download %s: %v", rawURL, err).WithCause(err)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeExecution, "download %s: %v", rawURL, err).WithCause(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return "", schema.NewErrorf(schema.ErrCodeExecution, "download %s: server returned %d", rawURL, resp.StatusCode)
		}
		if err := writeFile(dst, resp.Body); err != nil {
			return "", schema.NewErrorf(schema.ErrCodeExecution, "download %s: %v", rawURL, err).WithCause(err)
		}
		return dst, nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation, "unsupported url scheme %q", u.Scheme)
	}
}

func copyFile(src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	return writeFile(dst, f)
}

func writeFile(dst string, r io.Reader) error {
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
