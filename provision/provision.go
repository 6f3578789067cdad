// Package provision makes sure the model artifact is present on local disk
// before it is loaded, downloading it once from a blob host when missing.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
)

// DefaultMinBytes is the smallest artifact accepted as not truncated.
const DefaultMinBytes = 100 * 1024

var (
	ErrFetch    = errors.New("artifact fetch failed")
	ErrNotFound = errors.New("artifact not found")
	ErrCorrupt  = errors.New("artifact corrupt")
)

// Source describes where a missing artifact is downloaded from.
type Source struct {
	URL    string
	FileID string
}

// Artifact is a validated model file on local storage.
type Artifact struct {
	Path    string
	Size    int64
	Fetched bool
}

type options struct {
	client   *http.Client
	minBytes int64
	logger   *slog.Logger
}

type Option func(*options)

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

func WithMinBytes(n int64) Option {
	return func(o *options) { o.minBytes = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// EnsureLocal returns the artifact at path, fetching it from src first if the
// file does not exist. An existing file is never re-downloaded, even when it
// fails validation.
func EnsureLocal(ctx context.Context, path string, src Source, opts ...Option) (*Artifact, error) {
	o := options{
		client:   http.DefaultClient,
		minBytes: DefaultMinBytes,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	fetched := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		o.logger.Info("Model artifact missing, downloading",
			slog.String("path", path),
			slog.String("file_id", src.FileID))
		n, err := download(ctx, o.client, src, path)
		if err != nil {
			return nil, err
		}
		o.logger.Info("Model artifact downloaded",
			slog.String("path", path),
			slog.Int64("bytes", n))
		fetched = true
	} else if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", ErrNotFound, path, err)
	}

	size, err := Validate(path, o.minBytes)
	if err != nil {
		return nil, err
	}
	return &Artifact{Path: path, Size: size, Fetched: fetched}, nil
}

// Validate checks that path is a regular file of at least minBytes.
func Validate(path string, minBytes int64) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrNotFound, path, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%w: %s is a directory", ErrNotFound, path)
	}
	if info.Size() < minBytes {
		return info.Size(), fmt.Errorf("%w: %s is %d bytes, expected at least %d (probably truncated)",
			ErrCorrupt, path, info.Size(), minBytes)
	}
	return info.Size(), nil
}
