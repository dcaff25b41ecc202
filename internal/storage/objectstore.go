package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a blob does not exist.
	ErrNotFound = errors.New("blob not found")
	// ErrUnmanaged is returned for locations this service does not own,
	// such as absolute URLs on another host.
	ErrUnmanaged = errors.New("blob location not managed")
	// ErrTooLarge is returned when a blob exceeds the caller's read limit.
	ErrTooLarge = errors.New("blob exceeds size limit")
	// ErrHostNotAllowed is returned for remote URLs outside the allowed hosts.
	ErrHostNotAllowed = errors.New("remote host not allowed")
)

// readLimited reads at most limit bytes from r. A limit of zero or less
// reads everything.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return data, nil
}

// ObjectStore moves buffers in and out of bucketed object storage.
// Implementations must be safe for concurrent use.
type ObjectStore interface {
	// Upload writes data at (bucket, path), replacing any previous content.
	// The bucket is created on first use.
	Upload(ctx context.Context, bucket, path string, data []byte, contentType string, meta map[string]string) error
	// Download returns the bytes at (bucket, path) or ErrNotFound. Objects
	// larger than maxBytes fail with ErrTooLarge before their body is read;
	// zero means no limit.
	Download(ctx context.Context, bucket, path string, maxBytes int64) ([]byte, error)
	// Delete removes every path it can. A non-nil error is a *DeleteError
	// listing the paths that could not be removed.
	Delete(ctx context.Context, bucket string, paths []string) error
	// SignedURL returns a time-limited download URL.
	SignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// DeleteError reports the paths a bulk delete could not remove.
type DeleteError struct {
	Bucket string
	Failed map[string]error
}

func (e *DeleteError) Error() string {
	paths := make([]string, 0, len(e.Failed))
	for p := range e.Failed {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return fmt.Sprintf("delete from bucket %s failed for %d path(s): %s",
		e.Bucket, len(paths), strings.Join(paths, ", "))
}

// PathError returns the failure recorded for path, if any.
func (e *DeleteError) PathError(path string) error {
	if e == nil {
		return nil
	}
	return e.Failed[path]
}

// deleteFailures converts an error returned by ObjectStore.Delete into a
// per-path map. A plain error is attributed to every path.
func deleteFailures(err error, paths []string) map[string]error {
	if err == nil {
		return nil
	}
	var de *DeleteError
	if errors.As(err, &de) {
		return de.Failed
	}
	failed := make(map[string]error, len(paths))
	for _, p := range paths {
		failed[p] = err
	}
	return failed
}
