package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Blobs reads blobs wherever a stored path string says they live: object
// storage, the legacy local tree, or a remote absolute URL.
//
// Every read is capped at MaxBytes (zero disables the cap). Remote URLs are
// fetched only when their host is listed in RemoteHosts.
type Blobs struct {
	Objects     ObjectStore
	Files       *LocalFS
	HTTP        *http.Client
	MaxBytes    int64
	RemoteHosts []string
}

// Read fetches the bytes at loc.
func (b *Blobs) Read(ctx context.Context, loc Location) ([]byte, error) {
	switch {
	case loc.IsObject():
		return b.Objects.Download(ctx, loc.Bucket, loc.Path, b.MaxBytes)
	case loc.IsRemoteURL():
		return b.fetchURL(ctx, loc.Raw)
	case b.Files != nil:
		return b.Files.Read(loc.Raw, b.MaxBytes)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnmanaged, loc.Raw)
	}
}

// RemoteAllowed reports whether loc is either not a remote URL or points at
// an allow-listed host.
func (b *Blobs) RemoteAllowed(loc Location) bool {
	if !loc.IsRemoteURL() {
		return true
	}
	u, err := url.Parse(loc.Raw)
	if err != nil {
		return false
	}
	return b.hostAllowed(u)
}

func (b *Blobs) hostAllowed(u *url.URL) bool {
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	for _, h := range b.RemoteHosts {
		if strings.EqualFold(h, u.Host) || strings.EqualFold(h, u.Hostname()) {
			return true
		}
	}
	return false
}

func (b *Blobs) fetchURL(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", rawURL, err)
	}
	if !b.hostAllowed(u) {
		return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, u.Host)
	}

	client := http.DefaultClient
	if b.HTTP != nil {
		client = b.HTTP
	}
	guarded := *client
	guarded.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 5 {
			return errors.New("too many redirects")
		}
		if !b.hostAllowed(req.URL) {
			return fmt.Errorf("%w: %s", ErrHostNotAllowed, req.URL.Host)
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := guarded.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rawURL)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}
	if b.MaxBytes > 0 && resp.ContentLength > b.MaxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, rawURL, resp.ContentLength)
	}
	data, err := readLimited(resp.Body, b.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	return data, nil
}

// DeleteObjects removes paths from one bucket and returns the per-path failures.
func (b *Blobs) DeleteObjects(ctx context.Context, bucket string, paths []string) map[string]error {
	return deleteFailures(b.Objects.Delete(ctx, bucket, paths), paths)
}
