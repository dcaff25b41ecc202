package storage

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// URLSigner issues time-limited download URLs.
type URLSigner interface {
	SignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error)
}

// Resolved holds the access URLs for a stored blob. Fields are nil when the
// corresponding URL could not or should not be produced.
type Resolved struct {
	PublicURL  *string `json:"public_url,omitempty"`
	SignedURL  *string `json:"signed_url,omitempty"`
	Bucket     string  `json:"bucket,omitempty"`
	ObjectPath string  `json:"object_path,omitempty"`
}

// Resolver turns stored path strings into URLs a browser can fetch.
type Resolver struct {
	publicBase string
	signer     URLSigner
	ttl        time.Duration
}

// NewResolver creates a Resolver. publicBase is the prefix that public object
// URLs hang off (bucket and path are appended). A zero ttl or nil signer
// disables signed-URL issuance.
func NewResolver(publicBase string, signer URLSigner, ttl time.Duration) *Resolver {
	return &Resolver{
		publicBase: strings.TrimRight(publicBase, "/"),
		signer:     signer,
		ttl:        ttl,
	}
}

// PublicURL derives the public URL of an object. It is a pure function of
// the configured base, the bucket and the path.
func (r *Resolver) PublicURL(bucket, path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return r.publicBase + "/" + url.PathEscape(bucket) + "/" + strings.Join(segments, "/")
}

// Resolve never fails: malformed or empty input yields an empty Resolved,
// legacy paths pass through unchanged as the public URL, and signing
// failures leave SignedURL nil.
func (r *Resolver) Resolve(ctx context.Context, raw string) Resolved {
	if raw == "" {
		return Resolved{}
	}
	loc := Parse(raw)
	if !loc.IsObject() {
		return Resolved{PublicURL: &raw}
	}

	public := r.PublicURL(loc.Bucket, loc.Path)
	res := Resolved{
		PublicURL:  &public,
		Bucket:     loc.Bucket,
		ObjectPath: loc.Path,
	}
	if r.ttl <= 0 || r.signer == nil {
		return res
	}

	signed, err := r.signer.SignedURL(ctx, loc.Bucket, loc.Path, r.ttl)
	if err != nil {
		slog.Warn("signed url unavailable", "bucket", loc.Bucket, "path", loc.Path, "error", err)
		return res
	}
	if signed != "" {
		res.SignedURL = &signed
	}
	return res
}
