// Package storage addresses stored blobs (USDZ, RoomPlan JSON, GLB) and
// moves bytes in and out of the object store.
package storage

import (
	"strings"
)

// Scheme is the URI scheme for blobs held in object storage.
const Scheme = "supabase"

const schemePrefix = Scheme + "://"

// Kind distinguishes object-store URIs from legacy path strings.
type Kind int

const (
	// KindLegacy is a filesystem-relative path or an already-resolved absolute URL.
	KindLegacy Kind = iota
	// KindObject is a scheme://bucket/objectPath URI.
	KindObject
)

// Location is a parsed blob address. Exactly one of Raw (legacy) or
// Bucket+Path (object) is meaningful, selected by Kind.
type Location struct {
	Kind   Kind
	Bucket string
	Path   string
	Raw    string
}

// IsObject reports whether the location lives in object storage.
func (l Location) IsObject() bool { return l.Kind == KindObject }

// IsRemoteURL reports whether a legacy location is an absolute http(s) URL.
func (l Location) IsRemoteURL() bool {
	return l.Kind == KindLegacy &&
		(strings.HasPrefix(l.Raw, "http://") || strings.HasPrefix(l.Raw, "https://"))
}

// String returns the textual form the location was parsed from.
func (l Location) String() string {
	if l.Kind == KindObject {
		return ToURI(l.Bucket, l.Path)
	}
	return l.Raw
}

// ToURI builds a storage URI. Leading slashes on path are dropped.
func ToURI(bucket, path string) string {
	return schemePrefix + bucket + "/" + strings.TrimLeft(path, "/")
}

// ParseURI splits a storage URI into bucket and object path. The bucket ends
// at the first '/' after the scheme; everything after it is the path.
// It returns false when raw is empty, lacks the scheme prefix, or is missing
// either component; callers treat that as "not a storage object".
func ParseURI(raw string) (bucket, path string, ok bool) {
	if raw == "" || !strings.HasPrefix(raw, schemePrefix) {
		return "", "", false
	}
	rest := raw[len(schemePrefix):]
	i := strings.IndexByte(rest, '/')
	if i <= 0 {
		return "", "", false
	}
	bucket, path = rest[:i], rest[i+1:]
	if path == "" {
		return "", "", false
	}
	return bucket, path, true
}

// Parse converts any stored path string into a Location. Strings that are not
// well-formed storage URIs become legacy locations carrying the raw value.
func Parse(raw string) Location {
	if bucket, path, ok := ParseURI(raw); ok {
		return Location{Kind: KindObject, Bucket: bucket, Path: path, Raw: raw}
	}
	return Location{Kind: KindLegacy, Raw: raw}
}
