// Package memory provides an in-process ObjectStore for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kiranshivaraju/roomscan/internal/storage"
)

// Object is a stored blob.
type Object struct {
	Data        []byte
	ContentType string
	Meta        map[string]string
}

// Store is a map-backed storage.ObjectStore. Failure fields let tests
// simulate upstream errors.
type Store struct {
	mu      sync.Mutex
	objects map[string]map[string]Object
	uploads []string

	// UploadErr, when set, fails every Upload.
	UploadErr error
	// DeleteErrs fails Delete for the listed "bucket/path" keys.
	DeleteErrs map[string]error
	// SignErr, when set, fails every SignedURL.
	SignErr error
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{objects: make(map[string]map[string]Object), DeleteErrs: make(map[string]error)}
}

// Put seeds an object without recording an upload.
func (s *Store) Put(bucket, path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket(bucket)[path] = Object{Data: append([]byte(nil), data...)}
}

// Get returns a stored object.
func (s *Store) Get(bucket, path string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[bucket][path]
	return obj, ok
}

// Uploads returns "bucket/path" for every successful Upload, in order.
func (s *Store) Uploads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.uploads...)
}

// Count returns the number of objects in a bucket.
func (s *Store) Count(bucket string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects[bucket])
}

func (s *Store) Ping(_ context.Context) error { return nil }

func (s *Store) Upload(_ context.Context, bucket, path string, data []byte, contentType string, meta map[string]string) error {
	if s.UploadErr != nil {
		return s.UploadErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket(bucket)[path] = Object{Data: append([]byte(nil), data...), ContentType: contentType, Meta: meta}
	s.uploads = append(s.uploads, bucket+"/"+path)
	return nil
}

func (s *Store) Download(_ context.Context, bucket, path string, maxBytes int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[bucket][path]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", storage.ErrNotFound, bucket, path)
	}
	if maxBytes > 0 && int64(len(obj.Data)) > maxBytes {
		return nil, fmt.Errorf("%w: %s/%s", storage.ErrTooLarge, bucket, path)
	}
	return append([]byte(nil), obj.Data...), nil
}

func (s *Store) Delete(_ context.Context, bucket string, paths []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	failed := make(map[string]error)
	for _, p := range paths {
		if err := s.DeleteErrs[bucket+"/"+p]; err != nil {
			failed[p] = err
			continue
		}
		delete(s.objects[bucket], p)
	}
	if len(failed) > 0 {
		return &storage.DeleteError{Bucket: bucket, Failed: failed}
	}
	return nil
}

func (s *Store) SignedURL(_ context.Context, bucket, path string, ttl time.Duration) (string, error) {
	if s.SignErr != nil {
		return "", s.SignErr
	}
	return fmt.Sprintf("https://signed.test/%s/%s?ttl=%d", bucket, path, int(ttl.Seconds())), nil
}

func (s *Store) bucket(name string) map[string]Object {
	b, ok := s.objects[name]
	if !ok {
		b = make(map[string]Object)
		s.objects[name] = b
	}
	return b
}

// Compile-time check that Store implements storage.ObjectStore.
var _ storage.ObjectStore = (*Store)(nil)
