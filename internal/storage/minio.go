package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/kiranshivaraju/roomscan/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore implements ObjectStore against any S3-compatible endpoint
// (Supabase Storage, MinIO, AWS S3) using minio-go.
type MinioStore struct {
	client *minio.Client
	region string
	memo   bucketMemo
}

// NewMinioStore creates a MinioStore. No network call is made until first use.
func NewMinioStore(cfg config.StorageConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return &MinioStore{client: client, region: cfg.Region}, nil
}

// Ping checks that the endpoint answers authenticated requests.
func (s *MinioStore) Ping(ctx context.Context) error {
	_, err := s.client.ListBuckets(ctx)
	return err
}

func (s *MinioStore) Upload(ctx context.Context, bucket, path string, data []byte, contentType string, meta map[string]string) error {
	if err := s.memo.ensure(ctx, bucket, s.createBucket); err != nil {
		return fmt.Errorf("ensure bucket %s: %w", bucket, err)
	}
	_, err := s.client.PutObject(ctx, bucket, path, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: meta,
	})
	if err != nil {
		if isMissingBucket(err) {
			s.memo.forget(bucket)
		}
		return fmt.Errorf("put object %s/%s: %w", bucket, path, err)
	}
	return nil
}

func (s *MinioStore) Download(ctx context.Context, bucket, path string, maxBytes int64) ([]byte, error) {
	if maxBytes > 0 {
		info, err := s.client.StatObject(ctx, bucket, path, minio.StatObjectOptions{})
		if err != nil {
			return nil, classifyMinioError(err, bucket, path)
		}
		if info.Size > maxBytes {
			return nil, fmt.Errorf("%w: %s/%s is %d bytes", ErrTooLarge, bucket, path, info.Size)
		}
	}
	obj, err := s.client.GetObject(ctx, bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyMinioError(err, bucket, path)
	}
	defer obj.Close()

	data, err := readLimited(obj, maxBytes)
	if errors.Is(err, ErrTooLarge) {
		return nil, fmt.Errorf("%s/%s: %w", bucket, path, err)
	}
	if err != nil {
		return nil, classifyMinioError(err, bucket, path)
	}
	return data, nil
}

func (s *MinioStore) Delete(ctx context.Context, bucket string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	objects := make(chan minio.ObjectInfo, len(paths))
	for _, p := range paths {
		objects <- minio.ObjectInfo{Key: p}
	}
	close(objects)

	failed := make(map[string]error)
	for rErr := range s.client.RemoveObjects(ctx, bucket, objects, minio.RemoveObjectsOptions{}) {
		failed[rErr.ObjectName] = rErr.Err
	}
	if len(failed) > 0 {
		return &DeleteError{Bucket: bucket, Failed: failed}
	}
	return nil
}

func (s *MinioStore) SignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", nil
	}
	u, err := s.client.PresignedGetObject(ctx, bucket, path, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s/%s: %w", bucket, path, err)
	}
	return u.String(), nil
}

// createBucket makes the bucket if it is missing. Losing a creation race to
// another process is success.
func (s *MinioStore) createBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	err = s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region})
	if err != nil {
		switch minio.ToErrorResponse(err).Code {
		case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
			return nil
		}
		return err
	}
	slog.Info("bucket created", "bucket", bucket)
	return nil
}

func isMissingBucket(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchBucket"
}

func classifyMinioError(err error, bucket, path string) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, path)
	}
	return fmt.Errorf("get object %s/%s: %w", bucket, path, err)
}

// Compile-time check that MinioStore implements ObjectStore.
var _ ObjectStore = (*MinioStore)(nil)
