package storage

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// bucketMemo remembers which buckets have been provisioned in this process.
// Concurrent first uses of the same bucket share one create call; a failed
// create is not remembered so the next caller tries again.
type bucketMemo struct {
	ensured sync.Map
	group   singleflight.Group
}

func (m *bucketMemo) ensure(ctx context.Context, bucket string, create func(context.Context, string) error) error {
	if _, ok := m.ensured.Load(bucket); ok {
		return nil
	}
	_, err, _ := m.group.Do(bucket, func() (any, error) {
		if _, ok := m.ensured.Load(bucket); ok {
			return nil, nil
		}
		if err := create(ctx, bucket); err != nil {
			return nil, err
		}
		m.ensured.Store(bucket, struct{}{})
		return nil, nil
	})
	return err
}

// forget drops a bucket from the memo, e.g. after the store reports it missing.
func (m *bucketMemo) forget(bucket string) {
	m.ensured.Delete(bucket)
}
