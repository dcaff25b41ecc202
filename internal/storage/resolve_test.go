package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kiranshivaraju/roomscan/internal/storage"
	"github.com/kiranshivaraju/roomscan/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const publicBase = "https://project.supabase.co/storage/v1/object/public"

func TestResolve_ObjectURI(t *testing.T) {
	r := storage.NewResolver(publicBase+"/", memory.NewStore(), time.Hour)

	res := r.Resolve(context.Background(), "supabase://scans/u1/room-1/a.usdz")
	require.NotNil(t, res.PublicURL)
	assert.Equal(t, publicBase+"/scans/u1/room-1/a.usdz", *res.PublicURL)
	require.NotNil(t, res.SignedURL)
	assert.Equal(t, "https://signed.test/scans/u1/room-1/a.usdz?ttl=3600", *res.SignedURL)
	assert.Equal(t, "scans", res.Bucket)
	assert.Equal(t, "u1/room-1/a.usdz", res.ObjectPath)
}

func TestResolve_RecoversBucketAndPath(t *testing.T) {
	r := storage.NewResolver(publicBase, nil, 0)
	res := r.Resolve(context.Background(), storage.ToURI("room-scans", "a/b/c.glb"))
	assert.Equal(t, "room-scans", res.Bucket)
	assert.Equal(t, "a/b/c.glb", res.ObjectPath)
}

func TestResolve_EscapesPathSegments(t *testing.T) {
	r := storage.NewResolver(publicBase, nil, 0)
	res := r.Resolve(context.Background(), "supabase://scans/my room/scan #1.usdz")
	require.NotNil(t, res.PublicURL)
	assert.Equal(t, publicBase+"/scans/my%20room/scan%20%231.usdz", *res.PublicURL)
}

func TestResolve_ZeroTTLDisablesSigning(t *testing.T) {
	r := storage.NewResolver(publicBase, memory.NewStore(), 0)
	res := r.Resolve(context.Background(), "supabase://scans/a.usdz")
	assert.NotNil(t, res.PublicURL)
	assert.Nil(t, res.SignedURL)
}

func TestResolve_SignerFailureDegrades(t *testing.T) {
	objects := memory.NewStore()
	objects.SignErr = errors.New("sign failed")
	r := storage.NewResolver(publicBase, objects, time.Minute)

	res := r.Resolve(context.Background(), "supabase://scans/a.usdz")
	assert.NotNil(t, res.PublicURL)
	assert.Nil(t, res.SignedURL)
}

func TestResolve_LegacyPassThrough(t *testing.T) {
	r := storage.NewResolver(publicBase, memory.NewStore(), time.Minute)
	for _, raw := range []string{"uploads/scan.usdz", "https://cdn.example.com/scan.glb"} {
		res := r.Resolve(context.Background(), raw)
		require.NotNil(t, res.PublicURL)
		assert.Equal(t, raw, *res.PublicURL)
		assert.Nil(t, res.SignedURL)
		assert.Empty(t, res.Bucket)
	}
}

func TestResolve_Empty(t *testing.T) {
	r := storage.NewResolver(publicBase, memory.NewStore(), time.Minute)
	assert.Equal(t, storage.Resolved{}, r.Resolve(context.Background(), ""))
}
