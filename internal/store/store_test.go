package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/roomscan/internal/store"
	"github.com/kiranshivaraju/roomscan/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("roomscan_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func newExport(sceneID string) *models.Export {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Export{
		ID:        uuid.New(),
		SceneID:   sceneID,
		USDZPath:  "supabase://scans/u1/" + sceneID + "/a.usdz",
		Status:    models.ExportStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// --- Filter ---

func TestExportFilter_Normalize(t *testing.T) {
	tests := []struct {
		name       string
		page       int
		limit      int
		wantLimit  int
		wantOffset int
	}{
		{"defaults", 0, 0, 20, 0},
		{"clamped", 1, 500, 100, 0},
		{"third page", 3, 10, 10, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := store.ExportFilter{Page: tt.page, Limit: tt.limit}
			limit, offset := f.Normalize()
			assert.Equal(t, tt.wantLimit, limit)
			assert.Equal(t, tt.wantOffset, offset)
			assert.GreaterOrEqual(t, f.Page, 1)
		})
	}
}

func TestExportFilter_Matches(t *testing.T) {
	owner := uuid.New()
	e := newExport("room-1")
	e.UserID = &owner

	assert.True(t, store.ExportFilter{}.Matches(e))
	assert.True(t, store.ExportFilter{UserID: &owner, SceneID: "room-1"}.Matches(e))
	other := uuid.New()
	assert.False(t, store.ExportFilter{UserID: &other}.Matches(e))
	assert.False(t, store.ExportFilter{SceneID: "room-2"}.Matches(e))
	assert.False(t, store.ExportFilter{Status: models.ExportStatusReady}.Matches(e))
}

// --- Export Tests ---

func TestExport_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	owner := uuid.New()
	jsonPath := "supabase://scans/u1/room-1/a.json"
	e := newExport("room-1")
	e.UserID = &owner
	e.JSONPath = &jsonPath
	require.NoError(t, s.CreateExport(ctx, e))

	got, err := s.GetExport(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, models.ExportStatusQueued, got.Status)
	assert.Equal(t, owner, *got.UserID)
	assert.Equal(t, jsonPath, *got.JSONPath)
	assert.Nil(t, got.GLBPath)
	assert.Nil(t, got.Error)

	assert.ErrorIs(t, s.CreateExport(ctx, e), store.ErrDuplicateKey)
}

func TestExport_GetNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))

	_, err := s.GetExport(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExport_Lifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	e := newExport("room-1")
	require.NoError(t, s.CreateExport(ctx, e))

	claimed, err := s.ClaimExport(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExportStatusProcessing, claimed.Status)
	assert.True(t, !claimed.UpdatedAt.Before(e.UpdatedAt))

	// A second claim while processing must not succeed.
	_, err = s.ClaimExport(ctx, e.ID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	failed, err := s.FailExport(ctx, e.ID, "The scan file is too large.")
	require.NoError(t, err)
	assert.Equal(t, models.ExportStatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Nil(t, failed.GLBPath)

	// failed -> processing is the retry path and clears the error.
	retried, err := s.ClaimExport(ctx, e.ID)
	require.NoError(t, err)
	assert.Nil(t, retried.Error)

	ready, err := s.CompleteExport(ctx, e.ID, "supabase://scans/u1/room-1/x.glb")
	require.NoError(t, err)
	assert.Equal(t, models.ExportStatusReady, ready.Status)
	require.NotNil(t, ready.GLBPath)
	assert.Nil(t, ready.Error)

	_, err = s.ClaimExport(ctx, e.ID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	_, err = s.FailExport(ctx, e.ID, "late failure")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	_, err = s.CompleteExport(ctx, uuid.New(), "x")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExport_CompleteRequiresProcessing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	e := newExport("room-1")
	require.NoError(t, s.CreateExport(ctx, e))

	_, err := s.CompleteExport(ctx, e.ID, "supabase://scans/x.glb")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	got, err := s.GetExport(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExportStatusQueued, got.Status)
	assert.Nil(t, got.GLBPath)
}

func TestExport_CheckConstraints(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))

	e := newExport("room-1")
	e.Status = models.ExportStatusReady
	assert.Error(t, s.CreateExport(context.Background(), e), "ready without glb_path")

	msg := "boom"
	e = newExport("room-1")
	e.Error = &msg
	assert.Error(t, s.CreateExport(context.Background(), e), "error on a queued export")
}

func TestExport_ConcurrentClaim(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	e := newExport("room-1")
	require.NoError(t, s.CreateExport(ctx, e))

	const workers = 8
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			_, err := s.ClaimExport(ctx, e.ID)
			results <- err
		}()
	}

	won := 0
	for i := 0; i < workers; i++ {
		if err := <-results; err == nil {
			won++
		} else {
			assert.ErrorIs(t, err, store.ErrInvalidTransition)
		}
	}
	assert.Equal(t, 1, won)
}

func TestExport_List(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	owner := uuid.New()
	for i := 0; i < 3; i++ {
		e := newExport("room-1")
		e.UserID = &owner
		e.CreatedAt = e.CreatedAt.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.CreateExport(ctx, e))
	}
	require.NoError(t, s.CreateExport(ctx, newExport("room-2")))

	exports, total, err := s.ListExports(ctx, store.ExportFilter{UserID: &owner, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, exports, 2)
	assert.True(t, exports[0].CreatedAt.After(exports[1].CreatedAt))

	exports, total, err = s.ListExports(ctx, store.ExportFilter{SceneID: "room-2"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, exports, 1)

	exports, total, err = s.ListExports(ctx, store.ExportFilter{SceneID: "missing"})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, exports)
}

func TestExport_Delete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	e := newExport("room-1")
	require.NoError(t, s.CreateExport(ctx, e))

	require.NoError(t, s.DeleteExport(ctx, e.ID))
	_, err := s.GetExport(ctx, e.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteExport(ctx, e.ID), store.ErrNotFound)
}

// --- Asset Tests ---

func TestAsset_UpsertConverges(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	e := newExport("room-1")
	require.NoError(t, s.CreateExport(ctx, e))

	now := time.Now().UTC().Truncate(time.Microsecond)
	first, err := s.UpsertAsset(ctx, &models.Asset{
		ID: uuid.New(), ExportID: e.ID, Kind: models.AssetKindGLB,
		Path: "supabase://scans/a.glb", SizeBytes: 10, Digest: "aa", CreatedAt: now,
	})
	require.NoError(t, err)

	second, err := s.UpsertAsset(ctx, &models.Asset{
		ID: uuid.New(), ExportID: e.ID, Kind: models.AssetKindGLB,
		Path: "supabase://scans/a.glb", SizeBytes: 12, Digest: "bb", CreatedAt: now,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(12), second.SizeBytes)

	assets, err := s.ListAssets(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, "bb", assets[0].Digest)

	n, err := s.DeleteAssets(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAsset_UnknownExport(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))

	_, err := s.UpsertAsset(context.Background(), &models.Asset{
		ID: uuid.New(), ExportID: uuid.New(), Kind: models.AssetKindGLB,
		Path: "x", Digest: "d", CreatedAt: time.Now().UTC(),
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAsset_CascadeOnExportDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	e := newExport("room-1")
	require.NoError(t, s.CreateExport(ctx, e))
	_, err := s.UpsertAsset(ctx, &models.Asset{
		ID: uuid.New(), ExportID: e.ID, Kind: models.AssetKindGLB,
		Path: "supabase://scans/a.glb", SizeBytes: 1, Digest: "d", CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteExport(ctx, e.ID))
	assets, err := s.ListAssets(ctx, e.ID)
	require.NoError(t, err)
	assert.Empty(t, assets)
}
