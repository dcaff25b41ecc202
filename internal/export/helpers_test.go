package export_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/kiranshivaraju/roomscan/internal/cache"
	"github.com/kiranshivaraju/roomscan/internal/convert"
	"github.com/kiranshivaraju/roomscan/internal/export"
	"github.com/kiranshivaraju/roomscan/internal/notify"
	"github.com/kiranshivaraju/roomscan/internal/storage"
	objmem "github.com/kiranshivaraju/roomscan/internal/storage/memory"
	"github.com/kiranshivaraju/roomscan/internal/store/memory"
	"github.com/kiranshivaraju/roomscan/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const publicBase = "https://cdn.test/storage/v1/object/public"

// recordingDispatcher records enqueued ids and never runs them.
type recordingDispatcher struct {
	mu  sync.Mutex
	ids []uuid.UUID
	Err error
}

func (d *recordingDispatcher) Enqueue(_ context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	d.ids = append(d.ids, id)
	return nil
}

func (d *recordingDispatcher) Close() error { return nil }

func (d *recordingDispatcher) Enqueued() []uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uuid.UUID(nil), d.ids...)
}

type harness struct {
	svc        *export.Service
	store      *memory.Store
	objects    *objmem.Store
	files      *storage.LocalFS
	notifier   *notify.Local
	cache      *cache.Memory
	dispatcher *recordingDispatcher
}

func newHarness(t *testing.T, conv convert.Converter, opts ...func(*export.Config)) *harness {
	t.Helper()
	h := &harness{
		store:      memory.New(),
		objects:    objmem.NewStore(),
		files:      storage.NewLocalFS(t.TempDir()),
		notifier:   notify.NewLocal(),
		cache:      cache.NewMemory(),
		dispatcher: &recordingDispatcher{},
	}
	cfg := export.Config{
		MaxFileSize:    10 << 20,
		EnableFallback: true,
		UploadBucket:   "room-scans",
		WaitTimeout:    5 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.svc = export.NewService(export.Deps{
		Store:      h.store,
		Blobs: &storage.Blobs{
			Objects:     h.objects,
			Files:       h.files,
			MaxBytes:    cfg.MaxFileSize,
			RemoteHosts: []string{"cdn.test", "elsewhere.test"},
		},
		Resolver:   storage.NewResolver(publicBase, h.objects, time.Hour),
		Converter:  conv,
		Dispatcher: h.dispatcher,
		Notifier:   h.notifier,
		Cache:      h.cache,
	}, cfg)
	return h
}

// writeLegacy creates a file under the legacy root.
func (h *harness) writeLegacy(t *testing.T, rel string, data []byte) {
	t.Helper()
	full := filepath.Join(h.files.Root(), filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, data, 0o644))
}

func (h *harness) glbUploads() []string {
	var out []string
	for _, u := range h.objects.Uploads() {
		if filepath.Ext(u) == ".glb" {
			out = append(out, u)
		}
	}
	return out
}

func packUSDZ(t *testing.T, name string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func convertFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "convert", "testdata", name))
	require.NoError(t, err)
	return data
}

func roomUSDZ(t *testing.T) []byte {
	return packUSDZ(t, "room.usda", convertFixture(t, "room.usda"))
}

// assertStatusInvariant checks that glb_path is set only when ready and
// error is set only when failed.
func assertStatusInvariant(t *testing.T, e *models.Export) {
	t.Helper()
	assert.Equal(t, e.Status == models.ExportStatusReady, e.GLBPath != nil, "glb_path iff ready")
	assert.Equal(t, e.Status == models.ExportStatusFailed, e.Error != nil, "error iff failed")
}

func strPtr(s string) *string { return &s }
