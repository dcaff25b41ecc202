package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/roomscan/internal/convert"
	"github.com/kiranshivaraju/roomscan/internal/notify"
	"github.com/kiranshivaraju/roomscan/internal/storage"
	"github.com/kiranshivaraju/roomscan/internal/store"
	"github.com/kiranshivaraju/roomscan/pkg/models"
	"golang.org/x/sync/errgroup"
)

const glbContentType = "model/gltf-binary"

// User-facing failure messages for errors outside the conversion engine.
const (
	msgSourceUnavailable = "The scan file could not be read from storage."
	msgStoreFailed       = "The converted model could not be saved."
	msgUnexpected        = "The export failed unexpectedly."
)

// ProcessResult is the outcome of one Process call.
type ProcessResult struct {
	Export *models.Export `json:"export"`
	// Skipped is set when another invocation already owns or finished the
	// export. Export then holds its current state.
	Skipped bool   `json:"skipped,omitempty"`
	Success bool   `json:"success"`
	GLBPath string `json:"glbPath,omitempty"`
	GLBURL  string `json:"glbUrl,omitempty"`
	Error   string `json:"error,omitempty"`
	// Code is the engine's failure code, empty for storage failures.
	Code    convert.Code  `json:"code,omitempty"`
	Warning string        `json:"warning,omitempty"`
	Stats   convert.Stats `json:"stats"`
}

// Process converts one export. It claims the export with a conditional
// update, so concurrent or repeated calls for the same id convert it at
// most once per claim. Once claimed, the export always ends ready or failed
// even when ctx is cancelled or the conversion panics.
//
// A nil error means the export record holds the outcome.
func (s *Service) Process(ctx context.Context, id uuid.UUID) (res *ProcessResult, err error) {
	claimed, err := s.store.ClaimExport(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		return s.skipped(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("claiming export: %w", err)
	}

	persist := context.WithoutCancel(ctx)
	s.invalidate(persist, claimed)
	s.publish(persist, claimed)
	slog.Info("export processing", "export_id", id, "usdz_path", claimed.USDZPath)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in export processing", "error", fmt.Sprint(r), "export_id", id)
			res, err = s.fail(persist, claimed, msgUnexpected, "")
		}
	}()

	return s.run(ctx, persist, claimed)
}

func (s *Service) run(ctx, persist context.Context, e *models.Export) (*ProcessResult, error) {
	started := time.Now()
	source := storage.Parse(e.USDZPath)

	usdz, sidecar, err := s.fetchSources(ctx, e, source)
	if errors.Is(err, storage.ErrTooLarge) {
		slog.Warn("scan exceeds size limit", "export_id", e.ID, "usdz_path", e.USDZPath, "error", err)
		cerr := convert.ExceedsLimit(s.blobs.MaxBytes)
		return s.fail(persist, e, cerr.Message, cerr.Code)
	}
	if err != nil {
		slog.Warn("fetching scan failed", "export_id", e.ID, "usdz_path", e.USDZPath, "error", err)
		return s.fail(persist, e, msgSourceUnavailable, "")
	}

	result := s.converter.Convert(usdz, sourceName(source), convert.Options{
		MaxFileSize:    s.cfg.MaxFileSize,
		EnableFallback: s.cfg.EnableFallback,
		RoomPlanJSON:   sidecar,
	})
	if !result.Success {
		cerr := result.Err
		if cerr == nil {
			cerr = &convert.Error{Code: convert.CodeUnknown, Message: msgUnexpected}
		}
		slog.Warn("conversion failed", "export_id", e.ID, "code", cerr.Code, "error", cerr.Error())
		res, err := s.fail(persist, e, cerr.Message, cerr.Code)
		if res != nil {
			res.Stats = result.Stats
		}
		return res, err
	}

	bucket, objectPath := s.glbLocation(e, source)
	meta := map[string]string{"export-id": e.ID.String(), "digest": result.Digest}
	if err := s.blobs.Objects.Upload(ctx, bucket, objectPath, result.GLB, glbContentType, meta); err != nil {
		slog.Warn("uploading glb failed", "export_id", e.ID, "bucket", bucket, "path", objectPath, "error", err)
		return s.fail(persist, e, msgStoreFailed, "")
	}
	glbURI := storage.ToURI(bucket, objectPath)

	_, err = s.store.UpsertAsset(persist, &models.Asset{
		ID:        uuid.New(),
		ExportID:  e.ID,
		Kind:      models.AssetKindGLB,
		Path:      glbURI,
		SizeBytes: int64(len(result.GLB)),
		Digest:    result.Digest,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("recording glb asset failed", "export_id", e.ID, "error", err)
	}

	ready, err := s.store.CompleteExport(persist, e.ID, glbURI)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Deleted while converting: the new blob has no owner.
			s.blobs.DeleteObjects(persist, bucket, []string{objectPath})
			return nil, ErrNotFound
		}
		slog.Warn("completing export failed", "export_id", e.ID, "error", err)
		return s.fail(persist, e, msgStoreFailed, "")
	}
	s.invalidate(persist, ready)
	s.publish(persist, ready)

	slog.Info("export ready", "export_id", e.ID, "glb_path", glbURI,
		"triangles", result.Stats.Triangles, "fallback", result.Stats.Fallback,
		"duration_ms", time.Since(started).Milliseconds())

	res := &ProcessResult{
		Export:  ready,
		Success: true,
		GLBPath: glbURI,
		Warning: result.Warning,
		Stats:   result.Stats,
	}
	if s.resolver != nil {
		res.GLBURL = s.resolver.PublicURL(bucket, objectPath)
	}
	return res, nil
}

// fetchSources reads the USDZ and, when recorded, the RoomPlan sidecar in
// parallel. A sidecar that cannot be read is dropped; only the USDZ is
// required.
func (s *Service) fetchSources(ctx context.Context, e *models.Export, source storage.Location) (usdz, sidecar []byte, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		data, err := s.blobs.Read(gctx, source)
		if err != nil {
			return fmt.Errorf("reading %s: %w", source, err)
		}
		usdz = data
		return nil
	})
	if e.JSONPath != nil {
		loc := storage.Parse(*e.JSONPath)
		g.Go(func() error {
			data, err := s.blobs.Read(gctx, loc)
			if err != nil {
				slog.Warn("roomplan sidecar unavailable", "export_id", e.ID, "json_path", loc.Raw, "error", err)
				return nil
			}
			sidecar = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return usdz, sidecar, nil
}

// glbLocation places the GLB next to an object-stored USDZ, or under the
// upload bucket by scene for legacy paths. The name is derived from the
// export id so repeated conversions overwrite one object.
func (s *Service) glbLocation(e *models.Export, source storage.Location) (bucket, objectPath string) {
	name := e.ID.String() + ".glb"
	if source.IsObject() {
		dir := path.Dir(source.Path)
		if dir == "." || dir == "/" {
			return source.Bucket, name
		}
		return source.Bucket, dir + "/" + name
	}
	return s.cfg.UploadBucket, path.Join(e.SceneID, name)
}

func sourceName(loc storage.Location) string {
	if loc.IsObject() {
		return path.Base(loc.Path)
	}
	return path.Base(loc.Raw)
}

func (s *Service) fail(ctx context.Context, e *models.Export, message string, code convert.Code) (*ProcessResult, error) {
	failed, err := s.store.FailExport(ctx, e.ID, message)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("recording export failure: %w", err)
	}
	s.invalidate(ctx, failed)
	s.publish(ctx, failed)
	return &ProcessResult{Export: failed, Error: message, Code: code}, nil
}

func (s *Service) skipped(ctx context.Context, id uuid.UUID) (*ProcessResult, error) {
	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	slog.Info("export already claimed, skipping", "export_id", id, "status", current.Status)
	res := &ProcessResult{Export: current, Skipped: true, Success: current.Status == models.ExportStatusReady}
	if current.GLBPath != nil {
		res.GLBPath = *current.GLBPath
		if s.resolver != nil {
			if pub := s.resolver.Resolve(ctx, *current.GLBPath).PublicURL; pub != nil {
				res.GLBURL = *pub
			}
		}
	}
	if current.Error != nil {
		res.Error = *current.Error
	}
	return res, nil
}

// publish sends a best-effort realtime event for e.
func (s *Service) publish(ctx context.Context, e *models.Export) {
	event := notify.Event{ExportID: e.ID, Status: e.Status, GLBPath: e.GLBPath, Error: e.Error}
	if e.GLBPath != nil && s.resolver != nil {
		event.GLBURL = s.resolver.Resolve(ctx, *e.GLBPath).PublicURL
	}
	if err := s.notifier.Notify(ctx, event); err != nil {
		slog.Warn("export notification failed", "export_id", e.ID, "status", e.Status, "error", err)
	}
}
