// Package export runs the room-scan export lifecycle: it records jobs,
// hands them to a dispatcher, converts USDZ captures to GLB, and removes
// every resource an export produced.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/roomscan/internal/cache"
	"github.com/kiranshivaraju/roomscan/internal/codec"
	"github.com/kiranshivaraju/roomscan/internal/convert"
	"github.com/kiranshivaraju/roomscan/internal/dispatch"
	"github.com/kiranshivaraju/roomscan/internal/notify"
	"github.com/kiranshivaraju/roomscan/internal/storage"
	"github.com/kiranshivaraju/roomscan/internal/store"
	"github.com/kiranshivaraju/roomscan/pkg/models"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("export not found")
	ErrNotRetryable = errors.New("export cannot be retried")
)

// ValidationError lists the invalid request fields. It matches ErrValidation.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + ": " + e.Fields[name]
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// CreateRequest is the input for creating an export.
type CreateRequest struct {
	SceneID  string `json:"sceneId"`
	USDZPath string `json:"usdzPath"`
	UserID   string `json:"userId,omitempty"`
	JSONPath string `json:"jsonPath,omitempty"`
}

func (r CreateRequest) validate() (*uuid.UUID, error) {
	fields := map[string]string{}
	if strings.TrimSpace(r.SceneID) == "" {
		fields["sceneId"] = "is required"
	}
	if strings.TrimSpace(r.USDZPath) == "" {
		fields["usdzPath"] = "is required"
	}
	var userID *uuid.UUID
	if r.UserID != "" {
		id, err := uuid.Parse(r.UserID)
		if err != nil {
			fields["userId"] = "must be a valid UUID"
		} else {
			userID = &id
		}
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}
	return userID, nil
}

// Config holds the orchestrator settings.
type Config struct {
	MaxFileSize    int64
	EnableFallback bool
	// UploadBucket receives GLBs of exports whose USDZ is not in object storage.
	UploadBucket string
	// WaitTimeout bounds CreateAndWait when the caller gives no timeout.
	WaitTimeout time.Duration
	CacheTTL    time.Duration
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store      store.Store
	Blobs      *storage.Blobs
	Resolver   *storage.Resolver
	Converter  convert.Converter
	Dispatcher dispatch.Dispatcher
	Notifier   notify.Notifier
	Cache      cache.Cache
}

// Service orchestrates exports. It is safe for concurrent use.
type Service struct {
	store      store.Store
	blobs      *storage.Blobs
	resolver   *storage.Resolver
	converter  convert.Converter
	dispatcher dispatch.Dispatcher
	notifier   notify.Notifier
	cache      cache.Cache
	cfg        Config

	lists singleflight.Group
	wg    sync.WaitGroup
}

// NewService creates a Service. Nil notifier and cache are replaced by no-ops.
func NewService(deps Deps, cfg Config) *Service {
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Cache == nil {
		deps.Cache = cache.Nop{}
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 240 * time.Second
	}
	return &Service{
		store:      deps.Store,
		blobs:      deps.Blobs,
		resolver:   deps.Resolver,
		converter:  deps.Converter,
		dispatcher: deps.Dispatcher,
		notifier:   deps.Notifier,
		cache:      deps.Cache,
		cfg:        cfg,
	}
}

// Create validates req and records a queued export. It does not start
// conversion.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Export, error) {
	userID, err := req.validate()
	if err != nil {
		return nil, err
	}
	if err := s.checkRemote(req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	e := &models.Export{
		ID:        uuid.New(),
		UserID:    userID,
		SceneID:   strings.TrimSpace(req.SceneID),
		USDZPath:  strings.TrimSpace(req.USDZPath),
		Status:    models.ExportStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if p := strings.TrimSpace(req.JSONPath); p != "" {
		e.JSONPath = &p
	}

	if err := s.store.CreateExport(ctx, e); err != nil {
		return nil, fmt.Errorf("creating export: %w", err)
	}
	s.invalidate(ctx, e)
	slog.Info("export created", "export_id", e.ID, "scene_id", e.SceneID)
	return e, nil
}

// checkRemote rejects legacy URLs on hosts the blob reader will not fetch.
func (s *Service) checkRemote(req CreateRequest) error {
	fields := map[string]string{}
	if !s.blobs.RemoteAllowed(storage.Parse(strings.TrimSpace(req.USDZPath))) {
		fields["usdzPath"] = "remote host is not allowed"
	}
	if p := strings.TrimSpace(req.JSONPath); p != "" && !s.blobs.RemoteAllowed(storage.Parse(p)) {
		fields["jsonPath"] = "remote host is not allowed"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// Submit creates the export and hands it to the dispatcher. A dispatch
// failure is logged and the export stays queued for a later retry.
func (s *Service) Submit(ctx context.Context, req CreateRequest) (*models.Export, error) {
	e, err := s.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.dispatcher.Enqueue(ctx, e.ID); err != nil {
		slog.Warn("dispatch failed, export stays queued", "export_id", e.ID, "error", err)
	}
	return e, nil
}

// Retry dispatches a queued or failed export again.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) (*models.Export, error) {
	e, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != models.ExportStatusQueued && e.Status != models.ExportStatusFailed {
		return nil, fmt.Errorf("%w: status is %s", ErrNotRetryable, e.Status)
	}
	if err := s.dispatcher.Enqueue(ctx, e.ID); err != nil {
		return nil, fmt.Errorf("dispatching export: %w", err)
	}
	return e, nil
}

// Get returns the export. Only ready records are cached: a failed or queued
// record read here can be claimed by Process before the cache write lands.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Export, error) {
	key := cache.ExportKey(id)
	if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var e models.Export
		if err := codec.Unmarshal(data, &e); err == nil {
			return &e, nil
		}
	}

	e, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status == models.ExportStatusReady {
		if data, err := codec.Marshal(e); err == nil {
			_ = s.cache.Set(ctx, key, data, s.cfg.CacheTTL)
		}
	}
	return e, nil
}

// View is an export plus browser-fetchable URLs for each stored blob.
type View struct {
	*models.Export
	USDZPublicURL *string         `json:"usdz_public_url"`
	USDZSignedURL *string         `json:"usdz_signed_url"`
	JSONPublicURL *string         `json:"json_public_url"`
	JSONSignedURL *string         `json:"json_signed_url"`
	GLBPublicURL  *string         `json:"glb_public_url"`
	GLBSignedURL  *string         `json:"glb_signed_url"`
	Assets        []*models.Asset `json:"assets"`
}

// View loads the export and resolves its blob URLs. Unresolvable paths
// leave the matching URLs nil.
func (s *Service) View(ctx context.Context, id uuid.UUID) (*View, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	v := &View{Export: e, Assets: []*models.Asset{}}
	var usdz, sidecar, glb storage.Resolved
	var g errgroup.Group
	g.Go(func() error { usdz = s.resolver.Resolve(ctx, e.USDZPath); return nil })
	if e.JSONPath != nil {
		g.Go(func() error { sidecar = s.resolver.Resolve(ctx, *e.JSONPath); return nil })
	}
	if e.GLBPath != nil {
		g.Go(func() error { glb = s.resolver.Resolve(ctx, *e.GLBPath); return nil })
	}
	g.Go(func() error {
		assets, err := s.store.ListAssets(ctx, e.ID)
		if err != nil {
			slog.Warn("listing assets failed", "export_id", e.ID, "error", err)
			return nil
		}
		v.Assets = assets
		return nil
	})
	_ = g.Wait()

	v.USDZPublicURL, v.USDZSignedURL = usdz.PublicURL, usdz.SignedURL
	v.JSONPublicURL, v.JSONSignedURL = sidecar.PublicURL, sidecar.SignedURL
	v.GLBPublicURL, v.GLBSignedURL = glb.PublicURL, glb.SignedURL
	return v, nil
}

type listPage struct {
	Exports []*models.Export `cbor:"exports"`
	Total   int              `cbor:"total"`
}

// List returns a page of exports. Pages filtered by owner are cached per
// owner, and concurrent identical lookups share one store query.
func (s *Service) List(ctx context.Context, filter store.ExportFilter) ([]*models.Export, int, error) {
	filter.Normalize()
	if filter.UserID == nil {
		return s.store.ListExports(ctx, filter)
	}

	key := cache.OwnerExportsKey(*filter.UserID)
	field := cache.ListPageField(filter.SceneID, filter.Status, filter.Page, filter.Limit)
	if data, ok, err := s.cache.GetField(ctx, key, field); err == nil && ok {
		var page listPage
		if err := codec.Unmarshal(data, &page); err == nil {
			return page.Exports, page.Total, nil
		}
	}

	v, err, _ := s.lists.Do(key+"|"+field, func() (any, error) {
		exports, total, err := s.store.ListExports(ctx, filter)
		if err != nil {
			return nil, err
		}
		page := &listPage{Exports: exports, Total: total}
		if data, err := codec.Marshal(page); err == nil {
			_ = s.cache.SetField(ctx, key, field, data, s.cfg.CacheTTL)
		}
		return page, nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("listing exports: %w", err)
	}
	page := v.(*listPage)
	return page.Exports, page.Total, nil
}

// Wait blocks until background conversions started by CreateAndWait finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*models.Export, error) {
	e, err := s.store.GetExport(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading export: %w", err)
	}
	return e, nil
}

// invalidate drops cached copies of e and of its owner's list pages.
func (s *Service) invalidate(ctx context.Context, e *models.Export) {
	keys := []string{cache.ExportKey(e.ID)}
	if e.UserID != nil {
		keys = append(keys, cache.OwnerExportsKey(*e.UserID))
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		slog.Warn("cache invalidation failed", "export_id", e.ID, "error", err)
	}
}
