package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/roomscan/internal/storage"
	"github.com/kiranshivaraju/roomscan/internal/store"
	"github.com/kiranshivaraju/roomscan/pkg/models"
)

// ResourceResult reports the cleanup of one resource.
type ResourceResult struct {
	Resource string `json:"resource"`
	Deleted  bool   `json:"deleted"`
	// Skipped resources are not owned by this service, such as absolute
	// URLs on another host. They never make a deletion partial.
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DeleteReport lists what Delete removed.
type DeleteReport struct {
	ExportID      uuid.UUID        `json:"export_id"`
	Record        ResourceResult   `json:"record"`
	DependentRows ResourceResult   `json:"dependent_rows"`
	Blobs         []ResourceResult `json:"blobs"`
	Directories   []ResourceResult `json:"directories"`
}

// Complete reports whether every resource was removed or skipped.
func (r *DeleteReport) Complete() bool {
	if !r.Record.Deleted || !r.DependentRows.Deleted {
		return false
	}
	for _, list := range [][]ResourceResult{r.Blobs, r.Directories} {
		for _, res := range list {
			if !res.Deleted && !res.Skipped {
				return false
			}
		}
	}
	return true
}

// Delete removes an export and what it produced. Asset rows go first and
// may fail; the export row is the one load-bearing step; blobs and empty
// legacy directories are removed last on a best-effort basis, grouped by
// bucket.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) (*DeleteReport, error) {
	e, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	report := &DeleteReport{
		ExportID:      id,
		Record:        ResourceResult{Resource: "room_scan_exports/" + id.String()},
		DependentRows: ResourceResult{Resource: "room_scan_assets"},
		Blobs:         []ResourceResult{},
		Directories:   []ResourceResult{},
	}

	paths := blobPaths(e)
	if assets, err := s.store.ListAssets(ctx, id); err == nil {
		for _, a := range assets {
			paths = append(paths, a.Path)
		}
	} else {
		slog.Warn("listing assets before delete failed", "export_id", id, "error", err)
	}

	if n, err := s.store.DeleteAssets(ctx, id); err != nil {
		slog.Warn("deleting asset rows failed", "export_id", id, "error", err)
		report.DependentRows.Error = err.Error()
	} else {
		report.DependentRows.Deleted = true
		report.DependentRows.Resource = fmt.Sprintf("room_scan_assets (%d)", n)
	}

	if err := s.store.DeleteExport(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("deleting export: %w", err)
	}
	report.Record.Deleted = true
	s.invalidate(ctx, e)

	report.Blobs, report.Directories = s.deleteBlobs(ctx, id, paths)
	slog.Info("export deleted", "export_id", id, "complete", report.Complete())
	return report, nil
}

// blobPaths returns the distinct stored paths of e.
func blobPaths(e *models.Export) []string {
	paths := []string{e.USDZPath}
	if e.JSONPath != nil {
		paths = append(paths, *e.JSONPath)
	}
	if e.GLBPath != nil {
		paths = append(paths, *e.GLBPath)
	}
	return paths
}

func (s *Service) deleteBlobs(ctx context.Context, id uuid.UUID, raw []string) (blobs, dirs []ResourceResult) {
	byBucket := map[string][]string{}
	var files []string
	seen := map[string]bool{}

	for _, p := range raw {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		loc := storage.Parse(p)
		switch {
		case loc.IsObject():
			byBucket[loc.Bucket] = append(byBucket[loc.Bucket], loc.Path)
		case loc.IsRemoteURL():
			blobs = append(blobs, ResourceResult{Resource: p, Skipped: true})
		default:
			files = append(files, p)
		}
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	add := func(results []ResourceResult, into *[]ResourceResult) {
		mu.Lock()
		*into = append(*into, results...)
		mu.Unlock()
	}

	for bucket, objectPaths := range byBucket {
		wg.Add(1)
		go func() {
			defer wg.Done()
			failed := s.blobs.DeleteObjects(ctx, bucket, objectPaths)
			results := make([]ResourceResult, 0, len(objectPaths))
			for _, p := range objectPaths {
				r := ResourceResult{Resource: storage.ToURI(bucket, p), Deleted: true}
				if err := failed[p]; err != nil {
					slog.Warn("deleting blob failed", "export_id", id, "bucket", bucket, "path", p, "error", err)
					r.Deleted, r.Error = false, err.Error()
				}
				results = append(results, r)
			}
			add(results, &blobs)
		}()
	}

	if len(files) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fileResults, dirResults := s.removeFiles(id, files)
			add(fileResults, &blobs)
			add(dirResults, &dirs)
		}()
	}
	wg.Wait()

	sortResults(blobs)
	sortResults(dirs)
	if blobs == nil {
		blobs = []ResourceResult{}
	}
	if dirs == nil {
		dirs = []ResourceResult{}
	}
	return blobs, dirs
}

// removeFiles deletes legacy files and then prunes the directories they
// leave empty.
func (s *Service) removeFiles(id uuid.UUID, files []string) (blobs, dirs []ResourceResult) {
	if s.blobs.Files == nil {
		for _, f := range files {
			blobs = append(blobs, ResourceResult{Resource: f, Error: storage.ErrUnmanaged.Error()})
		}
		return blobs, nil
	}

	var removed []string
	for _, f := range files {
		r := ResourceResult{Resource: f, Deleted: true}
		if err := s.blobs.Files.Remove(f); err != nil {
			slog.Warn("deleting legacy file failed", "export_id", id, "path", f, "error", err)
			r.Deleted, r.Error = false, err.Error()
		} else {
			removed = append(removed, f)
		}
		blobs = append(blobs, r)
	}

	pruned := map[string]bool{}
	for _, f := range removed {
		gone, err := s.blobs.Files.PruneEmptyDirs(f)
		for _, d := range gone {
			if !pruned[d] {
				pruned[d] = true
				dirs = append(dirs, ResourceResult{Resource: d, Deleted: true})
			}
		}
		if err != nil {
			slog.Warn("pruning legacy directories failed", "export_id", id, "path", f, "error", err)
			dirs = append(dirs, ResourceResult{Resource: f, Error: err.Error()})
		}
	}
	return blobs, dirs
}

func sortResults(rs []ResourceResult) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Resource < rs[j].Resource })
}
