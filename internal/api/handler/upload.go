package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/roomscan/internal/api/response"
	"github.com/kiranshivaraju/roomscan/internal/export"
	"github.com/kiranshivaraju/roomscan/internal/storage"
	"golang.org/x/sync/errgroup"
)

const (
	usdzContentType = "model/vnd.usdz+zip"
	jsonContentType = "application/json"

	// multipartOverhead covers the metadata part and form fields.
	multipartOverhead = 1 << 20
	anonymousOwner    = "anonymous"
)

var usdzContentTypes = map[string]bool{
	usdzContentType:   true,
	"model/usd":       true,
	"model/vnd.usdz":  true,
	"application/zip": true,
}

// Uploader stores blobs in object storage.
type Uploader interface {
	Upload(ctx context.Context, bucket, path string, data []byte, contentType string, meta map[string]string) error
}

// UploadConfig bounds and places uploaded scans.
type UploadConfig struct {
	Bucket      string
	MaxFileSize int64
	MaxWait     time.Duration
	// Now is stubbed in tests.
	Now func() time.Time
}

// NewUploadHandler returns an http.HandlerFunc for POST /api/v1/exports/upload.
// It stores the USDZ (and optional RoomPlan metadata) under
// <bucket>/<owner>/<sceneId>/ and then creates the export as POST /exports does.
func NewUploadHandler(svc Exports, up Uploader, cfg UploadConfig) http.HandlerFunc {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxFileSize+multipartOverhead)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge, response.CodeInvalidRequest,
					fmt.Sprintf("Upload exceeds the %s limit", humanize.Bytes(uint64(cfg.MaxFileSize))), nil)
				return
			}
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid multipart form", nil)
			return
		}
		defer r.MultipartForm.RemoveAll()

		fields := map[string]string{}

		file, header, err := r.FormFile("file")
		if err != nil {
			fields["file"] = "is required"
		} else {
			defer file.Close()
			if !isUSDZ(header) {
				fields["file"] = "must be a .usdz file"
			} else if header.Size > cfg.MaxFileSize {
				fields["file"] = fmt.Sprintf("exceeds the %s limit", humanize.Bytes(uint64(cfg.MaxFileSize)))
			}
		}

		userID := strings.TrimSpace(r.FormValue("userId"))
		if userID != "" {
			if _, err := uuid.Parse(userID); err != nil {
				fields["userId"] = "must be a valid UUID"
			}
		}

		metadata, err := readMetadata(r)
		if err != nil {
			fields["metadata"] = err.Error()
		}

		if len(fields) > 0 {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid upload", fields)
			return
		}

		wait, timeout, err := waitOption(r, nil, cfg.MaxWait)
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, err.Error(), nil)
			return
		}

		data, err := io.ReadAll(file)
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Could not read the uploaded file", nil)
			return
		}

		now := cfg.Now()
		sceneID := strings.TrimSpace(r.FormValue("sceneId"))
		if sceneID == "" {
			sceneID = "scene-" + strconv.FormatInt(now.UnixMilli(), 10)
		}
		owner := userID
		if owner == "" {
			owner = anonymousOwner
		}
		dir := strings.NewReplacer("/", "-", "..", "-").Replace(sceneID)
		base := path.Join(owner, dir, strconv.FormatInt(now.UnixMilli(), 10))

		req := export.CreateRequest{
			SceneID:  sceneID,
			USDZPath: storage.ToURI(cfg.Bucket, base+".usdz"),
			UserID:   userID,
		}
		meta := map[string]string{"scene-id": sceneID, "original-name": header.Filename}

		g, ctx := errgroup.WithContext(r.Context())
		g.Go(func() error {
			return up.Upload(ctx, cfg.Bucket, base+".usdz", data, usdzContentType, meta)
		})
		if metadata != nil {
			req.JSONPath = storage.ToURI(cfg.Bucket, base+".json")
			g.Go(func() error {
				return up.Upload(ctx, cfg.Bucket, base+".json", metadata, jsonContentType, meta)
			})
		}
		if err := g.Wait(); err != nil {
			response.Internal(w, r, fmt.Errorf("storing upload: %w", err))
			return
		}

		create(w, r, svc, req, wait, timeout)
	}
}

func isUSDZ(h *multipart.FileHeader) bool {
	if strings.EqualFold(path.Ext(h.Filename), ".usdz") {
		return true
	}
	ct, _, _ := strings.Cut(h.Header.Get("Content-Type"), ";")
	return usdzContentTypes[strings.ToLower(strings.TrimSpace(ct))]
}

// readMetadata returns the RoomPlan JSON from either a "metadata" file part
// or a form value. It returns nil when neither is present.
func readMetadata(r *http.Request) ([]byte, error) {
	var raw []byte
	if f, _, err := r.FormFile("metadata"); err == nil {
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, errors.New("could not be read")
		}
		raw = data
	} else if v := r.FormValue("metadata"); v != "" {
		raw = []byte(v)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, errors.New("must be valid JSON")
	}
	return raw, nil
}
