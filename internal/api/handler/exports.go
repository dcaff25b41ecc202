// Package handler implements the export HTTP endpoints.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/roomscan/internal/api/response"
	"github.com/kiranshivaraju/roomscan/internal/convert"
	"github.com/kiranshivaraju/roomscan/internal/export"
	"github.com/kiranshivaraju/roomscan/internal/store"
	"github.com/kiranshivaraju/roomscan/pkg/models"
)

const maxJSONBody = 1 << 20

// Exports is the export service surface the handlers depend on.
type Exports interface {
	Submit(ctx context.Context, req export.CreateRequest) (*models.Export, error)
	CreateAndWait(ctx context.Context, req export.CreateRequest, timeout time.Duration) (*export.WaitResult, error)
	Process(ctx context.Context, id uuid.UUID) (*export.ProcessResult, error)
	View(ctx context.Context, id uuid.UUID) (*export.View, error)
	List(ctx context.Context, filter store.ExportFilter) ([]*models.Export, int, error)
	Retry(ctx context.Context, id uuid.UUID) (*models.Export, error)
	Delete(ctx context.Context, id uuid.UUID) (*export.DeleteReport, error)
}

type createRequest struct {
	export.CreateRequest
	WaitSeconds *float64 `json:"waitSeconds,omitempty"`
}

type queuedResponse struct {
	ID     uuid.UUID `json:"id"`
	Status string    `json:"status"`
}

type waitResponse struct {
	Completed bool                  `json:"completed"`
	ID        uuid.UUID             `json:"id"`
	Status    string                `json:"status"`
	Export    *export.View          `json:"export,omitempty"`
	Result    *export.ProcessResult `json:"result,omitempty"`
}

type convertResponse struct {
	Success bool           `json:"success"`
	Skipped bool           `json:"skipped,omitempty"`
	Status  string         `json:"status"`
	GLBPath string         `json:"glbPath,omitempty"`
	GLBURL  string         `json:"glbUrl,omitempty"`
	Error   string         `json:"error,omitempty"`
	Warning string         `json:"warning,omitempty"`
	Stats   *convert.Stats `json:"stats,omitempty"`
}

// NewCreateHandler returns an http.HandlerFunc for POST /api/v1/exports.
// Without a wait request the export is queued and dispatched; with one the
// handler converts inline for at most maxWait.
func NewCreateHandler(svc Exports, maxWait time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
			return
		}

		wait, timeout, err := waitOption(r, req.WaitSeconds, maxWait)
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, err.Error(), nil)
			return
		}
		create(w, r, svc, req.CreateRequest, wait, timeout)
	}
}

// create runs either trigger mode and writes the matching response.
func create(w http.ResponseWriter, r *http.Request, svc Exports, req export.CreateRequest, wait bool, timeout time.Duration) {
	if !wait {
		e, err := svc.Submit(r.Context(), req)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.Accepted(w, queuedResponse{ID: e.ID, Status: e.Status})
		return
	}

	res, err := svc.CreateAndWait(r.Context(), req, timeout)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := waitResponse{Completed: res.Completed, ID: res.Export.ID, Status: res.Export.Status}
	if !res.Completed {
		response.Accepted(w, out)
		return
	}
	out.Export, out.Result = res.Export, res.Result
	response.JSON(w, out)
}

// waitOption reads ?wait= or the body's waitSeconds. The query accepts a
// boolean (true selects maxWait), a Go duration such as "30s", or a number
// of seconds. Timeouts are capped at maxWait.
func waitOption(r *http.Request, bodySeconds *float64, maxWait time.Duration) (bool, time.Duration, error) {
	var timeout time.Duration
	switch raw := strings.TrimSpace(r.URL.Query().Get("wait")); {
	case raw != "":
		if b, err := strconv.ParseBool(raw); err == nil {
			if !b {
				return false, 0, nil
			}
			return true, maxWait, nil
		} else if d, err := time.ParseDuration(raw); err == nil {
			timeout = d
		} else if secs, err := strconv.ParseFloat(raw, 64); err == nil {
			timeout = time.Duration(secs * float64(time.Second))
		} else {
			return false, 0, errors.New("wait must be a duration, a boolean or a number of seconds")
		}
	case bodySeconds != nil:
		timeout = time.Duration(*bodySeconds * float64(time.Second))
	default:
		return false, 0, nil
	}

	if timeout <= 0 {
		return false, 0, errors.New("wait must be positive")
	}
	if maxWait > 0 && timeout > maxWait {
		timeout = maxWait
	}
	return true, timeout, nil
}

// NewConvertHandler returns an http.HandlerFunc for the internal
// POST /api/v1/exports/convert. The conversion is detached from the
// request so a dropped connection cannot strand the export in processing.
func NewConvertHandler(svc Exports) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ExportID string `json:"exportId"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
			return
		}
		id, err := uuid.Parse(req.ExportID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "exportId must be a valid UUID", nil)
			return
		}

		res, err := svc.Process(context.WithoutCancel(r.Context()), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		out := convertResponse{
			Success: res.Success,
			Skipped: res.Skipped,
			GLBPath: res.GLBPath,
			GLBURL:  res.GLBURL,
			Error:   res.Error,
			Warning: res.Warning,
		}
		if res.Export != nil {
			out.Status = res.Export.Status
		}
		if res.Skipped {
			out.Success = out.Status == models.ExportStatusReady
			response.JSON(w, out)
			return
		}
		if !res.Success {
			response.Error(w, http.StatusInternalServerError, response.CodeConversionFailed, res.Error, out)
			return
		}
		out.Stats = &res.Stats
		response.JSON(w, out)
	}
}

// NewGetHandler returns an http.HandlerFunc for GET /api/v1/exports/{exportID}.
func NewGetHandler(svc Exports) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := exportID(w, r)
		if !ok {
			return
		}
		view, err := svc.View(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, view)
	}
}

// NewListHandler returns an http.HandlerFunc for GET /api/v1/exports.
func NewListHandler(svc Exports) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.ExportFilter{
			SceneID: q.Get("sceneId"),
			Status:  q.Get("status"),
		}

		if raw := q.Get("userId"); raw != "" {
			uid, err := uuid.Parse(raw)
			if err != nil {
				response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "userId must be a valid UUID", nil)
				return
			}
			filter.UserID = &uid
		}
		if filter.Status != "" && !models.ValidStatus(filter.Status) {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "status must be one of queued, processing, ready, failed", nil)
			return
		}
		for name, dst := range map[string]*int{"page": &filter.Page, "limit": &filter.Limit} {
			raw := q.Get(name)
			if raw == "" {
				continue
			}
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, name+" must be a positive integer", nil)
				return
			}
			*dst = n
		}

		exports, total, err := svc.List(r.Context(), filter)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		limit, _ := filter.Normalize()
		response.Collection(w, exports, response.NewPaginationMeta(filter.Page, limit, total))
	}
}

// NewRetryHandler returns an http.HandlerFunc for POST /api/v1/exports/{exportID}/retry.
func NewRetryHandler(svc Exports) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := exportID(w, r)
		if !ok {
			return
		}
		e, err := svc.Retry(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.Accepted(w, queuedResponse{ID: e.ID, Status: e.Status})
	}
}

// NewDeleteHandler returns an http.HandlerFunc for DELETE /api/v1/exports/{exportID}.
func NewDeleteHandler(svc Exports) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := exportID(w, r)
		if !ok {
			return
		}
		report, err := svc.Delete(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if !report.Complete() {
			response.Partial(w, "The export was deleted but some resources could not be removed", report)
			return
		}
		response.JSON(w, report)
	}
}

func exportID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "exportID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Export id must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *export.ValidationError
	switch {
	case errors.As(err, &verr):
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid request", verr.Fields)
	case errors.Is(err, export.ErrValidation):
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid request", nil)
	case errors.Is(err, export.ErrNotFound):
		response.Error(w, http.StatusNotFound, response.CodeNotFound, "Export not found", nil)
	case errors.Is(err, export.ErrNotRetryable):
		response.Error(w, http.StatusConflict, response.CodeConflict, "Only queued or failed exports can be retried", nil)
	default:
		response.Internal(w, r, err)
	}
}
