package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConvertPath is the internal endpoint that runs one conversion.
const ConvertPath = "/api/v1/exports/convert"

// conversionFailedCode is the error code the convert endpoint returns when
// the export was processed and ended up failed.
const conversionFailedCode = "CONVERSION_FAILED"

// HTTP triggers conversions by calling the service's internal convert
// endpoint with a bearer token. The call runs in the background; Enqueue
// never waits for the conversion itself.
type HTTP struct {
	url    string
	token  string
	client *http.Client

	wg sync.WaitGroup
}

// NewHTTP creates an HTTP dispatcher for the service at baseURL.
func NewHTTP(baseURL, token string, timeout time.Duration) *HTTP {
	return &HTTP{
		url:    strings.TrimRight(baseURL, "/") + ConvertPath,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

func (h *HTTP) Enqueue(ctx context.Context, exportID uuid.UUID) error {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		err := h.Deliver(context.WithoutCancel(ctx), exportID)
		switch {
		case err == nil:
		case errors.Is(err, ErrTimeout):
			// The worker detaches from the request, so a slow response
			// usually means the conversion is still running there.
			slog.Info("convert request timed out, conversion continues on worker", "export_id", exportID)
		default:
			slog.Warn("convert request failed, export stays queued", "export_id", exportID, "error", err)
		}
	}()
	return nil
}

type convertRequest struct {
	ExportID uuid.UUID `json:"exportId"`
}

// Deliver performs the convert call synchronously. A response reporting a
// failed conversion is not an error: the export record holds the outcome.
func (h *HTTP) Deliver(ctx context.Context, exportID uuid.UUID) error {
	body, err := json.Marshal(convertRequest{ExportID: exportID})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.token)

	resp, err := h.client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		return nil
	}
	var envelope struct {
		Error *struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil &&
		envelope.Error != nil && envelope.Error.Code == conversionFailedCode {
		return nil
	}
	return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
}

// Close waits for in-flight convert calls.
func (h *HTTP) Close() error {
	h.wg.Wait()
	return nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

var _ Dispatcher = (*HTTP)(nil)
