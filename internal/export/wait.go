package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// WaitResult is the outcome of CreateAndWait. When Completed is false the
// conversion is still running and Export is the latest known state.
type WaitResult struct {
	Completed bool
	Export    *View
	Result    *ProcessResult
}

type processOutcome struct {
	res *ProcessResult
	err error
}

// CreateAndWait creates an export and converts it, waiting at most timeout
// (the configured default when timeout is not positive). When the timeout
// fires first the conversion keeps running in the background and persists
// its own outcome; Wait blocks until such conversions finish.
func (s *Service) CreateAndWait(ctx context.Context, req CreateRequest, timeout time.Duration) (*WaitResult, error) {
	e, err := s.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = s.cfg.WaitTimeout
	}

	done := make(chan processOutcome, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.Process(context.WithoutCancel(ctx), e.ID)
		done <- processOutcome{res: res, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, fmt.Errorf("processing export: %w", out.err)
		}
		view, err := s.View(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		return &WaitResult{Completed: true, Export: view, Result: out.res}, nil
	case <-timer.C:
		slog.Info("export still converting after wait timeout", "export_id", e.ID, "timeout", timeout.String())
	case <-ctx.Done():
		slog.Info("caller stopped waiting for export", "export_id", e.ID)
	}

	view, err := s.View(context.WithoutCancel(ctx), e.ID)
	if err != nil {
		view = &View{Export: e}
	}
	return &WaitResult{Completed: false, Export: view}, nil
}
