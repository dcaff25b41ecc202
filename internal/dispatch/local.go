package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Local runs conversions on goroutines of the current process, at most
// limit at a time. Extra work waits for a free slot.
type Local struct {
	process ProcessFunc
	slots   chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewLocal creates a Local dispatcher. A limit below 1 means 1.
func NewLocal(process ProcessFunc, limit int) *Local {
	if limit < 1 {
		limit = 1
	}
	return &Local{process: process, slots: make(chan struct{}, limit)}
}

// Enqueue starts the conversion in the background. The work outlives ctx.
func (l *Local) Enqueue(ctx context.Context, exportID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.wg.Add(1)
	go l.run(context.WithoutCancel(ctx), exportID)
	return nil
}

func (l *Local) run(ctx context.Context, exportID uuid.UUID) {
	defer l.wg.Done()
	l.slots <- struct{}{}
	defer func() { <-l.slots }()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in local dispatch", "error", fmt.Sprint(r), "export_id", exportID)
		}
	}()

	if err := l.process(ctx, exportID); err != nil {
		slog.Warn("background conversion failed", "export_id", exportID, "error", err)
	}
}

// Wait blocks until every enqueued conversion has returned.
func (l *Local) Wait() {
	l.wg.Wait()
}

// Close stops accepting work and waits for running conversions.
func (l *Local) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.wg.Wait()
	return nil
}

var _ Dispatcher = (*Local)(nil)
