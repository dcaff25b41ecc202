// Package dispatch hands queued exports to whatever runs conversions: an
// in-process goroutine, the service's own internal HTTP endpoint, or a Kafka
// topic read by the worker binary. Enqueue returns once the hand-off is made;
// the export record is the only source of truth for the outcome.
package dispatch

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Sentinel errors for dispatch failures.
var (
	ErrClosed      = errors.New("dispatcher closed")
	ErrUnreachable = errors.New("conversion worker unreachable")
	ErrRejected    = errors.New("conversion worker rejected request")
	ErrTimeout     = errors.New("conversion worker timeout")
)

// Dispatcher starts conversion of an export without waiting for it.
type Dispatcher interface {
	Enqueue(ctx context.Context, exportID uuid.UUID) error
	Close() error
}

// ProcessFunc runs the conversion of one export to completion.
type ProcessFunc func(ctx context.Context, exportID uuid.UUID) error
