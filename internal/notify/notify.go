// Package notify broadcasts export status changes to realtime subscribers.
// Delivery is best effort: a failed publish never changes an export.
package notify

import (
	"context"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/roomscan/pkg/models"
)

// Event is the payload published after an export changes status.
type Event struct {
	ExportID uuid.UUID `json:"export_id"`
	Status   string    `json:"status"`
	GLBPath  *string   `json:"glb_path,omitempty"`
	GLBURL   *string   `json:"glb_url,omitempty"`
	Error    *string   `json:"error,omitempty"`
}

// Terminal reports whether no further events will follow for the export.
func (e Event) Terminal() bool {
	return e.Status == models.ExportStatusReady || e.Status == models.ExportStatusFailed
}

// Notifier publishes events.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Subscriber delivers the events of one export until cancel is called or
// ctx ends. The channel is closed afterwards.
type Subscriber interface {
	Subscribe(ctx context.Context, exportID uuid.UUID) (events <-chan Event, cancel func(), err error)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

var _ Notifier = Nop{}
