package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Local fans events out to in-process subscribers. It backs single-process
// deployments and tests.
type Local struct {
	mu        sync.Mutex
	nextID    int
	subs      map[uuid.UUID]map[int]chan Event
	published []Event

	// Err, when set, is returned by Notify after recording the event.
	Err error
}

func NewLocal() *Local {
	return &Local{subs: make(map[uuid.UUID]map[int]chan Event)}
}

func (l *Local) Notify(_ context.Context, event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.published = append(l.published, event)
	for _, ch := range l.subs[event.ExportID] {
		select {
		case ch <- event:
		default:
		}
	}
	return l.Err
}

// Published returns every event passed to Notify.
func (l *Local) Published() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.published...)
}

func (l *Local) Subscribe(ctx context.Context, exportID uuid.UUID) (<-chan Event, func(), error) {
	ch := make(chan Event, 8)

	l.mu.Lock()
	id := l.nextID
	l.nextID++
	if l.subs[exportID] == nil {
		l.subs[exportID] = make(map[int]chan Event)
	}
	l.subs[exportID][id] = ch
	l.mu.Unlock()

	stop := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			l.mu.Lock()
			delete(l.subs[exportID], id)
			if len(l.subs[exportID]) == 0 {
				delete(l.subs, exportID)
			}
			close(ch)
			l.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stop:
		}
	}()
	return ch, cancel, nil
}

var (
	_ Notifier   = (*Local)(nil)
	_ Subscriber = (*Local)(nil)
)
