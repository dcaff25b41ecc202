package dispatch

import (
	"slices"
	"sync"

	"github.com/segmentio/kafka-go"
)

// offsetTracker releases commits per partition in offset order. A message
// is committable only once every earlier fetched message on its partition
// has finished, so a crash never skips an unfinished task.
type offsetTracker struct {
	mu    sync.Mutex
	parts map[int]*partitionOffsets
}

type partitionOffsets struct {
	pending []int64
	done    map[int64]kafka.Message
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{parts: make(map[int]*partitionOffsets)}
}

func (t *offsetTracker) partition(p int) *partitionOffsets {
	po, ok := t.parts[p]
	if !ok {
		po = &partitionOffsets{done: make(map[int64]kafka.Message)}
		t.parts[p] = po
	}
	return po
}

// started records a fetched message.
func (t *offsetTracker) started(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	po := t.partition(msg.Partition)
	i, found := slices.BinarySearch(po.pending, msg.Offset)
	if !found {
		po.pending = slices.Insert(po.pending, i, msg.Offset)
	}
}

// finished marks msg done and returns the highest message that may now be
// committed, if any.
func (t *offsetTracker) finished(msg kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	po := t.partition(msg.Partition)
	if _, found := slices.BinarySearch(po.pending, msg.Offset); !found {
		return kafka.Message{}, false
	}
	po.done[msg.Offset] = msg

	var last kafka.Message
	var ok bool
	for len(po.pending) > 0 {
		m, isDone := po.done[po.pending[0]]
		if !isDone {
			break
		}
		delete(po.done, po.pending[0])
		po.pending = po.pending[1:]
		last, ok = m, true
	}
	return last, ok
}
