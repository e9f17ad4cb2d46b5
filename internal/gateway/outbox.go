package gateway

import (
	"errors"
	"sync"
	"time"

	"trading-riskengine/internal/model"
)

// frame is one encoded envelope waiting to be written.
type frame struct {
	Type   model.EventType
	Data   []byte
	Queued time.Time
}

// Outbox is the bounded per-session send queue.
//
// When it is full, the oldest non-critical frame makes room for the new
// one. Critical frames are never dropped; they may push the queue past
// its limit up to criticalSlack times the limit, after which Push fails
// and the session is closed as a slow consumer.
//
// Thread-safe for one writer goroutine and any number of producers.
type Outbox struct {
	mu     sync.Mutex
	frames []frame
	limit  int
	closed bool

	// notify holds at most one wakeup for the writer.
	notify chan struct{}
}

const criticalSlack = 4

var (
	errOutboxClosed   = errors.New("gateway: outbox closed")
	errOutboxOverflow = errors.New("gateway: outbox overflow")
)

// NewOutbox creates an outbox holding up to limit frames.
func NewOutbox(limit int) *Outbox {
	if limit <= 0 {
		limit = 256
	}
	return &Outbox{
		frames: make([]frame, 0, limit),
		limit:  limit,
		notify: make(chan struct{}, 1),
	}
}

// Push queues f. dropped names the event type discarded to make room, if
// any (possibly f itself). It fails once the outbox is closed or has
// overflowed with critical frames.
func (o *Outbox) Push(f frame) (dropped model.EventType, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return "", errOutboxClosed
	}

	if len(o.frames) >= o.limit {
		if i := o.oldestDroppable(); i >= 0 {
			dropped = o.frames[i].Type
			o.frames = append(o.frames[:i], o.frames[i+1:]...)
		} else if !f.Type.Critical() {
			// Queue is all critical: the new frame loses.
			return f.Type, nil
		} else if len(o.frames) >= o.limit*criticalSlack {
			return "", errOutboxOverflow
		}
	}

	o.frames = append(o.frames, f)
	o.wake()
	return dropped, nil
}

// Drain removes and returns every queued frame in FIFO order. closed
// reports whether the outbox was closed; frames queued before Close are
// still returned.
func (o *Outbox) Drain() (frames []frame, closed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.frames) > 0 {
		frames = o.frames
		o.frames = make([]frame, 0, o.limit)
	}
	return frames, o.closed
}

// Ready is signalled whenever frames are queued or the outbox closes.
func (o *Outbox) Ready() <-chan struct{} {
	return o.notify
}

// Close stops accepting frames and wakes the writer.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.wake()
}

// Len returns the number of queued frames.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

func (o *Outbox) oldestDroppable() int {
	for i, f := range o.frames {
		if !f.Type.Critical() {
			return i
		}
	}
	return -1
}

func (o *Outbox) wake() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}
