package updates

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultQueueSize bounds pending updates when no size is configured.
const DefaultQueueSize = 1024

var (
	ErrQueueFull = errors.New("update queue full")
	ErrClosed    = errors.New("update publisher closed")
)

// Queue hands updates to a single goroutine that forwards them to next in
// arrival order. Publish never waits on next.
type Queue struct {
	next Publisher
	log  *logrus.Entry

	mu     sync.RWMutex
	closed bool
	items  chan Update
	done   chan struct{}
}

// NewQueue starts the forwarding goroutine. Close stops it.
func NewQueue(next Publisher, size int, log *logrus.Entry) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if log == nil {
		discard := logrus.New()
		discard.SetLevel(logrus.PanicLevel)
		log = logrus.NewEntry(discard)
	}
	q := &Queue{
		next:  next,
		log:   log,
		items: make(chan Update, size),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

// Publish enqueues update, or fails with ErrQueueFull when the backlog is at
// capacity.
func (q *Queue) Publish(_ context.Context, update Update) error {
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now().UTC()
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.items <- update:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close flushes the backlog, then closes next.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.items)
	q.mu.Unlock()

	<-q.done
	return q.next.Close()
}

func (q *Queue) run() {
	defer close(q.done)
	for update := range q.items {
		if err := q.next.Publish(context.Background(), update); err != nil {
			q.log.WithFields(logrus.Fields{
				"chat_id": update.ChatID,
				"update":  update.Kind,
			}).WithError(err).Warn("update not delivered")
		}
	}
}
