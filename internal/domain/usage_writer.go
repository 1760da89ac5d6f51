package domain

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davidbz/quillgate/internal/observability"
)

const (
	defaultWriterQueueSize   = 1024
	defaultWriterMaxAttempts = 3
	defaultWriterBackoff     = 100 * time.Millisecond
	writerInsertTimeout      = 5 * time.Second
)

// usageWriter persists usage records off the request path. Each record gets
// a bounded number of attempts; after that, or when the queue is full, the
// record is logged and dropped.
type usageWriter struct {
	store       UsageStore
	queue       chan *UsageRecord
	maxAttempts int
	backoff     time.Duration

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
}

func newUsageWriter(store UsageStore, queueSize, maxAttempts int, backoff time.Duration) *usageWriter {
	if queueSize <= 0 {
		queueSize = defaultWriterQueueSize
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultWriterMaxAttempts
	}
	if backoff <= 0 {
		backoff = defaultWriterBackoff
	}

	w := &usageWriter{
		store:       store,
		queue:       make(chan *UsageRecord, queueSize),
		maxAttempts: maxAttempts,
		backoff:     backoff,
		done:        make(chan struct{}),
	}
	go w.run()

	return w
}

// enqueue hands a record to the writer without blocking.
func (w *usageWriter) enqueue(rec *UsageRecord) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		w.drop(rec, errors.New("usage writer closed"))
		return false
	}

	select {
	case w.queue <- rec:
		return true
	default:
		w.drop(rec, errors.New("usage writer queue full"))
		return false
	}
}

func (w *usageWriter) run() {
	defer close(w.done)

	for rec := range w.queue {
		w.persist(rec)
	}
}

func (w *usageWriter) persist(rec *UsageRecord) {
	delay := w.backoff

	var err error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), writerInsertTimeout)
		err = w.store.Insert(ctx, rec)
		cancel()
		if err == nil {
			return
		}

		if attempt < w.maxAttempts {
			time.Sleep(delay)
			delay *= 2
		}
	}

	w.drop(rec, err)
}

func (w *usageWriter) drop(rec *UsageRecord, cause error) {
	w.dropped.Add(1)
	observability.FromContext(context.Background()).Error("usage record dropped",
		observability.String("record_id", rec.ID),
		observability.String("workspace_id", rec.Tenant.WorkspaceID),
		observability.String("operation", rec.Operation),
		observability.Error(cause))
}

// close stops accepting records and waits for the queue to drain.
func (w *usageWriter) close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
