package stores

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/VerteraIO/agentplane/internal/controlplane/scheduler"
)

// AsyncWriter persists snapshots off the engine's hot path. Submissions that
// arrive while a write is in flight are coalesced to the newest one.
type AsyncWriter struct {
	store   Store
	log     logrus.FieldLogger
	timeout time.Duration

	mu      sync.Mutex
	pending *scheduler.Snapshot
	wake    chan struct{}
	written atomic.Uint64
}

func NewAsyncWriter(store Store, log logrus.FieldLogger) *AsyncWriter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AsyncWriter{
		store:   store,
		log:     log,
		timeout: 5 * time.Second,
		wake:    make(chan struct{}, 1),
	}
}

// Submit never blocks.
func (w *AsyncWriter) Submit(s scheduler.Snapshot) {
	w.mu.Lock()
	w.pending = &s
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Written reports how many snapshots reached the store.
func (w *AsyncWriter) Written() uint64 { return w.written.Load() }

// Run writes submitted snapshots until ctx is done, then flushes whatever is
// still pending.
func (w *AsyncWriter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), w.timeout)
			if err := w.Flush(fctx); err != nil {
				w.log.WithError(err).Error("final snapshot flush failed")
			}
			cancel()
			return
		case <-w.wake:
			wctx, cancel := context.WithTimeout(ctx, w.timeout)
			if err := w.Flush(wctx); err != nil {
				w.log.WithError(err).Warn("snapshot write failed")
			}
			cancel()
		}
	}
}

// Flush writes the pending snapshot, if any. A failed snapshot stays pending
// unless a newer one has been submitted meanwhile.
func (w *AsyncWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	s := w.pending
	w.pending = nil
	w.mu.Unlock()
	if s == nil {
		return nil
	}
	if err := w.store.Save(ctx, *s); err != nil {
		w.mu.Lock()
		if w.pending == nil {
			w.pending = s
		}
		w.mu.Unlock()
		return err
	}
	w.written.Add(1)
	w.log.WithFields(logrus.Fields{
		"takenAt": s.TakenAt,
		"workers": len(s.Workers),
		"queued":  len(s.Queue),
	}).Debug("snapshot persisted")
	return nil
}

var _ scheduler.SnapshotSink = (*AsyncWriter)(nil)
