// Package usage implements the asynchronous usage recording pipeline.
//
// Proxy handlers hand finished request records to a bounded in-memory queue
// and return immediately — recording never blocks the hot path and never
// fails a client request. A background goroutine drains the queue into the
// catalogue database in batches. When the queue is full the OLDEST pending
// record is discarded to make room for the new one, so a stalled database
// loses history from the past, not the present.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/llm-bridge/internal/store"
)

// Sink receives flushed batches. *store.Store satisfies it.
type Sink interface {
	InsertUsageBatch(ctx context.Context, records []store.UsageRecord) error
}

// Options tune the queue and flush cadence. Zero fields take the defaults
// that match the standard configuration (1024 / 64 / 500ms).
type Options struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 64
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 500 * time.Millisecond
	}
	return o
}

// Recorder is the async usage pipeline. Create one with New and stop it with
// Close; Record is safe for concurrent use.
type Recorder struct {
	ch        chan store.UsageRecord
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	opts Options
	sink Sink
	log  *slog.Logger

	dropped atomic.Int64
}

func New(sink Sink, log *slog.Logger, opts Options) (*Recorder, error) {
	if sink == nil {
		return nil, fmt.Errorf("usage: sink must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()

	r := &Recorder{
		ch:   make(chan store.UsageRecord, opts.QueueSize),
		done: make(chan struct{}),
		opts: opts,
		sink: sink,
		log:  log,
	}

	r.wg.Add(1)
	go r.run()

	return r, nil
}

// Record enqueues one finished request. When the queue is full, the oldest
// queued record is evicted and counted, then the new record is enqueued.
func (r *Recorder) Record(rec store.UsageRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	for {
		select {
		case r.ch <- rec:
			return
		default:
		}
		// Queue full: evict the oldest entry, then retry. The receive can
		// lose the race with the flusher, in which case nothing is dropped
		// and the send simply succeeds on the next attempt.
		select {
		case <-r.ch:
			r.dropped.Add(1)
		default:
		}
	}
}

// QueueDepth reports the number of records waiting to be flushed.
func (r *Recorder) QueueDepth() int {
	return len(r.ch)
}

// Dropped reports the total number of records evicted since startup.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops the flusher after draining everything still queued.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	return nil
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]store.UsageRecord, 0, r.opts.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.sink.InsertUsageBatch(ctx, batch); err != nil {
			// Records in a failed batch are lost; the proxy must not be
			// stalled by a broken catalogue database.
			r.dropped.Add(int64(len(batch)))
			r.log.Error("usage flush failed",
				slog.Int("records", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-r.ch:
			batch = append(batch, rec)
			if len(batch) >= r.opts.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-r.done:
			for {
				select {
				case rec := <-r.ch:
					batch = append(batch, rec)
					if len(batch) >= r.opts.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
