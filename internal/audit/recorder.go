// Package audit persists session lifecycle events taken off the event bus.
package audit

import (
	"context"
	"log/slog"
	"time"

	"storefront-edge/internal/event"
)

const (
	batchSize     = 32
	flushInterval = 2 * time.Second
	writeTimeout  = 3 * time.Second
)

type Store interface {
	InsertBatch(ctx context.Context, events []event.Event) error
}

// LogStore writes events to the process log. It stands in for Postgres when no
// DATABASE_URL is configured.
type LogStore struct{}

func (LogStore) InsertBatch(_ context.Context, events []event.Event) error {
	for _, e := range events {
		slog.Info("session event",
			"type", e.Type,
			"user_id", e.UserID,
			"path", e.Path,
			"detail", e.Detail,
		)
	}
	return nil
}

type Recorder struct {
	bus   event.Bus
	store Store
	tick  time.Duration
}

func NewRecorder(bus event.Bus, store Store) *Recorder {
	if store == nil {
		store = LogStore{}
	}
	return &Recorder{bus: bus, store: store, tick: flushInterval}
}

// Run consumes events until ctx is done. Events already buffered in the
// subscription are drained before the final flush.
func (r *Recorder) Run(ctx context.Context) {
	events, unsubscribe := r.bus.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	pending := make([]event.Event, 0, batchSize)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
		defer cancel()
		if err := r.store.InsertBatch(writeCtx, pending); err != nil {
			slog.Warn("audit write failed", "events", len(pending), "error", err)
		}
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			drain(events, func(e event.Event) {
				pending = append(pending, e)
				if len(pending) >= batchSize {
					flush()
				}
			})
			flush()
			return
		case <-ticker.C:
			flush()
		case e, ok := <-events:
			if !ok {
				flush()
				return
			}
			pending = append(pending, e)
			if len(pending) >= batchSize {
				flush()
			}
		}
	}
}

func drain(events <-chan event.Event, add func(event.Event)) {
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			add(e)
		default:
			return
		}
	}
}
