package storage

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/probeline/probeline/internal/retry"
)

// PipelineConfig sizes the write batcher.
type PipelineConfig struct {
	// FlushBatchSize flushes as soon as this many events are buffered.
	FlushBatchSize int
	// FlushInterval flushes whatever is buffered on this cadence.
	FlushInterval time.Duration
	// MaxEventsPerSession caps evictable events per session.
	MaxEventsPerSession int64
}

type pendingEvent struct {
	sessionID string
	event     Event
}

// Pipeline batches events into the store. Events are accepted from any
// goroutine and written by a single background flusher; a flush happens
// when the batch fills or the interval elapses, whichever comes first.
// Retention runs after each flush for the sessions it touched.
type Pipeline struct {
	logger zerolog.Logger
	store  *Store
	cfg    PipelineConfig

	in    chan pendingEvent
	flush chan chan struct{}
	stop  chan struct{}
	done  chan struct{}
}

// NewPipeline starts the background flusher.
func NewPipeline(logger zerolog.Logger, store *Store, cfg PipelineConfig) *Pipeline {
	p := &Pipeline{
		logger: logger.With().Str("component", "persist_pipeline").Logger(),
		store:  store,
		cfg:    cfg,
		in:     make(chan pendingEvent, cfg.FlushBatchSize*4),
		flush:  make(chan chan struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Enqueue queues one event for persistence. Blocks briefly if the
// flusher is behind; persistence is allowed to apply backpressure to
// the drain loop, never to producers.
func (p *Pipeline) Enqueue(sessionID string, e Event) {
	select {
	case p.in <- pendingEvent{sessionID: sessionID, event: e}:
	case <-p.stop:
	}
}

// Flush synchronously writes everything enqueued so far. Used before
// queries so callers see fresh events.
func (p *Pipeline) Flush() {
	ack := make(chan struct{})
	select {
	case p.flush <- ack:
		<-ack
	case <-p.stop:
	}
}

// Close flushes remaining events and stops the flusher.
func (p *Pipeline) Close() {
	close(p.stop)
	<-p.done
}

func (p *Pipeline) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make(map[string][]Event)
	batched := 0

	flush := func() {
		if batched == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		for sessionID, events := range batch {
			// DuckDB write transactions can conflict with a concurrent
			// query; a short backoff clears it.
			err := retry.Do(ctx, retry.Config{
				MaxRetries:     3,
				InitialBackoff: 10 * time.Millisecond,
				MaxBackoff:     100 * time.Millisecond,
			}, func() error {
				return p.store.InsertEvents(ctx, sessionID, events)
			}, nil)
			if err != nil {
				p.logger.Error().Err(err).
					Str("session_id", sessionID).
					Int("count", len(events)).
					Msg("failed to persist event batch")
				continue
			}
			if _, err := p.store.EnforceRetention(ctx, sessionID, p.cfg.MaxEventsPerSession); err != nil {
				p.logger.Error().Err(err).
					Str("session_id", sessionID).
					Msg("failed to enforce retention")
			}
		}
		batch = make(map[string][]Event)
		batched = 0
	}

	drainIn := func() {
		for {
			select {
			case pe := <-p.in:
				batch[pe.sessionID] = append(batch[pe.sessionID], pe.event)
				batched++
			default:
				return
			}
		}
	}

	for {
		select {
		case pe := <-p.in:
			batch[pe.sessionID] = append(batch[pe.sessionID], pe.event)
			batched++
			if batched >= p.cfg.FlushBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case ack := <-p.flush:
			drainIn()
			flush()
			close(ack)
		case <-p.stop:
			drainIn()
			flush()
			return
		}
	}
}
