package drain

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/probeline/probeline/internal/collector"
	"github.com/probeline/probeline/internal/ringbuf"
	"github.com/probeline/probeline/internal/storage"
)

// Sink receives reconstructed events. Satisfied by *storage.Pipeline.
type Sink interface {
	Enqueue(sessionID string, e storage.Event)
}

// Config tunes the harvester.
type Config struct {
	// Interval is the drain cadence.
	Interval time.Duration
	Sampler  SamplerConfig
}

// frame is one open call on a thread's reconstruction stack.
type frame struct {
	seq       int64
	funcID    uint32
	depth     uint16
	timestamp uint64
}

// sessionState is one session's drain-side bookkeeping. Touched only
// under the harvester mutex; the ring itself is lock-free.
type sessionState struct {
	id           string
	pid          int
	buf          *ringbuf.Buffer
	registry     *collector.FunctionRegistry
	sampler      *AdaptiveSampler
	nextSeq      int64
	stacks       map[uint32][]frame
	lastOverflow uint64
}

// Harvester drains every registered session's ring on a fixed cadence.
// Each cycle reads at most one ring's worth of entries, reconstructs
// parent links and call durations per thread, and hands the events to
// the sink. After each cycle it feeds ring occupancy back into the
// session's sampler and publishes any interval change to the ring
// header, where light hooks pick it up.
type Harvester struct {
	logger zerolog.Logger
	sink   Sink
	cfg    Config

	mu       sync.Mutex
	sessions map[string]*sessionState
	// retired keeps seq counters for removed sessions so late output
	// and crash events still get distinct, ordered seqs.
	retired map[string]int64

	stop chan struct{}
	done chan struct{}
}

// NewHarvester starts the drain loop.
func NewHarvester(logger zerolog.Logger, sink Sink, cfg Config) *Harvester {
	h := &Harvester{
		logger:   logger.With().Str("component", "harvester").Logger(),
		sink:     sink,
		cfg:      cfg,
		sessions: make(map[string]*sessionState),
		retired:  make(map[string]int64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go h.run()
	return h
}

// AddSession registers a session's ring for draining.
func (h *Harvester) AddSession(id string, pid int, buf *ringbuf.Buffer, registry *collector.FunctionRegistry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[id] = &sessionState{
		id:       id,
		pid:      pid,
		buf:      buf,
		registry: registry,
		sampler:  NewAdaptiveSampler(h.cfg.Sampler),
		nextSeq:  1,
		stacks:   make(map[uint32][]frame),
	}
}

// RemoveSession performs a final drain and unregisters the session.
func (h *Harvester) RemoveSession(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.sessions[id]; ok {
		h.drainSession(st)
		delete(h.sessions, id)
		h.retired[id] = st.nextSeq
	}
}

// AllocSeq reserves the next event seq for a session, for events that
// originate outside the ring (process output, crash reports). Removed
// sessions keep their counter, so a crash report arriving during
// teardown still sequences after the drained events.
func (h *Harvester) AllocSeq(id string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.sessions[id]; ok {
		seq := st.nextSeq
		st.nextSeq++
		return seq
	}
	seq := h.retired[id]
	if seq == 0 {
		seq = 1
	}
	h.retired[id] = seq + 1
	return seq
}

// DrainSession runs one drain cycle for a session immediately, outside
// the cadence. Used at query time to surface fresh events.
func (h *Harvester) DrainSession(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.sessions[id]; ok {
		h.drainSession(st)
	}
}

// Close stops the drain loop after a final cycle over all sessions.
func (h *Harvester) Close() {
	close(h.stop)
	<-h.done
}

func (h *Harvester) run() {
	defer close(h.done)

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.drainAll()
		case <-h.stop:
			h.drainAll()
			return
		}
	}
}

func (h *Harvester) drainAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, st := range h.sessions {
		h.drainSession(st)
	}
}

func (h *Harvester) drainSession(st *sessionState) {
	pending := st.buf.Pending()
	if pending > 0 {
		read := st.buf.ReadIndex()
		var e ringbuf.RawEntry
		for i := uint64(0); i < pending; i++ {
			st.buf.ReadAt(read+i, &e)
			h.processEntry(st, &e)
		}
		st.buf.AdvanceRead(pending)
	}

	// Overflow is diagnostic only; producers already overwrote the
	// oldest entries and moved on.
	if of := st.buf.OverflowCount(); of > st.lastOverflow {
		h.logger.Warn().
			Str("session_id", st.id).
			Uint64("dropped", of-st.lastOverflow).
			Uint64("total_dropped", of).
			Msg("ring overflow observed")
		st.lastOverflow = of
	}

	if interval, changed := st.sampler.Observe(pending, st.buf.Capacity()); changed {
		st.buf.SetSampleInterval(interval)
		h.logger.Info().
			Str("session_id", st.id).
			Uint32("interval", interval).
			Uint64("pending", pending).
			Msg("sample interval adjusted")
	}
}

func (h *Harvester) processEntry(st *sessionState, e *ringbuf.RawEntry) {
	target, ok := st.registry.Lookup(e.FuncID)
	if !ok {
		// Orphaned id: the hook was removed after this entry was
		// produced. Skip it.
		return
	}

	stack := st.stacks[e.ThreadID]

	switch e.Kind {
	case ringbuf.KindEnter:
		// Resync to the recorded depth: anything at or deeper than this
		// entry can no longer be open on the thread.
		for len(stack) > 0 && stack[len(stack)-1].depth >= e.Depth {
			stack = stack[:len(stack)-1]
		}

		var parentSeq int64
		if len(stack) > 0 {
			parentSeq = stack[len(stack)-1].seq
		}

		seq := st.nextSeq
		st.nextSeq++
		h.sink.Enqueue(st.id, storage.Event{
			Seq:        seq,
			Kind:       storage.EventEnter,
			Timestamp:  e.Timestamp,
			PID:        st.pid,
			ThreadID:   e.ThreadID,
			Function:   target.Name,
			SourceFile: target.SourceFile,
			Line:       target.Line,
			Depth:      e.Depth,
			ParentSeq:  parentSeq,
			Arg0:       e.Arg0,
			Arg1:       e.Arg1,
			Sampled:    e.Sampled,
		})
		stack = append(stack, frame{seq: seq, funcID: e.FuncID, depth: e.Depth, timestamp: e.Timestamp})

	case ringbuf.KindExit:
		// Pop frames the thread abandoned (longjmp, exceptions, lost
		// entries) before matching this exit.
		for len(stack) > 0 && stack[len(stack)-1].depth > e.Depth {
			stack = stack[:len(stack)-1]
		}

		var duration uint64
		if len(stack) > 0 {
			top := stack[len(stack)-1]
			if top.depth == e.Depth && top.funcID == e.FuncID {
				if e.Timestamp > top.timestamp {
					duration = e.Timestamp - top.timestamp
				}
				stack = stack[:len(stack)-1]
			}
		}

		seq := st.nextSeq
		st.nextSeq++
		h.sink.Enqueue(st.id, storage.Event{
			Seq:        seq,
			Kind:       storage.EventExit,
			Timestamp:  e.Timestamp,
			PID:        st.pid,
			ThreadID:   e.ThreadID,
			Function:   target.Name,
			SourceFile: target.SourceFile,
			Line:       target.Line,
			Depth:      e.Depth,
			DurationNs: duration,
			Ret:        e.Ret,
		})
	}

	st.stacks[e.ThreadID] = stack
}
