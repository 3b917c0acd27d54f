package drain

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probeline/probeline/internal/collector"
	"github.com/probeline/probeline/internal/resolver"
	"github.com/probeline/probeline/internal/ringbuf"
	"github.com/probeline/probeline/internal/storage"
	"github.com/probeline/probeline/internal/testutil"
)

type captureSink struct {
	mu     sync.Mutex
	events map[string][]storage.Event
}

func newCaptureSink() *captureSink {
	return &captureSink{events: make(map[string][]storage.Event)}
}

func (s *captureSink) Enqueue(sessionID string, e storage.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[sessionID] = append(s.events[sessionID], e)
}

func (s *captureSink) session(id string) []storage.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.Event(nil), s.events[id]...)
}

type harness struct {
	h        *Harvester
	sink     *captureSink
	buf      *ringbuf.Buffer
	registry *collector.FunctionRegistry
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	buf, err := ringbuf.New(1024)
	require.NoError(t, err)

	sink := newCaptureSink()
	h := NewHarvester(testutil.NewTestLogger(t), sink, Config{
		Interval: time.Hour, // driven manually via DrainSession
		Sampler:  testSamplerConfig(),
	})
	t.Cleanup(h.Close)

	registry := collector.NewFunctionRegistry()
	h.AddSession("sess-1", 1234, buf, registry)
	return &harness{h: h, sink: sink, buf: buf, registry: registry}
}

func (ha *harness) register(name string, addr uint64) uint32 {
	return ha.registry.Register(resolver.FunctionTarget{
		Address: addr, Name: name, SourceFile: "src/lib.rs", Line: 10,
	})
}

func (ha *harness) enter(funcID, tid uint32, depth uint16, ts uint64) {
	ha.buf.Write(&ringbuf.RawEntry{
		Timestamp: ts, FuncID: funcID, ThreadID: tid, Depth: depth, Kind: ringbuf.KindEnter,
	})
}

func (ha *harness) exit(funcID, tid uint32, depth uint16, ts uint64) {
	ha.buf.Write(&ringbuf.RawEntry{
		Timestamp: ts, FuncID: funcID, ThreadID: tid, Depth: depth, Kind: ringbuf.KindExit,
	})
}

func TestHarvesterPairsEnterExit(t *testing.T) {
	ha := newHarness(t)
	outer := ha.register("outer", 0x1000)
	inner := ha.register("inner", 0x2000)

	ha.enter(outer, 1, 0, 100)
	ha.enter(inner, 1, 1, 200)
	ha.exit(inner, 1, 1, 350)
	ha.exit(outer, 1, 0, 500)

	ha.h.DrainSession("sess-1")

	events := ha.sink.session("sess-1")
	require.Len(t, events, 4)

	assert.Equal(t, storage.EventEnter, events[0].Kind)
	assert.Equal(t, "outer", events[0].Function)
	assert.Zero(t, events[0].ParentSeq)

	assert.Equal(t, "inner", events[1].Function)
	assert.Equal(t, events[0].Seq, events[1].ParentSeq)

	assert.Equal(t, storage.EventExit, events[2].Kind)
	assert.Equal(t, uint64(150), events[2].DurationNs)
	assert.Equal(t, uint64(400), events[3].DurationNs)
}

func TestHarvesterSkipsOrphanedFuncIDs(t *testing.T) {
	ha := newHarness(t)
	known := ha.register("known", 0x1000)

	ha.enter(known, 1, 0, 100)
	ha.enter(999, 1, 1, 200) // never registered
	ha.exit(known, 1, 0, 300)

	ha.h.DrainSession("sess-1")

	events := ha.sink.session("sess-1")
	require.Len(t, events, 2)
	assert.Equal(t, "known", events[0].Function)
	assert.Equal(t, "known", events[1].Function)
}

func TestHarvesterResyncsOnLostExits(t *testing.T) {
	ha := newHarness(t)
	a := ha.register("a", 0x1000)
	b := ha.register("b", 0x2000)
	c := ha.register("c", 0x3000)

	// b's exit was lost to overwrite; c arrives at b's depth, so b's
	// frame must be popped and c's parent is a.
	ha.enter(a, 1, 0, 100)
	ha.enter(b, 1, 1, 200)
	ha.enter(c, 1, 1, 400)

	ha.h.DrainSession("sess-1")

	events := ha.sink.session("sess-1")
	require.Len(t, events, 3)
	assert.Equal(t, events[0].Seq, events[1].ParentSeq)
	assert.Equal(t, events[0].Seq, events[2].ParentSeq)
}

func TestHarvesterUnmatchedExitHasNoDuration(t *testing.T) {
	ha := newHarness(t)
	a := ha.register("a", 0x1000)

	// Exit with no open frame (its enter was overwritten).
	ha.exit(a, 1, 2, 500)

	ha.h.DrainSession("sess-1")

	events := ha.sink.session("sess-1")
	require.Len(t, events, 1)
	assert.Equal(t, storage.EventExit, events[0].Kind)
	assert.Zero(t, events[0].DurationNs)
}

func TestHarvesterTracksThreadsIndependently(t *testing.T) {
	ha := newHarness(t)
	a := ha.register("a", 0x1000)
	b := ha.register("b", 0x2000)

	ha.enter(a, 1, 0, 100)
	ha.enter(b, 2, 0, 150) // different thread, not a's child
	ha.enter(b, 1, 1, 200)

	ha.h.DrainSession("sess-1")

	events := ha.sink.session("sess-1")
	require.Len(t, events, 3)
	assert.Zero(t, events[0].ParentSeq)
	assert.Zero(t, events[1].ParentSeq)
	assert.Equal(t, events[0].Seq, events[2].ParentSeq)
}

func TestHarvesterSpansDrainCycles(t *testing.T) {
	ha := newHarness(t)
	a := ha.register("a", 0x1000)

	// The call stays open across a cycle boundary; the exit in the next
	// cycle still pairs with it.
	ha.enter(a, 1, 0, 100)
	ha.h.DrainSession("sess-1")

	ha.exit(a, 1, 0, 900)
	ha.h.DrainSession("sess-1")

	events := ha.sink.session("sess-1")
	require.Len(t, events, 2)
	assert.Equal(t, uint64(800), events[1].DurationNs)
}

func TestHarvesterWritesSampleIntervalBack(t *testing.T) {
	ha := newHarness(t)
	a := ha.register("a", 0x1000)

	// Two consecutive cycles above the high watermark double the
	// interval and publish it to the ring header.
	for cycle := 0; cycle < 2; cycle++ {
		for i := uint64(0); i < 600; i++ {
			ha.enter(a, 1, 0, i)
		}
		ha.h.DrainSession("sess-1")
	}
	assert.Equal(t, uint32(2), ha.buf.SampleInterval())
}

func TestHarvesterRemoveSessionFinalDrain(t *testing.T) {
	ha := newHarness(t)
	a := ha.register("a", 0x1000)

	ha.enter(a, 1, 0, 100)
	ha.h.RemoveSession("sess-1")

	events := ha.sink.session("sess-1")
	assert.Len(t, events, 1)

	// Entries written after removal are no longer drained.
	ha.enter(a, 1, 0, 200)
	ha.h.DrainSession("sess-1")
	assert.Len(t, ha.sink.session("sess-1"), 1)
}

func TestHarvesterAllocSeqSurvivesRemoval(t *testing.T) {
	ha := newHarness(t)
	a := ha.register("a", 0x1000)

	ha.enter(a, 1, 0, 100)
	ha.exit(a, 1, 0, 200)
	ha.h.RemoveSession("sess-1")

	// A crash report landing during teardown still sequences after the
	// two drained events.
	assert.Equal(t, int64(3), ha.h.AllocSeq("sess-1"))
	assert.Equal(t, int64(4), ha.h.AllocSeq("sess-1"))
}
