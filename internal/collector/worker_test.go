package collector_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probeline/probeline/internal/collector"
	"github.com/probeline/probeline/internal/engine"
	"github.com/probeline/probeline/internal/engine/loopback"
	"github.com/probeline/probeline/internal/testutil"
)

type recordingSink struct {
	mu     sync.Mutex
	events []collector.OutputEvent
}

func (s *recordingSink) Emit(sessionID string, ev collector.OutputEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) snapshot() []collector.OutputEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]collector.OutputEvent(nil), s.events...)
}

type workerHarness struct {
	coord *collector.Coordinator
	eng   *loopback.Engine
	sink  *recordingSink
}

func newWorkerHarness(t *testing.T) *workerHarness {
	t.Helper()

	logger := testutil.NewTestLogger(t)
	eng := loopback.New(logger)
	coord := collector.NewCoordinator(logger, eng, collector.NewPIDRegistry(), 1024, 5*time.Millisecond)
	t.Cleanup(coord.Close)
	return &workerHarness{coord: coord, eng: eng, sink: &recordingSink{}}
}

func (h *workerHarness) startSession(t *testing.T, sessionID string, timeout time.Duration) (*collector.Worker, collector.SpawnResult) {
	t.Helper()

	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	res, err := h.coord.Spawn(ctx, collector.SpawnRequest{SessionID: sessionID, Cmd: "/bin/target"})
	require.NoError(t, err)

	w, err := collector.NewWorker(testutil.NewTestLogger(t), sessionID, res, h.coord, h.sink, timeout)
	require.NoError(t, err)
	return w, res
}

func TestWorkerAddPatternsConfirmed(t *testing.T) {
	h := newWorkerHarness(t)
	w, res := h.startSession(t, "sess-1", time.Second)
	defer w.Shutdown()

	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	installed, err := w.AddPatterns(ctx, []engine.HookFunction{
		{Address: 0x100001000, FuncID: 1, Mode: "full", Name: "foo::bar"},
		{Address: 0x100002000, FuncID: 2, Mode: "light", Name: "foo::baz"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, installed)

	emb := h.eng.Collector(res.PID)
	require.NotNil(t, emb)
	assert.Equal(t, 2, emb.ActiveCount())
}

func TestWorkerAddPatternsReportsPartialInstall(t *testing.T) {
	h := newWorkerHarness(t)
	w, res := h.startSession(t, "sess-1", time.Second)
	defer w.Shutdown()

	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	// Address zero is unpatchable; the collector skips it and the
	// confirmed count reflects what actually landed.
	installed, err := w.AddPatterns(ctx, []engine.HookFunction{
		{Address: 0x100001000, FuncID: 1, Mode: "full"},
		{Address: 0, FuncID: 2, Mode: "full"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, installed)
	assert.Equal(t, 1, h.eng.Collector(res.PID).ActiveCount())
}

func TestWorkerRemovePatterns(t *testing.T) {
	h := newWorkerHarness(t)
	w, res := h.startSession(t, "sess-1", time.Second)
	defer w.Shutdown()

	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	fns := []engine.HookFunction{{Address: 0x100001000, FuncID: 1, Mode: "full"}}
	_, err := w.AddPatterns(ctx, fns)
	require.NoError(t, err)
	require.NoError(t, w.RemovePatterns(ctx, fns))

	assert.Equal(t, 0, h.eng.Collector(res.PID).ActiveCount())
}

func TestWorkerConfirmationTimeout(t *testing.T) {
	h := newWorkerHarness(t)
	h.eng.DropConfirmations = true

	w, _ := h.startSession(t, "sess-1", 30*time.Millisecond)
	defer w.Shutdown()

	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	_, err := w.AddPatterns(ctx, []engine.HookFunction{{Address: 0x100001000, FuncID: 1, Mode: "full"}})
	require.ErrorIs(t, err, collector.ErrConfirmationTimeout)

	// The session survives a lost confirmation.
	h.eng.DropConfirmations = false
	installed, err := w.AddPatterns(ctx, []engine.HookFunction{{Address: 0x100002000, FuncID: 2, Mode: "full"}})
	assert.NoError(t, err)
	assert.Equal(t, 1, installed)
}

func TestWorkerLateConfirmationDoesNotLeakIntoNextBatch(t *testing.T) {
	h := newWorkerHarness(t)
	h.eng.InstallDelay = 50 * time.Millisecond

	w, _ := h.startSession(t, "sess-1", 20*time.Millisecond)
	defer w.Shutdown()

	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	// First batch times out before its confirmation (count 2) arrives.
	_, err := w.AddPatterns(ctx, []engine.HookFunction{
		{Address: 0x100001000, FuncID: 1, Mode: "full"},
		{Address: 0x100002000, FuncID: 2, Mode: "full"},
	})
	require.ErrorIs(t, err, collector.ErrConfirmationTimeout)

	// Let the delayed confirmation land in the buffer.
	time.Sleep(100 * time.Millisecond)
	h.eng.InstallDelay = 0

	installed, err := w.AddPatterns(ctx, []engine.HookFunction{{Address: 0x100003000, FuncID: 3, Mode: "full"}})
	require.NoError(t, err)
	assert.Equal(t, 1, installed)
}

func TestWorkerDiedFailsFast(t *testing.T) {
	h := newWorkerHarness(t)
	w, res := h.startSession(t, "sess-1", time.Second)
	defer w.Shutdown()

	h.eng.CrashScript(res.PID)

	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	start := time.Now()
	_, err := w.AddPatterns(ctx, []engine.HookFunction{{Address: 0x100001000, FuncID: 1, Mode: "full"}})
	require.ErrorIs(t, err, collector.ErrWorkerDied)
	// Fails immediately, not after the install timeout.
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestWorkerSetWatches(t *testing.T) {
	h := newWorkerHarness(t)
	w, res := h.startSession(t, "sess-1", time.Second)
	defer w.Shutdown()

	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	watches := []engine.WatchTarget{{Label: "counter", Address: 0x100003000, Size: 8}}
	require.NoError(t, w.SetWatches(ctx, watches))
	assert.Equal(t, watches, h.eng.Watches(res.PID))
}

func TestWorkerRoutesOutputAndCrash(t *testing.T) {
	h := newWorkerHarness(t)
	w, res := h.startSession(t, "sess-1", time.Second)
	defer w.Shutdown()

	h.eng.EmitOutput(res.PID, "stdout", "hello\n")
	h.eng.EmitCrash(res.PID, &engine.CrashReport{Signal: "SIGSEGV", FaultAddress: 0xdead})

	require.Eventually(t, func() bool {
		return len(h.sink.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)

	events := h.sink.snapshot()
	assert.Equal(t, "stdout", events[0].Stream)
	assert.Equal(t, "hello\n", events[0].Text)
	require.NotNil(t, events[1].Crash)
	assert.Equal(t, "SIGSEGV", events[1].Crash.Signal)
}

func TestWorkerIsolation(t *testing.T) {
	h := newWorkerHarness(t)
	h.eng.InstallDelay = 100 * time.Millisecond

	wa, _ := h.startSession(t, "sess-a", time.Second)
	defer wa.Shutdown()
	wb, _ := h.startSession(t, "sess-b", time.Second)
	defer wb.Shutdown()

	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	// A slow install on one session must not serialize behind the
	// other's; both complete in roughly one delay, not two.
	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(2)
	errs := make(chan error, 2)
	go func() {
		defer wg.Done()
		_, err := wa.AddPatterns(ctx, []engine.HookFunction{{Address: 0x100001000, FuncID: 1, Mode: "full"}})
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := wb.AddPatterns(ctx, []engine.HookFunction{{Address: 0x100002000, FuncID: 2, Mode: "full"}})
		errs <- err
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), 180*time.Millisecond)
}
