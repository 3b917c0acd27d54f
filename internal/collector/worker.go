package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/probeline/probeline/internal/engine"
)

// OutputEvent is process output, a crash, or a normal exit surfaced by
// a worker's message pump.
type OutputEvent struct {
	PID      int
	Stream   string
	Text     string
	Crash    *engine.CrashReport
	Exited   bool
	ExitCode int
}

// EventSink receives output and crash events from session workers.
type EventSink interface {
	Emit(sessionID string, ev OutputEvent)
}

// ChildNotifier receives child-spawn notifications from workers.
// Satisfied by *Coordinator.
type ChildNotifier interface {
	NotifyChild(note ChildNote)
}

type addPatternsCmd struct {
	functions []engine.HookFunction
	resp      chan addResult
}

// addResult carries the collector's confirmed install count. Install
// can partially fail per function, so the count is authoritative, not
// the batch size.
type addResult struct {
	installed int
	err       error
}

type removePatternsCmd struct {
	functions []engine.HookFunction
	resp      chan error
}

type setWatchesCmd struct {
	watches []engine.WatchTarget
	resp    chan error
}

// Worker owns a single session's script handle. It drives all script
// communication from one goroutine: commands arrive on the command
// channel, confirmations on the script's message channel. A closed
// message channel means the script side died and the worker fails fast.
type Worker struct {
	logger         zerolog.Logger
	sessionID      string
	pid            int
	notifier       ChildNotifier
	sink           EventSink
	installTimeout time.Duration

	cmds chan interface{}
	stop chan struct{}
	done chan struct{}

	confirms  chan int
	watchAcks chan struct{}
	dead      chan struct{}
}

// NewWorker claims the script token and starts the session worker. The
// token can only be claimed once; a second worker on the same result is
// a programming error and surfaces as ErrTokenClaimed.
func NewWorker(logger zerolog.Logger, sessionID string, res SpawnResult, notifier ChildNotifier, sink EventSink, installTimeout time.Duration) (*Worker, error) {
	script, err := res.Token.Claim()
	if err != nil {
		return nil, err
	}

	w := &Worker{
		logger: logger.With().
			Str("component", "session-worker").
			Str("session_id", sessionID).
			Logger(),
		sessionID:      sessionID,
		pid:            res.PID,
		notifier:       notifier,
		sink:           sink,
		installTimeout: installTimeout,
		cmds:           make(chan interface{}),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		confirms:       make(chan int, 8),
		watchAcks:      make(chan struct{}, 8),
		dead:           make(chan struct{}),
	}
	go w.run(script, res.Messages)
	return w, nil
}

// AddPatterns posts a hook installation batch and waits for the script
// to confirm, bounded by the install timeout. Returns the number of
// hooks the collector actually installed, which may be fewer than
// requested when some code is unpatchable.
func (w *Worker) AddPatterns(ctx context.Context, functions []engine.HookFunction) (int, error) {
	cmd := addPatternsCmd{functions: functions, resp: make(chan addResult, 1)}

	select {
	case w.cmds <- cmd:
	case <-w.dead:
		return 0, ErrWorkerDied
	case <-w.stop:
		return 0, ErrShuttingDown
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case res := <-cmd.resp:
		return res.installed, res.err
	case <-w.dead:
		return 0, ErrWorkerDied
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// RemovePatterns posts a hook removal batch and waits for confirmation.
func (w *Worker) RemovePatterns(ctx context.Context, functions []engine.HookFunction) error {
	return w.dispatch(ctx, removePatternsCmd{functions: functions, resp: make(chan error, 1)})
}

// SetWatches replaces the session's memory watch set.
func (w *Worker) SetWatches(ctx context.Context, watches []engine.WatchTarget) error {
	return w.dispatch(ctx, setWatchesCmd{watches: watches, resp: make(chan error, 1)})
}

func (w *Worker) dispatch(ctx context.Context, cmd interface{}) error {
	var resp chan error
	switch v := cmd.(type) {
	case removePatternsCmd:
		resp = v.resp
	case setWatchesCmd:
		resp = v.resp
	}

	select {
	case w.cmds <- cmd:
	case <-w.dead:
		return ErrWorkerDied
	case <-w.stop:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-resp:
		return err
	case <-w.dead:
		return ErrWorkerDied
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the worker and closes the script handle. It is phase
// one of session teardown; the coordinator kills the processes after.
func (w *Worker) Shutdown() {
	close(w.stop)
	<-w.done
}

func (w *Worker) run(script engine.Script, messages <-chan engine.Message) {
	defer close(w.done)

	go w.pump(messages)

	for {
		select {
		case cmd := <-w.cmds:
			switch v := cmd.(type) {
			case addPatternsCmd:
				n, err := w.installHooks(script, v.functions)
				v.resp <- addResult{installed: n, err: err}
			case removePatternsCmd:
				// Removal is fire-and-forget; the collector does not
				// confirm it.
				v.resp <- w.postHooks(script, "remove", v.functions)
			case setWatchesCmd:
				v.resp <- w.postWatches(script, v.watches)
			}
		case <-w.dead:
			_ = script.Close()
			return
		case <-w.stop:
			_ = script.Close()
			return
		}
	}
}

func (w *Worker) postHooks(script engine.Script, action string, functions []engine.HookFunction) error {
	payload, err := engine.MarshalHooks(engine.HooksPayload{
		Type:      "hooks",
		Action:    action,
		Functions: functions,
	})
	if err != nil {
		return fmt.Errorf("encode hooks payload: %w", err)
	}
	if err := script.Post(payload); err != nil {
		return fmt.Errorf("%w: post hooks: %v", ErrWorkerDied, err)
	}
	return nil
}

func (w *Worker) installHooks(script engine.Script, functions []engine.HookFunction) (int, error) {
	// A confirmation from a batch that already timed out may still be
	// buffered; its count belongs to the old batch, not this one.
	for {
		select {
		case stale := <-w.confirms:
			w.logger.Warn().Int("installed", stale).Msg("discarding stale install confirmation")
			continue
		default:
		}
		break
	}

	if err := w.postHooks(script, "add", functions); err != nil {
		return 0, err
	}

	timer := time.NewTimer(w.installTimeout)
	defer timer.Stop()
	select {
	case n := <-w.confirms:
		w.logger.Debug().Int("requested", len(functions)).Int("installed", n).Msg("hooks confirmed")
		return n, nil
	case <-w.dead:
		return 0, ErrWorkerDied
	case <-timer.C:
		return 0, fmt.Errorf("%w: install of %d functions", ErrConfirmationTimeout, len(functions))
	}
}

func (w *Worker) postWatches(script engine.Script, watches []engine.WatchTarget) error {
	payload, err := engine.MarshalWatches(engine.WatchesPayload{
		Type:    "watches",
		Watches: watches,
	})
	if err != nil {
		return fmt.Errorf("encode watches payload: %w", err)
	}
	if err := script.Post(payload); err != nil {
		return fmt.Errorf("%w: post watches: %v", ErrWorkerDied, err)
	}

	timer := time.NewTimer(w.installTimeout)
	defer timer.Stop()
	select {
	case <-w.watchAcks:
		return nil
	case <-w.dead:
		return ErrWorkerDied
	case <-timer.C:
		return fmt.Errorf("%w: set %d watches", ErrConfirmationTimeout, len(watches))
	}
}

// pump routes script messages until the channel closes. Channel close
// marks the worker dead; pending and future commands fail with
// ErrWorkerDied rather than hanging.
func (w *Worker) pump(messages <-chan engine.Message) {
	for msg := range messages {
		switch msg.Type {
		case engine.MessageHooksInstalled:
			select {
			case w.confirms <- msg.InstalledCount:
			default:
			}
		case engine.MessageWatchesSet:
			select {
			case w.watchAcks <- struct{}{}:
			default:
			}
		case engine.MessageChildSpawned:
			w.notifier.NotifyChild(ChildNote{ParentPID: msg.ParentPID, ChildPID: msg.ChildPID})
		case engine.MessageOutput:
			w.sink.Emit(w.sessionID, OutputEvent{PID: w.pid, Stream: msg.Stream, Text: msg.Text})
		case engine.MessageCrash:
			w.sink.Emit(w.sessionID, OutputEvent{PID: w.pid, Crash: msg.Crash})
			w.logger.Error().
				Int("pid", w.pid).
				Str("signal", msg.Crash.Signal).
				Msg("instrumented process crashed")
		case engine.MessageExited:
			w.sink.Emit(w.sessionID, OutputEvent{PID: w.pid, Exited: true, ExitCode: msg.ExitCode})
			w.logger.Info().
				Int("pid", w.pid).
				Int("exit_code", msg.ExitCode).
				Msg("instrumented process exited")
		case engine.MessageLog:
			w.logger.Debug().Str("text", msg.Text).Msg("script log")
		}
	}
	close(w.dead)
}
