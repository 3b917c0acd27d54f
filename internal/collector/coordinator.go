package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/probeline/probeline/internal/engine"
	"github.com/probeline/probeline/internal/ringbuf"
)

// SpawnRequest asks the coordinator to launch a target under
// instrumentation.
type SpawnRequest struct {
	SessionID string
	Cmd       string
	Args      []string
	Env       map[string]string
	Cwd       string
}

// SpawnResult is everything a new session needs. The script token is
// handed to the session worker and must not be touched by anyone else.
type SpawnResult struct {
	PID       int
	ImageBase uint64
	Token     *ScriptToken
	Region    *ringbuf.Buffer
	Messages  <-chan engine.Message
}

// ChildNote records a child process spawned by an instrumented target.
type ChildNote struct {
	ParentPID int
	ChildPID  int
}

type spawnCmd struct {
	req  SpawnRequest
	resp chan spawnResp
}

type spawnResp struct {
	result SpawnResult
	err    error
}

type stopCmd struct {
	sessionID string
	resp      chan error
}

// Coordinator is the single goroutine allowed to touch the engine's
// device handle. All device-level operations funnel through its command
// queue; each loop iteration also drains pending child notifications,
// bounded by the poll interval so neither starves the other.
type Coordinator struct {
	logger       zerolog.Logger
	eng          engine.Engine
	pids         *PIDRegistry
	ringCapacity uint64
	pollInterval time.Duration

	cmds     chan interface{}
	children chan ChildNote
	stop     chan struct{}
	done     chan struct{}

	// procs is touched only by the coordinator goroutine.
	procs map[int]engine.Process
}

// NewCoordinator creates and starts a coordinator.
func NewCoordinator(logger zerolog.Logger, eng engine.Engine, pids *PIDRegistry, ringCapacity uint64, pollInterval time.Duration) *Coordinator {
	c := &Coordinator{
		logger:       logger.With().Str("component", "coordinator").Logger(),
		eng:          eng,
		pids:         pids,
		ringCapacity: ringCapacity,
		pollInterval: pollInterval,
		cmds:         make(chan interface{}),
		children:     make(chan ChildNote, 64),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go c.run()
	return c
}

// Spawn launches the target suspended, attaches, loads the embedded
// collector, registers the pid, and resumes. Any failure mid-sequence
// unwinds fully before returning.
func (c *Coordinator) Spawn(ctx context.Context, req SpawnRequest) (SpawnResult, error) {
	resp := make(chan spawnResp, 1)
	select {
	case c.cmds <- spawnCmd{req: req, resp: resp}:
	case <-c.stop:
		return SpawnResult{}, ErrShuttingDown
	case <-ctx.Done():
		return SpawnResult{}, ctx.Err()
	}

	select {
	case r := <-resp:
		return r.result, r.err
	case <-ctx.Done():
		return SpawnResult{}, ctx.Err()
	}
}

// StopSession kills every process attributed to the session and
// unregisters the pids. The session's script handle is the worker's to
// clean up; the coordinator only touches the process level.
func (c *Coordinator) StopSession(ctx context.Context, sessionID string) error {
	resp := make(chan error, 1)
	select {
	case c.cmds <- stopCmd{sessionID: sessionID, resp: resp}:
	case <-c.stop:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NotifyChild enqueues a child-spawn notification. Non-blocking: a full
// queue drops the note rather than stalling the message pump.
func (c *Coordinator) NotifyChild(note ChildNote) {
	select {
	case c.children <- note:
	default:
		c.logger.Warn().
			Int("parent_pid", note.ParentPID).
			Int("child_pid", note.ChildPID).
			Msg("child notification queue full, dropping")
	}
}

// Close stops the coordinator loop.
func (c *Coordinator) Close() {
	close(c.stop)
	<-c.done
}

func (c *Coordinator) run() {
	defer close(c.done)

	c.procs = make(map[int]engine.Process)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-c.cmds:
			switch v := cmd.(type) {
			case spawnCmd:
				result, err := c.handleSpawn(v.req)
				v.resp <- spawnResp{result: result, err: err}
			case stopCmd:
				v.resp <- c.handleStop(v.sessionID)
			}
			c.drainChildren()
		case <-ticker.C:
			c.drainChildren()
		case <-c.stop:
			return
		}
	}
}

func (c *Coordinator) handleSpawn(req SpawnRequest) (SpawnResult, error) {
	pid, err := c.eng.Spawn(context.Background(), engine.SpawnSpec{
		Cmd:  req.Cmd,
		Args: req.Args,
		Env:  req.Env,
		Cwd:  req.Cwd,
	})
	if err != nil {
		return SpawnResult{}, fmt.Errorf("%w: spawn %s: %v", ErrAttachFailed, req.Cmd, err)
	}

	proc, err := c.eng.Attach(pid)
	if err != nil {
		_ = c.eng.Kill(pid)
		return SpawnResult{}, fmt.Errorf("%w: attach pid %d: %v", ErrAttachFailed, pid, err)
	}

	messages := make(chan engine.Message, 256)
	source := engine.EncodeScriptConfig(engine.ScriptConfig{
		SessionID:    req.SessionID,
		RingCapacity: c.ringCapacity,
	})
	script, err := proc.LoadScript(source, messages)
	if err != nil {
		_ = proc.Detach()
		_ = c.eng.Kill(pid)
		return SpawnResult{}, fmt.Errorf("%w: load script pid %d: %v", ErrAttachFailed, pid, err)
	}

	c.pids.Register(pid, req.SessionID)

	if err := c.eng.Resume(pid); err != nil {
		c.pids.Remove(pid)
		_ = script.Close()
		_ = proc.Detach()
		_ = c.eng.Kill(pid)
		return SpawnResult{}, fmt.Errorf("%w: resume pid %d: %v", ErrAttachFailed, pid, err)
	}

	c.procs[pid] = proc

	c.logger.Info().
		Str("session_id", req.SessionID).
		Str("cmd", req.Cmd).
		Int("pid", pid).
		Msg("spawned instrumented process")

	return SpawnResult{
		PID:       pid,
		ImageBase: proc.ImageBase(),
		Token:     NewScriptToken(script),
		Region:    script.Region(),
		Messages:  messages,
	}, nil
}

func (c *Coordinator) handleStop(sessionID string) error {
	pids := c.pids.PIDs(sessionID)
	if len(pids) == 0 {
		return ErrSessionNotFound
	}

	for _, pid := range pids {
		if proc, ok := c.procs[pid]; ok {
			_ = proc.Detach()
			delete(c.procs, pid)
		}
		if err := c.eng.Kill(pid); err != nil {
			c.logger.Warn().Err(err).Int("pid", pid).Msg("failed to kill process")
		}
		c.pids.Remove(pid)
	}

	c.logger.Info().
		Str("session_id", sessionID).
		Ints("pids", pids).
		Msg("stopped session processes")
	return nil
}

// drainChildren attributes newly spawned children to sessions. A child
// belongs to whichever session owns its parent's pid; registry
// iteration order is never consulted.
func (c *Coordinator) drainChildren() {
	for {
		select {
		case note := <-c.children:
			sessionID, ok := c.pids.Lookup(note.ParentPID)
			if !ok {
				c.logger.Warn().
					Int("parent_pid", note.ParentPID).
					Int("child_pid", note.ChildPID).
					Msg("child from unknown parent, ignoring")
				continue
			}
			c.pids.Register(note.ChildPID, sessionID)
			if err := c.eng.Resume(note.ChildPID); err != nil {
				c.logger.Debug().Err(err).Int("pid", note.ChildPID).Msg("child resume failed")
			}
			c.logger.Info().
				Str("session_id", sessionID).
				Int("parent_pid", note.ParentPID).
				Int("child_pid", note.ChildPID).
				Msg("attributed child process")
		default:
			return
		}
	}
}
