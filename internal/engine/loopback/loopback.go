// Package loopback provides an in-process instrumentation engine. It
// hosts the embedded collector in the controller's own address space
// and honors the full controller-collector message protocol, so the
// pipeline can run end to end without a real injector. Used by tests
// and by `probelined serve --engine loopback`.
package loopback

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/probeline/probeline/internal/engine"
	"github.com/probeline/probeline/internal/ringbuf"
)

// Engine is an in-process engine.Engine implementation.
type Engine struct {
	logger zerolog.Logger

	mu      sync.Mutex
	nextPID int
	procs   map[int]*process

	// InstallDelay delays hook install confirmations, simulating a slow
	// collector.
	InstallDelay time.Duration
	// DropConfirmations suppresses install/watch confirmations so
	// callers time out.
	DropConfirmations bool
}

// New creates a loopback engine.
func New(logger zerolog.Logger) *Engine {
	return &Engine{
		logger:  logger.With().Str("component", "loopback_engine").Logger(),
		nextPID: 1000,
		procs:   make(map[int]*process),
	}
}

type process struct {
	pid       int
	spec      engine.SpawnSpec
	suspended bool
	alive     bool
	script    *script
}

type script struct {
	eng      *Engine
	pid      int
	buf      *ringbuf.Buffer
	embedded *ringbuf.Embedded

	mu       sync.Mutex
	messages chan<- engine.Message
	closed   bool
	watches  []engine.WatchTarget
}

// Spawn creates a suspended simulated process.
func (e *Engine) Spawn(ctx context.Context, spec engine.SpawnSpec) (int, error) {
	if spec.Cmd == "" {
		return 0, fmt.Errorf("loopback: empty command")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	pid := e.nextPID
	e.nextPID++
	e.procs[pid] = &process{pid: pid, spec: spec, suspended: true, alive: true}

	e.logger.Debug().Int("pid", pid).Str("cmd", spec.Cmd).Msg("spawned suspended process")
	return pid, nil
}

// Attach attaches to a spawned process.
func (e *Engine) Attach(pid int) (engine.Process, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.procs[pid]
	if !ok || !p.alive {
		return nil, fmt.Errorf("loopback: no such process %d", pid)
	}
	return &procHandle{eng: e, p: p}, nil
}

// Resume resumes a suspended process.
func (e *Engine) Resume(pid int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.procs[pid]
	if !ok || !p.alive {
		return fmt.Errorf("loopback: no such process %d", pid)
	}
	p.suspended = false
	return nil
}

// Kill terminates a process and closes its script channel.
func (e *Engine) Kill(pid int) error {
	e.mu.Lock()
	p, ok := e.procs[pid]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("loopback: no such process %d", pid)
	}
	if p.script != nil {
		_ = p.script.Close()
	}
	e.mu.Lock()
	p.alive = false
	e.mu.Unlock()
	return nil
}

type procHandle struct {
	eng *Engine
	p   *process
}

// LoadScript hosts the embedded collector for this process.
func (h *procHandle) LoadScript(source []byte, messages chan<- engine.Message) (engine.Script, error) {
	var cfg engine.ScriptConfig
	if err := json.Unmarshal(source, &cfg); err != nil {
		return nil, fmt.Errorf("loopback: bad script config: %w", err)
	}
	if cfg.RingCapacity == 0 {
		cfg.RingCapacity = 16384
	}

	buf, err := ringbuf.New(cfg.RingCapacity)
	if err != nil {
		return nil, err
	}

	s := &script{
		eng:      h.eng,
		pid:      h.p.pid,
		buf:      buf,
		embedded: ringbuf.NewEmbedded(buf),
		messages: messages,
	}

	h.eng.mu.Lock()
	h.p.script = s
	h.eng.mu.Unlock()
	return s, nil
}

func (h *procHandle) ImageBase() uint64 {
	// Simulated processes load at a fixed base.
	return 0x100000000
}

func (h *procHandle) Detach() error {
	return nil
}

// Post handles a controller payload: install/remove hooks, set watches.
// Confirmations are delivered asynchronously on the message channel,
// like a real collector would.
func (s *script) Post(payload []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("loopback: script closed")
	}

	var env engine.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("loopback: bad payload: %w", err)
	}

	switch env.Type {
	case "hooks":
		var p engine.HooksPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		switch p.Action {
		case "add":
			specs := make([]ringbuf.InstallSpec, 0, len(p.Functions))
			for _, f := range p.Functions {
				mode := ringbuf.ModeFull
				if f.Mode == "light" {
					mode = ringbuf.ModeLight
				}
				specs = append(specs, ringbuf.InstallSpec{Address: f.Address, FuncID: f.FuncID, Mode: mode})
			}
			installed := s.embedded.Install(specs)
			s.confirm(engine.Message{Type: engine.MessageHooksInstalled, InstalledCount: installed})
		case "remove":
			addrs := make([]uint64, 0, len(p.Functions))
			for _, f := range p.Functions {
				addrs = append(addrs, f.Address)
			}
			s.embedded.Remove(addrs)
		default:
			return fmt.Errorf("loopback: unknown hooks action %q", p.Action)
		}
	case "watches":
		var p engine.WatchesPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		s.mu.Lock()
		s.watches = p.Watches
		s.mu.Unlock()
		s.confirm(engine.Message{Type: engine.MessageWatchesSet})
	default:
		return fmt.Errorf("loopback: unknown payload type %q", env.Type)
	}
	return nil
}

// confirm delivers a confirmation asynchronously, honoring the engine's
// delay and drop knobs.
func (s *script) confirm(msg engine.Message) {
	if s.eng.DropConfirmations {
		return
	}
	delay := s.eng.InstallDelay
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		s.send(msg)
	}()
}

func (s *script) send(msg engine.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.messages <- msg:
	default:
		// Message channel full; drop rather than block the collector.
	}
}

func (s *script) Region() *ringbuf.Buffer {
	return s.buf
}

func (s *script) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.messages)
	return nil
}

// Collector returns the embedded collector for a pid, for synthesizing
// calls in tests and demos.
func (e *Engine) Collector(pid int) *ringbuf.Embedded {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.procs[pid]
	if !ok || p.script == nil {
		return nil
	}
	return p.script.embedded
}

// Watches returns the active watch set for a pid.
func (e *Engine) Watches(pid int) []engine.WatchTarget {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.procs[pid]
	if !ok || p.script == nil {
		return nil
	}
	p.script.mu.Lock()
	defer p.script.mu.Unlock()
	return append([]engine.WatchTarget(nil), p.script.watches...)
}

// SpawnChild simulates the target spawning a child process and emits
// the child notification on the parent's message channel.
func (e *Engine) SpawnChild(parentPID int) (int, error) {
	e.mu.Lock()
	parent, ok := e.procs[parentPID]
	if !ok || !parent.alive || parent.script == nil {
		e.mu.Unlock()
		return 0, fmt.Errorf("loopback: no such process %d", parentPID)
	}
	pid := e.nextPID
	e.nextPID++
	e.procs[pid] = &process{
		pid:       pid,
		spec:      parent.spec,
		suspended: true,
		alive:     true,
	}
	s := parent.script
	e.mu.Unlock()

	s.send(engine.Message{Type: engine.MessageChildSpawned, ParentPID: parentPID, ChildPID: pid})
	return pid, nil
}

// EmitOutput simulates captured process output.
func (e *Engine) EmitOutput(pid int, stream, text string) {
	if s := e.scriptFor(pid); s != nil {
		s.send(engine.Message{Type: engine.MessageOutput, Stream: stream, Text: text})
	}
}

// EmitCrash simulates a target crash report.
func (e *Engine) EmitCrash(pid int, report *engine.CrashReport) {
	if s := e.scriptFor(pid); s != nil {
		s.send(engine.Message{Type: engine.MessageCrash, Crash: report})
	}
}

// ExitProcess simulates the target exiting on its own with the given
// code.
func (e *Engine) ExitProcess(pid, code int) {
	e.mu.Lock()
	p, ok := e.procs[pid]
	if ok {
		p.alive = false
	}
	e.mu.Unlock()
	if s := e.scriptFor(pid); s != nil {
		s.send(engine.Message{Type: engine.MessageExited, ExitCode: code})
	}
}

// CrashScript simulates the collector script dying: the message channel
// closes and further posts fail.
func (e *Engine) CrashScript(pid int) {
	if s := e.scriptFor(pid); s != nil {
		_ = s.Close()
	}
}

// Alive reports whether a simulated process is still running.
func (e *Engine) Alive(pid int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.procs[pid]
	return ok && p.alive
}

func (e *Engine) scriptFor(pid int) *script {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.procs[pid]
	if !ok {
		return nil
	}
	return p.script
}
