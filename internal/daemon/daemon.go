// Package daemon wires the instrumentation pipeline together: engine
// coordination, session workers, ring draining, and event persistence.
package daemon

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/zeebo/xxh3"

	"github.com/probeline/probeline/internal/collector"
	"github.com/probeline/probeline/internal/config"
	"github.com/probeline/probeline/internal/drain"
	"github.com/probeline/probeline/internal/engine"
	"github.com/probeline/probeline/internal/resolver"
	"github.com/probeline/probeline/internal/storage"
)

// StartSpec describes a session launch.
type StartSpec struct {
	Cmd         string
	Args        []string
	Env         map[string]string
	Cwd         string
	ProjectRoot string
}

type session struct {
	id          string
	pid         int
	imageBase   uint64
	projectRoot string
	worker      *collector.Worker
	registry    *collector.FunctionRegistry
}

// Daemon is the top-level trace service.
type Daemon struct {
	logger   zerolog.Logger
	cfg      config.Config
	res      resolver.Resolver
	store    *storage.Store
	pipeline *storage.Pipeline
	harv     *drain.Harvester
	pids     *collector.PIDRegistry
	coord    *collector.Coordinator

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// New assembles a daemon on top of the given engine and resolver. Any
// sessions left marked active by a previous run whose processes are
// gone are marked crashed.
func New(logger zerolog.Logger, cfg config.Config, eng engine.Engine, res resolver.Resolver) (*Daemon, error) {
	store, err := storage.Open(cfg.Storage.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	pipeline := storage.NewPipeline(logger, store, storage.PipelineConfig{
		FlushBatchSize:      cfg.Retention.FlushBatchSize,
		FlushInterval:       cfg.Retention.FlushInterval,
		MaxEventsPerSession: int64(cfg.Retention.MaxEventsPerSession),
	})

	harv := drain.NewHarvester(logger, pipeline, drain.Config{
		Interval: cfg.Collector.DrainInterval,
		Sampler: drain.SamplerConfig{
			HighWatermarkPct: uint64(cfg.Collector.HighWatermarkPct),
			LowWatermarkPct:  uint64(cfg.Collector.LowWatermarkPct),
			RaiseStreak:      cfg.Collector.RaiseStreak,
			LowerStreak:      cfg.Collector.LowerStreak,
			MaxInterval:      cfg.Collector.SampleIntervalMax,
		},
	})

	pids := collector.NewPIDRegistry()
	d := &Daemon{
		logger:   logger.With().Str("component", "daemon").Logger(),
		cfg:      cfg,
		res:      res,
		store:    store,
		pipeline: pipeline,
		harv:     harv,
		pids:     pids,
		coord:    collector.NewCoordinator(logger, eng, pids, cfg.Collector.RingCapacity, cfg.Collector.PollInterval),
		sessions: make(map[string]*session),
	}

	if err := d.reapStaleSessions(context.Background()); err != nil {
		d.logger.Warn().Err(err).Msg("stale session cleanup failed")
	}
	return d, nil
}

// reapStaleSessions marks sessions from a previous daemon run whose
// processes no longer exist.
func (d *Daemon) reapStaleSessions(ctx context.Context) error {
	stale, err := d.store.ListSessions(ctx, storage.StatusActive)
	if err != nil {
		return err
	}
	for _, sess := range stale {
		alive, err := process.PidExistsWithContext(ctx, int32(sess.PID))
		if err == nil && alive {
			continue
		}
		// The target is gone but no crash was observed; the honest
		// status is exited, not crashed.
		if err := d.store.UpdateSessionStatus(ctx, sess.ID, storage.StatusExited, time.Now().UTC()); err != nil {
			d.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to mark stale session")
			continue
		}
		d.logger.Info().
			Str("session_id", sess.ID).
			Int("pid", sess.PID).
			Msg("reaped stale session")
	}
	return nil
}

// StartSession spawns the target under instrumentation and returns the
// new session id.
func (d *Daemon) StartSession(ctx context.Context, spec StartSpec) (string, error) {
	id := uuid.NewString()

	res, err := d.coord.Spawn(ctx, collector.SpawnRequest{
		SessionID: id,
		Cmd:       spec.Cmd,
		Args:      spec.Args,
		Env:       spec.Env,
		Cwd:       spec.Cwd,
	})
	if err != nil {
		return "", err
	}

	if err := d.store.CreateSession(ctx, storage.Session{
		ID:          id,
		Cmd:         spec.Cmd,
		Args:        spec.Args,
		ProjectRoot: spec.ProjectRoot,
		PID:         res.PID,
		BinaryHash:  hashBinary(spec.Cmd),
		Status:      storage.StatusActive,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		_ = d.coord.StopSession(ctx, id)
		return "", fmt.Errorf("persist session: %w", err)
	}

	worker, err := collector.NewWorker(d.logger, id, res, d.coord, d, d.cfg.Collector.InstallTimeout)
	if err != nil {
		_ = d.coord.StopSession(ctx, id)
		return "", err
	}

	registry := collector.NewFunctionRegistry()
	d.harv.AddSession(id, res.PID, res.Region, registry)

	d.mu.Lock()
	d.sessions[id] = &session{
		id:          id,
		pid:         res.PID,
		imageBase:   res.ImageBase,
		projectRoot: spec.ProjectRoot,
		worker:      worker,
		registry:    registry,
	}
	d.mu.Unlock()

	d.logger.Info().
		Str("session_id", id).
		Str("cmd", spec.Cmd).
		Int("pid", res.PID).
		Msg("session started")
	return id, nil
}

// hashBinary fingerprints the target binary so stored sessions can be
// correlated with the build that produced them.
func hashBinary(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", xxh3.Hash(data))
}

// AddPatterns resolves trace patterns, classifies them into hook modes,
// and installs the hooks. Returns the number of hooks the collector
// confirmed installed; unpatchable code drops out of the count, and
// zero matches is not an error.
func (d *Daemon) AddPatterns(ctx context.Context, sessionID string, patterns []string) (int, error) {
	sess, err := d.session(sessionID)
	if err != nil {
		return 0, err
	}

	resolved := make(map[string][]resolver.FunctionTarget, len(patterns))
	total := 0
	for _, p := range patterns {
		expanded := collector.ExpandAlias(p, sess.projectRoot)
		targets, err := d.res.Resolve(expanded, sess.projectRoot)
		if err != nil {
			return 0, fmt.Errorf("resolve %q: %w", p, err)
		}
		resolved[p] = targets
		total += len(targets)
	}
	if total == 0 {
		d.logger.Debug().
			Str("session_id", sessionID).
			Strs("patterns", patterns).
			Msg("patterns matched nothing")
		return 0, nil
	}

	installed := 0
	for _, batch := range collector.Partition(resolved, patterns, d.cfg.Collector.FullPromotionThreshold) {
		fns := make([]engine.HookFunction, 0, len(batch.Targets))
		for _, target := range batch.Targets {
			fns = append(fns, engine.HookFunction{
				Address: rebase(target.Address, sess.imageBase),
				FuncID:  sess.registry.Register(target),
				Mode:    batch.Mode.String(),
				Name:    target.Name,
			})
		}
		n, err := sess.worker.AddPatterns(ctx, fns)
		if err != nil {
			return 0, err
		}
		installed += n
	}

	d.logger.Info().
		Str("session_id", sessionID).
		Strs("patterns", patterns).
		Int("matched", total).
		Int("installed", installed).
		Msg("hooks installed")
	return installed, nil
}

// rebase converts a resolver file offset to a runtime address. A zero
// offset means the resolver had no location for the symbol; it stays
// zero so the collector skips it as unpatchable.
func rebase(addr, imageBase uint64) uint64 {
	if addr == 0 {
		return 0
	}
	return addr + imageBase
}

// RemovePatterns uninstalls every hook the given patterns resolve to.
func (d *Daemon) RemovePatterns(ctx context.Context, sessionID string, patterns []string) error {
	sess, err := d.session(sessionID)
	if err != nil {
		return err
	}

	var fns []engine.HookFunction
	var addrs []uint64
	for _, p := range patterns {
		expanded := collector.ExpandAlias(p, sess.projectRoot)
		targets, err := d.res.Resolve(expanded, sess.projectRoot)
		if err != nil {
			return fmt.Errorf("resolve %q: %w", p, err)
		}
		for _, target := range targets {
			id, ok := sess.registry.IDForAddress(target.Address)
			if !ok {
				continue
			}
			fns = append(fns, engine.HookFunction{
				Address: rebase(target.Address, sess.imageBase),
				FuncID:  id,
				Name:    target.Name,
			})
			addrs = append(addrs, target.Address)
		}
	}
	if len(fns) == 0 {
		return nil
	}

	if err := sess.worker.RemovePatterns(ctx, fns); err != nil {
		return err
	}
	sess.registry.Remove(addrs)
	return nil
}

// SetWatches replaces the session's memory watch set.
func (d *Daemon) SetWatches(ctx context.Context, sessionID string, watches []engine.WatchTarget) error {
	sess, err := d.session(sessionID)
	if err != nil {
		return err
	}
	return sess.worker.SetWatches(ctx, watches)
}

// StopSession tears a session down in two phases: the worker releases
// the script first, then the coordinator kills the session's processes.
// The ring gets a final drain in between so buffered entries survive.
func (d *Daemon) StopSession(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	sess, ok := d.sessions[sessionID]
	if ok {
		delete(d.sessions, sessionID)
	}
	d.mu.Unlock()
	if !ok {
		return collector.ErrSessionNotFound
	}

	sess.worker.Shutdown()
	d.harv.RemoveSession(sessionID)

	if err := d.coord.StopSession(ctx, sessionID); err != nil {
		d.logger.Warn().Err(err).Str("session_id", sessionID).Msg("process teardown failed")
	}

	if err := d.store.UpdateSessionStatus(ctx, sessionID, storage.StatusStopped, time.Now().UTC()); err != nil {
		return err
	}
	d.logger.Info().Str("session_id", sessionID).Msg("session stopped")
	return nil
}

// Emit routes worker output and crash events into persistence. Crashes
// and normal exits also flip the session status.
func (d *Daemon) Emit(sessionID string, ev collector.OutputEvent) {
	now := uint64(time.Now().UnixNano())
	if ev.Exited {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.store.UpdateSessionStatus(ctx, sessionID, storage.StatusExited, time.Now().UTC()); err != nil {
			d.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to mark session exited")
		}
		return
	}
	if ev.Crash != nil {
		d.pipeline.Enqueue(sessionID, storage.Event{
			Seq:       d.harv.AllocSeq(sessionID),
			Kind:      storage.EventCrash,
			Timestamp: now,
			PID:       ev.PID,
			Text:      formatCrash(ev.Crash),
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.store.UpdateSessionStatus(ctx, sessionID, storage.StatusCrashed, time.Now().UTC()); err != nil {
			d.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to mark session crashed")
		}
		return
	}
	d.pipeline.Enqueue(sessionID, storage.Event{
		Seq:       d.harv.AllocSeq(sessionID),
		Kind:      storage.EventOutput,
		Timestamp: now,
		PID:       ev.PID,
		Stream:    ev.Stream,
		Text:      ev.Text,
	})
}

func formatCrash(c *engine.CrashReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s at 0x%x", c.Signal, c.FaultAddress)
	for _, line := range c.Backtrace {
		b.WriteString("\n  ")
		b.WriteString(line)
	}
	return b.String()
}

// QueryEvents drains the session's ring, flushes persistence, and
// returns matching events in order.
func (d *Daemon) QueryEvents(ctx context.Context, sessionID string, f storage.QueryFilter) ([]storage.Event, error) {
	d.harv.DrainSession(sessionID)
	d.pipeline.Flush()
	return d.store.QueryEvents(ctx, sessionID, f)
}

// GetSession returns a stored session row.
func (d *Daemon) GetSession(ctx context.Context, sessionID string) (storage.Session, error) {
	return d.store.GetSession(ctx, sessionID)
}

// ListSessions returns stored sessions, optionally filtered by status.
func (d *Daemon) ListSessions(ctx context.Context, status string) ([]storage.Session, error) {
	return d.store.ListSessions(ctx, status)
}

// Close stops all live sessions and shuts the pipeline down in
// dependency order.
func (d *Daemon) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, id := range ids {
		if err := d.StopSession(ctx, id); err != nil {
			d.logger.Warn().Err(err).Str("session_id", id).Msg("failed to stop session on shutdown")
		}
	}

	d.coord.Close()
	d.harv.Close()
	d.pipeline.Close()
	return d.store.Close()
}

func (d *Daemon) session(id string) (*session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sess, ok := d.sessions[id]
	if !ok {
		return nil, collector.ErrSessionNotFound
	}
	return sess, nil
}
