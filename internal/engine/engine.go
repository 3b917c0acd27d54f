// Package engine defines the instrumentation engine surface consumed by
// the collector pipeline. A concrete engine injects the embedded
// collector into target processes; the pipeline only depends on this
// interface.
package engine

import (
	"context"

	"github.com/probeline/probeline/internal/ringbuf"
)

// SpawnSpec describes a process to launch suspended.
type SpawnSpec struct {
	Cmd  string
	Args []string
	Env  map[string]string
	Cwd  string
}

// Engine spawns, attaches to, and controls target processes. The device
// handle behind an Engine is not safe to share across goroutines; all
// calls must come from the coordinator.
type Engine interface {
	// Spawn launches the target suspended and returns its pid.
	Spawn(ctx context.Context, spec SpawnSpec) (int, error)
	// Attach attaches to a spawned (or notified child) process.
	Attach(pid int) (Process, error)
	// Resume resumes a suspended process.
	Resume(pid int) error
	// Kill terminates a process.
	Kill(pid int) error
}

// Process is an attached target process.
type Process interface {
	// LoadScript injects the embedded collector. Engine-originated
	// messages (confirmations, child notifications, output, crashes)
	// are delivered on the provided channel; the channel is closed if
	// the script dies.
	LoadScript(source []byte, messages chan<- Message) (Script, error)
	// ImageBase returns the load-address offset of the main image.
	ImageBase() uint64
	// Detach detaches without killing the process.
	Detach() error
}

// Script is a loaded collector script. Post is fire-and-forget; replies
// arrive on the message channel passed to LoadScript.
type Script interface {
	Post(payload []byte) error
	// Region exposes the consumer side of the session's shared ring.
	Region() *ringbuf.Buffer
	Close() error
}

// MessageType discriminates engine-originated messages.
type MessageType int

const (
	// MessageHooksInstalled confirms a hook install batch with the
	// per-function installed count.
	MessageHooksInstalled MessageType = iota
	// MessageWatchesSet confirms a watch update.
	MessageWatchesSet
	// MessageChildSpawned notifies that the target forked or spawned a
	// child process.
	MessageChildSpawned
	// MessageOutput carries captured stdout/stderr text.
	MessageOutput
	// MessageCrash carries a crash report for the target.
	MessageCrash
	// MessageExited notifies that the target exited on its own.
	MessageExited
	// MessageLog carries a collector-side log line.
	MessageLog
)

// Message is one engine-originated notification. Fields are populated
// according to Type.
type Message struct {
	Type MessageType

	InstalledCount int // MessageHooksInstalled

	ParentPID int // MessageChildSpawned
	ChildPID  int // MessageChildSpawned

	Stream string // MessageOutput: "stdout" or "stderr"
	Text   string // MessageOutput, MessageLog

	ThreadID uint32 // MessageOutput, MessageCrash
	Crash    *CrashReport

	ExitCode int // MessageExited
}

// CrashReport describes a target crash.
type CrashReport struct {
	Signal       string
	FaultAddress uint64
	Backtrace    []string
}
