// Package process implements the Process Manager (spec.md §4.10): a
// per-project-scope registry of tracked game processes, with the
// Initial→Attached→{Exited,Detached} state machine and graceful/forced
// kill, generalized from a one-shot launch-and-forget flow into a
// tracked map so callers can attach, detach, and kill by project scope.
package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/tritium-launcher/tritium-core/src/events"
	"github.com/tritium-launcher/tritium-core/src/paths"
)

// State is a TrackedProcess's position in the Initial→Attached→
// {Exited,Detached} state machine.
type State string

const (
	Initial  State = "initial"
	Attached State = "attached"
	Exited   State = "exited"
	Detached State = "detached"
)

// gracefulKillWait bounds how long Kill waits for a graceful signal to take
// effect before escalating (force) or returning (no force); spec.md §4.10 leaves this
// duration unspecified at this layer (the timed sequence in §4.11 is the
// Companion Bridge's own, built on top of this package's kill/detach).
const gracefulKillWait = 2 * time.Second

// TrackedProcess is one entry of the Manager's registry.
type TrackedProcess struct {
	Project string // canonical scope (see paths.CanonicalAbs)
	PID     int
	State   State
	ExitCode *int // nil until State is Exited and the code is known

	cmd  *exec.Cmd   // nil when attached by PID only
	done chan struct{}
}

// Done returns a channel closed once this process has been observed to
// exit and its "process_exited" event has been emitted (only meaningful
// for entries attached via AttachLaunched).
func (tp *TrackedProcess) Done() <-chan struct{} {
	return tp.done
}

// Manager tracks at most one Attached TrackedProcess per project scope.
type Manager struct {
	mu      sync.Mutex
	byScope map[string]*TrackedProcess
	Events  *events.Emitter
}

// New returns a Manager. emitter may be nil.
func New(emitter *events.Emitter) *Manager {
	if emitter == nil {
		emitter = events.Nop()
	}
	return &Manager{byScope: make(map[string]*TrackedProcess), Events: emitter}
}

// Scope resolves a project directory to its canonical tracking key.
func Scope(projectDir string) (string, error) {
	return paths.CanonicalAbs(projectDir)
}

// AttachLaunched registers cmd (already started) as the Attached process
// for project, displacing and detaching any prior entry, and begins
// watching for its exit.
func (m *Manager) AttachLaunched(projectDir string, cmd *exec.Cmd) (*TrackedProcess, error) {
	scope, err := Scope(projectDir)
	if err != nil {
		return nil, fmt.Errorf("resolve project scope: %w", err)
	}
	if cmd.Process == nil {
		return nil, fmt.Errorf("attach launched: process has not been started")
	}

	tp := &TrackedProcess{
		Project: scope,
		PID:     cmd.Process.Pid,
		State:   Attached,
		cmd:     cmd,
		done:    make(chan struct{}),
	}

	displaced := m.store(scope, tp)
	if displaced != nil {
		m.Events.Emit("process_detached", displaced.Project)
	}
	m.Events.Emit("process_attached", scope)

	go m.watchExit(tp)
	return tp, nil
}

// AttachToPid registers an already-running process known only by pid,
// provided the OS confirms it is still alive.
func (m *Manager) AttachToPid(projectDir string, pid int) (*TrackedProcess, error) {
	scope, err := Scope(projectDir)
	if err != nil {
		return nil, fmt.Errorf("resolve project scope: %w", err)
	}
	if !processAlive(pid) {
		return nil, fmt.Errorf("attach to pid %d: process is not alive", pid)
	}

	tp := &TrackedProcess{Project: scope, PID: pid, State: Attached, done: make(chan struct{})}

	displaced := m.store(scope, tp)
	if displaced != nil {
		m.Events.Emit("process_detached", displaced.Project)
	}
	m.Events.Emit("process_attached", scope)
	return tp, nil
}

// store installs tp under scope, returning whatever entry it displaced
// (nil if none). Callers emit the displacement event after unlocking.
func (m *Manager) store(scope string, tp *TrackedProcess) *TrackedProcess {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.byScope[scope]
	if prev != nil {
		prev.State = Detached
	}
	m.byScope[scope] = tp
	return prev
}

// watchExit blocks on cmd.Wait(), records the exit code, and emits Exited.
// Only used for processes attached via AttachLaunched, since a bare
// AttachToPid entry has no *exec.Cmd to wait on.
func (m *Manager) watchExit(tp *TrackedProcess) {
	err := tp.cmd.Wait()

	m.mu.Lock()
	if tp.State != Detached {
		tp.State = Exited
	}
	code := exitCodeOf(err)
	tp.ExitCode = &code
	m.mu.Unlock()

	m.Events.Emit("process_exited", ExitInfo{Project: tp.Project, ExitCode: code})
	close(tp.done)
}

// ExitInfo is the payload of a "process_exited" event.
type ExitInfo struct {
	Project  string
	ExitCode int
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// Lookup returns the tracked process for project, if any.
func (m *Manager) Lookup(projectDir string) (*TrackedProcess, error) {
	scope, err := Scope(projectDir)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byScope[scope], nil
}

// Detach removes project's tracked process without killing it.
func (m *Manager) Detach(projectDir string) error {
	scope, err := Scope(projectDir)
	if err != nil {
		return err
	}
	m.mu.Lock()
	tp, ok := m.byScope[scope]
	if ok {
		tp.State = Detached
		delete(m.byScope, scope)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("detach: no tracked process for %s", scope)
	}
	m.Events.Emit("process_detached", scope)
	return nil
}

// Kill requests termination of project's tracked process: a graceful
// signal first, escalating to a forced kill if force is set and the
// process is still alive after gracefulKillWait. Emits "process_kill_requested"
// then either "process_exited" (via watchExit) or "process_kill_failed".
func (m *Manager) Kill(ctx context.Context, projectDir string, force bool) error {
	scope, err := Scope(projectDir)
	if err != nil {
		return err
	}
	m.mu.Lock()
	tp, ok := m.byScope[scope]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("kill: no tracked process for %s", scope)
	}

	m.Events.Emit("process_kill_requested", scope)

	proc, err := processHandle(tp)
	if err != nil {
		return err
	}

	_ = proc.Signal(os.Interrupt)

	select {
	case <-tp.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(gracefulKillWait):
	}

	if !processAlive(tp.PID) {
		return nil
	}
	if !force {
		return nil
	}

	if err := proc.Kill(); err != nil {
		m.Events.Emit("process_kill_failed", scope)
		return fmt.Errorf("force kill %s: %w", scope, err)
	}

	if tp.cmd != nil {
		select {
		case <-tp.done:
		case <-time.After(gracefulKillWait):
		}
	}
	if processAlive(tp.PID) {
		m.Events.Emit("process_kill_failed", scope)
		return fmt.Errorf("process %d for %s survived force kill", tp.PID, scope)
	}
	return nil
}

func processHandle(tp *TrackedProcess) (*os.Process, error) {
	if tp.cmd != nil && tp.cmd.Process != nil {
		return tp.cmd.Process, nil
	}
	return os.FindProcess(tp.PID)
}

// processAlive reports whether pid refers to a live process. On Unix this
// probes via signal 0; os.FindProcess itself already validates existence
// on Windows (Go's Process.Signal there only supports os.Kill), so a
// successful FindProcess is treated as alive there.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return err == syscall.EPERM // exists but owned by someone else
	}
	return true
}
