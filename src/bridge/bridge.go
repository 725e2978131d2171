// Package bridge defines the Companion Bridge interface consumed — not
// implemented — by core (spec.md §4.11), plus the graceful-stop sequence
// built on top of it and the process manager's force-kill path.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/tritium-launcher/tritium-core/src/events"
	"github.com/tritium-launcher/tritium-core/src/process"
)

// Result is the outcome of any CompanionBridge call.
type Result struct {
	OK      bool
	Message string
}

// CompanionBridge is the side-channel a running game process exposes back
// to the launcher over its companion websocket. Core never implements
// this; it is satisfied by whatever in-game mod or agent owns the token
// set at spawn (TRITIUM_COMPANION_WS_TOKEN).
type CompanionBridge interface {
	Ping(ctx context.Context, timeout time.Duration) (Result, error)
	CloseGame(ctx context.Context, timeout time.Duration) (Result, error)
	ReloadServer(ctx context.Context) (Result, error)
	SendCommand(ctx context.Context, text string) (Result, error)
}

const (
	pingTimeout           = 1500 * time.Millisecond
	closeGameTimeout      = 15 * time.Second
	closeGamePollInterval = 200 * time.Millisecond
	closeGamePollTimeout  = 8 * time.Second
	forceKillWait         = 4 * time.Second
)

// StopSequence implements the graceful-stop state machine of spec.md
// §4.11: ping the companion, ask it to close the game, poll for exit, and
// fall back to the process manager's force-kill path on any failure or
// timeout.
type StopSequence struct {
	Bridge    CompanionBridge
	Processes *process.Manager
}

// NewStopSequence builds a StopSequence over bridge and pm.
func NewStopSequence(bridge CompanionBridge, pm *process.Manager) *StopSequence {
	return &StopSequence{Bridge: bridge, Processes: pm}
}

// Stop runs the graceful-stop sequence for projectDir. If force is set, or
// the companion does not answer a ping within pingTimeout, it skips
// straight to the force-kill path.
func (s *StopSequence) Stop(ctx context.Context, projectDir string, force bool) error {
	if force || !s.reachable(ctx) {
		return s.forceKill(ctx, projectDir)
	}

	closeCtx, cancel := context.WithTimeout(ctx, closeGameTimeout)
	res, err := s.Bridge.CloseGame(closeCtx, closeGameTimeout)
	cancel()
	if err != nil || !res.OK {
		return s.forceKill(ctx, projectDir)
	}

	deadline := time.Now().Add(closeGamePollTimeout)
	for time.Now().Before(deadline) {
		tp, lookupErr := s.Processes.Lookup(projectDir)
		if lookupErr != nil {
			return lookupErr
		}
		if tp == nil || tp.State == process.Exited {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(closeGamePollInterval):
		}
	}

	return s.forceKill(ctx, projectDir)
}

func (s *StopSequence) reachable(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	res, err := s.Bridge.Ping(pingCtx, pingTimeout)
	return err == nil && res.OK
}

func (s *StopSequence) forceKill(ctx context.Context, projectDir string) error {
	killCtx, cancel := context.WithTimeout(ctx, forceKillWait)
	defer cancel()
	return s.Processes.Kill(killCtx, projectDir, true)
}

// TokenStore holds the per-session companion token minted by the Launch
// Composer and recorded before spawn, keyed by project scope, and clears it
// when the tracked process for that scope exits.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewTokenStore returns an empty TokenStore.
func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: make(map[string]string)}
}

// Set records token for project's scope.
func (s *TokenStore) Set(projectScope, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[projectScope] = token
}

// Get returns the token for project's scope, if any.
func (s *TokenStore) Get(projectScope string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[projectScope]
	return token, ok
}

// Clear removes project's scope's token.
func (s *TokenStore) Clear(projectScope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, projectScope)
}

// WireExitClear subscribes to pm's exit events so a scope's token is
// cleared the moment its tracked process exits.
func (s *TokenStore) WireExitClear(pm *process.Manager) {
	pm.Events.On("process_exited", func(ev events.Event) {
		if info, ok := ev.Data.(process.ExitInfo); ok {
			s.Clear(info.Project)
		}
	})
}
