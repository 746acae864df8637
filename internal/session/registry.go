package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrSessionNotFound is returned for sessions with no local state.
var ErrSessionNotFound = errors.New("session: not found")

// ErrSessionExists is returned when creating a session id that already has
// local state.
var ErrSessionExists = errors.New("session: already exists")

// Registry owns the in-process agent table. Every agent is addressable by
// session id; agents with on-disk state are revived lazily on lookup.
type Registry struct {
	deps    Deps
	dataDir string

	mu     sync.Mutex // held across disk checks so revival is single-flight
	agents map[string]*Agent
}

// NewRegistry creates the registry and its data directory.
func NewRegistry(deps Deps) (*Registry, error) {
	dataDir := deps.Cfg.DataDir
	if dataDir == "" {
		dataDir = "data/sessions"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session data dir: %w", err)
	}
	r := &Registry{
		deps:    deps,
		dataDir: dataDir,
		agents:  make(map[string]*Agent),
	}
	return r, nil
}

func (r *Registry) dbPath(id string) string {
	return filepath.Join(r.dataDir, id+".db")
}

// Create makes a fresh agent for a new session id.
func (r *Registry) Create(id string) (*Agent, error) {
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; ok {
		return nil, ErrSessionExists
	}
	if _, err := os.Stat(r.dbPath(id)); err == nil {
		return nil, ErrSessionExists
	}
	agent, err := newAgent(id, r.dbPath(id), r.deps, r)
	if err != nil {
		return nil, err
	}
	r.agents[id] = agent
	return agent, nil
}

// Lookup returns the live agent for id, reviving it from disk when the
// session database exists but the agent is not loaded.
func (r *Registry) Lookup(id string) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if agent, ok := r.agents[id]; ok {
		return agent, nil
	}
	if _, err := os.Stat(r.dbPath(id)); err != nil {
		return nil, ErrSessionNotFound
	}
	agent, err := newAgent(id, r.dbPath(id), r.deps, r)
	if err != nil {
		return nil, err
	}
	r.agents[id] = agent
	r.deps.Logger.Info("session agent revived", zap.String("session_id", id))
	return agent, nil
}

// GC stops a terminal session's agent and deletes its local database. The
// directory row survives.
func (r *Registry) GC(ctx context.Context, id string) error {
	agent, err := r.Lookup(id)
	if err != nil {
		return err
	}
	if err := agent.GC(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.agents, id)
	r.mu.Unlock()

	agent.close()
	if err := os.Remove(r.dbPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session database: %w", err)
	}
	// WAL sidecars, best effort.
	_ = os.Remove(r.dbPath(id) + "-wal")
	_ = os.Remove(r.dbPath(id) + "-shm")
	return nil
}

// Close stops every loaded agent.
func (r *Registry) Close() {
	r.mu.Lock()
	agents := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.agents = make(map[string]*Agent)
	r.mu.Unlock()

	// Each close waits for the agent's final audit drain; do them in
	// parallel so shutdown is bounded by the slowest agent, not the sum.
	var g errgroup.Group
	for _, a := range agents {
		a := a
		g.Go(func() error {
			a.close()
			return nil
		})
	}
	_ = g.Wait()
}
