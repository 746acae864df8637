package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/directory"
	"github.com/coderelay/coderelay/pkg/protocol"
)

// State keys in the per-session state table.
const (
	keyUserID       = "userId"
	keyWorkspace    = "workspace"
	keyRepoURL      = "repoUrl"
	keyParentID     = "parentSessionId"
	keyStatus       = "status"
	keyTitle        = "title"
	keySandboxID    = "sandboxId"
	keySnapshotID   = "snapshotId"
	keyTunnels      = "tunnels"
	keyModels       = "models"
	keyRunnerSecret = "runnerSecret"
	keySpawnURL     = "spawnUrl"
	keyHibernateURL = "hibernateUrl"
	keyRestoreURL   = "restoreUrl"
	keyTerminateURL = "terminateUrl"
	keySpawnRequest = "spawnRequest"
	keyIdleTimeout  = "idleTimeoutMs"
	keyLastActivity = "lastActivityAt"
	keyRunningSince = "runningSince"
)

// transitions is the allowed lifecycle graph, enforced by setStatus.
// Terminated is reachable from everywhere; error is terminal except for
// an explicit stop. The empty string is the pre-start state.
var transitions = map[string][]string{
	"":                           {directory.StatusInitializing},
	directory.StatusInitializing: {directory.StatusRunning, directory.StatusError, directory.StatusTerminated},
	directory.StatusRunning:      {directory.StatusHibernating, directory.StatusError, directory.StatusTerminated},
	directory.StatusHibernating:  {directory.StatusHibernated, directory.StatusError, directory.StatusTerminated},
	directory.StatusHibernated:   {directory.StatusRestoring, directory.StatusError, directory.StatusTerminated},
	directory.StatusRestoring:    {directory.StatusRunning, directory.StatusError, directory.StatusTerminated},
	directory.StatusError:        {directory.StatusTerminated},
	directory.StatusTerminated:   {},
}

func canTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func isTerminal(status string) bool {
	return status == directory.StatusTerminated || status == directory.StatusError
}

// sessionState is the in-memory mirror of the state table. The agent loop
// is its only reader and writer; mutations go through the set* helpers so
// the durable copy stays in sync.
type sessionState struct {
	UserID       string
	Workspace    string
	RepoURL      string
	ParentID     string
	Status       string
	Title        string
	SandboxID    string
	SnapshotID   string
	Tunnels      *protocol.Tunnels
	Models       []protocol.ModelInfo
	RunnerSecret string
	SpawnURL     string
	HibernateURL string
	RestoreURL   string
	TerminateURL string
	SpawnRequest json.RawMessage
	IdleTimeout  time.Duration
	LastActivity time.Time
	RunningSince time.Time
}

// loadState hydrates the mirror from the state table.
func loadState(ctx context.Context, store *Store, defaultIdle time.Duration) (*sessionState, error) {
	kv, err := store.LoadState(ctx)
	if err != nil {
		return nil, err
	}
	st := &sessionState{
		UserID:       kv[keyUserID],
		Workspace:    kv[keyWorkspace],
		RepoURL:      kv[keyRepoURL],
		ParentID:     kv[keyParentID],
		Status:       kv[keyStatus],
		Title:        kv[keyTitle],
		SandboxID:    kv[keySandboxID],
		SnapshotID:   kv[keySnapshotID],
		RunnerSecret: kv[keyRunnerSecret],
		SpawnURL:     kv[keySpawnURL],
		HibernateURL: kv[keyHibernateURL],
		RestoreURL:   kv[keyRestoreURL],
		TerminateURL: kv[keyTerminateURL],
		IdleTimeout:  defaultIdle,
	}
	if raw := kv[keySpawnRequest]; raw != "" {
		st.SpawnRequest = json.RawMessage(raw)
	}
	if raw := kv[keyTunnels]; raw != "" {
		var t protocol.Tunnels
		if err := json.Unmarshal([]byte(raw), &t); err == nil {
			st.Tunnels = &t
		}
	}
	if raw := kv[keyModels]; raw != "" {
		var models []protocol.ModelInfo
		if err := json.Unmarshal([]byte(raw), &models); err == nil {
			st.Models = models
		}
	}
	if raw := kv[keyIdleTimeout]; raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			st.IdleTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if raw := kv[keyLastActivity]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			st.LastActivity = t
		}
	}
	if raw := kv[keyRunningSince]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			st.RunningSince = t
		}
	}
	return st, nil
}

func (a *Agent) persistState(key, value string) {
	if err := a.store.SetState(a.ctx, key, value); err != nil {
		a.logger.Error("persist state", withErr(err)...)
	}
}

func (a *Agent) setStatus(status string) {
	if !canTransition(a.state.Status, status) {
		a.logger.Error("invalid status transition",
			zap.String("from", a.state.Status), zap.String("to", status))
		return
	}
	a.state.Status = status
	a.persistState(keyStatus, status)
}

func (a *Agent) setTitle(title string) {
	a.state.Title = title
	a.persistState(keyTitle, title)
}

func (a *Agent) setSandbox(sandboxID string, tunnels *protocol.Tunnels) {
	a.state.SandboxID = sandboxID
	a.state.Tunnels = tunnels
	a.persistState(keySandboxID, sandboxID)
	raw := ""
	if tunnels != nil {
		if data, err := json.Marshal(tunnels); err == nil {
			raw = string(data)
		}
	}
	a.persistState(keyTunnels, raw)
}

func (a *Agent) setSnapshot(snapshotID string) {
	a.state.SnapshotID = snapshotID
	a.persistState(keySnapshotID, snapshotID)
}

func (a *Agent) setModels(models []protocol.ModelInfo) {
	a.state.Models = models
	if data, err := json.Marshal(models); err == nil {
		a.persistState(keyModels, string(data))
	}
}

func (a *Agent) setLastActivity(t time.Time) {
	a.state.LastActivity = t
	a.persistState(keyLastActivity, t.UTC().Format(time.RFC3339Nano))
}

func (a *Agent) setRunningSince(t time.Time) {
	a.state.RunningSince = t
	raw := ""
	if !t.IsZero() {
		raw = t.UTC().Format(time.RFC3339Nano)
	}
	a.persistState(keyRunningSince, raw)
}

// persistStart writes the immutable start-time fields in one pass.
func (a *Agent) persistStart(req *StartRequest) {
	a.persistState(keyUserID, req.UserID)
	a.persistState(keyWorkspace, req.Workspace)
	a.persistState(keyRepoURL, req.RepoURL)
	a.persistState(keyParentID, req.ParentSessionID)
	a.persistState(keyRunnerSecret, req.RunnerSecret)
	a.persistState(keySpawnURL, req.SpawnURL)
	a.persistState(keyHibernateURL, req.HibernateURL)
	a.persistState(keyRestoreURL, req.RestoreURL)
	a.persistState(keyTerminateURL, req.TerminateURL)
	a.persistState(keySpawnRequest, string(req.SpawnRequest))
	if req.IdleTimeoutMs > 0 {
		a.persistState(keyIdleTimeout, fmt.Sprintf("%d", req.IdleTimeoutMs))
	}
}
