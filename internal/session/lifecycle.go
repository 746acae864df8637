package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/directory"
	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/internal/provisioner"
	"github.com/coderelay/coderelay/pkg/protocol"
)

// ErrAlreadyStarted is returned when start is called twice.
var ErrAlreadyStarted = errors.New("session: already started")

// ErrBadTransition is returned for lifecycle operations not valid in the
// current status.
var ErrBadTransition = errors.New("session: invalid lifecycle transition")

// StartRequest carries everything needed to bring a session up. The
// provisioner endpoint URLs and the opaque spawn request are supplied by
// the caller and stored for the session's lifetime.
type StartRequest struct {
	UserID          string          `json:"userId"`
	Workspace       string          `json:"workspace"`
	RepoURL         string          `json:"repoUrl,omitempty"`
	Branch          string          `json:"branch,omitempty"`
	Title           string          `json:"title,omitempty"`
	ParentSessionID string          `json:"parentSessionId,omitempty"`
	InitialPrompt   string          `json:"initialPrompt,omitempty"`
	Model           string          `json:"model,omitempty"`
	RunnerSecret    string          `json:"runnerSecret"`
	SpawnURL        string          `json:"spawnUrl"`
	HibernateURL    string          `json:"hibernateUrl"`
	RestoreURL      string          `json:"restoreUrl"`
	TerminateURL    string          `json:"terminateUrl"`
	SpawnRequest    json.RawMessage `json:"spawnRequest"`
	IdleTimeoutMs   int             `json:"idleTimeoutMs,omitempty"`

	// A caller that already holds a sandbox can pass it inline; the spawn
	// call is skipped.
	SandboxID string            `json:"sandboxId,omitempty"`
	Tunnels   *protocol.Tunnels `json:"tunnels,omitempty"`
}

// Validate checks the required start fields.
func (r *StartRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("userId is required")
	}
	if r.SpawnURL == "" {
		return fmt.Errorf("spawnUrl is required")
	}
	if r.RunnerSecret == "" {
		return fmt.Errorf("runnerSecret is required")
	}
	return nil
}

// Start initializes the session and kicks off the sandbox spawn.
func (a *Agent) Start(ctx context.Context, req *StartRequest) error {
	var ferr error
	err := a.call(ctx, func() { ferr = a.startLocked(req) })
	if err != nil {
		return err
	}
	return ferr
}

func (a *Agent) startLocked(req *StartRequest) error {
	if a.state.Status != "" {
		return ErrAlreadyStarted
	}
	if err := req.Validate(); err != nil {
		return err
	}

	a.state.UserID = req.UserID
	a.state.Workspace = req.Workspace
	a.state.RepoURL = req.RepoURL
	a.state.ParentID = req.ParentSessionID
	a.state.RunnerSecret = req.RunnerSecret
	a.state.SpawnURL = req.SpawnURL
	a.state.HibernateURL = req.HibernateURL
	a.state.RestoreURL = req.RestoreURL
	a.state.TerminateURL = req.TerminateURL
	a.state.SpawnRequest = req.SpawnRequest
	if req.IdleTimeoutMs > 0 {
		a.state.IdleTimeout = time.Duration(req.IdleTimeoutMs) * time.Millisecond
	}
	a.persistStart(req)
	a.setTitle(req.Title)
	a.setStatus(directory.StatusInitializing)
	a.setLastActivity(time.Now().UTC())

	now := time.Now().UTC()
	if err := a.deps.Directory.CreateSession(a.ctx, &directory.Session{
		ID:              a.id,
		UserID:          req.UserID,
		Workspace:       req.Workspace,
		Status:          directory.StatusInitializing,
		Title:           req.Title,
		ParentSessionID: req.ParentSessionID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}); err != nil {
		return fmt.Errorf("register session: %w", err)
	}

	if req.RepoURL != "" {
		if err := a.deps.Directory.UpsertGitState(a.ctx, &directory.GitState{
			SessionID: a.id,
			RepoURL:   req.RepoURL,
			Branch:    req.Branch,
		}); err != nil {
			a.logger.Warn("record repo url", zap.Error(err))
		}
	}

	a.audit("session.started", "session started", req.UserID, map[string]any{
		"workspace": req.Workspace,
	})
	a.publish(events.SessionStarted, map[string]any{
		"userId":    req.UserID,
		"workspace": req.Workspace,
		"parentId":  req.ParentSessionID,
	})

	if req.InitialPrompt != "" {
		if err := a.enqueuePromptLocked(req.InitialPrompt, req.Model, protocol.Author{ID: req.UserID}); err != nil {
			a.logger.Error("enqueue initial prompt", zap.Error(err))
		}
	}

	if req.SandboxID != "" {
		a.setSandbox(req.SandboxID, req.Tunnels)
		a.enterRunning(directory.StatusInitializing)
	} else {
		a.spawnSandbox()
	}
	return nil
}

// spawnSandbox calls the provisioner off-loop and applies the result.
func (a *Agent) spawnSandbox() {
	url := a.state.SpawnURL
	payload := a.state.SpawnRequest
	a.async(func() func() {
		res, err := a.deps.Provisioner.Spawn(context.Background(), url, payload)
		return func() {
			if isTerminal(a.state.Status) {
				// Stopped while the spawn was in flight; clean up the orphan.
				if err == nil && res.SandboxID != "" {
					a.terminateSandboxAsync(res.SandboxID)
				}
				return
			}
			if err != nil {
				a.toError(fmt.Errorf("spawn sandbox: %w", err))
				return
			}
			a.setSandbox(res.SandboxID, res.Tunnels)
			a.logger.Info("sandbox spawned", zap.String("sandbox_id", res.SandboxID))
			a.enterRunning(directory.StatusInitializing)
		}
	})
}

// enterRunning flips into running once the sandbox is up. Dispatch still
// waits for the runner socket to connect.
func (a *Agent) enterRunning(from string) {
	a.setStatus(directory.StatusRunning)
	a.setRunningSince(time.Now().UTC())
	a.setLastActivity(time.Now().UTC())
	a.updateDirectoryStatus(directory.StatusRunning)
	a.broadcastStatus()
	a.rearmAlarm()

	if from == directory.StatusRestoring {
		a.audit("session.restored", "session restored from snapshot", "", nil)
		a.publish(events.SessionRestored, nil)
	} else {
		a.audit("session.running", "sandbox up, session running", "", nil)
		a.publish(events.SessionRunning, nil)
	}
	a.maybeDispatch()
}

// onRunnerReady marks activity when the runner socket comes up; the
// lifecycle status already advanced when the sandbox result landed.
func (a *Agent) onRunnerReady() {
	a.setLastActivity(time.Now().UTC())
	a.rearmAlarm()
}

// Hibernate snapshots the sandbox and parks the session.
func (a *Agent) Hibernate(ctx context.Context) error {
	var ferr error
	err := a.call(ctx, func() { ferr = a.hibernateLocked("user") })
	if err != nil {
		return err
	}
	return ferr
}

func (a *Agent) hibernateLocked(actor string) error {
	switch a.state.Status {
	case directory.StatusHibernated, directory.StatusHibernating:
		return nil // already there or on the way
	case directory.StatusRunning:
	default:
		return fmt.Errorf("%w: hibernate from %s", ErrBadTransition, a.state.Status)
	}
	a.flushActiveSeconds()
	a.setRunningSince(time.Time{})
	a.setStatus(directory.StatusHibernating)
	a.updateDirectoryStatus(directory.StatusHibernating)
	a.broadcastStatus()
	a.audit("session.hibernating", "hibernation requested", actor, nil)

	url := a.state.HibernateURL
	sandboxID := a.state.SandboxID
	a.async(func() func() {
		res, err := a.deps.Provisioner.Hibernate(context.Background(), url, sandboxID)
		return func() {
			if a.state.Status != directory.StatusHibernating {
				return // stopped while snapshotting
			}
			if errors.Is(err, provisioner.ErrSandboxGone) {
				// Sandbox exited on its own; treat as a clean stop.
				a.logger.Warn("sandbox gone during hibernate, terminating")
				a.stopLocked(events.StopReasonCompleted, "")
				return
			}
			if err != nil {
				a.toError(fmt.Errorf("hibernate sandbox: %w", err))
				return
			}
			// Prompts that arrived while the snapshot was in flight wake
			// the session right back up. A turn cut short by hibernation
			// only requeues; it waits for the next wake.
			queued, qerr := a.store.OldestQueued(a.ctx)
			if qerr != nil {
				a.logger.Error("read prompt queue", zap.Error(qerr))
			}

			// Snapshot is durable before the runner goes away.
			a.setSnapshot(res.SnapshotID)
			a.setSandbox("", nil)
			a.closeRunnerLocked(1000)
			a.setStatus(directory.StatusHibernated)
			a.updateDirectoryStatus(directory.StatusHibernated)
			a.broadcastStatus()
			a.rearmAlarm()
			a.audit("session.hibernated", "session hibernated", "", map[string]any{
				"snapshotId": res.SnapshotID,
			})
			a.publish(events.SessionHibernated, nil)

			if queued != nil {
				if werr := a.wakeLocked(); werr != nil {
					a.logger.Warn("wake for queued prompt", zap.Error(werr))
				}
			}
		}
	})
	return nil
}

// Wake restores a hibernated session.
func (a *Agent) Wake(ctx context.Context) error {
	var ferr error
	err := a.call(ctx, func() { ferr = a.wakeLocked() })
	if err != nil {
		return err
	}
	return ferr
}

func (a *Agent) wakeLocked() error {
	switch a.state.Status {
	case directory.StatusRunning, directory.StatusRestoring:
		return nil // already there or on the way
	case directory.StatusHibernated:
	default:
		return fmt.Errorf("%w: wake from %s", ErrBadTransition, a.state.Status)
	}
	if a.state.SnapshotID == "" || len(a.state.SpawnRequest) == 0 {
		err := fmt.Errorf("restore sandbox: missing snapshot or spawn request")
		a.toError(err)
		return err
	}
	a.setStatus(directory.StatusRestoring)
	a.updateDirectoryStatus(directory.StatusRestoring)
	a.broadcastStatus()
	a.audit("session.restoring", "restore requested", "", nil)

	url := a.state.RestoreURL
	snapshotID := a.state.SnapshotID
	payload := a.state.SpawnRequest
	a.async(func() func() {
		res, err := a.deps.Provisioner.Restore(context.Background(), url, snapshotID, payload)
		return func() {
			if a.state.Status != directory.StatusRestoring {
				return
			}
			if err != nil {
				a.toError(fmt.Errorf("restore sandbox: %w", err))
				return
			}
			a.setSandbox(res.SandboxID, res.Tunnels)
			a.setSnapshot("")
			a.logger.Info("sandbox restored", zap.String("sandbox_id", res.SandboxID))
			a.enterRunning(directory.StatusRestoring)
		}
	})
	return nil
}

// Stop terminates the session and cascades to its children.
func (a *Agent) Stop(ctx context.Context, reason string) error {
	var ferr error
	err := a.call(ctx, func() { ferr = a.requestStop(reason, "") })
	if err != nil {
		return err
	}
	return ferr
}

func (a *Agent) requestStop(reason, actor string) error {
	if a.state.Status == "" {
		return ErrNotStarted
	}
	if a.state.Status == directory.StatusTerminated {
		return nil
	}
	a.stopLocked(reason, actor)
	return nil
}

func (a *Agent) stopLocked(reason, actor string) {
	a.flushActiveSeconds()
	a.setRunningSince(time.Time{})

	// Children first, off-loop; each child agent stops independently.
	a.cascadeStopChildren()

	if a.runner != nil {
		a.sendRunner(&protocol.RunnerControlFrame{Type: protocol.ToRunnerStop})
		a.runner.close(1000)
		a.runner = nil
	}
	a.runnerBusy = false

	if a.state.SandboxID != "" {
		a.terminateSandboxAsync(a.state.SandboxID)
		a.setSandbox("", nil)
	}

	a.setStatus(directory.StatusTerminated)
	a.updateDirectoryStatus(directory.StatusTerminated)
	a.broadcastStatus()
	a.audit("session.stopped", "session terminated", actor, map[string]any{"reason": reason})
	a.publish(events.SessionStopped, map[string]any{"reason": reason})
	a.drainAudit()

	for _, c := range a.clients {
		c.close()
	}
	a.clients = make(map[string]*clientPeer)
	a.rearmAlarm()
}

func (a *Agent) cascadeStopChildren() {
	children, err := a.deps.Directory.ListChildSessions(a.ctx, a.id)
	if err != nil {
		a.logger.Warn("list child sessions", zap.Error(err))
		return
	}
	for _, child := range children {
		if isTerminal(child.Status) {
			continue
		}
		childID := child.ID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			agent, err := a.registry.Lookup(childID)
			if err != nil {
				a.logger.Warn("cascade stop: lookup child",
					zap.String("child_id", childID), zap.Error(err))
				return
			}
			if err := agent.Stop(ctx, events.StopReasonUserStopped); err != nil {
				a.logger.Warn("cascade stop child",
					zap.String("child_id", childID), zap.Error(err))
			}
		}()
	}
}

func (a *Agent) terminateSandboxAsync(sandboxID string) {
	url := a.state.TerminateURL
	a.async(func() func() {
		if err := a.deps.Provisioner.Terminate(context.Background(), url, sandboxID); err != nil {
			a.logger.Warn("terminate sandbox", zap.String("sandbox_id", sandboxID), zap.Error(err))
		}
		return nil
	})
}

// toError parks the session in the error state.
func (a *Agent) toError(cause error) {
	a.logger.Error("session errored", zap.Error(cause))
	a.flushActiveSeconds()
	a.setRunningSince(time.Time{})
	if a.runner != nil {
		a.runner.close(1011)
		a.runner = nil
	}
	a.runnerBusy = false
	a.setStatus(directory.StatusError)
	a.updateDirectoryStatus(directory.StatusError)
	a.broadcastStatus()
	a.appendRunnerMessage(protocol.RoleSystem, "Error: "+cause.Error(), nil)
	a.broadcast(&protocol.ErrorFrame{Type: protocol.EventError, Message: cause.Error()})
	a.audit("session.errored", cause.Error(), "", nil)
	a.publish(events.SessionErrored, map[string]any{"error": cause.Error()})
	a.rearmAlarm()
}

// flushActiveSeconds accumulates running wall time into the directory.
func (a *Agent) flushActiveSeconds() {
	if a.state.RunningSince.IsZero() {
		return
	}
	now := time.Now().UTC()
	delta := int64(now.Sub(a.state.RunningSince).Seconds())
	if delta <= 0 {
		return
	}
	if err := a.deps.Directory.AddActiveSeconds(a.ctx, a.id, delta); err != nil {
		a.logger.Warn("flush active seconds", zap.Error(err))
		return
	}
	a.setRunningSince(now)
}

func (a *Agent) updateDirectoryStatus(status string) {
	if err := a.deps.Directory.UpdateSessionStatus(a.ctx, a.id, status); err != nil {
		a.logger.Warn("update directory status", zap.String("status", status), zap.Error(err))
	}
}

// GC releases a terminal session's local resources. The directory row
// survives; the per-session database is removed by the registry.
func (a *Agent) GC(ctx context.Context) error {
	var ferr error
	err := a.call(ctx, func() {
		if !isTerminal(a.state.Status) {
			ferr = fmt.Errorf("%w: gc from %s", ErrBadTransition, a.state.Status)
			return
		}
		a.drainAudit()
		a.publish(events.SessionGCed, nil)
	})
	if err != nil {
		return err
	}
	return ferr
}

// WebhookUpdate applies a provider webhook's PR state change: the
// directory row is updated and clients are notified. Nothing is sent to
// the runner.
type WebhookUpdate struct {
	PRNumber    int    `json:"prNumber"`
	PRTitle     string `json:"prTitle,omitempty"`
	PRUrl       string `json:"prUrl,omitempty"`
	PRState     string `json:"prState,omitempty"`
	PRMergedAt  string `json:"prMergedAt,omitempty"`
	Branch      string `json:"branch,omitempty"`
	CommitCount int    `json:"commitCount,omitempty"`
}

// ApplyWebhook merges a provider webhook into git state and broadcasts.
func (a *Agent) ApplyWebhook(ctx context.Context, upd *WebhookUpdate) error {
	var ferr error
	err := a.call(ctx, func() {
		git, gerr := a.deps.Directory.GetGitState(a.ctx, a.id)
		if errors.Is(gerr, directory.ErrNotFound) {
			git = &directory.GitState{SessionID: a.id, RepoURL: a.state.RepoURL}
		} else if gerr != nil {
			ferr = gerr
			return
		}
		if upd.Branch != "" {
			git.Branch = upd.Branch
		}
		if upd.CommitCount > 0 {
			git.CommitCount = upd.CommitCount
		}
		if upd.PRNumber != 0 {
			git.PRNumber = upd.PRNumber
		}
		if upd.PRTitle != "" {
			git.PRTitle = upd.PRTitle
		}
		if upd.PRUrl != "" {
			git.PRUrl = upd.PRUrl
		}
		if upd.PRState != "" {
			git.PRState = upd.PRState
		}
		if upd.PRMergedAt != "" {
			if t, perr := time.Parse(time.RFC3339, upd.PRMergedAt); perr == nil {
				git.PRMergedAt = &t
			}
		}
		if ferr = a.deps.Directory.UpsertGitState(a.ctx, git); ferr != nil {
			return
		}
		a.broadcast(&protocol.GitStateFrame{
			Type: protocol.EventGitState,
			Git: protocol.GitState{
				Branch:      git.Branch,
				BaseBranch:  git.BaseBranch,
				CommitCount: git.CommitCount,
				PRNumber:    git.PRNumber,
				PRTitle:     git.PRTitle,
				PRUrl:       git.PRUrl,
				PRState:     git.PRState,
				PRMergedAt:  upd.PRMergedAt,
			},
		})
		a.audit("git.webhook", fmt.Sprintf("PR #%d %s", git.PRNumber, git.PRState), "", nil)
	})
	if err != nil {
		return err
	}
	return ferr
}
