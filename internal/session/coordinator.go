package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/directory"
	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/internal/tokens"
	"github.com/coderelay/coderelay/pkg/protocol"
)

// handleCoordinationRPC dispatches a cross-session or memory request from
// the runner. Calls into sibling agents run off-loop so two agents can
// never block each other's loops.
func (a *Agent) handleCoordinationRPC(kind string, raw []byte) {
	peer := a.runner

	switch kind {
	case protocol.RunnerSpawnChild:
		var f protocol.SpawnChildFrame
		if !decodeOK(a, raw, &f) {
			return
		}
		a.spawnChild(peer, &f)

	case protocol.RunnerSessionMessage:
		var f protocol.SessionMessageFrame
		if !decodeOK(a, raw, &f) {
			return
		}
		target, err := a.authorizeSession(f.SessionID)
		if err != nil {
			a.replyRunner(peer, kind, f.RequestID, nil, err)
			return
		}
		owner := a.state.UserID
		a.async(func() func() {
			ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
			defer cancel()
			agent, err := a.registry.Lookup(target.ID)
			if err != nil {
				a.replyRunner(peer, kind, f.RequestID, nil, err)
				return nil
			}
			id, err := agent.SubmitPrompt(ctx, &PromptRequest{
				Content:   f.Content,
				UserID:    owner,
				Interrupt: f.Interrupt,
			})
			if err != nil {
				a.replyRunner(peer, kind, f.RequestID, nil, err)
				return nil
			}
			a.replyRunner(peer, kind, f.RequestID, map[string]any{"messageId": id}, nil)
			return nil
		})

	case protocol.RunnerSessionMessages:
		var f protocol.SessionMessagesFrame
		if !decodeOK(a, raw, &f) {
			return
		}
		target, err := a.authorizeSession(f.SessionID)
		if err != nil {
			a.replyRunner(peer, kind, f.RequestID, nil, err)
			return
		}
		a.async(func() func() {
			messages, err := a.readSiblingMessages(target.ID, f.Limit, f.After)
			if err != nil {
				a.replyRunner(peer, kind, f.RequestID, nil, err)
				return nil
			}
			a.replyRunner(peer, kind, f.RequestID, map[string]any{"messages": messages}, nil)
			return nil
		})

	case protocol.RunnerForwardMessages:
		var f protocol.SessionMessagesFrame
		if !decodeOK(a, raw, &f) {
			return
		}
		target, err := a.authorizeSession(f.SessionID)
		if err != nil {
			a.replyRunner(peer, kind, f.RequestID, nil, err)
			return
		}
		sourceTitle := target.Title
		a.async(func() func() {
			messages, err := a.readSiblingMessages(target.ID, f.Limit, f.After)
			if err != nil {
				a.replyRunner(peer, kind, f.RequestID, nil, err)
				return nil
			}
			return func() {
				// Back on the loop: copy into our own transcript.
				n := 0
				for _, src := range messages {
					// Forwarded copies always render as assistant output;
					// the original role travels in the provenance part.
					copyMsg := &protocol.Message{
						ID:      uuid.New().String(),
						Role:    protocol.RoleAssistant,
						Content: src.Content,
						Parts: &protocol.MessagePart{
							Kind: protocol.PartForwarded,
							Forwarded: &protocol.ForwardedPart{
								SourceSessionID: target.ID,
								SourceTitle:     sourceTitle,
								OriginalRole:    src.Role,
								OriginalTime:    src.CreatedAt,
							},
						},
						CreatedAt: time.Now().UTC(),
					}
					if err := a.store.InsertMessage(a.ctx, copyMsg); err != nil {
						a.logger.Error("forward message", zap.Error(err))
						continue
					}
					a.broadcast(&protocol.MessageFrame{Type: protocol.EventMessage, Message: *copyMsg})
					n++
				}
				a.audit("messages.forwarded", fmt.Sprintf("%d messages from %s", n, target.ID), "", nil)
				a.replyRunner(peer, kind, f.RequestID, map[string]any{"forwarded": n}, nil)
			}
		})

	case protocol.RunnerTerminateChild:
		var f protocol.TerminateChildFrame
		if !decodeOK(a, raw, &f) {
			return
		}
		target, err := a.authorizeSession(f.SessionID)
		if err == nil && target.ParentSessionID != a.id {
			err = fmt.Errorf("session %s is not a child of this session", f.SessionID)
		}
		if err != nil {
			a.replyRunner(peer, kind, f.RequestID, nil, err)
			return
		}
		a.async(func() func() {
			ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
			defer cancel()
			agent, err := a.registry.Lookup(target.ID)
			if err == nil {
				err = agent.Stop(ctx, events.StopReasonUserStopped)
			}
			a.replyRunner(peer, kind, f.RequestID, map[string]any{"terminated": err == nil}, err)
			return nil
		})

	case protocol.RunnerSelfTerminate:
		var f protocol.SelfTerminateFrame
		_ = protocol.Decode(raw, &f)
		if f.RequestID != "" {
			a.replyRunner(peer, kind, f.RequestID, map[string]any{"terminating": true}, nil)
		}
		// The stop runs as a fresh loop task so the ack flushes first.
		a.post(func() {
			if err := a.requestStop(events.StopReasonCompleted, "runner"); err != nil {
				a.logger.Warn("self terminate", zap.Error(err))
			}
		})

	case protocol.RunnerMemoryRead:
		var f protocol.MemoryReadFrame
		if !decodeOK(a, raw, &f) {
			return
		}
		rows, err := a.deps.Directory.SearchMemory(a.ctx, a.state.UserID, f.Query, f.Limit)
		if err != nil {
			a.replyRunner(peer, kind, f.RequestID, nil, err)
			return
		}
		// Reads boost relevance so recalled memories float up.
		for _, row := range rows {
			if err := a.deps.Directory.BoostMemory(a.ctx, row.ID); err != nil {
				a.logger.Warn("boost memory", zap.String("memory_id", row.ID), zap.Error(err))
			}
		}
		a.replyRunner(peer, kind, f.RequestID, map[string]any{"memories": rows}, nil)

	case protocol.RunnerMemoryWrite:
		var f protocol.MemoryWriteFrame
		if !decodeOK(a, raw, &f) {
			return
		}
		tags := "[]"
		if len(f.Tags) > 0 {
			if data, err := json.Marshal(f.Tags); err == nil {
				tags = string(data)
			}
		}
		row := &directory.MemoryRow{
			ID:      uuid.New().String(),
			UserID:  a.state.UserID,
			Content: f.Content,
			Tags:    tags,
		}
		err := a.deps.Directory.InsertMemory(a.ctx, row)
		a.replyRunner(peer, kind, f.RequestID, map[string]any{"id": row.ID}, err)

	case protocol.RunnerMemoryDelete:
		var f protocol.MemoryDeleteFrame
		if !decodeOK(a, raw, &f) {
			return
		}
		err := a.deps.Directory.DeleteMemory(a.ctx, a.state.UserID, f.ID)
		a.replyRunner(peer, kind, f.RequestID, map[string]any{"deleted": err == nil}, err)

	case protocol.RunnerListPersonas:
		var f protocol.ListPersonasFrame
		if !decodeOK(a, raw, &f) {
			return
		}
		personas, err := a.deps.Directory.ListPersonas(a.ctx)
		a.replyRunner(peer, kind, f.RequestID, map[string]any{"personas": personas}, err)

	case protocol.RunnerGetSessionStatus:
		var f protocol.GetSessionStatusFrame
		if !decodeOK(a, raw, &f) {
			return
		}
		target, err := a.authorizeSession(f.SessionID)
		if err != nil {
			a.replyRunner(peer, kind, f.RequestID, nil, err)
			return
		}
		a.async(func() func() {
			ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
			defer cancel()
			agent, lerr := a.registry.Lookup(target.ID)
			if lerr == nil {
				if snap, serr := agent.Status(ctx); serr == nil {
					recent, _ := agent.Messages(ctx, 10, time.Time{})
					a.replyRunner(peer, kind, f.RequestID, &sessionStatusResult{
						StatusSnapshot: snap,
						RecentMessages: recent,
					}, nil)
					return nil
				}
			}
			// Fall back to the directory row for unloaded sessions.
			a.replyRunner(peer, kind, f.RequestID, &sessionStatusResult{
				StatusSnapshot: &StatusSnapshot{
					ID:              target.ID,
					Status:          target.Status,
					Title:           target.Title,
					UserID:          target.UserID,
					Workspace:       target.Workspace,
					ParentSessionID: target.ParentSessionID,
				},
			}, nil)
			return nil
		})

	case protocol.RunnerListChildSessions:
		var f protocol.ListChildSessionsFrame
		if !decodeOK(a, raw, &f) {
			return
		}
		children, err := a.deps.Directory.ListChildSessions(a.ctx, a.id)
		a.replyRunner(peer, kind, f.RequestID, map[string]any{"sessions": children}, err)
	}
}

// sessionStatusResult is the get-session-status reply: the snapshot plus
// a short tail of the target's transcript.
type sessionStatusResult struct {
	*StatusSnapshot
	RecentMessages []protocol.Message `json:"recentMessages,omitempty"`
}

// authorizeSession resolves a target session and enforces that it belongs
// to this session's owner.
func (a *Agent) authorizeSession(sessionID string) (*directory.Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("sessionId is required")
	}
	target, err := a.deps.Directory.GetSession(a.ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("resolve session %s: %w", sessionID, err)
	}
	if target.UserID != a.state.UserID {
		return nil, fmt.Errorf("session %s belongs to another user", sessionID)
	}
	return target, nil
}

// readSiblingMessages reads a sibling transcript through its agent so the
// single-writer rule holds.
func (a *Agent) readSiblingMessages(sessionID string, limit int, after string) ([]protocol.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	agent, err := a.registry.Lookup(sessionID)
	if err != nil {
		return nil, err
	}
	var afterTime time.Time
	if after != "" {
		t, perr := time.Parse(time.RFC3339Nano, after)
		if perr != nil {
			return nil, fmt.Errorf("bad after cursor: %w", perr)
		}
		afterTime = t
	}
	return agent.Messages(ctx, limit, afterTime)
}

// spawnChild creates and starts a child session reusing this session's
// provisioner endpoints.
func (a *Agent) spawnChild(peer *runnerPeer, f *protocol.SpawnChildFrame) {
	if f.Task == "" {
		a.replyRunner(peer, protocol.RunnerSpawnChild, f.RequestID, nil, fmt.Errorf("task is required"))
		return
	}

	childID := uuid.New().String()
	req := &StartRequest{
		UserID:          a.state.UserID,
		Workspace:       a.state.Workspace,
		RepoURL:         a.state.RepoURL,
		ParentSessionID: a.id,
		InitialPrompt:   f.Task,
		Model:           f.Model,
		Title:           truncate(f.Task, 80),
		RunnerSecret:    uuid.New().String(),
		SpawnURL:        a.state.SpawnURL,
		HibernateURL:    a.state.HibernateURL,
		RestoreURL:      a.state.RestoreURL,
		TerminateURL:    a.state.TerminateURL,
		SpawnRequest:    childSpawnRequest(a.state.SpawnRequest, f),
	}
	if f.Workspace != "" {
		req.Workspace = f.Workspace
	}
	if f.RepoURL != "" {
		req.RepoURL = f.RepoURL
	}
	// Children inherit the parent's branch unless the spawn overrides it.
	req.Branch = f.Branch
	if req.Branch == "" {
		if git, err := a.deps.Directory.GetGitState(a.ctx, a.id); err == nil {
			req.Branch = git.Branch
		}
	}
	owner := a.state.UserID

	a.async(func() func() {
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		defer cancel()
		req.SpawnRequest = a.injectChildCredentials(ctx, owner, req.SpawnRequest)
		child, err := a.registry.Create(childID)
		if err == nil {
			err = child.Start(ctx, req)
		}
		if err != nil {
			a.replyRunner(peer, protocol.RunnerSpawnChild, f.RequestID, nil, err)
			return nil
		}
		a.replyRunner(peer, protocol.RunnerSpawnChild, f.RequestID, map[string]any{"sessionId": childID}, nil)
		return func() {
			a.broadcast(&protocol.ChildSessionFrame{
				Type:      protocol.EventChildSession,
				SessionID: childID,
				Task:      f.Task,
				Status:    directory.StatusInitializing,
			})
			a.audit("child.spawned", truncate(f.Task, 120), "", map[string]any{"childId": childID})
			a.publish(events.SessionChildSpawned, map[string]any{"childId": childID})
		}
	})
}

// injectChildCredentials fills GITHUB_TOKEN and the git identity into the
// child's spawn-request env when the parent did not already carry them.
// Runs off-loop: it decrypts the owner's token from the vault.
func (a *Agent) injectChildCredentials(ctx context.Context, owner string, raw json.RawMessage) json.RawMessage {
	merged := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &merged); err != nil {
			return raw
		}
	}
	env := map[string]any{}
	if prev, ok := merged["env"].(map[string]any); ok {
		env = prev
	}

	if _, ok := env["GITHUB_TOKEN"]; !ok {
		if token, err := a.deps.Tokens.Get(ctx, owner, tokens.ProviderGitHub); err == nil {
			env["GITHUB_TOKEN"] = token
		}
	}
	if _, ok := env["GIT_USER_NAME"]; !ok {
		if u, err := a.deps.Directory.GetUser(ctx, owner); err == nil && u.GitName != "" {
			env["GIT_USER_NAME"] = u.GitName
			env["GIT_USER_EMAIL"] = u.GitEmail
		}
	}

	if len(env) > 0 {
		merged["env"] = env
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return raw
	}
	return data
}

// childSpawnRequest overlays the child's overrides onto the parent's
// opaque spawn request.
func childSpawnRequest(parent json.RawMessage, f *protocol.SpawnChildFrame) json.RawMessage {
	merged := map[string]any{}
	if len(parent) > 0 {
		_ = json.Unmarshal(parent, &merged)
	}
	if f.Workspace != "" {
		merged["workspace"] = f.Workspace
	}
	if f.RepoURL != "" {
		merged["repoUrl"] = f.RepoURL
	}
	if f.Branch != "" {
		merged["branch"] = f.Branch
	}
	if len(f.Env) > 0 {
		env := map[string]string{}
		if prev, ok := merged["env"].(map[string]any); ok {
			for k, v := range prev {
				if s, ok := v.(string); ok {
					env[k] = s
				}
			}
		}
		for k, v := range f.Env {
			env[k] = v
		}
		merged["env"] = env
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return parent
	}
	return data
}
