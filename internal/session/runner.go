package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/directory"
	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/pkg/protocol"
)

// handleRunnerFrame runs on the loop for every frame the runner sends.
// Every frame counts as runner activity for the idle clock.
func (a *Agent) handleRunnerFrame(raw []byte) {
	kind, err := protocol.Kind(raw)
	if err != nil {
		a.logger.Warn("bad runner frame", zap.Error(err))
		return
	}
	a.touchActivity()

	switch kind {
	case protocol.RunnerPing:
		a.sendRunner(&protocol.RunnerControlFrame{Type: protocol.ToRunnerPong})

	case protocol.RunnerStream:
		var f protocol.StreamFrame
		if decodeOK(a, raw, &f) {
			// Chunks fan out live and are never persisted; the final
			// "result" carries the full content.
			a.broadcast(&protocol.ChunkFrame{Type: protocol.EventChunk, Content: f.Content})
		}

	case protocol.RunnerResult:
		var f protocol.ResultFrame
		if decodeOK(a, raw, &f) {
			a.appendRunnerMessage(protocol.RoleAssistant, f.Content, nil)
		}

	case protocol.RunnerComplete:
		a.finishTurn("completed")

	case protocol.RunnerAborted:
		a.appendRunnerMessage(protocol.RoleSystem, "Turn aborted.", nil)
		a.finishTurn("aborted")

	case protocol.RunnerReverted:
		a.audit("transcript.revert_acknowledged", "", "", nil)

	case protocol.RunnerTool:
		var f protocol.ToolFrame
		if !decodeOK(a, raw, &f) {
			return
		}
		a.handleToolFrame(&f)

	case protocol.RunnerQuestion:
		var f protocol.RunnerQuestionFrame
		if decodeOK(a, raw, &f) {
			a.openQuestion(f.Text, f.Options)
		}

	case protocol.RunnerScreenshot:
		var f protocol.ScreenshotFrame
		if decodeOK(a, raw, &f) {
			a.appendRunnerMessage(protocol.RoleSystem, f.Description, &protocol.MessagePart{
				Kind:       protocol.PartScreenshot,
				Screenshot: &protocol.ScreenshotPart{Data: f.Data, Description: f.Description},
			})
		}

	case protocol.RunnerError:
		var f protocol.RunnerErrorFrame
		if decodeOK(a, raw, &f) {
			a.appendRunnerMessage(protocol.RoleSystem, "Error: "+f.Message, nil)
			a.broadcast(&protocol.ErrorFrame{Type: protocol.EventError, Message: f.Message})
			a.audit("runner.error", f.Message, "", nil)
			a.publish(events.SessionErrored, map[string]any{"error": f.Message})
		}

	case protocol.RunnerAgentStatus:
		var f protocol.AgentStatusFrame
		if decodeOK(a, raw, &f) {
			a.broadcast(&protocol.AgentStatusFrame{Type: protocol.EventAgentStatus, Status: f.Status})
		}

	case protocol.RunnerModels:
		var f protocol.RunnerModelsFrame
		if !decodeOK(a, raw, &f) {
			return
		}
		a.setModels(f.Models)
		a.broadcast(&protocol.ModelsFrame{Type: protocol.EventModels, Models: f.Models})
		if data, err := json.Marshal(f.Models); err == nil {
			if err := a.deps.Directory.SetUserModels(a.ctx, a.state.UserID, string(data)); err != nil {
				a.logger.Warn("cache model catalogue", zap.Error(err))
			}
		}
		a.publish(events.SessionModelsDiscovered, map[string]any{"count": len(f.Models)})

	case protocol.RunnerModelSwitched:
		var f protocol.RunnerModelSwitchedFrame
		if decodeOK(a, raw, &f) {
			a.appendRunnerMessage(protocol.RoleSystem,
				fmt.Sprintf("Model switched from %s to %s (%s).", f.From, f.To, f.Reason), nil)
			a.broadcast(&protocol.ModelSwitchedFrame{
				Type: protocol.EventModelSwitched, From: f.From, To: f.To, Reason: f.Reason,
			})
			a.audit("model.switched", fmt.Sprintf("%s -> %s", f.From, f.To), "",
				map[string]any{"reason": f.Reason})
		}

	case protocol.RunnerGitState:
		var f protocol.RunnerGitStateFrame
		if decodeOK(a, raw, &f) {
			a.handleGitStateFrame(&f)
		}

	case protocol.RunnerPRCreated:
		var f protocol.RunnerPRCreatedFrame
		if decodeOK(a, raw, &f) {
			a.handlePRCreated(f.Number, f.Title, f.URL, f.State)
		}

	case protocol.RunnerFilesChanged:
		var f protocol.RunnerFilesChangedFrame
		if decodeOK(a, raw, &f) {
			a.handleFilesChanged(f.Files)
		}

	case protocol.RunnerChildSession:
		var f protocol.RunnerChildSessionFrame
		if decodeOK(a, raw, &f) {
			a.broadcast(&protocol.ChildSessionFrame{
				Type: protocol.EventChildSession, SessionID: f.SessionID, Task: f.Task, Status: f.Status,
			})
		}

	case protocol.RunnerTitle:
		var f protocol.RunnerTitleFrame
		if decodeOK(a, raw, &f) && f.Title != "" {
			a.setTitle(f.Title)
			if err := a.deps.Directory.UpdateSessionTitle(a.ctx, a.id, f.Title); err != nil {
				a.logger.Warn("update session title", zap.Error(err))
			}
			a.broadcast(&protocol.TitleFrame{Type: protocol.EventTitle, Title: f.Title})
			a.publish(events.SessionTitleChanged, map[string]any{"title": f.Title})
		}

	case protocol.RunnerDiff:
		var f protocol.RunnerDiffFrame
		if decodeOK(a, raw, &f) {
			a.broadcast(&protocol.DiffFrame{Type: protocol.EventDiff, RequestID: f.RequestID, Diff: f.Diff})
		}

	case protocol.RunnerReviewResult:
		var f protocol.RunnerReviewResultFrame
		if decodeOK(a, raw, &f) {
			a.broadcast(&protocol.ReviewResultFrame{
				Type: protocol.EventReviewResult, RequestID: f.RequestID, Result: f.Result,
			})
		}

	case protocol.RunnerCreatePR, protocol.RunnerUpdatePR,
		protocol.RunnerListPullRequests, protocol.RunnerInspectPR,
		protocol.RunnerListRepos:
		a.handleGitRPC(kind, raw)

	case protocol.RunnerSpawnChild, protocol.RunnerSessionMessage,
		protocol.RunnerSessionMessages, protocol.RunnerForwardMessages,
		protocol.RunnerTerminateChild, protocol.RunnerSelfTerminate,
		protocol.RunnerMemoryRead, protocol.RunnerMemoryWrite, protocol.RunnerMemoryDelete,
		protocol.RunnerListPersonas, protocol.RunnerGetSessionStatus,
		protocol.RunnerListChildSessions:
		a.handleCoordinationRPC(kind, raw)

	default:
		a.logger.Warn("unknown runner frame", zap.String("kind", kind))
	}
}

func decodeOK(a *Agent, raw []byte, v any) bool {
	if err := protocol.Decode(raw, v); err != nil {
		a.logger.Warn("decode runner frame", zap.Error(err))
		return false
	}
	return true
}

// appendRunnerMessage persists and fans out a runner-authored message.
func (a *Agent) appendRunnerMessage(role protocol.Role, content string, parts *protocol.MessagePart) {
	msg := &protocol.Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Parts:     parts,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.InsertMessage(a.ctx, msg); err != nil {
		a.logger.Error("insert runner message", zap.Error(err))
		return
	}
	a.broadcast(&protocol.MessageFrame{Type: protocol.EventMessage, Message: *msg})
}

// handleToolFrame upserts the tool message keyed by call id and broadcasts
// either a new message or an update.
func (a *Agent) handleToolFrame(f *protocol.ToolFrame) {
	if f.CallID == "" {
		a.logger.Warn("tool frame without callId")
		return
	}
	msg, created, err := a.store.UpsertToolMessage(a.ctx, f.CallID, &protocol.ToolPart{
		CallID: f.CallID,
		Name:   f.Name,
		Status: f.Status,
		Args:   f.Args,
		Result: f.Result,
	})
	if err != nil {
		a.logger.Error("upsert tool message", zap.Error(err))
		return
	}
	kind := protocol.EventMessageUpdated
	if created {
		kind = protocol.EventMessage
	}
	a.broadcast(&protocol.MessageFrame{Type: kind, Message: *msg})

	if f.Status == "completed" || f.Status == "error" {
		a.audit("tool.completed", f.Name, "", map[string]any{
			"callId": f.CallID,
			"status": f.Status,
		})
	}
}

func (a *Agent) handleGitStateFrame(f *protocol.RunnerGitStateFrame) {
	git, err := a.deps.Directory.GetGitState(a.ctx, a.id)
	if err != nil {
		git = &directory.GitState{SessionID: a.id, RepoURL: a.state.RepoURL}
	}
	if f.Branch != "" {
		git.Branch = f.Branch
	}
	if f.BaseBranch != "" {
		git.BaseBranch = f.BaseBranch
	}
	git.CommitCount = f.CommitCount
	if err := a.deps.Directory.UpsertGitState(a.ctx, git); err != nil {
		a.logger.Warn("upsert git state", zap.Error(err))
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
		},
	})
}

// handlePRCreated records a new pull request, whether opened by the
// runner itself or through the create-pr bridge call.
func (a *Agent) handlePRCreated(number int, title, url, state string) {
	git, err := a.deps.Directory.GetGitState(a.ctx, a.id)
	if err != nil {
		git = &directory.GitState{SessionID: a.id, RepoURL: a.state.RepoURL}
	}
	now := time.Now().UTC()
	git.PRNumber = number
	git.PRTitle = title
	git.PRUrl = url
	git.PRState = state
	git.PRCreatedAt = &now
	if err := a.deps.Directory.UpsertGitState(a.ctx, git); err != nil {
		a.logger.Warn("record pull request", zap.Error(err))
	}
	a.broadcast(&protocol.PRCreatedFrame{
		Type: protocol.EventPRCreated, Number: number, Title: title, URL: url, State: state,
	})
	a.audit("pr.created", fmt.Sprintf("#%d %s", number, title), "", map[string]any{"url": url})
	a.publish(events.SessionPRCreated, map[string]any{"number": number, "url": url})
}

func (a *Agent) handleFilesChanged(files []protocol.FileChange) {
	for _, f := range files {
		if err := a.deps.Directory.UpsertFileChange(a.ctx, &directory.FileChange{
			SessionID: a.id,
			Path:      f.Path,
			Status:    f.Status,
			Additions: f.Additions,
			Deletions: f.Deletions,
		}); err != nil {
			a.logger.Warn("upsert file change", zap.String("path", f.Path), zap.Error(err))
		}
	}
	a.broadcast(&protocol.FilesChangedFrame{Type: protocol.EventFilesChanged, Files: files})
}
