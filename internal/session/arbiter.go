package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/directory"
	"github.com/coderelay/coderelay/pkg/protocol"
)

// ErrPromptTooLarge is returned when a prompt exceeds the configured
// message size limit.
var ErrPromptTooLarge = errors.New("session: prompt exceeds size limit")

// ErrRunnerBusy is returned for operations that need an idle runner.
var ErrRunnerBusy = errors.New("session: runner is busy")

// PromptRequest is a prompt submission from HTTP or a sibling session.
type PromptRequest struct {
	Content   string `json:"content"`
	Model     string `json:"model,omitempty"`
	UserID    string `json:"userId"`
	Interrupt bool   `json:"interrupt,omitempty"`
}

// SubmitPrompt enqueues a prompt, waking a hibernated session if needed.
func (a *Agent) SubmitPrompt(ctx context.Context, req *PromptRequest) (string, error) {
	var (
		id   string
		ferr error
	)
	err := a.call(ctx, func() {
		id, ferr = a.submitPromptLocked(req.Content, req.Model, protocol.Author{ID: req.UserID}, req.Interrupt)
	})
	if err != nil {
		return "", err
	}
	return id, ferr
}

func (a *Agent) submitPromptLocked(content, model string, author protocol.Author, interrupt bool) (string, error) {
	if a.state.Status == "" {
		return "", ErrNotStarted
	}
	if isTerminal(a.state.Status) {
		return "", fmt.Errorf("session: prompt on %s session", a.state.Status)
	}
	if content == "" {
		return "", fmt.Errorf("session: empty prompt")
	}
	if limit := a.deps.Cfg.MaxMessageBytes; limit > 0 && int64(len(content)) > limit {
		return "", ErrPromptTooLarge
	}

	// Fill in directory profile fields for the transcript row.
	if u, err := a.deps.Directory.GetUser(a.ctx, author.ID); err == nil {
		if author.Name == "" {
			author.Name = u.Name
		}
		if author.Email == "" {
			author.Email = u.Email
		}
	}

	if interrupt && a.runnerBusy {
		// Abort the in-flight turn and drop everything waiting behind it
		// so the interrupting prompt is next in line. The queue drains
		// normally once the runner acknowledges with "aborted".
		a.sendRunner(&protocol.RunnerControlFrame{Type: protocol.ToRunnerAbort})
		if n, err := a.store.ClearQueued(a.ctx); err != nil {
			a.logger.Error("clear queue on interrupt", zap.Error(err))
		} else if n > 0 {
			a.logger.Debug("queued prompts dropped on interrupt", zap.Int64("dropped", n))
		}
		a.audit("prompt.interrupt", "in-flight turn aborted for new prompt", author.ID, nil)
	}

	id, err := a.appendPromptLocked(content, model, author)
	if err != nil {
		return "", err
	}
	a.touchActivity()

	switch a.state.Status {
	case directory.StatusHibernated:
		// Auto-wake; the prompt dispatches when the runner reconnects.
		if err := a.wakeLocked(); err != nil {
			a.logger.Warn("auto-wake on prompt", zap.Error(err))
		}
	case directory.StatusHibernating:
		// Snapshot in flight; the hibernate continuation wakes the
		// session again when it finds the queue non-empty.
	case directory.StatusRunning:
		a.maybeDispatch()
	}
	return id, nil
}

// enqueuePromptLocked is the internal path used at start for the initial
// prompt: no wake, no dispatch.
func (a *Agent) enqueuePromptLocked(content, model string, author protocol.Author) error {
	_, err := a.appendPromptLocked(content, model, author)
	return err
}

// appendPromptLocked records the transcript message and the queue entry.
func (a *Agent) appendPromptLocked(content, model string, author protocol.Author) (string, error) {
	msg := &protocol.Message{
		ID:          uuid.New().String(),
		Role:        protocol.RoleUser,
		Content:     content,
		AuthorID:    author.ID,
		AuthorEmail: author.Email,
		AuthorName:  author.Name,
		CreatedAt:   time.Now().UTC(),
	}
	if err := a.store.InsertMessage(a.ctx, msg); err != nil {
		return "", err
	}
	a.broadcast(&protocol.MessageFrame{Type: protocol.EventMessage, Message: *msg})

	if err := a.store.EnqueuePrompt(a.ctx, &PromptEntry{
		ID:          msg.ID,
		Content:     content,
		Model:       model,
		AuthorID:    author.ID,
		AuthorEmail: author.Email,
		AuthorName:  author.Name,
		CreatedAt:   msg.CreatedAt,
	}); err != nil {
		return "", err
	}
	a.audit("prompt.submitted", truncate(content, 120), author.ID, nil)
	return msg.ID, nil
}

// maybeDispatch starts the next queued prompt when the runner is idle.
// Single-flight: at most one prompt is ever in processing.
func (a *Agent) maybeDispatch() {
	if a.runner == nil || a.runnerBusy || a.state.Status != directory.StatusRunning {
		return
	}
	entry, err := a.store.OldestQueued(a.ctx)
	if err != nil {
		a.logger.Error("read prompt queue", zap.Error(err))
		return
	}
	if entry == nil {
		return
	}
	if err := a.store.SetPromptStatus(a.ctx, entry.ID, PromptProcessing); err != nil {
		a.logger.Error("mark prompt processing", zap.Error(err))
		return
	}
	a.runnerBusy = true

	frame := &protocol.RunnerPromptFrame{
		Type:    protocol.ToRunnerPrompt,
		ID:      entry.ID,
		Content: entry.Content,
		Model:   entry.Model,
		Author: protocol.Author{
			ID:    entry.AuthorID,
			Email: entry.AuthorEmail,
			Name:  entry.AuthorName,
		},
	}

	// Git identity follows the prompt author; model preferences follow
	// the session owner.
	if u, err := a.deps.Directory.GetUser(a.ctx, entry.AuthorID); err == nil {
		frame.GitIdentity = protocol.GitIdentity{Name: u.GitName, Email: u.GitEmail}
	}
	if owner, err := a.deps.Directory.GetUser(a.ctx, a.state.UserID); err == nil && owner.ModelPreferences != "" {
		var prefs []string
		if jerr := json.Unmarshal([]byte(owner.ModelPreferences), &prefs); jerr == nil {
			frame.ModelPreferences = prefs
		}
	}

	a.sendRunner(frame)
	a.broadcastStatus()
	a.rearmAlarm()
	a.logger.Debug("prompt dispatched", zap.String("prompt_id", entry.ID))
}

// finishTurn completes the in-flight queue entry and drains the queue.
func (a *Agent) finishTurn(outcome string) {
	entry, err := a.store.Processing(a.ctx)
	if err != nil {
		a.logger.Error("read in-flight prompt", zap.Error(err))
	}
	if entry != nil {
		if err := a.store.SetPromptStatus(a.ctx, entry.ID, PromptCompleted); err != nil {
			a.logger.Error("complete prompt", zap.Error(err))
		}
	}
	a.runnerBusy = false
	a.touchActivity()
	a.flushActiveSeconds()
	a.broadcastStatus()
	if entry != nil {
		a.audit("prompt."+outcome, "", entry.AuthorID, map[string]any{"promptId": entry.ID})
	}
	a.maybeDispatch()
}

// handleAbort drops everything queued and forwards the abort. The idle
// status goes out optimistically; the runner confirms with "aborted".
func (a *Agent) handleAbort(actor string) {
	if !a.runnerBusy {
		return
	}
	if _, err := a.store.ClearQueued(a.ctx); err != nil {
		a.logger.Error("clear queue on abort", zap.Error(err))
	}
	a.sendRunner(&protocol.RunnerControlFrame{Type: protocol.ToRunnerAbort})
	a.broadcast(&protocol.AgentStatusFrame{Type: protocol.EventAgentStatus, Status: "idle"})
	a.audit("prompt.abort_requested", "", actor, nil)
	a.touchActivity()
}

// handleRevert deletes the transcript suffix starting at messageID and
// tells the runner to drop the matching history. Rejected mid-turn.
func (a *Agent) handleRevert(messageID, actor string) error {
	if a.runnerBusy {
		return ErrRunnerBusy
	}
	msg, err := a.store.GetMessage(a.ctx, messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("session: unknown message %s", messageID)
	}
	removed, err := a.store.DeleteMessagesFrom(a.ctx, msg.CreatedAt)
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		return nil
	}
	a.broadcast(&protocol.MessagesRemovedFrame{
		Type:       protocol.EventMessagesRemoved,
		MessageIDs: removed,
	})
	a.sendRunner(&protocol.RunnerRevertFrame{
		Type:      protocol.ToRunnerRevert,
		MessageID: messageID,
	})
	a.audit("transcript.reverted", fmt.Sprintf("%d messages removed", len(removed)), actor,
		map[string]any{"fromMessageId": messageID})
	a.touchActivity()
	return nil
}

// handleAnswer records a client answer and forwards it to the runner.
// Late answers to expired or already-answered questions are dropped.
func (a *Agent) handleAnswer(questionID, answer, actor string) {
	changed, err := a.store.AnswerQuestion(a.ctx, questionID, answer)
	if err != nil {
		a.logger.Error("answer question", zap.Error(err))
		return
	}
	if !changed {
		a.logger.Debug("late answer dropped", zap.String("question_id", questionID))
		return
	}
	a.sendRunner(&protocol.RunnerAnswerFrame{
		Type:       protocol.ToRunnerAnswer,
		QuestionID: questionID,
		Answer:     answer,
	})
	if q, err := a.store.GetQuestion(a.ctx, questionID); err == nil && q != nil {
		a.broadcast(&protocol.QuestionFrame{Type: protocol.EventQuestion, Question: *q})
	}
	a.audit("question.answered", "", actor, map[string]any{"questionId": questionID})
	a.touchActivity()
	a.rearmAlarm()
}

// openQuestion persists a runner question and fans it out to clients.
func (a *Agent) openQuestion(text string, options []string) {
	q := &protocol.Question{
		ID:        uuid.New().String(),
		Text:      text,
		Options:   options,
		Status:    protocol.QuestionPending,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(a.deps.Cfg.QuestionTTL()),
	}
	if err := a.store.InsertQuestion(a.ctx, q); err != nil {
		a.logger.Error("insert question", zap.Error(err))
		return
	}
	a.broadcast(&protocol.QuestionFrame{Type: protocol.EventQuestion, Question: *q})
	a.audit("question.asked", truncate(text, 120), "", map[string]any{"questionId": q.ID})
	a.rearmAlarm()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
