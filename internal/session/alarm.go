package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/directory"
	"github.com/coderelay/coderelay/pkg/protocol"
)

// The agent owns exactly one timer. It is re-armed to the earliest of the
// idle-hibernate deadline and the next pending-question expiry; everything
// the timer might mean is re-derived from state when it fires.

func (a *Agent) rearmAlarm() {
	next := time.Time{}

	if a.state.Status == directory.StatusRunning && !a.runnerBusy {
		idleAt := a.state.LastActivity.Add(a.state.IdleTimeout)
		next = idleAt
	}
	if expiry, ok, err := a.store.NextQuestionExpiry(a.ctx); err != nil {
		a.logger.Error("next question expiry", zap.Error(err))
	} else if ok && (next.IsZero() || expiry.Before(next)) {
		next = expiry
	}

	if next.Equal(a.alarmAt) {
		return
	}
	if !a.alarm.Stop() {
		select {
		case <-a.alarm.C:
		default:
		}
	}
	a.alarmAt = next
	if next.IsZero() {
		return
	}
	d := time.Until(next)
	if d < 0 {
		d = 0
	}
	a.alarm.Reset(d)
}

// handleAlarm runs on the loop when the timer fires.
func (a *Agent) handleAlarm() {
	now := time.Now().UTC()

	expired, err := a.store.ExpirePending(a.ctx, now)
	if err != nil {
		a.logger.Error("expire questions", zap.Error(err))
	}
	for _, q := range expired {
		a.sendRunner(&protocol.RunnerAnswerFrame{
			Type:       protocol.ToRunnerAnswer,
			QuestionID: q.ID,
			Answer:     protocol.ExpiredAnswer,
		})
		a.broadcast(&protocol.QuestionFrame{Type: protocol.EventQuestion, Question: q})
		a.broadcast(&protocol.StatusFrame{Type: protocol.EventStatus, ExpiredQuestion: q.ID})
		a.audit("question.expired", "", "", map[string]any{"questionId": q.ID})
	}

	a.flushActiveSeconds()
	a.drainAudit()

	if a.state.Status == directory.StatusRunning && !a.runnerBusy &&
		!a.state.LastActivity.IsZero() &&
		now.Sub(a.state.LastActivity) >= a.state.IdleTimeout {
		a.logger.Info("idle timeout, hibernating",
			zap.Duration("idle_timeout", a.state.IdleTimeout))
		if err := a.hibernateLocked("idle"); err != nil {
			a.logger.Warn("idle hibernate", zap.Error(err))
		}
	}

	a.rearmAlarm()
}
