package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/pkg/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, content := range []string{"first", "second", "third"} {
		require.NoError(t, s.InsertMessage(ctx, &protocol.Message{
			Role:      protocol.RoleUser,
			Content:   content,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	t.Run("chronological order", func(t *testing.T) {
		msgs, err := s.AllMessages(ctx)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, "first", msgs[0].Content)
		assert.Equal(t, "third", msgs[2].Content)
	})

	t.Run("recent window keeps order", func(t *testing.T) {
		msgs, err := s.ListMessages(ctx, 2, time.Time{})
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "second", msgs[0].Content)
		assert.Equal(t, "third", msgs[1].Content)
	})

	t.Run("after cursor", func(t *testing.T) {
		msgs, err := s.ListMessages(ctx, 10, base)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "second", msgs[0].Content)
	})

	t.Run("revert deletes suffix", func(t *testing.T) {
		removed, err := s.DeleteMessagesFrom(ctx, base.Add(time.Second))
		require.NoError(t, err)
		assert.Len(t, removed, 2)

		msgs, err := s.AllMessages(ctx)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "first", msgs[0].Content)
	})
}

func TestStoreToolUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg, created, err := s.UpsertToolMessage(ctx, "call-1", &protocol.ToolPart{
		CallID: "call-1",
		Name:   "read_file",
		Status: "running",
		Args:   map[string]any{"path": "main.go"},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, protocol.RoleTool, msg.Role)

	// A progressive update omitting name and args keeps the originals.
	msg, created, err = s.UpsertToolMessage(ctx, "call-1", &protocol.ToolPart{
		CallID: "call-1",
		Status: "completed",
		Result: "ok",
	})
	require.NoError(t, err)
	assert.False(t, created)

	tool := msg.Parts.GetTool()
	require.NotNil(t, tool)
	assert.Equal(t, "read_file", tool.Name)
	assert.Equal(t, "completed", tool.Status)
	assert.NotNil(t, tool.Args)
	assert.Equal(t, "ok", tool.Result)
}

func TestStorePromptQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	require.NoError(t, s.EnqueuePrompt(ctx, &PromptEntry{ID: "p1", Content: "one", CreatedAt: base}))
	require.NoError(t, s.EnqueuePrompt(ctx, &PromptEntry{ID: "p2", Content: "two", CreatedAt: base.Add(time.Second)}))

	t.Run("fifo", func(t *testing.T) {
		e, err := s.OldestQueued(ctx)
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, "p1", e.ID)
	})

	t.Run("processing transition", func(t *testing.T) {
		require.NoError(t, s.SetPromptStatus(ctx, "p1", PromptProcessing))
		e, err := s.Processing(ctx)
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, "p1", e.ID)

		next, err := s.OldestQueued(ctx)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, "p2", next.ID)
	})

	t.Run("requeue on disconnect", func(t *testing.T) {
		require.NoError(t, s.RequeueProcessing(ctx))
		e, err := s.Processing(ctx)
		require.NoError(t, err)
		assert.Nil(t, e)

		head, err := s.OldestQueued(ctx)
		require.NoError(t, err)
		assert.Equal(t, "p1", head.ID)
	})

	t.Run("clear drops queued only", func(t *testing.T) {
		require.NoError(t, s.SetPromptStatus(ctx, "p1", PromptProcessing))
		n, err := s.ClearQueued(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		e, err := s.Processing(ctx)
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, "p1", e.ID)
	})
}

func TestStoreQuestions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	q := &protocol.Question{
		Text:      "Deploy to staging?",
		Options:   []string{"yes", "no"},
		ExpiresAt: now.Add(time.Minute),
	}
	require.NoError(t, s.InsertQuestion(ctx, q))

	t.Run("answer once", func(t *testing.T) {
		changed, err := s.AnswerQuestion(ctx, q.ID, "yes")
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = s.AnswerQuestion(ctx, q.ID, "no")
		require.NoError(t, err)
		assert.False(t, changed, "second answer must be a no-op")

		got, err := s.GetQuestion(ctx, q.ID)
		require.NoError(t, err)
		assert.Equal(t, protocol.QuestionAnswered, got.Status)
		assert.Equal(t, "yes", got.Answer)
	})

	t.Run("expiry", func(t *testing.T) {
		stale := &protocol.Question{Text: "old", ExpiresAt: now.Add(-time.Minute)}
		require.NoError(t, s.InsertQuestion(ctx, stale))

		expired, err := s.ExpirePending(ctx, now)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, stale.ID, expired[0].ID)
		assert.Equal(t, protocol.QuestionExpired, expired[0].Status)

		// Answers to expired questions are dropped.
		changed, err := s.AnswerQuestion(ctx, stale.ID, "late")
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("next expiry", func(t *testing.T) {
		_, ok, err := s.NextQuestionExpiry(ctx)
		require.NoError(t, err)
		assert.False(t, ok, "no pending questions left")
	})
}

func TestStoreAuditFlush(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendAudit(ctx, "session.started", "started", "u1", nil))
	require.NoError(t, s.AppendAudit(ctx, "prompt.submitted", "hi", "u1", map[string]any{"n": 1}))

	rows, err := s.UnflushedAudit(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.NoError(t, s.MarkAuditFlushed(ctx, rows[1].ID))
	rows, err = s.UnflushedAudit(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)

	recent, err := s.RecentAudit(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestStoreStateKV(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.GetState(ctx, "status")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetState(ctx, "status", "running"))
	require.NoError(t, s.SetState(ctx, "status", "hibernated"))

	kv, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hibernated", kv["status"])
}
