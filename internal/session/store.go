package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/coderelay/internal/db"
	"github.com/coderelay/coderelay/pkg/protocol"
)

// Prompt queue entry statuses.
const (
	PromptQueued     = "queued"
	PromptProcessing = "processing"
	PromptCompleted  = "completed"
)

// PromptEntry is one prompt queue row. Its id equals the id of the
// corresponding user-role transcript message.
type PromptEntry struct {
	ID          string    `db:"id"`
	Content     string    `db:"content"`
	Model       string    `db:"model"`
	Status      string    `db:"status"`
	AuthorID    string    `db:"author_id"`
	AuthorEmail string    `db:"author_email"`
	AuthorName  string    `db:"author_name"`
	CreatedAt   time.Time `db:"created_at"`
}

// AuditRow is one local audit-log row.
type AuditRow struct {
	ID        int64     `db:"id"`
	EventType string    `db:"event_type"`
	Summary   string    `db:"summary"`
	Actor     string    `db:"actor"`
	Metadata  string    `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
	Flushed   bool      `db:"flushed"`
}

type messageRow struct {
	ID          string    `db:"id"`
	Role        string    `db:"role"`
	Content     string    `db:"content"`
	Parts       string    `db:"parts"`
	AuthorID    string    `db:"author_id"`
	AuthorEmail string    `db:"author_email"`
	AuthorName  string    `db:"author_name"`
	AuthorImage string    `db:"author_image"`
	CreatedAt   time.Time `db:"created_at"`
}

type questionRow struct {
	ID        string    `db:"id"`
	Text      string    `db:"text"`
	Options   string    `db:"options"`
	Status    string    `db:"status"`
	Answer    string    `db:"answer"`
	CreatedAt time.Time `db:"created_at"`
	ExpiresAt time.Time `db:"expires_at"`
}

// Store is the per-session embedded store. It is owned exclusively by one
// agent; the single-writer loop is the only caller.
type Store struct {
	pool *db.Pool
}

// OpenStore opens (or creates) the session database at path.
func OpenStore(path string) (*Store, error) {
	pool, err := db.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("session schema init: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id           TEXT PRIMARY KEY,
		role         TEXT NOT NULL,
		content      TEXT NOT NULL DEFAULT '',
		parts        TEXT NOT NULL DEFAULT '',
		author_id    TEXT NOT NULL DEFAULT '',
		author_email TEXT NOT NULL DEFAULT '',
		author_name  TEXT NOT NULL DEFAULT '',
		author_image TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);

	CREATE TABLE IF NOT EXISTS prompt_queue (
		id           TEXT PRIMARY KEY,
		content      TEXT NOT NULL,
		model        TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'queued',
		author_id    TEXT NOT NULL DEFAULT '',
		author_email TEXT NOT NULL DEFAULT '',
		author_name  TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_queue_status ON prompt_queue(status, created_at);

	CREATE TABLE IF NOT EXISTS questions (
		id         TEXT PRIMARY KEY,
		text       TEXT NOT NULL,
		options    TEXT NOT NULL DEFAULT '[]',
		status     TEXT NOT NULL DEFAULT 'pending',
		answer     TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS connected_users (
		user_id TEXT PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		summary    TEXT NOT NULL,
		actor      TEXT NOT NULL DEFAULT '',
		metadata   TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		flushed    INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

// Close closes the store.
func (s *Store) Close() error {
	return s.pool.Close()
}

// --- State KV ---

// GetState returns the value for key, or "" when unset.
func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.Reader().GetContext(ctx, &value, `SELECT value FROM state WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

// SetState stores a state key.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO state (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// LoadState returns the entire state table.
func (s *Store) LoadState(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Reader().QueryxContext(ctx, `SELECT key, value FROM state`)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// --- Messages ---

// InsertMessage appends a transcript message.
func (s *Store) InsertMessage(ctx context.Context, m *protocol.Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	parts := ""
	if m.Parts != nil {
		data, err := json.Marshal(m.Parts)
		if err != nil {
			return fmt.Errorf("marshal parts: %w", err)
		}
		parts = string(data)
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO messages (id, role, content, parts, author_id, author_email, author_name, author_image, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, string(m.Role), m.Content, parts,
		m.AuthorID, m.AuthorEmail, m.AuthorName, m.AuthorImage, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetMessage returns one message by id, or nil when absent.
func (s *Store) GetMessage(ctx context.Context, id string) (*protocol.Message, error) {
	var row messageRow
	err := s.pool.Reader().GetContext(ctx, &row, `SELECT * FROM messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return row.toMessage()
}

// UpsertToolMessage inserts or updates the tool message keyed by call id.
// Returns the stored message and whether it was newly created.
func (s *Store) UpsertToolMessage(ctx context.Context, callID string, part *protocol.ToolPart) (*protocol.Message, bool, error) {
	existing, err := s.GetMessage(ctx, callID)
	if err != nil {
		return nil, false, err
	}
	msg := &protocol.Message{
		ID:   callID,
		Role: protocol.RoleTool,
		Parts: &protocol.MessagePart{
			Kind: protocol.PartTool,
			Tool: part,
		},
	}
	if existing == nil {
		if err := s.InsertMessage(ctx, msg); err != nil {
			return nil, false, err
		}
		return msg, true, nil
	}

	// Preserve fields omitted from progressive updates.
	if prev := existing.Parts.GetTool(); prev != nil {
		if part.Name == "" {
			part.Name = prev.Name
		}
		if part.Args == nil {
			part.Args = prev.Args
		}
		if part.Result == nil {
			part.Result = prev.Result
		}
	}
	msg.CreatedAt = existing.CreatedAt
	data, err := json.Marshal(msg.Parts)
	if err != nil {
		return nil, false, fmt.Errorf("marshal parts: %w", err)
	}
	if _, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE messages SET parts = ? WHERE id = ?`, string(data), callID); err != nil {
		return nil, false, fmt.Errorf("update tool message: %w", err)
	}
	return msg, false, nil
}

// ListMessages returns up to limit messages. With a non-zero after cursor
// it returns the oldest messages after it; otherwise the most recent
// limit, still in chronological order.
func (s *Store) ListMessages(ctx context.Context, limit int, after time.Time) ([]protocol.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []messageRow
	var err error
	if !after.IsZero() {
		err = s.pool.Reader().SelectContext(ctx, &rows, `
			SELECT * FROM messages WHERE created_at > ?
			ORDER BY created_at, id LIMIT ?`, after, limit)
	} else {
		err = s.pool.Reader().SelectContext(ctx, &rows, `
			SELECT * FROM (
				SELECT * FROM messages ORDER BY created_at DESC, id DESC LIMIT ?
			) ORDER BY created_at, id`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]protocol.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.toMessage()
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}

// AllMessages returns the full transcript in chronological order.
func (s *Store) AllMessages(ctx context.Context) ([]protocol.Message, error) {
	var rows []messageRow
	err := s.pool.Reader().SelectContext(ctx, &rows,
		`SELECT * FROM messages ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]protocol.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.toMessage()
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}

// DeleteMessagesFrom deletes every message created at or after t and
// returns the removed ids in chronological order.
func (s *Store) DeleteMessagesFrom(ctx context.Context, t time.Time) ([]string, error) {
	var ids []string
	err := s.pool.Reader().SelectContext(ctx, &ids, `
		SELECT id FROM messages WHERE created_at >= ? ORDER BY created_at, id`, t)
	if err != nil {
		return nil, fmt.Errorf("select revert suffix: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := s.pool.Writer().ExecContext(ctx,
		`DELETE FROM messages WHERE created_at >= ?`, t); err != nil {
		return nil, fmt.Errorf("delete revert suffix: %w", err)
	}
	return ids, nil
}

func (r *messageRow) toMessage() (*protocol.Message, error) {
	m := &protocol.Message{
		ID:          r.ID,
		Role:        protocol.Role(r.Role),
		Content:     r.Content,
		AuthorID:    r.AuthorID,
		AuthorEmail: r.AuthorEmail,
		AuthorName:  r.AuthorName,
		AuthorImage: r.AuthorImage,
		CreatedAt:   r.CreatedAt,
	}
	if r.Parts != "" {
		var parts protocol.MessagePart
		if err := json.Unmarshal([]byte(r.Parts), &parts); err != nil {
			return nil, fmt.Errorf("unmarshal parts for %s: %w", r.ID, err)
		}
		m.Parts = &parts
	}
	return m, nil
}

// --- Prompt queue ---

// EnqueuePrompt appends a queued entry.
func (s *Store) EnqueuePrompt(ctx context.Context, e *PromptEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = PromptQueued
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO prompt_queue (id, content, model, status, author_id, author_email, author_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Content, e.Model, e.Status, e.AuthorID, e.AuthorEmail, e.AuthorName, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue prompt: %w", err)
	}
	return nil
}

// OldestQueued returns the oldest queued entry, or nil when none.
func (s *Store) OldestQueued(ctx context.Context) (*PromptEntry, error) {
	var e PromptEntry
	err := s.pool.Reader().GetContext(ctx, &e, `
		SELECT * FROM prompt_queue WHERE status = ? ORDER BY created_at, id LIMIT 1`,
		PromptQueued)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oldest queued prompt: %w", err)
	}
	return &e, nil
}

// Processing returns the entry currently in flight, or nil.
func (s *Store) Processing(ctx context.Context) (*PromptEntry, error) {
	var e PromptEntry
	err := s.pool.Reader().GetContext(ctx, &e,
		`SELECT * FROM prompt_queue WHERE status = ? LIMIT 1`, PromptProcessing)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("processing prompt: %w", err)
	}
	return &e, nil
}

// SetPromptStatus transitions a queue entry.
func (s *Store) SetPromptStatus(ctx context.Context, id, status string) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE prompt_queue SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set prompt status: %w", err)
	}
	return nil
}

// ClearQueued removes all queued entries, returning how many were dropped.
func (s *Store) ClearQueued(ctx context.Context) (int64, error) {
	res, err := s.pool.Writer().ExecContext(ctx,
		`DELETE FROM prompt_queue WHERE status = ?`, PromptQueued)
	if err != nil {
		return 0, fmt.Errorf("clear queued prompts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RequeueProcessing reverts any processing entry to queued. Called when
// the runner socket closes mid-turn.
func (s *Store) RequeueProcessing(ctx context.Context) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE prompt_queue SET status = ? WHERE status = ?`, PromptQueued, PromptProcessing)
	if err != nil {
		return fmt.Errorf("requeue processing prompt: %w", err)
	}
	return nil
}

// --- Questions ---

// InsertQuestion persists a new pending question.
func (s *Store) InsertQuestion(ctx context.Context, q *protocol.Question) error {
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	if q.Status == "" {
		q.Status = protocol.QuestionPending
	}
	options, err := json.Marshal(q.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	_, err = s.pool.Writer().ExecContext(ctx, `
		INSERT INTO questions (id, text, options, status, answer, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.Text, string(options), q.Status, q.Answer, q.CreatedAt, q.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert question: %w", err)
	}
	return nil
}

// GetQuestion returns a question by id, or nil when absent.
func (s *Store) GetQuestion(ctx context.Context, id string) (*protocol.Question, error) {
	var row questionRow
	err := s.pool.Reader().GetContext(ctx, &row, `SELECT * FROM questions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get question: %w", err)
	}
	return row.toQuestion()
}

// AnswerQuestion records an answer on a still-pending question. Returns
// false (no-op) when the question is already answered or expired.
func (s *Store) AnswerQuestion(ctx context.Context, id, answer string) (bool, error) {
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE questions SET status = ?, answer = ? WHERE id = ? AND status = ?`,
		protocol.QuestionAnswered, answer, id, protocol.QuestionPending)
	if err != nil {
		return false, fmt.Errorf("answer question: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ExpirePending expires every pending question whose expiry has passed and
// returns them.
func (s *Store) ExpirePending(ctx context.Context, now time.Time) ([]protocol.Question, error) {
	var rows []questionRow
	err := s.pool.Reader().SelectContext(ctx, &rows, `
		SELECT * FROM questions WHERE status = ? AND expires_at <= ?`,
		protocol.QuestionPending, now)
	if err != nil {
		return nil, fmt.Errorf("select expired questions: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if _, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE questions SET status = ? WHERE status = ? AND expires_at <= ?`,
		protocol.QuestionExpired, protocol.QuestionPending, now); err != nil {
		return nil, fmt.Errorf("expire questions: %w", err)
	}
	out := make([]protocol.Question, 0, len(rows))
	for _, r := range rows {
		q, err := r.toQuestion()
		if err != nil {
			return nil, err
		}
		q.Status = protocol.QuestionExpired
		out = append(out, *q)
	}
	return out, nil
}

// PendingQuestions returns all still-pending questions, oldest first.
func (s *Store) PendingQuestions(ctx context.Context) ([]protocol.Question, error) {
	var rows []questionRow
	err := s.pool.Reader().SelectContext(ctx, &rows, `
		SELECT * FROM questions WHERE status = ? ORDER BY created_at`,
		protocol.QuestionPending)
	if err != nil {
		return nil, fmt.Errorf("pending questions: %w", err)
	}
	out := make([]protocol.Question, 0, len(rows))
	for _, r := range rows {
		q, err := r.toQuestion()
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	return out, nil
}

// NextQuestionExpiry returns the earliest pending expiry, if any.
func (s *Store) NextQuestionExpiry(ctx context.Context) (time.Time, bool, error) {
	var expiry time.Time
	err := s.pool.Reader().GetContext(ctx, &expiry, `
		SELECT expires_at FROM questions WHERE status = ? ORDER BY expires_at LIMIT 1`,
		protocol.QuestionPending)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("next question expiry: %w", err)
	}
	return expiry, true, nil
}

func (r *questionRow) toQuestion() (*protocol.Question, error) {
	q := &protocol.Question{
		ID:        r.ID,
		Text:      r.Text,
		Status:    r.Status,
		Answer:    r.Answer,
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
	}
	if r.Options != "" {
		if err := json.Unmarshal([]byte(r.Options), &q.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options for %s: %w", r.ID, err)
		}
	}
	return q, nil
}

// --- Connected users ---

// AddConnectedUser records a user id in the connected set.
func (s *Store) AddConnectedUser(ctx context.Context, userID string) error {
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO connected_users (user_id) VALUES (?)
		ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return fmt.Errorf("add connected user: %w", err)
	}
	return nil
}

// RemoveConnectedUser removes a user id from the connected set.
func (s *Store) RemoveConnectedUser(ctx context.Context, userID string) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`DELETE FROM connected_users WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("remove connected user: %w", err)
	}
	return nil
}

// ConnectedUsers lists the connected user ids.
func (s *Store) ConnectedUsers(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.pool.Reader().SelectContext(ctx, &ids,
		`SELECT user_id FROM connected_users ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("connected users: %w", err)
	}
	return ids, nil
}

// ClearConnectedUsers empties the connected set (agent restart).
func (s *Store) ClearConnectedUsers(ctx context.Context) error {
	_, err := s.pool.Writer().ExecContext(ctx, `DELETE FROM connected_users`)
	if err != nil {
		return fmt.Errorf("clear connected users: %w", err)
	}
	return nil
}

// --- Audit log ---

// AppendAudit appends an audit entry.
func (s *Store) AppendAudit(ctx context.Context, eventType, summary, actor string, metadata map[string]any) error {
	meta := "{}"
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err == nil {
			meta = string(data)
		}
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO audit_log (event_type, summary, actor, metadata, created_at, flushed)
		VALUES (?, ?, ?, ?, ?, 0)`,
		eventType, summary, actor, meta, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// UnflushedAudit returns entries not yet drained to the directory.
func (s *Store) UnflushedAudit(ctx context.Context) ([]AuditRow, error) {
	var rows []AuditRow
	err := s.pool.Reader().SelectContext(ctx, &rows,
		`SELECT * FROM audit_log WHERE flushed = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("unflushed audit: %w", err)
	}
	return rows, nil
}

// MarkAuditFlushed marks entries up to and including maxID as drained.
func (s *Store) MarkAuditFlushed(ctx context.Context, maxID int64) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE audit_log SET flushed = 1 WHERE id <= ?`, maxID)
	if err != nil {
		return fmt.Errorf("mark audit flushed: %w", err)
	}
	return nil
}

// RecentAudit returns the latest limit audit entries, oldest first.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]AuditRow, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []AuditRow
	err := s.pool.Reader().SelectContext(ctx, &rows, `
		SELECT * FROM (
			SELECT * FROM audit_log ORDER BY id DESC LIMIT ?
		) ORDER BY id`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent audit: %w", err)
	}
	return rows, nil
}
