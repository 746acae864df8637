package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/coderelay/internal/db"
)

type sqlStore struct {
	pool *db.Pool
}

var _ Store = (*sqlStore)(nil)

// Provide creates the directory store over the given pool and ensures the
// schema exists.
func Provide(pool *db.Pool) (Store, error) {
	s := &sqlStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("directory schema init: %w", err)
	}
	return s, nil
}

func (s *sqlStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id                TEXT PRIMARY KEY,
		user_id           TEXT NOT NULL,
		workspace         TEXT NOT NULL DEFAULT '',
		status            TEXT NOT NULL,
		title             TEXT NOT NULL DEFAULT '',
		parent_session_id TEXT NOT NULL DEFAULT '',
		active_seconds    BIGINT NOT NULL DEFAULT 0,
		created_at        TIMESTAMP NOT NULL,
		updated_at        TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_session_id);

	CREATE TABLE IF NOT EXISTS session_git_state (
		session_id    TEXT PRIMARY KEY,
		repo_url      TEXT NOT NULL DEFAULT '',
		branch        TEXT NOT NULL DEFAULT '',
		base_branch   TEXT NOT NULL DEFAULT '',
		commit_count  INTEGER NOT NULL DEFAULT 0,
		pr_number     INTEGER NOT NULL DEFAULT 0,
		pr_title      TEXT NOT NULL DEFAULT '',
		pr_url        TEXT NOT NULL DEFAULT '',
		pr_state      TEXT NOT NULL DEFAULT '',
		pr_created_at TIMESTAMP,
		pr_merged_at  TIMESTAMP,
		updated_at    TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_file_changed (
		session_id TEXT NOT NULL,
		path       TEXT NOT NULL,
		status     TEXT NOT NULL,
		additions  INTEGER NOT NULL DEFAULT 0,
		deletions  INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, path)
	);

	CREATE TABLE IF NOT EXISTS session_audit_log (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		summary    TEXT NOT NULL,
		actor      TEXT NOT NULL DEFAULT '',
		metadata   TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_session ON session_audit_log(session_id);

	CREATE TABLE IF NOT EXISTS users (
		id                TEXT PRIMARY KEY,
		name              TEXT NOT NULL DEFAULT '',
		email             TEXT NOT NULL DEFAULT '',
		avatar            TEXT NOT NULL DEFAULT '',
		git_name          TEXT NOT NULL DEFAULT '',
		git_email         TEXT NOT NULL DEFAULT '',
		model_preferences TEXT NOT NULL DEFAULT '[]',
		models            TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS oauth_tokens (
		user_id    TEXT NOT NULL,
		provider   TEXT NOT NULL,
		ciphertext BLOB NOT NULL,
		nonce      BLOB NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, provider)
	);

	CREATE TABLE IF NOT EXISTS orchestrator_memory (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		content    TEXT NOT NULL,
		tags       TEXT NOT NULL DEFAULT '[]',
		relevance  INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memory_user ON orchestrator_memory(user_id);

	CREATE TABLE IF NOT EXISTS org_repositories (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL,
		url            TEXT NOT NULL,
		description    TEXT NOT NULL DEFAULT '',
		default_branch TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS personas (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		system_prompt TEXT NOT NULL DEFAULT ''
	);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

func (s *sqlStore) Close() error {
	return s.pool.Close()
}

// --- Sessions ---

func (s *sqlStore) CreateSession(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO sessions (id, user_id, workspace, status, title, parent_session_id, active_seconds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sess.ID, sess.UserID, sess.Workspace, sess.Status, sess.Title,
		sess.ParentSessionID, sess.ActiveSeconds, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *sqlStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var row Session
	r := s.pool.Reader()
	err := r.GetContext(ctx, &row, r.Rebind(`SELECT * FROM sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &row, nil
}

func (s *sqlStore) UpdateSessionStatus(ctx context.Context, id, status string) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`),
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

func (s *sqlStore) UpdateSessionTitle(ctx context.Context, id, title string) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`),
		title, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update session title: %w", err)
	}
	return nil
}

func (s *sqlStore) AddActiveSeconds(ctx context.Context, id string, delta int64) error {
	if delta <= 0 {
		return nil
	}
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(
		`UPDATE sessions SET active_seconds = active_seconds + ?, updated_at = ? WHERE id = ?`),
		delta, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("add active seconds: %w", err)
	}
	return nil
}

func (s *sqlStore) ListChildSessions(ctx context.Context, parentID string) ([]*Session, error) {
	var rows []*Session
	r := s.pool.Reader()
	err := r.SelectContext(ctx, &rows, r.Rebind(
		`SELECT * FROM sessions WHERE parent_session_id = ? ORDER BY created_at`), parentID)
	if err != nil {
		return nil, fmt.Errorf("list child sessions: %w", err)
	}
	return rows, nil
}

// --- Git state ---

func (s *sqlStore) GetGitState(ctx context.Context, sessionID string) (*GitState, error) {
	var row GitState
	r := s.pool.Reader()
	err := r.GetContext(ctx, &row, r.Rebind(
		`SELECT * FROM session_git_state WHERE session_id = ?`), sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get git state: %w", err)
	}
	return &row, nil
}

func (s *sqlStore) UpsertGitState(ctx context.Context, g *GitState) error {
	g.UpdatedAt = time.Now().UTC()
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO session_git_state
			(session_id, repo_url, branch, base_branch, commit_count, pr_number, pr_title, pr_url, pr_state, pr_created_at, pr_merged_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			repo_url = excluded.repo_url,
			branch = excluded.branch,
			base_branch = excluded.base_branch,
			commit_count = excluded.commit_count,
			pr_number = excluded.pr_number,
			pr_title = excluded.pr_title,
			pr_url = excluded.pr_url,
			pr_state = excluded.pr_state,
			pr_created_at = excluded.pr_created_at,
			pr_merged_at = excluded.pr_merged_at,
			updated_at = excluded.updated_at`),
		g.SessionID, g.RepoURL, g.Branch, g.BaseBranch, g.CommitCount,
		g.PRNumber, g.PRTitle, g.PRUrl, g.PRState, g.PRCreatedAt, g.PRMergedAt, g.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert git state: %w", err)
	}
	return nil
}

// --- Changed files ---

func (s *sqlStore) UpsertFileChange(ctx context.Context, f *FileChange) error {
	f.UpdatedAt = time.Now().UTC()
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO session_file_changed (session_id, path, status, additions, deletions, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, path) DO UPDATE SET
			status = excluded.status,
			additions = excluded.additions,
			deletions = excluded.deletions,
			updated_at = excluded.updated_at`),
		f.SessionID, f.Path, f.Status, f.Additions, f.Deletions, f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert file change: %w", err)
	}
	return nil
}

func (s *sqlStore) ListFileChanges(ctx context.Context, sessionID string) ([]*FileChange, error) {
	var rows []*FileChange
	r := s.pool.Reader()
	err := r.SelectContext(ctx, &rows, r.Rebind(
		`SELECT * FROM session_file_changed WHERE session_id = ? ORDER BY path`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list file changes: %w", err)
	}
	return rows, nil
}

// --- Audit log ---

func (s *sqlStore) AppendAuditEntries(ctx context.Context, entries []*AuditEntry) error {
	w := s.pool.Writer()
	query := w.Rebind(`
		INSERT INTO session_audit_log (id, session_id, event_type, summary, actor, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if _, err := w.ExecContext(ctx, query,
			e.ID, e.SessionID, e.EventType, e.Summary, e.Actor, e.Metadata, e.CreatedAt); err != nil {
			return fmt.Errorf("append audit entry: %w", err)
		}
	}
	return nil
}

// --- Users and tokens ---

func (s *sqlStore) GetUser(ctx context.Context, id string) (*User, error) {
	var row User
	r := s.pool.Reader()
	err := r.GetContext(ctx, &row, r.Rebind(`SELECT * FROM users WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &row, nil
}

func (s *sqlStore) UpsertUser(ctx context.Context, u *User) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO users (id, name, email, avatar, git_name, git_email, model_preferences, models)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			avatar = excluded.avatar,
			git_name = excluded.git_name,
			git_email = excluded.git_email,
			model_preferences = excluded.model_preferences`),
		u.ID, u.Name, u.Email, u.Avatar, u.GitName, u.GitEmail,
		orDefault(u.ModelPreferences, "[]"), orDefault(u.Models, "[]"),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *sqlStore) SetUserModels(ctx context.Context, userID, modelsJSON string) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`UPDATE users SET models = ? WHERE id = ?`),
		modelsJSON, userID)
	if err != nil {
		return fmt.Errorf("set user models: %w", err)
	}
	return nil
}

func (s *sqlStore) GetOAuthToken(ctx context.Context, userID, provider string) (*OAuthToken, error) {
	var row OAuthToken
	r := s.pool.Reader()
	err := r.GetContext(ctx, &row, r.Rebind(
		`SELECT * FROM oauth_tokens WHERE user_id = ? AND provider = ?`), userID, provider)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get oauth token: %w", err)
	}
	return &row, nil
}

func (s *sqlStore) PutOAuthToken(ctx context.Context, t *OAuthToken) error {
	t.UpdatedAt = time.Now().UTC()
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO oauth_tokens (user_id, provider, ciphertext, nonce, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			nonce = excluded.nonce,
			updated_at = excluded.updated_at`),
		t.UserID, t.Provider, t.Ciphertext, t.Nonce, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put oauth token: %w", err)
	}
	return nil
}

// --- Orchestrator memory ---

func (s *sqlStore) InsertMemory(ctx context.Context, m *MemoryRow) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO orchestrator_memory (id, user_id, content, tags, relevance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.UserID, m.Content, orDefault(m.Tags, "[]"), m.Relevance, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

func (s *sqlStore) SearchMemory(ctx context.Context, userID, query string, limit int) ([]*MemoryRow, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []*MemoryRow
	r := s.pool.Reader()
	var err error
	if query == "" {
		err = r.SelectContext(ctx, &rows, r.Rebind(`
			SELECT * FROM orchestrator_memory WHERE user_id = ?
			ORDER BY relevance DESC, updated_at DESC LIMIT ?`), userID, limit)
	} else {
		err = r.SelectContext(ctx, &rows, r.Rebind(`
			SELECT * FROM orchestrator_memory WHERE user_id = ? AND content LIKE ?
			ORDER BY relevance DESC, updated_at DESC LIMIT ?`),
			userID, "%"+query+"%", limit)
	}
	if err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}
	return rows, nil
}

func (s *sqlStore) DeleteMemory(ctx context.Context, userID, id string) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(
		`DELETE FROM orchestrator_memory WHERE id = ? AND user_id = ?`), id, userID)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) BoostMemory(ctx context.Context, id string) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE orchestrator_memory SET relevance = relevance + 1, updated_at = ? WHERE id = ?`),
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("boost memory: %w", err)
	}
	return nil
}

// --- Catalogues ---

func (s *sqlStore) ListOrgRepos(ctx context.Context) ([]*OrgRepo, error) {
	var rows []*OrgRepo
	r := s.pool.Reader()
	if err := r.SelectContext(ctx, &rows, `SELECT * FROM org_repositories ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list org repos: %w", err)
	}
	return rows, nil
}

func (s *sqlStore) ListPersonas(ctx context.Context) ([]*Persona, error) {
	var rows []*Persona
	r := s.pool.Reader()
	if err := r.SelectContext(ctx, &rows, `SELECT * FROM personas ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	return rows, nil
}

func (s *sqlStore) SeedPersonas(ctx context.Context, personas []*Persona) error {
	w := s.pool.Writer()
	query := w.Rebind(`
		INSERT INTO personas (id, name, description, system_prompt)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			system_prompt = excluded.system_prompt`)
	for _, p := range personas {
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if _, err := w.ExecContext(ctx, query, p.ID, p.Name, p.Description, p.SystemPrompt); err != nil {
			return fmt.Errorf("seed persona %s: %w", p.Name, err)
		}
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
