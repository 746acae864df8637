// Package directory is the shared relational store referenced by every
// session agent: session rows, git state, changed files, users, OAuth
// tokens, orchestrator memory, and the repo/persona catalogues.
package directory

import "time"

// Session lifecycle statuses mirrored from the session agents.
const (
	StatusInitializing = "initializing"
	StatusRunning      = "running"
	StatusHibernating  = "hibernating"
	StatusHibernated   = "hibernated"
	StatusRestoring    = "restoring"
	StatusTerminated   = "terminated"
	StatusError        = "error"
)

// Session is the directory row for one session.
type Session struct {
	ID              string    `db:"id" json:"id"`
	UserID          string    `db:"user_id" json:"userId"`
	Workspace       string    `db:"workspace" json:"workspace"`
	Status          string    `db:"status" json:"status"`
	Title           string    `db:"title" json:"title,omitempty"`
	ParentSessionID string    `db:"parent_session_id" json:"parentSessionId,omitempty"`
	ActiveSeconds   int64     `db:"active_seconds" json:"activeSeconds"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time `db:"updated_at" json:"updatedAt"`
}

// GitState is the per-session git state row.
type GitState struct {
	SessionID   string     `db:"session_id" json:"sessionId"`
	RepoURL     string     `db:"repo_url" json:"repoUrl,omitempty"`
	Branch      string     `db:"branch" json:"branch,omitempty"`
	BaseBranch  string     `db:"base_branch" json:"baseBranch,omitempty"`
	CommitCount int        `db:"commit_count" json:"commitCount"`
	PRNumber    int        `db:"pr_number" json:"prNumber,omitempty"`
	PRTitle     string     `db:"pr_title" json:"prTitle,omitempty"`
	PRUrl       string     `db:"pr_url" json:"prUrl,omitempty"`
	PRState     string     `db:"pr_state" json:"prState,omitempty"`
	PRCreatedAt *time.Time `db:"pr_created_at" json:"prCreatedAt,omitempty"`
	PRMergedAt  *time.Time `db:"pr_merged_at" json:"prMergedAt,omitempty"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updatedAt"`
}

// FileChange is one changed file in a session's working tree.
type FileChange struct {
	SessionID string    `db:"session_id" json:"sessionId"`
	Path      string    `db:"path" json:"path"`
	Status    string    `db:"status" json:"status"`
	Additions int       `db:"additions" json:"additions"`
	Deletions int       `db:"deletions" json:"deletions"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// AuditEntry is a drained audit-log row.
type AuditEntry struct {
	ID        string    `db:"id" json:"id"`
	SessionID string    `db:"session_id" json:"sessionId"`
	EventType string    `db:"event_type" json:"eventType"`
	Summary   string    `db:"summary" json:"summary"`
	Actor     string    `db:"actor" json:"actor,omitempty"`
	Metadata  string    `db:"metadata" json:"metadata,omitempty"` // JSON blob
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// User is a directory user profile.
type User struct {
	ID               string `db:"id" json:"id"`
	Name             string `db:"name" json:"name,omitempty"`
	Email            string `db:"email" json:"email,omitempty"`
	Avatar           string `db:"avatar" json:"avatar,omitempty"`
	GitName          string `db:"git_name" json:"gitName,omitempty"`
	GitEmail         string `db:"git_email" json:"gitEmail,omitempty"`
	ModelPreferences string `db:"model_preferences" json:"modelPreferences,omitempty"` // JSON array
	Models           string `db:"models" json:"models,omitempty"`                       // cached catalogue, JSON array
}

// OAuthToken is an encrypted-at-rest provider token.
type OAuthToken struct {
	UserID     string    `db:"user_id" json:"userId"`
	Provider   string    `db:"provider" json:"provider"`
	Ciphertext []byte    `db:"ciphertext" json:"-"`
	Nonce      []byte    `db:"nonce" json:"-"`
	UpdatedAt  time.Time `db:"updated_at" json:"updatedAt"`
}

// MemoryRow is one orchestrator-memory entry, scoped by user.
type MemoryRow struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"userId"`
	Content   string    `db:"content" json:"content"`
	Tags      string    `db:"tags" json:"tags,omitempty"` // JSON array
	Relevance int       `db:"relevance" json:"relevance"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// OrgRepo is a catalogue entry for a repository available to the org.
type OrgRepo struct {
	ID            string `db:"id" json:"id"`
	Name          string `db:"name" json:"name"`
	URL           string `db:"url" json:"url"`
	Description   string `db:"description" json:"description,omitempty"`
	DefaultBranch string `db:"default_branch" json:"defaultBranch,omitempty"`
}

// Persona is a catalogue entry describing a runner persona.
type Persona struct {
	ID           string `db:"id" json:"id" yaml:"id"`
	Name         string `db:"name" json:"name" yaml:"name"`
	Description  string `db:"description" json:"description,omitempty" yaml:"description"`
	SystemPrompt string `db:"system_prompt" json:"systemPrompt,omitempty" yaml:"systemPrompt"`
}
