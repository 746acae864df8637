package directory

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("directory: not found")

// Store is the directory persistence interface. Every write is a single
// statement; no multi-row transactions cross this boundary.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSessionStatus(ctx context.Context, id, status string) error
	UpdateSessionTitle(ctx context.Context, id, title string) error
	AddActiveSeconds(ctx context.Context, id string, delta int64) error
	ListChildSessions(ctx context.Context, parentID string) ([]*Session, error)

	// Git state
	GetGitState(ctx context.Context, sessionID string) (*GitState, error)
	UpsertGitState(ctx context.Context, g *GitState) error

	// Changed files
	UpsertFileChange(ctx context.Context, f *FileChange) error
	ListFileChanges(ctx context.Context, sessionID string) ([]*FileChange, error)

	// Audit log drain
	AppendAuditEntries(ctx context.Context, entries []*AuditEntry) error

	// Users and tokens
	GetUser(ctx context.Context, id string) (*User, error)
	UpsertUser(ctx context.Context, u *User) error
	SetUserModels(ctx context.Context, userID, modelsJSON string) error
	GetOAuthToken(ctx context.Context, userID, provider string) (*OAuthToken, error)
	PutOAuthToken(ctx context.Context, t *OAuthToken) error

	// Orchestrator memory
	InsertMemory(ctx context.Context, m *MemoryRow) error
	SearchMemory(ctx context.Context, userID, query string, limit int) ([]*MemoryRow, error)
	DeleteMemory(ctx context.Context, userID, id string) error
	BoostMemory(ctx context.Context, id string) error

	// Catalogues
	ListOrgRepos(ctx context.Context) ([]*OrgRepo, error)
	ListPersonas(ctx context.Context) ([]*Persona, error)
	SeedPersonas(ctx context.Context, personas []*Persona) error

	Close() error
}
