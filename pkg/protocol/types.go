// Package protocol defines the wire types exchanged between the session
// agent, its human clients, and the sandbox runner. Frames are JSON text
// messages with a top-level "type" discriminator; unknown fields are
// ignored so both sides can evolve independently.
package protocol

import "time"

// Role identifies the author class of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is a single transcript row. Tool messages are upserted by the
// runner-supplied call id; all other roles are insert-only.
type Message struct {
	ID          string        `json:"id"`
	Role        Role          `json:"role"`
	Content     string        `json:"content"`
	Parts       *MessagePart  `json:"parts,omitempty"`
	AuthorID    string        `json:"authorId,omitempty"`
	AuthorEmail string        `json:"authorEmail,omitempty"`
	AuthorName  string        `json:"authorName,omitempty"`
	AuthorImage string        `json:"authorImage,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// MessagePart is the structured annotation blob attached to a message.
// Exactly one of the variant pointers is set, selected by Kind.
type MessagePart struct {
	Kind       string          `json:"kind"`
	Tool       *ToolPart       `json:"tool,omitempty"`
	Screenshot *ScreenshotPart `json:"screenshot,omitempty"`
	Forwarded  *ForwardedPart  `json:"forwarded,omitempty"`
}

// Part kinds.
const (
	PartTool       = "tool"
	PartScreenshot = "screenshot"
	PartForwarded  = "forwarded"
)

// GetTool returns the tool variant, or nil. Safe on a nil receiver.
func (p *MessagePart) GetTool() *ToolPart {
	if p == nil {
		return nil
	}
	return p.Tool
}

// ToolPart carries the progressive state of a tool invocation.
type ToolPart struct {
	CallID string `json:"callId"`
	Name   string `json:"name"`
	Status string `json:"status"` // pending, running, completed, error
	Args   any    `json:"args,omitempty"`
	Result any    `json:"result,omitempty"`
}

// ScreenshotPart carries a base64-encoded screenshot taken by the runner.
type ScreenshotPart struct {
	Data        string `json:"data"`
	Description string `json:"description,omitempty"`
}

// ForwardedPart marks a message copied from another session's transcript.
type ForwardedPart struct {
	SourceSessionID string    `json:"sourceSessionId"`
	SourceTitle     string    `json:"sourceTitle,omitempty"`
	OriginalRole    Role      `json:"originalRole"`
	OriginalTime    time.Time `json:"originalTime"`
}

// Question is an outstanding question the runner asked the users.
type Question struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Options   []string  `json:"options,omitempty"`
	Status    string    `json:"status"` // pending, answered, expired
	Answer    string    `json:"answer,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Question statuses.
const (
	QuestionPending  = "pending"
	QuestionAnswered = "answered"
	QuestionExpired  = "expired"
)

// ExpiredAnswer is the synthetic answer delivered to the runner when a
// pending question times out.
const ExpiredAnswer = "__expired__"

// ModelInfo is one entry of the runner-discovered model catalogue.
type ModelInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// FileChange is one changed file reported by the runner.
type FileChange struct {
	Path      string `json:"path"`
	Status    string `json:"status"` // added, modified, deleted, renamed
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// GitState mirrors the directory's git-state row for broadcast.
type GitState struct {
	Branch      string `json:"branch,omitempty"`
	BaseBranch  string `json:"baseBranch,omitempty"`
	CommitCount int    `json:"commitCount,omitempty"`
	PRNumber    int    `json:"prNumber,omitempty"`
	PRTitle     string `json:"prTitle,omitempty"`
	PRUrl       string `json:"prUrl,omitempty"`
	PRState     string `json:"prState,omitempty"`
	PRMergedAt  string `json:"prMergedAt,omitempty"`
}

// UserInfo is a connected-user roster entry with directory-resolved profile.
type UserInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// AuditEntry is one audit-log row as shipped to clients.
type AuditEntry struct {
	ID        int64          `json:"id"`
	EventType string         `json:"eventType"`
	Summary   string         `json:"summary"`
	Actor     string         `json:"actor,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Author identifies the human who authored a prompt.
type Author struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// GitIdentity is the git author identity configured for a user.
type GitIdentity struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Tunnels are the reverse-proxy URLs into the sandbox.
type Tunnels struct {
	Editor   string `json:"editor,omitempty"`
	Desktop  string `json:"desktop,omitempty"`
	Terminal string `json:"terminal,omitempty"`
	Gateway  string `json:"gateway,omitempty"`
}
