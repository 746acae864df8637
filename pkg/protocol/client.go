package protocol

// Inbound client frames.

// PromptFrame is a client prompt submission.
type PromptFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

// AnswerFrame answers a pending question.
type AnswerFrame struct {
	Type       string `json:"type"`
	QuestionID string `json:"questionId"`
	Answer     string `json:"answer"`
}

// RevertFrame asks to delete the transcript suffix starting at MessageID.
type RevertFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

// DiffRequestFrame asks the runner for the current working-tree diff.
type DiffRequestFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

// ReviewRequestFrame asks the runner to self-review its changes.
type ReviewRequestFrame struct {
	Type         string `json:"type"`
	RequestID    string `json:"requestId"`
	Instructions string `json:"instructions,omitempty"`
}

// Outbound client frames.

// InitFrame is the first frame sent on every client connection.
type InitFrame struct {
	Type            string       `json:"type"`
	SessionID       string       `json:"sessionId"`
	Status          string       `json:"status"`
	Title           string       `json:"title,omitempty"`
	HasSandbox      bool         `json:"hasSandbox"`
	RunnerConnected bool         `json:"runnerConnected"`
	RunnerBusy      bool         `json:"runnerBusy"`
	Messages        []Message    `json:"messages"`
	Models          []ModelInfo  `json:"models,omitempty"`
	Users           []UserInfo   `json:"users"`
	AuditLog        []AuditEntry `json:"auditLog,omitempty"`
	Tunnels         *Tunnels     `json:"tunnels,omitempty"`
}

// MessageFrame carries a new or updated transcript message.
type MessageFrame struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// MessagesRemovedFrame lists transcript ids deleted by a revert.
type MessagesRemovedFrame struct {
	Type       string   `json:"type"`
	MessageIDs []string `json:"messageIds"`
}

// ChunkFrame is a streamed partial assistant token batch. Not persisted.
type ChunkFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// QuestionFrame carries a pending question to clients.
type QuestionFrame struct {
	Type     string   `json:"type"`
	Question Question `json:"question"`
}

// StatusFrame reports session state changes. Optional fields are pointers
// so absent values are distinguishable from zero values.
type StatusFrame struct {
	Type             string  `json:"type"`
	Status           string  `json:"status,omitempty"`
	RunnerConnected  *bool   `json:"runnerConnected,omitempty"`
	RunnerBusy       *bool   `json:"runnerBusy,omitempty"`
	ExpiredQuestion  string  `json:"questionExpired,omitempty"`
	SandboxID        string  `json:"sandboxId,omitempty"`
}

// PongFrame answers a ping.
type PongFrame struct {
	Type string `json:"type"`
}

// ErrorFrame reports an error on the same connection or session-wide.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// UserPresenceFrame announces user.joined / user.left.
type UserPresenceFrame struct {
	Type string   `json:"type"`
	User UserInfo `json:"user"`
}

// AgentStatusFrame forwards the runner's activity indicator.
type AgentStatusFrame struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// ModelsFrame carries the discovered model catalogue.
type ModelsFrame struct {
	Type   string      `json:"type"`
	Models []ModelInfo `json:"models"`
}

// DiffFrame forwards a runner diff result keyed by request id.
type DiffFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Diff      string `json:"diff"`
}

// ReviewResultFrame forwards a runner review result keyed by request id.
type ReviewResultFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Result    string `json:"result"`
}

// GitStateFrame broadcasts git state changes.
type GitStateFrame struct {
	Type string   `json:"type"`
	Git  GitState `json:"git"`
}

// PRCreatedFrame broadcasts pull-request creation.
type PRCreatedFrame struct {
	Type   string `json:"type"`
	Number int    `json:"number"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	State  string `json:"state"`
}

// FilesChangedFrame broadcasts the current changed-file list.
type FilesChangedFrame struct {
	Type  string       `json:"type"`
	Files []FileChange `json:"files"`
}

// ChildSessionFrame announces a child-session event from the runner.
type ChildSessionFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Task      string `json:"task,omitempty"`
	Status    string `json:"status,omitempty"`
}

// TitleFrame broadcasts a runner-proposed session title.
type TitleFrame struct {
	Type  string `json:"type"`
	Title string `json:"title"`
}

// AuditLogFrame ships a batch of audit entries to clients.
type AuditLogFrame struct {
	Type    string       `json:"type"`
	Entries []AuditEntry `json:"entries"`
}

// ModelSwitchedFrame reports a provider fail-over.
type ModelSwitchedFrame struct {
	Type   string `json:"type"`
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}
