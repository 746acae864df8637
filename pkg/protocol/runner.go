package protocol

import "encoding/json"

// Frames sent to the runner.

// RunnerPromptFrame delivers one prompt to the runner. The author identity
// is captured at dispatch time and stays attached for the whole turn.
type RunnerPromptFrame struct {
	Type             string      `json:"type"`
	ID               string      `json:"id"`
	Content          string      `json:"content"`
	Model            string      `json:"model,omitempty"`
	Author           Author      `json:"author"`
	GitIdentity      GitIdentity `json:"gitIdentity,omitempty"`
	ModelPreferences []string    `json:"modelPreferences,omitempty"`
}

// RunnerAnswerFrame delivers an answer (or the synthetic expiry answer).
type RunnerAnswerFrame struct {
	Type       string `json:"type"`
	QuestionID string `json:"questionId"`
	Answer     string `json:"answer"`
}

// RunnerControlFrame covers stop, abort, pong.
type RunnerControlFrame struct {
	Type string `json:"type"`
}

// RunnerRevertFrame tells the runner to drop its history suffix.
type RunnerRevertFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

// RPCResultFrame is the uniform reply shape for cross-session RPCs and the
// git-provider bridge. Exactly one of Result or Error is populated.
type RPCResultFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Frames received from the runner.

// StreamFrame is a partial assistant content chunk.
type StreamFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ResultFrame is the final assistant content for the current turn.
type ResultFrame struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	PromptID string `json:"promptId,omitempty"`
}

// ToolFrame is a progressive tool-call update keyed by CallID.
type ToolFrame struct {
	Type   string `json:"type"`
	CallID string `json:"callId"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status"`
	Args   any    `json:"args,omitempty"`
	Result any    `json:"result,omitempty"`
}

// RunnerQuestionFrame asks the connected users a question.
type RunnerQuestionFrame struct {
	Type    string   `json:"type"`
	Text    string   `json:"text"`
	Options []string `json:"options,omitempty"`
}

// ScreenshotFrame carries a base64 screenshot.
type ScreenshotFrame struct {
	Type        string `json:"type"`
	Data        string `json:"data"`
	Description string `json:"description,omitempty"`
}

// RunnerErrorFrame reports a runner-side failure.
type RunnerErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// RunnerDiffFrame is the runner's diff response.
type RunnerDiffFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Diff      string `json:"diff"`
}

// RunnerReviewResultFrame is the runner's review response.
type RunnerReviewResultFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Result    string `json:"result"`
}

// RunnerModelsFrame is the discovered model catalogue.
type RunnerModelsFrame struct {
	Type   string      `json:"type"`
	Models []ModelInfo `json:"models"`
}

// RunnerModelSwitchedFrame reports a provider fail-over inside the runner.
type RunnerModelSwitchedFrame struct {
	Type   string `json:"type"`
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// RunnerGitStateFrame reports branch state from inside the sandbox.
type RunnerGitStateFrame struct {
	Type        string `json:"type"`
	Branch      string `json:"branch,omitempty"`
	BaseBranch  string `json:"baseBranch,omitempty"`
	CommitCount int    `json:"commitCount,omitempty"`
}

// RunnerPRCreatedFrame reports a PR the runner created itself.
type RunnerPRCreatedFrame struct {
	Type   string `json:"type"`
	Number int    `json:"number"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	State  string `json:"state"`
}

// RunnerFilesChangedFrame reports the changed-file list.
type RunnerFilesChangedFrame struct {
	Type  string       `json:"type"`
	Files []FileChange `json:"files"`
}

// RunnerChildSessionFrame announces child-session activity.
type RunnerChildSessionFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Task      string `json:"task,omitempty"`
	Status    string `json:"status,omitempty"`
}

// RunnerTitleFrame proposes a session title.
type RunnerTitleFrame struct {
	Type  string `json:"type"`
	Title string `json:"title"`
}

// CreatePRFrame asks the agent to open a pull request.
type CreatePRFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Title     string `json:"title"`
	Body      string `json:"body,omitempty"`
	Head      string `json:"head,omitempty"`
	Base      string `json:"base,omitempty"`
	Draft     bool   `json:"draft,omitempty"`
}

// UpdatePRFrame asks the agent to update an existing pull request.
type UpdatePRFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Number    int    `json:"number"`
	Title     string `json:"title,omitempty"`
	Body      string `json:"body,omitempty"`
	State     string `json:"state,omitempty"`
}

// ListPullRequestsFrame lists PRs on the session's source repo.
type ListPullRequestsFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	State     string `json:"state,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// InspectPullRequestFrame asks for a composed PR inspection.
type InspectPullRequestFrame struct {
	Type          string `json:"type"`
	RequestID     string `json:"requestId"`
	Number        int    `json:"number"`
	FileLimit     int    `json:"fileLimit,omitempty"`
	CommentLimit  int    `json:"commentLimit,omitempty"`
	CheckRunLimit int    `json:"checkRunLimit,omitempty"`
}

// SpawnChildFrame asks to spawn a child session.
type SpawnChildFrame struct {
	Type      string            `json:"type"`
	RequestID string            `json:"requestId"`
	Task      string            `json:"task"`
	Workspace string            `json:"workspace,omitempty"`
	RepoURL   string            `json:"repoUrl,omitempty"`
	Branch    string            `json:"branch,omitempty"`
	Model     string            `json:"model,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// SessionMessageFrame forwards a prompt into a sibling session.
type SessionMessageFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
	Interrupt bool   `json:"interrupt,omitempty"`
}

// SessionMessagesFrame reads messages from a sibling session. Also used
// for forward-messages, which re-inserts them locally.
type SessionMessagesFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId"`
	Limit     int    `json:"limit,omitempty"`
	After     string `json:"after,omitempty"`
}

// TerminateChildFrame stops a child session.
type TerminateChildFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId"`
}

// SelfTerminateFrame stops the runner's own session.
type SelfTerminateFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
}

// MemoryReadFrame queries orchestrator memory.
type MemoryReadFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Query     string `json:"query,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// MemoryWriteFrame stores an orchestrator memory row.
type MemoryWriteFrame struct {
	Type      string   `json:"type"`
	RequestID string   `json:"requestId"`
	Content   string   `json:"content"`
	Tags      []string `json:"tags,omitempty"`
}

// MemoryDeleteFrame removes an orchestrator memory row.
type MemoryDeleteFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	ID        string `json:"id"`
}

// ListReposFrame lists repositories available to the session owner.
type ListReposFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Source    string `json:"source,omitempty"` // github or directory
}

// ListPersonasFrame lists the persona catalogue.
type ListPersonasFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

// GetSessionStatusFrame fetches a sibling session's status snapshot.
type GetSessionStatusFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId"`
}

// ListChildSessionsFrame lists this session's children.
type ListChildSessionsFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}
