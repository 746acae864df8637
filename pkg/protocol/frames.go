package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame kinds accepted from clients.
const (
	ClientPrompt = "prompt"
	ClientAnswer = "answer"
	ClientPing   = "ping"
	ClientAbort  = "abort"
	ClientRevert = "revert"
	ClientDiff   = "diff"
	ClientReview = "review"
)

// Frame kinds sent to clients.
const (
	EventInit            = "init"
	EventMessage         = "message"
	EventMessageUpdated  = "message.updated"
	EventMessagesRemoved = "messages.removed"
	EventChunk           = "chunk"
	EventQuestion        = "question"
	EventStatus          = "status"
	EventPong            = "pong"
	EventError           = "error"
	EventUserJoined      = "user.joined"
	EventUserLeft        = "user.left"
	EventAgentStatus     = "agentStatus"
	EventModels          = "models"
	EventDiff            = "diff"
	EventReviewResult    = "review-result"
	EventGitState        = "git-state"
	EventPRCreated       = "pr-created"
	EventFilesChanged    = "files-changed"
	EventChildSession    = "child-session"
	EventTitle           = "title"
	EventAuditLog        = "audit_log"
	EventModelSwitched   = "model-switched"
)

// Frame kinds accepted from the runner.
const (
	RunnerStream            = "stream"
	RunnerResult            = "result"
	RunnerTool              = "tool"
	RunnerQuestion          = "question"
	RunnerScreenshot        = "screenshot"
	RunnerError             = "error"
	RunnerComplete          = "complete"
	RunnerAgentStatus       = "agentStatus"
	RunnerAborted           = "aborted"
	RunnerReverted          = "reverted"
	RunnerDiff              = "diff"
	RunnerReviewResult      = "review-result"
	RunnerModels            = "models"
	RunnerModelSwitched     = "model-switched"
	RunnerGitState          = "git-state"
	RunnerPRCreated         = "pr-created"
	RunnerFilesChanged      = "files-changed"
	RunnerChildSession      = "child-session"
	RunnerTitle             = "title"
	RunnerCreatePR          = "create-pr"
	RunnerUpdatePR          = "update-pr"
	RunnerListPullRequests  = "list-pull-requests"
	RunnerInspectPR         = "inspect-pull-request"
	RunnerSpawnChild        = "spawn-child"
	RunnerSessionMessage    = "session-message"
	RunnerSessionMessages   = "session-messages"
	RunnerTerminateChild    = "terminate-child"
	RunnerSelfTerminate     = "self-terminate"
	RunnerMemoryRead        = "memory-read"
	RunnerMemoryWrite       = "memory-write"
	RunnerMemoryDelete      = "memory-delete"
	RunnerListRepos         = "list-repos"
	RunnerListPersonas      = "list-personas"
	RunnerGetSessionStatus  = "get-session-status"
	RunnerListChildSessions = "list-child-sessions"
	RunnerForwardMessages   = "forward-messages"
	RunnerPing              = "ping"
)

// Frame kinds sent to the runner.
const (
	ToRunnerPrompt = "prompt"
	ToRunnerAnswer = "answer"
	ToRunnerStop   = "stop"
	ToRunnerAbort  = "abort"
	ToRunnerRevert = "revert"
	ToRunnerDiff   = "diff"
	ToRunnerReview = "review"
	ToRunnerPong   = "pong"
)

// ResultKind returns the "*-result" frame kind for a cross-session RPC
// request kind.
func ResultKind(requestKind string) string {
	return requestKind + "-result"
}

// Kind extracts the frame discriminator without decoding the payload.
func Kind(raw []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", fmt.Errorf("parse frame: %w", err)
	}
	if head.Type == "" {
		return "", fmt.Errorf("frame missing type")
	}
	return head.Type, nil
}

// Decode unmarshals a raw frame into the payload struct for its kind.
// Unknown fields are ignored.
func Decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

// Encode marshals a payload struct that carries its own Type field.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}
