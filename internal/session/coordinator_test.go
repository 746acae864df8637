package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/directory"
	"github.com/coderelay/coderelay/pkg/protocol"
)

// rpc sends a request frame through the runner path and decodes the
// matching "*-result" reply.
func rpc(t *testing.T, agent *Agent, runner *runnerPeer, kind string, frame any) *protocol.RPCResultFrame {
	t.Helper()
	runnerSend(agent, runner, frame)
	raw := waitFrame(t, runner.out, protocol.ResultKind(kind))
	var res protocol.RPCResultFrame
	require.NoError(t, protocol.Decode(raw, &res))
	return &res
}

func TestSpawnChildAndList(t *testing.T) {
	env := newTestEnv(t)
	parent := env.startSession(env.startRequest())
	runner := attachTestRunner(t, parent)
	env.waitStatus(parent, directory.StatusRunning)

	client := attachTestClient(t, parent, "u1")
	waitFrame(t, client.out, protocol.EventInit)

	res := rpc(t, parent, runner, protocol.RunnerSpawnChild, &protocol.SpawnChildFrame{
		Type:      protocol.RunnerSpawnChild,
		RequestID: "r1",
		Task:      "investigate flaky test",
		Branch:    "fix/flaky",
		Env:       map[string]string{"CI": "1"},
	})
	require.Empty(t, res.Error)

	var spawned struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &spawned))

	// The child row carries the parent link and the owner.
	row, err := env.dir.GetSession(context.Background(), spawned.SessionID)
	require.NoError(t, err)
	assert.Equal(t, parent.ID(), row.ParentSessionID)
	assert.Equal(t, "u1", row.UserID)

	// Clients hear about the child.
	raw := waitFrame(t, client.out, protocol.EventChildSession)
	var cf protocol.ChildSessionFrame
	require.NoError(t, protocol.Decode(raw, &cf))
	assert.Equal(t, spawned.SessionID, cf.SessionID)

	// The child's initial prompt is its task.
	child, err := env.registry.Lookup(spawned.SessionID)
	require.NoError(t, err)
	childRunner := attachTestRunner(t, child)
	env.waitStatus(child, directory.StatusRunning)
	prompt := waitFrame(t, childRunner.out, protocol.ToRunnerPrompt)
	var pf protocol.RunnerPromptFrame
	require.NoError(t, protocol.Decode(prompt, &pf))
	assert.Equal(t, "investigate flaky test", pf.Content)

	listRes := rpc(t, parent, runner, protocol.RunnerListChildSessions, &protocol.ListChildSessionsFrame{
		Type: protocol.RunnerListChildSessions, RequestID: "r2",
	})
	require.Empty(t, listRes.Error)
	var listed struct {
		Sessions []directory.Session `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(listRes.Result, &listed))
	require.Len(t, listed.Sessions, 1)
	assert.Equal(t, spawned.SessionID, listed.Sessions[0].ID)

	// terminate-child stops it.
	termRes := rpc(t, parent, runner, protocol.RunnerTerminateChild, &protocol.TerminateChildFrame{
		Type: protocol.RunnerTerminateChild, RequestID: "r3", SessionID: spawned.SessionID,
	})
	require.Empty(t, termRes.Error)
	env.waitStatus(child, directory.StatusTerminated)
}

func TestSessionMessageBetweenSiblings(t *testing.T) {
	env := newTestEnv(t)
	a := env.startSession(env.startRequest())
	b := env.startSession(env.startRequest())

	runnerA := attachTestRunner(t, a)
	runnerB := attachTestRunner(t, b)
	env.waitStatus(a, directory.StatusRunning)
	env.waitStatus(b, directory.StatusRunning)

	res := rpc(t, a, runnerA, protocol.RunnerSessionMessage, &protocol.SessionMessageFrame{
		Type:      protocol.RunnerSessionMessage,
		RequestID: "r1",
		SessionID: b.ID(),
		Content:   "please run the benchmarks",
	})
	require.Empty(t, res.Error)

	prompt := waitFrame(t, runnerB.out, protocol.ToRunnerPrompt)
	var pf protocol.RunnerPromptFrame
	require.NoError(t, protocol.Decode(prompt, &pf))
	assert.Equal(t, "please run the benchmarks", pf.Content)

	// Read the sibling's transcript back.
	msgRes := rpc(t, a, runnerA, protocol.RunnerSessionMessages, &protocol.SessionMessagesFrame{
		Type: protocol.RunnerSessionMessages, RequestID: "r2", SessionID: b.ID(),
	})
	require.Empty(t, msgRes.Error)
	var read struct {
		Messages []protocol.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(msgRes.Result, &read))
	require.NotEmpty(t, read.Messages)
	assert.Equal(t, "please run the benchmarks", read.Messages[0].Content)
}

func TestForwardMessages(t *testing.T) {
	env := newTestEnv(t)
	a := env.startSession(env.startRequest())
	b := env.startSession(env.startRequest())

	runnerA := attachTestRunner(t, a)
	env.waitStatus(a, directory.StatusRunning)

	_, err := b.SubmitPrompt(context.Background(), &PromptRequest{Content: "context from b", UserID: "u1"})
	require.NoError(t, err)

	res := rpc(t, a, runnerA, protocol.RunnerForwardMessages, &protocol.SessionMessagesFrame{
		Type: protocol.RunnerForwardMessages, RequestID: "r1", SessionID: b.ID(),
	})
	require.Empty(t, res.Error)
	var fwd struct {
		Forwarded int `json:"forwarded"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &fwd))
	assert.Equal(t, 1, fwd.Forwarded)

	msgs, err := a.Messages(context.Background(), 10, time.Time{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.RoleAssistant, msgs[0].Role)
	require.NotNil(t, msgs[0].Parts)
	assert.Equal(t, protocol.PartForwarded, msgs[0].Parts.Kind)
	assert.Equal(t, b.ID(), msgs[0].Parts.Forwarded.SourceSessionID)
	assert.Equal(t, protocol.RoleUser, msgs[0].Parts.Forwarded.OriginalRole)
	assert.Equal(t, "context from b", msgs[0].Content)
}

func TestCrossSessionOwnershipEnforced(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.dir.UpsertUser(context.Background(), &directory.User{ID: "intruder"}))

	mine := env.startSession(env.startRequest())

	other := env.startRequest()
	other.UserID = "intruder"
	theirs := env.startSession(other)

	runner := attachTestRunner(t, mine)
	env.waitStatus(mine, directory.StatusRunning)

	res := rpc(t, mine, runner, protocol.RunnerSessionMessage, &protocol.SessionMessageFrame{
		Type:      protocol.RunnerSessionMessage,
		RequestID: "r1",
		SessionID: theirs.ID(),
		Content:   "sneaky",
	})
	assert.Contains(t, res.Error, "another user")

	// terminate-child also rejects non-children.
	sibling := env.startSession(env.startRequest())
	res = rpc(t, mine, runner, protocol.RunnerTerminateChild, &protocol.TerminateChildFrame{
		Type: protocol.RunnerTerminateChild, RequestID: "r2", SessionID: sibling.ID(),
	})
	assert.Contains(t, res.Error, "not a child")
}

func TestSelfTerminate(t *testing.T) {
	env := newTestEnv(t)
	agent := env.startSession(env.startRequest())
	runner := attachTestRunner(t, agent)
	env.waitStatus(agent, directory.StatusRunning)

	res := rpc(t, agent, runner, protocol.RunnerSelfTerminate, &protocol.SelfTerminateFrame{
		Type: protocol.RunnerSelfTerminate, RequestID: "r1",
	})
	require.Empty(t, res.Error)
	env.waitStatus(agent, directory.StatusTerminated)
}

func TestMemoryOperations(t *testing.T) {
	env := newTestEnv(t)
	agent := env.startSession(env.startRequest())
	runner := attachTestRunner(t, agent)
	env.waitStatus(agent, directory.StatusRunning)

	writeRes := rpc(t, agent, runner, protocol.RunnerMemoryWrite, &protocol.MemoryWriteFrame{
		Type:      protocol.RunnerMemoryWrite,
		RequestID: "r1",
		Content:   "the staging cluster lives in eu-west-1",
		Tags:      []string{"infra"},
	})
	require.Empty(t, writeRes.Error)
	var written struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(writeRes.Result, &written))
	require.NotEmpty(t, written.ID)

	readRes := rpc(t, agent, runner, protocol.RunnerMemoryRead, &protocol.MemoryReadFrame{
		Type: protocol.RunnerMemoryRead, RequestID: "r2", Query: "staging",
	})
	require.Empty(t, readRes.Error)
	var read struct {
		Memories []directory.MemoryRow `json:"memories"`
	}
	require.NoError(t, json.Unmarshal(readRes.Result, &read))
	require.Len(t, read.Memories, 1)
	assert.Equal(t, written.ID, read.Memories[0].ID)

	// Reads boost relevance.
	row := read.Memories[0]
	readRes = rpc(t, agent, runner, protocol.RunnerMemoryRead, &protocol.MemoryReadFrame{
		Type: protocol.RunnerMemoryRead, RequestID: "r3", Query: "staging",
	})
	require.NoError(t, json.Unmarshal(readRes.Result, &read))
	assert.Greater(t, read.Memories[0].Relevance, row.Relevance)

	delRes := rpc(t, agent, runner, protocol.RunnerMemoryDelete, &protocol.MemoryDeleteFrame{
		Type: protocol.RunnerMemoryDelete, RequestID: "r4", ID: written.ID,
	})
	require.Empty(t, delRes.Error)

	readRes = rpc(t, agent, runner, protocol.RunnerMemoryRead, &protocol.MemoryReadFrame{
		Type: protocol.RunnerMemoryRead, RequestID: "r5", Query: "staging",
	})
	require.NoError(t, json.Unmarshal(readRes.Result, &read))
	assert.Empty(t, read.Memories)
}

func TestListPersonasAndStatus(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.dir.SeedPersonas(context.Background(), []*directory.Persona{
		{ID: "reviewer", Name: "Reviewer", SystemPrompt: "You review code."},
	}))

	agent := env.startSession(env.startRequest())
	runner := attachTestRunner(t, agent)
	env.waitStatus(agent, directory.StatusRunning)

	res := rpc(t, agent, runner, protocol.RunnerListPersonas, &protocol.ListPersonasFrame{
		Type: protocol.RunnerListPersonas, RequestID: "r1",
	})
	require.Empty(t, res.Error)
	var personas struct {
		Personas []directory.Persona `json:"personas"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &personas))
	require.Len(t, personas.Personas, 1)
	assert.Equal(t, "reviewer", personas.Personas[0].ID)

	other := env.startSession(env.startRequest())
	statusRes := rpc(t, agent, runner, protocol.RunnerGetSessionStatus, &protocol.GetSessionStatusFrame{
		Type: protocol.RunnerGetSessionStatus, RequestID: "r2", SessionID: other.ID(),
	})
	require.Empty(t, statusRes.Error)
	var snap StatusSnapshot
	require.NoError(t, json.Unmarshal(statusRes.Result, &snap))
	assert.Equal(t, other.ID(), snap.ID)
	assert.Equal(t, directory.StatusInitializing, snap.Status)
}
