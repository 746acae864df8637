package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/db"
	"github.com/coderelay/coderelay/internal/directory"
	"github.com/coderelay/coderelay/internal/events/bus"
	"github.com/coderelay/coderelay/internal/github"
	"github.com/coderelay/coderelay/internal/provisioner"
	"github.com/coderelay/coderelay/internal/tokens"
	"github.com/coderelay/coderelay/pkg/protocol"
)

const waitFor = 3 * time.Second

type testEnv struct {
	t        *testing.T
	registry *Registry
	dir      directory.Store
	tokens   *tokens.Service
	prov     *httptest.Server

	// When set, the matching provisioner endpoint blocks until the
	// channel closes. Set before the call that triggers it.
	spawnHold     chan struct{}
	hibernateHold chan struct{}

	spawns     atomic.Int32
	hibernates atomic.Int32
	restores   atomic.Int32
	terminates atomic.Int32
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, config.SessionConfig{
		DataDir:            t.TempDir(),
		IdleTimeoutMs:      10 * 60 * 1000,
		QuestionTTLSeconds: 300,
		MaxMessageBytes:    1 << 20,
		AuditFlushSeconds:  1,
		EventBuffer:        64,
	})
}

func newTestEnvWithConfig(t *testing.T, cfg config.SessionConfig) *testEnv {
	return newTestEnvFull(t, cfg, nil)
}

func newTestEnvFull(t *testing.T, cfg config.SessionConfig, bridge *github.Bridge) *testEnv {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)

	pool, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	dir, err := directory.Provide(pool)
	require.NoError(t, err)
	t.Cleanup(func() { dir.Close() })

	keys, err := tokens.NewMasterKeyProvider(t.TempDir())
	require.NoError(t, err)
	tokenService := tokens.NewService(dir, keys)

	env := &testEnv{t: t, dir: dir, tokens: tokenService}

	mux := http.NewServeMux()
	mux.HandleFunc("/spawn", func(w http.ResponseWriter, r *http.Request) {
		if env.spawnHold != nil {
			<-env.spawnHold
		}
		env.spawns.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"sandboxId": fmt.Sprintf("sbx-%d", env.spawns.Load()),
			"tunnels":   map[string]string{"editor": "http://sandbox.local/editor"},
		})
	})
	mux.HandleFunc("/hibernate", func(w http.ResponseWriter, r *http.Request) {
		if env.hibernateHold != nil {
			<-env.hibernateHold
		}
		env.hibernates.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"snapshotId": "snap-1"})
	})
	mux.HandleFunc("/restore", func(w http.ResponseWriter, r *http.Request) {
		env.restores.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"sandboxId": "sbx-restored",
			"tunnels":   map[string]string{"editor": "http://sandbox.local/editor"},
		})
	})
	mux.HandleFunc("/terminate", func(w http.ResponseWriter, r *http.Request) {
		env.terminates.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	env.prov = httptest.NewServer(mux)
	t.Cleanup(env.prov.Close)

	if bridge == nil {
		bridge = github.NewBridge(log, nil)
	}
	registry, err := NewRegistry(Deps{
		Cfg:         cfg,
		Directory:   dir,
		Bus:         bus.NewMemoryEventBus(log),
		Provisioner: provisioner.NewClient(),
		Bridge:      bridge,
		Tokens:      tokenService,
		Logger:      log,
	})
	require.NoError(t, err)
	t.Cleanup(registry.Close)
	env.registry = registry

	require.NoError(t, dir.UpsertUser(context.Background(), &directory.User{
		ID:       "u1",
		Name:     "Ana",
		Email:    "ana@example.com",
		GitName:  "Ana Dev",
		GitEmail: "ana@example.com",
	}))
	return env
}

func (e *testEnv) startRequest() *StartRequest {
	return &StartRequest{
		UserID:       "u1",
		Workspace:    "/work/widget",
		RepoURL:      "https://github.com/acme/widget.git",
		RunnerSecret: "sek",
		SpawnURL:     e.prov.URL + "/spawn",
		HibernateURL: e.prov.URL + "/hibernate",
		RestoreURL:   e.prov.URL + "/restore",
		TerminateURL: e.prov.URL + "/terminate",
		SpawnRequest: json.RawMessage(`{"image":"dev"}`),
	}
}

func (e *testEnv) startSession(req *StartRequest) *Agent {
	e.t.Helper()
	agent, err := e.registry.Create(uuid.New().String())
	require.NoError(e.t, err)
	require.NoError(e.t, agent.Start(context.Background(), req))
	return agent
}

func (e *testEnv) waitStatus(agent *Agent, status string) {
	e.t.Helper()
	require.Eventually(e.t, func() bool {
		snap, err := agent.Status(context.Background())
		return err == nil && snap.Status == status
	}, waitFor, 10*time.Millisecond, "waiting for status %s", status)
}

// waitFrame reads from a peer's out channel until a frame of the wanted
// kind arrives.
func waitFrame(t *testing.T, out chan []byte, kind string) []byte {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case raw := <-out:
			got, err := protocol.Kind(raw)
			require.NoError(t, err)
			if got == kind {
				return raw
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q frame", kind)
			return nil
		}
	}
}

func attachTestRunner(t *testing.T, agent *Agent) *runnerPeer {
	t.Helper()
	peer := newRunnerPeer()
	require.NoError(t, agent.AttachRunner(context.Background(), peer))
	return peer
}

func attachTestClient(t *testing.T, agent *Agent, userID string) *clientPeer {
	t.Helper()
	peer := newClientPeer(uuid.New().String(), protocol.UserInfo{ID: userID})
	require.NoError(t, agent.AttachClient(context.Background(), peer))
	return peer
}

func runnerSend(agent *Agent, peer *runnerPeer, frame any) {
	raw, _ := protocol.Encode(frame)
	agent.HandleRunnerFrame(peer, raw)
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.spawnHold = make(chan struct{})
	agent := env.startSession(env.startRequest())

	snap, err := agent.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, directory.StatusInitializing, snap.Status)

	// Running as soon as the spawn result lands, before any runner.
	close(env.spawnHold)
	env.waitStatus(agent, directory.StatusRunning)
	require.Eventually(t, func() bool {
		s, _ := agent.Status(context.Background())
		return s != nil && s.SandboxID != ""
	}, waitFor, 10*time.Millisecond, "sandbox spawn")

	runner := attachTestRunner(t, agent)

	// Prompt round trip.
	client := attachTestClient(t, agent, "u1")
	waitFrame(t, client.out, protocol.EventInit)

	_, err = agent.SubmitPrompt(context.Background(), &PromptRequest{Content: "add tests", UserID: "u1"})
	require.NoError(t, err)

	raw := waitFrame(t, runner.out, protocol.ToRunnerPrompt)
	var prompt protocol.RunnerPromptFrame
	require.NoError(t, protocol.Decode(raw, &prompt))
	assert.Equal(t, "add tests", prompt.Content)
	assert.Equal(t, "u1", prompt.Author.ID)
	assert.Equal(t, "Ana Dev", prompt.GitIdentity.Name)

	runnerSend(agent, runner, &protocol.StreamFrame{Type: protocol.RunnerStream, Content: "work"})
	waitFrame(t, client.out, protocol.EventChunk)

	runnerSend(agent, runner, &protocol.ResultFrame{Type: protocol.RunnerResult, Content: "done"})
	raw = waitFrame(t, client.out, protocol.EventMessage)
	var mf protocol.MessageFrame
	require.NoError(t, protocol.Decode(raw, &mf))
	assert.Equal(t, protocol.RoleAssistant, mf.Message.Role)
	assert.Equal(t, "done", mf.Message.Content)

	runnerSend(agent, runner, &protocol.RunnerControlFrame{Type: protocol.RunnerComplete})
	require.Eventually(t, func() bool {
		s, _ := agent.Status(context.Background())
		return s != nil && !s.RunnerBusy
	}, waitFor, 10*time.Millisecond)

	// Hibernate and auto-wake on the next prompt.
	require.NoError(t, agent.Hibernate(context.Background()))
	env.waitStatus(agent, directory.StatusHibernated)
	assert.Equal(t, int32(1), env.hibernates.Load())

	// The runner peer was displaced with a normal close.
	select {
	case <-runner.closed:
		assert.Equal(t, 1000, runner.closeCode)
	case <-time.After(waitFor):
		t.Fatal("runner not closed on hibernate")
	}

	_, err = agent.SubmitPrompt(context.Background(), &PromptRequest{Content: "continue", UserID: "u1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return env.restores.Load() == 1 }, waitFor, 10*time.Millisecond)

	runner2 := attachTestRunner(t, agent)
	env.waitStatus(agent, directory.StatusRunning)

	raw = waitFrame(t, runner2.out, protocol.ToRunnerPrompt)
	require.NoError(t, protocol.Decode(raw, &prompt))
	assert.Equal(t, "continue", prompt.Content)

	runnerSend(agent, runner2, &protocol.ResultFrame{Type: protocol.RunnerResult, Content: "ok"})
	runnerSend(agent, runner2, &protocol.RunnerControlFrame{Type: protocol.RunnerComplete})

	// Stop tears everything down.
	require.NoError(t, agent.Stop(context.Background(), "user_stopped"))
	env.waitStatus(agent, directory.StatusTerminated)
	require.Eventually(t, func() bool { return env.terminates.Load() == 1 }, waitFor, 10*time.Millisecond)

	row, err := env.dir.GetSession(context.Background(), agent.ID())
	require.NoError(t, err)
	assert.Equal(t, directory.StatusTerminated, row.Status)
}

func TestPromptQueueSingleFlight(t *testing.T) {
	env := newTestEnv(t)
	agent := env.startSession(env.startRequest())
	runner := attachTestRunner(t, agent)
	env.waitStatus(agent, directory.StatusRunning)

	for _, content := range []string{"one", "two"} {
		_, err := agent.SubmitPrompt(context.Background(), &PromptRequest{Content: content, UserID: "u1"})
		require.NoError(t, err)
	}

	raw := waitFrame(t, runner.out, protocol.ToRunnerPrompt)
	var first protocol.RunnerPromptFrame
	require.NoError(t, protocol.Decode(raw, &first))
	assert.Equal(t, "one", first.Content)

	// Nothing else dispatches until the turn completes.
	select {
	case extra := <-runner.out:
		kind, _ := protocol.Kind(extra)
		assert.NotEqual(t, protocol.ToRunnerPrompt, kind, "second prompt dispatched mid-turn")
	case <-time.After(200 * time.Millisecond):
	}

	runnerSend(agent, runner, &protocol.ResultFrame{Type: protocol.RunnerResult, Content: "r1"})
	runnerSend(agent, runner, &protocol.RunnerControlFrame{Type: protocol.RunnerComplete})

	raw = waitFrame(t, runner.out, protocol.ToRunnerPrompt)
	var second protocol.RunnerPromptFrame
	require.NoError(t, protocol.Decode(raw, &second))
	assert.Equal(t, "two", second.Content)
}

func TestInterruptAbortsInFlightTurn(t *testing.T) {
	env := newTestEnv(t)
	agent := env.startSession(env.startRequest())
	runner := attachTestRunner(t, agent)
	env.waitStatus(agent, directory.StatusRunning)

	_, err := agent.SubmitPrompt(context.Background(), &PromptRequest{Content: "slow work", UserID: "u1"})
	require.NoError(t, err)
	waitFrame(t, runner.out, protocol.ToRunnerPrompt)

	// Parked behind the busy runner; the interrupt should drop it.
	_, err = agent.SubmitPrompt(context.Background(), &PromptRequest{Content: "stale work", UserID: "u1"})
	require.NoError(t, err)

	_, err = agent.SubmitPrompt(context.Background(), &PromptRequest{
		Content: "urgent", UserID: "u1", Interrupt: true,
	})
	require.NoError(t, err)
	waitFrame(t, runner.out, protocol.ToRunnerAbort)

	runnerSend(agent, runner, &protocol.RunnerControlFrame{Type: protocol.RunnerAborted})

	raw := waitFrame(t, runner.out, protocol.ToRunnerPrompt)
	var next protocol.RunnerPromptFrame
	require.NoError(t, protocol.Decode(raw, &next))
	assert.Equal(t, "urgent", next.Content)
}

func TestRunnerDisconnectRequeuesPrompt(t *testing.T) {
	env := newTestEnv(t)
	agent := env.startSession(env.startRequest())
	runner := attachTestRunner(t, agent)
	env.waitStatus(agent, directory.StatusRunning)

	_, err := agent.SubmitPrompt(context.Background(), &PromptRequest{Content: "lost work", UserID: "u1"})
	require.NoError(t, err)
	waitFrame(t, runner.out, protocol.ToRunnerPrompt)

	agent.DetachRunner(runner)
	require.Eventually(t, func() bool {
		s, _ := agent.Status(context.Background())
		return s != nil && !s.RunnerConnected && !s.RunnerBusy
	}, waitFor, 10*time.Millisecond)

	// A reconnecting runner gets the same prompt again.
	runner2 := attachTestRunner(t, agent)
	raw := waitFrame(t, runner2.out, protocol.ToRunnerPrompt)
	var again protocol.RunnerPromptFrame
	require.NoError(t, protocol.Decode(raw, &again))
	assert.Equal(t, "lost work", again.Content)
}

func TestSingleRunnerRule(t *testing.T) {
	env := newTestEnv(t)
	agent := env.startSession(env.startRequest())
	first := attachTestRunner(t, agent)
	env.waitStatus(agent, directory.StatusRunning)

	second := attachTestRunner(t, agent)
	_ = second

	select {
	case <-first.closed:
		assert.Equal(t, 1000, first.closeCode)
	case <-time.After(waitFor):
		t.Fatal("first runner not displaced")
	}
}

func TestRevertRejectedWhileBusy(t *testing.T) {
	env := newTestEnv(t)
	agent := env.startSession(env.startRequest())
	runner := attachTestRunner(t, agent)
	env.waitStatus(agent, directory.StatusRunning)

	client := attachTestClient(t, agent, "u1")
	waitFrame(t, client.out, protocol.EventInit)

	id, err := agent.SubmitPrompt(context.Background(), &PromptRequest{Content: "busy now", UserID: "u1"})
	require.NoError(t, err)
	waitFrame(t, runner.out, protocol.ToRunnerPrompt)
	waitFrame(t, client.out, protocol.EventMessage)

	raw, _ := protocol.Encode(&protocol.RevertFrame{Type: protocol.ClientRevert, MessageID: id})
	agent.HandleClientFrame(client, raw)
	waitFrame(t, client.out, protocol.EventError)

	// After the turn ends, the revert goes through.
	runnerSend(agent, runner, &protocol.RunnerControlFrame{Type: protocol.RunnerComplete})
	require.Eventually(t, func() bool {
		s, _ := agent.Status(context.Background())
		return s != nil && !s.RunnerBusy
	}, waitFor, 10*time.Millisecond)

	agent.HandleClientFrame(client, raw)
	removed := waitFrame(t, client.out, protocol.EventMessagesRemoved)
	var rf protocol.MessagesRemovedFrame
	require.NoError(t, protocol.Decode(removed, &rf))
	assert.Contains(t, rf.MessageIDs, id)
	waitFrame(t, runner.out, protocol.ToRunnerRevert)
}

func TestQuestionExpiry(t *testing.T) {
	env := newTestEnvWithConfig(t, config.SessionConfig{
		DataDir:            t.TempDir(),
		IdleTimeoutMs:      10 * 60 * 1000,
		QuestionTTLSeconds: 1,
		MaxMessageBytes:    1 << 20,
		AuditFlushSeconds:  60,
		EventBuffer:        64,
	})
	agent := env.startSession(env.startRequest())
	runner := attachTestRunner(t, agent)
	env.waitStatus(agent, directory.StatusRunning)

	client := attachTestClient(t, agent, "u1")
	waitFrame(t, client.out, protocol.EventInit)

	runnerSend(agent, runner, &protocol.RunnerQuestionFrame{
		Type: protocol.RunnerQuestion, Text: "Proceed?", Options: []string{"yes", "no"},
	})
	raw := waitFrame(t, client.out, protocol.EventQuestion)
	var qf protocol.QuestionFrame
	require.NoError(t, protocol.Decode(raw, &qf))
	assert.Equal(t, protocol.QuestionPending, qf.Question.Status)

	// The runner receives the synthetic expiry answer.
	raw = waitFrame(t, runner.out, protocol.ToRunnerAnswer)
	var af protocol.RunnerAnswerFrame
	require.NoError(t, protocol.Decode(raw, &af))
	assert.Equal(t, qf.Question.ID, af.QuestionID)
	assert.Equal(t, protocol.ExpiredAnswer, af.Answer)

	// A late client answer is dropped silently.
	late, _ := protocol.Encode(&protocol.AnswerFrame{
		Type: protocol.ClientAnswer, QuestionID: qf.Question.ID, Answer: "yes",
	})
	agent.HandleClientFrame(client, late)
	select {
	case extra := <-runner.out:
		kind, _ := protocol.Kind(extra)
		assert.NotEqual(t, protocol.ToRunnerAnswer, kind, "late answer forwarded")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestIdleHibernate(t *testing.T) {
	env := newTestEnvWithConfig(t, config.SessionConfig{
		DataDir:            t.TempDir(),
		IdleTimeoutMs:      250,
		QuestionTTLSeconds: 300,
		MaxMessageBytes:    1 << 20,
		AuditFlushSeconds:  60,
		EventBuffer:        64,
	})
	agent := env.startSession(env.startRequest())
	attachTestRunner(t, agent)
	env.waitStatus(agent, directory.StatusRunning)

	env.waitStatus(agent, directory.StatusHibernated)
	assert.Equal(t, int32(1), env.hibernates.Load())
}

func TestPromptSizeLimit(t *testing.T) {
	env := newTestEnvWithConfig(t, config.SessionConfig{
		DataDir:            t.TempDir(),
		IdleTimeoutMs:      10 * 60 * 1000,
		QuestionTTLSeconds: 300,
		MaxMessageBytes:    64,
		AuditFlushSeconds:  60,
		EventBuffer:        64,
	})
	agent := env.startSession(env.startRequest())

	big := make([]byte, 65)
	for i := range big {
		big[i] = 'a'
	}
	_, err := agent.SubmitPrompt(context.Background(), &PromptRequest{Content: string(big), UserID: "u1"})
	assert.ErrorIs(t, err, ErrPromptTooLarge)
}

func TestUserPresence(t *testing.T) {
	env := newTestEnv(t)
	agent := env.startSession(env.startRequest())

	alice := attachTestClient(t, agent, "u1")
	waitFrame(t, alice.out, protocol.EventInit)

	bob := attachTestClient(t, agent, "u2")
	waitFrame(t, bob.out, protocol.EventInit)

	raw := waitFrame(t, alice.out, protocol.EventUserJoined)
	var pf protocol.UserPresenceFrame
	require.NoError(t, protocol.Decode(raw, &pf))
	assert.Equal(t, "u2", pf.User.ID)

	agent.DetachClient(bob.connID)
	raw = waitFrame(t, alice.out, protocol.EventUserLeft)
	require.NoError(t, protocol.Decode(raw, &pf))
	assert.Equal(t, "u2", pf.User.ID)
}

func TestStopCascadesToChildren(t *testing.T) {
	env := newTestEnv(t)
	parent := env.startSession(env.startRequest())
	runner := attachTestRunner(t, parent)
	env.waitStatus(parent, directory.StatusRunning)

	runnerSend(parent, runner, &protocol.SpawnChildFrame{
		Type: protocol.RunnerSpawnChild, RequestID: "r1", Task: "split the work",
	})
	raw := waitFrame(t, runner.out, protocol.ResultKind(protocol.RunnerSpawnChild))
	var res protocol.RPCResultFrame
	require.NoError(t, protocol.Decode(raw, &res))
	require.Empty(t, res.Error)
	var payload struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &payload))
	require.NotEmpty(t, payload.SessionID)

	child, err := env.registry.Lookup(payload.SessionID)
	require.NoError(t, err)

	require.NoError(t, parent.Stop(context.Background(), "user_stopped"))
	env.waitStatus(parent, directory.StatusTerminated)
	env.waitStatus(child, directory.StatusTerminated)
}

func TestRunnerReplacementMidTurn(t *testing.T) {
	env := newTestEnv(t)
	agent := env.startSession(env.startRequest())
	first := attachTestRunner(t, agent)
	env.waitStatus(agent, directory.StatusRunning)

	_, err := agent.SubmitPrompt(context.Background(), &PromptRequest{Content: "heavy lift", UserID: "u1"})
	require.NoError(t, err)
	waitFrame(t, first.out, protocol.ToRunnerPrompt)

	// A replacement mid-turn displaces the old runner; the interrupted
	// prompt requeues and dispatches to the new one.
	second := attachTestRunner(t, agent)

	select {
	case <-first.closed:
		assert.Equal(t, 1000, first.closeCode)
	case <-time.After(waitFor):
		t.Fatal("first runner not displaced")
	}

	raw := waitFrame(t, second.out, protocol.ToRunnerPrompt)
	var again protocol.RunnerPromptFrame
	require.NoError(t, protocol.Decode(raw, &again))
	assert.Equal(t, "heavy lift", again.Content)

	runnerSend(agent, second, &protocol.RunnerControlFrame{Type: protocol.RunnerComplete})
	require.Eventually(t, func() bool {
		s, _ := agent.Status(context.Background())
		return s != nil && !s.RunnerBusy
	}, waitFor, 10*time.Millisecond)
}

func TestHibernateWhileBusyRequeues(t *testing.T) {
	env := newTestEnv(t)
	agent := env.startSession(env.startRequest())
	runner := attachTestRunner(t, agent)
	env.waitStatus(agent, directory.StatusRunning)

	_, err := agent.SubmitPrompt(context.Background(), &PromptRequest{Content: "long job", UserID: "u1"})
	require.NoError(t, err)
	waitFrame(t, runner.out, protocol.ToRunnerPrompt)

	// Hibernating cuts the turn short; the prompt goes back to the queue
	// and waits for the next wake instead of waking right back up.
	require.NoError(t, agent.Hibernate(context.Background()))
	env.waitStatus(agent, directory.StatusHibernated)
	assert.Equal(t, int32(0), env.restores.Load())

	require.NoError(t, agent.Wake(context.Background()))
	env.waitStatus(agent, directory.StatusRunning)

	runner2 := attachTestRunner(t, agent)
	raw := waitFrame(t, runner2.out, protocol.ToRunnerPrompt)
	var again protocol.RunnerPromptFrame
	require.NoError(t, protocol.Decode(raw, &again))
	assert.Equal(t, "long job", again.Content)
}

func TestPromptDuringHibernationWakes(t *testing.T) {
	env := newTestEnv(t)
	env.hibernateHold = make(chan struct{})
	agent := env.startSession(env.startRequest())
	attachTestRunner(t, agent)
	env.waitStatus(agent, directory.StatusRunning)

	require.NoError(t, agent.Hibernate(context.Background()))
	env.waitStatus(agent, directory.StatusHibernating)

	// Lands in the queue while the snapshot is still in flight.
	_, err := agent.SubmitPrompt(context.Background(), &PromptRequest{Content: "after the nap", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, int32(0), env.restores.Load())

	close(env.hibernateHold)
	require.Eventually(t, func() bool { return env.restores.Load() == 1 }, waitFor, 10*time.Millisecond)
	env.waitStatus(agent, directory.StatusRunning)

	runner2 := attachTestRunner(t, agent)
	raw := waitFrame(t, runner2.out, protocol.ToRunnerPrompt)
	var prompt protocol.RunnerPromptFrame
	require.NoError(t, protocol.Decode(raw, &prompt))
	assert.Equal(t, "after the nap", prompt.Content)
}

func TestRestoreReachesRunningWithoutRunner(t *testing.T) {
	env := newTestEnv(t)
	agent := env.startSession(env.startRequest())
	env.waitStatus(agent, directory.StatusRunning)

	require.NoError(t, agent.Hibernate(context.Background()))
	env.waitStatus(agent, directory.StatusHibernated)

	// The restore result alone brings the session back; dispatch still
	// waits for a runner socket.
	require.NoError(t, agent.Wake(context.Background()))
	env.waitStatus(agent, directory.StatusRunning)

	snap, err := agent.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.RunnerConnected)
	assert.Equal(t, "sbx-restored", snap.SandboxID)
}

func TestToolCompletionAudited(t *testing.T) {
	env := newTestEnv(t)
	agent := env.startSession(env.startRequest())
	runner := attachTestRunner(t, agent)
	env.waitStatus(agent, directory.StatusRunning)

	runnerSend(agent, runner, &protocol.ToolFrame{
		Type: protocol.RunnerTool, CallID: "c1", Name: "run_tests", Status: "running",
	})
	runnerSend(agent, runner, &protocol.ToolFrame{
		Type: protocol.RunnerTool, CallID: "c1", Name: "run_tests", Status: "completed",
		Result: map[string]any{"passed": true},
	})

	require.Eventually(t, func() bool {
		rows, err := agent.store.RecentAudit(context.Background(), 20)
		if err != nil {
			return false
		}
		for _, r := range rows {
			if r.EventType == "tool.completed" && r.Summary == "run_tests" {
				return true
			}
		}
		return false
	}, waitFor, 10*time.Millisecond)
}

func TestLifecycleTransitionTable(t *testing.T) {
	allowed := [][2]string{
		{"", directory.StatusInitializing},
		{directory.StatusInitializing, directory.StatusRunning},
		{directory.StatusRunning, directory.StatusHibernating},
		{directory.StatusHibernating, directory.StatusHibernated},
		{directory.StatusHibernated, directory.StatusRestoring},
		{directory.StatusHibernated, directory.StatusError},
		{directory.StatusRestoring, directory.StatusRunning},
		{directory.StatusError, directory.StatusTerminated},
	}
	for _, tc := range allowed {
		assert.True(t, canTransition(tc[0], tc[1]), "%s -> %s", tc[0], tc[1])
	}

	denied := [][2]string{
		{directory.StatusTerminated, directory.StatusRunning},
		{directory.StatusHibernated, directory.StatusRunning},
		{directory.StatusInitializing, directory.StatusHibernating},
		{directory.StatusRunning, directory.StatusRunning},
		{directory.StatusError, directory.StatusRunning},
	}
	for _, tc := range denied {
		assert.False(t, canTransition(tc[0], tc[1]), "%s -> %s", tc[0], tc[1])
	}
}
