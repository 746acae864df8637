package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/directory"
	"github.com/coderelay/coderelay/pkg/protocol"
)

func newTestServer(t *testing.T, env *testEnv) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)

	router := gin.New()
	NewHandler(env.registry, log).RegisterRoutes(router.Group("/api/sessions"))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHTTPSessionFlow(t *testing.T) {
	env := newTestEnv(t)
	srv := newTestServer(t, env)
	base := srv.URL + "/api/sessions"

	// Create.
	resp := postJSON(t, base, env.startRequest())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decodeBody(t, resp, &created)
	require.NotEmpty(t, created.ID)
	assert.Contains(t, []string{"initializing", "running"}, created.Status)

	// Status.
	resp, err := http.Get(base + "/" + created.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap StatusSnapshot
	decodeBody(t, resp, &snap)
	assert.Equal(t, created.ID, snap.ID)

	// Prompt while no runner: queued, 202.
	resp = postJSON(t, base+"/"+created.ID+"/prompt", &PromptRequest{Content: "hello", UserID: "u1"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	// Transcript has the user message.
	resp, err = http.Get(base + "/" + created.ID + "/messages")
	require.NoError(t, err)
	var msgs struct {
		Messages []protocol.Message `json:"messages"`
	}
	decodeBody(t, resp, &msgs)
	require.Len(t, msgs.Messages, 1)
	assert.Equal(t, "hello", msgs.Messages[0].Content)

	// Clear the queue.
	resp = postJSON(t, base+"/"+created.ID+"/clear-queue", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cleared struct {
		Dropped int `json:"dropped"`
	}
	decodeBody(t, resp, &cleared)
	assert.Equal(t, 1, cleared.Dropped)

	// Flush metrics is always safe.
	resp = postJSON(t, base+"/"+created.ID+"/flush-metrics", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Stop, then gc removes local state.
	resp = postJSON(t, base+"/"+created.ID+"/stop", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, base+"/"+created.ID+"/gc", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(base + "/" + created.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestHTTPValidation(t *testing.T) {
	env := newTestEnv(t)
	srv := newTestServer(t, env)
	base := srv.URL + "/api/sessions"

	t.Run("missing user on create", func(t *testing.T) {
		req := env.startRequest()
		req.UserID = ""
		resp := postJSON(t, base, req)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("unknown session", func(t *testing.T) {
		resp, err := http.Get(base + "/nope")
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("gc before terminal state", func(t *testing.T) {
		agent := env.startSession(env.startRequest())
		resp := postJSON(t, base+"/"+agent.ID()+"/gc", struct{}{})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("hibernate before running", func(t *testing.T) {
		held := newTestEnv(t)
		held.spawnHold = make(chan struct{})
		defer close(held.spawnHold)
		heldSrv := newTestServer(t, held)

		agent := held.startSession(held.startRequest())
		resp := postJSON(t, heldSrv.URL+"/api/sessions/"+agent.ID()+"/hibernate", struct{}{})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		resp.Body.Close()
	})
}

func TestWebhookUpdateEndpoint(t *testing.T) {
	env := newTestEnv(t)
	srv := newTestServer(t, env)
	agent := env.startSession(env.startRequest())

	resp := postJSON(t, fmt.Sprintf("%s/api/sessions/%s/webhook-update", srv.URL, agent.ID()), &WebhookUpdate{
		PRNumber: 12,
		PRState:  "merged",
		PRUrl:    "https://github.com/acme/widget/pull/12",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	git, err := env.dir.GetGitState(context.Background(), agent.ID())
	require.NoError(t, err)
	assert.Equal(t, 12, git.PRNumber)
	assert.Equal(t, "merged", git.PRState)

	// Push webhooks carry branch and commit count; PR fields survive.
	resp = postJSON(t, fmt.Sprintf("%s/api/sessions/%s/webhook-update", srv.URL, agent.ID()), &WebhookUpdate{
		Branch:      "feat/parser",
		CommitCount: 4,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	git, err = env.dir.GetGitState(context.Background(), agent.ID())
	require.NoError(t, err)
	assert.Equal(t, "feat/parser", git.Branch)
	assert.Equal(t, 4, git.CommitCount)
	assert.Equal(t, 12, git.PRNumber)
}

func TestWebSocketRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	srv := newTestServer(t, env)
	agent := env.startSession(env.startRequest())

	wsBase := "ws" + strings.TrimPrefix(srv.URL, "http")

	t.Run("runner auth", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(
			fmt.Sprintf("%s/api/sessions/%s/ws?role=runner&token=wrong", wsBase, agent.ID()), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	runnerConn, _, err := websocket.DefaultDialer.Dial(
		fmt.Sprintf("%s/api/sessions/%s/ws?role=runner&token=sek", wsBase, agent.ID()), nil)
	require.NoError(t, err)
	defer runnerConn.Close()
	env.waitStatus(agent, directory.StatusRunning)

	clientConn, _, err := websocket.DefaultDialer.Dial(
		fmt.Sprintf("%s/api/sessions/%s/ws?role=client&userId=u1", wsBase, agent.ID()), nil)
	require.NoError(t, err)
	defer clientConn.Close()

	// First frame is always init.
	raw := readWS(t, clientConn)
	kind, err := protocol.Kind(raw)
	require.NoError(t, err)
	require.Equal(t, protocol.EventInit, kind)
	var init protocol.InitFrame
	require.NoError(t, protocol.Decode(raw, &init))
	assert.Equal(t, agent.ID(), init.SessionID)
	assert.True(t, init.RunnerConnected)

	// Prompt through the socket reaches the runner.
	data, _ := protocol.Encode(&protocol.PromptFrame{Type: protocol.ClientPrompt, Content: "refactor"})
	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, data))

	raw = readWSKind(t, runnerConn, protocol.ToRunnerPrompt)
	var pf protocol.RunnerPromptFrame
	require.NoError(t, protocol.Decode(raw, &pf))
	assert.Equal(t, "refactor", pf.Content)

	// Runner result flows back to the client.
	data, _ = protocol.Encode(&protocol.ResultFrame{Type: protocol.RunnerResult, Content: "all done"})
	require.NoError(t, runnerConn.WriteMessage(websocket.TextMessage, data))

	raw = readWSKind(t, clientConn, protocol.EventMessage)
	var mf protocol.MessageFrame
	require.NoError(t, protocol.Decode(raw, &mf))
	for mf.Message.Role != protocol.RoleAssistant {
		raw = readWSKind(t, clientConn, protocol.EventMessage)
		require.NoError(t, protocol.Decode(raw, &mf))
	}
	assert.Equal(t, "all done", mf.Message.Content)
}

func readWS(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(waitFor))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	return raw
}

func readWSKind(t *testing.T, conn *websocket.Conn, kind string) []byte {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		raw := readWS(t, conn)
		got, err := protocol.Kind(raw)
		require.NoError(t, err)
		if got == kind {
			return raw
		}
	}
	t.Fatalf("timed out waiting for %q frame", kind)
	return nil
}
