package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gh "github.com/google/go-github/v68/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/directory"
	"github.com/coderelay/coderelay/internal/github"
	"github.com/coderelay/coderelay/internal/tokens"
	"github.com/coderelay/coderelay/pkg/protocol"
)

// newGitTestEnv wires a fake provider API behind the bridge.
func newGitTestEnv(t *testing.T) *testEnv {
	t.Helper()
	// WithEnterpriseURLs roots API requests at /api/v3/.
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widget", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"default_branch": "develop"})
	})
	mux.HandleFunc("/api/v3/repos/acme/widget/pulls", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req struct {
				Title string `json:"title"`
				Head  string `json:"head"`
				Base  string `json:"base"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{
				"number":   7,
				"title":    req.Title,
				"html_url": "https://github.com/acme/widget/pull/7",
				"state":    "open",
				"head":     map[string]any{"ref": req.Head},
				"base":     map[string]any{"ref": req.Base},
			})
		case http.MethodGet:
			json.NewEncoder(w).Encode([]map[string]any{
				{"number": 7, "title": "Add parser", "state": "open"},
				{"number": 3, "title": "Fix lexer", "state": "open"},
			})
		default:
			http.NotFound(w, r)
		}
	})
	api := httptest.NewServer(mux)
	t.Cleanup(api.Close)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)

	factory := func(token string) *gh.Client {
		client, _ := gh.NewClient(nil).WithAuthToken(token).WithEnterpriseURLs(api.URL+"/", api.URL+"/")
		return client
	}
	bridge := github.NewBridge(log, factory)

	return newTestEnvFull(t, config.SessionConfig{
		DataDir:            t.TempDir(),
		IdleTimeoutMs:      10 * 60 * 1000,
		QuestionTTLSeconds: 300,
		MaxMessageBytes:    1 << 20,
		AuditFlushSeconds:  60,
		EventBuffer:        64,
	}, bridge)
}

func TestCreatePRThroughBridge(t *testing.T) {
	env := newGitTestEnv(t)
	require.NoError(t, env.tokens.Put(context.Background(), "u1", tokens.ProviderGitHub, "gho_test"))

	agent := env.startSession(env.startRequest())
	runner := attachTestRunner(t, agent)
	env.waitStatus(agent, directory.StatusRunning)

	client := attachTestClient(t, agent, "u1")
	waitFrame(t, client.out, protocol.EventInit)

	res := rpc(t, agent, runner, protocol.RunnerCreatePR, &protocol.CreatePRFrame{
		Type:      protocol.RunnerCreatePR,
		RequestID: "r1",
		Title:     "Add widget parser",
		Head:      "feat/parser",
	})
	require.Empty(t, res.Error)

	var pr github.PRInfo
	require.NoError(t, json.Unmarshal(res.Result, &pr))
	assert.Equal(t, 7, pr.Number)
	assert.Equal(t, "develop", pr.Base, "empty base falls back to the default branch")

	// Clients hear about it and the directory records it.
	raw := waitFrame(t, client.out, protocol.EventPRCreated)
	var prf protocol.PRCreatedFrame
	require.NoError(t, protocol.Decode(raw, &prf))
	assert.Equal(t, 7, prf.Number)

	require.Eventually(t, func() bool {
		git, err := env.dir.GetGitState(context.Background(), agent.ID())
		return err == nil && git.PRNumber == 7
	}, waitFor, 10*time.Millisecond)
}

func TestListPullRequestsThroughBridge(t *testing.T) {
	env := newGitTestEnv(t)
	require.NoError(t, env.tokens.Put(context.Background(), "u1", tokens.ProviderGitHub, "gho_test"))

	agent := env.startSession(env.startRequest())
	runner := attachTestRunner(t, agent)
	env.waitStatus(agent, directory.StatusRunning)

	res := rpc(t, agent, runner, protocol.RunnerListPullRequests, &protocol.ListPullRequestsFrame{
		Type: protocol.RunnerListPullRequests, RequestID: "r1",
	})
	require.Empty(t, res.Error)

	var listed struct {
		PullRequests []github.PRInfo `json:"pullRequests"`
		Truncated    bool            `json:"truncated"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &listed))
	require.Len(t, listed.PullRequests, 2)
	assert.Equal(t, 7, listed.PullRequests[0].Number)
	assert.False(t, listed.Truncated)
}

func TestGitRPCWithoutToken(t *testing.T) {
	env := newGitTestEnv(t)
	agent := env.startSession(env.startRequest())
	runner := attachTestRunner(t, agent)
	env.waitStatus(agent, directory.StatusRunning)

	res := rpc(t, agent, runner, protocol.RunnerCreatePR, &protocol.CreatePRFrame{
		Type: protocol.RunnerCreatePR, RequestID: "r1", Title: "No token",
	})
	assert.Contains(t, res.Error, "no token")
}

func TestListReposFromDirectory(t *testing.T) {
	env := newGitTestEnv(t)

	agent := env.startSession(env.startRequest())
	runner := attachTestRunner(t, agent)
	env.waitStatus(agent, directory.StatusRunning)

	// The directory source works without a provider token.
	res := rpc(t, agent, runner, protocol.RunnerListRepos, &protocol.ListReposFrame{
		Type: protocol.RunnerListRepos, RequestID: "r1", Source: "directory",
	})
	require.Empty(t, res.Error)
	var listed struct {
		Repos []directory.OrgRepo `json:"repos"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &listed))
	assert.Empty(t, listed.Repos)
}
