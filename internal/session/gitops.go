package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/tokens"
	"github.com/coderelay/coderelay/pkg/protocol"
)

// rpcTimeout bounds bridge and cross-session calls made on behalf of the
// runner.
const rpcTimeout = 60 * time.Second

// replyRunner sends the uniform "*-result" reply for an RPC request. Safe
// off-loop: the peer's send queue is the synchronization point.
func (a *Agent) replyRunner(peer *runnerPeer, kind, requestID string, result any, rpcErr error) {
	frame := &protocol.RPCResultFrame{
		Type:      protocol.ResultKind(kind),
		RequestID: requestID,
	}
	if rpcErr != nil {
		frame.Error = rpcErr.Error()
	} else if result != nil {
		frame.Result = marshalOrEmpty(result)
	}
	data, err := protocol.Encode(frame)
	if err != nil {
		a.logger.Error("encode rpc result", zap.Error(err))
		return
	}
	peer.send(data)
}

// resolveProviderToken picks the token for a bridge call: the in-flight
// prompt's author first, the session owner as fallback.
func (a *Agent) resolveProviderToken() (string, error) {
	var candidates []string
	if entry, err := a.store.Processing(a.ctx); err == nil && entry != nil && entry.AuthorID != "" {
		candidates = append(candidates, entry.AuthorID)
	}
	if a.state.UserID != "" {
		candidates = append(candidates, a.state.UserID)
	}
	for _, userID := range candidates {
		token, err := a.deps.Tokens.Get(a.ctx, userID, tokens.ProviderGitHub)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, tokens.ErrNoToken) {
			return "", err
		}
	}
	return "", tokens.ErrNoToken
}

// handleGitRPC dispatches a provider bridge request. The bridge call runs
// off-loop; the reply goes straight to the runner connection that asked.
func (a *Agent) handleGitRPC(kind string, raw []byte) {
	peer := a.runner
	repoURL := a.state.RepoURL

	// The directory repo catalogue needs no provider token.
	if kind == protocol.RunnerListRepos {
		var probe protocol.ListReposFrame
		if !decodeOK(a, raw, &probe) {
			return
		}
		if probe.Source == "directory" {
			repos, err := a.deps.Directory.ListOrgRepos(a.ctx)
			a.replyRunner(peer, kind, probe.RequestID, map[string]any{"repos": repos}, err)
			return
		}
	}

	token, err := a.resolveProviderToken()
	if err != nil {
		var head struct {
			RequestID string `json:"requestId"`
		}
		_ = protocol.Decode(raw, &head)
		a.replyRunner(peer, kind, head.RequestID, nil, err)
		return
	}

	switch kind {
	case protocol.RunnerCreatePR:
		var f protocol.CreatePRFrame
		if !decodeOK(a, raw, &f) {
			return
		}
		a.async(func() func() {
			ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
			defer cancel()
			pr, err := a.deps.Bridge.CreatePR(ctx, token, repoURL, f.Title, f.Body, f.Head, f.Base, f.Draft)
			a.replyRunner(peer, kind, f.RequestID, pr, err)
			if err != nil {
				return nil
			}
			return func() { a.handlePRCreated(pr.Number, pr.Title, pr.URL, pr.State) }
		})

	case protocol.RunnerUpdatePR:
		var f protocol.UpdatePRFrame
		if !decodeOK(a, raw, &f) {
			return
		}
		a.async(func() func() {
			ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
			defer cancel()
			pr, err := a.deps.Bridge.UpdatePR(ctx, token, repoURL, f.Number, f.Title, f.Body, f.State)
			a.replyRunner(peer, kind, f.RequestID, pr, err)
			return nil
		})

	case protocol.RunnerListPullRequests:
		var f protocol.ListPullRequestsFrame
		if !decodeOK(a, raw, &f) {
			return
		}
		a.async(func() func() {
			ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
			defer cancel()
			prs, truncated, err := a.deps.Bridge.ListPRs(ctx, token, repoURL, f.State, f.Limit)
			if err != nil {
				a.replyRunner(peer, kind, f.RequestID, nil, err)
				return nil
			}
			a.replyRunner(peer, kind, f.RequestID, map[string]any{
				"pullRequests": prs,
				"truncated":    truncated,
			}, nil)
			return nil
		})

	case protocol.RunnerInspectPR:
		var f protocol.InspectPullRequestFrame
		if !decodeOK(a, raw, &f) {
			return
		}
		a.async(func() func() {
			ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
			defer cancel()
			insp, err := a.deps.Bridge.InspectPR(ctx, token, repoURL, f.Number, f.FileLimit, f.CommentLimit, f.CheckRunLimit)
			a.replyRunner(peer, kind, f.RequestID, insp, err)
			return nil
		})

	case protocol.RunnerListRepos:
		var f protocol.ListReposFrame
		if !decodeOK(a, raw, &f) {
			return
		}
		a.async(func() func() {
			ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
			defer cancel()
			repos, err := a.deps.Bridge.ListRepos(ctx, token)
			if err != nil {
				a.replyRunner(peer, kind, f.RequestID, nil, err)
				return nil
			}
			a.replyRunner(peer, kind, f.RequestID, map[string]any{"repos": repos}, nil)
			return nil
		})
	}
}
