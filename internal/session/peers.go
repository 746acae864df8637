package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/pkg/protocol"
)

// peerBuffer is the per-connection outbound queue depth. A peer that
// cannot keep up has frames dropped rather than stalling the loop.
const peerBuffer = 128

// clientPeer is one human websocket connection. The agent loop writes
// frames into out; a write pump owns the socket.
type clientPeer struct {
	connID string
	user   protocol.UserInfo
	out    chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newClientPeer(connID string, user protocol.UserInfo) *clientPeer {
	return &clientPeer{
		connID: connID,
		user:   user,
		out:    make(chan []byte, peerBuffer),
		closed: make(chan struct{}),
	}
}

func (c *clientPeer) send(data []byte) {
	select {
	case c.out <- data:
	case <-c.closed:
	default:
		// Slow consumer; drop rather than block the loop.
	}
}

func (c *clientPeer) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// runnerPeer is the single sandbox runner connection.
type runnerPeer struct {
	out chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	closeCode int
}

func newRunnerPeer() *runnerPeer {
	return &runnerPeer{
		out:    make(chan []byte, peerBuffer),
		closed: make(chan struct{}),
	}
}

func (r *runnerPeer) send(data []byte) {
	select {
	case r.out <- data:
	case <-r.closed:
	default:
	}
}

func (r *runnerPeer) close(code int) {
	r.closeOnce.Do(func() {
		r.closeCode = code
		close(r.closed)
	})
}

// --- Client attach/detach ---

// attachClient registers a client connection, sends it the init frame, and
// announces presence. Runs on the loop.
func (a *Agent) attachClient(peer *clientPeer) {
	// Resolve the directory profile for the roster.
	if u, err := a.deps.Directory.GetUser(a.ctx, peer.user.ID); err == nil {
		if peer.user.Name == "" {
			peer.user.Name = u.Name
		}
		if peer.user.Email == "" {
			peer.user.Email = u.Email
		}
		if peer.user.Avatar == "" {
			peer.user.Avatar = u.Avatar
		}
	}

	firstConn := true
	for _, c := range a.clients {
		if c.user.ID == peer.user.ID {
			firstConn = false
			break
		}
	}
	a.clients[peer.connID] = peer

	if err := a.store.AddConnectedUser(a.ctx, peer.user.ID); err != nil {
		a.logger.Warn("record connected user", zap.Error(err))
	}

	a.sendInit(peer)

	if firstConn {
		a.broadcastExcept(peer.connID, &protocol.UserPresenceFrame{
			Type: protocol.EventUserJoined,
			User: peer.user,
		})
		a.publish(events.SessionUserJoined, map[string]any{"userId": peer.user.ID})
		a.audit("user.joined", "", peer.user.ID, nil)
	}
	a.touchActivity()
}

// detachClient removes a client connection. Presence is per user, not per
// connection: user.left fires only when the last connection goes.
func (a *Agent) detachClient(connID string) {
	peer, ok := a.clients[connID]
	if !ok {
		return
	}
	delete(a.clients, connID)
	peer.close()

	for _, c := range a.clients {
		if c.user.ID == peer.user.ID {
			return
		}
	}
	if err := a.store.RemoveConnectedUser(a.ctx, peer.user.ID); err != nil {
		a.logger.Warn("remove connected user", zap.Error(err))
	}
	a.broadcast(&protocol.UserPresenceFrame{
		Type: protocol.EventUserLeft,
		User: peer.user,
	})
	a.publish(events.SessionUserLeft, map[string]any{"userId": peer.user.ID})
	a.audit("user.left", "", peer.user.ID, nil)
}

// sendInit assembles and sends the catch-up frame for a fresh connection.
func (a *Agent) sendInit(peer *clientPeer) {
	messages, err := a.store.ListMessages(a.ctx, 200, time.Time{})
	if err != nil {
		a.logger.Error("load transcript for init", zap.Error(err))
	}
	if messages == nil {
		messages = []protocol.Message{}
	}

	users := []protocol.UserInfo{}
	if ids, err := a.store.ConnectedUsers(a.ctx); err == nil {
		for _, id := range ids {
			info := protocol.UserInfo{ID: id}
			if id == peer.user.ID {
				info = peer.user
			} else if u, uerr := a.deps.Directory.GetUser(a.ctx, id); uerr == nil {
				info.Name, info.Email, info.Avatar = u.Name, u.Email, u.Avatar
			}
			users = append(users, info)
		}
	}

	auditLog := []protocol.AuditEntry{}
	if rows, err := a.store.RecentAudit(a.ctx, 50); err == nil {
		for _, r := range rows {
			entry := protocol.AuditEntry{
				ID:        r.ID,
				EventType: r.EventType,
				Summary:   r.Summary,
				Actor:     r.Actor,
				CreatedAt: r.CreatedAt,
			}
			if r.Metadata != "" && r.Metadata != "{}" {
				_ = json.Unmarshal([]byte(r.Metadata), &entry.Metadata)
			}
			auditLog = append(auditLog, entry)
		}
	}

	init := &protocol.InitFrame{
		Type:            protocol.EventInit,
		SessionID:       a.id,
		Status:          a.state.Status,
		Title:           a.state.Title,
		HasSandbox:      a.state.SandboxID != "",
		RunnerConnected: a.runner != nil,
		RunnerBusy:      a.runnerBusy,
		Messages:        messages,
		Models:          a.state.Models,
		Users:           users,
		AuditLog:        auditLog,
		Tunnels:         a.state.Tunnels,
	}
	data, err := protocol.Encode(init)
	if err != nil {
		a.logger.Error("encode init frame", zap.Error(err))
		return
	}
	peer.send(data)

	// Replay pending questions so a rejoining client can answer them.
	if pending, err := a.store.PendingQuestions(a.ctx); err == nil {
		for _, q := range pending {
			if qd, qerr := protocol.Encode(&protocol.QuestionFrame{
				Type: protocol.EventQuestion, Question: q,
			}); qerr == nil {
				peer.send(qd)
			}
		}
	}
}

// --- Runner attach/detach ---

// closeRunnerLocked closes the current runner connection and restores
// the queue bookkeeping: the in-flight prompt, if any, goes back to the
// head of the queue.
func (a *Agent) closeRunnerLocked(code int) {
	if a.runner == nil {
		return
	}
	a.runner.close(code)
	a.runner = nil
	if a.runnerBusy {
		a.runnerBusy = false
		if err := a.store.RequeueProcessing(a.ctx); err != nil {
			a.logger.Error("requeue in-flight prompt", zap.Error(err))
		}
	}
}

// attachRunner enforces the single-runner rule: a new runner connection
// displaces the old one with a normal close. A turn the old runner was
// mid-way through requeues and dispatches to the new one.
func (a *Agent) attachRunner(peer *runnerPeer) {
	if a.runner != nil {
		a.logger.Info("replacing runner connection")
		a.closeRunnerLocked(1000)
	}
	a.runner = peer
	a.onRunnerReady()
	a.broadcastStatus()

	// Re-deliver pending questions the runner may have missed.
	if pending, err := a.store.PendingQuestions(a.ctx); err == nil && len(pending) > 0 {
		a.logger.Debug("runner attached with pending questions", zap.Int("count", len(pending)))
	}
	a.maybeDispatch()
}

// detachRunner handles the runner socket closing.
func (a *Agent) detachRunner(peer *runnerPeer) {
	if a.runner != peer {
		return // a replacement already took over
	}
	a.closeRunnerLocked(1000)
	a.broadcastStatus()
	a.rearmAlarm()
	a.logger.Info("runner disconnected")
}

// --- Client frame routing ---

// handleClientFrame runs on the loop for every frame a client sends.
func (a *Agent) handleClientFrame(peer *clientPeer, raw []byte) {
	kind, err := protocol.Kind(raw)
	if err != nil {
		a.sendTo(peer, &protocol.ErrorFrame{Type: protocol.EventError, Message: err.Error()})
		return
	}

	switch kind {
	case protocol.ClientPing:
		a.sendTo(peer, &protocol.PongFrame{Type: protocol.EventPong})

	case protocol.ClientPrompt:
		var f protocol.PromptFrame
		if err := protocol.Decode(raw, &f); err != nil {
			a.sendTo(peer, &protocol.ErrorFrame{Type: protocol.EventError, Message: err.Error()})
			return
		}
		author := protocol.Author{ID: peer.user.ID, Email: peer.user.Email, Name: peer.user.Name}
		if _, err := a.submitPromptLocked(f.Content, f.Model, author, false); err != nil {
			a.sendTo(peer, &protocol.ErrorFrame{Type: protocol.EventError, Message: err.Error()})
		}

	case protocol.ClientAnswer:
		var f protocol.AnswerFrame
		if err := protocol.Decode(raw, &f); err != nil {
			return
		}
		a.handleAnswer(f.QuestionID, f.Answer, peer.user.ID)

	case protocol.ClientAbort:
		a.handleAbort(peer.user.ID)

	case protocol.ClientRevert:
		var f protocol.RevertFrame
		if err := protocol.Decode(raw, &f); err != nil {
			return
		}
		if err := a.handleRevert(f.MessageID, peer.user.ID); err != nil {
			a.sendTo(peer, &protocol.ErrorFrame{Type: protocol.EventError, Message: err.Error()})
		}

	case protocol.ClientDiff:
		var f protocol.DiffRequestFrame
		if err := protocol.Decode(raw, &f); err != nil {
			return
		}
		if !a.sendRunner(&protocol.DiffRequestFrame{Type: protocol.ToRunnerDiff, RequestID: f.RequestID}) {
			a.sendTo(peer, &protocol.ErrorFrame{Type: protocol.EventError, Message: "runner not connected"})
		}
		a.touchActivity()

	case protocol.ClientReview:
		var f protocol.ReviewRequestFrame
		if err := protocol.Decode(raw, &f); err != nil {
			return
		}
		if !a.sendRunner(&protocol.ReviewRequestFrame{
			Type: protocol.ToRunnerReview, RequestID: f.RequestID, Instructions: f.Instructions,
		}) {
			a.sendTo(peer, &protocol.ErrorFrame{Type: protocol.EventError, Message: "runner not connected"})
		}
		a.touchActivity()

	default:
		a.sendTo(peer, &protocol.ErrorFrame{Type: protocol.EventError, Message: "unknown frame type " + kind})
	}
}

func (a *Agent) sendTo(peer *clientPeer, frame any) {
	data, err := protocol.Encode(frame)
	if err != nil {
		a.logger.Error("encode frame", zap.Error(err))
		return
	}
	peer.send(data)
}

// AttachClient registers a client peer from outside the loop (tests, ws
// handler).
func (a *Agent) AttachClient(ctx context.Context, peer *clientPeer) error {
	return a.call(ctx, func() { a.attachClient(peer) })
}

// DetachClient removes a client peer from outside the loop.
func (a *Agent) DetachClient(connID string) {
	a.post(func() { a.detachClient(connID) })
}

// AttachRunner registers the runner peer from outside the loop.
func (a *Agent) AttachRunner(ctx context.Context, peer *runnerPeer) error {
	return a.call(ctx, func() { a.attachRunner(peer) })
}

// DetachRunner removes the runner peer from outside the loop.
func (a *Agent) DetachRunner(peer *runnerPeer) {
	a.post(func() { a.detachRunner(peer) })
}

// HandleClientFrame routes a raw client frame onto the loop.
func (a *Agent) HandleClientFrame(peer *clientPeer, raw []byte) {
	a.post(func() { a.handleClientFrame(peer, raw) })
}

// HandleRunnerFrame routes a raw runner frame onto the loop.
func (a *Agent) HandleRunnerFrame(peer *runnerPeer, raw []byte) {
	a.post(func() {
		if a.runner != peer {
			return // stale connection
		}
		a.handleRunnerFrame(raw)
	})
}
