// Package session implements the per-session agent: a single-writer actor
// that owns one session's durable state and brokers its clients, its
// sandbox runner, the provisioner, the git provider, and sibling sessions.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/directory"
	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/internal/events/bus"
	"github.com/coderelay/coderelay/internal/github"
	"github.com/coderelay/coderelay/internal/provisioner"
	"github.com/coderelay/coderelay/internal/tokens"
	"github.com/coderelay/coderelay/pkg/protocol"
)

// ErrAgentClosed is returned for calls into an agent whose loop has exited.
var ErrAgentClosed = errors.New("session: agent closed")

// ErrNotStarted is returned for operations on a session that was never
// started.
var ErrNotStarted = errors.New("session: not started")

// Deps bundles the process-wide collaborators shared by every agent.
type Deps struct {
	Cfg         config.SessionConfig
	Directory   directory.Store
	Bus         bus.EventBus
	Provisioner *provisioner.Client
	Bridge      *github.Bridge
	Tokens      *tokens.Service
	Logger      *logger.Logger
}

// Agent is the single-writer actor for one session. All state access
// happens on the run loop; external callers enter through call or post.
type Agent struct {
	id       string
	deps     Deps
	registry *Registry
	store    *Store
	state    *sessionState
	logger   *logger.Logger

	// ctx covers the agent's own store and directory writes; it is
	// cancelled only when the loop exits.
	ctx    context.Context
	cancel context.CancelFunc

	inbox    chan func()
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}

	clients map[string]*clientPeer // keyed by connection id
	runner  *runnerPeer

	runnerBusy bool

	alarm   *time.Timer
	alarmAt time.Time
}

// newAgent opens the session store at path and starts the run loop.
func newAgent(id, path string, deps Deps, registry *Registry) (*Agent, error) {
	store, err := OpenStore(path)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	state, err := loadState(ctx, store, deps.Cfg.IdleTimeout())
	if err != nil {
		cancel()
		store.Close()
		return nil, err
	}

	buffer := deps.Cfg.EventBuffer
	if buffer <= 0 {
		buffer = 256
	}
	a := &Agent{
		id:       id,
		deps:     deps,
		registry: registry,
		store:    store,
		state:    state,
		logger:   deps.Logger.WithSessionID(id).WithFields(zap.String("component", "session-agent")),
		ctx:      ctx,
		cancel:   cancel,
		inbox:    make(chan func(), buffer),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		clients:  make(map[string]*clientPeer),
		alarm:    time.NewTimer(time.Hour),
	}
	if !a.alarm.Stop() {
		<-a.alarm.C
	}

	// A processing prompt can only survive a crash; put it back in line.
	if err := store.RequeueProcessing(ctx); err != nil {
		a.logger.Warn("requeue in-flight prompt", zap.Error(err))
	}
	if err := store.ClearConnectedUsers(ctx); err != nil {
		a.logger.Warn("reset connected users", zap.Error(err))
	}

	go a.run()
	return a, nil
}

// ID returns the session id.
func (a *Agent) ID() string { return a.id }

func (a *Agent) run() {
	defer close(a.done)
	defer a.cancel()

	flushEvery := time.Duration(a.deps.Cfg.AuditFlushSeconds) * time.Second
	if flushEvery <= 0 {
		flushEvery = 30 * time.Second
	}
	auditTick := time.NewTicker(flushEvery)
	defer auditTick.Stop()

	a.rearmAlarm()

	for {
		select {
		case fn := <-a.inbox:
			fn()
		case <-a.alarm.C:
			a.alarmAt = time.Time{}
			a.handleAlarm()
		case <-auditTick.C:
			a.drainAudit()
		case <-a.quit:
			a.shutdown()
			return
		}
	}
}

// shutdown runs on the loop after the inbox closes.
func (a *Agent) shutdown() {
	a.drainAudit()
	if a.runner != nil {
		a.runner.close(1000)
		a.runner = nil
	}
	for _, c := range a.clients {
		c.close()
	}
	a.clients = nil
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close session store", zap.Error(err))
	}
}

// close stops the loop and waits for shutdown. Idempotent.
func (a *Agent) close() {
	a.quitOnce.Do(func() { close(a.quit) })
	<-a.done
}

// call runs fn on the loop and waits for it.
func (a *Agent) call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	wrapped := func() {
		defer close(ran)
		fn()
	}
	select {
	case a.inbox <- wrapped:
	case <-a.done:
		return ErrAgentClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ran:
		return nil
	case <-a.done:
		return ErrAgentClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post enqueues fn on the loop without waiting.
func (a *Agent) post(fn func()) {
	select {
	case a.inbox <- fn:
	case <-a.done:
	}
}

// async runs fn off-loop and posts its continuation back. The loop stays
// free to interleave other frames while the external call is in flight;
// continuations must re-check state.
func (a *Agent) async(fn func() func()) {
	go func() {
		cont := fn()
		if cont != nil {
			a.post(cont)
		}
	}()
}

// --- Fan-out ---

// broadcast encodes a frame once and sends it to every connected client.
func (a *Agent) broadcast(frame any) {
	data, err := protocol.Encode(frame)
	if err != nil {
		a.logger.Error("encode broadcast frame", zap.Error(err))
		return
	}
	for _, c := range a.clients {
		c.send(data)
	}
}

// broadcastExcept sends to every client except the named connection.
func (a *Agent) broadcastExcept(connID string, frame any) {
	data, err := protocol.Encode(frame)
	if err != nil {
		a.logger.Error("encode broadcast frame", zap.Error(err))
		return
	}
	for id, c := range a.clients {
		if id == connID {
			continue
		}
		c.send(data)
	}
}

// sendRunner sends a frame to the runner, if connected.
func (a *Agent) sendRunner(frame any) bool {
	if a.runner == nil {
		return false
	}
	data, err := protocol.Encode(frame)
	if err != nil {
		a.logger.Error("encode runner frame", zap.Error(err))
		return false
	}
	a.runner.send(data)
	return true
}

func (a *Agent) broadcastStatus() {
	connected := a.runner != nil
	busy := a.runnerBusy
	a.broadcast(&protocol.StatusFrame{
		Type:            protocol.EventStatus,
		Status:          a.state.Status,
		RunnerConnected: &connected,
		RunnerBusy:      &busy,
		SandboxID:       a.state.SandboxID,
	})
}

// --- Audit and events ---

// audit appends a local audit entry and pushes it to connected clients.
func (a *Agent) audit(eventType, summary, actor string, metadata map[string]any) {
	if err := a.store.AppendAudit(a.ctx, eventType, summary, actor, metadata); err != nil {
		a.logger.Error("append audit", zap.Error(err))
		return
	}
	a.broadcast(&protocol.AuditLogFrame{
		Type: protocol.EventAuditLog,
		Entries: []protocol.AuditEntry{{
			EventType: eventType,
			Summary:   summary,
			Actor:     actor,
			Metadata:  metadata,
			CreatedAt: time.Now().UTC(),
		}},
	})
}

// drainAudit ships unflushed audit rows to the directory.
func (a *Agent) drainAudit() {
	rows, err := a.store.UnflushedAudit(a.ctx)
	if err != nil {
		a.logger.Error("read unflushed audit", zap.Error(err))
		return
	}
	if len(rows) == 0 {
		return
	}
	entries := make([]*directory.AuditEntry, 0, len(rows))
	var maxID int64
	for _, r := range rows {
		entries = append(entries, &directory.AuditEntry{
			SessionID: a.id,
			EventType: r.EventType,
			Summary:   r.Summary,
			Actor:     r.Actor,
			Metadata:  r.Metadata,
			CreatedAt: r.CreatedAt,
		})
		if r.ID > maxID {
			maxID = r.ID
		}
	}
	if err := a.deps.Directory.AppendAuditEntries(a.ctx, entries); err != nil {
		a.logger.Warn("drain audit to directory", zap.Error(err))
		return
	}
	if err := a.store.MarkAuditFlushed(a.ctx, maxID); err != nil {
		a.logger.Error("mark audit flushed", zap.Error(err))
	}
}

// publish emits a session event on the global bus.
func (a *Agent) publish(eventType string, data map[string]any) {
	if a.deps.Bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["sessionId"] = a.id
	event := bus.NewEvent(eventType, "session-agent", data)
	if err := a.deps.Bus.Publish(a.ctx, events.SubjectFor(a.id, eventType), event); err != nil {
		a.logger.Warn("publish event", zap.String("event", eventType), zap.Error(err))
	}
}

// touchActivity records activity and re-arms the idle alarm.
func (a *Agent) touchActivity() {
	a.setLastActivity(time.Now().UTC())
	a.rearmAlarm()
}

func withErr(err error) []zap.Field {
	return []zap.Field{zap.Error(err)}
}

// --- Snapshots ---

// StatusSnapshot is the externally visible session summary.
type StatusSnapshot struct {
	ID              string               `json:"id"`
	Status          string               `json:"status"`
	Title           string               `json:"title,omitempty"`
	UserID          string               `json:"userId,omitempty"`
	Workspace       string               `json:"workspace,omitempty"`
	ParentSessionID string               `json:"parentSessionId,omitempty"`
	SandboxID       string               `json:"sandboxId,omitempty"`
	RunnerConnected bool                 `json:"runnerConnected"`
	RunnerBusy      bool                 `json:"runnerBusy"`
	QueueDepth      int                  `json:"queueDepth"`
	ConnectedUsers  []string             `json:"connectedUsers,omitempty"`
	Models          []protocol.ModelInfo `json:"models,omitempty"`
	Tunnels         *protocol.Tunnels    `json:"tunnels,omitempty"`
	LastActivityAt  time.Time            `json:"lastActivityAt,omitempty"`
}

func (a *Agent) snapshotLocked() *StatusSnapshot {
	users, _ := a.store.ConnectedUsers(a.ctx)
	depth := 0
	if e, err := a.store.OldestQueued(a.ctx); err == nil && e != nil {
		depth = 1 // at least one; exact depth is not worth a COUNT here
	}
	return &StatusSnapshot{
		ID:              a.id,
		Status:          a.state.Status,
		Title:           a.state.Title,
		UserID:          a.state.UserID,
		Workspace:       a.state.Workspace,
		ParentSessionID: a.state.ParentID,
		SandboxID:       a.state.SandboxID,
		RunnerConnected: a.runner != nil,
		RunnerBusy:      a.runnerBusy,
		QueueDepth:      depth,
		ConnectedUsers:  users,
		Models:          a.state.Models,
		Tunnels:         a.state.Tunnels,
		LastActivityAt:  a.state.LastActivity,
	}
}

// Status returns the session snapshot.
func (a *Agent) Status(ctx context.Context) (*StatusSnapshot, error) {
	var snap *StatusSnapshot
	err := a.call(ctx, func() { snap = a.snapshotLocked() })
	return snap, err
}

// Messages returns transcript messages. A zero after returns the most
// recent limit messages.
func (a *Agent) Messages(ctx context.Context, limit int, after time.Time) ([]protocol.Message, error) {
	var (
		out  []protocol.Message
		ferr error
	)
	err := a.call(ctx, func() { out, ferr = a.store.ListMessages(a.ctx, limit, after) })
	if err != nil {
		return nil, err
	}
	return out, ferr
}

// ClearQueue drops all queued (not in-flight) prompts.
func (a *Agent) ClearQueue(ctx context.Context) (int64, error) {
	var (
		n    int64
		ferr error
	)
	err := a.call(ctx, func() {
		n, ferr = a.store.ClearQueued(a.ctx)
		if ferr == nil && n > 0 {
			a.audit("queue.cleared", "prompt queue cleared", "", map[string]any{"dropped": n})
		}
	})
	if err != nil {
		return 0, err
	}
	return n, ferr
}

// FlushMetrics forces the active-seconds and audit flushes.
func (a *Agent) FlushMetrics(ctx context.Context) error {
	return a.call(ctx, func() {
		a.flushActiveSeconds()
		a.drainAudit()
	})
}

func marshalOrEmpty(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
