package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"chat-client/internal/logger"
	"chat-client/internal/models"
	"chat-client/internal/observability"
	"chat-client/internal/outbound"
	"chat-client/internal/store"
	"chat-client/internal/telemetry"
	"chat-client/internal/ws"
)

var (
	ErrAlreadyOpen   = errors.New("session already open")
	ErrNotOpen       = errors.New("session not open")
	ErrUnknownAction = errors.New("unknown action")
)

// SessionOpenError reports which step of Open failed.
type SessionOpenError struct {
	GroupID string
	Op      string
	Err     error
}

func (e *SessionOpenError) Error() string {
	return fmt.Sprintf("open session %s: %s: %v", e.GroupID, e.Op, e.Err)
}

func (e *SessionOpenError) Unwrap() error {
	return e.Err
}

// Connection is the transport a session runs on.
type Connection interface {
	Connect(ctx context.Context) error
	JoinRoom(groupID string)
	On(event string, fn ws.Handler) func()
	OnStateChange(fn func(models.ConnectionState)) func()
	Emit(event string, payload any) error
	State() models.ConnectionState
	Disconnect()
}

// HistoryLoader returns the chronological history of a group.
type HistoryLoader interface {
	GroupHistory(ctx context.Context, groupID string) ([]models.Message, error)
}

type Auditor interface {
	Emit(ctx context.Context, rec telemetry.Record)
}

type Options struct {
	UserID     string
	AckTimeout time.Duration
	Now        func() time.Time
	Logger     *zap.Logger
	Audit      Auditor
}

// Controller binds one group's message log to its live channel. It is the
// only type the presentation layer talks to.
type Controller struct {
	opts    Options
	conn    Connection
	history HistoryLoader
	store   *store.MessageStore
	log     *zap.Logger

	mu        sync.Mutex
	active    bool
	gen       uint64
	groupID   string
	sessionID string
	joinedAt  time.Time
	queue     *outbound.Queue
	offs      []func()

	// routeMu serializes dispatched actions, inbound routing and teardown so
	// nothing lands in the store after Close has reset it.
	routeMu sync.Mutex
}

func New(opts Options, conn Connection, history HistoryLoader) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := logger.OrNop(opts.Logger)
	return &Controller{
		opts:    opts,
		conn:    conn,
		history: history,
		store:   store.New(log),
		log:     log,
	}
}

// Open connects, joins groupID and loads its history. On failure the session
// is torn down as by Close and a *SessionOpenError is returned.
func (c *Controller) Open(ctx context.Context, groupID string) error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	c.active = true
	c.gen++
	gen := c.gen
	c.groupID = groupID
	c.sessionID = uuid.NewString()
	c.joinedAt = time.Time{}
	c.queue = outbound.New(c.store, c.conn, outbound.Options{
		UserID:     c.opts.UserID,
		GroupID:    groupID,
		AckTimeout: c.opts.AckTimeout,
		Now:        c.opts.Now,
		Logger:     c.log,
		OnFailed:   c.onFailed,
	})
	c.offs = []func(){
		c.conn.On(models.EventNewMessage, c.route(gen, c.handleNewMessage)),
		c.conn.On(models.EventMessageEdited, c.route(gen, c.handleMessageEdited)),
		c.conn.On(models.EventMessageDeleted, c.route(gen, c.handleMessageDeleted)),
	}
	sessionID := c.sessionID
	c.mu.Unlock()

	log := c.log.With(zap.String("group_id", groupID), zap.String("session_id", sessionID))
	ctx, span := otel.Tracer("chat-client/session").Start(ctx, "session.open",
		trace.WithAttributes(attribute.String("group_id", groupID)))
	defer span.End()

	if err := c.conn.Connect(ctx); err != nil {
		return c.openFailed(ctx, span, gen, "connect", err)
	}
	c.conn.JoinRoom(groupID)

	history, err := c.history.GroupHistory(ctx, groupID)
	if err != nil {
		return c.openFailed(ctx, span, gen, "history", err)
	}

	msgs := make([]models.Message, 0, len(history))
	for _, m := range history {
		if m.GroupID == "" {
			m.GroupID = groupID
		}
		if m.GroupID != groupID {
			continue
		}
		m.DeliveryState = models.StateConfirmed
		msgs = append(msgs, m)
	}

	c.routeMu.Lock()
	c.mu.Lock()
	if !c.active || c.gen != gen {
		c.mu.Unlock()
		c.routeMu.Unlock()
		return &SessionOpenError{GroupID: groupID, Op: "history", Err: ErrNotOpen}
	}
	c.joinedAt = c.opts.Now()
	c.mu.Unlock()
	added := c.store.Load(msgs)
	c.routeMu.Unlock()

	span.SetAttributes(attribute.Int("history.count", added))
	log.Info("session opened", zap.Int("history", added))
	c.audit(ctx, telemetry.EventSessionOpened, "info", fmt.Sprintf("loaded %d messages", added))
	return nil
}

// Close releases handlers, the transport, pending actions and the message
// log. Events arriving afterwards are dropped. Safe to call repeatedly. Must
// not be called synchronously from a message subscriber.
func (c *Controller) Close() {
	if !c.teardown(0) {
		return
	}
	c.log.Info("session closed")
	c.audit(context.Background(), telemetry.EventSessionClosed, "info", "closed")
}

// Dispatch applies a local action. Send returns the local id of the new message.
// Must not be called synchronously from a message subscriber.
func (c *Controller) Dispatch(action models.Action) (string, error) {
	c.routeMu.Lock()
	defer c.routeMu.Unlock()

	q, err := c.activeQueue()
	if err != nil {
		return "", err
	}

	var id string
	switch action.Type {
	case models.ActionSend:
		id, err = q.Send(models.Draft{Kind: action.Kind, Body: action.Body})
	case models.ActionEdit:
		id, err = action.ID, q.Edit(action.ID, action.Body)
	case models.ActionDelete:
		id, err = action.ID, q.Delete(action.ID)
	case models.ActionRetry:
		id, err = action.ID, q.Retry(action.ID)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, action.Type)
	}
	observability.SetPendingActions(q.Pending())
	return id, err
}

// SubscribeMessages registers fn for the ordered message list after every change.
func (c *Controller) SubscribeMessages(fn func([]models.Message)) func() {
	return c.store.Subscribe(fn)
}

// SubscribeConnectionState registers fn for transport state transitions.
func (c *Controller) SubscribeConnectionState(fn func(models.ConnectionState)) func() {
	return c.conn.OnStateChange(fn)
}

// Snapshot describes the session.
func (c *Controller) Snapshot() models.Session {
	c.mu.Lock()
	s := models.Session{GroupID: c.groupID, JoinedAt: c.joinedAt}
	active := c.active
	c.mu.Unlock()
	if active {
		s.ConnectionState = c.conn.State()
	}
	return s
}

// Messages returns the current ordered message list.
func (c *Controller) Messages() []models.Message {
	return c.store.List()
}

// PendingActions returns the number of actions awaiting the server.
func (c *Controller) PendingActions() int {
	c.mu.Lock()
	q := c.queue
	active := c.active
	c.mu.Unlock()
	if !active || q == nil {
		return 0
	}
	return q.Pending()
}

func (c *Controller) activeQueue() (*outbound.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return nil, ErrNotOpen
	}
	return c.queue, nil
}

// teardown closes the session of generation gen, or the current one when gen
// is zero. It reports whether anything was torn down.
func (c *Controller) teardown(gen uint64) bool {
	c.routeMu.Lock()
	defer c.routeMu.Unlock()

	c.mu.Lock()
	if !c.active || (gen != 0 && c.gen != gen) {
		c.mu.Unlock()
		return false
	}
	c.active = false
	c.gen++
	offs := c.offs
	c.offs = nil
	q := c.queue
	c.mu.Unlock()

	for _, off := range offs {
		off()
	}
	c.conn.Disconnect()
	if q != nil {
		q.Close()
	}
	c.store.Reset()
	observability.SetPendingActions(0)
	return true
}

func (c *Controller) openFailed(ctx context.Context, span trace.Span, gen uint64, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, op+" failed")

	c.mu.Lock()
	groupID := c.groupID
	c.mu.Unlock()

	c.log.Warn("session open failed", zap.String("group_id", groupID), zap.String("op", op), zap.Error(err))
	c.audit(ctx, telemetry.EventSessionOpenFailed, "error", op+": "+err.Error())
	c.teardown(gen)
	return &SessionOpenError{GroupID: groupID, Op: op, Err: err}
}

// route wraps an inbound handler so it only runs for the session generation
// that registered it.
func (c *Controller) route(gen uint64, fn func(q *outbound.Queue, groupID string, data json.RawMessage)) ws.Handler {
	return func(data json.RawMessage) {
		c.routeMu.Lock()
		defer c.routeMu.Unlock()

		c.mu.Lock()
		live := c.active && c.gen == gen
		q := c.queue
		groupID := c.groupID
		c.mu.Unlock()
		if !live {
			c.log.Debug("late event dropped")
			return
		}
		fn(q, groupID, data)
		observability.SetPendingActions(q.Pending())
	}
}

func (c *Controller) handleNewMessage(q *outbound.Queue, groupID string, data json.RawMessage) {
	var wire models.WireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		c.log.Warn("malformed newMessage", zap.Error(err))
		return
	}
	msg, err := wire.ToMessage()
	if err != nil {
		c.log.Warn("malformed newMessage", zap.Error(err))
		return
	}
	if msg.GroupID == "" {
		msg.GroupID = groupID
	}
	if msg.GroupID != groupID {
		c.log.Debug("message for another group ignored", zap.String("message_group_id", msg.GroupID))
		return
	}

	if localID, ok := q.MatchPending(msg); ok && q.OnConfirmed(localID, msg) {
		observability.IncReconciled()
		c.log.Debug("send confirmed", zap.String("local_id", localID), zap.String("message_id", msg.ID))
		return
	}
	if !c.store.Insert(msg) {
		c.log.Debug("duplicate message ignored", zap.String("message_id", msg.ID))
	}
}

func (c *Controller) handleMessageEdited(q *outbound.Queue, groupID string, data json.RawMessage) {
	edited, err := models.ParseEditedMessage(data)
	if err != nil {
		c.log.Warn("malformed messageEdited", zap.Error(err))
		return
	}
	if edited.GroupID != "" && edited.GroupID != groupID {
		return
	}

	q.OnEdited(edited.ID)
	editedAt := edited.EditedAt
	if editedAt == nil {
		now := c.opts.Now()
		editedAt = &now
	}
	confirmed := models.StateConfirmed
	patch := store.Patch{Body: &edited.Body, EditedAt: editedAt, DeliveryState: &confirmed}
	if err := c.store.Update(edited.ID, patch); err != nil {
		c.log.Debug("edit for unknown message", zap.String("message_id", edited.ID))
	}
}

func (c *Controller) handleMessageDeleted(q *outbound.Queue, _ string, data json.RawMessage) {
	id, err := models.ParseDeletedID(data)
	if err != nil {
		c.log.Warn("malformed messageDeleted", zap.Error(err))
		return
	}
	c.store.Remove(id)
	q.Forget(id)
}

func (c *Controller) onFailed(f outbound.Failure) {
	observability.IncFailedAction(string(f.Action))
	c.audit(context.Background(), telemetry.EventActionFailed, "warn",
		fmt.Sprintf("%s %s: %v", f.Action, f.ID, f.Err))
}

func (c *Controller) audit(ctx context.Context, eventType, level, text string) {
	if c.opts.Audit == nil {
		return
	}
	c.mu.Lock()
	rec := telemetry.Record{
		EventType: eventType,
		Level:     level,
		Text:      text,
		SessionID: c.sessionID,
		GroupID:   c.groupID,
		UserID:    c.opts.UserID,
	}
	c.mu.Unlock()
	c.opts.Audit.Emit(ctx, rec)
}
