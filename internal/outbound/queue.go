package outbound

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chat-client/internal/logger"
	"chat-client/internal/models"
	"chat-client/internal/store"
)

var (
	ErrUnknownMessage = errors.New("unknown message")
	ErrNotEditable    = errors.New("only text messages can be edited")
	ErrNotConfirmed   = errors.New("message is not confirmed yet")
	ErrEmptyDraft     = errors.New("message body is empty")
	ErrInvalidKind    = errors.New("invalid message kind")
	ErrNotRetryable   = errors.New("message is not in a failed state")
	ErrClosed         = errors.New("outbound queue closed")
	ErrAckTimeout     = errors.New("no confirmation from server")
)

// LocalIDPrefix marks ids assigned on the client before confirmation.
const LocalIDPrefix = "local-"

// Store is the part of the message log the queue writes to.
type Store interface {
	Insert(msg models.Message) bool
	Replace(localID string, confirmed models.Message) bool
	Update(id string, patch store.Patch) error
	Remove(id string) bool
	Get(id string) (models.Message, bool)
	Latest() time.Time
}

// Emitter sends an outbound socket event.
type Emitter interface {
	Emit(event string, payload any) error
}

// Failure describes an action that did not settle.
type Failure struct {
	Action models.ActionType
	ID     string
	Err    error
}

// Options configures a Queue.
type Options struct {
	UserID     string
	GroupID    string
	AckTimeout time.Duration
	Now        func() time.Time
	Logger     *zap.Logger
	OnFailed   func(Failure)
}

type pendingSend struct {
	localID string
	draft   models.Draft
	state   models.DeliveryState
	attempt int
	deleted bool
	timer   *time.Timer
}

type pendingEdit struct {
	origBody string
	timer    *time.Timer
}

// Queue applies local actions to the store optimistically and reconciles them
// with server confirmations.
type Queue struct {
	store   Store
	emitter Emitter
	opts    Options
	log     *zap.Logger

	mu     sync.Mutex
	sends  map[string]*pendingSend
	order  []string
	edits  map[string]*pendingEdit
	closed bool
}

// New creates a queue bound to one group's store and transport.
func New(st Store, emitter Emitter, opts Options) *Queue {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		store:   st,
		emitter: emitter,
		opts:    opts,
		log:     logger.OrNop(opts.Logger).With(zap.String("group_id", opts.GroupID)),
		sends:   make(map[string]*pendingSend),
		edits:   make(map[string]*pendingEdit),
	}
}

// Send inserts a pending message and emits it. The pending entry is visible to
// store subscribers before the emit is attempted. On emit failure the message
// is marked failed and the error returned alongside the local id.
func (q *Queue) Send(draft models.Draft) (string, error) {
	if draft.Body == "" {
		return "", ErrEmptyDraft
	}
	if draft.Kind != models.KindText && !draft.Kind.IsMedia() {
		return "", ErrInvalidKind
	}

	ts := q.opts.Now()
	if latest := q.store.Latest(); latest.After(ts) {
		ts = latest
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}
	localID := LocalIDPrefix + uuid.NewString()
	p := &pendingSend{localID: localID, draft: draft, state: models.StatePending}
	q.sends[localID] = p
	q.order = append(q.order, localID)
	q.armSendLocked(p)
	attempt := p.attempt
	q.mu.Unlock()

	q.store.Insert(models.Message{
		ID:            localID,
		ClientID:      localID,
		GroupID:       q.opts.GroupID,
		SenderID:      q.opts.UserID,
		Kind:          draft.Kind,
		Body:          draft.Body,
		Timestamp:     ts,
		DeliveryState: models.StatePending,
	})

	if err := q.emitSend(localID, draft); err != nil {
		q.failSend(localID, attempt, err)
		return localID, err
	}
	return localID, nil
}

// Retry re-emits a failed send under the same local id.
func (q *Queue) Retry(localID string) error {
	q.mu.Lock()
	p, ok := q.sends[localID]
	if !ok || p.deleted || p.state != models.StateFailed {
		q.mu.Unlock()
		return ErrNotRetryable
	}
	p.state = models.StatePending
	q.armSendLocked(p)
	attempt := p.attempt
	draft := p.draft
	q.mu.Unlock()

	q.setState(localID, models.StatePending)
	if err := q.emitSend(localID, draft); err != nil {
		q.failSend(localID, attempt, err)
		return err
	}
	return nil
}

// Edit applies newBody optimistically and emits the edit. Without a
// confirmation inside the ack window the previous body is restored and the
// message marked failed.
func (q *Queue) Edit(id, newBody string) error {
	if newBody == "" {
		return ErrEmptyDraft
	}
	msg, ok := q.store.Get(id)
	if !ok {
		return ErrUnknownMessage
	}
	if msg.Kind != models.KindText {
		return ErrNotEditable
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if _, local := q.sends[id]; local {
		q.mu.Unlock()
		return ErrNotConfirmed
	}
	e := &pendingEdit{origBody: msg.Body}
	if prev, ok := q.edits[id]; ok {
		// stacked edits revert to the last confirmed body
		e.origBody = prev.origBody
		prev.timer.Stop()
	}
	e.timer = time.AfterFunc(q.opts.AckTimeout, func() { q.expireEdit(id, e) })
	q.edits[id] = e
	q.mu.Unlock()

	pending := models.StatePending
	if err := q.store.Update(id, store.Patch{Body: &newBody, DeliveryState: &pending}); err != nil {
		q.dropEdit(id, e)
		return ErrUnknownMessage
	}

	err := q.emitter.Emit(models.EventEditMessage, models.EditMessagePayload{
		MessageID: id,
		NewText:   newBody,
		UserID:    q.opts.UserID,
		GroupID:   q.opts.GroupID,
	})
	if err != nil {
		q.revertEdit(id, e, err)
		return err
	}
	return nil
}

// Delete removes the message locally and emits the delete. The removal is not
// undone if the server never acknowledges it.
func (q *Queue) Delete(id string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if p, ok := q.sends[id]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.deleted = true
		q.mu.Unlock()
		// the server never learned the local id; a late confirmation triggers the remote delete
		q.store.Remove(id)
		return nil
	}
	if e, ok := q.edits[id]; ok {
		e.timer.Stop()
		delete(q.edits, id)
	}
	q.mu.Unlock()

	if !q.store.Remove(id) {
		return ErrUnknownMessage
	}
	if err := q.emitDelete(id); err != nil {
		q.log.Warn("delete not delivered, message stays removed locally", zap.String("message_id", id), zap.Error(err))
		q.reportFailure(Failure{Action: models.ActionDelete, ID: id, Err: err})
		return err
	}
	return nil
}

// MatchPending finds the outstanding send an inbound message confirms. An
// echoed client id wins; otherwise the oldest send from the same sender with
// the same kind and body is taken.
func (q *Queue) MatchPending(msg models.Message) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if msg.ClientID != "" {
		_, ok := q.sends[msg.ClientID]
		return msg.ClientID, ok
	}
	if msg.SenderID != q.opts.UserID {
		return "", false
	}
	for _, localID := range q.order {
		p := q.sends[localID]
		if p.draft.Kind == msg.Kind && p.draft.Body == msg.Body {
			return localID, true
		}
	}
	return "", false
}

// OnConfirmed reconciles a send with its server copy. It applies at most once
// per local id and reports whether it did.
func (q *Queue) OnConfirmed(localID string, serverMsg models.Message) bool {
	q.mu.Lock()
	p, ok := q.sends[localID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	q.forgetSendLocked(p)
	q.mu.Unlock()

	if p.deleted {
		if err := q.emitDelete(serverMsg.ID); err != nil {
			q.log.Warn("delete of late confirmed message failed", zap.String("message_id", serverMsg.ID), zap.Error(err))
			q.reportFailure(Failure{Action: models.ActionDelete, ID: serverMsg.ID, Err: err})
		}
		return true
	}

	serverMsg.ClientID = localID
	serverMsg.DeliveryState = models.StateConfirmed
	if serverMsg.Timestamp.IsZero() {
		// keep the provisional position when the server sent no timestamp
		if local, ok := q.store.Get(localID); ok {
			serverMsg.Timestamp = local.Timestamp
		}
	}
	if serverMsg.GroupID == "" {
		serverMsg.GroupID = q.opts.GroupID
	}
	q.store.Replace(localID, serverMsg)
	return true
}

// OnEdited acknowledges a pending edit of id.
func (q *Queue) OnEdited(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.edits[id]; ok {
		e.timer.Stop()
		delete(q.edits, id)
	}
}

// Forget drops local tracking for a message deleted by the server.
func (q *Queue) Forget(id string) {
	q.OnEdited(id)
}

// Pending returns the number of actions waiting for the server.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.edits)
	for _, p := range q.sends {
		if p.state == models.StatePending && !p.deleted {
			n++
		}
	}
	return n
}

// Close stops all timers and forgets outstanding actions.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for _, p := range q.sends {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	for _, e := range q.edits {
		e.timer.Stop()
	}
	q.sends = make(map[string]*pendingSend)
	q.edits = make(map[string]*pendingEdit)
	q.order = nil
}

func (q *Queue) armSendLocked(p *pendingSend) {
	p.attempt++
	attempt := p.attempt
	localID := p.localID
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(q.opts.AckTimeout, func() { q.failSend(localID, attempt, ErrAckTimeout) })
}

func (q *Queue) forgetSendLocked(p *pendingSend) {
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(q.sends, p.localID)
	for i, id := range q.order {
		if id == p.localID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

func (q *Queue) failSend(localID string, attempt int, cause error) {
	q.mu.Lock()
	p, ok := q.sends[localID]
	if !ok || p.attempt != attempt || p.state != models.StatePending || p.deleted {
		q.mu.Unlock()
		return
	}
	p.state = models.StateFailed
	p.timer.Stop()
	q.mu.Unlock()

	q.log.Warn("send failed", zap.String("local_id", localID), zap.Error(cause))
	q.setState(localID, models.StateFailed)
	q.reportFailure(Failure{Action: models.ActionSend, ID: localID, Err: cause})
}

func (q *Queue) expireEdit(id string, e *pendingEdit) {
	q.revertEdit(id, e, ErrAckTimeout)
}

func (q *Queue) revertEdit(id string, e *pendingEdit, cause error) {
	if !q.dropEdit(id, e) {
		return
	}
	failed := models.StateFailed
	body := e.origBody
	if err := q.store.Update(id, store.Patch{Body: &body, DeliveryState: &failed}); err != nil {
		q.log.Debug("edit target gone before revert", zap.String("message_id", id))
		return
	}
	q.log.Warn("edit failed, reverted", zap.String("message_id", id), zap.Error(cause))
	q.reportFailure(Failure{Action: models.ActionEdit, ID: id, Err: cause})
}

// dropEdit removes e if it is still the current edit of id.
func (q *Queue) dropEdit(id string, e *pendingEdit) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cur, ok := q.edits[id]; !ok || cur != e {
		return false
	}
	e.timer.Stop()
	delete(q.edits, id)
	return true
}

func (q *Queue) setState(id string, state models.DeliveryState) {
	if err := q.store.Update(id, store.Patch{DeliveryState: &state}); err != nil {
		q.log.Debug("state change on missing message", zap.String("message_id", id), zap.Stringer("state", state))
	}
}

func (q *Queue) emitSend(localID string, draft models.Draft) error {
	return q.emitter.Emit(models.EventSendMessage, models.NewSendMessagePayload(q.opts.UserID, q.opts.GroupID, localID, draft))
}

func (q *Queue) emitDelete(id string) error {
	return q.emitter.Emit(models.EventDeleteMessage, models.DeleteMessagePayload{
		MessageID: id,
		UserID:    q.opts.UserID,
		GroupID:   q.opts.GroupID,
	})
}

func (q *Queue) reportFailure(f Failure) {
	if q.opts.OnFailed != nil {
		q.opts.OnFailed(f)
	}
}
