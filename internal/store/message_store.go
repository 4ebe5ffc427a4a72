package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"chat-client/internal/logger"
	"chat-client/internal/models"
)

var ErrNotFound = errors.New("message not found")

// Patch carries the fields of an edit. Nil fields are left untouched.
type Patch struct {
	Body          *string
	EditedAt      *time.Time
	DeliveryState *models.DeliveryState
}

type subscriber struct {
	id int
	fn func([]models.Message)
}

// MessageStore is the ordered, deduplicated message log of one group.
// Entries are sorted by timestamp ascending; equal timestamps keep insertion order.
type MessageStore struct {
	mu       sync.Mutex
	messages []models.Message
	byID     map[string]time.Time
	subs     []subscriber
	nextSub  int
	revision uint64

	// notifyMu serializes delivery so subscribers never observe an older
	// revision after a newer one.
	notifyMu  sync.Mutex
	delivered uint64

	log *zap.Logger
}

// New creates an empty store.
func New(log *zap.Logger) *MessageStore {
	return &MessageStore{
		byID: make(map[string]time.Time),
		log:  logger.OrNop(log),
	}
}

// Insert adds a message at its sorted position. A message whose id is already
// present is ignored. It reports whether the log changed.
func (s *MessageStore) Insert(msg models.Message) bool {
	s.mu.Lock()
	if !s.insertLocked(msg) {
		s.mu.Unlock()
		s.log.Debug("duplicate insert ignored", zap.String("message_id", msg.ID))
		return false
	}
	rev, snapshot, subs := s.changedLocked()
	s.mu.Unlock()

	s.notify(rev, snapshot, subs)
	return true
}

// Load bulk-inserts history and notifies subscribers once. It returns how many entries were added.
func (s *MessageStore) Load(msgs []models.Message) int {
	s.mu.Lock()
	added := 0
	for _, msg := range msgs {
		if s.insertLocked(msg) {
			added++
		}
	}
	if added == 0 {
		s.mu.Unlock()
		return 0
	}
	rev, snapshot, subs := s.changedLocked()
	s.mu.Unlock()

	s.notify(rev, snapshot, subs)
	return added
}

// Replace swaps the pending entry localID for its confirmed counterpart, keeping
// its position. A missing localID is logged and ignored since a racing
// confirmation may already have reconciled it.
func (s *MessageStore) Replace(localID string, confirmed models.Message) bool {
	s.mu.Lock()
	i := s.indexLocked(localID)
	if i < 0 {
		s.mu.Unlock()
		s.log.Debug("replace target not found", zap.String("local_id", localID), zap.String("message_id", confirmed.ID))
		return false
	}

	if _, dup := s.byID[confirmed.ID]; dup && confirmed.ID != localID {
		// The confirmed copy is already in the log; drop the provisional one.
		s.removeAtLocked(i)
	} else {
		delete(s.byID, localID)
		s.byID[confirmed.ID] = confirmed.Timestamp
		s.messages[i] = confirmed
		if !s.orderedAtLocked(i) {
			s.removeAtLocked(i)
			s.insertLocked(confirmed)
		}
	}
	rev, snapshot, subs := s.changedLocked()
	s.mu.Unlock()

	s.notify(rev, snapshot, subs)
	return true
}

// Update applies patch to the message with the given id.
func (s *MessageStore) Update(id string, patch Patch) error {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	msg := &s.messages[i]
	if patch.Body != nil {
		msg.Body = *patch.Body
	}
	if patch.EditedAt != nil {
		editedAt := *patch.EditedAt
		msg.EditedAt = &editedAt
	}
	if patch.DeliveryState != nil {
		msg.DeliveryState = *patch.DeliveryState
	}
	rev, snapshot, subs := s.changedLocked()
	s.mu.Unlock()

	s.notify(rev, snapshot, subs)
	return nil
}

// Remove deletes a message. Removing an absent id is a no-op.
func (s *MessageStore) Remove(id string) bool {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.removeAtLocked(i)
	rev, snapshot, subs := s.changedLocked()
	s.mu.Unlock()

	s.notify(rev, snapshot, subs)
	return true
}

// Get returns a copy of the message with the given id.
func (s *MessageStore) Get(id string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return models.Message{}, false
	}
	return s.messages[i], true
}

// List returns the current ordered snapshot.
func (s *MessageStore) List() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Len returns the number of messages in the log.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Latest returns the newest timestamp in the log, or the zero time when empty.
func (s *MessageStore) Latest() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return time.Time{}
	}
	return s.messages[len(s.messages)-1].Timestamp
}

// Subscribe registers fn to receive the full ordered list after every mutation.
// fn runs on the mutating goroutine and must not mutate the store synchronously.
func (s *MessageStore) Subscribe(fn func([]models.Message)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Reset drops every message and subscriber without notifying anyone.
func (s *MessageStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.byID = make(map[string]time.Time)
	s.subs = nil
	s.revision++
}

func (s *MessageStore) insertLocked(msg models.Message) bool {
	if _, exists := s.byID[msg.ID]; exists {
		return false
	}
	// upper bound: first entry strictly newer than msg keeps ties in insertion order
	i := sort.Search(len(s.messages), func(i int) bool {
		return s.messages[i].Timestamp.After(msg.Timestamp)
	})
	s.messages = append(s.messages, models.Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = msg
	s.byID[msg.ID] = msg.Timestamp
	return true
}

func (s *MessageStore) indexLocked(id string) int {
	ts, ok := s.byID[id]
	if !ok {
		return -1
	}
	i := sort.Search(len(s.messages), func(i int) bool {
		return !s.messages[i].Timestamp.Before(ts)
	})
	for ; i < len(s.messages) && s.messages[i].Timestamp.Equal(ts); i++ {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *MessageStore) removeAtLocked(i int) {
	delete(s.byID, s.messages[i].ID)
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
}

func (s *MessageStore) orderedAtLocked(i int) bool {
	ts := s.messages[i].Timestamp
	if i > 0 && s.messages[i-1].Timestamp.After(ts) {
		return false
	}
	if i < len(s.messages)-1 && s.messages[i+1].Timestamp.Before(ts) {
		return false
	}
	return true
}

func (s *MessageStore) snapshotLocked() []models.Message {
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *MessageStore) changedLocked() (uint64, []models.Message, []subscriber) {
	s.revision++
	if len(s.subs) == 0 {
		return s.revision, nil, nil
	}
	subs := make([]subscriber, len(s.subs))
	copy(subs, s.subs)
	return s.revision, s.snapshotLocked(), subs
}

func (s *MessageStore) notify(rev uint64, snapshot []models.Message, subs []subscriber) {
	if len(subs) == 0 {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if rev <= s.delivered {
		return
	}
	s.delivered = rev
	for i, sub := range subs {
		view := snapshot
		if i > 0 {
			view = make([]models.Message, len(snapshot))
			copy(view, snapshot)
		}
		s.deliver(sub, view)
	}
}

func (s *MessageStore) deliver(sub subscriber, snapshot []models.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("message subscriber panicked", zap.Any("panic", r))
		}
	}()
	sub.fn(snapshot)
}
