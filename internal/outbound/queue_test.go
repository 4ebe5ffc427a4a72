package outbound

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-client/internal/mocks"
	"chat-client/internal/models"
	"chat-client/internal/store"
)

var errTransport = errors.New("transport down")

type failureLog struct {
	mu   sync.Mutex
	list []Failure
}

func (f *failureLog) add(x Failure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.list = append(f.list, x)
}

func (f *failureLog) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.list)
}

func setupQueue(t *testing.T, timeout time.Duration) (*Queue, *store.MessageStore, *mocks.EmitterMock, *failureLog) {
	t.Helper()
	st := store.New(nil)
	emitter := new(mocks.EmitterMock)
	failures := &failureLog{}
	q := New(st, emitter, Options{
		UserID:     "me",
		GroupID:    "g1",
		AckTimeout: timeout,
		Now:        func() time.Time { return time.Unix(30, 0).UTC() },
		OnFailed:   failures.add,
	})
	t.Cleanup(q.Close)
	return q, st, emitter, failures
}

func textDraft(body string) models.Draft {
	return models.Draft{Kind: models.KindText, Body: body}
}

func confirmedFor(id string, sec int64, body string) models.Message {
	return models.Message{ID: id, GroupID: "g1", SenderID: "me", Kind: models.KindText, Body: body, Timestamp: time.Unix(sec, 0).UTC()}
}

func TestSendInsertsPendingBeforeEmit(t *testing.T) {
	q, st, emitter, _ := setupQueue(t, time.Minute)

	emitter.On("Emit", models.EventSendMessage, mock.AnythingOfType("models.SendMessagePayload")).
		Run(func(args mock.Arguments) {
			list := st.List()
			require.Len(t, list, 1)
			require.Equal(t, models.StatePending, list[0].DeliveryState)
			payload := args.Get(1).(models.SendMessagePayload)
			require.Equal(t, "hi", payload.MessageText)
			require.Equal(t, "text", payload.MessageType)
			require.Equal(t, list[0].ID, payload.ClientID)
		}).
		Return(nil).Once()

	localID, err := q.Send(textDraft("hi"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(localID, LocalIDPrefix))
	require.Equal(t, 1, q.Pending())
	emitter.AssertExpectations(t)
}

func TestSendMediaUsesFileURL(t *testing.T) {
	q, _, emitter, _ := setupQueue(t, time.Minute)
	emitter.On("Emit", models.EventSendMessage, mock.MatchedBy(func(p models.SendMessagePayload) bool {
		return p.MessageType == "image" && p.FileURL == "https://cdn/x.png" && p.MessageText == ""
	})).Return(nil).Once()

	_, err := q.Send(models.Draft{Kind: models.KindImage, Body: "https://cdn/x.png"})
	require.NoError(t, err)
	emitter.AssertExpectations(t)
}

func TestSendRejectsInvalidDraft(t *testing.T) {
	q, st, _, _ := setupQueue(t, time.Minute)

	_, err := q.Send(textDraft(""))
	require.ErrorIs(t, err, ErrEmptyDraft)
	_, err = q.Send(models.Draft{Body: "x"})
	require.ErrorIs(t, err, ErrInvalidKind)
	require.Zero(t, st.Len())
}

func TestSendProvisionalTimestampNotBeforeLatest(t *testing.T) {
	q, st, emitter, _ := setupQueue(t, time.Minute)
	st.Insert(confirmedFor("m1", 100, "future"))
	emitter.On("Emit", mock.Anything, mock.Anything).Return(nil)

	localID, err := q.Send(textDraft("hi"))
	require.NoError(t, err)
	list := st.List()
	require.Equal(t, []string{"m1", localID}, []string{list[0].ID, list[1].ID})
}

func TestSendEmitFailureMarksFailed(t *testing.T) {
	q, st, emitter, failures := setupQueue(t, time.Minute)
	emitter.On("Emit", models.EventSendMessage, mock.Anything).Return(errTransport).Once()

	localID, err := q.Send(textDraft("hi"))
	require.ErrorIs(t, err, errTransport)

	got, ok := st.Get(localID)
	require.True(t, ok)
	require.Equal(t, models.StateFailed, got.DeliveryState)
	require.Equal(t, 1, failures.len())
	require.Zero(t, q.Pending())
}

func TestConfirmReplacesInPlace(t *testing.T) {
	q, st, emitter, _ := setupQueue(t, time.Minute)
	st.Insert(confirmedFor("m1", 10, "a"))
	st.Insert(confirmedFor("m2", 20, "b"))
	emitter.On("Emit", mock.Anything, mock.Anything).Return(nil)

	localID, err := q.Send(textDraft("hi"))
	require.NoError(t, err)

	matched, ok := q.MatchPending(confirmedFor("srv1", 30, "hi"))
	require.True(t, ok)
	require.Equal(t, localID, matched)
	require.True(t, q.OnConfirmed(localID, confirmedFor("srv1", 30, "hi")))

	list := st.List()
	require.Len(t, list, 3)
	require.Equal(t, "srv1", list[2].ID)
	require.Equal(t, localID, list[2].ClientID)
	require.Equal(t, models.StateConfirmed, list[2].DeliveryState)
	require.Zero(t, q.Pending())
}

func TestConfirmWithoutTimestampKeepsPosition(t *testing.T) {
	q, st, emitter, _ := setupQueue(t, time.Minute)
	st.Insert(confirmedFor("m1", 10, "a"))
	st.Insert(confirmedFor("m2", 20, "b"))
	emitter.On("Emit", mock.Anything, mock.Anything).Return(nil)

	localID, err := q.Send(textDraft("hi"))
	require.NoError(t, err)
	pending, ok := st.Get(localID)
	require.True(t, ok)

	confirmed := models.Message{ID: "srv1", GroupID: "g1", SenderID: "me", Kind: models.KindText, Body: "hi"}
	require.True(t, q.OnConfirmed(localID, confirmed))

	list := st.List()
	require.Len(t, list, 3)
	require.Equal(t, []string{"m1", "m2", "srv1"}, []string{list[0].ID, list[1].ID, list[2].ID})
	require.Equal(t, pending.Timestamp, list[2].Timestamp)
}

func TestLateSecondConfirmIsNoop(t *testing.T) {
	q, st, emitter, _ := setupQueue(t, time.Minute)
	emitter.On("Emit", mock.Anything, mock.Anything).Return(nil)

	localID, _ := q.Send(textDraft("hi"))
	require.True(t, q.OnConfirmed(localID, confirmedFor("srvA", 30, "hi")))
	before := st.List()

	require.False(t, q.OnConfirmed(localID, confirmedFor("srvB", 31, "hi!")))
	require.Equal(t, before, st.List())
}

func TestMatchPendingPrefersClientID(t *testing.T) {
	q, _, emitter, _ := setupQueue(t, time.Minute)
	emitter.On("Emit", mock.Anything, mock.Anything).Return(nil)

	first, _ := q.Send(textDraft("same"))
	second, _ := q.Send(textDraft("same"))

	echo := confirmedFor("srv2", 30, "same")
	echo.ClientID = second
	matched, ok := q.MatchPending(echo)
	require.True(t, ok)
	require.Equal(t, second, matched)

	matched, ok = q.MatchPending(confirmedFor("srv1", 30, "same"))
	require.True(t, ok)
	require.Equal(t, first, matched)

	foreign := confirmedFor("srv3", 30, "same")
	foreign.SenderID = "someone-else"
	_, ok = q.MatchPending(foreign)
	require.False(t, ok)

	unknown := confirmedFor("srv4", 30, "same")
	unknown.ClientID = "local-other-device"
	_, ok = q.MatchPending(unknown)
	require.False(t, ok)
}

func TestSendTimeoutMarksFailedThenRetry(t *testing.T) {
	q, st, emitter, failures := setupQueue(t, 20*time.Millisecond)
	emitter.On("Emit", models.EventSendMessage, mock.Anything).Return(nil)

	localID, err := q.Send(textDraft("hi"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return failures.len() == 1 }, time.Second, 5*time.Millisecond)
	got, _ := st.Get(localID)
	require.Equal(t, models.StateFailed, got.DeliveryState)
	require.Equal(t, 1, st.Len())

	require.NoError(t, q.Retry(localID))
	got, _ = st.Get(localID)
	require.Equal(t, models.StatePending, got.DeliveryState)
	require.True(t, q.OnConfirmed(localID, confirmedFor("srv1", 30, "hi")))
	require.ErrorIs(t, q.Retry(localID), ErrNotRetryable)
	emitter.AssertNumberOfCalls(t, "Emit", 2)
}

func TestLateConfirmAfterTimeoutReconciles(t *testing.T) {
	q, st, emitter, _ := setupQueue(t, 10*time.Millisecond)
	emitter.On("Emit", mock.Anything, mock.Anything).Return(nil)

	localID, _ := q.Send(textDraft("hi"))
	require.Eventually(t, func() bool {
		got, _ := st.Get(localID)
		return got.DeliveryState == models.StateFailed
	}, time.Second, 5*time.Millisecond)

	require.True(t, q.OnConfirmed(localID, confirmedFor("srv1", 30, "hi")))
	list := st.List()
	require.Len(t, list, 1)
	require.Equal(t, "srv1", list[0].ID)
	require.Equal(t, models.StateConfirmed, list[0].DeliveryState)
}

func TestEditOptimisticThenAck(t *testing.T) {
	q, st, emitter, failures := setupQueue(t, 20*time.Millisecond)
	st.Insert(confirmedFor("m1", 10, "hello"))
	emitter.On("Emit", models.EventEditMessage, models.EditMessagePayload{
		MessageID: "m1", NewText: "hello!", UserID: "me", GroupID: "g1",
	}).Return(nil).Once()

	require.NoError(t, q.Edit("m1", "hello!"))
	got, _ := st.Get("m1")
	require.Equal(t, "hello!", got.Body)
	require.Equal(t, models.StatePending, got.DeliveryState)
	require.Equal(t, 1, q.Pending())

	q.OnEdited("m1")
	time.Sleep(40 * time.Millisecond)
	got, _ = st.Get("m1")
	require.Equal(t, "hello!", got.Body)
	require.Zero(t, failures.len())
	emitter.AssertExpectations(t)
}

func TestEditTimeoutReverts(t *testing.T) {
	q, st, emitter, failures := setupQueue(t, 20*time.Millisecond)
	st.Insert(confirmedFor("m1", 10, "hello"))
	emitter.On("Emit", models.EventEditMessage, mock.Anything).Return(nil)

	require.NoError(t, q.Edit("m1", "first"))
	require.NoError(t, q.Edit("m1", "second"))

	require.Eventually(t, func() bool { return failures.len() == 1 }, time.Second, 5*time.Millisecond)
	got, _ := st.Get("m1")
	require.Equal(t, "hello", got.Body)
	require.Equal(t, models.StateFailed, got.DeliveryState)
	require.Zero(t, q.Pending())
}

func TestEditEmitFailureReverts(t *testing.T) {
	q, st, emitter, _ := setupQueue(t, time.Minute)
	st.Insert(confirmedFor("m1", 10, "hello"))
	emitter.On("Emit", models.EventEditMessage, mock.Anything).Return(errTransport).Once()

	require.ErrorIs(t, q.Edit("m1", "nope"), errTransport)
	got, _ := st.Get("m1")
	require.Equal(t, "hello", got.Body)
	require.Equal(t, models.StateFailed, got.DeliveryState)
}

func TestEditGuards(t *testing.T) {
	q, st, emitter, _ := setupQueue(t, time.Minute)
	emitter.On("Emit", mock.Anything, mock.Anything).Return(nil)
	st.Insert(models.Message{ID: "img", Kind: models.KindImage, Body: "u", Timestamp: time.Unix(1, 0)})
	localID, _ := q.Send(textDraft("hi"))

	require.ErrorIs(t, q.Edit("missing", "x"), ErrUnknownMessage)
	require.ErrorIs(t, q.Edit("img", "x"), ErrNotEditable)
	require.ErrorIs(t, q.Edit(localID, "x"), ErrNotConfirmed)
	require.ErrorIs(t, q.Edit("img", ""), ErrEmptyDraft)
}

func TestDeleteIsFireAndForget(t *testing.T) {
	q, st, emitter, failures := setupQueue(t, time.Minute)
	st.Insert(confirmedFor("m1", 10, "a"))
	st.Insert(confirmedFor("m2", 20, "b"))
	emitter.On("Emit", models.EventDeleteMessage, models.DeleteMessagePayload{MessageID: "m1", UserID: "me", GroupID: "g1"}).Return(nil).Once()
	emitter.On("Emit", models.EventDeleteMessage, models.DeleteMessagePayload{MessageID: "m2", UserID: "me", GroupID: "g1"}).Return(errTransport).Once()

	require.NoError(t, q.Delete("m1"))
	require.ErrorIs(t, q.Delete("m2"), errTransport)
	require.Zero(t, st.Len())
	require.Equal(t, 1, failures.len())

	require.ErrorIs(t, q.Delete("m1"), ErrUnknownMessage)
	emitter.AssertExpectations(t)
}

func TestDeletePendingSendThenLateConfirmDeletesRemotely(t *testing.T) {
	q, st, emitter, _ := setupQueue(t, time.Minute)
	emitter.On("Emit", models.EventSendMessage, mock.Anything).Return(nil).Once()
	emitter.On("Emit", models.EventDeleteMessage, models.DeleteMessagePayload{MessageID: "srv1", UserID: "me", GroupID: "g1"}).Return(nil).Once()

	localID, _ := q.Send(textDraft("oops"))
	require.NoError(t, q.Delete(localID))
	require.Zero(t, st.Len())
	require.Zero(t, q.Pending())

	echo := confirmedFor("srv1", 30, "oops")
	matched, ok := q.MatchPending(echo)
	require.True(t, ok)
	require.True(t, q.OnConfirmed(matched, echo))
	require.Zero(t, st.Len())
	emitter.AssertExpectations(t)
}

func TestClosedQueueRejectsActions(t *testing.T) {
	q, st, emitter, _ := setupQueue(t, time.Minute)
	emitter.On("Emit", mock.Anything, mock.Anything).Return(nil)
	localID, _ := q.Send(textDraft("hi"))

	q.Close()
	_, err := q.Send(textDraft("again"))
	require.ErrorIs(t, err, ErrClosed)
	require.False(t, q.OnConfirmed(localID, confirmedFor("srv1", 30, "hi")))
	got, _ := st.Get(localID)
	require.Equal(t, models.StatePending, got.DeliveryState)
}
