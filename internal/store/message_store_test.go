package store

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-client/internal/models"
)

func at(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func msg(id string, sec int64, body string) models.Message {
	return models.Message{ID: id, GroupID: "g1", SenderID: "u1", Kind: models.KindText, Body: body, Timestamp: at(sec)}
}

func ids(list []models.Message) []string {
	out := make([]string, 0, len(list))
	for _, m := range list {
		out = append(out, m.ID)
	}
	return out
}

func TestInsertKeepsTimestampOrderStableOnTies(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		s := New(nil)
		type entry struct {
			id  string
			ts  int64
			seq int
		}
		var inserted []entry
		for i := 0; i < 200; i++ {
			e := entry{id: fmt.Sprintf("m%d", i), ts: rng.Int63n(40), seq: i}
			inserted = append(inserted, e)
			require.True(t, s.Insert(msg(e.id, e.ts, "")))
		}

		sort.SliceStable(inserted, func(i, j int) bool { return inserted[i].ts < inserted[j].ts })
		want := make([]string, 0, len(inserted))
		for _, e := range inserted {
			want = append(want, e.id)
		}
		require.Equal(t, want, ids(s.List()), "round %d", round)
	}
}

func TestInsertDuplicateIsNoop(t *testing.T) {
	s := New(nil)
	require.True(t, s.Insert(msg("m1", 10, "first")))
	before := s.List()

	require.False(t, s.Insert(msg("m1", 99, "second")))
	require.Equal(t, before, s.List())
}

func TestLoadSkipsDuplicatesAndNotifiesOnce(t *testing.T) {
	s := New(nil)
	s.Insert(msg("m2", 20, ""))

	calls := 0
	s.Subscribe(func([]models.Message) { calls++ })

	added := s.Load([]models.Message{msg("m1", 10, ""), msg("m2", 20, ""), msg("m3", 30, "")})
	require.Equal(t, 2, added)
	require.Equal(t, 1, calls)
	require.Equal(t, []string{"m1", "m2", "m3"}, ids(s.List()))

	require.Zero(t, s.Load([]models.Message{msg("m1", 10, "")}))
	require.Equal(t, 1, calls)
}

func TestReplaceKeepsPosition(t *testing.T) {
	s := New(nil)
	s.Insert(msg("m1", 10, ""))
	pending := msg("local-1", 30, "hi")
	pending.DeliveryState = models.StatePending
	s.Insert(pending)
	s.Insert(msg("m3", 40, ""))

	confirmed := msg("srv1", 30, "hi")
	require.True(t, s.Replace("local-1", confirmed))

	require.Equal(t, []string{"m1", "srv1", "m3"}, ids(s.List()))
	got, ok := s.Get("srv1")
	require.True(t, ok)
	require.Equal(t, models.StateConfirmed, got.DeliveryState)
	_, ok = s.Get("local-1")
	require.False(t, ok)
}

func TestReplaceResortsWhenServerTimestampMoves(t *testing.T) {
	s := New(nil)
	s.Insert(msg("m1", 10, ""))
	s.Insert(msg("local-1", 30, "hi"))
	s.Insert(msg("m3", 40, ""))

	require.True(t, s.Replace("local-1", msg("srv1", 50, "hi")))
	require.Equal(t, []string{"m1", "m3", "srv1"}, ids(s.List()))
}

func TestReplaceWhenConfirmedAlreadyPresent(t *testing.T) {
	s := New(nil)
	s.Insert(msg("local-1", 30, "hi"))
	s.Insert(msg("srv1", 30, "hi"))

	require.True(t, s.Replace("local-1", msg("srv1", 30, "hi")))
	require.Equal(t, []string{"srv1"}, ids(s.List()))
}

func TestReplaceMissingIsSoftFailure(t *testing.T) {
	s := New(nil)
	s.Insert(msg("m1", 10, ""))

	require.False(t, s.Replace("local-x", msg("srv1", 20, "")))
	require.Equal(t, []string{"m1"}, ids(s.List()))
}

func TestUpdateAppliesPatch(t *testing.T) {
	s := New(nil)
	s.Insert(msg("m1", 10, "hello"))

	body := "hello!"
	editedAt := at(15)
	require.NoError(t, s.Update("m1", Patch{Body: &body, EditedAt: &editedAt}))

	got, _ := s.Get("m1")
	require.Equal(t, "hello!", got.Body)
	require.NotNil(t, got.EditedAt)
	require.True(t, got.EditedAt.Equal(editedAt))
}

func TestUpdateMissingReturnsNotFound(t *testing.T) {
	s := New(nil)
	body := "x"
	require.ErrorIs(t, s.Update("nope", Patch{Body: &body}), ErrNotFound)
}

func TestRemoveIsIdempotent(t *testing.T) {
	s := New(nil)
	s.Insert(msg("m1", 10, ""))
	s.Insert(msg("m2", 20, ""))

	require.True(t, s.Remove("m1"))
	once := s.List()
	require.False(t, s.Remove("m1"))
	require.Equal(t, once, s.List())
}

func TestRemoveBeforeInsertDoesNotBlockInsert(t *testing.T) {
	s := New(nil)
	require.False(t, s.Remove("m9"))
	require.True(t, s.Insert(msg("m9", 90, "late")))
	require.Equal(t, []string{"m9"}, ids(s.List()))
}

func TestSubscribersReceiveOrderedSnapshots(t *testing.T) {
	s := New(nil)
	var a, b [][]string
	unsubA := s.Subscribe(func(list []models.Message) { a = append(a, ids(list)) })
	s.Subscribe(func(list []models.Message) { b = append(b, ids(list)) })

	s.Insert(msg("m2", 20, ""))
	s.Insert(msg("m1", 10, ""))
	unsubA()
	unsubA()
	s.Remove("m2")

	assert.Equal(t, [][]string{{"m2"}, {"m1", "m2"}}, a)
	assert.Equal(t, [][]string{{"m2"}, {"m1", "m2"}, {"m1"}}, b)
}

func TestSubscriberPanicIsContained(t *testing.T) {
	s := New(nil)
	var seen int
	s.Subscribe(func([]models.Message) { panic("boom") })
	s.Subscribe(func(list []models.Message) { seen = len(list) })

	require.NotPanics(t, func() { s.Insert(msg("m1", 10, "")) })
	require.Equal(t, 1, seen)
}

func TestResetDropsMessagesAndSubscribers(t *testing.T) {
	s := New(nil)
	calls := 0
	s.Subscribe(func([]models.Message) { calls++ })
	s.Insert(msg("m1", 10, ""))

	s.Reset()
	require.Zero(t, s.Len())
	s.Insert(msg("m2", 20, ""))
	require.Equal(t, 1, calls)
}

func TestLatest(t *testing.T) {
	s := New(nil)
	require.True(t, s.Latest().IsZero())
	s.Insert(msg("m1", 10, ""))
	s.Insert(msg("m2", 5, ""))
	require.True(t, s.Latest().Equal(at(10)))
}
