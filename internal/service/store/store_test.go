package store

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/nss-chat/backend/internal/model/chat"
)

var t0 = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

const room42 = chat.RoomKey("event:42")

type fakeHistory struct {
	mu      sync.Mutex
	calls   int
	msgs    []chat.Message
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeHistory) History(_ context.Context, _ chat.RoomKey) ([]chat.Message, error) {
	f.mu.Lock()
	f.calls++
	msgs, err := append([]chat.Message(nil), f.msgs...), f.err
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	return msgs, err
}

func (f *fakeHistory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func msg(id string, at time.Duration, content string) chat.Message {
	return chat.Message{ID: id, Room: room42, Content: content, CreatedAt: t0.Add(at)}
}

func ids(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func assertOrdered(t *testing.T, msgs []chat.Message) {
	t.Helper()
	seen := make(map[string]bool, len(msgs))
	for i, m := range msgs {
		assert.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
		if i > 0 {
			assert.False(t, m.Before(msgs[i-1]), "%s sorted before %s", m.ID, msgs[i-1].ID)
		}
	}
}

func TestSendScenario(t *testing.T) {
	hist := &fakeHistory{msgs: []chat.Message{msg("1", 0, "hi")}}
	s := New(hist, nil)

	_, err := s.LoadHistory(context.Background(), room42)
	require.NoError(t, err)

	s.Receive(msg("2", time.Second, "yo"))
	assert.Equal(t, []string{"1", "2"}, ids(s.Snapshot(room42)))

	pending := msg("tmp-1", 2*time.Second, "bye")
	pending.ClientID = "tmp-1"
	pending.State = chat.Pending
	require.NoError(t, s.Append(pending))

	snap := s.Snapshot(room42)
	assert.Equal(t, []string{"1", "2", "tmp-1"}, ids(snap))
	assert.Equal(t, chat.Pending, snap[2].State)

	confirmed := msg("3", 2*time.Second+time.Millisecond, "bye")
	confirmed.ClientID = "tmp-1"
	assert.True(t, s.Confirm("tmp-1", confirmed))

	snap = s.Snapshot(room42)
	assert.Equal(t, []string{"1", "2", "3"}, ids(snap))
	assert.Equal(t, chat.Confirmed, snap[2].State)

	var notified int
	cancel := s.Subscribe(room42, func([]chat.Message) { notified++ })
	defer cancel()
	require.Equal(t, 1, notified)

	s.Receive(confirmed)
	assert.Equal(t, []string{"1", "2", "3"}, ids(s.Snapshot(room42)))
	assert.Equal(t, 1, notified, "echo of an already confirmed message must not notify")
}

func TestEchoBeforePersistResponse(t *testing.T) {
	s := New(&fakeHistory{}, nil)

	pending := msg("tmp-1", time.Second, "bye")
	pending.ClientID = "tmp-1"
	pending.State = chat.Pending
	require.NoError(t, s.Append(pending))

	echo := msg("3", time.Second, "bye")
	echo.ClientID = "tmp-1"
	s.Receive(echo)
	assert.Equal(t, []string{"3"}, ids(s.Snapshot(room42)))

	assert.True(t, s.Confirm("tmp-1", echo))
	assert.Equal(t, []string{"3"}, ids(s.Snapshot(room42)))
}

func TestConfirmAfterResetIsDropped(t *testing.T) {
	s := New(&fakeHistory{}, nil)

	pending := msg("tmp-1", time.Second, "bye")
	pending.ClientID = "tmp-1"
	pending.State = chat.Pending
	require.NoError(t, s.Append(pending))

	s.Reset(room42)

	var notified int
	cancel := s.Subscribe(room42, func([]chat.Message) { notified++ })
	defer cancel()

	confirmed := msg("3", time.Second, "bye")
	confirmed.ClientID = "tmp-1"
	assert.False(t, s.Confirm("tmp-1", confirmed))
	assert.Empty(t, s.Snapshot(room42))
	assert.Equal(t, 1, notified)
}

func TestDuplicateLiveIDsAppearOnce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		s := New(&fakeHistory{}, nil)
		want := map[string]bool{}
		for i := 0; i < 200; i++ {
			id := strconv.Itoa(rng.Intn(40))
			want[id] = true
			s.Receive(msg(id, time.Duration(rng.Intn(20))*time.Second, "x"))
		}

		snap := s.Snapshot(room42)
		assertOrdered(t, snap)
		assert.Len(t, snap, len(want))
	}
}

func TestUpdateInPlaceAdoptsServerFields(t *testing.T) {
	s := New(&fakeHistory{}, nil)
	s.Receive(msg("1", 0, "a"))
	s.Receive(msg("2", time.Second, "b"))

	moved := msg("1", 2*time.Second, "a edited")
	s.Receive(moved)

	snap := s.Snapshot(room42)
	assert.Equal(t, []string{"2", "1"}, ids(snap))
	assert.Equal(t, "a edited", snap[1].Content)
}

func TestHistoryAndLiveInterleavings(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 30; round++ {
		var history []chat.Message
		for i := 0; i < 20; i++ {
			if rng.Intn(2) == 0 {
				history = append(history, msg(strconv.Itoa(i), time.Duration(i)*time.Second, "h"))
			}
		}
		hist := &fakeHistory{msgs: history, started: make(chan struct{}, 1), release: make(chan struct{})}
		s := New(hist, nil)

		before := rng.Intn(5)
		union := map[string]bool{}
		for _, m := range history {
			union[m.ID] = true
		}
		live := func() {
			id := rng.Intn(25)
			union[strconv.Itoa(id)] = true
			s.Receive(msg(strconv.Itoa(id), time.Duration(id)*time.Second, "l"))
		}
		for i := 0; i < before; i++ {
			live()
		}

		done := make(chan []chat.Message, 1)
		go func() {
			got, err := s.LoadHistory(context.Background(), room42)
			assert.NoError(t, err)
			done <- got
		}()
		<-hist.started

		visible := len(s.Snapshot(room42))
		during := rng.Intn(10)
		for i := 0; i < during; i++ {
			live()
		}
		assert.Len(t, s.Snapshot(room42), visible, "live events are buffered while history is in flight")

		close(hist.release)
		got := <-done

		assertOrdered(t, got)
		assert.Len(t, got, len(union))
		assert.Equal(t, got, s.Snapshot(room42))
	}
}

func TestResetDiscardsInFlightHistory(t *testing.T) {
	hist := &fakeHistory{msgs: []chat.Message{msg("1", 0, "old room")}, started: make(chan struct{}, 1), release: make(chan struct{})}
	s := New(hist, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.LoadHistory(context.Background(), room42)
		errCh <- err
	}()
	<-hist.started

	s.Reset(room42)
	close(hist.release)

	assert.ErrorIs(t, <-errCh, ErrAbandoned)
	assert.Empty(t, s.Snapshot(room42))
}

func TestCanceledLoadIsIgnored(t *testing.T) {
	hist := &fakeHistory{msgs: []chat.Message{msg("1", 0, "late")}, started: make(chan struct{}, 1), release: make(chan struct{})}
	s := New(hist, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.LoadHistory(ctx, room42)
		errCh <- err
	}()
	<-hist.started

	s.Receive(msg("2", time.Second, "live"))
	cancel()

	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, []string{"2"}, ids(s.Snapshot(room42)), "buffered live events survive a canceled load")
	close(hist.release)
}

func TestHistoryFailureKeepsLiveEvents(t *testing.T) {
	boom := errors.New("503")
	hist := &fakeHistory{err: boom, started: make(chan struct{}, 1), release: make(chan struct{})}
	s := New(hist, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.LoadHistory(context.Background(), room42)
		errCh <- err
	}()
	<-hist.started
	s.Receive(msg("5", 0, "live"))
	close(hist.release)

	err := <-errCh
	assert.ErrorIs(t, err, chat.ErrHistoryLoadFailed)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"5"}, ids(s.Snapshot(room42)))
}

func TestConcurrentLoadsShareOneRequest(t *testing.T) {
	hist := &fakeHistory{msgs: []chat.Message{msg("1", 0, "hi")}, started: make(chan struct{}, 2), release: make(chan struct{})}
	s := New(hist, nil)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.LoadHistory(context.Background(), room42)
			assert.NoError(t, err)
			assert.Equal(t, []string{"1"}, ids(got))
		}()
	}

	<-hist.started
	r := s.room(room42)
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.inflight == 2
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(hist.release)
	wg.Wait()

	assert.Equal(t, 1, hist.callCount())
}

func TestListenersOnlyObserveOrderedLists(t *testing.T) {
	s := New(&fakeHistory{}, nil)

	var observed [][]chat.Message
	cancel := s.Subscribe(room42, func(msgs []chat.Message) { observed = append(observed, msgs) })

	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 100; i++ {
		s.Receive(msg(strconv.Itoa(rng.Intn(30)), time.Duration(rng.Intn(60))*time.Second, strconv.Itoa(i)))
	}
	cancel()
	s.Receive(msg("999", 0, "after cancel"))

	require.NotEmpty(t, observed)
	for _, list := range observed {
		assertOrdered(t, list)
	}
	assert.NotContains(t, ids(observed[len(observed)-1]), "999")
}

func TestMarkFailedAndRemove(t *testing.T) {
	s := New(&fakeHistory{}, nil)
	pending := msg("tmp-9", 0, "draft")
	pending.State = chat.Pending
	require.NoError(t, s.Append(pending))
	assert.Error(t, s.Append(pending), "duplicate local ids are rejected")

	assert.True(t, s.MarkFailed(room42, "tmp-9"))
	got, ok := s.Get(room42, "tmp-9")
	require.True(t, ok)
	assert.Equal(t, chat.Failed, got.State)

	assert.False(t, s.MarkFailed(room42, "missing"))

	removed, ok := s.Remove(room42, "tmp-9")
	require.True(t, ok)
	assert.Equal(t, "draft", removed.Content)
	assert.Empty(t, s.Snapshot(room42))
}

func TestReceiveDropsMessagesWithoutIdentity(t *testing.T) {
	s := New(&fakeHistory{}, nil)
	s.Receive(chat.Message{Room: room42, Content: "no id"})
	s.Receive(chat.Message{ID: "1", Content: "no room"})
	assert.Empty(t, s.Snapshot(room42))
}
