package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/api"
	"github.com/dgnsrekt/chatsync/internal/auth"
	"github.com/dgnsrekt/chatsync/internal/brokertest"
	"github.com/dgnsrekt/chatsync/internal/data"
	"github.com/dgnsrekt/chatsync/internal/readtrack"
	"github.com/dgnsrekt/chatsync/internal/realtime"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeAPI serves canned pages and records acknowledgements.
type fakeAPI struct {
	mu        sync.Mutex
	rooms     []data.RoomSummary
	messages  map[int64][]data.ChatMessage
	acks      []int64
	roomCalls int
	msgCalls  int
}

var _ api.Client = (*fakeAPI)(nil)

func (f *fakeAPI) ListRooms(_ context.Context, _ string, _ int) (data.RoomListPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roomCalls++
	return data.RoomListPage{Items: append([]data.RoomSummary(nil), f.rooms...)}, nil
}

func (f *fakeAPI) ListMessages(_ context.Context, roomID int64, _ string, _ int) (data.MessagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgCalls++
	return data.MessagePage{Items: append([]data.ChatMessage(nil), f.messages[roomID]...)}, nil
}

func (f *fakeAPI) AckRead(_ context.Context, _ int64, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, messageID)
	return nil
}

func (f *fakeAPI) DeleteMessage(context.Context, int64, int64) error { return nil }

func (f *fakeAPI) setMessages(roomID int64, msgs ...data.ChatMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[roomID] = msgs
}

func (f *fakeAPI) ackedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.acks...)
}

func (f *fakeAPI) calls() (rooms, messages int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roomCalls, f.msgCalls
}

// recorder captures rendered messages and emitted events.
type recorder struct {
	mu       sync.Mutex
	rendered []int64
	updated  []int64
	events   []Event
}

func (r *recorder) render(m data.ChatMessage, updated bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if updated {
		r.updated = append(r.updated, m.MessageID)
		return
	}
	r.rendered = append(r.rendered, m.MessageID)
}

func (r *recorder) Emit(_ string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev, ok := payload.(Event); ok {
		r.events = append(r.events, ev)
	}
}

func (r *recorder) renderedIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.rendered...)
}

func (r *recorder) updatedIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.updated...)
}

func (r *recorder) count(kind string, applied bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind && ev.Applied == applied {
			n++
		}
	}
	return n
}

func (r *recorder) total(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func text(id int64, content string) data.ChatMessage {
	return data.ChatMessage{MessageID: id, RoomID: 42, SenderID: 1, Type: data.MessageTypeText, Content: &content}
}

type harness struct {
	broker *brokertest.Broker
	conn   *realtime.Manager
	api    *fakeAPI
	rec    *recorder
	deps   Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := brokertest.New(t)

	m, err := realtime.NewManager(realtime.Config{
		URL:       b.URL(),
		BaseDelay: time.Second,
		MaxDelay:  30 * time.Second,
	}, auth.StaticToken("tok"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(m.Close)

	fake := &fakeAPI{messages: make(map[int64][]data.ChatMessage)}
	cache := data.NewCache()
	rec := &recorder{}

	h := &harness{
		broker: b,
		conn:   m,
		api:    fake,
		rec:    rec,
		deps: Deps{
			Conn:   m,
			Loader: NewLoader(fake, cache, zap.NewNop()),
			Cache:  cache,
			Unread: readtrack.NewUnread(),
			Events: rec,
			Logger: zap.NewNop(),
		},
	}
	h.deps.Feeds = NewFeeds(h.deps)

	m.Connect()
	require.Eventually(t, func() bool { return m.Status() == realtime.StatusConnected }, waitFor, tick)
	return h
}

func (h *harness) openRoom(t *testing.T, userID int64) *RoomView {
	t.Helper()
	v, err := OpenRoom(context.Background(), h.deps, h.api.AckRead, RoomOptions{
		RoomID:   42,
		UserID:   userID,
		PageSize: 30,
		Render:   h.rec.render,
	})
	require.NoError(t, err)
	t.Cleanup(v.Close)

	require.Eventually(t, func() bool {
		return h.broker.Subscribers(realtime.RoomTopic(42)) == 1
	}, waitFor, tick)
	return v
}

func TestRoomView_InsertRenderAndAck(t *testing.T) {
	h := newHarness(t)
	h.api.setMessages(42, text(10, "a"), text(11, "b"))

	v := h.openRoom(t, 0)
	assert.Equal(t, []int64{10, 11}, h.rec.renderedIDs())

	// Opening acknowledges the newest loaded message.
	v.Tracker().Wait()
	assert.Equal(t, []int64{11}, h.api.ackedIDs())

	h.broker.Publish(realtime.RoomTopic(42), text(12, "c"))
	require.Eventually(t, func() bool { return len(h.rec.renderedIDs()) == 3 }, waitFor, tick)
	assert.Equal(t, []int64{10, 11, 12}, h.rec.renderedIDs())

	var got []int64
	for _, m := range v.Messages() {
		got = append(got, m.MessageID)
	}
	assert.Equal(t, []int64{10, 11, 12}, got)

	// Far from the bottom nothing is acknowledged.
	assert.False(t, v.OnScroll(500))
	require.True(t, v.OnScroll(0))
	v.Tracker().Wait()
	assert.Equal(t, []int64{11, 12}, h.api.ackedIDs())
}

func TestRoomView_DuplicateIgnored(t *testing.T) {
	h := newHarness(t)
	h.api.setMessages(42, text(10, "a"), text(11, "b"))
	v := h.openRoom(t, 0)

	h.broker.Publish(realtime.RoomTopic(42), text(11, "b"))
	h.broker.Publish(realtime.RoomTopic(42), text(12, "c"))

	require.Eventually(t, func() bool { return h.rec.count(EventRoomMessage, true) == 1 }, waitFor, tick)
	assert.Equal(t, 1, h.rec.count(EventRoomMessage, false))
	assert.Equal(t, []int64{10, 11, 12}, h.rec.renderedIDs())
	assert.Len(t, v.Messages(), 3)
}

func TestRoomView_SoftDelete(t *testing.T) {
	h := newHarness(t)
	h.api.setMessages(42, text(10, "a"), text(11, "b"))
	v := h.openRoom(t, 0)

	h.broker.Publish(realtime.RoomTopic(42), text(11, "b").SoftDeleted())

	require.Eventually(t, func() bool { return len(h.rec.updatedIDs()) == 1 }, waitFor, tick)
	msgs := v.Messages()
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].IsDeleted)
	assert.Nil(t, msgs[1].Content)
	assert.Equal(t, int64(11), msgs[1].MessageID)
}

func TestRoomView_CacheMissRefetches(t *testing.T) {
	h := newHarness(t)
	h.api.setMessages(42, text(10, "a"))
	h.openRoom(t, 0)

	h.deps.Cache.InvalidateMessages(42)
	h.api.setMessages(42, text(10, "a"), text(13, "d"))
	h.broker.Publish(realtime.RoomTopic(42), text(13, "d"))

	require.Eventually(t, func() bool {
		ids := h.rec.renderedIDs()
		return len(ids) == 2 && ids[1] == 13
	}, waitFor, tick)
	assert.Equal(t, 1, h.rec.count(EventRefetch, false))

	_, msgCalls := h.api.calls()
	assert.Equal(t, 2, msgCalls)
}

func TestRoomView_CloseUnbinds(t *testing.T) {
	h := newHarness(t)
	h.api.setMessages(42, text(10, "a"))
	v := h.openRoom(t, 7)
	require.Eventually(t, func() bool {
		return h.broker.Subscribers(realtime.UserTopic(7)) == 1
	}, waitFor, tick)

	v.Close()
	require.Eventually(t, func() bool {
		return h.broker.Subscribers(realtime.RoomTopic(42)) == 0 &&
			h.broker.Subscribers(realtime.UserTopic(7)) == 0
	}, waitFor, tick)
	assert.Empty(t, h.conn.Stats().Destinations)

	// Idempotent.
	v.Close()
}

func TestRoomView_OpenRoomNotCountedUnread(t *testing.T) {
	h := newHarness(t)
	h.api.setMessages(42, text(10, "a"))
	h.openRoom(t, 7)
	require.Eventually(t, func() bool {
		return h.broker.Subscribers(realtime.UserTopic(7)) == 1
	}, waitFor, tick)

	h.broker.Publish(realtime.UserTopic(7), data.RoomNotification{RoomID: 42})
	h.broker.Publish(realtime.UserTopic(7), data.RoomNotification{RoomID: 5})

	require.Eventually(t, func() bool { return h.deps.Unread.Count(5) == 1 }, waitFor, tick)
	assert.Equal(t, 0, h.deps.Unread.Count(42))
}

func TestInbox_NotificationFanOut(t *testing.T) {
	h := newHarness(t)
	h.api.rooms = []data.RoomSummary{
		{RoomID: 1, Title: "general", UnreadCount: 2},
		{RoomID: 2, Title: "random"},
	}

	in, err := OpenInbox(context.Background(), h.deps, 7, data.RoomListKey{PageSize: 20})
	require.NoError(t, err)
	t.Cleanup(in.Close)

	// A second variant of the same rooms.
	_, err = h.deps.Loader.LoadRooms(context.Background(), data.RoomListKey{PageSize: 50})
	require.NoError(t, err)

	assert.Equal(t, 2, h.deps.Unread.Count(1))
	require.Eventually(t, func() bool {
		return h.broker.Subscribers(realtime.UserTopic(7)) == 1
	}, waitFor, tick)
	assert.Equal(t, 0, h.broker.Subscribers(realtime.RoomTopic(1)))

	preview := "hello"
	h.broker.Publish(realtime.UserTopic(7), data.RoomNotification{RoomID: 2, LastMessageContent: &preview})

	require.Eventually(t, func() bool { return h.rec.count(EventRoomNotification, true) == 1 }, waitFor, tick)
	for _, key := range h.deps.Cache.RoomListKeys() {
		list, ok := h.deps.Cache.RoomList(key)
		require.True(t, ok)
		require.NotNil(t, list.Pages[0].Items[1].LastMessageContent)
		assert.Equal(t, "hello", *list.Pages[0].Items[1].LastMessageContent)
	}
	assert.Equal(t, "hello", *in.Rooms()[1].LastMessageContent)
	assert.Equal(t, 1, h.deps.Unread.Count(2))
	assert.Equal(t, 3, h.deps.Unread.Total())
}

func TestInbox_UnknownRoomRefetches(t *testing.T) {
	h := newHarness(t)
	h.api.rooms = []data.RoomSummary{{RoomID: 1}}

	in, err := OpenInbox(context.Background(), h.deps, 7, data.RoomListKey{PageSize: 20, Filter: FilterUnread})
	require.NoError(t, err)
	t.Cleanup(in.Close)
	assert.Empty(t, in.Rooms(), "filtered out: nothing unread")

	require.Eventually(t, func() bool {
		return h.broker.Subscribers(realtime.UserTopic(7)) == 1
	}, waitFor, tick)

	h.api.mu.Lock()
	h.api.rooms = []data.RoomSummary{{RoomID: 1}, {RoomID: 9, UnreadCount: 1}}
	h.api.mu.Unlock()
	h.broker.Publish(realtime.UserTopic(7), data.RoomNotification{RoomID: 9})

	require.Eventually(t, func() bool {
		rooms := in.Rooms()
		return len(rooms) == 1 && rooms[0].RoomID == 9
	}, waitFor, tick)
	assert.Equal(t, 1, h.rec.count(EventRefetch, false))

	roomCalls, _ := h.api.calls()
	assert.Equal(t, 2, roomCalls)
}

func TestRoomView_RefetchSkipsRenderedMessages(t *testing.T) {
	h := newHarness(t)
	h.api.setMessages(42, text(10, "a"), text(11, "b"))
	v := h.openRoom(t, 0)
	v.Tracker().Wait()

	// Rendered but not acknowledged.
	h.broker.Publish(realtime.RoomTopic(42), text(12, "c"))
	require.Eventually(t, func() bool { return len(h.rec.renderedIDs()) == 3 }, waitFor, tick)

	h.deps.Cache.InvalidateMessages(42)
	h.api.setMessages(42, text(10, "a"), text(11, "b"), text(12, "c"), text(13, "d"))
	h.broker.Publish(realtime.RoomTopic(42), text(13, "d"))

	require.Eventually(t, func() bool { return len(h.rec.renderedIDs()) >= 4 }, waitFor, tick)
	v.work.Close()
	assert.Equal(t, []int64{10, 11, 12, 13}, h.rec.renderedIDs())
}

func TestFeeds_InboxAndRoomShareUserChannel(t *testing.T) {
	h := newHarness(t)
	h.api.rooms = []data.RoomSummary{{RoomID: 5}, {RoomID: 42}}
	h.api.setMessages(42, text(10, "a"))

	in, err := OpenInbox(context.Background(), h.deps, 7, data.RoomListKey{PageSize: 20})
	require.NoError(t, err)
	v := h.openRoom(t, 7)
	require.Eventually(t, func() bool {
		return h.broker.Subscribers(realtime.UserTopic(7)) == 1
	}, waitFor, tick)

	h.broker.Publish(realtime.UserTopic(7), data.RoomNotification{RoomID: 5})
	h.broker.Publish(realtime.UserTopic(7), data.RoomNotification{RoomID: 42})
	require.Eventually(t, func() bool { return h.rec.total(EventRoomNotification) >= 2 }, waitFor, tick)

	assert.Equal(t, 2, h.rec.total(EventRoomNotification))
	assert.Equal(t, 1, h.deps.Unread.Count(5))
	assert.Equal(t, 0, h.deps.Unread.Count(42))

	// The room keeps the channel after the inbox closes.
	in.Close()
	assert.Equal(t, 1, h.broker.Subscribers(realtime.UserTopic(7)))
	h.broker.Publish(realtime.UserTopic(7), data.RoomNotification{RoomID: 5})
	require.Eventually(t, func() bool { return h.deps.Unread.Count(5) == 2 }, waitFor, tick)

	v.Close()
	require.Eventually(t, func() bool {
		return h.broker.Subscribers(realtime.UserTopic(7)) == 0
	}, waitFor, tick)
}

func TestOpenInbox_RequiresFeeds(t *testing.T) {
	h := newHarness(t)
	deps := h.deps
	deps.Feeds = nil
	_, err := OpenInbox(context.Background(), deps, 7, data.RoomListKey{PageSize: 20})
	assert.ErrorIs(t, err, errNoFeeds)
}
