package dispatch

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lotbot/pkg/bus"
	"lotbot/pkg/clock"
	"lotbot/pkg/command"
	"lotbot/pkg/event"
	"lotbot/pkg/logger"
	"lotbot/pkg/lots"
	"lotbot/pkg/media"
	"lotbot/pkg/reply"
	"lotbot/pkg/state"
	"lotbot/pkg/upload"
)

const testChannel = "test"

type sentMessage struct {
	push     bool
	channel  string
	target   string
	messages []reply.Message
}

type recordingMessenger struct {
	mu       sync.Mutex
	sent     []sentMessage
	panicOn  string
	failPush bool
}

func (m *recordingMessenger) Reply(_ context.Context, channel string, replyToken string, messages []reply.Message) error {
	if m.panicOn != "" && replyToken == m.panicOn {
		panic("renderer exploded")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{channel: channel, target: replyToken, messages: messages})
	return nil
}

func (m *recordingMessenger) Push(_ context.Context, channel string, chatID string, messages []reply.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPush {
		return context.DeadlineExceeded
	}
	m.sent = append(m.sent, sentMessage{push: true, channel: channel, target: chatID, messages: messages})
	return nil
}

func (m *recordingMessenger) last(t *testing.T) sentMessage {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sent, "expected an outbound message")
	return m.sent[len(m.sent)-1]
}

func (m *recordingMessenger) lastText(t *testing.T) string {
	t.Helper()
	sent := m.last(t)
	require.NotEmpty(t, sent.messages)
	return sent.messages[0].Text
}

func (m *recordingMessenger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type recordingEvents struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recordingEvents) PublishEvent(_ context.Context, ev bus.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return true
}

func (r *recordingEvents) has(kind bus.EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == kind {
			return true
		}
	}
	return false
}

type harness struct {
	d         *Dispatcher
	clock     *clock.FakeClock
	states    *state.MemoryStore
	uploads   *upload.Aggregator
	service   *lots.Service
	messenger *recordingMessenger
	events    *recordingEvents
}

var testNow = time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()

	fake := clock.Fake(testNow)
	store, err := media.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	service := lots.NewService(lots.NewMemoryRepository(fake), store, nil, logger.Discard())
	events := &recordingEvents{}
	uploads := upload.New(service, upload.Options{
		BaseDelay:      3 * time.Second,
		PerItem:        200 * time.Millisecond,
		Ceiling:        10 * time.Second,
		WidenThreshold: 5,
		Location:       time.UTC,
		Clock:          fake,
		Events:         events,
		Log:            logger.Discard(),
	})

	states := state.NewMemoryStore(fake)
	messenger := &recordingMessenger{}
	d, err := New(Options{
		States:    states,
		Uploads:   uploads,
		Lots:      service,
		Messenger: messenger,
		Events:    events,
		Log:       logger.Discard(),
	})
	require.NoError(t, err)

	return &harness{d: d, clock: fake, states: states, uploads: uploads, service: service, messenger: messenger, events: events}
}

func direct(user string) event.Source {
	return event.Source{Type: event.SourceUser, UserID: user}
}

func group(user string, groupID string) event.Source {
	return event.Source{Type: event.SourceGroup, UserID: user, GroupID: groupID}
}

func (h *harness) text(t *testing.T, src event.Source, text string) {
	t.Helper()
	ev := event.Event{Channel: testChannel, Kind: event.KindMessage, Source: src, ReplyToken: "rt-" + text, Message: &event.Message{ID: "m", Type: event.MessageText, Text: text}}
	require.NoError(t, h.d.Handle(context.Background(), ev))
}

func (h *harness) image(t *testing.T, src event.Source, ref string) {
	t.Helper()
	ev := event.Event{Channel: testChannel, Kind: event.KindMessage, Source: src, ReplyToken: "rt-" + ref, Message: &event.Message{ID: ref, Type: event.MessageImage, Payload: []byte("jpeg-" + ref)}}
	require.NoError(t, h.d.Handle(context.Background(), ev))
}

func (h *harness) tap(t *testing.T, src event.Source, data string) {
	t.Helper()
	ev := event.Event{Channel: testChannel, Kind: event.KindPostback, Source: src, ReplyToken: "rt-tap", Postback: &event.Postback{Data: data}}
	require.NoError(t, h.d.Handle(context.Background(), ev))
}

func (h *harness) seed(t *testing.T, lot string, user string, count int) {
	t.Helper()
	items := make([]upload.Item, 0, count)
	for i := 1; i <= count; i++ {
		items = append(items, upload.Item{Ref: "seed", Payload: []byte{byte(i)}, Seq: i})
	}
	outcome, err := h.service.ProcessBatch(context.Background(), upload.Batch{UserID: user, Lot: lot, Date: testNow, Items: items})
	require.NoError(t, err)
	require.Equal(t, count, outcome.Succeeded)
}

func TestRouteDecisionTable(t *testing.T) {
	t.Parallel()

	tags := []state.Tag{state.Idle, state.WaitingForLot, state.WaitingForDate, state.WaitingForNewLot}
	for _, tag := range tags {
		for _, isCancel := range []bool{false, true} {
			for _, isCommand := range []bool{false, true} {
				want := RouteFallback
				switch {
				case isCancel:
					want = RouteCancel
				case tag != state.Idle:
					want = RouteStateInput
				case isCommand:
					want = RouteCommand
				}

				got := route(tag, isCancel, isCommand)
				if got != want {
					t.Fatalf("route(%s, cancel=%v, command=%v) = %s, want %s", tag, isCancel, isCommand, got, want)
				}
			}
		}
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.Error(t, err)
}

func TestScenarioImagesThenLot(t *testing.T) {
	h := newHarness(t)
	user := direct("u1")

	h.image(t, user, "a")
	require.Contains(t, h.messenger.lastText(t), "Got 1 photo(s)")
	h.image(t, user, "b")
	h.image(t, user, "c")

	conv := h.states.Get(state.ChatKey{UserID: "u1", ChatID: "u1"})
	require.Equal(t, state.WaitingForLot, conv.Tag)
	_, pending := h.uploads.PendingDelay("u1")
	require.False(t, pending, "no flush before the lot is known")

	h.text(t, user, "lot-100")

	session, ok := h.uploads.Session("u1")
	require.True(t, ok)
	require.Equal(t, "LOT-100", session.LotNumber())
	require.Len(t, session.Items, 3)
	for i, item := range session.Items {
		require.Equal(t, i+1, item.Seq)
	}
	require.Equal(t, 1, h.uploads.Stats().ActiveTimers)
	require.Contains(t, h.messenger.lastText(t), "Saving 3 photo(s) to lot LOT-100")
	require.Equal(t, state.Idle, h.states.Get(state.ChatKey{UserID: "u1", ChatID: "u1"}).Tag)

	h.clock.Advance(3 * time.Second)

	_, images, err := h.service.Images(context.Background(), "LOT-100", testNow)
	require.NoError(t, err)
	require.Len(t, images, 3)
	require.Equal(t, "LOT-100_20261016_001.jpg", images[0].Filename)

	last := h.messenger.last(t)
	require.True(t, last.push)
	require.Equal(t, "u1", last.target)
	require.Contains(t, last.messages[0].Text, "Saved 3 photo(s) to lot LOT-100")
}

func TestScenarioUploadBurstWidensDelay(t *testing.T) {
	h := newHarness(t)
	user := direct("u1")

	h.text(t, user, "#up LOT-5")
	require.Contains(t, h.messenger.lastText(t), "Upload mode on for lot LOT-5")

	h.image(t, user, "img-1")
	h.clock.Advance(time.Second)
	for i := 2; i <= 16; i++ {
		h.image(t, user, "img-"+string(rune('a'+i)))
	}

	delay, ok := h.uploads.PendingDelay("u1")
	require.True(t, ok)
	require.Equal(t, 6200*time.Millisecond, delay)

	h.clock.Advance(6 * time.Second)
	_, stillPending := h.uploads.Session("u1")
	require.True(t, stillPending)

	h.clock.Advance(200 * time.Millisecond)
	_, stillPending = h.uploads.Session("u1")
	require.False(t, stillPending)

	_, images, err := h.service.Images(context.Background(), "LOT-5", testNow)
	require.NoError(t, err)
	require.Len(t, images, 16)
	for i, img := range images {
		require.Equal(t, i+1, img.Seq)
	}
	require.True(t, h.events.has(bus.EventBatchFlushed))
}

func TestScenarioCancelWhileWaitingForLot(t *testing.T) {
	h := newHarness(t)
	user := direct("u1")
	key := state.ChatKey{UserID: "u1", ChatID: "u1"}

	h.image(t, user, "a")
	h.image(t, user, "b")
	require.Equal(t, state.WaitingForLot, h.states.Get(key).Tag)

	h.text(t, user, "#cancel")

	require.Equal(t, state.Idle, h.states.Get(key).Tag)
	_, ok := h.uploads.Session("u1")
	require.False(t, ok)
	require.Contains(t, h.messenger.lastText(t), "Cancelled. 2 pending photo(s)")
}

func TestScenarioUnfollowClearsEveryChat(t *testing.T) {
	h := newHarness(t)

	h.states.Set(state.ChatKey{UserID: "u1", ChatID: "c1"}, state.WaitingForLot, map[string]string{state.DataFlow: "view"})
	h.states.Set(state.ChatKey{UserID: "u1", ChatID: "c2"}, state.WaitingForDate, nil)
	h.states.SetUploadMode(state.ChatKey{UserID: "u1", ChatID: "c1"}, "LOT-1")
	h.states.SetUploadMode(state.ChatKey{UserID: "u1", ChatID: "c2"}, "LOT-2")
	h.states.Set(state.ChatKey{UserID: "u2", ChatID: "c1"}, state.WaitingForLot, nil)

	ev := event.Event{Channel: testChannel, Kind: event.KindUnfollow, Source: direct("u1")}
	require.NoError(t, h.d.Handle(context.Background(), ev))

	require.Equal(t, state.Idle, h.states.Get(state.ChatKey{UserID: "u1", ChatID: "c1"}).Tag)
	require.Equal(t, state.Idle, h.states.Get(state.ChatKey{UserID: "u1", ChatID: "c2"}).Tag)
	_, ok := h.states.UploadMode(state.ChatKey{UserID: "u1", ChatID: "c1"})
	require.False(t, ok)
	_, ok = h.states.UploadMode(state.ChatKey{UserID: "u1", ChatID: "c2"})
	require.False(t, ok)
	require.Equal(t, state.WaitingForLot, h.states.Get(state.ChatKey{UserID: "u2", ChatID: "c1"}).Tag)

	// A second unfollow finds nothing and still succeeds.
	require.NoError(t, h.d.Handle(context.Background(), ev))
	require.Zero(t, h.messenger.count())
}

func TestFollowSendsWelcome(t *testing.T) {
	h := newHarness(t)

	ev := event.Event{Channel: testChannel, Kind: event.KindFollow, Source: direct("u1"), ReplyToken: "rt"}
	require.NoError(t, h.d.Handle(context.Background(), ev))
	require.Contains(t, h.messenger.lastText(t), "Welcome")
}

func TestGroupChatFiltering(t *testing.T) {
	h := newHarness(t)
	member := group("u1", "g1")
	key := state.ChatKey{UserID: "u1", ChatID: "g1"}

	h.text(t, member, "good morning everyone")
	h.image(t, member, "a")
	require.Zero(t, h.messenger.count())
	_, ok := h.uploads.Session("u1")
	require.False(t, ok)

	h.text(t, member, "#view")
	require.Contains(t, h.messenger.lastText(t), "include the lot number")
	require.Equal(t, state.Idle, h.states.Get(key).Tag)

	h.text(t, member, "#correct LOT-1")
	require.Contains(t, h.messenger.lastText(t), "direct chat")

	before := h.messenger.count()
	h.tap(t, member, "action=bogus")
	h.tap(t, member, event.EncodePostback(event.ActionView, event.ParamLot, "NOPE"))
	h.tap(t, member, event.EncodePostback(event.ActionCancel))
	require.Equal(t, before, h.messenger.count(), "taps in group chats are ignored")
	require.Equal(t, state.Idle, h.states.Get(key).Tag)

	h.text(t, member, "#up LOT-9")
	h.image(t, member, "b")

	session, ok := h.uploads.Session("u1")
	require.True(t, ok)
	require.Equal(t, "LOT-9", session.LotNumber())
	require.Equal(t, "g1", session.Origin.ChatID)
}

func TestGroupViewAndDeleteAreText(t *testing.T) {
	h := newHarness(t)
	member := group("u1", "g1")
	key := state.ChatKey{UserID: "u1", ChatID: "g1"}
	h.seed(t, "LOT-1", "u1", 2)

	h.text(t, member, "#view lot-1")
	dates := h.messenger.last(t).messages[0]
	require.Contains(t, dates.Text, "Lot LOT-1 has photos on: 2026-10-16")
	require.Empty(t, dates.Buttons)
	require.Equal(t, state.Idle, h.states.Get(key).Tag)

	h.text(t, member, "#view LOT-1 2026-10-16")
	list := h.messenger.last(t).messages[0]
	require.Contains(t, list.Text, "Lot LOT-1, 2026-10-16: 2 photo(s)")
	require.Contains(t, list.Text, "LOT-1_20261016_002.jpg")
	require.Empty(t, list.Buttons)
	require.Equal(t, state.Idle, h.states.Get(key).Tag)

	h.text(t, member, "#view NOPE")
	require.Contains(t, h.messenger.lastText(t), "not found")

	h.text(t, member, "#delete LOT-1")
	require.Contains(t, h.messenger.lastText(t), "direct chat")
	require.Equal(t, state.Idle, h.states.Get(key).Tag)

	_, images, err := h.service.Images(context.Background(), "LOT-1", testNow)
	require.NoError(t, err)
	require.Len(t, images, 2)
}

func TestCancelFromIdle(t *testing.T) {
	h := newHarness(t)
	user := direct("u1")

	h.text(t, user, "#cancel")
	require.Contains(t, h.messenger.lastText(t), "nothing to cancel")

	h.text(t, user, "#up LOT-1")
	h.image(t, user, "a")
	h.text(t, user, "#ยกเลิก")

	_, mode := h.states.UploadMode(state.ChatKey{UserID: "u1", ChatID: "u1"})
	require.False(t, mode)
	session, ok := h.uploads.Session("u1")
	require.True(t, ok, "tagged photos still flush after leaving upload mode")
	require.Equal(t, "LOT-1", session.LotNumber())
}

func TestCancelWinsOverStateInput(t *testing.T) {
	h := newHarness(t)
	user := direct("u1")

	h.text(t, user, "#view")
	require.Equal(t, state.WaitingForLot, h.states.Get(state.ChatKey{UserID: "u1", ChatID: "u1"}).Tag)

	h.text(t, user, "/cancel")
	require.Equal(t, state.Idle, h.states.Get(state.ChatKey{UserID: "u1", ChatID: "u1"}).Tag)
	require.Contains(t, h.messenger.lastText(t), "Cancelled")
}

func TestCommandTextWhileWaitingIsStateInput(t *testing.T) {
	h := newHarness(t)
	user := direct("u1")

	h.text(t, user, "#up")
	h.text(t, user, "#help")

	// "#help" is taken as the lot number the flow asked for.
	mode, ok := h.states.UploadMode(state.ChatKey{UserID: "u1", ChatID: "u1"})
	require.True(t, ok)
	require.Equal(t, "#HELP", mode.Lot)
}

func TestSwitchingLotsFlushesPendingBatch(t *testing.T) {
	h := newHarness(t)
	user := direct("u1")

	h.text(t, user, "#up LOT-A")
	h.image(t, user, "a1")
	h.image(t, user, "a2")
	h.text(t, user, "#up LOT-B")

	_, images, err := h.service.Images(context.Background(), "LOT-A", testNow)
	require.NoError(t, err)
	require.Len(t, images, 2)

	h.image(t, user, "b1")
	session, ok := h.uploads.Session("u1")
	require.True(t, ok)
	require.Equal(t, "LOT-B", session.LotNumber())
	require.Equal(t, 1, session.Items[0].Seq)
}

func TestViewFlow(t *testing.T) {
	h := newHarness(t)
	user := direct("u1")
	key := state.ChatKey{UserID: "u1", ChatID: "u1"}
	h.seed(t, "LOT-1", "u1", 2)

	h.text(t, user, "#view")
	h.text(t, user, "lot-1")

	conv := h.states.Get(key)
	require.Equal(t, state.WaitingForDate, conv.Tag)
	require.Equal(t, "LOT-1", conv.Value(state.DataLot))

	picker := h.messenger.last(t).messages[0]
	require.Equal(t, "2026-10-16", picker.Buttons[0].Label)
	require.Equal(t, "Cancel", picker.Buttons[len(picker.Buttons)-1].Label)

	h.tap(t, user, picker.Buttons[0].Data)
	require.Equal(t, state.Idle, h.states.Get(key).Tag)
	require.Contains(t, h.messenger.lastText(t), "Lot LOT-1, 2026-10-16: 2 photo(s)")
}

func TestViewFlowDateInput(t *testing.T) {
	h := newHarness(t)
	user := direct("u1")
	key := state.ChatKey{UserID: "u1", ChatID: "u1"}
	h.seed(t, "LOT-1", "u1", 2)

	h.text(t, user, "#view LOT-1")
	h.text(t, user, "2026-10-16")

	require.Equal(t, state.Idle, h.states.Get(key).Tag)
	list := h.messenger.last(t).messages[0]
	require.Contains(t, list.Text, "Lot LOT-1, 2026-10-16: 2 photo(s)")
	require.Contains(t, list.Text, "LOT-1_20261016_002.jpg")
	require.Len(t, list.Buttons, 4)
}

func TestViewUnknownLot(t *testing.T) {
	h := newHarness(t)

	h.text(t, direct("u1"), "#view NOPE")
	require.Contains(t, h.messenger.lastText(t), "not found")
	require.Equal(t, state.Idle, h.states.Get(state.ChatKey{UserID: "u1", ChatID: "u1"}).Tag)
}

func TestInvalidDateKeepsWaiting(t *testing.T) {
	h := newHarness(t)
	user := direct("u1")
	h.seed(t, "LOT-1", "u1", 1)

	h.text(t, user, "#view LOT-1")
	h.text(t, user, "tomorrow-ish")

	require.Equal(t, state.WaitingForDate, h.states.Get(state.ChatKey{UserID: "u1", ChatID: "u1"}).Tag)
	require.Contains(t, h.messenger.lastText(t), "Please try again")
}

func TestDeleteFlowWithConfirmation(t *testing.T) {
	h := newHarness(t)
	user := direct("u1")
	h.seed(t, "LOT-1", "u1", 3)

	h.tap(t, user, event.EncodePostback(event.ActionSelectDate, event.ParamFlow, "delete", event.ParamLot, "LOT-1", event.ParamDate, "2026-10-16"))
	confirm := h.messenger.last(t).messages[0]
	require.Contains(t, confirm.Text, "Delete all 3 photo(s)")
	require.Equal(t, "Yes, delete", confirm.Buttons[0].Label)

	h.tap(t, user, confirm.Buttons[0].Data)
	require.Contains(t, h.messenger.lastText(t), "Deleted 3 photo(s) of lot LOT-1")

	_, _, err := h.service.Images(context.Background(), "LOT-1", testNow)
	require.Error(t, err)
}

func TestDeleteSingleImage(t *testing.T) {
	h := newHarness(t)
	user := direct("u1")
	h.seed(t, "LOT-1", "u1", 2)

	h.tap(t, user, event.EncodePostback(event.ActionView, event.ParamLot, "LOT-1", event.ParamDate, "2026-10-16"))
	list := h.messenger.last(t).messages[0]
	require.Equal(t, "Delete 1", list.Buttons[0].Label)

	h.tap(t, user, list.Buttons[0].Data)
	require.Contains(t, h.messenger.lastText(t), "Deleted LOT-1_20261016_001.jpg")

	_, images, err := h.service.Images(context.Background(), "LOT-1", testNow)
	require.NoError(t, err)
	require.Len(t, images, 1)
}

func TestCorrectFlow(t *testing.T) {
	h := newHarness(t)
	user := direct("u1")
	key := state.ChatKey{UserID: "u1", ChatID: "u1"}
	h.seed(t, "LOT-1", "u1", 2)

	h.text(t, user, "#correct LOT-1 2026-10-16")
	conv := h.states.Get(key)
	require.Equal(t, state.WaitingForNewLot, conv.Tag)
	require.Equal(t, "2026-10-16", conv.Value(state.DataDate))

	h.text(t, user, "LOT-2")
	require.Equal(t, state.Idle, h.states.Get(key).Tag)
	require.Contains(t, h.messenger.lastText(t), "Moved 2 photo(s) from lot LOT-1 to lot LOT-2")

	_, images, err := h.service.Images(context.Background(), "LOT-2", testNow)
	require.NoError(t, err)
	require.Len(t, images, 2)
	require.Equal(t, "LOT-2_20261016_001.jpg", images[0].Filename)
}

func TestShareToTarget(t *testing.T) {
	h := newHarness(t)
	user := direct("u1")
	h.seed(t, "LOT-1", "u1", 1)
	h.text(t, group("u1", "g9"), "morning")
	require.Zero(t, h.messenger.count())

	h.tap(t, user, event.EncodePostback(event.ActionShare, event.ParamLot, "LOT-1", event.ParamDate, "2026-10-16", event.ParamTarget, "g9"))

	h.messenger.mu.Lock()
	sent := append([]sentMessage(nil), h.messenger.sent...)
	h.messenger.mu.Unlock()

	require.Len(t, sent, 2)
	require.True(t, sent[0].push)
	require.Equal(t, "g9", sent[0].target)
	require.Contains(t, sent[0].messages[0].Text, "LOT-1_20261016_001.jpg")
	require.Contains(t, sent[1].messages[0].Text, "Shared lot LOT-1")
}

func TestShareRejectsUnseenTarget(t *testing.T) {
	h := newHarness(t)
	user := direct("u1")
	h.seed(t, "LOT-1", "u1", 1)
	share := event.EncodePostback(event.ActionShare, event.ParamLot, "LOT-1", event.ParamDate, "2026-10-16", event.ParamTarget, "g9")

	h.text(t, group("u2", "g9"), "hello")
	h.tap(t, user, share)

	sent := h.messenger.last(t)
	require.False(t, sent.push)
	require.Equal(t, 1, h.messenger.count())
	require.Contains(t, sent.messages[0].Text, "No chat g9")

	h.text(t, group("u1", "g9"), "hello")
	require.NoError(t, h.d.Handle(context.Background(), event.Event{Channel: testChannel, Kind: event.KindUnfollow, Source: user}))
	h.tap(t, user, share)

	require.Equal(t, 2, h.messenger.count())
	require.False(t, h.messenger.last(t).push, "unfollow forgets known chats")
}

func TestUnknownPostback(t *testing.T) {
	h := newHarness(t)

	h.tap(t, direct("u1"), "action=launch_rockets")
	require.Contains(t, h.messenger.lastText(t), "can't process")

	h.tap(t, direct("u1"), "%zz")
	require.Contains(t, h.messenger.lastText(t), "can't process")
}

func TestPostbackCancelClearsState(t *testing.T) {
	h := newHarness(t)
	user := direct("u1")

	h.text(t, user, "#delete")
	h.tap(t, user, event.EncodePostback(event.ActionCancel))

	require.Equal(t, state.Idle, h.states.Get(state.ChatKey{UserID: "u1", ChatID: "u1"}).Tag)
}

func TestImageWhileWaitingForOtherInputIsBusy(t *testing.T) {
	h := newHarness(t)
	user := direct("u1")

	h.text(t, user, "#view")
	h.image(t, user, "a")

	require.Contains(t, h.messenger.lastText(t), "finish the current step")
	_, ok := h.uploads.Session("u1")
	require.False(t, ok)
}

func TestFallbackForUnknownText(t *testing.T) {
	h := newHarness(t)

	h.text(t, direct("u1"), "hello bot")
	require.Contains(t, h.messenger.lastText(t), "didn't understand")
}

func TestStatusReport(t *testing.T) {
	h := newHarness(t)
	user := direct("u1")

	h.text(t, user, "#up LOT-3")
	h.image(t, user, "a")
	h.text(t, user, "#status")

	report := h.messenger.lastText(t)
	require.Contains(t, report, "Upload mode: lot LOT-3")
	require.Contains(t, report, "Pending photos: 1 (LOT-3)")
}

func TestHandleRecoversPanics(t *testing.T) {
	h := newHarness(t)
	h.messenger.panicOn = "rt-#help"

	require.NotPanics(t, func() {
		h.text(t, direct("u1"), "#help")
	})
	require.True(t, h.events.has(bus.EventDispatchPanic))
}

func TestAliasesResolveToSameFlow(t *testing.T) {
	h := newHarness(t)

	for _, token := range command.DefaultTable().Tokens(command.KeyHelp) {
		h.text(t, direct("u1"), token)
		require.True(t, strings.HasPrefix(h.messenger.lastText(t), "Commands:"), token)
	}
}
