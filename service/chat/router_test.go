package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stafflink/stafflink/module/messagestore"
	"github.com/stafflink/stafflink/service/storage"
	"github.com/stafflink/stafflink/tools/errs"
)

// ---- in-memory collaborators ----

type published struct {
	Topic string
	Data  []byte
}

// fakeBus records publishes; tests drive the subscriber callbacks directly.
type fakeBus struct {
	mu       sync.Mutex
	events   []published
	failNext bool
}

func (b *fakeBus) Publish(_ context.Context, topic string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext {
		b.failNext = false
		return errs.ErrBrokerPublish
	}
	b.events = append(b.events, published{Topic: topic, Data: append([]byte(nil), data...)})
	return nil
}

func (b *fakeBus) Subscribe(string, func(ctx context.Context, data []byte)) error { return nil }
func (b *fakeBus) Connected() bool                                                { return true }

func (b *fakeBus) byTopic(topic string) []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []published
	for _, e := range b.events {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

// fakeKV is the broker key-value side backed by plain maps.
type fakeKV struct {
	mu       sync.Mutex
	rooms    map[string]map[string]struct{}
	presence map[string]string
}

func newFakeKV() *fakeKV {
	return &fakeKV{rooms: map[string]map[string]struct{}{}, presence: map[string]string{}}
}

func (kv *fakeKV) PresenceOnline(_ context.Context, user, ref string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.presence[user] = ref
	return nil
}

func (kv *fakeKV) PresenceOffline(_ context.Context, user string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.presence, user)
	return nil
}

func (kv *fakeKV) PresenceLookup(_ context.Context, user string) (*storage.PresenceRecord, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	ref, ok := kv.presence[user]
	if !ok {
		return nil, false, nil
	}
	return &storage.PresenceRecord{Status: storage.StatusOnline, SessionRef: ref}, true, nil
}

func (kv *fakeKV) RoomJoin(_ context.Context, room, user string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.rooms[room] == nil {
		kv.rooms[room] = map[string]struct{}{}
	}
	kv.rooms[room][user] = struct{}{}
	return nil
}

func (kv *fakeKV) RoomLeave(_ context.Context, room, user string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if m := kv.rooms[room]; m != nil {
		delete(m, user)
	}
	return nil
}

func (kv *fakeKV) RoomMembers(_ context.Context, room string) ([]string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	var out []string
	for u := range kv.rooms[room] {
		out = append(out, u)
	}
	return out, nil
}

// fakeStore appends in memory; fail makes the next append error out.
type fakeStore struct {
	mu   sync.Mutex
	recs []messagestore.Record
	fail bool
	seq  int
}

func (s *fakeStore) Append(_ context.Context, room, senderID, senderName, body string) (*messagestore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errs.ErrPersistFailed
	}
	s.seq++
	rec := messagestore.Record{
		ID:         "m" + string(rune('0'+s.seq)),
		Room:       room,
		SenderID:   senderID,
		SenderName: senderName,
		Body:       body,
		Timestamp:  time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	s.recs = append(s.recs, rec)
	return &rec, nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

// ---- harness ----

type routerHarness struct {
	conns *ConnManager
	bus   *fakeBus
	kv    *fakeKV
	store *fakeStore
	r     *Router
}

func newRouterHarness(t *testing.T) *routerHarness {
	t.Helper()
	h := &routerHarness{
		conns: newTestManager(newFakeClock()),
		bus:   &fakeBus{},
		kv:    newFakeKV(),
		store: &fakeStore{},
	}
	t.Cleanup(h.conns.Close)
	fan := NewFanout(1, 16, nil)
	h.r = NewRouter("node-test", h.conns, h.store, h.bus, h.kv, fan)
	return h
}

func (h *routerHarness) session(t *testing.T, connID, userID string) *Session {
	t.Helper()
	if _, err := h.conns.AddUnauth(connID, nil); err != nil {
		t.Fatalf("AddUnauth(%s): %v", connID, err)
	}
	s, err := h.conns.Bind(connID, userID, userID, "member")
	if err != nil {
		t.Fatalf("Bind(%s): %v", connID, err)
	}
	return s
}

// member registers the user in the broker set and the local index, the way
// JoinRoom does.
func (h *routerHarness) member(t *testing.T, room, userID string) {
	t.Helper()
	if err := h.kv.RoomJoin(context.Background(), room, userID); err != nil {
		t.Fatalf("RoomJoin: %v", err)
	}
	h.conns.JoinLocal(userID, room)
}

func recvFrame(t *testing.T, s *Session) *ServerFrame {
	t.Helper()
	select {
	case data := <-s.Send:
		var f ServerFrame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("bad frame %s: %v", data, err)
		}
		return &f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame arrived")
		return nil
	}
}

func expectNoFrame(t *testing.T, s *Session) {
	t.Helper()
	select {
	case data := <-s.Send:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func payloadField(t *testing.T, f *ServerFrame, key string) any {
	t.Helper()
	m, ok := f.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload is %T", f.Payload)
	}
	return m[key]
}

// ---- sendMessage ----

func TestSendMessagePersistsBeforePublishing(t *testing.T) {
	h := newRouterHarness(t)
	alice := h.session(t, "a1", "alice")

	err := h.r.SendMessage(context.Background(), alice, SendPayload{Room: "hr-general", Body: "hello", ClientMsgID: "tmp-1"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if h.store.count() != 1 {
		t.Fatalf("store count = %d", h.store.count())
	}

	ack := recvFrame(t, alice)
	if ack.Type != FrameMessageSent {
		t.Fatalf("ack type = %q", ack.Type)
	}
	if got := payloadField(t, ack, "client_msg_id"); got != "tmp-1" {
		t.Fatalf("client_msg_id = %v", got)
	}
	if got := payloadField(t, ack, "id"); got == "" || got == nil {
		t.Fatal("ack must carry the durable id")
	}

	if n := len(h.bus.byTopic(TopicMessages)); n != 1 {
		t.Fatalf("message publishes = %d", n)
	}
	if n := len(h.bus.byTopic(TopicActivity)); n != 1 {
		t.Fatalf("activity publishes = %d", n)
	}
}

func TestSendMessagePersistFailureStaysPrivate(t *testing.T) {
	h := newRouterHarness(t)
	h.store.fail = true
	alice := h.session(t, "a1", "alice")

	err := h.r.SendMessage(context.Background(), alice, SendPayload{Room: "hr-general", Body: "hello", ClientMsgID: "tmp-9"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	f := recvFrame(t, alice)
	if f.Type != FrameSendError {
		t.Fatalf("frame type = %q", f.Type)
	}
	if got := payloadField(t, f, "client_msg_id"); got != "tmp-9" {
		t.Fatalf("client_msg_id = %v", got)
	}
	if len(h.bus.events) != 0 {
		t.Fatalf("nothing may be published on persist failure, got %d", len(h.bus.events))
	}
}

func TestSendMessageValidation(t *testing.T) {
	h := newRouterHarness(t)
	alice := h.session(t, "a1", "alice")

	if err := h.r.SendMessage(context.Background(), alice, SendPayload{Room: "", Body: "x"}); errs.Code(err) != errs.ErrRoomIDInvalid.Code {
		t.Fatalf("empty room: %v", err)
	}
	if err := h.r.SendMessage(context.Background(), alice, SendPayload{Room: "hr-general", Body: "   "}); errs.Code(err) != errs.ErrEmptyBody.Code {
		t.Fatalf("blank body: %v", err)
	}
	if h.store.count() != 0 {
		t.Fatal("invalid sends must not reach the store")
	}
}

func TestSendMessagePublishFailureKeepsAck(t *testing.T) {
	h := newRouterHarness(t)
	h.bus.failNext = true
	alice := h.session(t, "a1", "alice")

	err := h.r.SendMessage(context.Background(), alice, SendPayload{Room: "hr-general", Body: "hello"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if h.store.count() != 1 {
		t.Fatal("record must stay durable")
	}
	if f := recvFrame(t, alice); f.Type != FrameMessageSent {
		t.Fatalf("sender must still be acked, got %q", f.Type)
	}
}

// ---- fanout ----

func (h *routerHarness) messageEvent(t *testing.T, rec messagestore.Record) {
	t.Helper()
	data, err := encodeEvent(MessageEvent{Record: rec})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	h.r.onMessageEvent(context.Background(), data)
}

func TestMessageFanoutExcludesSenderIncludesAllSessions(t *testing.T) {
	h := newRouterHarness(t)
	aliceA := h.session(t, "a1", "alice")
	aliceB := h.session(t, "a2", "alice")
	bob1 := h.session(t, "b1", "bob")
	bob2 := h.session(t, "b2", "bob")
	h.member(t, "hr-general", "alice")
	h.member(t, "hr-general", "bob")

	h.messageEvent(t, messagestore.Record{
		ID: "m1", Room: "hr-general", SenderID: "alice", Body: "hi", Timestamp: time.Now(),
	})

	for _, s := range []*Session{bob1, bob2} {
		f := recvFrame(t, s)
		if f.Type != FrameNewMessage {
			t.Fatalf("conn %s: type = %q", s.ConnID, f.Type)
		}
		if got := payloadField(t, f, "sender_id"); got != "alice" {
			t.Fatalf("sender_id = %v", got)
		}
	}
	expectNoFrame(t, aliceA)
	expectNoFrame(t, aliceB)
}

func TestDirectMessageColdStart(t *testing.T) {
	h := newRouterHarness(t)
	bob := h.session(t, "b1", "bob")

	room, err := DirectRoomID("alice", "bob")
	if err != nil {
		t.Fatalf("DirectRoomID: %v", err)
	}
	// nobody has joined the room yet; the recipient is recovered from the id
	h.messageEvent(t, messagestore.Record{
		ID: "m1", Room: room, SenderID: "alice", Body: "first contact", Timestamp: time.Now(),
	})

	if f := recvFrame(t, bob); f.Type != FrameNewMessage {
		t.Fatalf("type = %q", f.Type)
	}
}

func TestDirectMessageNoDuplicateWhenJoined(t *testing.T) {
	h := newRouterHarness(t)
	bob := h.session(t, "b1", "bob")

	room, err := DirectRoomID("alice", "bob")
	if err != nil {
		t.Fatalf("DirectRoomID: %v", err)
	}
	// member AND direct participant: both paths resolve bob, one copy lands
	h.member(t, room, "bob")

	h.messageEvent(t, messagestore.Record{
		ID: "m1", Room: room, SenderID: "alice", Body: "hi", Timestamp: time.Now(),
	})

	if f := recvFrame(t, bob); f.Type != FrameNewMessage {
		t.Fatalf("type = %q", f.Type)
	}
	expectNoFrame(t, bob)
}

func TestTypingExcludesOriginatorAndStoresNothing(t *testing.T) {
	h := newRouterHarness(t)
	alice := h.session(t, "a1", "alice")
	bob := h.session(t, "b1", "bob")
	h.member(t, "hr-general", "alice")
	h.member(t, "hr-general", "bob")

	data, err := encodeEvent(TypingEvent{Room: "hr-general", UserID: "alice", Typing: true})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	h.r.onTypingEvent(context.Background(), data)

	f := recvFrame(t, bob)
	if f.Type != FrameTyping {
		t.Fatalf("type = %q", f.Type)
	}
	if got, _ := payloadField(t, f, "typing").(bool); !got {
		t.Fatal("typing flag lost")
	}
	expectNoFrame(t, alice)
	if h.store.count() != 0 {
		t.Fatal("typing must never touch the store")
	}
}

func TestReadReceiptReachesReaderToo(t *testing.T) {
	h := newRouterHarness(t)
	aliceA := h.session(t, "a1", "alice")
	aliceB := h.session(t, "a2", "alice")
	bob := h.session(t, "b1", "bob")
	h.member(t, "hr-general", "alice")
	h.member(t, "hr-general", "bob")

	data, err := encodeEvent(ReadEvent{Room: "hr-general", UserID: "alice", MessageID: "m7"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	h.r.onReadEvent(context.Background(), data)

	// the reader's other tabs need the receipt to clear their own badges
	for _, s := range []*Session{aliceA, aliceB, bob} {
		f := recvFrame(t, s)
		if f.Type != FrameReadReceipt {
			t.Fatalf("conn %s: type = %q", s.ConnID, f.Type)
		}
		if got := payloadField(t, f, "message_id"); got != "m7" {
			t.Fatalf("message_id = %v", got)
		}
	}
}

func TestPresenceTargetsSharedRoomsOnly(t *testing.T) {
	h := newRouterHarness(t)
	bob := h.session(t, "b1", "bob")
	carl := h.session(t, "c1", "carl")
	h.member(t, "hr-general", "bob")
	h.member(t, "offtopic", "carl")

	data, err := encodeEvent(PresenceEvent{
		UserID: "alice", Status: storage.StatusOffline, LastSeenMS: 123, Rooms: []string{"hr-general"},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	h.r.onPresenceEvent(context.Background(), data)

	f := recvFrame(t, bob)
	if f.Type != FramePresence {
		t.Fatalf("type = %q", f.Type)
	}
	if got := payloadField(t, f, "status"); got != storage.StatusOffline {
		t.Fatalf("status = %v", got)
	}
	expectNoFrame(t, carl)
}

func TestMalformedEventIsDropped(t *testing.T) {
	h := newRouterHarness(t)
	bob := h.session(t, "b1", "bob")
	h.member(t, "hr-general", "bob")

	h.r.onMessageEvent(context.Background(), []byte("{not json"))
	h.r.onTypingEvent(context.Background(), []byte("{not json"))
	h.r.onReadEvent(context.Background(), []byte("{not json"))
	expectNoFrame(t, bob)
}

// ---- join / leave ----

func TestJoinLeaveRoom(t *testing.T) {
	h := newRouterHarness(t)
	alice := h.session(t, "a1", "alice")
	ctx := context.Background()

	if err := h.r.JoinRoom(ctx, alice, "hr-general"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if err := h.r.JoinRoom(ctx, alice, "hr-general"); err != nil {
		t.Fatalf("repeat JoinRoom: %v", err)
	}
	members, err := h.kv.RoomMembers(ctx, "hr-general")
	if err != nil {
		t.Fatalf("RoomMembers: %v", err)
	}
	if len(members) != 1 || members[0] != "alice" {
		t.Fatalf("members = %v", members)
	}
	if users := h.conns.LocalRoomUsers("hr-general"); len(users) != 1 {
		t.Fatalf("local users = %v", users)
	}

	if err := h.r.LeaveRoom(ctx, alice, "hr-general"); err != nil {
		t.Fatalf("LeaveRoom: %v", err)
	}
	if err := h.r.LeaveRoom(ctx, alice, "hr-general"); err != nil {
		t.Fatalf("repeat LeaveRoom: %v", err)
	}
	members, _ = h.kv.RoomMembers(ctx, "hr-general")
	if len(members) != 0 {
		t.Fatalf("members = %v", members)
	}

	if err := h.r.JoinRoom(ctx, alice, ""); errs.Code(err) != errs.ErrRoomIDInvalid.Code {
		t.Fatalf("empty room join: %v", err)
	}
}

// ---- server-initiated entry points ----

func TestBroadcastMessageRelaysExistingRecord(t *testing.T) {
	h := newRouterHarness(t)

	rec := &messagestore.Record{ID: "m1", Room: "hr-general", SenderID: "alice", Body: "posted via REST", Timestamp: time.Now()}
	if err := h.r.BroadcastMessage(context.Background(), rec); err != nil {
		t.Fatalf("BroadcastMessage: %v", err)
	}
	if h.store.count() != 0 {
		t.Fatal("relay must not re-persist")
	}
	if n := len(h.bus.byTopic(TopicMessages)); n != 1 {
		t.Fatalf("message publishes = %d", n)
	}

	if err := h.r.BroadcastMessage(context.Background(), nil); errs.Code(err) != errs.ErrRoomIDInvalid.Code {
		t.Fatalf("nil record: %v", err)
	}
}

func TestNotifyTypingPublishFailure(t *testing.T) {
	h := newRouterHarness(t)
	h.bus.failNext = true
	err := h.r.NotifyTyping(context.Background(), "hr-general", "alice", "Alice", true)
	if errs.Code(err) != errs.ErrBrokerPublish.Code {
		t.Fatalf("want broker-publish error, got %v", err)
	}
}
