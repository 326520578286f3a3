package chat

import (
	"context"
	"strings"
	"time"

	"github.com/stafflink/stafflink/logger"
	"github.com/stafflink/stafflink/module/messagestore"
	"github.com/stafflink/stafflink/service/storage"
	"github.com/stafflink/stafflink/tools/errs"
)

// Bus is the pub/sub side of the shared broker. Best-effort at-most-once:
// a failed publish degrades fanout, never durability.
type Bus interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(topic string, h func(ctx context.Context, data []byte)) error
	Connected() bool
}

// BrokerKV is the key-value side: TTL presence records and room member
// sets, each mutation a single atomic call.
type BrokerKV interface {
	PresenceOnline(ctx context.Context, user, sessionRef string) error
	PresenceOffline(ctx context.Context, user string) error
	PresenceLookup(ctx context.Context, user string) (*storage.PresenceRecord, bool, error)
	RoomJoin(ctx context.Context, room, user string) error
	RoomLeave(ctx context.Context, room, user string) error
	RoomMembers(ctx context.Context, room string) ([]string, error)
}

// Router delivers messages, typing signals, read receipts, presence and
// activity pings to every live session of every intended recipient across
// all instances. Persistence always precedes visibility.
type Router struct {
	node  string
	conns *ConnManager
	store messagestore.Store
	bus   Bus
	kv    BrokerKV
	fan   *Fanout
}

func NewRouter(node string, conns *ConnManager, store messagestore.Store, bus Bus, kv BrokerKV, fan *Fanout) *Router {
	return &Router{node: node, conns: conns, store: store, bus: bus, kv: kv, fan: fan}
}

// Start attaches the per-instance broker subscribers.
func (r *Router) Start() error {
	subs := map[string]func(ctx context.Context, data []byte){
		TopicMessages: r.onMessageEvent,
		TopicTyping:   r.onTypingEvent,
		TopicRead:     r.onReadEvent,
		TopicPresence: r.onPresenceEvent,
		TopicActivity: r.onActivityEvent,
	}
	for topic, h := range subs {
		if err := r.bus.Subscribe(topic, h); err != nil {
			return err
		}
	}
	return nil
}

// ---- wire payloads pushed to clients ----

type MessageSentPayload struct {
	ClientMsgID string `json:"client_msg_id,omitempty"`
	ID          string `json:"id"`
	Room        string `json:"room"`
	TimestampMS int64  `json:"timestamp_ms"`
}

type SendErrorPayload struct {
	ClientMsgID string `json:"client_msg_id,omitempty"`
	Room        string `json:"room"`
	Code        int    `json:"code"`
	Msg         string `json:"msg"`
}

type NewMessagePayload struct {
	ID          string `json:"id"`
	Room        string `json:"room"`
	SenderID    string `json:"sender_id"`
	SenderName  string `json:"sender_name,omitempty"`
	Body        string `json:"body"`
	TimestampMS int64  `json:"timestamp_ms"`
}

type PresencePayload struct {
	UserID     string `json:"user_id"`
	Status     string `json:"status"`
	LastSeenMS int64  `json:"last_seen_ms"`
}

// ---- operations driven by client frames ----

// SendMessage is persist-first: the store append must succeed before any
// broadcast. On append failure the sender alone learns, carrying its
// provisional client id; nothing is ever published.
func (r *Router) SendMessage(ctx context.Context, sess *Session, p SendPayload) error {
	if p.Room == "" {
		return errs.ErrRoomIDInvalid
	}
	if strings.TrimSpace(p.Body) == "" {
		return errs.ErrEmptyBody
	}

	rec, err := r.store.Append(ctx, p.Room, sess.UserID, sess.DisplayName, p.Body)
	if err != nil {
		logger.Errorf("[router] persist failed room=%s user=%s err=%v", p.Room, sess.UserID, err)
		r.pushTo(sess, NewServerFrame(FrameSendError, SendErrorPayload{
			ClientMsgID: p.ClientMsgID,
			Room:        p.Room,
			Code:        errs.ErrPersistFailed.Code,
			Msg:         errs.ErrPersistFailed.Msg,
		}))
		return nil
	}

	// ack only the originating connection; the broadcast path excludes the
	// sender entirely, so this is the sender's sole copy
	r.pushTo(sess, NewServerFrame(FrameMessageSent, MessageSentPayload{
		ClientMsgID: p.ClientMsgID,
		ID:          rec.ID,
		Room:        rec.Room,
		TimestampMS: rec.Timestamp.UnixMilli(),
	}))

	// past this point the message exists; fanout is best-effort and a lost
	// publish is recovered from history, not from the relay
	if err := r.publish(ctx, TopicMessages, MessageEvent{Record: *rec}); err != nil {
		logger.Warnf("[router] message publish failed, fanout degraded id=%s err=%v", rec.ID, err)
	}
	_ = r.publish(ctx, TopicActivity, ActivityEvent{Room: rec.Room, UserID: sess.UserID, Kind: "message"})
	return nil
}

// JoinRoom/LeaveRoom are idempotent set mutations plus the local index.
func (r *Router) JoinRoom(ctx context.Context, sess *Session, room string) error {
	if room == "" {
		return errs.ErrRoomIDInvalid
	}
	if err := r.kv.RoomJoin(ctx, room, sess.UserID); err != nil {
		return errs.ErrInternal.WithDetail(err.Error())
	}
	r.conns.JoinLocal(sess.UserID, room)
	return nil
}

func (r *Router) LeaveRoom(ctx context.Context, sess *Session, room string) error {
	if room == "" {
		return errs.ErrRoomIDInvalid
	}
	if err := r.kv.RoomLeave(ctx, room, sess.UserID); err != nil {
		return errs.ErrInternal.WithDetail(err.Error())
	}
	r.conns.LeaveLocal(sess.UserID, room)
	return nil
}

func (r *Router) Typing(ctx context.Context, sess *Session, room string, typing bool) error {
	if room == "" {
		return errs.ErrRoomIDInvalid
	}
	return r.NotifyTyping(ctx, room, sess.UserID, sess.DisplayName, typing)
}

func (r *Router) MarkRead(ctx context.Context, sess *Session, p ReadPayload) error {
	if p.Room == "" {
		return errs.ErrRoomIDInvalid
	}
	return r.BroadcastReadReceipt(ctx, p.Room, sess.UserID, p.MessageID)
}

// ---- server-initiated entry points (HTTP layer reuses the same fanout) ----

// BroadcastMessage relays an already-persisted record, e.g. one created by
// a REST endpoint.
func (r *Router) BroadcastMessage(ctx context.Context, rec *messagestore.Record) error {
	if rec == nil || rec.Room == "" {
		return errs.ErrRoomIDInvalid
	}
	if err := r.publish(ctx, TopicMessages, MessageEvent{Record: *rec}); err != nil {
		return errs.ErrBrokerPublish.WithDetail(err.Error())
	}
	_ = r.publish(ctx, TopicActivity, ActivityEvent{Room: rec.Room, UserID: rec.SenderID, Kind: "message"})
	return nil
}

func (r *Router) NotifyTyping(ctx context.Context, room, userID, displayName string, typing bool) error {
	err := r.publish(ctx, TopicTyping, TypingEvent{
		Room:        room,
		UserID:      userID,
		DisplayName: displayName,
		Typing:      typing,
	})
	if err != nil {
		return errs.ErrBrokerPublish.WithDetail(err.Error())
	}
	return nil
}

func (r *Router) BroadcastReadReceipt(ctx context.Context, room, userID, messageID string) error {
	err := r.publish(ctx, TopicRead, ReadEvent{Room: room, UserID: userID, MessageID: messageID})
	if err != nil {
		return errs.ErrBrokerPublish.WithDetail(err.Error())
	}
	return nil
}

// PublishPresence announces an online/offline transition together with the
// rooms this instance saw the user join.
func (r *Router) PublishPresence(ctx context.Context, userID, status string, rooms []string) {
	err := r.publish(ctx, TopicPresence, PresenceEvent{
		UserID:     userID,
		Status:     status,
		LastSeenMS: time.Now().UnixMilli(),
		Rooms:      rooms,
	})
	if err != nil {
		logger.Warnf("[router] presence publish failed user=%s status=%s err=%v", userID, status, err)
	}
}

func (r *Router) publish(ctx context.Context, topic string, ev any) error {
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	return r.bus.Publish(ctx, topic, data)
}

// ---- broker subscribers: local delivery on every instance ----

// onMessageEvent pushes the record to the local connections of every room
// member except the sender, then applies the direct-message fallback: for a
// two-party room id the non-sender participant gets the message on all
// local connections even without a join. Recipients merge keyed by conn id
// so nobody sees a duplicate.
func (r *Router) onMessageEvent(ctx context.Context, data []byte) {
	var ev MessageEvent
	if err := decodeEvent(data, &ev); err != nil {
		logger.Warnf("[router] bad message event: %v", err)
		return
	}
	rec := ev.Record

	recipients := make(map[string]*Session)

	members, err := r.kv.RoomMembers(ctx, rec.Room)
	if err != nil {
		logger.Warnf("[router] member lookup failed room=%s err=%v", rec.Room, err)
	}
	for _, user := range members {
		if user == rec.SenderID {
			continue // sender got its ack on the originating connection
		}
		for _, s := range r.conns.ListUser(user) {
			recipients[s.ConnID] = s
		}
	}

	// cold-start direct messages: the first message of a fresh conversation
	// must reach the recipient before their client ever joins the room
	if other, ok := OtherParticipant(rec.Room, rec.SenderID); ok {
		for _, s := range r.conns.ListUser(other) {
			recipients[s.ConnID] = s
		}
	}

	if len(recipients) == 0 {
		return
	}
	r.deliver(recipients, NewServerFrame(FrameNewMessage, NewMessagePayload{
		ID:          rec.ID,
		Room:        rec.Room,
		SenderID:    rec.SenderID,
		SenderName:  rec.SenderName,
		Body:        rec.Body,
		TimestampMS: rec.Timestamp.UnixMilli(),
	}))
}

// onTypingEvent excludes the originator's own connections; nothing durable
// exists before or after.
func (r *Router) onTypingEvent(ctx context.Context, data []byte) {
	var ev TypingEvent
	if err := decodeEvent(data, &ev); err != nil {
		logger.Warnf("[router] bad typing event: %v", err)
		return
	}
	recipients := r.roomRecipients(ctx, ev.Room, ev.UserID)
	if len(recipients) == 0 {
		return
	}
	r.deliver(recipients, NewServerFrame(FrameTyping, ev))
}

// onReadEvent relays to ALL member sessions, the reader's own included, so
// multi-tab read state stays consistent.
func (r *Router) onReadEvent(ctx context.Context, data []byte) {
	var ev ReadEvent
	if err := decodeEvent(data, &ev); err != nil {
		logger.Warnf("[router] bad read event: %v", err)
		return
	}
	recipients := r.roomRecipients(ctx, ev.Room, "")
	if len(recipients) == 0 {
		return
	}
	r.deliver(recipients, NewServerFrame(FrameReadReceipt, ev))
}

// onPresenceEvent updates the sessions of users sharing a room with the
// affected user, resolved against the local room index.
func (r *Router) onPresenceEvent(_ context.Context, data []byte) {
	var ev PresenceEvent
	if err := decodeEvent(data, &ev); err != nil {
		logger.Warnf("[router] bad presence event: %v", err)
		return
	}
	recipients := make(map[string]*Session)
	for _, room := range ev.Rooms {
		for _, user := range r.conns.LocalRoomUsers(room) {
			if user == ev.UserID {
				continue
			}
			for _, s := range r.conns.ListUser(user) {
				recipients[s.ConnID] = s
			}
		}
	}
	if len(recipients) == 0 {
		return
	}
	r.deliver(recipients, NewServerFrame(FramePresence, PresencePayload{
		UserID:     ev.UserID,
		Status:     ev.Status,
		LastSeenMS: ev.LastSeenMS,
	}))
}

// onActivityEvent is pure UI affordance; dropped copies cost nothing.
func (r *Router) onActivityEvent(ctx context.Context, data []byte) {
	var ev ActivityEvent
	if err := decodeEvent(data, &ev); err != nil {
		return
	}
	recipients := r.roomRecipients(ctx, ev.Room, "")
	if len(recipients) == 0 {
		return
	}
	r.deliver(recipients, NewServerFrame(FrameActivity, ev))
}

// roomRecipients collects local sessions of the room's broker-resident
// members, minus exclude's sessions when set.
func (r *Router) roomRecipients(ctx context.Context, room, exclude string) map[string]*Session {
	members, err := r.kv.RoomMembers(ctx, room)
	if err != nil {
		logger.Warnf("[router] member lookup failed room=%s err=%v", room, err)
		return nil
	}
	recipients := make(map[string]*Session)
	for _, user := range members {
		if exclude != "" && user == exclude {
			continue
		}
		for _, s := range r.conns.ListUser(user) {
			recipients[s.ConnID] = s
		}
	}
	return recipients
}

func (r *Router) deliver(recipients map[string]*Session, frame *ServerFrame) {
	payload, err := frame.Encode()
	if err != nil {
		logger.Errorf("[router] encode %s frame: %v", frame.Type, err)
		return
	}
	sessions := make([]*Session, 0, len(recipients))
	for _, s := range recipients {
		sessions = append(sessions, s)
	}
	r.fan.Broadcast(sessions, payload)
}

// pushTo sends a frame to one session, tolerating a full queue (the sweeper
// or the slow-client path will reclaim the connection).
func (r *Router) pushTo(sess *Session, frame *ServerFrame) {
	payload, err := frame.Encode()
	if err != nil {
		logger.Errorf("[router] encode %s frame: %v", frame.Type, err)
		return
	}
	if !sess.enqueue(payload) {
		logger.Warnf("[router] drop %s frame, queue full conn=%s", frame.Type, sess.ConnID)
	}
}
