package chat

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// ===== configuration =====

type ManagerConf struct {
	UnauthTTL     time.Duration    // grace period before an unauthenticated conn is swept
	AuthTTL       time.Duration    // idle lifetime of an authenticated conn
	SweepEvery    time.Duration    // sweeper period
	SendQueueSize int              // per-connection outbound queue
	Clock         func() time.Time // injectable clock for tests; nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.UnauthTTL <= 0 {
		c.UnauthTTL = 60 * time.Second
	}
	if c.AuthTTL <= 0 {
		c.AuthTTL = 2 * time.Hour
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
}

// ===== session =====

// Session is one live duplex connection. Process-local only; a user owns
// zero, one, or many concurrent Sessions.
type Session struct {
	ConnID        string
	UserID        string
	DisplayName   string
	Role          string
	Authenticated bool

	Conn   *websocket.Conn
	Remote net.Addr
	Send   chan []byte // consumed by the connection's single writer pump

	CreatedAt time.Time
	UpdatedAt time.Time
	Heartbeat time.Time

	TTL      time.Duration
	ExpireAt time.Time

	sendMu     sync.Mutex
	sendClosed bool
}

// enqueue offers a frame to the writer pump without blocking. A false
// return means the connection is gone or the client is too slow to keep
// its queue drained. The mutex makes enqueue safe against closeSend: a
// fanout worker can still hold this session after disconnect.
func (s *Session) enqueue(data []byte) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return false
	}
	select {
	case s.Send <- data:
		return true
	default:
		return false
	}
}

// closeSend shuts the outbound queue exactly once; the writer pump drains
// and closes the socket.
func (s *Session) closeSend() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return
	}
	s.sendClosed = true
	close(s.Send)
}

// ===== manager =====

// ConnManager owns the process-local connection registry: conn-id index,
// user multi-index (N sessions per user, all of which receive fanout), and
// the local room index behind the debug surface. Other instances never read
// any of this; cross-instance state lives in the broker.
type ConnManager struct {
	mu     sync.RWMutex
	byConn map[string]*Session            // conn id -> session
	byUser map[string]map[string]*Session // user -> (conn id -> session)

	// local room index: which locally-connected users have joined which
	// rooms. Advisory (UI/debug); delivery uses the broker-resident sets.
	roomUsers map[string]map[string]struct{} // room -> users
	userRooms map[string]map[string]struct{} // user -> rooms

	conf     ManagerConf
	stopOnce sync.Once
	stopCh   chan struct{}
	nodeID   string
}

func NewConnManager(conf ManagerConf, nodeID string) *ConnManager {
	conf.norm()
	m := &ConnManager{
		byConn:    make(map[string]*Session),
		byUser:    make(map[string]map[string]*Session),
		roomUsers: make(map[string]map[string]struct{}),
		userRooms: make(map[string]map[string]struct{}),
		conf:      conf,
		nodeID:    nodeID,
		stopCh:    make(chan struct{}),
	}
	go m.sweeper()
	return m
}

func (m *ConnManager) NodeID() string { return m.nodeID }

func (m *ConnManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byConn {
		closeQuiet(s.Conn)
	}
	m.byConn = map[string]*Session{}
	m.byUser = map[string]map[string]*Session{}
	m.roomUsers = map[string]map[string]struct{}{}
	m.userRooms = map[string]map[string]struct{}{}
}

// AddUnauth registers a fresh connection before authentication. It gets the
// short TTL; the sweeper reclaims it if no auth arrives in time.
func (m *ConnManager) AddUnauth(connID string, conn *websocket.Conn) (*Session, error) {
	if connID == "" {
		return nil, errors.New("connID empty")
	}
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byConn[connID]; exists {
		return nil, errors.New("connID exists")
	}
	s := &Session{
		ConnID:    connID,
		Conn:      conn,
		Send:      make(chan []byte, m.conf.SendQueueSize),
		CreatedAt: now,
		UpdatedAt: now,
		Heartbeat: now,
		TTL:       m.conf.UnauthTTL,
		ExpireAt:  now.Add(m.conf.UnauthTTL),
	}
	if conn != nil {
		if ra := conn.RemoteAddr(); ra != nil {
			s.Remote = ra
		}
	}
	m.byConn[connID] = s
	return s, nil
}

// Bind attaches a verified identity to the connection and switches it to
// the authenticated TTL.
func (m *ConnManager) Bind(connID, userID, displayName, role string) (*Session, error) {
	if connID == "" || userID == "" {
		return nil, errors.New("connID/userID empty")
	}
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byConn[connID]
	if !ok {
		return nil, errors.New("connID not found")
	}

	// rebinding to a different user moves the session between user indexes
	if s.Authenticated && s.UserID != "" && s.UserID != userID {
		m.detachFromUserLocked(s)
	}

	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]*Session)
	}
	m.byUser[userID][connID] = s

	s.UserID = userID
	s.DisplayName = displayName
	s.Role = role
	s.Authenticated = true
	s.TTL = m.conf.AuthTTL
	s.ExpireAt = now.Add(m.conf.AuthTTL)
	s.UpdatedAt = now
	s.Heartbeat = now
	return s, nil
}

// Heartbeat renews a connection's liveness and expiry.
func (m *ConnManager) Heartbeat(connID string) error {
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byConn[connID]
	if !ok {
		return errors.New("connID not found")
	}
	s.Heartbeat = now
	s.ExpireAt = now.Add(s.TTL)
	s.UpdatedAt = now
	return nil
}

// AttachPongHandler renews the connection on every pong. Errors are ignored:
// the connection may have been swept in between.
func (m *ConnManager) AttachPongHandler(conn *websocket.Conn, connID string, onPong func()) {
	if conn == nil || connID == "" {
		return
	}
	conn.SetPongHandler(func(string) error {
		_ = m.Heartbeat(connID)
		if onPong != nil {
			onPong()
		}
		return nil
	})
}

func (m *ConnManager) Get(connID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byConn[connID]
	return s, ok
}

// ListUser returns every live local session of the user.
func (m *ConnManager) ListUser(userID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mm := m.byUser[userID]
	if len(mm) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(mm))
	for _, s := range mm {
		out = append(out, s)
	}
	return out
}

// Remove drops the connection and reports whether it was the user's last
// local one (the caller then publishes the offline transition) along with
// the rooms the user had locally joined.
func (m *ConnManager) Remove(connID string) (s *Session, lastOfUser bool, rooms []string) {
	m.mu.Lock()
	s, lastOfUser, rooms = m.removeLocked(connID)
	m.mu.Unlock()
	if s != nil {
		closeQuiet(s.Conn)
	}
	return s, lastOfUser, rooms
}

func (m *ConnManager) removeLocked(connID string) (*Session, bool, []string) {
	s, ok := m.byConn[connID]
	if !ok {
		return nil, false, nil
	}
	delete(m.byConn, connID)

	lastOfUser := false
	var rooms []string
	if s.Authenticated && s.UserID != "" {
		if mm := m.byUser[s.UserID]; mm != nil {
			delete(mm, connID)
			if len(mm) == 0 {
				delete(m.byUser, s.UserID)
				lastOfUser = true
				rooms = m.dropUserRoomsLocked(s.UserID)
			}
		}
	}
	return s, lastOfUser, rooms
}

func (m *ConnManager) detachFromUserLocked(s *Session) {
	if mm := m.byUser[s.UserID]; mm != nil {
		delete(mm, s.ConnID)
		if len(mm) == 0 {
			delete(m.byUser, s.UserID)
			m.dropUserRoomsLocked(s.UserID)
		}
	}
}

// SessionCount feeds the health surface.
func (m *ConnManager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byConn)
}

// ===== local room index =====

func (m *ConnManager) JoinLocal(userID, room string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roomUsers[room] == nil {
		m.roomUsers[room] = make(map[string]struct{})
	}
	m.roomUsers[room][userID] = struct{}{}
	if m.userRooms[userID] == nil {
		m.userRooms[userID] = make(map[string]struct{})
	}
	m.userRooms[userID][room] = struct{}{}
}

func (m *ConnManager) LeaveLocal(userID, room string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if users := m.roomUsers[room]; users != nil {
		delete(users, userID)
		if len(users) == 0 {
			delete(m.roomUsers, room)
		}
	}
	if rooms := m.userRooms[userID]; rooms != nil {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(m.userRooms, userID)
		}
	}
}

// LocalRoomUsers lists locally-connected users who joined the room.
func (m *ConnManager) LocalRoomUsers(room string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := m.roomUsers[room]
	if len(users) == 0 {
		return nil
	}
	out := make([]string, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	return out
}

// UserLocalRooms lists the rooms the user joined through this instance.
func (m *ConnManager) UserLocalRooms(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rooms := m.userRooms[userID]
	if len(rooms) == 0 {
		return nil
	}
	out := make([]string, 0, len(rooms))
	for r := range rooms {
		out = append(out, r)
	}
	return out
}

func (m *ConnManager) dropUserRoomsLocked(userID string) []string {
	rooms := m.userRooms[userID]
	if len(rooms) == 0 {
		return nil
	}
	out := make([]string, 0, len(rooms))
	for r := range rooms {
		out = append(out, r)
		if users := m.roomUsers[r]; users != nil {
			delete(users, userID)
			if len(users) == 0 {
				delete(m.roomUsers, r)
			}
		}
	}
	delete(m.userRooms, userID)
	return out
}

// ===== sweeper =====

func (m *ConnManager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-t.C:
			m.SweepOnce(now)
		}
	}
}

// SweepOnce closes every connection whose TTL ran out. Closing makes the
// read loop exit, which runs the normal disconnect path (presence offline
// etc). Exported so tests can drive it with a fake clock.
func (m *ConnManager) SweepOnce(now time.Time) int {
	var expired []*Session

	m.mu.Lock()
	for connID, s := range m.byConn {
		if now.After(s.ExpireAt) {
			expired = append(expired, s)
			m.removeLocked(connID)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		closeQuiet(s.Conn)
	}
	return len(expired)
}

func closeQuiet(c *websocket.Conn) {
	if c != nil {
		_ = c.Close()
	}
}
