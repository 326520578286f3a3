package chat

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stafflink/stafflink/module/directory"
	"github.com/stafflink/stafflink/module/messagestore"
	"github.com/stafflink/stafflink/tools/security"
)

// Server is the relay service instance: explicitly constructed, injected
// into the gin routes, one per process.
type Server struct {
	conns    *ConnManager
	disp     *Dispatcher
	router   *Router
	bus      Bus
	kv       BrokerKV
	store    messagestore.Store
	resolver directory.Resolver
	jwtOpts  security.Options

	presenceTTL    time.Duration
	heartbeatEvery time.Duration

	hbMu     sync.Mutex
	lastBeat map[string]time.Time
}

type ServerConf struct {
	NodeID         string
	Manager        ManagerConf
	JWT            security.Options
	PresenceTTL    time.Duration
	HeartbeatEvery time.Duration
	FanoutWorkers  int
}

func NewServer(conf ServerConf, bus Bus, kv BrokerKV, store messagestore.Store, resolver directory.Resolver) *Server {
	if conf.PresenceTTL <= 0 {
		conf.PresenceTTL = 300 * time.Second
	}
	if conf.HeartbeatEvery <= 0 {
		conf.HeartbeatEvery = 60 * time.Second
	}

	s := &Server{
		conns:          NewConnManager(conf.Manager, conf.NodeID),
		disp:           NewDispatcher(),
		bus:            bus,
		kv:             kv,
		store:          store,
		resolver:       resolver,
		jwtOpts:        conf.JWT,
		presenceTTL:    conf.PresenceTTL,
		heartbeatEvery: conf.HeartbeatEvery,
		lastBeat:       make(map[string]time.Time),
	}

	fan := NewFanout(conf.FanoutWorkers, 1024, s.teardownSlow)
	s.router = NewRouter(conf.NodeID, s.conns, store, bus, kv, fan)
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	s.disp.Register(&authHandler{s: s})
	s.disp.Register(&joinHandler{s: s})
	s.disp.Register(&leaveHandler{s: s})
	s.disp.Register(&sendHandler{s: s})
	s.disp.Register(&typingHandler{s: s, typing: true})
	s.disp.Register(&typingHandler{s: s, typing: false})
	s.disp.Register(&readHandler{s: s})
}

// Start attaches the broker subscribers; call once before serving traffic.
func (s *Server) Start() error {
	return s.router.Start()
}

func (s *Server) Close() {
	s.conns.Close()
}

// Router exposes the fanout entry points to HTTP-layer callers.
func (s *Server) Router() *Router { return s.router }

func (s *Server) sessionRef(connID string) string {
	return s.conns.NodeID() + "/" + connID
}

// teardownSlow removes a connection that cannot drain its queue. Remaining
// recipients of the same broadcast are unaffected.
func (s *Server) teardownSlow(sess *Session) {
	s.disconnect(sess)
	sess.closeSend()
}

// ===== HTTP surface =====

// HandleHealth reports connected-session count and broker connectivity.
func (s *Server) HandleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	redisStatus := "ok"
	if p, ok := s.kv.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			redisStatus = err.Error()
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"node_id":  s.conns.NodeID(),
		"sessions": s.conns.SessionCount(),
		"broker": gin.H{
			"nats_connected": s.bus.Connected(),
			"redis":          redisStatus,
		},
	})
}

// HandleRoomDebug returns the broker-resident member set next to the
// locally-subscribed users, for diagnosing fanout discrepancies.
func (s *Server) HandleRoomDebug(c *gin.Context) {
	room := c.Param("room")
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	members, err := s.kv.RoomMembers(ctx, room)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"room":           room,
		"broker_members": members,
		"local_users":    s.conns.LocalRoomUsers(room),
	})
}

// HandleBroadcastMessage lets the CRUD layer fan out a record it already
// persisted itself.
func (s *Server) HandleBroadcastMessage(c *gin.Context) {
	var rec messagestore.Record
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.router.BroadcastMessage(c.Request.Context(), &rec); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}

type typingRequest struct {
	Room        string `json:"room" binding:"required"`
	UserID      string `json:"user_id" binding:"required"`
	DisplayName string `json:"display_name"`
	Typing      bool   `json:"typing"`
}

func (s *Server) HandleNotifyTyping(c *gin.Context) {
	var req typingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.router.NotifyTyping(c.Request.Context(), req.Room, req.UserID, req.DisplayName, req.Typing); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}

type readRequest struct {
	Room      string `json:"room" binding:"required"`
	UserID    string `json:"user_id" binding:"required"`
	MessageID string `json:"message_id"`
}

func (s *Server) HandleBroadcastRead(c *gin.Context) {
	var req readRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.router.BroadcastReadReceipt(c.Request.Context(), req.Room, req.UserID, req.MessageID); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}
