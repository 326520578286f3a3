package chat

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/stafflink/stafflink/logger"
	"github.com/stafflink/stafflink/service/storage"
	"github.com/stafflink/stafflink/tools/errs"
	"github.com/stafflink/stafflink/tools/ids"
	"github.com/stafflink/stafflink/tools/safe"
)

const (
	pingInterval   = 25 * time.Second
	writeWait      = 10 * time.Second
	firstPingDelay = 5 * time.Second
)

// origin checking happens in the gin middleware before the upgrade is ever
// attempted, so the upgrader itself accepts
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// HandleWS upgrades the connection, registers the unauthenticated session
// and runs the read loop. One writer pump per connection; readers never
// write to the socket.
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade failed: %v", err)
		return
	}

	connID := ids.GenerateString()
	sess, err := s.conns.AddUnauth(connID, ws)
	if err != nil {
		logger.Errorf("[ws] register conn failed: %v", err)
		_ = ws.Close()
		return
	}

	s.conns.AttachPongHandler(ws, connID, func() { s.heartbeatPresence(sess) })

	pumpDone := make(chan struct{})
	safe.Go("ws-writer-"+connID, func() { s.writerPump(sess, pumpDone) })

	s.router.pushTo(sess, NewServerFrame(FrameConnAck, gin.H{
		"conn_id":          connID,
		"node_id":          s.conns.NodeID(),
		"ping_interval_ms": pingInterval.Milliseconds(),
	}))

	s.readLoop(sess)

	s.disconnect(sess)
	sess.closeSend() // stops the writer pump, which closes the socket
	<-pumpDone
}

func (s *Server) readLoop(sess *Session) {
	ws := sess.Conn
	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[ws] peer closed conn=%s user=%s", sess.ConnID, sess.UserID)
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Infof("[ws] read timeout conn=%s err=%v", sess.ConnID, rerr)
			} else {
				logger.Infof("[ws] read err conn=%s err=%v", sess.ConnID, rerr)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		frame, perr := ParseClientFrame(data)
		if perr != nil {
			s.replyError(sess, perr)
			continue
		}

		// per-connection ordering: frames are handled inline, in the order
		// received; remote calls inside handlers suspend only this conn
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.disp.Dispatch(ctx, sess, frame)
		cancel()
		if err != nil {
			s.replyError(sess, err)
		}
	}
}

// writerPump is the connection's single writer: outbound frames, keepalive
// pings, and the final close.
func (s *Server) writerPump(sess *Session, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	first := time.NewTimer(firstPingDelay)
	defer func() {
		ticker.Stop()
		first.Stop()
		_ = sess.Conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = sess.Conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = sess.Conn.Close()
		close(done)
	}()

	for {
		select {
		case payload, ok := <-sess.Send:
			if !ok {
				return
			}
			_ = sess.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.Conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Infof("[ws] write err conn=%s user=%s err=%v", sess.ConnID, sess.UserID, err)
				return
			}

		case <-first.C:
			if err := s.writePing(sess); err != nil {
				return
			}

		case <-ticker.C:
			if err := s.writePing(sess); err != nil {
				return
			}
		}
	}
}

func (s *Server) writePing(sess *Session) error {
	_ = sess.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return sess.Conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait))
}

// heartbeatPresence refreshes the TTL record off the pong path, rate-limited
// by the configured heartbeat interval.
func (s *Server) heartbeatPresence(sess *Session) {
	if !sess.Authenticated {
		return
	}
	s.hbMu.Lock()
	last := s.lastBeat[sess.UserID]
	now := time.Now()
	if now.Sub(last) < s.heartbeatEvery {
		s.hbMu.Unlock()
		return
	}
	s.lastBeat[sess.UserID] = now
	s.hbMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.kv.PresenceOnline(ctx, sess.UserID, s.sessionRef(sess.ConnID)); err != nil {
		logger.Warnf("[ws] presence heartbeat failed user=%s err=%v", sess.UserID, err)
	}
}

// disconnect tears down the registry entry; if this was the user's last
// local connection the offline transition is published (the presence TTL is
// the backstop when that publish is lost).
func (s *Server) disconnect(sess *Session) {
	removed, lastOfUser, rooms := s.conns.Remove(sess.ConnID)
	if removed == nil {
		return
	}
	if !lastOfUser || sess.UserID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.kv.PresenceOffline(ctx, sess.UserID); err != nil {
		logger.Warnf("[ws] presence offline failed user=%s err=%v", sess.UserID, err)
	}
	s.router.PublishPresence(ctx, sess.UserID, storage.StatusOffline, rooms)

	s.hbMu.Lock()
	delete(s.lastBeat, sess.UserID)
	s.hbMu.Unlock()

	logger.Infof("[ws] user fully disconnected here user=%s", sess.UserID)
}

func (s *Server) replyError(sess *Session, err error) {
	ce, ok := err.(*errs.CodeError)
	if !ok {
		ce = errs.ErrInternal
	}
	s.router.pushTo(sess, ErrorFrame(ce))
}

func (s *Server) authFail(sess *Session, ce *errs.CodeError) {
	// surfaced on-connection; the socket stays open for a retry
	s.router.pushTo(sess, NewServerFrame(FrameAuthError, ce))
}
