package chat

import (
	"context"

	"github.com/pkg/errors"

	"github.com/stafflink/stafflink/logger"
	"github.com/stafflink/stafflink/module/directory"
	"github.com/stafflink/stafflink/service/storage"
	"github.com/stafflink/stafflink/tools/errs"
	"github.com/stafflink/stafflink/tools/security"
)

// ---- authenticate ----

type AuthOKPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	// client keepalive policy
	PingIntervalMS int64 `json:"ping_interval_ms"`
	PresenceTTLMS  int64 `json:"presence_ttl_ms"`
}

type authHandler struct{ s *Server }

func (h *authHandler) Type() string       { return FrameAuthenticate }
func (h *authHandler) RequiresAuth() bool { return false }

// Handle verifies the token, resolves the directory identity and binds it
// to the session. Failure is answered on the same connection without
// closing it; the client may retry with a fresh token. Identity is never
// bound on any failure path.
func (h *authHandler) Handle(ctx context.Context, sess *Session, f *ClientFrame) error {
	var p AuthPayload
	if err := decodePayload(f, &p); err != nil {
		h.s.authFail(sess, errs.ErrAuthFailed.WithDetail("missing payload"))
		return nil
	}
	if p.Token == "" {
		h.s.authFail(sess, errs.ErrTokenInvalid.WithDetail("empty token"))
		return nil
	}

	subject, err := security.VerifySubject(h.s.jwtOpts, p.Token)
	if err != nil {
		h.s.authFail(sess, errs.ErrTokenInvalid)
		return nil
	}

	// subject may be the canonical id or a legacy employee number; the
	// resolver tries primary then secondary key
	profile, err := h.s.resolver.Resolve(ctx, subject)
	if errors.Is(err, directory.ErrNotFound) {
		h.s.authFail(sess, errs.ErrAccountNotFound)
		return nil
	}
	if err != nil {
		logger.Errorf("[auth] directory lookup failed subject=%s err=%v", subject, err)
		h.s.authFail(sess, errs.ErrAuthFailed)
		return nil
	}
	if !profile.Active() {
		h.s.authFail(sess, errs.ErrAccountInactive)
		return nil
	}

	// Bind mutates the registered session in place; sess is that object
	if _, err := h.s.conns.Bind(sess.ConnID, profile.UserID, profile.DisplayName, profile.Role); err != nil {
		h.s.authFail(sess, errs.ErrAuthFailed.WithDetail(err.Error()))
		return nil
	}

	// presence record + online transition; a failed write degrades presence
	// only, the session itself is live
	if err := h.s.kv.PresenceOnline(ctx, profile.UserID, h.s.sessionRef(sess.ConnID)); err != nil {
		logger.Warnf("[auth] presence online failed user=%s err=%v", profile.UserID, err)
	}
	h.s.router.PublishPresence(ctx, profile.UserID, storage.StatusOnline, h.s.conns.UserLocalRooms(profile.UserID))

	h.s.router.pushTo(sess, NewServerFrame(FrameAuthOK, AuthOKPayload{
		UserID:         profile.UserID,
		DisplayName:    profile.DisplayName,
		Role:           profile.Role,
		PingIntervalMS: pingInterval.Milliseconds(),
		PresenceTTLMS:  h.s.presenceTTL.Milliseconds(),
	}))
	logger.Infof("[auth] bound conn=%s user=%s role=%s", sess.ConnID, profile.UserID, profile.Role)
	return nil
}

// ---- join / leave ----

type joinHandler struct{ s *Server }

func (h *joinHandler) Type() string       { return FrameJoin }
func (h *joinHandler) RequiresAuth() bool { return true }
func (h *joinHandler) Handle(ctx context.Context, sess *Session, f *ClientFrame) error {
	var p RoomPayload
	if err := decodePayload(f, &p); err != nil {
		return err
	}
	return h.s.router.JoinRoom(ctx, sess, p.Room)
}

type leaveHandler struct{ s *Server }

func (h *leaveHandler) Type() string       { return FrameLeave }
func (h *leaveHandler) RequiresAuth() bool { return true }
func (h *leaveHandler) Handle(ctx context.Context, sess *Session, f *ClientFrame) error {
	var p RoomPayload
	if err := decodePayload(f, &p); err != nil {
		return err
	}
	return h.s.router.LeaveRoom(ctx, sess, p.Room)
}

// ---- send ----

type sendHandler struct{ s *Server }

func (h *sendHandler) Type() string       { return FrameSend }
func (h *sendHandler) RequiresAuth() bool { return true }
func (h *sendHandler) Handle(ctx context.Context, sess *Session, f *ClientFrame) error {
	var p SendPayload
	if err := decodePayload(f, &p); err != nil {
		return err
	}
	return h.s.router.SendMessage(ctx, sess, p)
}

// ---- typing ----

type typingHandler struct {
	s      *Server
	typing bool
}

func (h *typingHandler) Type() string {
	if h.typing {
		return FrameTypingStart
	}
	return FrameTypingStop
}
func (h *typingHandler) RequiresAuth() bool { return true }
func (h *typingHandler) Handle(ctx context.Context, sess *Session, f *ClientFrame) error {
	var p RoomPayload
	if err := decodePayload(f, &p); err != nil {
		return err
	}
	return h.s.router.Typing(ctx, sess, p.Room, h.typing)
}

// ---- mark read ----

type readHandler struct{ s *Server }

func (h *readHandler) Type() string       { return FrameMarkRead }
func (h *readHandler) RequiresAuth() bool { return true }
func (h *readHandler) Handle(ctx context.Context, sess *Session, f *ClientFrame) error {
	var p ReadPayload
	if err := decodePayload(f, &p); err != nil {
		return err
	}
	return h.s.router.MarkRead(ctx, sess, p)
}
