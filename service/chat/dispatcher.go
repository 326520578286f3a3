package chat

import (
	"context"

	"github.com/stafflink/stafflink/tools/errs"
)

// Handler processes one client frame type. RequiresAuth gates every
// operation except authenticate: the dispatcher rejects in place, the
// handler never runs, no side effect happens.
type Handler interface {
	Type() string
	RequiresAuth() bool
	Handle(ctx context.Context, sess *Session, f *ClientFrame) error
}

type Dispatcher struct {
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

func (d *Dispatcher) Register(h Handler) { d.handlers[h.Type()] = h }

// Dispatch routes the frame. Errors returned here are wire-visible: the
// caller turns them into error frames on the same connection.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *Session, f *ClientFrame) error {
	h, ok := d.handlers[f.Type]
	if !ok {
		return errs.ErrUnknownFrameType.WithDetail(f.Type)
	}
	if h.RequiresAuth() && !sess.Authenticated {
		return errs.ErrNotAuthenticated
	}
	return h.Handle(ctx, sess, f)
}
