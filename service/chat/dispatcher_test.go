package chat

import (
	"context"
	"testing"

	"github.com/stafflink/stafflink/tools/errs"
)

type stubHandler struct {
	typ   string
	auth  bool
	calls int
}

func (h *stubHandler) Type() string       { return h.typ }
func (h *stubHandler) RequiresAuth() bool { return h.auth }
func (h *stubHandler) Handle(context.Context, *Session, *ClientFrame) error {
	h.calls++
	return nil
}

func TestDispatchUnknownType(t *testing.T) {
	d := NewDispatcher()
	err := d.Dispatch(context.Background(), &Session{}, &ClientFrame{Type: "nope"})
	if errs.Code(err) != errs.ErrUnknownFrameType.Code {
		t.Fatalf("want unknown-type error, got %v", err)
	}
}

func TestDispatchGatesUnauthenticated(t *testing.T) {
	d := NewDispatcher()
	h := &stubHandler{typ: FrameSend, auth: true}
	d.Register(h)

	err := d.Dispatch(context.Background(), &Session{}, &ClientFrame{Type: FrameSend})
	if errs.Code(err) != errs.ErrNotAuthenticated.Code {
		t.Fatalf("want not-authenticated error, got %v", err)
	}
	if h.calls != 0 {
		t.Fatal("gated handler must not run")
	}

	if err := d.Dispatch(context.Background(), &Session{Authenticated: true}, &ClientFrame{Type: FrameSend}); err != nil {
		t.Fatalf("authenticated dispatch: %v", err)
	}
	if h.calls != 1 {
		t.Fatalf("calls = %d", h.calls)
	}
}

func TestDispatchAuthFrameBypassesGate(t *testing.T) {
	d := NewDispatcher()
	h := &stubHandler{typ: FrameAuthenticate, auth: false}
	d.Register(h)

	if err := d.Dispatch(context.Background(), &Session{}, &ClientFrame{Type: FrameAuthenticate}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if h.calls != 1 {
		t.Fatalf("calls = %d", h.calls)
	}
}
