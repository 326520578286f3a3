package chat

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/stafflink/stafflink/tools/decode"
	"github.com/stafflink/stafflink/tools/errs"
)

// Wire protocol: JSON frames with a `type` discriminant. The client set is
// closed; unknown discriminants are rejected, not ignored.

// Client -> server frame types.
const (
	FrameAuthenticate = "authenticate"
	FrameJoin         = "join"
	FrameLeave        = "leave"
	FrameSend         = "send"
	FrameTypingStart  = "typing_start"
	FrameTypingStop   = "typing_stop"
	FrameMarkRead     = "mark_read"
)

// Server -> client frame types.
const (
	FrameConnAck     = "conn_ack"
	FrameAuthOK      = "auth_ok"
	FrameAuthError   = "auth_error"
	FrameError       = "error"
	FrameMessageSent = "message_sent"
	FrameSendError   = "send_error"
	FrameNewMessage  = "new_message"
	FrameTyping      = "typing"
	FrameReadReceipt = "read_receipt"
	FramePresence    = "presence"
	FrameActivity    = "activity"
)

var clientFrameTypes = map[string]struct{}{
	FrameAuthenticate: {},
	FrameJoin:         {},
	FrameLeave:        {},
	FrameSend:         {},
	FrameTypingStart:  {},
	FrameTypingStop:   {},
	FrameMarkRead:     {},
}

// ClientFrame is an inbound operation. Payload stays dynamic until the
// handler decodes it into its typed payload struct.
type ClientFrame struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ServerFrame is anything pushed to a client.
type ServerFrame struct {
	Type    string `json:"type"`
	Ts      int64  `json:"ts"`
	Payload any    `json:"payload,omitempty"`
}

// ParseClientFrame unmarshals and validates the discriminant.
func ParseClientFrame(raw []byte) (*ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errs.ErrBadFrame.WithDetail(err.Error())
	}
	if _, ok := clientFrameTypes[f.Type]; !ok {
		return nil, errs.ErrUnknownFrameType.WithDetail(f.Type)
	}
	return &f, nil
}

// ---- typed client payloads ----

type AuthPayload struct {
	Token string `json:"token"`
}

type RoomPayload struct {
	Room string `json:"room"`
}

type SendPayload struct {
	Room        string `json:"room"`
	Body        string `json:"body"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

type ReadPayload struct {
	Room      string `json:"room"`
	MessageID string `json:"message_id,omitempty"`
}

func decodePayload[T any](f *ClientFrame, out *T) error {
	if err := decode.DecodeMap(f.Payload, out); err != nil {
		return errs.ErrBadFrame.WithDetail(err.Error())
	}
	return nil
}

// ---- server frame constructors ----

func NewServerFrame(typ string, payload any) *ServerFrame {
	return &ServerFrame{Type: typ, Ts: time.Now().UnixMilli(), Payload: payload}
}

// Encode marshals the frame for the socket; callers fan the same bytes out
// to every recipient connection.
func (f *ServerFrame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "marshal server frame")
	}
	return data, nil
}

// ErrorFrame carries a CodeError to the client without closing anything.
func ErrorFrame(e *errs.CodeError) *ServerFrame {
	return NewServerFrame(FrameError, e)
}
