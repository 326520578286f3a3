package chat

import (
	"encoding/json"
	"testing"

	"github.com/stafflink/stafflink/tools/errs"
)

func TestParseClientFrame(t *testing.T) {
	f, err := ParseClientFrame([]byte(`{"type":"send","payload":{"room":"hr-general","body":"hi"}}`))
	if err != nil {
		t.Fatalf("ParseClientFrame: %v", err)
	}
	if f.Type != FrameSend {
		t.Fatalf("type = %q", f.Type)
	}

	var p SendPayload
	if err := decodePayload(f, &p); err != nil {
		t.Fatalf("decodePayload: %v", err)
	}
	if p.Room != "hr-general" || p.Body != "hi" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestParseClientFrameRejectsUnknownType(t *testing.T) {
	for _, raw := range []string{
		`{"type":"shout","payload":{}}`,
		`{"type":"message_sent"}`, // server frame types are not client frame types
		`{"payload":{}}`,
	} {
		if _, err := ParseClientFrame([]byte(raw)); errs.Code(err) != errs.ErrUnknownFrameType.Code {
			t.Errorf("ParseClientFrame(%s): want unknown-type error, got %v", raw, err)
		}
	}
}

func TestParseClientFrameRejectsBadJSON(t *testing.T) {
	if _, err := ParseClientFrame([]byte(`{"type":`)); errs.Code(err) != errs.ErrBadFrame.Code {
		t.Fatalf("want bad-frame error, got %v", err)
	}
}

func TestServerFrameEncode(t *testing.T) {
	f := NewServerFrame(FrameTyping, TypingEvent{Room: "hr-general", UserID: "u1", Typing: true})
	data, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var back struct {
		Type    string      `json:"type"`
		Ts      int64       `json:"ts"`
		Payload TypingEvent `json:"payload"`
	}
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Type != FrameTyping || back.Ts == 0 || !back.Payload.Typing {
		t.Fatalf("round trip = %+v", back)
	}
}

func TestErrorFrameCarriesCode(t *testing.T) {
	data, err := ErrorFrame(errs.ErrRoomIDInvalid).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var back struct {
		Payload struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Payload.Code != errs.ErrRoomIDInvalid.Code {
		t.Fatalf("code = %d", back.Payload.Code)
	}
}
