package chat

import (
	"testing"

	"github.com/stafflink/stafflink/tools/errs"
)

func TestDirectRoomIDOrderIndependent(t *testing.T) {
	ab, err := DirectRoomID("alice", "bob")
	if err != nil {
		t.Fatalf("DirectRoomID: %v", err)
	}
	ba, err := DirectRoomID("bob", "alice")
	if err != nil {
		t.Fatalf("DirectRoomID: %v", err)
	}
	if ab != ba {
		t.Fatalf("ids differ: %q vs %q", ab, ba)
	}
	if ab != "dm:alice:bob" {
		t.Fatalf("unexpected id %q", ab)
	}
}

func TestDirectRoomIDRejects(t *testing.T) {
	cases := []struct{ a, b string }{
		{"", "bob"},
		{"alice", ""},
		{"alice", "alice"},
		{"ali:ce", "bob"},
		{"alice", "b:ob"},
	}
	for _, c := range cases {
		if _, err := DirectRoomID(c.a, c.b); errs.Code(err) != errs.ErrRoomIDInvalid.Code {
			t.Errorf("DirectRoomID(%q, %q): want room-id error, got %v", c.a, c.b, err)
		}
	}
}

func TestDirectParticipants(t *testing.T) {
	a, b, ok := DirectParticipants("dm:alice:bob")
	if !ok || a != "alice" || b != "bob" {
		t.Fatalf("got %q %q %v", a, b, ok)
	}

	bad := []string{
		"hr-general",        // not a direct room
		"dm:alice",          // one part
		"dm:alice:bob:carl", // three parts
		"dm:alice:alice",    // self
		"dm::bob",           // empty part
	}
	for _, room := range bad {
		if _, _, ok := DirectParticipants(room); ok {
			t.Errorf("DirectParticipants(%q): expected not ok", room)
		}
	}
}

func TestOtherParticipant(t *testing.T) {
	if got, ok := OtherParticipant("dm:alice:bob", "alice"); !ok || got != "bob" {
		t.Fatalf("got %q %v", got, ok)
	}
	if got, ok := OtherParticipant("dm:alice:bob", "bob"); !ok || got != "alice" {
		t.Fatalf("got %q %v", got, ok)
	}
	if _, ok := OtherParticipant("dm:alice:bob", "carl"); ok {
		t.Fatal("outsider must not resolve")
	}
	if _, ok := OtherParticipant("hr-general", "alice"); ok {
		t.Fatal("group room must not resolve")
	}
}
