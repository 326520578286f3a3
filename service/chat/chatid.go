package chat

import (
	"strings"

	"github.com/stafflink/stafflink/tools/errs"
)

// Direct (1:1) conversations get a deterministic room id that encodes both
// participants order-independently: "dm:<low>:<high>". The router relies on
// this to recover the intended recipient without a membership lookup, so the
// two-party invariant is enforced HERE, at generation time; fanout never
// guesses about ids with more parts.

const directPrefix = "dm:"
const directSep = ":"

// DirectRoomID builds the direct-room id for two users. Rejects empty ids,
// self-conversations, and ids containing the separator (they would make the
// encoding ambiguous).
func DirectRoomID(a, b string) (string, error) {
	if a == "" || b == "" {
		return "", errs.ErrRoomIDInvalid.WithDetail("empty participant id")
	}
	if a == b {
		return "", errs.ErrRoomIDInvalid.WithDetail("direct room needs two distinct participants")
	}
	if strings.Contains(a, directSep) || strings.Contains(b, directSep) {
		return "", errs.ErrRoomIDInvalid.WithDetail("participant id must not contain " + directSep)
	}
	if a > b {
		a, b = b, a
	}
	return directPrefix + a + directSep + b, nil
}

// IsDirectRoom reports whether the id uses the direct naming convention.
func IsDirectRoom(room string) bool {
	return strings.HasPrefix(room, directPrefix)
}

// DirectParticipants decodes the two participant ids. ok is false for
// anything that does not split into exactly two distinct non-empty parts.
func DirectParticipants(room string) (a, b string, ok bool) {
	if !IsDirectRoom(room) {
		return "", "", false
	}
	parts := strings.Split(strings.TrimPrefix(room, directPrefix), directSep)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || parts[0] == parts[1] {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// OtherParticipant strips the sender out of a direct-room id. ok is false
// when the room is not a well-formed direct id or the sender is not one of
// its two participants.
func OtherParticipant(room, sender string) (string, bool) {
	a, b, ok := DirectParticipants(room)
	if !ok {
		return "", false
	}
	switch sender {
	case a:
		return b, true
	case b:
		return a, true
	}
	return "", false
}
