package storage

import (
	"context"

	"github.com/pkg/errors"
)

// Room membership lives in broker-resident sets (not local memory) because
// fanout must reach members connected to other instances. SADD/SREM are
// idempotent, which gives join/leave their idempotency for free.

func roomKey(room string) string { return "relay:room:" + room + ":members" }

// RoomJoin adds the user to the room's member set. Joining twice leaves
// exactly one entry.
func (s *Store) RoomJoin(ctx context.Context, room, user string) error {
	return errors.Wrap(s.rdb.SAdd(ctx, roomKey(room), user).Err(), "room sadd")
}

// RoomLeave removes the user; leaving a never-joined room is a no-op.
func (s *Store) RoomLeave(ctx context.Context, room, user string) error {
	return errors.Wrap(s.rdb.SRem(ctx, roomKey(room), user).Err(), "room srem")
}

// RoomMembers returns the cross-instance member set.
func (s *Store) RoomMembers(ctx context.Context, room string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, roomKey(room)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "room smembers")
	}
	return members, nil
}

// RoomHasMember answers membership for one user without pulling the set.
func (s *Store) RoomHasMember(ctx context.Context, room, user string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, roomKey(room), user).Result()
	if err != nil {
		return false, errors.Wrap(err, "room sismember")
	}
	return ok, nil
}
