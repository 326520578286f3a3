package chat

import (
	"sort"
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests move session expiry forward deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func newTestManager(clk *fakeClock) *ConnManager {
	return NewConnManager(ManagerConf{
		UnauthTTL:     time.Minute,
		AuthTTL:       time.Hour,
		SweepEvery:    time.Hour, // sweeping is driven by SweepOnce in tests
		SendQueueSize: 8,
		Clock:         clk.Now,
	}, "node-test")
}

func TestBindSwitchesTTL(t *testing.T) {
	clk := newFakeClock()
	m := newTestManager(clk)
	defer m.Close()

	s, err := m.AddUnauth("c1", nil)
	if err != nil {
		t.Fatalf("AddUnauth: %v", err)
	}
	if s.Authenticated {
		t.Fatal("fresh session must be unauthenticated")
	}
	if s.TTL != time.Minute {
		t.Fatalf("unauth TTL = %v", s.TTL)
	}

	if _, err := m.Bind("c1", "alice", "Alice", "member"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if !s.Authenticated || s.UserID != "alice" || s.TTL != time.Hour {
		t.Fatalf("after bind: %+v", s)
	}
	if got := m.ListUser("alice"); len(got) != 1 || got[0].ConnID != "c1" {
		t.Fatalf("ListUser = %+v", got)
	}
}

func TestAddUnauthDuplicateConnID(t *testing.T) {
	m := newTestManager(newFakeClock())
	defer m.Close()

	if _, err := m.AddUnauth("c1", nil); err != nil {
		t.Fatalf("AddUnauth: %v", err)
	}
	if _, err := m.AddUnauth("c1", nil); err == nil {
		t.Fatal("duplicate conn id must be rejected")
	}
}

func TestSweepReclaimsUnauthenticated(t *testing.T) {
	clk := newFakeClock()
	m := newTestManager(clk)
	defer m.Close()

	if _, err := m.AddUnauth("c1", nil); err != nil {
		t.Fatalf("AddUnauth: %v", err)
	}
	if _, err := m.AddUnauth("c2", nil); err != nil {
		t.Fatalf("AddUnauth: %v", err)
	}
	if _, err := m.Bind("c2", "alice", "Alice", "member"); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	// past the unauth TTL but well inside the auth TTL
	if n := m.SweepOnce(clk.Advance(2 * time.Minute)); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if _, ok := m.Get("c1"); ok {
		t.Fatal("unauthenticated conn must be swept")
	}
	if _, ok := m.Get("c2"); !ok {
		t.Fatal("authenticated conn must survive")
	}
}

func TestHeartbeatExtendsExpiry(t *testing.T) {
	clk := newFakeClock()
	m := newTestManager(clk)
	defer m.Close()

	if _, err := m.AddUnauth("c1", nil); err != nil {
		t.Fatalf("AddUnauth: %v", err)
	}

	clk.Advance(50 * time.Second)
	if err := m.Heartbeat("c1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	// 80s since creation, but only 30s since the heartbeat
	if n := m.SweepOnce(clk.Advance(30 * time.Second)); n != 0 {
		t.Fatalf("swept %d, want 0", n)
	}
	if n := m.SweepOnce(clk.Advance(time.Minute)); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
}

func TestRemoveReportsLastOfUser(t *testing.T) {
	clk := newFakeClock()
	m := newTestManager(clk)
	defer m.Close()

	for _, id := range []string{"c1", "c2"} {
		if _, err := m.AddUnauth(id, nil); err != nil {
			t.Fatalf("AddUnauth(%s): %v", id, err)
		}
		if _, err := m.Bind(id, "alice", "Alice", "member"); err != nil {
			t.Fatalf("Bind(%s): %v", id, err)
		}
	}
	m.JoinLocal("alice", "hr-general")
	m.JoinLocal("alice", "dm:alice:bob")

	if _, last, _ := m.Remove("c1"); last {
		t.Fatal("c2 still live, c1 must not be last")
	}
	s, last, rooms := m.Remove("c2")
	if s == nil || !last {
		t.Fatalf("c2 must be the last session (s=%v last=%v)", s, last)
	}
	sort.Strings(rooms)
	if len(rooms) != 2 || rooms[0] != "dm:alice:bob" || rooms[1] != "hr-general" {
		t.Fatalf("rooms = %v", rooms)
	}
	if users := m.LocalRoomUsers("hr-general"); len(users) != 0 {
		t.Fatalf("room index not cleared: %v", users)
	}
}

func TestLocalRoomIndex(t *testing.T) {
	m := newTestManager(newFakeClock())
	defer m.Close()

	m.JoinLocal("alice", "hr-general")
	m.JoinLocal("bob", "hr-general")
	m.JoinLocal("alice", "hr-general") // idempotent

	users := m.LocalRoomUsers("hr-general")
	sort.Strings(users)
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Fatalf("users = %v", users)
	}

	m.LeaveLocal("alice", "hr-general")
	m.LeaveLocal("alice", "hr-general") // idempotent
	if users := m.LocalRoomUsers("hr-general"); len(users) != 1 || users[0] != "bob" {
		t.Fatalf("users = %v", users)
	}
	if rooms := m.UserLocalRooms("alice"); len(rooms) != 0 {
		t.Fatalf("alice rooms = %v", rooms)
	}
}

func TestEnqueueAfterCloseSend(t *testing.T) {
	m := newTestManager(newFakeClock())
	defer m.Close()

	s, err := m.AddUnauth("c1", nil)
	if err != nil {
		t.Fatalf("AddUnauth: %v", err)
	}
	if !s.enqueue([]byte("x")) {
		t.Fatal("enqueue on live session must succeed")
	}
	s.closeSend()
	s.closeSend() // idempotent
	if s.enqueue([]byte("y")) {
		t.Fatal("enqueue after close must fail, not panic")
	}
}
