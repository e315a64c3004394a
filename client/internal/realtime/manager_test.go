package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/drivewhip/crmlink/client/internal/config"
	"github.com/drivewhip/crmlink/client/internal/eventbus"
	"github.com/drivewhip/crmlink/client/internal/testutil/backend"
	"github.com/drivewhip/crmlink/pkg/protocol"
)

type staticTokens struct {
	mu    sync.Mutex
	token string
	calls int
}

func (s *staticTokens) CachedToken(context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.token
}

func (s *staticTokens) set(tok string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = tok
}

type fixture struct {
	backend *backend.Backend
	hub     *backend.Hub
	bus     *eventbus.Bus
	tokens  *staticTokens
	mgr     *Manager
}

func newFixture(t *testing.T, delays ...time.Duration) *fixture {
	t.Helper()
	be := backend.New(t)
	bus := eventbus.New()
	tokens := &staticTokens{token: "tok-1"}
	if len(delays) == 0 {
		delays = []time.Duration{0, 20 * time.Millisecond}
	}
	mgr := NewManager(Options{
		HubURL:           config.HubURL(be.BaseURL()),
		ReconnectDelays:  delays,
		HandshakeTimeout: 2 * time.Second,
		InvokeTimeout:    2 * time.Second,
	}, tokens, bus, nil)
	t.Cleanup(func() { _ = mgr.Close() })
	return &fixture{backend: be, hub: be.Hub, bus: bus, tokens: tokens, mgr: mgr}
}

func count(items []string, want string) int {
	n := 0
	for _, s := range items {
		if s == want {
			n++
		}
	}
	return n
}

func TestJoinPhone_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, p := range []string{" (555) 123-4567 ", "555.123.4567", "+5551234567"} {
		if err := f.mgr.JoinPhone(ctx, p); err != nil {
			t.Fatalf("JoinPhone(%q): %v", p, err)
		}
	}
	if err := f.mgr.JoinPhone(ctx, ""); err != nil {
		t.Errorf("empty phone should be a no-op, got %v", err)
	}

	if joins := f.hub.Joins(); len(joins) != 1 || joins[0] != "+5551234567" {
		t.Errorf("joins = %v", joins)
	}
	if f.hub.Handshakes() != 1 {
		t.Errorf("handshakes = %d", f.hub.Handshakes())
	}
	if f.mgr.State() != StateConnected {
		t.Errorf("state = %s", f.mgr.State())
	}
	if toks := f.hub.Tokens(); len(toks) != 1 || toks[0] != "tok-1" {
		t.Errorf("tokens = %v", toks)
	}
}

func TestJoinPhone_SingleFlightConnect(t *testing.T) {
	f := newFixture(t)
	f.hub.SetHandshakeDelay(100 * time.Millisecond)

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- f.mgr.JoinPhone(context.Background(), fmt.Sprintf("555000%04d", i))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("join: %v", err)
		}
	}

	if f.hub.Handshakes() != 1 {
		t.Errorf("expected one shared handshake, got %d", f.hub.Handshakes())
	}
	if len(f.hub.Joins()) != n || len(f.mgr.Rooms()) != n {
		t.Errorf("joins = %d, rooms = %d", len(f.hub.Joins()), len(f.mgr.Rooms()))
	}
}

func TestLeavePhone_IdleTeardown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_ = f.mgr.JoinPhone(ctx, "+15550000001")
	_ = f.mgr.JoinPhone(ctx, "+15550000002")

	if err := f.mgr.LeavePhone(ctx, "+15550000001"); err != nil {
		t.Fatal(err)
	}
	if f.mgr.State() != StateConnected || f.hub.Conns() != 1 {
		t.Fatalf("connection should stay while a room is joined (state %s)", f.mgr.State())
	}

	if err := f.mgr.LeavePhone(ctx, "1 555 000 0002"); err != nil {
		t.Fatal(err)
	}
	if f.mgr.State() != StateDisconnected {
		t.Errorf("state = %s", f.mgr.State())
	}
	backend.Eventually(t, 2*time.Second, func() bool { return f.hub.Conns() == 0 }, "hub connection closed")

	if leaves := f.hub.Leaves(); len(leaves) != 2 {
		t.Errorf("leaves = %v", leaves)
	}
	if err := f.mgr.LeavePhone(ctx, "+15550000009"); err != nil {
		t.Errorf("leaving an unknown room should not fail: %v", err)
	}
}

func TestLeaveThenRejoin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const phone = "+15551110000"

	if err := f.mgr.JoinPhone(ctx, phone); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.LeavePhone(ctx, phone); err != nil {
		t.Fatal(err)
	}
	f.tokens.set("tok-2")
	if err := f.mgr.JoinPhone(ctx, phone); err != nil {
		t.Fatalf("rejoin after teardown: %v", err)
	}

	if f.hub.Handshakes() != 2 {
		t.Errorf("handshakes = %d, want 2", f.hub.Handshakes())
	}
	if count(f.hub.Joins(), phone) != 2 || count(f.hub.Leaves(), phone) != 1 {
		t.Errorf("joins %v leaves %v", f.hub.Joins(), f.hub.Leaves())
	}
	if toks := f.hub.Tokens(); len(toks) != 2 || toks[1] != "tok-2" {
		t.Errorf("each handshake should read the token afresh: %v", toks)
	}
	if f.mgr.State() != StateConnected {
		t.Errorf("state = %s", f.mgr.State())
	}
}

func TestReconnect_RejoinsRooms(t *testing.T) {
	f := newFixture(t)
	states := f.bus.Subscribe(eventbus.RealtimeState)
	ctx := context.Background()

	_ = f.mgr.JoinPhone(ctx, "+15550000001")
	_ = f.mgr.JoinPhone(ctx, "+15550000002")

	f.hub.DropAll()

	backend.Eventually(t, 3*time.Second, func() bool {
		j := f.hub.Joins()
		return f.hub.Handshakes() == 2 && count(j, "+15550000001") == 2 && count(j, "+15550000002") == 2
	}, "rooms rejoined on the new connection")
	backend.Eventually(t, time.Second, func() bool { return f.mgr.State() == StateConnected }, "connected")

	var seen []string
	for len(states) > 0 {
		var sd eventbus.StateData
		_ = (<-states).Decode(&sd)
		seen = append(seen, sd.State)
	}
	if count(seen, string(StateReconnecting)) != 1 {
		t.Errorf("state events = %v", seen)
	}
}

func TestReconnect_GivesUp(t *testing.T) {
	f := newFixture(t, 0, 10*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()

	_ = f.mgr.JoinPhone(ctx, "+15550000001")
	f.hub.FailHandshakes(10)
	f.hub.DropAll()

	backend.Eventually(t, 3*time.Second, func() bool {
		return f.mgr.State() == StateDisconnected
	}, "disconnected after schedule exhausted")
	if rooms := f.mgr.Rooms(); len(rooms) != 0 {
		t.Errorf("rooms should be cleared, got %v", rooms)
	}

	f.hub.FailHandshakes(0)
	if err := f.mgr.JoinPhone(ctx, "+15550000001"); err != nil {
		t.Fatalf("join after give-up: %v", err)
	}
	if f.mgr.State() != StateConnected {
		t.Errorf("state = %s", f.mgr.State())
	}
}

func TestReconnect_DropDuringRejoin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_ = f.mgr.JoinPhone(ctx, "+15550000001")
	_ = f.mgr.JoinPhone(ctx, "+15550000002")

	// The second connection dies on its first rejoin.
	f.hub.DropOnJoin(1)
	f.hub.DropAll()

	backend.Eventually(t, 5*time.Second, func() bool {
		j := f.hub.Joins()
		return f.hub.Handshakes() == 3 && count(j, "+15550000001") == 2 && count(j, "+15550000002") == 2
	}, "rooms rejoined on a third connection")
	backend.Eventually(t, time.Second, func() bool {
		return f.mgr.State() == StateConnected && f.hub.Conns() == 1
	}, "connected")
	if rooms := f.mgr.Rooms(); len(rooms) != 2 {
		t.Errorf("rooms = %v", rooms)
	}
}

func TestReconnect_AllRoomsLeft(t *testing.T) {
	f := newFixture(t, 150*time.Millisecond)
	ctx := context.Background()

	_ = f.mgr.JoinPhone(ctx, "+15550000001")
	f.hub.DropAll()
	backend.Eventually(t, 2*time.Second, func() bool { return f.mgr.State() == StateReconnecting }, "reconnecting")

	if err := f.mgr.LeavePhone(ctx, "+15550000001"); err != nil {
		t.Fatal(err)
	}

	backend.Eventually(t, 2*time.Second, func() bool {
		return f.mgr.State() == StateDisconnected && f.hub.Conns() == 0
	}, "no idle connection kept")
	time.Sleep(100 * time.Millisecond)
	if f.mgr.State() != StateDisconnected || f.hub.Conns() != 0 {
		t.Fatalf("state = %s, hub conns = %d", f.mgr.State(), f.hub.Conns())
	}

	if err := f.mgr.JoinPhone(ctx, "+15550000002"); err != nil {
		t.Fatalf("join after idle reconnect: %v", err)
	}
	if f.mgr.State() != StateConnected {
		t.Errorf("state = %s", f.mgr.State())
	}
}

func TestJoinPhone_HubRejects(t *testing.T) {
	f := newFixture(t)
	f.hub.FailJoins("not allowed")

	err := f.mgr.JoinPhone(context.Background(), "+15550000001")
	if err == nil {
		t.Fatal("expected join error")
	}
	if len(f.mgr.Rooms()) != 0 {
		t.Errorf("failed join must not stay registered: %v", f.mgr.Rooms())
	}
	if f.mgr.State() != StateDisconnected {
		t.Errorf("idle connection should be closed, state = %s", f.mgr.State())
	}
}

func TestJoinPhone_ConnectFailure(t *testing.T) {
	f := newFixture(t)
	f.hub.FailHandshakes(1)

	if err := f.mgr.JoinPhone(context.Background(), "+15550000001"); err == nil {
		t.Fatal("expected connect error")
	}
	if f.mgr.State() != StateDisconnected {
		t.Errorf("state = %s", f.mgr.State())
	}
	if err := f.mgr.JoinPhone(context.Background(), "+15550000001"); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
}

func TestInboundMessagesPublished(t *testing.T) {
	f := newFixture(t)
	msgs := f.bus.Subscribe(eventbus.ChatMessage)
	_ = f.mgr.JoinPhone(context.Background(), "+15550000001")

	f.hub.Push("receiveinboundmessage", map[string]any{
		"ApplicantId": 9,
		"Body":        "Is the job still open?",
		"From":        "(555) 000-0001",
		"To":          "+15559990000",
	})
	f.hub.Push("SomethingElse", map[string]any{"body": "ignored"})
	f.hub.Push(protocol.EventReceiveOutboundMessage, map[string]any{})

	select {
	case e := <-msgs:
		var m protocol.ChatMessage
		if err := e.Decode(&m); err != nil {
			t.Fatal(err)
		}
		if m.Body != "Is the job still open?" || m.From != "+15550000001" || m.Direction != protocol.DirectionInbound {
			t.Errorf("message = %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no chat message published")
	}

	select {
	case e := <-msgs:
		t.Errorf("unexpected extra message: %s", e.Data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.mgr.JoinPhone(ctx, "+15550000001")

	if err := f.mgr.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.JoinPhone(ctx, "+15550000001"); !errors.Is(err, ErrHubClosed) {
		t.Errorf("expected ErrHubClosed, got %v", err)
	}
	backend.Eventually(t, 2*time.Second, func() bool { return f.hub.Conns() == 0 }, "connection closed")
	if f.hub.Handshakes() != 1 {
		t.Errorf("closed manager must not reconnect")
	}
}

func TestWSURL(t *testing.T) {
	got, err := wsURL("https://crm.example.com/api/hubs/sms-chat", "a b")
	if err != nil {
		t.Fatal(err)
	}
	if got != "wss://crm.example.com/api/hubs/sms-chat?access_token=a+b" {
		t.Errorf("wsURL = %q", got)
	}
	if _, err := wsURL("ftp://x", ""); err == nil {
		t.Error("expected scheme error")
	}
}
