package backend

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drivewhip/crmlink/pkg/protocol"
)

// Hub is a fake chat hub speaking the JSON hub protocol.
type Hub struct {
	upgrader websocket.Upgrader

	mu             sync.Mutex
	conns          map[*hubConn]struct{}
	handshakes     int
	tokens         []string
	joins          []string
	leaves         []string
	handshakeDelay time.Duration
	failHandshakes int
	dropJoins      int
	joinError      string
}

type hubConn struct {
	ws  *websocket.Conn
	wmu sync.Mutex
}

func (c *hubConn) write(v any) error {
	data, err := protocol.EncodeRecord(v)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func newHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:    make(map[*hubConn]struct{}),
	}
}

// SetHandshakeDelay delays the handshake ack.
func (h *Hub) SetHandshakeDelay(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handshakeDelay = d
}

// FailHandshakes makes the next n handshakes fail by closing the socket.
func (h *Hub) FailHandshakes(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failHandshakes = n
}

// FailJoins makes JoinPhone completions carry msg as error. Empty clears it.
func (h *Hub) FailJoins(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joinError = msg
}

// DropOnJoin makes the next n JoinPhone invocations close their connection
// instead of completing.
func (h *Hub) DropOnJoin(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropJoins = n
}

// Handshakes returns the number of completed handshakes.
func (h *Hub) Handshakes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handshakes
}

// Tokens returns the access_token of every connection attempt.
func (h *Hub) Tokens() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.tokens...)
}

// Joins returns every JoinPhone argument received, in order.
func (h *Hub) Joins() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.joins...)
}

// Leaves returns every LeavePhone argument received, in order.
func (h *Hub) Leaves() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.leaves...)
}

// Conns returns the number of open connections.
func (h *Hub) Conns() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Push invokes target on every connected client.
func (h *Hub) Push(target string, args ...any) {
	raw := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, _ := json.Marshal(a)
		raw = append(raw, b)
	}
	msg := protocol.HubMessage{Type: protocol.HubInvocation, Target: target, Arguments: raw}

	for _, c := range h.snapshot() {
		_ = c.write(msg)
	}
}

// DropAll closes every connection without a close record, as a network
// failure would.
func (h *Hub) DropAll() {
	for _, c := range h.snapshot() {
		_ = c.ws.Close()
	}
}

// CloseAll sends a close record and closes every connection.
func (h *Hub) CloseAll() {
	for _, c := range h.snapshot() {
		_ = c.write(protocol.HubMessage{Type: protocol.HubClose})
		_ = c.ws.Close()
	}
}

func (h *Hub) snapshot() []*hubConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*hubConn, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.tokens = append(h.tokens, r.URL.Query().Get("access_token"))
	h.mu.Unlock()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &hubConn{ws: ws}
	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		_ = ws.Close()
	}()

	_, first, err := ws.ReadMessage()
	if err != nil || !bytes.HasSuffix(first, []byte{protocol.RecordSeparator}) {
		return
	}

	h.mu.Lock()
	delay := h.handshakeDelay
	fail := h.failHandshakes > 0
	if fail {
		h.failHandshakes--
	}
	h.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return
	}

	h.mu.Lock()
	h.handshakes++
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	if err := conn.write(protocol.HandshakeResponse{}); err != nil {
		return
	}

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}
		for _, rec := range protocol.SplitRecords(frame) {
			var msg protocol.HubMessage
			if err := json.Unmarshal(rec, &msg); err != nil {
				continue
			}
			switch msg.Type {
			case protocol.HubInvocation:
				h.invoke(conn, msg)
			case protocol.HubClose:
				return
			}
		}
	}
}

func (h *Hub) invoke(conn *hubConn, msg protocol.HubMessage) {
	var phone string
	if len(msg.Arguments) > 0 {
		_ = json.Unmarshal(msg.Arguments[0], &phone)
	}

	reply := protocol.HubMessage{Type: protocol.HubCompletion, InvocationID: msg.InvocationID}
	h.mu.Lock()
	switch msg.Target {
	case protocol.MethodJoinPhone:
		if h.dropJoins > 0 {
			h.dropJoins--
			h.mu.Unlock()
			_ = conn.ws.Close()
			return
		}
		h.joins = append(h.joins, phone)
		reply.Error = h.joinError
	case protocol.MethodLeavePhone:
		h.leaves = append(h.leaves, phone)
	default:
		reply.Error = "unknown method " + msg.Target
	}
	h.mu.Unlock()

	if msg.InvocationID != "" {
		_ = conn.write(reply)
	}
}

// Eventually polls cond until it holds or the timeout expires.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}
