package realtime

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drivewhip/crmlink/pkg/protocol"
)

// hubConn is one negotiated hub connection. Writes share a mutex with the
// keepalive goroutine.
type hubConn struct {
	ws            *websocket.Conn
	invokeTimeout time.Duration
	serverTimeout time.Duration

	wmu sync.Mutex

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[string]chan protocol.HubMessage

	done      chan struct{}
	closeOnce sync.Once
	leftover  [][]byte
}

// wsURL maps an http(s) hub URL to ws(s) and adds the access token.
func wsURL(hubURL, token string) (string, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return "", fmt.Errorf("parse hub url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported hub url scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dialHub opens the socket and performs the protocol handshake.
func dialHub(ctx context.Context, opts Options, token string) (*hubConn, error) {
	target, err := wsURL(opts.HubURL, token)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	if opts.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	ws, _, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		return nil, fmt.Errorf("dial hub: %w", err)
	}

	c := &hubConn{
		ws:            ws,
		invokeTimeout: opts.InvokeTimeout,
		serverTimeout: 2 * opts.KeepAliveInterval,
		pending:       make(map[string]chan protocol.HubMessage),
		done:          make(chan struct{}),
	}
	if err := c.handshake(ctx, opts.HandshakeTimeout); err != nil {
		_ = ws.Close()
		return nil, err
	}
	return c, nil
}

func (c *hubConn) handshake(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := c.send(protocol.HandshakeRequest{Protocol: "json", Version: 1}); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	_ = c.ws.SetReadDeadline(deadline)
	_, frame, err := c.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	_ = c.ws.SetReadDeadline(time.Time{})

	records := protocol.SplitRecords(frame)
	if len(records) == 0 {
		return errors.New("empty handshake response")
	}
	var resp protocol.HandshakeResponse
	if err := json.Unmarshal(records[0], &resp); err != nil {
		return fmt.Errorf("decode handshake: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("handshake rejected: %s", resp.Error)
	}
	c.leftover = records[1:]
	return nil
}

func (c *hubConn) send(v any) error {
	data, err := protocol.EncodeRecord(v)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// invoke calls a hub method and waits for its completion.
func (c *hubConn) invoke(ctx context.Context, target string, args ...any) error {
	raw := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshal %s argument: %w", target, err)
		}
		raw = append(raw, b)
	}

	id := strconv.FormatInt(c.nextID.Add(1), 10)
	ch := make(chan protocol.HubMessage, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	msg := protocol.HubMessage{Type: protocol.HubInvocation, InvocationID: id, Target: target, Arguments: raw}
	if err := c.send(msg); err != nil {
		return fmt.Errorf("send %s: %w", target, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.invokeTimeout)
	defer cancel()
	select {
	case res := <-ch:
		if res.Error != "" {
			return fmt.Errorf("%s: %s", target, res.Error)
		}
		return nil
	case <-c.done:
		return ErrNotConnected
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", target, ctx.Err())
	}
}

// readLoop dispatches records until the connection fails or the hub closes
// it. Completions are routed to their waiting invocations; everything else
// goes to onInvocation.
func (c *hubConn) readLoop(onInvocation func(protocol.HubMessage)) error {
	handle := func(rec []byte) error {
		var msg protocol.HubMessage
		if err := json.Unmarshal(rec, &msg); err != nil {
			return nil
		}
		switch msg.Type {
		case protocol.HubCompletion:
			c.mu.Lock()
			ch := c.pending[msg.InvocationID]
			c.mu.Unlock()
			if ch != nil {
				select {
				case ch <- msg:
				default:
				}
			}
		case protocol.HubInvocation:
			onInvocation(msg)
		case protocol.HubClose:
			if msg.Error != "" {
				return fmt.Errorf("%w: %s", ErrHubClosed, msg.Error)
			}
			return ErrHubClosed
		}
		return nil
	}

	for _, rec := range c.leftover {
		if err := handle(rec); err != nil {
			c.shutdown()
			return err
		}
	}
	c.leftover = nil

	for {
		if c.serverTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.serverTimeout))
		}
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown()
			return fmt.Errorf("read: %w", err)
		}
		for _, rec := range protocol.SplitRecords(frame) {
			if err := handle(rec); err != nil {
				c.shutdown()
				return err
			}
		}
	}
}

// keepalive sends protocol pings until the connection is done.
func (c *hubConn) keepalive(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.send(protocol.HubMessage{Type: protocol.HubPing}); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// close sends a close record and tears the socket down.
func (c *hubConn) close() {
	_ = c.send(protocol.HubMessage{Type: protocol.HubClose})
	c.shutdown()
}

func (c *hubConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
