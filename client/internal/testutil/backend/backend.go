// Package backend is an in-process fake of the CRM backend for tests: the
// REST endpoints behind a chi router and the chat hub behind a websocket
// upgrader.
package backend

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/drivewhip/crmlink/pkg/protocol"
)

// Reply is a canned response.
type Reply struct {
	Status      int
	ContentType string
	Body        any // marshaled as JSON unless it is []byte
}

// CommandFunc answers one command invocation.
type CommandFunc func(params []any) Reply

// Request is a recorded REST call.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// Backend is a fake CRM backend.
type Backend struct {
	Server *httptest.Server
	Hub    *Hub

	mu       sync.Mutex
	commands map[string]CommandFunc
	login    func(protocol.LoginRequest) Reply
	files    map[string]Reply
	email    Reply
	sms      Reply
	requests []Request
}

// New starts a fake backend; it is closed when the test ends.
func New(t *testing.T) *Backend {
	t.Helper()
	b := &Backend{
		Hub:      newHub(),
		commands: make(map[string]CommandFunc),
		files:    make(map[string]Reply),
		email:    Reply{Body: map[string]any{"ok": true}},
		sms:      Reply{Body: map[string]any{"ok": true}},
	}

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Post("/execute", b.handleExecute)
		r.Post("/auth/login", b.handleLogin)
		r.Get("/Files/{folder}/{name}", b.handleFile)
		r.Post("/Email/send-template", b.handleFixed(func() Reply { return b.email }))
		r.Post("/SMS/sendChat", b.handleFixed(func() Reply { return b.sms }))
		r.Get("/hubs/sms-chat", b.Hub.ServeHTTP)
	})

	b.Server = httptest.NewServer(r)
	t.Cleanup(func() {
		b.Hub.CloseAll()
		b.Server.Close()
	})
	return b
}

// BaseURL is the backend base URL, ending in "/api/".
func (b *Backend) BaseURL() string {
	return b.Server.URL + "/api/"
}

// HandleCommand registers a command handler.
func (b *Backend) HandleCommand(name string, fn CommandFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands[name] = fn
}

// HandleLogin sets the login handler.
func (b *Backend) HandleLogin(fn func(protocol.LoginRequest) Reply) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.login = fn
}

// SetFile serves reply for Files/{folder}/{name}.
func (b *Backend) SetFile(folder, name string, reply Reply) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files[folder+"/"+name] = reply
}

func (b *Backend) SetEmailReply(r Reply) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.email = r
}

func (b *Backend) SetSMSReply(r Reply) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sms = r
}

// Requests returns a copy of the recorded REST calls.
func (b *Backend) Requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Request, len(b.requests))
	copy(out, b.requests)
	return out
}

// LastRequest returns the most recent REST call.
func (b *Backend) LastRequest() (Request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.requests) == 0 {
		return Request{}, false
	}
	return b.requests[len(b.requests)-1], true
}

func (b *Backend) record(r *http.Request) []byte {
	body, _ := io.ReadAll(r.Body)
	b.mu.Lock()
	b.requests = append(b.requests, Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
		Body:   body,
	})
	b.mu.Unlock()
	return body
}

func (b *Backend) handleExecute(w http.ResponseWriter, r *http.Request) {
	body := b.record(r)
	var cmd protocol.Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		writeReply(w, Reply{Status: http.StatusBadRequest, Body: map[string]any{"error": "invalid command"}})
		return
	}

	b.mu.Lock()
	fn := b.commands[cmd.Name]
	b.mu.Unlock()
	if fn == nil {
		writeReply(w, Reply{Body: map[string]any{"ok": false, "error": "unknown command " + cmd.Name}})
		return
	}
	writeReply(w, fn(cmd.Parameters))
}

func (b *Backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	body := b.record(r)
	var req protocol.LoginRequest
	_ = json.Unmarshal(body, &req)

	b.mu.Lock()
	fn := b.login
	b.mu.Unlock()
	if fn == nil {
		writeReply(w, Reply{Status: http.StatusUnauthorized, Body: map[string]any{"error": "invalid credentials"}})
		return
	}
	writeReply(w, fn(req))
}

func (b *Backend) handleFile(w http.ResponseWriter, r *http.Request) {
	b.record(r)
	key := chi.URLParam(r, "folder") + "/" + chi.URLParam(r, "name")

	b.mu.Lock()
	reply, ok := b.files[key]
	b.mu.Unlock()
	if !ok {
		writeReply(w, Reply{Status: http.StatusNotFound, Body: map[string]any{"error": "file not found"}})
		return
	}
	writeReply(w, reply)
}

func (b *Backend) handleFixed(get func() Reply) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.record(r)
		b.mu.Lock()
		reply := get()
		b.mu.Unlock()
		writeReply(w, reply)
	}
}

func writeReply(w http.ResponseWriter, r Reply) {
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	if raw, ok := r.Body.([]byte); ok {
		ct := r.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(status)
		_, _ = w.Write(raw)
		return
	}
	ct := r.ContentType
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(r.Body)
}
