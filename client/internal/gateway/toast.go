package gateway

import (
	"sync"
	"time"

	"github.com/drivewhip/crmlink/client/internal/eventbus"
)

// Toast levels.
const (
	LevelError   = "error"
	LevelWarning = "warning"
	LevelInfo    = "info"
)

// Publisher receives gateway events.
type Publisher interface {
	PublishType(eventType string, data any)
}

// Toaster publishes user-facing notifications, suppressing a message that
// repeats the last shown one within the window.
type Toaster struct {
	pub    Publisher
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	lastMsg  string
	lastTime time.Time
}

func NewToaster(pub Publisher, window time.Duration) *Toaster {
	return &Toaster{pub: pub, window: window, now: time.Now}
}

func (t *Toaster) Error(msg string) bool { return t.show(LevelError, msg) }
func (t *Toaster) Warn(msg string) bool  { return t.show(LevelWarning, msg) }
func (t *Toaster) Info(msg string) bool  { return t.show(LevelInfo, msg) }

// show publishes the toast and reports whether it was shown.
func (t *Toaster) show(level, msg string) bool {
	if msg == "" {
		return false
	}
	t.mu.Lock()
	now := t.now()
	if msg == t.lastMsg && now.Sub(t.lastTime) < t.window {
		t.mu.Unlock()
		return false
	}
	t.lastMsg, t.lastTime = msg, now
	t.mu.Unlock()

	if t.pub != nil {
		t.pub.PublishType(eventbus.Toast, eventbus.ToastData{Level: level, Message: msg})
	}
	return true
}
