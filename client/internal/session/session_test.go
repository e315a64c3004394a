package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/drivewhip/crmlink/client/internal/crypt"
	"github.com/drivewhip/crmlink/client/internal/store"
	"github.com/drivewhip/crmlink/pkg/protocol"
)

func openStore(t *testing.T, path string) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newAuthority(t *testing.T, path string, logger *slog.Logger) *Authority {
	t.Helper()
	box, err := crypt.New("test-key", logger)
	if err != nil {
		t.Fatal(err)
	}
	return New(openStore(t, path), box, 20*time.Millisecond, logger)
}

func testAuthority(t *testing.T) (*Authority, *store.SQLiteStore) {
	t.Helper()
	st := openStore(t, filepath.Join(t.TempDir(), "session.db"))
	box, err := crypt.New("test-key", nil)
	if err != nil {
		t.Fatal(err)
	}
	return New(st, box, 20*time.Millisecond, nil), st
}

func TestToken_RoundTrip(t *testing.T) {
	a, st := testAuthority(t)
	ctx := context.Background()

	if tok := a.CachedToken(ctx); tok != "" {
		t.Fatalf("expected no token, got %q", tok)
	}
	if err := a.CacheToken(ctx, "abc"); err != nil {
		t.Fatal(err)
	}
	if tok := a.CachedToken(ctx); tok != "abc" {
		t.Errorf("CachedToken = %q", tok)
	}

	raw, _, _ := st.Get(ctx, KeyToken)
	if strings.Contains(raw, "abc") {
		t.Error("token stored in plaintext")
	}
}

func TestCorruptedValuesReadAsAbsent(t *testing.T) {
	a, st := testAuthority(t)
	ctx := context.Background()

	_ = st.Put(ctx, KeyToken, "not-ciphertext")
	_ = st.Put(ctx, KeyProfile, "also-not")
	_ = st.Put(ctx, KeyPermissions, "!!!")

	if tok := a.CachedToken(ctx); tok != "" {
		t.Errorf("token = %q", tok)
	}
	if _, ok := a.Profile(ctx); ok {
		t.Error("profile should be absent")
	}
	if a.Can(ctx, "/", protocol.ActionRead) {
		t.Error("corrupted permissions must deny")
	}
}

func TestProfile_CacheAndUpdate(t *testing.T) {
	a, _ := testAuthority(t)
	ctx := context.Background()

	err := a.UpdateProfile(ctx, func(p *protocol.UserProfile) error { return nil })
	if !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("expected ErrNotSignedIn, got %v", err)
	}

	if err := a.CacheProfile(ctx, protocol.UserProfile{User: "jdoe", FirstName: "Jane", Role: "recruiter"}); err != nil {
		t.Fatal(err)
	}
	if err := a.UpdateProfile(ctx, func(p *protocol.UserProfile) error {
		p.LastName = "Doe"
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	p, ok := a.Profile(ctx)
	if !ok || p.DisplayName() != "Jane Doe" || p.Role != "recruiter" {
		t.Errorf("unexpected profile %+v", p)
	}

	cur, _ := a.CurrentUser()
	cur.Role = "admin"
	if again, _ := a.CurrentUser(); again.Role != "recruiter" {
		t.Error("CurrentUser must return a copy")
	}
}

func TestClearSession_PurgesAncillaryKeys(t *testing.T) {
	a, st := testAuthority(t)
	ctx := context.Background()

	_ = a.CacheToken(ctx, "t")
	_ = a.CacheProfile(ctx, protocol.UserProfile{User: "u"})
	_ = a.CachePermissions(ctx, []protocol.RoutePermission{{Path: "/", Read: true}})
	_ = a.SetSelectedLocation(ctx, map[string]any{"id": 7.0})
	_ = a.SetLastPhone(ctx, "+15551234567")

	if phone, ok := a.LastPhone(ctx); !ok || phone != "+15551234567" {
		t.Fatalf("LastPhone = %q %v", phone, ok)
	}
	if loc, ok := a.SelectedLocation(ctx); !ok || loc["id"] != 7.0 {
		t.Fatalf("SelectedLocation = %v %v", loc, ok)
	}

	if err := a.ClearSession(ctx); err != nil {
		t.Fatal(err)
	}
	for _, k := range allKeys {
		if _, ok, _ := st.Get(ctx, k); ok {
			t.Errorf("%s not purged", k)
		}
	}
	if _, ok := a.CurrentUser(); ok {
		t.Error("CurrentUser should be empty after clear")
	}
}

func TestTokenClaims(t *testing.T) {
	a, _ := testAuthority(t)
	ctx := context.Background()

	if _, err := a.TokenClaims(ctx); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "jdoe",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("server-secret"))
	if err != nil {
		t.Fatal(err)
	}
	_ = a.CacheToken(ctx, signed)

	claims, err := a.TokenClaims(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "jdoe" || !claims.ExpiresAt.Time.Equal(exp) {
		t.Errorf("unexpected claims %+v", claims)
	}

	_ = a.CacheToken(ctx, "opaque")
	if _, err := a.TokenClaims(ctx); err == nil {
		t.Error("expected parse error for non-JWT token")
	}
}

func TestWatch_SeesOtherProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	watcher := newAuthority(t, path, nil)
	writer := newAuthority(t, path, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := watcher.Watch(ctx)

	select {
	case p := <-ch:
		if p != nil {
			t.Fatalf("expected signed-out initial value, got %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no initial value")
	}

	if err := writer.CacheProfile(context.Background(), protocol.UserProfile{User: "other", Role: "admin"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case p := <-ch:
			if p != nil && p.User == "other" {
				if cur, _ := watcher.CurrentUser(); cur.Role != "admin" {
					t.Errorf("CurrentUser not refreshed: %+v", cur)
				}
				return
			}
		case <-deadline:
			t.Fatal("profile change from other process not observed")
		}
	}
}

func TestEnsure_LogsDenial(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	a := newAuthority(t, filepath.Join(t.TempDir(), "s.db"), logger)
	ctx := context.Background()

	_ = a.CachePermissions(ctx, []protocol.RoutePermission{{Path: "/reports", Read: true}})
	a.SetCurrentRoute("/reports/weekly?page=2")

	if !a.EnsureCurrent(ctx, protocol.ActionRead) {
		t.Error("read on /reports/weekly should be allowed")
	}
	if buf.Len() != 0 {
		t.Errorf("unexpected log output: %s", buf.String())
	}
	if a.EnsureCurrent(ctx, protocol.ActionDelete) {
		t.Error("delete should be denied")
	}
	if !strings.Contains(buf.String(), "permission denied") {
		t.Errorf("expected denial warning, got %q", buf.String())
	}
}
