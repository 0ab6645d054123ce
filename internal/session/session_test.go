package session

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"pimstore/internal/pim"
	"pimstore/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestManager(validFor time.Duration) (*Manager, *testutil.StubClock) {
	clock := testutil.FixedClock()
	return NewManager(clock, testutil.NewStubIDGenerator("session"), pim.NewNopLogger(), validFor), clock
}

func TestManager_GenerateCookie(t *testing.T) {
	m, _ := newTestManager(0)

	seen := make(map[string]bool)
	for range 100 {
		cookie, err := m.GenerateCookie()
		if err != nil {
			t.Fatalf("GenerateCookie() error = %v", err)
		}
		raw, err := base64.RawURLEncoding.DecodeString(cookie)
		if err != nil {
			t.Fatalf("cookie %q is not raw url base64: %v", cookie, err)
		}
		if len(raw) != cookieBytes {
			t.Errorf("cookie carries %d bytes, want %d", len(raw), cookieBytes)
		}
		if seen[cookie] {
			t.Fatalf("GenerateCookie() repeated %q", cookie)
		}
		seen[cookie] = true
	}
	if m.Len() != 0 {
		t.Errorf("GenerateCookie() registered %d sessions", m.Len())
	}
}

func TestManager_DataCreatesOnce(t *testing.T) {
	m, clock := newTestManager(time.Hour)

	const callers = 16
	var wg sync.WaitGroup
	got := make([]Session, callers)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = m.Data("shared")
		}(i)
	}
	wg.Wait()

	if m.Len() != 1 {
		t.Fatalf("Len() = %d after concurrent Data, want 1", m.Len())
	}
	want := Session{Cookie: "shared", ID: "session-1", Created: clock.Now(), ValidFor: time.Hour}
	for i, s := range got {
		if diff := cmp.Diff(want, s); diff != "" {
			t.Errorf("caller %d session mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestManager_SetData(t *testing.T) {
	m, _ := newTestManager(time.Hour)

	s := m.Data("c1")
	s.Resource = "akonadi_imap_resource_0"
	s.Values = map[string]string{"charset": "utf-8"}
	m.SetData("c1", s)

	// Mutating the caller's copy must not reach the table.
	s.Values["charset"] = "latin1"

	got := m.Data("c1")
	if got.Resource != "akonadi_imap_resource_0" || got.Values["charset"] != "utf-8" {
		t.Errorf("Data() = %+v after SetData", got)
	}

	got.Values["charset"] = "ascii"
	if again := m.Data("c1"); again.Values["charset"] != "utf-8" {
		t.Errorf("returned session aliases the table: charset = %q", again.Values["charset"])
	}

	// SetData keys by the argument, not by the cookie in the value.
	other := Session{Cookie: "ignored", Resource: "dav"}
	m.SetData("c2", other)
	if got := m.Data("c2"); got.Cookie != "c2" || got.Resource != "dav" || got.ID == "" {
		t.Errorf("Data(c2) = %+v", got)
	}
}

func TestManager_HandshakeAndLookup(t *testing.T) {
	m, clock := newTestManager(10 * time.Minute)

	s, err := m.Handshake("imap")
	if err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}
	if s.Cookie == "" || s.ID != "session-1" || s.Resource != "imap" || !s.Created.Equal(clock.Now()) {
		t.Errorf("Handshake() = %+v", s)
	}

	got, err := m.Lookup(s.Cookie)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if diff := cmp.Diff(s, got); diff != "" {
		t.Errorf("Lookup() mismatch (-want +got):\n%s", diff)
	}

	if _, err := m.Lookup("unknown"); !errors.Is(err, pim.ErrNotFound) {
		t.Errorf("Lookup(unknown) error = %v, want ErrNotFound", err)
	}

	clock.Advance(10*time.Minute - time.Second)
	if _, err := m.Lookup(s.Cookie); err != nil {
		t.Errorf("Lookup() just before expiry error = %v", err)
	}
	clock.Advance(time.Second)
	if _, err := m.Lookup(s.Cookie); !errors.Is(err, pim.ErrSessionExpired) {
		t.Errorf("Lookup() at expiry error = %v, want ErrSessionExpired", err)
	}

	m.Remove(s.Cookie)
	m.Remove(s.Cookie)
	if _, err := m.Lookup(s.Cookie); !errors.Is(err, pim.ErrNotFound) {
		t.Errorf("Lookup() after Remove error = %v, want ErrNotFound", err)
	}
}

func TestSession_Expired(t *testing.T) {
	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		validFor time.Duration
		now      time.Time
		want     bool
	}{
		{"never expires", 0, created.Add(1000 * time.Hour), false},
		{"negative never expires", -time.Second, created.Add(time.Hour), false},
		{"within validity", time.Hour, created.Add(59 * time.Minute), false},
		{"at deadline", time.Hour, created.Add(time.Hour), true},
		{"past deadline", time.Hour, created.Add(2 * time.Hour), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Session{Created: created, ValidFor: tt.validFor}
			if got := s.Expired(tt.now); got != tt.want {
				t.Errorf("Expired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestManager_Sweep(t *testing.T) {
	m, clock := newTestManager(time.Minute)

	old, err := m.Handshake("imap")
	if err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}
	clock.Advance(30 * time.Second)
	fresh, err := m.Handshake("dav")
	if err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}
	m.SetData("forever", Session{Resource: "maildir"})

	clock.Advance(45 * time.Second)
	if n := m.Sweep(clock.Now()); n != 1 {
		t.Errorf("Sweep() removed %d, want 1", n)
	}
	if _, err := m.Lookup(old.Cookie); !errors.Is(err, pim.ErrNotFound) {
		t.Errorf("Lookup(old) error = %v, want ErrNotFound", err)
	}
	if _, err := m.Lookup(fresh.Cookie); err != nil {
		t.Errorf("Lookup(fresh) error = %v", err)
	}
	if m.Len() != 2 {
		t.Errorf("Len() = %d, want 2", m.Len())
	}
}

func TestManager_RunSweeper(t *testing.T) {
	m, clock := newTestManager(time.Minute)
	if _, err := m.Handshake("imap"); err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}
	clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.RunSweeper(ctx, time.Millisecond) }()

	deadline := time.Now().Add(5 * time.Second)
	for m.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweeper never removed the expired session")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("RunSweeper() error = %v", err)
	}

	if err := m.RunSweeper(context.Background(), 0); err != nil {
		t.Errorf("RunSweeper(0) error = %v", err)
	}
}
