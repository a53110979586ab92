package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/middec/middec/internal/domain/calculation"
	"github.com/middec/middec/internal/domain/feed"
	"github.com/middec/middec/internal/domain/identity"
	"github.com/middec/middec/internal/domain/risk"
	"github.com/middec/middec/internal/domain/session"
	"github.com/middec/middec/internal/domain/submission"
	"github.com/middec/middec/internal/platform/auth"
	"github.com/middec/middec/internal/platform/websocket"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type testServer struct {
	*httptest.Server
	store *calculation.MemoryStore
	hub   *websocket.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	nop := zerolog.Nop()
	store := calculation.NewMemoryStore()
	hub := websocket.NewHub(nop)
	rev := auth.NewTokenRevocationStore()
	t.Cleanup(rev.Close)

	e := echo.New()
	api := e.Group("/api/v1", auth.JWTMiddleware(auth.JWTConfig{
		Issuer:      "middec",
		SigningKey:  testKey,
		Revocations: rev,
		Skipper:     auth.AuthSkipper,
	}))
	issuer := auth.NewTokenIssuer("middec", testKey, time.Hour)
	identity.NewHandler(identity.NewService(identity.NewMemoryUserRepo(), issuer, rev, nop)).RegisterRoutes(api)
	calculation.NewHandler(calculation.NewService(store, nop), hub, nop).RegisterRoutes(api)

	outbox := submission.NewOutbox(store, nop)
	t.Cleanup(func() { outbox.Close(context.Background()) })
	submission.NewHandler(risk.FixedScorer(75), outbox, 0, nop).RegisterRoutes(api)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: store, hub: hub}
}

func signIn(t *testing.T, c *Client) {
	t.Helper()
	ctx := context.Background()
	_, err := c.Register(ctx, identity.RegisterRequest{
		Name: "Gul", Surname: "Aksoy", Job: identity.JobMidwife,
		Email: "gul@example.com", Password: "secret123", ConfirmPassword: "secret123", AcceptedTerms: true,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := c.Login(ctx, "gul@example.com", "secret123"); err != nil {
		t.Fatalf("Login: %v", err)
	}
}

func record(name string, score int) *calculation.Record {
	form := calculation.DefaultFormData()
	form.PatientName = name
	form.ArchiveNo = "AR-" + name
	return calculation.NewRecord(form, risk.NewResult(score))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClient_CreateAndList(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL, zerolog.Nop())
	signIn(t, c)
	ctx := context.Background()

	for _, r := range []*calculation.Record{record("A", 20), record("B", 85), record("C", 90)} {
		id, err := c.Create(ctx, r)
		if err != nil || id == "" || r.ID != id {
			t.Fatalf("Create: %q %v", id, err)
		}
	}

	page, err := c.List(ctx, calculation.ListParams{Category: risk.CategoryHigh, Limit: 1})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Total != 2 || len(page.Data) != 1 || !page.HasMore || page.Data[0].PatientName != "C" {
		t.Fatalf("unexpected page %+v", page)
	}

	me, err := c.Me(ctx)
	if err != nil || me.Email != "gul@example.com" {
		t.Fatalf("Me: %+v %v", me, err)
	}
}

func TestClient_Unauthorized(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL, zerolog.Nop())

	_, err := c.Me(context.Background())
	if !IsUnauthorized(err) {
		t.Fatalf("expected 401, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message == "" {
		t.Fatalf("expected server message, got %v", err)
	}
}

func TestClient_Assess(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL, zerolog.Nop())
	signIn(t, c)

	form := calculation.DefaultFormData()
	form.PatientName = "Nur"
	nav, err := c.Assess(context.Background(), form)
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if nav.Score != 75 || nav.Category != risk.CategoryHigh {
		t.Fatalf("unexpected navigation %+v", nav)
	}
	waitFor(t, "persisted assessment", func() bool {
		_, total, _ := srv.store.List(context.Background(), calculation.ListParams{})
		return total == 1
	})
}

type snapshotLog struct {
	mu    sync.Mutex
	snaps [][]*calculation.Record
	errs  []error
}

func (l *snapshotLog) onSnapshot(recs []*calculation.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snaps = append(l.snaps, recs)
}

func (l *snapshotLog) onError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *snapshotLog) last() []*calculation.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.snaps) == 0 {
		return nil
	}
	return l.snaps[len(l.snaps)-1]
}

func (l *snapshotLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.snaps)
}

func TestRemoteStore_SubscribeAndUnsubscribe(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL, zerolog.Nop())
	signIn(t, c)
	remote := NewRemoteStore(c)
	ctx := context.Background()
	remote.Create(ctx, record("Old", 95))

	log := &snapshotLog{}
	sub, err := remote.Subscribe(feed.AlertFeed(), log.onSnapshot, log.onError)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "initial snapshot", func() bool { return len(log.last()) == 1 })

	remote.Create(ctx, record("Low", 5))
	remote.Create(ctx, record("New", 99))
	waitFor(t, "updated snapshot", func() bool {
		recs := log.last()
		return len(recs) == 2 && recs[0].PatientName == "New"
	})

	sub.Unsubscribe()
	sub.Unsubscribe()
	seen := log.count()
	remote.Create(ctx, record("After", 99))
	time.Sleep(100 * time.Millisecond)
	if log.count() != seen {
		t.Fatal("snapshot delivered after Unsubscribe")
	}
}

func TestRemoteStore_SubscribeRequiresToken(t *testing.T) {
	srv := newTestServer(t)
	remote := NewRemoteStore(New(srv.URL, zerolog.Nop()))

	_, err := remote.Subscribe(feed.HomeFeed(), func([]*calculation.Record) {}, nil)
	if !IsUnauthorized(err) {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestRemoteStore_ServerClosing(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL, zerolog.Nop())
	signIn(t, c)

	log := &snapshotLog{}
	sub, err := NewRemoteStore(c).Subscribe(feed.HomeFeed(), log.onSnapshot, log.onError)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	waitFor(t, "initial snapshot", func() bool { return log.count() >= 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.hub.Shutdown(ctx, calculation.LiveFrame{Type: calculation.FrameClosing}); err != nil {
		t.Fatalf("hub shutdown: %v", err)
	}
	waitFor(t, "closing error", func() bool {
		log.mu.Lock()
		defer log.mu.Unlock()
		return len(log.errs) == 1 && errors.Is(log.errs[0], ErrServerClosing)
	})
}

func TestRemoteStore_DrivesFeedController(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL, zerolog.Nop())
	signIn(t, c)
	remote := NewRemoteStore(c)

	ctl := feed.NewController(remote, zerolog.Nop())
	defer ctl.Unsubscribe()
	if err := ctl.Subscribe(feed.HomeFeed()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	remote.Create(context.Background(), record("Live", 40))

	waitFor(t, "feed item", func() bool {
		s := ctl.State()
		return s.Status == feed.StatusReady && len(s.Items) == 1 && s.Items[0].PatientName == "Live"
	})
}

func TestTokenProvider_ResolvesSession(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL, zerolog.Nop())
	signIn(t, c)
	path := filepath.Join(t.TempDir(), "middec", "token")

	wait := func(p *TokenProvider) session.Session {
		t.Helper()
		gate := session.NewGate(p, zerolog.Nop())
		gate.Start()
		defer gate.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s, err := gate.Wait(ctx)
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		return s
	}

	if s := wait(NewTokenProvider(New(srv.URL, zerolog.Nop()), path, zerolog.Nop())); s.Status != session.StatusAnonymous {
		t.Fatalf("expected anonymous without token, got %s", s.Status)
	}

	if err := SaveToken(path, "garbage"); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	if s := wait(NewTokenProvider(New(srv.URL, zerolog.Nop()), path, zerolog.Nop())); s.Status != session.StatusAnonymous {
		t.Fatalf("expected anonymous with rejected token, got %s", s.Status)
	}

	SaveToken(path, c.Token())
	fresh := New(srv.URL, zerolog.Nop())
	p := NewTokenProvider(fresh, path, zerolog.Nop())
	s := wait(p)
	if s.Status != session.StatusAuthenticated || s.User.Email != "gul@example.com" {
		t.Fatalf("expected authenticated, got %+v", s)
	}

	if err := p.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if tok, _ := LoadToken(path); tok != "" {
		t.Fatal("expected token file removed")
	}
	c2 := New(srv.URL, zerolog.Nop())
	c2.SetToken(c.Token())
	if _, err := c2.Me(context.Background()); !IsUnauthorized(err) {
		t.Fatalf("expected revoked token to be rejected, got %v", err)
	}
}
