package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/middec/middec/internal/domain/calculation"
	"github.com/middec/middec/internal/domain/risk"
)

type fakeSub struct {
	query      calculation.Query
	onSnapshot func([]*calculation.Record)
	onError    func(error)

	mu     sync.Mutex
	unsubs int
}

func (s *fakeSub) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubs++
}

func (s *fakeSub) unsubCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubs
}

// fakeSource records subscriptions and lets the test push callbacks.
type fakeSource struct {
	mu   sync.Mutex
	subs []*fakeSub
	err  error
}

func (f *fakeSource) Subscribe(q calculation.Query, onSnapshot func([]*calculation.Record), onError func(error)) (calculation.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSub{query: q, onSnapshot: onSnapshot, onError: onError}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeSource) last() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[len(f.subs)-1]
}

type changeLog struct {
	mu     sync.Mutex
	states []State
}

func (l *changeLog) add(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *changeLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.states)
}

func rec(name string, score int) *calculation.Record {
	form := calculation.DefaultFormData()
	form.PatientName = name
	return calculation.NewRecord(form, risk.NewResult(score))
}

func newTestController(opts ...Option) (*Controller, *fakeSource, *changeLog) {
	src := &fakeSource{}
	ctl := NewController(src, zerolog.Nop(), opts...)
	log := &changeLog{}
	ctl.OnChange(log.add)
	return ctl, src, log
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestController_GuardForcesEmptyReady(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctl, _, _ := newTestController(WithClock(clock))

	if err := ctl.Subscribe(HomeFeed()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	clock.BlockUntil(1)
	clock.Advance(DefaultGuardTimeout - time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if s := ctl.State(); s.Status != StatusLoading {
		t.Fatalf("left loading before the guard elapsed: %s", s.Status)
	}

	clock.Advance(time.Millisecond)
	waitFor(t, "ready", func() bool { return ctl.State().Status == StatusReady })
	s := ctl.State()
	if s.Items == nil || len(s.Items) != 0 {
		t.Fatalf("expected empty non-nil items, got %v", s.Items)
	}
}

func TestController_SnapshotCancelsGuard(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctl, src, log := newTestController(WithClock(clock))
	ctl.Subscribe(HomeFeed())

	src.last().onSnapshot([]*calculation.Record{rec("A", 10)})
	if s := ctl.State(); s.Status != StatusReady || len(s.Items) != 1 {
		t.Fatalf("unexpected state %+v", s)
	}

	clock.Advance(DefaultGuardTimeout * 2)
	time.Sleep(20 * time.Millisecond)
	if s := ctl.State(); len(s.Items) != 1 {
		t.Fatalf("guard fired after snapshot: %+v", s)
	}
	if log.len() != 1 {
		t.Fatalf("expected one change, got %d", log.len())
	}
}

func TestController_LateSnapshotAfterUnsubscribeIgnored(t *testing.T) {
	ctl, src, log := newTestController(WithClock(clockwork.NewFakeClock()))
	ctl.Subscribe(HomeFeed())
	sub := src.last()
	sub.onSnapshot([]*calculation.Record{rec("A", 10)})

	before := ctl.State()
	changes := log.len()

	ctl.Unsubscribe()
	ctl.Unsubscribe()
	sub.onSnapshot([]*calculation.Record{rec("B", 20), rec("C", 30)})
	sub.onError(errors.New("late"))

	after := ctl.State()
	if after.Status != before.Status || len(after.Items) != 1 || after.Items[0] != before.Items[0] {
		t.Fatalf("state changed after unsubscribe: %+v", after)
	}
	if log.len() != changes {
		t.Fatal("listener fired after unsubscribe")
	}
	if sub.unsubCount() != 1 {
		t.Fatalf("expected exactly one store unsubscribe, got %d", sub.unsubCount())
	}
	if err := ctl.Subscribe(HomeFeed()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := ctl.Refresh(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Refresh, got %v", err)
	}
}

func TestController_UnsubscribeCancelsGuard(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctl, _, log := newTestController(WithClock(clock))
	ctl.Subscribe(HomeFeed())
	ctl.Unsubscribe()

	clock.Advance(DefaultGuardTimeout)
	time.Sleep(20 * time.Millisecond)
	if ctl.State().Status != StatusLoading || log.len() != 0 {
		t.Fatalf("guard fired after unsubscribe: %+v", ctl.State())
	}
}

func TestController_TrustsStoreFilter(t *testing.T) {
	ctl, src, _ := newTestController(WithClock(clockwork.NewFakeClock()))
	ctl.Subscribe(AlertFeed())

	sub := src.last()
	if sub.query.Where == nil || sub.query.Where.Value != "High" || sub.query.Limit != AlertPageSize {
		t.Fatalf("unexpected query sent to store: %+v", sub.query)
	}
	sub.onSnapshot([]*calculation.Record{rec("A", 90), rec("B", 50), rec("C", 80)})

	s := ctl.State()
	if len(s.Items) != 3 {
		t.Fatalf("expected all 3 items rendered, got %d", len(s.Items))
	}
	if s.Items[1].Result.Category != risk.CategoryMedium {
		t.Fatal("expected store order preserved")
	}
}

func TestController_TruncatesAtLimit(t *testing.T) {
	ctl, src, _ := newTestController(WithClock(clockwork.NewFakeClock()))
	q := HomeFeed()
	q.Limit = 2
	ctl.Subscribe(q)

	src.last().onSnapshot([]*calculation.Record{rec("A", 1), rec("B", 2), rec("C", 3)})
	s := ctl.State()
	if len(s.Items) != 2 || s.Items[0].PatientName != "A" || s.Items[1].PatientName != "B" {
		t.Fatalf("unexpected items %v", s.Items)
	}
}

func TestController_RefreshIsVisualOnly(t *testing.T) {
	ctl, src, _ := newTestController(WithClock(clockwork.NewFakeClock()))
	ctl.Subscribe(HomeFeed())
	src.last().onSnapshot([]*calculation.Record{rec("A", 10)})

	if err := ctl.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !ctl.State().Refreshing {
		t.Fatal("expected refreshing")
	}
	if err := ctl.Subscribe(HomeFeed()); err != nil {
		t.Fatalf("second Subscribe: %v", err)
	}
	if src.count() != 1 {
		t.Fatalf("expected a single subscription, got %d", src.count())
	}
	if !ctl.State().Refreshing {
		t.Fatal("expected refreshing to stay set until the next snapshot")
	}

	src.last().onSnapshot([]*calculation.Record{rec("B", 20), rec("A", 10)})
	s := ctl.State()
	if s.Refreshing || len(s.Items) != 2 {
		t.Fatalf("expected snapshot to clear refreshing, got %+v", s)
	}
}

func TestController_StoreErrorKeepsItems(t *testing.T) {
	ctl, src, _ := newTestController(WithClock(clockwork.NewFakeClock()))
	ctl.Subscribe(HomeFeed())
	sub := src.last()
	sub.onSnapshot([]*calculation.Record{rec("A", 10)})
	ctl.Refresh()

	sub.onError(errors.New("permission denied"))
	s := ctl.State()
	if s.Status != StatusFailed || s.Refreshing || len(s.Items) != 1 || s.Err == nil {
		t.Fatalf("unexpected state %+v", s)
	}

	sub.onSnapshot([]*calculation.Record{})
	if s := ctl.State(); s.Status != StatusReady || s.Err != nil {
		t.Fatalf("expected recovery on next snapshot, got %+v", s)
	}
}

func TestController_SubscribeError(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctl, src, _ := newTestController(WithClock(clock))
	src.err = errors.New("offline")

	if err := ctl.Subscribe(HomeFeed()); err == nil {
		t.Fatal("expected error")
	}
	if s := ctl.State(); s.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", s.Status)
	}

	src.err = nil
	if err := ctl.Subscribe(HomeFeed()); err != nil {
		t.Fatalf("retry Subscribe: %v", err)
	}
	if src.count() != 1 {
		t.Fatalf("expected subscription on retry, got %d", src.count())
	}
}

func TestController_WithMemoryStore(t *testing.T) {
	store := calculation.NewMemoryStore()
	ctl := NewController(store, zerolog.Nop())
	latest := NewLatest()
	ctl.OnChange(latest.Put)
	defer ctl.Unsubscribe()

	if err := ctl.Subscribe(AlertFeed()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for _, r := range []*calculation.Record{rec("Low", 10), rec("High", 95)} {
		if _, err := store.Create(context.Background(), r); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-latest.C():
			if s.Status == StatusReady && len(s.Items) == 1 && s.Items[0].PatientName == "High" {
				return
			}
		case <-deadline:
			t.Fatalf("never saw the high-risk record, last state %+v", ctl.State())
		}
	}
}

func TestController_ListenerMayRefresh(t *testing.T) {
	ctl, src, log := newTestController(WithClock(clockwork.NewFakeClock()))
	ctl.OnChange(func(s State) {
		if s.Status == StatusReady && !s.Refreshing {
			ctl.Refresh()
		}
	})
	ctl.Subscribe(HomeFeed())

	done := make(chan struct{})
	go func() {
		src.last().onSnapshot([]*calculation.Record{rec("A", 10)})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("snapshot callback did not return after a listener refreshed")
	}

	log.mu.Lock()
	got := append([]State(nil), log.states...)
	log.mu.Unlock()
	if len(got) != 2 || got[0].Refreshing || !got[1].Refreshing {
		t.Fatalf("expected ready then refreshing, got %+v", got)
	}
	if !ctl.State().Refreshing {
		t.Fatal("expected refreshing after the nested call")
	}
}
