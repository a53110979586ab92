package submission

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

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) get() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

type capturePersister struct {
	mu   sync.Mutex
	recs []*calculation.Record
}

func (p *capturePersister) Persist(rec *calculation.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recs = append(p.recs, rec)
}

func (p *capturePersister) records() []*calculation.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*calculation.Record(nil), p.recs...)
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

func TestWorkflow_CompletesOnlyAfterDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	wf := NewWorkflow(risk.FixedScorer(10), &capturePersister{}, zerolog.Nop(), WithClock(clock))
	rec := &stateRecorder{}
	wf.OnStateChange(rec.record)

	if wf.State() != StateIdle {
		t.Fatalf("expected idle, got %s", wf.State())
	}
	if err := wf.Submit(calculation.DefaultFormData(), nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if wf.State() != StateSubmitting {
		t.Fatalf("expected submitting, got %s", wf.State())
	}

	clock.BlockUntil(1)
	clock.Advance(DefaultDelay - time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if wf.State() != StateSubmitting {
		t.Fatalf("completed before the delay elapsed")
	}

	clock.Advance(time.Millisecond)
	waitFor(t, "completed", func() bool { return len(rec.get()) == 2 })

	got := rec.get()
	if len(got) != 2 || got[0] != StateSubmitting || got[1] != StateCompleted {
		t.Fatalf("expected [submitting completed], got %v", got)
	}
}

func TestWorkflow_RejectsSubmitWhileSubmitting(t *testing.T) {
	clock := clockwork.NewFakeClock()
	wf := NewWorkflow(risk.FixedScorer(10), &capturePersister{}, zerolog.Nop(), WithClock(clock))

	if err := wf.Submit(calculation.DefaultFormData(), nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := wf.Submit(calculation.DefaultFormData(), nil); !errors.Is(err, ErrSubmissionInProgress) {
		t.Fatalf("expected ErrSubmissionInProgress, got %v", err)
	}

	clock.BlockUntil(1)
	clock.Advance(DefaultDelay)
	waitFor(t, "completed", func() bool { return wf.State() == StateCompleted })

	if err := wf.Submit(calculation.DefaultFormData(), nil); err != nil {
		t.Fatalf("expected resubmit after completion to succeed, got %v", err)
	}
	if wf.State() != StateSubmitting {
		t.Fatalf("expected submitting, got %s", wf.State())
	}
}

type failingCreator struct {
	mu    sync.Mutex
	calls int
}

func (f *failingCreator) Create(context.Context, *calculation.Record) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return "", errors.New("store unavailable")
}

func (f *failingCreator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestWorkflow_StoreFailureDoesNotDelayCompletion(t *testing.T) {
	clock := clockwork.NewFakeClock()
	creator := &failingCreator{}
	outbox := NewOutbox(creator, zerolog.Nop(), WithOutboxClock(clockwork.NewFakeClock()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		outbox.Close(ctx)
	}()

	wf := NewWorkflow(risk.FixedScorer(55), outbox, zerolog.Nop(), WithClock(clock))
	navs := make(chan Navigation, 1)
	if err := wf.Submit(calculation.DefaultFormData(), func(n Navigation) { navs <- n }); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	clock.BlockUntil(1)
	clock.Advance(DefaultDelay)

	select {
	case n := <-navs:
		if n.Score != 55 || n.Category != risk.CategoryMedium || n.ColorHint != risk.ColorMedium {
			t.Fatalf("unexpected navigation %+v", n)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("workflow did not complete")
	}
	if wf.State() != StateCompleted {
		t.Fatalf("expected completed, got %s", wf.State())
	}

	waitFor(t, "failed create attempt", func() bool { return creator.count() >= 1 })
	if s := outbox.Stats(); s.Persisted != 0 || s.Enqueued != 1 {
		t.Fatalf("unexpected outbox stats %+v", s)
	}
}

func TestWorkflow_EndToEndFixedScore(t *testing.T) {
	clock := clockwork.NewFakeClock()
	persister := &capturePersister{}
	wf := NewWorkflow(risk.FixedScorer(75), persister, zerolog.Nop(), WithClock(clock))

	form := calculation.DefaultFormData()
	form.PatientName = "Elif"
	form.MaternalAge = "30"
	form.EFW = "3200"
	form.GestDiabetes = "Yes"
	form.History = "No"

	navs := make(chan Navigation, 1)
	if err := wf.Submit(form, func(n Navigation) { navs <- n }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	clock.BlockUntil(1)
	clock.Advance(DefaultDelay)

	var nav Navigation
	select {
	case nav = <-navs:
	case <-time.After(3 * time.Second):
		t.Fatal("workflow did not complete")
	}
	if nav.Score != 75 || nav.Category != risk.CategoryHigh {
		t.Fatalf("expected {75 High}, got %+v", nav)
	}

	recs := persister.records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 persisted record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.Result != risk.NewResult(75) {
		t.Errorf("unexpected persisted result %+v", rec.Result)
	}
	if rec.PatientName != "Elif" || rec.MaternalAge != "30" || rec.EFW != "3200" ||
		rec.GestDiabetes != "Yes" || rec.History != "No" || rec.NeonatalSex != "Male" {
		t.Errorf("persisted form does not match submitted form: %+v", rec.FormData)
	}
	if rec.ID != "" || !rec.CreatedAt.IsZero() {
		t.Errorf("expected id and timestamp left for the store, got %q %v", rec.ID, rec.CreatedAt)
	}
}

func TestWorkflow_ScoresNarrowInput(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var got risk.Input
	scorer := risk.ScorerFunc(func(in risk.Input) int {
		got = in
		return 0
	})
	wf := NewWorkflow(scorer, &capturePersister{}, zerolog.Nop(), WithClock(clock))

	form := calculation.DefaultFormData()
	form.MaternalAge = "41 years"
	form.EFW = "abc"
	form.PregestDiabetes = "Yes"
	form.History = "Yes"
	form.Smoking = "Yes"

	done := make(chan struct{})
	wf.Submit(form, func(Navigation) { close(done) })
	clock.BlockUntil(1)
	clock.Advance(DefaultDelay)
	<-done

	want := risk.Input{MaternalAge: 41, BMI: risk.PlaceholderBMI, EFW: 0, Diabetes: true, History: true}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestWorkflow_RunCancelStopsWaitingOnly(t *testing.T) {
	clock := clockwork.NewFakeClock()
	persister := &capturePersister{}
	wf := NewWorkflow(risk.FixedScorer(20), persister, zerolog.Nop(), WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := wf.Run(ctx, calculation.DefaultFormData())
		errs <- err
	}()

	clock.BlockUntil(1)
	cancel()
	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if wf.State() != StateSubmitting {
		t.Fatalf("expected submission to continue, got %s", wf.State())
	}

	clock.Advance(DefaultDelay)
	waitFor(t, "completed", func() bool { return wf.State() == StateCompleted })
	if len(persister.records()) != 1 {
		t.Fatal("expected record persisted after cancelled wait")
	}
}

func TestWorkflow_ListenerMayResubmit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	persister := &capturePersister{}
	wf := NewWorkflow(risk.FixedScorer(30), persister, zerolog.Nop(), WithClock(clock))
	rec := &stateRecorder{}
	wf.OnStateChange(rec.record)

	resubmitted := make(chan error, 1)
	var once sync.Once
	wf.OnStateChange(func(s State) {
		if s == StateCompleted {
			once.Do(func() { resubmitted <- wf.Submit(calculation.DefaultFormData(), nil) })
		}
	})

	done := make(chan struct{})
	if err := wf.Submit(calculation.DefaultFormData(), func(Navigation) { close(done) }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	clock.BlockUntil(1)
	clock.Advance(DefaultDelay)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("completion did not return after a listener resubmitted")
	}
	if err := <-resubmitted; err != nil {
		t.Fatalf("nested Submit: %v", err)
	}

	want := []State{StateSubmitting, StateCompleted, StateIdle, StateSubmitting}
	got := rec.get()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if wf.State() != StateSubmitting {
		t.Fatalf("expected the second submission pending, got %s", wf.State())
	}

	clock.BlockUntil(1)
	clock.Advance(DefaultDelay)
	waitFor(t, "second completion", func() bool { return len(persister.records()) == 2 })
}
