package risk

import (
	"math/rand/v2"
	"sync"
)

// Scorer turns clinical input into a risk result. Implementations must be
// side-effect free, must not panic on any input and must return a score in
// [0,100] with the category derived by CategoryFor.
type Scorer interface {
	Compute(in Input) Result
}

// ScorerFunc adapts a plain function returning a raw score to Scorer.
type ScorerFunc func(in Input) int

// Compute implements Scorer.
func (f ScorerFunc) Compute(in Input) Result {
	return NewResult(f(in))
}

// RandomScorer is the reference mock: a uniformly random score in [0,100]
// that ignores its input.
type RandomScorer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomScorer creates a RandomScorer. A nil source uses the runtime's
// global generator.
func NewRandomScorer(src rand.Source) *RandomScorer {
	s := &RandomScorer{}
	if src != nil {
		s.rng = rand.New(src)
	}
	return s
}

// Compute implements Scorer.
func (s *RandomScorer) Compute(_ Input) Result {
	if s.rng == nil {
		return NewResult(rand.IntN(MaxScore + 1))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return NewResult(s.rng.IntN(MaxScore + 1))
}

// FixedScorer always returns the same score. Used for demos and tests that
// need a deterministic outcome.
type FixedScorer int

// Compute implements Scorer.
func (s FixedScorer) Compute(_ Input) Result {
	return NewResult(int(s))
}
