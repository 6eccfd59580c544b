package game

import (
	"math/rand"
	"sync"
	"time"
)

//go:generate mockgen -package mocks -destination mocks/selector.go . Selector

// Selector is the entropy oracle deciding payouts and round winners.
//
// It is UNTRUSTED by design: the engine deliberately preserves the weak,
// manipulable randomness of the system it models. Any party able to predict
// or influence the selector can force payout and winner outcomes. Hosts
// that need different behavior must plug in their own Selector; the engine
// never substitutes a secure source on its own.
type Selector interface {
	// Flip decides whether the current play pays out.
	Flip() bool
	// Intn picks a winner index in [0, n). n must be positive.
	Intn(n int) int
}

type weakSelector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewWeakSelector returns the default Selector: a time-seeded math/rand
// source. Predictable on purpose, see Selector.
func NewWeakSelector() Selector {
	return &weakSelector{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (s *weakSelector) Flip() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(2) == 0
}

func (s *weakSelector) Intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}
