// Package registry maintains the ordered set of admitted providers and the
// rotation index the game walks through them with.
package registry

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/spindlegame/spindle/logging"
	"github.com/spindlegame/spindle/shared"
)

//go:generate mockgen -package mocks -destination mocks/provider.go . Provider

// Provider is the narrow capability contract an admitted component must
// satisfy. The registry assumes nothing about a provider's internals beyond
// this interface and the digest check at admission: the digest is verified
// once, when the provider is admitted, and never re-checked afterwards.
type Provider interface {
	shared.Component

	// Handle returns the provider's unique identity.
	Handle() shared.Handle

	// Balance reports the provider's externally observed funds, used for
	// the solvency check before each play.
	Balance(ctx context.Context) (shared.Amount, error)

	// Payout pays the provider's prize to recipient.
	Payout(ctx context.Context, recipient shared.Handle) error
}

var (
	ErrNotWhitelisted  = errors.New("provider code digest is not whitelisted")
	ErrAlreadyAdmitted = errors.New("provider is already admitted")
	ErrIndexOutOfRange = errors.New("provider index out of range")
	ErrEmptyRegistry   = errors.New("no providers admitted")
)

type approver interface {
	IsApproved(shared.Digest) bool
}

type Registry struct {
	whitelist approver

	mu        sync.RWMutex
	providers []Provider
	admitted  map[shared.Handle]bool
	nextIndex int
}

// New creates an empty registry gated by whitelist.
func New(whitelist approver) *Registry {
	return &Registry{
		whitelist: whitelist,
		admitted:  make(map[shared.Handle]bool),
	}
}

// Admit appends p to the rotation if digest is whitelisted and p is not
// already admitted.
func (r *Registry) Admit(ctx context.Context, p Provider, digest shared.Digest) error {
	if !r.whitelist.IsApproved(digest) {
		return ErrNotWhitelisted
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.admitted[p.Handle()] {
		return ErrAlreadyAdmitted
	}
	r.providers = append(r.providers, p)
	r.admitted[p.Handle()] = true
	logging.FromContext(ctx).Info(
		"admitted provider",
		zap.Stringer("provider", p.Handle()),
		zap.Stringer("digest", digest),
		zap.Int("providers", len(r.providers)),
	)
	return nil
}

// RemoveAt evicts the provider at index by swapping it with the last
// element and truncating. O(1), but it reorders the sequence - callers
// must not assume stable ordering across removals.
func (r *Registry) RemoveAt(ctx context.Context, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.providers) {
		return ErrIndexOutOfRange
	}

	removed := r.providers[index]
	last := len(r.providers) - 1
	r.providers[index] = r.providers[last]
	r.providers[last] = nil
	r.providers = r.providers[:last]
	delete(r.admitted, removed.Handle())

	// Keep 0 <= nextIndex < len whenever the registry is non-empty.
	if r.nextIndex >= len(r.providers) {
		r.nextIndex = 0
	}
	logging.FromContext(ctx).Info(
		"removed provider",
		zap.Stringer("provider", removed.Handle()),
		zap.Int("providers", len(r.providers)),
	)
	return nil
}

// Advance moves the rotation index to (nextIndex+1) mod len and reports
// whether it wrapped back to zero, which signals a round boundary.
func (r *Registry) Advance() (wrapped bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.providers) == 0 {
		return false, ErrEmptyRegistry
	}
	r.nextIndex = (r.nextIndex + 1) % len(r.providers)
	return r.nextIndex == 0, nil
}

// CurrentIndex returns the rotation index. Its value is meaningless when
// the registry is empty.
func (r *Registry) CurrentIndex() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextIndex
}

// Current returns the provider the rotation currently points at.
func (r *Registry) Current() (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.providers) == 0 {
		return nil, ErrEmptyRegistry
	}
	return r.providers[r.nextIndex], nil
}

// Len returns the number of admitted providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// Handles returns the handles of all admitted providers in rotation order.
func (r *Registry) Handles() []shared.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handles := make([]shared.Handle, len(r.providers))
	for i, p := range r.providers {
		handles[i] = p.Handle()
	}
	return handles
}

// IsAdmitted reports whether the provider identified by handle is in the
// rotation.
func (r *Registry) IsAdmitted(handle shared.Handle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.admitted[handle]
}
