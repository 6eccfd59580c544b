// Package whitelist tracks the set of code digests an administrator has
// approved for admission. The set only grows; digests are never pruned.
package whitelist

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/spindlegame/spindle/logging"
	"github.com/spindlegame/spindle/shared"
)

var ErrNotOwner = errors.New("caller is not the whitelist owner")

type Whitelist struct {
	owner shared.Handle

	mu       sync.RWMutex
	approved map[shared.Digest]bool
}

// New creates an empty whitelist administered by owner.
func New(owner shared.Handle) *Whitelist {
	return &Whitelist{
		owner:    owner,
		approved: make(map[shared.Digest]bool),
	}
}

// Approve inserts digest into the whitelist. Only the owner may approve.
// Approving an already approved digest is a no-op, not an error.
func (w *Whitelist) Approve(ctx context.Context, caller shared.Handle, digest shared.Digest) error {
	if caller != w.owner {
		return ErrNotOwner
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.approved[digest] {
		return nil
	}
	w.approved[digest] = true
	logging.FromContext(ctx).Info("approved code digest", zap.Stringer("digest", digest))
	return nil
}

// IsApproved reports whether digest has been approved. It is a total
// function: unknown digests yield false, never an error.
func (w *Whitelist) IsApproved(digest shared.Digest) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.approved[digest]
}

// Owner returns the administrator handle.
func (w *Whitelist) Owner() shared.Handle {
	return w.owner
}

// Len returns the number of approved digests.
func (w *Whitelist) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.approved)
}
