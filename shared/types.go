package shared

import (
	"context"
	"encoding/hex"
)

const (
	// HandleLength is the length of a provider or player handle in bytes.
	HandleLength = 20
	// DigestLength is the length of a code digest in bytes.
	DigestLength = 32
)

// Handle identifies a participant (a provider component, a player, or the
// administrator). It is address-equivalent: opaque, fixed-size and unique.
type Handle [HandleLength]byte

// BytesToHandle converts b to a Handle, left-padding with zeros if b is
// shorter than HandleLength and keeping the last HandleLength bytes otherwise.
func BytesToHandle(b []byte) Handle {
	var h Handle
	if len(b) > HandleLength {
		b = b[len(b)-HandleLength:]
	}
	copy(h[HandleLength-len(b):], b)
	return h
}

func (h Handle) Bytes() []byte { return h[:] }

func (h Handle) String() string { return hex.EncodeToString(h[:]) }

// Digest is the content identity of a provider's compiled code.
// Immutable once computed.
type Digest [DigestLength]byte

func (d Digest) Bytes() []byte { return d[:] }

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// Amount is a quantity of funds. The engine never moves funds itself; it
// only passes amounts to a Treasury.
type Amount uint64

// Component is anything whose compiled code can be content-addressed.
type Component interface {
	// Code returns the component's compiled code. It must be stable for
	// the lifetime of the component.
	Code() []byte
}

//go:generate mockgen -package mocks -destination mocks/treasury.go . Treasury

// Treasury is the external funds-movement primitive. Transfers may fail
// (insufficient funds, recipient rejection) and failures must be surfaced
// to the caller, never swallowed.
type Treasury interface {
	Transfer(ctx context.Context, amount Amount, recipient Handle) error
}
