// Package ledger records closed rounds and settles them through pull-based
// withdrawals: the winner must actively claim a round's earnings, and each
// round pays out at most once.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/spindlegame/spindle/logging"
	"github.com/spindlegame/spindle/shared"
)

var (
	ErrUnknownRound     = errors.New("unknown round")
	ErrNotWinner        = errors.New("caller is not the round winner")
	ErrAlreadyWithdrawn = errors.New("round earnings already withdrawn")
	ErrTransferFailed   = errors.New("transfer failed")
)

var withdrawalsMetric = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "spindle",
	Subsystem: "ledger",
	Name:      "withdrawals_total",
	Help:      "Number of successful round withdrawals",
})

// Round is the externally visible state of a closed round.
type Round struct {
	TotalEarnings shared.Amount
	Winner        shared.Handle
	Withdrawn     bool
}

type Ledger struct {
	mu          sync.Mutex
	db          *database
	nextRoundID uint64
}

// Open opens (or creates) the round store under dbdir and recovers the
// round counter from it.
func Open(ctx context.Context, dbdir string) (*Ledger, error) {
	db, err := newDatabase(filepath.Join(dbdir, "rounds"))
	if err != nil {
		return nil, fmt.Errorf("opening rounds database: %w", err)
	}
	next, err := db.NextRoundID()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("recovering round counter: %w", err)
	}
	logging.FromContext(ctx).Info("opened round ledger", zap.Uint64("next_round", next))
	return &Ledger{db: db, nextRoundID: next}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// CloseRound records a freshly closed round: its aggregate earnings and the
// provider entitled to withdraw them. It returns the new round's id.
func (l *Ledger) CloseRound(ctx context.Context, totalEarnings shared.Amount, winner shared.Handle) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	roundID := l.nextRoundID
	rec := roundRecord{
		TotalEarnings: uint64(totalEarnings),
		Winner:        winner,
	}
	if err := l.db.SaveRound(roundID, rec); err != nil {
		return 0, fmt.Errorf("recording round %d: %w", roundID, err)
	}
	l.nextRoundID++

	logging.FromContext(ctx).Info(
		"closed round",
		zap.Uint64("round", roundID),
		zap.Uint64("total_earnings", uint64(totalEarnings)),
		zap.Stringer("winner", winner),
	)
	return roundID, nil
}

// Withdraw settles roundID to caller through treasury. The round is marked
// withdrawn BEFORE the transfer runs; reversing that order would reopen the
// double-withdraw window. A failed transfer therefore leaves the round
// withdrawn and its earnings unreachable through this path - an accepted
// loss, surfaced to the caller as ErrTransferFailed.
func (l *Ledger) Withdraw(ctx context.Context, roundID uint64, caller shared.Handle, treasury shared.Treasury) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.db.GetRound(roundID)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return fmt.Errorf("%w: %d", ErrUnknownRound, roundID)
		}
		return err
	}
	if shared.Handle(rec.Winner) != caller {
		return ErrNotWinner
	}
	if rec.Withdrawn {
		return ErrAlreadyWithdrawn
	}

	rec.Withdrawn = true
	if err := l.db.SaveRound(roundID, *rec); err != nil {
		return fmt.Errorf("marking round %d withdrawn: %w", roundID, err)
	}

	if err := treasury.Transfer(ctx, shared.Amount(rec.TotalEarnings), caller); err != nil {
		logging.FromContext(ctx).Error(
			"transfer failed for a round already marked withdrawn",
			zap.Uint64("round", roundID),
			zap.Stringer("winner", caller),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	withdrawalsMetric.Inc()
	logging.FromContext(ctx).Info(
		"round earnings withdrawn",
		zap.Uint64("round", roundID),
		zap.Uint64("total_earnings", rec.TotalEarnings),
		zap.Stringer("winner", caller),
	)
	return nil
}

// Round returns the state of a closed round.
func (l *Ledger) Round(ctx context.Context, roundID uint64) (Round, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.db.GetRound(roundID)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return Round{}, fmt.Errorf("%w: %d", ErrUnknownRound, roundID)
		}
		return Round{}, err
	}
	return Round{
		TotalEarnings: shared.Amount(rec.TotalEarnings),
		Winner:        shared.Handle(rec.Winner),
		Withdrawn:     rec.Withdrawn,
	}, nil
}
