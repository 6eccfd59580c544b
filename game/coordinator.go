// Package game orchestrates plays: it validates the fee, rotates through
// admitted providers, evicts insolvent ones, triggers payouts through the
// untrusted entropy oracle and closes a settlement round whenever the
// rotation wraps.
package game

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spindlegame/spindle/ledger"
	"github.com/spindlegame/spindle/logging"
	"github.com/spindlegame/spindle/registry"
	"github.com/spindlegame/spindle/shared"
	"github.com/spindlegame/spindle/whitelist"
)

var (
	ErrWrongPayment = errors.New("payment does not match the play price")
	ErrRefundFailed = errors.New("refund transfer failed")
	ErrPayoutFailed = errors.New("provider payout failed")
)

//nolint:lll
type Config struct {
	TotalPrice        uint64 `long:"total-price"        description:"The fixed fee of a single play"`
	SolvencyThreshold uint64 `long:"solvency-threshold" description:"The minimum balance a provider must hold to stay in the rotation"`
}

func DefaultConfig() Config {
	return Config{
		TotalPrice:        100,
		SolvencyThreshold: 1000,
	}
}

// PlayResult describes the terminal outcome of a single play.
type PlayResult struct {
	// Evicted is set when the current provider was removed for insolvency
	// and the fee refunded. No rotation or payout happened.
	Evicted bool
	// Won is set when the entropy oracle selected a payout and the
	// provider paid the caller.
	Won bool
	// RoundClosed is set when the rotation wrapped and a settlement round
	// was recorded; RoundID is then the id of that round.
	RoundClosed bool
	RoundID     uint64
}

// Coordinator is the single writer of the engine. Each mutating operation
// runs to completion under one exclusive lock; the safety of the whole
// design (no double-admit, no double-withdraw, consistent rotation) depends
// on that atomicity.
type Coordinator struct {
	cfg       Config
	whitelist *whitelist.Whitelist
	registry  *registry.Registry
	ledger    *ledger.Ledger
	treasury  shared.Treasury
	hasher    shared.Hasher
	selector  Selector

	mu sync.Mutex
}

type NewCoordinatorOption func(*Coordinator)

// WithSelector replaces the default weak entropy oracle.
func WithSelector(selector Selector) NewCoordinatorOption {
	return func(c *Coordinator) {
		c.selector = selector
	}
}

// WithHasher replaces the default code hasher.
func WithHasher(hasher shared.Hasher) NewCoordinatorOption {
	return func(c *Coordinator) {
		c.hasher = hasher
	}
}

func New(
	cfg Config,
	wl *whitelist.Whitelist,
	reg *registry.Registry,
	led *ledger.Ledger,
	treasury shared.Treasury,
	opts ...NewCoordinatorOption,
) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		whitelist: wl,
		registry:  reg,
		ledger:    led,
		treasury:  treasury,
		hasher:    shared.NewHasher(),
		selector:  NewWeakSelector(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// QueryDigest exposes the hash oracle so callers can discover the digest
// of a component they want whitelisted.
func (c *Coordinator) QueryDigest(component shared.Component) shared.Digest {
	return c.hasher.Sum(component.Code())
}

// Admit computes p's code digest and admits it into the rotation if the
// digest is whitelisted and p is not already admitted.
func (c *Coordinator) Admit(ctx context.Context, p registry.Provider) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Admit(ctx, p, c.hasher.Sum(p.Code()))
}

// Withdraw settles a closed round to caller. See ledger.Withdraw for the
// mutate-before-transfer contract.
func (c *Coordinator) Withdraw(ctx context.Context, roundID uint64, caller shared.Handle) error {
	return c.ledger.Withdraw(ctx, roundID, caller, c.treasury)
}

// Play runs one atomic game step for caller, who has paid payment:
//
//  1. The payment must equal the configured play price.
//  2. The registry must be non-empty.
//  3. An insolvent current provider is evicted and the fee refunded; the
//     step terminates there with no rotation and no payout.
//  4. The entropy oracle may select a payout, performed by the current
//     provider. A payout failure aborts the step with nothing committed.
//  5. The rotation advances. On wrap, a round closes: earnings are the
//     provider count times the play price and the oracle picks the winner
//     among the remaining providers.
//
// Nothing is retried; callers may resubmit a fresh Play.
func (c *Coordinator) Play(ctx context.Context, caller shared.Handle, payment shared.Amount) (PlayResult, error) {
	logger := logging.FromContext(ctx).With(
		zap.String("play_id", uuid.New().String()),
		zap.Stringer("caller", caller),
	)
	ctx = logging.NewContext(ctx, logger)

	if payment != shared.Amount(c.cfg.TotalPrice) {
		return PlayResult{}, fmt.Errorf("%w: got %d, want %d", ErrWrongPayment, payment, c.cfg.TotalPrice)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.registry.Current()
	if err != nil {
		return PlayResult{}, err
	}

	balance, err := current.Balance(ctx)
	if err != nil {
		return PlayResult{}, fmt.Errorf("checking balance of %s: %w", current.Handle(), err)
	}
	if balance < shared.Amount(c.cfg.SolvencyThreshold) {
		return c.evict(ctx, current, caller, payment)
	}

	var won bool
	if c.selector.Flip() {
		if err := current.Payout(ctx, caller); err != nil {
			return PlayResult{}, fmt.Errorf("%w: %v", ErrPayoutFailed, err)
		}
		won = true
		logger.Info("play won", zap.Stringer("provider", current.Handle()))
	}

	wrapped, err := c.registry.Advance()
	if err != nil {
		return PlayResult{}, fmt.Errorf("advancing rotation: %w", err)
	}

	result := PlayResult{Won: won}
	if wrapped {
		roundID, err := c.closeRound(ctx)
		if err != nil {
			return result, err
		}
		result.RoundClosed, result.RoundID = true, roundID
	}

	if won {
		playsMetric.WithLabelValues(outcomeWin).Inc()
	} else {
		playsMetric.WithLabelValues(outcomeLoss).Inc()
	}
	return result, nil
}

// evict removes the insolvent provider and refunds the caller's fee. The
// eviction stays committed even when the refund fails: state is mutated
// before the transfer, matching the withdrawal path.
func (c *Coordinator) evict(
	ctx context.Context,
	p registry.Provider,
	caller shared.Handle,
	payment shared.Amount,
) (PlayResult, error) {
	if err := c.registry.RemoveAt(ctx, c.registry.CurrentIndex()); err != nil {
		return PlayResult{}, fmt.Errorf("evicting provider %s: %w", p.Handle(), err)
	}
	evictionsMetric.Inc()
	logging.FromContext(ctx).Info(
		"evicted insolvent provider",
		zap.Stringer("provider", p.Handle()),
		zap.Int("providers", c.registry.Len()),
	)

	if err := c.treasury.Transfer(ctx, payment, caller); err != nil {
		return PlayResult{Evicted: true}, fmt.Errorf("%w: %v", ErrRefundFailed, err)
	}
	playsMetric.WithLabelValues(outcomeEvicted).Inc()
	return PlayResult{Evicted: true}, nil
}

// closeRound records the round that just ended: one fee was collected per
// play of the full rotation, and the untrusted oracle picks which provider
// may withdraw the total.
func (c *Coordinator) closeRound(ctx context.Context) (uint64, error) {
	handles := c.registry.Handles()
	totalEarnings := shared.Amount(uint64(len(handles)) * c.cfg.TotalPrice)
	winner := handles[c.selector.Intn(len(handles))]

	roundID, err := c.ledger.CloseRound(ctx, totalEarnings, winner)
	if err != nil {
		return 0, fmt.Errorf("closing round: %w", err)
	}
	roundsClosedMetric.Inc()
	return roundID, nil
}

// Round exposes a closed round's state.
func (c *Coordinator) Round(ctx context.Context, roundID uint64) (ledger.Round, error) {
	return c.ledger.Round(ctx, roundID)
}

// Whitelist returns the admission whitelist, for administrator use.
func (c *Coordinator) Whitelist() *whitelist.Whitelist {
	return c.whitelist
}
