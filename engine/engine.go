// Package engine wires the whitelist, registry, ledger and coordinator
// together from a single configuration.
package engine

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/spindlegame/spindle/config"
	"github.com/spindlegame/spindle/game"
	"github.com/spindlegame/spindle/ledger"
	"github.com/spindlegame/spindle/logging"
	"github.com/spindlegame/spindle/registry"
	"github.com/spindlegame/spindle/shared"
	"github.com/spindlegame/spindle/whitelist"
)

type Engine struct {
	Whitelist   *whitelist.Whitelist
	Registry    *registry.Registry
	Ledger      *ledger.Ledger
	Coordinator *game.Coordinator

	logger *zap.Logger
}

// New builds a ready-to-use engine. The owner handle administers the
// whitelist; the treasury performs all fund movements.
func New(
	ctx context.Context,
	cfg *config.Config,
	owner shared.Handle,
	treasury shared.Treasury,
	opts ...newEngineOptionFunc,
) (*Engine, error) {
	options := newEngineOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	logger := options.logger
	if logger == nil {
		level := zap.InfoLevel
		if cfg.DebugLog {
			level = zap.DebugLevel
		}
		logger = logging.New(level, cfg.LogFile(), cfg.JSONLog)
	}
	ctx = logging.NewContext(ctx, logger)

	led, err := ledger.Open(ctx, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	wl := whitelist.New(owner)
	reg := registry.New(wl)
	coordinator := game.New(*cfg.Game, wl, reg, led, treasury, options.coordinatorOpts...)

	logger.Info("engine ready",
		zap.Stringer("owner", owner),
		zap.Uint64("total_price", cfg.Game.TotalPrice),
		zap.Uint64("solvency_threshold", cfg.Game.SolvencyThreshold),
	)
	return &Engine{
		Whitelist:   wl,
		Registry:    reg,
		Ledger:      led,
		Coordinator: coordinator,
		logger:      logger,
	}, nil
}

type newEngineOptions struct {
	logger          *zap.Logger
	coordinatorOpts []game.NewCoordinatorOption
}

type newEngineOptionFunc func(*newEngineOptions)

// WithLogger overrides the logger built from the configuration.
func WithLogger(logger *zap.Logger) newEngineOptionFunc {
	return func(opts *newEngineOptions) {
		opts.logger = logger
	}
}

// WithCoordinatorOptions passes options through to game.New.
func WithCoordinatorOptions(coordinatorOpts ...game.NewCoordinatorOption) newEngineOptionFunc {
	return func(opts *newEngineOptions) {
		opts.coordinatorOpts = coordinatorOpts
	}
}

// Close releases the engine's resources.
func (e *Engine) Close() error {
	var result *multierror.Error
	result = multierror.Append(result, e.Ledger.Close())
	// Sync may legitimately fail on stdout; it is best-effort.
	_ = e.logger.Sync()
	return result.ErrorOrNil()
}
