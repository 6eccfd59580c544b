package game_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"

	"github.com/spindlegame/spindle/game"
	"github.com/spindlegame/spindle/ledger"
	"github.com/spindlegame/spindle/registry"
	regmocks "github.com/spindlegame/spindle/registry/mocks"
	"github.com/spindlegame/spindle/shared"
	"github.com/spindlegame/spindle/shared/mocks"
	"github.com/spindlegame/spindle/whitelist"
)

var (
	testOwner  = shared.BytesToHandle([]byte("owner"))
	testPlayer = shared.BytesToHandle([]byte("player"))
)

const (
	testPrice     = 100
	testThreshold = 1000
)

// scriptedSelector replays a fixed script of payout decisions and always
// picks the same winner index. Unscripted flips are losses.
type scriptedSelector struct {
	mu      sync.Mutex
	flips   []bool
	flipIdx int
	winner  int
}

func (s *scriptedSelector) Flip() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flipIdx < len(s.flips) {
		v := s.flips[s.flipIdx]
		s.flipIdx++
		return v
	}
	return false
}

func (s *scriptedSelector) Intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.winner % n
}

type stubProvider struct {
	handle  shared.Handle
	code    []byte
	balance shared.Amount

	payoutErr error
	paidTo    []shared.Handle
}

func newStubProvider(name string, balance shared.Amount) *stubProvider {
	return &stubProvider{
		handle:  shared.BytesToHandle([]byte(name)),
		code:    []byte("code of " + name),
		balance: balance,
	}
}

func (p *stubProvider) Handle() shared.Handle { return p.handle }
func (p *stubProvider) Code() []byte          { return p.code }

func (p *stubProvider) Balance(context.Context) (shared.Amount, error) {
	return p.balance, nil
}

func (p *stubProvider) Payout(_ context.Context, recipient shared.Handle) error {
	if p.payoutErr != nil {
		return p.payoutErr
	}
	p.paidTo = append(p.paidTo, recipient)
	return nil
}

type testEnv struct {
	coordinator *game.Coordinator
	registry    *registry.Registry
	ledger      *ledger.Ledger
	treasury    *mocks.MockTreasury
	selector    *scriptedSelector
}

func newTestEnv(t *testing.T, providers ...registry.Provider) *testEnv {
	t.Helper()

	led, err := ledger.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, led.Close()) })

	wl := whitelist.New(testOwner)
	reg := registry.New(wl)
	treasury := mocks.NewMockTreasury(gomock.NewController(t))
	selector := &scriptedSelector{}

	cfg := game.Config{TotalPrice: testPrice, SolvencyThreshold: testThreshold}
	coordinator := game.New(cfg, wl, reg, led, treasury, game.WithSelector(selector))

	for _, p := range providers {
		digest := coordinator.QueryDigest(p)
		require.NoError(t, wl.Approve(context.Background(), testOwner, digest))
		require.NoError(t, coordinator.Admit(context.Background(), p))
	}

	return &testEnv{
		coordinator: coordinator,
		registry:    reg,
		ledger:      led,
		treasury:    treasury,
		selector:    selector,
	}
}

func TestPlayRejectsWrongPayment(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newStubProvider("P1", testThreshold))
	_, err := env.coordinator.Play(context.Background(), testPlayer, testPrice+1)
	require.ErrorIs(t, err, game.ErrWrongPayment)
	require.Equal(t, 0, env.registry.CurrentIndex())
}

func TestPlayRejectsEmptyRegistry(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	_, err := env.coordinator.Play(context.Background(), testPlayer, testPrice)
	require.ErrorIs(t, err, registry.ErrEmptyRegistry)
}

func TestSingleProviderRoundClosesImmediately(t *testing.T) {
	t.Parallel()

	p1 := newStubProvider("P1", testThreshold)
	env := newTestEnv(t, p1)

	result, err := env.coordinator.Play(context.Background(), testPlayer, testPrice)
	require.NoError(t, err)
	require.False(t, result.Evicted)
	require.True(t, result.RoundClosed)
	require.Equal(t, uint64(0), result.RoundID)

	round, err := env.ledger.Round(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, shared.Amount(1*testPrice), round.TotalEarnings)
	require.Equal(t, p1.Handle(), round.Winner)
}

func TestInsolventProviderIsEvictedAndFeeRefunded(t *testing.T) {
	t.Parallel()

	p1 := newStubProvider("P1", testThreshold-1)
	env := newTestEnv(t, p1)
	env.treasury.EXPECT().Transfer(gomock.Any(), shared.Amount(testPrice), testPlayer).Return(nil)

	result, err := env.coordinator.Play(context.Background(), testPlayer, testPrice)
	require.NoError(t, err)
	require.True(t, result.Evicted)
	require.False(t, result.RoundClosed)
	require.Equal(t, 0, env.registry.Len())

	// No round closed.
	_, err = env.ledger.Round(context.Background(), 0)
	require.ErrorIs(t, err, ledger.ErrUnknownRound)
}

func TestEvictionSurvivesRefundFailure(t *testing.T) {
	t.Parallel()

	p1 := newStubProvider("P1", testThreshold-1)
	env := newTestEnv(t, p1)
	env.treasury.EXPECT().
		Transfer(gomock.Any(), shared.Amount(testPrice), testPlayer).
		Return(errors.New("out of gas"))

	result, err := env.coordinator.Play(context.Background(), testPlayer, testPrice)
	require.ErrorIs(t, err, game.ErrRefundFailed)
	require.True(t, result.Evicted)
	// The eviction was committed before the refund ran.
	require.Equal(t, 0, env.registry.Len())
}

func TestBalanceCheckFailureAbortsTheStep(t *testing.T) {
	t.Parallel()

	p1 := regmocks.NewMockProvider(gomock.NewController(t))
	p1.EXPECT().Code().AnyTimes().Return([]byte("code of P1"))
	p1.EXPECT().Handle().AnyTimes().Return(shared.BytesToHandle([]byte("P1")))
	p1.EXPECT().Balance(gomock.Any()).Return(shared.Amount(0), errors.New("node unreachable"))

	env := newTestEnv(t, p1)
	_, err := env.coordinator.Play(context.Background(), testPlayer, testPrice)
	require.Error(t, err)

	// The provider was neither evicted nor rotated past.
	require.Equal(t, 1, env.registry.Len())
	require.Equal(t, 0, env.registry.CurrentIndex())
}

func TestPayoutFailureAbortsTheStep(t *testing.T) {
	t.Parallel()

	p1 := newStubProvider("P1", testThreshold)
	p2 := newStubProvider("P2", testThreshold)
	p1.payoutErr = errors.New("provider is broken")
	env := newTestEnv(t, p1, p2)
	env.selector.flips = []bool{true}

	_, err := env.coordinator.Play(context.Background(), testPlayer, testPrice)
	require.ErrorIs(t, err, game.ErrPayoutFailed)

	// No rotation happened and no round closed.
	require.Equal(t, 0, env.registry.CurrentIndex())
	_, err = env.ledger.Round(context.Background(), 0)
	require.ErrorIs(t, err, ledger.ErrUnknownRound)
}

func TestWinningPlayPaysTheCaller(t *testing.T) {
	t.Parallel()

	p1 := newStubProvider("P1", testThreshold)
	p2 := newStubProvider("P2", testThreshold)
	env := newTestEnv(t, p1, p2)
	env.selector.flips = []bool{true}

	result, err := env.coordinator.Play(context.Background(), testPlayer, testPrice)
	require.NoError(t, err)
	require.True(t, result.Won)
	require.False(t, result.RoundClosed)
	require.Equal(t, []shared.Handle{testPlayer}, p1.paidTo)
	require.Equal(t, 1, env.registry.CurrentIndex())
}

func TestRotationClosesRoundsAtFullTurns(t *testing.T) {
	t.Parallel()

	const n = 3
	env := newTestEnv(t,
		newStubProvider("P1", testThreshold),
		newStubProvider("P2", testThreshold),
		newStubProvider("P3", testThreshold),
	)

	for k := 1; k <= 2*n; k++ {
		result, err := env.coordinator.Play(context.Background(), testPlayer, testPrice)
		require.NoError(t, err)
		require.Equal(t, k%n, env.registry.CurrentIndex())

		if k%n == 0 {
			require.True(t, result.RoundClosed, "round must close on play %d", k)
			require.Equal(t, uint64(k/n-1), result.RoundID)

			round, err := env.ledger.Round(context.Background(), result.RoundID)
			require.NoError(t, err)
			require.Equal(t, shared.Amount(n*testPrice), round.TotalEarnings)
		} else {
			require.False(t, result.RoundClosed, "round must not close on play %d", k)
		}
	}
}

func TestAdmitChecksDigest(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	p1 := newStubProvider("P1", testThreshold)
	p2 := newStubProvider("P2", testThreshold)

	// P2's digest was never approved.
	err := env.coordinator.Admit(context.Background(), p2)
	require.ErrorIs(t, err, registry.ErrNotWhitelisted)

	digest := env.coordinator.QueryDigest(p1)
	require.NoError(t, env.coordinator.Whitelist().Approve(context.Background(), testOwner, digest))
	require.NoError(t, env.coordinator.Admit(context.Background(), p1))

	err = env.coordinator.Admit(context.Background(), p1)
	require.ErrorIs(t, err, registry.ErrAlreadyAdmitted)
	require.Equal(t, 1, env.registry.Len())
}

func TestWithdrawAfterRoundCloses(t *testing.T) {
	t.Parallel()

	p1 := newStubProvider("P1", testThreshold)
	env := newTestEnv(t, p1)

	result, err := env.coordinator.Play(context.Background(), testPlayer, testPrice)
	require.NoError(t, err)
	require.True(t, result.RoundClosed)

	env.treasury.EXPECT().
		Transfer(gomock.Any(), shared.Amount(1*testPrice), p1.Handle()).
		Return(nil)
	require.NoError(t, env.coordinator.Withdraw(context.Background(), result.RoundID, p1.Handle()))

	err = env.coordinator.Withdraw(context.Background(), result.RoundID, p1.Handle())
	require.ErrorIs(t, err, ledger.ErrAlreadyWithdrawn)
}

func TestConcurrentPlaysStayConsistent(t *testing.T) {
	t.Parallel()

	const n = 4
	env := newTestEnv(t,
		newStubProvider("P1", testThreshold),
		newStubProvider("P2", testThreshold),
		newStubProvider("P3", testThreshold),
		newStubProvider("P4", testThreshold),
	)

	var closed sync.Map
	var eg errgroup.Group
	for i := 0; i < 2*n; i++ {
		eg.Go(func() error {
			result, err := env.coordinator.Play(context.Background(), testPlayer, testPrice)
			if err != nil {
				return err
			}
			if result.RoundClosed {
				closed.Store(result.RoundID, struct{}{})
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	// Two full turns of the rotation happened, in some order.
	require.Equal(t, 0, env.registry.CurrentIndex())
	for _, id := range []uint64{0, 1} {
		_, ok := closed.Load(id)
		require.True(t, ok, "round %d must have closed", id)
	}
}
