package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

type admissionFixture struct {
	bots      *fakeBotStore
	positions *fakePositionStore
	cache     *fakeExposureCache
	locks     *fakeLockManager
	audit     *fakeAuditStore
	ac        *AdmissionController
}

func newAdmissionFixture(bot domain.BotConfig, positions ...domain.Position) *admissionFixture {
	f := &admissionFixture{
		bots:      newFakeBotStore(bot),
		positions: newFakePositionStore(positions...),
		cache:     newFakeExposureCache(),
		locks:     newFakeLockManager(),
		audit:     &fakeAuditStore{},
	}
	cfg := DefaultAdmissionConfig()
	cfg.LockAcquireTimeout = 200 * time.Millisecond
	f.ac = NewAdmissionController(f.bots, f.positions, f.cache, f.locks, f.audit, testLogger(), cfg)
	return f
}

func openPosition(botID, symbol string, amount float64) domain.Position {
	return domain.Position{
		ID:     "pos-" + symbol + "-" + botID,
		BotID:  botID,
		Symbol: symbol,
		Side:   domain.SideLong,
		Status: domain.PositionStatusOpen,
		Amount: amount,
	}
}

func TestAdmitWithinLimit(t *testing.T) {
	// Scenario A: max=30, current=0, new=20.
	f := newAdmissionFixture(domain.BotConfig{ID: "bot1", MaxAmountPerCoin: ptrFloat(30)})

	res := f.ac.CanOpenNewPosition(context.Background(), "bot1", "BTCUSDT", 20)
	assert.True(t, res.Admitted)
	assert.Equal(t, ReasonWithinLimit, res.Reason)
	assert.Equal(t, 20.0, res.Projected)
}

func TestRejectOnCeilingReached(t *testing.T) {
	f := newAdmissionFixture(
		domain.BotConfig{ID: "bot1", MaxAmountPerCoin: ptrFloat(30)},
		openPosition("bot1", "BTCUSDT", 20),
	)

	res := f.ac.CanOpenNewPosition(context.Background(), "bot1", "BTCUSDT", 15)
	assert.False(t, res.Admitted)
	assert.Equal(t, ReasonCeilingReached, res.Reason)
}

func TestBoundaryPolicyRejectOnReach(t *testing.T) {
	// Default policy: projected landing exactly on the ceiling rejects.
	f := newAdmissionFixture(
		domain.BotConfig{ID: "bot1", MaxAmountPerCoin: ptrFloat(30)},
		openPosition("bot1", "BTCUSDT", 20),
	)

	res := f.ac.CanOpenNewPosition(context.Background(), "bot1", "BTCUSDT", 10)
	assert.False(t, res.Admitted)
	assert.Equal(t, ReasonCeilingReached, res.Reason)
}

func TestBoundaryPolicyAdmitOnReach(t *testing.T) {
	f := newAdmissionFixture(
		domain.BotConfig{ID: "bot1", MaxAmountPerCoin: ptrFloat(30)},
		openPosition("bot1", "BTCUSDT", 20),
	)
	f.ac.cfg.AdmitOnReach = true

	res := f.ac.CanOpenNewPosition(context.Background(), "bot1", "BTCUSDT", 10)
	assert.True(t, res.Admitted)
	assert.Equal(t, ReasonWithinLimit, res.Reason)
}

func TestUnsetLimitAlwaysAdmits(t *testing.T) {
	// Scenario C: nil max_amount_per_coin admits regardless of current total.
	f := newAdmissionFixture(
		domain.BotConfig{ID: "bot1"},
		openPosition("bot1", "BTCUSDT", 1e9),
	)

	res := f.ac.CanOpenNewPosition(context.Background(), "bot1", "BTCUSDT", 1e9)
	assert.True(t, res.Admitted)
	assert.Equal(t, ReasonNoLimit, res.Reason)
	assert.Zero(t, f.locks.acquires, "no limit means no lock traffic")
}

func TestNegativeLimitAlwaysAdmits(t *testing.T) {
	f := newAdmissionFixture(domain.BotConfig{ID: "bot1", MaxAmountPerCoin: ptrFloat(-1)})

	res := f.ac.CanOpenNewPosition(context.Background(), "bot1", "BTCUSDT", 100)
	assert.True(t, res.Admitted)
	assert.Equal(t, ReasonNoLimit, res.Reason)
}

func TestZeroLimitRejectsWithoutQuery(t *testing.T) {
	f := newAdmissionFixture(domain.BotConfig{ID: "bot1", MaxAmountPerCoin: ptrFloat(0)})

	res := f.ac.CanOpenNewPosition(context.Background(), "bot1", "BTCUSDT", 1)
	assert.False(t, res.Admitted)
	assert.Equal(t, ReasonLimitZero, res.Reason)
	assert.Zero(t, f.positions.notionalQueries, "zero limit must not touch the store")
	assert.Zero(t, f.locks.acquires, "zero limit must not take the lock")
}

func TestLockContentionIsBenignRejection(t *testing.T) {
	f := newAdmissionFixture(domain.BotConfig{ID: "bot1", MaxAmountPerCoin: ptrFloat(30)})

	// Hold the lock from "another process" for the whole acquire window.
	unlock, err := f.locks.Acquire(context.Background(), admissionLockName("bot1", "BTCUSDT"), time.Minute)
	require.NoError(t, err)
	defer unlock()

	res := f.ac.CanOpenNewPosition(context.Background(), "bot1", "BTCUSDT", 10)
	assert.False(t, res.Admitted)
	assert.Equal(t, ReasonLockContention, res.Reason)
}

func TestFailOpenOnStoreError(t *testing.T) {
	f := newAdmissionFixture(domain.BotConfig{ID: "bot1", MaxAmountPerCoin: ptrFloat(30)})
	f.positions.err = errors.New("connection refused")

	res := f.ac.CanOpenNewPosition(context.Background(), "bot1", "BTCUSDT", 10)
	assert.True(t, res.Admitted)
	assert.Equal(t, ReasonFailOpen, res.Reason)
	assert.True(t, f.audit.has("admission_fail_open"))
}

func TestFailOpenOnUnknownBot(t *testing.T) {
	f := newAdmissionFixture(domain.BotConfig{ID: "bot1"})

	res := f.ac.CanOpenNewPosition(context.Background(), "ghost", "BTCUSDT", 10)
	assert.True(t, res.Admitted)
	assert.Equal(t, ReasonFailOpen, res.Reason)
}

func TestConcurrentPositionCeiling(t *testing.T) {
	f := newAdmissionFixture(
		domain.BotConfig{ID: "bot1", MaxConcurrentPositions: 2},
		openPosition("bot1", "BTCUSDT", 10),
		openPosition("bot1", "ETHUSDT", 10),
	)

	res := f.ac.CanOpenNewPosition(context.Background(), "bot1", "SOLUSDT", 10)
	assert.False(t, res.Admitted)
	assert.Equal(t, ReasonTooManyPositions, res.Reason)
	assert.Zero(t, f.locks.acquires, "count ceiling never takes the mutex")
}

func TestConcurrentPositionCeilingUsesCache(t *testing.T) {
	f := newAdmissionFixture(domain.BotConfig{ID: "bot1", MaxConcurrentPositions: 5})

	f.ac.CanOpenNewPosition(context.Background(), "bot1", "BTCUSDT", 10)
	f.ac.CanOpenNewPosition(context.Background(), "bot1", "BTCUSDT", 10)
	assert.Equal(t, 1, f.positions.countQueries, "second check must hit the cache")
}

func TestExposureCacheReused(t *testing.T) {
	f := newAdmissionFixture(
		domain.BotConfig{ID: "bot1", MaxAmountPerCoin: ptrFloat(100)},
		openPosition("bot1", "BTCUSDT", 10),
	)

	f.ac.CanOpenNewPosition(context.Background(), "bot1", "BTCUSDT", 10)
	f.ac.CanOpenNewPosition(context.Background(), "bot1", "BTCUSDT", 10)
	assert.Equal(t, 1, f.positions.notionalQueries, "second check must hit the cache")
}

// Scenario B: with max=30, current=20, five concurrent requests of 10 each
// must all be rejected under reject-on-reach, and the committed aggregate can
// never exceed the ceiling.
func TestConcurrentAdmissionNeverExceedsCeiling(t *testing.T) {
	f := newAdmissionFixture(
		domain.BotConfig{ID: "bot1", MaxAmountPerCoin: ptrFloat(30)},
		openPosition("bot1", "BTCUSDT", 20),
	)

	var wg sync.WaitGroup
	results := make([]AdmissionResult, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.ac.CanOpenNewPosition(context.Background(), "bot1", "BTCUSDT", 10)
		}(i)
	}
	wg.Wait()

	admitted := 0
	for _, r := range results {
		if r.Admitted {
			admitted++
		}
	}
	// projected = 20 + 10 = 30 lands on the ceiling: reject-on-reach admits
	// none of them.
	assert.Zero(t, admitted)
}
