package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStrategy(t *testing.T, st *Store, id string) *Strategy {
	t.Helper()
	s := &Strategy{ID: id, UserID: "u1", ExchangeID: "binance", Token: "BTC", IsActive: true}
	require.NoError(t, s.SetRules(DefaultRules()))
	require.NoError(t, s.SetTracking(Tracking{}))
	require.NoError(t, st.Create(s))
	return s
}

// AcquireLease is a compare-and-swap: a second acquire against an unexpired lease fails with
// ErrConflict (testable property 2).
func TestAcquireLease_RejectsConcurrentHolder(t *testing.T) {
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	newTestStrategy(t, st, "s1")

	now := time.Now()
	require.NoError(t, st.AcquireLease("s1", "tick-a", now, time.Minute))
	err = st.AcquireLease("s1", "tick-b", now, time.Minute)
	require.ErrorIs(t, err, ErrConflict)
}

func TestAcquireLease_SucceedsAfterExpiry(t *testing.T) {
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	newTestStrategy(t, st, "s1")

	now := time.Now()
	require.NoError(t, st.AcquireLease("s1", "tick-a", now, time.Minute))

	later := now.Add(2 * time.Minute)
	require.NoError(t, st.AcquireLease("s1", "tick-b", later, time.Minute))
}

func TestReleaseLease_NoopIfTokenMismatched(t *testing.T) {
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	newTestStrategy(t, st, "s1")

	now := time.Now()
	require.NoError(t, st.AcquireLease("s1", "tick-a", now, time.Minute))
	require.NoError(t, st.ReleaseLease("s1", "wrong-token"))

	// lease still held: a concurrent acquire still fails
	require.ErrorIs(t, st.AcquireLease("s1", "tick-b", now, time.Minute), ErrConflict)
}

// PersistExecution is idempotent against replay under (strategy_id, order_ref) — testable
// property 7.
func TestPersistExecution_IdempotentUnderReplay(t *testing.T) {
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	newTestStrategy(t, st, "s1")

	exec := Execution{Action: "SELL", Reason: "TAKE_PROFIT_L1", Price: 110, Amount: 1, PnLUSD: 10, At: time.Now()}
	require.NoError(t, st.PersistExecution("s1", "order-1", exec))
	require.NoError(t, st.PersistExecution("s1", "order-1", exec))

	got, err := st.Get("u1", "s1")
	require.NoError(t, err)
	tracking, err := got.ParseTracking()
	require.NoError(t, err)
	require.Equal(t, 1, tracking.ExecutionStats.TotalExecutions)
	require.Equal(t, 10.0, tracking.ExecutionStats.TotalPnLUSD)
}

func TestPersistExecution_DistinctOrderRefsBothApply(t *testing.T) {
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	newTestStrategy(t, st, "s1")

	exec := Execution{Action: "SELL", Reason: "TAKE_PROFIT_L1", Price: 110, Amount: 1, PnLUSD: 10, At: time.Now()}
	require.NoError(t, st.PersistExecution("s1", "order-1", exec))
	require.NoError(t, st.PersistExecution("s1", "order-2", exec))

	got, err := st.Get("u1", "s1")
	require.NoError(t, err)
	tracking, err := got.ParseTracking()
	require.NoError(t, err)
	require.Equal(t, 2, tracking.ExecutionStats.TotalExecutions)
	require.Equal(t, 20.0, tracking.ExecutionStats.TotalPnLUSD)
}

// UpdateTrailing never lowers highestPriceSeen and only flips isActive false->true (spec.md
// §4.4, testable property 1).
func TestUpdateTrailing_HighestPriceSeenNeverDecreases(t *testing.T) {
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	newTestStrategy(t, st, "s1")

	now := time.Now()
	require.NoError(t, st.UpdateTrailing("s1", 120, 114, true, now))
	require.NoError(t, st.UpdateTrailing("s1", 100, 95, true, now))

	got, err := st.Get("u1", "s1")
	require.NoError(t, err)
	tracking, err := got.ParseTracking()
	require.NoError(t, err)
	require.Equal(t, 120.0, tracking.TrailingStopState.HighestPriceSeen)
	require.Equal(t, 95.0, tracking.TrailingStopState.CurrentStopPrice)
}

func TestUpdateTrailing_ActivatedAtSetOnceOnFirstActivation(t *testing.T) {
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	newTestStrategy(t, st, "s1")

	first := time.Now()
	require.NoError(t, st.UpdateTrailing("s1", 100, 95, true, first))

	second := first.Add(time.Hour)
	require.NoError(t, st.UpdateTrailing("s1", 105, 99, true, second))

	got, err := st.Get("u1", "s1")
	require.NoError(t, err)
	tracking, err := got.ParseTracking()
	require.NoError(t, err)
	require.WithinDuration(t, first, tracking.TrailingStopState.ActivatedAt, time.Second)
}
