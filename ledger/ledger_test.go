package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tradeforge/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// Scenario 6 / property 8: weighted-entry law.
func TestLedger_WeightedEntryLaw(t *testing.T) {
	l := New(newTestStore(t))

	require.NoError(t, l.RecordBuy("u1", "binance", "BTC", 0.3, 45000, "order-1"))
	require.NoError(t, l.RecordBuy("u1", "binance", "BTC", 0.2, 46000, "order-2"))

	pos, err := l.GetPosition("u1", "binance", "BTC")
	require.NoError(t, err)
	require.NotNil(t, pos)

	require.InDelta(t, 45400.0, pos.EntryPrice, 1e-6)
	require.InDelta(t, 0.5, pos.Amount, 1e-9)
	require.InDelta(t, 22700.0, pos.TotalInvested, 1e-6)
	require.True(t, pos.IsActive)
}

func TestLedger_RecordSell_RealizedPnLAndEntryPreserved(t *testing.T) {
	l := New(newTestStore(t))

	require.NoError(t, l.RecordBuy("u1", "binance", "ETH", 1.0, 2000, "buy-1"))

	pnl, err := l.RecordSell("u1", "binance", "ETH", 0.4, 2500, "sell-1")
	require.NoError(t, err)
	require.InDelta(t, 200.0, pnl, 1e-9) // (2500-2000)*0.4

	pos, err := l.GetPosition("u1", "binance", "ETH")
	require.NoError(t, err)
	require.InDelta(t, 0.6, pos.Amount, 1e-9)
	require.InDelta(t, 2000.0, pos.EntryPrice, 1e-9) // unchanged by sells
	require.True(t, pos.IsActive)
}

func TestLedger_RecordSell_FullyClosesPosition(t *testing.T) {
	l := New(newTestStore(t))
	require.NoError(t, l.RecordBuy("u1", "binance", "SOL", 10, 100, "buy-1"))

	_, err := l.RecordSell("u1", "binance", "SOL", 10, 120, "sell-1")
	require.NoError(t, err)

	pos, err := l.GetPosition("u1", "binance", "SOL")
	require.NoError(t, err)
	require.Equal(t, 0.0, pos.Amount)
	require.False(t, pos.IsActive)
}

func TestLedger_RecordSell_InsufficientPosition(t *testing.T) {
	l := New(newTestStore(t))
	require.NoError(t, l.RecordBuy("u1", "binance", "SOL", 1, 100, "buy-1"))

	_, err := l.RecordSell("u1", "binance", "SOL", 2, 100, "sell-1")
	require.ErrorIs(t, err, ErrInsufficientPosition)
}
