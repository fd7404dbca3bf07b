package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhill/daytrader/internal/models"
	"github.com/quarryhill/daytrader/internal/pdt"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestStore_LedgerRoundTrip(t *testing.T) {
	s := newTestStore(t)

	// Nothing persisted yet.
	snap, err := s.LoadLedger()
	require.NoError(t, err)
	assert.Nil(t, snap)

	session := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	in := pdt.Snapshot{
		SessionDate: session,
		Trades: []pdt.DayTrade{
			{Symbol: "NVDA", SessionDate: session, RecordedAt: session.Add(15 * time.Hour)},
		},
		Opens: map[string]pdt.OpenEntry{
			"AAPL": {Side: models.SideBuy, OpenedAt: session.Add(14 * time.Hour)},
		},
		Blocked: []string{"TSLA"},
	}
	require.NoError(t, s.SaveLedger(in))

	out, err := s.LoadLedger()
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, out.SessionDate.Equal(session))
	require.Len(t, out.Trades, 1)
	assert.Equal(t, "NVDA", out.Trades[0].Symbol)
	assert.Equal(t, models.SideBuy, out.Opens["AAPL"].Side)
	assert.Equal(t, []string{"TSLA"}, out.Blocked)
}

func TestStore_CloseSnapshotsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	empty, err := s.LoadCloseSnapshots()
	require.NoError(t, err)
	assert.Empty(t, empty)

	in := map[string]models.CloseSnapshot{
		"NVDA": {Symbol: "NVDA", ClosePrice: 100.5, Qty: 5, RecordedAt: time.Now().UTC()},
	}
	require.NoError(t, s.SaveCloseSnapshots(in))

	out, err := s.LoadCloseSnapshots()
	require.NoError(t, err)
	require.Contains(t, out, "NVDA")
	assert.InDelta(t, 100.5, out["NVDA"].ClosePrice, 1e-9)
}

func TestStore_ShutdownReportPersisted(t *testing.T) {
	s := newTestStore(t)

	started := time.Date(2025, 6, 2, 15, 12, 30, 0, time.UTC)
	report := &models.ShutdownReport{
		Reason:         "daily_drawdown",
		StartedAt:      started,
		CompletedAt:    started.Add(4 * time.Second),
		ElapsedSeconds: 4,
		Positions: []models.LiquidationResult{
			{Symbol: "NVDA", Qty: 5, OrdersCanceled: 2, Flattened: true, FillPrice: 99.8, Attempts: 1},
		},
	}
	require.NoError(t, s.SaveShutdownReport(report))

	names, err := s.ListShutdownReports()
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.Equal(t, "shutdown-20250602-151230.json", names[0])

	loaded, err := s.LoadShutdownReport(names[0])
	require.NoError(t, err)
	assert.Equal(t, "daily_drawdown", loaded.Reason)
	assert.True(t, loaded.StartedAt.Equal(started), "timestamps must round-trip")
	require.Len(t, loaded.Positions, 1)
	assert.True(t, loaded.Positions[0].Flattened)
}

func TestStore_AtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, s.SaveCloseSnapshots(map[string]models.CloseSnapshot{
		"NVDA": {Symbol: "NVDA", ClosePrice: 100},
	}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-", "temp file left behind: %s", e.Name())
	}
	_, err = os.Stat(filepath.Join(dir, "close_snapshots.json"))
	assert.NoError(t, err)
}
