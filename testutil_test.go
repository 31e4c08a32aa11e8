package gridcalc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/javajack/gridcalc/store"
)

// newTestStore opens an in-memory store for one test.
func newTestStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// seedTable creates a table with plain columns and rows. Returns the
// table id, column ids keyed by name, and row ids in creation order.
func seedTable(t *testing.T, db *store.DB, name string, columns []string, rowCount int) (int64, map[string]int64, []int64) {
	t.Helper()
	ctx := context.Background()

	tableID, err := db.CreateTable(ctx, name)
	require.NoError(t, err)

	columnIDs := make(map[string]int64, len(columns))
	for i, col := range columns {
		id, err := db.CreateColumn(ctx, tableID, col, i+1, false, "")
		require.NoError(t, err)
		columnIDs[col] = id
	}

	rowIDs := make([]int64, rowCount)
	for i := range rowIDs {
		id, err := db.CreateRow(ctx, tableID)
		require.NoError(t, err)
		rowIDs[i] = id
	}
	return tableID, columnIDs, rowIDs
}

// seedCell persists one cell directly, bypassing the engine.
func seedCell(t *testing.T, db *store.DB, rowID, columnID int64, value, formula string) {
	t.Helper()
	_, err := db.SaveCellCalc(context.Background(), rowID, columnID, value, formula, "")
	require.NoError(t, err)
}
