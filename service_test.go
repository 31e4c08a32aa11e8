package gridcalc

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javajack/gridcalc/store"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *store.DB, int64, map[string]int64, []int64) {
	t.Helper()
	db := newTestStore(t)
	tableID, cols, rows := seedTable(t, db, "Orders", []string{"Amount", "Derived"}, 3)

	svc := NewService(db, opts...)
	t.Cleanup(func() { svc.Close() })
	return svc, db, tableID, cols, rows
}

func TestUpdateCell_ValueWritePropagatesToDependents(t *testing.T) {
	svc, db, tableID, cols, rows := newTestService(t)
	ctx := context.Background()

	_, err := svc.UpdateCell(ctx, UpdateRequest{
		TableID: tableID, RowID: rows[0], ColumnID: cols["Derived"], Formula: "=A1*2",
	})
	require.NoError(t, err)

	resp, err := svc.UpdateCell(ctx, UpdateRequest{
		TableID: tableID, RowID: rows[0], ColumnID: cols["Amount"], Value: 10.0,
	})
	require.NoError(t, err)
	assert.Equal(t, "10", resp.Value)
	assert.Empty(t, resp.ErrorCode)

	var derived *AffectedCell
	for i := range resp.Affected {
		if resp.Affected[i].ColumnID == cols["Derived"] {
			derived = &resp.Affected[i]
		}
	}
	require.NotNil(t, derived, "dependent cell must surface in Affected")
	assert.Equal(t, "20", derived.Value)

	// The dependent's new value is persisted, not just computed.
	cell, err := db.GetCell(ctx, rows[0], cols["Derived"])
	require.NoError(t, err)
	assert.Equal(t, "20", cell.Value)
}

func TestUpdateCell_BracketFormulaTranslatesPerRow(t *testing.T) {
	svc, db, tableID, cols, rows := newTestService(t)
	ctx := context.Background()

	_, err := svc.UpdateCell(ctx, UpdateRequest{
		TableID: tableID, RowID: rows[1], ColumnID: cols["Amount"], Value: 8.0,
	})
	require.NoError(t, err)

	resp, err := svc.UpdateCell(ctx, UpdateRequest{
		TableID: tableID, RowID: rows[1], ColumnID: cols["Derived"], Formula: "[Amount]*3",
	})
	require.NoError(t, err)
	assert.Equal(t, "=[Amount]*3", resp.Formula, "response echoes the formula as entered")
	assert.Equal(t, "24", resp.Value)

	// The store holds the row-positional rendition.
	cell, err := db.GetCell(ctx, rows[1], cols["Derived"])
	require.NoError(t, err)
	assert.Equal(t, "=A2*3", cell.Formula)
}

func TestUpdateCell_InvalidFormulaFailsClosed(t *testing.T) {
	svc, db, tableID, cols, rows := newTestService(t)
	ctx := context.Background()

	_, err := svc.UpdateCell(ctx, UpdateRequest{
		TableID: tableID, RowID: rows[0], ColumnID: cols["Derived"], Formula: "=SUM((A1",
	})
	require.ErrorIs(t, err, ErrInvalidFormula)

	cell, err := db.GetCell(ctx, rows[0], cols["Derived"])
	require.NoError(t, err)
	assert.Zero(t, cell.CalcVersion, "rejected write must not persist")
}

func TestUpdateCell_WritesAudit(t *testing.T) {
	svc, db, tableID, cols, rows := newTestService(t)
	ctx := context.Background()

	_, err := svc.UpdateCell(ctx, UpdateRequest{
		TableID: tableID, RowID: rows[0], ColumnID: cols["Amount"], Value: 5.0,
	})
	require.NoError(t, err)
	_, err = svc.UpdateCell(ctx, UpdateRequest{
		TableID: tableID, RowID: rows[0], ColumnID: cols["Amount"], Value: 6.0,
	})
	require.NoError(t, err)

	entries, err := db.ListAudit(ctx, tableID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.NotEmpty(t, e.ID)
	}
	// Most recent first.
	assert.Equal(t, "5", entries[0].OldValue)
	assert.Equal(t, "6", entries[0].NewValue)
	assert.Equal(t, "", entries[1].OldValue)
	assert.Equal(t, "5", entries[1].NewValue)
}

func TestBulkUpdate_OversizedBatchRejectedBeforeWrites(t *testing.T) {
	svc, db, tableID, cols, rows := newTestService(t, WithMaxBatchSize(2))
	ctx := context.Background()

	reqs := []UpdateRequest{
		{TableID: tableID, RowID: rows[0], ColumnID: cols["Amount"], Value: 1.0},
		{TableID: tableID, RowID: rows[1], ColumnID: cols["Amount"], Value: 2.0},
		{TableID: tableID, RowID: rows[2], ColumnID: cols["Amount"], Value: 3.0},
	}
	_, err := svc.BulkUpdate(ctx, reqs, BulkOptions{})
	require.ErrorIs(t, err, ErrBatchTooLarge)

	for _, rowID := range rows {
		cell, err := db.GetCell(ctx, rowID, cols["Amount"])
		require.NoError(t, err)
		assert.Zero(t, cell.CalcVersion)
	}
}

func TestBulkUpdate_ItemFailureIsIsolated(t *testing.T) {
	svc, db, tableID, cols, rows := newTestService(t)
	ctx := context.Background()

	reqs := []UpdateRequest{
		{TableID: tableID, RowID: rows[0], ColumnID: cols["Amount"], Value: 1.0},
		{TableID: tableID, RowID: rows[1], ColumnID: cols["Amount"], Formula: "=SUM((A1"},
		{TableID: tableID, RowID: rows[2], ColumnID: cols["Amount"], Value: 3.0},
	}
	resp, err := svc.BulkUpdate(ctx, reqs, BulkOptions{})
	require.NoError(t, err)
	require.Len(t, resp.Items, 3)

	assert.Empty(t, resp.Items[0].Err)
	assert.NotEmpty(t, resp.Items[1].Err)
	assert.Empty(t, resp.Items[2].Err)

	cell, err := db.GetCell(ctx, rows[2], cols["Amount"])
	require.NoError(t, err)
	assert.Equal(t, "3", cell.Value)
}

func TestBulkUpdate_SkipFormulaRecalc(t *testing.T) {
	svc, _, tableID, cols, rows := newTestService(t)
	ctx := context.Background()

	_, err := svc.UpdateCell(ctx, UpdateRequest{
		TableID: tableID, RowID: rows[0], ColumnID: cols["Derived"], Formula: "=A1*2",
	})
	require.NoError(t, err)

	resp, err := svc.BulkUpdate(ctx, []UpdateRequest{
		{TableID: tableID, RowID: rows[0], ColumnID: cols["Amount"], Value: 50.0},
	}, BulkOptions{SkipFormulaRecalc: true})
	require.NoError(t, err)
	assert.Empty(t, resp.Affected, "propagation deferred when skip is requested")
}

func TestService_SetRowOrderRemapsPositions(t *testing.T) {
	svc, _, tableID, cols, rows := newTestService(t)
	ctx := context.Background()

	// Reverse the display order: rows[2] now sits at position 1.
	svc.SetRowOrder(tableID, []int64{rows[2], rows[1], rows[0]})

	_, err := svc.UpdateCell(ctx, UpdateRequest{
		TableID: tableID, RowID: rows[2], ColumnID: cols["Amount"], Value: 7.0,
	})
	require.NoError(t, err)

	// A1 resolves to rows[2] under the new order.
	resp, err := svc.UpdateCell(ctx, UpdateRequest{
		TableID: tableID, RowID: rows[0], ColumnID: cols["Derived"], Formula: "=A1*3",
	})
	require.NoError(t, err)
	assert.Equal(t, "21", resp.Value)
}

func TestService_ConcurrentReorderAndCrossTableWrites(t *testing.T) {
	db := newTestStore(t)
	aID, aCols, aRows := seedTable(t, db, "Alpha", []string{"X"}, 2)
	_, bCols, bRows := seedTable(t, db, "Beta", []string{"Y"}, 1)
	seedCell(t, db, bRows[0], bCols["Y"], "3", "")

	svc := NewService(db)
	t.Cleanup(func() { svc.Close() })
	ctx := context.Background()

	// Reorders churn while formula writes lazily load Beta as a
	// secondary sheet; both must coexist without corrupting shared
	// registry state or tearing the engine out from under a write.
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}
			svc.SetRowOrder(aID, []int64{aRows[i%2], aRows[(i+1)%2]})
		}
	}()

	for i := 0; i < 50; i++ {
		resp, err := svc.UpdateCell(ctx, UpdateRequest{
			TableID: aID, RowID: aRows[0], ColumnID: aCols["X"], Formula: "=Beta!A1+1",
		})
		require.NoError(t, err)
		assert.Equal(t, "4", resp.Value)
	}
	close(done)
	wg.Wait()
}

func TestService_UpdateCellSurvivesInvalidate(t *testing.T) {
	svc, _, tableID, cols, rows := newTestService(t)
	ctx := context.Background()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				svc.Registry().Invalidate(tableID)
			}
		}
	}()

	for i := 0; i < 50; i++ {
		resp, err := svc.UpdateCell(ctx, UpdateRequest{
			TableID: tableID, RowID: rows[0], ColumnID: cols["Amount"], Value: float64(i),
		})
		require.NoError(t, err)
		assert.Empty(t, resp.ErrorCode)
	}
	close(done)
	wg.Wait()
}

func TestUpdateCell_ComputedDependentReportedOnce(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	tableID, cols, rows := seedTable(t, db, "Items", []string{"Price", "Qty"}, 1)
	totalID, err := db.CreateColumn(ctx, tableID, "Total", 3, true, "=[Price]*[Qty]")
	require.NoError(t, err)
	seedCell(t, db, rows[0], cols["Qty"], "2", "")

	svc := NewService(db)
	t.Cleanup(func() { svc.Close() })

	// Prime the computed column so its cells live in the engine too.
	_, err = svc.RecalcColumn(ctx, tableID, totalID, "=[Price]*[Qty]", nil)
	require.NoError(t, err)
	before, err := db.GetCell(ctx, rows[0], totalID)
	require.NoError(t, err)

	// The computed cell is reachable both through the engine rescan and
	// through the name-declared dependency; one write must surface and
	// persist it exactly once.
	resp, err := svc.UpdateCell(ctx, UpdateRequest{
		TableID: tableID, RowID: rows[0], ColumnID: cols["Price"], Value: 10.0,
	})
	require.NoError(t, err)

	count := 0
	for _, ac := range resp.Affected {
		if ac.ColumnID == totalID {
			count++
			assert.Equal(t, "20", ac.Value)
		}
	}
	assert.Equal(t, 1, count, "computed dependent must appear exactly once")

	after, err := db.GetCell(ctx, rows[0], totalID)
	require.NoError(t, err)
	assert.Equal(t, before.CalcVersion+1, after.CalcVersion, "one logical change, one version bump")
}

func TestUpdateCell_BracketInStringLiteralIsNotAToken(t *testing.T) {
	svc, db, tableID, cols, rows := newTestService(t)
	ctx := context.Background()

	resp, err := svc.UpdateCell(ctx, UpdateRequest{
		TableID: tableID, RowID: rows[0], ColumnID: cols["Derived"], Formula: `=IF(A1="[",1,0)`,
	})
	require.NoError(t, err)
	assert.Equal(t, "0", resp.Value)
	assert.Empty(t, resp.ErrorCode)

	cell, err := db.GetCell(ctx, rows[0], cols["Derived"])
	require.NoError(t, err)
	assert.Equal(t, `=IF(A1="[",1,0)`, cell.Formula, "a bare bracket is not a column token")
}

func TestService_Recalculate(t *testing.T) {
	svc, db, tableID, cols, rows := newTestService(t)
	ctx := context.Background()

	seedCell(t, db, rows[0], cols["Derived"], "999", "=1+1")

	sum, err := svc.Recalculate(ctx, tableID, RecalcOptions{ForceAll: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ProcessedCells)
	assert.Equal(t, 1, sum.ChangedCells)
}

func TestService_RecalcColumn(t *testing.T) {
	svc, db, tableID, cols, rows := newTestService(t)
	ctx := context.Background()

	for _, rowID := range rows {
		_, err := svc.UpdateCell(ctx, UpdateRequest{
			TableID: tableID, RowID: rowID, ColumnID: cols["Amount"], Value: 4.0,
		})
		require.NoError(t, err)
	}

	res, err := svc.RecalcColumn(ctx, tableID, cols["Derived"], "=[Amount]+1", nil)
	require.NoError(t, err)
	require.Len(t, res.Results, 3)
	for _, rr := range res.Results {
		assert.Equal(t, "5", rr.Value)
	}

	cell, err := db.GetCell(ctx, rows[0], cols["Derived"])
	require.NoError(t, err)
	assert.Equal(t, "5", cell.Value)
	assert.Equal(t, "=A1+1", cell.Formula)
}
