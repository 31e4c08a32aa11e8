package gridcalc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ContextIsCachedPerTable(t *testing.T) {
	db := newTestStore(t)
	tableA, _, _ := seedTable(t, db, "A", []string{"X"}, 1)
	tableB, _, _ := seedTable(t, db, "B", []string{"X"}, 1)

	r := NewRegistry(db)
	t.Cleanup(func() { r.Close() })
	ctx := context.Background()

	cc1, err := r.Context(ctx, tableA)
	require.NoError(t, err)
	defer cc1.Release()
	cc2, err := r.Context(ctx, tableA)
	require.NoError(t, err)
	defer cc2.Release()
	assert.Same(t, cc1, cc2)

	cc3, err := r.Context(ctx, tableB)
	require.NoError(t, err)
	defer cc3.Release()
	assert.NotSame(t, cc1, cc3)
}

func TestRegistry_ContextUnknownTable(t *testing.T) {
	db := newTestStore(t)
	r := NewRegistry(db)
	t.Cleanup(func() { r.Close() })

	_, err := r.Context(context.Background(), 9999)
	assert.Error(t, err)
}

func TestRegistry_InvalidateForcesRebuild(t *testing.T) {
	db := newTestStore(t)
	tableID, _, _ := seedTable(t, db, "A", []string{"X"}, 1)

	r := NewRegistry(db)
	t.Cleanup(func() { r.Close() })
	ctx := context.Background()

	cc1, err := r.Context(ctx, tableID)
	require.NoError(t, err)
	cc1.Release()

	r.Invalidate(tableID)

	cc2, err := r.Context(ctx, tableID)
	require.NoError(t, err)
	defer cc2.Release()
	assert.NotSame(t, cc1, cc2)
}

func TestRegistry_InvalidateKeepsInFlightContextUsable(t *testing.T) {
	db := newTestStore(t)
	tableID, cols, rows := seedTable(t, db, "A", []string{"X"}, 1)

	r := NewRegistry(db)
	t.Cleanup(func() { r.Close() })
	ctx := context.Background()

	cc, err := r.Context(ctx, tableID)
	require.NoError(t, err)

	// Dropping the context from the registry must not dispose the
	// engine under an operation still holding it.
	r.Invalidate(tableID)

	res, err := cc.UpdateCellWithFormula(ctx, tableID, rows[0], cols["X"], "=2*3")
	require.NoError(t, err)
	assert.Equal(t, "6", res.Value)
	cc.Release()
}

func TestRegistry_SetRowOrderInvalidatesAllContexts(t *testing.T) {
	db := newTestStore(t)
	tableA, colsA, rowsA := seedTable(t, db, "A", []string{"X"}, 2)
	tableB, _, _ := seedTable(t, db, "B", []string{"X"}, 1)

	r := NewRegistry(db)
	t.Cleanup(func() { r.Close() })
	ctx := context.Background()

	ccA, err := r.Context(ctx, tableA)
	require.NoError(t, err)
	ccA.Release()
	ccB, err := r.Context(ctx, tableB)
	require.NoError(t, err)
	ccB.Release()

	// Another table's context may hold A as a secondary sheet, so a
	// reorder drops every context, not just A's.
	r.SetRowOrder(tableA, []int64{rowsA[1], rowsA[0]})

	ccA2, err := r.Context(ctx, tableA)
	require.NoError(t, err)
	defer ccA2.Release()
	assert.NotSame(t, ccA, ccA2)
	ccB2, err := r.Context(ctx, tableB)
	require.NoError(t, err)
	defer ccB2.Release()
	assert.NotSame(t, ccB, ccB2)

	// The rebuilt context maps positions under the new order.
	ref, err := ccA2.Primary().Mapper().CellToRef(rowsA[1], colsA["X"])
	require.NoError(t, err)
	assert.Equal(t, "A1", ref)
}

func TestRegistry_LazyLoadUsesCreationSnapshot(t *testing.T) {
	db := newTestStore(t)
	aID, aCols, aRows := seedTable(t, db, "Alpha", []string{"X"}, 1)
	bID, bCols, bRows := seedTable(t, db, "Beta", []string{"Y"}, 2)
	seedCell(t, db, bRows[0], bCols["Y"], "1", "")
	seedCell(t, db, bRows[1], bCols["Y"], "2", "")

	r := NewRegistry(db)
	t.Cleanup(func() { r.Close() })
	ctx := context.Background()

	ccOld, err := r.Context(ctx, aID)
	require.NoError(t, err)

	// Reorder Beta after Alpha's context exists. The retained context
	// keeps resolving lazy loads against its creation-time snapshot of
	// the display orders; only the rebuilt context sees the new order.
	r.SetRowOrder(bID, []int64{bRows[1], bRows[0]})

	res, err := ccOld.UpdateCellWithFormula(ctx, aID, aRows[0], aCols["X"], "=Beta!A1")
	require.NoError(t, err)
	assert.Equal(t, "1", res.Value)
	ccOld.Release()

	ccNew, err := r.Context(ctx, aID)
	require.NoError(t, err)
	defer ccNew.Release()
	res, err = ccNew.UpdateCellWithFormula(ctx, aID, aRows[0], aCols["X"], "=Beta!A1")
	require.NoError(t, err)
	assert.Equal(t, "2", res.Value)
}
