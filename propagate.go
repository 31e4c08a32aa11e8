package gridcalc

import (
	"context"
	"fmt"
)

// Propagator pushes the consequences of one write back into the store:
// it collects the engine-side ripple (cells whose evaluated value moved),
// persists each at its database coordinates, and re-triggers computed
// columns that declare a dependency on the written column.
type Propagator struct {
	cross      *CrossTableContext
	store      Store
	translator *Translator
}

// NewPropagator creates a Propagator for one cross-table context.
func NewPropagator(cross *CrossTableContext, st Store) *Propagator {
	return &Propagator{
		cross:      cross,
		store:      st,
		translator: NewTranslator(cross, st),
	}
}

// AfterWrite runs the full propagation pass for a just-written cell and
// returns every other cell whose persisted value was updated, each cell
// at most once. Persistence failures on individual cells are reported in
// errs and do not abort the pass.
func (p *Propagator) AfterWrite(ctx context.Context, tableID int64, written CellKey) (affected []AffectedCell, errs []string, err error) {
	// Name-declared dependents first: computed columns reading the
	// written column re-run for the written row, evaluating and
	// persisting their cells. The scan below then sees those cells as
	// already current, so one logical change persists each cell once.
	computed, err := p.translator.PropagateSourceChange(ctx, tableID, written.ColumnID, []int64{written.RowID})
	if err != nil {
		return nil, nil, err
	}

	type cellID struct {
		table int64
		cell  CellKey
	}
	seen := map[cellID]bool{
		{table: tableID, cell: written}: true, // persisted by the caller
	}
	for _, ac := range computed {
		id := cellID{table: ac.TableID, cell: CellKey{RowID: ac.RowID, ColumnID: ac.ColumnID}}
		if seen[id] {
			continue
		}
		seen[id] = true
		affected = append(affected, ac)
	}

	res := p.cross.RecalcAffected()
	errs = append(errs, res.Errors...)
	for _, ac := range res.Affected {
		id := cellID{table: ac.TableID, cell: CellKey{RowID: ac.RowID, ColumnID: ac.ColumnID}}
		if seen[id] {
			continue
		}
		if perr := p.persist(ctx, ac); perr != nil {
			errs = append(errs, perr.Error())
			continue
		}
		seen[id] = true
		affected = append(affected, ac)
	}
	return affected, errs, nil
}

// persist writes one rippled cell, keeping its tracked formula text.
func (p *Propagator) persist(ctx context.Context, ac AffectedCell) error {
	tc, ok := p.cross.Table(ac.TableID)
	if !ok {
		return fmt.Errorf("table %d not loaded: %w", ac.TableID, ErrTableNotFound)
	}
	formula, _ := tc.Formula(CellKey{RowID: ac.RowID, ColumnID: ac.ColumnID})
	_, err := p.store.SaveCellCalc(ctx, ac.RowID, ac.ColumnID, ac.Value, formula, ac.ErrorCode)
	return err
}
