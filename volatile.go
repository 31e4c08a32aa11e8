package gridcalc

import (
	"context"
	"strings"
	"time"

	"github.com/xuri/efp"
)

// RecalcOptions controls an explicit recalculation pass.
type RecalcOptions struct {
	// ForceAll re-evaluates every formula cell, volatile or not.
	ForceAll bool

	// IncludeVolatile re-evaluates cells whose formula invokes a known
	// volatile function. With both flags false nothing is processed.
	IncludeVolatile bool

	// MaxCells caps how many formula cells are loaded; zero means the
	// configured default.
	MaxCells int

	// Select optionally restricts processing to rows matching an
	// expression over the row's cell values by column name.
	Select string
}

// CellDiff records one cell whose persisted value actually changed.
type CellDiff struct {
	RowID     int64
	ColumnID  int64
	OldValue  string
	NewValue  string
	ErrorCode string
}

// RecalcSummary reports what a recalculation pass did.
type RecalcSummary struct {
	TotalCells     int
	ProcessedCells int
	VolatileCells  int
	ChangedCells   int
	ErrorCells     int
	Duration       time.Duration
	Diffs          []CellDiff
}

// VolatileCoordinator re-evaluates formulas that invoke non-deterministic
// functions. Persisted values are snapshots; without an explicit trigger,
// time- or randomness-based formulas would never visibly update between
// edits.
type VolatileCoordinator struct {
	cross *CrossTableContext
	store Store
	opts  *Options
	fns   map[string]bool
}

// NewVolatileCoordinator creates a coordinator over a cross-table context.
func NewVolatileCoordinator(cross *CrossTableContext, st Store, opts ...Option) *VolatileCoordinator {
	o := newOptions(opts...)
	return newVolatileCoordinator(cross, st, o)
}

func newVolatileCoordinator(cross *CrossTableContext, st Store, o *Options) *VolatileCoordinator {
	fns := make(map[string]bool, len(o.volatileFns))
	for _, name := range o.volatileFns {
		fns[strings.ToUpper(name)] = true
	}
	return &VolatileCoordinator{cross: cross, store: st, opts: o, fns: fns}
}

// ContainsVolatile reports whether formula text invokes a known volatile
// function. Detection tokenizes the formula so "RANDOM_NOTES" never
// matches RAND; an untokenizable formula falls back to a word scan.
func (v *VolatileCoordinator) ContainsVolatile(formulaText string) bool {
	ps := efp.ExcelParser()
	tokens := ps.Parse(strings.TrimPrefix(formulaText, "="))
	if len(tokens) == 0 {
		return false
	}
	for _, tok := range tokens {
		if tok.TType == efp.TokenTypeFunction && tok.TSubType == efp.TokenSubTypeStart {
			if v.fns[strings.ToUpper(tok.TValue)] {
				return true
			}
		}
	}
	return false
}

// Recalculate runs one bounded recalculation pass over a table's formula
// cells: skip unless forced or volatile, re-apply the unchanged formula
// text to force re-evaluation, and persist only cells whose value
// actually changed. Per-cell failures are counted, not fatal; the
// wall-clock budget stops further processing without discarding work
// already done.
func (v *VolatileCoordinator) Recalculate(ctx context.Context, tableID int64, opts RecalcOptions) (RecalcSummary, error) {
	start := time.Now()
	maxCells := opts.MaxCells
	if maxCells <= 0 {
		maxCells = v.opts.maxCells
	}

	var pred *RowPredicate
	if opts.Select != "" {
		p, err := CompileRowPredicate(opts.Select)
		if err != nil {
			return RecalcSummary{}, err
		}
		pred = p
	}

	cells, err := v.store.ListFormulaCells(ctx, tableID, maxCells)
	if err != nil {
		return RecalcSummary{}, err
	}
	summary := RecalcSummary{TotalCells: len(cells)}

	var rowEnvs map[int64]map[string]any
	if pred != nil {
		rowEnvs, err = v.loadRowEnvs(ctx, tableID)
		if err != nil {
			return summary, err
		}
	}

	deadline := start.Add(v.opts.budget)
	for _, cell := range cells {
		if time.Now().After(deadline) {
			break
		}
		volatile := v.ContainsVolatile(cell.Formula)
		if volatile {
			summary.VolatileCells++
		}
		if !opts.ForceAll && !(opts.IncludeVolatile && volatile) {
			continue
		}
		if pred != nil {
			match, err := pred.Match(rowEnvs[cell.RowID])
			if err != nil || !match {
				continue
			}
		}
		summary.ProcessedCells++

		eval, err := v.cross.UpdateCellWithFormula(ctx, tableID, cell.RowID, cell.ColumnID, cell.Formula)
		if err != nil {
			summary.ErrorCells++
			continue
		}
		if eval.ErrorCode != "" {
			summary.ErrorCells++
		}
		if eval.Value == cell.Value && eval.ErrorCode == cell.ErrorCode {
			continue
		}
		if _, err := v.store.SaveCellCalc(ctx, cell.RowID, cell.ColumnID, eval.Value, cell.Formula, eval.ErrorCode); err != nil {
			summary.ErrorCells++
			continue
		}
		summary.ChangedCells++
		summary.Diffs = append(summary.Diffs, CellDiff{
			RowID:     cell.RowID,
			ColumnID:  cell.ColumnID,
			OldValue:  cell.Value,
			NewValue:  eval.Value,
			ErrorCode: eval.ErrorCode,
		})
	}
	summary.Duration = time.Since(start)
	return summary, nil
}

// loadRowEnvs builds, per row, the column-name → typed cell value map the
// selection predicate evaluates against.
func (v *VolatileCoordinator) loadRowEnvs(ctx context.Context, tableID int64) (map[int64]map[string]any, error) {
	columns, err := v.store.ListColumns(ctx, tableID)
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(columns))
	for _, c := range columns {
		names[c.ID] = c.Name
	}
	cells, err := v.store.ListCells(ctx, tableID)
	if err != nil {
		return nil, err
	}
	envs := make(map[int64]map[string]any)
	for _, c := range cells {
		name, ok := names[c.ColumnID]
		if !ok || c.Value == "" {
			continue
		}
		env := envs[c.RowID]
		if env == nil {
			env = make(map[string]any)
			envs[c.RowID] = env
		}
		env[name] = typedValue(c.Value)
	}
	return envs, nil
}
