package gridcalc

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/javajack/gridcalc/engine"
)

// TableContext owns one engine sheet for one table. It is an in-memory
// cache over the store, rebuilt by re-reading all persisted cells; the
// store stays the source of truth at all times.
//
// A per-table mutex serializes mutating operations. The original design
// relied on a non-preemptive host runtime for this; here the guarantee is
// explicit so validate-then-mutate sequences stay atomic under real
// parallelism.
type TableContext struct {
	mu sync.Mutex

	tableID int64
	sheet   string
	eng     engine.Engine
	store   Store
	mapper  *CellMapper
	opts    *Options

	values   map[CellKey]string // last evaluated text (error codes included)
	formulas map[CellKey]string // current formula text, "=" prefixed
}

// RecalcResult is the outcome of a conservative dependent re-scan.
type RecalcResult struct {
	Affected  []AffectedCell
	Errors    []string
	Scanned   int
	Truncated bool // cell ceiling or wall-clock budget hit
}

// newTableContext allocates the sheet and builds the mapper and row order
// without loading cell data. rowOrder nil means "storage order".
func newTableContext(ctx context.Context, eng engine.Engine, st Store, tableID int64, sheet string, rowOrder []int64, opts *Options) (*TableContext, error) {
	if _, err := eng.AddSheet(sheet); err != nil {
		return nil, fmt.Errorf("add sheet for table %d: %w", tableID, err)
	}
	columns, err := st.ListColumns(ctx, tableID)
	if err != nil {
		return nil, err
	}
	mapper := NewCellMapper(columns, opts.rowOrderPolicy)
	if rowOrder == nil {
		rows, err := st.ListActiveRows(ctx, tableID)
		if err != nil {
			return nil, err
		}
		rowOrder = make([]int64, len(rows))
		for i, r := range rows {
			rowOrder[i] = r.ID
		}
	}
	mapper.SetRowOrder(rowOrder)

	return &TableContext{
		tableID:  tableID,
		sheet:    sheet,
		eng:      eng,
		store:    st,
		mapper:   mapper,
		opts:     opts,
		values:   make(map[CellKey]string),
		formulas: make(map[CellKey]string),
	}, nil
}

// NewTableContext creates a context for one table on its own sheet and
// bulk-loads every persisted cell. Formulas load as formula text, never a
// frozen value; use a CrossTableContext instead when formulas may
// reference other tables.
func NewTableContext(ctx context.Context, eng engine.Engine, st Store, tableID int64, sheet string, opts ...Option) (*TableContext, error) {
	tc, err := newTableContext(ctx, eng, st, tableID, sheet, nil, newOptions(opts...))
	if err != nil {
		return nil, err
	}
	if err := tc.loadCells(ctx, nil); err != nil {
		return nil, err
	}
	return tc, nil
}

// loadCells bulk-loads the table's persisted cells into the sheet.
// rewrite, when non-nil, transforms formula text (cross-table resolution)
// before it reaches the engine and reports whether a dangling reference
// was substituted. Structural mapping failures are reported per-cell and
// do not abort the load.
func (tc *TableContext) loadCells(ctx context.Context, rewrite func(string) (string, bool, error)) error {
	cells, err := tc.store.ListCells(ctx, tc.tableID)
	if err != nil {
		return err
	}
	for _, c := range cells {
		key := CellKey{RowID: c.RowID, ColumnID: c.ColumnID}
		ref, err := tc.mapper.CellToRef(c.RowID, c.ColumnID)
		if err != nil {
			continue // stale cell for a removed column or unordered row
		}
		if c.Formula != "" {
			text := c.Formula
			dangling := false
			if rewrite != nil {
				if rw, d, err := rewrite(text); err == nil {
					text, dangling = rw, d
				}
			}
			if dangling {
				// Dangling cross-table reference: load the error
				// literal so the cell evaluates deterministically.
				if err := tc.eng.SetCellValue(tc.sheet, ref, ErrCodeRef); err != nil {
					return fmt.Errorf("load value at %s: %w", ref, err)
				}
			} else if err := tc.eng.SetCellFormula(tc.sheet, ref, text); err != nil {
				return fmt.Errorf("load formula at %s: %w", ref, err)
			}
			tc.formulas[key] = normalizeFormula(c.Formula)
		} else if c.Value != "" {
			if err := tc.eng.SetCellValue(tc.sheet, ref, typedValue(c.Value)); err != nil {
				return fmt.Errorf("load value at %s: %w", ref, err)
			}
		}
		if c.ErrorCode != "" {
			tc.values[key] = c.ErrorCode
		} else {
			tc.values[key] = c.Value
		}
	}
	return nil
}

// TableID returns the owning table id.
func (tc *TableContext) TableID() int64 { return tc.tableID }

// Sheet returns the engine sheet name.
func (tc *TableContext) Sheet() string { return tc.sheet }

// Mapper returns the coordinate mapper.
func (tc *TableContext) Mapper() *CellMapper { return tc.mapper }

// SetRowOrder replaces the display order. The sheet itself is not
// re-shuffled; callers that change order on a live context must reload it
// (the Registry invalidates on reorder for exactly this reason).
func (tc *TableContext) SetRowOrder(rowIDs []int64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.mapper.SetRowOrder(rowIDs)
}

// SetValue writes a literal value into the engine at the cell's mapped
// position. Fails with ErrUnmappedCell when the cell cannot be mapped.
func (tc *TableContext) SetValue(rowID, columnID int64, value any) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	ref, err := tc.mapper.CellToRef(rowID, columnID)
	if err != nil {
		return fmt.Errorf("map cell (%d,%d): %w (%v)", rowID, columnID, ErrUnmappedCell, err)
	}
	if err := tc.eng.SetCellValue(tc.sheet, ref, value); err != nil {
		return fmt.Errorf("set value at %s: %w", ref, err)
	}
	delete(tc.formulas, CellKey{RowID: rowID, ColumnID: columnID})
	return nil
}

// SetFormula validates formula text on a disposable engine context and,
// only on success, writes it into the live sheet. A malformed formula
// returns ErrInvalidFormula and leaves engine state untouched.
func (tc *TableContext) SetFormula(rowID, columnID int64, formulaText string) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.setFormulaLocked(rowID, columnID, formulaText)
}

func (tc *TableContext) setFormulaLocked(rowID, columnID int64, formulaText string) error {
	formulaText = normalizeFormula(formulaText)
	ref, err := tc.mapper.CellToRef(rowID, columnID)
	if err != nil {
		return fmt.Errorf("map cell (%d,%d): %w (%v)", rowID, columnID, ErrUnmappedCell, err)
	}
	if v, ok := tc.eng.(engine.Validator); ok {
		if err := v.ValidateFormula(formulaText); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidFormula, err)
		}
	}
	if err := tc.eng.SetCellFormula(tc.sheet, ref, formulaText); err != nil {
		return fmt.Errorf("set formula at %s: %w", ref, err)
	}
	tc.formulas[CellKey{RowID: rowID, ColumnID: columnID}] = formulaText
	return nil
}

// Evaluate reads the engine value at the cell's mapped position,
// normalizing error-typed results into the fixed error vocabulary.
func (tc *TableContext) Evaluate(rowID, columnID int64) (EvalResult, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.evaluateLocked(rowID, columnID)
}

func (tc *TableContext) evaluateLocked(rowID, columnID int64) (EvalResult, error) {
	ref, err := tc.mapper.CellToRef(rowID, columnID)
	if err != nil {
		return EvalResult{}, fmt.Errorf("map cell (%d,%d): %w (%v)", rowID, columnID, ErrUnmappedCell, err)
	}
	res := tc.calcRef(ref)
	key := CellKey{RowID: rowID, ColumnID: columnID}
	tc.values[key] = res.snapshotText()
	return res, nil
}

// calcRef evaluates one reference and folds engine errors into the error
// vocabulary.
func (tc *TableContext) calcRef(ref string) EvalResult {
	result, err := tc.eng.CalcCell(tc.sheet, ref)
	if err != nil {
		text := result
		if text == "" {
			text = err.Error()
		}
		return EvalResult{ErrorCode: NormalizeErrorCode(text)}
	}
	if IsErrorLiteral(result) {
		return EvalResult{ErrorCode: NormalizeErrorCode(result)}
	}
	return EvalResult{Value: result}
}

func (r EvalResult) snapshotText() string {
	if r.ErrorCode != "" {
		return r.ErrorCode
	}
	return r.Value
}

// RecalcAffected determines the set of cells whose evaluated value
// changed since the last snapshot. The engine exposes no dependent-set
// query, so this conservatively re-evaluates every tracked cell in the
// sheet, a documented over-approximation: correct but not minimal. The
// scan is bounded by the cell ceiling and the wall-clock budget;
// truncation is reported, already-processed work is kept.
func (tc *TableContext) RecalcAffected() RecalcResult {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.recalcAffectedLocked()
}

func (tc *TableContext) recalcAffectedLocked() RecalcResult {
	keys := make([]CellKey, 0, len(tc.values)+len(tc.formulas))
	seen := make(map[CellKey]bool, len(tc.values))
	for k := range tc.values {
		keys = append(keys, k)
		seen[k] = true
	}
	for k := range tc.formulas {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].RowID != keys[j].RowID {
			return keys[i].RowID < keys[j].RowID
		}
		return keys[i].ColumnID < keys[j].ColumnID
	})

	var res RecalcResult
	deadline := time.Now().Add(tc.opts.budget)
	for _, key := range keys {
		if res.Scanned >= tc.opts.maxCells || time.Now().After(deadline) {
			res.Truncated = true
			break
		}
		ref, err := tc.mapper.CellToRef(key.RowID, key.ColumnID)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("cell (%d,%d): %v", key.RowID, key.ColumnID, err))
			continue
		}
		res.Scanned++
		eval := tc.calcRef(ref)
		text := eval.snapshotText()
		if text == tc.values[key] {
			continue
		}
		tc.values[key] = text
		res.Affected = append(res.Affected, AffectedCell{
			TableID:   tc.tableID,
			RowID:     key.RowID,
			ColumnID:  key.ColumnID,
			Value:     eval.Value,
			ErrorCode: eval.ErrorCode,
		})
	}
	return res
}

// Formula returns the tracked formula text for a cell, if any.
func (tc *TableContext) Formula(key CellKey) (string, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	f, ok := tc.formulas[key]
	return f, ok
}

// normalizeFormula guarantees a single leading "=".
func normalizeFormula(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "=") {
		return "=" + text
	}
	return text
}

// typedValue converts persisted value text back into a typed engine
// value so numeric aggregation keeps working after a reload.
func typedValue(s string) any {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
