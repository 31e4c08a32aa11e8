package gridcalc

import (
	"context"
	"fmt"
	"regexp"
	"sort"
)

// columnTokenRegex matches a bracketed column-name token like "[Price]"
// inside a computed-column formula.
var columnTokenRegex = regexp.MustCompile(`\[([^\[\]]+)\]`)

// Translator rewrites column-name-addressed formulas into row-relative
// positional formulas. Computed columns reference columns by display name
// ("=[Price]*0.19"); each row gets its own positional rendition.
type Translator struct {
	cross *CrossTableContext
	store Store
}

// NewTranslator creates a Translator over a cross-table context.
func NewTranslator(cross *CrossTableContext, st Store) *Translator {
	return &Translator{cross: cross, store: st}
}

// RowResult is the per-row outcome of a column recalculation.
type RowResult struct {
	RowID     int64
	Value     string
	ErrorCode string
	Err       string // structural failure, distinct from formula errors
}

// ColumnRecalcResult reports a column recalculation. A failure on one row
// never stops the remaining rows; Failed counts rows with structural
// errors.
type ColumnRecalcResult struct {
	ColumnID int64
	Results  []RowResult
	Failed   int
}

// Dependencies returns the deduplicated set of column names a formula
// references via bracketed tokens, sorted for determinism. This is the
// declared dependency set used for name-based propagation; it is a
// superset of what the formula actually reads because every token is
// collected whether or not it resolves.
func Dependencies(formulaText string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range columnTokenRegex.FindAllStringSubmatch(formulaText, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	sort.Strings(names)
	return names
}

// TranslateForRow substitutes each bracketed column-name token with the
// positional reference of that column in the given row. Tokens naming an
// unknown column are left untouched so evaluation surfaces a downstream
// error instead of a silent translation failure.
func (t *Translator) TranslateForRow(ctx context.Context, tableID int64, formulaText string, rowID int64) (string, error) {
	tc, err := t.cross.LoadTable(ctx, tableID, tableID == t.cross.PrimaryID())
	if err != nil {
		return "", err
	}
	mapper := tc.Mapper()

	var mapErr error
	translated := columnTokenRegex.ReplaceAllStringFunc(formulaText, func(token string) string {
		name := token[1 : len(token)-1]
		columnID, ok := mapper.ColumnIDByName(name)
		if !ok {
			return token
		}
		ref, err := mapper.CellToRef(rowID, columnID)
		if err != nil {
			if mapErr == nil {
				mapErr = fmt.Errorf("translate %q for row %d: %w", name, rowID, err)
			}
			return token
		}
		return ref
	})
	if mapErr != nil {
		return "", mapErr
	}
	return translated, nil
}

// RecalcColumn applies a computed column's formula to every given row (or
// every active row when rowIDs is nil), translating, validating and
// writing through the table context, and persisting per-row results.
func (t *Translator) RecalcColumn(ctx context.Context, tableID, columnID int64, formulaText string, rowIDs []int64) (ColumnRecalcResult, error) {
	tc, err := t.cross.LoadTable(ctx, tableID, tableID == t.cross.PrimaryID())
	if err != nil {
		return ColumnRecalcResult{}, err
	}
	if rowIDs == nil {
		rowIDs = tc.Mapper().RowIDs()
	}

	res := ColumnRecalcResult{ColumnID: columnID}
	for _, rowID := range rowIDs {
		rr := RowResult{RowID: rowID}
		var eval EvalResult
		translated, err := t.TranslateForRow(ctx, tableID, formulaText, rowID)
		if err == nil {
			eval, err = t.cross.UpdateCellWithFormula(ctx, tableID, rowID, columnID, translated)
		}
		if err != nil {
			rr.Err = err.Error()
			res.Failed++
			res.Results = append(res.Results, rr)
			continue
		}
		rr.Value = eval.Value
		rr.ErrorCode = eval.ErrorCode
		if _, err := t.store.SaveCellCalc(ctx, rowID, columnID, eval.Value, normalizeFormula(translated), eval.ErrorCode); err != nil {
			rr.Err = err.Error()
			res.Failed++
		}
		res.Results = append(res.Results, rr)
	}
	return res, nil
}

// PropagateSourceChange finds every computed column whose declared
// dependency set names the changed column and re-runs its formula for the
// affected rows (or all rows when rowIDs is nil). Name-based tracking is
// a derived index over the engine's own dependency knowledge; declared
// dependencies must stay a superset of what each formula reads.
func (t *Translator) PropagateSourceChange(ctx context.Context, tableID, changedColumnID int64, rowIDs []int64) ([]AffectedCell, error) {
	columns, err := t.store.ListColumns(ctx, tableID)
	if err != nil {
		return nil, err
	}
	var changedName string
	for _, c := range columns {
		if c.ID == changedColumnID {
			changedName = c.Name
			break
		}
	}
	if changedName == "" {
		return nil, fmt.Errorf("column %d: %w", changedColumnID, ErrUnknownColumn)
	}

	var affected []AffectedCell
	for _, col := range columns {
		if !col.IsComputed || col.ID == changedColumnID {
			continue
		}
		deps := Dependencies(col.Formula)
		if !containsString(deps, changedName) {
			continue
		}
		res, err := t.RecalcColumn(ctx, tableID, col.ID, col.Formula, rowIDs)
		if err != nil {
			return affected, err
		}
		for _, rr := range res.Results {
			if rr.Err != "" {
				continue
			}
			affected = append(affected, AffectedCell{
				TableID:   tableID,
				RowID:     rr.RowID,
				ColumnID:  col.ID,
				Value:     rr.Value,
				ErrorCode: rr.ErrorCode,
			})
		}
	}
	return affected, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
