package gridcalc

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/javajack/gridcalc/engine"
)

// primarySheetName is the internal sheet identifier for the anchor table
// of a cross-table context. Secondary tables get sheets named after their
// display name.
const primarySheetName = "Primary"

// crossRefRegex matches a cross-table formula fragment: a table name,
// bare ("Orders!A1") or bracketed ("[Order Lines]!A1:B10"), followed by a
// cell or range reference. Already-rewritten fragments ("'Orders'!A1") do
// not match because quotes are excluded from both name forms.
var crossRefRegex = regexp.MustCompile(
	`(?:\[([^\[\]!]+)\]|([A-Za-z_][A-Za-z0-9_]*))!(\$?[A-Z]{1,3}\$?\d+(?::\$?[A-Z]{1,3}\$?\d+)?)`)

// CrossTableContext is one computation engine instance spanning multiple
// tables, anchored at a primary table. Additional tables load lazily as
// additional sheets the moment a formula references them.
type CrossTableContext struct {
	mu sync.Mutex

	eng   engine.Engine
	store Store
	opts  *Options

	refs    int  // in-flight operations holding this context
	closing bool // Close was requested; dispose on last release
	closed  bool // engine already disposed

	primaryID int64
	tables    map[int64]*TableContext
	sheetBy   map[int64]string // table id → sheet name
	tableBy   map[string]int64 // sheet name → table id
	nameIndex map[string]int64 // lower(table name) → table id

	// rowOrderFor supplies the externally-set display order for a table,
	// or nil for storage order. The Registry hands in a closure over an
	// immutable snapshot taken at creation, so lazy loads never touch
	// shared registry state.
	rowOrderFor func(tableID int64) []int64
}

// NewCrossTableContext creates a context anchored at the primary table,
// loading its sheet and the table-name index.
func NewCrossTableContext(ctx context.Context, st Store, primaryID int64, opts ...Option) (*CrossTableContext, error) {
	return newCrossTableContext(ctx, st, primaryID, nil, newOptions(opts...))
}

func newCrossTableContext(ctx context.Context, st Store, primaryID int64, rowOrderFor func(int64) []int64, opts *Options) (*CrossTableContext, error) {
	c := &CrossTableContext{
		eng:         opts.engineFactory(),
		store:       st,
		opts:        opts,
		primaryID:   primaryID,
		tables:      make(map[int64]*TableContext),
		sheetBy:     make(map[int64]string),
		tableBy:     make(map[string]int64),
		rowOrderFor: rowOrderFor,
	}
	if err := c.refreshNameIndexLocked(ctx); err != nil {
		c.eng.Close()
		return nil, err
	}
	if _, err := c.loadTableLocked(ctx, primaryID, true); err != nil {
		c.eng.Close()
		return nil, err
	}
	return c, nil
}

// PrimaryID returns the anchor table id.
func (c *CrossTableContext) PrimaryID() int64 { return c.primaryID }

// Primary returns the anchor table's context.
func (c *CrossTableContext) Primary() *TableContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tables[c.primaryID]
}

// Table returns an already-loaded table context.
func (c *CrossTableContext) Table(tableID int64) (*TableContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tc, ok := c.tables[tableID]
	return tc, ok
}

// LoadTable loads a table as a sheet inside this context. Idempotent: an
// already-loaded table returns its existing context.
func (c *CrossTableContext) LoadTable(ctx context.Context, tableID int64, isPrimary bool) (*TableContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadTableLocked(ctx, tableID, isPrimary)
}

func (c *CrossTableContext) loadTableLocked(ctx context.Context, tableID int64, isPrimary bool) (*TableContext, error) {
	if tc, ok := c.tables[tableID]; ok {
		return tc, nil
	}

	t, err := c.store.GetTable(ctx, tableID)
	if err != nil {
		return nil, fmt.Errorf("table %d: %w", tableID, err)
	}
	sheet := primarySheetName
	if !isPrimary {
		sheet = c.uniqueSheetName(SafeSheetName(t.Name))
	}

	var rowOrder []int64
	if c.rowOrderFor != nil {
		rowOrder = c.rowOrderFor(tableID)
	}
	tc, err := newTableContext(ctx, c.eng, c.store, tableID, sheet, rowOrder, c.opts)
	if err != nil {
		return nil, err
	}

	// Register before loading cells: a formula in this table may
	// reference a table that references back, and the lazy load must
	// terminate on the idempotency check above.
	c.tables[tableID] = tc
	c.sheetBy[tableID] = sheet
	c.tableBy[sheet] = tableID

	if err := tc.loadCells(ctx, func(text string) (string, bool, error) {
		return c.rewriteLocked(ctx, text)
	}); err != nil {
		return nil, err
	}
	return tc, nil
}

// uniqueSheetName resolves collisions between display names and the
// reserved primary identifier.
func (c *CrossTableContext) uniqueSheetName(name string) string {
	if name == "" {
		name = "Sheet"
	}
	candidate := name
	for i := 2; ; i++ {
		if _, taken := c.tableBy[candidate]; !taken && candidate != primarySheetName {
			return candidate
		}
		candidate = fmt.Sprintf("%s_%d", name, i)
	}
}

// RefreshNameIndex re-snapshots the table-name → id map. The index is a
// snapshot: renames or archival between resolutions are only observed
// after a refresh (documented staleness window).
func (c *CrossTableContext) RefreshNameIndex(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshNameIndexLocked(ctx)
}

func (c *CrossTableContext) refreshNameIndexLocked(ctx context.Context) error {
	tables, err := c.store.ListTables(ctx)
	if err != nil {
		return err
	}
	idx := make(map[string]int64, len(tables))
	for _, t := range tables {
		idx[strings.ToLower(t.Name)] = t.ID
	}
	c.nameIndex = idx
	return nil
}

// RewriteCrossRefs rewrites cross-table fragments in formula text into
// the engine's native multi-sheet syntax, lazily loading each referenced
// table. A table name that does not resolve (renamed, archived, never
// existed) is substituted with the literal #REF! token so the formula
// still evaluates deterministically to an error instead of failing
// opaquely.
func (c *CrossTableContext) RewriteCrossRefs(ctx context.Context, formulaText string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rewritten, _, err := c.rewriteLocked(ctx, formulaText)
	return rewritten, err
}

// rewriteLocked reports, alongside the rewritten text, whether any
// fragment was substituted with the error literal. The flag is the only
// reliable dangling signal: the literal may also appear inside a quoted
// string in a perfectly valid formula.
func (c *CrossTableContext) rewriteLocked(ctx context.Context, formulaText string) (string, bool, error) {
	var loadErr error
	dangling := false
	rewritten := crossRefRegex.ReplaceAllStringFunc(formulaText, func(match string) string {
		m := crossRefRegex.FindStringSubmatch(match)
		name := m[1]
		if name == "" {
			name = m[2]
		}
		rangePart := m[3]

		tableID, ok := c.nameIndex[strings.ToLower(name)]
		if !ok {
			dangling = true
			return ErrCodeRef
		}
		if _, err := c.loadTableLocked(ctx, tableID, tableID == c.primaryID); err != nil {
			if loadErr == nil {
				loadErr = fmt.Errorf("load referenced table %q: %w", name, err)
			}
			dangling = true
			return ErrCodeRef
		}
		return "'" + c.sheetBy[tableID] + "'!" + rangePart
	})
	return rewritten, dangling, loadErr
}

// UpdateCellWithFormula writes a formula into the target table's sheet
// after cross-reference rewriting and returns the evaluated result. The
// text handed back to callers for persistence is the original, as
// entered; only the engine sees the rewritten form.
func (c *CrossTableContext) UpdateCellWithFormula(ctx context.Context, tableID, rowID, columnID int64, formulaText string) (EvalResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tc, err := c.loadTableLocked(ctx, tableID, tableID == c.primaryID)
	if err != nil {
		return EvalResult{}, err
	}
	rewritten, dangling, err := c.rewriteLocked(ctx, formulaText)
	if err != nil {
		return EvalResult{}, err
	}
	if dangling {
		// A dangling cross-table reference degrades to the invalid-
		// reference error literal so the cell still evaluates
		// deterministically instead of failing opaquely.
		if err := tc.SetValue(rowID, columnID, ErrCodeRef); err != nil {
			return EvalResult{}, err
		}
		return EvalResult{ErrorCode: ErrCodeRef}, nil
	}
	if err := tc.SetFormula(rowID, columnID, rewritten); err != nil {
		return EvalResult{}, err
	}
	return tc.Evaluate(rowID, columnID)
}

// RecalcAffected runs the conservative dependent re-scan over every
// loaded table in this context, since a write in one table can move
// values in any sheet that references it.
func (c *CrossTableContext) RecalcAffected() RecalcResult {
	c.mu.Lock()
	ids := make([]int64, 0, len(c.tables))
	for id := range c.tables {
		ids = append(ids, id)
	}
	contexts := make([]*TableContext, 0, len(ids))
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		contexts = append(contexts, c.tables[id])
	}
	c.mu.Unlock()

	var merged RecalcResult
	for _, tc := range contexts {
		res := tc.RecalcAffected()
		merged.Affected = append(merged.Affected, res.Affected...)
		merged.Errors = append(merged.Errors, res.Errors...)
		merged.Scanned += res.Scanned
		merged.Truncated = merged.Truncated || res.Truncated
	}
	return merged
}

// retain marks one in-flight operation holding this context. Paired
// with Release.
func (c *CrossTableContext) retain() *CrossTableContext {
	c.mu.Lock()
	c.refs++
	c.mu.Unlock()
	return c
}

// Release ends one in-flight operation started by Registry.Context. A
// context that was closed while operations were in flight disposes its
// engine on the last release.
func (c *CrossTableContext) Release() {
	c.mu.Lock()
	c.refs--
	dispose := c.closing && c.refs == 0 && !c.closed
	if dispose {
		c.closed = true
	}
	c.mu.Unlock()
	if dispose {
		c.eng.Close()
	}
}

// Close marks the context closed. The engine is disposed immediately
// when no operation holds the context, otherwise by the last Release;
// either way in-flight operations keep a usable engine until they end.
func (c *CrossTableContext) Close() error {
	c.mu.Lock()
	c.closing = true
	dispose := c.refs == 0 && !c.closed
	if dispose {
		c.closed = true
	}
	c.mu.Unlock()
	if dispose {
		return c.eng.Close()
	}
	return nil
}
