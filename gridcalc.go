// Package gridcalc coordinates spreadsheet-style formulas over a persisted
// relational table store. It maps stable database coordinates (row id,
// column id) onto the positional "A1" coordinate system of a spreadsheet
// computation engine, keeps one engine sheet per table in sync with the
// database, resolves cross-table and column-name-addressed formulas, and
// propagates recalculation to dependent cells.
//
// The computation engine and the persistence store are collaborators, not
// parts of this layer: the engine lives behind engine.Engine, the store
// behind the Store interface (implemented by store.DB).
package gridcalc

import (
	"context"

	"github.com/javajack/gridcalc/store"
)

// Store is the slice of the persistence layer the coordination layer
// needs. store.DB implements it; tests may substitute their own.
type Store interface {
	GetTable(ctx context.Context, id int64) (store.Table, error)
	ListTables(ctx context.Context) ([]store.Table, error)
	ListColumns(ctx context.Context, tableID int64) ([]store.Column, error)
	ListActiveRows(ctx context.Context, tableID int64) ([]store.Row, error)
	ListCells(ctx context.Context, tableID int64) ([]store.Cell, error)
	ListFormulaCells(ctx context.Context, tableID int64, max int) ([]store.Cell, error)
	GetCell(ctx context.Context, rowID, columnID int64) (store.Cell, error)
	SaveCellCalc(ctx context.Context, rowID, columnID int64, value, formula, errorCode string) (int64, error)
	AppendAudit(ctx context.Context, e store.AuditEntry) error
}

// CellKey identifies a persisted cell by stable database coordinates.
type CellKey struct {
	RowID    int64
	ColumnID int64
}

// AffectedCell is one cell whose evaluated value changed as a side effect
// of a write, mapped back to database coordinates.
type AffectedCell struct {
	TableID   int64
	RowID     int64
	ColumnID  int64
	Value     string
	ErrorCode string
}

// EvalResult is the outcome of evaluating one cell. Exactly one of Value
// and ErrorCode is meaningful: error cells persist a null value alongside
// the normalized code.
type EvalResult struct {
	Value     string
	ErrorCode string
}
