package gridcalc

import (
	"fmt"

	"github.com/javajack/gridcalc/store"
)

// CellMapper converts between stable database coordinates and positional
// references for one table. Column positions come from the persisted
// column records; row positions come from the current display order,
// replaced wholesale by SetRowOrder.
//
// Reordering rows never changes a row id or column id, only which
// positional reference currently denotes a given row. Formulas
// entered with explicit positional references therefore silently shift
// meaning after a reorder; name-addressed (computed-column) formulas are
// immune because they are re-translated per row.
type CellMapper struct {
	columnPos    map[int64]int    // column id → 1-based position
	posColumn    map[int]int64    // 1-based position → column id
	columnByName map[string]int64 // column name → column id
	columnName   map[int64]string // column id → name

	rowOrder []int64       // display order, index 0 = row position 1
	rowIndex map[int64]int // row id → 0-based index in rowOrder

	policy RowOrderPolicy
}

// NewCellMapper builds a mapper from persisted columns (already ordered
// by position).
func NewCellMapper(columns []store.Column, policy RowOrderPolicy) *CellMapper {
	m := &CellMapper{
		columnPos:    make(map[int64]int, len(columns)),
		posColumn:    make(map[int]int64, len(columns)),
		columnByName: make(map[string]int64, len(columns)),
		columnName:   make(map[int64]string, len(columns)),
		policy:       policy,
	}
	for _, c := range columns {
		m.columnPos[c.ID] = c.Position
		m.posColumn[c.Position] = c.ID
		m.columnByName[c.Name] = c.ID
		m.columnName[c.ID] = c.Name
	}
	return m
}

// SetRowOrder replaces the display order wholesale.
func (m *CellMapper) SetRowOrder(rowIDs []int64) {
	m.rowOrder = append([]int64(nil), rowIDs...)
	m.rowIndex = make(map[int64]int, len(rowIDs))
	for i, id := range rowIDs {
		m.rowIndex[id] = i
	}
}

// HasRowOrder reports whether a display order has been supplied.
func (m *CellMapper) HasRowOrder() bool {
	return m.rowIndex != nil
}

// RowIDs returns the current display order.
func (m *CellMapper) RowIDs() []int64 {
	return append([]int64(nil), m.rowOrder...)
}

// ColumnPosition returns the 1-based position of a column.
func (m *CellMapper) ColumnPosition(columnID int64) (int, bool) {
	pos, ok := m.columnPos[columnID]
	return pos, ok
}

// ColumnIDAt returns the column id at a 1-based position.
func (m *CellMapper) ColumnIDAt(pos int) (int64, bool) {
	id, ok := m.posColumn[pos]
	return id, ok
}

// ColumnIDByName resolves a column display name to its id.
func (m *CellMapper) ColumnIDByName(name string) (int64, bool) {
	id, ok := m.columnByName[name]
	return id, ok
}

// ColumnName returns the display name of a column.
func (m *CellMapper) ColumnName(columnID int64) (string, bool) {
	name, ok := m.columnName[columnID]
	return name, ok
}

// RowPosition returns the 1-based row position of a row id under the
// current order and policy.
func (m *CellMapper) RowPosition(rowID int64) (int, error) {
	if idx, ok := m.rowIndex[rowID]; ok {
		return idx + 1, nil
	}
	if m.policy == RowOrderLegacy {
		if rowID < 1 {
			return 0, fmt.Errorf("row %d: %w", rowID, ErrRowOrderUnset)
		}
		return int(rowID), nil
	}
	return 0, fmt.Errorf("row %d: %w", rowID, ErrRowOrderUnset)
}

// CellToRef maps a (row id, column id) pair to its current positional
// reference. Unknown columns fail with ErrUnknownColumn; rows outside the
// display order follow the configured RowOrderPolicy.
func (m *CellMapper) CellToRef(rowID, columnID int64) (string, error) {
	colPos, ok := m.columnPos[columnID]
	if !ok {
		return "", fmt.Errorf("column %d: %w", columnID, ErrUnknownColumn)
	}
	rowPos, err := m.RowPosition(rowID)
	if err != nil {
		return "", err
	}
	return ToReference(rowPos, colPos), nil
}

// RefToCell maps positional reference text back to database coordinates.
func (m *CellMapper) RefToCell(ref string) (CellKey, error) {
	parsed, err := ParseReference(ref)
	if err != nil {
		return CellKey{}, err
	}
	columnID, ok := m.posColumn[parsed.Col]
	if !ok {
		return CellKey{}, fmt.Errorf("position %d: %w", parsed.Col, ErrUnknownColumn)
	}
	var rowID int64
	switch {
	case parsed.Row <= len(m.rowOrder):
		rowID = m.rowOrder[parsed.Row-1]
	case m.policy == RowOrderLegacy:
		rowID = int64(parsed.Row)
	default:
		return CellKey{}, fmt.Errorf("row position %d: %w", parsed.Row, ErrRowOrderUnset)
	}
	return CellKey{RowID: rowID, ColumnID: columnID}, nil
}
