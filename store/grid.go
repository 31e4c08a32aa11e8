package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Table is a user table. Archived tables are excluded from the
// cross-table name index.
type Table struct {
	ID       int64
	Name     string
	Archived bool
}

// Column is a table column. Position is 1-based, dense and unique within
// a table; it defines the left-to-right sheet order. Computed columns
// carry a column-name-addressed formula.
type Column struct {
	ID         int64
	TableID    int64
	Name       string
	Position   int
	IsComputed bool
	Formula    string
}

// Row is a table row. Rows have no intrinsic order; display order is an
// externally supplied permutation of row ids.
type Row struct {
	ID      int64
	TableID int64
	Deleted bool
}

// Cell holds the persisted state of one (row, column) pair. Empty string
// stands for absent value/formula/error. CalcVersion is a monotonic
// counter bumped on every calc write.
type Cell struct {
	RowID       int64
	ColumnID    int64
	Value       string
	Formula     string
	ErrorCode   string
	CalcVersion int64
}

// AuditEntry records one calc write for the audit trail.
type AuditEntry struct {
	ID       string
	TableID  int64
	RowID    int64
	ColumnID int64
	OldValue string
	NewValue string
}

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// CreateTable inserts a table and returns its id.
func (db *DB) CreateTable(ctx context.Context, name string) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `INSERT INTO grid_tables (name) VALUES (?)`, name)
	if err != nil {
		return 0, fmt.Errorf("create table %q: %w", name, err)
	}
	return res.LastInsertId()
}

// RenameTable updates a table's display name.
func (db *DB) RenameTable(ctx context.Context, id int64, name string) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE grid_tables SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return fmt.Errorf("rename table %d: %w", id, err)
	}
	return nil
}

// ArchiveTable marks a table archived, removing it from name resolution.
func (db *DB) ArchiveTable(ctx context.Context, id int64) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE grid_tables SET archived = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("archive table %d: %w", id, err)
	}
	return nil
}

// GetTable fetches one table by id.
func (db *DB) GetTable(ctx context.Context, id int64) (Table, error) {
	var t Table
	var archived int
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, name, archived FROM grid_tables WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &archived)
	if errors.Is(err, sql.ErrNoRows) {
		return Table{}, fmt.Errorf("table %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Table{}, fmt.Errorf("get table %d: %w", id, err)
	}
	t.Archived = archived != 0
	return t, nil
}

// ListTables returns all non-archived tables.
func (db *DB) ListTables(ctx context.Context) ([]Table, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, name, archived FROM grid_tables WHERE archived = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var out []Table
	for rows.Next() {
		var t Table
		var archived int
		if err := rows.Scan(&t.ID, &t.Name, &archived); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		t.Archived = archived != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateColumn inserts a column and returns its id.
func (db *DB) CreateColumn(ctx context.Context, tableID int64, name string, position int, isComputed bool, formula string) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO grid_columns (table_id, name, position, is_computed, formula) VALUES (?, ?, ?, ?, ?)`,
		tableID, name, position, boolToInt(isComputed), formula)
	if err != nil {
		return 0, fmt.Errorf("create column %q: %w", name, err)
	}
	return res.LastInsertId()
}

// ListColumns returns a table's columns ordered by position.
func (db *DB) ListColumns(ctx context.Context, tableID int64) ([]Column, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, table_id, name, position, is_computed, formula
		 FROM grid_columns WHERE table_id = ? ORDER BY position`, tableID)
	if err != nil {
		return nil, fmt.Errorf("list columns for table %d: %w", tableID, err)
	}
	defer rows.Close()

	var out []Column
	for rows.Next() {
		var c Column
		var computed int
		if err := rows.Scan(&c.ID, &c.TableID, &c.Name, &c.Position, &computed, &c.Formula); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		c.IsComputed = computed != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateRow inserts a row and returns its id.
func (db *DB) CreateRow(ctx context.Context, tableID int64) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `INSERT INTO grid_rows (table_id) VALUES (?)`, tableID)
	if err != nil {
		return 0, fmt.Errorf("create row: %w", err)
	}
	return res.LastInsertId()
}

// SoftDeleteRow marks a row deleted without removing its cells.
func (db *DB) SoftDeleteRow(ctx context.Context, rowID int64) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE grid_rows SET deleted = 1 WHERE id = ?`, rowID)
	if err != nil {
		return fmt.Errorf("delete row %d: %w", rowID, err)
	}
	return nil
}

// ListActiveRows returns a table's non-deleted rows in id order.
func (db *DB) ListActiveRows(ctx context.Context, tableID int64) ([]Row, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, table_id, deleted FROM grid_rows WHERE table_id = ? AND deleted = 0 ORDER BY id`, tableID)
	if err != nil {
		return nil, fmt.Errorf("list rows for table %d: %w", tableID, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var deleted int
		if err := rows.Scan(&r.ID, &r.TableID, &deleted); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.Deleted = deleted != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListCells returns all cells of a table's active rows.
func (db *DB) ListCells(ctx context.Context, tableID int64) ([]Cell, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT c.row_id, c.column_id, c.value, c.formula, c.error_code, c.calc_version
		 FROM grid_cells c
		 JOIN grid_rows r ON r.id = c.row_id
		 WHERE r.table_id = ? AND r.deleted = 0
		 ORDER BY c.row_id, c.column_id`, tableID)
	if err != nil {
		return nil, fmt.Errorf("list cells for table %d: %w", tableID, err)
	}
	defer rows.Close()
	return scanCells(rows)
}

// ListFormulaCells returns up to max cells of a table's active rows that
// currently carry a formula.
func (db *DB) ListFormulaCells(ctx context.Context, tableID int64, max int) ([]Cell, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT c.row_id, c.column_id, c.value, c.formula, c.error_code, c.calc_version
		 FROM grid_cells c
		 JOIN grid_rows r ON r.id = c.row_id
		 WHERE r.table_id = ? AND r.deleted = 0 AND c.formula != ''
		 ORDER BY c.row_id, c.column_id
		 LIMIT ?`, tableID, max)
	if err != nil {
		return nil, fmt.Errorf("list formula cells for table %d: %w", tableID, err)
	}
	defer rows.Close()
	return scanCells(rows)
}

func scanCells(rows *sql.Rows) ([]Cell, error) {
	var out []Cell
	for rows.Next() {
		var c Cell
		if err := rows.Scan(&c.RowID, &c.ColumnID, &c.Value, &c.Formula, &c.ErrorCode, &c.CalcVersion); err != nil {
			return nil, fmt.Errorf("scan cell: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCell fetches one cell. A cell that was never written returns a zero
// Cell with the given coordinates, not an error: absence of a record and
// an empty cell are indistinguishable to callers.
func (db *DB) GetCell(ctx context.Context, rowID, columnID int64) (Cell, error) {
	var c Cell
	err := db.conn.QueryRowContext(ctx,
		`SELECT row_id, column_id, value, formula, error_code, calc_version
		 FROM grid_cells WHERE row_id = ? AND column_id = ?`, rowID, columnID).
		Scan(&c.RowID, &c.ColumnID, &c.Value, &c.Formula, &c.ErrorCode, &c.CalcVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return Cell{RowID: rowID, ColumnID: columnID}, nil
	}
	if err != nil {
		return Cell{}, fmt.Errorf("get cell (%d,%d): %w", rowID, columnID, err)
	}
	return c, nil
}

// SaveCellCalc upserts a cell's calculated state and bumps its
// calc_version, returning the new version.
func (db *DB) SaveCellCalc(ctx context.Context, rowID, columnID int64, value, formula, errorCode string) (int64, error) {
	var version int64
	err := db.conn.QueryRowContext(ctx,
		`INSERT INTO grid_cells (row_id, column_id, value, formula, error_code, calc_version)
		 VALUES (?, ?, ?, ?, ?, 1)
		 ON CONFLICT(row_id, column_id) DO UPDATE SET
			value = excluded.value,
			formula = excluded.formula,
			error_code = excluded.error_code,
			calc_version = grid_cells.calc_version + 1
		 RETURNING calc_version`,
		rowID, columnID, value, formula, errorCode).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("save cell (%d,%d): %w", rowID, columnID, err)
	}
	return version, nil
}

// AppendAudit records one calc write.
func (db *DB) AppendAudit(ctx context.Context, e AuditEntry) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO calc_audit (id, table_id, row_id, column_id, old_value, new_value)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.TableID, e.RowID, e.ColumnID, e.OldValue, e.NewValue)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAudit returns the most recent audit entries for a table.
func (db *DB) ListAudit(ctx context.Context, tableID int64, limit int) ([]AuditEntry, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, table_id, row_id, column_id, old_value, new_value
		 FROM calc_audit WHERE table_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, tableID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit for table %d: %w", tableID, err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.TableID, &e.RowID, &e.ColumnID, &e.OldValue, &e.NewValue); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
