// Package engine wraps the spreadsheet computation engine behind a small
// contract. The coordination layer treats the engine as a black box: it
// owns formula parsing, the dependency graph and function semantics; this
// package only exposes sheet and cell primitives.
package engine

// Engine is one isolated computation engine instance. A single instance
// may hold several sheets; cross-sheet references use the engine's native
// "'Sheet'!A1" syntax.
type Engine interface {
	// AddSheet creates (or returns) the sheet with the given name and
	// reports its index.
	AddSheet(name string) (int, error)

	// SetCellValue writes a literal value at the given axis ("A1" style).
	SetCellValue(sheet, axis string, value any) error

	// SetCellFormula writes formula text (without a leading "=").
	SetCellFormula(sheet, axis, formula string) error

	// CalcCell evaluates the cell and returns the result text. Formula
	// errors may surface either as an error-literal result ("#DIV/0!")
	// or as a non-nil error; callers normalize both.
	CalcCell(sheet, axis string) (string, error)

	// Sheets lists all sheet names in creation order.
	Sheets() []string

	// Close releases the engine instance.
	Close() error
}

// Validator is implemented by engines that can syntax-check a formula on
// a disposable context without touching live sheets.
type Validator interface {
	ValidateFormula(formula string) error
}
