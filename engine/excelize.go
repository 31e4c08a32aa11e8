package engine

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xuri/excelize/v2"
)

// ExcelizeEngine implements Engine on top of an in-memory excelize
// workbook. One workbook per instance; sheets map one-to-one to table
// computation contexts.
type ExcelizeEngine struct {
	file *excelize.File

	mu    sync.Mutex // protects concurrent access
	named bool       // default sheet has been claimed by the first AddSheet
}

// New creates an empty ExcelizeEngine.
func New() *ExcelizeEngine {
	return &ExcelizeEngine{file: excelize.NewFile()}
}

// AddSheet creates the named sheet, reusing the workbook's default sheet
// for the first call. Idempotent: an existing sheet is returned as-is.
func (e *ExcelizeEngine) AddSheet(name string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if idx, err := e.file.GetSheetIndex(name); err == nil && idx >= 0 {
		return idx, nil
	}

	if !e.named {
		// Claim the default sheet excelize creates with every workbook.
		def := e.file.GetSheetName(0)
		if err := e.file.SetSheetName(def, name); err != nil {
			return 0, fmt.Errorf("rename default sheet to %q: %w", name, err)
		}
		e.named = true
		return e.file.GetSheetIndex(name)
	}

	idx, err := e.file.NewSheet(name)
	if err != nil {
		return 0, fmt.Errorf("create sheet %q: %w", name, err)
	}
	return idx, nil
}

// SetCellValue writes a literal value.
func (e *ExcelizeEngine) SetCellValue(sheet, axis string, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file.SetCellValue(sheet, axis, value)
}

// SetCellFormula writes formula text. A leading "=" is stripped; excelize
// stores formulas without it.
func (e *ExcelizeEngine) SetCellFormula(sheet, axis, formula string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file.SetCellFormula(sheet, axis, strings.TrimPrefix(formula, "="))
}

// CalcCell evaluates a cell through excelize's calculation engine.
func (e *ExcelizeEngine) CalcCell(sheet, axis string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file.CalcCellValue(sheet, axis)
}

// Sheets lists sheet names.
func (e *ExcelizeEngine) Sheets() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file.GetSheetList()
}

// Close releases the workbook.
func (e *ExcelizeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file.Close()
}

// ValidateFormula syntax-checks a formula on a disposable workbook so a
// malformed formula never corrupts live engine state. Evaluation errors
// ("#DIV/0!", "#NAME?"...) are fine here: the formula is well-formed and
// will simply evaluate to an error code; only genuine parse failures are
// reported.
func (e *ExcelizeEngine) ValidateFormula(formula string) error {
	scratch := excelize.NewFile()
	defer scratch.Close()

	sheet := scratch.GetSheetName(0)
	formula = strings.TrimPrefix(formula, "=")
	if strings.TrimSpace(formula) == "" {
		return fmt.Errorf("empty formula")
	}
	if err := scratch.SetCellFormula(sheet, "A1", formula); err != nil {
		return fmt.Errorf("set formula %q: %w", formula, err)
	}
	result, err := scratch.CalcCellValue(sheet, "A1")
	if err != nil && !strings.Contains(result, "#") && !strings.Contains(err.Error(), "#") {
		return fmt.Errorf("formula %q: %w", formula, err)
	}
	return nil
}
