package gridcalc

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// RowPredicate is a compiled row-selection expression. During bulk
// recalculation a predicate like `Price > 100 && Status == "open"` is
// evaluated against each row's cell values keyed by column name; only
// matching rows are processed.
type RowPredicate struct {
	src     string
	program *vm.Program
}

// CompileRowPredicate compiles a selection expression. Undefined
// variables are allowed so a predicate can name columns that are empty
// for some rows.
func CompileRowPredicate(src string) (*RowPredicate, error) {
	program, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile predicate %q: %w", src, err)
	}
	return &RowPredicate{src: src, program: program}, nil
}

// Match evaluates the predicate against one row environment. A nil
// result is treated as false; any non-boolean result is an error.
func (p *RowPredicate) Match(row map[string]any) (bool, error) {
	result, err := expr.Run(p.program, row)
	if err != nil {
		return false, fmt.Errorf("evaluate predicate %q: %w", p.src, err)
	}
	if result == nil {
		return false, nil
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("predicate %q evaluated to %T, expected bool", p.src, result)
	}
	return b, nil
}

// String returns the predicate source text.
func (p *RowPredicate) String() string { return p.src }
