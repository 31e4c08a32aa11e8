package gridcalc

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Ref is a parsed positional cell reference. Row and Col are 1-based
// positions inside a sheet; the Abs flags record "$" markers from the
// source text. A Ref is ephemeral: it is derived from the current row
// order and column positions and must never be persisted.
type Ref struct {
	Row    int
	Col    int
	RowAbs bool
	ColAbs bool
}

// refRegex matches a single positional reference like "A1", "$B$12" or "AZ3".
var refRegex = regexp.MustCompile(`^(\$?)([A-Z]+)(\$?)(\d+)$`)

// PositionToLabel converts a 1-based column position to its letter label.
// 1→"A", 26→"Z", 27→"AA", 703→"AAA". Base-26 with no zero digit.
func PositionToLabel(pos int) string {
	result := ""
	for pos > 0 {
		pos-- // shift to 0-indexed letter
		result = string(rune('A'+pos%26)) + result
		pos /= 26
	}
	return result
}

// LabelToPosition converts a column letter label to its 1-based position.
// "A"→1, "Z"→26, "AA"→27.
func LabelToPosition(label string) (int, error) {
	if label == "" {
		return 0, fmt.Errorf("empty column label: %w", ErrMalformedReference)
	}
	pos := 0
	for _, ch := range label {
		if ch < 'A' || ch > 'Z' {
			return 0, fmt.Errorf("column label %q: %w", label, ErrMalformedReference)
		}
		pos = pos*26 + int(ch-'A') + 1
	}
	return pos, nil
}

// ToReference formats a (row position, column position) pair as a
// positional reference like "B3". Both positions are 1-based.
func ToReference(rowPos, colPos int) string {
	return PositionToLabel(colPos) + strconv.Itoa(rowPos)
}

// String formats the Ref back into reference text, including "$" markers.
func (r Ref) String() string {
	var b strings.Builder
	if r.ColAbs {
		b.WriteByte('$')
	}
	b.WriteString(PositionToLabel(r.Col))
	if r.RowAbs {
		b.WriteByte('$')
	}
	b.WriteString(strconv.Itoa(r.Row))
	return b.String()
}

// ParseReference parses reference text like "A1" or "$C$10" into a Ref.
// Input that does not match the reference grammar fails with
// ErrMalformedReference.
func ParseReference(ref string) (Ref, error) {
	m := refRegex.FindStringSubmatch(ref)
	if m == nil {
		return Ref{}, fmt.Errorf("reference %q: %w", ref, ErrMalformedReference)
	}
	col, err := LabelToPosition(m[2])
	if err != nil {
		return Ref{}, err
	}
	row, err := strconv.Atoi(m[4])
	if err != nil || row < 1 {
		return Ref{}, fmt.Errorf("reference %q: %w", ref, ErrMalformedReference)
	}
	return Ref{
		Row:    row,
		Col:    col,
		ColAbs: m[1] == "$",
		RowAbs: m[3] == "$",
	}, nil
}

// SafeSheetName sanitizes a string for use as an engine sheet name.
// It replaces forbidden characters ([]*?/\:) with underscore and truncates
// to 31 characters, the spreadsheet sheet-name limit.
func SafeSheetName(name string) string {
	forbidden := []rune{'/', '\\', ':', '*', '?', '[', ']'}
	runes := []rune(name)
	for i, r := range runes {
		for _, f := range forbidden {
			if r == f {
				runes[i] = '_'
				break
			}
		}
	}
	if len(runes) > 31 {
		runes = runes[:31]
	}
	return string(runes)
}
