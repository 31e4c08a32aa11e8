package gridcalc

import (
	"errors"
	"strings"
)

// The fixed error-code vocabulary. Every formula-evaluation failure the
// engine reports is normalized to exactly one of these before it is
// persisted or returned to a caller.
const (
	ErrCodeDivZero = "#DIV/0!"
	ErrCodeRef     = "#REF!"
	ErrCodeName    = "#NAME?"
	ErrCodeValue   = "#VALUE!"
	ErrCodeCycle   = "#CYCLE!"
	ErrCodeNum     = "#NUM!"
	ErrCodeNull    = "#NULL!"
	ErrCodeGeneric = "#ERROR!"
)

// Sentinel errors for structural failures. These are transport-level
// errors, distinct from the persisted error codes above.
var (
	ErrMalformedReference = errors.New("malformed cell reference")
	ErrUnmappedCell       = errors.New("cell does not map to a sheet position")
	ErrUnknownColumn      = errors.New("unknown column")
	ErrRowOrderUnset      = errors.New("row not present in row order")
	ErrBatchTooLarge      = errors.New("batch exceeds maximum size")
	ErrTableNotFound      = errors.New("table not found")
	ErrInvalidFormula     = errors.New("invalid formula")
)

// knownErrorCodes lists codes that pass through normalization unchanged,
// in match order. #CYCLE! is our own spelling for circular references;
// engines report those as message text, matched below.
var knownErrorCodes = []string{
	ErrCodeDivZero,
	ErrCodeRef,
	ErrCodeName,
	ErrCodeValue,
	ErrCodeCycle,
	ErrCodeNum,
	ErrCodeNull,
	ErrCodeGeneric,
	"#N/A",
}

// NormalizeErrorCode maps an engine-internal error representation (either
// the calculated result text or an error message) to one code from the
// fixed vocabulary. Anything unrecognized collapses to #ERROR!.
func NormalizeErrorCode(engineText string) string {
	if engineText == "" {
		return ErrCodeGeneric
	}
	for _, code := range knownErrorCodes {
		if strings.Contains(engineText, code) {
			if code == "#N/A" {
				return ErrCodeValue
			}
			return code
		}
	}
	lower := strings.ToLower(engineText)
	switch {
	case strings.Contains(lower, "circular"), strings.Contains(lower, "cycle"):
		return ErrCodeCycle
	case strings.Contains(lower, "division by zero"), strings.Contains(lower, "divide by zero"):
		return ErrCodeDivZero
	case strings.Contains(lower, "not support"), strings.Contains(lower, "undefined"), strings.Contains(lower, "unknown function"):
		return ErrCodeName
	case strings.Contains(lower, "invalid reference"), strings.Contains(lower, "out of range"):
		return ErrCodeRef
	}
	return ErrCodeGeneric
}

// IsErrorLiteral reports whether a calculated result is an error literal
// ("#...!" or "#NAME?" shaped) rather than a plain value.
func IsErrorLiteral(result string) bool {
	if !strings.HasPrefix(result, "#") {
		return false
	}
	return strings.HasSuffix(result, "!") || strings.HasSuffix(result, "?") || result == "#N/A"
}
