package gridcalc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeErrorCode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"div zero literal", "#DIV/0!", ErrCodeDivZero},
		{"div zero in message", "cell C3: #DIV/0!", ErrCodeDivZero},
		{"div zero phrase", "division by zero", ErrCodeDivZero},
		{"ref literal", "#REF!", ErrCodeRef},
		{"ref phrase", "invalid reference to deleted range", ErrCodeRef},
		{"name literal", "#NAME?", ErrCodeName},
		{"unsupported function", "not support FROBNICATE function", ErrCodeName},
		{"value literal", "#VALUE!", ErrCodeValue},
		{"na collapses to value", "#N/A", ErrCodeValue},
		{"cycle phrase", "circular reference detected", ErrCodeCycle},
		{"num literal", "#NUM!", ErrCodeNum},
		{"null literal", "#NULL!", ErrCodeNull},
		{"unknown text", "something exploded", ErrCodeGeneric},
		{"unknown hash shape", "#WAT!?", ErrCodeGeneric},
		{"empty", "", ErrCodeGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeErrorCode(tt.in))
		})
	}
}

func TestIsErrorLiteral(t *testing.T) {
	for _, s := range []string{"#DIV/0!", "#REF!", "#NAME?", "#N/A", "#ERROR!"} {
		assert.True(t, IsErrorLiteral(s), s)
	}
	for _, s := range []string{"", "42", "DIV/0", "#hashtag", "ok!"} {
		assert.False(t, IsErrorLiteral(s), s)
	}
}
