package qrec

import (
	"fmt"
	"strings"
)

// Field identifies one of the fields of a QType that can be forced.
type Field uint8

const (
	FieldDType Field = 1 << iota
	FieldScale
	FieldQ
	FieldZeroPoint
)

var fieldNames = []string{"dtype", "scale", "q", "zero_point"}

// String implements fmt.Stringer.
func (f Field) String() string {
	var parts []string
	for ii, name := range fieldNames {
		if f&(1<<ii) != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ForcedFieldError is returned when a field marked as forced by an earlier decision would be
// silently changed.
type ForcedFieldError struct {
	Field    Field
	From, To string
}

// Error implements error.
func (e *ForcedFieldError) Error() string {
	return fmt.Sprintf("quantization field %s is forced to %s and cannot be changed to %s without an explicit force",
		e.Field, e.From, e.To)
}
