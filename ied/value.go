package ied

import (
	"fmt"
	"time"
)

// ValueType is the explicit type tag of a process Value.
type ValueType uint8

// Supported process value types.
const (
	BoolType ValueType = iota
	IntType
	FloatType
	StringType
	TimestampType
)

// String returns the string representation of the value type.
func (t ValueType) String() string {
	switch t {
	case BoolType:
		return "bool"
	case IntType:
		return "int"
	case FloatType:
		return "float"
	case StringType:
		return "string"
	case TimestampType:
		return "timestamp"
	default:
		return "invalid"
	}
}

// Value is a tagged process-value variant. The type tag is checked at every
// accessor; a mismatched access returns ErrValueType instead of a zero value.
type Value struct {
	typ ValueType
	b   bool
	i   int64
	f   float64
	s   string
	t   time.Time
}

// BoolValue creates a boolean Value.
func BoolValue(v bool) Value { return Value{typ: BoolType, b: v} }

// IntValue creates an integer Value.
func IntValue(v int64) Value { return Value{typ: IntType, i: v} }

// FloatValue creates a float Value.
func FloatValue(v float64) Value { return Value{typ: FloatType, f: v} }

// StringValue creates a string Value.
func StringValue(v string) Value { return Value{typ: StringType, s: v} }

// TimestampValue creates a timestamp Value.
func TimestampValue(v time.Time) Value { return Value{typ: TimestampType, t: v} }

// Type returns the explicit type tag.
func (v Value) Type() ValueType { return v.typ }

// Bool returns the boolean value, or ErrValueType if the tag is not BoolType.
func (v Value) Bool() (bool, error) {
	if v.typ != BoolType {
		return false, fmt.Errorf("%w: want bool, got %s", ErrValueType, v.typ)
	}

	return v.b, nil
}

// Int returns the integer value, or ErrValueType if the tag is not IntType.
func (v Value) Int() (int64, error) {
	if v.typ != IntType {
		return 0, fmt.Errorf("%w: want int, got %s", ErrValueType, v.typ)
	}

	return v.i, nil
}

// Float returns the float value, or ErrValueType if the tag is not FloatType.
func (v Value) Float() (float64, error) {
	if v.typ != FloatType {
		return 0, fmt.Errorf("%w: want float, got %s", ErrValueType, v.typ)
	}

	return v.f, nil
}

// Str returns the string value, or ErrValueType if the tag is not StringType.
func (v Value) Str() (string, error) {
	if v.typ != StringType {
		return "", fmt.Errorf("%w: want string, got %s", ErrValueType, v.typ)
	}

	return v.s, nil
}

// Timestamp returns the timestamp value, or ErrValueType if the tag is not TimestampType.
func (v Value) Timestamp() (time.Time, error) {
	if v.typ != TimestampType {
		return time.Time{}, fmt.Errorf("%w: want timestamp, got %s", ErrValueType, v.typ)
	}

	return v.t, nil
}

// Equal reports whether two values have the same type tag and payload.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}

	switch v.typ {
	case BoolType:
		return v.b == o.b
	case IntType:
		return v.i == o.i
	case FloatType:
		return v.f == o.f
	case StringType:
		return v.s == o.s
	case TimestampType:
		return v.t.Equal(o.t)
	default:
		return false
	}
}

// String returns a human readable representation of the value.
func (v Value) String() string {
	switch v.typ {
	case BoolType:
		return fmt.Sprintf("%t", v.b)
	case IntType:
		return fmt.Sprintf("%d", v.i)
	case FloatType:
		return fmt.Sprintf("%g", v.f)
	case StringType:
		return v.s
	case TimestampType:
		return v.t.Format(time.RFC3339Nano)
	default:
		return "<invalid>"
	}
}

// Quality is the validity flag attached to a process value.
type Quality uint8

// Process value qualities.
const (
	QualityGood Quality = iota
	QualityInvalid
	QualityQuestionable
)

// String returns the string representation of the quality flag.
func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityInvalid:
		return "invalid"
	case QualityQuestionable:
		return "questionable"
	default:
		return "unknown"
	}
}

// Signal is an addressed process data point with its last known value,
// quality flag and update time.
type Signal struct {
	Address   string
	Value     Value
	Quality   Quality
	UpdatedAt time.Time
}

// Equal reports whether value and quality are unchanged. The update time does
// not participate; the poller uses this to suppress no-change publications.
func (s Signal) Equal(o Signal) bool {
	return s.Quality == o.Quality && s.Value.Equal(o.Value)
}
