package resolve

import (
	"encoding/json"
	"strconv"
	"time"
)

// Kind enumerates the scalar types a resolution can produce. Absent is the
// explicit "no value produced" outcome; it is not an error.
type Kind int

const (
	KindAbsent Kind = iota
	KindString
	KindNumber
	KindBool
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindTime:
		return "datetime"
	default:
		return "absent"
	}
}

// Value is a tagged scalar union. The zero value is Absent.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	t    time.Time
}

// Absent is the resolver's "no value produced" outcome.
var Absent = Value{}

// String wraps a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number wraps a numeric value.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Bool wraps a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Time wraps an instant, canonicalized to UTC.
func Time(t time.Time) Value { return Value{kind: KindTime, t: t.UTC()} }

// Kind returns the tag of the value.
func (v Value) Kind() Kind { return v.kind }

// IsAbsent reports whether no value was produced.
func (v Value) IsAbsent() bool { return v.kind == KindAbsent }

// AsString returns the string content, if the value is a string.
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

// AsNumber returns the numeric content, if the value is a number.
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }

// AsBool returns the boolean content, if the value is a bool.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsTime returns the instant, if the value is a datetime.
func (v Value) AsTime() (time.Time, bool) { return v.t, v.kind == KindTime }

// Display renders the value for logs and CLI output.
func (v Value) Display() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindTime:
		return v.t.Format(time.RFC3339)
	default:
		return "<absent>"
	}
}

// Equal reports whether two values have the same kind and content.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == other.str
	case KindNumber:
		return v.num == other.num
	case KindBool:
		return v.b == other.b
	case KindTime:
		return v.t.Equal(other.t)
	default:
		return true
	}
}

// timestampLayouts are the accepted textual datetime forms: RFC 3339, the
// Jira REST timestamp layout, and bare dates as used by release fields.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02",
}

// Coerce converts a value to the wanted kind. String-typed datetimes are
// parsed into a canonical instant; numbers stringify; unconvertible values
// yield Absent rather than an error.
func Coerce(v Value, want Kind) Value {
	if v.kind == want || v.IsAbsent() || want == KindAbsent {
		return v
	}

	switch want {
	case KindTime:
		if s, ok := v.AsString(); ok {
			for _, layout := range timestampLayouts {
				if t, err := time.Parse(layout, s); err == nil {
					return Time(t)
				}
			}
		}
	case KindNumber:
		if s, ok := v.AsString(); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return Number(f)
			}
		}
	case KindString:
		return String(v.Display())
	case KindBool:
		if s, ok := v.AsString(); ok {
			if b, err := strconv.ParseBool(s); err == nil {
				return Bool(b)
			}
		}
	}

	return Absent
}

// fromAny wraps a JSON-shaped leaf into a Value. Objects and arrays are not
// scalars and yield Absent.
func fromAny(leaf any) Value {
	switch typed := leaf.(type) {
	case nil:
		return Absent
	case string:
		return String(typed)
	case float64:
		return Number(typed)
	case int:
		return Number(float64(typed))
	case int64:
		return Number(float64(typed))
	case json.Number:
		f, err := typed.Float64()
		if err != nil {
			return Absent
		}
		return Number(f)
	case bool:
		return Bool(typed)
	case time.Time:
		return Time(typed)
	default:
		return Absent
	}
}
