package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ErrUnsupportedValue is returned when a Go value cannot become a Value.
var ErrUnsupportedValue = errors.New("unsupported property value")

// Kind identifies which variant a Value holds.
type Kind uint8

// Value kinds. KindInvalid is the zero Kind.
const (
	KindInvalid Kind = iota
	KindString
	KindNumber
	KindBool
	KindTime
	KindBlob
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	case KindBlob:
		return "blob"
	default:
		return "invalid"
	}
}

// Value is a single event property: a string, number, bool, timestamp, or
// an opaque JSON blob holding an array or object.
//
// The zero Value is invalid. It is what a failed conversion yields and the
// validator reports it as unserializable.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	t    time.Time
	blob json.RawMessage
}

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number returns a numeric Value. NaN and the infinities have no JSON
// form and yield the invalid Value.
func Number(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}
	}
	return Value{kind: KindNumber, num: f}
}

// Int returns a numeric Value from an integer.
func Int(i int64) Value { return Value{kind: KindNumber, num: float64(i)} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Time returns a timestamp Value.
func Time(t time.Time) Value { return Value{kind: KindTime, t: t} }

// Blob returns a Value holding raw JSON. Input that is not valid JSON
// yields the invalid Value.
func Blob(raw []byte) Value {
	if !json.Valid(raw) {
		return Value{}
	}
	cp := make(json.RawMessage, len(raw))
	copy(cp, raw)
	return Value{kind: KindBlob, blob: cp}
}

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether v holds any variant.
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// Str returns the string variant, or "" for other kinds.
func (v Value) Str() string { return v.str }

// Float returns the numeric variant, or 0 for other kinds.
func (v Value) Float() float64 { return v.num }

// Boolean returns the boolean variant, or false for other kinds.
func (v Value) Boolean() bool { return v.b }

// Timestamp returns the time variant, or the zero time for other kinds.
func (v Value) Timestamp() time.Time { return v.t }

// Raw returns the JSON of a blob Value, or nil for other kinds.
func (v Value) Raw() json.RawMessage { return v.blob }

// IsObject reports whether v is a blob holding a JSON object.
func (v Value) IsObject() bool { return v.blobStartsWith('{') }

// IsArray reports whether v is a blob holding a JSON array.
func (v Value) IsArray() bool { return v.blobStartsWith('[') }

func (v Value) blobStartsWith(c byte) bool {
	if v.kind != KindBlob {
		return false
	}
	trimmed := bytes.TrimLeft(v.blob, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == c
}

// Interface returns v as a plain Go value: string, float64, bool,
// time.Time, or the decoded blob. Invalid values return nil.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindTime:
		return v.t
	case KindBlob:
		var out any
		if err := json.Unmarshal(v.blob, &out); err != nil {
			return nil
		}
		return out
	default:
		return nil
	}
}

// Equal reports whether two values hold the same variant and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindTime:
		return v.t.Equal(o.t)
	case KindBlob:
		return bytes.Equal(v.blob, o.blob)
	default:
		return true
	}
}

// GoString renders v for debugging.
func (v Value) GoString() string {
	return fmt.Sprintf("event.Value{%s: %v}", v.kind, v.Interface())
}

// MarshalJSON encodes the native JSON form. Timestamps are RFC 3339 strings
// and invalid values are null.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindTime:
		return json.Marshal(v.t.UTC().Format(time.RFC3339Nano))
	case KindBlob:
		return v.blob, nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes the native JSON form. JSON has no timestamp type,
// so a timestamp that was marshaled comes back as a string Value.
func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("%w: empty input", ErrUnsupportedValue)
	}
	switch trimmed[0] {
	case 'n':
		*v = Value{}
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*v = String(s)
	case '{', '[':
		if !json.Valid(trimmed) {
			return fmt.Errorf("%w: malformed blob", ErrUnsupportedValue)
		}
		*v = Blob(trimmed)
	default:
		var f float64
		if err := json.Unmarshal(trimmed, &f); err != nil {
			return err
		}
		*v = Number(f)
	}
	return nil
}

var (
	cborEnc, _ = cbor.EncOptions{
		Time:    cbor.TimeRFC3339Nano,
		TimeTag: cbor.EncTagRequired,
	}.EncMode()
	cborDec, _ = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
)

// MarshalCBOR encodes v natively. Timestamps keep their type through a
// CBOR time tag, blobs become CBOR arrays or maps.
func (v Value) MarshalCBOR() ([]byte, error) {
	switch v.kind {
	case KindString:
		return cborEnc.Marshal(v.str)
	case KindNumber:
		return cborEnc.Marshal(v.num)
	case KindBool:
		return cborEnc.Marshal(v.b)
	case KindTime:
		return cborEnc.Marshal(v.t.UTC())
	case KindBlob:
		return cborEnc.Marshal(v.Interface())
	default:
		return cborEnc.Marshal(nil)
	}
}

// UnmarshalCBOR decodes the form written by MarshalCBOR.
func (v *Value) UnmarshalCBOR(data []byte) error {
	var raw any
	if err := cborDec.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch val := raw.(type) {
	case nil:
		*v = Value{}
	case string:
		*v = String(val)
	case bool:
		*v = Bool(val)
	case float64:
		*v = Number(val)
	case uint64:
		*v = Number(float64(val))
	case int64:
		*v = Number(float64(val))
	case time.Time:
		*v = Time(val)
	case map[string]any, []any:
		blob, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
		}
		*v = Value{kind: KindBlob, blob: blob}
	default:
		return fmt.Errorf("%w: cbor %T", ErrUnsupportedValue, raw)
	}
	return nil
}

// FromAny converts a loose Go value. Strings, bools, numbers (including
// named types with those underlying kinds) and time.Time convert directly.
// Slices, arrays, maps and structs that encoding/json accepts become blobs.
// Everything else (nil, funcs, chans, cyclic values) returns the invalid
// Value and an error wrapping ErrUnsupportedValue.
func FromAny(x any) (Value, error) {
	switch val := x.(type) {
	case nil:
		return Value{}, fmt.Errorf("%w: nil", ErrUnsupportedValue)
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case float64:
		return finite(val)
	case float32:
		return finite(float64(val))
	case int:
		return Int(int64(val)), nil
	case int64:
		return Int(val), nil
	case time.Time:
		return Time(val), nil
	case json.RawMessage:
		if b := Blob(val); b.IsValid() {
			return b, nil
		}
		return Value{}, fmt.Errorf("%w: malformed json", ErrUnsupportedValue)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
		}
		return finite(f)
	}

	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return Number(float64(rv.Uint())), nil
	case reflect.Float32, reflect.Float64:
		return finite(rv.Float())
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, x)
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Value{}, fmt.Errorf("%w: nil %T", ErrUnsupportedValue, x)
		}
		return FromAny(rv.Elem().Interface())
	}

	blob, err := json.Marshal(x)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %T: %v", ErrUnsupportedValue, x, err)
	}
	if bytes.Equal(blob, []byte("null")) {
		return Value{}, fmt.Errorf("%w: nil %T", ErrUnsupportedValue, x)
	}
	return Value{kind: KindBlob, blob: blob}, nil
}

func finite(f float64) (Value, error) {
	v := Number(f)
	if !v.IsValid() {
		return Value{}, fmt.Errorf("%w: non-finite number %v", ErrUnsupportedValue, f)
	}
	return v, nil
}
