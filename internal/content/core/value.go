package core

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DateFormat is the lexical form of DATE values (ISO 8601 with millis).
const DateFormat = "2006-01-02T15:04:05.000Z07:00"

// ValueData is the stored form of a single value. Every type except BINARY
// keeps its canonical lexical form in Str.
type ValueData struct {
	Type PropertyType `json:"type" cbor:"1,keyasint" bson:"type"`
	Str  string       `json:"str,omitempty" cbor:"2,keyasint,omitempty" bson:"str,omitempty"`
	Bin  []byte       `json:"bin,omitempty" cbor:"3,keyasint,omitempty" bson:"bin,omitempty"`
}

// Text returns the string form of the datum without touching any read state.
func (d ValueData) Text() string {
	if d.Type == TypeBinary {
		return string(d.Bin)
	}
	return d.Str
}

// Length is the JCR length of a value: bytes for BINARY, otherwise the
// length of the string form.
func (d ValueData) Length() int64 {
	if d.Type == TypeBinary {
		return int64(len(d.Bin))
	}
	return int64(len(d.Str))
}

// Equal compares type and content.
func (d ValueData) Equal(o ValueData) bool {
	if d.Type != o.Type {
		return false
	}
	if d.Type == TypeBinary {
		return bytes.Equal(d.Bin, o.Bin)
	}
	return d.Str == o.Str
}

// ReadState tracks how a Value has been consumed.
type ReadState int

const (
	Unread ReadState = iota
	ReadAsStream
	ReadAsTyped
)

// Value is a single-use view of a ValueData. Once read as a stream it may
// not be read through a typed accessor and vice versa; acquire a fresh Value
// from the property to read it again the other way.
type Value struct {
	data  ValueData
	state ReadState
}

// NewValue wraps d in an unread Value.
func NewValue(d ValueData) *Value {
	return &Value{data: d}
}

// Type returns the value's property type.
func (v *Value) Type() PropertyType { return v.data.Type }

// Data returns the underlying datum. It does not change the read state.
func (v *Value) Data() ValueData { return v.data }

// State returns the current read state.
func (v *Value) State() ReadState { return v.state }

func (v *Value) typed(op string) error {
	if v.state == ReadAsStream {
		return Errorf(ErrIllegalState, op, "", "value already consumed as stream")
	}
	v.state = ReadAsTyped
	return nil
}

// GetStream returns a reader over the value's bytes.
func (v *Value) GetStream() (io.Reader, error) {
	if v.state == ReadAsTyped {
		return nil, Errorf(ErrIllegalState, "Value.GetStream", "", "value already read through a typed accessor")
	}
	v.state = ReadAsStream
	if v.data.Type == TypeBinary {
		return bytes.NewReader(v.data.Bin), nil
	}
	return strings.NewReader(v.data.Str), nil
}

// GetBinary reads the whole stream. It counts as a stream read.
func (v *Value) GetBinary() ([]byte, error) {
	r, err := v.GetStream()
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// GetString returns the value as a string.
func (v *Value) GetString() (string, error) {
	if err := v.typed("Value.GetString"); err != nil {
		return "", err
	}
	return v.data.Text(), nil
}

// GetLong returns the value converted to LONG.
func (v *Value) GetLong() (int64, error) {
	if err := v.typed("Value.GetLong"); err != nil {
		return 0, err
	}
	return AsLong(v.data)
}

// GetDouble returns the value converted to DOUBLE.
func (v *Value) GetDouble() (float64, error) {
	if err := v.typed("Value.GetDouble"); err != nil {
		return 0, err
	}
	return AsDouble(v.data)
}

// GetDecimal returns the value converted to DECIMAL.
func (v *Value) GetDecimal() (*big.Rat, error) {
	if err := v.typed("Value.GetDecimal"); err != nil {
		return nil, err
	}
	return AsDecimal(v.data)
}

// GetDate returns the value converted to DATE.
func (v *Value) GetDate() (time.Time, error) {
	if err := v.typed("Value.GetDate"); err != nil {
		return time.Time{}, err
	}
	return AsDate(v.data)
}

// GetBoolean returns the value converted to BOOLEAN.
func (v *Value) GetBoolean() (bool, error) {
	if err := v.typed("Value.GetBoolean"); err != nil {
		return false, err
	}
	return AsBoolean(v.data)
}

// AsLong converts d to an int64.
func AsLong(d ValueData) (int64, error) {
	c, err := Convert(d, TypeLong)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(c.Str, 10, 64)
}

// AsDouble converts d to a float64.
func AsDouble(d ValueData) (float64, error) {
	c, err := Convert(d, TypeDouble)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(c.Str, 64)
}

// AsDecimal converts d to a rational.
func AsDecimal(d ValueData) (*big.Rat, error) {
	c, err := Convert(d, TypeDecimal)
	if err != nil {
		return nil, err
	}
	r, ok := new(big.Rat).SetString(c.Str)
	if !ok {
		return nil, Errorf(ErrValueFormat, "core.AsDecimal", "", "invalid decimal %q", c.Str)
	}
	return r, nil
}

// AsDate converts d to a time.
func AsDate(d ValueData) (time.Time, error) {
	c, err := Convert(d, TypeDate)
	if err != nil {
		return time.Time{}, err
	}
	return ParseDate(c.Str)
}

// AsBoolean converts d to a bool.
func AsBoolean(d ValueData) (bool, error) {
	c, err := Convert(d, TypeBoolean)
	if err != nil {
		return false, err
	}
	return c.Str == "true", nil
}

// FormatDate renders t in DateFormat.
func FormatDate(t time.Time) string {
	return t.Format(DateFormat)
}

// ParseDate accepts DateFormat and RFC 3339 (with or without fractions).
func ParseDate(s string) (time.Time, error) {
	for _, layout := range []string{DateFormat, time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, Errorf(ErrValueFormat, "core.ParseDate", "", "not a date: %q", s)
}

func formatDouble(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func formatDecimal(r *big.Rat) string {
	if r.IsInt() {
		return r.Num().String()
	}
	// enough digits to be exact for terminating decimals of typical scale
	s := r.FloatString(18)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// Convert applies the value conversion rules to produce a datum of type
// target. TypeUndefined keeps the source type.
func Convert(d ValueData, target PropertyType) (ValueData, error) {
	const op = "core.Convert"
	if target == TypeUndefined || target == d.Type {
		return d, nil
	}
	if !target.Valid() {
		return ValueData{}, Errorf(ErrInvalidArgument, op, "", "unknown target type %d", target)
	}
	src := d.Type
	text := d.Text()
	if src == TypeBinary {
		src = TypeString
	}
	fail := func() (ValueData, error) {
		return ValueData{}, Errorf(ErrValueFormat, op, "", "cannot convert %s %q to %s", d.Type, truncate(text), target)
	}

	switch target {
	case TypeString:
		return ValueData{Type: TypeString, Str: text}, nil
	case TypeBinary:
		return ValueData{Type: TypeBinary, Bin: []byte(text)}, nil

	case TypeLong:
		switch src {
		case TypeString, TypeLong:
			n, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
			if err != nil {
				return fail()
			}
			return ValueData{Type: TypeLong, Str: strconv.FormatInt(n, 10)}, nil
		case TypeDouble:
			f, err := strconv.ParseFloat(text, 64)
			if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
				return fail()
			}
			return ValueData{Type: TypeLong, Str: strconv.FormatInt(int64(f), 10)}, nil
		case TypeDecimal:
			r, ok := new(big.Rat).SetString(text)
			if !ok {
				return fail()
			}
			q := new(big.Int).Quo(r.Num(), r.Denom())
			if !q.IsInt64() {
				return fail()
			}
			return ValueData{Type: TypeLong, Str: q.String()}, nil
		case TypeDate:
			t, err := ParseDate(text)
			if err != nil {
				return fail()
			}
			return ValueData{Type: TypeLong, Str: strconv.FormatInt(millis(t), 10)}, nil
		}
		return fail()

	case TypeDouble:
		switch src {
		case TypeString, TypeLong, TypeDouble:
			f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
			if err != nil {
				return fail()
			}
			return ValueData{Type: TypeDouble, Str: formatDouble(f)}, nil
		case TypeDecimal:
			r, ok := new(big.Rat).SetString(text)
			if !ok {
				return fail()
			}
			f, _ := r.Float64()
			return ValueData{Type: TypeDouble, Str: formatDouble(f)}, nil
		case TypeDate:
			t, err := ParseDate(text)
			if err != nil {
				return fail()
			}
			return ValueData{Type: TypeDouble, Str: formatDouble(float64(millis(t)))}, nil
		}
		return fail()

	case TypeDecimal:
		switch src {
		case TypeString, TypeLong, TypeDouble, TypeDecimal:
			r, ok := new(big.Rat).SetString(strings.TrimSpace(text))
			if !ok {
				return fail()
			}
			return ValueData{Type: TypeDecimal, Str: formatDecimal(r)}, nil
		case TypeDate:
			t, err := ParseDate(text)
			if err != nil {
				return fail()
			}
			return ValueData{Type: TypeDecimal, Str: strconv.FormatInt(millis(t), 10)}, nil
		}
		return fail()

	case TypeDate:
		switch src {
		case TypeString:
			t, err := ParseDate(strings.TrimSpace(text))
			if err != nil {
				return fail()
			}
			return ValueData{Type: TypeDate, Str: FormatDate(t)}, nil
		case TypeLong:
			n, err := strconv.ParseInt(text, 10, 64)
			if err != nil {
				return fail()
			}
			return ValueData{Type: TypeDate, Str: FormatDate(fromMillis(n))}, nil
		case TypeDouble:
			f, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return fail()
			}
			return ValueData{Type: TypeDate, Str: FormatDate(fromMillis(int64(f)))}, nil
		case TypeDecimal:
			r, ok := new(big.Rat).SetString(text)
			if !ok {
				return fail()
			}
			q := new(big.Int).Quo(r.Num(), r.Denom())
			return ValueData{Type: TypeDate, Str: FormatDate(fromMillis(q.Int64()))}, nil
		}
		return fail()

	case TypeBoolean:
		if src == TypeString {
			return ValueData{Type: TypeBoolean, Str: strconv.FormatBool(strings.EqualFold(strings.TrimSpace(text), "true"))}, nil
		}
		return fail()

	case TypeName:
		switch src {
		case TypeString, TypePath:
			if err := ValidateName(text); err != nil {
				return fail()
			}
			return ValueData{Type: TypeName, Str: text}, nil
		}
		return fail()

	case TypePath:
		switch src {
		case TypeString, TypeName:
			if _, err := ParsePath(text); err != nil {
				return fail()
			}
			return ValueData{Type: TypePath, Str: text}, nil
		}
		return fail()

	case TypeURI:
		if src == TypeString {
			if _, err := url.Parse(text); err != nil {
				return fail()
			}
			return ValueData{Type: TypeURI, Str: text}, nil
		}
		return fail()

	case TypeReference, TypeWeakReference:
		switch src {
		case TypeString, TypeReference, TypeWeakReference:
			if strings.TrimSpace(text) == "" {
				return fail()
			}
			return ValueData{Type: target, Str: text}, nil
		}
		return fail()
	}
	return fail()
}

func truncate(s string) string {
	if len(s) > 40 {
		return s[:40] + "..."
	}
	return s
}

// ValueOf builds a datum from a Go value. typ, when not TypeUndefined, is the
// type the result is converted to.
func ValueOf(v any, typ PropertyType) (ValueData, error) {
	var d ValueData
	switch x := v.(type) {
	case ValueData:
		d = x
	case *Value:
		d = x.Data()
	case string:
		d = ValueData{Type: TypeString, Str: x}
	case []byte:
		d = ValueData{Type: TypeBinary, Bin: append([]byte(nil), x...)}
	case io.Reader:
		b, err := io.ReadAll(x)
		if err != nil {
			return ValueData{}, Wrap(ErrRepository, "core.ValueOf", "", err)
		}
		d = ValueData{Type: TypeBinary, Bin: b}
	case int:
		d = ValueData{Type: TypeLong, Str: strconv.FormatInt(int64(x), 10)}
	case int32:
		d = ValueData{Type: TypeLong, Str: strconv.FormatInt(int64(x), 10)}
	case int64:
		d = ValueData{Type: TypeLong, Str: strconv.FormatInt(x, 10)}
	case float32:
		d = ValueData{Type: TypeDouble, Str: formatDouble(float64(x))}
	case float64:
		d = ValueData{Type: TypeDouble, Str: formatDouble(x)}
	case *big.Rat:
		d = ValueData{Type: TypeDecimal, Str: formatDecimal(x)}
	case time.Time:
		d = ValueData{Type: TypeDate, Str: FormatDate(x)}
	case bool:
		d = ValueData{Type: TypeBoolean, Str: strconv.FormatBool(x)}
	default:
		return ValueData{}, Errorf(ErrValueFormat, "core.ValueOf", "", "unsupported value type %T", v)
	}
	return Convert(d, typ)
}

// Compare orders two data. b is converted to a's type first; the result
// follows the natural order of that type.
func Compare(a, b ValueData) (int, error) {
	cb, err := Convert(b, a.Type)
	if err != nil {
		return 0, err
	}
	switch a.Type {
	case TypeLong:
		x, _ := strconv.ParseInt(a.Str, 10, 64)
		y, _ := strconv.ParseInt(cb.Str, 10, 64)
		return cmpOrdered(x, y), nil
	case TypeDouble:
		x, _ := strconv.ParseFloat(a.Str, 64)
		y, _ := strconv.ParseFloat(cb.Str, 64)
		return cmpOrdered(x, y), nil
	case TypeDecimal:
		x, ok1 := new(big.Rat).SetString(a.Str)
		y, ok2 := new(big.Rat).SetString(cb.Str)
		if !ok1 || !ok2 {
			return 0, Errorf(ErrValueFormat, "core.Compare", "", "invalid decimal")
		}
		return x.Cmp(y), nil
	case TypeDate:
		x, err1 := ParseDate(a.Str)
		y, err2 := ParseDate(cb.Str)
		if err1 != nil || err2 != nil {
			return 0, Errorf(ErrValueFormat, "core.Compare", "", "invalid date")
		}
		return x.Compare(y), nil
	case TypeBoolean:
		x, y := a.Str == "true", cb.Str == "true"
		switch {
		case x == y:
			return 0, nil
		case !x:
			return -1, nil
		default:
			return 1, nil
		}
	case TypeBinary:
		return bytes.Compare(a.Bin, cb.Bin), nil
	}
	return strings.Compare(a.Str, cb.Str), nil
}

func cmpOrdered[T int64 | float64](x, y T) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

// GoString is a debugging aid.
func (d ValueData) GoString() string {
	return fmt.Sprintf("%s(%q)", d.Type, truncate(d.Text()))
}
