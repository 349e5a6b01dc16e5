package propmap

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/example/smartobject/internal/errs"
)

var (
	hexPrefixed = regexp.MustCompile(`^[+-]?0[xX][0-9a-fA-F]+$`)
	hexDigits   = regexp.MustCompile(`^[0-9a-fA-F]+$`)
)

var boolTokens = map[string]bool{
	"1": true, "true": true, "yes": true, "y": true, "on": true,
	"0": false, "false": false, "no": false, "n": false, "off": false,
}

// Validate checks raw against spec and returns the coerced value. It is pure:
// the same spec and raw value always produce the same result or error.
//
// Read-only and primary-key rules are assignment concerns and are not checked.
func Validate(spec Spec, raw Value) (Value, error) {
	if raw.IsNull() {
		if spec.allowsNull() {
			return raw, nil
		}
		return Value{}, typeError(spec, raw)
	}

	v, err := coerce(spec, raw)
	if err != nil {
		return Value{}, err
	}
	if err := checkBounds(spec, v); err != nil {
		return Value{}, err
	}
	if len(spec.Choices) > 0 || spec.ChoiceNull {
		if !spec.inChoices(v) {
			return Value{}, &errs.Error{
				Kind:    errs.KindValue,
				Op:      "validate",
				Msg:     "value is not one of the allowed choices",
				Prop:    spec.Name,
				Got:     v.String(),
				Choices: spec.ChoiceStrings(),
			}
		}
	}
	return v, nil
}

// allowsNull reports whether null is valid. An explicit null default always
// admits it; otherwise choices decide when present, then type and nullable.
func (s Spec) allowsNull() bool {
	if s.HasDefault && s.Default.IsNull() {
		return true
	}
	if len(s.Choices) > 0 || s.ChoiceNull {
		return s.ChoiceNull
	}
	return s.Type == TypeAny || s.Nullable
}

func (s Spec) inChoices(v Value) bool {
	for _, c := range s.Choices {
		if c.Equal(v) {
			return true
		}
	}
	return false
}

// coerce converts raw to the declared type. raw is never null.
func coerce(spec Spec, raw Value) (Value, error) {
	if spec.Type.accepts(raw.Kind()) {
		return raw, nil
	}
	switch spec.Type {
	case TypeInt:
		if text, ok := textOf(raw); ok {
			if i, ok := parseInt(text, spec.AcceptHex); ok {
				return Int(i), nil
			}
			break
		}
		if f, ok := raw.FloatVal(); ok && f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
			return Int(int64(f)), nil
		}
	case TypeFloat:
		if text, ok := textOf(raw); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err == nil {
				return Float(f), nil
			}
			break
		}
		if f, ok := raw.FloatVal(); ok {
			return Float(f), nil
		}
	case TypeBool:
		if f, ok := raw.FloatVal(); ok {
			return Bool(f != 0), nil
		}
		if text, ok := textOf(raw); ok {
			if b, ok := boolTokens[strings.ToLower(strings.TrimSpace(text))]; ok {
				return Bool(b), nil
			}
		}
	case TypeString:
		switch raw.Kind() {
		case KindBytes:
			if utf8.Valid(raw.raw) {
				return String(string(raw.raw)), nil
			}
		case KindInt, KindFloat, KindBool:
			return String(raw.Key()), nil
		}
	case TypeBytes:
		switch raw.Kind() {
		case KindString:
			return Bytes([]byte(raw.s)), nil
		case KindInt, KindFloat, KindBool:
			return Bytes([]byte(raw.Key())), nil
		}
	}
	return Value{}, typeError(spec, raw)
}

// textOf returns the text of string values and of UTF-8 byte values.
func textOf(v Value) (string, bool) {
	switch v.Kind() {
	case KindString:
		return v.s, true
	case KindBytes:
		if utf8.Valid(v.raw) {
			return string(v.raw), true
		}
	}
	return "", false
}

// parseInt parses a decimal integer. With hex enabled a 0x-prefixed string is
// parsed as base 16 first, and bare hex digits are accepted when the text is
// not a decimal number.
func parseInt(text string, hex bool) (int64, bool) {
	text = strings.TrimSpace(text)
	if hex && hexPrefixed.MatchString(text) {
		neg := strings.HasPrefix(text, "-")
		digits := strings.TrimLeft(text, "+-")[2:]
		u, err := strconv.ParseInt(digits, 16, 64)
		if err != nil {
			return 0, false
		}
		if neg {
			u = -u
		}
		return u, true
	}
	if i, err := strconv.ParseInt(text, 10, 64); err == nil {
		return i, true
	}
	if hex && hexDigits.MatchString(text) {
		if i, err := strconv.ParseInt(text, 16, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

func checkBounds(spec Spec, v Value) error {
	if spec.Min == nil && spec.Max == nil {
		return nil
	}
	var n float64
	what := "value"
	switch v.Kind() {
	case KindString:
		n = float64(utf8.RuneCountInString(v.s))
		what = "length"
	case KindBytes:
		n = float64(len(v.raw))
		what = "length"
	case KindInt, KindFloat:
		n, _ = v.FloatVal()
	default:
		return nil
	}
	if (spec.Min != nil && n < *spec.Min) || (spec.Max != nil && n > *spec.Max) {
		return &errs.Error{
			Kind:     errs.KindValue,
			Op:       "validate",
			Msg:      what + " out of bounds",
			Prop:     spec.Name,
			Expected: boundsString(spec),
			Got:      v.String(),
		}
	}
	return nil
}

func boundsString(spec Spec) string {
	lo, hi := "-inf", "+inf"
	if spec.Min != nil {
		lo = strconv.FormatFloat(*spec.Min, 'g', -1, 64)
	}
	if spec.Max != nil {
		hi = strconv.FormatFloat(*spec.Max, 'g', -1, 64)
	}
	return "[" + lo + ", " + hi + "]"
}

func typeError(spec Spec, raw Value) error {
	return &errs.Error{
		Kind:     errs.KindType,
		Op:       "validate",
		Msg:      "cannot convert value",
		Prop:     spec.Name,
		Expected: spec.Type.String(),
		Got:      raw.String() + " (" + raw.Kind().String() + ")",
	}
}
