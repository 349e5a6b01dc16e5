package propmap

import (
	"fmt"
	"math"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/example/smartobject/internal/errs"
)

// Type is a declared property type. The empty Type accepts any value.
type Type string

const (
	TypeAny    Type = ""
	TypeString Type = "str"
	TypeInt    Type = "int"
	TypeFloat  Type = "float"
	TypeBool   Type = "bool"
	TypeBytes  Type = "bytes"
)

// ParseType accepts the short and the long spelling of each type.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any":
		return TypeAny, nil
	case "str", "string":
		return TypeString, nil
	case "int", "integer":
		return TypeInt, nil
	case "float", "number":
		return TypeFloat, nil
	case "bool", "boolean":
		return TypeBool, nil
	case "bytes", "binary":
		return TypeBytes, nil
	}
	return TypeAny, fmt.Errorf("unknown type %q", s)
}

func (t Type) String() string {
	if t == TypeAny {
		return "any"
	}
	return string(t)
}

// accepts reports whether a value of kind k needs no coercion.
func (t Type) accepts(k Kind) bool {
	switch t {
	case TypeAny:
		return true
	case TypeString:
		return k == KindString
	case TypeInt:
		return k == KindInt
	case TypeFloat:
		return k == KindFloat
	case TypeBool:
		return k == KindBool
	case TypeBytes:
		return k == KindBytes
	}
	return false
}

// Route routes a property to a storage backend or a sync group. The zero Route
// routes nowhere; an enabled Route with an empty ID targets the default.
type Route struct {
	Enabled bool
	ID      string
}

// DefaultRoute targets the registry default.
func DefaultRoute() Route { return Route{Enabled: true} }

// NamedRoute targets the backend or group registered under id.
func NamedRoute(id string) Route { return Route{Enabled: true, ID: id} }

func (r Route) String() string {
	switch {
	case !r.Enabled:
		return "none"
	case r.ID == "":
		return "default"
	default:
		return r.ID
	}
}

// Spec is the compiled rule set of one property. Specs are handed out by
// value; slices they hold must not be modified.
type Spec struct {
	Name       string
	Type       Type
	Choices    []Value
	ChoiceNull bool
	Nullable   bool
	Default    Value
	HasDefault bool
	Min        *float64
	Max        *float64
	ReadOnly   bool
	PrimaryKey bool
	AcceptHex  bool
	Store      Route
	External   bool
	Sync       Route
	SyncAlways bool
	// Serialize lists the views the property belongs to.
	Serialize []string
	// NoSerialize excludes the property from every view, the primary key included.
	NoSerialize  bool
	LogLevel     log.Level
	LogHideValue bool
}

// InView reports whether the property is part of the named view.
func (s Spec) InView(view string) bool {
	if s.NoSerialize {
		return false
	}
	for _, v := range s.Serialize {
		if v == view {
			return true
		}
	}
	return false
}

// ChoiceStrings formats the allowed choices for error messages.
func (s Spec) ChoiceStrings() []string {
	out := make([]string, 0, len(s.Choices)+1)
	for _, c := range s.Choices {
		out = append(out, c.String())
	}
	if s.ChoiceNull {
		out = append(out, "null")
	}
	return out
}

// Attrs is the raw attribute mapping of one property as read from a map source.
type Attrs map[string]any

var knownAttrs = map[string]bool{
	"pk": true, "read-only": true, "external": true, "type": true, "default": true,
	"choices": true, "nullable": true, "min": true, "max": true, "accept-hex": true,
	"serialize": true, "store": true, "sync": true, "sync-always": true,
	"log-level": true, "log-hide-value": true,
}

// parseSpec turns raw attributes into a Spec. Cross-property rules are
// checked by Compile.
func parseSpec(class, name string, attrs Attrs) (Spec, error) {
	spec := Spec{Name: name, LogLevel: log.InfoLevel}
	fail := func(format string, args ...any) (Spec, error) {
		e := errs.New(errs.KindConfiguration, "compile", format, args...)
		e.Class = class
		e.Prop = name
		return Spec{}, e
	}

	var unknown []string
	for k := range attrs {
		if !knownAttrs[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fail("unknown attributes %s", strings.Join(unknown, ", "))
	}

	var err error
	flags := []struct {
		key string
		dst *bool
	}{
		{"pk", &spec.PrimaryKey},
		{"read-only", &spec.ReadOnly},
		{"external", &spec.External},
		{"nullable", &spec.Nullable},
		{"accept-hex", &spec.AcceptHex},
		{"sync-always", &spec.SyncAlways},
		{"log-hide-value", &spec.LogHideValue},
	}
	for _, f := range flags {
		if *f.dst, err = boolAttr(attrs, f.key); err != nil {
			return fail("%v", err)
		}
	}

	if raw, ok := attrs["type"]; ok && raw != nil {
		s, ok := raw.(string)
		if !ok {
			return fail("type must be a string, got %T", raw)
		}
		if spec.Type, err = ParseType(s); err != nil {
			return fail("%v", err)
		}
	}
	if spec.AcceptHex && spec.Type != TypeInt {
		return fail("accept-hex requires type int")
	}

	if spec.Min, err = numberAttr(attrs, "min"); err != nil {
		return fail("%v", err)
	}
	if spec.Max, err = numberAttr(attrs, "max"); err != nil {
		return fail("%v", err)
	}

	if spec.Store, err = routeAttr(attrs, "store"); err != nil {
		return fail("%v", err)
	}
	if spec.Sync, err = routeAttr(attrs, "sync"); err != nil {
		return fail("%v", err)
	}
	if spec.External && !spec.Store.Enabled {
		return fail("external property must be stored")
	}

	if raw, ok := attrs["serialize"]; ok {
		switch t := raw.(type) {
		case nil:
		case bool:
			if t {
				return fail("serialize must be a view name, a list of view names or false")
			}
			spec.NoSerialize = true
		case string:
			spec.Serialize = []string{t}
		case []string:
			spec.Serialize = append([]string(nil), t...)
		case []any:
			for _, item := range t {
				s, ok := item.(string)
				if !ok {
					return fail("serialize entries must be strings, got %T", item)
				}
				spec.Serialize = append(spec.Serialize, s)
			}
		default:
			return fail("serialize must be a string or a list, got %T", raw)
		}
	}

	if raw, ok := attrs["log-level"]; ok && raw != nil {
		if spec.LogLevel, err = parseLogLevel(raw); err != nil {
			return fail("%v", err)
		}
	}

	if raw, ok := attrs["choices"]; ok && raw != nil {
		items, ok := toList(raw)
		if !ok {
			return fail("choices must be a list, got %T", raw)
		}
		for _, item := range items {
			if item == nil {
				spec.ChoiceNull = true
				continue
			}
			c, err := coerce(spec, Of(item))
			if err != nil {
				return fail("choice %v does not match type %s", item, spec.Type)
			}
			spec.Choices = append(spec.Choices, c)
		}
	}

	if raw, ok := attrs["default"]; ok {
		spec.HasDefault = true
		d := Of(raw)
		if !d.IsNull() {
			if d, err = Validate(spec, d); err != nil {
				return fail("invalid default: %v", err)
			}
		}
		spec.Default = d
	}

	if spec.PrimaryKey {
		spec.ReadOnly = true
	}
	return spec, nil
}

func boolAttr(attrs Attrs, key string) (bool, error) {
	raw, ok := attrs[key]
	if !ok || raw == nil {
		return false, nil
	}
	b, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("%s must be a boolean, got %T", key, raw)
	}
	return b, nil
}

func numberAttr(attrs Attrs, key string) (*float64, error) {
	raw, ok := attrs[key]
	if !ok || raw == nil {
		return nil, nil
	}
	f, ok := Of(raw).FloatVal()
	if !ok {
		return nil, fmt.Errorf("%s must be a number, got %T", key, raw)
	}
	return &f, nil
}

func routeAttr(attrs Attrs, key string) (Route, error) {
	raw, ok := attrs[key]
	if !ok || raw == nil {
		return Route{}, nil
	}
	switch t := raw.(type) {
	case bool:
		if t {
			return DefaultRoute(), nil
		}
		return Route{}, nil
	case string:
		if t == "" {
			return DefaultRoute(), nil
		}
		return NamedRoute(t), nil
	}
	return Route{}, fmt.Errorf("%s must be a boolean or a string, got %T", key, raw)
}

// parseLogLevel accepts logrus level names and the legacy numeric levels
// (10 debug, 20 info, 30 warning, 40 error, 50 critical).
func parseLogLevel(raw any) (log.Level, error) {
	if s, ok := raw.(string); ok {
		return log.ParseLevel(s)
	}
	n, ok := Of(raw).FloatVal()
	if !ok || math.IsNaN(n) {
		return log.InfoLevel, fmt.Errorf("log-level must be a level name or a number, got %T", raw)
	}
	switch {
	case n >= 40:
		return log.ErrorLevel, nil
	case n >= 30:
		return log.WarnLevel, nil
	case n >= 20:
		return log.InfoLevel, nil
	case n >= 10:
		return log.DebugLevel, nil
	default:
		return log.TraceLevel, nil
	}
}

func toList(raw any) ([]any, bool) {
	switch t := raw.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}
