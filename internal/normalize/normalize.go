// Package normalize maps loosely-shaped JSON objects onto canonical records.
//
// Collaborators disagree on field names and casing (senderId, sender_id,
// SenderID, user.id ...). A Schema lists, for each canonical field, the
// candidate paths to try in priority order. Keys are lower-cased before
// matching, so candidate paths are written in lower case. The lookup runs
// as one compiled gojq program per schema.
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/itchyny/gojq"
)

// Field describes one canonical field and where to find it.
type Field struct {
	Name  string   // canonical key in the resulting Record
	Paths []string // dotted, lower-case candidate paths, first non-null wins
	All   bool     // collect every non-null candidate (flattened) instead of the first
}

// Schema is a compiled set of fields.
type Schema struct {
	name   string
	fields []Field
	code   *gojq.Code
}

const downcaseKeys = `walk(if type == "object" then with_entries(.key |= ascii_downcase) else . end)`

// NewSchema compiles the field list into a gojq program.
func NewSchema(name string, fields []Field) (*Schema, error) {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if f.Name == "" || len(f.Paths) == 0 {
			return nil, fmt.Errorf("normalize: schema %s: field needs a name and at least one path", name)
		}
		cands := make([]string, 0, len(f.Paths))
		for _, p := range f.Paths {
			cands = append(cands, pathExpr(p))
		}
		expr := "[" + strings.Join(cands, ", ") + "] | map(select(. != null))"
		if f.All {
			expr += " | flatten | map(select(. != null))"
		} else {
			expr += " | .[0]"
		}
		parts = append(parts, strconv.Quote(f.Name)+": ("+expr+")")
	}

	src := downcaseKeys + " | {" + strings.Join(parts, ", ") + "}"
	query, err := gojq.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("normalize: parse schema %s: %w", name, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("normalize: compile schema %s: %w", name, err)
	}
	return &Schema{name: name, fields: fields, code: code}, nil
}

// MustSchema is NewSchema for package-level schema definitions.
func MustSchema(name string, fields []Field) *Schema {
	s, err := NewSchema(name, fields)
	if err != nil {
		panic(err)
	}
	return s
}

// pathExpr turns "user.id" into a jq expression that yields null instead of
// failing when an intermediate value is not an object.
func pathExpr(path string) string {
	segs := strings.Split(strings.ToLower(path), ".")
	steps := make([]string, 0, len(segs))
	for _, s := range segs {
		steps = append(steps, ".["+strconv.Quote(s)+"]")
	}
	return "(try (" + strings.Join(steps, " | ") + ") catch null)"
}

// Apply runs the schema against a decoded JSON value.
func (s *Schema) Apply(input any) (Record, error) {
	iter := s.code.Run(input)
	v, ok := iter.Next()
	if !ok {
		return nil, fmt.Errorf("normalize: schema %s produced no result", s.name)
	}
	if err, ok := v.(error); ok {
		return nil, fmt.Errorf("normalize: schema %s: %w", s.name, err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("normalize: schema %s: unexpected result %T", s.name, v)
	}
	return Record(m), nil
}

// ApplyJSON decodes raw JSON and applies the schema. Non-object input is an error.
func (s *Schema) ApplyJSON(data []byte) (Record, error) {
	var input any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("normalize: decode %s: %w", s.name, err)
	}
	if _, ok := input.(map[string]any); !ok {
		return nil, fmt.Errorf("normalize: %s payload is not an object", s.name)
	}
	return s.Apply(input)
}

// Record is the canonical view produced by a Schema.
type Record map[string]any

// Has reports whether key holds a non-null, non-empty value.
func (r Record) Has(key string) bool {
	switch v := r[key].(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(v) != ""
	case []any:
		return len(v) > 0
	default:
		return true
	}
}

// Missing returns the keys from required that are absent or empty.
func (r Record) Missing(required ...string) []string {
	var out []string
	for _, k := range required {
		if !r.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

// String returns the value as a string; numbers are formatted without exponent.
func (r Record) String(key string) string {
	return scalarString(r[key])
}

// Strings returns every scalar value of a collected (All) field.
func (r Record) Strings(key string) []string {
	var out []string
	switch v := r[key].(type) {
	case []any:
		for _, item := range v {
			if s := scalarString(item); s != "" {
				out = append(out, s)
			}
		}
	default:
		if s := scalarString(v); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Bool returns the value as a bool; "true"/"1"/1 count as true.
// The second result is false when the key is absent or not boolean-like.
func (r Record) Bool(key string) (bool, bool) {
	switch v := r[key].(type) {
	case bool:
		return v, true
	case float64:
		return v != 0, true
	case int:
		return v != 0, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, false
		}
		return b, true
	default:
		return false, false
	}
}

// Time parses RFC 3339 strings and numeric epochs (seconds or milliseconds).
func (r Record) Time(key string) (time.Time, bool) {
	switch v := r[key].(type) {
	case string:
		return ParseTime(v)
	case float64:
		return epoch(v), true
	case int:
		return epoch(float64(v)), true
	default:
		return time.Time{}, false
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTime accepts the timestamp spellings seen from the chat backends.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return epoch(f), true
	}
	return time.Time{}, false
}

func epoch(v float64) time.Time {
	if v > 1e12 {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
