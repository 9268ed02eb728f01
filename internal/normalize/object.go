package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/snublejuice/vinskraper/internal/model"
)

// Object is a decoded upstream JSON object. Every accessor is nil-safe and
// returns the zero value when a key is absent or has an unexpected type.
type Object map[string]any

// Decode parses raw into an Object, keeping numbers as json.Number.
func Decode(raw []byte) (Object, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding upstream object: %w", err)
	}
	return Object(out), nil
}

// Obj returns the nested object at key.
func (o Object) Obj(key string) Object {
	if o == nil {
		return nil
	}
	if m, ok := o[key].(map[string]any); ok {
		return Object(m)
	}
	return nil
}

// List returns the objects in the array at key, skipping non-object elements.
func (o Object) List(key string) []Object {
	if o == nil {
		return nil
	}
	items, ok := o[key].([]any)
	if !ok {
		return nil
	}
	out := make([]Object, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, Object(m))
		}
	}
	return out
}

// Str returns the trimmed string at key, or nil when absent or empty.
func (o Object) Str(key string) *string {
	if o == nil {
		return nil
	}
	switch v := o[key].(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil
		}
		return &s
	case json.Number:
		s := v.String()
		return &s
	default:
		return nil
	}
}

// Float returns the number at key. Numeric strings are accepted.
func (o Object) Float(key string) (float64, bool) {
	if o == nil {
		return 0, false
	}
	if s, ok := o[key].(string); ok {
		f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(s), ",", "."), 64)
		return f, err == nil
	}
	return model.AsFloat(o[key])
}

// Int returns the integer at key. Numeric strings are accepted.
func (o Object) Int(key string) (int64, bool) {
	if o == nil {
		return 0, false
	}
	if s, ok := o[key].(string); ok {
		return model.AsInt(strings.TrimSpace(s))
	}
	return model.AsInt(o[key])
}

// Bool returns the boolean at key, false when absent.
func (o Object) Bool(key string) bool {
	if o == nil {
		return false
	}
	switch v := o[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return err == nil && b
	default:
		return false
	}
}

// Strings collects field from every object in the array at key.
func (o Object) Strings(key, field string) []string {
	var out []string
	for _, item := range o.List(key) {
		if s := item.Str(field); s != nil {
			out = append(out, *s)
		}
	}
	return out
}
