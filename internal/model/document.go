// Package model contains the canonical record schema shared by the harvesting pipeline.
package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Document is one schemaless stored record. Keys follow the canonical record schema.
type Document map[string]any

// Collection names a logical collection in the document store.
type Collection string

const (
	// CollectionProducts is the active catalog.
	CollectionProducts Collection = "products"
	// CollectionExpired is the expired archive.
	CollectionExpired Collection = "expired"
	// CollectionShops holds the store list, fully replaced each run.
	CollectionShops Collection = "shops"
	// CollectionMetadata holds one run status document per job.
	CollectionMetadata Collection = "metadata"
)

// Collections lists every logical collection.
func Collections() []Collection {
	return []Collection{CollectionProducts, CollectionExpired, CollectionShops, CollectionMetadata}
}

// Index returns the record key. ok is false when the key is absent or not integral.
func (d Document) Index() (int64, bool) {
	return AsInt(d[FieldIndex])
}

// Float returns a numeric field as float64, or 0 when absent or not numeric.
func (d Document) Float(key string) float64 {
	f, _ := AsFloat(d[key])
	return f
}

// Has reports whether key is present, even with a null value.
func (d Document) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// Clone returns a shallow copy.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Merge returns a copy of d overlaid with patch.
func (d Document) Merge(patch Document) Document {
	out := d.Clone()
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// AsInt coerces a decoded store value into an int64.
func AsInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// AsFloat coerces a decoded store value into a float64.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Indexes converts distinct values of the index field into record keys.
func Indexes(values []any) ([]int64, error) {
	out := make([]int64, 0, len(values))
	for _, v := range values {
		if v == nil {
			continue
		}
		idx, ok := AsInt(v)
		if !ok {
			return nil, fmt.Errorf("index value %v (%T) is not an integer", v, v)
		}
		out = append(out, idx)
	}
	return out, nil
}

// IndexSet builds a lookup set from record keys.
func IndexSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
