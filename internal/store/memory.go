package store

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/snublejuice/vinskraper/internal/model"
)

// Memory is an in-process Store.
type Memory struct {
	mu    sync.RWMutex
	colls map[model.Collection]map[int64]model.Document
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{colls: make(map[model.Collection]map[int64]model.Document)}
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close(context.Context) error { return nil }

// Seed inserts docs as-is, replacing documents with the same index.
func (m *Memory) Seed(coll model.Collection, docs ...model.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.coll(coll)
	for _, doc := range docs {
		if idx, ok := doc.Index(); ok {
			c[idx] = cloneDocument(doc)
		}
	}
}

// Get returns a copy of the document at index.
func (m *Memory) Get(coll model.Collection, index int64) (model.Document, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.colls[coll][index]
	if !ok {
		return nil, false
	}
	return cloneDocument(doc), true
}

// Len returns the number of documents in coll.
func (m *Memory) Len(coll model.Collection) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.colls[coll])
}

// Distinct returns distinct values of field in index order of first occurrence.
func (m *Memory) Distinct(ctx context.Context, coll model.Collection, field string) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []any
	for _, doc := range m.sorted(coll) {
		v, ok := doc[field]
		if !ok || v == nil {
			continue
		}
		dup := false
		for _, seen := range out {
			if reflect.DeepEqual(seen, v) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	return out, nil
}

// Find returns copies of matching documents ordered by index.
func (m *Memory) Find(ctx context.Context, coll model.Collection, filter Filter) ([]model.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Document
	for _, doc := range m.sorted(coll) {
		if matches(doc, filter) {
			out = append(out, cloneDocument(doc))
		}
	}
	return out, nil
}

// BulkWrite applies ops in order.
func (m *Memory) BulkWrite(ctx context.Context, coll model.Collection, ops []Op) (BulkResult, error) {
	if err := ctx.Err(); err != nil {
		return BulkResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.coll(coll)
	var res BulkResult
	for _, op := range ops {
		switch o := op.(type) {
		case Upsert:
			existing, found := c[o.Index]
			c[o.Index] = applyUpsert(existing, o)
			if found {
				res.Modified++
			} else {
				res.Upserted++
			}
		case Patch:
			existing, found := c[o.Index]
			if !found {
				res.Skipped++
				continue
			}
			c[o.Index] = applyUpsert(existing, Upsert(o))
			res.Modified++
		case Delete:
			if _, found := c[o.Index]; found {
				delete(c, o.Index)
				res.Deleted++
			}
		}
	}
	return res, nil
}

// UpdateMany applies update to every matching document.
func (m *Memory) UpdateMany(ctx context.Context, coll model.Collection, filter Filter, update Update) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for idx, doc := range m.coll(coll) {
		if !matches(doc, filter) {
			continue
		}
		for k, v := range update.Set {
			doc[k] = cloneValue(v)
		}
		for k, delta := range update.Inc {
			cur, _ := model.AsInt(doc[k])
			doc[k] = cur + delta
		}
		for _, k := range update.Unset {
			delete(doc, k)
		}
		m.colls[coll][idx] = doc
		n++
	}
	return n, nil
}

// ReplaceAll swaps the whole collection.
func (m *Memory) ReplaceAll(ctx context.Context, coll model.Collection, docs []model.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c := make(map[int64]model.Document, len(docs))
	for _, doc := range docs {
		if idx, ok := doc.Index(); ok {
			c[idx] = cloneDocument(doc)
		}
	}
	m.colls[coll] = c
	return nil
}

func (m *Memory) coll(coll model.Collection) map[int64]model.Document {
	c, ok := m.colls[coll]
	if !ok {
		c = make(map[int64]model.Document)
		m.colls[coll] = c
	}
	return c
}

func (m *Memory) sorted(coll model.Collection) []model.Document {
	c := m.colls[coll]
	keys := make([]int64, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]model.Document, len(keys))
	for i, k := range keys {
		out[i] = c[k]
	}
	return out
}

func applyUpsert(existing model.Document, u Upsert) model.Document {
	doc := model.Document{}
	for k, v := range existing {
		doc[k] = v
	}
	for k, v := range u.SetIfAbsent {
		if _, present := doc[k]; !present {
			doc[k] = cloneValue(v)
		}
	}
	for k, v := range u.Set {
		doc[k] = cloneValue(v)
	}
	for _, k := range u.Unset {
		delete(doc, k)
	}
	doc[model.FieldIndex] = u.Index
	return doc
}

func matches(doc model.Document, f Filter) bool {
	if f.Indexes != nil {
		idx, ok := doc.Index()
		if !ok {
			return false
		}
		found := false
		for _, want := range f.Indexes {
			if want == idx {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, k := range f.Missing {
		if v, ok := doc[k]; ok && v != nil {
			return false
		}
	}
	for k, want := range f.Equals {
		if !scalarEqual(doc[k], want) {
			return false
		}
	}
	return true
}

func scalarEqual(a, b any) bool {
	if fa, ok := model.AsFloat(a); ok {
		if fb, ok := model.AsFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func cloneDocument(doc model.Document) model.Document {
	out := make(model.Document, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = cloneValue(inner)
		}
		return out
	case model.Document:
		return map[string]any(cloneDocument(t))
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = inner
		}
		return out
	default:
		return v
	}
}
