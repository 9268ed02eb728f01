// Package store defines the document store used by the pipeline and its
// in-memory, MongoDB and PostgreSQL implementations.
package store

import (
	"context"
	"errors"

	"github.com/snublejuice/vinskraper/internal/model"
)

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("unknown store backend")

// Store is a schemaless document store keyed on the record index. Writes
// are keyed on index, never on a backend-internal identity.
type Store interface {
	// Ping checks connectivity for readiness probes.
	Ping(ctx context.Context) error
	// Distinct returns the distinct non-missing values of field.
	Distinct(ctx context.Context, coll model.Collection, field string) ([]any, error)
	// Find returns matching documents ordered by index.
	Find(ctx context.Context, coll model.Collection, filter Filter) ([]model.Document, error)
	// BulkWrite applies ops in order.
	BulkWrite(ctx context.Context, coll model.Collection, ops []Op) (BulkResult, error)
	// UpdateMany applies update to every matching document and returns the match count.
	UpdateMany(ctx context.Context, coll model.Collection, filter Filter, update Update) (int64, error)
	// ReplaceAll deletes every document of coll and inserts docs.
	ReplaceAll(ctx context.Context, coll model.Collection, docs []model.Document) error
	Close(ctx context.Context) error
}

// Filter selects documents. Conditions are combined with AND; the zero
// Filter matches everything.
type Filter struct {
	// Indexes restricts to these keys when non-nil. An empty non-nil slice matches nothing.
	Indexes []int64
	// Missing fields are absent or null.
	Missing []string
	// Equals fields hold exactly the given scalar value.
	Equals map[string]any
}

// Update mutates matched documents.
type Update struct {
	Set   model.Document
	Inc   map[string]int64
	Unset []string
}

// Op is one keyed write inside a BulkWrite.
type Op interface {
	key() int64
}

// Upsert merges fields into the document at Index, creating it when absent.
// SetIfAbsent fields are written only when the key is not yet present.
type Upsert struct {
	Index       int64
	Set         model.Document
	SetIfAbsent model.Document
	Unset       []string
}

func (u Upsert) key() int64 { return u.Index }

// Patch is Upsert without the insert: it changes the document at Index only
// when one exists.
type Patch struct {
	Index       int64
	Set         model.Document
	SetIfAbsent model.Document
	Unset       []string
}

func (p Patch) key() int64 { return p.Index }

// Delete removes the document at Index if present.
type Delete struct {
	Index int64
}

func (d Delete) key() int64 { return d.Index }

// BulkResult counts the effects of a BulkWrite. Modified counts upserts
// and patches that hit an existing document; Skipped counts patches that
// found none.
type BulkResult struct {
	Upserted int64
	Modified int64
	Deleted  int64
	Skipped  int64
}
