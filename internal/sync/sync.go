// Package syncer writes lifecycle plans to the document store in bounded,
// index-keyed bulk operations.
package syncer

import (
	"context"
	"fmt"
	"iter"

	"github.com/rs/zerolog"

	"github.com/snublejuice/vinskraper/internal/lifecycle"
	"github.com/snublejuice/vinskraper/internal/metrics"
	"github.com/snublejuice/vinskraper/internal/model"
	"github.com/snublejuice/vinskraper/internal/store"
)

const defaultBatchSize = 1000

// Config contains synchronizer settings.
type Config struct {
	// BatchSize caps the operations per bulk write.
	BatchSize int
}

// WriteError reports a failed bulk write. Earlier chunks stay committed.
type WriteError struct {
	Collection model.Collection
	Chunk      int
	Err        error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("writing chunk %d to %s: %v", e.Chunk, e.Collection, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Result counts the records written by one call. Skipped counts updates
// whose record was no longer active.
type Result struct {
	Upserted    int
	Updated     int
	Skipped     int
	Expired     int
	Archived    int
	Reactivated int
}

// Synchronizer applies plans. Every operation is keyed on index and safe to
// repeat after a partial failure.
type Synchronizer struct {
	store   store.Store
	batch   int
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New creates a synchronizer.
func New(st store.Store, cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Synchronizer {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &Synchronizer{
		store:   st,
		batch:   batch,
		metrics: m,
		log:     logger.With().Str("component", "sync").Logger(),
	}
}

// Apply writes a plan: expiring records move into the archive and out of
// the catalog, archived records are refreshed, known active records are
// updated in place and new records are upserted.
func (s *Synchronizer) Apply(ctx context.Context, plan lifecycle.Plan) (Result, error) {
	var res Result

	n, err := s.expire(ctx, plan.Expire)
	res.Expired = n
	if err != nil {
		return res, err
	}

	n, err = s.upsert(ctx, model.CollectionExpired, plan.Archive)
	res.Archived = n
	if err != nil {
		return res, err
	}

	n, err = s.upsert(ctx, model.CollectionProducts, plan.Upserts)
	res.Upserted = n
	if err != nil {
		return res, err
	}

	updated, skipped, err := s.update(ctx, plan.Updates)
	res.Updated, res.Skipped = updated, skipped
	if err != nil {
		return res, err
	}
	if skipped > 0 {
		s.log.Warn().Int("records", skipped).Msg("skipped updates for records no longer active")
	}

	if !plan.Empty() {
		s.log.Info().
			Int("upserted", res.Upserted).
			Int("updated", res.Updated).
			Int("expired", res.Expired).
			Int("archived", res.Archived).
			Msg("plan applied")
	}
	return res, nil
}

// Reactivate moves archived records back into the catalog with the new
// counter set to 1.
func (s *Synchronizer) Reactivate(ctx context.Context, ids []int64) (int, error) {
	moved := 0
	for chunk, part := range batches(ids, s.batch) {
		docs, err := s.store.Find(ctx, model.CollectionExpired, store.Filter{Indexes: part})
		if err != nil {
			return moved, &WriteError{Collection: model.CollectionExpired, Chunk: chunk, Err: err}
		}
		if len(docs) == 0 {
			continue
		}

		upserts := make([]store.Op, 0, len(docs))
		deletes := make([]store.Op, 0, len(docs))
		for _, doc := range docs {
			doc[model.FieldNew] = int64(1)
			rec := lifecycle.NewRecord(doc)
			upserts = append(upserts, toUpsert(rec))
			deletes = append(deletes, store.Delete{Index: rec.Index})
		}
		if err := s.write(ctx, model.CollectionProducts, chunk, upserts); err != nil {
			return moved, err
		}
		if err := s.write(ctx, model.CollectionExpired, chunk, deletes); err != nil {
			return moved, err
		}
		moved += len(docs)
		s.metrics.ObserveSync(string(model.CollectionProducts), "reactivate", len(docs))
	}
	return moved, nil
}

// Heal resolves ids present in both collections. Fields the active copy
// lacks, price history included, are filled from the archive copy before
// the archive copy is deleted.
func (s *Synchronizer) Heal(ctx context.Context, ids []int64) (int, error) {
	healed := 0
	for chunk, part := range batches(ids, s.batch) {
		docs, err := s.store.Find(ctx, model.CollectionExpired, store.Filter{Indexes: part})
		if err != nil {
			return healed, &WriteError{Collection: model.CollectionExpired, Chunk: chunk, Err: err}
		}
		fills := make([]store.Op, 0, len(docs))
		for _, doc := range docs {
			idx, ok := doc.Index()
			if !ok {
				continue
			}
			delete(doc, model.FieldIndex)
			fills = append(fills, store.Upsert{Index: idx, SetIfAbsent: doc})
		}
		if err := s.write(ctx, model.CollectionProducts, chunk, fills); err != nil {
			return healed, err
		}

		deletes := make([]store.Op, len(part))
		for i, id := range part {
			deletes[i] = store.Delete{Index: id}
		}
		if err := s.write(ctx, model.CollectionExpired, chunk, deletes); err != nil {
			return healed, err
		}
		healed += len(part)
	}
	if healed > 0 {
		s.log.Warn().Int("records", healed).Msg("merged archive copies into active records")
	}
	return healed, nil
}

// MarkRun writes the status document of a job run.
func (s *Synchronizer) MarkRun(ctx context.Context, meta model.RunMeta) error {
	idx, ok := model.JobIndex(meta.Job)
	if !ok {
		return fmt.Errorf("no metadata key for job %q", meta.Job)
	}
	return s.write(ctx, model.CollectionMetadata, 0, []store.Op{store.Upsert{Index: idx, Set: meta.Document()}})
}

// AgeCounters sets a missing new counter to 0, then increments the counter
// of every active record.
func (s *Synchronizer) AgeCounters(ctx context.Context) error {
	if _, err := s.store.UpdateMany(ctx, model.CollectionProducts,
		store.Filter{Missing: []string{model.FieldNew}},
		store.Update{Set: model.Document{model.FieldNew: int64(0)}},
	); err != nil {
		return &WriteError{Collection: model.CollectionProducts, Err: fmt.Errorf("initializing counters: %w", err)}
	}
	if _, err := s.store.UpdateMany(ctx, model.CollectionProducts,
		store.Filter{},
		store.Update{Inc: map[string]int64{model.FieldNew: 1}},
	); err != nil {
		return &WriteError{Collection: model.CollectionProducts, Err: fmt.Errorf("incrementing counters: %w", err)}
	}
	return nil
}

// ClearRefresh returns the records flagged for refresh, then clears the
// flag and resets their counter to 0.
func (s *Synchronizer) ClearRefresh(ctx context.Context) ([]int64, error) {
	flagged := store.Filter{Equals: map[string]any{model.FieldRefresh: true}}
	docs, err := s.store.Find(ctx, model.CollectionProducts, flagged)
	if err != nil {
		return nil, fmt.Errorf("finding refresh flags: %w", err)
	}
	ids := make([]int64, 0, len(docs))
	for _, doc := range docs {
		if idx, ok := doc.Index(); ok {
			ids = append(ids, idx)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := s.store.UpdateMany(ctx, model.CollectionProducts, flagged, store.Update{
		Set:   model.Document{model.FieldNew: int64(0)},
		Unset: []string{model.FieldRefresh},
	}); err != nil {
		return nil, &WriteError{Collection: model.CollectionProducts, Err: fmt.Errorf("clearing refresh flags: %w", err)}
	}
	return ids, nil
}

// ReplaceShops swaps the whole store list.
func (s *Synchronizer) ReplaceShops(ctx context.Context, shops []model.Shop) error {
	docs := make([]model.Document, len(shops))
	for i, shop := range shops {
		docs[i] = shop.Document()
	}
	if err := s.store.ReplaceAll(ctx, model.CollectionShops, docs); err != nil {
		return &WriteError{Collection: model.CollectionShops, Err: err}
	}
	s.metrics.ObserveSync(string(model.CollectionShops), "replace", len(docs))
	return nil
}

func (s *Synchronizer) expire(ctx context.Context, records []lifecycle.Record) (int, error) {
	moved := 0
	for chunk, part := range batches(records, s.batch) {
		ids := make([]int64, len(part))
		for i, rec := range part {
			ids[i] = rec.Index
		}
		current, err := s.store.Find(ctx, model.CollectionProducts, store.Filter{Indexes: ids})
		if err != nil {
			return moved, &WriteError{Collection: model.CollectionProducts, Chunk: chunk, Err: err}
		}
		stored := make(map[int64]model.Document, len(current))
		for _, doc := range current {
			if idx, ok := doc.Index(); ok {
				stored[idx] = doc
			}
		}

		archive := make([]store.Op, 0, len(part))
		deletes := make([]store.Op, 0, len(part))
		for _, rec := range part {
			merged := mergeRecord(stored[rec.Index], rec)
			archive = append(archive, toUpsert(merged))
			deletes = append(deletes, store.Delete{Index: rec.Index})
		}

		// Archive first: a crash between the two writes leaves a duplicate
		// that the next pass heals, never a lost record.
		if err := s.write(ctx, model.CollectionExpired, chunk, archive); err != nil {
			return moved, err
		}
		if err := s.write(ctx, model.CollectionProducts, chunk, deletes); err != nil {
			return moved, err
		}
		moved += len(part)
		s.metrics.ObserveSync(string(model.CollectionExpired), "expire", len(part))
	}
	return moved, nil
}

func (s *Synchronizer) upsert(ctx context.Context, coll model.Collection, records []lifecycle.Record) (int, error) {
	written := 0
	for chunk, part := range batches(records, s.batch) {
		ops := make([]store.Op, len(part))
		for i, rec := range part {
			ops[i] = toUpsert(rec)
		}
		if err := s.write(ctx, coll, chunk, ops); err != nil {
			return written, err
		}
		written += len(part)
		s.metrics.ObserveSync(string(coll), "upsert", len(part))
	}
	return written, nil
}

func (s *Synchronizer) update(ctx context.Context, records []lifecycle.Record) (updated, skipped int, err error) {
	for chunk, part := range batches(records, s.batch) {
		ops := make([]store.Op, len(part))
		for i, rec := range part {
			ops[i] = store.Patch{Index: rec.Index, Set: rec.Fields, SetIfAbsent: rec.Once}
		}
		res, err := s.store.BulkWrite(ctx, model.CollectionProducts, ops)
		if err != nil {
			return updated, skipped, &WriteError{Collection: model.CollectionProducts, Chunk: chunk, Err: err}
		}
		skipped += int(res.Skipped)
		updated += len(part) - int(res.Skipped)
		s.metrics.ObserveSync(string(model.CollectionProducts), "update", len(part))
	}
	return updated, skipped, nil
}

func (s *Synchronizer) write(ctx context.Context, coll model.Collection, chunk int, ops []store.Op) error {
	if len(ops) == 0 {
		return nil
	}
	if _, err := s.store.BulkWrite(ctx, coll, ops); err != nil {
		return &WriteError{Collection: coll, Chunk: chunk, Err: err}
	}
	return nil
}

// mergeRecord overlays rec on the stored document. Append-only fields keep
// the stored value.
func mergeRecord(stored model.Document, rec lifecycle.Record) lifecycle.Record {
	if stored == nil {
		return rec
	}
	base := lifecycle.NewRecord(stored)
	out := lifecycle.Record{Index: rec.Index, Fields: base.Fields, Once: base.Once}
	for k, v := range rec.Fields {
		out.Fields[k] = v
	}
	for k, v := range rec.Once {
		if _, ok := out.Once[k]; !ok {
			out.Once[k] = v
		}
	}
	return out
}

func toUpsert(rec lifecycle.Record) store.Upsert {
	return store.Upsert{Index: rec.Index, Set: rec.Fields, SetIfAbsent: rec.Once}
}

func batches[T any](items []T, size int) iter.Seq2[int, []T] {
	return func(yield func(int, []T) bool) {
		for i, n := 0, 0; i < len(items); i, n = i+size, n+1 {
			if !yield(n, items[i:min(i+size, len(items))]) {
				return
			}
		}
	}
}
