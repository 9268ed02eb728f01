// Package discount derives per-month price changes from the stored price
// history of active products.
package discount

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/snublejuice/vinskraper/internal/model"
	"github.com/snublejuice/vinskraper/internal/store"
)

const (
	defaultRunDay    = 2
	defaultBatchSize = 1000
)

// DefaultEpoch is the first month with a recorded price.
var DefaultEpoch = model.MonthOf(time.Date(2024, time.July, 1, 0, 0, 0, 0, time.UTC))

// Config contains projector settings.
type Config struct {
	// RunDay is the day of month on which Project does work unless forced.
	RunDay    int
	Epoch     model.Month
	BatchSize int
}

// Result summarizes one projection.
type Result struct {
	Ran     bool
	Months  int
	Records int
}

// Projector writes `discount <month>` fields: the percent change from that
// month's price to the current month's price.
type Projector struct {
	store  store.Store
	cfg    Config
	logger zerolog.Logger
}

// New creates a projector.
func New(st store.Store, cfg Config, logger zerolog.Logger) *Projector {
	if cfg.RunDay <= 0 {
		cfg.RunDay = defaultRunDay
	}
	if cfg.Epoch == (model.Month{}) {
		cfg.Epoch = DefaultEpoch
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Projector{store: st, cfg: cfg, logger: logger.With().Str("component", "discount").Logger()}
}

// Due reports whether now falls on the configured run day.
func (p *Projector) Due(now time.Time) bool {
	return now.Day() == p.cfg.RunDay
}

// Project recomputes discounts for every active record. It does nothing
// outside the run day unless force is set.
func (p *Projector) Project(ctx context.Context, now time.Time, force bool) (Result, error) {
	if !force && !p.Due(now) {
		return Result{}, nil
	}

	current := model.MonthOf(now)
	months := model.MonthsBetween(p.cfg.Epoch, current)
	res := Result{Ran: true, Months: len(months)}
	if len(months) == 0 {
		return res, nil
	}

	docs, err := p.store.Find(ctx, model.CollectionProducts, store.Filter{})
	if err != nil {
		return res, fmt.Errorf("loading products for discounts: %w", err)
	}

	ops := make([]store.Op, 0, min(len(docs), p.cfg.BatchSize))
	flush := func() error {
		if len(ops) == 0 {
			return nil
		}
		written, err := p.store.BulkWrite(ctx, model.CollectionProducts, ops)
		if err != nil {
			return fmt.Errorf("writing discounts: %w", err)
		}
		res.Records += len(ops) - int(written.Skipped)
		ops = ops[:0]
		return nil
	}

	for _, doc := range docs {
		idx, ok := doc.Index()
		if !ok {
			continue
		}
		// A record archived since the read must not come back as a stub.
		ops = append(ops, store.Patch{Index: idx, Set: Changes(doc, months, current)})
		if len(ops) >= p.cfg.BatchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}

	p.logger.Info().Int("records", res.Records).Int("months", res.Months).Msg("discounts projected")
	return res, nil
}

// Changes computes the discount fields of doc for months relative to current.
func Changes(doc model.Document, months []model.Month, current model.Month) model.Document {
	now := doc.Float(model.PriceKey(current))
	out := make(model.Document, len(months))
	for _, m := range months {
		out[model.DiscountKey(m)] = Change(doc.Float(model.PriceKey(m)), now)
	}
	return out
}

// Change is the percent change from then to now, or 0 when either price is
// not positive.
func Change(then, now float64) float64 {
	if then <= 0 || now <= 0 {
		return 0
	}
	return 100 * (now - then) / then
}
