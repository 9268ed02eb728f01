package harvest

import (
	"context"
	"errors"
	"fmt"

	"github.com/snublejuice/vinskraper/internal/model"
	"github.com/snublejuice/vinskraper/internal/normalize"
)

// ErrNoShops is returned when the store listing came back empty.
var ErrNoShops = errors.New("no stores found")

// DetailHarvester fetches full product records.
type DetailHarvester struct {
	cfg Config
}

// NewDetailHarvester creates a detail harvester.
func NewDetailHarvester(cfg Config) *DetailHarvester {
	return &DetailHarvester{cfg: cfg.normalized("details")}
}

// Harvest fetches every id and flushes each chunk. Failed ids are reported in
// a *PartialError once all chunks are done.
func (h *DetailHarvester) Harvest(ctx context.Context, ids []int64, flush func(context.Context, []model.Product) error) (Report, error) {
	month := model.MonthOf(h.cfg.Now())
	return Run(ctx, ids, RunOptions{Scheduler: h.cfg.Scheduler, Logger: h.cfg.Logger},
		func(ctx context.Context, index int64) (model.Product, error) {
			target, params := h.cfg.Endpoints.Detail(index)
			resp, err := h.cfg.Fetcher.Get(ctx, target, params, h.cfg.Proxies)
			if err != nil {
				return model.Product{}, err
			}
			raw, err := normalize.Decode(resp.Body)
			if err != nil {
				return model.Product{}, err
			}
			p := normalize.Detail(raw, month)
			if p.Index == 0 {
				p.Index = index
			}
			return p, nil
		}, flush)
}

// AvailabilityHarvester fetches store availability snapshots.
type AvailabilityHarvester struct {
	cfg Config
}

// NewAvailabilityHarvester creates an availability harvester.
func NewAvailabilityHarvester(cfg Config) *AvailabilityHarvester {
	return &AvailabilityHarvester{cfg: cfg.normalized("availability")}
}

// Harvest fetches every id. Each task starts on its own proxy from the pool;
// failures are logged and counted in the report, never returned.
func (h *AvailabilityHarvester) Harvest(ctx context.Context, ids []int64, flush func(context.Context, []model.Availability) error) (Report, error) {
	return Run(ctx, ids, RunOptions{Scheduler: h.cfg.Scheduler, Logger: h.cfg.Logger, Soft: true},
		func(ctx context.Context, index int64) (model.Availability, error) {
			seed, err := h.cfg.Proxies.Next()
			if err != nil {
				return model.Availability{}, err
			}
			target, params := h.cfg.Endpoints.Availability(index)
			resp, err := h.cfg.Fetcher.GetVia(ctx, seed, target, params, h.cfg.Proxies)
			if err != nil {
				return model.Availability{}, err
			}
			raw, err := normalize.Decode(resp.Body)
			if err != nil {
				return model.Availability{}, err
			}
			return normalize.Availability(index, raw), nil
		}, flush)
}

// FetchShops downloads and normalizes the full store list.
func FetchShops(ctx context.Context, cfg Config) ([]model.Shop, error) {
	cfg = cfg.normalized("shops")
	target, params := cfg.Endpoints.Stores()
	resp, err := cfg.Fetcher.Get(ctx, target, params, cfg.Proxies)
	if err != nil {
		return nil, fmt.Errorf("fetching stores: %w", err)
	}
	raw, err := normalize.Decode(resp.Body)
	if err != nil {
		return nil, err
	}
	shops := normalize.Shops(raw)
	if len(shops) == 0 {
		return nil, ErrNoShops
	}
	cfg.Logger.Info().Int("stores", len(shops)).Msg("fetched store list")
	return shops, nil
}
