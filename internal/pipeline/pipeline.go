// Package pipeline composes discovery, harvesting, reconciliation and
// synchronization into the harvester's runnable jobs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snublejuice/vinskraper/internal/discount"
	"github.com/snublejuice/vinskraper/internal/harvest"
	"github.com/snublejuice/vinskraper/internal/lifecycle"
	"github.com/snublejuice/vinskraper/internal/metrics"
	"github.com/snublejuice/vinskraper/internal/model"
	"github.com/snublejuice/vinskraper/internal/pool"
	"github.com/snublejuice/vinskraper/internal/proxy"
	"github.com/snublejuice/vinskraper/internal/store"
	syncer "github.com/snublejuice/vinskraper/internal/sync"
)

const defaultRetryThreshold = 20

// Emitter receives the lifecycle transitions of every applied plan.
type Emitter interface {
	Emit(ctx context.Context, runID string, transitions []lifecycle.Transition) error
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, string, []lifecycle.Transition) error { return nil }

// Config contains pipeline settings.
type Config struct {
	Endpoints harvest.Endpoints

	// ListingProxies serve discovery, details and the store list. Discovery
	// and the store list walk a fresh single-pass pool per job; details
	// cycle over them so one failing identifier cannot use up the pool for
	// its siblings.
	ListingProxies []proxy.Proxy
	// AvailabilityProxies are cycled by the availability harvest.
	AvailabilityProxies []proxy.Proxy
	RequireProxies      bool

	ListingWidth      int
	DetailWidth       int
	AvailabilityWidth int

	// RetryThreshold caps how many failed detail identifiers get one more
	// pass at the end of a run. Zero uses the default; negative disables it.
	RetryThreshold int

	Sync     syncer.Config
	Discount discount.Config
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithEmitter sets the lifecycle event sink.
func WithEmitter(e Emitter) Option {
	return func(p *Pipeline) {
		if e != nil {
			p.emitter = e
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the pipeline logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) { p.log = logger }
}

// WithClock overrides the time source used for month stamping and the
// discount calendar.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// Pipeline runs harvester jobs against one store. Jobs that write the
// product collections hold a shared lock, so a run never plans against
// membership another run is changing.
type Pipeline struct {
	store   store.Store
	fetcher harvest.Fetcher
	cfg     Config
	writes  chan struct{}

	sync      *syncer.Synchronizer
	discounts *discount.Projector
	emitter   Emitter
	metrics   *metrics.Metrics
	now       func() time.Time
	log       zerolog.Logger
}

// New creates a pipeline.
func New(st store.Store, f harvest.Fetcher, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:   st,
		fetcher: f,
		cfg:     cfg,
		writes:  make(chan struct{}, 1),
		emitter: noopEmitter{},
		now:     time.Now,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cfg.RetryThreshold == 0 {
		p.cfg.RetryThreshold = defaultRetryThreshold
	}
	p.sync = syncer.New(st, cfg.Sync, p.metrics, p.log)
	p.discounts = discount.New(st, cfg.Discount, p.log)
	return p
}

// HarvestResult summarizes one harvest run.
type HarvestResult struct {
	RunID       string
	Healed      int
	Refreshed   int
	Discovered  int
	Reactivated int
	Detailed    int
	Expired     int
	Discounts   discount.Result
}

// Harvest runs the full discovery cycle: heal overlap between the catalog
// and the archive, age the new counters, clear refresh flags, discover new
// listings, reactivate rediscovered archive records, insert the listings,
// detail everything that was refreshed or discovered, and project discounts
// on the run day.
func (p *Pipeline) Harvest(ctx context.Context) (res HarvestResult, err error) {
	res = HarvestResult{RunID: uuid.NewString()}
	run, log := p.loggers(res.RunID, model.JobHarvest)

	unlock, err := p.lock(ctx)
	if err != nil {
		return res, err
	}
	defer unlock()
	done := p.track(ctx, log, model.JobHarvest, res.RunID)
	defer func() { done(err) }()

	known, err := p.known(ctx)
	if err != nil {
		return res, err
	}

	if dup := lifecycle.Heal(known); len(dup) > 0 {
		healed, err := p.sync.Heal(ctx, dup)
		res.Healed = healed
		if err != nil {
			return res, fmt.Errorf("healing overlapping records: %w", err)
		}
		for _, id := range dup {
			delete(known.Expired, id)
		}
	}

	if err := p.sync.AgeCounters(ctx); err != nil {
		return res, fmt.Errorf("aging new counters: %w", err)
	}

	refresh, err := p.sync.ClearRefresh(ctx)
	if err != nil {
		return res, fmt.Errorf("clearing refresh flags: %w", err)
	}
	res.Refreshed = len(refresh)

	listing, err := p.listingPool()
	if err != nil {
		return res, err
	}
	found, err := harvest.NewDiscoverer(p.harvestConfig(listing, p.cfg.ListingWidth, run)).Discover(ctx, known.Active)
	if err != nil {
		return res, fmt.Errorf("discovering new products: %w", err)
	}

	plan := lifecycle.PlanDiscovery(found, known)
	res.Discovered = len(plan.New)

	moved, err := p.sync.Reactivate(ctx, plan.Reactivate)
	res.Reactivated = moved
	if err != nil {
		return res, fmt.Errorf("reactivating archived products: %w", err)
	}
	if _, err := p.sync.Apply(ctx, plan.Listings); err != nil {
		return res, fmt.Errorf("inserting discovered listings: %w", err)
	}
	p.observe(ctx, log, res.RunID, plan.Transitions)

	for _, id := range plan.New {
		known.Active[id] = struct{}{}
	}
	for _, id := range plan.Reactivate {
		known.Active[id] = struct{}{}
		delete(known.Expired, id)
	}

	ids := mergeIDs(refresh, plan.New, plan.Reactivate)
	if len(ids) > 0 {
		detailed, expired, err := p.details(ctx, run, res.RunID, ids, known)
		res.Detailed, res.Expired = detailed, expired
		if err != nil {
			return res, err
		}
	}

	res.Discounts, err = p.discounts.Project(ctx, p.now(), false)
	if err != nil {
		return res, fmt.Errorf("projecting discounts: %w", err)
	}

	log.Info().
		Int("healed", res.Healed).
		Int("refreshed", res.Refreshed).
		Int("discovered", res.Discovered).
		Int("reactivated", res.Reactivated).
		Int("detailed", res.Detailed).
		Int("expired", res.Expired).
		Bool("discounts", res.Discounts.Ran).
		Msg("harvest complete")
	return res, nil
}

// Details harvests full records for ids. With no ids it details every active
// record that was never detailed.
func (p *Pipeline) Details(ctx context.Context, ids []int64) (n int, err error) {
	runID := uuid.NewString()
	run, log := p.loggers(runID, model.JobDetails)

	unlock, err := p.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()
	done := p.track(ctx, log, model.JobDetails, runID)
	defer func() { done(err) }()

	known, err := p.known(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		ids, err = p.undetailed(ctx)
		if err != nil {
			return 0, err
		}
	}
	if len(ids) == 0 {
		log.Info().Msg("nothing to detail")
		return 0, nil
	}

	n, _, err = p.details(ctx, run, runID, ids, known)
	return n, err
}

// ActiveIDs lists every index in the active catalog.
func (p *Pipeline) ActiveIDs(ctx context.Context) ([]int64, error) {
	return p.indexes(ctx, model.CollectionProducts)
}

// AvailabilityResult summarizes one availability run.
type AvailabilityResult struct {
	RunID     string
	Requested int
	Succeeded int
	Failed    int
	Expired   int
}

// Availability refreshes store stock for ids, or for every active record
// when ids is empty. Individual fetch failures are logged and counted.
func (p *Pipeline) Availability(ctx context.Context, ids []int64) (res AvailabilityResult, err error) {
	res = AvailabilityResult{RunID: uuid.NewString()}
	run, log := p.loggers(res.RunID, model.JobAvailability)

	unlock, err := p.lock(ctx)
	if err != nil {
		return res, err
	}
	defer unlock()
	done := p.track(ctx, log, model.JobAvailability, res.RunID)
	defer func() { done(err) }()

	known, err := p.known(ctx)
	if err != nil {
		return res, err
	}
	if len(ids) == 0 {
		ids = sortedKeys(known.Active)
	}
	res.Requested = len(ids)
	if len(ids) == 0 {
		return res, nil
	}

	cyclic, err := proxy.NewPool(p.cfg.AvailabilityProxies, proxy.Cyclic, p.cfg.RequireProxies)
	if err != nil {
		return res, fmt.Errorf("building availability proxy pool: %w", err)
	}
	h := harvest.NewAvailabilityHarvester(p.harvestConfig(cyclic, p.cfg.AvailabilityWidth, run))

	report, err := h.Harvest(ctx, ids, func(ctx context.Context, snapshots []model.Availability) error {
		plan := lifecycle.PlanAvailability(snapshots, known)
		applied, err := p.sync.Apply(ctx, plan)
		res.Expired += applied.Expired
		if err != nil {
			return err
		}
		p.settle(known, plan)
		p.observe(ctx, log, res.RunID, plan.Transitions)
		return nil
	})
	res.Succeeded = report.Succeeded
	res.Failed = len(report.Failed)
	if err != nil {
		return res, fmt.Errorf("harvesting availability: %w", err)
	}

	log.Info().
		Int("requested", res.Requested).
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Int("expired", res.Expired).
		Msg("availability complete")
	return res, nil
}

// Shops replaces the store list.
func (p *Pipeline) Shops(ctx context.Context) (n int, err error) {
	runID := uuid.NewString()
	run, log := p.loggers(runID, model.JobShops)
	done := p.track(ctx, log, model.JobShops, runID)
	defer func() { done(err) }()

	listing, err := p.listingPool()
	if err != nil {
		return 0, err
	}
	shops, err := harvest.FetchShops(ctx, p.harvestConfig(listing, 1, run))
	if err != nil {
		return 0, err
	}
	if err := p.sync.ReplaceShops(ctx, shops); err != nil {
		return 0, fmt.Errorf("replacing stores: %w", err)
	}
	return len(shops), nil
}

// Discounts projects price changes. Outside the run day it does nothing
// unless force is set.
func (p *Pipeline) Discounts(ctx context.Context, force bool) (res discount.Result, err error) {
	runID := uuid.NewString()
	_, log := p.loggers(runID, model.JobDiscounts)

	unlock, err := p.lock(ctx)
	if err != nil {
		return res, err
	}
	defer unlock()
	done := p.track(ctx, log, model.JobDiscounts, runID)
	defer func() { done(err) }()

	return p.discounts.Project(ctx, p.now(), force)
}

func (p *Pipeline) details(
	ctx context.Context,
	run zerolog.Logger,
	runID string,
	ids []int64,
	known lifecycle.Known,
) (detailed, expired int, err error) {
	log := run.With().Str("component", "pipeline").Logger()
	cyclic, err := proxy.NewPool(p.cfg.ListingProxies, proxy.Cyclic, p.cfg.RequireProxies)
	if err != nil {
		return 0, 0, fmt.Errorf("building detail proxy pool: %w", err)
	}
	h := harvest.NewDetailHarvester(p.harvestConfig(cyclic, p.cfg.DetailWidth, run))
	flush := func(ctx context.Context, products []model.Product) error {
		plan := lifecycle.PlanProducts(products, known)
		applied, err := p.sync.Apply(ctx, plan)
		expired += applied.Expired
		if err != nil {
			return err
		}
		p.settle(known, plan)
		p.observe(ctx, log, runID, plan.Transitions)
		return nil
	}
	report, err := h.Harvest(ctx, ids, flush)
	detailed = report.Succeeded

	var partial *harvest.PartialError
	if errors.As(err, &partial) && p.retryable(len(partial.Failed)) {
		failed := partial.IDs()
		log.Warn().Int("failed", len(failed)).Msg("retrying failed details")
		var retry harvest.Report
		retry, err = h.Harvest(ctx, failed, flush)
		detailed += retry.Succeeded
	} else if partial != nil {
		log.Warn().
			Int("failed", len(partial.Failed)).
			Int("threshold", p.cfg.RetryThreshold).
			Msg("too many failed details to retry")
	}

	partial = nil
	if errors.As(err, &partial) {
		log.Error().Int("failed", len(partial.Failed)).Ints64("ids", partial.IDs()).Msg("detail harvest incomplete")
	}
	if err != nil {
		return detailed, expired, fmt.Errorf("harvesting details: %w", err)
	}
	return detailed, expired, nil
}

func (p *Pipeline) retryable(failed int) bool {
	return p.cfg.RetryThreshold > 0 && failed <= p.cfg.RetryThreshold
}

// lock takes the product write lock, giving up when ctx ends first.
func (p *Pipeline) lock(ctx context.Context) (func(), error) {
	select {
	case p.writes <- struct{}{}:
		return func() { <-p.writes }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// track marks the job's metadata document incomplete and returns the
// function that records the outcome. Metadata write failures are logged
// only; they never fail the run.
func (p *Pipeline) track(ctx context.Context, log zerolog.Logger, job, runID string) func(error) {
	meta := model.RunMeta{Job: job, RunID: runID, Started: p.now()}
	if err := p.sync.MarkRun(ctx, meta); err != nil {
		log.Warn().Err(err).Msg("failed to mark run started")
	}
	return func(runErr error) {
		finished := p.now()
		meta.Finished = &finished
		meta.Complete = runErr == nil
		if runErr != nil {
			meta.Error = runErr.Error()
		}
		if err := p.sync.MarkRun(context.WithoutCancel(ctx), meta); err != nil {
			log.Warn().Err(err).Msg("failed to mark run finished")
		}
	}
}

// settle moves applied records between the membership sets so later chunks
// of the same run plan against the collections as they now are.
func (p *Pipeline) settle(known lifecycle.Known, plan lifecycle.Plan) {
	for _, rec := range plan.Expire {
		delete(known.Active, rec.Index)
		known.Expired[rec.Index] = struct{}{}
	}
	for _, rec := range plan.Upserts {
		known.Active[rec.Index] = struct{}{}
	}
}

func (p *Pipeline) observe(ctx context.Context, log zerolog.Logger, runID string, transitions []lifecycle.Transition) {
	for _, t := range transitions {
		p.metrics.ObserveTransition(t.Reason)
	}
	if err := p.emitter.Emit(ctx, runID, transitions); err != nil {
		log.Warn().Err(err).Msg("failed to queue lifecycle events")
	}
}

// loggers returns the run-scoped logger handed to collaborators and the
// pipeline's own logger derived from it.
func (p *Pipeline) loggers(runID, job string) (run, own zerolog.Logger) {
	run = p.log.With().Str("run_id", runID).Str("job", job).Logger()
	return run, run.With().Str("component", "pipeline").Logger()
}

func (p *Pipeline) harvestConfig(proxies *proxy.Pool, width int, log zerolog.Logger) harvest.Config {
	return harvest.Config{
		Fetcher:   p.fetcher,
		Endpoints: p.cfg.Endpoints,
		Scheduler: pool.New(width),
		Proxies:   proxies,
		Now:       p.now,
		Logger:    log,
	}
}

func (p *Pipeline) listingPool() (*proxy.Pool, error) {
	pl, err := proxy.NewPool(p.cfg.ListingProxies, proxy.SinglePass, p.cfg.RequireProxies)
	if err != nil {
		return nil, fmt.Errorf("building listing proxy pool: %w", err)
	}
	return pl, nil
}

func (p *Pipeline) known(ctx context.Context) (lifecycle.Known, error) {
	active, err := p.indexes(ctx, model.CollectionProducts)
	if err != nil {
		return lifecycle.Known{}, err
	}
	expired, err := p.indexes(ctx, model.CollectionExpired)
	if err != nil {
		return lifecycle.Known{}, err
	}
	return lifecycle.NewKnown(active, expired), nil
}

func (p *Pipeline) indexes(ctx context.Context, coll model.Collection) ([]int64, error) {
	values, err := p.store.Distinct(ctx, coll, model.FieldIndex)
	if err != nil {
		return nil, fmt.Errorf("listing %s indexes: %w", coll, err)
	}
	ids, err := model.Indexes(values)
	if err != nil {
		return nil, fmt.Errorf("listing %s indexes: %w", coll, err)
	}
	return ids, nil
}

func (p *Pipeline) undetailed(ctx context.Context) ([]int64, error) {
	docs, err := p.store.Find(ctx, model.CollectionProducts, store.Filter{Missing: []string{model.FieldSmell}})
	if err != nil {
		return nil, fmt.Errorf("finding undetailed products: %w", err)
	}
	ids := make([]int64, 0, len(docs))
	for _, doc := range docs {
		if id, ok := doc.Index(); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// mergeIDs concatenates id lists, dropping duplicates and keeping first-seen
// order.
func mergeIDs(lists ...[]int64) []int64 {
	seen := make(map[int64]struct{})
	var out []int64
	for _, list := range lists {
		for _, id := range list {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func sortedKeys(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
