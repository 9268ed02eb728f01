// Package harvest fetches product data from the upstream catalog: discovery
// of new listings, and chunked detail and availability harvests.
package harvest

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snublejuice/vinskraper/internal/fetch"
	"github.com/snublejuice/vinskraper/internal/model"
	"github.com/snublejuice/vinskraper/internal/normalize"
	"github.com/snublejuice/vinskraper/internal/pool"
	"github.com/snublejuice/vinskraper/internal/proxy"
)

// Fetcher retrieves one upstream JSON document.
type Fetcher interface {
	Get(ctx context.Context, target string, params url.Values, pool fetch.Pool) (fetch.Response, error)
	GetVia(ctx context.Context, start proxy.Proxy, target string, params url.Values, pool fetch.Pool) (fetch.Response, error)
}

// Config wires a harvester to its collaborators.
type Config struct {
	Fetcher   Fetcher
	Endpoints Endpoints
	Scheduler *pool.Scheduler
	// Proxies is the pool handed to the fetcher. Discovery expects a
	// single-pass pool built for the run; details and availability a
	// cyclic one.
	Proxies fetch.Pool
	Now     func() time.Time
	Logger  zerolog.Logger
}

func (c Config) normalized(component string) Config {
	if c.Scheduler == nil {
		c.Scheduler = pool.New(0)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	c.Logger = c.Logger.With().Str("component", component).Logger()
	return c
}

// Discoverer finds listings in the new-products feed.
type Discoverer struct {
	cfg Config
}

// NewDiscoverer creates a discoverer.
func NewDiscoverer(cfg Config) *Discoverer {
	return &Discoverer{cfg: cfg.normalized("discover")}
}

// Discover returns every listing in the feed whose index is not in active.
// Any page failure aborts the whole call with no partial result.
func (d *Discoverer) Discover(ctx context.Context, active map[int64]struct{}) (map[int64]model.Product, error) {
	month := model.MonthOf(d.cfg.Now())

	first, pages, err := d.page(ctx, 0, month)
	if err != nil {
		return nil, fmt.Errorf("fetching first discovery page: %w", err)
	}

	var mu sync.Mutex
	found := make(map[int64]model.Product)
	collect := func(products []model.Product) {
		mu.Lock()
		defer mu.Unlock()
		for _, p := range products {
			if _, known := active[p.Index]; known || p.Index == 0 {
				continue
			}
			found[p.Index] = p
		}
	}
	collect(first)

	tasks := make([]pool.Task, 0, max(pages-1, 0))
	for page := 1; page < pages; page++ {
		tasks = append(tasks, func(ctx context.Context) error {
			products, _, err := d.page(ctx, page, month)
			if err != nil {
				return fmt.Errorf("fetching discovery page %d: %w", page, err)
			}
			collect(products)
			return nil
		})
	}
	if err := d.cfg.Scheduler.All(ctx, tasks); err != nil {
		return nil, err
	}

	d.cfg.Logger.Info().Int("pages", pages).Int("candidates", len(found)).Msg("discovery complete")
	return found, nil
}

func (d *Discoverer) page(ctx context.Context, page int, month model.Month) ([]model.Product, int, error) {
	target, params := d.cfg.Endpoints.NewProducts(page)
	resp, err := d.cfg.Fetcher.Get(ctx, target, params, d.cfg.Proxies)
	if err != nil {
		return nil, 0, err
	}
	raw, err := normalize.Decode(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	items, pages := normalize.SearchPage(raw)
	products := make([]model.Product, 0, len(items))
	for _, item := range items {
		products = append(products, normalize.Listing(item, month))
	}
	return products, pages, nil
}
