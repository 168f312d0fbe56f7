// Package ingest runs the fixed-rate multi-worker ingestion loop that pulls
// quotes from the upstream provider and persists one point per
// (asset, second).
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quotelab/ratefeed/internal/metrics"
	"github.com/quotelab/ratefeed/internal/notify"
	"github.com/quotelab/ratefeed/internal/rates"
	"github.com/quotelab/ratefeed/internal/upstream"
)

// Options configures the scheduler.
type Options struct {
	Workers   int           // number of staggered workers (default 4)
	Interval  time.Duration // sleep between ticks per worker (default 500ms)
	AssetList []string      // configured asset names, in ID order
}

// Scheduler drives N staggered periodic workers. Worker k first sleeps
// k/N seconds, then ticks every Interval; the stagger spreads the ticks
// across the interval and multiplies the effective per-asset sample rate.
//
// Workers race on purpose: the unique (asset, time) index makes the racing
// upserts collapse to exactly one row per second.
type Scheduler struct {
	store    rates.Store
	fetcher  *upstream.Fetcher
	notifier notify.Notifier
	logger   zerolog.Logger
	opts     Options

	mu     sync.RWMutex
	assets []rates.Asset
}

// New builds a scheduler.
func New(store rates.Store, fetcher *upstream.Fetcher, notifier notify.Notifier, logger zerolog.Logger, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	return &Scheduler{
		store:    store,
		fetcher:  fetcher,
		notifier: notifier,
		logger:   logger,
		opts:     opts,
	}
}

// Run launches the worker pool and blocks until ctx is canceled or a worker
// fails. A failing worker cancels its siblings; ingestion is all-or-nothing
// at the process level so the sample rate never degrades silently.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.syncAssets(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for k := 0; k < s.opts.Workers; k++ {
		k := k
		g.Go(func() error {
			return s.worker(ctx, k)
		})
	}
	return g.Wait()
}

func (s *Scheduler) worker(ctx context.Context, k int) error {
	stagger := time.Duration(k) * time.Second / time.Duration(s.opts.Workers)
	if err := sleep(ctx, stagger); err != nil {
		return err
	}

	s.logger.Debug().Int("worker", k).Dur("stagger", stagger).Msg("Ingestion worker started")

	for {
		if err := s.tick(ctx); err != nil {
			return fmt.Errorf("ingestion worker %d: %w", k, err)
		}
		if err := sleep(ctx, s.opts.Interval); err != nil {
			return err
		}
	}
}

// tick performs one ingestion round. Upstream transport and format failures
// are logged and retried on the next tick; store failures propagate and
// bring the worker group down.
func (s *Scheduler) tick(ctx context.Context) error {
	assets := s.trackedAssets()
	if len(assets) == 0 {
		if err := s.syncAssets(ctx); err != nil {
			return err
		}
		if assets = s.trackedAssets(); len(assets) == 0 {
			s.logger.Info().Msg("Assets are not set")
			return nil
		}
	}

	quotes, err := s.fetcher.FetchRates(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		kind := "transport"
		if errors.Is(err, upstream.ErrFormat) {
			kind = "format"
		}
		metrics.UpstreamFailures.WithLabelValues(kind).Inc()
		s.logger.Warn().Err(err).Msg("Upstream fetch failed, retrying next tick")
		return nil
	}

	bySymbol := make(map[string]upstream.Rate, len(quotes))
	for _, q := range quotes {
		bySymbol[q.Symbol] = q
	}

	now := time.Now().Unix()
	saved := 0
	for _, asset := range assets {
		quote, ok := bySymbol[asset.Name]
		if !ok {
			continue
		}
		inserted, err := s.store.UpsertPoint(ctx, asset.ID, now, quote.Mid())
		if err != nil {
			return err
		}
		if inserted {
			saved++
			s.notifier.PointSaved(asset.ID)
		}
	}

	metrics.IngestTicks.Inc()
	metrics.IngestPointsInserted.Add(float64(saved))
	s.logger.Info().Int("records_saved", saved).Msg("Successfully saved exchange rate records")
	return nil
}

// syncAssets refreshes the cached tracked assets from the store, seeding the
// asset collection from the configured list on a cold start.
func (s *Scheduler) syncAssets(ctx context.Context) error {
	assets, err := s.listTracked(ctx)
	if err != nil {
		return err
	}
	if len(assets) == 0 {
		if err := s.store.InitializeAssets(ctx, s.opts.AssetList); err != nil &&
			!errors.Is(err, rates.ErrAlreadyPopulated) {
			return err
		}
		if assets, err = s.listTracked(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.assets = assets
	s.mu.Unlock()
	return nil
}

// listTracked returns the stored assets whose names appear in the configured
// list, in ID order.
func (s *Scheduler) listTracked(ctx context.Context) ([]rates.Asset, error) {
	all, err := s.store.ListAssets(ctx)
	if err != nil {
		return nil, err
	}
	tracked := make(map[string]bool, len(s.opts.AssetList))
	for _, name := range s.opts.AssetList {
		tracked[name] = true
	}
	var out []rates.Asset
	for _, a := range all {
		if tracked[a.Name] {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Scheduler) trackedAssets() []rates.Asset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assets
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
