package sync

import (
	"context"
	"slices"
	"time"

	"github.com/sandwichfarm/strand/internal/aggregates"
	"github.com/sandwichfarm/strand/internal/config"
	nostrclient "github.com/sandwichfarm/strand/internal/nostr"
	"github.com/sandwichfarm/strand/internal/ops"
	"github.com/sandwichfarm/strand/internal/storage"
)

// Refresher periodically subscribes to the profiles of accounts registered
// in NeededDetails whose stored details are missing or stale. Registrations
// arriving within one poll interval share a single subscription.
type Refresher struct {
	storage *storage.Storage
	relays  RelayService
	needed  *NeededDetails
	logger  *ops.Logger

	interval  time.Duration
	validity  time.Duration
	batchSize int
	now       func() time.Time

	querying []string
	filters  []*nostrclient.SubscriptionFilter
}

// NewRefresher creates a refresher with the intervals from cfg
func NewRefresher(st *storage.Storage, relays RelayService, needed *NeededDetails, cfg *config.Profiles, logger *ops.Logger) *Refresher {
	if cfg == nil {
		cfg = &config.Profiles{}
	}
	if logger == nil {
		logger = ops.Discard()
	}

	r := &Refresher{
		storage:   st,
		relays:    relays,
		needed:    needed,
		logger:    logger.WithComponent("refresher"),
		interval:  5 * time.Second,
		validity:  30 * time.Minute,
		batchSize: cfg.BatchSize,
		now:       time.Now,
	}
	if cfg.PollSeconds > 0 {
		r.interval = time.Duration(cfg.PollSeconds) * time.Second
	}
	if cfg.ValidityMinutes > 0 {
		r.validity = time.Duration(cfg.ValidityMinutes) * time.Minute
	}
	return r
}

// Run polls until ctx is cancelled. Active filters are removed before it
// returns.
func (r *Refresher) Run(ctx context.Context) error {
	defer r.teardown()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.tick(ctx); err != nil {
			r.logger.Warn("profile refresh failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Refresher) tick(ctx context.Context) error {
	if ctx.Err() != nil || !r.needed.TakeChanged() {
		return nil
	}

	ids := r.needed.Prune()
	candidates, err := r.storage.AccountIDsRequiringUpdate(ctx, ids, r.validity, r.now())
	if err != nil {
		return err
	}
	if slices.Equal(candidates, r.querying) {
		return nil
	}

	if len(r.filters) > 0 {
		r.relays.DeleteFilters(r.filters...)
	}
	r.querying = candidates
	r.filters = nostrclient.AuthorsFilters(candidates, []int{aggregates.KindProfileMetadata}, r.batchSize)
	if len(r.filters) > 0 {
		r.relays.AddFilters(r.filters...)
	}

	r.logger.Debug("profile filters replaced", "accounts", len(candidates), "filters", len(r.filters))
	return nil
}

func (r *Refresher) teardown() {
	if len(r.filters) > 0 {
		r.relays.DeleteFilters(r.filters...)
	}
	r.filters = nil
	r.querying = nil
}
