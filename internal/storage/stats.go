package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/strand/internal/aggregates"
	"github.com/sandwichfarm/strand/internal/ops"
)

// Kinds broken out in storage statistics
var statsKinds = []int{
	aggregates.KindProfileMetadata,
	aggregates.KindTextNote,
	aggregates.KindRecommendRelay,
	aggregates.KindContactList,
	aggregates.KindDeletion,
	aggregates.KindRepost,
	aggregates.KindReaction,
	aggregates.KindChannelMessage,
}

// Stats reports event and account counts for diagnostics
func (s *Storage) Stats(ctx context.Context) (*ops.StorageStats, error) {
	start := time.Now()
	stats := &ops.StorageStats{
		Driver:       s.config.Driver,
		EventsByKind: make(map[int]int64),
	}

	total, err := s.backend.CountEvents(ctx, nostr.Filter{})
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	stats.TotalEvents = total

	for _, kind := range statsKinds {
		n, err := s.backend.CountEvents(ctx, nostr.Filter{Kinds: []int{kind}})
		if err != nil {
			return nil, fmt.Errorf("failed to count kind %d: %w", kind, err)
		}
		if n > 0 {
			stats.EventsByKind[kind] = n
		}
	}

	counts := []struct {
		dest  *int64
		query string
	}{
		{&stats.Accounts, `SELECT COUNT(*) FROM accounts`},
		{&stats.Follows, `SELECT COUNT(*) FROM follows`},
		{&stats.DeletedEvents, `SELECT COUNT(DISTINCT event_id) FROM deleted_events`},
	}
	for _, c := range counts {
		if err := s.db.GetContext(ctx, c.dest, c.query); err != nil {
			return nil, err
		}
	}

	newest, err := s.QueryEvents(ctx, nostr.Filter{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(newest) > 0 {
		t := newest[0].CreatedAt.Time()
		stats.NewestEventTime = &t
	}

	s.logger.LogStorageOperation("stats", time.Since(start), nil)
	return stats, nil
}

// Snapshot writes a consistent copy of the database to destPath while it
// stays open for writing
func (s *Storage) Snapshot(ctx context.Context, destPath string) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath)
	s.logger.LogStorageOperation("snapshot", time.Since(start), err)
	return err
}
