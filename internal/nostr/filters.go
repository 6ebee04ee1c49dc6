package nostr

import (
	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
)

// SubscriptionFilter is a filter registered with the relay client. Batches
// produced by it carry its ID.
type SubscriptionFilter struct {
	ID     string
	Filter nostr.Filter

	// DestroyOnEOSE tears the subscription down once every relay has sent
	// its stored events.
	DestroyOnEOSE bool
}

// NewSubscriptionFilter creates a filter with a fresh random id
func NewSubscriptionFilter(filter nostr.Filter, destroyOnEOSE bool) *SubscriptionFilter {
	return &SubscriptionFilter{
		ID:            uuid.NewString(),
		Filter:        filter,
		DestroyOnEOSE: destroyOnEOSE,
	}
}

// AuthorsFilters splits authors into destroy-on-EOSE filters of at most
// batchSize authors each, all requesting the given kinds.
func AuthorsFilters(authors []string, kinds []int, batchSize int) []*SubscriptionFilter {
	if batchSize <= 0 {
		batchSize = len(authors)
	}

	filters := make([]*SubscriptionFilter, 0, len(authors)/max(batchSize, 1)+1)
	for start := 0; start < len(authors); start += batchSize {
		end := min(start+batchSize, len(authors))
		chunk := make([]string, end-start)
		copy(chunk, authors[start:end])
		filters = append(filters, NewSubscriptionFilter(nostr.Filter{
			Authors: chunk,
			Kinds:   kinds,
		}, true))
	}
	return filters
}

// Batch is a group of events delivered for one subscription filter
type Batch struct {
	FilterID string
	Events   []*nostr.Event
}
