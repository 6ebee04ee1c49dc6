package nostr

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bep/debounce"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/sandwichfarm/strand/internal/config"
	"github.com/sandwichfarm/strand/internal/ops"
)

// Client streams subscription filters from relays and delivers the received
// events as batches on a single channel
type Client struct {
	pool        *nostr.SimplePool
	relayConfig *config.Relays
	logger      *ops.Logger
	ctx         context.Context
	cancel      context.CancelFunc

	relays  *xsync.MapOf[string, struct{}]
	subs    *xsync.MapOf[string, *subscription]
	batches chan Batch
	wg      sync.WaitGroup
}

type subscription struct {
	filter *SubscriptionFilter
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	mu      sync.Mutex // guards pending
	pending []*nostr.Event

	sendMu   sync.Mutex // keeps batches of one filter in order
	debounce func(func())
}

// New creates a new relay client with the given configuration
func New(ctx context.Context, relayConfig *config.Relays, logger *ops.Logger) *Client {
	if relayConfig == nil {
		relayConfig = &config.Relays{}
	}
	if logger == nil {
		logger = ops.Discard()
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Client{
		pool:        nostr.NewSimplePool(ctx),
		relayConfig: relayConfig,
		logger:      logger.WithComponent("relays"),
		ctx:         ctx,
		cancel:      cancel,
		relays:      xsync.NewMapOf[string, struct{}](),
		subs:        xsync.NewMapOf[string, *subscription](),
		batches:     make(chan Batch, 64),
	}

	for _, seed := range relayConfig.Seeds {
		c.relays.Store(nostr.NormalizeURL(seed), struct{}{})
	}

	return c
}

// Connect dials every known relay and returns how many answered within the
// connect timeout. Subscriptions dial on their own; this only warms the pool.
func (c *Client) Connect(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, c.GetDefaultTimeout())
	defer cancel()

	urls := c.Relays()
	results := make(chan error, len(urls))
	for _, url := range urls {
		go func() {
			_, err := c.pool.EnsureRelay(url)
			c.logger.LogRelayConnection(url, err == nil, err)
			results <- err
		}()
	}

	connected := 0
	for range urls {
		select {
		case err := <-results:
			if err == nil {
				connected++
			}
		case <-ctx.Done():
			return connected
		}
	}
	return connected
}

// Batches returns the channel all subscription batches are delivered on
func (c *Client) Batches() <-chan Batch {
	return c.batches
}

// Relays returns the known relay URLs in sorted order
func (c *Client) Relays() []string {
	urls := make([]string, 0, c.relays.Size())
	c.relays.Range(func(url string, _ struct{}) bool {
		urls = append(urls, url)
		return true
	})
	sort.Strings(urls)
	return urls
}

// AddRelayIfUnknown adds a relay for future subscriptions and publishes.
// It reports whether the relay was new.
func (c *Client) AddRelayIfUnknown(url string) bool {
	if !ValidateRelayURL(url) {
		return false
	}
	_, loaded := c.relays.LoadOrStore(nostr.NormalizeURL(url), struct{}{})
	if !loaded {
		c.logger.Info("relay added", "relay", url)
	}
	return !loaded
}

// RecommendedRelayURI returns the relay hint put into outgoing tags
func (c *Client) RecommendedRelayURI() string {
	if c.relayConfig.Recommended != "" {
		return c.relayConfig.Recommended
	}
	if len(c.relayConfig.Seeds) > 0 {
		return c.relayConfig.Seeds[0]
	}
	return ""
}

// IsAutoRelayDiscovery reports whether kind 2 recommendations add relays
func (c *Client) IsAutoRelayDiscovery() bool {
	return c.relayConfig.AutoDiscovery
}

// ActiveFilters returns the number of running subscriptions
func (c *Client) ActiveFilters() int {
	return c.subs.Size()
}

// AddFilters starts a subscription for every filter. Filters whose id is
// already active are left alone.
func (c *Client) AddFilters(filters ...*SubscriptionFilter) {
	for _, filter := range filters {
		if filter == nil {
			continue
		}

		subCtx, cancel := context.WithCancel(c.ctx)
		sub := &subscription{
			filter:   filter,
			ctx:      subCtx,
			cancel:   cancel,
			debounce: debounce.New(c.batchWindow()),
		}

		if _, loaded := c.subs.LoadOrStore(filter.ID, sub); loaded {
			cancel()
			continue
		}

		c.wg.Add(1)
		go c.run(sub)
	}
}

// DeleteFilters stops the subscriptions of the given filters. Events still
// waiting to be batched are dropped.
func (c *Client) DeleteFilters(filters ...*SubscriptionFilter) {
	for _, filter := range filters {
		if filter == nil {
			continue
		}
		if sub, ok := c.subs.LoadAndDelete(filter.ID); ok {
			sub.closed.Store(true)
			sub.cancel()
		}
	}
}

func (c *Client) run(sub *subscription) {
	defer c.wg.Done()
	defer sub.cancel()

	urls := c.Relays()
	filter := sub.filter.Filter

	var events <-chan nostr.RelayEvent
	if sub.filter.DestroyOnEOSE {
		// FetchMany closes the channel once every relay sent EOSE
		events = c.pool.FetchMany(sub.ctx, urls, filter)
	} else {
		events = c.pool.SubscribeMany(sub.ctx, urls, filter)
	}

	for relayEvent := range events {
		if relayEvent.Event == nil {
			continue
		}

		sub.mu.Lock()
		sub.pending = append(sub.pending, relayEvent.Event)
		full := c.relayConfig.Policy.BatchMaxEvents > 0 && len(sub.pending) >= c.relayConfig.Policy.BatchMaxEvents
		sub.mu.Unlock()

		if full {
			c.flush(sub)
		} else {
			sub.debounce(func() { c.flush(sub) })
		}
	}

	// Deliver what is left before a destroy-on-EOSE filter removes itself
	c.flush(sub)
	if sub.filter.DestroyOnEOSE && !sub.closed.Load() {
		c.subs.Compute(sub.filter.ID, func(current *subscription, loaded bool) (*subscription, bool) {
			return current, !loaded || current == sub
		})
		c.logger.Debug("filter completed", "filter", sub.filter.ID)
	}
}

func (c *Client) flush(sub *subscription) {
	sub.sendMu.Lock()
	defer sub.sendMu.Unlock()

	sub.mu.Lock()
	if sub.closed.Load() || len(sub.pending) == 0 {
		sub.mu.Unlock()
		return
	}
	batch := Batch{FilterID: sub.filter.ID, Events: sub.pending}
	sub.pending = nil
	sub.mu.Unlock()

	select {
	case c.batches <- batch:
		c.logger.LogBatch(batch.FilterID, len(batch.Events), len(batch.Events))
	case <-sub.ctx.Done():
	case <-c.ctx.Done():
	}
}

func (c *Client) batchWindow() time.Duration {
	if c.relayConfig.Policy.BatchWindowMs <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(c.relayConfig.Policy.BatchWindowMs) * time.Millisecond
}

// SendEvent publishes a signed event to every known relay. It succeeds when at
// least one relay accepted the event.
func (c *Client) SendEvent(ctx context.Context, event *nostr.Event) error {
	urls := c.Relays()
	if len(urls) == 0 {
		return fmt.Errorf("no relays to publish to")
	}

	ctx, cancel := context.WithTimeout(ctx, c.GetPublishTimeout())
	defer cancel()

	var lastErr error
	successCount := 0
	for result := range c.pool.PublishMany(ctx, urls, *event) {
		if result.Error != nil {
			lastErr = result.Error
			c.logger.LogRelayConnection(result.RelayURL, false, result.Error)
		} else {
			successCount++
		}
	}

	if successCount == 0 && lastErr != nil {
		err := fmt.Errorf("failed to publish to any relay: %w", lastErr)
		c.logger.LogPublish(event.ID, event.Kind, err)
		return err
	}

	c.logger.LogPublish(event.ID, event.Kind, nil)
	return nil
}

// GetDefaultTimeout returns the configured connection timeout
func (c *Client) GetDefaultTimeout() time.Duration {
	if c.relayConfig.Policy.ConnectTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.relayConfig.Policy.ConnectTimeoutMs) * time.Millisecond
}

// GetPublishTimeout returns how long a publish may wait for relay replies
func (c *Client) GetPublishTimeout() time.Duration {
	if c.relayConfig.Policy.PublishTimeoutMs == 0 {
		return 10 * time.Second
	}
	return time.Duration(c.relayConfig.Policy.PublishTimeoutMs) * time.Millisecond
}

// Close stops every subscription and closes all relay connections
func (c *Client) Close() {
	c.subs.Range(func(id string, sub *subscription) bool {
		sub.closed.Store(true)
		sub.cancel()
		c.subs.Delete(id)
		return true
	})
	c.cancel()
	c.wg.Wait()
	c.pool.Close("client shutting down")
}
