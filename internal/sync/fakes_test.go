package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/strand/internal/config"
	nostrclient "github.com/sandwichfarm/strand/internal/nostr"
	"github.com/sandwichfarm/strand/internal/storage"
)

type fakeRelays struct {
	mu        sync.Mutex
	active    map[string]*nostrclient.SubscriptionFilter
	added     []*nostrclient.SubscriptionFilter
	deleted   []*nostrclient.SubscriptionFilter
	sent      []*nostr.Event
	known     map[string]bool
	discovery bool
	sendErr   error

	// onDelete runs before DeleteFilters takes the lock
	onDelete func()
}

func newFakeRelays() *fakeRelays {
	return &fakeRelays{
		active: make(map[string]*nostrclient.SubscriptionFilter),
		known:  make(map[string]bool),
	}
}

func (f *fakeRelays) AddFilters(filters ...*nostrclient.SubscriptionFilter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, filter := range filters {
		f.active[filter.ID] = filter
		f.added = append(f.added, filter)
	}
}

func (f *fakeRelays) DeleteFilters(filters ...*nostrclient.SubscriptionFilter) {
	if f.onDelete != nil {
		f.onDelete()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, filter := range filters {
		delete(f.active, filter.ID)
		f.deleted = append(f.deleted, filter)
	}
}

func (f *fakeRelays) SendEvent(ctx context.Context, event *nostr.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, event)
	return nil
}

func (f *fakeRelays) RecommendedRelayURI() string {
	return "wss://relay.example.com"
}

func (f *fakeRelays) IsAutoRelayDiscovery() bool {
	return f.discovery
}

func (f *fakeRelays) AddRelayIfUnknown(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.known[url] {
		return false
	}
	f.known[url] = true
	return true
}

func (f *fakeRelays) activeFilters() []*nostrclient.SubscriptionFilter {
	f.mu.Lock()
	defer f.mu.Unlock()
	filters := make([]*nostrclient.SubscriptionFilter, 0, len(f.active))
	for _, filter := range f.active {
		filters = append(filters, filter)
	}
	return filters
}

func (f *fakeRelays) sentEvents() []*nostr.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*nostr.Event(nil), f.sent...)
}

type fakeVerifier struct {
	mu     sync.Mutex
	valid  map[string]bool
	claims []string
}

func (f *fakeVerifier) Verify(ctx context.Context, accountID, claim string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = append(f.claims, claim)
	return f.valid[accountID+" "+claim], nil
}

func setupTestStorage(t *testing.T) *storage.Storage {
	t.Helper()

	st, err := storage.New(context.Background(), &config.Storage{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	}, nil)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func hexID(n int) string {
	return fmt.Sprintf("%064x", n)
}

func testEvent(id int, author string, kind int, createdAt nostr.Timestamp, content string, tags ...nostr.Tag) *nostr.Event {
	return &nostr.Event{
		ID:        hexID(id),
		PubKey:    author,
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      nostr.Tags(tags),
		Content:   content,
		Sig:       fmt.Sprintf("%0128x", id),
	}
}

// newSigner returns a key signer together with its public key
func newSigner(t *testing.T) (*nostrclient.KeySigner, string) {
	t.Helper()

	signer, err := nostrclient.NewKeySigner(nostr.GeneratePrivateKey())
	if err != nil {
		t.Fatalf("NewKeySigner() error = %v", err)
	}
	pubkey, _ := signer.GetPublicKey(context.Background())
	return signer, pubkey
}

// recorder collects signals raised on a hub
type recorder struct {
	mu        sync.Mutex
	main      int
	details   []string
	follows   map[string][]string
	followers []string
	mentions  int
	notes     map[string][]string
	updated   []string
	children  map[string][]string
	channels  map[string][]string
	rejected  []string
}

func record(hub *Hub) *recorder {
	r := &recorder{
		follows:  make(map[string][]string),
		notes:    make(map[string][]string),
		children: make(map[string][]string),
		channels: make(map[string][]string),
	}
	hub.OnMainAccountChanged(func(ctx context.Context, account *storage.Account) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.main++
	})
	hub.OnAccountDetailsChanged(func(ctx context.Context, accountID string, details *storage.AccountDetails) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.details = append(r.details, accountID)
	})
	hub.OnAccountFollowsChanged(func(ctx context.Context, accountID string, followIDs []string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.follows[accountID] = followIDs
	})
	hub.OnAccountFollowersChanged(func(ctx context.Context, accountID string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.followers = append(r.followers, accountID)
	})
	hub.OnMentionsUpdated(func(ctx context.Context) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.mentions++
	})
	hub.OnNotesReceived(func(ctx context.Context, filterID string, notes []*nostr.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, n := range notes {
			r.notes[filterID] = append(r.notes[filterID], n.ID)
		}
	})
	hub.OnNoteUpdated(func(ctx context.Context, event *nostr.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.updated = append(r.updated, event.ID)
	})
	hub.OnNoteReceivedChild(func(ctx context.Context, parentID string, child *nostr.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.children[parentID] = append(r.children[parentID], child.ID)
	})
	hub.OnChannelMessageReceived(func(ctx context.Context, channelID string, message *nostr.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.channels[channelID] = append(r.channels[channelID], message.ID)
	})
	hub.OnIngestionRejected(func(ctx context.Context, event *nostr.Event, reason error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.rejected = append(r.rejected, event.ID)
	})
	return r
}
