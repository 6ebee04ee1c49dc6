package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tidwall/gjson"

	"github.com/sandwichfarm/strand/internal/aggregates"
	nostrclient "github.com/sandwichfarm/strand/internal/nostr"
	"github.com/sandwichfarm/strand/internal/ops"
	"github.com/sandwichfarm/strand/internal/storage"
)

// ErrMalformedProfile marks kind 0 events whose content is not a JSON object
var ErrMalformedProfile = errors.New("malformed profile metadata")

// Graph owns the main account, its signers and the follow graph. It applies
// incoming kind 0 and kind 3 events and publishes the main account's own.
type Graph struct {
	storage  *storage.Storage
	relays   RelayService
	verifier IdentityVerifier
	hub      *Hub
	needed   *NeededDetails
	logger   *ops.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Account mutations are serialized per account id
	locks            *xsync.MapOf[string, *sync.Mutex]
	signers          *xsync.MapOf[string, nostrclient.Signer]
	followerRequests *xsync.MapOf[string, string]

	// filtersMu serializes main filter replacement from capture to install
	filtersMu sync.Mutex

	mu             sync.RWMutex
	main           *storage.Account
	mainDetails    *storage.AccountDetails
	mainFilters    []*nostrclient.SubscriptionFilter
	mentionsFilter string

	now func() time.Time
}

// NewGraph creates a graph manager. verifier may be nil to skip NIP-05 checks.
func NewGraph(st *storage.Storage, relays RelayService, verifier IdentityVerifier, hub *Hub, needed *NeededDetails, logger *ops.Logger) *Graph {
	if hub == nil {
		hub = NewHub()
	}
	if needed == nil {
		needed = NewNeededDetails(time.Minute)
	}
	if logger == nil {
		logger = ops.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Graph{
		storage:          st,
		relays:           relays,
		verifier:         verifier,
		hub:              hub,
		needed:           needed,
		logger:           logger.WithComponent("graph"),
		ctx:              ctx,
		cancel:           cancel,
		locks:            xsync.NewMapOf[string, *sync.Mutex](),
		signers:          xsync.NewMapOf[string, nostrclient.Signer](),
		followerRequests: xsync.NewMapOf[string, string](),
		now:              time.Now,
	}
}

// Close stops pending identity verifications and waits for them
func (g *Graph) Close() {
	g.cancel()
	g.wg.Wait()
}

// Hub returns the signal hub the graph emits on
func (g *Graph) Hub() *Hub {
	return g.hub
}

// NeededDetails returns the set of accounts whose details were requested
func (g *Graph) NeededDetails() *NeededDetails {
	return g.needed
}

func (g *Graph) lock(accountID string) func() {
	mu, _ := g.locks.LoadOrStore(accountID, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

// SetMainAccount makes account the active identity. Its previous self and
// mention filters are removed before new ones are installed, so calling it
// again with the same account only refreshes the subscriptions. A nil account
// clears the selection. signer, when given, is registered for the account.
func (g *Graph) SetMainAccount(ctx context.Context, account *storage.Account, signer nostrclient.Signer) {
	if account != nil && signer != nil {
		g.signers.Store(account.ID, signer)
	}

	g.filtersMu.Lock()
	g.mu.Lock()
	old := g.mainFilters
	if account == nil {
		g.main = nil
		g.mainDetails = nil
		g.mainFilters = nil
		g.mentionsFilter = ""
	} else {
		if g.main == nil || g.main.ID != account.ID {
			g.mainDetails = nil
		}
		acc := *account
		g.main = &acc

		self := nostrclient.NewSubscriptionFilter(nostr.Filter{
			Authors: []string{account.ID},
		}, false)
		mentions := nostrclient.NewSubscriptionFilter(nostr.Filter{
			Kinds: []int{aggregates.KindTextNote, aggregates.KindChannelMessage},
			Tags:  nostr.TagMap{"p": []string{account.ID}},
			Limit: 1,
		}, false)
		g.mainFilters = []*nostrclient.SubscriptionFilter{self, mentions}
		g.mentionsFilter = mentions.ID
	}
	filters := g.mainFilters
	current := g.main
	g.mu.Unlock()

	if len(old) > 0 {
		g.relays.DeleteFilters(old...)
	}
	if len(filters) > 0 {
		g.relays.AddFilters(filters...)
	}
	g.filtersMu.Unlock()

	if current != nil {
		g.logger.Info("main account changed", "account", current.ID)
	} else {
		g.logger.Info("main account cleared")
	}

	g.hub.emitMainAccountChanged(ctx, current)
	g.hub.emitMentionsUpdated(ctx)
}

// MainAccount returns a copy of the active account, or nil
func (g *Graph) MainAccount() *storage.Account {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.main == nil {
		return nil
	}
	acc := *g.main
	return &acc
}

// MainAccountDetails returns the cached profile of the active account
func (g *Graph) MainAccountDetails() *storage.AccountDetails {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.mainDetails == nil {
		return nil
	}
	details := *g.mainDetails
	return &details
}

// MentionsFilterID returns the id of the active mentions filter
func (g *Graph) MentionsFilterID() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.mentionsFilter
}

// AddSigner registers signer under the public key it reports
func (g *Graph) AddSigner(ctx context.Context, signer nostrclient.Signer) (string, error) {
	pubkey, err := signer.GetPublicKey(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get signer public key: %w", err)
	}
	if !nostr.IsValid32ByteHex(pubkey) {
		return "", fmt.Errorf("signer reported invalid public key %q", pubkey)
	}
	g.signers.Store(pubkey, signer)
	return pubkey, nil
}

// RemoveSigner forgets the signer of accountID
func (g *Graph) RemoveSigner(accountID string) {
	g.signers.Delete(accountID)
}

// HasSigner reports whether accountID can sign
func (g *Graph) HasSigner(accountID string) bool {
	_, ok := g.signers.Load(accountID)
	return ok
}

// AccountsWithSigners returns the ids of all accounts with a signer, sorted
func (g *Graph) AccountsWithSigners() []string {
	ids := make([]string, 0, g.signers.Size())
	g.signers.Range(func(id string, _ nostrclient.Signer) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids)
	return ids
}

// MainAccountSigner returns the active account and its signer
func (g *Graph) MainAccountSigner() (*storage.Account, nostrclient.Signer, error) {
	main := g.MainAccount()
	if main == nil {
		return nil, nil, ErrNoMainAccount
	}
	signer, ok := g.signers.Load(main.ID)
	if !ok {
		return main, nil, ErrNoSigner
	}
	return main, signer, nil
}

// RegisterFollowerRequestFilter marks filterID as probing whether its authors
// follow requesterID. Contact lists arriving for it only add that one edge.
func (g *Graph) RegisterFollowerRequestFilter(filterID, requesterID string) {
	g.followerRequests.Store(filterID, requesterID)
}

// UnregisterFollowerRequestFilter removes a follower request registration
func (g *Graph) UnregisterFollowerRequestFilter(filterID string) {
	g.followerRequests.Delete(filterID)
}

// AddDetailsNeeded asks the refresher to fetch profiles of ids
func (g *Graph) AddDetailsNeeded(ids ...string) {
	g.needed.Add(ids...)
}

// IsFollowing reports whether the main account follows accountID
func (g *Graph) IsFollowing(ctx context.Context, accountID string) (bool, error) {
	main := g.MainAccount()
	if main == nil {
		return false, ErrNoMainAccount
	}
	return g.storage.IsFollowing(ctx, main.ID, accountID)
}

// FollowUnfollow makes the main account follow or unfollow targetID and
// publishes the resulting contact list. Nothing happens when the follow
// state already matches.
func (g *Graph) FollowUnfollow(ctx context.Context, targetID string, unfollow bool) error {
	if !nostr.IsValid32ByteHex(targetID) {
		return fmt.Errorf("invalid account id %q", targetID)
	}
	main, _, err := g.MainAccountSigner()
	if err != nil {
		return err
	}

	unlock := g.lock(main.ID)
	following, err := g.storage.IsFollowing(ctx, main.ID, targetID)
	if err != nil {
		unlock()
		return err
	}
	if following != unfollow {
		unlock()
		return nil
	}

	if unfollow {
		err = g.storage.RemoveFollow(ctx, main.ID, targetID)
	} else {
		err = g.storage.AddFollow(ctx, main.ID, targetID)
	}
	if err != nil {
		unlock()
		return err
	}
	followIDs, err := g.storage.GetFollowIDs(ctx, main.ID)
	unlock()
	if err != nil {
		return err
	}

	g.hub.emitAccountFollowsChanged(ctx, main.ID, followIDs)
	g.hub.emitAccountFollowersChanged(ctx, targetID)

	return g.SendContactList(ctx)
}

// SendContactList publishes the main account's follow list as kind 3
func (g *Graph) SendContactList(ctx context.Context) error {
	main, signer, err := g.MainAccountSigner()
	if err != nil {
		return err
	}

	followIDs, err := g.storage.GetFollowIDs(ctx, main.ID)
	if err != nil {
		return err
	}

	relay := g.relays.RecommendedRelayURI()
	tags := make(nostr.Tags, 0, len(followIDs))
	for _, id := range followIDs {
		tags = append(tags, nostr.Tag{"p", id, relay, ""})
	}

	event := &nostr.Event{
		PubKey:    main.ID,
		CreatedAt: nostr.Timestamp(g.now().Unix()),
		Kind:      aggregates.KindContactList,
		Tags:      tags,
		Content:   "{}",
	}
	return g.signAndSend(ctx, signer, event)
}

func (g *Graph) signAndSend(ctx context.Context, signer nostrclient.Signer, event *nostr.Event) error {
	if err := signer.Sign(ctx, event); err != nil {
		return err
	}
	err := g.relays.SendEvent(ctx, event)
	g.logger.LogPublish(event.ID, event.Kind, err)
	return err
}

// HandleKind3 applies a contact list received for filterID. Lists no newer
// than the stored one are ignored. A filter registered as a follower request
// only records whether the author follows the requester; any other filter
// replaces the author's whole follow set.
func (g *Graph) HandleKind3(ctx context.Context, event *nostr.Event, filterID string) error {
	if event.Kind != aggregates.KindContactList {
		return fmt.Errorf("expected kind 3, got %d", event.Kind)
	}

	seen := make(map[string]bool)
	followIDs := make([]string, 0, len(event.Tags))
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "p" && nostr.IsValid32ByteHex(tag[1]) && !seen[tag[1]] {
			seen[tag[1]] = true
			followIDs = append(followIDs, tag[1])
		}
	}

	unlock := g.lock(event.PubKey)
	account, err := g.storage.GetAccount(ctx, event.PubKey)
	if err != nil {
		unlock()
		return err
	}
	if event.CreatedAt != 0 && account.FollowsLastUpdate != 0 && int64(event.CreatedAt) <= account.FollowsLastUpdate {
		unlock()
		return nil
	}

	if requesterID, ok := g.followerRequests.Load(filterID); ok {
		if !seen[requesterID] {
			unlock()
			return nil
		}
		following, err := g.storage.IsFollowing(ctx, account.ID, requesterID)
		if err == nil && !following {
			err = g.storage.AddFollow(ctx, account.ID, requesterID)
		}
		unlock()
		if err != nil {
			return err
		}
		if !following {
			g.hub.emitAccountFollowersChanged(ctx, requesterID)
		}
		return nil
	}

	lastUpdate := int64(event.CreatedAt)
	if lastUpdate == 0 {
		lastUpdate = g.now().Unix()
	}
	if err := g.storage.SetFollows(ctx, account.ID, followIDs, lastUpdate); err != nil {
		unlock()
		return err
	}
	account.FollowsLastUpdate = lastUpdate
	unlock()

	if main := g.MainAccount(); main != nil && main.ID == account.ID {
		main.FollowsLastUpdate = lastUpdate
		g.SetMainAccount(ctx, main, nil)
	}

	g.hub.emitAccountFollowsChanged(ctx, account.ID, followIDs)
	for _, id := range followIDs {
		g.hub.emitAccountFollowersChanged(ctx, id)
	}
	return nil
}

// HandleKind0 applies a profile received for its author. Content that is not
// a JSON object is dropped and reported through the ingestion-rejected signal.
// Verification of the NIP-05 claim runs in the background.
func (g *Graph) HandleKind0(ctx context.Context, event *nostr.Event) error {
	if event.Kind != aggregates.KindProfileMetadata {
		return fmt.Errorf("expected kind 0, got %d", event.Kind)
	}

	if event.Content == "" || !gjson.Valid(event.Content) || !gjson.Parse(event.Content).IsObject() {
		g.logger.LogIngestionRejected(event.ID, event.Kind, ErrMalformedProfile)
		g.hub.emitIngestionRejected(ctx, event, ErrMalformedProfile)
		return nil
	}
	profile := gjson.Parse(event.Content)

	g.needed.Remove(event.PubKey)

	unlock := g.lock(event.PubKey)
	details, err := g.storage.GetAccountDetails(ctx, event.PubKey)
	if err != nil {
		unlock()
		return err
	}
	if event.CreatedAt != 0 && int64(event.CreatedAt) <= details.DetailsLastUpdate {
		unlock()
		return nil
	}

	nip05 := profile.Get("nip05").String()
	if nip05 != details.Nip05ID {
		details.Nip05Valid = false
	}
	details.Name = profile.Get("name").String()
	if details.Name == "" {
		details.Name = profile.Get("display_name").String()
	}
	details.About = profile.Get("about").String()
	details.PictureURL = profile.Get("picture").String()
	details.Nip05ID = nip05
	details.Lud16ID = profile.Get("lud16").String()
	details.Lud06URL = profile.Get("lud06").String()
	details.DetailsLastUpdate = int64(event.CreatedAt)
	if details.DetailsLastUpdate == 0 {
		details.DetailsLastUpdate = g.now().Unix()
	}
	details.DetailsLastReceived = g.now().Unix()

	err = g.storage.SaveAccountDetails(ctx, details)
	unlock()
	if err != nil {
		return err
	}

	if main := g.MainAccount(); main != nil && main.ID == details.ID {
		g.mu.Lock()
		cached := *details
		g.mainDetails = &cached
		g.mu.Unlock()
		g.SetMainAccount(ctx, main, nil)
	}

	g.hub.emitAccountDetailsChanged(ctx, details.ID, details)
	g.verifyAsync(details.ID, details.Nip05ID)
	return nil
}

func (g *Graph) verifyAsync(accountID, claim string) {
	if g.verifier == nil || claim == "" {
		return
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx := g.ctx

		valid, err := g.verifier.Verify(ctx, accountID, claim)
		if err != nil {
			g.logger.Debug("nip05 verification failed", "account", accountID, "nip05", claim, "error", err)
			return
		}

		updated, err := g.storage.SetNip05Validity(ctx, accountID, claim, valid)
		if err != nil {
			g.logger.Warn("failed to store nip05 validity", "account", accountID, "error", err)
			return
		}
		if !updated {
			return
		}

		details, err := g.storage.GetAccountDetails(ctx, accountID)
		if err != nil {
			g.logger.Warn("failed to reload account details", "account", accountID, "error", err)
			return
		}
		if main := g.MainAccount(); main != nil && main.ID == accountID {
			g.mu.Lock()
			cached := *details
			g.mainDetails = &cached
			g.mu.Unlock()
		}
		g.hub.emitAccountDetailsChanged(ctx, accountID, details)
	}()
}

// Wait blocks until background verifications have finished
func (g *Graph) Wait() {
	g.wg.Wait()
}

// GetAccountDetails returns the stored profile of accountID
func (g *Graph) GetAccountDetails(ctx context.Context, accountID string) (*storage.AccountDetails, error) {
	return g.storage.GetAccountDetails(ctx, accountID)
}

// AccountName returns the profile name of accountID, or its npub
func (g *Graph) AccountName(ctx context.Context, accountID string) string {
	details, err := g.storage.GetAccountDetails(ctx, accountID)
	if err == nil && details.Name != "" {
		return details.Name
	}
	npub, err := nip19.EncodePublicKey(accountID)
	if err != nil {
		return accountID
	}
	return npub
}

type profileContent struct {
	Name    string `json:"name,omitempty"`
	About   string `json:"about,omitempty"`
	Picture string `json:"picture,omitempty"`
	Nip05   string `json:"nip05,omitempty"`
	Lud16   string `json:"lud16,omitempty"`
	Lud06   string `json:"lud06,omitempty"`
}

// SaveAccountDetails stores the main account's profile and publishes it as
// kind 0
func (g *Graph) SaveAccountDetails(ctx context.Context, details *storage.AccountDetails) error {
	main, signer, err := g.MainAccountSigner()
	if err != nil {
		return err
	}
	if details.ID == "" {
		details.ID = main.ID
	}
	if details.ID != main.ID {
		return fmt.Errorf("details of %s cannot be published by %s", details.ID, main.ID)
	}

	content, err := json.Marshal(profileContent{
		Name:    details.Name,
		About:   details.About,
		Picture: details.PictureURL,
		Nip05:   details.Nip05ID,
		Lud16:   details.Lud16ID,
		Lud06:   details.Lud06URL,
	})
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}

	event := &nostr.Event{
		PubKey:    main.ID,
		CreatedAt: nostr.Timestamp(g.now().Unix()),
		Kind:      aggregates.KindProfileMetadata,
		Tags:      nostr.Tags{},
		Content:   string(content),
	}
	if err := signer.Sign(ctx, event); err != nil {
		return err
	}

	details.DetailsLastUpdate = int64(event.CreatedAt)
	details.DetailsLastReceived = g.now().Unix()
	unlock := g.lock(main.ID)
	err = g.storage.SaveAccountDetails(ctx, details)
	unlock()
	if err != nil {
		return err
	}

	g.mu.Lock()
	cached := *details
	g.mainDetails = &cached
	g.mu.Unlock()
	g.hub.emitAccountDetailsChanged(ctx, details.ID, details)

	err = g.relays.SendEvent(ctx, event)
	g.logger.LogPublish(event.ID, event.Kind, err)
	return err
}

// SetLastRead records when the main account last read its mentions
func (g *Graph) SetLastRead(ctx context.Context, at time.Time) error {
	main := g.MainAccount()
	if main == nil {
		return ErrNoMainAccount
	}

	unlock := g.lock(main.ID)
	err := g.storage.SetAccountLastRead(ctx, main.ID, at)
	unlock()
	if err != nil {
		return err
	}

	g.mu.Lock()
	if g.main != nil && g.main.ID == main.ID {
		g.main.LastNotificationRead = at.Unix()
	}
	g.mu.Unlock()

	g.hub.emitMentionsUpdated(ctx)
	return nil
}

// UnreadMentionsCount counts stored mentions of the main account newer than
// its last read time
func (g *Graph) UnreadMentionsCount(ctx context.Context) (int, error) {
	main := g.MainAccount()
	if main == nil {
		return 0, ErrNoMainAccount
	}
	return g.storage.CountMentionsSince(ctx, main.ID, nostr.Timestamp(main.LastNotificationRead))
}
