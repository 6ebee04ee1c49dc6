package sync

import (
	"context"
	"errors"

	"github.com/nbd-wtf/go-nostr"

	nostrclient "github.com/sandwichfarm/strand/internal/nostr"
)

var (
	// ErrNoMainAccount is returned by operations that act as the main account
	// before one was selected
	ErrNoMainAccount = errors.New("no main account selected")

	// ErrNoSigner is returned when the main account has no registered signer
	ErrNoSigner = errors.New("no signer for main account")
)

// RelayService is the transport the graph and dispatcher drive.
// *nostrclient.Client implements it.
type RelayService interface {
	AddFilters(filters ...*nostrclient.SubscriptionFilter)
	DeleteFilters(filters ...*nostrclient.SubscriptionFilter)
	SendEvent(ctx context.Context, event *nostr.Event) error
	RecommendedRelayURI() string
	IsAutoRelayDiscovery() bool
	AddRelayIfUnknown(url string) bool
}

// IdentityVerifier checks that a NIP-05 claim resolves to an account.
// *identity.Verifier implements it.
type IdentityVerifier interface {
	Verify(ctx context.Context, accountID, claim string) (bool, error)
}

var _ RelayService = (*nostrclient.Client)(nil)
