package nostr

import (
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// KindRecommendRelay is the NIP-01 relay recommendation kind
const KindRecommendRelay = 2

// ParseRecommendedRelay extracts the relay URL from a kind 2 event
func ParseRecommendedRelay(event *nostr.Event) (string, error) {
	if event.Kind != KindRecommendRelay {
		return "", fmt.Errorf("expected kind %d, got %d", KindRecommendRelay, event.Kind)
	}

	relay := strings.ToLower(strings.TrimSpace(event.Content))
	if !ValidateRelayURL(relay) {
		return "", fmt.Errorf("invalid relay url: %q", event.Content)
	}

	return nostr.NormalizeURL(relay), nil
}

// ValidateRelayURL performs basic validation on a relay URL
func ValidateRelayURL(url string) bool {
	return nostr.IsValidRelayURL(url)
}
