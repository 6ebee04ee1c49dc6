package nostr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// ErrSignFailed is returned when an event could not be signed
var ErrSignFailed = errors.New("signing failed")

// Signer signs events on behalf of one account
type Signer interface {
	GetPublicKey(ctx context.Context) (string, error)
	Sign(ctx context.Context, event *nostr.Event) error
}

// KeySigner signs with a secret key held in memory
type KeySigner struct {
	secretKey string
	publicKey string
}

// NewKeySigner creates a signer from an nsec or a hex secret key
func NewKeySigner(key string) (*KeySigner, error) {
	key = strings.TrimSpace(key)

	if strings.HasPrefix(key, "nsec1") {
		prefix, value, err := nip19.Decode(key)
		if err != nil {
			return nil, fmt.Errorf("failed to decode nsec: %w", err)
		}
		decoded, ok := value.(string)
		if prefix != "nsec" || !ok {
			return nil, fmt.Errorf("unexpected key type: %s", prefix)
		}
		key = decoded
	}

	if !nostr.IsValid32ByteHex(key) {
		return nil, fmt.Errorf("secret key must be 32 bytes of hex")
	}

	pk, err := nostr.GetPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	return &KeySigner{secretKey: key, publicKey: pk}, nil
}

// GetPublicKey returns the hex public key of the signer
func (s *KeySigner) GetPublicKey(ctx context.Context) (string, error) {
	return s.publicKey, nil
}

// Sign fills in the pubkey, id and signature of event. Events that already
// name a different author are refused.
func (s *KeySigner) Sign(ctx context.Context, event *nostr.Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSignFailed, err)
	}
	if event.PubKey != "" && event.PubKey != s.publicKey {
		return fmt.Errorf("%w: event author %s does not match signer", ErrSignFailed, event.PubKey)
	}
	if err := event.Sign(s.secretKey); err != nil {
		return fmt.Errorf("%w: %w", ErrSignFailed, err)
	}
	return nil
}
