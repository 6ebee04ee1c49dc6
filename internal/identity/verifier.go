package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr/nip05"
	"golang.org/x/sync/singleflight"

	"github.com/sandwichfarm/strand/internal/config"
	"github.com/sandwichfarm/strand/internal/ops"
)

// ErrInvalidIdentifier is returned for claims that are not name@domain
var ErrInvalidIdentifier = errors.New("invalid nip05 identifier")

// LookupFunc resolves an identifier to a hex public key. It returns "" with
// a nil error when the domain does not list the name.
type LookupFunc func(ctx context.Context, identifier string) (string, error)

// Verifier checks NIP-05 claims of accounts
type Verifier struct {
	lookup  LookupFunc
	cache   Cache
	ttl     time.Duration
	timeout time.Duration
	group   singleflight.Group
	logger  *ops.Logger
}

// NewVerifier creates a verifier over the given cache. A nil lookup queries
// the claim's domain over HTTPS.
func NewVerifier(cfg *config.Verification, cache Cache, lookup LookupFunc, logger *ops.Logger) *Verifier {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if lookup == nil {
		lookup = QueryDomain
	}
	if logger == nil {
		logger = ops.Discard()
	}

	ttl := 24 * time.Hour
	timeout := 5 * time.Second
	if cfg != nil {
		if cfg.Cache.TTLHours > 0 {
			ttl = time.Duration(cfg.Cache.TTLHours) * time.Hour
		}
		if cfg.TimeoutMs > 0 {
			timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
		}
	}

	return &Verifier{
		lookup:  lookup,
		cache:   cache,
		ttl:     ttl,
		timeout: timeout,
		logger:  logger.WithComponent("identity"),
	}
}

// NewCacheFromConfig builds the cache selected in the configuration
func NewCacheFromConfig(cfg *config.Verification) (Cache, error) {
	switch cfg.Cache.Engine {
	case "", "memory":
		return NewMemoryCache(), nil
	case "redis":
		return NewRedisCache(cfg.Cache.RedisURL, "strand:nip05:")
	default:
		return nil, fmt.Errorf("unsupported verification cache engine: %s", cfg.Cache.Engine)
	}
}

// QueryDomain resolves an identifier through the domain's nostr.json
func QueryDomain(ctx context.Context, identifier string) (string, error) {
	pointer, err := nip05.QueryIdentifier(ctx, identifier)
	if err != nil {
		return "", err
	}
	if pointer == nil {
		return "", nil
	}
	return pointer.PublicKey, nil
}

func normalize(claim string) (string, error) {
	claim = strings.ToLower(strings.TrimSpace(claim))
	if !strings.Contains(claim, "@") {
		// A bare domain stands for the root name
		claim = "_@" + claim
	}
	if !nip05.IsValidIdentifier(claim) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, claim)
	}
	return claim, nil
}

// Verify reports whether claim resolves to accountID. Concurrent checks of
// the same claim share one lookup; results are cached, lookup errors are not.
func (v *Verifier) Verify(ctx context.Context, accountID, claim string) (bool, error) {
	identifier, err := normalize(claim)
	if err != nil {
		return false, err
	}

	if res, ok, err := v.cache.Get(ctx, identifier); err != nil {
		v.logger.Warn("verification cache read failed", "identifier", identifier, "error", err)
	} else if ok {
		return strings.EqualFold(res.PubKey, accountID), nil
	}

	value, err, shared := v.group.Do(identifier, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(ctx, v.timeout)
		defer cancel()

		pubkey, err := v.lookup(lookupCtx, identifier)
		if err != nil {
			return "", err
		}

		res := Resolution{PubKey: strings.ToLower(pubkey), CheckedAt: time.Now()}
		if err := v.cache.Set(ctx, identifier, res, v.ttl); err != nil {
			v.logger.Warn("verification cache write failed", "identifier", identifier, "error", err)
		}
		return res.PubKey, nil
	})
	if err != nil {
		return false, fmt.Errorf("nip05 lookup failed for %s: %w", identifier, err)
	}
	if shared {
		v.logger.Debug("shared nip05 lookup", "identifier", identifier)
	}

	return strings.EqualFold(value.(string), accountID), nil
}
