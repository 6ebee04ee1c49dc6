package aggregates

import (
	"context"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// ErrRootUnknown is returned when the ancestor chain of a reply leaves local storage
var ErrRootUnknown = errors.New("thread root unknown")

// maxAncestorDepth bounds the upward walk; real threads are far shallower
const maxAncestorDepth = 1000

// EventGetter loads a stored event by id. It returns (nil, nil) when the event
// is not known locally.
type EventGetter func(ctx context.Context, id string) (*nostr.Event, error)

// FindThreadRoot walks the stored ancestor chain starting at replyToID until it
// reaches an event that names its own root, or one that replies to nothing and
// therefore is the root. A missing ancestor yields ErrRootUnknown.
func FindThreadRoot(ctx context.Context, replyToID string, get EventGetter) (string, error) {
	visited := make(map[string]bool)
	current := replyToID

	for depth := 0; depth < maxAncestorDepth; depth++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if visited[current] {
			return "", fmt.Errorf("%w: reply cycle at %s", ErrRootUnknown, current)
		}
		visited[current] = true

		event, err := get(ctx, current)
		if err != nil {
			return "", fmt.Errorf("failed to load ancestor %s: %w", current, err)
		}
		if event == nil {
			return "", fmt.Errorf("%w: missing %s", ErrRootUnknown, current)
		}

		info, err := ParseThreadInfo(event)
		if err != nil {
			// Non-threadable kinds are roots of whatever replies to them
			return current, nil
		}
		if info.RootEventID != "" {
			return info.RootEventID, nil
		}
		if info.IsRoot() {
			return current, nil
		}
		current = info.ReplyToID
	}

	return "", fmt.Errorf("%w: ancestor chain too deep", ErrRootUnknown)
}
