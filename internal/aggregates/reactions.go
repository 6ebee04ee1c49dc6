package aggregates

import (
	"sort"

	"github.com/nbd-wtf/go-nostr"
)

// ReactionGroup aggregates the reactions with the same content targeting one event
type ReactionGroup struct {
	EventID  string
	Reaction string
	Count    int
}

// ReactionTarget returns the event a reaction or repost refers to. Per NIP-25
// the target is the last e tag; tags with malformed ids are skipped.
func ReactionTarget(event *nostr.Event) string {
	target := ""
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "e" && nostr.IsValid32ByteHex(tag[1]) {
			target = tag[1]
		}
	}
	return target
}

// NormalizeReaction maps an empty reaction to the default like
func NormalizeReaction(content string) string {
	if content == "" {
		return "+"
	}
	return content
}

// GroupReactions counts kind 7 events by target and content. Groups are
// ordered by target, then by count descending, then by reaction text.
func GroupReactions(events []*nostr.Event) []ReactionGroup {
	type key struct{ eventID, reaction string }
	counts := make(map[key]int)

	for _, event := range events {
		if event == nil || event.Kind != KindReaction {
			continue
		}
		target := ReactionTarget(event)
		if target == "" {
			continue
		}
		counts[key{target, NormalizeReaction(event.Content)}]++
	}

	groups := make([]ReactionGroup, 0, len(counts))
	for k, count := range counts {
		groups = append(groups, ReactionGroup{EventID: k.eventID, Reaction: k.reaction, Count: count})
	}

	sort.Slice(groups, func(i, j int) bool {
		if groups[i].EventID != groups[j].EventID {
			return groups[i].EventID < groups[j].EventID
		}
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return groups[i].Reaction < groups[j].Reaction
	})

	return groups
}
