package aggregates

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Event kinds handled by the protocol core
const (
	KindProfileMetadata = 0
	KindTextNote        = 1
	KindRecommendRelay  = 2
	KindContactList     = 3
	KindDeletion        = 5
	KindRepost          = 6
	KindReaction        = 7
	KindChannelCreation = 40
	KindChannelMetadata = 41
	KindChannelMessage  = 42
)

// ThreadInfo contains thread relationship information extracted from an event
type ThreadInfo struct {
	RootEventID  string   // The root event of the thread
	ReplyToID    string   // The direct parent event being replied to
	ChannelID    string   // Channel creation event, for channel messages
	MentionedIDs []string // Other events mentioned in the thread
}

// ParseThreadInfo extracts thread relationship info from a note event using NIP-10.
// Channel messages (NIP-28) carry their channel as the root reference.
func ParseThreadInfo(event *nostr.Event) (*ThreadInfo, error) {
	if !IsThreadableKind(event.Kind) {
		return nil, fmt.Errorf("expected threadable kind (1 or 42), got %d", event.Kind)
	}

	// Extract all e tags with a well-formed id
	eTags := make([]nostr.Tag, 0)
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "e" && nostr.IsValid32ByteHex(tag[1]) {
			eTags = append(eTags, tag)
		}
	}

	if len(eTags) == 0 {
		// Not a reply, it's a root post
		return &ThreadInfo{MentionedIDs: make([]string, 0)}, nil
	}

	var info *ThreadInfo
	if hasMarkedTags(eTags) {
		info = parseMarkedFormat(eTags)
	} else {
		// Fall back to deprecated positional format
		info = parsePositionalFormat(eTags)
	}

	if event.Kind == KindChannelMessage {
		// The root of a channel message is the channel itself; only an
		// explicit reply marker makes it a reply to another message.
		info.ChannelID = info.RootEventID
		if info.ReplyToID == info.ChannelID {
			info.ReplyToID = ""
		}
		return info, nil
	}

	// A direct reply to a root carries a single root-marked tag
	if info.ReplyToID == "" && info.RootEventID != "" {
		info.ReplyToID = info.RootEventID
	}

	return info, nil
}

// hasMarkedTags checks if any e tag has a marker (root/reply/mention)
func hasMarkedTags(eTags []nostr.Tag) bool {
	for _, tag := range eTags {
		if len(tag) >= 4 && tag[3] != "" {
			return true
		}
	}
	return false
}

// parseMarkedFormat parses NIP-10 marked e tags (preferred format)
func parseMarkedFormat(eTags []nostr.Tag) *ThreadInfo {
	info := &ThreadInfo{
		MentionedIDs: make([]string, 0),
	}

	for _, tag := range eTags {
		eventID := tag[1]
		marker := ""
		if len(tag) >= 4 {
			marker = tag[3]
		}

		switch marker {
		case "root":
			info.RootEventID = eventID
		case "reply":
			info.ReplyToID = eventID
		default:
			// "mention" or no marker
			info.MentionedIDs = append(info.MentionedIDs, eventID)
		}
	}

	// If we have a reply but no root, the reply is also the root
	if info.ReplyToID != "" && info.RootEventID == "" {
		info.RootEventID = info.ReplyToID
	}

	return info
}

// parsePositionalFormat parses deprecated positional e tag format
func parsePositionalFormat(eTags []nostr.Tag) *ThreadInfo {
	info := &ThreadInfo{
		MentionedIDs: make([]string, 0),
	}

	switch len(eTags) {
	case 1:
		// Single e tag: reply to this event (which is also the root)
		info.RootEventID = eTags[0][1]
		info.ReplyToID = eTags[0][1]

	case 2:
		// Two e tags: [root, reply]
		info.RootEventID = eTags[0][1]
		info.ReplyToID = eTags[1][1]

	default:
		// Many e tags: [root, ...mentions, reply]
		info.RootEventID = eTags[0][1]
		info.ReplyToID = eTags[len(eTags)-1][1]

		for i := 1; i < len(eTags)-1; i++ {
			info.MentionedIDs = append(info.MentionedIDs, eTags[i][1])
		}
	}

	return info
}

// IsReply returns true if this event is a reply to another event
func (ti *ThreadInfo) IsReply() bool {
	return ti.ReplyToID != ""
}

// IsRoot returns true if this event starts a new thread
func (ti *ThreadInfo) IsRoot() bool {
	return ti.ReplyToID == ""
}

// GetRootOrSelf returns the root event ID, or the event itself if it's a root
func (ti *ThreadInfo) GetRootOrSelf(eventID string) string {
	if ti.RootEventID != "" && ti.RootEventID != ti.ChannelID {
		return ti.RootEventID
	}
	return eventID
}

// ReplyToID returns the direct parent of a threadable event, or "" for roots
// and for kinds that do not thread.
func ReplyToID(event *nostr.Event) string {
	info, err := ParseThreadInfo(event)
	if err != nil {
		return ""
	}
	return info.ReplyToID
}

// ExtractMentionedPubkeys extracts pubkeys from p tags
func ExtractMentionedPubkeys(event *nostr.Event) []string {
	pubkeys := make([]string, 0)
	seen := make(map[string]bool)
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "p" && nostr.IsValid32ByteHex(tag[1]) && !seen[tag[1]] {
			seen[tag[1]] = true
			pubkeys = append(pubkeys, tag[1])
		}
	}
	return pubkeys
}

// IsMentioningPubkey checks if an event mentions a specific pubkey
func IsMentioningPubkey(event *nostr.Event, pubkey string) bool {
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "p" && tag[1] == pubkey {
			return true
		}
	}
	return false
}

// IsThreadableKind reports whether events of this kind take part in reply threads
func IsThreadableKind(kind int) bool {
	return kind == KindTextNote || kind == KindChannelMessage
}
