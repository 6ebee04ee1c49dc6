package entities

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

var (
	// Raw hex public keys written as @<hex>
	hexMentionRegex = regexp.MustCompile(`@([0-9a-f]{64})\b`)

	// Bech32 public keys and profiles written as @npub1... or nostr:nprofile1...
	npubMentionRegex = regexp.MustCompile(`(?:@|nostr:)((?:npub|nprofile)1[02-9ac-hj-np-z]+)`)

	// Bech32 note ids and event pointers, bare or prefixed
	noteMentionRegex = regexp.MustCompile(`(?:@|nostr:)?((?:note|nevent)1[02-9ac-hj-np-z]+)`)

	hashtagRegex = regexp.MustCompile(`(?:^|\s)#([\p{L}\p{N}_]+)`)

	placeholderRegex = regexp.MustCompile(`#\[(\d+)\]`)
)

// Mentions is the result of rewriting inline references to indexed placeholders
type Mentions struct {
	Content  string
	Accounts []string // Indexed from 0
	Notes    []string // Indexed after the accounts
}

// EncodeMentions rewrites account and note references in content to #[i]
// placeholders. Each distinct account gets an index in first-seen order; note
// indices continue after the last account index.
func EncodeMentions(content string) Mentions {
	m := Mentions{
		Content:  strings.TrimSpace(content),
		Accounts: make([]string, 0),
		Notes:    make([]string, 0),
	}

	accountIndex := func(pubkey string) int {
		for i, existing := range m.Accounts {
			if existing == pubkey {
				return i
			}
		}
		m.Accounts = append(m.Accounts, pubkey)
		return len(m.Accounts) - 1
	}

	m.Content = hexMentionRegex.ReplaceAllStringFunc(m.Content, func(match string) string {
		pubkey := hexMentionRegex.FindStringSubmatch(match)[1]
		return placeholder(accountIndex(pubkey))
	})

	m.Content = npubMentionRegex.ReplaceAllStringFunc(m.Content, func(match string) string {
		pubkey := decodeAccount(npubMentionRegex.FindStringSubmatch(match)[1])
		if pubkey == "" {
			return match
		}
		return placeholder(accountIndex(pubkey))
	})

	// Note indices depend on the final account count, so they are resolved
	// only after every account mention has been seen.
	m.Content = noteMentionRegex.ReplaceAllStringFunc(m.Content, func(match string) string {
		id := decodeNote(noteMentionRegex.FindStringSubmatch(match)[1])
		if id == "" {
			return match
		}
		index := -1
		for i, existing := range m.Notes {
			if existing == id {
				index = i
				break
			}
		}
		if index == -1 {
			m.Notes = append(m.Notes, id)
			index = len(m.Notes) - 1
		}
		return placeholder(len(m.Accounts) + index)
	})

	return m
}

// decodeAccount returns the public key of an npub or nprofile, or ""
func decodeAccount(bech32 string) string {
	var pubkey string
	_, value, err := nip19.Decode(bech32)
	if err != nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		pubkey = v
	case nostr.ProfilePointer:
		pubkey = v.PublicKey
	}
	if !nostr.IsValid32ByteHex(pubkey) {
		return ""
	}
	return pubkey
}

// decodeNote returns the event id of a note or nevent, or ""
func decodeNote(bech32 string) string {
	var id string
	_, value, err := nip19.Decode(bech32)
	if err != nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		id = v
	case nostr.EventPointer:
		id = v.ID
	}
	if !nostr.IsValid32ByteHex(id) {
		return ""
	}
	return id
}

func placeholder(index int) string {
	return "#[" + strconv.Itoa(index) + "]"
}

// ExtractHashtags returns the lowercased, deduplicated hashtags of content in
// order of appearance.
func ExtractHashtags(content string) []string {
	tags := make([]string, 0)
	seen := make(map[string]bool)
	for _, match := range hashtagRegex.FindAllStringSubmatch(content, -1) {
		tag := strings.ToLower(match[1])
		if !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	return tags
}

// ReplyContext describes what an outgoing note answers
type ReplyContext struct {
	ReplyToID string
	RootID    string // Resolved thread root; ReplyToID when empty
	ChannelID string // Channel the note is posted into, if any

	// Accounts mentioned by the replied-to event, including its author
	AccountMentions []string
}

// BuildNoteTags emits the tag array of an outgoing note in wire order:
// indexed account mentions, indexed note mentions, root/reply references,
// hashtags, then the secondary account mentions inherited from the reply.
func BuildNoteTags(m Mentions, reply ReplyContext, hashtags []string, relayHint string) nostr.Tags {
	tags := make(nostr.Tags, 0, len(m.Accounts)+len(m.Notes)+len(hashtags)+2)

	for _, p := range m.Accounts {
		tags = append(tags, nostr.Tag{"p", p})
	}
	for _, e := range m.Notes {
		tags = append(tags, nostr.Tag{"e", e, relayHint, "mention"})
	}

	secondary := make([]string, 0)
	if reply.ReplyToID != "" {
		root := reply.RootID
		if root == "" || root == reply.ReplyToID {
			tags = append(tags, nostr.Tag{"e", reply.ReplyToID, relayHint, "root"})
		} else {
			tags = append(tags,
				nostr.Tag{"e", root, relayHint, "root"},
				nostr.Tag{"e", reply.ReplyToID, relayHint, "reply"},
			)
		}

		for _, p := range reply.AccountMentions {
			if !contains(m.Accounts, p) && !contains(secondary, p) {
				secondary = append(secondary, p)
			}
		}
	} else if reply.ChannelID != "" {
		tags = append(tags, nostr.Tag{"e", reply.ChannelID, relayHint, "root"})
	}

	for _, t := range hashtags {
		tags = append(tags, nostr.Tag{"t", t})
	}
	for _, p := range secondary {
		tags = append(tags, nostr.Tag{"p", p})
	}

	return tags
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// Reference is the target of a decoded placeholder
type Reference struct {
	Type string // "p" or "e"
	ID   string
}

// DecodePlaceholder resolves placeholder index i against a tag array built by
// BuildNoteTags. Indices below the account-mention count select the i-th
// account; the rest select note mentions.
func DecodePlaceholder(tags nostr.Tags, index int) (Reference, bool) {
	if index < 0 {
		return Reference{}, false
	}

	accounts := 0
	for _, tag := range tags {
		if len(tag) < 2 || tag[0] != "p" {
			break
		}
		accounts++
	}
	if index < accounts {
		return Reference{Type: "p", ID: tags[index][1]}, true
	}

	notes := make([]string, 0)
	for _, tag := range tags[accounts:] {
		if len(tag) >= 4 && tag[0] == "e" && tag[3] == "mention" {
			notes = append(notes, tag[1])
		}
	}
	if n := index - accounts; n < len(notes) {
		return Reference{Type: "e", ID: notes[n]}, true
	}

	return Reference{}, false
}

// ReplacePlaceholders turns #[i] placeholders back into nostr: URIs. Indices
// that do not resolve are left untouched.
func ReplacePlaceholders(content string, tags nostr.Tags) string {
	return placeholderRegex.ReplaceAllStringFunc(content, func(match string) string {
		index, err := strconv.Atoi(placeholderRegex.FindStringSubmatch(match)[1])
		if err != nil {
			return match
		}
		ref, ok := DecodePlaceholder(tags, index)
		if !ok {
			return match
		}

		var encoded string
		switch ref.Type {
		case "p":
			encoded, err = nip19.EncodePublicKey(ref.ID)
		default:
			encoded, err = nip19.EncodeNote(ref.ID)
		}
		if err != nil {
			return match
		}
		return "nostr:" + encoded
	})
}
