package entities

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

const relay = "wss://relay.test"

func hexID(n int) string {
	return fmt.Sprintf("%064x", n)
}

func mustNpub(t *testing.T, pubkey string) string {
	t.Helper()
	npub, err := nip19.EncodePublicKey(pubkey)
	if err != nil {
		t.Fatalf("EncodePublicKey() error = %v", err)
	}
	return npub
}

func mustNote(t *testing.T, id string) string {
	t.Helper()
	note, err := nip19.EncodeNote(id)
	if err != nil {
		t.Fatalf("EncodeNote() error = %v", err)
	}
	return note
}

func TestEncodeMentions_HexMention(t *testing.T) {
	pubkey := hexID(0xabc123)

	m := EncodeMentions("hello @" + pubkey)
	tags := BuildNoteTags(m, ReplyContext{}, ExtractHashtags("hello"), relay)

	if m.Content != "hello #[0]" {
		t.Errorf("Expected content 'hello #[0]', got %q", m.Content)
	}
	want := nostr.Tags{{"p", pubkey}}
	if !reflect.DeepEqual(tags, want) {
		t.Errorf("Expected tags %v, got %v", want, tags)
	}
}

func TestEncodeMentions_StableIndices(t *testing.T) {
	a, b := hexID(1), hexID(2)

	m := EncodeMentions(fmt.Sprintf("@%s and @%s then nostr:%s again", a, b, mustNpub(t, a)))

	if m.Content != "#[0] and #[1] then #[0] again" {
		t.Errorf("Unexpected content %q", m.Content)
	}
	if !reflect.DeepEqual(m.Accounts, []string{a, b}) {
		t.Errorf("Expected deduplicated accounts, got %v", m.Accounts)
	}
}

func TestEncodeMentions_RoundTrip(t *testing.T) {
	a, b, n := hexID(10), hexID(11), hexID(12)
	content := fmt.Sprintf("cc @%s @%s see nostr:%s", mustNpub(t, a), b, mustNote(t, n))

	m := EncodeMentions(content)
	tags := BuildNoteTags(m, ReplyContext{}, nil, relay)

	if m.Content != "cc #[1] #[0] see #[2]" {
		t.Fatalf("Unexpected content %q", m.Content)
	}

	tests := []struct {
		index int
		want  Reference
	}{
		{0, Reference{Type: "p", ID: b}},
		{1, Reference{Type: "p", ID: a}},
		{2, Reference{Type: "e", ID: n}},
	}
	for _, tt := range tests {
		got, ok := DecodePlaceholder(tags, tt.index)
		if !ok {
			t.Fatalf("DecodePlaceholder(%d) did not resolve", tt.index)
		}
		if got != tt.want {
			t.Errorf("DecodePlaceholder(%d) = %+v, expected %+v", tt.index, got, tt.want)
		}
	}

	if _, ok := DecodePlaceholder(tags, 3); ok {
		t.Error("Expected out-of-range placeholder not to resolve")
	}

	restored := ReplacePlaceholders(m.Content, tags)
	want := fmt.Sprintf("cc nostr:%s nostr:%s see nostr:%s", mustNpub(t, a), mustNpub(t, b), mustNote(t, n))
	if restored != want {
		t.Errorf("ReplacePlaceholders() = %q, expected %q", restored, want)
	}
}

func TestEncodeMentions_ProfileAndEventPointers(t *testing.T) {
	a, n := hexID(20), hexID(21)
	nprofile, err := nip19.EncodeProfile(a, []string{relay})
	if err != nil {
		t.Fatalf("EncodeProfile() error = %v", err)
	}
	nevent, err := nip19.EncodeEvent(n, []string{relay}, a)
	if err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}

	m := EncodeMentions(fmt.Sprintf("hi nostr:%s and @%s, re nostr:%s or %s", nprofile, a, nevent, mustNote(t, n)))

	if m.Content != "hi #[0] and #[0], re #[1] or #[1]" {
		t.Errorf("Unexpected content %q", m.Content)
	}
	if !reflect.DeepEqual(m.Accounts, []string{a}) || !reflect.DeepEqual(m.Notes, []string{n}) {
		t.Errorf("Expected pointers resolved to ids, got %v %v", m.Accounts, m.Notes)
	}
}

func TestEncodeMentions_InvalidBech32Untouched(t *testing.T) {
	content := "look @npub1qqqq and note1zzzz"
	m := EncodeMentions(content)

	if m.Content != content {
		t.Errorf("Expected content unchanged, got %q", m.Content)
	}
	if len(m.Accounts) != 0 || len(m.Notes) != 0 {
		t.Errorf("Expected no mentions, got %v %v", m.Accounts, m.Notes)
	}
}

func TestExtractHashtags(t *testing.T) {
	got := ExtractHashtags("#Nostr is fun #nostr #go_lang mid#word #[0]")
	want := []string{"nostr", "go_lang"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExtractHashtags() = %v, expected %v", got, want)
	}
}

func TestBuildNoteTags_Order(t *testing.T) {
	a, n, root, parent, inherited := hexID(1), hexID(2), hexID(3), hexID(4), hexID(5)

	m := Mentions{Content: "x", Accounts: []string{a}, Notes: []string{n}}
	reply := ReplyContext{
		ReplyToID:       parent,
		RootID:          root,
		AccountMentions: []string{inherited, a, inherited},
	}

	got := BuildNoteTags(m, reply, []string{"nostr"}, relay)
	want := nostr.Tags{
		{"p", a},
		{"e", n, relay, "mention"},
		{"e", root, relay, "root"},
		{"e", parent, relay, "reply"},
		{"t", "nostr"},
		{"p", inherited},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BuildNoteTags() =\n%v\nexpected\n%v", got, want)
	}
}

func TestBuildNoteTags_ReplyRules(t *testing.T) {
	root, parent, channel := hexID(1), hexID(2), hexID(40)

	tests := []struct {
		name  string
		reply ReplyContext
		want  nostr.Tags
	}{
		{
			name:  "direct reply to root",
			reply: ReplyContext{ReplyToID: root, RootID: root},
			want:  nostr.Tags{{"e", root, relay, "root"}},
		},
		{
			name:  "root unknown",
			reply: ReplyContext{ReplyToID: parent},
			want:  nostr.Tags{{"e", parent, relay, "root"}},
		},
		{
			name:  "nested reply",
			reply: ReplyContext{ReplyToID: parent, RootID: root},
			want:  nostr.Tags{{"e", root, relay, "root"}, {"e", parent, relay, "reply"}},
		},
		{
			name:  "channel post",
			reply: ReplyContext{ChannelID: channel},
			want:  nostr.Tags{{"e", channel, relay, "root"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildNoteTags(EncodeMentions("hi"), tt.reply, nil, relay)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("BuildNoteTags() = %v, expected %v", got, tt.want)
			}
		})
	}
}
