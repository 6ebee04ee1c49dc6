package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip13"

	"github.com/sandwichfarm/strand/internal/config"
	nostrclient "github.com/sandwichfarm/strand/internal/nostr"
	"github.com/sandwichfarm/strand/internal/pow"
	"github.com/sandwichfarm/strand/internal/storage"
)

const relayHint = "wss://relay.example.com"

type fakeSender struct {
	mu   sync.Mutex
	sent []*nostr.Event
}

func (f *fakeSender) SendEvent(ctx context.Context, event *nostr.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, event)
	return nil
}

func (f *fakeSender) RecommendedRelayURI() string {
	return relayHint
}

type staticAccount struct {
	account *storage.Account
	signer  nostrclient.Signer
}

func (s staticAccount) MainAccountSigner() (*storage.Account, nostrclient.Signer, error) {
	return s.account, s.signer, nil
}

type failingSigner struct {
	pubkey string
}

func (f failingSigner) GetPublicKey(ctx context.Context) (string, error) {
	return f.pubkey, nil
}

func (f failingSigner) Sign(ctx context.Context, event *nostr.Event) error {
	return fmt.Errorf("%w: device locked", nostrclient.ErrSignFailed)
}

func hexID(n int) string {
	return fmt.Sprintf("%064x", n)
}

func storedNote(t *testing.T, st *storage.Storage, id int, author string, tags ...nostr.Tag) *nostr.Event {
	t.Helper()

	event := &nostr.Event{
		ID:        hexID(id),
		PubKey:    author,
		CreatedAt: nostr.Timestamp(1000 + id),
		Kind:      1,
		Tags:      nostr.Tags(tags),
		Content:   fmt.Sprintf("note %d", id),
		Sig:       fmt.Sprintf("%0128x", id),
	}
	if err := st.SaveEvent(context.Background(), event); err != nil {
		t.Fatalf("SaveEvent() error = %v", err)
	}
	return event
}

func setupTestPublisher(t *testing.T, difficulty int) (*Publisher, *storage.Storage, *fakeSender, string) {
	t.Helper()

	st, err := storage.New(context.Background(), &config.Storage{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	}, nil)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	signer, err := nostrclient.NewKeySigner(nostr.GeneratePrivateKey())
	if err != nil {
		t.Fatalf("NewKeySigner() error = %v", err)
	}
	pubkey, _ := signer.GetPublicKey(context.Background())

	sender := &fakeSender{}
	accounts := staticAccount{account: &storage.Account{ID: pubkey}, signer: signer}
	p := NewPublisher(st, accounts, sender, pow.NewMiner(2, nil), &config.Mining{Difficulty: difficulty}, nil)
	return p, st, sender, pubkey
}

func TestSendNote(t *testing.T) {
	p, st, sender, pubkey := setupTestPublisher(t, 0)
	ctx := context.Background()
	mentioned := hexID(77)

	event, err := p.SendNote(ctx, Note{Content: "hello @" + mentioned + " #Go"})
	if err != nil {
		t.Fatalf("SendNote() error = %v", err)
	}

	if event.Content != "hello #[0] #Go" {
		t.Errorf("Unexpected content %q", event.Content)
	}
	if len(event.Tags) != 2 || event.Tags[0][0] != "p" || event.Tags[0][1] != mentioned {
		t.Fatalf("Unexpected tags %v", event.Tags)
	}
	if event.Tags[1][0] != "t" || event.Tags[1][1] != "go" {
		t.Errorf("Expected hashtag tag, got %v", event.Tags[1])
	}
	if event.PubKey != pubkey {
		t.Error("Expected note authored by main account")
	}
	if ok, _ := event.CheckSignature(); !ok {
		t.Error("Expected signed note")
	}
	if len(sender.sent) != 1 {
		t.Fatalf("Expected one event sent, got %d", len(sender.sent))
	}
	if ok, _ := st.EventExists(ctx, event.ID); !ok {
		t.Error("Expected sent note stored locally")
	}
}

func TestAssembleNoteReplyToUnknownRoot(t *testing.T) {
	p, st, _, pubkey := setupTestPublisher(t, 0)
	ctx := context.Background()

	parent := storedNote(t, st, 1, hexID(50), nostr.Tag{"p", hexID(60)})

	event, err := p.AssembleNote(ctx, pubkey, Note{Content: "reply", ReplyToID: parent.ID})
	if err != nil {
		t.Fatalf("AssembleNote() error = %v", err)
	}

	want := nostr.Tags{
		{"e", parent.ID, relayHint, "root"},
		{"p", hexID(50)},
		{"p", hexID(60)},
	}
	if fmt.Sprint(event.Tags) != fmt.Sprint(want) {
		t.Errorf("Tags = %v, want %v", event.Tags, want)
	}

	// Parent not stored at all
	missing := hexID(999)
	event, err = p.AssembleNote(ctx, pubkey, Note{Content: "reply", ReplyToID: missing})
	if err != nil {
		t.Fatalf("AssembleNote() error = %v", err)
	}
	if len(event.Tags) != 1 || event.Tags[0][1] != missing || event.Tags[0][3] != "root" {
		t.Errorf("Expected single root tag for unknown parent, got %v", event.Tags)
	}
}

func TestAssembleNoteNestedReply(t *testing.T) {
	p, st, _, pubkey := setupTestPublisher(t, 0)
	ctx := context.Background()

	root := storedNote(t, st, 1, hexID(50))
	middle := storedNote(t, st, 2, hexID(51), nostr.Tag{"e", root.ID, "", "root"}, nostr.Tag{"p", hexID(50)})

	event, err := p.AssembleNote(ctx, pubkey, Note{Content: "deep", ReplyToID: middle.ID})
	if err != nil {
		t.Fatalf("AssembleNote() error = %v", err)
	}

	want := nostr.Tags{
		{"e", root.ID, relayHint, "root"},
		{"e", middle.ID, relayHint, "reply"},
		{"p", hexID(51)},
		{"p", hexID(50)},
	}
	if fmt.Sprint(event.Tags) != fmt.Sprint(want) {
		t.Errorf("Tags = %v, want %v", event.Tags, want)
	}
}

func TestAssembleChannelMessage(t *testing.T) {
	p, _, _, pubkey := setupTestPublisher(t, 0)
	channel := hexID(40)

	event, err := p.AssembleNote(context.Background(), pubkey, Note{Content: "hi channel", ChannelID: channel})
	if err != nil {
		t.Fatalf("AssembleNote() error = %v", err)
	}
	if event.Kind != 42 {
		t.Errorf("Expected kind 42, got %d", event.Kind)
	}
	if len(event.Tags) != 1 || event.Tags[0][1] != channel || event.Tags[0][3] != "root" {
		t.Errorf("Expected channel root tag, got %v", event.Tags)
	}
}

func TestSendNoteMinesDifficulty(t *testing.T) {
	p, _, _, _ := setupTestPublisher(t, 8)

	event, err := p.SendNote(context.Background(), Note{Content: "work"})
	if err != nil {
		t.Fatalf("SendNote() error = %v", err)
	}
	if got := nip13.Difficulty(event.ID); got < 8 {
		t.Errorf("Expected difficulty >= 8, got %d", got)
	}
	if ok, _ := event.CheckSignature(); !ok {
		t.Error("Expected mined note to be signed after mining")
	}

	var nonce nostr.Tag
	for _, tag := range event.Tags {
		if tag[0] == "nonce" {
			nonce = tag
		}
	}
	if len(nonce) != 3 || nonce[2] != "8" {
		t.Errorf("Expected nonce tag with target 8, got %v", nonce)
	}
}

func TestSendNoteCancelledWhileMining(t *testing.T) {
	p, _, sender, _ := setupTestPublisher(t, 60)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := p.SendNote(ctx, Note{Content: "never"}); !errors.Is(err, pow.ErrCancelled) {
		t.Errorf("Expected ErrCancelled, got %v", err)
	}
	if len(sender.sent) != 0 {
		t.Error("Expected nothing sent after cancellation")
	}
}

func TestSignFailureSendsNothing(t *testing.T) {
	p, _, sender, pubkey := setupTestPublisher(t, 0)
	p.accounts = staticAccount{account: &storage.Account{ID: pubkey}, signer: failingSigner{pubkey: pubkey}}

	if _, err := p.SendNote(context.Background(), Note{Content: "x"}); !errors.Is(err, nostrclient.ErrSignFailed) {
		t.Errorf("Expected ErrSignFailed, got %v", err)
	}
	if len(sender.sent) != 0 {
		t.Error("Expected nothing sent after signing failure")
	}
}

func TestSendReactionAndRepost(t *testing.T) {
	p, st, sender, _ := setupTestPublisher(t, 0)
	ctx := context.Background()
	target := storedNote(t, st, 1, hexID(50))

	reaction, err := p.SendReaction(ctx, target.ID, "")
	if err != nil {
		t.Fatalf("SendReaction() error = %v", err)
	}
	if reaction.Kind != 7 || reaction.Content != "+" {
		t.Errorf("Unexpected reaction %d %q", reaction.Kind, reaction.Content)
	}
	if reaction.Tags[0][1] != target.ID || reaction.Tags[1][1] != hexID(50) {
		t.Errorf("Unexpected reaction tags %v", reaction.Tags)
	}

	repost, err := p.Repost(ctx, target.ID)
	if err != nil {
		t.Fatalf("Repost() error = %v", err)
	}
	var embedded nostr.Event
	if err := json.Unmarshal([]byte(repost.Content), &embedded); err != nil || embedded.ID != target.ID {
		t.Errorf("Expected reposted event embedded, got %q (%v)", repost.Content, err)
	}
	if repost.Tags[0][2] != relayHint {
		t.Errorf("Expected relay hint on repost, got %v", repost.Tags[0])
	}

	if _, err := p.SendReaction(ctx, hexID(999), "+"); !errors.Is(err, ErrEventUnknown) {
		t.Errorf("Expected ErrEventUnknown, got %v", err)
	}
	if len(sender.sent) != 2 {
		t.Errorf("Expected 2 events sent, got %d", len(sender.sent))
	}
}

func TestDeleteNote(t *testing.T) {
	p, st, sender, pubkey := setupTestPublisher(t, 0)
	ctx := context.Background()

	own := storedNote(t, st, 1, pubkey)
	foreign := storedNote(t, st, 2, hexID(50))

	if _, err := p.DeleteNote(ctx, foreign.ID, ""); !errors.Is(err, ErrNotOwnEvent) {
		t.Errorf("Expected ErrNotOwnEvent, got %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatal("Expected nothing sent for a foreign event")
	}

	deletion, err := p.DeleteNote(ctx, own.ID, "typo")
	if err != nil {
		t.Fatalf("DeleteNote() error = %v", err)
	}
	if deletion.Kind != 5 || deletion.Tags[0][1] != own.ID || deletion.Content != "typo" {
		t.Errorf("Unexpected deletion %+v", deletion)
	}
	if deleted, _ := st.IsEventDeleted(ctx, own.ID); !deleted {
		t.Error("Expected own note marked deleted")
	}
}
