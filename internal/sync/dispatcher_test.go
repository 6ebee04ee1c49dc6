package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	nostrclient "github.com/sandwichfarm/strand/internal/nostr"
	"github.com/sandwichfarm/strand/internal/storage"
)

func setupTestDispatcher(t *testing.T) (*Dispatcher, *Graph, *storage.Storage, *fakeRelays, *recorder) {
	t.Helper()

	graph, st, relays, rec := setupTestGraph(t, nil)
	return NewDispatcher(st, relays, graph, nil), graph, st, relays, rec
}

func TestHandleBatchDeletion(t *testing.T) {
	d, _, st, _, rec := setupTestDispatcher(t)
	ctx := context.Background()
	author := hexID(100)

	note := testEvent(1, author, 1, 1000, "hello")
	d.HandleBatch(ctx, "feed", []*nostr.Event{note})
	if got := rec.notes["feed"]; len(got) != 1 {
		t.Fatalf("Expected note delivered, got %v", got)
	}

	deletion := testEvent(2, author, 5, 1100, "", nostr.Tag{"e", note.ID})
	d.HandleBatch(ctx, "self", []*nostr.Event{deletion})

	if deleted, _ := st.IsEventDeleted(ctx, note.ID); !deleted {
		t.Error("Expected note marked deleted")
	}
	if len(rec.updated) != 1 || rec.updated[0] != note.ID {
		t.Errorf("Expected note-updated for deleted note, got %v", rec.updated)
	}

	// Re-delivered deleted note is filtered from the notes signal
	d.HandleBatch(ctx, "again", []*nostr.Event{note})
	if got := rec.notes["again"]; len(got) != 0 {
		t.Errorf("Expected deleted note filtered, got %v", got)
	}
}

func TestHandleBatchDeletionByOtherAuthor(t *testing.T) {
	d, _, st, _, rec := setupTestDispatcher(t)
	ctx := context.Background()

	note := testEvent(1, hexID(100), 1, 1000, "hello")
	forged := testEvent(2, hexID(200), 5, 1100, "", nostr.Tag{"e", note.ID})
	d.HandleBatch(ctx, "feed", []*nostr.Event{note, forged})

	if deleted, _ := st.IsEventDeleted(ctx, note.ID); deleted {
		t.Error("Expected deletion by another author to have no effect")
	}
	if len(rec.updated) != 0 {
		t.Errorf("Expected no note-updated, got %v", rec.updated)
	}
	if got := rec.notes["feed"]; len(got) != 2 {
		t.Errorf("Expected both events delivered, got %v", got)
	}
}

func TestHandleBatchReplies(t *testing.T) {
	d, _, _, _, rec := setupTestDispatcher(t)
	ctx := context.Background()
	author := hexID(100)

	root := testEvent(1, author, 1, 1000, "root")
	reply := testEvent(2, author, 1, 1100, "reply", nostr.Tag{"e", root.ID, "", "root"})
	channel := testEvent(3, author, 42, 1200, "chat", nostr.Tag{"e", hexID(40), "", "root"})
	channelReply := testEvent(4, author, 42, 1300, "re chat",
		nostr.Tag{"e", hexID(40), "", "root"}, nostr.Tag{"e", channel.ID, "", "reply"})

	d.HandleBatch(ctx, "feed", []*nostr.Event{root, reply, reply, channel, channelReply})

	if got := rec.notes["feed"]; len(got) != 4 {
		t.Errorf("Expected 4 distinct events delivered, got %v", got)
	}
	if got := rec.children[root.ID]; len(got) != 1 || got[0] != reply.ID {
		t.Errorf("Expected reply child signal, got %v", got)
	}
	if got := rec.children[channel.ID]; len(got) != 1 || got[0] != channelReply.ID {
		t.Errorf("Expected channel reply child signal, got %v", got)
	}
	if got := rec.channels[hexID(40)]; len(got) != 2 {
		t.Errorf("Expected two channel message signals, got %v", got)
	}
	if len(rec.children) != 2 {
		t.Errorf("Expected child signals only for replies, got %v", rec.children)
	}
}

func TestHandleBatchReactions(t *testing.T) {
	d, _, _, _, rec := setupTestDispatcher(t)
	ctx := context.Background()

	note := testEvent(1, hexID(100), 1, 1000, "hello")
	reaction := testEvent(2, hexID(200), 7, 1100, "+", nostr.Tag{"e", note.ID}, nostr.Tag{"p", hexID(100)})
	repost := testEvent(3, hexID(300), 6, 1200, "", nostr.Tag{"e", note.ID, "wss://r"})
	orphan := testEvent(4, hexID(200), 7, 1300, "+", nostr.Tag{"e", hexID(999)})

	d.HandleBatch(ctx, "feed", []*nostr.Event{note, reaction, repost, orphan})

	if len(rec.updated) != 2 || rec.updated[0] != note.ID || rec.updated[1] != note.ID {
		t.Errorf("Expected two updates for the known note, got %v", rec.updated)
	}
}

func TestHandleBatchRelayRecommendation(t *testing.T) {
	d, _, _, relays, _ := setupTestDispatcher(t)
	ctx := context.Background()

	rec := testEvent(1, hexID(100), 2, 1000, "wss://new.relay.com")
	d.HandleBatch(ctx, "feed", []*nostr.Event{rec})
	if len(relays.known) != 0 {
		t.Errorf("Expected recommendation ignored without auto discovery, got %v", relays.known)
	}

	relays.discovery = true
	d.HandleBatch(ctx, "feed", []*nostr.Event{testEvent(2, hexID(100), 2, 1000, "wss://new.relay.com")})
	if !relays.known["wss://new.relay.com"] {
		t.Errorf("Expected relay added, got %v", relays.known)
	}
}

func TestHandleBatchRoutesGraphKinds(t *testing.T) {
	d, graph, st, _, rec := setupTestDispatcher(t)
	ctx := context.Background()
	author := hexID(100)

	graph.RegisterFollowerRequestFilter("follower-request", hexID(1))
	d.HandleBatch(ctx, "follower-request", []*nostr.Event{
		testEvent(1, author, 3, 1000, "", nostr.Tag{"p", hexID(1)}, nostr.Tag{"p", hexID(2)}),
		testEvent(2, author, 0, 1000, `{"name":"carol"}`),
		testEvent(3, author, 0, 1001, `garbage`),
	})

	ids, _ := st.GetFollowIDs(ctx, author)
	if len(ids) != 1 || ids[0] != hexID(1) {
		t.Errorf("Expected follower request path for registered filter, got %v", ids)
	}
	details, _ := st.GetAccountDetails(ctx, author)
	if details.Name != "carol" {
		t.Errorf("Expected profile applied, got %+v", details)
	}
	if len(rec.rejected) != 1 || rec.rejected[0] != hexID(3) {
		t.Errorf("Expected malformed profile rejected, got %v", rec.rejected)
	}
}

func TestHandleBatchInvalidEvent(t *testing.T) {
	d, _, st, _, rec := setupTestDispatcher(t)
	ctx := context.Background()

	bad := testEvent(1, "not-a-key", 1, 1000, "x")
	d.HandleBatch(ctx, "feed", []*nostr.Event{bad})

	if len(rec.notes["feed"]) != 0 {
		t.Error("Expected invalid event not delivered")
	}
	if len(rec.rejected) != 1 {
		t.Errorf("Expected rejection signal, got %v", rec.rejected)
	}
	if ok, _ := st.EventExists(ctx, bad.ID); ok {
		t.Error("Expected invalid event not stored")
	}
}

func TestHandleBatchMentions(t *testing.T) {
	d, graph, _, _, rec := setupTestDispatcher(t)
	ctx := context.Background()
	_, pubkey := newSigner(t)

	graph.SetMainAccount(ctx, &storage.Account{ID: pubkey}, nil)
	before := rec.mentions

	d.HandleBatch(ctx, graph.MentionsFilterID(), []*nostr.Event{
		testEvent(1, hexID(100), 1, 1000, "hey", nostr.Tag{"p", pubkey}),
	})
	if rec.mentions != before+1 {
		t.Errorf("Expected mentions-updated for mentions filter batch")
	}

	d.HandleBatch(ctx, "other", []*nostr.Event{testEvent(2, hexID(100), 1, 1000, "hey")})
	if rec.mentions != before+1 {
		t.Errorf("Expected no mentions-updated for other filters")
	}
}

func TestDispatcherRun(t *testing.T) {
	d, _, _, _, rec := setupTestDispatcher(t)

	batches := make(chan nostrclient.Batch, 2)
	batches <- nostrclient.Batch{FilterID: "a", Events: []*nostr.Event{testEvent(1, hexID(100), 1, 1000, "one")}}
	batches <- nostrclient.Batch{FilterID: "b", Events: []*nostr.Event{testEvent(2, hexID(100), 1, 1000, "two")}}
	close(batches)

	if err := d.Run(context.Background(), batches); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(rec.notes["a"]) != 1 || len(rec.notes["b"]) != 1 {
		t.Errorf("Expected both batches handled, got %v", rec.notes)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Run(ctx, make(chan nostrclient.Batch)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected Run to stop on cancellation, got %v", err)
	}
}

func TestHandleBatchRecoversPanic(t *testing.T) {
	d, graph, _, _, rec := setupTestDispatcher(t)
	ctx := context.Background()

	graph.Hub().OnNoteReceivedChild(func(ctx context.Context, parentID string, child *nostr.Event) {
		panic("broken consumer")
	})

	root := testEvent(1, hexID(100), 1, 1000, "root")
	reply := testEvent(2, hexID(100), 1, 1100, "reply", nostr.Tag{"e", root.ID, "", "root"})
	d.HandleBatch(ctx, "feed", []*nostr.Event{root, reply})

	if got := rec.notes["feed"]; len(got) != 1 || got[0] != root.ID {
		t.Errorf("Expected only the root delivered after the panic, got %v", got)
	}
}

func TestHandleBatchChannelMetadata(t *testing.T) {
	d, _, st, _, rec := setupTestDispatcher(t)
	ctx := context.Background()
	creator := hexID(100)

	channel := testEvent(1, creator, 40, 1000, `{"name":"general"}`)
	d.HandleBatch(ctx, "channels", []*nostr.Event{channel})
	if ok, _ := st.EventExists(ctx, channel.ID); !ok {
		t.Fatal("Expected channel creation stored")
	}

	forged := testEvent(2, hexID(200), 41, 1100, `{"name":"hijacked"}`, nostr.Tag{"e", channel.ID})
	d.HandleBatch(ctx, "channels", []*nostr.Event{forged})
	if len(rec.updated) != 0 {
		t.Errorf("Expected metadata by another author ignored, got %v", rec.updated)
	}

	metadata := testEvent(3, creator, 41, 1200, `{"name":"lobby"}`, nostr.Tag{"e", channel.ID})
	d.HandleBatch(ctx, "channels", []*nostr.Event{metadata})
	if len(rec.updated) != 1 || rec.updated[0] != channel.ID {
		t.Errorf("Expected note-updated for the channel, got %v", rec.updated)
	}

	if got := rec.notes["channels"]; len(got) != 3 {
		t.Errorf("Expected all channel events delivered, got %v", got)
	}
	if len(rec.children) != 0 || len(rec.channels) != 0 {
		t.Errorf("Expected no message signals, got children %v channels %v", rec.children, rec.channels)
	}
}

func TestHandleBatchConcurrentFilters(t *testing.T) {
	d, _, st, _, rec := setupTestDispatcher(t)
	ctx := context.Background()
	shared := testEvent(1, hexID(100), 1, 1000, "everywhere")

	var wg sync.WaitGroup
	for f := 0; f < 8; f++ {
		wg.Add(1)
		go func(f int) {
			defer wg.Done()
			events := []*nostr.Event{shared}
			for i := 0; i < 5; i++ {
				id := 100 + f*10 + i
				events = append(events, testEvent(id, hexID(100), 1, nostr.Timestamp(1000+id), "note"))
			}
			d.HandleBatch(ctx, fmt.Sprintf("filter-%d", f), events)
		}(f)
	}
	wg.Wait()

	for f := 0; f < 8; f++ {
		filterID := fmt.Sprintf("filter-%d", f)
		if got := rec.notes[filterID]; len(got) != 6 {
			t.Errorf("Expected 6 notes for %s, got %d", filterID, len(got))
		}
		for i := 0; i < 5; i++ {
			if ok, _ := st.EventExists(ctx, hexID(100+f*10+i)); !ok {
				t.Errorf("Expected note %d of %s stored", i, filterID)
			}
		}
	}
	if ok, _ := st.EventExists(ctx, shared.ID); !ok {
		t.Error("Expected shared note stored once")
	}
}
