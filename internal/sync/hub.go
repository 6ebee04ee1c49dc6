package sync

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/strand/internal/storage"
)

// Handler types for signals raised by the ingestion pipeline and the graph
type (
	MainAccountHandler       func(ctx context.Context, account *storage.Account)
	DetailsHandler           func(ctx context.Context, accountID string, details *storage.AccountDetails)
	FollowsHandler           func(ctx context.Context, accountID string, followIDs []string)
	FollowersHandler         func(ctx context.Context, accountID string)
	MentionsHandler          func(ctx context.Context)
	NotesHandler             func(ctx context.Context, filterID string, notes []*nostr.Event)
	NoteUpdatedHandler       func(ctx context.Context, event *nostr.Event)
	ChildHandler             func(ctx context.Context, parentID string, child *nostr.Event)
	ChannelMessageHandler    func(ctx context.Context, channelID string, message *nostr.Event)
	IngestionRejectedHandler func(ctx context.Context, event *nostr.Event, reason error)
)

// Hub fans signals out to registered handlers. Handlers run synchronously on
// the goroutine raising the signal, never while a graph lock is held.
type Hub struct {
	mu sync.RWMutex

	mainAccount    []MainAccountHandler
	details        []DetailsHandler
	follows        []FollowsHandler
	followers      []FollowersHandler
	mentions       []MentionsHandler
	notes          []NotesHandler
	noteUpdated    []NoteUpdatedHandler
	child          []ChildHandler
	channelMessage []ChannelMessageHandler
	rejected       []IngestionRejectedHandler
}

// NewHub creates a hub without handlers
func NewHub() *Hub {
	return &Hub{}
}

// OnMainAccountChanged registers a handler for selection or refresh of the main account
func (h *Hub) OnMainAccountChanged(fn MainAccountHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mainAccount = append(h.mainAccount, fn)
}

// OnAccountDetailsChanged registers a handler for stored profile changes
func (h *Hub) OnAccountDetailsChanged(fn DetailsHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.details = append(h.details, fn)
}

// OnAccountFollowsChanged registers a handler receiving an account's new follow set
func (h *Hub) OnAccountFollowsChanged(fn FollowsHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.follows = append(h.follows, fn)
}

// OnAccountFollowersChanged registers a handler for accounts gaining or losing followers
func (h *Hub) OnAccountFollowersChanged(fn FollowersHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.followers = append(h.followers, fn)
}

// OnMentionsUpdated registers a handler for batches of the main account's mentions filter
func (h *Hub) OnMentionsUpdated(fn MentionsHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mentions = append(h.mentions, fn)
}

// OnNotesReceived registers a handler receiving the kept events of each batch
func (h *Hub) OnNotesReceived(fn NotesHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notes = append(h.notes, fn)
}

// OnNoteUpdated registers a handler for known events changed by later events
func (h *Hub) OnNoteUpdated(fn NoteUpdatedHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.noteUpdated = append(h.noteUpdated, fn)
}

// OnNoteReceivedChild registers a handler for replies, keyed by the parent event
func (h *Hub) OnNoteReceivedChild(fn ChildHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.child = append(h.child, fn)
}

// OnChannelMessageReceived registers a handler for channel messages, keyed by channel
func (h *Hub) OnChannelMessageReceived(fn ChannelMessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channelMessage = append(h.channelMessage, fn)
}

// OnIngestionRejected registers a handler for events dropped as malformed
func (h *Hub) OnIngestionRejected(fn IngestionRejectedHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rejected = append(h.rejected, fn)
}

func (h *Hub) emitMainAccountChanged(ctx context.Context, account *storage.Account) {
	h.mu.RLock()
	handlers := h.mainAccount
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn(ctx, account)
	}
}

func (h *Hub) emitAccountDetailsChanged(ctx context.Context, accountID string, details *storage.AccountDetails) {
	h.mu.RLock()
	handlers := h.details
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn(ctx, accountID, details)
	}
}

func (h *Hub) emitAccountFollowsChanged(ctx context.Context, accountID string, followIDs []string) {
	h.mu.RLock()
	handlers := h.follows
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn(ctx, accountID, followIDs)
	}
}

func (h *Hub) emitAccountFollowersChanged(ctx context.Context, accountID string) {
	h.mu.RLock()
	handlers := h.followers
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn(ctx, accountID)
	}
}

func (h *Hub) emitMentionsUpdated(ctx context.Context) {
	h.mu.RLock()
	handlers := h.mentions
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn(ctx)
	}
}

func (h *Hub) emitNotesReceived(ctx context.Context, filterID string, notes []*nostr.Event) {
	h.mu.RLock()
	handlers := h.notes
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn(ctx, filterID, notes)
	}
}

func (h *Hub) emitNoteUpdated(ctx context.Context, event *nostr.Event) {
	h.mu.RLock()
	handlers := h.noteUpdated
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn(ctx, event)
	}
}

func (h *Hub) emitNoteReceivedChild(ctx context.Context, parentID string, child *nostr.Event) {
	h.mu.RLock()
	handlers := h.child
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn(ctx, parentID, child)
	}
}

func (h *Hub) emitChannelMessageReceived(ctx context.Context, channelID string, message *nostr.Event) {
	h.mu.RLock()
	handlers := h.channelMessage
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn(ctx, channelID, message)
	}
}

func (h *Hub) emitIngestionRejected(ctx context.Context, event *nostr.Event, reason error) {
	h.mu.RLock()
	handlers := h.rejected
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn(ctx, event, reason)
	}
}
