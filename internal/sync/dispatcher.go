package sync

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/strand/internal/aggregates"
	nostrclient "github.com/sandwichfarm/strand/internal/nostr"
	"github.com/sandwichfarm/strand/internal/ops"
	"github.com/sandwichfarm/strand/internal/storage"
)

// Dispatcher stores incoming batches and routes every event by kind
type Dispatcher struct {
	storage *storage.Storage
	relays  RelayService
	graph   *Graph
	hub     *Hub
	logger  *ops.Logger
}

// NewDispatcher creates a dispatcher emitting on the graph's hub
func NewDispatcher(st *storage.Storage, relays RelayService, graph *Graph, logger *ops.Logger) *Dispatcher {
	if logger == nil {
		logger = ops.Discard()
	}
	return &Dispatcher{
		storage: st,
		relays:  relays,
		graph:   graph,
		hub:     graph.Hub(),
		logger:  logger.WithComponent("dispatcher"),
	}
}

// Run consumes batches until ctx is done or the channel is closed. Batches
// are handled one at a time in arrival order.
func (d *Dispatcher) Run(ctx context.Context, batches <-chan nostrclient.Batch) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-batches:
			if !ok {
				return nil
			}
			d.HandleBatch(ctx, batch.FilterID, batch.Events)
		}
	}
}

// HandleBatch stores and routes events received for filterID, then emits one
// notes-received signal with the distinct events that are not deleted.
// Failures of single events are logged and do not stop the batch.
func (d *Dispatcher) HandleBatch(ctx context.Context, filterID string, events []*nostr.Event) {
	seen := make(map[string]bool, len(events))
	notes := make([]*nostr.Event, 0, len(events))

	for _, event := range events {
		if event == nil || seen[event.ID] {
			continue
		}
		seen[event.ID] = true

		if err := d.safeHandleEvent(ctx, filterID, event); err != nil {
			d.logger.Warn("failed to handle event", "id", event.ID, "kind", event.Kind, "filter", filterID, "error", err)
			continue
		}
		notes = append(notes, event)
	}

	kept, err := d.storage.FilterDeleted(ctx, notes)
	if err != nil {
		d.logger.Warn("failed to filter deleted events", "filter", filterID, "error", err)
		kept = notes
	}
	d.logger.LogBatch(filterID, len(events), len(kept))

	if len(kept) > 0 {
		d.hub.emitNotesReceived(ctx, filterID, kept)
	}
	if filterID != "" && filterID == d.graph.MentionsFilterID() {
		d.hub.emitMentionsUpdated(ctx)
	}
}

// safeHandleEvent turns a panic in a handler into an error for that event
func (d *Dispatcher) safeHandleEvent(ctx context.Context, filterID string, event *nostr.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.LogPanic(r, string(debug.Stack()))
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return d.handleEvent(ctx, filterID, event)
}

func (d *Dispatcher) handleEvent(ctx context.Context, filterID string, event *nostr.Event) error {
	if !nostr.IsValid32ByteHex(event.ID) || !nostr.IsValid32ByteHex(event.PubKey) {
		err := fmt.Errorf("invalid event id or author")
		d.logger.LogIngestionRejected(event.ID, event.Kind, err)
		d.hub.emitIngestionRejected(ctx, event, err)
		return err
	}

	if err := d.storage.SaveEvent(ctx, event); err != nil {
		return err
	}

	switch event.Kind {
	case aggregates.KindProfileMetadata:
		return d.graph.HandleKind0(ctx, event)
	case aggregates.KindTextNote:
		d.handleMessage(ctx, event)
	case aggregates.KindChannelMessage:
		d.handleMessage(ctx, event)
		d.handleChannelMessage(ctx, event)
	case aggregates.KindChannelCreation:
	case aggregates.KindChannelMetadata:
		return d.handleChannelMetadata(ctx, event)
	case aggregates.KindRecommendRelay:
		d.handleRecommendRelay(event)
	case aggregates.KindContactList:
		return d.graph.HandleKind3(ctx, event, filterID)
	case aggregates.KindDeletion:
		return d.handleDeletion(ctx, event)
	case aggregates.KindReaction, aggregates.KindRepost:
		return d.handleReference(ctx, event)
	}
	return nil
}

// handleMessage is shared by text notes and channel messages
func (d *Dispatcher) handleMessage(ctx context.Context, event *nostr.Event) {
	if parentID := aggregates.ReplyToID(event); parentID != "" {
		d.hub.emitNoteReceivedChild(ctx, parentID, event)
	}
}

func (d *Dispatcher) handleChannelMessage(ctx context.Context, event *nostr.Event) {
	info, err := aggregates.ParseThreadInfo(event)
	if err != nil || info.ChannelID == "" {
		return
	}
	d.hub.emitChannelMessageReceived(ctx, info.ChannelID, event)
}

// handleChannelMetadata raises a note update for the channel a metadata
// event describes. Only the channel creator may change its metadata.
func (d *Dispatcher) handleChannelMetadata(ctx context.Context, event *nostr.Event) error {
	tag := event.Tags.Find("e")
	if tag == nil || !nostr.IsValid32ByteHex(tag[1]) {
		return nil
	}
	channel, err := d.storage.GetEvent(ctx, tag[1])
	if err != nil {
		return err
	}
	if channel != nil && channel.Kind == aggregates.KindChannelCreation && channel.PubKey == event.PubKey {
		d.hub.emitNoteUpdated(ctx, channel)
	}
	return nil
}

func (d *Dispatcher) handleRecommendRelay(event *nostr.Event) {
	if !d.relays.IsAutoRelayDiscovery() {
		return
	}
	url, err := nostrclient.ParseRecommendedRelay(event)
	if err != nil {
		d.logger.Debug("ignoring relay recommendation", "id", event.ID, "error", err)
		return
	}
	if d.relays.AddRelayIfUnknown(url) {
		d.logger.Info("relay discovered", "relay", url, "recommended_by", event.PubKey)
	}
}

func (d *Dispatcher) handleDeletion(ctx context.Context, event *nostr.Event) error {
	for _, tag := range event.Tags {
		if len(tag) < 2 || tag[0] != "e" || !nostr.IsValid32ByteHex(tag[1]) {
			continue
		}
		if err := d.storage.MarkEventAsDeleted(ctx, tag[1], event.PubKey); err != nil {
			return err
		}

		target, err := d.storage.GetEvent(ctx, tag[1])
		if err != nil {
			return err
		}
		if target != nil && target.PubKey == event.PubKey {
			d.hub.emitNoteUpdated(ctx, target)
		}
	}
	return nil
}

// handleReference raises a note update for the event a reaction or repost
// points at, when that event is known
func (d *Dispatcher) handleReference(ctx context.Context, event *nostr.Event) error {
	targetID := aggregates.ReactionTarget(event)
	if targetID == "" {
		return nil
	}
	target, err := d.storage.GetEvent(ctx, targetID)
	if err != nil {
		return err
	}
	if target != nil {
		d.hub.emitNoteUpdated(ctx, target)
	}
	return nil
}
