package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/strand/internal/aggregates"
)

// MarkEventAsDeleted records that deletedBy asked to delete eventID. The mark
// only takes effect when deletedBy is the event's author.
func (s *Storage) MarkEventAsDeleted(ctx context.Context, eventID, deletedBy string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO deleted_events (event_id, deleted_by) VALUES (?, ?)`, eventID, deletedBy)
	if err != nil {
		return fmt.Errorf("failed to mark event deleted: %w", err)
	}
	return nil
}

// IsEventDeleted reports whether the author of the stored event deleted it
func (s *Storage) IsEventDeleted(ctx context.Context, eventID string) (bool, error) {
	event, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return false, err
	}
	if event == nil {
		return false, nil
	}
	deleted, err := s.deletedSet(ctx, []*nostr.Event{event})
	if err != nil {
		return false, err
	}
	return deleted[event.ID], nil
}

// FilterDeleted drops events their authors have deleted
func (s *Storage) FilterDeleted(ctx context.Context, events []*nostr.Event) ([]*nostr.Event, error) {
	deleted, err := s.deletedSet(ctx, events)
	if err != nil {
		return nil, err
	}

	kept := make([]*nostr.Event, 0, len(events))
	for _, event := range events {
		if !deleted[event.ID] {
			kept = append(kept, event)
		}
	}
	return kept, nil
}

func (s *Storage) deletedSet(ctx context.Context, events []*nostr.Event) (map[string]bool, error) {
	deleted := make(map[string]bool)
	if len(events) == 0 {
		return deleted, nil
	}

	ids := make([]string, 0, len(events))
	for _, event := range events {
		ids = append(ids, event.ID)
	}

	query, args, err := sqlx.In(`SELECT event_id, deleted_by FROM deleted_events WHERE event_id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var rows []struct {
		EventID   string `db:"event_id"`
		DeletedBy string `db:"deleted_by"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query deletions: %w", err)
	}

	authors := make(map[string]string, len(events))
	for _, event := range events {
		authors[event.ID] = event.PubKey
	}
	for _, row := range rows {
		if authors[row.EventID] == row.DeletedBy {
			deleted[row.EventID] = true
		}
	}
	return deleted, nil
}

// ListNotes returns text notes and channel messages matching filter, newest
// first, without deleted events. Kinds default to notes when filter has none.
func (s *Storage) ListNotes(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	if len(filter.Kinds) == 0 {
		filter.Kinds = []int{aggregates.KindTextNote, aggregates.KindChannelMessage}
	}

	events, err := s.QueryEvents(ctx, filter)
	if err != nil {
		return nil, err
	}

	events, err = s.FilterDeleted(ctx, events)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt > events[j].CreatedAt
	})
	return events, nil
}

// FindThreadRoot resolves the thread root of a reply target from stored events
func (s *Storage) FindThreadRoot(ctx context.Context, replyToID string) (string, error) {
	return aggregates.FindThreadRoot(ctx, replyToID, s.GetEvent)
}

// GetNotesThread returns every stored note of the thread containing eventID,
// oldest first. When the root cannot be resolved the event itself anchors the
// thread.
func (s *Storage) GetNotesThread(ctx context.Context, eventID string) ([]*nostr.Event, error) {
	rootID := eventID
	event, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event != nil {
		if info, err := aggregates.ParseThreadInfo(event); err == nil && info.IsReply() {
			root, err := s.FindThreadRoot(ctx, eventID)
			if err != nil && !errors.Is(err, aggregates.ErrRootUnknown) {
				return nil, err
			}
			if err == nil {
				rootID = root
			} else {
				rootID = info.GetRootOrSelf(eventID)
			}
		}
	}

	kinds := []int{aggregates.KindTextNote, aggregates.KindChannelMessage}
	byID := make(map[string]*nostr.Event)

	roots, err := s.QueryEvents(ctx, nostr.Filter{IDs: []string{rootID}, Limit: 1})
	if err != nil {
		return nil, err
	}
	replies, err := s.QueryEvents(ctx, nostr.Filter{Kinds: kinds, Tags: nostr.TagMap{"e": []string{rootID}}})
	if err != nil {
		return nil, err
	}
	for _, e := range append(roots, replies...) {
		byID[e.ID] = e
	}
	if event != nil {
		byID[event.ID] = event
	}

	thread := make([]*nostr.Event, 0, len(byID))
	for _, e := range byID {
		thread = append(thread, e)
	}

	thread, err = s.FilterDeleted(ctx, thread)
	if err != nil {
		return nil, err
	}

	sort.Slice(thread, func(i, j int) bool {
		if thread[i].CreatedAt != thread[j].CreatedAt {
			return thread[i].CreatedAt < thread[j].CreatedAt
		}
		return thread[i].ID < thread[j].ID
	})
	return thread, nil
}

// ListReactionGroups aggregates stored reactions targeting eventIDs
func (s *Storage) ListReactionGroups(ctx context.Context, eventIDs []string) ([]aggregates.ReactionGroup, error) {
	if len(eventIDs) == 0 {
		return []aggregates.ReactionGroup{}, nil
	}

	reactions, err := s.QueryEvents(ctx, nostr.Filter{
		Kinds: []int{aggregates.KindReaction},
		Tags:  nostr.TagMap{"e": eventIDs},
	})
	if err != nil {
		return nil, err
	}
	reactions, err = s.FilterDeleted(ctx, reactions)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(eventIDs))
	for _, id := range eventIDs {
		wanted[id] = true
	}

	groups := make([]aggregates.ReactionGroup, 0)
	for _, group := range aggregates.GroupReactions(reactions) {
		if wanted[group.EventID] {
			groups = append(groups, group)
		}
	}
	return groups, nil
}

// AccountReacted reports whether accountID has a live reaction to eventID
func (s *Storage) AccountReacted(ctx context.Context, accountID, eventID string) (bool, error) {
	reactions, err := s.QueryEvents(ctx, nostr.Filter{
		Kinds:   []int{aggregates.KindReaction},
		Authors: []string{accountID},
		Tags:    nostr.TagMap{"e": []string{eventID}},
	})
	if err != nil {
		return false, err
	}
	reactions, err = s.FilterDeleted(ctx, reactions)
	if err != nil {
		return false, err
	}

	for _, reaction := range reactions {
		if aggregates.ReactionTarget(reaction) == eventID {
			return true, nil
		}
	}
	return false, nil
}

// CountMentionsSince counts notes by others mentioning accountID after since
func (s *Storage) CountMentionsSince(ctx context.Context, accountID string, since nostr.Timestamp) (int, error) {
	mentions, err := s.ListNotes(ctx, nostr.Filter{
		Tags:  nostr.TagMap{"p": []string{accountID}},
		Since: &since,
	})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, note := range mentions {
		if note.PubKey != accountID && note.CreatedAt > since && aggregates.IsMentioningPubkey(note, accountID) {
			count++
		}
	}
	return count, nil
}
