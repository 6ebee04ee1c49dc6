package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/strand/internal/aggregates"
	"github.com/sandwichfarm/strand/internal/config"
	"github.com/sandwichfarm/strand/internal/entities"
	nostrclient "github.com/sandwichfarm/strand/internal/nostr"
	"github.com/sandwichfarm/strand/internal/ops"
	"github.com/sandwichfarm/strand/internal/pow"
	"github.com/sandwichfarm/strand/internal/storage"
)

var (
	// ErrNotOwnEvent is returned when deleting an event of another account
	ErrNotOwnEvent = errors.New("event belongs to another account")

	// ErrEventUnknown is returned when the referenced event is not stored
	ErrEventUnknown = errors.New("event not found")
)

// AccountSigner provides the account posts are made as. *sync.Graph
// implements it.
type AccountSigner interface {
	MainAccountSigner() (*storage.Account, nostrclient.Signer, error)
}

// Sender delivers signed events to relays
type Sender interface {
	SendEvent(ctx context.Context, event *nostr.Event) error
	RecommendedRelayURI() string
}

// Note is an outgoing text note or channel message
type Note struct {
	Content   string
	ReplyToID string
	RootID    string // Discovered from stored ancestors when empty
	ChannelID string // Posts a channel message when set
}

// Publisher assembles, mines, signs and sends events of the main account
type Publisher struct {
	storage    *storage.Storage
	accounts   AccountSigner
	relays     Sender
	miner      *pow.Miner
	difficulty int
	logger     *ops.Logger
	now        func() time.Time
}

// NewPublisher creates a publisher. A nil miner disables proof of work.
func NewPublisher(st *storage.Storage, accounts AccountSigner, relays Sender, miner *pow.Miner, cfg *config.Mining, logger *ops.Logger) *Publisher {
	if logger == nil {
		logger = ops.Discard()
	}
	p := &Publisher{
		storage:  st,
		accounts: accounts,
		relays:   relays,
		miner:    miner,
		logger:   logger.WithComponent("outbox"),
		now:      time.Now,
	}
	if cfg != nil && miner != nil {
		p.difficulty = cfg.Difficulty
	}
	return p
}

// AssembleNote builds the unsigned event for note authored by author. Inline
// mentions become indexed placeholders; replies are tagged with their thread
// root and inherit the mentions of the event they answer.
func (p *Publisher) AssembleNote(ctx context.Context, author string, note Note) (*nostr.Event, error) {
	mentions := entities.EncodeMentions(note.Content)
	hashtags := entities.ExtractHashtags(mentions.Content)

	kind := aggregates.KindTextNote
	if note.ChannelID != "" {
		kind = aggregates.KindChannelMessage
	}

	reply := entities.ReplyContext{
		ReplyToID: note.ReplyToID,
		RootID:    note.RootID,
		ChannelID: note.ChannelID,
	}

	if note.ReplyToID != "" {
		parent, err := p.storage.GetEvent(ctx, note.ReplyToID)
		if err != nil {
			return nil, err
		}
		if parent != nil {
			reply.AccountMentions = append(reply.AccountMentions, parent.PubKey)
			reply.AccountMentions = append(reply.AccountMentions, aggregates.ExtractMentionedPubkeys(parent)...)
			if parent.Kind == aggregates.KindChannelMessage {
				kind = aggregates.KindChannelMessage
			}
		}

		if reply.RootID == "" {
			root, err := p.storage.FindThreadRoot(ctx, note.ReplyToID)
			switch {
			case errors.Is(err, aggregates.ErrRootUnknown):
				p.logger.Debug("thread root unknown", "reply_to", note.ReplyToID)
			case err != nil:
				return nil, err
			default:
				reply.RootID = root
			}
		}
	}

	return &nostr.Event{
		PubKey:    author,
		CreatedAt: nostr.Timestamp(p.now().Unix()),
		Kind:      kind,
		Tags:      entities.BuildNoteTags(mentions, reply, hashtags, p.relays.RecommendedRelayURI()),
		Content:   mentions.Content,
	}, nil
}

// SendNote publishes note as the main account
func (p *Publisher) SendNote(ctx context.Context, note Note) (*nostr.Event, error) {
	account, signer, err := p.accounts.MainAccountSigner()
	if err != nil {
		return nil, err
	}

	event, err := p.AssembleNote(ctx, account.ID, note)
	if err != nil {
		return nil, err
	}
	if err := p.publish(ctx, signer, event); err != nil {
		return nil, err
	}
	return event, nil
}

// SendReaction reacts to a stored event. An empty reaction is a like.
func (p *Publisher) SendReaction(ctx context.Context, eventID, reaction string) (*nostr.Event, error) {
	account, signer, err := p.accounts.MainAccountSigner()
	if err != nil {
		return nil, err
	}
	target, err := p.target(ctx, eventID)
	if err != nil {
		return nil, err
	}

	event := &nostr.Event{
		PubKey:    account.ID,
		CreatedAt: nostr.Timestamp(p.now().Unix()),
		Kind:      aggregates.KindReaction,
		Tags: nostr.Tags{
			{"e", target.ID, p.relays.RecommendedRelayURI()},
			{"p", target.PubKey},
		},
		Content: aggregates.NormalizeReaction(reaction),
	}
	if err := p.publish(ctx, signer, event); err != nil {
		return nil, err
	}
	return event, nil
}

// Repost shares a stored event, embedding it as content
func (p *Publisher) Repost(ctx context.Context, eventID string) (*nostr.Event, error) {
	account, signer, err := p.accounts.MainAccountSigner()
	if err != nil {
		return nil, err
	}
	target, err := p.target(ctx, eventID)
	if err != nil {
		return nil, err
	}

	event := &nostr.Event{
		PubKey:    account.ID,
		CreatedAt: nostr.Timestamp(p.now().Unix()),
		Kind:      aggregates.KindRepost,
		Tags: nostr.Tags{
			{"e", target.ID, p.relays.RecommendedRelayURI()},
			{"p", target.PubKey},
		},
		Content: target.String(),
	}
	if err := p.publish(ctx, signer, event); err != nil {
		return nil, err
	}
	return event, nil
}

// DeleteNote asks relays to delete an event of the main account and marks it
// deleted locally once sent. Events of other accounts are refused before
// anything is signed.
func (p *Publisher) DeleteNote(ctx context.Context, eventID, reason string) (*nostr.Event, error) {
	account, signer, err := p.accounts.MainAccountSigner()
	if err != nil {
		return nil, err
	}
	target, err := p.target(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if target.PubKey != account.ID {
		return nil, fmt.Errorf("%w: %s", ErrNotOwnEvent, eventID)
	}

	event := &nostr.Event{
		PubKey:    account.ID,
		CreatedAt: nostr.Timestamp(p.now().Unix()),
		Kind:      aggregates.KindDeletion,
		Tags:      nostr.Tags{{"e", target.ID}},
		Content:   reason,
	}
	if err := p.publish(ctx, signer, event); err != nil {
		return nil, err
	}

	if err := p.storage.MarkEventAsDeleted(ctx, target.ID, account.ID); err != nil {
		return event, err
	}
	return event, nil
}

func (p *Publisher) target(ctx context.Context, eventID string) (*nostr.Event, error) {
	if !nostr.IsValid32ByteHex(eventID) {
		return nil, fmt.Errorf("invalid event id %q", eventID)
	}
	event, err := p.storage.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, fmt.Errorf("%w: %s", ErrEventUnknown, eventID)
	}
	return event, nil
}

// publish mines when a difficulty is configured, signs and sends event. The
// signed event is stored locally after relays accepted it.
func (p *Publisher) publish(ctx context.Context, signer nostrclient.Signer, event *nostr.Event) error {
	if p.difficulty > 0 {
		if err := p.miner.Mine(ctx, event, p.difficulty); err != nil {
			return err
		}
	}

	if err := signer.Sign(ctx, event); err != nil {
		p.logger.LogPublish(event.ID, event.Kind, err)
		return err
	}

	err := p.relays.SendEvent(ctx, event)
	p.logger.LogPublish(event.ID, event.Kind, err)
	if err != nil {
		return err
	}

	if err := p.storage.SaveEvent(ctx, event); err != nil {
		p.logger.Warn("failed to store published event", "id", event.ID, "error", err)
	}
	return nil
}
