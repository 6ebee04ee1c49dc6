package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fiatjaf/eventstore"
	"github.com/fiatjaf/eventstore/sqlite3"
	"github.com/fiatjaf/khatru"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/strand/internal/config"
	"github.com/sandwichfarm/strand/internal/ops"
)

// Storage keeps events in an eventstore-backed khatru relay and account
// state in side tables of the same database
type Storage struct {
	relay   *khatru.Relay
	backend *sqlite3.SQLite3Backend
	db      *sqlx.DB
	config  *config.Storage
	logger  *ops.Logger
}

// New creates a new Storage instance with the given configuration
func New(ctx context.Context, cfg *config.Storage, logger *ops.Logger) (*Storage, error) {
	if logger == nil {
		logger = ops.Discard()
	}

	s := &Storage{
		config: cfg,
		logger: logger.WithComponent("storage"),
	}

	switch cfg.Driver {
	case "sqlite":
		if err := s.initSQLite(); err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}

	// Run migrations for custom tables
	if err := s.runMigrations(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *Storage) initSQLite() error {
	if dir := filepath.Dir(s.config.SQLitePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	backend := &sqlite3.SQLite3Backend{
		DatabaseURL: s.config.SQLitePath + "?_busy_timeout=5000&_journal_mode=WAL",
		QueryLimit:  5000,
	}
	if err := backend.Init(); err != nil {
		return err
	}

	relay := khatru.NewRelay()
	relay.StoreEvent = append(relay.StoreEvent, backend.SaveEvent)
	relay.ReplaceEvent = append(relay.ReplaceEvent, backend.ReplaceEvent)
	relay.QueryEvents = append(relay.QueryEvents, backend.QueryEvents)
	relay.DeleteEvent = append(relay.DeleteEvent, backend.DeleteEvent)

	s.backend = backend
	s.relay = relay
	s.db = backend.DB
	return nil
}

// Relay returns the underlying Khatru relay instance
func (s *Storage) Relay() *khatru.Relay {
	return s.relay
}

// DB returns the underlying database connection (for custom tables)
func (s *Storage) DB() *sqlx.DB {
	return s.db
}

// SaveEvent stores an event. Replaceable kinds keep only the newest version;
// storing an event twice is not an error.
func (s *Storage) SaveEvent(ctx context.Context, event *nostr.Event) error {
	start := time.Now()

	handlers := s.relay.StoreEvent
	if nostr.IsReplaceableKind(event.Kind) {
		handlers = s.relay.ReplaceEvent
	}

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			if errors.Is(err, eventstore.ErrDupEvent) {
				return nil
			}
			err = fmt.Errorf("failed to store event %s: %w", event.ID, err)
			s.logger.LogStorageOperation("save_event", time.Since(start), err)
			return err
		}
	}

	s.logger.LogStorageOperation("save_event", time.Since(start), nil)
	return nil
}

// QueryEvents queries events from the Khatru relay using Nostr filters
func (s *Storage) QueryEvents(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	if len(s.relay.QueryEvents) == 0 {
		return nil, fmt.Errorf("no query handlers configured")
	}

	ch, err := s.relay.QueryEvents[0](ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	events := make([]*nostr.Event, 0)
	for event := range ch {
		events = append(events, event)
	}

	return events, nil
}

// GetEvent returns the stored event with the given id, or nil when unknown
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*nostr.Event, error) {
	events, err := s.QueryEvents(ctx, nostr.Filter{IDs: []string{eventID}, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[0], nil
}

// EventExists checks if an event already exists in storage (for deduplication)
func (s *Storage) EventExists(ctx context.Context, eventID string) (bool, error) {
	event, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return false, err
	}
	return event != nil, nil
}

// Close closes the storage connections
func (s *Storage) Close() error {
	if s.backend != nil {
		s.backend.Close()
		s.backend = nil
	}
	return nil
}
