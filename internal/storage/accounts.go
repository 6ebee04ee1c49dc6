package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
)

// Account is an identity keyed by public key
type Account struct {
	ID                   string `db:"id"`
	FollowsLastUpdate    int64  `db:"follows_last_update"`    // Protocol time of the applied contact list, 0 when none
	LastNotificationRead int64  `db:"last_notification_read"` // Unix seconds
}

// AccountDetails is the profile metadata of an account
type AccountDetails struct {
	ID                  string `db:"id"`
	Name                string `db:"name"`
	About               string `db:"about"`
	PictureURL          string `db:"picture_url"`
	Nip05ID             string `db:"nip05_id"`
	Lud16ID             string `db:"lud16_id"`
	Lud06URL            string `db:"lud06_url"`
	DetailsLastUpdate   int64  `db:"details_last_update"`   // Protocol time of the applied kind 0, 0 when none
	DetailsLastReceived int64  `db:"details_last_received"` // Wall clock, unix seconds
	Nip05Valid          bool   `db:"nip05_valid"`
}

// HasDetails reports whether a kind 0 was ever applied
func (d *AccountDetails) HasDetails() bool {
	return d.DetailsLastUpdate > 0 || d.DetailsLastReceived > 0
}

// GetAccount returns the stored account, or an empty record carrying id
func (s *Storage) GetAccount(ctx context.Context, id string) (*Account, error) {
	var account Account
	err := s.db.GetContext(ctx, &account,
		`SELECT id, follows_last_update, last_notification_read FROM accounts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return &Account{ID: id}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// SaveAccount inserts or updates an account
func (s *Storage) SaveAccount(ctx context.Context, account *Account) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO accounts (id, follows_last_update, last_notification_read)
		VALUES (:id, :follows_last_update, :last_notification_read)
		ON CONFLICT(id) DO UPDATE SET
			follows_last_update = excluded.follows_last_update,
			last_notification_read = excluded.last_notification_read
	`, account)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// SetAccountLastRead records when the account last looked at its notifications
func (s *Storage) SetAccountLastRead(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, last_notification_read) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET last_notification_read = excluded.last_notification_read
	`, id, at.Unix())
	if err != nil {
		return fmt.Errorf("failed to set last read: %w", err)
	}
	return nil
}

// GetAccountDetails returns stored profile details, or an empty record carrying id
func (s *Storage) GetAccountDetails(ctx context.Context, id string) (*AccountDetails, error) {
	var details AccountDetails
	err := s.db.GetContext(ctx, &details, `SELECT * FROM account_details WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return &AccountDetails{ID: id}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account details: %w", err)
	}
	return &details, nil
}

// SaveAccountDetails inserts or replaces profile details
func (s *Storage) SaveAccountDetails(ctx context.Context, details *AccountDetails) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO account_details (
			id, name, about, picture_url, nip05_id, lud16_id, lud06_url,
			details_last_update, details_last_received, nip05_valid
		) VALUES (
			:id, :name, :about, :picture_url, :nip05_id, :lud16_id, :lud06_url,
			:details_last_update, :details_last_received, :nip05_valid
		)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			about = excluded.about,
			picture_url = excluded.picture_url,
			nip05_id = excluded.nip05_id,
			lud16_id = excluded.lud16_id,
			lud06_url = excluded.lud06_url,
			details_last_update = excluded.details_last_update,
			details_last_received = excluded.details_last_received,
			nip05_valid = excluded.nip05_valid
	`, details)
	if err != nil {
		return fmt.Errorf("failed to save account details: %w", err)
	}
	return nil
}

// SetNip05Validity stores the verification outcome for the claim that was
// checked. A claim changed in the meantime is left alone.
func (s *Storage) SetNip05Validity(ctx context.Context, id, nip05 string, valid bool) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE account_details SET nip05_valid = ? WHERE id = ? AND nip05_id = ?`, valid, id, nip05)
	if err != nil {
		return false, fmt.Errorf("failed to set nip05 validity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to set nip05 validity: %w", err)
	}
	return n > 0, nil
}

// AccountIDsRequiringUpdate returns the ids among ids whose details are absent
// or were last received before now-validity. The result is sorted.
func (s *Storage) AccountIDsRequiringUpdate(ctx context.Context, ids []string, validity time.Duration, now time.Time) ([]string, error) {
	if len(ids) == 0 {
		return []string{}, nil
	}

	query, args, err := sqlx.In(
		`SELECT id FROM account_details WHERE id IN (?) AND details_last_received >= ?`,
		ids, now.Add(-validity).Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var fresh []string
	if err := s.db.SelectContext(ctx, &fresh, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query fresh details: %w", err)
	}

	skip := make(map[string]bool, len(fresh)+len(ids))
	for _, id := range fresh {
		skip[id] = true
	}

	stale := make([]string, 0, len(ids))
	for _, id := range ids {
		if !skip[id] {
			skip[id] = true
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale, nil
}

// IsFollowing reports whether accountID follows followID
func (s *Storage) IsFollowing(ctx context.Context, accountID, followID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM follows WHERE account_id = ? AND follow_id = ?`, accountID, followID)
	if err != nil {
		return false, fmt.Errorf("failed to check follow: %w", err)
	}
	return count > 0, nil
}

// AddFollow records a single follow edge
func (s *Storage) AddFollow(ctx context.Context, accountID, followID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO follows (account_id, follow_id) VALUES (?, ?)`, accountID, followID)
	if err != nil {
		return fmt.Errorf("failed to add follow: %w", err)
	}
	return nil
}

// RemoveFollow deletes a single follow edge
func (s *Storage) RemoveFollow(ctx context.Context, accountID, followID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM follows WHERE account_id = ? AND follow_id = ?`, accountID, followID)
	if err != nil {
		return fmt.Errorf("failed to remove follow: %w", err)
	}
	return nil
}

// GetFollowIDs returns who accountID follows, sorted
func (s *Storage) GetFollowIDs(ctx context.Context, accountID string) ([]string, error) {
	ids := make([]string, 0)
	err := s.db.SelectContext(ctx, &ids,
		`SELECT follow_id FROM follows WHERE account_id = ? ORDER BY follow_id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get follows: %w", err)
	}
	return ids, nil
}

// GetFollowerIDs returns who follows accountID, sorted
func (s *Storage) GetFollowerIDs(ctx context.Context, accountID string) ([]string, error) {
	ids := make([]string, 0)
	err := s.db.SelectContext(ctx, &ids,
		`SELECT account_id FROM follows WHERE follow_id = ? ORDER BY account_id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get followers: %w", err)
	}
	return ids, nil
}

// SetFollows replaces the whole follow set of an account and advances its
// follows timestamp in one transaction
func (s *Storage) SetFollows(ctx context.Context, accountID string, followIDs []string, lastUpdate int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM follows WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("failed to clear follows: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, `INSERT OR IGNORE INTO follows (account_id, follow_id) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare follow insert: %w", err)
	}
	defer stmt.Close()

	for _, followID := range followIDs {
		if _, err := stmt.ExecContext(ctx, accountID, followID); err != nil {
			return fmt.Errorf("failed to insert follow: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (id, follows_last_update) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET follows_last_update = excluded.follows_last_update
	`, accountID, lastUpdate); err != nil {
		return fmt.Errorf("failed to update follows timestamp: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit follows: %w", err)
	}
	return nil
}
