package cooldown

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gatekeeper-bot/internal/clock"
	apperrors "gatekeeper-bot/internal/errors"
)

// Store keeps at most one cooldown per guild member in UserTicketCooldowns.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

func NewStore(db *sql.DB, clk clock.Clock) *Store {
	return &Store{db: db, clock: clk}
}

// Remaining returns how long the member must still wait, never negative.
func (s *Store) Remaining(ctx context.Context, guildID, userID int64) (time.Duration, error) {
	var endsAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT cooldown_ends_at FROM UserTicketCooldowns WHERE guild_id = ? AND user_id = ?",
		guildID, userID,
	).Scan(&endsAt)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.Storage(fmt.Errorf("query cooldown: %w", err), "get cooldown")
	}

	remaining := time.Unix(endsAt, 0).Sub(s.clock.Now())
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

// Start replaces any existing cooldown with one ending d from now.
// requestID records which request caused it; nil for manual cooldowns.
func (s *Store) Start(ctx context.Context, guildID, userID int64, d time.Duration, requestID *int64) error {
	endsAt := s.clock.Now().Add(d).Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO UserTicketCooldowns (guild_id, user_id, request_id, cooldown_ends_at)
		VALUES (?, ?, ?, ?)
	`, guildID, userID, nullInt64(requestID), endsAt)
	if err != nil {
		return apperrors.Storage(fmt.Errorf("save cooldown: %w", err), "start cooldown")
	}
	return nil
}

// Reset clears the member's cooldown regardless of origin.
func (s *Store) Reset(ctx context.Context, guildID, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM UserTicketCooldowns WHERE guild_id = ? AND user_id = ?", guildID, userID)
	if err != nil {
		return apperrors.Storage(fmt.Errorf("delete cooldown: %w", err), "reset cooldown")
	}
	return nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
