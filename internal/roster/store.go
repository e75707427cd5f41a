// Package roster tracks guild members and the reminder messages sent to them.
// Telegram offers no member listing, so the roster is built from join and
// leave updates.
package roster

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gatekeeper-bot/internal/clock"
	apperrors "gatekeeper-bot/internal/errors"
	"gatekeeper-bot/internal/platform"
)

type Member struct {
	GuildID          int64
	UserID           int64
	DisplayName      string
	JoinedAt         time.Time
	ScreeningPending bool
	Verified         bool
}

// ReminderKind separates verification buttons from rule-acceptance prompts.
type ReminderKind string

const (
	ReminderVerify ReminderKind = "verify"
	ReminderRules  ReminderKind = "rules"
)

type Reminder struct {
	GuildID int64
	UserID  int64
	Kind    ReminderKind
	Message platform.MessageRef
	SentAt  time.Time
}

type Store struct {
	db    *sql.DB
	clock clock.Clock
}

func NewStore(db *sql.DB, clk clock.Clock) *Store {
	return &Store{db: db, clock: clk}
}

// Join records a member, keeping the verified flag of a rejoining member.
func (s *Store) Join(ctx context.Context, m Member) error {
	if m.JoinedAt.IsZero() {
		m.JoinedAt = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO Members (guild_id, user_id, display_name, joined_at, screening_pending, verified)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(guild_id, user_id) DO UPDATE SET
			display_name = excluded.display_name,
			joined_at = excluded.joined_at,
			screening_pending = excluded.screening_pending
	`, m.GuildID, m.UserID, m.DisplayName, m.JoinedAt.Unix(), m.ScreeningPending, m.Verified)
	if err != nil {
		return apperrors.Storage(fmt.Errorf("upsert member: %w", err), "record member")
	}
	return nil
}

func (s *Store) Leave(ctx context.Context, guildID, userID int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM Members WHERE guild_id = ? AND user_id = ?", guildID, userID)
	if err != nil {
		return apperrors.Storage(fmt.Errorf("delete member: %w", err), "remove member")
	}
	return nil
}

// Get returns nil when the member is not tracked.
func (s *Store) Get(ctx context.Context, guildID, userID int64) (*Member, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT guild_id, user_id, display_name, joined_at, screening_pending, verified
		FROM Members WHERE guild_id = ? AND user_id = ?
	`, guildID, userID)
	m, err := scanMember(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Storage(fmt.Errorf("query member: %w", err), "get member")
	}
	return m, nil
}

func (s *Store) SetVerified(ctx context.Context, guildID, userID int64, verified bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE Members SET verified = ? WHERE guild_id = ? AND user_id = ?", verified, guildID, userID)
	if err != nil {
		return apperrors.Storage(fmt.Errorf("update member verified: %w", err), "set verified")
	}
	return nil
}

func (s *Store) SetScreeningPending(ctx context.Context, guildID, userID int64, pending bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE Members SET screening_pending = ? WHERE guild_id = ? AND user_id = ?", pending, guildID, userID)
	if err != nil {
		return apperrors.Storage(fmt.Errorf("update member screening: %w", err), "set screening")
	}
	return nil
}

// Unverified lists tracked members of every guild that are not verified yet.
func (s *Store) Unverified(ctx context.Context) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guild_id, user_id, display_name, joined_at, screening_pending, verified
		FROM Members WHERE verified = 0 ORDER BY guild_id, user_id
	`)
	if err != nil {
		return nil, apperrors.Storage(fmt.Errorf("query unverified members: %w", err), "list unverified")
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, apperrors.Storage(fmt.Errorf("scan member: %w", err), "list unverified")
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage(fmt.Errorf("iterate members: %w", err), "list unverified")
	}
	return out, nil
}

func (s *Store) AddReminder(ctx context.Context, r Reminder) error {
	if r.SentAt.IsZero() {
		r.SentAt = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO VerificationMessages (chat_id, message_id, thread_id, guild_id, user_id, kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.Message.ChatID, r.Message.MessageID, r.Message.ThreadID, r.GuildID, r.UserID, string(r.Kind), r.SentAt.Unix())
	if err != nil {
		return apperrors.Storage(fmt.Errorf("insert reminder: %w", err), "record reminder")
	}
	return nil
}

// Reminders returns the member's reminders of the given kind, oldest first.
func (s *Store) Reminders(ctx context.Context, guildID, userID int64, kind ReminderKind) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, message_id, thread_id, created_at
		FROM VerificationMessages WHERE guild_id = ? AND user_id = ? AND kind = ?
		ORDER BY created_at, message_id
	`, guildID, userID, string(kind))
	if err != nil {
		return nil, apperrors.Storage(fmt.Errorf("query reminders: %w", err), "list reminders")
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		r := Reminder{GuildID: guildID, UserID: userID, Kind: kind}
		var sentAt int64
		if err := rows.Scan(&r.Message.ChatID, &r.Message.MessageID, &r.Message.ThreadID, &sentAt); err != nil {
			return nil, apperrors.Storage(fmt.Errorf("scan reminder: %w", err), "list reminders")
		}
		r.SentAt = time.Unix(sentAt, 0)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage(fmt.Errorf("iterate reminders: %w", err), "list reminders")
	}
	return out, nil
}

// ReminderOwner returns the member a reminder message was addressed to.
func (s *Store) ReminderOwner(ctx context.Context, msg platform.MessageRef) (int64, bool, error) {
	var userID int64
	err := s.db.QueryRowContext(ctx,
		"SELECT user_id FROM VerificationMessages WHERE chat_id = ? AND message_id = ?", msg.ChatID, msg.MessageID,
	).Scan(&userID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, apperrors.Storage(fmt.Errorf("query reminder owner: %w", err), "reminder owner")
	}
	return userID, true, nil
}

func (s *Store) CountReminders(ctx context.Context, guildID, userID int64, kind ReminderKind) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM VerificationMessages WHERE guild_id = ? AND user_id = ? AND kind = ?",
		guildID, userID, string(kind),
	).Scan(&n)
	if err != nil {
		return 0, apperrors.Storage(fmt.Errorf("count reminders: %w", err), "count reminders")
	}
	return n, nil
}

func (s *Store) DeleteReminders(ctx context.Context, guildID, userID int64, kind ReminderKind) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM VerificationMessages WHERE guild_id = ? AND user_id = ? AND kind = ?",
		guildID, userID, string(kind))
	if err != nil {
		return apperrors.Storage(fmt.Errorf("delete reminders: %w", err), "delete reminders")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (*Member, error) {
	var (
		m        Member
		joinedAt int64
	)
	if err := row.Scan(&m.GuildID, &m.UserID, &m.DisplayName, &joinedAt, &m.ScreeningPending, &m.Verified); err != nil {
		return nil, err
	}
	m.JoinedAt = time.Unix(joinedAt, 0)
	return &m, nil
}
