package request

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gatekeeper-bot/internal/clock"
	apperrors "gatekeeper-bot/internal/errors"
	"gatekeeper-bot/internal/platform"
)

type rowScanner interface {
	Scan(dest ...any) error
}

type sqliteBase struct {
	db    *sql.DB
	clock clock.Clock
}

// transition moves a row from one status to another and stamps closed_at.
// It reports ErrNotPending (or ErrNotOpen for tickets) when the row was not in from.
func (b *sqliteBase) transition(ctx context.Context, table string, id int64, from, to Status) (time.Time, error) {
	now := b.clock.Now()
	res, err := b.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET status = ?, closed_at = ? WHERE id = ? AND status = ?", table),
		string(to), now.Unix(), id, string(from),
	)
	if err != nil {
		return time.Time{}, apperrors.Storage(fmt.Errorf("update %s status: %w", table, err), "transition")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, apperrors.Storage(fmt.Errorf("update %s status: %w", table, err), "transition")
	}
	if n == 0 {
		if from == StatusOpen {
			return time.Time{}, ErrNotOpen
		}
		return time.Time{}, ErrNotPending
	}
	return time.Unix(now.Unix(), 0), nil
}

func (b *sqliteBase) count(ctx context.Context, table string, guildID, userID int64, status Status) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE guild_id = ? AND user_id = ? AND status = ?", table),
		guildID, userID, string(status),
	).Scan(&n)
	if err != nil {
		return 0, apperrors.Storage(fmt.Errorf("count %s: %w", table, err), "count")
	}
	return n, nil
}

func (b *sqliteBase) setNotification(ctx context.Context, table string, id int64, msg platform.MessageRef) error {
	_, err := b.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET notify_chat_id = ?, notify_thread_id = ?, notify_message_id = ? WHERE id = ?`, table),
		msg.ChatID, msg.ThreadID, msg.MessageID, id,
	)
	if err != nil {
		return apperrors.Storage(fmt.Errorf("set %s notification: %w", table, err), "set notification")
	}
	return nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

func messageRef(chat, thread, msg sql.NullInt64) *platform.MessageRef {
	if !chat.Valid || !msg.Valid {
		return nil
	}
	return &platform.MessageRef{ChatID: chat.Int64, ThreadID: int(thread.Int64), MessageID: int(msg.Int64)}
}
