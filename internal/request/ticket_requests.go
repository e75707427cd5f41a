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

const ticketRequestColumns = `id, guild_id, user_id, ticket_id, reason, status, channel_id,
	notify_chat_id, notify_thread_id, notify_message_id, created_at, closed_at`

// SQLiteTicketRequests implements TicketRequestStore on the TicketRequests table.
type SQLiteTicketRequests struct {
	sqliteBase
}

func NewSQLiteTicketRequests(db *sql.DB, clk clock.Clock) *SQLiteTicketRequests {
	return &SQLiteTicketRequests{sqliteBase{db: db, clock: clk}}
}

func (s *SQLiteTicketRequests) Create(ctx context.Context, guildID, userID int64, reason string) (*TicketRequest, error) {
	now := time.Unix(s.clock.Now().Unix(), 0)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO TicketRequests (guild_id, user_id, reason, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, guildID, userID, nullString(reason), string(StatusPending), now.Unix())
	if err != nil {
		return nil, apperrors.Storage(fmt.Errorf("insert ticket request: %w", err), "create ticket request")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, apperrors.Storage(fmt.Errorf("ticket request id: %w", err), "create ticket request")
	}
	return &TicketRequest{
		ID:        id,
		GuildID:   guildID,
		UserID:    userID,
		Reason:    reason,
		Status:    StatusPending,
		CreatedAt: now,
	}, nil
}

func (s *SQLiteTicketRequests) Get(ctx context.Context, id int64) (*TicketRequest, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+ticketRequestColumns+" FROM TicketRequests WHERE id = ?", id)
	return s.scanOne(row, "get ticket request")
}

func (s *SQLiteTicketRequests) CountPending(ctx context.Context, guildID, userID int64) (int, error) {
	return s.count(ctx, "TicketRequests", guildID, userID, StatusPending)
}

func (s *SQLiteTicketRequests) SetChannel(ctx context.Context, r *TicketRequest, channelID *int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE TicketRequests SET channel_id = ? WHERE id = ?", nullInt64(channelID), r.ID)
	if err != nil {
		return apperrors.Storage(fmt.Errorf("set ticket request channel: %w", err), "set request channel")
	}
	r.ChannelID = channelID
	return nil
}

func (s *SQLiteTicketRequests) SetNotification(ctx context.Context, r *TicketRequest, msg platform.MessageRef) error {
	if err := s.setNotification(ctx, "TicketRequests", r.ID, msg); err != nil {
		return err
	}
	r.Notification = &msg
	return nil
}

// Accept links the created ticket and closes the request.
func (s *SQLiteTicketRequests) Accept(ctx context.Context, r *TicketRequest, t *Ticket) error {
	now := time.Unix(s.clock.Now().Unix(), 0)
	res, err := s.db.ExecContext(ctx, `
		UPDATE TicketRequests SET status = ?, ticket_id = ?, closed_at = ?
		WHERE id = ? AND status = ?
	`, string(StatusAccepted), t.ID, now.Unix(), r.ID, string(StatusPending))
	if err != nil {
		return apperrors.Storage(fmt.Errorf("accept ticket request: %w", err), "accept request")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Storage(fmt.Errorf("accept ticket request: %w", err), "accept request")
	}
	if n == 0 {
		return ErrNotPending
	}
	ticketID := t.ID
	r.Status = StatusAccepted
	r.TicketID = &ticketID
	r.ClosedAt = &now
	return nil
}

func (s *SQLiteTicketRequests) Reject(ctx context.Context, r *TicketRequest) error {
	return s.close(ctx, r, StatusRejected)
}

func (s *SQLiteTicketRequests) Abandon(ctx context.Context, r *TicketRequest) error {
	return s.close(ctx, r, StatusAbandoned)
}

func (s *SQLiteTicketRequests) close(ctx context.Context, r *TicketRequest, to Status) error {
	closedAt, err := s.transition(ctx, "TicketRequests", r.ID, StatusPending, to)
	if err != nil {
		return err
	}
	r.Status = to
	r.ClosedAt = &closedAt
	return nil
}

func (s *SQLiteTicketRequests) GetByChannel(ctx context.Context, guildID, channelID int64) (*TicketRequest, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+ticketRequestColumns+" FROM TicketRequests WHERE guild_id = ? AND channel_id = ?",
		guildID, channelID)
	return s.scanOne(row, "get ticket request by channel")
}

func (s *SQLiteTicketRequests) IsRequestChannel(ctx context.Context, guildID, channelID int64) (bool, error) {
	r, err := s.GetByChannel(ctx, guildID, channelID)
	if err != nil {
		return false, err
	}
	return r != nil, nil
}

func (s *SQLiteTicketRequests) ListPending(ctx context.Context) ([]*TicketRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+ticketRequestColumns+" FROM TicketRequests WHERE status = ? ORDER BY id", string(StatusPending))
	if err != nil {
		return nil, apperrors.Storage(fmt.Errorf("query pending ticket requests: %w", err), "list pending")
	}
	return s.scanAll(rows)
}

func (s *SQLiteTicketRequests) PendingForUser(ctx context.Context, guildID, userID int64) ([]*TicketRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+ticketRequestColumns+" FROM TicketRequests WHERE guild_id = ? AND user_id = ? AND status = ? ORDER BY id",
		guildID, userID, string(StatusPending))
	if err != nil {
		return nil, apperrors.Storage(fmt.Errorf("query user ticket requests: %w", err), "list pending")
	}
	return s.scanAll(rows)
}

// DueForExpiry returns rejected requests whose informational channel has
// outlived age.
func (s *SQLiteTicketRequests) DueForExpiry(ctx context.Context, age time.Duration) ([]*TicketRequest, error) {
	cutoff := s.clock.Now().Add(-age).Unix()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ticketRequestColumns+` FROM TicketRequests
		WHERE status = ? AND channel_id IS NOT NULL AND IFNULL(closed_at, 0) < ?
		ORDER BY id
	`, string(StatusRejected), cutoff)
	if err != nil {
		return nil, apperrors.Storage(fmt.Errorf("query expired ticket requests: %w", err), "due for expiry")
	}
	return s.scanAll(rows)
}

// ClearChannel forgets a deleted informational channel.
func (s *SQLiteTicketRequests) ClearChannel(ctx context.Context, guildID, channelID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE TicketRequests SET channel_id = NULL WHERE guild_id = ? AND channel_id = ?", guildID, channelID)
	if err != nil {
		return apperrors.Storage(fmt.Errorf("clear ticket request channel: %w", err), "clear channel")
	}
	return nil
}

func (s *SQLiteTicketRequests) scanOne(row rowScanner, op string) (*TicketRequest, error) {
	r, err := scanTicketRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Storage(fmt.Errorf("scan ticket request: %w", err), op)
	}
	return r, nil
}

func (s *SQLiteTicketRequests) scanAll(rows *sql.Rows) ([]*TicketRequest, error) {
	defer rows.Close()
	var out []*TicketRequest
	for rows.Next() {
		r, err := scanTicketRequest(rows)
		if err != nil {
			return nil, apperrors.Storage(fmt.Errorf("scan ticket request: %w", err), "list ticket requests")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage(fmt.Errorf("iterate ticket requests: %w", err), "list ticket requests")
	}
	return out, nil
}

func scanTicketRequest(row rowScanner) (*TicketRequest, error) {
	var (
		r             TicketRequest
		ticketID      sql.NullInt64
		channelID     sql.NullInt64
		reason        sql.NullString
		status        string
		notifyChat    sql.NullInt64
		notifyThread  sql.NullInt64
		notifyMessage sql.NullInt64
		createdAt     int64
		closedAt      sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.GuildID, &r.UserID, &ticketID, &reason, &status, &channelID,
		&notifyChat, &notifyThread, &notifyMessage, &createdAt, &closedAt)
	if err != nil {
		return nil, err
	}
	r.TicketID = int64Ptr(ticketID)
	r.Reason = reason.String
	r.Status = Status(status)
	r.ChannelID = int64Ptr(channelID)
	r.Notification = messageRef(notifyChat, notifyThread, notifyMessage)
	r.CreatedAt = time.Unix(createdAt, 0)
	r.ClosedAt = timePtr(closedAt)
	return &r, nil
}
