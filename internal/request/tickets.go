package request

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"gatekeeper-bot/internal/clock"
	apperrors "gatekeeper-bot/internal/errors"
)

const ticketColumns = "id, guild_id, user_id, reason, status, channel_id, log, created_at, closed_at"

// SQLiteTickets implements TicketStore on the Tickets table.
type SQLiteTickets struct {
	sqliteBase
}

func NewSQLiteTickets(db *sql.DB, clk clock.Clock) *SQLiteTickets {
	return &SQLiteTickets{sqliteBase{db: db, clock: clk}}
}

func (s *SQLiteTickets) Create(ctx context.Context, guildID, userID int64, reason string) (*Ticket, error) {
	now := time.Unix(s.clock.Now().Unix(), 0)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO Tickets (guild_id, user_id, reason, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, guildID, userID, nullString(reason), string(StatusOpen), now.Unix())
	if err != nil {
		return nil, apperrors.Storage(fmt.Errorf("insert ticket: %w", err), "create ticket")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, apperrors.Storage(fmt.Errorf("ticket id: %w", err), "create ticket")
	}
	return &Ticket{
		ID:        id,
		GuildID:   guildID,
		UserID:    userID,
		Reason:    reason,
		Status:    StatusOpen,
		CreatedAt: now,
	}, nil
}

func (s *SQLiteTickets) Get(ctx context.Context, id int64) (*Ticket, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+ticketColumns+" FROM Tickets WHERE id = ?", id)
	return s.scanOne(row, "get ticket")
}

func (s *SQLiteTickets) CountOpen(ctx context.Context, guildID, userID int64) (int, error) {
	return s.count(ctx, "Tickets", guildID, userID, StatusOpen)
}

func (s *SQLiteTickets) SetChannel(ctx context.Context, t *Ticket, channelID *int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE Tickets SET channel_id = ? WHERE id = ?", nullInt64(channelID), t.ID)
	if err != nil {
		return apperrors.Storage(fmt.Errorf("set ticket channel: %w", err), "set ticket channel")
	}
	t.ChannelID = channelID
	return nil
}

// Close stores the transcript, clears the channel and marks the ticket closed.
func (s *SQLiteTickets) Close(ctx context.Context, t *Ticket, log []TranscriptEntry) error {
	if log == nil {
		log = []TranscriptEntry{}
	}
	data, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("marshal ticket log: %w", err)
	}

	now := time.Unix(s.clock.Now().Unix(), 0)
	res, err := s.db.ExecContext(ctx, `
		UPDATE Tickets
		SET status = ?, closed_at = ?, channel_id = NULL, log = ?
		WHERE id = ? AND status = ?
	`, string(StatusClosed), now.Unix(), string(data), t.ID, string(StatusOpen))
	if err != nil {
		return apperrors.Storage(fmt.Errorf("close ticket: %w", err), "close ticket")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Storage(fmt.Errorf("close ticket: %w", err), "close ticket")
	}
	if n == 0 {
		return ErrNotOpen
	}

	t.Status = StatusClosed
	t.ClosedAt = &now
	t.ChannelID = nil
	t.Log = log
	return nil
}

// CloseAllForUser closes every open ticket of the user without a transcript
// and returns them with their former channels still set.
func (s *SQLiteTickets) CloseAllForUser(ctx context.Context, guildID, userID int64) ([]*Ticket, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+ticketColumns+" FROM Tickets WHERE guild_id = ? AND user_id = ? AND status = ?",
		guildID, userID, string(StatusOpen),
	)
	if err != nil {
		return nil, apperrors.Storage(fmt.Errorf("query open tickets: %w", err), "close user tickets")
	}
	tickets, err := s.scanAll(rows)
	if err != nil {
		return nil, err
	}

	now := time.Unix(s.clock.Now().Unix(), 0)
	_, err = s.db.ExecContext(ctx, `
		UPDATE Tickets SET status = ?, closed_at = ?, channel_id = NULL
		WHERE guild_id = ? AND user_id = ? AND status = ?
	`, string(StatusClosed), now.Unix(), guildID, userID, string(StatusOpen))
	if err != nil {
		return nil, apperrors.Storage(fmt.Errorf("close open tickets: %w", err), "close user tickets")
	}
	for _, t := range tickets {
		t.Status = StatusClosed
		t.ClosedAt = &now
	}
	return tickets, nil
}

func (s *SQLiteTickets) GetByChannel(ctx context.Context, guildID, channelID int64) (*Ticket, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+ticketColumns+" FROM Tickets WHERE guild_id = ? AND channel_id = ?", guildID, channelID)
	return s.scanOne(row, "get ticket by channel")
}

func (s *SQLiteTickets) IsTicketChannel(ctx context.Context, guildID, channelID int64) (bool, error) {
	t, err := s.GetByChannel(ctx, guildID, channelID)
	if err != nil {
		return false, err
	}
	return t != nil, nil
}

func (s *SQLiteTickets) ListOpen(ctx context.Context) ([]*Ticket, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+ticketColumns+" FROM Tickets WHERE status = ? ORDER BY id", string(StatusOpen))
	if err != nil {
		return nil, apperrors.Storage(fmt.Errorf("query open tickets: %w", err), "list open tickets")
	}
	return s.scanAll(rows)
}

// Delete removes a ticket that never got its channel, along with its messages.
func (s *SQLiteTickets) Delete(ctx context.Context, t *Ticket) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM TicketMessages WHERE ticket_id = ?", t.ID); err != nil {
		return apperrors.Storage(fmt.Errorf("delete ticket messages: %w", err), "delete ticket")
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM Tickets WHERE id = ?", t.ID); err != nil {
		return apperrors.Storage(fmt.Errorf("delete ticket: %w", err), "delete ticket")
	}
	return nil
}

func (s *SQLiteTickets) AppendMessage(ctx context.Context, ticketID int64, e TranscriptEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO TicketMessages (ticket_id, message_id, author_id, author_name, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ticketID, e.MessageID, e.AuthorID, e.AuthorName, e.Content, e.CreatedAt)
	if err != nil {
		return apperrors.Storage(fmt.Errorf("insert ticket message: %w", err), "record ticket message")
	}
	return nil
}

func (s *SQLiteTickets) Messages(ctx context.Context, ticketID int64) ([]TranscriptEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, author_id, author_name, content, created_at
		FROM TicketMessages WHERE ticket_id = ? ORDER BY id
	`, ticketID)
	if err != nil {
		return nil, apperrors.Storage(fmt.Errorf("query ticket messages: %w", err), "ticket messages")
	}
	defer rows.Close()

	var out []TranscriptEntry
	for rows.Next() {
		var e TranscriptEntry
		if err := rows.Scan(&e.MessageID, &e.AuthorID, &e.AuthorName, &e.Content, &e.CreatedAt); err != nil {
			return nil, apperrors.Storage(fmt.Errorf("scan ticket message: %w", err), "ticket messages")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage(fmt.Errorf("iterate ticket messages: %w", err), "ticket messages")
	}
	return out, nil
}

func (s *SQLiteTickets) scanOne(row rowScanner, op string) (*Ticket, error) {
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Storage(fmt.Errorf("scan ticket: %w", err), op)
	}
	return t, nil
}

func (s *SQLiteTickets) scanAll(rows *sql.Rows) ([]*Ticket, error) {
	defer rows.Close()
	var out []*Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, apperrors.Storage(fmt.Errorf("scan ticket: %w", err), "list tickets")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage(fmt.Errorf("iterate tickets: %w", err), "list tickets")
	}
	return out, nil
}

func scanTicket(row rowScanner) (*Ticket, error) {
	var (
		t         Ticket
		reason    sql.NullString
		status    string
		channelID sql.NullInt64
		log       sql.NullString
		createdAt int64
		closedAt  sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.GuildID, &t.UserID, &reason, &status, &channelID, &log, &createdAt, &closedAt); err != nil {
		return nil, err
	}
	t.Reason = reason.String
	t.Status = Status(status)
	t.ChannelID = int64Ptr(channelID)
	t.CreatedAt = time.Unix(createdAt, 0)
	t.ClosedAt = timePtr(closedAt)
	if log.Valid && log.String != "" {
		if err := json.Unmarshal([]byte(log.String), &t.Log); err != nil {
			return nil, fmt.Errorf("decode ticket log: %w", err)
		}
	}
	return &t, nil
}
