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

const verificationColumns = `id, guild_id, user_id, age, gender, referrer, reason, join_chat_id, join_message_id,
	status, notify_chat_id, notify_thread_id, notify_message_id, created_at, closed_at`

// SQLiteVerifications implements VerificationStore on the VerificationRequests table.
type SQLiteVerifications struct {
	sqliteBase
}

func NewSQLiteVerifications(db *sql.DB, clk clock.Clock) *SQLiteVerifications {
	return &SQLiteVerifications{sqliteBase{db: db, clock: clk}}
}

func (s *SQLiteVerifications) Create(ctx context.Context, v NewVerification) (*VerificationRequest, error) {
	now := time.Unix(s.clock.Now().Unix(), 0)

	var joinChat, joinMessage sql.NullInt64
	if v.JoinMessage != nil {
		joinChat = sql.NullInt64{Int64: v.JoinMessage.ChatID, Valid: true}
		joinMessage = sql.NullInt64{Int64: int64(v.JoinMessage.MessageID), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO VerificationRequests
			(guild_id, user_id, age, gender, referrer, reason, join_chat_id, join_message_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.GuildID, v.UserID, v.Age, v.Gender, nullString(v.Referrer), nullString(v.Reason),
		joinChat, joinMessage, string(StatusPending), now.Unix())
	if err != nil {
		return nil, apperrors.Storage(fmt.Errorf("insert verification request: %w", err), "create verification")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, apperrors.Storage(fmt.Errorf("verification request id: %w", err), "create verification")
	}

	var join *platform.MessageRef
	if v.JoinMessage != nil {
		ref := platform.MessageRef{ChatID: v.JoinMessage.ChatID, MessageID: v.JoinMessage.MessageID}
		join = &ref
	}
	return &VerificationRequest{
		ID:          id,
		GuildID:     v.GuildID,
		UserID:      v.UserID,
		Age:         v.Age,
		Gender:      v.Gender,
		Referrer:    v.Referrer,
		Reason:      v.Reason,
		JoinMessage: join,
		Status:      StatusPending,
		CreatedAt:   now,
	}, nil
}

func (s *SQLiteVerifications) Get(ctx context.Context, id int64) (*VerificationRequest, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+verificationColumns+" FROM VerificationRequests WHERE id = ?", id)
	r, err := scanVerification(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Storage(fmt.Errorf("scan verification request: %w", err), "get verification")
	}
	return r, nil
}

func (s *SQLiteVerifications) CountPending(ctx context.Context, guildID, userID int64) (int, error) {
	return s.count(ctx, "VerificationRequests", guildID, userID, StatusPending)
}

func (s *SQLiteVerifications) SetNotification(ctx context.Context, r *VerificationRequest, msg platform.MessageRef) error {
	if err := s.setNotification(ctx, "VerificationRequests", r.ID, msg); err != nil {
		return err
	}
	r.Notification = &msg
	return nil
}

func (s *SQLiteVerifications) Accept(ctx context.Context, r *VerificationRequest) error {
	return s.close(ctx, r, StatusAccepted)
}

func (s *SQLiteVerifications) Reject(ctx context.Context, r *VerificationRequest) error {
	return s.close(ctx, r, StatusRejected)
}

func (s *SQLiteVerifications) Abandon(ctx context.Context, r *VerificationRequest) error {
	return s.close(ctx, r, StatusAbandoned)
}

func (s *SQLiteVerifications) close(ctx context.Context, r *VerificationRequest, to Status) error {
	closedAt, err := s.transition(ctx, "VerificationRequests", r.ID, StatusPending, to)
	if err != nil {
		return err
	}
	r.Status = to
	r.ClosedAt = &closedAt
	return nil
}

func (s *SQLiteVerifications) ListPending(ctx context.Context) ([]*VerificationRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+verificationColumns+" FROM VerificationRequests WHERE status = ? ORDER BY id", string(StatusPending))
	if err != nil {
		return nil, apperrors.Storage(fmt.Errorf("query pending verifications: %w", err), "list pending")
	}
	return scanVerifications(rows)
}

func (s *SQLiteVerifications) PendingForUser(ctx context.Context, guildID, userID int64) ([]*VerificationRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+verificationColumns+" FROM VerificationRequests WHERE guild_id = ? AND user_id = ? AND status = ? ORDER BY id",
		guildID, userID, string(StatusPending))
	if err != nil {
		return nil, apperrors.Storage(fmt.Errorf("query user verifications: %w", err), "list pending")
	}
	return scanVerifications(rows)
}

func scanVerifications(rows *sql.Rows) ([]*VerificationRequest, error) {
	defer rows.Close()
	var out []*VerificationRequest
	for rows.Next() {
		r, err := scanVerification(rows)
		if err != nil {
			return nil, apperrors.Storage(fmt.Errorf("scan verification request: %w", err), "list verifications")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage(fmt.Errorf("iterate verification requests: %w", err), "list verifications")
	}
	return out, nil
}

func scanVerification(row rowScanner) (*VerificationRequest, error) {
	var (
		r             VerificationRequest
		referrer      sql.NullString
		reason        sql.NullString
		joinChat      sql.NullInt64
		joinMessage   sql.NullInt64
		status        string
		notifyChat    sql.NullInt64
		notifyThread  sql.NullInt64
		notifyMessage sql.NullInt64
		createdAt     int64
		closedAt      sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.GuildID, &r.UserID, &r.Age, &r.Gender, &referrer, &reason, &joinChat, &joinMessage,
		&status, &notifyChat, &notifyThread, &notifyMessage, &createdAt, &closedAt)
	if err != nil {
		return nil, err
	}
	r.Referrer = referrer.String
	r.Reason = reason.String
	r.JoinMessage = messageRef(joinChat, sql.NullInt64{}, joinMessage)
	r.Status = Status(status)
	r.Notification = messageRef(notifyChat, notifyThread, notifyMessage)
	r.CreatedAt = time.Unix(createdAt, 0)
	r.ClosedAt = timePtr(closedAt)
	return &r, nil
}
