package settings

import (
	"context"
	"database/sql"
	"fmt"

	apperrors "gatekeeper-bot/internal/errors"
)

// SQLiteStore implements Store on the Settings and DefaultSettings tables
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a settings store on an already migrated database
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Get(ctx context.Context, guildID int64, key Key) (Value, bool, error) {
	var v sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT IFNULL(
			(SELECT v FROM Settings WHERE guild_id = ? AND k = ?),
			(SELECT v FROM DefaultSettings WHERE k = ?)
		)
	`, guildID, string(key), string(key)).Scan(&v)
	if err != nil {
		return "", false, apperrors.Storage(fmt.Errorf("query setting %s: %w", key, err), "get setting")
	}
	if !v.Valid {
		return "", false, nil
	}
	return Value(v.String), true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, guildID int64, key Key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO Settings (guild_id, k, v)
		VALUES (?, ?, ?)
		ON CONFLICT(guild_id, k) DO UPDATE SET
			v = excluded.v
	`, guildID, string(key), value)
	if err != nil {
		return apperrors.Storage(fmt.Errorf("save setting %s: %w", key, err), "set setting")
	}
	return nil
}

func (s *SQLiteStore) Unset(ctx context.Context, guildID int64, key Key) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM Settings WHERE guild_id = ? AND k = ?", guildID, string(key))
	if err != nil {
		return apperrors.Storage(fmt.Errorf("remove setting %s: %w", key, err), "unset setting")
	}
	return nil
}

func (s *SQLiteStore) Default(ctx context.Context, key Key) (Value, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT v FROM DefaultSettings WHERE k = ?", string(key)).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperrors.Storage(fmt.Errorf("query default %s: %w", key, err), "get default")
	}
	return Value(v), true, nil
}

func (s *SQLiteStore) ReplaceDefaults(ctx context.Context, defaults map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Storage(fmt.Errorf("begin defaults transaction: %w", err), "replace defaults")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM DefaultSettings"); err != nil {
		return apperrors.Storage(fmt.Errorf("clear defaults: %w", err), "replace defaults")
	}
	for k, v := range defaults {
		if _, err := tx.ExecContext(ctx, "INSERT INTO DefaultSettings (k, v) VALUES (?, ?)", k, v); err != nil {
			return apperrors.Storage(fmt.Errorf("insert default %s: %w", k, err), "replace defaults")
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Storage(fmt.Errorf("commit defaults: %w", err), "replace defaults")
	}
	return nil
}
