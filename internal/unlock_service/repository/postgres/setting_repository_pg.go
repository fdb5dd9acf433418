package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/newsgate/paywall_services/internal/unlock_service/repository"
)

// PgSettingRepository is the key-value settings store.
type PgSettingRepository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

func NewPgSettingRepository(db *pgxpool.Pool, logger *slog.Logger) *PgSettingRepository {
	return &PgSettingRepository{db: db, logger: logger.With("component", "setting_repository_pg")}
}

func (r *PgSettingRepository) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", repository.ErrSettingNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting setting", "error", err, "key", key)
		return "", fmt.Errorf("getting setting %q: %w", key, err)
	}
	return value, nil
}

func (r *PgSettingRepository) Set(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO settings (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`
	if _, err := r.db.Exec(ctx, query, key, value, time.Now().UTC()); err != nil {
		r.logger.ErrorContext(ctx, "Error setting value", "error", err, "key", key)
		return fmt.Errorf("setting %q: %w", key, err)
	}
	return nil
}

var _ repository.SettingRepository = (*PgSettingRepository)(nil)
