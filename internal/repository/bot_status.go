package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/dm-responder-go/internal/model"
)

type BotStatusRepository interface {
	Upsert(ctx context.Context, accountID, userID int64, status model.BotState, errMsg *string) error
	TouchActivity(ctx context.Context, accountID int64, at time.Time) error
	FindByAccountID(ctx context.Context, accountID int64) (*model.BotStatus, error)
	FindByUserID(ctx context.Context, userID int64) ([]model.BotStatus, error)
	// MarkAllStopped resets rows left in a live state by a previous process.
	MarkAllStopped(ctx context.Context) (int64, error)
}

type botStatusRepo struct {
	db *sqlx.DB
}

func NewBotStatusRepository(db *sqlx.DB) BotStatusRepository {
	return &botStatusRepo{db: db}
}

func (r *botStatusRepo) Upsert(ctx context.Context, accountID, userID int64, status model.BotState, errMsg *string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO bot_status (account_id, user_id, status, error_message, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			status = EXCLUDED.status,
			error_message = EXCLUDED.error_message,
			updated_at = NOW()
	`, accountID, userID, status, errMsg)
	return err
}

func (r *botStatusRepo) TouchActivity(ctx context.Context, accountID int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE bot_status SET last_activity = $2 WHERE account_id = $1
	`, accountID, at)
	return err
}

func (r *botStatusRepo) FindByAccountID(ctx context.Context, accountID int64) (*model.BotStatus, error) {
	var status model.BotStatus
	err := r.db.GetContext(ctx, &status, `SELECT * FROM bot_status WHERE account_id = $1`, accountID)
	return HandleNotFound(&status, err)
}

func (r *botStatusRepo) FindByUserID(ctx context.Context, userID int64) ([]model.BotStatus, error) {
	var statuses []model.BotStatus
	err := r.db.SelectContext(ctx, &statuses, `
		SELECT * FROM bot_status
		WHERE user_id = $1
		ORDER BY updated_at DESC
	`, userID)
	return statuses, err
}

func (r *botStatusRepo) MarkAllStopped(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE bot_status SET status = 'stopped', updated_at = NOW()
		WHERE status <> 'stopped'
	`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
