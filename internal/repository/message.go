package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/dm-responder-go/internal/database"
	"github.com/openclaw/dm-responder-go/internal/model"
)

type MessageRepository interface {
	Lookup(ctx context.Context, userID int64, key string) (*model.ReplyMessage, error)
	Create(ctx context.Context, params model.CreateReplyMessageParams) (*model.ReplyMessage, error)
	RecordSent(ctx context.Context, userID int64, key, threadID, peerID string) error
	FindHistory(ctx context.Context, userID int64, limit int) ([]model.MessageHistory, error)
	DeleteHistoryBefore(ctx context.Context, before time.Time) (int64, error)
	WithTx(tx *sqlx.Tx) MessageRepository
}

type messageRepo struct {
	db database.DBTX
}

func NewMessageRepository(db *sqlx.DB) MessageRepository {
	return &messageRepo{db: db}
}

func (r *messageRepo) WithTx(tx *sqlx.Tx) MessageRepository {
	return &messageRepo{db: tx}
}

func (r *messageRepo) Lookup(ctx context.Context, userID int64, key string) (*model.ReplyMessage, error) {
	var msg model.ReplyMessage
	err := r.db.GetContext(ctx, &msg, `
		SELECT * FROM reply_messages
		WHERE user_id = $1 AND key = $2 AND is_active = TRUE
		  AND (start_date IS NULL OR start_date <= CURRENT_DATE)
		  AND (end_date IS NULL OR end_date >= CURRENT_DATE)
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, key)
	return HandleNotFound(&msg, err)
}

func (r *messageRepo) Create(ctx context.Context, params model.CreateReplyMessageParams) (*model.ReplyMessage, error) {
	keyType := params.KeyType
	if keyType == "" {
		keyType = model.KeyTypeNumber
	}

	var msg model.ReplyMessage
	err := r.db.GetContext(ctx, &msg, `
		INSERT INTO reply_messages (user_id, key, content, key_type, start_date, end_date)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *
	`, params.UserID, params.Key, params.Content, keyType, params.StartDate, params.EndDate)
	if err != nil {
		return nil, mapWriteError(err, "message key")
	}
	return &msg, nil
}

func (r *messageRepo) RecordSent(ctx context.Context, userID int64, key, threadID, peerID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO message_history (user_id, message_key, thread_id, peer_id)
		VALUES ($1, $2, $3, $4)
	`, userID, key, threadID, peerID)
	return err
}

func (r *messageRepo) FindHistory(ctx context.Context, userID int64, limit int) ([]model.MessageHistory, error) {
	var history []model.MessageHistory
	err := r.db.SelectContext(ctx, &history, `
		SELECT * FROM message_history
		WHERE user_id = $1
		ORDER BY sent_at DESC
		LIMIT $2
	`, userID, limit)
	return history, err
}

func (r *messageRepo) DeleteHistoryBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM message_history WHERE sent_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
