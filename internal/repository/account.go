package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/dm-responder-go/internal/auth"
	"github.com/openclaw/dm-responder-go/internal/database"
	apperrors "github.com/openclaw/dm-responder-go/internal/errors"
	"github.com/openclaw/dm-responder-go/internal/model"
	"github.com/openclaw/dm-responder-go/internal/util"
)

type AccountRepository interface {
	FindByID(ctx context.Context, id int64) (*model.Account, error)
	FindByUsername(ctx context.Context, userID int64, username string) (*model.Account, error)
	Create(ctx context.Context, params model.CreateAccountParams) (*model.Account, error)
	GetCredentials(ctx context.Context, id int64) (*auth.Credentials, error)
	SaveSession(ctx context.Context, id int64, blob []byte) error
	ResolveAccountID(ctx context.Context, userID int64, username string) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) AccountRepository
}

type accountRepo struct {
	db database.DBTX
	// encryptionKey is hex encoded; empty stores secrets as plain text.
	encryptionKey string
}

func NewAccountRepository(db *sqlx.DB, encryptionKey string) AccountRepository {
	return &accountRepo{db: db, encryptionKey: encryptionKey}
}

func (r *accountRepo) WithTx(tx *sqlx.Tx) AccountRepository {
	return &accountRepo{db: tx, encryptionKey: r.encryptionKey}
}

func (r *accountRepo) seal(plain string) (string, error) {
	if r.encryptionKey == "" || plain == "" {
		return plain, nil
	}
	return util.Encrypt(r.encryptionKey, plain)
}

func (r *accountRepo) open(stored string) (string, error) {
	if r.encryptionKey == "" || stored == "" {
		return stored, nil
	}
	return util.Decrypt(r.encryptionKey, stored)
}

func (r *accountRepo) FindByID(ctx context.Context, id int64) (*model.Account, error) {
	var account model.Account
	err := r.db.GetContext(ctx, &account, `
		SELECT * FROM accounts WHERE id = $1
	`, id)
	return HandleNotFound(&account, err)
}

func (r *accountRepo) FindByUsername(ctx context.Context, userID int64, username string) (*model.Account, error) {
	var account model.Account
	err := r.db.GetContext(ctx, &account, `
		SELECT * FROM accounts WHERE user_id = $1 AND username = $2
	`, userID, username)
	return HandleNotFound(&account, err)
}

func (r *accountRepo) Create(ctx context.Context, params model.CreateAccountParams) (*model.Account, error) {
	secret, err := r.seal(params.Secret)
	if err != nil {
		return nil, fmt.Errorf("encrypt secret: %w", err)
	}

	var account model.Account
	err = r.db.GetContext(ctx, &account, `
		INSERT INTO accounts (user_id, username, secret)
		VALUES ($1, $2, $3)
		RETURNING *
	`, params.UserID, params.Username, secret)
	if err != nil {
		return nil, mapWriteError(err, "account")
	}
	return &account, nil
}

// GetCredentials returns the decrypted login material of an active account.
func (r *accountRepo) GetCredentials(ctx context.Context, id int64) (*auth.Credentials, error) {
	account, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if account == nil || !account.IsActive {
		return nil, apperrors.NotFound("account")
	}

	password, err := r.open(account.Secret)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret: %w", err)
	}

	creds := &auth.Credentials{
		AccountID: account.ID,
		UserID:    account.UserID,
		Username:  account.Username,
		Password:  password,
	}
	if account.SessionData != nil {
		session, err := r.open(*account.SessionData)
		if err != nil {
			// an unreadable session only costs a fresh login
			return creds, nil
		}
		creds.Session = []byte(session)
	}
	return creds, nil
}

func (r *accountRepo) SaveSession(ctx context.Context, id int64, blob []byte) error {
	sealed, err := r.seal(string(blob))
	if err != nil {
		return fmt.Errorf("encrypt session: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET session_data = $2, last_login = NOW()
		WHERE id = $1
	`, id, sealed)
	if err != nil {
		return apperrors.Database(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("account")
	}
	return nil
}

func (r *accountRepo) ResolveAccountID(ctx context.Context, userID int64, username string) (int64, error) {
	var id int64
	err := r.db.GetContext(ctx, &id, `
		SELECT id FROM accounts WHERE user_id = $1 AND username = $2
	`, userID, username)
	found, err := HandleNotFound(&id, err)
	if err != nil {
		return 0, apperrors.Database(err)
	}
	if found == nil {
		return 0, apperrors.NotFound("account")
	}
	return *found, nil
}
