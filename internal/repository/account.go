package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rdsconnect/screen-server/internal/model"
)

type AccountRepository interface {
	FindByID(ctx context.Context, id string) (*model.Account, error)
	FindByEmail(ctx context.Context, email string) (*model.Account, error)
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.Account, error)
	// LockForUpdate takes a row lock on the account for the rest of the
	// transaction. Only meaningful on a repository bound with WithTx.
	LockForUpdate(ctx context.Context, id string) (*model.Account, error)
	UpdateTokenHash(ctx context.Context, id, tokenHash string) error
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) AccountRepository
}

type accountRepo struct {
	db sqlxDB
}

// sqlxDB is an interface satisfied by both *sqlx.DB and *sqlx.Tx
type sqlxDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func NewAccountRepository(db *sqlx.DB) AccountRepository {
	return &accountRepo{db: db}
}

func (r *accountRepo) WithTx(tx *sqlx.Tx) AccountRepository {
	return &accountRepo{db: tx}
}

func (r *accountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	var account model.Account
	err := r.db.GetContext(ctx, &account, `
		SELECT * FROM accounts WHERE id = $1
	`, id)
	return HandleNotFound(&account, err)
}

func (r *accountRepo) FindByEmail(ctx context.Context, email string) (*model.Account, error) {
	var account model.Account
	err := r.db.GetContext(ctx, &account, `
		SELECT * FROM accounts WHERE lower(email) = lower($1)
	`, email)
	return HandleNotFound(&account, err)
}

func (r *accountRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.Account, error) {
	var account model.Account
	err := r.db.GetContext(ctx, &account, `
		SELECT * FROM accounts WHERE api_token_hash = $1
	`, tokenHash)
	return HandleNotFound(&account, err)
}

func (r *accountRepo) LockForUpdate(ctx context.Context, id string) (*model.Account, error) {
	var account model.Account
	err := r.db.GetContext(ctx, &account, `
		SELECT * FROM accounts WHERE id = $1 FOR UPDATE
	`, id)
	return HandleNotFound(&account, err)
}

func (r *accountRepo) UpdateTokenHash(ctx context.Context, id, tokenHash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET api_token_hash = $2, updated_at = $3 WHERE id = $1
	`, id, tokenHash, time.Now())
	return err
}
