package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tyemirov/rideauth/internal/authkit"
)

// PostgresAccountStore persists accounts in PostgreSQL.
type PostgresAccountStore struct {
	pool *pgxpool.Pool
}

// NewPostgresAccountStore constructs a Postgres account store.
func NewPostgresAccountStore(pool *pgxpool.Pool) *PostgresAccountStore {
	return &PostgresAccountStore{pool: pool}
}

const accountColumns = `subject_id, display_name, email, phone, role, premium, created_at_unix`

func scanAccount(row pgx.Row) (authkit.Account, error) {
	var (
		account       authkit.Account
		role          string
		createdAtUnix int64
	)
	if err := row.Scan(&account.SubjectID, &account.DisplayName, &account.Email, &account.Phone, &role, &account.Premium, &createdAtUnix); err != nil {
		return authkit.Account{}, err
	}
	account.Role = authkit.ParseRole(role)
	account.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	return account, nil
}

func (store *PostgresAccountStore) GetAccount(ctx context.Context, subjectID string) (authkit.Account, error) {
	account, err := scanAccount(store.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE subject_id = $1`, subjectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authkit.Account{}, fmt.Errorf("account_store.get.pgx: %w", authkit.ErrAccountRecordNotFound)
		}
		return authkit.Account{}, fmt.Errorf("account_store.get.pgx: %w", err)
	}
	return account, nil
}

// CreateAccount inserts account; a primary key collision maps to ErrAccountRecordExists.
func (store *PostgresAccountStore) CreateAccount(ctx context.Context, account authkit.Account) error {
	_, err := store.pool.Exec(ctx, `
INSERT INTO accounts (`+accountColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, account.SubjectID, account.DisplayName, account.Email, account.Phone, string(account.Role), account.Premium, account.CreatedAt.Unix())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("account_store.create.pgx: %w", authkit.ErrAccountRecordExists)
		}
		return fmt.Errorf("account_store.create.pgx: %w", err)
	}
	return nil
}

func (store *PostgresAccountStore) UpdateAccount(ctx context.Context, account authkit.Account) error {
	tag, err := store.pool.Exec(ctx, `
UPDATE accounts
SET display_name = $2, email = $3, phone = $4, role = $5, premium = $6
WHERE subject_id = $1
`, account.SubjectID, account.DisplayName, account.Email, account.Phone, string(account.Role), account.Premium)
	if err != nil {
		return fmt.Errorf("account_store.update.pgx: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account_store.update.pgx: %w", authkit.ErrAccountRecordNotFound)
	}
	return nil
}

// DeleteAccount removes the account and its refresh credential in one transaction.
func (store *PostgresAccountStore) DeleteAccount(ctx context.Context, subjectID string) error {
	err := pgx.BeginFunc(ctx, store.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM refresh_credentials WHERE subject_id = $1`, subjectID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM accounts WHERE subject_id = $1`, subjectID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return authkit.ErrAccountRecordNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("account_store.delete.pgx: %w", err)
	}
	return nil
}

func (store *PostgresAccountStore) ListAccounts(ctx context.Context) ([]authkit.Account, error) {
	rows, err := store.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at_unix ASC, subject_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("account_store.list.pgx: %w", err)
	}
	defer rows.Close()
	accounts := make([]authkit.Account, 0)
	for rows.Next() {
		account, scanErr := scanAccount(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("account_store.list.pgx: %w", scanErr)
		}
		accounts = append(accounts, account)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("account_store.list.pgx: %w", rowsErr)
	}
	return accounts, nil
}
