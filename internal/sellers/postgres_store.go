package sellers

import (
	"context"
	"database/sql"

	"github.com/babyresell/escrow-engine/internal/fees"
)

// PostgresStore persists sellers in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed seller store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, seller *Seller) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO seller_accounts (id, tier, account_id, charges_enabled, payouts_enabled, details_submitted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		seller.ID, string(seller.Tier), nullString(seller.AccountID),
		seller.ChargesEnabled, seller.PayoutsEnabled, seller.DetailsSubmitted,
		seller.CreatedAt, seller.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Seller, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, tier, account_id, charges_enabled, payouts_enabled, details_submitted, created_at, updated_at
		FROM seller_accounts WHERE id = $1`, id)
	return scanSeller(row)
}

func (p *PostgresStore) GetByAccountID(ctx context.Context, accountID string) (*Seller, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, tier, account_id, charges_enabled, payouts_enabled, details_submitted, created_at, updated_at
		FROM seller_accounts WHERE account_id = $1`, accountID)
	return scanSeller(row)
}

func (p *PostgresStore) Update(ctx context.Context, seller *Seller) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE seller_accounts
		SET tier = $1, account_id = $2, charges_enabled = $3, payouts_enabled = $4, details_submitted = $5, updated_at = $6
		WHERE id = $7`,
		string(seller.Tier), nullString(seller.AccountID),
		seller.ChargesEnabled, seller.PayoutsEnabled, seller.DetailsSubmitted,
		seller.UpdatedAt, seller.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSellerNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSeller(row scanner) (*Seller, error) {
	seller := &Seller{}
	var tier string
	var accountID sql.NullString
	err := row.Scan(&seller.ID, &tier, &accountID,
		&seller.ChargesEnabled, &seller.PayoutsEnabled, &seller.DetailsSubmitted,
		&seller.CreatedAt, &seller.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSellerNotFound
	}
	if err != nil {
		return nil, err
	}
	seller.Tier = fees.Tier(tier)
	if accountID.Valid {
		seller.AccountID = accountID.String
	}
	return seller, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
