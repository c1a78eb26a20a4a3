package catalog

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/babyresell/escrow-engine/internal/money"
)

// PostgresStore persists items in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed item store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, item *Item) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO items (id, seller_id, title, price, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		item.ID, item.SellerID, item.Title, int64(item.Price), item.Currency,
		string(item.Status), item.CreatedAt, item.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Item, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, seller_id, title, price, currency, status, created_at, updated_at
		FROM items WHERE id = $1`, id)

	item := &Item{}
	var status string
	var price int64
	err := row.Scan(&item.ID, &item.SellerID, &item.Title, &price, &item.Currency,
		&status, &item.CreatedAt, &item.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	item.Price = money.Amount(price)
	item.Status = Status(status)
	return item, nil
}

// UpdateStatus is a single conditional UPDATE: zero rows affected means the
// item either does not exist or was not in an expected status.
func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from []Status, to Status) error {
	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE items SET status = $1, updated_at = $2
		WHERE id = $3 AND status = ANY($4)`,
		string(to), time.Now(), id, pq.Array(fromStrs),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish missing item from a lost race.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM items WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrItemNotFound
		}
		return ErrItemUnavailable
	}
	return nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
