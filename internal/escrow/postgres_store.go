package escrow

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/babyresell/escrow-engine/internal/money"
	"github.com/babyresell/escrow-engine/internal/pagination"
)

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, buyer_id, seller_id, item_id,
			amount, currency, platform_fee_bps, platform_fee, gateway_fee,
			seller_payout, net_platform_revenue,
			payment_intent_id, transfer_id, payout_status, payout_failure,
			status, escrow_status, escrow_release_date, auto_release_date,
			shipping_address, tracking_number, carrier, shipped_at,
			dispute_reason, dispute_description, dispute_opened_by,
			dispute_opened_at, dispute_external_id,
			rating_enabled, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, $19,
			$20, $21, $22, $23,
			$24, $25, $26,
			$27, $28,
			$29, $30, $31
		)`,
		t.ID, t.BuyerID, t.SellerID, t.ItemID,
		int64(t.Amount), t.Currency, t.PlatformFeeBPS, int64(t.PlatformFee), int64(t.GatewayFee),
		int64(t.SellerPayout), int64(t.NetPlatformRevenue),
		t.PaymentIntentID, nullString(t.TransferID), string(t.PayoutStatus), nullString(t.PayoutFailure),
		string(t.Status), string(t.EscrowStatus), nullTime(t.EscrowReleaseDate), nullTime(t.AutoReleaseDate),
		nullString(t.ShippingAddress), nullString(t.TrackingNumber), nullString(t.Carrier), nullTime(t.ShippedAt),
		disputeField(t, func(d *Dispute) string { return d.Reason }),
		disputeField(t, func(d *Dispute) string { return d.Description }),
		disputeField(t, func(d *Dispute) string { return d.OpenedBy }),
		disputeTime(t),
		disputeField(t, func(d *Dispute) string { return d.ExternalID }),
		t.RatingEnabled, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

const txnColumns = `id, buyer_id, seller_id, item_id,
		amount, currency, platform_fee_bps, platform_fee, gateway_fee,
		seller_payout, net_platform_revenue,
		payment_intent_id, transfer_id, payout_status, payout_failure,
		status, escrow_status, escrow_release_date, auto_release_date,
		shipping_address, tracking_number, carrier, shipped_at,
		dispute_reason, dispute_description, dispute_opened_by,
		dispute_opened_at, dispute_external_id,
		rating_enabled, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id)
	return scanTxn(row)
}

func (p *PostgresStore) GetByPaymentIntent(ctx context.Context, intentID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM transactions WHERE payment_intent_id = $1`, intentID)
	return scanTxn(row)
}

// Update is a single conditional write: the row changes only if its status
// is still one of expect. Zero rows affected on an existing row means the
// caller lost a race and gets ErrStatusConflict.
func (p *PostgresStore) Update(ctx context.Context, t *Transaction, expect []Status) error {
	expectStrs := make([]string, len(expect))
	for i, s := range expect {
		expectStrs[i] = string(s)
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET
			transfer_id = $1, payout_status = $2, payout_failure = $3,
			status = $4, escrow_status = $5, escrow_release_date = $6, auto_release_date = $7,
			tracking_number = $8, carrier = $9, shipped_at = $10,
			dispute_reason = $11, dispute_description = $12, dispute_opened_by = $13,
			dispute_opened_at = $14, dispute_external_id = $15,
			rating_enabled = $16, updated_at = $17
		WHERE id = $18 AND status = ANY($19)`,
		nullString(t.TransferID), string(t.PayoutStatus), nullString(t.PayoutFailure),
		string(t.Status), string(t.EscrowStatus), nullTime(t.EscrowReleaseDate), nullTime(t.AutoReleaseDate),
		nullString(t.TrackingNumber), nullString(t.Carrier), nullTime(t.ShippedAt),
		disputeField(t, func(d *Dispute) string { return d.Reason }),
		disputeField(t, func(d *Dispute) string { return d.Description }),
		disputeField(t, func(d *Dispute) string { return d.OpenedBy }),
		disputeTime(t),
		disputeField(t, func(d *Dispute) string { return d.ExternalID }),
		t.RatingEnabled, t.UpdatedAt,
		t.ID, pq.Array(expectStrs),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM transactions WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrTxnNotFound
		}
		return ErrStatusConflict
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Transaction, error) {
	query := `
		SELECT ` + txnColumns + `
		FROM transactions
		WHERE (buyer_id = $1 OR seller_id = $1)`
	args := []interface{}{userID}

	if after != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, after.CreatedAt, after.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTxns(rows)
}

func (p *PostgresStore) ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM transactions
		WHERE status = 'shipped'
		  AND escrow_status = 'held'
		  AND auto_release_date <= $1
		ORDER BY auto_release_date
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTxns(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTxn(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		amount, platformFee, gatewayFee   int64
		sellerPayout, netRevenue          int64
		transferID, payoutFailure         sql.NullString
		payoutStatus, status, escStatus   string
		escrowReleaseDate, autoReleaseAt  sql.NullTime
		shippingAddr, tracking, carrier   sql.NullString
		shippedAt                         sql.NullTime
		dspReason, dspDescription         sql.NullString
		dspOpenedBy, dspExternalID        sql.NullString
		dspOpenedAt                       sql.NullTime
	)

	err := s.Scan(
		&t.ID, &t.BuyerID, &t.SellerID, &t.ItemID,
		&amount, &t.Currency, &t.PlatformFeeBPS, &platformFee, &gatewayFee,
		&sellerPayout, &netRevenue,
		&t.PaymentIntentID, &transferID, &payoutStatus, &payoutFailure,
		&status, &escStatus, &escrowReleaseDate, &autoReleaseAt,
		&shippingAddr, &tracking, &carrier, &shippedAt,
		&dspReason, &dspDescription, &dspOpenedBy,
		&dspOpenedAt, &dspExternalID,
		&t.RatingEnabled, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrTxnNotFound
	}
	if err != nil {
		return nil, err
	}

	t.Amount = money.Amount(amount)
	t.PlatformFee = money.Amount(platformFee)
	t.GatewayFee = money.Amount(gatewayFee)
	t.SellerPayout = money.Amount(sellerPayout)
	t.NetPlatformRevenue = money.Amount(netRevenue)
	t.TransferID = transferID.String
	t.PayoutStatus = PayoutStatus(payoutStatus)
	t.PayoutFailure = payoutFailure.String
	t.Status = Status(status)
	t.EscrowStatus = EscrowStatus(escStatus)
	t.ShippingAddress = shippingAddr.String
	t.TrackingNumber = tracking.String
	t.Carrier = carrier.String
	if escrowReleaseDate.Valid {
		t.EscrowReleaseDate = &escrowReleaseDate.Time
	}
	if autoReleaseAt.Valid {
		t.AutoReleaseDate = &autoReleaseAt.Time
	}
	if shippedAt.Valid {
		t.ShippedAt = &shippedAt.Time
	}
	if dspOpenedAt.Valid {
		t.Dispute = &Dispute{
			Reason:      dspReason.String,
			Description: dspDescription.String,
			OpenedBy:    dspOpenedBy.String,
			OpenedAt:    dspOpenedAt.Time,
			ExternalID:  dspExternalID.String,
		}
	}

	return t, nil
}

func scanTxns(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func disputeField(t *Transaction, get func(*Dispute) string) sql.NullString {
	if t.Dispute == nil {
		return sql.NullString{}
	}
	return nullString(get(t.Dispute))
}

func disputeTime(t *Transaction) sql.NullTime {
	if t.Dispute == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.Dispute.OpenedAt, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
