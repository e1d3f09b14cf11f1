package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ndorokhov/pointmarket/internal/model"
)

// CreateOffer сохраняет оффер продавца против объявления «куплю».
// Повторный оффер того же продавца отклоняется по уникальному ограничению.
func (r *PostgresRepository) CreateOffer(ctx context.Context, o model.Offer) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO offers (listing_id, seller_id, price_per_unit, quantity, unit, message)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		o.ListingID, o.SellerID, o.PricePerUnit, o.Quantity, o.Unit, o.Message,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, ErrDuplicateOffer
		}
		return 0, fmt.Errorf("insert offer: %w", err)
	}
	return id, nil
}

// GetOffer возвращает оффер по идентификатору.
func (r *PostgresRepository) GetOffer(ctx context.Context, id int64) (*model.Offer, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, listing_id, seller_id, price_per_unit, quantity, unit, message, status, created_at
		 FROM offers WHERE id = $1`,
		id,
	)

	var o model.Offer
	err := row.Scan(&o.ID, &o.ListingID, &o.SellerID, &o.PricePerUnit, &o.Quantity,
		&o.Unit, &o.Message, &o.Status, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOfferNotFound
		}
		return nil, fmt.Errorf("get offer: %w", err)
	}

	return &o, nil
}

// GetOffersForUser возвращает офферы, адресованные объявлениям пользователя,
// и офферы, поданные им самим.
func (r *PostgresRepository) GetOffersForUser(ctx context.Context, userID int64) ([]model.Offer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT o.id, o.listing_id, o.seller_id, o.price_per_unit, o.quantity, o.unit, o.message, o.status, o.created_at
		 FROM offers o
		 JOIN listings l ON l.id = o.listing_id
		 WHERE l.owner_id = $1 OR o.seller_id = $1
		 ORDER BY o.created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select offers: %w", err)
	}
	defer rows.Close()

	var offers []model.Offer
	for rows.Next() {
		var o model.Offer
		if err := rows.Scan(&o.ID, &o.ListingID, &o.SellerID, &o.PricePerUnit, &o.Quantity,
			&o.Unit, &o.Message, &o.Status, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		offers = append(offers, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return offers, nil
}

// DeclineOffer переводит ожидающий оффер в статус declined.
func (r *PostgresRepository) DeclineOffer(ctx context.Context, offerID int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE offers SET status = $1 WHERE id = $2 AND status = $3`,
		string(model.OfferDeclined), offerID, string(model.OfferPending),
	)
	if err != nil {
		return fmt.Errorf("decline offer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOfferNotPending
	}
	return nil
}

// AcceptOffer атомарно принимает оффер: блокирует покупателя, проверяет
// баланс, помечает оффер принятым, создаёт заказ с удержанием эскроу и
// закрывает объявление «куплю».
func (r *PostgresRepository) AcceptOffer(ctx context.Context, offerID int64, o model.Order) (int64, error) {
	var orderID int64
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var dummy int
		if err := tx.QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, o.BuyerID).Scan(&dummy); err != nil {
			return fmt.Errorf("lock buyer: %w", err)
		}

		var status string
		err = tx.QueryRow(ctx, `SELECT status FROM offers WHERE id = $1 FOR UPDATE`, offerID).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOfferNotFound
			}
			return fmt.Errorf("lock offer: %w", err)
		}
		if status != string(model.OfferPending) {
			return ErrOfferNotPending
		}

		balance, err := balanceTx(ctx, tx, o.BuyerID)
		if err != nil {
			return err
		}
		if balance < o.TotalPrice {
			return ErrInsufficientBalance
		}

		if _, err := tx.Exec(ctx,
			`UPDATE offers SET status = $1 WHERE id = $2`,
			string(model.OfferAccepted), offerID,
		); err != nil {
			return fmt.Errorf("accept offer: %w", err)
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO orders (listing_id, offer_id, buyer_id, seller_id, quantity, price_per_unit,
			                     total_price, delivery_address, delivery_date, instructions, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 RETURNING id`,
			o.ListingID, offerID, o.BuyerID, o.SellerID, o.Quantity, o.PricePerUnit,
			o.TotalPrice, o.DeliveryAddress, o.DeliveryDate, o.Instructions, string(model.OrderPending),
		).Scan(&orderID)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for _, d := range o.AdditionalDates {
			if _, err := tx.Exec(ctx,
				`INSERT INTO order_dates (order_id, delivery_date) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				orderID, d,
			); err != nil {
				return fmt.Errorf("insert order date: %w", err)
			}
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO points_ledger (user_id, delta, kind, order_id) VALUES ($1, $2, $3, $4)`,
			o.BuyerID, -o.TotalPrice, string(model.LedgerEscrowHold), orderID,
		); err != nil {
			return fmt.Errorf("insert escrow hold: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE listings SET status = $1 WHERE id = $2 AND status = $3`,
			string(model.ListingSold), o.ListingID, string(model.ListingActive),
		); err != nil {
			return fmt.Errorf("close listing: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return 0, err
	}
	return orderID, nil
}
