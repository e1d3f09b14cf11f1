package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ndorokhov/pointmarket/internal/model"
)

// OrderModification описывает применяемое изменение заказа: новые поля
// и подписанную дельту эскроу (положительная — возврат покупателю).
type OrderModification struct {
	Quantity        float64
	TotalPrice      int64
	NetDelta        int64
	DeliveryAddress string
	DeliveryDate    time.Time
	Instructions    string
}

// CreateOrder атомарно создаёт заказ: блокирует покупателя, проверяет баланс,
// удерживает эскроу в книге баллов и списывает количество с объявления.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o model.Order) (int64, error) {
	var orderID int64
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		// Блокировка покупателя сериализует списания с его баланса.
		var dummy int
		if err := tx.QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, o.BuyerID).Scan(&dummy); err != nil {
			return fmt.Errorf("lock buyer: %w", err)
		}

		var available *float64
		var status string
		err = tx.QueryRow(ctx,
			`SELECT available, status FROM listings WHERE id = $1 FOR UPDATE`,
			o.ListingID,
		).Scan(&available, &status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrListingNotFound
			}
			return fmt.Errorf("lock listing: %w", err)
		}

		if status != string(model.ListingActive) {
			return ErrListingUnavailable
		}
		if available != nil && o.Quantity > *available {
			return ErrListingUnavailable
		}

		balance, err := balanceTx(ctx, tx, o.BuyerID)
		if err != nil {
			return err
		}
		if balance < o.TotalPrice {
			return ErrInsufficientBalance
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO orders (listing_id, offer_id, buyer_id, seller_id, quantity, price_per_unit,
			                     total_price, delivery_address, delivery_date, instructions, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 RETURNING id`,
			o.ListingID, o.OfferID, o.BuyerID, o.SellerID, o.Quantity, o.PricePerUnit,
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

		if available != nil {
			if err := adjustListingAvailability(ctx, tx, o.ListingID, -o.Quantity); err != nil {
				return err
			}
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return 0, err
	}
	return orderID, nil
}

// ModifyOrder применяет изменение заказа, списывая или возвращая только
// дельту эскроу, а не полную новую стоимость.
func (r *PostgresRepository) ModifyOrder(ctx context.Context, orderID, buyerID int64, m OrderModification) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var dummy int
		if err := tx.QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, buyerID).Scan(&dummy); err != nil {
			return fmt.Errorf("lock buyer: %w", err)
		}

		var (
			listingID   int64
			oldQuantity float64
			status      string
		)
		err = tx.QueryRow(ctx,
			`SELECT listing_id, quantity, status FROM orders WHERE id = $1 AND buyer_id = $2 FOR UPDATE`,
			orderID, buyerID,
		).Scan(&listingID, &oldQuantity, &status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrderNotFound
			}
			return fmt.Errorf("lock order: %w", err)
		}
		if status != string(model.OrderPending) && status != string(model.OrderConfirmed) {
			return ErrOrderNotModifiable
		}

		if m.NetDelta < 0 {
			balance, err := balanceTx(ctx, tx, buyerID)
			if err != nil {
				return err
			}
			if balance+m.NetDelta < 0 {
				return ErrInsufficientBalance
			}
		}

		if m.NetDelta != 0 {
			kind := model.LedgerEscrowRefund
			if m.NetDelta < 0 {
				kind = model.LedgerEscrowHold
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO points_ledger (user_id, delta, kind, order_id) VALUES ($1, $2, $3, $4)`,
				buyerID, m.NetDelta, string(kind), orderID,
			); err != nil {
				return fmt.Errorf("insert escrow delta: %w", err)
			}
		}

		if qtyDelta := oldQuantity - m.Quantity; qtyDelta != 0 {
			if err := adjustListingAvailability(ctx, tx, listingID, qtyDelta); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE orders
			 SET quantity = $1, total_price = $2, delivery_address = $3, delivery_date = $4, instructions = $5
			 WHERE id = $6`,
			m.Quantity, m.TotalPrice, m.DeliveryAddress, m.DeliveryDate, m.Instructions, orderID,
		); err != nil {
			return fmt.Errorf("update order: %w", err)
		}

		return tx.Commit(ctx)
	})
}

// CancelOrder отменяет заказ покупателя: возвращает весь эскроу и
// восстанавливает количество в объявлении.
func (r *PostgresRepository) CancelOrder(ctx context.Context, orderID, buyerID int64) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var (
			listingID int64
			quantity  float64
			total     int64
			status    string
		)
		err = tx.QueryRow(ctx,
			`SELECT listing_id, quantity, total_price, status FROM orders WHERE id = $1 AND buyer_id = $2 FOR UPDATE`,
			orderID, buyerID,
		).Scan(&listingID, &quantity, &total, &status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrderNotFound
			}
			return fmt.Errorf("lock order: %w", err)
		}
		if status != string(model.OrderPending) && status != string(model.OrderConfirmed) {
			return ErrOrderNotModifiable
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO points_ledger (user_id, delta, kind, order_id) VALUES ($1, $2, $3, $4)`,
			buyerID, total, string(model.LedgerEscrowRefund), orderID,
		); err != nil {
			return fmt.Errorf("insert escrow refund: %w", err)
		}

		if err := adjustListingAvailability(ctx, tx, listingID, quantity); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE orders SET status = $1 WHERE id = $2`,
			string(model.OrderCancelled), orderID,
		); err != nil {
			return fmt.Errorf("update order status: %w", err)
		}

		return tx.Commit(ctx)
	})
}

// CompleteOrder завершает заказ: покупатель подтверждает получение,
// продавцу зачисляется стоимость заказа.
func (r *PostgresRepository) CompleteOrder(ctx context.Context, orderID, buyerID int64) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var (
			sellerID int64
			total    int64
			status   string
		)
		err = tx.QueryRow(ctx,
			`SELECT seller_id, total_price, status FROM orders WHERE id = $1 AND buyer_id = $2 FOR UPDATE`,
			orderID, buyerID,
		).Scan(&sellerID, &total, &status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrderNotFound
			}
			return fmt.Errorf("lock order: %w", err)
		}
		if status != string(model.OrderPending) && status != string(model.OrderConfirmed) {
			return ErrOrderNotModifiable
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO points_ledger (user_id, delta, kind, order_id) VALUES ($1, $2, $3, $4)`,
			sellerID, total, string(model.LedgerSaleCredit), orderID,
		); err != nil {
			return fmt.Errorf("insert sale credit: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE orders SET status = $1 WHERE id = $2`,
			string(model.OrderCompleted), orderID,
		); err != nil {
			return fmt.Errorf("update order status: %w", err)
		}

		return tx.Commit(ctx)
	})
}

// GetOrder возвращает заказ вместе с дополнительными датами доставки.
func (r *PostgresRepository) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, listing_id, offer_id, buyer_id, seller_id, quantity, price_per_unit,
		        total_price, delivery_address, delivery_date, instructions, status, created_at
		 FROM orders WHERE id = $1`,
		id,
	)

	var o model.Order
	err := row.Scan(&o.ID, &o.ListingID, &o.OfferID, &o.BuyerID, &o.SellerID, &o.Quantity,
		&o.PricePerUnit, &o.TotalPrice, &o.DeliveryAddress, &o.DeliveryDate,
		&o.Instructions, &o.Status, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT delivery_date FROM order_dates WHERE order_id = $1 ORDER BY delivery_date`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("select order dates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan order date: %w", err)
		}
		o.AdditionalDates = append(o.AdditionalDates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &o, nil
}

// GetOrdersByBuyer возвращает заказы покупателя, новые первыми.
func (r *PostgresRepository) GetOrdersByBuyer(ctx context.Context, buyerID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, listing_id, offer_id, buyer_id, seller_id, quantity, price_per_unit,
		        total_price, delivery_address, delivery_date, instructions, status, created_at
		 FROM orders
		 WHERE buyer_id = $1
		 ORDER BY created_at DESC`,
		buyerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		if err := rows.Scan(&o.ID, &o.ListingID, &o.OfferID, &o.BuyerID, &o.SellerID, &o.Quantity,
			&o.PricePerUnit, &o.TotalPrice, &o.DeliveryAddress, &o.DeliveryDate,
			&o.Instructions, &o.Status, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// adjustListingAvailability изменяет доступное количество объявления внутри
// транзакции и синхронизирует статус active/sold. Объявления без ограничения
// количества (available IS NULL) не трогаются.
func adjustListingAvailability(ctx context.Context, tx pgx.Tx, listingID int64, delta float64) error {
	var available *float64
	err := tx.QueryRow(ctx,
		`SELECT available FROM listings WHERE id = $1 FOR UPDATE`,
		listingID,
	).Scan(&available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrListingNotFound
		}
		return fmt.Errorf("lock listing: %w", err)
	}
	if available == nil {
		return nil
	}

	next := *available + delta
	if next < 0 {
		return ErrListingUnavailable
	}

	status := model.ListingActive
	if next == 0 {
		status = model.ListingSold
	}

	if _, err := tx.Exec(ctx,
		`UPDATE listings SET available = $1, status = $2 WHERE id = $3 AND status <> $4`,
		next, string(status), listingID, string(model.ListingRemoved),
	); err != nil {
		return fmt.Errorf("update listing availability: %w", err)
	}
	return nil
}

// balanceTx возвращает баланс пользователя как сумму движений книги баллов
// в рамках открытой транзакции.
func balanceTx(ctx context.Context, tx pgx.Tx, userID int64) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM points_ledger WHERE user_id = $1`,
		userID,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("sum ledger: %w", err)
	}
	return balance, nil
}
