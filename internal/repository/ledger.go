package repository

import (
	"context"
	"fmt"

	"github.com/ndorokhov/pointmarket/internal/model"
)

// GetBalance возвращает текущий баланс пользователя и сумму, удержанную
// в эскроу по его незавершённым заказам.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (model.Balance, error) {
	var b model.Balance

	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM points_ledger WHERE user_id = $1`,
		userID,
	).Scan(&b.Current)
	if err != nil {
		return model.Balance{}, fmt.Errorf("sum ledger: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`SELECT COALESCE(-SUM(l.delta), 0)
		 FROM points_ledger l
		 JOIN orders o ON o.id = l.order_id
		 WHERE l.user_id = $1
		   AND o.buyer_id = $1
		   AND o.status IN ($2, $3)`,
		userID, string(model.OrderPending), string(model.OrderConfirmed),
	).Scan(&b.Held)
	if err != nil {
		return model.Balance{}, fmt.Errorf("sum held: %w", err)
	}

	return b, nil
}

// GetLedger возвращает историю движений баллов пользователя, новые первыми.
func (r *PostgresRepository) GetLedger(ctx context.Context, userID int64) ([]model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, delta, kind, order_id, created_at
		 FROM points_ledger
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select ledger: %w", err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Delta, &e.Kind, &e.OrderID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return entries, nil
}

// ConfirmTopUp зачисляет подтверждённую покупку баллов. Повторное
// подтверждение той же покупки не создаёт второго зачисления.
func (r *PostgresRepository) ConfirmTopUp(ctx context.Context, userID int64, purchaseID string, amount int64) (bool, error) {
	var credited bool
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		tag, err := tx.Exec(ctx,
			`INSERT INTO topups (purchase_id, user_id, amount) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			purchaseID, userID, amount,
		)
		if err != nil {
			return fmt.Errorf("insert topup: %w", err)
		}

		credited = tag.RowsAffected() == 1
		if !credited {
			return tx.Commit(ctx)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO points_ledger (user_id, delta, kind) VALUES ($1, $2, $3)`,
			userID, amount, string(model.LedgerTopUp),
		); err != nil {
			return fmt.Errorf("insert topup credit: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return false, err
	}
	return credited, nil
}
