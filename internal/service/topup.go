package service

import (
	"context"
	"net/http"
	"time"

	"github.com/ndorokhov/pointmarket/internal/model"
	"github.com/ndorokhov/pointmarket/internal/points"
)

const reconcileInterval = 2 * time.Second

// pendingPurchase — покупка баллов, подтверждение которой от провайдера ещё
// не получено. До подтверждения сумма оптимистично учитывается в балансе.
type pendingPurchase struct {
	ID     string
	Amount int64
}

// RequestTopUp инициирует покупку баллов у провайдера. Подтверждённая сразу
// покупка зачисляется в леджер, остальные учитываются оптимистично до
// сверки фоновым опросом.
func (s *Service) RequestTopUp(ctx context.Context, userID, amount int64) (*points.Purchase, error) {
	if amount <= 0 {
		return nil, ErrInvalidListing
	}

	p, err := s.provider.CreatePurchase(ctx, userID, amount)
	if err != nil {
		return nil, err
	}

	switch p.Status {
	case points.PurchaseConfirmed:
		if _, err := s.repo.ConfirmTopUp(ctx, userID, p.ID, p.Amount); err != nil {
			return nil, err
		}
	case points.PurchasePending:
		s.mu.Lock()
		s.pending[userID] = append(s.pending[userID], pendingPurchase{ID: p.ID, Amount: p.Amount})
		s.mu.Unlock()
	}

	return p, nil
}

// Balance возвращает баланс пользователя с учётом оптимистично зачисленных
// покупок, ещё не подтверждённых провайдером.
func (s *Service) Balance(ctx context.Context, userID int64) (model.Balance, error) {
	b, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return model.Balance{}, err
	}
	b.Current += s.pendingAmount(userID)
	return b, nil
}

// Ledger возвращает историю движений баллов пользователя.
func (s *Service) Ledger(ctx context.Context, userID int64) ([]model.LedgerEntry, error) {
	return s.repo.GetLedger(ctx, userID)
}

// effectiveBalance — баланс для проверок при создании и изменении заказов,
// включая оптимистичные зачисления.
func (s *Service) effectiveBalance(ctx context.Context, userID int64) (int64, error) {
	b, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	return b.Current + s.pendingAmount(userID), nil
}

func (s *Service) pendingAmount(userID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, p := range s.pending[userID] {
		total += p.Amount
	}
	return total
}

// StartTopUpReconciliation запускает фоновую сверку оптимистичных зачислений
// с провайдером. Блокируется до отмены контекста.
func (s *Service) StartTopUpReconciliation(ctx context.Context) error {
	if s.provider == nil {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if pause := s.reconcileOnce(ctx); pause > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(pause):
				}
			}
		}
	}
}

// reconcileOnce опрашивает провайдера по всем ожидающим покупкам. Возвращает
// паузу из Retry-After, если провайдер ограничил частоту запросов.
func (s *Service) reconcileOnce(ctx context.Context) time.Duration {
	s.mu.Lock()
	snapshot := make(map[int64][]pendingPurchase, len(s.pending))
	for userID, purchases := range s.pending {
		snapshot[userID] = append([]pendingPurchase(nil), purchases...)
	}
	s.mu.Unlock()

	for userID, purchases := range snapshot {
		for _, pp := range purchases {
			p, code, retryAfter, err := s.provider.GetPurchase(ctx, pp.ID)
			if err != nil {
				s.logger.Warnw("purchase status check failed", "purchase", pp.ID, "error", err)
				continue
			}
			if code == http.StatusTooManyRequests {
				return retryAfter
			}
			if p == nil {
				continue
			}

			switch p.Status {
			case points.PurchaseConfirmed:
				credited, err := s.repo.ConfirmTopUp(ctx, userID, pp.ID, pp.Amount)
				if err != nil {
					s.logger.Errorw("top-up credit failed", "purchase", pp.ID, "error", err)
					continue
				}
				if credited {
					s.logger.Infow("top-up credited", "user", userID, "purchase", pp.ID, "amount", pp.Amount)
				}
				s.dropPending(userID, pp.ID)
			case points.PurchaseRejected:
				s.logger.Infow("top-up rejected by provider", "user", userID, "purchase", pp.ID)
				s.dropPending(userID, pp.ID)
			}
		}
	}
	return 0
}

func (s *Service) dropPending(userID int64, purchaseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purchases := s.pending[userID]
	for i, p := range purchases {
		if p.ID == purchaseID {
			s.pending[userID] = append(purchases[:i], purchases[i+1:]...)
			break
		}
	}
	if len(s.pending[userID]) == 0 {
		delete(s.pending, userID)
	}
}
