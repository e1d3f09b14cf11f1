package service

import (
	"context"

	"github.com/ndorokhov/pointmarket/internal/events"
	"github.com/ndorokhov/pointmarket/internal/model"
	"github.com/ndorokhov/pointmarket/internal/pricing"
	"github.com/ndorokhov/pointmarket/internal/repository"
)

// OrderDraft — сырые поля формы заказа. Количество передаётся текстом:
// поле ввода свободное, разбор выполняет pricing.
type OrderDraft struct {
	Quantity        string   `json:"quantity"`
	DeliveryAddress string   `json:"delivery_address"`
	DeliveryDate    string   `json:"delivery_date"`
	AdditionalDates []string `json:"additional_dates,omitempty"`
	Instructions    string   `json:"instructions,omitempty"`
}

// PreviewOrder валидирует черновик заказа без создания: форма пересчитывает
// итог и баланс на каждом изменении поля.
func (s *Service) PreviewOrder(ctx context.Context, buyerID, listingID int64, draft OrderDraft) (pricing.Intent, pricing.BalanceCheck, error) {
	l, err := s.repo.GetListing(ctx, listingID)
	if err != nil {
		return pricing.Intent{}, pricing.BalanceCheck{}, err
	}
	if l.OwnerID == buyerID {
		return pricing.Intent{}, pricing.BalanceCheck{}, ErrSelfDealing
	}

	balance, err := s.effectiveBalance(ctx, buyerID)
	if err != nil {
		return pricing.Intent{}, pricing.BalanceCheck{}, err
	}

	return pricing.Build(orderDraftFor(l, draft, balance))
}

// CreateOrder валидирует черновик и атомарно создаёт заказ с удержанием эскроу.
func (s *Service) CreateOrder(ctx context.Context, buyerID, listingID int64, draft OrderDraft) (int64, pricing.BalanceCheck, error) {
	l, err := s.repo.GetListing(ctx, listingID)
	if err != nil {
		return 0, pricing.BalanceCheck{}, err
	}
	if l.OwnerID == buyerID {
		return 0, pricing.BalanceCheck{}, ErrSelfDealing
	}
	if l.Status != model.ListingActive {
		return 0, pricing.BalanceCheck{}, repository.ErrListingUnavailable
	}

	balance, err := s.effectiveBalance(ctx, buyerID)
	if err != nil {
		return 0, pricing.BalanceCheck{}, err
	}

	intent, check, err := pricing.Build(orderDraftFor(l, draft, balance))
	if err != nil {
		return 0, pricing.BalanceCheck{}, err
	}

	orderID, err := s.repo.CreateOrder(ctx, model.Order{
		ListingID:       l.ID,
		BuyerID:         buyerID,
		SellerID:        l.OwnerID,
		Quantity:        intent.Quantity,
		PricePerUnit:    intent.PricePerUnit,
		TotalPrice:      intent.TotalPrice,
		DeliveryAddress: intent.DeliveryAddress,
		DeliveryDate:    intent.DeliveryDate,
		AdditionalDates: intent.AdditionalDates,
		Instructions:    intent.Instructions,
	})
	if err != nil {
		return 0, pricing.BalanceCheck{}, err
	}

	s.invalidateFeed(ctx)
	s.publish(ctx, events.Event{
		Type:       events.OrderCreated,
		OrderID:    orderID,
		ListingID:  l.ID,
		BuyerID:    buyerID,
		SellerID:   l.OwnerID,
		TotalPrice: intent.TotalPrice,
	})

	return orderID, check, nil
}

// GetOrder возвращает заказ его покупателю или продавцу.
func (s *Service) GetOrder(ctx context.Context, userID, orderID int64) (*model.Order, error) {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != userID && o.SellerID != userID {
		return nil, repository.ErrOrderNotFound
	}
	return o, nil
}

// GetOrdersByBuyer возвращает заказы покупателя.
func (s *Service) GetOrdersByBuyer(ctx context.Context, buyerID int64) ([]model.Order, error) {
	return s.repo.GetOrdersByBuyer(ctx, buyerID)
}

// ModifyOrder изменяет заказ покупателя, применяя только дельту эскроу.
func (s *Service) ModifyOrder(ctx context.Context, buyerID, orderID int64, draft OrderDraft) (pricing.ModificationDelta, error) {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return pricing.ModificationDelta{}, err
	}
	if o.BuyerID != buyerID {
		return pricing.ModificationDelta{}, repository.ErrOrderNotFound
	}

	l, err := s.repo.GetListing(ctx, o.ListingID)
	if err != nil {
		return pricing.ModificationDelta{}, err
	}

	// Количество, уже зарезервированное этим заказом, доступно для
	// перераспределения при изменении.
	var maxAvailable *float64
	if l.Available != nil {
		max := *l.Available + o.Quantity
		maxAvailable = &max
	}

	balance, err := s.effectiveBalance(ctx, buyerID)
	if err != nil {
		return pricing.ModificationDelta{}, err
	}

	// Эскроу существующего заказа концептуально возвращается на баланс:
	// тогда проверка полной новой стоимости совпадает с проверкой дельты.
	intent, _, err := pricing.Build(pricing.Draft{
		Quantity:        draft.Quantity,
		PricePerUnit:    o.PricePerUnit,
		MaxAvailable:    maxAvailable,
		Unit:            l.Unit,
		DeliveryAddress: draft.DeliveryAddress,
		DeliveryDate:    draft.DeliveryDate,
		Instructions:    draft.Instructions,
		CurrentBalance:  balance + o.TotalPrice,
		Existing: &pricing.ExistingOrder{
			Quantity:        o.Quantity,
			DeliveryAddress: o.DeliveryAddress,
			DeliveryDate:    o.DeliveryDate,
			Instructions:    o.Instructions,
		},
	})
	if err != nil {
		return pricing.ModificationDelta{}, err
	}

	delta := pricing.Delta(o.Quantity, intent.Quantity, o.PricePerUnit)

	err = s.repo.ModifyOrder(ctx, orderID, buyerID, repository.OrderModification{
		Quantity:        intent.Quantity,
		TotalPrice:      intent.TotalPrice,
		NetDelta:        delta.Net(),
		DeliveryAddress: intent.DeliveryAddress,
		DeliveryDate:    intent.DeliveryDate,
		Instructions:    intent.Instructions,
	})
	if err != nil {
		return pricing.ModificationDelta{}, err
	}

	s.invalidateFeed(ctx)
	s.publish(ctx, events.Event{
		Type:       events.OrderModified,
		OrderID:    orderID,
		ListingID:  o.ListingID,
		BuyerID:    o.BuyerID,
		SellerID:   o.SellerID,
		TotalPrice: intent.TotalPrice,
	})

	return delta, nil
}

// CancelOrder отменяет заказ покупателя с полным возвратом эскроу.
func (s *Service) CancelOrder(ctx context.Context, buyerID, orderID int64) error {
	// Данные для события читаются до отмены: после успешного изменения
	// заказ уже отменён, и сбой чтения не должен выглядеть как отказ.
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.BuyerID != buyerID {
		return repository.ErrOrderNotFound
	}

	if err := s.repo.CancelOrder(ctx, orderID, buyerID); err != nil {
		return err
	}

	s.invalidateFeed(ctx)
	s.publish(ctx, events.Event{
		Type:       events.OrderCancelled,
		OrderID:    orderID,
		ListingID:  o.ListingID,
		BuyerID:    o.BuyerID,
		SellerID:   o.SellerID,
		TotalPrice: o.TotalPrice,
	})
	return nil
}

// CompleteOrder завершает заказ: покупатель подтверждает получение.
func (s *Service) CompleteOrder(ctx context.Context, buyerID, orderID int64) error {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.BuyerID != buyerID {
		return repository.ErrOrderNotFound
	}

	if err := s.repo.CompleteOrder(ctx, orderID, buyerID); err != nil {
		return err
	}

	s.publish(ctx, events.Event{
		Type:       events.OrderCompleted,
		OrderID:    orderID,
		ListingID:  o.ListingID,
		BuyerID:    o.BuyerID,
		SellerID:   o.SellerID,
		TotalPrice: o.TotalPrice,
	})
	return nil
}

// CreateOffer подаёт оффер продавца против объявления «куплю».
func (s *Service) CreateOffer(ctx context.Context, sellerID, listingID int64, o model.Offer) (int64, error) {
	l, err := s.repo.GetListing(ctx, listingID)
	if err != nil {
		return 0, err
	}
	if l.OwnerID == sellerID {
		return 0, ErrSelfDealing
	}
	if l.Kind != model.ListingBuy || l.Status != model.ListingActive {
		return 0, repository.ErrListingUnavailable
	}
	if o.Quantity <= 0 || o.PricePerUnit < 0 {
		return 0, ErrInvalidListing
	}

	o.ListingID = listingID
	o.SellerID = sellerID
	return s.repo.CreateOffer(ctx, o)
}

// GetOffersForUser возвращает офферы пользователя: поданные им и адресованные
// его объявлениям.
func (s *Service) GetOffersForUser(ctx context.Context, userID int64) ([]model.Offer, error) {
	return s.repo.GetOffersForUser(ctx, userID)
}

// DeclineOffer отклоняет оффер. Доступно только владельцу объявления.
func (s *Service) DeclineOffer(ctx context.Context, userID, offerID int64) error {
	if _, err := s.offerForListingOwner(ctx, userID, offerID); err != nil {
		return err
	}
	return s.repo.DeclineOffer(ctx, offerID)
}

// AcceptOffer принимает оффер: валидирует черновик заказа и атомарно
// создаёт заказ с удержанием эскроу у владельца объявления.
func (s *Service) AcceptOffer(ctx context.Context, buyerID, offerID int64, draft OrderDraft) (int64, pricing.BalanceCheck, error) {
	offer, err := s.offerForListingOwner(ctx, buyerID, offerID)
	if err != nil {
		return 0, pricing.BalanceCheck{}, err
	}
	if offer.Status != model.OfferPending {
		return 0, pricing.BalanceCheck{}, repository.ErrOfferNotPending
	}

	balance, err := s.effectiveBalance(ctx, buyerID)
	if err != nil {
		return 0, pricing.BalanceCheck{}, err
	}

	maxAvailable := offer.Quantity
	intent, check, err := pricing.Build(pricing.Draft{
		Quantity:        draft.Quantity,
		PricePerUnit:    offer.PricePerUnit,
		MaxAvailable:    &maxAvailable,
		Unit:            offer.Unit,
		DeliveryAddress: draft.DeliveryAddress,
		DeliveryDate:    draft.DeliveryDate,
		AdditionalDates: draft.AdditionalDates,
		Instructions:    draft.Instructions,
		CurrentBalance:  balance,
	})
	if err != nil {
		return 0, pricing.BalanceCheck{}, err
	}

	orderID, err := s.repo.AcceptOffer(ctx, offerID, model.Order{
		ListingID:       offer.ListingID,
		BuyerID:         buyerID,
		SellerID:        offer.SellerID,
		Quantity:        intent.Quantity,
		PricePerUnit:    intent.PricePerUnit,
		TotalPrice:      intent.TotalPrice,
		DeliveryAddress: intent.DeliveryAddress,
		DeliveryDate:    intent.DeliveryDate,
		AdditionalDates: intent.AdditionalDates,
		Instructions:    intent.Instructions,
	})
	if err != nil {
		return 0, pricing.BalanceCheck{}, err
	}

	s.invalidateFeed(ctx)
	s.publish(ctx, events.Event{
		Type:       events.OfferAccepted,
		OrderID:    orderID,
		OfferID:    offerID,
		ListingID:  offer.ListingID,
		BuyerID:    buyerID,
		SellerID:   offer.SellerID,
		TotalPrice: intent.TotalPrice,
	})

	return orderID, check, nil
}

func (s *Service) offerForListingOwner(ctx context.Context, userID, offerID int64) (*model.Offer, error) {
	offer, err := s.repo.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}

	l, err := s.repo.GetListing(ctx, offer.ListingID)
	if err != nil {
		return nil, err
	}
	if l.OwnerID != userID {
		return nil, ErrForbidden
	}
	if offer.SellerID == userID {
		return nil, ErrSelfDealing
	}

	return offer, nil
}

func orderDraftFor(l *model.Listing, draft OrderDraft, balance int64) pricing.Draft {
	return pricing.Draft{
		Quantity:        draft.Quantity,
		PricePerUnit:    l.PricePerUnit,
		MaxAvailable:    l.Available,
		Unit:            l.Unit,
		DeliveryAddress: draft.DeliveryAddress,
		DeliveryDate:    draft.DeliveryDate,
		Instructions:    draft.Instructions,
		CurrentBalance:  balance,
	}
}
