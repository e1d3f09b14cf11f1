package service

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ndorokhov/pointmarket/internal/events"
	"github.com/ndorokhov/pointmarket/internal/model"
	"github.com/ndorokhov/pointmarket/internal/points"
	"github.com/ndorokhov/pointmarket/internal/pricing"
	"github.com/ndorokhov/pointmarket/internal/repository"
)

type stubRepo struct {
	createUserID  int64
	createUserErr error

	user    *model.User
	userErr error

	listing    *model.Listing
	listingErr error
	feed       []model.Listing

	order    *model.Order
	orderErr error

	createOrderID  int64
	createOrderErr error

	modification     *repository.OrderModification
	modifyOrderErr   error
	cancelOrderErr   error
	completeOrderErr error

	offer    *model.Offer
	offerErr error

	acceptOfferID  int64
	acceptOfferErr error

	balance    model.Balance
	balanceErr error

	confirmedTopUps map[string]int64
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	return s.createUserID, s.createUserErr
}

func (s *stubRepo) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	return s.user, s.userErr
}

func (s *stubRepo) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return s.user, s.userErr
}

func (s *stubRepo) CreateListing(ctx context.Context, l model.Listing) (int64, error) {
	return 1, nil
}

func (s *stubRepo) GetListing(ctx context.Context, id int64) (*model.Listing, error) {
	return s.listing, s.listingErr
}

func (s *stubRepo) GetFeed(ctx context.Context, limit int) ([]model.Listing, error) {
	return s.feed, nil
}

func (s *stubRepo) UpdateListingStatus(ctx context.Context, id int64, status model.ListingStatus) error {
	return nil
}

func (s *stubRepo) CreateOrder(ctx context.Context, o model.Order) (int64, error) {
	return s.createOrderID, s.createOrderErr
}

func (s *stubRepo) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	return s.order, s.orderErr
}

func (s *stubRepo) GetOrdersByBuyer(ctx context.Context, buyerID int64) ([]model.Order, error) {
	return nil, nil
}

func (s *stubRepo) ModifyOrder(ctx context.Context, orderID, buyerID int64, m repository.OrderModification) error {
	s.modification = &m
	return s.modifyOrderErr
}

func (s *stubRepo) CancelOrder(ctx context.Context, orderID, buyerID int64) error {
	return s.cancelOrderErr
}

func (s *stubRepo) CompleteOrder(ctx context.Context, orderID, buyerID int64) error {
	return s.completeOrderErr
}

func (s *stubRepo) CreateOffer(ctx context.Context, o model.Offer) (int64, error) {
	return 1, nil
}

func (s *stubRepo) GetOffer(ctx context.Context, id int64) (*model.Offer, error) {
	return s.offer, s.offerErr
}

func (s *stubRepo) GetOffersForUser(ctx context.Context, userID int64) ([]model.Offer, error) {
	return nil, nil
}

func (s *stubRepo) DeclineOffer(ctx context.Context, offerID int64) error { return nil }

func (s *stubRepo) AcceptOffer(ctx context.Context, offerID int64, o model.Order) (int64, error) {
	return s.acceptOfferID, s.acceptOfferErr
}

func (s *stubRepo) CreateComment(ctx context.Context, c model.Comment) (int64, error) {
	return 1, nil
}

func (s *stubRepo) GetComments(ctx context.Context, listingID int64) ([]model.Comment, error) {
	return nil, nil
}

func (s *stubRepo) CreateFlag(ctx context.Context, f model.Flag) (int64, error) { return 1, nil }

func (s *stubRepo) GetOpenFlags(ctx context.Context) ([]model.Flag, error) { return nil, nil }

func (s *stubRepo) ResolveFlag(ctx context.Context, flagID, staffID int64, status model.FlagStatus) error {
	return nil
}

func (s *stubRepo) GetBalance(ctx context.Context, userID int64) (model.Balance, error) {
	return s.balance, s.balanceErr
}

func (s *stubRepo) GetLedger(ctx context.Context, userID int64) ([]model.LedgerEntry, error) {
	return nil, nil
}

func (s *stubRepo) ConfirmTopUp(ctx context.Context, userID int64, purchaseID string, amount int64) (bool, error) {
	if s.confirmedTopUps == nil {
		s.confirmedTopUps = make(map[string]int64)
	}
	if _, ok := s.confirmedTopUps[purchaseID]; ok {
		return false, nil
	}
	s.confirmedTopUps[purchaseID] = amount
	return true, nil
}

type stubProvider struct {
	created    *points.Purchase
	createErr  error
	fetched    *points.Purchase
	fetchCode  int
	fetchRetry time.Duration
}

func (s *stubProvider) CreatePurchase(ctx context.Context, userID, amount int64) (*points.Purchase, error) {
	return s.created, s.createErr
}

func (s *stubProvider) GetPurchase(ctx context.Context, purchaseID string) (*points.Purchase, int, time.Duration, error) {
	return s.fetched, s.fetchCode, s.fetchRetry, nil
}

func newTestService(repo Repository, provider PointsProvider) *Service {
	return NewService(repo, nil, nil, provider, zap.NewNop().Sugar())
}

func tomorrow() string {
	return time.Now().AddDate(0, 0, 1).Format(pricing.DateLayout)
}

func TestRegisterUser_PropagatesDuplicateError(t *testing.T) {
	repo := &stubRepo{createUserErr: repository.ErrUserExists}
	svc := newTestService(repo, nil)

	_, err := svc.RegisterUser(context.Background(), "login", "pass")
	if !errors.Is(err, repository.ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestAuthenticateUser_InvalidCredentials(t *testing.T) {
	repo := &stubRepo{userErr: repository.ErrUserNotFound}
	svc := newTestService(repo, nil)

	_, err := svc.AuthenticateUser(context.Background(), "user", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestCreateListing_RejectsInvalidDraft(t *testing.T) {
	svc := newTestService(&stubRepo{}, nil)

	cases := []model.Listing{
		{Kind: "auction", Title: "x", PricePerUnit: 1},
		{Kind: model.ListingSell, Title: "  ", PricePerUnit: 1},
		{Kind: model.ListingSell, Title: "x", PricePerUnit: -1},
	}
	for _, l := range cases {
		if _, err := svc.CreateListing(context.Background(), 1, l); !errors.Is(err, ErrInvalidListing) {
			t.Fatalf("listing %+v: expected ErrInvalidListing, got %v", l, err)
		}
	}
}

func TestCreateOrder_SelfDealing(t *testing.T) {
	repo := &stubRepo{
		listing: &model.Listing{ID: 5, OwnerID: 1, Status: model.ListingActive},
	}
	svc := newTestService(repo, nil)

	_, _, err := svc.CreateOrder(context.Background(), 1, 5, OrderDraft{})
	if !errors.Is(err, ErrSelfDealing) {
		t.Fatalf("expected ErrSelfDealing, got %v", err)
	}
}

func TestCreateOrder_ExactBalance(t *testing.T) {
	repo := &stubRepo{
		listing: &model.Listing{
			ID:           5,
			OwnerID:      2,
			Kind:         model.ListingSell,
			PricePerUnit: 5,
			Status:       model.ListingActive,
		},
		balance:       model.Balance{Current: 100},
		createOrderID: 42,
	}
	svc := newTestService(repo, nil)

	id, check, err := svc.CreateOrder(context.Background(), 1, 5, OrderDraft{
		Quantity:        "20",
		DeliveryAddress: "pickup point 7",
		DeliveryDate:    tomorrow(),
	})
	if err != nil {
		t.Fatalf("CreateOrder error: %v", err)
	}
	if id != 42 {
		t.Fatalf("order id = %d, want 42", id)
	}
	if check.TotalPrice != 100 || check.BalanceAfter != 0 {
		t.Fatalf("check = %+v, want total 100 and zero remainder", check)
	}
}

func TestCreateOrder_InsufficientBalance(t *testing.T) {
	repo := &stubRepo{
		listing: &model.Listing{
			ID:           5,
			OwnerID:      2,
			Kind:         model.ListingSell,
			PricePerUnit: 5,
			Status:       model.ListingActive,
		},
		balance: model.Balance{Current: 10},
	}
	svc := newTestService(repo, nil)

	_, _, err := svc.CreateOrder(context.Background(), 1, 5, OrderDraft{
		Quantity:        "5",
		DeliveryAddress: "pickup point 7",
		DeliveryDate:    tomorrow(),
	})

	var verr *pricing.ValidationError
	if !errors.As(err, &verr) || !verr.Has(pricing.FailureInsufficientBalance) {
		t.Fatalf("expected insufficient balance failure, got %v", err)
	}
	if verr.Failures[0].Shortfall != 15 {
		t.Fatalf("shortfall = %d, want 15", verr.Failures[0].Shortfall)
	}
}

func TestModifyOrder_RefundsDelta(t *testing.T) {
	repo := &stubRepo{
		listing: &model.Listing{
			ID:           5,
			OwnerID:      2,
			Kind:         model.ListingSell,
			PricePerUnit: 5,
			Status:       model.ListingActive,
		},
		order: &model.Order{
			ID:              9,
			ListingID:       5,
			BuyerID:         1,
			SellerID:        2,
			Quantity:        10,
			PricePerUnit:    5,
			TotalPrice:      50,
			DeliveryAddress: "pickup point 7",
			Status:          model.OrderPending,
		},
		balance: model.Balance{Current: 0},
	}
	svc := newTestService(repo, nil)

	delta, err := svc.ModifyOrder(context.Background(), 1, 9, OrderDraft{
		Quantity:        "6",
		DeliveryAddress: "pickup point 7",
		DeliveryDate:    tomorrow(),
	})
	if err != nil {
		t.Fatalf("ModifyOrder error: %v", err)
	}
	if delta.RefundAmount != 20 || delta.AdditionalCost != 0 {
		t.Fatalf("delta = %+v, want refund 20", delta)
	}
	if repo.modification == nil || repo.modification.NetDelta != 20 {
		t.Fatalf("modification = %+v, want net delta +20", repo.modification)
	}
}

func TestModifyOrder_ChargesOnlyDelta(t *testing.T) {
	// Баланс покрывает доплату за рост заказа, но не его полную стоимость.
	repo := &stubRepo{
		listing: &model.Listing{
			ID:           5,
			OwnerID:      2,
			Kind:         model.ListingSell,
			PricePerUnit: 5,
			Status:       model.ListingActive,
		},
		order: &model.Order{
			ID:              9,
			ListingID:       5,
			BuyerID:         1,
			SellerID:        2,
			Quantity:        10,
			PricePerUnit:    5,
			TotalPrice:      50,
			DeliveryAddress: "pickup point 7",
			Status:          model.OrderPending,
		},
		balance: model.Balance{Current: 20},
	}
	svc := newTestService(repo, nil)

	delta, err := svc.ModifyOrder(context.Background(), 1, 9, OrderDraft{
		Quantity:        "14",
		DeliveryAddress: "pickup point 7",
		DeliveryDate:    tomorrow(),
	})
	if err != nil {
		t.Fatalf("ModifyOrder error: %v", err)
	}
	if delta.AdditionalCost != 20 || delta.RefundAmount != 0 {
		t.Fatalf("delta = %+v, want additional cost 20", delta)
	}
	if repo.modification == nil || repo.modification.NetDelta != -20 {
		t.Fatalf("modification = %+v, want net delta -20", repo.modification)
	}
}

func TestModifyOrder_NoChanges(t *testing.T) {
	date := time.Now().AddDate(0, 0, 1)
	repo := &stubRepo{
		listing: &model.Listing{
			ID:           5,
			OwnerID:      2,
			Kind:         model.ListingSell,
			PricePerUnit: 5,
			Status:       model.ListingActive,
		},
		order: &model.Order{
			ID:              9,
			ListingID:       5,
			BuyerID:         1,
			SellerID:        2,
			Quantity:        10,
			PricePerUnit:    5,
			TotalPrice:      50,
			DeliveryAddress: "pickup point 7",
			DeliveryDate:    date,
			Status:          model.OrderPending,
		},
		balance: model.Balance{Current: 0},
	}
	svc := newTestService(repo, nil)

	_, err := svc.ModifyOrder(context.Background(), 1, 9, OrderDraft{
		Quantity:        "10",
		DeliveryAddress: "pickup point 7",
		DeliveryDate:    date.Format(pricing.DateLayout),
	})

	var verr *pricing.ValidationError
	if !errors.As(err, &verr) || !verr.Has(pricing.FailureNoChanges) {
		t.Fatalf("expected no_changes failure, got %v", err)
	}
}

func TestModifyOrder_ForeignOrderHidden(t *testing.T) {
	repo := &stubRepo{
		order: &model.Order{ID: 9, BuyerID: 2, Status: model.OrderPending},
	}
	svc := newTestService(repo, nil)

	_, err := svc.ModifyOrder(context.Background(), 1, 9, OrderDraft{})
	if !errors.Is(err, repository.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for foreign order, got %v", err)
	}
}

func TestCreateOffer_OnlyAgainstBuyListings(t *testing.T) {
	repo := &stubRepo{
		listing: &model.Listing{ID: 5, OwnerID: 2, Kind: model.ListingSell, Status: model.ListingActive},
	}
	svc := newTestService(repo, nil)

	_, err := svc.CreateOffer(context.Background(), 1, 5, model.Offer{Quantity: 1, PricePerUnit: 1})
	if !errors.Is(err, repository.ErrListingUnavailable) {
		t.Fatalf("expected ErrListingUnavailable, got %v", err)
	}
}

func TestAcceptOffer_OnlyListingOwner(t *testing.T) {
	repo := &stubRepo{
		offer:   &model.Offer{ID: 3, ListingID: 5, SellerID: 2, Status: model.OfferPending},
		listing: &model.Listing{ID: 5, OwnerID: 7, Kind: model.ListingBuy, Status: model.ListingActive},
	}
	svc := newTestService(repo, nil)

	_, _, err := svc.AcceptOffer(context.Background(), 1, 3, OrderDraft{})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

// lossyReadRepo теряет соединение на чтениях после успешной отмены заказа.
type lossyReadRepo struct {
	stubRepo
	cancelled bool
}

func (r *lossyReadRepo) CancelOrder(ctx context.Context, orderID, buyerID int64) error {
	r.cancelled = true
	return nil
}

func (r *lossyReadRepo) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	if r.cancelled {
		return nil, errors.New("connection lost")
	}
	return r.stubRepo.GetOrder(ctx, id)
}

func TestCancelOrder_SucceedsWhenReadFailsAfterCancel(t *testing.T) {
	repo := &lossyReadRepo{
		stubRepo: stubRepo{
			order: &model.Order{ID: 9, ListingID: 5, BuyerID: 1, SellerID: 2, TotalPrice: 50, Status: model.OrderPending},
		},
	}
	svc := newTestService(repo, nil)

	if err := svc.CancelOrder(context.Background(), 1, 9); err != nil {
		t.Fatalf("CancelOrder error: %v", err)
	}
	if !repo.cancelled {
		t.Fatalf("order was not cancelled")
	}
}

type capturingPublisher struct {
	published []events.Event
}

func (p *capturingPublisher) Publish(ctx context.Context, e events.Event) error {
	p.published = append(p.published, e)
	return nil
}

func TestCancelOrder_PublishesPreCancelTotal(t *testing.T) {
	repo := &stubRepo{
		order: &model.Order{ID: 9, ListingID: 5, BuyerID: 1, SellerID: 2, TotalPrice: 50, Status: model.OrderPending},
	}
	pub := &capturingPublisher{}
	svc := NewService(repo, nil, pub, nil, zap.NewNop().Sugar())

	if err := svc.CancelOrder(context.Background(), 1, 9); err != nil {
		t.Fatalf("CancelOrder error: %v", err)
	}

	if len(pub.published) != 1 {
		t.Fatalf("published %d events, want 1", len(pub.published))
	}
	e := pub.published[0]
	if e.Type != events.OrderCancelled || e.TotalPrice != 50 {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestCompleteOrder_ForeignOrderHidden(t *testing.T) {
	repo := &stubRepo{
		order: &model.Order{ID: 9, BuyerID: 2, Status: model.OrderPending},
	}
	svc := newTestService(repo, nil)

	if err := svc.CompleteOrder(context.Background(), 1, 9); !errors.Is(err, repository.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for foreign order, got %v", err)
	}
}

func TestRequestTopUp_PendingCountsTowardBalance(t *testing.T) {
	repo := &stubRepo{balance: model.Balance{Current: 30}}
	provider := &stubProvider{
		created: &points.Purchase{ID: "p-1", UserID: 1, Amount: 70, Status: points.PurchasePending},
	}
	svc := newTestService(repo, provider)

	if _, err := svc.RequestTopUp(context.Background(), 1, 70); err != nil {
		t.Fatalf("RequestTopUp error: %v", err)
	}

	b, err := svc.Balance(context.Background(), 1)
	if err != nil {
		t.Fatalf("Balance error: %v", err)
	}
	if b.Current != 100 {
		t.Fatalf("Current = %d, want 100 with optimistic top-up", b.Current)
	}
}

func TestReconcileOnce_CreditsConfirmedPurchase(t *testing.T) {
	repo := &stubRepo{balance: model.Balance{Current: 0}}
	provider := &stubProvider{
		created: &points.Purchase{ID: "p-1", UserID: 1, Amount: 50, Status: points.PurchasePending},
		fetched: &points.Purchase{ID: "p-1", UserID: 1, Amount: 50, Status: points.PurchaseConfirmed},
	}
	provider.fetchCode = http.StatusOK
	svc := newTestService(repo, provider)

	if _, err := svc.RequestTopUp(context.Background(), 1, 50); err != nil {
		t.Fatalf("RequestTopUp error: %v", err)
	}

	if pause := svc.reconcileOnce(context.Background()); pause != 0 {
		t.Fatalf("unexpected pause: %v", pause)
	}

	if repo.confirmedTopUps["p-1"] != 50 {
		t.Fatalf("top-up not credited: %+v", repo.confirmedTopUps)
	}
	if got := svc.pendingAmount(1); got != 0 {
		t.Fatalf("pending amount = %d, want 0 after reconciliation", got)
	}
}

func TestReconcileOnce_RespectsRetryAfter(t *testing.T) {
	repo := &stubRepo{}
	provider := &stubProvider{
		created:    &points.Purchase{ID: "p-1", UserID: 1, Amount: 50, Status: points.PurchasePending},
		fetchCode:  http.StatusTooManyRequests,
		fetchRetry: 3 * time.Second,
	}
	svc := newTestService(repo, provider)

	if _, err := svc.RequestTopUp(context.Background(), 1, 50); err != nil {
		t.Fatalf("RequestTopUp error: %v", err)
	}

	if pause := svc.reconcileOnce(context.Background()); pause != 3*time.Second {
		t.Fatalf("pause = %v, want 3s", pause)
	}
	if got := svc.pendingAmount(1); got != 50 {
		t.Fatalf("pending amount = %d, want 50 kept until confirmation", got)
	}
}

func TestStartTopUpReconciliation_NoProvider(t *testing.T) {
	svc := newTestService(&stubRepo{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = svc.StartTopUpReconciliation(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("StartTopUpReconciliation did not stop on context cancel")
	}
}
