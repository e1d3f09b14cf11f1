// Package handler содержит HTTP-обработчики API маркетплейса.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ndorokhov/pointmarket/internal/auth"
	"github.com/ndorokhov/pointmarket/internal/feed"
	"github.com/ndorokhov/pointmarket/internal/middleware"
	"github.com/ndorokhov/pointmarket/internal/model"
	"github.com/ndorokhov/pointmarket/internal/points"
	"github.com/ndorokhov/pointmarket/internal/pricing"
	"github.com/ndorokhov/pointmarket/internal/repository"
	"github.com/ndorokhov/pointmarket/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)

	CreateListing(ctx context.Context, ownerID int64, l model.Listing) (int64, error)
	GetListing(ctx context.Context, id int64) (*model.Listing, error)
	Feed(ctx context.Context, f feed.Filter) ([]model.Listing, error)
	RemoveListing(ctx context.Context, userID, listingID int64) error

	PreviewOrder(ctx context.Context, buyerID, listingID int64, draft service.OrderDraft) (pricing.Intent, pricing.BalanceCheck, error)
	CreateOrder(ctx context.Context, buyerID, listingID int64, draft service.OrderDraft) (int64, pricing.BalanceCheck, error)
	GetOrder(ctx context.Context, userID, orderID int64) (*model.Order, error)
	GetOrdersByBuyer(ctx context.Context, buyerID int64) ([]model.Order, error)
	ModifyOrder(ctx context.Context, buyerID, orderID int64, draft service.OrderDraft) (pricing.ModificationDelta, error)
	CancelOrder(ctx context.Context, buyerID, orderID int64) error
	CompleteOrder(ctx context.Context, buyerID, orderID int64) error

	CreateOffer(ctx context.Context, sellerID, listingID int64, o model.Offer) (int64, error)
	GetOffersForUser(ctx context.Context, userID int64) ([]model.Offer, error)
	AcceptOffer(ctx context.Context, buyerID, offerID int64, draft service.OrderDraft) (int64, pricing.BalanceCheck, error)
	DeclineOffer(ctx context.Context, userID, offerID int64) error

	CreateComment(ctx context.Context, authorID, listingID int64, body string) (int64, error)
	GetComments(ctx context.Context, listingID int64) ([]model.Comment, error)
	CreateFlag(ctx context.Context, reporterID, listingID int64, reason string) (int64, error)
	OpenFlags(ctx context.Context, staffID int64) ([]model.Flag, error)
	ResolveFlag(ctx context.Context, staffID, flagID int64, remove bool) error

	Balance(ctx context.Context, userID int64) (model.Balance, error)
	Ledger(ctx context.Context, userID int64) ([]model.LedgerEntry, error)
	RequestTopUp(ctx context.Context, userID, amount int64) (*points.Purchase, error)
}

// Handler реализует HTTP-обработчики API маркетплейса.
type Handler struct {
	service        Service
	logger         *zap.Logger
	tokens         *auth.TokenManager
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, tokens *auth.TokenManager) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		tokens:         tokens,
		authMiddleware: middleware.NewAuthMiddleware(tokens),
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.issueToken(w, userID)
}

// Login выполняет аутентификацию пользователя и выпуск токена.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.issueToken(w, userID)
}

func (h *Handler) issueToken(w http.ResponseWriter, userID int64) {
	token, err := h.tokens.GenerateToken(userID)
	if err != nil {
		h.logger.Error("generate token error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Authorization", "Bearer "+token)
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// Feed возвращает ленту активных объявлений с фильтрами q, category и kind.
func (h *Handler) Feed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	listings, err := h.service.Feed(r.Context(), feed.Filter{
		Query:    q.Get("q"),
		Category: q.Get("category"),
		Kind:     model.ListingKind(q.Get("kind")),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, listings)
}

// CreateListing публикует новое объявление текущего пользователя.
func (h *Handler) CreateListing(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var l model.Listing
	if err := json.NewDecoder(r.Body).Decode(&l); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id, err := h.service.CreateListing(r.Context(), userID, l)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

// GetListing возвращает объявление по идентификатору.
func (h *Handler) GetListing(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	l, err := h.service.GetListing(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, l)
}

// RemoveListing снимает объявление с публикации.
func (h *Handler) RemoveListing(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if err := h.service.RemoveListing(r.Context(), userID, id); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PreviewOrder валидирует черновик заказа и возвращает расчёт без создания.
func (h *Handler) PreviewOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	listingID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var draft service.OrderDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	_, check, err := h.service.PreviewOrder(r.Context(), userID, listingID, draft)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, check)
}

type orderCreatedResponse struct {
	ID           int64                `json:"id"`
	BalanceCheck pricing.BalanceCheck `json:"balance_check"`
}

// CreateOrder создаёт заказ против объявления с удержанием эскроу.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	listingID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var draft service.OrderDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	orderID, check, err := h.service.CreateOrder(r.Context(), userID, listingID, draft)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, orderCreatedResponse{ID: orderID, BalanceCheck: check})
}

// GetOrders возвращает заказы текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.GetOrdersByBuyer(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, orders)
}

// GetOrder возвращает один заказ его покупателю или продавцу.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	o, err := h.service.GetOrder(r.Context(), userID, orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, o)
}

// ModifyOrder изменяет заказ и возвращает дельту эскроу.
func (h *Handler) ModifyOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var draft service.OrderDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	delta, err := h.service.ModifyOrder(r.Context(), userID, orderID, draft)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, delta)
}

// CancelOrder отменяет заказ с полным возвратом эскроу.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	h.orderAction(w, r, h.service.CancelOrder)
}

// CompleteOrder подтверждает получение и зачисляет баллы продавцу.
func (h *Handler) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	h.orderAction(w, r, h.service.CompleteOrder)
}

func (h *Handler) orderAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, userID, orderID int64) error) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if err := action(r.Context(), userID, orderID); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// CreateOffer подаёт оффер против объявления «куплю».
func (h *Handler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	listingID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var offer model.Offer
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id, err := h.service.CreateOffer(r.Context(), userID, listingID, offer)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

// GetOffers возвращает офферы текущего пользователя.
func (h *Handler) GetOffers(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	offers, err := h.service.GetOffersForUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(offers) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, offers)
}

// AcceptOffer принимает оффер и создаёт заказ с удержанием эскроу.
func (h *Handler) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	offerID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var draft service.OrderDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	orderID, check, err := h.service.AcceptOffer(r.Context(), userID, offerID, draft)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, orderCreatedResponse{ID: orderID, BalanceCheck: check})
}

// DeclineOffer отклоняет оффер.
func (h *Handler) DeclineOffer(w http.ResponseWriter, r *http.Request) {
	h.orderAction(w, r, h.service.DeclineOffer)
}

type commentRequest struct {
	Body string `json:"body"`
}

// CreateComment добавляет комментарий под объявлением.
func (h *Handler) CreateComment(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	listingID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req commentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id, err := h.service.CreateComment(r.Context(), userID, listingID, req.Body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

// GetComments возвращает комментарии объявления.
func (h *Handler) GetComments(w http.ResponseWriter, r *http.Request) {
	listingID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	comments, err := h.service.GetComments(r.Context(), listingID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, comments)
}

type flagRequest struct {
	Reason string `json:"reason"`
}

// CreateFlag регистрирует жалобу на объявление.
func (h *Handler) CreateFlag(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	listingID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req flagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id, err := h.service.CreateFlag(r.Context(), userID, listingID, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

// OpenFlags возвращает нерассмотренные жалобы модератору.
func (h *Handler) OpenFlags(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	flags, err := h.service.OpenFlags(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(flags) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, flags)
}

type resolveFlagRequest struct {
	Remove bool `json:"remove"`
}

// ResolveFlag закрывает жалобу, при remove снимая объявление с публикации.
func (h *Handler) ResolveFlag(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	flagID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req resolveFlagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.ResolveFlag(r.Context(), userID, flagID, req.Remove); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetBalance возвращает баланс текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.Balance(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

// GetLedger возвращает историю движений баллов текущего пользователя.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	entries, err := h.service.Ledger(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

type topUpRequest struct {
	Amount int64 `json:"amount"`
}

// TopUp инициирует покупку баллов у внешнего провайдера.
func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	purchase, err := h.service.RequestTopUp(r.Context(), userID, req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, purchase)
}

type validationResponse struct {
	Failures []pricing.Failure `json:"failures"`
	Message  string            `json:"message,omitempty"`
}

// writeError переводит ошибки сервиса в HTTP-статусы. Отказы валидации
// черновика уходят клиенту с полной структурой: форма строит по ним
// сообщение и сценарий докупки баллов.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *pricing.ValidationError
	if errors.As(err, &verr) {
		resp := validationResponse{Failures: verr.Failures}
		status := http.StatusBadRequest
		if verr.Has(pricing.FailureInsufficientBalance) {
			status = http.StatusPaymentRequired
			resp.Message = pricing.FormatShortfall(verr.Failures[0].Shortfall)
		}
		writeJSON(w, status, resp)
		return
	}

	switch {
	case errors.Is(err, service.ErrInvalidListing):
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
	case errors.Is(err, service.ErrForbidden):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	case errors.Is(err, repository.ErrUserNotFound),
		errors.Is(err, repository.ErrListingNotFound),
		errors.Is(err, repository.ErrOrderNotFound),
		errors.Is(err, repository.ErrOfferNotFound),
		errors.Is(err, repository.ErrFlagNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, repository.ErrInsufficientBalance):
		http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
	case errors.Is(err, service.ErrSelfDealing),
		errors.Is(err, repository.ErrUserExists),
		errors.Is(err, repository.ErrDuplicateOffer),
		errors.Is(err, repository.ErrListingUnavailable),
		errors.Is(err, repository.ErrOfferNotPending),
		errors.Is(err, repository.ErrOrderNotModifiable):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	default:
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}
