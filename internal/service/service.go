// Package service реализует бизнес-логику маркетплейса.
package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ndorokhov/pointmarket/internal/events"
	"github.com/ndorokhov/pointmarket/internal/feed"
	"github.com/ndorokhov/pointmarket/internal/model"
	"github.com/ndorokhov/pointmarket/internal/points"
	"github.com/ndorokhov/pointmarket/internal/repository"
)

var (
	// ErrSelfDealing возвращается при попытке действия над собственным объявлением.
	ErrSelfDealing = errors.New("cannot act on your own listing")
	// ErrForbidden возвращается, когда у пользователя нет прав на действие.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidCredentials возвращается при неверном логине или пароле.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidListing возвращается для некорректного черновика объявления.
	ErrInvalidListing = errors.New("invalid listing")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)

	CreateListing(ctx context.Context, l model.Listing) (int64, error)
	GetListing(ctx context.Context, id int64) (*model.Listing, error)
	GetFeed(ctx context.Context, limit int) ([]model.Listing, error)
	UpdateListingStatus(ctx context.Context, id int64, status model.ListingStatus) error

	CreateOrder(ctx context.Context, o model.Order) (int64, error)
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	GetOrdersByBuyer(ctx context.Context, buyerID int64) ([]model.Order, error)
	ModifyOrder(ctx context.Context, orderID, buyerID int64, m repository.OrderModification) error
	CancelOrder(ctx context.Context, orderID, buyerID int64) error
	CompleteOrder(ctx context.Context, orderID, buyerID int64) error

	CreateOffer(ctx context.Context, o model.Offer) (int64, error)
	GetOffer(ctx context.Context, id int64) (*model.Offer, error)
	GetOffersForUser(ctx context.Context, userID int64) ([]model.Offer, error)
	DeclineOffer(ctx context.Context, offerID int64) error
	AcceptOffer(ctx context.Context, offerID int64, o model.Order) (int64, error)

	CreateComment(ctx context.Context, c model.Comment) (int64, error)
	GetComments(ctx context.Context, listingID int64) ([]model.Comment, error)
	CreateFlag(ctx context.Context, f model.Flag) (int64, error)
	GetOpenFlags(ctx context.Context) ([]model.Flag, error)
	ResolveFlag(ctx context.Context, flagID, staffID int64, status model.FlagStatus) error

	GetBalance(ctx context.Context, userID int64) (model.Balance, error)
	GetLedger(ctx context.Context, userID int64) ([]model.LedgerEntry, error)
	ConfirmTopUp(ctx context.Context, userID int64, purchaseID string, amount int64) (bool, error)
}

// FeedCache описывает кэш страницы ленты объявлений.
type FeedCache interface {
	Get(ctx context.Context) ([]model.Listing, bool, error)
	Put(ctx context.Context, listings []model.Listing) error
	Invalidate(ctx context.Context) error
}

// EventPublisher публикует события жизненного цикла заказов.
type EventPublisher interface {
	Publish(ctx context.Context, e events.Event) error
}

// PointsProvider описывает внешнего провайдера покупки баллов.
type PointsProvider interface {
	CreatePurchase(ctx context.Context, userID, amount int64) (*points.Purchase, error)
	GetPurchase(ctx context.Context, purchaseID string) (*points.Purchase, int, time.Duration, error)
}

const feedPageSize = 100

// Service содержит бизнес-логику маркетплейса. Кэш, продьюсер событий и
// провайдер баллов опциональны: без них соответствующие пути деградируют
// до прямой работы с БД.
type Service struct {
	repo     Repository
	cache    FeedCache
	producer EventPublisher
	provider PointsProvider
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	pending map[int64][]pendingPurchase
}

// NewService создаёт сервис с указанными зависимостями.
func NewService(repo Repository, cache FeedCache, producer EventPublisher, provider PointsProvider, logger *zap.SugaredLogger) *Service {
	return &Service{
		repo:     repo,
		cache:    cache,
		producer: producer,
		provider: provider,
		logger:   logger,
		pending:  make(map[int64][]pendingPurchase),
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, err
	}
	return s.repo.CreateUser(ctx, login, hash)
}

// AuthenticateUser проверяет логин и пароль и возвращает идентификатор пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return 0, ErrInvalidCredentials
		}
		return 0, err
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

// GetUser возвращает пользователя по идентификатору.
func (s *Service) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return s.repo.GetUserByID(ctx, id)
}

// CreateListing публикует новое объявление владельца.
func (s *Service) CreateListing(ctx context.Context, ownerID int64, l model.Listing) (int64, error) {
	l.OwnerID = ownerID
	l.Title = strings.TrimSpace(l.Title)

	switch l.Kind {
	case model.ListingSell, model.ListingBuy, model.ListingService:
	default:
		return 0, ErrInvalidListing
	}
	if l.Title == "" || l.PricePerUnit < 0 {
		return 0, ErrInvalidListing
	}
	if l.Available != nil && *l.Available <= 0 {
		return 0, ErrInvalidListing
	}

	id, err := s.repo.CreateListing(ctx, l)
	if err != nil {
		return 0, err
	}

	s.invalidateFeed(ctx)
	return id, nil
}

// GetListing возвращает объявление по идентификатору.
func (s *Service) GetListing(ctx context.Context, id int64) (*model.Listing, error) {
	return s.repo.GetListing(ctx, id)
}

// Feed возвращает страницу активных объявлений с применённым фильтром.
// Страница читается из кэша, при промахе — из БД с наполнением кэша.
func (s *Service) Feed(ctx context.Context, f feed.Filter) ([]model.Listing, error) {
	if s.cache != nil {
		listings, found, err := s.cache.Get(ctx)
		if err != nil {
			s.logger.Warnw("feed cache read failed", "error", err)
		} else if found {
			return feed.Apply(listings, f), nil
		}
	}

	listings, err := s.repo.GetFeed(ctx, feedPageSize)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Put(ctx, listings); err != nil {
			s.logger.Warnw("feed cache write failed", "error", err)
		}
	}

	return feed.Apply(listings, f), nil
}

// RemoveListing снимает объявление с публикации. Доступно владельцу и модератору.
func (s *Service) RemoveListing(ctx context.Context, userID, listingID int64) error {
	l, err := s.repo.GetListing(ctx, listingID)
	if err != nil {
		return err
	}

	if l.OwnerID != userID {
		u, err := s.repo.GetUserByID(ctx, userID)
		if err != nil {
			return err
		}
		if u.Role != model.RoleStaff {
			return ErrForbidden
		}
	}

	if err := s.repo.UpdateListingStatus(ctx, listingID, model.ListingRemoved); err != nil {
		return err
	}

	s.invalidateFeed(ctx)
	return nil
}

// CreateComment добавляет комментарий под объявлением.
func (s *Service) CreateComment(ctx context.Context, authorID, listingID int64, body string) (int64, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return 0, ErrInvalidListing
	}
	if _, err := s.repo.GetListing(ctx, listingID); err != nil {
		return 0, err
	}
	return s.repo.CreateComment(ctx, model.Comment{ListingID: listingID, AuthorID: authorID, Body: body})
}

// GetComments возвращает комментарии объявления.
func (s *Service) GetComments(ctx context.Context, listingID int64) ([]model.Comment, error) {
	return s.repo.GetComments(ctx, listingID)
}

// CreateFlag регистрирует жалобу на объявление.
func (s *Service) CreateFlag(ctx context.Context, reporterID, listingID int64, reason string) (int64, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return 0, ErrInvalidListing
	}
	if _, err := s.repo.GetListing(ctx, listingID); err != nil {
		return 0, err
	}
	return s.repo.CreateFlag(ctx, model.Flag{ListingID: listingID, ReporterID: reporterID, Reason: reason})
}

// OpenFlags возвращает нерассмотренные жалобы. Только для модераторов.
func (s *Service) OpenFlags(ctx context.Context, staffID int64) ([]model.Flag, error) {
	if err := s.requireStaff(ctx, staffID); err != nil {
		return nil, err
	}
	return s.repo.GetOpenFlags(ctx)
}

// ResolveFlag закрывает жалобу; при remove объявление снимается с публикации.
func (s *Service) ResolveFlag(ctx context.Context, staffID, flagID int64, remove bool) error {
	if err := s.requireStaff(ctx, staffID); err != nil {
		return err
	}

	flag, err := s.findOpenFlag(ctx, flagID)
	if err != nil {
		return err
	}

	status := model.FlagDismissed
	if remove {
		status = model.FlagResolved
	}
	if err := s.repo.ResolveFlag(ctx, flagID, staffID, status); err != nil {
		return err
	}

	if remove {
		if err := s.repo.UpdateListingStatus(ctx, flag.ListingID, model.ListingRemoved); err != nil {
			return err
		}
		s.invalidateFeed(ctx)
	}
	return nil
}

func (s *Service) findOpenFlag(ctx context.Context, flagID int64) (*model.Flag, error) {
	flags, err := s.repo.GetOpenFlags(ctx)
	if err != nil {
		return nil, err
	}
	for i := range flags {
		if flags[i].ID == flagID {
			return &flags[i], nil
		}
	}
	return nil, repository.ErrFlagNotFound
}

func (s *Service) requireStaff(ctx context.Context, userID int64) error {
	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if u.Role != model.RoleStaff {
		return ErrForbidden
	}
	return nil
}

func (s *Service) invalidateFeed(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Warnw("feed cache invalidation failed", "error", err)
	}
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if s.producer == nil {
		return
	}
	if err := s.producer.Publish(ctx, e); err != nil {
		s.logger.Warnw("event publish failed", "type", e.Type, "error", err)
	}
}
