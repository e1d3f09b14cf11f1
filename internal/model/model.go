// Package model содержит доменные сущности маркетплейса.
package model

import "time"

// Role определяет уровень доступа пользователя.
type Role string

const (
	RoleUser  Role = "user"
	RoleStaff Role = "staff"
)

// User представляет зарегистрированного пользователя маркетплейса.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	Role         Role
	CreatedAt    time.Time
}

// ListingKind — тип объявления: продажа, покупка или услуга.
type ListingKind string

const (
	ListingSell    ListingKind = "sell"
	ListingBuy     ListingKind = "buy"
	ListingService ListingKind = "service"
)

// ListingStatus описывает жизненный цикл объявления.
type ListingStatus string

const (
	ListingActive  ListingStatus = "active"
	ListingSold    ListingStatus = "sold"
	ListingRemoved ListingStatus = "removed"
)

// Listing — объявление пользователя в ленте.
type Listing struct {
	ID           int64         `json:"id"`
	OwnerID      int64         `json:"owner_id"`
	Kind         ListingKind   `json:"kind"`
	Title        string        `json:"title"`
	Description  string        `json:"description,omitempty"`
	Category     string        `json:"category,omitempty"`
	PricePerUnit float64       `json:"price_per_unit"`
	Unit         string        `json:"unit,omitempty"`
	Available    *float64      `json:"available,omitempty"`
	ImageKey     string        `json:"image_key,omitempty"`
	Status       ListingStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
}

// OfferStatus описывает состояние оффера продавца.
type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferDeclined OfferStatus = "declined"
)

// Offer — предложение продавца против объявления «куплю».
type Offer struct {
	ID           int64       `json:"id"`
	ListingID    int64       `json:"listing_id"`
	SellerID     int64       `json:"seller_id"`
	PricePerUnit float64     `json:"price_per_unit"`
	Quantity     float64     `json:"quantity"`
	Unit         string      `json:"unit,omitempty"`
	Message      string      `json:"message,omitempty"`
	Status       OfferStatus `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
}

// OrderStatus описывает состояние заказа.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderConfirmed OrderStatus = "confirmed"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
)

// Order — заказ в баллах против объявления или принятого оффера.
type Order struct {
	ID              int64       `json:"id"`
	ListingID       int64       `json:"listing_id"`
	OfferID         *int64      `json:"offer_id,omitempty"`
	BuyerID         int64       `json:"buyer_id"`
	SellerID        int64       `json:"seller_id"`
	Quantity        float64     `json:"quantity"`
	PricePerUnit    float64     `json:"price_per_unit"`
	TotalPrice      int64       `json:"total_price"`
	DeliveryAddress string      `json:"delivery_address"`
	DeliveryDate    time.Time   `json:"delivery_date"`
	AdditionalDates []time.Time `json:"additional_dates,omitempty"`
	Instructions    string      `json:"instructions,omitempty"`
	Status          OrderStatus `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
}

// Comment — комментарий пользователя под объявлением.
type Comment struct {
	ID        int64     `json:"id"`
	ListingID int64     `json:"listing_id"`
	AuthorID  int64     `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// FlagStatus описывает состояние жалобы на контент.
type FlagStatus string

const (
	FlagOpen      FlagStatus = "open"
	FlagResolved  FlagStatus = "resolved"
	FlagDismissed FlagStatus = "dismissed"
)

// Flag — жалоба пользователя на объявление.
type Flag struct {
	ID         int64      `json:"id"`
	ListingID  int64      `json:"listing_id"`
	ReporterID int64      `json:"reporter_id"`
	Reason     string     `json:"reason"`
	Status     FlagStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedBy *int64     `json:"resolved_by,omitempty"`
}

// LedgerKind классифицирует движение баллов в книге баланса.
type LedgerKind string

const (
	LedgerTopUp        LedgerKind = "topup"
	LedgerEscrowHold   LedgerKind = "escrow_hold"
	LedgerEscrowRefund LedgerKind = "escrow_refund"
	LedgerSaleCredit   LedgerKind = "sale_credit"
)

// LedgerEntry — одно подписанное движение баллов пользователя.
// Баланс пользователя равен сумме всех его движений.
type LedgerEntry struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	Delta     int64      `json:"delta"`
	Kind      LedgerKind `json:"kind"`
	OrderID   *int64     `json:"order_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Balance — текущий баланс пользователя в баллах.
type Balance struct {
	Current int64 `json:"current"`
	Held    int64 `json:"held"`
}
