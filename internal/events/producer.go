// Package events публикует события жизненного цикла заказов и офферов в Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Типы публикуемых событий.
const (
	OrderCreated   = "order_created"
	OrderModified  = "order_modified"
	OrderCancelled = "order_cancelled"
	OrderCompleted = "order_completed"
	OfferAccepted  = "offer_accepted"
)

// Event — сообщение о событии заказа/оффера для внешних потребителей.
type Event struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	OrderID    int64  `json:"order_id,omitempty"`
	OfferID    int64  `json:"offer_id,omitempty"`
	ListingID  int64  `json:"listing_id"`
	BuyerID    int64  `json:"buyer_id"`
	SellerID   int64  `json:"seller_id"`
	TotalPrice int64  `json:"total_price"`
	OccurredAt string `json:"occurred_at"`
}

// Producer инкапсулирует Kafka writer с подтверждением от всех реплик.
type Producer struct {
	w *kafka.Writer
}

// NewProducer создаёт продьюсер событий для указанных брокеров и топика.
func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  5,
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  5 * time.Second,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

// Close освобождает ресурсы writer'а.
func (p *Producer) Close() error { return p.w.Close() }

// Publish синхронно записывает событие. Ключ сообщения — идентификатор
// события, он же присваивается полю ID.
func (p *Producer) Publish(ctx context.Context, e Event) error {
	e.ID = uuid.NewString()
	e.OccurredAt = time.Now().UTC().Format(time.RFC3339)

	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.ID),
		Value: b,
	})
}
