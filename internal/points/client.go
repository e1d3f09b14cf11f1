// Package points предоставляет клиент внешнего провайдера покупки баллов.
package points

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Статусы покупки баллов у провайдера.
const (
	PurchasePending   = "PENDING"
	PurchaseConfirmed = "CONFIRMED"
	PurchaseRejected  = "REJECTED"
)

// Client инкапсулирует HTTP-взаимодействие с провайдером пополнения.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Purchase описывает покупку баллов у провайдера.
type Purchase struct {
	ID     string `json:"id"`
	UserID int64  `json:"user_id"`
	Amount int64  `json:"amount"`
	Status string `json:"status"`
}

// NewClient создаёт HTTP-клиент провайдера по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (c *Client) url(path string) string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}

// CreatePurchase инициирует покупку указанного количества баллов.
func (c *Client) CreatePurchase(ctx context.Context, userID, amount int64) (*Purchase, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("points client not configured")
	}

	body, err := json.Marshal(map[string]int64{"user_id": userID, "amount": amount})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/purchases"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result Purchase
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &result, nil
}

// GetPurchase запрашивает состояние покупки. При 429 возвращает паузу
// из заголовка Retry-After вместо ошибки.
func (c *Client) GetPurchase(ctx context.Context, purchaseID string) (*Purchase, int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, 0, fmt.Errorf("points client not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/purchases/"+purchaseID), nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, resp.StatusCode, 0, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result Purchase
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	return &result, resp.StatusCode, 0, nil
}
