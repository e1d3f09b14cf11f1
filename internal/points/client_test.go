package points

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCreatePurchase_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/purchases" {
			t.Fatalf("path = %s, want /api/purchases", r.URL.Path)
		}

		var req map[string]int64
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req["user_id"] != 7 || req["amount"] != 15 {
			t.Fatalf("unexpected request: %v", req)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Purchase{
			ID:     "p-1",
			UserID: 7,
			Amount: 15,
			Status: PurchasePending,
		})
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	p, err := client.CreatePurchase(ctx, 7, 15)
	if err != nil {
		t.Fatalf("CreatePurchase error: %v", err)
	}
	if p.ID != "p-1" || p.Status != PurchasePending {
		t.Fatalf("unexpected purchase: %+v", p)
	}
}

func TestGetPurchase_Confirmed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/purchases/p-1" {
			t.Fatalf("path = %s, want /api/purchases/p-1", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Purchase{
			ID:     "p-1",
			UserID: 7,
			Amount: 15,
			Status: PurchaseConfirmed,
		})
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	p, code, retry, err := client.GetPurchase(ctx, "p-1")
	if err != nil {
		t.Fatalf("GetPurchase error: %v", err)
	}
	if code != http.StatusOK || retry != 0 {
		t.Fatalf("code = %d retry = %v, want 200/0", code, retry)
	}
	if p == nil || p.Status != PurchaseConfirmed || p.Amount != 15 {
		t.Fatalf("unexpected purchase: %+v", p)
	}
}

func TestGetPurchase_TooManyRequests(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	p, code, retry, err := client.GetPurchase(ctx, "p-1")
	if err != nil {
		t.Fatalf("GetPurchase error: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil purchase for 429, got %+v", p)
	}
	if code != http.StatusTooManyRequests {
		t.Fatalf("code = %d, want 429", code)
	}
	if retry < 3*time.Second {
		t.Fatalf("retryAfter = %v, want at least 3s", retry)
	}
}

func TestClientNotConfigured(t *testing.T) {
	var client *Client

	if _, err := client.CreatePurchase(context.Background(), 1, 1); err == nil {
		t.Fatalf("expected error for nil client")
	}
}
