package crystalpayclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/driphost/billing-service/internal/domain"
	"github.com/shopspring/decimal"
)

func TestMapStatus(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		state   string
		expires *time.Time
		want    domain.InvoiceStatus
	}{
		{state: "payed", want: domain.InvoicePaid},
		{state: "processing", want: domain.InvoicePending},
		{state: "wrongamount", want: domain.InvoicePending},
		{state: "expired", want: domain.InvoiceExpired},
		{state: "wrongamount-timeout", want: domain.InvoiceExpired},
		{state: " Expired ", want: domain.InvoiceExpired},
		{state: "failed", want: domain.InvoiceExpired},
		{state: "unavailable", want: domain.InvoiceExpired},
		{state: "notpayed", expires: &future, want: domain.InvoicePending},
		{state: "notpayed", expires: &past, want: domain.InvoiceExpired},
		{state: "notpayed", want: domain.InvoicePending},
	}

	for _, tc := range tests {
		if got := MapStatus(tc.state, tc.expires, now); got != tc.want {
			t.Fatalf("MapStatus(%q, %v) = %s, want %s", tc.state, tc.expires, got, tc.want)
		}
	}
}

func TestCreateInvoiceAndGetStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["auth_login"] != "login" || body["auth_secret"] != "secret" {
			t.Errorf("missing credentials in %v", body)
		}
		switch r.URL.Path {
		case "/invoice/create/":
			if body["amount"] != "12.50" || body["extra"] != "order-9" {
				t.Errorf("unexpected create payload %v", body)
			}
			_, _ = w.Write([]byte(`{"error":false,"errors":[],"id":"cp-1","url":"https://pay.crystalpay.test/cp-1"}`))
		case "/invoice/info/":
			if body["id"] != "cp-1" {
				t.Errorf("unexpected invoice id %v", body["id"])
			}
			_, _ = w.Write([]byte(`{"error":false,"errors":[],"id":"cp-1","state":"payed"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "login", "secret")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	inv, err := c.CreateInvoice(context.Background(), decimal.RequireFromString("12.5"), "order-9")
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if inv.InvoiceID != "cp-1" || inv.PayURL == "" {
		t.Fatalf("unexpected invoice %+v", inv)
	}

	status, err := c.GetStatus(context.Background(), "cp-1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status != domain.InvoicePaid {
		t.Fatalf("expected paid, got %s", status)
	}
}

func TestGetStatusClassifiesErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{name: "bad credentials", body: `{"error":true,"errors":["Invalid auth credentials"]}`, want: domain.ErrProviderAuth},
		{name: "unknown invoice", body: `{"error":true,"errors":["Invoice not found"]}`, want: domain.ErrInvoiceNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c, err := NewClient(srv.URL, "login", "secret")
			if err != nil {
				t.Fatalf("NewClient: %v", err)
			}
			if _, err := c.GetStatus(context.Background(), "cp-1"); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}
