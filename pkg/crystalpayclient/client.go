/**
 * @description
 * Client for the CrystalPay v3 invoice API. Both endpoints take the merchant
 * login and secret in the JSON body.
 */
package crystalpayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/driphost/billing-service/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	DefaultBaseURL = "https://api.crystalpay.io/v3"
	invoiceTTLMin  = 30
	userAgent      = "DripHosting/Billing 1.0"
)

// Client is a client for the CrystalPay API.
type Client struct {
	baseURL    string
	login      string
	secret     string
	now        func() time.Time
	httpClient *http.Client
}

// NewClient creates a CrystalPay client. Login and secret are required.
func NewClient(baseURL, login, secret string) (*Client, error) {
	if strings.TrimSpace(login) == "" || strings.TrimSpace(secret) == "" {
		return nil, errors.New("crystalpay: PAYMENT_CRYSTALPAY_ID and PAYMENT_CRYSTALPAY_SECRET_ONE are required")
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		login:      login,
		secret:     secret,
		now:        time.Now,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

type createRequest struct {
	AuthLogin      string `json:"auth_login"`
	AuthSecret     string `json:"auth_secret"`
	Amount         string `json:"amount"`
	AmountCurrency string `json:"amount_currency"`
	Lifetime       int    `json:"lifetime"`
	Type           string `json:"type"`
	Extra          string `json:"extra,omitempty"`
}

type infoRequest struct {
	AuthLogin  string `json:"auth_login"`
	AuthSecret string `json:"auth_secret"`
	ID         string `json:"id"`
}

type apiResponse struct {
	Error     bool     `json:"error"`
	Errors    []string `json:"errors"`
	ID        string   `json:"id"`
	URL       string   `json:"url"`
	State     string   `json:"state"`
	ExpiredAt string   `json:"expired_at"`
}

// CreateInvoice creates a purchase invoice. CrystalPay assigns the invoice id.
func (c *Client) CreateInvoice(ctx context.Context, amount decimal.Decimal, orderID string) (*domain.Invoice, error) {
	payload := createRequest{
		AuthLogin:      c.login,
		AuthSecret:     c.secret,
		Amount:         amount.StringFixed(2),
		AmountCurrency: "USD",
		Lifetime:       invoiceTTLMin,
		Type:           "purchase",
		Extra:          orderID,
	}
	resp, err := c.post(ctx, "/invoice/create/", payload)
	if err != nil {
		return nil, err
	}
	if resp.ID == "" || resp.URL == "" {
		return nil, errors.New("crystalpay: invoice response missing id or url")
	}
	return &domain.Invoice{InvoiceID: resp.ID, PayURL: resp.URL}, nil
}

// GetStatus fetches the invoice state and maps it to a canonical status.
func (c *Client) GetStatus(ctx context.Context, invoiceID string) (domain.InvoiceStatus, error) {
	resp, err := c.post(ctx, "/invoice/info/", infoRequest{AuthLogin: c.login, AuthSecret: c.secret, ID: invoiceID})
	if err != nil {
		return "", err
	}
	return MapStatus(resp.State, parseExpiry(resp.ExpiredAt), c.now()), nil
}

// MapStatus translates a CrystalPay invoice state. An unpaid invoice past its
// expiry also counts as expired. Plain "wrongamount" stays pending: the payer
// can still top up the difference until the invoice times out.
func MapStatus(state string, expiredAt *time.Time, now time.Time) domain.InvoiceStatus {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "payed":
		return domain.InvoicePaid
	case "expired", "wrongamount-timeout", "failed", "unavailable":
		return domain.InvoiceExpired
	case "notpayed":
		if expiredAt != nil && now.After(*expiredAt) {
			return domain.InvoiceExpired
		}
		return domain.InvoicePending
	default:
		return domain.InvoicePending
	}
}

func (c *Client) post(ctx context.Context, path string, payload any) (*apiResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal crystalpay payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crystalpay request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read crystalpay response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, domain.ErrProviderAuth
	}

	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode crystalpay response (status %d): %w", resp.StatusCode, err)
	}
	if out.Error {
		return nil, classifyErrors(out.Errors)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("crystalpay returned error status %d", resp.StatusCode)
	}
	return &out, nil
}

func classifyErrors(errs []string) error {
	joined := strings.ToLower(strings.Join(errs, "; "))
	switch {
	case strings.Contains(joined, "auth") || strings.Contains(joined, "secret") || strings.Contains(joined, "login"):
		return domain.ErrProviderAuth
	case strings.Contains(joined, "not found"):
		return domain.ErrInvoiceNotFound
	default:
		return fmt.Errorf("crystalpay api error: %s", strings.Join(errs, "; "))
	}
}

func parseExpiry(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t
		}
	}
	return nil
}
