/**
 * @description
 * Client for the Crypto Pay API (CryptoBot). Also verifies and decodes the
 * invoice_paid webhook that Crypto Pay pushes on settlement.
 */
package cryptobotclient

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/driphost/billing-service/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	DefaultBaseURL  = "https://pay.crypt.bot/api"
	tokenHeader     = "Crypto-Pay-API-Token"
	SignatureHeader = "crypto-pay-api-signature"
)

// Client is a client for the Crypto Pay API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a Crypto Pay client. The API token is required.
func NewClient(baseURL, token string) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("cryptobot: PAYMENT_CRYPTOBOT_TOKEN is required")
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

type apiError struct {
	Code int    `json:"code"`
	Name string `json:"name"`
}

type invoice struct {
	InvoiceID     int64  `json:"invoice_id"`
	Status        string `json:"status"`
	BotInvoiceURL string `json:"bot_invoice_url"`
	PayURL        string `json:"pay_url"`
	Payload       string `json:"payload"`
}

type createInvoiceRequest struct {
	CurrencyType string `json:"currency_type"`
	Fiat         string `json:"fiat"`
	Amount       string `json:"amount"`
	Payload      string `json:"payload"`
	Description  string `json:"description,omitempty"`
}

// CreateInvoice creates a fiat-denominated invoice payable in crypto.
func (c *Client) CreateInvoice(ctx context.Context, amount decimal.Decimal, orderID string) (*domain.Invoice, error) {
	payload := createInvoiceRequest{
		CurrencyType: "fiat",
		Fiat:         "USD",
		Amount:       amount.StringFixed(2),
		Payload:      orderID,
		Description:  "Balance top-up",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal invoice payload: %w", err)
	}

	var inv invoice
	if err := c.do(ctx, http.MethodPost, "/createInvoice", bytes.NewReader(body), &inv); err != nil {
		return nil, err
	}
	payURL := inv.BotInvoiceURL
	if payURL == "" {
		payURL = inv.PayURL
	}
	return &domain.Invoice{InvoiceID: strconv.FormatInt(inv.InvoiceID, 10), PayURL: payURL}, nil
}

// GetStatus fetches one invoice and maps its status.
func (c *Client) GetStatus(ctx context.Context, invoiceID string) (domain.InvoiceStatus, error) {
	q := url.Values{}
	q.Set("invoice_ids", invoiceID)

	var result struct {
		Items []invoice `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/getInvoices?"+q.Encode(), nil, &result); err != nil {
		return "", err
	}
	for _, item := range result.Items {
		if strconv.FormatInt(item.InvoiceID, 10) == invoiceID {
			return MapStatus(item.Status), nil
		}
	}
	return "", domain.ErrInvoiceNotFound
}

// MapStatus translates a Crypto Pay invoice status.
func MapStatus(raw string) domain.InvoiceStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "paid", "paid_over":
		return domain.InvoicePaid
	case "expired":
		return domain.InvoiceExpired
	default:
		return domain.InvoicePending
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(tokenHeader, c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("crypto pay request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read crypto pay response: %w", err)
	}

	var envelope struct {
		OK     bool            `json:"ok"`
		Result json.RawMessage `json:"result"`
		Error  *apiError       `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		if resp.StatusCode == http.StatusUnauthorized {
			return domain.ErrProviderAuth
		}
		return fmt.Errorf("failed to decode crypto pay response (status %d): %w", resp.StatusCode, err)
	}
	if !envelope.OK {
		if resp.StatusCode == http.StatusUnauthorized || (envelope.Error != nil && envelope.Error.Code == http.StatusUnauthorized) {
			return domain.ErrProviderAuth
		}
		if envelope.Error != nil {
			return fmt.Errorf("crypto pay api error: %d %s", envelope.Error.Code, envelope.Error.Name)
		}
		return fmt.Errorf("crypto pay returned error status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("failed to decode crypto pay result: %w", err)
	}
	return nil
}

// WebhookUpdate is the body Crypto Pay posts to the webhook URL.
type WebhookUpdate struct {
	UpdateID    int64  `json:"update_id"`
	UpdateType  string `json:"update_type"`
	RequestDate string `json:"request_date"`
	Payload     struct {
		InvoiceID int64  `json:"invoice_id"`
		Status    string `json:"status"`
		Payload   string `json:"payload"`
	} `json:"payload"`
}

// InvoiceID returns the invoice id in the form stored on top-ups.
func (u WebhookUpdate) InvoiceID() string {
	return strconv.FormatInt(u.Payload.InvoiceID, 10)
}

// VerifySignature checks the webhook signature: hex HMAC-SHA256 of the raw
// body keyed with SHA256(token).
func VerifySignature(token string, body []byte, signature string) bool {
	if token == "" || signature == "" {
		return false
	}
	secret := sha256.Sum256([]byte(token))
	mac := hmac.New(sha256.New, secret[:])
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

// ParseWebhook verifies and decodes a webhook body.
func ParseWebhook(token string, body []byte, signature string) (*WebhookUpdate, error) {
	if !VerifySignature(token, body, signature) {
		return nil, errors.New("invalid webhook signature")
	}
	var update WebhookUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}
	return &update, nil
}
