/**
 * @description
 * Client for the AAIO merchant API. Invoices are signed payment-form URLs;
 * status is read back through the info-pay endpoint.
 */
package aaioclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/driphost/billing-service/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	DefaultBaseURL = "https://aaio.so"
	currency       = "USD"
)

// Client is a client for the AAIO merchant API.
type Client struct {
	baseURL    string
	shopID     string
	secretOne  string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates an AAIO client. All credentials are required.
func NewClient(baseURL, shopID, secretOne, apiKey string) (*Client, error) {
	if strings.TrimSpace(shopID) == "" || strings.TrimSpace(secretOne) == "" || strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("aaio: PAYMENT_AAIO_ID, PAYMENT_AAIO_SECRET_ONE and PAYMENT_AAIO_API_KEY are required")
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		shopID:     shopID,
		secretOne:  secretOne,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

type infoResponse struct {
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// CreateInvoice builds the signed payment URL. AAIO keys invoices by our own
// order id, so the returned invoice id is orderID.
func (c *Client) CreateInvoice(_ context.Context, amount decimal.Decimal, orderID string) (*domain.Invoice, error) {
	amountStr := amount.StringFixed(2)
	q := url.Values{}
	q.Set("merchant_id", c.shopID)
	q.Set("amount", amountStr)
	q.Set("currency", currency)
	q.Set("order_id", orderID)
	q.Set("sign", c.sign(amountStr, orderID))

	return &domain.Invoice{
		InvoiceID: orderID,
		PayURL:    fmt.Sprintf("%s/merchant/pay?%s", c.baseURL, q.Encode()),
	}, nil
}

// GetStatus fetches the invoice state and maps it to a canonical status.
func (c *Client) GetStatus(ctx context.Context, orderID string) (domain.InvoiceStatus, error) {
	form := url.Values{}
	form.Set("merchant_id", c.shopID)
	form.Set("order_id", orderID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/info-pay", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("aaio request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read aaio response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", domain.ErrProviderAuth
	case http.StatusNotFound:
		return "", domain.ErrInvoiceNotFound
	}

	var info infoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return "", fmt.Errorf("failed to decode aaio response (status %d): %w", resp.StatusCode, err)
	}
	if info.Type == "error" {
		return "", classifyError(info)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("aaio returned error status %d", resp.StatusCode)
	}

	return MapStatus(info.Status), nil
}

// MapStatus translates an AAIO payment status.
func MapStatus(raw string) domain.InvoiceStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success":
		return domain.InvoicePaid
	case "expired":
		return domain.InvoiceExpired
	default:
		return domain.InvoicePending
	}
}

func (c *Client) sign(amount, orderID string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{c.shopID, amount, currency, c.secretOne, orderID}, ":")))
	return hex.EncodeToString(sum[:])
}

func classifyError(info infoResponse) error {
	msg := strings.ToLower(info.Message)
	switch {
	case info.Code == http.StatusUnauthorized || info.Code == http.StatusForbidden || strings.Contains(msg, "api key"):
		return domain.ErrProviderAuth
	case info.Code == http.StatusNotFound || strings.Contains(msg, "not found"):
		return domain.ErrInvoiceNotFound
	default:
		return fmt.Errorf("aaio api error: code=%d message=%s", info.Code, info.Message)
	}
}
