/**
 * @description
 * Client for the VMmanager 6 provisioning API. A public token is obtained on
 * first use and refreshed once when the API answers 401.
 */
package vmmanager

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

const tokenHeader = "x-xsrf-token"

var ErrVMNotFound = errors.New("vm not found")

// Client is a client for the VMmanager API.
type Client struct {
	baseURL    string
	email      string
	password   string
	httpClient *http.Client

	mu    sync.Mutex
	token string
}

// NewClient creates a VMmanager client. Endpoint and credentials are required.
func NewClient(baseURL, email, password string) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" || strings.TrimSpace(email) == "" || strings.TrimSpace(password) == "" {
		return nil, errors.New("vmmanager: VMM_ENDPOINT_URL, VMM_EMAIL and VMM_PASSWORD are required")
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		email:      email,
		password:   password,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// VMSpec describes a VM to create. Sizes are in GiB.
type VMSpec struct {
	Name      string
	Password  string
	CPUNumber int
	RAMGiB    int
	DiskGiB   int
	OSID      int64
	IPv4Count int
	Comment   string
	NetMbitps int
}

// HostInfo is the subset of host details the billing service uses.
type HostInfo struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	State  string `json:"state"`
	IPAddr string `json:"ip4,omitempty"`
	OS     struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"os"`
}

// OS is an installable image.
type OS struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

// Login obtains a fresh public token.
func (c *Client) Login(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{"email": c.email, "password": c.password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/v4/public/token", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vmmanager login failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("vmmanager login returned status %d", resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("failed to decode vmmanager token: %w", err)
	}
	if out.Token == "" {
		return errors.New("vmmanager login returned empty token")
	}

	c.mu.Lock()
	c.token = out.Token
	c.mu.Unlock()
	return nil
}

// CreateVM creates a host and returns its id.
func (c *Client) CreateVM(ctx context.Context, spec VMSpec) (int64, error) {
	bandwidth := spec.NetMbitps
	if bandwidth <= 0 {
		bandwidth = 150
	}
	payload := map[string]any{
		"name":           spec.Name,
		"password":       spec.Password,
		"cpu_number":     spec.CPUNumber,
		"ram_mib":        spec.RAMGiB * 1024,
		"net_in_mbitps":  bandwidth,
		"net_out_mbitps": bandwidth,
		"os":             spec.OSID,
		"comment":        spec.Comment,
		"hdd_mib":        spec.DiskGiB * 1024,
		"ipv4_number":    spec.IPv4Count,
	}
	var out struct {
		ID int64 `json:"id"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/vm/v3/host", payload, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

// GetInfo returns the host details.
func (c *Client) GetInfo(ctx context.Context, vmID int64) (*HostInfo, error) {
	var info HostInfo
	status, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/vm/v3/host/%d", vmID), nil, &info)
	if err != nil {
		if status == http.StatusNotFound {
			return nil, ErrVMNotFound
		}
		return nil, err
	}
	return &info, nil
}

// ListOS returns the installable OS images.
func (c *Client) ListOS(ctx context.Context) ([]OS, error) {
	var out struct {
		List []OS `json:"list"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/vm/v3/os", nil, &out); err != nil {
		return nil, err
	}
	return out.List, nil
}

// DeleteVM deletes a host. A host that no longer exists counts as deleted.
// false with a nil error means the API gave no clear answer.
func (c *Client) DeleteVM(ctx context.Context, vmID int64) (bool, error) {
	status, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/vm/v3/host/%d", vmID), nil, nil)
	if status == http.StatusNotFound {
		return true, nil
	}
	if err != nil {
		if status >= 500 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DeleteVMWithRetry calls DeleteVM up to attempts times, doubling the wait
// after each failure or undefined result.
func (c *Client) DeleteVMWithRetry(ctx context.Context, vmID int64, attempts int, backoff time.Duration) error {
	return Retry(ctx, attempts, backoff, func(ctx context.Context) (bool, error) {
		return c.DeleteVM(ctx, vmID)
	})
}

// ChangePassword sets a freshly generated root password and returns it.
func (c *Client) ChangePassword(ctx context.Context, vmID int64) (string, error) {
	password, err := GeneratePassword(16)
	if err != nil {
		return "", err
	}
	if _, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/vm/v3/host/%d/password", vmID), map[string]string{"password": password}, nil); err != nil {
		return "", err
	}
	return password, nil
}

// ReinstallOS reinstalls the host with osID and a new generated password.
func (c *Client) ReinstallOS(ctx context.Context, vmID, osID int64) (string, error) {
	password, err := GeneratePassword(16)
	if err != nil {
		return "", err
	}
	payload := map[string]any{"os": osID, "password": password}
	if _, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/vm/v3/host/%d/reinstall", vmID), payload, nil); err != nil {
		return "", err
	}
	return password, nil
}

func (c *Client) currentToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		return token, nil
	}
	if err := c.Login(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) (int, error) {
	var raw []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal vmmanager payload: %w", err)
		}
		raw = b
	}

	status, body, err := c.send(ctx, method, path, raw)
	if err == nil && status == http.StatusUnauthorized {
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		status, body, err = c.send(ctx, method, path, raw)
	}
	if err != nil {
		return status, err
	}
	if status >= 400 {
		return status, fmt.Errorf("vmmanager returned error status %d: %s", status, strings.TrimSpace(string(body)))
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return status, fmt.Errorf("failed to decode vmmanager response: %w", err)
		}
	}
	return status, nil
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	token, err := c.currentToken(ctx)
	if err != nil {
		return 0, nil, err
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(tokenHeader, token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("vmmanager request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read vmmanager response: %w", err)
	}
	return resp.StatusCode, body, nil
}

const passwordAlphabet = "abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// GeneratePassword returns a random alphanumeric password of length n.
func GeneratePassword(n int) (string, error) {
	var sb strings.Builder
	sb.Grow(n)
	limit := big.NewInt(int64(len(passwordAlphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		sb.WriteByte(passwordAlphabet[idx.Int64()])
	}
	return sb.String(), nil
}
