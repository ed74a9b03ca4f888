package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/safehold/internal/logging"
)

// Config holds the configuration for connecting to the Safehold API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	UserID string // The buyer or seller the assistant acts for
}

// Client is a thin HTTP client for the Safehold escrow API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Escrow is the subset of an escrow record the tools present.
type Escrow struct {
	ID               string `json:"id"`
	BuyerID          string `json:"buyerId"`
	SellerID         string `json:"sellerId"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	Description      string `json:"description"`
	Status           string `json:"status"`
	DisputeReason    string `json:"disputeReason"`
	CreatedAt        string `json:"createdAt"`
	Settlement       *struct {
		Kind     string `json:"kind"`
		State    string `json:"state"`
		Attempts int    `json:"attempts"`
	} `json:"settlement"`
}

type escrowEnvelope struct {
	Escrow Escrow `json:"escrow"`
}

type listEnvelope struct {
	Escrows    []Escrow `json:"escrows"`
	NextCursor string   `json:"nextCursor"`
	HasMore    bool     `json:"hasMore"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := logging.RequestID(ctx); id != "" {
		req.Header.Set(logging.RequestIDHeader, id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// GetEscrow fetches one escrow.
func (c *Client) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	var env escrowEnvelope
	if err := c.do(ctx, http.MethodGet, "/v1/escrows/"+url.PathEscape(id), nil, nil, &env); err != nil {
		return nil, err
	}
	return &env.Escrow, nil
}

// ListEscrows lists escrows where userID is buyer or seller, newest first.
func (c *Client) ListEscrows(ctx context.Context, userID string, limit int, cursor string) ([]Escrow, string, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var env listEnvelope
	if err := c.do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(userID)+"/escrows", q, nil, &env); err != nil {
		return nil, "", err
	}
	return env.Escrows, env.NextCursor, nil
}

// CreateEscrow opens an escrow with the configured user as buyer.
func (c *Client) CreateEscrow(ctx context.Context, sellerID, amount, currency, description string) (*Escrow, error) {
	body := map[string]string{
		"buyerId":     c.cfg.UserID,
		"sellerId":    sellerID,
		"amount":      amount,
		"currency":    currency,
		"description": description,
	}
	var env escrowEnvelope
	if err := c.do(ctx, http.MethodPost, "/v1/escrows", nil, body, &env); err != nil {
		return nil, err
	}
	return &env.Escrow, nil
}

// Act runs a body-less escrow action such as confirm or release.
func (c *Client) Act(ctx context.Context, id, action string) (*Escrow, error) {
	var env escrowEnvelope
	if err := c.do(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(id)+"/"+action, nil, nil, &env); err != nil {
		return nil, err
	}
	return &env.Escrow, nil
}

// OpenDispute freezes an escrow pending operator resolution.
func (c *Client) OpenDispute(ctx context.Context, id, reason string) (*Escrow, error) {
	var env escrowEnvelope
	body := map[string]string{"reason": reason}
	if err := c.do(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(id)+"/dispute", nil, body, &env); err != nil {
		return nil, err
	}
	return &env.Escrow, nil
}
