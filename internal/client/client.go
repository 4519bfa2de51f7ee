// Package client calls the token checkout HTTP API.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/imrishuroy/go-token-checkout/internal/sessions"
)

// ErrSessionNotFound is returned by PaymentStatus for an unknown session.
var ErrSessionNotFound = errors.New("payment session not found")

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"error"`
	Detail     string `json:"detail,omitempty"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Code, e.Detail)
	}
	return fmt.Sprintf("api error %d %s", e.StatusCode, e.Code)
}

// Checkout is a started checkout.
type Checkout struct {
	URL       string `json:"url"`
	SessionID string `json:"sessionId"`
}

// Balance is the caller's token balance.
type Balance struct {
	UserID       int64 `json:"userId"`
	TokenBalance int64 `json:"tokenBalance"`
}

// Client is a typed API client acting as one user.
type Client struct {
	http   *resty.Client
	userID int64
}

// New returns a Client for baseURL acting as userID.
func New(baseURL string, userID int64) *Client {
	h := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetHeader("Accept", "application/json")
	return &Client{http: h, userID: userID}
}

// CreateCheckout starts a checkout for amount tokens. idempotencyKey may be empty.
func (c *Client) CreateCheckout(ctx context.Context, amount int64, idempotencyKey string) (Checkout, error) {
	var out Checkout
	req := c.request(ctx).
		SetBody(map[string]int64{"amount": amount}).
		SetResult(&out)
	if idempotencyKey != "" {
		req.SetHeader("Idempotency-Key", idempotencyKey)
	}
	resp, err := req.Post("/api/create-checkout-session")
	if err := check(resp, err); err != nil {
		return Checkout{}, fmt.Errorf("create checkout: %w", err)
	}
	if resp.StatusCode() == http.StatusAccepted {
		return Checkout{}, fmt.Errorf("create checkout: request with this idempotency key is still in progress")
	}
	return out, nil
}

// PaymentStatus returns the session's current status.
func (c *Client) PaymentStatus(ctx context.Context, sessionID string) (sessions.Status, error) {
	var out struct {
		Status sessions.Status `json:"status"`
	}
	resp, err := c.request(ctx).
		SetPathParam("sessionId", sessionID).
		SetResult(&out).
		Get("/api/payment-status/{sessionId}")
	if err := check(resp, err); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return "", ErrSessionNotFound
		}
		return "", fmt.Errorf("payment status: %w", err)
	}
	if !out.Status.Valid() {
		return "", fmt.Errorf("payment status: unexpected status %q", out.Status)
	}
	return out.Status, nil
}

// Balance returns the caller's balance.
func (c *Client) Balance(ctx context.Context) (Balance, error) {
	var out Balance
	resp, err := c.request(ctx).SetResult(&out).Get("/api/balance")
	if err := check(resp, err); err != nil {
		return Balance{}, fmt.Errorf("balance: %w", err)
	}
	return out, nil
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetHeader("X-User-Id", strconv.FormatInt(c.userID, 10)).
		SetError(&APIError{})
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if !resp.IsError() {
		return nil
	}
	apiErr, ok := resp.Error().(*APIError)
	if !ok || apiErr == nil {
		apiErr = &APIError{}
	}
	apiErr.StatusCode = resp.StatusCode()
	if apiErr.Code == "" {
		apiErr.Code = http.StatusText(resp.StatusCode())
	}
	return apiErr
}
