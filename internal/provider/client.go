package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL   string
	AccountID string
	AuthToken string

	// RequestsPerSecond throttles outgoing API calls. The provider
	// rejects bursts above its account limit, so we wait locally
	// instead.
	RequestsPerSecond rate.Limit
	Burst             int

	Timeout time.Duration
}

// DefaultClientConfig returns production defaults for the given account.
func DefaultClientConfig(baseURL, accountID, authToken string) ClientConfig {
	return ClientConfig{
		BaseURL:           baseURL,
		AccountID:         accountID,
		AuthToken:         authToken,
		RequestsPerSecond: rate.Limit(5),
		Burst:             10,
		Timeout:           15 * time.Second,
	}
}

// Client implements Ops against the provider's REST API.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient builds a client with retries and rate limiting.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(fmt.Sprintf("%s/v1/Account/%s", cfg.BaseURL, cfg.AccountID)).
		SetBasicAuth(cfg.AccountID, cfg.AuthToken).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err == nil && r.StatusCode() >= http.StatusInternalServerError
		})

	return &Client{
		http:    httpClient,
		limiter: rate.NewLimiter(cfg.RequestsPerSecond, cfg.Burst),
		logger:  logger.With("component", "provider_client"),
	}
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for provider rate limit: %w", err)
	}
	return nil
}

// MakeCall places an outbound call leg.
func (c *Client) MakeCall(ctx context.Context, params MakeCallParams) (*CallHandle, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	var handle CallHandle
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(params).
		SetResult(&handle).
		Post("/Call/")
	if err != nil {
		return nil, fmt.Errorf("making call to %s: %w", params.To, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("making call to %s: provider returned %d: %s", params.To, resp.StatusCode(), resp.String())
	}

	c.logger.Debug("call placed", "call_id", handle.ID, "to", params.To)
	return &handle, nil
}

// TransferCall redirects a live call to a new answer URL.
func (c *Client) TransferCall(ctx context.Context, callID, answerURL string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"legs": "aleg", "aleg_url": answerURL}).
		Post("/Call/" + callID + "/")
	if err != nil {
		return fmt.Errorf("transferring call %s: %w", callID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("transferring call %s: provider returned %d: %s", callID, resp.StatusCode(), resp.String())
	}
	return nil
}

// HangupCall terminates a call leg. A 404 means the leg already ended
// and is treated as success.
func (c *Client) HangupCall(ctx context.Context, callID string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		Delete("/Call/" + callID + "/")
	if err != nil {
		return fmt.Errorf("hanging up call %s: %w", callID, err)
	}
	if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		return fmt.Errorf("hanging up call %s: provider returned %d: %s", callID, resp.StatusCode(), resp.String())
	}
	return nil
}

// GetLiveCall returns nil when the call is no longer live.
func (c *Client) GetLiveCall(ctx context.Context, callID string) (*LiveCall, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	var call LiveCall
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("status", "live").
		SetResult(&call).
		Get("/Call/" + callID + "/")
	if err != nil {
		return nil, fmt.Errorf("fetching live call %s: %w", callID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetching live call %s: provider returned %d: %s", callID, resp.StatusCode(), resp.String())
	}
	return &call, nil
}

// GetLiveCalls lists the ids of all live calls on the account.
func (c *Client) GetLiveCalls(ctx context.Context) ([]string, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	var result struct {
		Calls []string `json:"calls"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("status", "live").
		SetResult(&result).
		Get("/Call/")
	if err != nil {
		return nil, fmt.Errorf("listing live calls: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("listing live calls: provider returned %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Calls, nil
}
