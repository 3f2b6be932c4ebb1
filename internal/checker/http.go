package checker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPChecker posts each item to an external check service.
type HTTPChecker struct {
	client   *resty.Client
	endpoint string
}

type HTTPConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

func NewHTTPChecker(cfg HTTPConfig) *HTTPChecker {
	client := resty.New()
	client.SetHeader("Content-Type", "application/json")
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		client.SetHeader("Authorization", "Bearer "+key)
	}
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return &HTTPChecker{client: client, endpoint: strings.TrimSpace(cfg.Endpoint)}
}

type checkRequest struct {
	RunID     string          `json:"runId"`
	ItemID    string          `json:"itemId"`
	AccountID string          `json:"accountId"`
	BatchType string          `json:"batchType"`
	Payload   json.RawMessage `json:"payload"`
}

type checkResponse struct {
	Result      json.RawMessage `json:"result"`
	CreditsUsed *int64          `json:"creditsUsed,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func (c *HTTPChecker) Check(ctx context.Context, item Item) (*Outcome, error) {
	var resp checkResponse
	httpResp, err := c.client.R().
		SetContext(ctx).
		SetBody(checkRequest{
			RunID:     item.RunID,
			ItemID:    item.ItemID,
			AccountID: item.AccountID,
			BatchType: string(item.BatchType),
			Payload:   item.Payload,
		}).
		SetResult(&resp).
		SetError(&resp).
		Post(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("call checker: %w", err)
	}

	status := httpResp.StatusCode()
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, Fatal(fmt.Errorf("checker rejected credentials: status %d", status))
	case status < 200 || status >= 300:
		if resp.Error != "" {
			return nil, fmt.Errorf("checker error: %s", resp.Error)
		}
		return nil, fmt.Errorf("checker error: status %d", status)
	}
	return &Outcome{Output: resp.Result, CreditsUsed: resp.CreditsUsed}, nil
}
