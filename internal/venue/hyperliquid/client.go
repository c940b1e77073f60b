package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"cryptoworker/internal/venue"
)

// APIError is an "err" status answer or a per-item error status.
type APIError struct {
	Message string
}

func (e *APIError) Error() string {
	return "hyperliquid: " + e.Message
}

// client posts to the /info and /exchange endpoints.
type client struct {
	http *resty.Client
}

func newClient(baseURL string, timeout time.Duration) *client {
	r := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &client{http: r}
}

func (c *client) post(ctx context.Context, path string, body interface{}) ([]byte, http.Header, error) {
	resp, err := c.http.R().SetContext(ctx).SetBody(body).Post(path)
	if err != nil {
		return nil, nil, fmt.Errorf("hyperliquid %s: %w", path, err)
	}
	if resp.IsError() {
		return nil, resp.Header(), fmt.Errorf("hyperliquid %s: http %d: %s", path, resp.StatusCode(), bytes.TrimSpace(resp.Body()))
	}
	return resp.Body(), resp.Header(), nil
}

// info runs one read-only query.
func (c *client) info(ctx context.Context, body interface{}, out interface{}) (http.Header, error) {
	raw, header, err := c.post(ctx, "/info", body)
	if err != nil {
		return header, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return header, fmt.Errorf("hyperliquid info decode: %w", err)
	}
	return header, nil
}

type exchangeRequest struct {
	Action       interface{} `json:"action"`
	Nonce        int64       `json:"nonce"`
	Signature    Signature   `json:"signature"`
	VaultAddress *string     `json:"vaultAddress"`
}

type exchangeResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type responseBody struct {
	Type string `json:"type"`
	Data struct {
		Statuses []json.RawMessage `json:"statuses"`
	} `json:"data"`
}

// exchange submits a signed action and returns the per-item statuses, if any.
func (c *client) exchange(ctx context.Context, req exchangeRequest) ([]json.RawMessage, http.Header, error) {
	raw, header, err := c.post(ctx, "/exchange", req)
	if err != nil {
		return nil, header, err
	}
	var resp exchangeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, header, fmt.Errorf("hyperliquid exchange decode: %w", err)
	}
	if resp.Status != "ok" {
		var msg string
		if json.Unmarshal(resp.Response, &msg) != nil {
			msg = string(resp.Response)
		}
		return nil, header, &APIError{Message: msg}
	}
	var body responseBody
	if len(resp.Response) > 0 && resp.Response[0] == '{' {
		if err := json.Unmarshal(resp.Response, &body); err != nil {
			return nil, header, fmt.Errorf("hyperliquid exchange decode: %w", err)
		}
	}
	return body.Data.Statuses, header, nil
}

// itemStatus is one entry of an order or cancel answer: either the string
// "success" or an object.
type itemStatus struct {
	Error   string `json:"error"`
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting"`
	Filled *struct {
		Oid     int64     `json:"oid"`
		TotalSz venue.Num `json:"totalSz"`
		AvgPx   venue.Num `json:"avgPx"`
	} `json:"filled"`
}

func parseStatus(raw json.RawMessage) (itemStatus, error) {
	var st itemStatus
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		return st, nil
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("hyperliquid status decode: %w", err)
	}
	if st.Error != "" {
		return st, &APIError{Message: st.Error}
	}
	return st, nil
}
