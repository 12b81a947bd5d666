// Package rpcclient calls the bp-driver control API.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Error is an RPC the driver answered with an error.
type Error struct {
	Method     string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (HTTP %d)", e.Method, e.Message, e.StatusCode)
}

// Client calls one driver.
type Client struct {
	url        string
	httpClient *http.Client
}

// New returns a Client for the /rpc endpoint at rpcURL. A zero timeout means
// calls are bounded only by their context.
func New(rpcURL string, timeout time.Duration) *Client {
	return &Client{url: rpcURL, httpClient: &http.Client{Timeout: timeout}}
}

// Call sends method for reservationID and returns the raw JSON result.
func (c *Client) Call(ctx context.Context, method, reservationID string, params any) (json.RawMessage, error) {
	reqBody, err := json.Marshal(map[string]any{
		"method":         method,
		"reservation_id": reservationID,
		"params":         params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("RPC call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read RPC response: %w", err)
	}
	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &Error{Method: method, StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(body))}
		}
		return nil, fmt.Errorf("parse RPC response: %w", err)
	}
	if rpcResp.Error != "" || resp.StatusCode != http.StatusOK {
		return nil, &Error{Method: method, StatusCode: resp.StatusCode, Message: rpcResp.Error}
	}
	return rpcResp.Result, nil
}

// CallInto calls method and decodes the result into out.
func (c *Client) CallInto(ctx context.Context, method, reservationID string, params, out any) error {
	raw, err := c.Call(ctx, method, reservationID, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}
