package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"codesubst/subst"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("subst api: %d %s: %s", e.Status, e.Code, e.Message)
}

// Client calls the substitution API.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// NewClient returns a client for the API rooted at baseURL.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   2 * time.Minute,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// WithToken returns a copy of the client that sends token as a bearer credential.
func (c *Client) WithToken(token string) *Client {
	out := *c
	out.token = strings.TrimSpace(token)
	return &out
}

// Status returns one account's status.
func (c *Client) Status(ctx context.Context, account string) (*subst.AccountStatus, error) {
	var st subst.AccountStatus
	if err := c.call(ctx, "status", AccountRequest{Account: account}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// StatusAll returns every tracked account's status.
func (c *Client) StatusAll(ctx context.Context) ([]*subst.AccountStatus, error) {
	return c.rows(ctx, "status", AccountRequest{})
}

// Upsert registers substitute code.
func (c *Client) Upsert(ctx context.Context, req UpsertRequest) (*subst.AccountStatus, error) {
	var st subst.AccountStatus
	if err := c.call(ctx, "upsert", req, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Activate swaps in the substitute for account, or for every tracked account
// when account is empty.
func (c *Client) Activate(ctx context.Context, account string) ([]*subst.AccountStatus, error) {
	return c.rows(ctx, "activate", AccountRequest{Account: account})
}

// Deactivate restores the original for account, or every tracked account.
func (c *Client) Deactivate(ctx context.Context, account string) ([]*subst.AccountStatus, error) {
	return c.rows(ctx, "deactivate", AccountRequest{Account: account})
}

// Remove drops metadata and returns the remaining tracked set.
func (c *Client) Remove(ctx context.Context, account string) ([]*subst.AccountStatus, error) {
	return c.rows(ctx, "remove", AccountRequest{Account: account})
}

// FetchManifest triggers a manifest refresh on the server.
func (c *Client) FetchManifest(ctx context.Context) ([]*subst.AccountStatus, error) {
	return c.rows(ctx, "fetch_manifest", struct{}{})
}

func (c *Client) rows(ctx context.Context, method string, body interface{}) ([]*subst.AccountStatus, error) {
	var resp RowsResponse
	if err := c.call(ctx, method, body, &resp); err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

func (c *Client) call(ctx context.Context, method string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/subst/"+method, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode, Code: "unknown", Message: strings.TrimSpace(string(data))}
		var eb ErrorBody
		if json.Unmarshal(data, &eb) == nil && eb.Error.Code != "" {
			apiErr.Code = eb.Error.Code
			apiErr.Message = eb.Error.Message
		}
		return apiErr
	}
	return json.Unmarshal(data, out)
}
