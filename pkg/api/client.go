package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/conveyor/pkg/engine"
)

// StatusError is a non-2xx answer from the management API.
type StatusError struct {
	Status  int
	Message string
	Code    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api returned %d: %s", e.Status, e.Message)
}

// Client calls the management routes of a running instance.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for the instance at baseURL, e.g.
// http://localhost:8181. A nil httpClient uses a 30s timeout.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/") + ManagementPath,
		token:   token,
		http:    httpClient,
	}
}

// Initiate starts a consumer transfer.
func (c *Client) Initiate(ctx context.Context, req engine.TransferRequest) (*engine.TransferProcess, error) {
	var p engine.TransferProcess
	if err := c.do(ctx, http.MethodPost, "/transfers", req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Get returns one process.
func (c *Client) Get(ctx context.Context, id string) (*engine.TransferProcess, error) {
	var p engine.TransferProcess
	if err := c.do(ctx, http.MethodGet, "/transfers/"+url.PathEscape(id), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// List returns a page of processes.
func (c *Client) List(ctx context.Context, opts engine.ListOptions) (*ProcessList, error) {
	q := url.Values{}
	if opts.State != 0 {
		q.Set("state", opts.State.String())
	}
	if opts.Type != "" {
		q.Set("type", string(opts.Type))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/transfers"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var list ProcessList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Trigger posts an operator action (terminate, complete, suspend, resume or
// deprovision) for id. body may be nil.
func (c *Client) Trigger(ctx context.Context, id, action string, body interface{}) (*engine.TransferProcess, error) {
	var p engine.TransferProcess
	if err := c.do(ctx, http.MethodPost, "/transfers/"+url.PathEscape(id)+"/"+action, body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBody))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb errorResponse
		if err := json.Unmarshal(data, &eb); err != nil || eb.Error == "" {
			eb.Error = strings.TrimSpace(string(data))
		}
		return &StatusError{Status: resp.StatusCode, Message: eb.Error, Code: eb.Code}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
