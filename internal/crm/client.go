// Package crm talks to an Odoo-compatible helpdesk over JSON-RPC.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Error is a structured fault returned by the CRM server.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"-"`
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("crm: %s: %s", e.Message, e.Detail)
	}
	return fmt.Sprintf("crm: %s", e.Message)
}

// ClientConfig holds connection parameters for the CRM.
type ClientConfig struct {
	// URL is the base URL of the CRM server (e.g., "https://crm.example.com").
	URL      string
	Database string
	Username string
	Password string
	// HTTPClient is used for all requests. If nil, a client with a
	// 30 second timeout is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, logging is disabled.
	Logger *zerolog.Logger
}

// Client is a JSON-RPC client for the CRM's external API.
// Authentication is lazy: the first call logs in; a session invalidated
// server-side re-authenticates once before failing.
type Client struct {
	baseURL    string
	database   string
	username   string
	password   string
	httpClient *http.Client
	log        *zerolog.Logger

	requestID atomic.Int64

	mu  sync.Mutex
	uid int64 // 0 when unauthenticated
}

// NewClient creates a CRM client. It does not connect; authentication
// happens on first use.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("crm: URL is required")
	}
	if cfg.Database == "" || cfg.Username == "" {
		return nil, fmt.Errorf("crm: database and username are required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		disabled := zerolog.Nop()
		logger = &disabled
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		database:   cfg.Database,
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: httpClient,
		log:        logger,
	}, nil
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int64     `json:"id"`
}

type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Message string `json:"message"`
	} `json:"data"`
}

// Authenticate logs in and caches the user ID for subsequent calls.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticateLocked(ctx)
}

func (c *Client) authenticateLocked(ctx context.Context) error {
	result, err := c.call(ctx, "common", "login", []any{c.database, c.username, c.password})
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	var uid int64
	if err := json.Unmarshal(result, &uid); err != nil || uid == 0 {
		// Odoo returns `false` for bad credentials rather than a fault.
		return fmt.Errorf("authenticate: invalid credentials for %q", c.username)
	}

	c.uid = uid
	c.log.Info().Int64("uid", uid).Str("database", c.database).Msg("crm authenticated")
	return nil
}

// ExecuteKw invokes a model method through the object service. The
// result is unmarshalled into out when out is non-nil.
func (c *Client) ExecuteKw(ctx context.Context, model, method string, args []any, kwargs map[string]any, out any) error {
	c.mu.Lock()
	if c.uid == 0 {
		if err := c.authenticateLocked(ctx); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	uid := c.uid
	c.mu.Unlock()

	callArgs := []any{c.database, uid, c.password, model, method, args}
	if kwargs != nil {
		callArgs = append(callArgs, kwargs)
	}

	result, err := c.call(ctx, "object", "execute_kw", callArgs)
	if err != nil {
		// A session invalidated server-side surfaces as an access fault.
		// Re-authenticate once and retry.
		var crmErr *Error
		if isAccessError(err, &crmErr) {
			c.mu.Lock()
			c.uid = 0
			authErr := c.authenticateLocked(ctx)
			uid = c.uid
			c.mu.Unlock()
			if authErr != nil {
				return fmt.Errorf("%s.%s: %w", model, method, err)
			}
			callArgs[1] = uid
			result, err = c.call(ctx, "object", "execute_kw", callArgs)
		}
		if err != nil {
			return fmt.Errorf("%s.%s: %w", model, method, err)
		}
	}

	if out != nil {
		if err := json.Unmarshal(result, out); err != nil {
			return fmt.Errorf("%s.%s: unmarshal result: %w", model, method, err)
		}
	}
	return nil
}

func isAccessError(err error, target **Error) bool {
	if !errors.As(err, target) {
		return false
	}
	message := strings.ToLower((*target).Message)
	return strings.Contains(message, "access") || strings.Contains(message, "session")
}

// call performs a single JSON-RPC round trip.
func (c *Client) call(ctx context.Context, service, method string, args []any) (json.RawMessage, error) {
	request := rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  rpcParams{Service: service, Method: method, Args: args},
		ID:      c.requestID.Add(1),
	}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jsonrpc", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read rpc response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rpc status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var response rpcResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("parse rpc response: %w", err)
	}
	if response.Error != nil {
		return nil, &Error{
			Code:    response.Error.Code,
			Message: response.Error.Message,
			Detail:  response.Error.Data.Message,
		}
	}
	return response.Result, nil
}
