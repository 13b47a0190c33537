package matrix

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
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// HomeserverURL is the base URL of the Matrix homeserver
	// (e.g., "https://synapse.production-messaging.adaire.dev").
	HomeserverURL string
	// AccessToken authenticates all requests.
	AccessToken string
	// UserID is the fully-qualified Matrix user ID of the bridge bot.
	// Used to skip the bridge's own messages during sync.
	UserID string
	// HTTPClient is used for all requests. If nil, a client with a
	// 60 second timeout is used (must exceed the sync long-poll hold).
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, logging is disabled.
	Logger *zerolog.Logger
}

// Client is an authenticated Matrix client-server API client.
// Safe for concurrent use.
type Client struct {
	baseURL     string
	accessToken string
	userID      string
	httpClient  *http.Client
	log         *zerolog.Logger

	// txnCounter generates unique transaction IDs for idempotent sends.
	// Seeded with the process start time so restarts don't reuse IDs.
	txnCounter atomic.Int64
	txnPrefix  string
}

// NewClient creates a new Matrix client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.HomeserverURL == "" {
		return nil, fmt.Errorf("matrix: homeserver URL is required")
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("matrix: access token is required")
	}
	if _, err := url.Parse(cfg.HomeserverURL); err != nil {
		return nil, fmt.Errorf("matrix: invalid homeserver URL %q: %w", cfg.HomeserverURL, err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	logger := cfg.Logger
	if logger == nil {
		disabled := zerolog.Nop()
		logger = &disabled
	}

	c := &Client{
		baseURL:     strings.TrimRight(cfg.HomeserverURL, "/"),
		accessToken: cfg.AccessToken,
		userID:      cfg.UserID,
		httpClient:  httpClient,
		log:         logger,
		txnPrefix:   fmt.Sprintf("bridge%d", time.Now().UnixNano()),
	}
	return c, nil
}

// UserID returns the configured Matrix user ID of the bridge bot.
func (c *Client) UserID() string {
	return c.userID
}

// CloseIdleConnections drops idle HTTP connections in the transport pool.
// Call after a sync error so the next request opens a fresh socket
// instead of reusing a poisoned pooled connection.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// WhoAmI validates the access token and returns the user ID.
func (c *Client) WhoAmI(ctx context.Context) (string, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", nil, nil)
	if err != nil {
		return "", fmt.Errorf("matrix: whoami failed: %w", err)
	}

	var response WhoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("matrix: failed to parse whoami response: %w", err)
	}
	return response.UserID, nil
}

// JoinRoom joins a room by ID or alias. Returns the resolved room ID.
func (c *Client) JoinRoom(ctx context.Context, roomIDOrAlias string) (string, error) {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomIDOrAlias)
	body, err := c.doRequest(ctx, http.MethodPost, path, struct{}{}, nil)
	if err != nil {
		return "", fmt.Errorf("matrix: join room %q failed: %w", roomIDOrAlias, err)
	}

	var response struct {
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("matrix: failed to parse join response: %w", err)
	}
	return response.RoomID, nil
}

// CreateRoom creates a new Matrix room.
func (c *Client) CreateRoom(ctx context.Context, request CreateRoomRequest) (string, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", request, nil)
	if err != nil {
		return "", fmt.Errorf("matrix: create room failed: %w", err)
	}

	var response CreateRoomResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("matrix: failed to parse createRoom response: %w", err)
	}

	c.log.Info().Str("room_id", response.RoomID).Str("name", request.Name).Msg("created matrix room")
	return response.RoomID, nil
}

// JoinedRooms returns the list of room IDs the bridge has joined.
func (c *Client) JoinedRooms(ctx context.Context) ([]string, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/joined_rooms", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("matrix: joined rooms failed: %w", err)
	}

	var response JoinedRoomsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("matrix: failed to parse joined rooms response: %w", err)
	}
	return response.JoinedRooms, nil
}

// SendMessage sends an m.room.message event to a room. Returns the event ID.
func (c *Client) SendMessage(ctx context.Context, roomID string, content MessageContent) (string, error) {
	return c.SendEvent(ctx, roomID, "m.room.message", content)
}

// SendEvent sends an event of any type to a room using Matrix's
// idempotent PUT with a transaction ID: redelivering the same
// transaction returns the original event instead of duplicating it.
// Returns the event ID.
func (c *Client) SendEvent(ctx context.Context, roomID, eventType string, content any) (string, error) {
	transactionID := c.nextTransactionID()
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID),
		url.PathEscape(eventType),
		url.PathEscape(transactionID),
	)

	body, err := c.doRequest(ctx, http.MethodPut, path, content, nil)
	if err != nil {
		return "", fmt.Errorf("matrix: send event to %q failed: %w", roomID, err)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("matrix: failed to parse send response: %w", err)
	}
	return response.EventID, nil
}

// Sync performs an incremental sync with the homeserver.
// For an initial sync, leave options.Since empty. For long-polling, set
// options.Timeout to the desired server-side hold in milliseconds.
func (c *Client) Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	if options.SetTimeout {
		query.Set("timeout", strconv.Itoa(options.Timeout))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}

	body, err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/sync", nil, query)
	if err != nil {
		return nil, fmt.Errorf("matrix: sync failed: %w", err)
	}

	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("matrix: failed to parse sync response: %w", err)
	}
	return &response, nil
}

func (c *Client) nextTransactionID() string {
	return c.txnPrefix + "." + strconv.FormatInt(c.txnCounter.Add(1), 10)
}

// doRequest performs an authenticated JSON request against the
// homeserver. A non-2xx response with a Matrix error body is returned
// as a *Error.
func (c *Client) doRequest(ctx context.Context, method, path string, payload any, query url.Values) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		matrixErr := &Error{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(responseBody, matrixErr); jsonErr != nil || matrixErr.Code == "" {
			matrixErr.Code = ErrCodeUnknown
			matrixErr.Message = strings.TrimSpace(string(responseBody))
		}
		return nil, matrixErr
	}

	return responseBody, nil
}
