// Package matrix is a narrow Matrix client-server API v3 client covering
// exactly what the gate bot needs: membership and message events from
// /sync, room creation and departure, power levels, redaction, receipts,
// and media upload.
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxRateLimitRetries   = 3
	maxResponseBytes      = 16 << 20
)

// Config holds configuration for creating a Client.
type Config struct {
	// HomeserverURL is the base URL of the homeserver, e.g. "https://matrix.org".
	HomeserverURL string
	// AccessToken authenticates every request.
	AccessToken string
	// HTTPClient is used for all requests. If nil, a client without a global
	// timeout is used; per-request deadlines come from RequestTimeout.
	HTTPClient *http.Client
	// RequestTimeout bounds every non-sync request. Zero means 30s.
	RequestTimeout time.Duration
	// RPS and Burst pace outbound requests. RPS <= 0 disables pacing.
	RPS   float64
	Burst int
	// Logger receives request-level diagnostics.
	Logger zerolog.Logger
}

// Client is an authenticated Matrix client bound to one bot account.
type Client struct {
	baseURL        string
	token          string
	httpClient     *http.Client
	limiter        *rate.Limiter
	requestTimeout time.Duration
	logger         zerolog.Logger

	mu     sync.RWMutex
	userID string

	// sleep is swapped in tests to avoid real waits on M_LIMIT_EXCEEDED.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient validates cfg and returns a Client. Call WhoAmI once before use
// so UserID is known.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.HomeserverURL) == "" {
		return nil, errors.New("matrix: HomeserverURL is required")
	}
	if _, err := url.Parse(cfg.HomeserverURL); err != nil {
		return nil, fmt.Errorf("matrix: invalid HomeserverURL %q: %w", cfg.HomeserverURL, err)
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, errors.New("matrix: AccessToken is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.HomeserverURL, "/"),
		token:          cfg.AccessToken,
		httpClient:     httpClient,
		limiter:        limiter,
		requestTimeout: timeout,
		logger:         cfg.Logger.With().Str("component", "matrix").Logger(),
		sleep:          sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// UserID returns the bot's own user ID as resolved by WhoAmI.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// WhoAmI resolves and caches the user ID owning the access token.
func (c *Client) WhoAmI(ctx context.Context) (string, error) {
	var resp whoAmIResponse
	if err := c.call(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", nil, nil, &resp); err != nil {
		return "", fmt.Errorf("matrix: whoami failed: %w", err)
	}
	c.mu.Lock()
	c.userID = resp.UserID
	c.mu.Unlock()
	return resp.UserID, nil
}

// DisplayName returns the global display name of userID ("" if unset).
func (c *Client) DisplayName(ctx context.Context, userID string) (string, error) {
	var resp displayNameResponse
	path := "/_matrix/client/v3/profile/" + url.PathEscape(userID) + "/displayname"
	if err := c.call(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		if IsMatrixError(err, ErrCodeNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("matrix: get displayname of %q failed: %w", userID, err)
	}
	return resp.DisplayName, nil
}

// JoinedRooms returns the rooms the bot is joined to.
func (c *Client) JoinedRooms(ctx context.Context) ([]string, error) {
	var resp joinedRoomsResponse
	if err := c.call(ctx, http.MethodGet, "/_matrix/client/v3/joined_rooms", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("matrix: joined rooms failed: %w", err)
	}
	return resp.JoinedRooms, nil
}

// JoinRoom joins a room by ID or alias and returns the room ID.
func (c *Client) JoinRoom(ctx context.Context, roomIDOrAlias string) (string, error) {
	var resp createRoomResponse
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomIDOrAlias)
	if err := c.call(ctx, http.MethodPost, path, nil, struct{}{}, &resp); err != nil {
		return "", fmt.Errorf("matrix: join %q failed: %w", roomIDOrAlias, err)
	}
	return resp.RoomID, nil
}

// CreateRoom creates a room and returns its ID.
func (c *Client) CreateRoom(ctx context.Context, req CreateRoomRequest) (string, error) {
	var resp createRoomResponse
	if err := c.call(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", nil, req, &resp); err != nil {
		return "", fmt.Errorf("matrix: create room failed: %w", err)
	}
	return resp.RoomID, nil
}

// InviteUser invites userID into roomID.
func (c *Client) InviteUser(ctx context.Context, roomID, userID string) error {
	path := roomPath(roomID, "invite")
	if err := c.call(ctx, http.MethodPost, path, nil, map[string]string{"user_id": userID}, nil); err != nil {
		return fmt.Errorf("matrix: invite %q to %q failed: %w", userID, roomID, err)
	}
	return nil
}

// LeaveRoom leaves roomID with an optional reason.
func (c *Client) LeaveRoom(ctx context.Context, roomID, reason string) error {
	body := map[string]string{}
	if reason != "" {
		body["reason"] = reason
	}
	if err := c.call(ctx, http.MethodPost, roomPath(roomID, "leave"), nil, body, nil); err != nil {
		return fmt.Errorf("matrix: leave %q failed: %w", roomID, err)
	}
	return nil
}

// JoinedMembers returns the user IDs currently joined to roomID.
func (c *Client) JoinedMembers(ctx context.Context, roomID string) ([]string, error) {
	var resp joinedMembersResponse
	if err := c.call(ctx, http.MethodGet, roomPath(roomID, "joined_members"), nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("matrix: joined members of %q failed: %w", roomID, err)
	}
	out := make([]string, 0, len(resp.Joined))
	for id := range resp.Joined {
		out = append(out, id)
	}
	return out, nil
}

// SendEvent sends a message-like event with a fresh transaction ID and
// returns the event ID.
func (c *Client) SendEvent(ctx context.Context, roomID, eventType string, content any) (string, error) {
	txnID, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("matrix: transaction id: %w", err)
	}
	path := roomPath(roomID, "send", eventType, txnID)
	var resp sendEventResponse
	if err := c.call(ctx, http.MethodPut, path, nil, content, &resp); err != nil {
		return "", fmt.Errorf("matrix: send %s to %q failed: %w", eventType, roomID, err)
	}
	return resp.EventID, nil
}

// SendMessage sends an m.room.message.
func (c *Client) SendMessage(ctx context.Context, roomID string, content MessageContent) (string, error) {
	return c.SendEvent(ctx, roomID, EventTypeMessage, content)
}

// RedactEvent redacts eventID in roomID with reason.
func (c *Client) RedactEvent(ctx context.Context, roomID, eventID, reason string) (string, error) {
	txnID, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("matrix: transaction id: %w", err)
	}
	body := map[string]string{}
	if reason != "" {
		body["reason"] = reason
	}
	var resp sendEventResponse
	if err := c.call(ctx, http.MethodPut, roomPath(roomID, "redact", eventID, txnID), nil, body, &resp); err != nil {
		return "", fmt.Errorf("matrix: redact %q in %q failed: %w", eventID, roomID, err)
	}
	return resp.EventID, nil
}

// SendReadReceipt marks eventID as read by the bot.
func (c *Client) SendReadReceipt(ctx context.Context, roomID, eventID string) error {
	if err := c.call(ctx, http.MethodPost, roomPath(roomID, "receipt", "m.read", eventID), nil, struct{}{}, nil); err != nil {
		return fmt.Errorf("matrix: receipt for %q failed: %w", eventID, err)
	}
	return nil
}

// GetStateEvent fetches the content of a state event.
func (c *Client) GetStateEvent(ctx context.Context, roomID, eventType, stateKey string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.call(ctx, http.MethodGet, roomPath(roomID, "state", eventType, stateKey), nil, nil, &raw); err != nil {
		return nil, fmt.Errorf("matrix: get state %s/%s in %q failed: %w", eventType, stateKey, roomID, err)
	}
	return raw, nil
}

// SendStateEvent writes a state event and returns its event ID.
func (c *Client) SendStateEvent(ctx context.Context, roomID, eventType, stateKey string, content any) (string, error) {
	var resp sendEventResponse
	if err := c.call(ctx, http.MethodPut, roomPath(roomID, "state", eventType, stateKey), nil, content, &resp); err != nil {
		return "", fmt.Errorf("matrix: send state %s to %q failed: %w", eventType, roomID, err)
	}
	return resp.EventID, nil
}

// PowerLevels reads m.room.power_levels of roomID.
func (c *Client) PowerLevels(ctx context.Context, roomID string) (*PowerLevels, error) {
	raw, err := c.GetStateEvent(ctx, roomID, EventTypePowerLevels, "")
	if err != nil {
		return nil, err
	}
	var pl PowerLevels
	if err := json.Unmarshal(raw, &pl); err != nil {
		return nil, fmt.Errorf("matrix: parse power levels of %q: %w", roomID, err)
	}
	return &pl, nil
}

// SetPowerLevels writes pl back as m.room.power_levels of roomID.
func (c *Client) SetPowerLevels(ctx context.Context, roomID string, pl *PowerLevels) error {
	_, err := c.SendStateEvent(ctx, roomID, EventTypePowerLevels, "", pl)
	return err
}

// RoomLabel returns a human label for roomID: the canonical alias, else the
// room name, else the ID itself. Lookup failures fall through silently.
func (c *Client) RoomLabel(ctx context.Context, roomID string) string {
	if raw, err := c.GetStateEvent(ctx, roomID, EventTypeCanonicalAlias, ""); err == nil {
		var v struct {
			Alias string `json:"alias"`
		}
		if json.Unmarshal(raw, &v) == nil && v.Alias != "" {
			return v.Alias
		}
	}
	if raw, err := c.GetStateEvent(ctx, roomID, EventTypeName, ""); err == nil {
		var v struct {
			Name string `json:"name"`
		}
		if json.Unmarshal(raw, &v) == nil && v.Name != "" {
			return v.Name
		}
	}
	return roomID
}

// RoomType returns the m.room.create "type" of roomID ("" for plain rooms).
func (c *Client) RoomType(ctx context.Context, roomID string) (string, error) {
	raw, err := c.GetStateEvent(ctx, roomID, EventTypeCreate, "")
	if err != nil {
		return "", err
	}
	var v struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("matrix: parse create event of %q: %w", roomID, err)
	}
	return v.Type, nil
}

// UploadMedia uploads data to the media repository and returns the mxc:// URI.
func (c *Client) UploadMedia(ctx context.Context, contentType, filename string, data []byte) (string, error) {
	q := url.Values{}
	if filename != "" {
		q.Set("filename", filename)
	}
	var resp uploadResponse
	if err := c.callRaw(ctx, http.MethodPost, "/_matrix/media/v3/upload", q, contentType, data, &resp); err != nil {
		return "", fmt.Errorf("matrix: media upload failed: %w", err)
	}
	return resp.ContentURI, nil
}

// Sync performs one /sync long-poll.
func (c *Client) Sync(ctx context.Context, opts SyncOptions) (*SyncResponse, error) {
	q := url.Values{}
	if opts.Since != "" {
		q.Set("since", opts.Since)
	}
	q.Set("timeout", strconv.Itoa(opts.Timeout))
	if opts.Filter != "" {
		q.Set("filter", opts.Filter)
	}
	var resp SyncResponse
	// The long-poll outlives requestTimeout, so only the caller's ctx bounds it.
	if err := c.do(ctx, http.MethodGet, "/_matrix/client/v3/sync", q, "application/json", nil, &resp); err != nil {
		return nil, fmt.Errorf("matrix: sync failed: %w", err)
	}
	return &resp, nil
}

func roomPath(roomID string, parts ...string) string {
	var b strings.Builder
	b.WriteString("/_matrix/client/v3/rooms/")
	b.WriteString(url.PathEscape(roomID))
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

// call performs a JSON request bounded by requestTimeout.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("matrix: marshal request body: %w", err)
		}
	}
	return c.callRaw(ctx, method, path, query, "application/json", payload, out)
}

func (c *Client) callRaw(ctx context.Context, method, path string, query url.Values, contentType string, payload []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	return c.do(ctx, method, path, query, contentType, payload, out)
}

// do paces, sends and decodes one request, retrying M_LIMIT_EXCEEDED after
// the server-provided delay.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, contentType string, payload []byte, out any) error {
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		err := c.once(ctx, method, path, query, contentType, payload, out)
		var merr *MatrixError
		if !errors.As(err, &merr) || merr.Code != ErrCodeLimitExceeded || attempt >= maxRateLimitRetries {
			return err
		}
		wait := merr.RetryAfter()
		if wait <= 0 {
			wait = time.Second
		}
		c.logger.Warn().Str("path", path).Dur("retry_after", wait).Int("attempt", attempt+1).Msg("rate limited by homeserver")
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (c *Client) once(ctx context.Context, method, path string, query url.Values, contentType string, payload []byte, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("matrix: build request: %w", err)
	}
	if payload != nil && contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("matrix: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("matrix: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var merr MatrixError
		if jsonErr := json.Unmarshal(data, &merr); jsonErr != nil || merr.Code == "" {
			return fmt.Errorf("matrix: unexpected %d response from %s %s: %s",
				resp.StatusCode, method, path, strings.TrimSpace(string(data)))
		}
		merr.StatusCode = resp.StatusCode
		return &merr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("matrix: decode %s %s response: %w", method, path, err)
	}
	return nil
}
