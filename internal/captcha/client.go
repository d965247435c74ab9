// Package captcha talks to the Challenge Provider: an HTTP service that
// returns a PNG captcha with its solution in a response header. It also
// contains a reference provider (Renderer + Handler) used by
// cmd/captcha-server.
package captcha

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// SolutionHeader carries the plaintext solution on a provider response.
const SolutionHeader = "X-Captcha-Solution"

// Provider response errors.
var (
	// ErrProviderStatus is returned for any non-200 provider response.
	ErrProviderStatus = errors.New("captcha provider returned non-success status")
	// ErrEmptyImage is returned when the provider sent no image bytes.
	ErrEmptyImage = errors.New("captcha provider returned an empty image")
	// ErrMissingSolution is returned when the solution header is absent.
	ErrMissingSolution = errors.New("captcha provider response has no solution")
)

// maxImageBytes bounds the image read from the provider.
const maxImageBytes = 4 << 20

// Challenge is one issued captcha.
type Challenge struct {
	Image       []byte
	ContentType string
	Solution    string
	Width       int
	Height      int
}

// Client requests challenges from a provider endpoint.
type Client struct {
	Endpoint   string
	HTTPClient *http.Client
}

// NewClient returns a Client for endpoint with the given request timeout.
func NewClient(endpoint string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("captcha: invalid endpoint %q", endpoint)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{Endpoint: u.String(), HTTPClient: &http.Client{Timeout: timeout}}, nil
}

// Challenge fetches a new captcha of the given geometry.
func (c *Client) Challenge(ctx context.Context, width, height, chars int) (*Challenge, error) {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("captcha: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("width", strconv.Itoa(width))
	q.Set("height", strconv.Itoa(height))
	q.Set("chars", strconv.Itoa(chars))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("captcha: build request: %w", err)
	}
	req.Header.Set("Content-Type", "image/png")

	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("captcha: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
		return nil, fmt.Errorf("%w: %d", ErrProviderStatus, resp.StatusCode)
	}
	img, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("captcha: read image: %w", err)
	}
	if len(img) == 0 {
		return nil, ErrEmptyImage
	}
	solution := strings.TrimSpace(resp.Header.Get(SolutionHeader))
	if solution == "" {
		return nil, ErrMissingSolution
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "image/png"
	}
	return &Challenge{
		Image:       img,
		ContentType: ct,
		Solution:    solution,
		Width:       width,
		Height:      height,
	}, nil
}
