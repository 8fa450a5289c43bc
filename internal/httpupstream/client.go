package httpupstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/angeloszaimis/media-orchestrator/internal/upstream"
)

const (
	DefaultHealthPath = "/health"
	APIKeyHeader      = "X-Api-Key"

	maxResponseBytes = 10 << 20
)

var toolName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Client talks to one upstream service. It is safe for concurrent use.
type Client struct {
	name       string
	baseURL    *url.URL
	healthPath string
	apiKey     string
	httpClient *http.Client
}

var _ upstream.Handle = (*Client)(nil)

type Option func(*Client)

func WithHealthPath(path string) Option {
	return func(c *Client) {
		if path != "" {
			c.healthPath = path
		}
	}
}

// WithAPIKey sends key in the X-Api-Key header on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func New(name, rawURL string, opts ...Option) (*Client, error) {
	if err := validation.Validate(rawURL, validation.Required, is.URL); err != nil {
		return nil, upstream.Wrap(err, upstream.KindValidation, "invalid upstream url", "upstream", name, "url", rawURL)
	}

	baseURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, upstream.Wrap(err, upstream.KindValidation, "invalid upstream url", "upstream", name, "url", rawURL)
	}

	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, upstream.Errorf(upstream.KindValidation, "unsupported scheme %q for upstream %s", baseURL.Scheme, name)
	}

	c := &Client{
		name:       name,
		baseURL:    baseURL,
		healthPath: DefaultHealthPath,
		httpClient: &http.Client{},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func (c *Client) Name() string {
	return c.name
}

// URL returns the upstream base URL.
func (c *Client) URL() *url.URL {
	return c.baseURL
}

func (c *Client) Invoke(ctx context.Context, tool string, params map[string]any) (any, error) {
	if err := validation.Validate(tool, validation.Required, validation.Match(toolName)); err != nil {
		return nil, upstream.Wrap(err, upstream.KindValidation, "invalid tool name", "upstream", c.name, "tool", tool)
	}

	if params == nil {
		params = map[string]any{}
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, upstream.Wrap(err, upstream.KindValidation, "params are not JSON encodable", "upstream", c.name, "tool", tool)
	}

	endpoint := c.baseURL.JoinPath("tools", tool)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, upstream.Wrap(err, upstream.KindValidation, "building request", "upstream", c.name, "tool", tool)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	start := time.Now()
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, err, tool)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, c.transportError(ctx, err, tool)
	}

	if kind, failed := classifyStatus(res.StatusCode); failed {
		return nil, upstream.NewError(kind, errorMessage(res.StatusCode, raw),
			"upstream", c.name,
			"tool", tool,
			"status", res.StatusCode,
			"retry_after", res.Header.Get("Retry-After"),
			"elapsed", time.Since(start))
	}

	return decodePayload(raw), nil
}

// Probe reports whether the health endpoint answers 200 within ctx.
func (c *Client) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.JoinPath(c.healthPath).String(), nil)
	if err != nil {
		return false
	}
	c.authorize(req)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxResponseBytes))

	return res.StatusCode == http.StatusOK
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}
}

func (c *Client) transportError(ctx context.Context, err error, tool string) error {
	kind := upstream.KindTransient

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = upstream.KindTimeout
	}

	return upstream.Wrap(err, kind, "request to upstream failed", "upstream", c.name, "tool", tool)
}

func classifyStatus(status int) (upstream.ErrorKind, bool) {
	switch {
	case status >= 200 && status < 300:
		return "", false
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return upstream.KindPermanent, true
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return upstream.KindTimeout, true
	case status == http.StatusTooManyRequests, status >= 500:
		return upstream.KindTransient, true
	case status >= 400:
		return upstream.KindValidation, true
	default:
		return upstream.KindTransient, true
	}
}

// errorMessage prefers the upstream's own "error" or "message" field.
func errorMessage(status int, raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}

	if json.Unmarshal(raw, &body) == nil {
		if body.Error != "" {
			return fmt.Sprintf("upstream returned %d: %s", status, body.Error)
		}
		if body.Message != "" {
			return fmt.Sprintf("upstream returned %d: %s", status, body.Message)
		}
	}

	return fmt.Sprintf("upstream returned %d %s", status, http.StatusText(status))
}

// decodePayload returns the decoded JSON body, or the raw text when the
// body is not JSON.
func decodePayload(raw []byte) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return strings.TrimSpace(string(raw))
	}
	return payload
}
