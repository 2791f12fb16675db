// Package gateway is the HTTP client for the Exotel WhatsApp v2 API.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"wagateway/internal/apperr"
	"wagateway/internal/model"
)

const (
	DefaultRegion  = "api.exotel.com"
	defaultTimeout = 15 * time.Second
	defaultBodyCap = 64 * 1024
)

// HTTPClient abstracts http.Client for tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Response is a decoded gateway reply. Replies that are not JSON objects are
// wrapped under "data".
type Response map[string]any

type Option func(*Client)

func WithHTTPClient(hc HTTPClient) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithBaseURLResolver replaces https://{subdomain}.{region}; used to point the
// client at a test server.
func WithBaseURLResolver(fn func(*model.Credential) string) Option {
	return func(c *Client) {
		c.resolveBaseURL = fn
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithBodyLimit(limit int64) Option {
	return func(c *Client) {
		if limit > 0 {
			c.maxBodyBytes = limit
		}
	}
}

type Client struct {
	httpClient     HTTPClient
	defaultRegion  string
	resolveBaseURL func(*model.Credential) string
	logger         zerolog.Logger
	maxBodyBytes   int64
}

func NewClient(defaultRegion string, timeout time.Duration, opts ...Option) *Client {
	if strings.TrimSpace(defaultRegion) == "" {
		defaultRegion = DefaultRegion
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		httpClient:    &http.Client{Timeout: timeout},
		defaultRegion: defaultRegion,
		logger:        zerolog.Nop(),
		maxBodyBytes:  defaultBodyCap,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if reflect.ValueOf(c.logger).IsZero() {
		c.logger = zerolog.Nop()
	}
	return c
}

// BaseURL is https://{subdomain}.{region}, region falling back to the default.
func (c *Client) BaseURL(cred *model.Credential) string {
	if c.resolveBaseURL != nil {
		return strings.TrimRight(c.resolveBaseURL(cred), "/")
	}
	region := c.defaultRegion
	if cred.Region != nil && strings.TrimSpace(*cred.Region) != "" {
		region = strings.TrimSpace(*cred.Region)
	}
	return fmt.Sprintf("https://%s.%s", cred.Subdomain, region)
}

// SendMessage posts body (the stored canonical payload) to the messages
// endpoint. body may be raw JSON ([]byte, json.RawMessage) or any value.
func (c *Client) SendMessage(ctx context.Context, cred *model.Credential, body any) (Response, error) {
	return c.do(ctx, http.MethodPost, cred, "/messages", nil, body, "Failed to send message")
}

func (c *Client) ListTemplates(ctx context.Context, cred *model.Credential) (Response, error) {
	return c.do(ctx, http.MethodGet, cred, "/templates", nil, nil, "Failed to list templates")
}

func (c *Client) CreateTemplate(ctx context.Context, cred *model.Credential, body any) (Response, error) {
	return c.do(ctx, http.MethodPost, cred, "/templates", nil, body, "Failed to create template")
}

func (c *Client) CreateOnboardingLink(ctx context.Context, cred *model.Credential) (Response, error) {
	return c.do(ctx, http.MethodPost, cred, "/isv", nil, map[string]any{}, "Failed to create onboarding link")
}

func (c *Client) ValidateOnboardingToken(ctx context.Context, cred *model.Credential, token string) (Response, error) {
	q := url.Values{"access_token": []string{token}}
	return c.do(ctx, http.MethodGet, cred, "/isv", q, nil, "Failed to validate onboarding token")
}

func (c *Client) do(ctx context.Context, method string, cred *model.Credential, path string, query url.Values, body any, failMsg string) (Response, error) {
	if cred == nil {
		return nil, &apperr.UpstreamError{Message: "gateway: credential is required"}
	}

	endpoint := fmt.Sprintf("%s/v2/accounts/%s%s", c.BaseURL(cred), url.PathEscape(cred.SID), path)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := encodeBody(body)
		if err != nil {
			return nil, fmt.Errorf("gateway: encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("gateway: build request: %w", err)
	}
	req.SetBasicAuth(cred.APIKey, cred.APIToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("method", method).Str("path", path).Msg("exotel request failed")
		return nil, &apperr.UpstreamError{Message: fmt.Sprintf("%s: %v", failMsg, err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes))
	if err != nil {
		return nil, &apperr.UpstreamError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("%s: read response: %v", failMsg, err)}
	}
	data := decodeResponse(raw)

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("exotel request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := failMsg
		if m, ok := data["message"].(string); ok && m != "" {
			msg = m
		}
		c.logger.Error().Int("status", resp.StatusCode).Str("path", path).Bytes("body", raw).Msg("exotel error response")
		return nil, &apperr.UpstreamError{StatusCode: resp.StatusCode, Message: msg, Body: raw}
	}
	return data, nil
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	case model.JSONText:
		return []byte(b), nil
	default:
		return json.Marshal(body)
	}
}

func decodeResponse(raw []byte) Response {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Response{}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Response{"raw": string(raw)}
	}
	if obj, ok := v.(map[string]any); ok {
		return obj
	}
	return Response{"data": v}
}
