// Package search is the HTTP client for the business search API. Each call
// issues exactly one request; retrying is left to the caller, which re-runs
// an incomplete category on its next pass.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bizfetch/internal/logging"
)

const (
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 16 << 20
	userAgent      = "bizfetch/1.0"
)

// Request is one page query.
type Request struct {
	Location   string
	Term       string
	Categories string
	Offset     int
	Limit      int
}

// Response is one page of results. Total is the size of the whole result set,
// not of this page.
type Response struct {
	Total      int               `json:"total"`
	Businesses []json.RawMessage `json:"businesses"`
}

// APIError is an error reported by the API in its response body.
type APIError struct {
	StatusCode  int    `json:"-"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("search api error (status %d): %s: %s", e.StatusCode, e.Code, e.Description)
}

// Pacer delays requests to stay within the API's request rate.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// Observer is told about every completed request.
type Observer interface {
	ObserveRequest(outcome string, elapsed time.Duration)
}

// Config configures a Client.
type Config struct {
	Endpoint   string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Pacer      Pacer
	Observer   Observer
	Logger     *zap.Logger
}

// Client queries the search endpoint.
type Client struct {
	endpoint *url.URL
	apiKey   string
	http     *http.Client
	pacer    Pacer
	observer Observer
	logger   *zap.Logger
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("search endpoint is required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse search endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("search endpoint %q must be http or https", cfg.Endpoint)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		endpoint: u,
		apiKey:   cfg.APIKey,
		http:     httpClient,
		pacer:    cfg.Pacer,
		observer: cfg.Observer,
		logger:   logging.OrNop(cfg.Logger).Named("search"),
	}, nil
}

// Search issues a single page request.
func (c *Client) Search(ctx context.Context, req Request) (Response, error) {
	target := c.buildURL(req)
	if c.pacer != nil {
		if err := c.pacer.Wait(ctx, target); err != nil {
			return Response{}, err
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Response{}, fmt.Errorf("build search request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.observe("transport_error", start)
		return Response{}, fmt.Errorf("search request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Warn("failed to close response body", zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		c.observe("transport_error", start)
		return Response{}, fmt.Errorf("read search response: %w", err)
	}

	out, err := decode(resp.StatusCode, body)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			c.observe("api_error", start)
		} else {
			c.observe("decode_error", start)
		}
		return Response{}, err
	}
	c.observe("ok", start)
	c.logger.Debug("search page fetched",
		zap.String("category", req.Categories),
		zap.Int("offset", req.Offset),
		zap.Int("total", out.Total),
		zap.Int("businesses", len(out.Businesses)),
	)
	return out, nil
}

func (c *Client) buildURL(req Request) string {
	u := *c.endpoint
	q := u.Query()
	q.Set("location", req.Location)
	q.Set("term", req.Term)
	q.Set("offset", strconv.Itoa(req.Offset))
	q.Set("limit", strconv.Itoa(req.Limit))
	q.Set("categories", req.Categories)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) observe(outcome string, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveRequest(outcome, time.Since(start))
	}
}

type envelope struct {
	Error      *APIError         `json:"error"`
	Total      *int              `json:"total"`
	Businesses []json.RawMessage `json:"businesses"`
}

func decode(status int, body []byte) (Response, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Response{}, fmt.Errorf("decode search response (status %d): %w", status, err)
	}
	if env.Error != nil {
		env.Error.StatusCode = status
		return Response{}, env.Error
	}
	if status < 200 || status > 299 {
		return Response{}, &APIError{StatusCode: status, Code: "HTTP_" + strconv.Itoa(status), Description: http.StatusText(status)}
	}
	if env.Total == nil {
		return Response{}, fmt.Errorf("decode search response: missing total")
	}
	out := Response{Total: *env.Total, Businesses: env.Businesses}
	if out.Businesses == nil {
		out.Businesses = []json.RawMessage{}
	}
	return out, nil
}
