// Package api is the client of the chat REST collaborator.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"labchat/internal/metrics"
	"labchat/internal/models"

	"github.com/c-pro/geche"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var ErrUnauthorized = errors.New("unauthorized")

const (
	defaultTimeout    = 15 * time.Second
	defaultRate       = 20
	defaultSummaryTTL = 5 * time.Minute
	getRetries        = 2
)

// Error is a non-2xx response.
type Error struct {
	Op      string
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Message)
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case models.ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// RatePerSecond caps outgoing requests; bursts up to twice the rate pass.
	RatePerSecond float64
	SummaryTTL    time.Duration
	HTTPClient    *http.Client
	Metrics       *metrics.Collectors
	Logger        *slog.Logger
}

type Client struct {
	base      *url.URL
	token     string
	http      *http.Client
	limiter   *rate.Limiter
	summaries geche.Geche[string, string]
	metrics   *metrics.Collectors
	log       *slog.Logger
}

// New builds a client. ctx bounds the lifetime of the summary cache janitor.
func New(ctx context.Context, cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid api url %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid api url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = defaultRate
	}
	if cfg.SummaryTTL <= 0 {
		cfg.SummaryTTL = defaultSummaryTTL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	burst := int(cfg.RatePerSecond * 2)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		base:      base,
		token:     cfg.Token,
		http:      cfg.HTTPClient,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst),
		summaries: geche.NewMapTTLCache[string, string](ctx, cfg.SummaryTTL, time.Minute),
		metrics:   cfg.Metrics,
		log:       cfg.Logger.With("component", "api"),
	}, nil
}

// call performs one JSON request and decodes the response into out, if set.
func (c *Client) call(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	var (
		payload     []byte
		contentType string
	)
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			err = fmt.Errorf("%s: failed to encode request: %w", op, err)
			c.metrics.RESTCall(op, err)
			return err
		}
		contentType = "application/json"
	}
	return c.exec(ctx, op, method, path, query, payload, contentType, out)
}

// exec sends payload and records the outcome. Idempotent GETs are retried on
// transport errors and 5xx responses.
func (c *Client) exec(ctx context.Context, op, method, path string, query url.Values, payload []byte, contentType string, out any) error {
	attempt := func() error {
		req, err := c.newRequest(ctx, method, path, query, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%s: %w", op, err))
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		return c.send(op, req, out)
	}

	var err error
	if method == http.MethodGet {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 100 * time.Millisecond
		err = backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(b, getRetries), ctx))
	} else {
		err = attempt()
	}
	err = unwrapPermanent(err)
	c.metrics.RESTCall(op, err)
	return err
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	// path is already escaped.
	u := *c.base
	u.RawPath = c.base.EscapedPath() + path
	unescaped, err := url.PathUnescape(u.RawPath)
	if err != nil {
		return nil, fmt.Errorf("invalid request path %q: %w", path, err)
	}
	u.Path = unescaped
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.token != "" {
		req.Header.Set("token", c.token)
	}
	return req, nil
}

// send executes req. Errors that retrying cannot fix are marked permanent.
func (c *Client) send(op string, req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return backoff.Permanent(fmt.Errorf("%s: %w", op, err))
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{Op: op, Status: resp.StatusCode, Message: errorMessage(resp.Body)}
		c.log.Debug("request failed", "op", op, "status", resp.StatusCode, "request_id", req.Header.Get("X-Request-ID"))
		if resp.StatusCode >= 500 {
			return apiErr
		}
		return backoff.Permanent(apiErr)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("%s: failed to decode response: %w", op, err))
	}
	return nil
}

func errorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &e) == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	return strings.TrimSpace(string(data))
}
