// Package directory is the HTTP and WebSocket client for the remote key
// directory. It implements keysync.Directory.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	errs "github.com/alexjbarnes/keysync/internal/errors"
	"github.com/alexjbarnes/keysync/internal/keysync"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout      = 15 * time.Second
	defaultRPS          = 10
	defaultReconnectMin = 5 * time.Second
	defaultReconnectMax = 5 * time.Minute
	defaultPingInterval = 30 * time.Second
)

// Config configures a Client. Zero durations and rates take defaults.
type Config struct {
	BaseURL           string
	Token             string
	Timeout           time.Duration
	RequestsPerSecond float64
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	PingInterval      time.Duration
}

// Client talks to the key directory.
type Client struct {
	rest    *resty.Client
	wsBase  string
	token   string
	limiter *rate.Limiter
	logger  *slog.Logger

	timeout      time.Duration
	reconnectMin time.Duration
	reconnectMax time.Duration
	pingInterval time.Duration
}

var _ keysync.Directory = (*Client)(nil)

// New builds a Client. BaseURL must be an http or https URL.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")

	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parsing directory url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("directory url must be http or https, got %q", cfg.BaseURL)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRPS
	}

	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}

	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = max(defaultReconnectMax, cfg.ReconnectMin)
	}

	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}

	rest := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	if cfg.Token != "" {
		rest.SetAuthToken(cfg.Token)
	}

	return &Client{
		rest:         rest,
		wsBase:       u.String(),
		token:        cfg.Token,
		limiter:      rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(max(1, cfg.RequestsPerSecond))),
		logger:       logger,
		timeout:      cfg.Timeout,
		reconnectMin: cfg.ReconnectMin,
		reconnectMax: cfg.ReconnectMax,
		pingInterval: cfg.PingInterval,
	}, nil
}

type uploadRequest struct {
	Data      []byte `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// UploadKeyComponent stores one key component for a device.
func (c *Client) UploadKeyComponent(ctx context.Context, userID, deviceID, componentType string, data []byte) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}

	resp, err := req.
		SetPathParams(map[string]string{"user": userID, "device": deviceID, "type": componentType}).
		SetHeader("Content-Type", "application/json").
		SetBody(uploadRequest{Data: data, Timestamp: time.Now().UnixMilli()}).
		Put("/v1/users/{user}/devices/{device}/keys/{type}")
	if err != nil {
		return fmt.Errorf("%w: upload request: %w", errs.ErrDirectory, err)
	}

	return mapHTTPError(resp)
}

// DownloadKeyBundle fetches a user's bundle. A 404 means the user has no
// keys and is reported as ok=false.
func (c *Client) DownloadKeyBundle(ctx context.Context, userID string) (keysync.KeyBundle, bool, error) {
	req, err := c.request(ctx)
	if err != nil {
		return keysync.KeyBundle{}, false, err
	}

	resp, err := req.
		SetPathParam("user", userID).
		Get("/v1/users/{user}/bundle")
	if err != nil {
		return keysync.KeyBundle{}, false, fmt.Errorf("%w: bundle request: %w", errs.ErrDirectory, err)
	}

	if resp.StatusCode() == http.StatusNotFound {
		return keysync.KeyBundle{}, false, nil
	}

	if err := mapHTTPError(resp); err != nil {
		return keysync.KeyBundle{}, false, err
	}

	var bundle keysync.KeyBundle
	if err := json.Unmarshal(resp.Body(), &bundle); err != nil {
		return keysync.KeyBundle{}, false, fmt.Errorf("%w: decoding bundle: %w", errs.ErrPermanent, err)
	}

	if bundle.UserID == "" {
		bundle.UserID = userID
	}

	if len(bundle.Components) == 0 {
		return keysync.KeyBundle{}, false, nil
	}

	return bundle, true, nil
}

// DeleteAll removes every key of a user. Deleting an unknown user is not
// an error.
func (c *Client) DeleteAll(ctx context.Context, userID string) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}

	resp, err := req.
		SetPathParam("user", userID).
		Delete("/v1/users/{user}/keys")
	if err != nil {
		return fmt.Errorf("%w: delete request: %w", errs.ErrDirectory, err)
	}

	if resp.StatusCode() == http.StatusNotFound {
		return nil
	}

	return mapHTTPError(resp)
}

// request waits for a rate limiter slot and returns a request bound to
// ctx.
func (c *Client) request(ctx context.Context) (*resty.Request, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limited: %w", errs.ErrDirectory, err)
	}

	return c.rest.R().SetContext(ctx), nil
}

// mapHTTPError converts a non-2xx response into an error. Client errors
// other than 408 and 429 will not succeed on retry and wrap
// errs.ErrPermanent.
func mapHTTPError(resp *resty.Response) error {
	code := resp.StatusCode()
	if code >= http.StatusOK && code < http.StatusMultipleChoices {
		return nil
	}

	body := strings.TrimSpace(string(resp.Body()))
	if body == "" {
		body = http.StatusText(code)
	}

	if isPermanentStatus(code) {
		return fmt.Errorf("%w: %w: http %d: %s", errs.ErrDirectory, errs.ErrPermanent, code, body)
	}

	return fmt.Errorf("%w: http %d: %s", errs.ErrDirectory, code, body)
}

func isPermanentStatus(code int) bool {
	return code >= 400 && code < 500 &&
		code != http.StatusRequestTimeout &&
		code != http.StatusTooManyRequests
}
