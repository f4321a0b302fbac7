// Package transport issues single, bounded HTTP calls to the mast controller.
// It never retries; the caller decides what a failure means.
package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"mast-console/internal/mast"
)

// Config bounds each kind of call.
type Config struct {
	HeartbeatTimeout time.Duration
	RequestTimeout   time.Duration
	LogTimeout       time.Duration
}

// DefaultConfig matches the latency of the embedded controller.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 1200 * time.Millisecond,
		RequestTimeout:   5 * time.Second,
		LogTimeout:       10 * time.Second,
	}
}

// Client talks to whatever endpoint it is handed on each call.
type Client struct {
	http   *resty.Client
	cfg    Config
	logger *slog.Logger
}

// New creates a Client. Zero durations in cfg fall back to DefaultConfig.
func New(cfg Config, logger *slog.Logger) *Client {
	def := DefaultConfig()
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.LogTimeout <= 0 {
		cfg.LogTimeout = def.LogTimeout
	}

	client := resty.New().
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "mast-console")

	return &Client{
		http:   client,
		cfg:    cfg,
		logger: logger.With("component", "transport"),
	}
}

// Heartbeat probes GET /heartbit. Any 2xx within the heartbeat timeout means
// the device is reachable; the body is ignored.
func (c *Client) Heartbeat(ctx context.Context, ep mast.Endpoint) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HeartbeatTimeout)
	defer cancel()

	start := time.Now()
	resp, err := c.http.R().SetContext(ctx).Get(ep.BaseURL() + mast.PathHeartbeat)
	if err != nil {
		c.logger.Debug("heartbeat failed", "endpoint", ep, "err", err, "elapsed", time.Since(start))
		return networkError("heartbeat", err)
	}
	if !resp.IsSuccess() {
		return &Error{Op: "heartbeat", Kind: KindStatus, StatusCode: resp.StatusCode()}
	}
	return nil
}

// Send posts one {task, value} request and decodes the JSON reply. An empty
// 2xx body decodes to an empty document.
func (c *Client) Send(ctx context.Context, ep mast.Endpoint, req mast.Request) (*mast.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		Post(ep.BaseURL() + req.Path())
	if err != nil {
		c.logger.Debug("send failed", "endpoint", ep, "request", req, "err", err, "elapsed", time.Since(start))
		return nil, networkError("send", err)
	}

	body := resp.Body()
	if !resp.IsSuccess() {
		te := &Error{Op: "send", Kind: KindStatus, StatusCode: resp.StatusCode()}
		if doc, derr := mast.ParseDocument(body); derr == nil {
			te.Payload = doc
		}
		return nil, te
	}

	if len(body) == 0 {
		return mast.NewDocument(), nil
	}
	doc, err := mast.ParseDocument(body)
	if err != nil {
		return nil, &Error{Op: "send", Kind: KindDecode, Err: err}
	}
	c.logger.Debug("send ok", "endpoint", ep, "request", req, "keys", doc.Len(), "elapsed", time.Since(start))
	return doc, nil
}

// FetchLog reads the raw diagnostic log from GET /log.
func (c *Client) FetchLog(ctx context.Context, ep mast.Endpoint) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LogTimeout)
	defer cancel()

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "text/plain").
		Get(ep.BaseURL() + mast.PathLog)
	if err != nil {
		return "", networkError("log", err)
	}
	if !resp.IsSuccess() {
		return "", &Error{Op: "log", Kind: KindStatus, StatusCode: resp.StatusCode()}
	}
	return resp.String(), nil
}
