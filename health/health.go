// Package health probes the local flow executor's readiness endpoint.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallnest/flowpost/config"
	"github.com/smallnest/flowpost/internal/logger"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// ErrNotReady 执行器可达但返回非 200
var ErrNotReady = errors.New("health: executor not ready")

// Status 一次探测的结果
type Status struct {
	Ready      bool          `json:"ready" yaml:"ready"`
	URL        string        `json:"url" yaml:"url"`
	StatusCode int           `json:"status_code,omitempty" yaml:"status_code,omitempty"`
	Status     string        `json:"status,omitempty" yaml:"status,omitempty"`
	Version    string        `json:"version,omitempty" yaml:"version,omitempty"`
	Latency    time.Duration `json:"latency" yaml:"latency"`
}

// Checker 健康检查器
type Checker struct {
	url      string
	interval time.Duration
	client   *http.Client
	log      *zap.Logger
}

// NewChecker builds a checker for serverURL. ws and wss are accepted and
// probed over http and https.
func NewChecker(serverURL, path string, timeout, interval time.Duration) (*Checker, error) {
	u, err := url.Parse(serverURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("health: invalid server url %q", serverURL)
	}
	switch u.Scheme {
	case "http", "https":
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return nil, fmt.Errorf("health: unsupported scheme %q", u.Scheme)
	}
	if path == "" {
		path = config.DefaultHealthPath
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	u.RawQuery = ""
	u.Fragment = ""

	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Checker{
		url:      u.String(),
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		log:      logger.Named("health").With(zap.String("url", u.String())),
	}, nil
}

// FromConfig 根据执行器配置创建检查器
func FromConfig(cfg config.ExecutorConfig) (*Checker, error) {
	return NewChecker(cfg.ServerURL, cfg.HealthPath, cfg.HealthTimeout, cfg.HealthInterval)
}

// URL 探测地址
func (c *Checker) URL() string {
	return c.url
}

// Probe issues one GET. A transport failure is an error; any answered
// request yields a Status, ready only on 200.
func (c *Checker) Probe(ctx context.Context) (Status, error) {
	st := Status{URL: c.url}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return st, err
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	st.Latency = time.Since(start)
	if err != nil {
		return st, fmt.Errorf("health: request failed: %w", err)
	}
	defer resp.Body.Close()

	st.StatusCode = resp.StatusCode
	st.Ready = resp.StatusCode == http.StatusOK

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if gjson.ValidBytes(body) {
		res := gjson.ParseBytes(body)
		st.Status = res.Get("status").String()
		st.Version = res.Get("version").String()
	}
	return st, nil
}

// Check 单次检查，返回执行器是否就绪
func (c *Checker) Check(ctx context.Context) (bool, error) {
	st, err := c.Probe(ctx)
	if err != nil {
		return false, err
	}
	return st.Ready, nil
}

// WaitReady polls until the executor answers 200 or ctx ends.
func (c *Checker) WaitReady(ctx context.Context) (Status, error) {
	op := func() (Status, error) {
		st, err := c.Probe(ctx)
		if err != nil {
			return st, err
		}
		if !st.Ready {
			return st, fmt.Errorf("%w: status %d", ErrNotReady, st.StatusCode)
		}
		return st, nil
	}

	st, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.interval)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Info("Executor not ready, retrying", zap.Error(err), zap.Duration("next", next))
		}),
	)
	if err != nil {
		return st, fmt.Errorf("health: wait for executor: %w", err)
	}
	c.log.Info("Executor is ready", zap.Duration("latency", st.Latency))
	return st, nil
}
