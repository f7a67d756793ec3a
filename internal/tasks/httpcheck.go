package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/psantana5/taskguard/pkg/logging"
	"github.com/psantana5/taskguard/pkg/periodic"
	"github.com/psantana5/taskguard/pkg/supervisor"
	tlsutil "github.com/psantana5/taskguard/pkg/tls"
	"github.com/psantana5/taskguard/pkg/tracing"
)

// HTTPCheck fails unless a GET of its URL answers with a 2xx status.
type HTTPCheck struct {
	url     string
	client  *http.Client
	timeout time.Duration
	logger  *logging.Logger
}

func (c *HTTPCheck) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	tracing.InjectHTTPHeaders(ctx, req)

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", c.url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("GET %s: unexpected status %d", c.url, resp.StatusCode)
	}
	c.logger.Debug("[HTTPCheck] OK", map[string]interface{}{
		"status":     resp.StatusCode,
		"latency_ms": time.Since(started).Milliseconds(),
	})
	return nil
}

// options: url (required), timeout (duration), follow_redirects (bool),
// ca_file (PEM roots for https targets)
func buildHTTPCheck(name string, opts Options, deps Deps) (periodic.Factory, error) {
	target := opts.String("url", "")
	if target == "" {
		return nil, errors.New("option url is required")
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("option url: %q is not an http(s) URL", target)
	}
	timeout, err := opts.Duration("timeout", 5*time.Second)
	if err != nil {
		return nil, err
	}

	follow, err := opts.Bool("follow_redirects", true)
	if err != nil {
		return nil, err
	}

	client := &http.Client{}
	if caFile := opts.String("ca_file", ""); caFile != "" {
		tlsConfig, err := tlsutil.ClientConfig(caFile)
		if err != nil {
			return nil, fmt.Errorf("option ca_file: %w", err)
		}
		client.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}
	if !follow {
		client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	}
	return func() (supervisor.Task, error) {
		return &HTTPCheck{url: target, client: client, timeout: timeout, logger: deps.Logger}, nil
	}, nil
}
