// Package keepalive pings the process's own public URL so hosting
// platforms that idle quiet services keep it running.
package keepalive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "rotabot/pkg/logx"
)

const DefaultTimeout = 10 * time.Second

type Pinger struct {
	url    string
	client *http.Client
	log    logx.Logger
}

// New returns nil when url is empty; a nil Pinger is valid and does nothing.
func New(url string, log logx.Logger) *Pinger {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pinger{
		url:    url,
		client: &http.Client{Timeout: DefaultTimeout},
		log:    log,
	}
}

func (p *Pinger) URL() string {
	if p == nil {
		return ""
	}
	return p.url
}

// Ping issues one GET. Any 2xx or 3xx response counts as success.
func (p *Pinger) Ping(ctx context.Context) error {
	if p == nil {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, http.NoBody)
	if err != nil {
		return fmt.Errorf("keepalive: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Warn("self ping error", logx.Err(err))
		return fmt.Errorf("keepalive: %w", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		p.log.Warn("self ping error", logx.Int("status", resp.StatusCode))
		return fmt.Errorf("keepalive: status %d", resp.StatusCode)
	}
	p.log.Info("self ping done", logx.Int("status", resp.StatusCode))
	return nil
}
