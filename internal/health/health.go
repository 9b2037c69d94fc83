// Package health polls an HTTP endpoint on a fixed interval and reports the
// resulting liveness to a callback.
package health

import (
	"context"
	"net/http"
	"time"
)

// Checker probes URL every Interval and calls OnResult after each probe.
// Changed is true when the result differs from the previous probe (the first
// probe always counts as a change from unknown).
type Checker struct {
	URL      string
	Interval time.Duration
	Client   *http.Client
	OnResult func(healthy, changed bool)
}

// Run probes immediately, then on every tick, until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	interval := c.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	var last *bool
	probe := func() {
		healthy := c.probe(ctx, client)
		changed := last == nil || *last != healthy
		last = &healthy
		if c.OnResult != nil {
			c.OnResult(healthy, changed)
		}
	}
	probe()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			probe()
		}
	}
}

func (c *Checker) probe(ctx context.Context, client *http.Client) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}
