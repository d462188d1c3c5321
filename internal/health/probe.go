package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/3cpo-dev/fleetroll/pkg/api"
)

const DefaultFailureThreshold = 3

// ProbeRegistry checks groups of HTTP endpoints. A target is healthy on a
// 2xx response and unhealthy after Threshold consecutive failures; before
// that it stays initial.
type ProbeRegistry struct {
	Client    *http.Client
	Groups    map[string][]string
	Threshold int

	mu       sync.Mutex
	failures map[string]int
}

func NewProbeRegistry(groups map[string][]string) *ProbeRegistry {
	return &ProbeRegistry{
		Client:    &http.Client{Timeout: 5 * time.Second},
		Groups:    groups,
		Threshold: DefaultFailureThreshold,
		failures:  map[string]int{},
	}
}

func (r *ProbeRegistry) Name() string { return "http" }

func (r *ProbeRegistry) Targets(ctx context.Context, group string) ([]api.HealthTarget, error) {
	urls, ok := r.Groups[group]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}
	targets := make([]api.HealthTarget, len(urls))
	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			targets[i] = r.probe(ctx, u)
		}(i, u)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return targets, nil
}

func (r *ProbeRegistry) probe(ctx context.Context, url string) api.HealthTarget {
	t := api.HealthTarget{ID: url}
	err := r.get(ctx, url)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		r.failures[url] = 0
		t.State = api.HealthHealthy
		return t
	}
	r.failures[url]++
	threshold := r.Threshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	t.Reason = fmt.Sprintf("%v (%d/%d)", err, r.failures[url], threshold)
	if r.failures[url] >= threshold {
		t.State = api.HealthUnhealthy
	} else {
		t.State = api.HealthInitial
	}
	return t
}

func (r *ProbeRegistry) get(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
