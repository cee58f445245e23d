package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ProberConfig tunes the active probe loop.
type ProberConfig struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	Parallelism  int
}

// DefaultProberConfig probes every 30 seconds with a 5 second timeout, four
// endpoints at a time.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
		Parallelism:  4,
	}
}

// Prober actively checks provider base URLs and feeds the results into the
// same Tracker the pipeline's passive signals go to, so a provider that has
// not served traffic recently still shows fresh state on /v1/health.
type Prober struct {
	cfg     ProberConfig
	tracker *Tracker
	client  *http.Client
	log     *slog.Logger

	mu        sync.RWMutex
	endpoints map[string]string // provider tag -> URL

	stop chan struct{}
	done chan struct{}
}

// NewProber builds an idle prober. Endpoints are added with Watch.
func NewProber(cfg ProberConfig, tracker *Tracker, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	return &Prober{
		cfg:       cfg,
		tracker:   tracker,
		client:    &http.Client{Timeout: cfg.ProbeTimeout},
		log:       logger,
		endpoints: make(map[string]string),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Watch adds or replaces a probe target. Safe while the loop runs.
func (p *Prober) Watch(provider, url string) {
	p.mu.Lock()
	p.endpoints[provider] = url
	p.mu.Unlock()
}

// Forget drops a probe target. Safe while the loop runs.
func (p *Prober) Forget(provider string) {
	p.mu.Lock()
	delete(p.endpoints, provider)
	p.mu.Unlock()
}

// Start launches the probe loop. The first sweep runs immediately.
func (p *Prober) Start() {
	go p.loop()
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (p *Prober) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Prober) loop() {
	defer close(p.done)
	p.sweep()

	tick := time.NewTicker(p.cfg.Interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			p.sweep()
		case <-p.stop:
			return
		}
	}
}

func (p *Prober) sweep() {
	p.mu.RLock()
	targets := make(map[string]string, len(p.endpoints))
	for provider, url := range p.endpoints {
		targets[provider] = url
	}
	p.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(p.cfg.Parallelism)
	for provider, url := range targets {
		g.Go(func() error {
			p.probe(provider, url)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Prober) probe(provider, url string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		p.tracker.RecordError(provider, "probe: "+err.Error())
		return
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.tracker.RecordError(provider, "probe: "+err.Error())
		p.log.Warn("provider probe failed", "provider", provider, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	latencyMs := float64(time.Since(start).Milliseconds())
	if reachable(resp.StatusCode) {
		p.tracker.RecordSuccess(provider, latencyMs)
		p.log.Debug("provider probe ok", "provider", provider, "status", resp.StatusCode, "latency_ms", latencyMs)
		return
	}
	p.tracker.RecordError(provider, "probe: HTTP "+resp.Status)
	p.log.Warn("provider probe unhealthy", "provider", provider, "status", resp.StatusCode)
}

// reachable treats auth walls and wrong-method answers as proof of life; an
// unauthenticated GET against a chat endpoint routinely gets 401 or 405 from
// a perfectly healthy provider.
func reachable(status int) bool {
	if status >= 200 && status < 300 {
		return true
	}
	return status == http.StatusUnauthorized || status == http.StatusMethodNotAllowed
}
