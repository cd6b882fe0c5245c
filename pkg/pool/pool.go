// Package pool implements the client-side connection pool (C9): one pool
// per (devboxName, baseURL), keeping pooled http.Client transports
// health-checked and retiring idle or unhealthy ones, so many operations
// against the same devbox share setup cost and the agent is protected from
// thundering-herd reconnects (§4.9).
package pool

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/devboxd/internal/apierr"
	"github.com/cuemby/devboxd/internal/log"
	"github.com/cuemby/devboxd/internal/metrics"
)

// Strategy selects which pooled connection to hand out.
type Strategy string

const (
	LeastUsed  Strategy = "least-used"
	RoundRobin Strategy = "round-robin"
	RandomPick Strategy = "random"
)

// Config tunes pool behavior (§4.9).
type Config struct {
	MaxSize             int
	Strategy            Strategy
	KeepAliveInterval   time.Duration
	HealthCheckInterval time.Duration
	MaxIdleTime         time.Duration
	ProbeTimeout        time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxSize <= 0 {
		c.MaxSize = 15
	}
	if c.Strategy == "" {
		c.Strategy = LeastUsed
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 30 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = 5 * time.Minute
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
}

type healthStatus string

const (
	healthUnknown   healthStatus = "unknown"
	healthHealthy   healthStatus = "healthy"
	healthUnhealthy healthStatus = "unhealthy"
)

// conn is a single pooled connection record (§3 "Client-side connection
// record").
type conn struct {
	devbox     string
	baseURL    string
	transport  *http.Client
	createdAt  time.Time
	lastUsedAt time.Time
	useCount   int64
	health     healthStatus
	active     bool
}

// poolKey identifies one (devboxName, baseURL) pool.
type poolKey struct {
	devbox  string
	baseURL string
}

// Pool is the process-wide keyed set of per-devbox connection pools,
// guarded by one mutex per pool key (§5 shared-resource policy).
type Pool struct {
	cfg Config

	// probeClient is dedicated to /health probes so a health check never
	// itself borrows (and so exhausts) the operational pool (§4.9 design
	// note: "health check must not itself exhaust the pool").
	probeClient *http.Client

	mu    sync.Mutex
	pools map[poolKey]*perDevboxPool

	rrMu sync.Mutex
	rr   map[poolKey]int

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type perDevboxPool struct {
	mu    sync.Mutex
	conns []*conn
}

// New builds a Pool and starts its background health-check loop.
func New(cfg Config) *Pool {
	cfg.setDefaults()
	p := &Pool{
		cfg:         cfg,
		probeClient: &http.Client{Timeout: cfg.ProbeTimeout},
		pools:       make(map[poolKey]*perDevboxPool),
		rr:          make(map[poolKey]int),
		stopCh:      make(chan struct{}),
	}
	p.wg.Add(1)
	go p.healthLoop()
	return p
}

// Stop ends the background health-check loop.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Borrow hands out a healthy *http.Client for devbox/baseURL, creating a new
// pooled connection if under capacity, per the handout strategy and the
// freshness-check policy of §4.9. It never returns a connection whose
// healthStatus is not healthy at the moment of handout (§3 I6).
func (p *Pool) Borrow(ctx context.Context, devbox, baseURL string) (*http.Client, *apierr.Error) {
	key := poolKey{devbox: devbox, baseURL: baseURL}
	dp := p.devboxPool(key)

	dp.mu.Lock()
	defer dp.mu.Unlock()

	if c := p.pickLocked(ctx, key, dp); c != nil {
		return c.transport, nil
	}

	if len(dp.conns) >= p.cfg.MaxSize {
		metrics.PoolExhaustedTotal.WithLabelValues(devbox).Inc()
		return nil, apierr.New(apierr.CodeConnectionPoolExhausted, "connection pool exhausted").
			WithContext("devbox", devbox)
	}

	c := &conn{
		devbox:     devbox,
		baseURL:    baseURL,
		transport:  &http.Client{},
		createdAt:  time.Now(),
		lastUsedAt: time.Now(),
		health:     healthUnknown,
		active:     true,
	}
	if !p.probe(ctx, c) {
		return nil, apierr.New(apierr.CodeConnectionFailed, "new connection failed health probe").
			WithContext("devbox", devbox)
	}
	dp.conns = append(dp.conns, c)
	metrics.PoolSize.WithLabelValues(devbox).Set(float64(len(dp.conns)))
	c.useCount++
	c.lastUsedAt = time.Now()
	return c.transport, nil
}

// pickLocked tries to find a usable existing connection under dp.mu per the
// configured strategy, probing one that looks stale before rejecting it.
func (p *Pool) pickLocked(ctx context.Context, key poolKey, dp *perDevboxPool) *conn {
	candidates := make([]*conn, 0, len(dp.conns))
	for _, c := range dp.conns {
		if c.active {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	order := p.order(key, candidates)
	for _, c := range order {
		if c.health == healthHealthy && time.Since(c.lastUsedAt) < p.cfg.KeepAliveInterval {
			c.useCount++
			c.lastUsedAt = time.Now()
			return c
		}
		if p.probe(ctx, c) {
			c.useCount++
			c.lastUsedAt = time.Now()
			return c
		}
		// Unhealthy: drop it from the pool and keep trying the rest.
		c.active = false
	}
	p.compactLocked(dp)
	return nil
}

func (p *Pool) compactLocked(dp *perDevboxPool) {
	live := dp.conns[:0]
	for _, c := range dp.conns {
		if c.active {
			live = append(live, c)
		}
	}
	dp.conns = live
}

// order returns candidates arranged by the configured handout strategy.
func (p *Pool) order(key poolKey, candidates []*conn) []*conn {
	switch p.cfg.Strategy {
	case RoundRobin:
		p.rrMu.Lock()
		idx := p.rr[key] % len(candidates)
		p.rr[key]++
		p.rrMu.Unlock()
		return append(append([]*conn{}, candidates[idx:]...), candidates[:idx]...)
	case RandomPick:
		shuffled := append([]*conn{}, candidates...)
		rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		return shuffled
	default: // LeastUsed
		sorted := append([]*conn{}, candidates...)
		for i := 1; i < len(sorted); i++ {
			for j := i; j > 0 && sorted[j].useCount < sorted[j-1].useCount; j-- {
				sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
			}
		}
		return sorted
	}
}

// probe issues a /health check against c using the dedicated probe client
// and updates c.health accordingly.
func (p *Pool) probe(ctx context.Context, c *conn) bool {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		c.health = healthUnhealthy
		return false
	}
	resp, err := p.probeClient.Do(req)
	if err != nil {
		c.health = healthUnhealthy
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.health = healthUnhealthy
		return false
	}
	c.health = healthHealthy
	return true
}

func (p *Pool) devboxPool(key poolKey) *perDevboxPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	dp, ok := p.pools[key]
	if !ok {
		dp = &perDevboxPool{}
		p.pools[key] = dp
	}
	return dp
}

// healthLoop periodically probes inactive connections and reaps those idle
// past MaxIdleTime, as the background task described in §4.9.
func (p *Pool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	logger := log.WithComponent("pool")

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep(logger)
		}
	}
}

func (p *Pool) sweep(logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	defer cancel()

	p.mu.Lock()
	keys := make([]poolKey, 0, len(p.pools))
	for k := range p.pools {
		keys = append(keys, k)
	}
	p.mu.Unlock()

	for _, key := range keys {
		dp := p.devboxPool(key)
		dp.mu.Lock()
		now := time.Now()
		for _, c := range dp.conns {
			if !c.active {
				continue
			}
			if now.Sub(c.lastUsedAt) > p.cfg.MaxIdleTime {
				c.active = false
				logger.Debug().Str("devbox", key.devbox).Msg("reaped idle pooled connection")
				continue
			}
			if now.Sub(c.lastUsedAt) >= p.cfg.HealthCheckInterval {
				p.probe(ctx, c)
			}
		}
		p.compactLocked(dp)
		metrics.PoolSize.WithLabelValues(key.devbox).Set(float64(len(dp.conns)))
		dp.mu.Unlock()
	}
}
