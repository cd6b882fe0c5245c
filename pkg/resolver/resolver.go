// Package resolver implements the endpoint resolver (C8): given a devbox
// name, resolve its agent base URL and bearer token, caching the result for
// a TTL so repeated operations against the same devbox don't hammer the
// upstream cluster API (§4.8).
package resolver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/devboxd/internal/apierr"
	"github.com/cuemby/devboxd/internal/metrics"
	"github.com/cuemby/devboxd/internal/types"
	"github.com/cuemby/devboxd/pkg/upstream"
)

// Endpoint is what a resolved devbox looks like to the connection pool and
// client façade.
type Endpoint struct {
	BaseURL  string
	Token    string
	CachedAt time.Time
}

// Config tunes cache behavior and endpoint derivation. The caller fills it
// in; the resolver reads no environment variables.
type Config struct {
	TTL                 time.Duration
	AgentDomainTemplate string // e.g. "http://%s.devbox-agents.internal:9757"
}

func (c *Config) setDefaults() {
	if c.TTL <= 0 {
		c.TTL = 60 * time.Second
	}
	if c.AgentDomainTemplate == "" {
		c.AgentDomainTemplate = "http://%s.devbox-agents.internal:9757"
	}
}

// Resolver resolves devbox names to agent endpoints, caching entries for
// Config.TTL. A stale read past TTL is never served (§5 shared-resource
// policy); besides expiry, an entry leaves the cache only through Invalidate.
type Resolver struct {
	cfg Config
	api upstream.API

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	endpoint Endpoint
	expires  time.Time
}

// New builds a Resolver backed by api.
func New(api upstream.API, cfg Config) *Resolver {
	cfg.setDefaults()
	return &Resolver{
		cfg:   cfg,
		api:   api,
		cache: make(map[string]cacheEntry),
	}
}

// Resolve returns name's agent endpoint, consulting the cache first. On a
// cache miss or expiry it calls the upstream API and derives the base URL
// per §4.8's priority order: agentServer.url, then ports[].publicAddress,
// then privateAddress, then a podIP fallback. Raises DEVBOX_NOT_READY with
// the current devbox status if no usable base URL or token is available.
func (r *Resolver) Resolve(ctx context.Context, name string) (Endpoint, *apierr.Error) {
	r.mu.Lock()
	if entry, ok := r.cache[name]; ok && time.Now().Before(entry.expires) {
		r.mu.Unlock()
		metrics.ResolverCacheHitTotal.WithLabelValues("hit").Inc()
		return entry.endpoint, nil
	}
	r.mu.Unlock()
	metrics.ResolverCacheHitTotal.WithLabelValues("miss").Inc()

	desc, err := r.api.GetDevbox(ctx, name)
	if err != nil {
		return Endpoint{}, err
	}

	ep, err := r.deriveEndpoint(name, desc)
	if err != nil {
		return Endpoint{}, err
	}

	r.mu.Lock()
	r.cache[name] = cacheEntry{endpoint: ep, expires: time.Now().Add(r.cfg.TTL)}
	r.mu.Unlock()
	return ep, nil
}

// Invalidate drops name's cached entry immediately, so the next Resolve goes
// to upstream. Neither pkg/pool nor pkg/client calls it.
func (r *Resolver) Invalidate(name string) {
	r.mu.Lock()
	delete(r.cache, name)
	r.mu.Unlock()
}

func (r *Resolver) deriveEndpoint(name string, desc *types.DevboxDescriptor) (Endpoint, *apierr.Error) {
	var baseURL, token string

	if desc.AgentServer != nil && desc.AgentServer.URL != "" {
		// §4.8 priority 1: agentServer.url is a bare service name, combined
		// with the cluster's devbox-agent domain template.
		baseURL = fmt.Sprintf(r.cfg.AgentDomainTemplate, desc.AgentServer.URL)
		token = desc.AgentServer.Token
	} else {
		for _, p := range desc.Ports {
			if p.PublicAddress != "" {
				baseURL = "http://" + p.PublicAddress
				break
			}
		}
		if baseURL == "" {
			for _, p := range desc.Ports {
				if p.PrivateAddress != "" {
					baseURL = "http://" + p.PrivateAddress
					break
				}
			}
		}
		if baseURL == "" && desc.PodIP != "" {
			baseURL = fmt.Sprintf("http://%s:3000", desc.PodIP)
		}
	}

	// The descriptor schema (§6.4) only ever carries a bearer token under
	// agentServer; ports and podIP are address-only fallbacks. A devbox
	// resolved through one of those fallbacks is therefore never reachable
	// until its agentServer is also populated, and reports not-ready rather
	// than an addressed-but-unauthenticated endpoint.
	if baseURL == "" || token == "" {
		return Endpoint{}, apierr.New(apierr.CodeDevboxNotReady, "devbox agent endpoint not yet available").
			WithContext("devbox", name).WithContext("status", desc.Status)
	}

	return Endpoint{BaseURL: baseURL, Token: token, CachedAt: time.Now()}, nil
}
