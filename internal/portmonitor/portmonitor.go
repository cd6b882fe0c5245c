// Package portmonitor implements the port monitor (C5): a ticker-driven
// scanner that keeps a snapshot of the container's listening TCP ports,
// published under a read lock so readers never block a scan (§4.5).
package portmonitor

import (
	"context"
	"sync"
	"time"

	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/cuemby/devboxd/internal/log"
	"github.com/cuemby/devboxd/internal/metrics"
	"github.com/cuemby/devboxd/internal/types"
)

// Config tunes scan cadence and exclusions (§6.3).
type Config struct {
	ScanInterval  time.Duration
	ExcludedPorts map[int]bool
}

func (c *Config) setDefaults() {
	if c.ScanInterval <= 0 {
		c.ScanInterval = time.Second
	}
}

// Monitor owns the latest port snapshot. The first scan is lazy: it only
// runs once something calls Ports, so an agent nobody queries never pays
// for the scan loop (§4.5 contract).
type Monitor struct {
	cfg Config

	mu       sync.RWMutex
	snapshot types.PortSnapshot

	startOnce sync.Once
	stopCh    chan struct{}
	stopped   chan struct{}
}

// New builds a Monitor. Call Ports to trigger the lazy first scan and
// start the background ticker.
func New(cfg Config) *Monitor {
	cfg.setDefaults()
	return &Monitor{
		cfg:     cfg,
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Ports returns the latest snapshot, starting the scan loop on first call.
func (m *Monitor) Ports() types.PortSnapshot {
	m.startOnce.Do(m.start)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

func (m *Monitor) start() {
	m.scan()
	go m.loop()
}

func (m *Monitor) loop() {
	defer close(m.stopped)
	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.scan()
		case <-m.stopCh:
			return
		}
	}
}

// Stop halts the scan loop. Safe to call even if Ports was never called.
func (m *Monitor) Stop() {
	select {
	case <-m.stopCh:
		return
	default:
	}
	close(m.stopCh)
	m.startOnce.Do(func() { close(m.stopped) })
	<-m.stopped
}

func (m *Monitor) scan() {
	start := time.Now()
	defer func() { metrics.PortScanDuration.Observe(time.Since(start).Seconds()) }()

	conns, err := gnet.ConnectionsWithContext(context.Background(), "tcp")
	if err != nil {
		log.WithComponent("portmonitor").Warn().Err(err).Msg("port scan failed")
		return
	}

	seen := make(map[int]types.PortEntry)
	for _, c := range conns {
		if c.Status != "LISTEN" {
			continue
		}
		port := int(c.Laddr.Port)
		if port == 0 || m.cfg.ExcludedPorts[port] {
			continue
		}
		if _, ok := seen[port]; ok {
			continue
		}
		seen[port] = types.PortEntry{Port: port, Proto: "tcp"}
	}

	ports := make([]types.PortEntry, 0, len(seen))
	for _, e := range seen {
		ports = append(ports, e)
	}

	m.mu.Lock()
	m.snapshot = types.PortSnapshot{Ports: ports, LastUpdatedAt: time.Now()}
	m.mu.Unlock()
}
