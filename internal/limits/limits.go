// Package limits implements connection admission control: a hard connection
// cap, per-IP and global token buckets, and a CPU emergency brake.
package limits

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/time/rate"
)

// Reasons reported by Guard.Admit for rejected connections.
const (
	ReasonMaxConnections = "max_connections"
	ReasonRateLimited    = "rate_limited"
	ReasonCPUOverload    = "cpu_overload"
)

// GuardConfig holds the static admission limits.
type GuardConfig struct {
	MaxConnections     int
	IPBurst            int
	IPRate             float64 // connections per second per IP
	IPTTL              time.Duration
	GlobalBurst        int
	GlobalRate         float64 // connections per second across all IPs
	CPURejectThreshold float64 // percent; 0 disables the CPU brake
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Guard admits or rejects incoming connections. Limits are static and
// configured explicitly; the guard never auto-adjusts them.
type Guard struct {
	config GuardConfig
	logger zerolog.Logger

	sem chan struct{}

	mu     sync.Mutex
	perIP  map[string]*ipLimiter
	global *rate.Limiter

	currentCPU atomic.Value // float64
}

// NewGuard builds a guard from static configuration.
func NewGuard(config GuardConfig, logger zerolog.Logger) *Guard {
	if config.IPTTL <= 0 {
		config.IPTTL = 5 * time.Minute
	}
	g := &Guard{
		config: config,
		logger: logger,
		sem:    make(chan struct{}, config.MaxConnections),
		perIP:  make(map[string]*ipLimiter),
		global: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
	}
	g.currentCPU.Store(float64(0))
	return g
}

// StartMonitoring samples process-host CPU usage until ctx is canceled. The
// sample feeds the CPU brake; admission never blocks on a measurement.
func (g *Guard) StartMonitoring(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				percents, err := cpu.PercentWithContext(ctx, 0, false)
				if err != nil || len(percents) == 0 {
					continue
				}
				g.currentCPU.Store(percents[0])
			}
		}
	}()
}

// CPUPercent returns the most recent CPU sample.
func (g *Guard) CPUPercent() float64 {
	return g.currentCPU.Load().(float64)
}

// Admit decides whether a connection from ip may be accepted. On success the
// returned release function must be called exactly once when the connection
// closes.
func (g *Guard) Admit(ip string) (release func(), reason string, ok bool) {
	if threshold := g.config.CPURejectThreshold; threshold > 0 {
		if current := g.CPUPercent(); current > threshold {
			g.logger.Warn().
				Float64("cpu_percent", current).
				Float64("threshold", threshold).
				Msg("Connection rejected: CPU above threshold")
			return nil, ReasonCPUOverload, false
		}
	}

	if !g.global.Allow() || !g.limiterFor(ip).Allow() {
		return nil, ReasonRateLimited, false
	}

	select {
	case g.sem <- struct{}{}:
	default:
		return nil, ReasonMaxConnections, false
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-g.sem })
	}, "", true
}

// CurrentConnections returns the number of admitted, unreleased connections.
func (g *Guard) CurrentConnections() int {
	return len(g.sem)
}

func (g *Guard) limiterFor(ip string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if l, ok := g.perIP[ip]; ok {
		l.lastSeen = now
		return l.limiter
	}

	// Opportunistic cleanup of idle entries keeps the map bounded without a
	// dedicated goroutine.
	for addr, l := range g.perIP {
		if now.Sub(l.lastSeen) > g.config.IPTTL {
			delete(g.perIP, addr)
		}
	}

	l := &ipLimiter{
		limiter:  rate.NewLimiter(rate.Limit(g.config.IPRate), g.config.IPBurst),
		lastSeen: now,
	}
	g.perIP[ip] = l
	return l.limiter
}
