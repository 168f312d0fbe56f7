package limits

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func permissiveConfig() GuardConfig {
	return GuardConfig{
		MaxConnections: 100,
		IPBurst:        1000,
		IPRate:         1000,
		GlobalBurst:    1000,
		GlobalRate:     1000,
	}
}

func TestAdmitAndRelease(t *testing.T) {
	g := NewGuard(permissiveConfig(), zerolog.Nop())

	release, reason, ok := g.Admit("10.0.0.1")
	require.True(t, ok)
	assert.Empty(t, reason)
	assert.Equal(t, 1, g.CurrentConnections())

	release()
	assert.Equal(t, 0, g.CurrentConnections())

	// Release is idempotent; the slot is returned once.
	release()
	assert.Equal(t, 0, g.CurrentConnections())
}

func TestAdmitMaxConnections(t *testing.T) {
	cfg := permissiveConfig()
	cfg.MaxConnections = 2
	g := NewGuard(cfg, zerolog.Nop())

	release1, _, ok := g.Admit("10.0.0.1")
	require.True(t, ok)
	_, _, ok = g.Admit("10.0.0.2")
	require.True(t, ok)

	_, reason, ok := g.Admit("10.0.0.3")
	assert.False(t, ok)
	assert.Equal(t, ReasonMaxConnections, reason)

	// Releasing a slot lets the next client in.
	release1()
	_, _, ok = g.Admit("10.0.0.3")
	assert.True(t, ok)
}

func TestAdmitPerIPRateLimit(t *testing.T) {
	cfg := permissiveConfig()
	cfg.IPBurst = 1
	cfg.IPRate = 0
	g := NewGuard(cfg, zerolog.Nop())

	_, _, ok := g.Admit("10.0.0.1")
	require.True(t, ok)

	_, reason, ok := g.Admit("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, ReasonRateLimited, reason)

	// Other IPs keep their own bucket.
	_, _, ok = g.Admit("10.0.0.2")
	assert.True(t, ok)
}

func TestAdmitGlobalRateLimit(t *testing.T) {
	cfg := permissiveConfig()
	cfg.GlobalBurst = 1
	cfg.GlobalRate = 0
	g := NewGuard(cfg, zerolog.Nop())

	_, _, ok := g.Admit("10.0.0.1")
	require.True(t, ok)

	_, reason, ok := g.Admit("10.0.0.2")
	assert.False(t, ok)
	assert.Equal(t, ReasonRateLimited, reason)
}

func TestAdmitCPUBrake(t *testing.T) {
	cfg := permissiveConfig()
	cfg.CPURejectThreshold = 85
	g := NewGuard(cfg, zerolog.Nop())

	g.currentCPU.Store(float64(95))
	_, reason, ok := g.Admit("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, ReasonCPUOverload, reason)

	g.currentCPU.Store(float64(40))
	_, _, ok = g.Admit("10.0.0.1")
	assert.True(t, ok)
}

func TestCPUBrakeDisabled(t *testing.T) {
	g := NewGuard(permissiveConfig(), zerolog.Nop())

	g.currentCPU.Store(float64(99))
	_, _, ok := g.Admit("10.0.0.1")
	assert.True(t, ok)
}
