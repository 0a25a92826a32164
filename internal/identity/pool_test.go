package identity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/assetforge/scrapegov/internal/governor"
)

func TestNextFingerprintDrawsFromDefaults(t *testing.T) {
	pool := NewPool(governor.NewRand(1))

	fp := pool.NextFingerprint()
	require.Contains(t, defaultUserAgents, fp.UserAgent)
	require.NotZero(t, fp.HeaderOrderSeed)
	require.NotZero(t, fp.TLSProfileSeed)
}

func TestNextFingerprintVariesAcrossDraws(t *testing.T) {
	pool := NewPool(governor.NewRand(1))

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		seen[pool.NextFingerprint().UserAgent] = true
	}
	require.Greater(t, len(seen), 1, "repeated draws should not pin a single agent")
}

func TestNewPoolWithAgents(t *testing.T) {
	agents := []string{"custom-agent/1.0"}
	pool := NewPoolWithAgents(governor.NewRand(1), agents)
	require.Equal(t, "custom-agent/1.0", pool.NextFingerprint().UserAgent)
}

func TestNewPoolWithAgentsEmptyFallsBack(t *testing.T) {
	pool := NewPoolWithAgents(governor.NewRand(1), nil)
	require.Contains(t, defaultUserAgents, pool.NextFingerprint().UserAgent)
}
