// Package identity supplies session fingerprints drawn from a pool of real
// browser signatures.
package identity

import (
	"math"

	"github.com/assetforge/scrapegov/internal/governor"
)

// defaultUserAgents are current desktop browser signatures across Chrome,
// Firefox, Safari, and Edge on Windows, macOS, and Linux.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:122.0) Gecko/20100101 Firefox/122.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:122.0) Gecko/20100101 Firefox/122.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36 Edg/121.0.0.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
}

// Pool implements governor.IdentityPool over a fixed user-agent list with
// randomized header-order and TLS-profile seeds.
type Pool struct {
	agents []string
	rng    governor.Rand
}

// NewPool builds a Pool with the default browser signatures.
func NewPool(rng governor.Rand) *Pool {
	return &Pool{agents: defaultUserAgents, rng: rng}
}

// NewPoolWithAgents builds a Pool over a custom user-agent list; an empty
// list falls back to the defaults.
func NewPoolWithAgents(rng governor.Rand, agents []string) *Pool {
	if len(agents) == 0 {
		agents = defaultUserAgents
	}
	return &Pool{agents: agents, rng: rng}
}

// NextFingerprint draws a fresh identity surface.
func (p *Pool) NextFingerprint() governor.Fingerprint {
	return governor.Fingerprint{
		UserAgent:       p.agents[p.rng.Int63n(int64(len(p.agents)))],
		HeaderOrderSeed: p.rng.Int63n(math.MaxInt64),
		TLSProfileSeed:  p.rng.Int63n(math.MaxInt64),
	}
}
