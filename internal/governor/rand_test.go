package governor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRandIsDeterministic(t *testing.T) {
	a := NewRand(42)
	b := NewRand(42)
	for i := 0; i < 10; i++ {
		require.Equal(t, a.Int63n(1000), b.Int63n(1000))
	}
}

func TestRandIsSafeForConcurrentUse(t *testing.T) {
	r := NewRand(1)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = r.Float64()
				_ = r.Int63n(100)
			}
		}()
	}
	wg.Wait()
}

func TestUniformDuration(t *testing.T) {
	r := NewRand(7)

	require.Equal(t, time.Second, uniformDuration(r, time.Second, time.Second))
	require.Equal(t, time.Second, uniformDuration(r, time.Second, 0), "degenerate range returns min")

	for i := 0; i < 100; i++ {
		d := uniformDuration(r, time.Second, 3*time.Second)
		require.GreaterOrEqual(t, d, time.Second)
		require.LessOrEqual(t, d, 3*time.Second)
	}
}
