package batch

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newController() *Controller {
	cfg := DefaultConfig()
	cfg.Operations = map[string]Bounds{"op": {Min: 10, Max: 100, Initial: 50}}
	return New(cfg, zap.NewNop())
}

func TestController_InitialAndDefault(t *testing.T) {
	c := newController()
	assert.Equal(t, 50, c.Next("op"))

	p := c.Plan("other")
	assert.Equal(t, Plan{Operation: "other", ProposedSize: 100, Min: 10, Max: 500}, p)
}

func TestController_GrowsOnImprovingThroughput(t *testing.T) {
	c := newController()

	assert.Equal(t, 50, c.Record("op", 50, time.Second), "first sample only seeds the window")
	assert.Equal(t, 60, c.Record("op", 50, 500*time.Millisecond))
	assert.Equal(t, 72, c.Record("op", 60, 300*time.Millisecond))
}

func TestController_ShrinksOnDegradingThroughput(t *testing.T) {
	c := newController()

	c.Record("op", 50, 100*time.Millisecond)
	assert.Equal(t, 40, c.Record("op", 50, time.Second))
	assert.Equal(t, 32, c.Record("op", 40, 2*time.Second))
}

func TestController_UnchangedOnEqualThroughput(t *testing.T) {
	c := newController()
	c.Record("op", 50, time.Second)
	assert.Equal(t, 50, c.Record("op", 50, time.Second))
}

func TestController_ClampsToBounds(t *testing.T) {
	c := newController()
	d := time.Second
	for i := 0; i < 30; i++ {
		c.Record("op", 50, d)
		d /= 2
		if d <= 0 {
			d = time.Nanosecond
		}
	}
	assert.Equal(t, 100, c.Next("op"))

	c2 := newController()
	d = time.Millisecond
	for i := 0; i < 30; i++ {
		c2.Record("op", 50, d)
		d *= 2
	}
	assert.Equal(t, 10, c2.Next("op"))
}

func TestController_StaysWithinBoundsAndStep(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	c := newController()

	prev := c.Next("op")
	for i := 0; i < 1000; i++ {
		size := c.Next("op")
		next := c.Record("op", size, time.Duration(1+rng.Intn(2000))*time.Millisecond)

		assert.GreaterOrEqual(t, next, 10)
		assert.LessOrEqual(t, next, 100)
		assert.LessOrEqual(t, float64(next), float64(prev)*1.2+1e-9)
		assert.GreaterOrEqual(t, float64(next), float64(prev)*0.8-1e-9)
		prev = next
	}
}

func TestController_Snapshot(t *testing.T) {
	c := newController()
	c.Next("op")
	c.Next("alpha")

	snap := c.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, "alpha", snap[0].Operation)
}
