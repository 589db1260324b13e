package connstats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounterAccumulatesBothDirections(t *testing.T) {
	var c Counter
	c.AddIn(100)
	c.AddIn(50)
	c.AddOut(25)

	assert.Equal(t, int64(150), c.In())
	assert.Equal(t, int64(25), c.Out())
}

func TestCounterStringReportsBothDirections(t *testing.T) {
	var c Counter
	c.AddIn(1024)
	c.AddOut(2048)
	s := c.String()
	assert.Contains(t, s, "in=")
	assert.Contains(t, s, "out=")
}

func TestCounterIsSafeForConcurrentUse(t *testing.T) {
	var c Counter
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.AddIn(1)
			c.AddOut(1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(100), c.In())
	assert.Equal(t, int64(100), c.Out())
}
