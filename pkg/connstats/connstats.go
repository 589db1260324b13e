// Package connstats tracks per-connection byte counters and formats them for
// relay-completion log lines, the way the teacher's ConnStats formats
// connection counts.
package connstats

import (
	"fmt"
	"sync/atomic"

	"github.com/jpillora/sizestr"
)

// Counter tracks bytes moved in each direction of a relayed connection.
type Counter struct {
	bytesIn  int64
	bytesOut int64
}

// AddIn adds n to the inbound byte count.
func (c *Counter) AddIn(n int64) { atomic.AddInt64(&c.bytesIn, n) }

// AddOut adds n to the outbound byte count.
func (c *Counter) AddOut(n int64) { atomic.AddInt64(&c.bytesOut, n) }

// In returns the current inbound byte count.
func (c *Counter) In() int64 { return atomic.LoadInt64(&c.bytesIn) }

// Out returns the current outbound byte count.
func (c *Counter) Out() int64 { return atomic.LoadInt64(&c.bytesOut) }

func (c *Counter) String() string {
	return fmt.Sprintf("in=%s out=%s", sizestr.ToString(c.In()), sizestr.ToString(c.Out()))
}
