package demux

import (
	"sync/atomic"

	"github.com/juju/ratelimit"
)

// Valve limits how fast chunks are written to disk and counts bytes on both ends.
// rx is what the transport delivered, written is content that reached the store.
type Valve struct {
	wtb atomic.Value // *ratelimit.Bucket, nil when unlimited

	rx      *int64
	written *int64
}

// MakeValve returns a valve limited to writeRate content bytes per second.
// A writeRate of zero or less means unlimited.
func MakeValve(writeRate int64) *Valve {
	var rx, written int64
	v := &Valve{
		rx:      &rx,
		written: &written,
	}
	v.SetWriteRate(writeRate)
	return v
}

func (v *Valve) SetWriteRate(rate int64) {
	if rate <= 0 {
		v.wtb.Store((*ratelimit.Bucket)(nil))
		return
	}
	v.wtb.Store(ratelimit.NewBucketWithRate(float64(rate), rate))
}

func (v *Valve) writeWait(n int) {
	if tb := v.wtb.Load().(*ratelimit.Bucket); tb != nil && n > 0 {
		tb.Wait(int64(n))
	}
}

func (v *Valve) AddRx(n int64)      { atomic.AddInt64(v.rx, n) }
func (v *Valve) AddWritten(n int64) { atomic.AddInt64(v.written, n) }
func (v *Valve) GetRx() int64       { return atomic.LoadInt64(v.rx) }
func (v *Valve) GetWritten() int64  { return atomic.LoadInt64(v.written) }
func (v *Valve) Nullify() (int64, int64) {
	rx := atomic.SwapInt64(v.rx, 0)
	written := atomic.SwapInt64(v.written, 0)
	return rx, written
}
