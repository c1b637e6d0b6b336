package demux

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValve_Counters(t *testing.T) {
	v := MakeValve(0)
	v.AddRx(10)
	v.AddRx(5)
	v.AddWritten(7)
	assert.EqualValues(t, 15, v.GetRx())
	assert.EqualValues(t, 7, v.GetWritten())

	rx, written := v.Nullify()
	assert.EqualValues(t, 15, rx)
	assert.EqualValues(t, 7, written)
	assert.EqualValues(t, 0, v.GetRx())
}

func TestValve_WriteWait(t *testing.T) {
	t.Run("unlimited", func(t *testing.T) {
		v := MakeValve(0)
		start := time.Now()
		v.writeWait(1 << 30)
		assert.Less(t, int64(time.Since(start)), int64(100*time.Millisecond))
	})

	t.Run("limited", func(t *testing.T) {
		v := MakeValve(100)
		start := time.Now()
		// the bucket starts full with 100 tokens, so 150 needs another half second
		v.writeWait(150)
		assert.GreaterOrEqual(t, int64(time.Since(start)), int64(400*time.Millisecond))
	})
}
