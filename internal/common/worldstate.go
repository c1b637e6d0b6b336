package common

import (
	"time"
)

// WorldState is the receiver's view of the outside world. Tests substitute a fixed clock.
type WorldState struct {
	Now func() time.Time
}

var RealWorldState = WorldState{
	Now: time.Now,
}

func WorldOfTime(t time.Time) WorldState {
	return WorldState{
		Now: func() time.Time { return t },
	}
}

func (w WorldState) Since(t time.Time) time.Duration {
	return w.Now().Sub(t)
}
