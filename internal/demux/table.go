package demux

import (
	"sort"
	"sync"
	"time"

	"github.com/hddls/pipesink/internal/common"
)

// PipeState is everything known about one pipe on the current connection.
// Sequence is the number the next image will be written under.
type PipeState struct {
	Pipe         common.PipeID
	Directory    string
	Sequence     uint64
	TextLines    uint64
	BytesWritten uint64
	Dropped      uint64
	Failures     uint64
	LastSeen     time.Time
}

// PipeTable maps pipe ids to their state. Entries are created on first reference and
// live as long as the table. Sequence is only advanced by the pipe's own worker.
type PipeTable struct {
	world common.WorldState

	pipesM sync.Mutex
	pipes  map[common.PipeID]*PipeState
}

func NewPipeTable(worldState common.WorldState) *PipeTable {
	if worldState.Now == nil {
		worldState = common.RealWorldState
	}
	return &PipeTable{
		world: worldState,
		pipes: map[common.PipeID]*PipeState{},
	}
}

// must be holding pipesM
func (t *PipeTable) state(id common.PipeID) *PipeState {
	st, ok := t.pipes[id]
	if !ok {
		st = &PipeState{Pipe: id, Directory: id.Dir()}
		t.pipes[id] = st
	}
	return st
}

// Resolve returns the pipe's directory and the sequence number its next image will get
func (t *PipeTable) Resolve(id common.PipeID) (directory string, sequence uint64) {
	t.pipesM.Lock()
	defer t.pipesM.Unlock()
	st := t.state(id)
	return st.Directory, st.Sequence
}

// Advance increments the pipe's sequence and returns the value before the increment
func (t *PipeTable) Advance(id common.PipeID) uint64 {
	t.pipesM.Lock()
	defer t.pipesM.Unlock()
	st := t.state(id)
	seq := st.Sequence
	st.Sequence++
	return seq
}

func (t *PipeTable) update(id common.PipeID, f func(st *PipeState)) {
	t.pipesM.Lock()
	st := t.state(id)
	f(st)
	st.LastSeen = t.world.Now()
	t.pipesM.Unlock()
}

func (t *PipeTable) noteText(id common.PipeID, n int) {
	t.update(id, func(st *PipeState) {
		st.TextLines++
		st.BytesWritten += uint64(n)
	})
}

func (t *PipeTable) noteImage(id common.PipeID, n int) {
	t.update(id, func(st *PipeState) { st.BytesWritten += uint64(n) })
}

func (t *PipeTable) noteDrop(id common.PipeID) {
	t.update(id, func(st *PipeState) { st.Dropped++ })
}

func (t *PipeTable) noteFailure(id common.PipeID) {
	t.update(id, func(st *PipeState) { st.Failures++ })
}

// Lookup returns a copy of the pipe's state without creating it
func (t *PipeTable) Lookup(id common.PipeID) (PipeState, bool) {
	t.pipesM.Lock()
	defer t.pipesM.Unlock()
	st, ok := t.pipes[id]
	if !ok {
		return PipeState{}, false
	}
	return *st, true
}

// Snapshot returns copies of every pipe's state ordered by pipe id
func (t *PipeTable) Snapshot() []PipeState {
	t.pipesM.Lock()
	ret := make([]PipeState, 0, len(t.pipes))
	for _, st := range t.pipes {
		ret = append(ret, *st)
	}
	t.pipesM.Unlock()
	sort.Slice(ret, func(i, j int) bool { return ret[i].Pipe < ret[j].Pipe })
	return ret
}

func (t *PipeTable) Len() int {
	t.pipesM.Lock()
	defer t.pipesM.Unlock()
	return len(t.pipes)
}
