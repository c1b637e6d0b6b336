// Package ledger keeps cumulative per-pipe totals across receiver runs and serves them,
// together with the live pipe table, over HTTP.
package ledger

import (
	"errors"

	"github.com/hddls/pipesink/internal/common"
	"github.com/hddls/pipesink/internal/demux"
)

type PipeTotals struct {
	Pipe      common.PipeID
	Images    uint64
	TextLines uint64
	Bytes     uint64
	Dropped   uint64
	Failures  uint64
	// LastSeen is a unix timestamp
	LastSeen int64
}

var ErrPipeNotFound = errors.New("pipe has no ledger entry")
var ErrLedgerIsVoid = errors.New("ledger is disabled")

// Ledger is a demux.Recorder that can be queried
type Ledger interface {
	Record(demux.Event) error
	ListPipes() ([]PipeTotals, error)
	GetPipe(common.PipeID) (PipeTotals, error)
	Close() error
}
