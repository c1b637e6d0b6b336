package ledger

import (
	"github.com/hddls/pipesink/internal/common"
	"github.com/hddls/pipesink/internal/demux"
)

// VoidLedger records nothing. It stands in when no ledger path is configured.
type VoidLedger struct{}

func (v *VoidLedger) Record(demux.Event) error { return nil }

func (v *VoidLedger) ListPipes() ([]PipeTotals, error) {
	return []PipeTotals{}, ErrLedgerIsVoid
}

func (v *VoidLedger) GetPipe(common.PipeID) (PipeTotals, error) {
	return PipeTotals{}, ErrLedgerIsVoid
}

func (v *VoidLedger) Close() error { return nil }
