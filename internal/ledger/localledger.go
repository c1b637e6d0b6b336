package ledger

import (
	"encoding/binary"

	"github.com/hddls/pipesink/internal/common"
	"github.com/hddls/pipesink/internal/demux"
	bolt "go.etcd.io/bbolt"
)

var u32 = binary.BigEndian.Uint32
var u64 = binary.BigEndian.Uint64

func u64ToB(value uint64) []byte {
	oct := make([]byte, 8)
	binary.BigEndian.PutUint64(oct, value)
	return oct
}

func pipeKey(id common.PipeID) []byte {
	nib := make([]byte, 4)
	binary.BigEndian.PutUint32(nib, uint32(id))
	return nib
}

var (
	keyImages    = []byte("Images")
	keyTextLines = []byte("TextLines")
	keyBytes     = []byte("Bytes")
	keyDropped   = []byte("Dropped")
	keyFailures  = []byte("Failures")
	keyLastSeen  = []byte("LastSeen")
)

// missing keys read as zero
func getU64(bucket *bolt.Bucket, key []byte) uint64 {
	v := bucket.Get(key)
	if len(v) != 8 {
		return 0
	}
	return u64(v)
}

func addU64(bucket *bolt.Bucket, key []byte, delta uint64) error {
	if delta == 0 {
		return nil
	}
	return bucket.Put(key, u64ToB(getU64(bucket, key)+delta))
}

// localLedger stores one bucket per pipe, keyed by the big endian pipe id
type localLedger struct {
	db *bolt.DB
}

func MakeLocalLedger(dbPath string) (*localLedger, error) {
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, err
	}
	return &localLedger{db: db}, nil
}

func (l *localLedger) Record(e demux.Event) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(pipeKey(e.Pipe))
		if err != nil {
			return err
		}
		switch e.Outcome {
		case demux.OutcomeImage:
			if err = addU64(bucket, keyImages, 1); err != nil {
				return err
			}
			err = addU64(bucket, keyBytes, uint64(e.Bytes))
		case demux.OutcomeText:
			if err = addU64(bucket, keyTextLines, 1); err != nil {
				return err
			}
			err = addU64(bucket, keyBytes, uint64(e.Bytes))
		case demux.OutcomeDropped:
			err = addU64(bucket, keyDropped, 1)
		case demux.OutcomeFailed:
			err = addU64(bucket, keyFailures, 1)
		}
		if err != nil {
			return err
		}
		return bucket.Put(keyLastSeen, u64ToB(uint64(e.Time.Unix())))
	})
}

func readTotals(id common.PipeID, bucket *bolt.Bucket) PipeTotals {
	return PipeTotals{
		Pipe:      id,
		Images:    getU64(bucket, keyImages),
		TextLines: getU64(bucket, keyTextLines),
		Bytes:     getU64(bucket, keyBytes),
		Dropped:   getU64(bucket, keyDropped),
		Failures:  getU64(bucket, keyFailures),
		LastSeen:  int64(getU64(bucket, keyLastSeen)),
	}
}

// ListPipes returns the totals of every pipe ever recorded, ordered by pipe id
func (l *localLedger) ListPipes() (totals []PipeTotals, err error) {
	err = l.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(key []byte, bucket *bolt.Bucket) error {
			if len(key) != 4 {
				return nil
			}
			totals = append(totals, readTotals(common.PipeID(u32(key)), bucket))
			return nil
		})
	})
	if totals == nil {
		totals = []PipeTotals{}
	}
	return
}

func (l *localLedger) GetPipe(id common.PipeID) (totals PipeTotals, err error) {
	err = l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(pipeKey(id))
		if bucket == nil {
			return ErrPipeNotFound
		}
		totals = readTotals(id, bucket)
		return nil
	})
	return
}

func (l *localLedger) Close() error {
	return l.db.Close()
}
