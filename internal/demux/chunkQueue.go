package demux

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

type OverflowPolicy int

const (
	// DropOldest discards the oldest queued chunk to make room. Pushing never blocks.
	DropOldest OverflowPolicy = iota
	// Block makes the pusher wait until the pipe's worker has made room
	Block
)

const DefaultQueueDepth = 256

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case Block:
		return "block"
	default:
		return fmt.Sprintf("OverflowPolicy(%d)", int(p))
	}
}

func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(s) {
	case "drop-oldest", "":
		return DropOldest, nil
	case "block":
		return Block, nil
	default:
		return 0, fmt.Errorf("unknown overflow policy %v", s)
	}
}

var errQueueClosed = errors.New("queue is closed")

// chunkQueue is a bounded FIFO of chunks for a single pipe.
// pop blocks until a chunk is available; after close the remaining chunks
// are still handed out before io.EOF.
type chunkQueue struct {
	chunks [][]byte
	limit  int
	policy OverflowPolicy
	closed bool
	cond   *sync.Cond
}

func newChunkQueue(limit int, policy OverflowPolicy) *chunkQueue {
	if limit <= 0 {
		limit = DefaultQueueDepth
	}
	return &chunkQueue{
		limit:  limit,
		policy: policy,
		cond:   sync.NewCond(&sync.Mutex{}),
	}
}

// push enqueues c. Under DropOldest it returns the chunk that was evicted to make room, if any.
func (q *chunkQueue) push(c []byte) (evicted []byte, depth int, err error) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	for {
		if q.closed {
			return nil, len(q.chunks), errQueueClosed
		}
		if len(q.chunks) < q.limit {
			break
		}
		if q.policy == DropOldest {
			evicted = q.chunks[0]
			q.chunks[0] = nil
			q.chunks = q.chunks[1:]
			break
		}
		q.cond.Wait()
	}
	q.chunks = append(q.chunks, c)
	q.cond.Broadcast()
	return evicted, len(q.chunks), nil
}

func (q *chunkQueue) pop() ([]byte, error) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	for len(q.chunks) == 0 {
		if q.closed {
			return nil, io.EOF
		}
		q.cond.Wait()
	}
	c := q.chunks[0]
	q.chunks[0] = nil
	q.chunks = q.chunks[1:]
	q.cond.Broadcast()
	return c, nil
}

func (q *chunkQueue) close() {
	q.cond.L.Lock()
	q.closed = true
	q.cond.L.Unlock()
	q.cond.Broadcast()
}

func (q *chunkQueue) len() int {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	return len(q.chunks)
}
