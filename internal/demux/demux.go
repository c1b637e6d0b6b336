// Package demux routes data frames to per-pipe workers. Each pipe is owned by exactly
// one worker goroutine, which performs every write and every sequence advance for that
// pipe in arrival order. Different pipes are written in parallel.
package demux

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hddls/pipesink/internal/common"
	"github.com/hddls/pipesink/internal/instrument"
	log "github.com/sirupsen/logrus"
)

// ImageThreshold is the frame length, header included, above which a frame is an image chunk
const ImageThreshold = 1024

var ErrDemuxClosed = errors.New("demultiplexer is closed")
var errRepeatDemuxClosing = errors.New("trying to close a closed demultiplexer")

// MalformedFrameError is returned for data frames too short to carry the header
type MalformedFrameError struct {
	Length int
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame: %d bytes is shorter than the %d byte header", e.Length, common.HeaderLength)
}

// Persister is the storage a Demultiplexer writes through
type Persister interface {
	EnsureDirectory(pipe common.PipeID) error
	WriteImageChunk(pipe common.PipeID, seq uint64, payload []byte) error
	AppendTextChunk(pipe common.PipeID, payload []byte) error
}

type Outcome string

const (
	OutcomeImage   Outcome = "image"
	OutcomeText    Outcome = "text"
	OutcomeDropped Outcome = "dropped"
	OutcomeFailed  Outcome = "failed"
)

// Event describes what happened to one chunk. Sequence is only set for OutcomeImage.
type Event struct {
	Pipe     common.PipeID
	Outcome  Outcome
	Sequence uint64
	Bytes    int
	Time     time.Time
}

// Recorder receives an Event for every chunk after it has been handled
type Recorder interface {
	Record(Event) error
}

type Config struct {
	Store Persister

	// Table is created if nil
	Table *PipeTable

	// QueueDepth bounds the number of chunks waiting for each pipe
	QueueDepth int
	Overflow   OverflowPolicy

	// Valve is unlimited if nil
	Valve *Valve

	// Recorder is optional
	Recorder Recorder

	WorldState common.WorldState
}

type pipeWorker struct {
	id    common.PipeID
	queue *chunkQueue
}

type Demultiplexer struct {
	Config

	pipesM sync.Mutex
	pipes  map[common.PipeID]*pipeWorker

	workers sync.WaitGroup

	closed uint32
}

func MakeDemultiplexer(config Config) *Demultiplexer {
	d := &Demultiplexer{
		Config: config,
		pipes:  map[common.PipeID]*pipeWorker{},
	}
	if d.WorldState.Now == nil {
		d.WorldState = common.RealWorldState
	}
	if d.Table == nil {
		d.Table = NewPipeTable(d.WorldState)
	}
	if d.QueueDepth <= 0 {
		d.QueueDepth = DefaultQueueDepth
	}
	if d.Valve == nil {
		d.Valve = MakeValve(0)
	}
	return d
}

func (d *Demultiplexer) IsClosed() bool {
	return atomic.LoadUint32(&d.closed) == 1
}

// Dispatch hands a frame to its pipe's worker and returns without waiting for the write.
// Control frames are ignored. Under the Block policy it waits for room in the pipe's queue.
func (d *Demultiplexer) Dispatch(frame common.Frame) error {
	instrument.FrameReceived(frame.Kind.String())
	if frame.Kind == common.FrameControl {
		log.Tracef("ignoring control frame of %d bytes", len(frame.Payload))
		return nil
	}
	d.Valve.AddRx(int64(len(frame.Payload)))

	if len(frame.Payload) < common.HeaderLength {
		err := &MalformedFrameError{Length: len(frame.Payload)}
		instrument.FrameDropped(instrument.ReasonMalformed)
		log.WithField("length", len(frame.Payload)).Warn("dropping malformed frame")
		return err
	}

	id := frame.Pipe()
	w, err := d.worker(id)
	if err != nil {
		instrument.FrameDropped(instrument.ReasonClosed)
		log.WithField("pipe", id).Warnf("dropping frame: %v", err)
		return err
	}

	// the transport may reuse its buffer once we return
	chunk := make([]byte, len(frame.Payload))
	copy(chunk, frame.Payload)

	evicted, depth, err := w.queue.push(chunk)
	if err != nil {
		instrument.FrameDropped(instrument.ReasonClosed)
		log.WithField("pipe", id).Warnf("dropping frame: %v", err)
		return ErrDemuxClosed
	}
	instrument.QueueDepth(depth)
	if evicted != nil {
		instrument.FrameDropped(instrument.ReasonOverflow)
		d.Table.noteDrop(id)
		log.WithFields(log.Fields{
			"pipe":  id,
			"bytes": len(evicted),
		}).Warn("pipe queue is full, dropped its oldest chunk")
		d.record(Event{Pipe: id, Outcome: OutcomeDropped, Bytes: len(evicted) - common.HeaderLength})
	}
	return nil
}

func (d *Demultiplexer) worker(id common.PipeID) (*pipeWorker, error) {
	d.pipesM.Lock()
	defer d.pipesM.Unlock()
	if d.IsClosed() {
		return nil, ErrDemuxClosed
	}
	if w, ok := d.pipes[id]; ok {
		return w, nil
	}
	dir, _ := d.Table.Resolve(id)
	w := &pipeWorker{
		id:    id,
		queue: newChunkQueue(d.QueueDepth, d.Overflow),
	}
	d.pipes[id] = w
	d.workers.Add(1)
	go d.serve(w)
	instrument.PipeOpened()
	log.WithFields(log.Fields{"pipe": id, "dir": dir}).Debug("new pipe")
	return w, nil
}

func (d *Demultiplexer) serve(w *pipeWorker) {
	defer d.workers.Done()
	for {
		chunk, err := w.queue.pop()
		if err != nil {
			log.Tracef("pipe %v drained", w.id)
			return
		}
		d.persist(w.id, chunk)
	}
}

// persist always ensures the directory before writing. The sequence only advances once
// an image is on disk, so a failed write leaves no hole in the numbering.
func (d *Demultiplexer) persist(id common.PipeID, chunk []byte) {
	n := len(chunk) - common.HeaderLength
	if err := d.Store.EnsureDirectory(id); err != nil {
		d.fail(id, n, instrument.ReasonProvisioning, "ensure directory", err)
		return
	}

	d.Valve.writeWait(n)
	if len(chunk) > ImageThreshold {
		_, seq := d.Table.Resolve(id)
		if err := d.Store.WriteImageChunk(id, seq, chunk); err != nil {
			d.fail(id, n, instrument.ReasonPersistence, "write image", err)
			return
		}
		d.Table.Advance(id)
		d.Table.noteImage(id, n)
		instrument.ImageWritten(n)
		log.WithFields(log.Fields{"pipe": id, "seq": seq, "bytes": n}).Trace("image written")
		d.record(Event{Pipe: id, Outcome: OutcomeImage, Sequence: seq, Bytes: n})
	} else {
		if err := d.Store.AppendTextChunk(id, chunk); err != nil {
			d.fail(id, n, instrument.ReasonPersistence, "append text", err)
			return
		}
		d.Table.noteText(id, n)
		instrument.TextLineWritten(n)
		log.WithFields(log.Fields{"pipe": id, "bytes": n}).Trace("text appended")
		d.record(Event{Pipe: id, Outcome: OutcomeText, Bytes: n})
	}
	d.Valve.AddWritten(int64(n))
}

func (d *Demultiplexer) fail(id common.PipeID, n int, reason string, op string, err error) {
	instrument.FrameDropped(reason)
	d.Table.noteFailure(id)
	log.WithFields(log.Fields{
		"pipe": id,
		"op":   op,
		"err":  err,
	}).Error("chunk lost")
	d.record(Event{Pipe: id, Outcome: OutcomeFailed, Bytes: n})
}

func (d *Demultiplexer) record(e Event) {
	if d.Recorder == nil {
		return
	}
	e.Time = d.WorldState.Now()
	if err := d.Recorder.Record(e); err != nil {
		log.WithField("pipe", e.Pipe).Errorf("failed to record %v event: %v", e.Outcome, err)
	}
}

// Close stops accepting frames and blocks until every queued chunk has been handled
func (d *Demultiplexer) Close() error {
	d.pipesM.Lock()
	if !atomic.CompareAndSwapUint32(&d.closed, 0, 1) {
		d.pipesM.Unlock()
		return errRepeatDemuxClosing
	}
	for _, w := range d.pipes {
		w.queue.close()
	}
	n := len(d.pipes)
	d.pipesM.Unlock()

	log.Debugf("waiting for %d pipes to drain", n)
	d.workers.Wait()
	instrument.PipesClosed(n)
	rx, written := d.Valve.GetRx(), d.Valve.GetWritten()
	log.Infof("demultiplexer closed: %d bytes received, %d bytes persisted", rx, written)
	return nil
}
