package demux

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hddls/pipesink/internal/common"
	"github.com/hddls/pipesink/internal/store"
	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dataFrame(pipe byte, content []byte) common.Frame {
	return common.Frame{Kind: common.FrameData, Payload: append([]byte{pipe, 0, 0, 0}, content...)}
}

func randBytes(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}

func listDir(t *testing.T, dir string) []string {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

type recorderFunc func(Event) error

func (f recorderFunc) Record(e Event) error { return f(e) }

// gatedStore blocks every write until gate is closed and reports each chunk it starts on
type gatedStore struct {
	*store.DirStore
	started chan []byte
	gate    chan struct{}
}

func newGatedStore(root string) *gatedStore {
	return &gatedStore{
		DirStore: store.NewDirStore(root),
		started:  make(chan []byte, 64),
		gate:     make(chan struct{}),
	}
}

func (g *gatedStore) AppendTextChunk(pipe common.PipeID, payload []byte) error {
	g.started <- payload
	<-g.gate
	return g.DirStore.AppendTextChunk(pipe, payload)
}

func TestDemultiplexer_Scenario(t *testing.T) {
	root := t.TempDir()
	d := MakeDemultiplexer(Config{Store: store.NewDirStore(root)})

	image := randBytes(1100)
	line1 := bytes.Repeat([]byte("a"), 46)
	line2 := bytes.Repeat([]byte("b"), 26)

	require.NoError(t, d.Dispatch(dataFrame(1, image)))
	require.NoError(t, d.Dispatch(dataFrame(1, line1)))
	require.NoError(t, d.Dispatch(dataFrame(2, line2)))
	require.NoError(t, d.Close())

	got, err := os.ReadFile(filepath.Join(root, "pipe_1", "image_0.jpg"))
	require.NoError(t, err)
	assert.Equal(t, image, got)

	got, err = os.ReadFile(filepath.Join(root, "pipe_1", "output.txt"))
	require.NoError(t, err)
	assert.Equal(t, string(line1)+"\n", string(got))

	got, err = os.ReadFile(filepath.Join(root, "pipe_2", "output.txt"))
	require.NoError(t, err)
	assert.Equal(t, string(line2)+"\n", string(got))

	assert.ElementsMatch(t, []string{"image_0.jpg", "output.txt"}, listDir(t, filepath.Join(root, "pipe_1")))
	assert.Equal(t, []string{"output.txt"}, listDir(t, filepath.Join(root, "pipe_2")))

	st, ok := d.Table.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), st.Sequence)
	assert.Equal(t, uint64(1), st.TextLines)
	assert.Equal(t, uint64(1100+46), st.BytesWritten)
}

func TestDemultiplexer_Threshold(t *testing.T) {
	root := t.TempDir()
	d := MakeDemultiplexer(Config{Store: store.NewDirStore(root)})

	// frame lengths 1024 and 1025, header included
	require.NoError(t, d.Dispatch(dataFrame(0, bytes.Repeat([]byte("x"), ImageThreshold-common.HeaderLength))))
	require.NoError(t, d.Dispatch(dataFrame(0, randBytes(ImageThreshold-common.HeaderLength+1))))
	require.NoError(t, d.Close())

	assert.ElementsMatch(t, []string{"image_0.jpg", "output.txt"}, listDir(t, filepath.Join(root, "pipe_0")))
	info, err := os.Stat(filepath.Join(root, "pipe_0", "image_0.jpg"))
	require.NoError(t, err)
	assert.EqualValues(t, ImageThreshold-common.HeaderLength+1, info.Size())
}

func TestDemultiplexer_ControlFrame(t *testing.T) {
	root := t.TempDir()
	d := MakeDemultiplexer(Config{Store: store.NewDirStore(root)})

	err := d.Dispatch(common.ClassifyMessage(websocket.TextMessage, []byte("\x01\x00\x00\x00key=value")))
	assert.NoError(t, err)
	require.NoError(t, d.Close())

	assert.Empty(t, listDir(t, root))
	assert.Equal(t, 0, d.Table.Len())
}

func TestDemultiplexer_MalformedFrame(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	root := t.TempDir()
	d := MakeDemultiplexer(Config{Store: store.NewDirStore(root)})

	for _, payload := range [][]byte{nil, {1}, {1, 0, 0}} {
		err := d.Dispatch(common.Frame{Kind: common.FrameData, Payload: payload})
		var malformed *MalformedFrameError
		require.True(t, errors.As(err, &malformed))
		assert.Equal(t, len(payload), malformed.Length)
	}
	require.NoError(t, d.Close())

	assert.Empty(t, listDir(t, root))
	var warned int
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel && strings.Contains(e.Message, "malformed") {
			warned++
		}
	}
	assert.Equal(t, 3, warned)
}

func TestDemultiplexer_ContiguousSequences(t *testing.T) {
	const numPipes = 8
	const imagesPerPipe = 50

	root := t.TempDir()
	var seqsM sync.Mutex
	seqs := map[common.PipeID][]uint64{}
	d := MakeDemultiplexer(Config{
		Store:      store.NewDirStore(root),
		Overflow:   Block,
		QueueDepth: 4,
		Recorder: recorderFunc(func(e Event) error {
			if e.Outcome == OutcomeImage {
				seqsM.Lock()
				seqs[e.Pipe] = append(seqs[e.Pipe], e.Sequence)
				seqsM.Unlock()
			}
			return nil
		}),
	})

	var wg sync.WaitGroup
	for p := 0; p < numPipes; p++ {
		for g := 0; g < 2; g++ {
			wg.Add(1)
			go func(pipe byte) {
				defer wg.Done()
				for i := 0; i < imagesPerPipe/2; i++ {
					if err := d.Dispatch(dataFrame(pipe, randBytes(2000))); err != nil {
						t.Error(err)
						return
					}
				}
			}(byte(p))
		}
	}
	wg.Wait()
	require.NoError(t, d.Close())

	for p := 0; p < numPipes; p++ {
		id := common.PipeID(p)
		names := listDir(t, filepath.Join(root, id.Dir()))
		require.Len(t, names, imagesPerPipe)
		require.Len(t, seqs[id], imagesPerPipe)
		for i := 0; i < imagesPerPipe; i++ {
			assert.Contains(t, names, fmt.Sprintf("image_%d.jpg", i))
			assert.Equal(t, uint64(i), seqs[id][i])
		}
	}
}

func TestDemultiplexer_TextOrder(t *testing.T) {
	root := t.TempDir()
	d := MakeDemultiplexer(Config{Store: store.NewDirStore(root), Overflow: Block, QueueDepth: 3})

	var expected strings.Builder
	for i := 0; i < 200; i++ {
		line := fmt.Sprintf("line %d", i)
		expected.WriteString(line + "\n")
		require.NoError(t, d.Dispatch(dataFrame(7, []byte(line))))
	}
	require.NoError(t, d.Close())

	got, err := os.ReadFile(filepath.Join(root, "pipe_7", "output.txt"))
	require.NoError(t, err)
	assert.Equal(t, expected.String(), string(got))
}

func TestDemultiplexer_DropOldest(t *testing.T) {
	root := t.TempDir()
	gs := newGatedStore(root)
	var dropped []Event
	var droppedM sync.Mutex
	d := MakeDemultiplexer(Config{
		Store:      gs,
		Overflow:   DropOldest,
		QueueDepth: 2,
		Recorder: recorderFunc(func(e Event) error {
			if e.Outcome == OutcomeDropped {
				droppedM.Lock()
				dropped = append(dropped, e)
				droppedM.Unlock()
			}
			return nil
		}),
	})

	require.NoError(t, d.Dispatch(dataFrame(3, []byte("first"))))
	<-gs.started // the worker now holds "first"

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, d.Dispatch(dataFrame(3, []byte(s))))
	}
	close(gs.gate)
	require.NoError(t, d.Close())

	got, err := os.ReadFile(filepath.Join(root, "pipe_3", "output.txt"))
	require.NoError(t, err)
	assert.Equal(t, "first\nb\nc\n", string(got))

	st, _ := d.Table.Lookup(3)
	assert.Equal(t, uint64(1), st.Dropped)
	require.Len(t, dropped, 1)
	assert.Equal(t, 1, dropped[0].Bytes)
}

func TestDemultiplexer_Block(t *testing.T) {
	root := t.TempDir()
	gs := newGatedStore(root)
	d := MakeDemultiplexer(Config{Store: gs, Overflow: Block, QueueDepth: 1})

	require.NoError(t, d.Dispatch(dataFrame(4, []byte("first"))))
	<-gs.started
	require.NoError(t, d.Dispatch(dataFrame(4, []byte("second"))))

	returned := make(chan error, 1)
	go func() { returned <- d.Dispatch(dataFrame(4, []byte("third"))) }()

	select {
	case <-returned:
		t.Fatal("dispatch should block while the queue is full")
	case <-time.After(100 * time.Millisecond):
	}

	close(gs.gate)
	require.NoError(t, <-returned)
	require.NoError(t, d.Close())

	got, err := os.ReadFile(filepath.Join(root, "pipe_4", "output.txt"))
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\nthird\n", string(got))
}

func TestDemultiplexer_ProvisioningFailure(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "pipe_5"), []byte("in the way"), 0644))
	var events []Event
	var eventsM sync.Mutex
	d := MakeDemultiplexer(Config{
		Store: store.NewDirStore(root),
		Recorder: recorderFunc(func(e Event) error {
			eventsM.Lock()
			events = append(events, e)
			eventsM.Unlock()
			return nil
		}),
	})

	require.NoError(t, d.Dispatch(dataFrame(5, []byte("lost"))))
	require.NoError(t, d.Dispatch(dataFrame(6, []byte("kept"))))
	require.NoError(t, d.Close())

	assert.FileExists(t, filepath.Join(root, "pipe_6", "output.txt"))
	st, _ := d.Table.Lookup(5)
	assert.Equal(t, uint64(1), st.Failures)

	var logged *log.Entry
	for _, e := range hook.AllEntries() {
		if e.Level == log.ErrorLevel && e.Data["pipe"] == common.PipeID(5) {
			logged = e
		}
	}
	require.NotNil(t, logged)
	assert.Equal(t, "ensure directory", logged.Data["op"])
	var provErr *store.DirectoryProvisioningError
	assert.True(t, errors.As(logged.Data["err"].(error), &provErr))

	var failed int
	for _, e := range events {
		if e.Outcome == OutcomeFailed {
			failed++
			assert.Equal(t, common.PipeID(5), e.Pipe)
		}
	}
	assert.Equal(t, 1, failed)
}

type failingImageStore struct {
	*store.DirStore
	failSeq map[uint64]bool
	calls   []uint64
}

func (f *failingImageStore) WriteImageChunk(pipe common.PipeID, seq uint64, payload []byte) error {
	f.calls = append(f.calls, seq)
	if f.failSeq[seq] {
		f.failSeq[seq] = false
		return &store.PersistenceError{Pipe: pipe, Op: store.OpWriteImage, Sequence: seq, Cause: errors.New("disk full")}
	}
	return f.DirStore.WriteImageChunk(pipe, seq, payload)
}

func TestDemultiplexer_FailedImageKeepsSequence(t *testing.T) {
	root := t.TempDir()
	fs := &failingImageStore{DirStore: store.NewDirStore(root), failSeq: map[uint64]bool{1: true}}
	d := MakeDemultiplexer(Config{Store: fs})

	for i := 0; i < 3; i++ {
		require.NoError(t, d.Dispatch(dataFrame(1, randBytes(1500))))
	}
	require.NoError(t, d.Close())

	assert.Equal(t, []uint64{0, 1, 1}, fs.calls)
	assert.ElementsMatch(t, []string{"image_0.jpg", "image_1.jpg"}, listDir(t, filepath.Join(root, "pipe_1")))
}

func TestDemultiplexer_Close(t *testing.T) {
	root := t.TempDir()
	d := MakeDemultiplexer(Config{Store: store.NewDirStore(root)})

	for i := 0; i < 100; i++ {
		require.NoError(t, d.Dispatch(dataFrame(byte(i%4), []byte(fmt.Sprint(i)))))
	}
	require.NoError(t, d.Close())
	assert.True(t, d.IsClosed())

	var lines int
	for p := 0; p < 4; p++ {
		got, err := os.ReadFile(filepath.Join(root, common.PipeID(p).Dir(), "output.txt"))
		require.NoError(t, err)
		lines += strings.Count(string(got), "\n")
	}
	assert.Equal(t, 100, lines)

	assert.Equal(t, ErrDemuxClosed, d.Dispatch(dataFrame(1, []byte("late"))))
	assert.Equal(t, errRepeatDemuxClosing, d.Close())
}

func TestDemultiplexer_Valve(t *testing.T) {
	d := MakeDemultiplexer(Config{Store: store.NewDirStore(t.TempDir())})
	require.NoError(t, d.Dispatch(dataFrame(1, []byte("12345"))))
	assert.Error(t, d.Dispatch(common.Frame{Kind: common.FrameData, Payload: []byte{1}}))
	require.NoError(t, d.Close())

	assert.EqualValues(t, 9+1, d.Valve.GetRx())
	assert.EqualValues(t, 5, d.Valve.GetWritten())
}
