// Package store writes demultiplexed pipe data to disk. Every pipe owns a directory
// under the store root holding a zero-based run of image files and one text log.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hddls/pipesink/internal/common"
	"golang.org/x/text/encoding/unicode"
)

const (
	TextLogName = "output.txt"
	imagePrefix = "image_"
	imageSuffix = ".jpg"

	dirPerm  = 0755
	filePerm = 0644
)

// DirectoryProvisioningError means the pipe's directory could not be created.
// The frame that triggered it is dropped.
type DirectoryProvisioningError struct {
	Pipe  common.PipeID
	Cause error
}

func (e *DirectoryProvisioningError) Error() string {
	return fmt.Sprintf("failed to provision directory for pipe %v: %v", e.Pipe, e.Cause)
}

func (e *DirectoryProvisioningError) Unwrap() error { return e.Cause }

// PersistenceError means a chunk could not be written. Sequence is only meaningful
// when Op is OpWriteImage.
type PersistenceError struct {
	Pipe     common.PipeID
	Op       string
	Sequence uint64
	Cause    error
}

const (
	OpWriteImage = "write image"
	OpAppendText = "append text"
)

func (e *PersistenceError) Error() string {
	if e.Op == OpWriteImage {
		return fmt.Sprintf("failed to %v %v for pipe %v: %v", e.Op, e.Sequence, e.Pipe, e.Cause)
	}
	return fmt.Sprintf("failed to %v for pipe %v: %v", e.Op, e.Pipe, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }

// DirStore persists pipe chunks below Root
type DirStore struct {
	Root string
}

func NewDirStore(root string) *DirStore {
	return &DirStore{Root: root}
}

func (s *DirStore) PipeDir(pipe common.PipeID) string {
	return filepath.Join(s.Root, pipe.Dir())
}

func ImageName(seq uint64) string {
	return imagePrefix + strconv.FormatUint(seq, 10) + imageSuffix
}

func (s *DirStore) ImagePath(pipe common.PipeID, seq uint64) string {
	return filepath.Join(s.PipeDir(pipe), ImageName(seq))
}

func (s *DirStore) TextLogPath(pipe common.PipeID) string {
	return filepath.Join(s.PipeDir(pipe), TextLogName)
}

// EnsureDirectory creates the pipe's directory if needed. Calling it again for
// an existing directory is a no-op.
func (s *DirStore) EnsureDirectory(pipe common.PipeID) error {
	dir := s.PipeDir(pipe)
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return nil
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return &DirectoryProvisioningError{Pipe: pipe, Cause: err}
	}
	return nil
}

// WriteImageChunk writes payload minus its header to image_<seq>.jpg. A file left
// behind by a failed write is removed.
func (s *DirStore) WriteImageChunk(pipe common.PipeID, seq uint64, payload []byte) error {
	if len(payload) < common.HeaderLength {
		return &PersistenceError{Pipe: pipe, Op: OpWriteImage, Sequence: seq, Cause: errShortPayload(len(payload))}
	}
	path := s.ImagePath(pipe, seq)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return &PersistenceError{Pipe: pipe, Op: OpWriteImage, Sequence: seq, Cause: err}
	}
	_, err = f.Write(payload[common.HeaderLength:])
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return &PersistenceError{Pipe: pipe, Op: OpWriteImage, Sequence: seq, Cause: err}
	}
	return nil
}

// AppendTextChunk decodes payload minus its header as UTF-8 and appends it as one line
// to the pipe's text log. Invalid byte sequences become U+FFFD.
func (s *DirStore) AppendTextChunk(pipe common.PipeID, payload []byte) error {
	if len(payload) < common.HeaderLength {
		return &PersistenceError{Pipe: pipe, Op: OpAppendText, Cause: errShortPayload(len(payload))}
	}
	line, err := DecodeText(payload[common.HeaderLength:])
	if err != nil {
		return &PersistenceError{Pipe: pipe, Op: OpAppendText, Cause: err}
	}
	line = append(line, '\n')

	f, err := os.OpenFile(s.TextLogPath(pipe), os.O_WRONLY|os.O_CREATE|os.O_APPEND, filePerm)
	if err != nil {
		return &PersistenceError{Pipe: pipe, Op: OpAppendText, Cause: err}
	}
	_, err = f.Write(line)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return &PersistenceError{Pipe: pipe, Op: OpAppendText, Cause: err}
	}
	return nil
}

// DecodeText returns b as valid UTF-8
func DecodeText(b []byte) ([]byte, error) {
	return unicode.UTF8.NewDecoder().Bytes(b)
}

type errShortPayload int

func (e errShortPayload) Error() string {
	return fmt.Sprintf("payload of %d bytes is shorter than the %d byte header", int(e), common.HeaderLength)
}
