package common

import (
	"bytes"
	"strconv"

	"github.com/gorilla/websocket"
)

// PipeID identifies one logical data channel multiplexed over a single connection.
// On the wire it only ever occupies one byte, but nothing downstream relies on that.
type PipeID uint32

func (id PipeID) String() string { return strconv.FormatUint(uint64(id), 10) }

// Dir is the directory name, relative to the output root, that holds the pipe's artifacts
func (id PipeID) Dir() string { return "pipe_" + id.String() }

type FrameKind uint8

const (
	// FrameData carries a pipe-tagged payload: [pipe id][3 reserved bytes][content]
	FrameData FrameKind = iota
	// FrameControl belongs to the control protocol and is never persisted
	FrameControl
)

func (k FrameKind) String() string {
	switch k {
	case FrameData:
		return "data"
	case FrameControl:
		return "control"
	default:
		return "unknown"
	}
}

// HeaderLength is the number of leading payload bytes of a data frame that are not content
const HeaderLength = 4

// Frame is one message delivered by the transport, tagged once at the boundary
type Frame struct {
	Kind    FrameKind
	Payload []byte
}

// Pipe returns the pipe id carried in byte 0. The caller must have checked the length.
func (f Frame) Pipe() PipeID { return PipeID(f.Payload[0]) }

// Content is the payload with the header stripped. The caller must have checked the length.
func (f Frame) Content() []byte { return f.Payload[HeaderLength:] }

// ClassifyMessage tags a raw websocket message. A text message containing '=' is a
// control message; anything else is treated as data.
func ClassifyMessage(messageType int, data []byte) Frame {
	if messageType == websocket.TextMessage && bytes.IndexByte(data, '=') >= 0 {
		return Frame{Kind: FrameControl, Payload: data}
	}
	return Frame{Kind: FrameData, Payload: data}
}
