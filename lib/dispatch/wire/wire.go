// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package wire implements the framing used between the driver and
// its workers.
//
// A message is a header frame, a job-scoped data frame, and one frame
// per task. Each frame is a 4-byte big-endian length followed by that
// many bytes. The header is msgpack-encoded and declares how many
// task frames follow.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

type Kind string

const (
	KindHandshake = Kind("handshake")
	KindDispatch  = Kind("dispatch")
	KindResults   = Kind("results")
	KindCancel    = Kind("cancel")
)

const (
	DefaultMaxFrameSize = 64 << 20

	// Upper bound on TaskCount, checked before anything is
	// allocated for the task frames.
	maxTaskCount = 1 << 20
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrProtocol      = errors.New("protocol error")
)

// Header is the first frame of every message.
type Header struct {
	Kind Kind `msgpack:"kind"`
	// Sender's identity: the driver UUID in messages from the
	// driver, the worker UUID in messages from a worker.
	UUID    string `msgpack:"uuid"`
	JobUUID string `msgpack:"job_uuid,omitempty"`
	JobName string `msgpack:"job_name,omitempty"`
	SliceID string `msgpack:"slice_id,omitempty"`
	// Number of task frames following the data frame.
	TaskCount int `msgpack:"task_count"`
	// Job positions of the tasks, in frame order.
	Positions []int `msgpack:"positions,omitempty"`
	// Routing path of the job, including the sending driver.
	Path         []string          `msgpack:"path,omitempty"`
	Capabilities map[string]string `msgpack:"capabilities,omitempty"`
	// Set by a worker that could not execute the slice. The task
	// frames of such a message are not results.
	Error string `msgpack:"error,omitempty"`
	// Per-task execution errors, keyed by job position.
	TaskErrors map[int]string `msgpack:"task_errors,omitempty"`
}

// Message is a decoded header with its data and task frames.
type Message struct {
	Header Header
	Data   []byte
	Tasks  [][]byte
}

// Size returns the number of payload bytes in the message, not
// counting the header.
func (msg *Message) Size() int {
	n := len(msg.Data)
	for _, t := range msg.Tasks {
		n += len(t)
	}
	return n
}

// A Reader reads messages from a stream.
type Reader struct {
	r            *bufio.Reader
	maxFrameSize int
}

// NewReader returns a Reader that rejects frames larger than
// maxFrameSize (DefaultMaxFrameSize if maxFrameSize <= 0).
func NewReader(r io.Reader, maxFrameSize int) *Reader {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Reader{r: bufio.NewReader(r), maxFrameSize: maxFrameSize}
}

// ReadMessage reads one complete message. Errors other than io.EOF
// from the underlying stream mean the stream is no longer usable.
func (rdr *Reader) ReadMessage() (*Message, error) {
	buf, err := rdr.readFrame()
	if err != nil {
		return nil, err
	}
	msg := &Message{}
	if err := msgpack.Unmarshal(buf, &msg.Header); err != nil {
		return nil, fmt.Errorf("%w: decoding header: %s", ErrProtocol, err)
	}
	hdr := &msg.Header
	if hdr.TaskCount < 0 || hdr.TaskCount > maxTaskCount {
		return nil, fmt.Errorf("%w: invalid task count %d", ErrProtocol, hdr.TaskCount)
	}
	if hdr.Positions != nil && len(hdr.Positions) != hdr.TaskCount {
		return nil, fmt.Errorf("%w: header has %d positions for %d tasks", ErrProtocol, len(hdr.Positions), hdr.TaskCount)
	}
	if msg.Data, err = rdr.readFrame(); err != nil {
		return nil, unexpected(err)
	}
	msg.Tasks = make([][]byte, hdr.TaskCount)
	for i := range msg.Tasks {
		if msg.Tasks[i], err = rdr.readFrame(); err != nil {
			return nil, unexpected(err)
		}
	}
	return msg, nil
}

func (rdr *Reader) readFrame() ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(rdr.r, lenbuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenbuf[:])
	if uint64(size) > uint64(rdr.maxFrameSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, rdr.maxFrameSize)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(rdr.r, buf); err != nil {
		return nil, unexpected(err)
	}
	return buf, nil
}

// EOF is only clean between messages.
func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// A Writer writes messages to a stream. It is not safe for
// concurrent use.
type Writer struct {
	w            *bufio.Writer
	maxFrameSize int
}

// NewWriter returns a Writer that refuses to send frames larger than
// maxFrameSize (DefaultMaxFrameSize if maxFrameSize <= 0).
func NewWriter(w io.Writer, maxFrameSize int) *Writer {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Writer{w: bufio.NewWriter(w), maxFrameSize: maxFrameSize}
}

// WriteMessage writes and flushes msg. The header's TaskCount is
// set from len(msg.Tasks).
func (wtr *Writer) WriteMessage(msg *Message) error {
	msg.Header.TaskCount = len(msg.Tasks)
	hdr, err := msgpack.Marshal(&msg.Header)
	if err != nil {
		return fmt.Errorf("encoding header: %w", err)
	}
	if err := wtr.checkSizes(hdr, msg); err != nil {
		return err
	}
	if err := wtr.writeFrame(hdr); err != nil {
		return err
	}
	if err := wtr.writeFrame(msg.Data); err != nil {
		return err
	}
	for _, t := range msg.Tasks {
		if err := wtr.writeFrame(t); err != nil {
			return err
		}
	}
	return wtr.w.Flush()
}

// Check everything before writing anything, so an oversized message
// doesn't leave a partial message on the stream.
func (wtr *Writer) checkSizes(hdr []byte, msg *Message) error {
	if len(hdr) > wtr.maxFrameSize || len(msg.Data) > wtr.maxFrameSize {
		return fmt.Errorf("%w: header %d, data %d, max %d", ErrFrameTooLarge, len(hdr), len(msg.Data), wtr.maxFrameSize)
	}
	for i, t := range msg.Tasks {
		if len(t) > wtr.maxFrameSize {
			return fmt.Errorf("%w: task %d is %d bytes, max %d", ErrFrameTooLarge, i, len(t), wtr.maxFrameSize)
		}
	}
	return nil
}

func (wtr *Writer) writeFrame(buf []byte) error {
	var lenbuf [4]byte
	binary.BigEndian.PutUint32(lenbuf[:], uint32(len(buf)))
	if _, err := wtr.w.Write(lenbuf[:]); err != nil {
		return err
	}
	_, err := wtr.w.Write(buf)
	return err
}
