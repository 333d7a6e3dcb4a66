//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
package slip

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

const (
	// https://tools.ietf.org/html/rfc1055
	FrameDelimiter       = 0xC0
	Escape               = 0xDB
	EscapeFrameDelimiter = 0xDC
	EscapeEscape         = 0xDD

	MaxFrameSize = 64 * 1024
)

// Encode wraps data into a SLIP frame.
func Encode(data []byte) []byte {
	frame := make([]byte, 0, len(data)+2)
	frame = append(frame, FrameDelimiter)
	for _, b := range data {
		switch b {
		case FrameDelimiter:
			frame = append(frame, Escape, EscapeFrameDelimiter)
		case Escape:
			frame = append(frame, Escape, EscapeEscape)
		default:
			frame = append(frame, b)
		}
	}
	return append(frame, FrameDelimiter)
}

// Decoder reassembles frames from a byte stream that may arrive in arbitrary
// pieces. Bytes outside of a frame (boot messages, line noise) are dropped.
type Decoder struct {
	inFrame bool
	esc     bool
	buf     bytes.Buffer
	frames  [][]byte
	err     error
}

// Feed consumes a chunk of the stream. Complete frames become available via Next.
func (d *Decoder) Feed(data []byte) {
	for _, b := range data {
		if !d.inFrame {
			if b == FrameDelimiter {
				d.inFrame = true
				d.buf.Reset()
			}
			continue
		}
		if d.esc {
			d.esc = false
			switch b {
			case EscapeFrameDelimiter:
				d.buf.WriteByte(FrameDelimiter)
			case EscapeEscape:
				d.buf.WriteByte(Escape)
			default:
				d.fail(errors.Errorf("invalid SLIP escape sequence: 0x%02x", b))
			}
			continue
		}
		switch b {
		case FrameDelimiter:
			if d.buf.Len() == 0 {
				// Back-to-back delimiters: treat the second one as a new frame start.
				continue
			}
			frame := make([]byte, d.buf.Len())
			copy(frame, d.buf.Bytes())
			glog.V(4).Infof("<= (%d) %s", len(frame), LimitStr(frame, 32))
			d.frames = append(d.frames, frame)
			d.buf.Reset()
			d.inFrame = false
		case Escape:
			d.esc = true
		default:
			if d.buf.Len() >= MaxFrameSize {
				d.fail(errors.Errorf("frame buffer overflow (%d)", MaxFrameSize))
				continue
			}
			d.buf.WriteByte(b)
		}
	}
}

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
	d.inFrame = false
	d.esc = false
	d.buf.Reset()
}

// Next returns the oldest complete frame, if any. A decoding error is reported
// once and the offending frame is discarded.
func (d *Decoder) Next() ([]byte, bool, error) {
	if d.err != nil {
		err := d.err
		d.err = nil
		return nil, false, err
	}
	if len(d.frames) == 0 {
		return nil, false, nil
	}
	f := d.frames[0]
	d.frames = d.frames[1:]
	return f, true, nil
}

// Reset drops all buffered state.
func (d *Decoder) Reset() {
	*d = Decoder{}
}

type ReaderWriter struct {
	rw  io.ReadWriter
	dec Decoder
}

func NewReaderWriter(rw io.ReadWriter) *ReaderWriter {
	return &ReaderWriter{rw: rw}
}

// ReadFrame blocks until a complete frame has been received or the underlying
// reader fails.
func (srw *ReaderWriter) ReadFrame() ([]byte, error) {
	buf := make([]byte, 256)
	for {
		f, ok, err := srw.dec.Next()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if ok {
			return f, nil
		}
		n, err := srw.rw.Read(buf)
		if n > 0 {
			srw.dec.Feed(buf[:n])
		}
		if err != nil {
			return nil, errors.Annotatef(err, "error reading")
		}
	}
}

func (srw *ReaderWriter) WriteFrame(data []byte) error {
	glog.V(4).Infof("=> (%d) %s", len(data), LimitStr(data, 32))
	frame := Encode(data)
	for len(frame) > 0 {
		n, err := srw.rw.Write(frame)
		if err != nil {
			return errors.Annotatef(err, "error writing")
		}
		frame = frame[n:]
	}
	return nil
}

// LimitStr renders at most n bytes of b as hex, for logging.
func LimitStr(b []byte, n int) string {
	if len(b) <= n {
		return fmt.Sprintf("%x", b)
	}
	return fmt.Sprintf("%x...", b[:n])
}
