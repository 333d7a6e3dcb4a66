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
package rom

import (
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"github.com/mongoose-os/webflash/common/slip"
	"github.com/mongoose-os/webflash/flash/esp"
)

var errReadTimeout = errors.New("read timeout")

// Port is the serial line to the chip. Control lines drive the EN and GPIO0
// (BOOT) pins through the usual auto-reset circuit.
type Port interface {
	io.ReadWriter
	SetDTR(v bool) error
	SetRTS(v bool) error
	SetBaudRate(baudRate uint) error
	Flush() error
}

// Client talks to the ROM bootloader or, after RunStub, to the stub loader.
type Client struct {
	port      Port
	srw       *slip.ReaderWriter
	chip      esp.ChipType
	statusLen int
	stub      bool
	baudRate  uint

	writeLock  sync.Mutex
	frames     chan []byte
	readErr    chan error
	done       chan struct{}
	readerExit chan struct{}
	closeOnce  sync.Once
}

func newClient(port Port, baudRate uint) *Client {
	c := &Client{
		port:       port,
		srw:        slip.NewReaderWriter(port),
		baudRate:   baudRate,
		frames:     make(chan []byte, 32),
		readErr:    make(chan error, 1),
		done:       make(chan struct{}),
		readerExit: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// readLoop decodes SLIP frames off the port. Serial ports report read timeouts
// as (0, io.EOF) or (0, nil); those are not fatal.
func (c *Client) readLoop() {
	defer close(c.readerExit)
	var dec slip.Decoder
	buf := make([]byte, 1024)
	for {
		select {
		case <-c.done:
			return
		default:
		}
		n, err := c.port.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				f, ok, ferr := dec.Next()
				if ferr != nil {
					glog.V(1).Infof("framing error: %s", ferr)
					continue
				}
				if !ok {
					break
				}
				select {
				case c.frames <- f:
				case <-c.done:
					return
				}
			}
		}
		if n == 0 && (err == nil || err == io.EOF) {
			select {
			case <-c.done:
				return
			case <-time.After(5 * time.Millisecond):
			}
			continue
		}
		if err != nil && err != io.EOF {
			select {
			case c.readErr <- errors.Annotatef(err, "read error"):
			default:
			}
			return
		}
	}
}

func (c *Client) Chip() esp.ChipType { return c.chip }

func (c *Client) IsStub() bool { return c.stub }

func (c *Client) BaudRate() uint { return c.baudRate }

func (c *Client) FlashWriteSize() int {
	if c.stub {
		return StubFlashWriteSize
	}
	return ROMFlashWriteSize
}

// Close stops the reader. The port itself belongs to the caller.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		select {
		case <-c.readerExit:
		case <-time.After(200 * time.Millisecond):
			glog.V(1).Infof("reader is still blocked, leaving it")
		}
	})
}

func (c *Client) flushInput() {
	for {
		select {
		case f := <-c.frames:
			glog.V(4).Infof("dropped %s", slip.LimitStr(f, 16))
		default:
			return
		}
	}
}

func (c *Client) readFrame(timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case f := <-c.frames:
		return f, nil
	case err := <-c.readErr:
		// Keep the error for subsequent reads.
		select {
		case c.readErr <- err:
		default:
		}
		return nil, err
	case <-c.done:
		return nil, errors.Errorf("client is closed")
	case <-t.C:
		return nil, errReadTimeout
	}
}

func (c *Client) send(op Op, data []byte, chk uint32) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return errors.Trace(c.srw.WriteFrame(EncodeRequest(op, data, chk)))
}

// command sends a request and waits for the matching response.
// Responses to other commands are skipped, like the ROM's extra SYNC replies.
func (c *Client) command(op Op, data []byte, chk uint32, timeout time.Duration) (uint32, []byte, error) {
	if err := c.send(op, data, chk); err != nil {
		return 0, nil, errors.Annotatef(err, "failed to send %s", op)
	}
	return c.readResponse(op, timeout)
}

func (c *Client) readResponse(op Op, timeout time.Duration) (uint32, []byte, error) {
	deadline := time.Now().Add(timeout)
	for retry := 0; retry < 100; retry++ {
		f, err := c.readFrame(time.Until(deadline))
		if err == errReadTimeout {
			return 0, nil, &TimeoutError{Op: op}
		} else if err != nil {
			return 0, nil, errors.Trace(err)
		}
		if len(f) < ResponseHeaderLen || f[0] != DirResponse {
			glog.V(2).Infof("ignoring invalid response %s", slip.LimitStr(f, 16))
			continue
		}
		data := f[ResponseHeaderLen:]
		if Op(f[1]) != op {
			if len(data) >= 2 && data[0] != 0 && data[1] == ROMInvalidRecvMsg {
				c.flushInput()
				return 0, nil, &CommandError{Op: op, Status: data[0], Code: data[1]}
			}
			glog.V(2).Infof("%s: skipping response to %s", op, Op(f[1]))
			continue
		}
		return binary.LittleEndian.Uint32(f[4:8]), data, nil
	}
	return 0, nil, errors.Errorf("%s: too many unexpected responses", op)
}

// statusBytes returns the length of the status trailer of resp. Until the chip
// is known it is implied by the response length: payloads are whole words, so
// a 2 byte status leaves the length at 2 mod 4.
func (c *Client) statusBytes(resp []byte) int {
	if c.statusLen > 0 {
		return c.statusLen
	}
	if len(resp)%4 == 0 {
		return 4
	}
	return 2
}

// checkCommand runs the command and checks the status bytes. respDataLen is the
// expected length of the payload preceding status, -1 if status is at the end.
func (c *Client) checkCommand(op Op, data []byte, chk uint32, timeout time.Duration, respDataLen int) (uint32, []byte, error) {
	glog.V(2).Infof("=> %s (%d)", op, len(data))
	val, resp, err := c.command(op, data, chk, timeout)
	if err != nil {
		return 0, nil, errors.Trace(err)
	}
	statusStart := len(resp) - c.statusBytes(resp)
	if respDataLen >= 0 {
		statusStart = respDataLen
	}
	if statusStart < 0 || len(resp) < statusStart+2 {
		if len(resp) >= 2 && resp[0] != 0 {
			return 0, nil, &CommandError{Op: op, Status: resp[0], Code: resp[1]}
		}
		return 0, nil, errors.Errorf("%s: response too short (%d)", op, len(resp))
	}
	if resp[statusStart] != 0 {
		return 0, nil, &CommandError{Op: op, Status: resp[statusStart], Code: resp[statusStart+1]}
	}
	glog.V(2).Infof("<= %s 0x%08x (%d)", op, val, statusStart)
	return val, resp[:statusStart], nil
}
