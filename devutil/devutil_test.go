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
package devutil

import (
	"errors"
	"io"
	"path/filepath"
	"testing"

	jerrors "github.com/juju/errors"
)

func TestParseVIDs(t *testing.T) {
	vids, err := ParseVIDs([]string{"303a", "0x10C4", " 1a86 ", ""})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []uint16{0x303a, 0x10c4, 0x1a86}
	if len(vids) != len(want) {
		t.Fatalf("got %x, want %x", vids, want)
	}
	for i := range want {
		if vids[i] != want[i] {
			t.Errorf("%d: got %04x, want %04x", i, vids[i], want[i])
		}
	}
	if _, err := ParseVIDs([]string{"xyz"}); err == nil {
		t.Errorf("expected an error")
	}
	if _, err := ParseVIDs([]string{"12345"}); err == nil {
		t.Errorf("expected an error for out of range id")
	}
}

var testPorts = []*PortInfo{
	{Name: "/dev/ttyS0"},
	{Name: "/dev/ttyACM0", IsUSB: true, VID: 0x2341, PID: 0x0043},
	{Name: "/dev/ttyACM1", IsUSB: true, VID: 0x303a, PID: 0x1001},
	{Name: "/dev/ttyUSB0", IsUSB: true, VID: 0x10c4, PID: 0xea60, Product: "CP2102"},
}

func TestFilterByVID(t *testing.T) {
	cases := []struct {
		vids []uint16
		want []string
	}{
		{nil, []string{"/dev/ttyS0", "/dev/ttyACM0", "/dev/ttyACM1", "/dev/ttyUSB0"}},
		{DefaultVIDs, []string{"/dev/ttyACM1", "/dev/ttyUSB0"}},
		{[]uint16{0x10c4}, []string{"/dev/ttyUSB0"}},
		{[]uint16{0x0403}, nil},
	}
	for i, c := range cases {
		got := FilterByVID(testPorts, c.vids)
		if len(got) != len(c.want) {
			t.Errorf("%d: got %d ports, want %d", i, len(got), len(c.want))
			continue
		}
		for j := range got {
			if got[j].Name != c.want[j] {
				t.Errorf("%d: %d: got %s, want %s", i, j, got[j].Name, c.want[j])
			}
		}
	}
}

func TestSelectPort(t *testing.T) {
	if p, err := SelectPort("/dev/ttyX", nil, DefaultVIDs); err != nil || p != "/dev/ttyX" {
		t.Errorf("explicit port: got %q %v", p, err)
	}
	if p, err := SelectPort("auto", testPorts, DefaultVIDs); err != nil || p != "/dev/ttyACM1" {
		t.Errorf("auto: got %q %v", p, err)
	}
	if _, err := SelectPort("", testPorts[:2], DefaultVIDs); err == nil {
		t.Errorf("expected an error when no port matches")
	}
}

func TestPortInfoString(t *testing.T) {
	if got, want := testPorts[3].String(), "/dev/ttyUSB0 (10c4:ea60 CP2102)"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got := testPorts[0].String(); got != "/dev/ttyS0" {
		t.Errorf("got %q", got)
	}
}

func TestLockPort(t *testing.T) {
	dir := t.TempDir()
	l1, err := LockPort(dir, "/dev/ttyUSB0")
	if err != nil {
		t.Fatalf("LockPort: %v", err)
	}
	if _, err := LockPort(dir, "/dev/ttyUSB0"); jerrors.Cause(err) != ErrPortLocked {
		t.Errorf("got %v, want %v", err, ErrPortLocked)
	}
	l2, err := LockPort(dir, "/dev/ttyUSB1")
	if err != nil {
		t.Fatalf("other port must not be locked: %v", err)
	}
	l2.Unlock()
	if err := l1.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	l3, err := LockPort(dir, "/dev/ttyUSB0")
	if err != nil {
		t.Fatalf("lock must be free after unlock: %v", err)
	}
	l3.Unlock()
}

func TestLockFileName(t *testing.T) {
	if got, want := lockFileName("/tmp", "/dev/cu.usbserial-1420"), filepath.Join("/tmp", "webflash-cu_usbserial-1420.lock"); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := lockFileName("/tmp", `\\.\COM3`), filepath.Join("/tmp", "webflash-____COM3.lock"); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

type fakeConn struct {
	closed   bool
	dtr, rts bool
	baudRate uint
	flushes  int
}

func (c *fakeConn) Read(b []byte) (int, error)  { return 0, io.EOF }
func (c *fakeConn) Write(b []byte) (int, error) { return len(b), nil }
func (c *fakeConn) Close() error                { c.closed = true; return nil }
func (c *fakeConn) SetDTR(v bool) error         { c.dtr = v; return nil }
func (c *fakeConn) SetRTS(v bool) error         { c.rts = v; return nil }
func (c *fakeConn) Flush() error                { c.flushes++; return nil }

func TestSerialPortReopen(t *testing.T) {
	var opened []*fakeConn
	var openErr error
	open := func(name string, baudRate uint) (serialConn, error) {
		if openErr != nil {
			return nil, openErr
		}
		c := &fakeConn{baudRate: baudRate}
		opened = append(opened, c)
		return c, nil
	}
	first, _ := open("/dev/ttyUSB0", 115200)
	p := &serialPort{name: "/dev/ttyUSB0", open: open, baudRate: 115200, conn: first}
	p.SetDTR(true)
	p.SetRTS(false)
	if err := p.SetBaudRate(921600); err != nil {
		t.Fatalf("SetBaudRate: %v", err)
	}
	if len(opened) != 2 || !opened[0].closed {
		t.Fatalf("port was not reopened")
	}
	if c := opened[1]; c.baudRate != 921600 || !c.dtr || c.rts {
		t.Errorf("got %+v", c)
	}
	openErr = errors.New("gone")
	if err := p.SetBaudRate(115200); err == nil {
		t.Errorf("expected an error")
	}
	if _, err := p.Write([]byte{1}); err != io.ErrClosedPipe {
		t.Errorf("got %v, want %v", err, io.ErrClosedPipe)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close of a closed port: %v", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := OpenSerial("/dev/null", 115200, "foo"); err == nil {
		t.Errorf("expected an error")
	}
	s := &System{Driver: "foo"}
	if err := s.Available(); err == nil {
		t.Errorf("expected an error")
	}
}
