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

// Package fakerom emulates the serial bootloader of an ESP chip well enough to
// exercise the loader client end to end over an in-memory pipe.
package fakerom

import (
	"bytes"
	"compress/zlib"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"io/ioutil"
	"net"
	"sync"

	"github.com/golang/glog"
	"github.com/mongoose-os/webflash/common/slip"
	"github.com/mongoose-os/webflash/flash/esp"
	"github.com/mongoose-os/webflash/flash/esp/rom"
)

const (
	errInvalidMessage = 0x05
	errInvalidCRC     = 0x07
	errFlashWrite     = 0x08
)

type Device struct {
	Chip esp.ChipType
	// JEDEC id returned to RDID.
	FlashID uint32
	// The ROM does not know GET_SECURITY_INFO (ESP8266, ESP32).
	NoSecurityInfo bool
	SyncReplies    int

	mu        sync.Mutex
	flash     []byte
	regs      map[uint32]uint32
	failOps   map[rom.Op]int
	ops       []rom.Op
	synced    bool
	stub      bool
	baudRate  uint32
	spiSize   uint32
	erased    bool
	flashAddr uint32
	blockSize uint32
	deflAddr  uint32
	deflBuf   bytes.Buffer
	memBlocks int
}

// New creates a device with flashSize bytes of erased flash.
func New(ct esp.ChipType, flashSize int) *Device {
	d := &Device{
		Chip:        ct,
		SyncReplies: 3,
		flash:       bytes.Repeat([]byte{0xff}, flashSize),
		regs:        map[uint32]uint32{},
		failOps:     map[rom.Op]int{},
	}
	if cp := ct.Params(); cp != nil {
		d.regs[esp.ChipDetectMagicRegAddr] = cp.MagicValues[len(cp.MagicValues)-1]
		d.NoSecurityInfo = cp.ImageChipID <= 0
	}
	exp := uint32(0)
	for s := flashSize; s > 1; s >>= 1 {
		exp++
	}
	d.FlashID = exp<<16 | 0x40<<8 | 0xef
	return d
}

// Port starts the device and returns the host end of the line.
func (d *Device) Port() *Port {
	host, dev := net.Pipe()
	go d.serve(dev)
	return &Port{Conn: host}
}

func (d *Device) SetReg(addr, value uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs[addr] = value
}

// FailNext makes the next n commands with the given op fail with a flash write error.
func (d *Device) FailNext(op rom.Op, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failOps[op] = n
}

func (d *Device) Flash(addr, size int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.flash[addr:addr+size]...)
}

func (d *Device) Ops() []rom.Op {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]rom.Op(nil), d.ops...)
}

func (d *Device) OpCount(op rom.Op) int {
	n := 0
	for _, o := range d.Ops() {
		if o == op {
			n++
		}
	}
	return n
}

func (d *Device) Erased() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.erased
}

func (d *Device) StubRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stub
}

// SPIFlashSize is the size last passed to SPI_SET_PARAMS.
func (d *Device) SPIFlashSize() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.spiSize
}

func (d *Device) BaudRate() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.baudRate
}

func (d *Device) serve(conn net.Conn) {
	srw := slip.NewReaderWriter(conn)
	for {
		req, err := srw.ReadFrame()
		if err != nil {
			glog.V(1).Infof("fakerom: %s", err)
			return
		}
		if len(req) < rom.RequestHeaderLen || req[0] != rom.DirRequest {
			continue
		}
		op := rom.Op(req[1])
		chk := binary.LittleEndian.Uint32(req[4:8])
		data := req[rom.RequestHeaderLen:]
		for _, resp := range d.handle(op, data, chk) {
			if err := srw.WriteFrame(resp); err != nil {
				return
			}
		}
	}
}

func (d *Device) statusLen() int {
	if d.stub {
		return 2
	}
	return d.Chip.Params().ROMStatusLen
}

func (d *Device) ok(op rom.Op, val uint32, data []byte) []byte {
	return rom.EncodeResponse(op, val, append(append([]byte(nil), data...), make([]byte, d.statusLen())...))
}

func (d *Device) fail(op rom.Op, code byte) []byte {
	status := make([]byte, d.statusLen())
	status[0], status[1] = 1, code
	return rom.EncodeResponse(op, 0, status)
}

func word(data []byte, i int) uint32 {
	if len(data) < 4*(i+1) {
		return 0
	}
	return binary.LittleEndian.Uint32(data[4*i:])
}

func (d *Device) handle(op rom.Op, data []byte, chk uint32) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if op != rom.OpSync && !d.synced {
		return nil
	}
	d.ops = append(d.ops, op)
	if n := d.failOps[op]; n > 0 {
		d.failOps[op] = n - 1
		return [][]byte{d.fail(op, errFlashWrite)}
	}
	switch op {
	case rom.OpMemData, rom.OpFlashData, rom.OpFlashDeflData:
		if len(data) < 16 {
			return [][]byte{d.fail(op, errInvalidMessage)}
		}
		payload := data[16:]
		if int(word(data, 0)) != len(payload) || rom.Checksum(payload) != chk {
			return [][]byte{d.fail(op, errInvalidCRC)}
		}
	}
	switch op {
	case rom.OpSync:
		d.synced = true
		var res [][]byte
		for i := 0; i < d.SyncReplies; i++ {
			res = append(res, d.ok(op, 0x20120707, nil))
		}
		return res
	case rom.OpReadReg:
		return [][]byte{d.ok(op, d.regs[word(data, 0)], nil)}
	case rom.OpWriteReg:
		d.writeReg(word(data, 0), word(data, 1))
		return [][]byte{d.ok(op, 0, nil)}
	case rom.OpGetSecInfo:
		if d.NoSecurityInfo {
			return [][]byte{d.fail(op, errInvalidMessage)}
		}
		info := make([]byte, 20)
		binary.LittleEndian.PutUint32(info[12:], uint32(d.Chip.Params().ImageChipID))
		return [][]byte{d.ok(op, 0, info)}
	case rom.OpMemBegin:
		d.memBlocks = int(word(data, 1))
		return [][]byte{d.ok(op, 0, nil)}
	case rom.OpMemData:
		return [][]byte{d.ok(op, 0, nil)}
	case rom.OpMemEnd:
		res := [][]byte{d.ok(op, 0, nil)}
		if word(data, 0) == 0 {
			d.stub = true
			res = append(res, []byte("OHAI"))
		}
		return res
	case rom.OpSPIAttach:
		return [][]byte{d.ok(op, 0, nil)}
	case rom.OpSPISetParams:
		d.spiSize = word(data, 1)
		return [][]byte{d.ok(op, 0, nil)}
	case rom.OpChangeBaudRate:
		d.baudRate = word(data, 0)
		return [][]byte{d.ok(op, 0, nil)}
	case rom.OpFlashBegin:
		d.erase(word(data, 3), word(data, 0))
		d.flashAddr, d.blockSize = word(data, 3), word(data, 2)
		return [][]byte{d.ok(op, 0, nil)}
	case rom.OpFlashData:
		addr := d.flashAddr + word(data, 1)*d.blockSize
		if !d.write(addr, data[16:]) {
			return [][]byte{d.fail(op, errFlashWrite)}
		}
		return [][]byte{d.ok(op, 0, nil)}
	case rom.OpFlashDeflBegin:
		d.erase(word(data, 3), word(data, 0))
		d.deflAddr = word(data, 3)
		d.deflBuf.Reset()
		return [][]byte{d.ok(op, 0, nil)}
	case rom.OpFlashDeflData:
		d.deflBuf.Write(data[16:])
		if zr, err := zlib.NewReader(bytes.NewReader(d.deflBuf.Bytes())); err == nil {
			// A partial stream yields what has been decoded so far.
			out, _ := ioutil.ReadAll(zr)
			if !d.write(d.deflAddr, out) {
				return [][]byte{d.fail(op, errFlashWrite)}
			}
		}
		return [][]byte{d.ok(op, 0, nil)}
	case rom.OpFlashEnd, rom.OpFlashDeflEnd:
		return [][]byte{d.ok(op, 0, nil)}
	case rom.OpSPIFlashMD5:
		addr, size := word(data, 0), word(data, 1)
		if int(addr+size) > len(d.flash) {
			return [][]byte{d.fail(op, errInvalidMessage)}
		}
		sum := md5.Sum(d.flash[addr : addr+size])
		if d.stub {
			return [][]byte{d.ok(op, 0, sum[:])}
		}
		return [][]byte{d.ok(op, 0, []byte(hex.EncodeToString(sum[:])))}
	case rom.OpEraseFlash:
		if !d.stub {
			return [][]byte{d.fail(op, errInvalidMessage)}
		}
		d.erase(0, uint32(len(d.flash)))
		d.erased = true
		return [][]byte{d.ok(op, 0, nil)}
	case rom.OpEraseRegion:
		if !d.stub {
			return [][]byte{d.fail(op, errInvalidMessage)}
		}
		d.erase(word(data, 0), word(data, 1))
		return [][]byte{d.ok(op, 0, nil)}
	}
	return [][]byte{d.fail(op, errInvalidMessage)}
}

func (d *Device) erase(addr, size uint32) {
	if addr == 0 && int(size) >= len(d.flash) {
		d.erased = true
	}
	for i := addr; i < addr+size && int(i) < len(d.flash); i++ {
		d.flash[i] = 0xff
	}
}

func (d *Device) write(addr uint32, data []byte) bool {
	if int(addr)+len(data) > len(d.flash) {
		return false
	}
	copy(d.flash[addr:], data)
	return true
}

// writeReg emulates just enough of the SPI controller to answer RDID.
func (d *Device) writeReg(addr, value uint32) {
	d.regs[addr] = value
	cp := d.Chip.Params()
	if addr != cp.SPIRegBase || value&(1<<18) == 0 {
		return
	}
	cmd := d.regs[cp.SPIRegBase+cp.SPIUSR2Offs] & 0xff
	if cmd == rom.SPIFlashRDID {
		d.regs[cp.SPIRegBase+cp.SPIW0Offs] = d.FlashID
	}
	d.regs[addr] = 0
}

// Port is the host side of the line. Control line and baud rate changes are recorded.
type Port struct {
	net.Conn

	mu       sync.Mutex
	DTR, RTS bool
	Toggles  int
	BaudRate uint
}

func (p *Port) SetDTR(v bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DTR = v
	p.Toggles++
	return nil
}

func (p *Port) SetRTS(v bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RTS = v
	p.Toggles++
	return nil
}

func (p *Port) SetBaudRate(baudRate uint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.BaudRate = baudRate
	return nil
}

func (p *Port) Flush() error { return nil }
