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
	"io"
	"sync"
	"time"

	cserial "github.com/cesanta/go-serial/serial"
	"github.com/golang/glog"
	"github.com/juju/errors"
	bserial "go.bug.st/serial"
)

const (
	DriverCesanta = "cesanta"
	DriverBugST   = "bugst"

	interCharacterTimeout = 100 * time.Millisecond
)

// Port is an open serial port that the loader can drive.
type Port interface {
	io.ReadWriteCloser
	SetDTR(v bool) error
	SetRTS(v bool) error
	SetBaudRate(baudRate uint) error
	Flush() error
	Name() string
}

type serialConn interface {
	io.ReadWriteCloser
	SetDTR(v bool) error
	SetRTS(v bool) error
	Flush() error
}

// baudSetter is implemented by connections that can change speed in place.
type baudSetter interface {
	SetBaudRate(baudRate uint) error
}

type openFunc func(name string, baudRate uint) (serialConn, error)

func openCesanta(name string, baudRate uint) (serialConn, error) {
	s, err := cserial.Open(cserial.OpenOptions{
		PortName:              name,
		BaudRate:              baudRate,
		DataBits:              8,
		ParityMode:            cserial.PARITY_NONE,
		StopBits:              1,
		InterCharacterTimeout: uint(interCharacterTimeout / time.Millisecond),
		MinimumReadSize:       0,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

type bugstConn struct {
	bserial.Port
}

func (c *bugstConn) Flush() error {
	return c.Port.ResetInputBuffer()
}

func (c *bugstConn) SetBaudRate(baudRate uint) error {
	return c.Port.SetMode(bugstMode(baudRate))
}

func bugstMode(baudRate uint) *bserial.Mode {
	return &bserial.Mode{
		BaudRate:          int(baudRate),
		DataBits:          8,
		StopBits:          bserial.OneStopBit,
		Parity:            bserial.NoParity,
		InitialStatusBits: &bserial.ModemOutputBits{RTS: false, DTR: false},
	}
}

func openBugST(name string, baudRate uint) (serialConn, error) {
	p, err := bserial.Open(name, bugstMode(baudRate))
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := p.SetReadTimeout(interCharacterTimeout); err != nil {
		p.Close()
		return nil, errors.Trace(err)
	}
	return &bugstConn{Port: p}, nil
}

func opener(driver string) (openFunc, error) {
	switch driver {
	case "", DriverCesanta:
		return openCesanta, nil
	case DriverBugST:
		return openBugST, nil
	}
	return nil, errors.Errorf("unknown serial driver %q", driver)
}

// serialPort guards the connection with a read-write lock: Read and Write
// hold it for reading, Close and reopening for writing.
type serialPort struct {
	name     string
	open     openFunc
	baudRate uint
	dtr, rts bool
	lock     *PortLock

	closeLock sync.RWMutex
	conn      serialConn
	isClosed  bool
}

// OpenSerial opens the port with DTR and RTS deasserted, which leaves the
// chip running on boards with the usual auto-reset circuit.
func OpenSerial(name string, baudRate uint, driver string) (Port, error) {
	open, err := opener(driver)
	if err != nil {
		return nil, errors.Trace(err)
	}
	conn, err := open(name, baudRate)
	glog.Infof("%s opened @ %d, err: %v", name, baudRate, err)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open %s", name)
	}
	conn.SetDTR(false)
	conn.SetRTS(false)
	// Flush any data that might be not yet read
	conn.Flush()
	return &serialPort{name: name, open: open, baudRate: baudRate, conn: conn}, nil
}

func (p *serialPort) Name() string { return p.name }

func (p *serialPort) Read(buf []byte) (int, error) {
	p.closeLock.RLock()
	defer p.closeLock.RUnlock()
	if p.isClosed {
		return 0, io.ErrClosedPipe
	}
	return p.conn.Read(buf)
}

func (p *serialPort) Write(buf []byte) (int, error) {
	p.closeLock.RLock()
	defer p.closeLock.RUnlock()
	if p.isClosed {
		return 0, io.ErrClosedPipe
	}
	return p.conn.Write(buf)
}

func (p *serialPort) SetDTR(v bool) error {
	p.closeLock.Lock()
	defer p.closeLock.Unlock()
	if p.isClosed {
		return io.ErrClosedPipe
	}
	p.dtr = v
	return p.conn.SetDTR(v)
}

func (p *serialPort) SetRTS(v bool) error {
	p.closeLock.Lock()
	defer p.closeLock.Unlock()
	if p.isClosed {
		return io.ErrClosedPipe
	}
	p.rts = v
	return p.conn.SetRTS(v)
}

func (p *serialPort) Flush() error {
	p.closeLock.RLock()
	defer p.closeLock.RUnlock()
	if p.isClosed {
		return io.ErrClosedPipe
	}
	return p.conn.Flush()
}

// SetBaudRate changes speed in place if the driver can, otherwise the port
// is reopened and the control lines restored.
func (p *serialPort) SetBaudRate(baudRate uint) error {
	p.closeLock.Lock()
	defer p.closeLock.Unlock()
	if p.isClosed {
		return io.ErrClosedPipe
	}
	if bs, ok := p.conn.(baudSetter); ok {
		if err := bs.SetBaudRate(baudRate); err != nil {
			return errors.Annotatef(err, "failed to set baud rate")
		}
		p.baudRate = baudRate
		return nil
	}
	p.conn.Close()
	conn, err := p.open(p.name, baudRate)
	if err != nil {
		p.isClosed = true
		return errors.Annotatef(err, "failed to reopen %s @ %d", p.name, baudRate)
	}
	conn.SetDTR(p.dtr)
	conn.SetRTS(p.rts)
	p.conn, p.baudRate = conn, baudRate
	glog.V(1).Infof("%s reopened @ %d", p.name, baudRate)
	return nil
}

func (p *serialPort) Close() error {
	p.closeLock.Lock()
	defer p.closeLock.Unlock()
	if p.isClosed {
		return nil
	}
	glog.Infof("closing serial %s", p.name)
	p.isClosed = true
	err := p.conn.Close()
	if p.lock != nil {
		p.lock.Unlock()
	}
	return errors.Trace(err)
}
