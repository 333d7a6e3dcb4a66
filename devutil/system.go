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
	"github.com/golang/glog"
	"github.com/juju/errors"
	bserial "go.bug.st/serial"
)

// System is the host serial subsystem.
type System struct {
	Driver  string
	LockDir string
}

// Available reports whether serial ports can be used on this host at all.
func (s *System) Available() error {
	if _, err := opener(s.Driver); err != nil {
		return errors.Trace(err)
	}
	if _, err := bserial.GetPortsList(); err != nil {
		return errors.Annotatef(err, "serial ports are not supported")
	}
	return nil
}

func (s *System) List() ([]*PortInfo, error) {
	return EnumeratePorts()
}

// Open locks and opens the port. The lock is released when the port is closed.
func (s *System) Open(name string, baudRate uint) (Port, error) {
	lock, err := LockPort(s.LockDir, name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	p, err := OpenSerial(name, baudRate, s.Driver)
	if err != nil {
		if uerr := lock.Unlock(); uerr != nil {
			glog.Warningf("%s: %s", name, uerr)
		}
		return nil, errors.Trace(err)
	}
	p.(*serialPort).lock = lock
	return p, nil
}
