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

// Package devutil finds, locks and opens the serial ports boards are attached to.
package devutil

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"go.bug.st/serial/enumerator"
)

// USB vendor ids of the USB-serial bridges found on ESP32 boards.
var DefaultVIDs = []uint16{
	0x303a, // Espressif USB-JTAG-serial and USB-OTG
	0x10c4, // Silicon Labs CP210x
	0x1a86, // WCH CH34x
	0x0403, // FTDI
	0x067b, // Prolific
}

type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"is_usb"`
	VID          uint16 `json:"vid,omitempty"`
	PID          uint16 `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

func (pi *PortInfo) String() string {
	if !pi.IsUSB {
		return pi.Name
	}
	s := fmt.Sprintf("%s (%04x:%04x", pi.Name, pi.VID, pi.PID)
	if pi.Product != "" {
		s += " " + pi.Product
	}
	return s + ")"
}

// EnumeratePorts lists serial ports with their USB ids where available.
func EnumeratePorts() ([]*PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		glog.Warningf("port enumeration failed: %s, falling back to device names", err)
		return fallbackPorts(), nil
	}
	var res []*PortInfo
	for _, d := range details {
		pi := &PortInfo{Name: d.Name, IsUSB: d.IsUSB, SerialNumber: d.SerialNumber, Product: d.Product}
		if d.IsUSB {
			vid, _ := strconv.ParseUint(d.VID, 16, 16)
			pid, _ := strconv.ParseUint(d.PID, 16, 16)
			pi.VID, pi.PID = uint16(vid), uint16(pid)
		}
		if runtime.GOOS == "darwin" && strings.Contains(pi.Name, "Bluetooth-") {
			continue
		}
		res = append(res, pi)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func fallbackPorts() []*PortInfo {
	pattern := "/dev/ttyUSB*"
	switch runtime.GOOS {
	case "darwin":
		pattern = "/dev/cu.*"
	case "windows":
		return nil
	}
	list, _ := filepath.Glob(pattern)
	if runtime.GOOS == "linux" {
		acm, _ := filepath.Glob("/dev/ttyACM*")
		list = append(list, acm...)
	}
	var res []*PortInfo
	for _, s := range list {
		if !strings.Contains(s, "Bluetooth-") {
			res = append(res, &PortInfo{Name: s})
		}
	}
	return res
}

// FilterByVID keeps USB ports whose vendor id is in vids. Empty vids keeps all ports.
func FilterByVID(ports []*PortInfo, vids []uint16) []*PortInfo {
	if len(vids) == 0 {
		return ports
	}
	var res []*PortInfo
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		for _, vid := range vids {
			if p.VID == vid {
				res = append(res, p)
				break
			}
		}
	}
	return res
}

// SelectPort picks the port to use. "auto" or empty name selects the first
// port passing the VID filter.
func SelectPort(name string, ports []*PortInfo, vids []uint16) (string, error) {
	if name != "" && name != "auto" {
		return name, nil
	}
	matching := FilterByVID(ports, vids)
	if len(matching) == 0 {
		return "", errors.Errorf("--port not specified and none were found")
	}
	if len(matching) > 1 {
		glog.Infof("%d candidate ports, using %s", len(matching), matching[0].Name)
	}
	return matching[0].Name, nil
}

// ParseVIDs parses hex vendor ids, with or without the 0x prefix.
func ParseVIDs(ss []string) ([]uint16, error) {
	var res []uint16
	for _, s := range ss {
		s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
		if s == "" {
			continue
		}
		v, err := strconv.ParseUint(s, 16, 16)
		if err != nil {
			return nil, errors.Annotatef(err, "invalid USB vendor id %q", s)
		}
		res = append(res, uint16(v))
	}
	return res, nil
}
