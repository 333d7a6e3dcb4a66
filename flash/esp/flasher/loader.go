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
package flasher

import (
	"context"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"github.com/mongoose-os/webflash/flash/esp"
	"github.com/mongoose-os/webflash/flash/esp/rom"
	"github.com/mongoose-os/webflash/flash/esp32"
	"github.com/mongoose-os/webflash/flash/esp32c3"
	"github.com/mongoose-os/webflash/flash/esp32p4"
)

// ReportFunc receives messages meant for the user.
type ReportFunc func(format string, args ...interface{})

type ChipInfo struct {
	Type        esp.ChipType `json:"-"`
	Chip        string       `json:"chip"`
	Description string       `json:"description"`
	Features    []string     `json:"features"`
	MAC         string       `json:"mac"`
	CrystalMHz  int          `json:"crystal_mhz"`
	FlashID     uint32       `json:"flash_id"`
	FlashSize   int          `json:"flash_size"`
	Stub        bool         `json:"stub"`
	BaudRate    uint         `json:"baud_rate"`
}

// Loader drives one flashing session over an open port. It is created
// without touching the device; Connect does the handshake.
type Loader struct {
	port    rom.Port
	opts    esp.FlashOpts
	stub    *rom.Stub
	reportf ReportFunc

	rc   *rom.Client
	info *ChipInfo
}

func NewLoader(port rom.Port, opts *esp.FlashOpts, reportf ReportFunc) (*Loader, error) {
	if opts.FlasherBaudRate > 4000000 {
		return nil, errors.Errorf("invalid flashing baud rate (%d)", opts.FlasherBaudRate)
	}
	if reportf == nil {
		reportf = glog.Infof
	}
	l := &Loader{port: port, opts: *opts, reportf: reportf}
	if opts.StubFile != "" {
		stub, err := rom.LoadStub(opts.StubFile)
		if err != nil {
			return nil, errors.Trace(err)
		}
		l.stub = stub
	}
	return l, nil
}

// Connect is NewLoader followed by the handshake.
func Connect(ctx context.Context, port rom.Port, opts *esp.FlashOpts, reportf ReportFunc) (*Loader, error) {
	l, err := NewLoader(port, opts, reportf)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if _, err := l.Connect(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	return l, nil
}

// Connect talks the chip into download mode, optionally starts the stub and
// switches baud rate, attaches flash and identifies the chip.
func (l *Loader) Connect(ctx context.Context) (*ChipInfo, error) {
	if l.rc != nil {
		return l.info, nil
	}
	l.reportf("Connecting to the bootloader...")
	rc, err := rom.Connect(ctx, l.port, &l.opts)
	if err != nil {
		return nil, errors.Annotatef(err,
			"failed to talk to the bootloader; hold BOOT (GPIO0) low and reset the board")
	}
	ownClient := true
	defer func() {
		if ownClient {
			rc.Close()
		}
	}()
	if l.stub != nil {
		l.reportf("Running flasher stub...")
		if err := rc.RunStub(l.stub); err != nil {
			return nil, errors.Annotatef(err, "failed to run flasher stub")
		}
	}
	if l.opts.FlasherBaudRate != 0 && l.opts.FlasherBaudRate != rc.BaudRate() {
		if err := rc.ChangeBaudRate(l.opts.FlasherBaudRate); err != nil {
			glog.Errorf("failed to switch to %d, staying at %d: %s", l.opts.FlasherBaudRate, rc.BaudRate(), err)
		}
	}
	if err := rc.SPIAttach(); err != nil {
		return nil, errors.Trace(err)
	}
	info := describeChip(rc)
	if chipID, flashSize, err := detectFlashSize(rc); err == nil {
		info.FlashID, info.FlashSize = chipID, flashSize
		if err := rc.SPISetParams(uint32(flashSize)); err != nil {
			return nil, errors.Trace(err)
		}
	} else {
		glog.Warningf("flash size could not be detected: %s", err)
	}
	info.Stub = rc.IsStub()
	info.BaudRate = rc.BaudRate()
	l.rc, l.info = rc, info
	ownClient = false
	return info, nil
}

// Describe returns what Connect learned about the chip, nil before Connect.
func (l *Loader) Describe() *ChipInfo {
	return l.info
}

func (l *Loader) Chip() esp.ChipType {
	if l.info == nil {
		return esp.ChipUnknown
	}
	return l.info.Type
}

func (l *Loader) ReadMAC() ([]byte, error) {
	if l.rc == nil {
		return nil, errors.Errorf("not connected")
	}
	return readMAC(l.rc)
}

func (l *Loader) HardReset() error {
	if l.rc == nil {
		return errors.Errorf("not connected")
	}
	l.reportf("Hard resetting via RTS pin...")
	return errors.Trace(l.rc.HardReset())
}

// Close releases the protocol client. The port stays open.
func (l *Loader) Close() {
	if l.rc != nil {
		l.rc.Close()
		l.rc = nil
	}
}

func readMAC(rc *rom.Client) ([]byte, error) {
	switch rc.Chip() {
	case esp.ChipESP8266:
		return esp.ReadMACESP8266(rc)
	case esp.ChipESP32C3:
		return esp32c3.ReadMAC(rc)
	case esp.ChipESP32P4:
		return esp32p4.ReadMAC(rc)
	default:
		return esp.ReadMACGeneric(rc.Chip(), rc)
	}
}

// describeChip collects what can be read about the chip. Failures are not
// fatal, the generic name is used instead.
func describeChip(rc *rom.Client) *ChipInfo {
	ct := rc.Chip()
	info := &ChipInfo{Type: ct, Chip: ct.String(), Description: ct.String()}
	if cp := ct.Params(); cp != nil {
		info.CrystalMHz = cp.XtalMHz
	}
	var descr string
	var features []string
	var err error
	switch ct {
	case esp.ChipESP32:
		if descr, err = esp32.GetChipDescr(rc); err == nil {
			features, err = esp32.GetChipFeatures(rc)
		}
	case esp.ChipESP32C3:
		if descr, err = esp32c3.GetChipDescr(rc); err == nil {
			features, err = esp32c3.GetChipFeatures(rc)
		}
		if err == nil {
			info.CrystalMHz, err = esp32c3.GetCrystalFreq(rc)
		}
	case esp.ChipESP32P4:
		if descr, err = esp32p4.GetChipDescr(rc); err == nil {
			features, err = esp32p4.GetChipFeatures(rc)
		}
		if err == nil {
			info.CrystalMHz, err = esp32p4.GetCrystalFreq(rc)
		}
	case esp.ChipESP8266:
		features = []string{"WiFi"}
	}
	if err != nil {
		glog.Warningf("failed to get chip description: %s", err)
	}
	if descr != "" {
		info.Description = descr
	}
	info.Features = features
	if mac, err := readMAC(rc); err == nil {
		info.MAC = esp.FormatMAC(mac)
	} else {
		glog.Warningf("failed to read MAC: %s", err)
	}
	return info
}

func (ci *ChipInfo) String() string {
	s := ci.Description
	if len(ci.Features) > 0 {
		s += ", features: " + strings.Join(ci.Features, ", ")
	}
	if ci.MAC != "" {
		s += ", MAC: " + ci.MAC
	}
	return s
}

// detectFlashSize parses the JEDEC id: manufacturer in the low byte,
// capacity exponent in the third byte.
func detectFlashSize(rc *rom.Client) (uint32, int, error) {
	chipID, err := rc.FlashID()
	if err != nil {
		return 0, 0, errors.Annotatef(err, "failed to get flash chip id")
	}
	_, size, err := parseFlashID(chipID)
	return chipID, size, errors.Trace(err)
}

func parseFlashID(chipID uint32) (int, int, error) {
	mfg := int(chipID & 0xff)
	sizeExp := (chipID >> 16) & 0xff
	// Some vendors offset the capacity code.
	switch {
	case sizeExp >= 0x32 && sizeExp <= 0x3a:
		sizeExp -= 0x20
	case sizeExp >= 0x20 && sizeExp <= 0x22:
		sizeExp -= 6
	}
	glog.V(2).Infof("Flash chip ID: 0x%08x, mfg: 0x%02x, sizeExp: %d", chipID, mfg, sizeExp)
	if mfg == 0 || mfg == 0xff || sizeExp < 18 || sizeExp > 28 {
		return 0, 0, errors.Errorf("invalid chip id: 0x%08x", chipID)
	}
	// Capacity is the power of two.
	return mfg, (1 << sizeExp), nil
}
