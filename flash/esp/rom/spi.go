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

	"github.com/juju/errors"
)

const (
	spiUsrCommand = 1 << 31
	spiUsrMISO    = 1 << 28
	spiUsrMOSI    = 1 << 27
	spiCmdUsr     = 1 << 18

	spiUsr2CommandLenShift = 28

	// ESP8266 keeps data lengths in USR1.
	spi8266MOSIBitLenShift = 17
	spi8266MISOBitLenShift = 8

	SPIFlashRDID = 0x9f
)

// RunSPIFlashCommand executes a command on the SPI flash through the SPI
// controller registers, sending data and reading back up to 32 bits.
func (c *Client) RunSPIFlashCommand(cmd byte, data []byte, readBits int) (uint32, error) {
	cp := c.chip.Params()
	if cp == nil {
		return 0, errors.Errorf("chip is not known")
	}
	if readBits > 32 {
		return 0, errors.Errorf("can read at most 32 bits, %d requested", readBits)
	}
	if len(data) > 64 {
		return 0, errors.Errorf("can write at most 64 bytes, %d given", len(data))
	}
	base := cp.SPIRegBase
	cmdReg := base
	usrReg := base + cp.SPIUSROffs
	usr1Reg := base + cp.SPIUSR1Offs
	usr2Reg := base + cp.SPIUSR2Offs
	w0Reg := base + cp.SPIW0Offs

	dataBits := len(data) * 8
	mask := func(bits int) uint32 {
		if bits == 0 {
			return 0
		}
		return uint32(bits - 1)
	}

	oldUsr, err := c.ReadReg(usrReg)
	if err != nil {
		return 0, errors.Trace(err)
	}
	oldUsr2, err := c.ReadReg(usr2Reg)
	if err != nil {
		return 0, errors.Trace(err)
	}

	var writes [][2]uint32
	if cp.SPIMOSIDLenOffs != 0 {
		writes = append(writes,
			[2]uint32{base + cp.SPIMOSIDLenOffs, mask(dataBits)},
			[2]uint32{base + cp.SPIMISODLenOffs, mask(readBits)})
	} else {
		writes = append(writes,
			[2]uint32{usr1Reg, mask(readBits)<<spi8266MISOBitLenShift | mask(dataBits)<<spi8266MOSIBitLenShift})
	}
	flags := uint32(spiUsrCommand)
	if readBits > 0 {
		flags |= spiUsrMISO
	}
	if dataBits > 0 {
		flags |= spiUsrMOSI
	}
	writes = append(writes,
		[2]uint32{usrReg, flags},
		[2]uint32{usr2Reg, 7<<spiUsr2CommandLenShift | uint32(cmd)})
	if dataBits == 0 {
		writes = append(writes, [2]uint32{w0Reg, 0})
	} else {
		padded := make([]byte, (len(data)+3)/4*4)
		copy(padded, data)
		for i := 0; i < len(padded); i += 4 {
			writes = append(writes, [2]uint32{w0Reg + uint32(i), binary.LittleEndian.Uint32(padded[i:])})
		}
	}
	writes = append(writes, [2]uint32{cmdReg, spiCmdUsr})
	for _, w := range writes {
		if err := c.WriteReg(w[0], w[1]); err != nil {
			return 0, errors.Trace(err)
		}
	}

	done := false
	for i := 0; i < 10; i++ {
		v, err := c.ReadReg(cmdReg)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if v&spiCmdUsr == 0 {
			done = true
			break
		}
	}
	if !done {
		return 0, errors.Errorf("SPI command 0x%02x did not complete in time", cmd)
	}
	status, err := c.ReadReg(w0Reg)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if err := c.WriteReg(usrReg, oldUsr); err != nil {
		return 0, errors.Trace(err)
	}
	if err := c.WriteReg(usr2Reg, oldUsr2); err != nil {
		return 0, errors.Trace(err)
	}
	return status, nil
}

// FlashID reads the JEDEC id of the flash chip: manufacturer in bits 0..7,
// memory type in 8..15, capacity in 16..23.
func (c *Client) FlashID() (uint32, error) {
	id, err := c.RunSPIFlashCommand(SPIFlashRDID, nil, 24)
	return id, errors.Annotatef(err, "failed to read flash id")
}
