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
	"encoding/hex"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"github.com/mongoose-os/webflash/flash/esp"
)

func (c *Client) ReadReg(addr uint32) (uint32, error) {
	val, _, err := c.checkCommand(OpReadReg, packWords(addr), 0, DefaultTimeout, -1)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read reg 0x%08x", addr)
	}
	return val, nil
}

func (c *Client) WriteReg(addr, value uint32) error {
	_, _, err := c.checkCommand(OpWriteReg, packWords(addr, value, 0xffffffff, 0), 0, DefaultTimeout, -1)
	if err != nil {
		return errors.Annotatef(err, "failed to write reg 0x%08x", addr)
	}
	return nil
}

func (c *Client) MemBegin(size, blocks, blockSize, offset uint32) error {
	_, _, err := c.checkCommand(OpMemBegin, packWords(size, blocks, blockSize, offset), 0, DefaultTimeout, -1)
	return errors.Trace(err)
}

func (c *Client) MemData(data []byte, seq uint32) error {
	params := append(packWords(uint32(len(data)), seq, 0, 0), data...)
	_, _, err := c.checkCommand(OpMemData, params, Checksum(data), DefaultTimeout, -1)
	return errors.Trace(err)
}

// MemEnd jumps to entry. The ROM may start executing before it replies, so
// missing ROM replies are not an error.
func (c *Client) MemEnd(entry uint32) error {
	noEntry := uint32(0)
	if entry == 0 {
		noEntry = 1
	}
	timeout := MemEndROMTimeout
	if c.stub {
		timeout = DefaultTimeout
	}
	_, _, err := c.checkCommand(OpMemEnd, packWords(noEntry, entry), 0, timeout, -1)
	if err != nil {
		if c.stub {
			return errors.Trace(err)
		}
		glog.V(1).Infof("MEM_END: %s", err)
	}
	return nil
}

// eraseSize works around the ESP8266 ROM erasing twice as much as requested
// when the region does not start on a 64K boundary.
func eraseSize(ct esp.ChipType, stub bool, offset, size uint32) uint32 {
	if ct != esp.ChipESP8266 || stub {
		return size
	}
	const sectorsPerBlock = 16
	numSectors := (size + FlashSectorSize - 1) / FlashSectorSize
	startSector := offset / FlashSectorSize
	headSectors := sectorsPerBlock - (startSector % sectorsPerBlock)
	if numSectors < headSectors {
		headSectors = numSectors
	}
	if numSectors < 2*headSectors {
		return (numSectors + 1) / 2 * FlashSectorSize
	}
	return (numSectors - headSectors) * FlashSectorSize
}

func (c *Client) encryptionParam() []byte {
	if cp := c.chip.Params(); !c.stub && cp != nil && cp.SupportsEncryptedFlash {
		return packWords(0)
	}
	return nil
}

// FlashBegin starts an uncompressed write of size bytes at offset, erasing the
// region first. Returns the number of blocks to send.
func (c *Client) FlashBegin(offset, size uint32) (uint32, error) {
	ws := uint32(c.FlashWriteSize())
	numBlocks := (size + ws - 1) / ws
	es := eraseSize(c.chip, c.stub, offset, size)
	timeout := DefaultTimeout
	if !c.stub {
		timeout = timeoutPerMB(EraseRegionTimeoutPerMB, int(size))
	}
	params := append(packWords(es, numBlocks, ws, offset), c.encryptionParam()...)
	if _, _, err := c.checkCommand(OpFlashBegin, params, 0, timeout, -1); err != nil {
		return 0, errors.Annotatef(err, "failed to enter flash download mode")
	}
	return numBlocks, nil
}

func (c *Client) FlashData(data []byte, seq uint32) error {
	params := append(packWords(uint32(len(data)), seq, 0, 0), data...)
	timeout := timeoutPerMB(EraseWriteTimeoutPerMB, len(data))
	_, _, err := c.checkCommand(OpFlashData, params, Checksum(data), timeout, -1)
	return errors.Annotatef(err, "failed to write block %d", seq)
}

func (c *Client) FlashEnd(reboot bool) error {
	notReboot := uint32(1)
	if reboot {
		notReboot = 0
	}
	_, _, err := c.checkCommand(OpFlashEnd, packWords(notReboot), 0, DefaultTimeout, -1)
	return errors.Trace(err)
}

// FlashDeflBegin starts a compressed write. size is the uncompressed length.
func (c *Client) FlashDeflBegin(offset, size, compressedSize uint32) (uint32, error) {
	ws := uint32(c.FlashWriteSize())
	numBlocks := (compressedSize + ws - 1) / ws
	eraseBlocks := (size + ws - 1) / ws
	writeSize := size
	timeout := DefaultTimeout
	if !c.stub {
		// ROM erases the whole region up front, in blocks.
		writeSize = eraseBlocks * ws
		timeout = timeoutPerMB(EraseRegionTimeoutPerMB, int(writeSize))
	}
	params := append(packWords(writeSize, numBlocks, ws, offset), c.encryptionParam()...)
	if _, _, err := c.checkCommand(OpFlashDeflBegin, params, 0, timeout, -1); err != nil {
		return 0, errors.Annotatef(err, "failed to enter compressed flash download mode")
	}
	return numBlocks, nil
}

// FlashDeflData sends one block of the deflate stream. uncompressedHint is the
// approximate amount of flash the block covers, used to size the timeout.
func (c *Client) FlashDeflData(data []byte, seq uint32, uncompressedHint int) error {
	params := append(packWords(uint32(len(data)), seq, 0, 0), data...)
	timeout := timeoutPerMB(EraseWriteTimeoutPerMB, uncompressedHint)
	_, _, err := c.checkCommand(OpFlashDeflData, params, Checksum(data), timeout, -1)
	return errors.Annotatef(err, "failed to write compressed block %d", seq)
}

func (c *Client) FlashDeflEnd(reboot bool) error {
	notReboot := uint32(1)
	if reboot {
		notReboot = 0
	}
	_, _, err := c.checkCommand(OpFlashDeflEnd, packWords(notReboot), 0, DefaultTimeout, -1)
	return errors.Trace(err)
}

// FlashMD5 returns the MD5 digest of a flash region. The ROM answers with a hex
// string, the stub with raw bytes.
func (c *Client) FlashMD5(addr, size uint32) ([]byte, error) {
	timeout := timeoutPerMB(MD5TimeoutPerMB, int(size))
	respLen := 32
	if c.stub {
		respLen = 16
	}
	_, res, err := c.checkCommand(OpSPIFlashMD5, packWords(addr, size, 0, 0), 0, timeout, respLen)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to compute digest of %d @ 0x%x", size, addr)
	}
	if c.stub {
		return res, nil
	}
	digest, err := hex.DecodeString(string(res))
	if err != nil {
		return nil, errors.Annotatef(err, "invalid digest %q", res)
	}
	return digest, nil
}

// SPIAttach connects the SPI flash to the default pins.
// The ESP8266 ROM attaches flash on FLASH_BEGIN and does not need it.
func (c *Client) SPIAttach() error {
	if c.chip == esp.ChipESP8266 && !c.stub {
		return nil
	}
	params := packWords(0)
	if !c.stub {
		params = append(params, 0, 0, 0, 0)
	}
	_, _, err := c.checkCommand(OpSPIAttach, params, 0, DefaultTimeout, -1)
	return errors.Annotatef(err, "failed to attach SPI flash")
}

func (c *Client) SPISetParams(flashSize uint32) error {
	params := packWords(0, flashSize, 64*1024, 4*1024, 256, 0xffff)
	_, _, err := c.checkCommand(OpSPISetParams, params, 0, DefaultTimeout, -1)
	return errors.Annotatef(err, "failed to set SPI flash params")
}

// ChangeBaudRate switches both ends of the line to the new rate.
func (c *Client) ChangeBaudRate(baudRate uint) error {
	if c.chip == esp.ChipESP8266 && !c.stub {
		return errors.NotSupportedf("changing baud rate with ESP8266 ROM")
	}
	oldRate := uint32(0)
	if c.stub {
		oldRate = uint32(c.baudRate)
	}
	if _, _, err := c.checkCommand(OpChangeBaudRate, packWords(uint32(baudRate), oldRate), 0, DefaultTimeout, -1); err != nil {
		return errors.Annotatef(err, "failed to change baud rate")
	}
	if err := c.port.SetBaudRate(baudRate); err != nil {
		return errors.Annotatef(err, "failed to set port baud rate")
	}
	time.Sleep(50 * time.Millisecond)
	c.flushInput()
	c.baudRate = baudRate
	glog.V(1).Infof("baud rate changed to %d", baudRate)
	return nil
}

type SecurityInfo struct {
	Flags       uint32
	KeyCount    uint8
	KeyPurposes [7]uint8
	// Valid only if HasChipID.
	ChipID     uint32
	APIVersion uint32
	HasChipID  bool
}

func (si *SecurityInfo) SecureBootEnabled() bool {
	return si.Flags&1 != 0
}

func (si *SecurityInfo) FlashEncryptionEnabled() bool {
	return si.Flags&(1<<2) != 0
}

// GetSecurityInfo is supported by ROMs newer than the ESP32. ESP32-S2 returns a
// short form without the chip id. Status length may not be known yet, so the
// form is told apart by the response length.
func (c *Client) GetSecurityInfo() (*SecurityInfo, error) {
	_, resp, err := c.command(OpGetSecInfo, nil, 0, DefaultTimeout)
	if err != nil {
		return nil, errors.Trace(err)
	}
	dataLen := len(resp) - c.statusBytes(resp)
	if dataLen < 0 || len(resp) < dataLen+2 {
		return nil, errors.Errorf("%s: response too short (%d)", OpGetSecInfo, len(resp))
	}
	if resp[dataLen] != 0 {
		return nil, &CommandError{Op: OpGetSecInfo, Status: resp[dataLen], Code: resp[dataLen+1]}
	}
	switch dataLen {
	case 12, 20:
	case 0:
		return nil, errors.Errorf("%s: no data", OpGetSecInfo)
	default:
		return nil, errors.Errorf("%s: unexpected response length (%d)", OpGetSecInfo, len(resp))
	}
	si := &SecurityInfo{
		Flags:    binary.LittleEndian.Uint32(resp[0:4]),
		KeyCount: resp[4],
	}
	copy(si.KeyPurposes[:], resp[5:12])
	if dataLen == 20 {
		si.ChipID = binary.LittleEndian.Uint32(resp[12:16])
		si.APIVersion = binary.LittleEndian.Uint32(resp[16:20])
		si.HasChipID = true
	}
	return si, nil
}

func (c *Client) EraseFlash() error {
	if !c.stub {
		return errors.NotSupportedf("chip erase without the stub loader")
	}
	_, _, err := c.checkCommand(OpEraseFlash, nil, 0, ChipEraseTimeout, -1)
	return errors.Annotatef(err, "failed to erase flash")
}

func (c *Client) EraseRegion(offset, size uint32) error {
	if !c.stub {
		return errors.NotSupportedf("region erase without the stub loader")
	}
	if offset%FlashSectorSize != 0 || size%FlashSectorSize != 0 {
		return errors.Errorf("region 0x%x+%d is not sector aligned", offset, size)
	}
	timeout := timeoutPerMB(EraseRegionTimeoutPerMB, int(size))
	_, _, err := c.checkCommand(OpEraseRegion, packWords(offset, size), 0, timeout, -1)
	return errors.Annotatef(err, "failed to erase region")
}

func (c *Client) RunUserCode() error {
	if !c.stub {
		return errors.NotSupportedf("RUN_USER_CODE without the stub loader")
	}
	return errors.Trace(c.send(OpRunUserCode, nil, 0))
}

// HardReset pulses EN through RTS, the chip boots the firmware.
func (c *Client) HardReset() error {
	if err := c.port.SetRTS(true); err != nil {
		return errors.Trace(err)
	}
	time.Sleep(100 * time.Millisecond)
	return errors.Trace(c.port.SetRTS(false))
}
