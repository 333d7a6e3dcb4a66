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
package esp

import (
	"fmt"
	"strings"
	"time"
)

type ChipType int

const (
	ChipUnknown ChipType = iota
	ChipESP8266
	ChipESP32
	ChipESP32S2
	ChipESP32S3
	ChipESP32C2
	ChipESP32C3
	ChipESP32C6
	ChipESP32H2
	ChipESP32P4
)

// ChipDetectMagicRegAddr holds a chip-specific value on every ROM.
const ChipDetectMagicRegAddr = 0x40001000

// ChipParams describes what the host needs to know about a chip to talk to its ROM loader.
type ChipParams struct {
	Type        ChipType
	Name        string
	MagicValues []uint32
	// Chip id as reported by GET_SECURITY_INFO and stored in the image header.
	// Negative if the chip does not report one.
	ImageChipID int

	BootloaderFlashOffset uint32

	SPIRegBase      uint32
	SPIUSROffs      uint32
	SPIUSR1Offs     uint32
	SPIUSR2Offs     uint32
	SPIMOSIDLenOffs uint32 // 0 if the chip uses the ESP8266 style data length register.
	SPIMISODLenOffs uint32
	SPIW0Offs       uint32

	// First of the two MAC eFuse words. 0 if MAC needs chip-specific logic.
	MACEfuseReg uint32

	// ROM FLASH_BEGIN and FLASH_DEFL_BEGIN take an extra "encrypted" word.
	SupportsEncryptedFlash bool
	// Number of status bytes at the end of a ROM response.
	ROMStatusLen int
	// Fixed crystal frequency in MHz, 0 if it has to be measured.
	XtalMHz int
	// Flash frequency name to header nibble mapping.
	FlashFreqs map[string]byte
	// Flash size name to header nibble (upper half of byte 3) mapping.
	FlashSizes map[string]byte
	// USB-JTAG-serial PID, 0 if the chip has no such peripheral.
	USBJTAGSerialPID uint16
}

var esp32FlashFreqs = map[string]byte{"80m": 0xf, "40m": 0x0, "26m": 0x1, "20m": 0x2}

var esp32FlashSizes = map[string]byte{
	"1MB":   0x00,
	"2MB":   0x10,
	"4MB":   0x20,
	"8MB":   0x30,
	"16MB":  0x40,
	"32MB":  0x50,
	"64MB":  0x60,
	"128MB": 0x70,
}

var esp8266FlashSizes = map[string]byte{
	"512KB":  0x00,
	"256KB":  0x10,
	"1MB":    0x20,
	"2MB":    0x30,
	"4MB":    0x40,
	"2MB-c1": 0x50,
	"4MB-c1": 0x60,
	"8MB":    0x80,
	"16MB":   0x90,
}

var chips = []*ChipParams{
	{
		Type: ChipESP8266, Name: "ESP8266",
		MagicValues: []uint32{0xfff0c101}, ImageChipID: -1,
		BootloaderFlashOffset: 0x0,
		SPIRegBase: 0x60000200, SPIUSROffs: 0x1c, SPIUSR1Offs: 0x20, SPIUSR2Offs: 0x24, SPIW0Offs: 0x40,
		ROMStatusLen: 2, XtalMHz: 0,
		FlashFreqs: esp32FlashFreqs, FlashSizes: esp8266FlashSizes,
	},
	{
		Type: ChipESP32, Name: "ESP32",
		MagicValues: []uint32{0x00f01d83}, ImageChipID: 0,
		BootloaderFlashOffset: 0x1000,
		SPIRegBase: 0x3ff42000, SPIUSROffs: 0x1c, SPIUSR1Offs: 0x20, SPIUSR2Offs: 0x24,
		SPIMOSIDLenOffs: 0x28, SPIMISODLenOffs: 0x2c, SPIW0Offs: 0x80,
		MACEfuseReg:  0x3ff5a004,
		ROMStatusLen: 4,
		FlashFreqs: esp32FlashFreqs, FlashSizes: esp32FlashSizes,
	},
	{
		Type: ChipESP32S2, Name: "ESP32-S2",
		MagicValues: []uint32{0x000007c6}, ImageChipID: 2,
		BootloaderFlashOffset: 0x1000,
		SPIRegBase: 0x3f402000, SPIUSROffs: 0x18, SPIUSR1Offs: 0x1c, SPIUSR2Offs: 0x20,
		SPIMOSIDLenOffs: 0x24, SPIMISODLenOffs: 0x28, SPIW0Offs: 0x58,
		MACEfuseReg: 0x3f41a044, SupportsEncryptedFlash: true, ROMStatusLen: 4, XtalMHz: 40,
		FlashFreqs: esp32FlashFreqs, FlashSizes: esp32FlashSizes,
		USBJTAGSerialPID: 0x0002,
	},
	{
		Type: ChipESP32S3, Name: "ESP32-S3",
		MagicValues: []uint32{0x9}, ImageChipID: 9,
		BootloaderFlashOffset: 0x0,
		SPIRegBase: 0x60002000, SPIUSROffs: 0x18, SPIUSR1Offs: 0x1c, SPIUSR2Offs: 0x20,
		SPIMOSIDLenOffs: 0x24, SPIMISODLenOffs: 0x28, SPIW0Offs: 0x58,
		MACEfuseReg: 0x60007044, SupportsEncryptedFlash: true, ROMStatusLen: 4, XtalMHz: 40,
		FlashFreqs: esp32FlashFreqs, FlashSizes: esp32FlashSizes,
		USBJTAGSerialPID: 0x1001,
	},
	{
		Type: ChipESP32C2, Name: "ESP32-C2",
		MagicValues: []uint32{0x6f51306f, 0x7c41a06f}, ImageChipID: 12,
		BootloaderFlashOffset: 0x0,
		SPIRegBase: 0x60002000, SPIUSROffs: 0x18, SPIUSR1Offs: 0x1c, SPIUSR2Offs: 0x20,
		SPIMOSIDLenOffs: 0x24, SPIMISODLenOffs: 0x28, SPIW0Offs: 0x58,
		MACEfuseReg: 0x60008840, SupportsEncryptedFlash: true, ROMStatusLen: 4,
		FlashFreqs: map[string]byte{"60m": 0xf, "30m": 0x0, "20m": 0x1, "15m": 0x2},
		FlashSizes: esp32FlashSizes,
	},
	{
		Type: ChipESP32C3, Name: "ESP32-C3",
		MagicValues: []uint32{0x6921506f, 0x1b31506f, 0x4881606f, 0x4361606f}, ImageChipID: 5,
		BootloaderFlashOffset: 0x0,
		SPIRegBase: 0x60002000, SPIUSROffs: 0x18, SPIUSR1Offs: 0x1c, SPIUSR2Offs: 0x20,
		SPIMOSIDLenOffs: 0x24, SPIMISODLenOffs: 0x28, SPIW0Offs: 0x58,
		MACEfuseReg: 0x60008844, SupportsEncryptedFlash: true, ROMStatusLen: 4, XtalMHz: 40,
		FlashFreqs: esp32FlashFreqs, FlashSizes: esp32FlashSizes,
		USBJTAGSerialPID: 0x1001,
	},
	{
		Type: ChipESP32C6, Name: "ESP32-C6",
		MagicValues: []uint32{0x2ce0806f}, ImageChipID: 13,
		BootloaderFlashOffset: 0x0,
		SPIRegBase: 0x60003000, SPIUSROffs: 0x18, SPIUSR1Offs: 0x1c, SPIUSR2Offs: 0x20,
		SPIMOSIDLenOffs: 0x24, SPIMISODLenOffs: 0x28, SPIW0Offs: 0x58,
		MACEfuseReg: 0x600b0844, SupportsEncryptedFlash: true, ROMStatusLen: 4, XtalMHz: 40,
		FlashFreqs: map[string]byte{"80m": 0x0, "40m": 0x0, "20m": 0x2},
		FlashSizes: esp32FlashSizes,
		USBJTAGSerialPID: 0x1001,
	},
	{
		Type: ChipESP32H2, Name: "ESP32-H2",
		MagicValues: []uint32{0xd7b73e80}, ImageChipID: 16,
		BootloaderFlashOffset: 0x0,
		SPIRegBase: 0x60003000, SPIUSROffs: 0x18, SPIUSR1Offs: 0x1c, SPIUSR2Offs: 0x20,
		SPIMOSIDLenOffs: 0x24, SPIMISODLenOffs: 0x28, SPIW0Offs: 0x58,
		MACEfuseReg: 0x600b0844, SupportsEncryptedFlash: true, ROMStatusLen: 4, XtalMHz: 32,
		FlashFreqs: map[string]byte{"48m": 0xf, "24m": 0x0, "16m": 0x1, "12m": 0x2},
		FlashSizes: esp32FlashSizes,
		USBJTAGSerialPID: 0x1001,
	},
	{
		Type: ChipESP32P4, Name: "ESP32-P4",
		MagicValues: []uint32{0x0, 0x0addbad0}, ImageChipID: 18,
		BootloaderFlashOffset: 0x2000,
		SPIRegBase: 0x5008d000, SPIUSROffs: 0x18, SPIUSR1Offs: 0x1c, SPIUSR2Offs: 0x20,
		SPIMOSIDLenOffs: 0x24, SPIMISODLenOffs: 0x28, SPIW0Offs: 0x58,
		MACEfuseReg: 0x5012d044, SupportsEncryptedFlash: true, ROMStatusLen: 4, XtalMHz: 40,
		FlashFreqs: map[string]byte{"80m": 0xf, "40m": 0x0, "20m": 0x2},
		FlashSizes: esp32FlashSizes,
		USBJTAGSerialPID: 0x1001,
	},
}

// Params returns the parameter set for the chip, nil for ChipUnknown.
func (ct ChipType) Params() *ChipParams {
	for _, c := range chips {
		if c.Type == ct {
			return c
		}
	}
	return nil
}

func (ct ChipType) String() string {
	if p := ct.Params(); p != nil {
		return p.Name
	}
	return fmt.Sprintf("???(%d)", int(ct))
}

// ChipByMagic maps the value of ChipDetectMagicRegAddr to a chip.
// Value 0 is ambiguous (ESP32-P4 reads it as 0) and only matches the P4.
func ChipByMagic(v uint32) (ChipType, bool) {
	for _, c := range chips {
		for _, m := range c.MagicValues {
			if m == v {
				return c.Type, true
			}
		}
	}
	return ChipUnknown, false
}

func ChipByImageID(id uint32) (ChipType, bool) {
	for _, c := range chips {
		if c.ImageChipID >= 0 && uint32(c.ImageChipID) == id {
			return c.Type, true
		}
	}
	return ChipUnknown, false
}

// ChipByName accepts "esp32p4", "ESP32-P4" and similar spellings.
func ChipByName(name string) (ChipType, bool) {
	norm := func(s string) string {
		return strings.ToLower(strings.Replace(s, "-", "", -1))
	}
	for _, c := range chips {
		if norm(c.Name) == norm(name) {
			return c.Type, true
		}
	}
	return ChipUnknown, false
}

type FlashOpts struct {
	ROMBaudRate     uint
	FlasherBaudRate uint
	// Path to an esptool-format stub loader JSON. Empty: talk to the ROM directly.
	StubFile       string
	ConnectTimeout time.Duration
	SyncAttempts   int
	// Skip the DTR/RTS reset dance, the chip is already in download mode.
	NoReset bool
	// Expected chip, ChipUnknown to auto-detect.
	Chip ChipType
}

type RegReader interface {
	ReadReg(reg uint32) (uint32, error)
}

type RegReaderWriter interface {
	RegReader
	WriteReg(reg, value uint32) error
}
