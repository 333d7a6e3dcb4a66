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
	"fmt"
	"time"
)

type Op uint8

const (
	OpFlashBegin     Op = 0x02
	OpFlashData      Op = 0x03
	OpFlashEnd       Op = 0x04
	OpMemBegin       Op = 0x05
	OpMemEnd         Op = 0x06
	OpMemData        Op = 0x07
	OpSync           Op = 0x08
	OpWriteReg       Op = 0x09
	OpReadReg        Op = 0x0a
	OpSPISetParams   Op = 0x0b
	OpSPIAttach      Op = 0x0d
	OpChangeBaudRate Op = 0x0f
	OpFlashDeflBegin Op = 0x10
	OpFlashDeflData  Op = 0x11
	OpFlashDeflEnd   Op = 0x12
	OpSPIFlashMD5    Op = 0x13
	OpGetSecInfo     Op = 0x14

	// Stub loader only.
	OpEraseFlash  Op = 0xd0
	OpEraseRegion Op = 0xd1
	OpReadFlash   Op = 0xd2
	OpRunUserCode Op = 0xd3
)

var opNames = map[Op]string{
	OpFlashBegin:     "FLASH_BEGIN",
	OpFlashData:      "FLASH_DATA",
	OpFlashEnd:       "FLASH_END",
	OpMemBegin:       "MEM_BEGIN",
	OpMemEnd:         "MEM_END",
	OpMemData:        "MEM_DATA",
	OpSync:           "SYNC",
	OpWriteReg:       "WRITE_REG",
	OpReadReg:        "READ_REG",
	OpSPISetParams:   "SPI_SET_PARAMS",
	OpSPIAttach:      "SPI_ATTACH",
	OpChangeBaudRate: "CHANGE_BAUDRATE",
	OpFlashDeflBegin: "FLASH_DEFL_BEGIN",
	OpFlashDeflData:  "FLASH_DEFL_DATA",
	OpFlashDeflEnd:   "FLASH_DEFL_END",
	OpSPIFlashMD5:    "SPI_FLASH_MD5",
	OpGetSecInfo:     "GET_SECURITY_INFO",
	OpEraseFlash:     "ERASE_FLASH",
	OpEraseRegion:    "ERASE_REGION",
	OpReadFlash:      "READ_FLASH",
	OpRunUserCode:    "RUN_USER_CODE",
}

func (op Op) String() string {
	if n, ok := opNames[op]; ok {
		return n
	}
	return fmt.Sprintf("OP_0x%02x", uint8(op))
}

const (
	DirRequest  = 0x00
	DirResponse = 0x01

	// Request: direction, op, length (LE16), checksum (LE32).
	RequestHeaderLen = 8
	// Response: direction, op, length (LE16), value (LE32).
	ResponseHeaderLen = 8

	ChecksumSeed = 0xef

	ROMFlashWriteSize  = 0x400
	StubFlashWriteSize = 0x4000
	RAMBlockSize       = 0x1800
	FlashSectorSize    = 0x1000

	// ROM error code for a command it does not know.
	ROMInvalidRecvMsg = 0x05
)

const (
	DefaultTimeout          = 3 * time.Second
	SyncTimeout             = 100 * time.Millisecond
	MemEndROMTimeout        = 200 * time.Millisecond
	ChipEraseTimeout        = 120 * time.Second
	MaxTimeout              = 2 * ChipEraseTimeout
	EraseRegionTimeoutPerMB = 30 * time.Second
	EraseWriteTimeoutPerMB  = 40 * time.Second
	MD5TimeoutPerMB         = 8 * time.Second
)

// SyncPayload is what the ROM autobaud detector expects.
var SyncPayload = append([]byte{0x07, 0x07, 0x12, 0x20}, repeat(0x55, 32)...)

func repeat(b byte, n int) []byte {
	res := make([]byte, n)
	for i := range res {
		res[i] = b
	}
	return res
}

// Checksum is the XOR of data bytes seeded with ChecksumSeed. Only data carrying
// commands (MEM_DATA, FLASH_DATA, FLASH_DEFL_DATA) have it checked.
func Checksum(data []byte) uint32 {
	cs := byte(ChecksumSeed)
	for _, b := range data {
		cs ^= b
	}
	return uint32(cs)
}

// EncodeRequest builds a request packet (before SLIP framing).
func EncodeRequest(op Op, data []byte, chk uint32) []byte {
	pkt := make([]byte, RequestHeaderLen, RequestHeaderLen+len(data))
	pkt[0] = DirRequest
	pkt[1] = byte(op)
	binary.LittleEndian.PutUint16(pkt[2:4], uint16(len(data)))
	binary.LittleEndian.PutUint32(pkt[4:8], chk)
	return append(pkt, data...)
}

// EncodeResponse builds a response packet, used by device emulators.
func EncodeResponse(op Op, value uint32, data []byte) []byte {
	pkt := make([]byte, ResponseHeaderLen, ResponseHeaderLen+len(data))
	pkt[0] = DirResponse
	pkt[1] = byte(op)
	binary.LittleEndian.PutUint16(pkt[2:4], uint16(len(data)))
	binary.LittleEndian.PutUint32(pkt[4:8], value)
	return append(pkt, data...)
}

// packWords serializes 32-bit little-endian words, the parameter format of every command.
func packWords(words ...uint32) []byte {
	res := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(res[4*i:], w)
	}
	return res
}

func timeoutPerMB(perMB time.Duration, size int) time.Duration {
	res := time.Duration(float64(perMB) * float64(size) / 1e6)
	if res < DefaultTimeout {
		return DefaultTimeout
	}
	return res
}
