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
package esp32p4

import (
	"fmt"

	"github.com/juju/errors"
	"github.com/mongoose-os/webflash/flash/esp"
)

const (
	CHIP_NAME     = "ESP32-P4"
	IMAGE_CHIP_ID = 18

	IROM_MAP_START = 0x40000000
	IROM_MAP_END   = 0x4c000000
	DROM_MAP_START = 0x40000000
	DROM_MAP_END   = 0x4c000000

	BOOTLOADER_FLASH_OFFSET = 0x2000

	UART_DATE_REG_ADDR = 0x500ca000 + 0x8c

	EFUSE_BASE        = 0x5012d000
	EFUSE_BLOCK1_ADDR = EFUSE_BASE + 0x44
	MAC_EFUSE_REG     = EFUSE_BASE + 0x44
	EFUSE_RD_REG_BASE = EFUSE_BASE + 0x30

	EFUSE_PURPOSE_KEY0_REG   = EFUSE_BASE + 0x34
	EFUSE_PURPOSE_KEY0_SHIFT = 24
	EFUSE_PURPOSE_KEY1_REG   = EFUSE_BASE + 0x34
	EFUSE_PURPOSE_KEY1_SHIFT = 28
	EFUSE_PURPOSE_KEY2_REG   = EFUSE_BASE + 0x38
	EFUSE_PURPOSE_KEY2_SHIFT = 0
	EFUSE_PURPOSE_KEY3_REG   = EFUSE_BASE + 0x38
	EFUSE_PURPOSE_KEY3_SHIFT = 4
	EFUSE_PURPOSE_KEY4_REG   = EFUSE_BASE + 0x38
	EFUSE_PURPOSE_KEY4_SHIFT = 8
	EFUSE_PURPOSE_KEY5_REG   = EFUSE_BASE + 0x38
	EFUSE_PURPOSE_KEY5_SHIFT = 12

	EFUSE_DIS_DOWNLOAD_MANUAL_ENCRYPT_REG = EFUSE_RD_REG_BASE
	EFUSE_DIS_DOWNLOAD_MANUAL_ENCRYPT     = 1 << 20

	EFUSE_SPI_BOOT_CRYPT_CNT_REG  = EFUSE_BASE + 0x34
	EFUSE_SPI_BOOT_CRYPT_CNT_MASK = 0x7 << 18

	EFUSE_SECURE_BOOT_EN_REG  = EFUSE_BASE + 0x38
	EFUSE_SECURE_BOOT_EN_MASK = 1 << 20

	PURPOSE_VAL_XTS_AES256_KEY_1 = 2
	PURPOSE_VAL_XTS_AES256_KEY_2 = 3
	PURPOSE_VAL_XTS_AES128_KEY   = 4

	SUPPORTS_ENCRYPTED_FLASH    = true
	FLASH_ENCRYPTED_WRITE_ALIGN = 16

	SPI_REG_BASE       = 0x5008d000
	SPI_USR_OFFS       = 0x18
	SPI_USR1_OFFS      = 0x1c
	SPI_USR2_OFFS      = 0x20
	SPI_MOSI_DLEN_OFFS = 0x24
	SPI_MISO_DLEN_OFFS = 0x28
	SPI_W0_OFFS        = 0x58

	UF2_FAMILY_ID = 0x3d308e94

	EFUSE_MAX_KEY = 5

	CRYSTAL_FREQ_MHZ = 40
)

var CHIP_DETECT_MAGIC_VALUE = []uint32{0x0, 0x0addbad0}

type MemRegion struct {
	Start uint32
	End   uint32
	Name  string
}

// MEMORY_MAP is in the order the ROM definition lists it; lookups return the first match.
var MEMORY_MAP = []MemRegion{
	{0x00000000, 0x00010000, "PADDING"},
	{0x40000000, 0x4c000000, "DROM"},
	{0x4ff00000, 0x4ffa0000, "DRAM"},
	{0x4ff00000, 0x4ffa0000, "BYTE_ACCESSIBLE"},
	{0x4fc00000, 0x4fc20000, "DROM_MASK"},
	{0x4fc00000, 0x4fc20000, "IROM_MASK"},
	{0x40000000, 0x4c000000, "IROM"},
	{0x4ff00000, 0x4ffa0000, "IRAM"},
	{0x50108000, 0x50110000, "RTC_IRAM"},
	{0x50108000, 0x50110000, "RTC_DRAM"},
	{0x600fe000, 0x60100000, "MEM_INTERNAL2"},
}

var KEY_PURPOSES = map[uint32]string{
	0:  "USER/EMPTY",
	1:  "ECDSA_KEY",
	2:  "XTS_AES_256_KEY_1",
	3:  "XTS_AES_256_KEY_2",
	4:  "XTS_AES_128_KEY",
	5:  "HMAC_DOWN_ALL",
	6:  "HMAC_DOWN_JTAG",
	7:  "HMAC_DOWN_DIGITAL_SIGNATURE",
	8:  "HMAC_UP",
	9:  "SECURE_BOOT_DIGEST0",
	10: "SECURE_BOOT_DIGEST1",
	11: "SECURE_BOOT_DIGEST2",
	12: "KM_INIT_KEY",
}

var keyPurposeRegs = [EFUSE_MAX_KEY + 1]struct {
	reg   uint32
	shift uint
}{
	{EFUSE_PURPOSE_KEY0_REG, EFUSE_PURPOSE_KEY0_SHIFT},
	{EFUSE_PURPOSE_KEY1_REG, EFUSE_PURPOSE_KEY1_SHIFT},
	{EFUSE_PURPOSE_KEY2_REG, EFUSE_PURPOSE_KEY2_SHIFT},
	{EFUSE_PURPOSE_KEY3_REG, EFUSE_PURPOSE_KEY3_SHIFT},
	{EFUSE_PURPOSE_KEY4_REG, EFUSE_PURPOSE_KEY4_SHIFT},
	{EFUSE_PURPOSE_KEY5_REG, EFUSE_PURPOSE_KEY5_SHIFT},
}

func readBlock1Word2(rr esp.RegReader) (uint32, error) {
	v, err := rr.ReadReg(EFUSE_BLOCK1_ADDR + (2 * 4))
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read eFuse reg")
	}
	return v, nil
}

func GetPkgVersion(rr esp.RegReader) (uint32, error) {
	w, err := readBlock1Word2(rr)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return (w >> 27) & 0x07, nil
}

func GetMinorChipVersion(rr esp.RegReader) (uint32, error) {
	w, err := readBlock1Word2(rr)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return w & 0x0f, nil
}

func GetMajorChipVersion(rr esp.RegReader) (uint32, error) {
	w, err := readBlock1Word2(rr)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return (w >> 4) & 0x03, nil
}

func GetChipDescr(rr esp.RegReader) (string, error) {
	w, err := readBlock1Word2(rr)
	if err != nil {
		return "", errors.Trace(err)
	}
	pkg, minor, major := (w>>27)&0x07, w&0x0f, (w>>4)&0x03
	name := CHIP_NAME
	if pkg != 0 {
		name = fmt.Sprintf("unknown %s", CHIP_NAME)
	}
	return fmt.Sprintf("%s (revision v%d.%d)", name, major, minor), nil
}

func GetChipFeatures(rr esp.RegReader) ([]string, error) {
	return []string{"High-Performance MCU"}, nil
}

func GetCrystalFreq(rr esp.RegReader) (int, error) {
	// The P4 only supports a 40 MHz crystal.
	return CRYSTAL_FREQ_MHZ, nil
}

func ReadMAC(rr esp.RegReader) ([]byte, error) {
	mac0, err := rr.ReadReg(MAC_EFUSE_REG)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read MAC eFuse")
	}
	mac1, err := rr.ReadReg(MAC_EFUSE_REG + 4)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read MAC eFuse")
	}
	return esp.MACFromWords(mac0, mac1&0xffff), nil
}

func GetSecureBootEnabled(rr esp.RegReader) (bool, error) {
	v, err := rr.ReadReg(EFUSE_SECURE_BOOT_EN_REG)
	if err != nil {
		return false, errors.Annotatef(err, "failed to read eFuse reg")
	}
	return v&EFUSE_SECURE_BOOT_EN_MASK != 0, nil
}

// GetKeyBlockPurpose returns the purpose nibble of key block 0..EFUSE_MAX_KEY.
func GetKeyBlockPurpose(rr esp.RegReader, keyBlock int) (uint32, error) {
	if keyBlock < 0 || keyBlock > EFUSE_MAX_KEY {
		return 0, errors.Errorf("valid key block numbers must be in range 0-%d", EFUSE_MAX_KEY)
	}
	kp := keyPurposeRegs[keyBlock]
	v, err := rr.ReadReg(kp.reg)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read key purpose reg")
	}
	return (v >> kp.shift) & 0xf, nil
}

func KeyPurposeName(purpose uint32) string {
	if n, ok := KEY_PURPOSES[purpose]; ok {
		return n
	}
	return fmt.Sprintf("?(%d)", purpose)
}

// IsFlashEncryptionKeyValid reads the purpose of every key block. The P4 ROM
// accepts flash encryption without a dedicated XTS key, so the result is always
// true once the purposes are readable.
func IsFlashEncryptionKeyValid(rr esp.RegReader) (bool, error) {
	for i := 0; i <= EFUSE_MAX_KEY; i++ {
		if _, err := GetKeyBlockPurpose(rr, i); err != nil {
			return false, errors.Trace(err)
		}
	}
	return true, nil
}

func GetFlashCryptConfig(rr esp.RegReader) (uint32, error) {
	return 0, errors.NotSupportedf("flash crypt config on %s", CHIP_NAME)
}

func GetFlashVoltage(rr esp.RegReader) (string, error) {
	return "", errors.NotSupportedf("reading flash voltage on %s", CHIP_NAME)
}

func OverrideVddsdio(rrw esp.RegReaderWriter, voltage string) error {
	return errors.NotSupportedf("VDD_SDIO overrides on %s", CHIP_NAME)
}

// GetMemoryRegion returns the name of the first map region containing addr.
func GetMemoryRegion(addr uint32) (string, bool) {
	for _, r := range MEMORY_MAP {
		if addr >= r.Start && addr < r.End {
			return r.Name, true
		}
	}
	return "", false
}
