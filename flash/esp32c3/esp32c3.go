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
package esp32c3

import (
	"fmt"

	"github.com/juju/errors"
	"github.com/mongoose-os/webflash/flash/esp"
)

const (
	CHIP_NAME     = "ESP32-C3"
	IMAGE_CHIP_ID = 5

	EFUSE_BASE        = 0x60008800
	EFUSE_BLOCK1_ADDR = EFUSE_BASE + 0x44
	MAC_EFUSE_REG     = EFUSE_BASE + 0x44

	CRYSTAL_FREQ_MHZ = 40
)

var pkgNames = map[uint32]string{
	0: "ESP32-C3 (QFN32)",
	1: "ESP8685 (QFN28)",
	2: "ESP32-C3 AZ (QFN32)",
	3: "ESP8686 (QFN24)",
}

var flashCaps = map[uint32]string{
	1: "Embedded Flash 4MB",
	2: "Embedded Flash 2MB",
	3: "Embedded Flash 1MB",
	4: "Embedded Flash 8MB",
}

var flashVendors = map[uint32]string{
	1: "XMC",
	2: "GD",
	3: "FM",
	4: "TT",
	5: "ZBIT",
}

func readBlock1Word(rr esp.RegReader, n uint32) (uint32, error) {
	v, err := rr.ReadReg(EFUSE_BLOCK1_ADDR + n*4)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read eFuse block 1 word %d", n)
	}
	return v, nil
}

func GetPkgVersion(rr esp.RegReader) (uint32, error) {
	w3, err := readBlock1Word(rr, 3)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return (w3 >> 21) & 0x07, nil
}

// GetMinorChipVersion combines the high bit from word 5 with the low bits
// from word 3.
func GetMinorChipVersion(rr esp.RegReader) (uint32, error) {
	w3, err := readBlock1Word(rr, 3)
	if err != nil {
		return 0, errors.Trace(err)
	}
	w5, err := readBlock1Word(rr, 5)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return ((w5>>23)&0x01)<<3 | (w3>>18)&0x07, nil
}

func GetMajorChipVersion(rr esp.RegReader) (uint32, error) {
	w5, err := readBlock1Word(rr, 5)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return (w5 >> 24) & 0x03, nil
}

func GetChipDescr(rr esp.RegReader) (string, error) {
	pkg, err := GetPkgVersion(rr)
	if err != nil {
		return "", errors.Trace(err)
	}
	minor, err := GetMinorChipVersion(rr)
	if err != nil {
		return "", errors.Trace(err)
	}
	major, err := GetMajorChipVersion(rr)
	if err != nil {
		return "", errors.Trace(err)
	}
	name, ok := pkgNames[pkg]
	if !ok {
		name = fmt.Sprintf("unknown %s", CHIP_NAME)
	}
	return fmt.Sprintf("%s (revision v%d.%d)", name, major, minor), nil
}

func GetChipFeatures(rr esp.RegReader) ([]string, error) {
	features := []string{"Wi-Fi", "BT 5 (LE)", "Single Core", "160MHz"}
	w3, err := readBlock1Word(rr, 3)
	if err != nil {
		return nil, errors.Trace(err)
	}
	w4, err := readBlock1Word(rr, 4)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if fc, ok := flashCaps[(w3>>27)&0x07]; ok {
		if v, ok := flashVendors[w4&0x07]; ok {
			fc = fmt.Sprintf("%s (%s)", fc, v)
		}
		features = append(features, fc)
	}
	return features, nil
}

func GetCrystalFreq(rr esp.RegReader) (int, error) {
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
