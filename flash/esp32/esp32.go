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
package esp32

import (
	"fmt"

	"github.com/juju/errors"
	"github.com/mongoose-os/webflash/flash/esp"
)

const (
	EFUSE_RD_REG_BASE = 0x3ff5a000
	// Bit 31 of APB_CTL_DATE is the third revision bit.
	APB_CTL_DATE_ADDR = 0x3ff66000 + 0x7c
)

var pkgNames = map[uint32]string{
	0: "ESP32-D0WDQ6",
	1: "ESP32-D0WD",
	2: "ESP32-D2WD",
	4: "ESP32-U4WDH",
	5: "ESP32-PICO-D4",
	6: "ESP32-PICO-V3-02",
	7: "ESP32-D0WDR2-V3",
}

var pkgNamesV3 = map[uint32]string{
	0: "ESP32-D0WDQ6-V3",
	1: "ESP32-D0WD-V3",
	5: "ESP32-PICO-V3",
}

func readEfuseWord(rr esp.RegReader, n int) (uint32, error) {
	v, err := rr.ReadReg(EFUSE_RD_REG_BASE + uint32(4*n))
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read eFuse word %d", n)
	}
	return v, nil
}

func GetPkgVersion(rr esp.RegReader) (uint32, error) {
	word3, err := readEfuseWord(rr, 3)
	if err != nil {
		return 0, errors.Trace(err)
	}
	pkg := (word3 >> 9) & 0x07
	pkg |= ((word3 >> 2) & 0x1) << 3
	return pkg, nil
}

// GetMajorChipVersion combines the three revision bits spread over eFuse and APB_CTL.
func GetMajorChipVersion(rr esp.RegReader) (uint32, error) {
	word3, err := readEfuseWord(rr, 3)
	if err != nil {
		return 0, errors.Trace(err)
	}
	word5, err := readEfuseWord(rr, 5)
	if err != nil {
		return 0, errors.Trace(err)
	}
	apbCtlDate, err := rr.ReadReg(APB_CTL_DATE_ADDR)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read APB_CTL_DATE")
	}
	revBits := (word3>>15)&1 | ((word5>>20)&1)<<1 | ((apbCtlDate>>31)&1)<<2
	switch revBits {
	case 0:
		return 0, nil
	case 1:
		return 1, nil
	case 3:
		return 2, nil
	case 7:
		return 3, nil
	}
	return 0, nil
}

func GetMinorChipVersion(rr esp.RegReader) (uint32, error) {
	word5, err := readEfuseWord(rr, 5)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return (word5 >> 24) & 0x3, nil
}

func GetChipDescr(rr esp.RegReader) (string, error) {
	pkg, err := GetPkgVersion(rr)
	if err != nil {
		return "", errors.Trace(err)
	}
	major, err := GetMajorChipVersion(rr)
	if err != nil {
		return "", errors.Trace(err)
	}
	minor, err := GetMinorChipVersion(rr)
	if err != nil {
		return "", errors.Trace(err)
	}
	name, ok := pkgNames[pkg]
	if n3, ok3 := pkgNamesV3[pkg]; ok3 && major >= 3 {
		name, ok = n3, true
	}
	if !ok {
		name = fmt.Sprintf("unknown ESP32(%d)", pkg)
	}
	return fmt.Sprintf("%s (revision v%d.%d)", name, major, minor), nil
}

func GetChipFeatures(rr esp.RegReader) ([]string, error) {
	word3, err := readEfuseWord(rr, 3)
	if err != nil {
		return nil, errors.Trace(err)
	}
	features := []string{"WiFi"}
	if word3&(1<<1) == 0 {
		features = append(features, "BT")
	}
	if word3&(1<<0) != 0 {
		features = append(features, "Single Core")
	} else {
		features = append(features, "Dual Core")
	}
	pkg, _ := GetPkgVersion(rr)
	if pkg == 2 || pkg == 4 || pkg == 5 || pkg == 6 {
		features = append(features, "Embedded Flash")
	}
	return features, nil
}
