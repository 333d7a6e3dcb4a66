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

	"github.com/juju/errors"
)

func FormatMAC(mac []byte) string {
	parts := make([]string, len(mac))
	for i, b := range mac {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

// MACFromWords lays out the two MAC eFuse words the way ESP32 and newer chips store them:
// the low 16 bits of mac1 are the first two bytes, mac0 the remaining four.
func MACFromWords(mac0, mac1 uint32) []byte {
	return []byte{
		byte(mac1 >> 8), byte(mac1),
		byte(mac0 >> 24), byte(mac0 >> 16), byte(mac0 >> 8), byte(mac0),
	}
}

// ReadMACGeneric reads the MAC from the chip's MAC eFuse register pair.
func ReadMACGeneric(ct ChipType, rr RegReader) ([]byte, error) {
	cp := ct.Params()
	if cp == nil || cp.MACEfuseReg == 0 {
		return nil, errors.NotSupportedf("reading MAC of %s", ct)
	}
	mac0, err := rr.ReadReg(cp.MACEfuseReg)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read MAC eFuse")
	}
	mac1, err := rr.ReadReg(cp.MACEfuseReg + 4)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read MAC eFuse")
	}
	return MACFromWords(mac0, mac1&0xffff), nil
}

const (
	esp8266OTPMAC0 = 0x3ff00050
	esp8266OTPMAC1 = 0x3ff00054
	esp8266OTPMAC3 = 0x3ff0005c
)

// ReadMACESP8266 derives the MAC from OTP words; the OUI is either burnt in or implied by a flag.
func ReadMACESP8266(rr RegReader) ([]byte, error) {
	var w [4]uint32
	for i, reg := range []uint32{esp8266OTPMAC0, esp8266OTPMAC1, 0, esp8266OTPMAC3} {
		if reg == 0 {
			continue
		}
		v, err := rr.ReadReg(reg)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to read OTP MAC word %d", i)
		}
		w[i] = v
	}
	mac0, mac1, mac3 := w[0], w[1], w[3]
	var oui []byte
	switch {
	case mac3 != 0:
		oui = []byte{byte(mac3 >> 16), byte(mac3 >> 8), byte(mac3)}
	case (mac1>>16)&0xff == 0:
		oui = []byte{0x18, 0xfe, 0x34}
	case (mac1>>16)&0xff == 1:
		oui = []byte{0xac, 0xd0, 0x74}
	default:
		return nil, errors.Errorf("unknown OUI flag 0x%x", (mac1>>16)&0xff)
	}
	return append(oui, byte(mac1>>8), byte(mac1), byte(mac0>>24)), nil
}
