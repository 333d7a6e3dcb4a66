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
	"reflect"
	"testing"
)

type regs map[uint32]uint32

func (r regs) ReadReg(reg uint32) (uint32, error) {
	return r[reg], nil
}

func TestGetChipDescr(t *testing.T) {
	cases := []struct {
		word3, word5, apb uint32
		descr             string
	}{
		{0, 0, 0, "ESP32-D0WDQ6 (revision v0.0)"},
		{1 << 15, 0, 0, "ESP32-D0WDQ6 (revision v1.0)"},
		{1<<15 | 1<<9, 1 << 20, 1 << 31, "ESP32-D0WD-V3 (revision v3.0)"},
		{1<<15 | 5<<9, 1<<20 | 1<<24, 1 << 31, "ESP32-PICO-V3 (revision v3.1)"},
		{5 << 9, 0, 0, "ESP32-PICO-D4 (revision v0.0)"},
		{3 << 9, 0, 0, "unknown ESP32(3) (revision v0.0)"},
	}
	for i, c := range cases {
		rr := regs{
			EFUSE_RD_REG_BASE + 12: c.word3,
			EFUSE_RD_REG_BASE + 20: c.word5,
			APB_CTL_DATE_ADDR:      c.apb,
		}
		descr, err := GetChipDescr(rr)
		if err != nil {
			t.Errorf("%d: unexpected error: %v", i, err)
			continue
		}
		if descr != c.descr {
			t.Errorf("%d: got %q, want %q", i, descr, c.descr)
		}
	}
}

func TestGetChipFeatures(t *testing.T) {
	f, err := GetChipFeatures(regs{EFUSE_RD_REG_BASE + 12: 5 << 9})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"WiFi", "BT", "Dual Core", "Embedded Flash"}; !reflect.DeepEqual(f, want) {
		t.Errorf("got %q, want %q", f, want)
	}
}
