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
	"testing"

	"github.com/juju/errors"
	"github.com/mongoose-os/webflash/flash/esp"
)

type fakeEfuses map[uint32]uint32

func (f fakeEfuses) ReadReg(reg uint32) (uint32, error) {
	v, ok := f[reg]
	if !ok {
		return 0, errors.Errorf("unmapped register 0x%08x", reg)
	}
	return v, nil
}

func TestChipDescr(t *testing.T) {
	cases := []struct {
		word2 uint32
		descr string
	}{
		{0x00000000, "ESP32-P4 (revision v0.0)"},
		{0x00000001, "ESP32-P4 (revision v0.1)"},
		{0x00000010, "ESP32-P4 (revision v1.0)"},
		{0x00000023, "ESP32-P4 (revision v2.3)"},
		{1<<27 | 0x10, "unknown ESP32-P4 (revision v1.0)"},
	}
	for _, c := range cases {
		rr := fakeEfuses{EFUSE_BLOCK1_ADDR + 8: c.word2}
		descr, err := GetChipDescr(rr)
		if err != nil {
			t.Errorf("0x%08x: unexpected error: %v", c.word2, err)
			continue
		}
		if descr != c.descr {
			t.Errorf("0x%08x: got %q, want %q", c.word2, descr, c.descr)
		}
	}
}

func TestChipVersions(t *testing.T) {
	rr := fakeEfuses{EFUSE_BLOCK1_ADDR + 8: 5<<27 | 0x3<<4 | 0xa}
	pkg, _ := GetPkgVersion(rr)
	major, _ := GetMajorChipVersion(rr)
	minor, _ := GetMinorChipVersion(rr)
	if pkg != 5 || major != 3 || minor != 10 {
		t.Errorf("got pkg %d major %d minor %d, want 5 3 10", pkg, major, minor)
	}
	if _, err := GetPkgVersion(fakeEfuses{}); err == nil {
		t.Errorf("expected an error when eFuse is unreadable")
	}
}

func TestReadMAC(t *testing.T) {
	rr := fakeEfuses{MAC_EFUSE_REG: 0x0c4ad3e1, MAC_EFUSE_REG + 4: 0xffff6055}
	mac, err := ReadMAC(rr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := esp.FormatMAC(mac), "60:55:0c:4a:d3:e1"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestKeyBlockPurpose(t *testing.T) {
	rr := fakeEfuses{
		EFUSE_PURPOSE_KEY0_REG: 0x4<<24 | 0x9<<28,
		EFUSE_PURPOSE_KEY2_REG: 0x2 | 0x3<<4 | 0x5<<8 | 0xc<<12 | EFUSE_SECURE_BOOT_EN_MASK,
	}
	want := []uint32{4, 9, 2, 3, 5, 12}
	for i, w := range want {
		p, err := GetKeyBlockPurpose(rr, i)
		if err != nil {
			t.Errorf("KEY%d: unexpected error: %v", i, err)
			continue
		}
		if p != w {
			t.Errorf("KEY%d: got %d (%s), want %d", i, p, KeyPurposeName(p), w)
		}
	}
	for _, kb := range []int{-1, 6} {
		if _, err := GetKeyBlockPurpose(rr, kb); err == nil {
			t.Errorf("KEY%d: expected an error", kb)
		}
	}
	if got, want := KeyPurposeName(12), "KM_INIT_KEY"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	ok, err := IsFlashEncryptionKeyValid(rr)
	if err != nil || !ok {
		t.Errorf("got %v %v, want true", ok, err)
	}
	sb, err := GetSecureBootEnabled(rr)
	if err != nil || !sb {
		t.Errorf("got %v %v, want secure boot enabled", sb, err)
	}
}

func TestUnsupported(t *testing.T) {
	if _, err := GetFlashCryptConfig(fakeEfuses{}); !errors.IsNotSupported(err) {
		t.Errorf("got %v, want not supported", err)
	}
	if _, err := GetFlashVoltage(fakeEfuses{}); !errors.IsNotSupported(err) {
		t.Errorf("got %v, want not supported", err)
	}
	if err := OverrideVddsdio(nil, "1.8V"); !errors.IsNotSupported(err) {
		t.Errorf("got %v, want not supported", err)
	}
}

func TestMemoryRegion(t *testing.T) {
	cases := []struct {
		addr uint32
		name string
	}{
		{0x00000100, "PADDING"},
		{0x40001000, "DROM"},
		{0x4ff10000, "DRAM"},
		{0x4fc00004, "DROM_MASK"},
		{0x50108010, "RTC_IRAM"},
		{0x600fe000, "MEM_INTERNAL2"},
	}
	for _, c := range cases {
		name, ok := GetMemoryRegion(c.addr)
		if !ok || name != c.name {
			t.Errorf("0x%08x: got %q %v, want %q", c.addr, name, ok, c.name)
		}
	}
	if _, ok := GetMemoryRegion(0x70000000); ok {
		t.Errorf("0x70000000 should not be mapped")
	}
}

func TestConstantsMatchChipTable(t *testing.T) {
	cp := esp.ChipESP32P4.Params()
	if cp.ImageChipID != IMAGE_CHIP_ID || cp.BootloaderFlashOffset != BOOTLOADER_FLASH_OFFSET ||
		cp.MACEfuseReg != MAC_EFUSE_REG || cp.SPIRegBase != SPI_REG_BASE || cp.SPIW0Offs != SPI_W0_OFFS {
		t.Errorf("chip table and ROM definition disagree: %+v", cp)
	}
	if UART_DATE_REG_ADDR != 1343004812 {
		t.Errorf("got 0x%x for UART_DATE_REG_ADDR", UART_DATE_REG_ADDR)
	}
}
