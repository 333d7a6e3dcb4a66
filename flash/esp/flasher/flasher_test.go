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
package flasher

import (
	"bytes"
	"compress/zlib"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"io/ioutil"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mongoose-os/webflash/flash/esp"
	"github.com/mongoose-os/webflash/flash/esp/rom"
	"github.com/mongoose-os/webflash/flash/esp/rom/fakerom"
)

const testFlashSize = 4 * 1024 * 1024

func randomData(n int) []byte {
	r := rand.New(rand.NewSource(int64(n)))
	data := make([]byte, n)
	r.Read(data)
	return data
}

// testImage builds a one segment app image with an appended SHA-256 digest.
func testImage() []byte {
	seg := randomData(100)
	img := []byte{esp.ImageMagicByte, 1, 0, 0x00, 0, 0, 0, 0}
	ext := make([]byte, esp.ImageExtHeaderLen)
	ext[len(ext)-1] = 1
	img = append(img, ext...)
	segHdr := make([]byte, 8)
	binary.LittleEndian.PutUint32(segHdr[0:], 0x4ff00000)
	binary.LittleEndian.PutUint32(segHdr[4:], uint32(len(seg)))
	img = append(img, segHdr...)
	img = append(img, seg...)
	for len(img)%16 != 0 {
		img = append(img, 0)
	}
	sum := sha256.Sum256(img)
	return append(img, sum[:]...)
}

type testReport struct {
	lines []string
}

func (r *testReport) reportf(format string, args ...interface{}) {
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

func (r *testReport) contains(s string) bool {
	for _, l := range r.lines {
		if strings.Contains(l, s) {
			return true
		}
	}
	return false
}

func connectLoader(t *testing.T, d *fakerom.Device, opts *esp.FlashOpts) (*Loader, *testReport) {
	t.Helper()
	p := d.Port()
	if opts == nil {
		opts = &esp.FlashOpts{ROMBaudRate: 115200}
	}
	opts.NoReset = true
	r := &testReport{}
	l, err := Connect(context.Background(), p, opts, r.reportf)
	if err != nil {
		p.Close()
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		l.Close()
		p.Close()
	})
	return l, r
}

func writeStub(t *testing.T) string {
	t.Helper()
	fname := filepath.Join(t.TempDir(), "stub.json")
	js := fmt.Sprintf(`{"entry": %d, "text": %q, "text_start": %d, "data": %q, "data_start": %d}`,
		0x4ff00100, base64.StdEncoding.EncodeToString(randomData(3000)), 0x4ff00000,
		base64.StdEncoding.EncodeToString(randomData(200)), 0x4ff40000)
	if err := ioutil.WriteFile(fname, []byte(js), 0644); err != nil {
		t.Fatal(err)
	}
	return fname
}

func TestParseFlashID(t *testing.T) {
	cases := []struct {
		id      uint32
		size    int
		wantErr bool
	}{
		{0x1640ef, 4 * 1024 * 1024, false},
		{0x1840c8, 16 * 1024 * 1024, false},
		{0x3960c2, 32 * 1024 * 1024, false},
		{0x2160c8, 128 * 1024 * 1024, false},
		{0x164000, 0, true},
		{0x1640ff, 0, true},
		{0x0540ef, 0, true},
	}
	for _, c := range cases {
		_, size, err := parseFlashID(c.id)
		if c.wantErr {
			if err == nil {
				t.Errorf("0x%06x: expected an error, got size %d", c.id, size)
			}
			continue
		}
		if err != nil {
			t.Errorf("0x%06x: unexpected error: %v", c.id, err)
		} else if size != c.size {
			t.Errorf("0x%06x: got %d, want %d", c.id, size, c.size)
		}
	}
}

func TestSanityCheckImages(t *testing.T) {
	boot := []byte{esp.ImageMagicByte, 0, 0, 0}
	cases := []struct {
		name    string
		images  []*Part
		wantErr string
	}{
		{"ok", []*Part{{Addr: 0x10000, Data: make([]byte, 100)}, {Addr: 0x2000, Data: boot}}, ""},
		{"unaligned", []*Part{{Addr: 0x10100, Data: make([]byte, 100)}}, "sector boundary"},
		{"too big", []*Part{{Addr: 0x3ff000, Data: make([]byte, 0x2000)}}, "will not fit"},
		{"overlap", []*Part{{Addr: 0x10000, Data: make([]byte, 0x2000)}, {Addr: 0x11000, Data: make([]byte, 10)}}, "overlap"},
		{"bad magic", []*Part{{Addr: 0x2000, Data: []byte{0, 1, 2, 3}}}, "magic byte"},
	}
	for _, c := range cases {
		err := sanityCheckImages(esp.ChipESP32P4, c.images, testFlashSize)
		switch {
		case c.wantErr == "" && err != nil:
			t.Errorf("%s: unexpected error: %v", c.name, err)
		case c.wantErr != "" && (err == nil || !strings.Contains(err.Error(), c.wantErr)):
			t.Errorf("%s: got %v, want error containing %q", c.name, err, c.wantErr)
		}
	}
}

func TestPatchImageHeader(t *testing.T) {
	img := testImage()
	fp := esp.FlashParams{Mode: "dio", Size: "4MB", Freq: "80m"}
	if err := patchImageHeader(esp.ChipESP32P4, fp, img); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if img[2] != 2 || img[3] != 0x2f {
		t.Errorf("got header %x, want mode 2 and size/freq 0x2f", img[:4])
	}
	off, err := imageDigestOffset(img)
	if err != nil {
		t.Fatalf("imageDigestOffset: %v", err)
	}
	if got, want := off, len(img)-sha256.Size; got != want {
		t.Errorf("got digest offset %d, want %d", got, want)
	}
	sum := sha256.Sum256(img[:off])
	if !bytes.Equal(img[off:], sum[:]) {
		t.Errorf("digest was not updated")
	}

	// A stale digest is left as is.
	img = testImage()
	img[len(img)-1] ^= 0xff
	stale := append([]byte(nil), img[len(img)-sha256.Size:]...)
	if err := patchImageHeader(esp.ChipESP32P4, fp, img); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(img[len(img)-sha256.Size:], stale) {
		t.Errorf("stale digest was modified")
	}
}

func TestConnect(t *testing.T) {
	d := fakerom.New(esp.ChipESP32P4, testFlashSize)
	l, r := connectLoader(t, d, nil)
	ci := l.Describe()
	if ci.Type != esp.ChipESP32P4 {
		t.Errorf("got chip %s", ci.Type)
	}
	if ci.Description != "ESP32-P4 (revision v0.0)" {
		t.Errorf("got description %q", ci.Description)
	}
	if ci.FlashSize != testFlashSize || ci.FlashID != d.FlashID {
		t.Errorf("got flash size %d id 0x%x", ci.FlashSize, ci.FlashID)
	}
	if ci.CrystalMHz != 40 {
		t.Errorf("got crystal %d", ci.CrystalMHz)
	}
	if ci.Stub {
		t.Errorf("stub must not be running")
	}
	if got := d.SPIFlashSize(); got != testFlashSize {
		t.Errorf("SPI_SET_PARAMS got %d", got)
	}
	if !r.contains("Connecting") {
		t.Errorf("no connect message in %q", r.lines)
	}
	if d.OpCount(rom.OpSPIAttach) != 1 {
		t.Errorf("flash was not attached")
	}
}

func TestConnectBaudRateFallback(t *testing.T) {
	d := fakerom.New(esp.ChipESP8266, testFlashSize)
	l, _ := connectLoader(t, d, &esp.FlashOpts{ROMBaudRate: 115200, FlasherBaudRate: 921600})
	if got := l.Describe().BaudRate; got != 115200 {
		t.Errorf("got baud rate %d, want 115200", got)
	}
	if d.OpCount(rom.OpChangeBaudRate) != 0 {
		t.Errorf("ESP8266 ROM does not support baud rate change")
	}
}

func TestNewLoaderValidatesOpts(t *testing.T) {
	if _, err := NewLoader(nil, &esp.FlashOpts{FlasherBaudRate: 5000000}, nil); err == nil {
		t.Errorf("expected an error for invalid baud rate")
	}
	if _, err := NewLoader(nil, &esp.FlashOpts{StubFile: "/nonexistent/stub.json"}, nil); err == nil {
		t.Errorf("expected an error for missing stub")
	}
}

func TestWriteFlash(t *testing.T) {
	d := fakerom.New(esp.ChipESP32P4, testFlashSize)
	l, r := connectLoader(t, d, nil)
	boot := testImage()
	app := randomData(10000)
	parts := []*Part{
		{Name: "app", Addr: 0x10000, Data: app},
		{Name: "boot", Addr: 0x2000, Data: boot},
	}
	var last = map[string][2]int{}
	progress := func(name string, written, total int) {
		last[name] = [2]int{written, total}
	}
	wo := &WriteOpts{FlashParams: esp.FlashParams{Mode: "dio", Freq: "80m", Size: esp.FlashSizeDetect}}
	if err := l.WriteFlash(context.Background(), parts, wo, progress); err != nil {
		t.Fatalf("WriteFlash: %v", err)
	}
	if got := d.Flash(0x10000, len(app)); !bytes.Equal(got, app) {
		t.Errorf("app data mismatch")
	}
	got := d.Flash(0x2000, len(boot))
	if got[2] != 2 || got[3] != 0x2f {
		t.Errorf("got header %x", got[:4])
	}
	if boot[2] != 0 {
		t.Errorf("caller's data was modified")
	}
	for name, size := range map[string]int{"app": len(app), "boot": len(boot)} {
		if p := last[name]; p[0] != size || p[1] != size {
			t.Errorf("%s: last progress %v, want %d", name, p, size)
		}
	}
	if d.Erased() {
		t.Errorf("flash must not be erased")
	}
	if !r.contains("Wrote 10176 bytes") {
		t.Errorf("no summary in %q", r.lines)
	}
	if d.OpCount(rom.OpSPIFlashMD5) != 2 {
		t.Errorf("images were not verified")
	}
}

func TestWriteFlashStubCompressed(t *testing.T) {
	d := fakerom.New(esp.ChipESP32P4, testFlashSize)
	l, _ := connectLoader(t, d, &esp.FlashOpts{ROMBaudRate: 115200, FlasherBaudRate: 460800, StubFile: writeStub(t)})
	ci := l.Describe()
	if !ci.Stub || ci.BaudRate != 460800 || d.BaudRate() != 460800 {
		t.Fatalf("got %+v", ci)
	}
	app := bytes.Repeat([]byte("webflash"), 20000)
	wo := &WriteOpts{EraseAll: true, Compress: true, HardReset: true}
	if err := l.WriteFlash(context.Background(), []*Part{{Name: "app", Addr: 0x10000, Data: app}}, wo, nil); err != nil {
		t.Fatalf("WriteFlash: %v", err)
	}
	if !d.Erased() || d.OpCount(rom.OpEraseFlash) != 1 {
		t.Errorf("flash was not erased")
	}
	if d.OpCount(rom.OpFlashDeflData) == 0 || d.OpCount(rom.OpFlashData) != 0 {
		t.Errorf("data was not compressed: %v", d.Ops())
	}
	if got := d.Flash(0x10000, len(app)); !bytes.Equal(got, app) {
		t.Errorf("app data mismatch")
	}
}

func TestWriteFlashROMEraseAll(t *testing.T) {
	d := fakerom.New(esp.ChipESP32P4, testFlashSize)
	l, _ := connectLoader(t, d, nil)
	wo := &WriteOpts{EraseAll: true, Compress: true}
	if err := l.WriteFlash(context.Background(), []*Part{{Name: "app", Addr: 0x10000, Data: randomData(5000)}}, wo, nil); err != nil {
		t.Fatalf("WriteFlash: %v", err)
	}
	if !d.Erased() {
		t.Errorf("flash was not erased")
	}
}

func TestWriteFlashROMEraseAllUnknownSize(t *testing.T) {
	d := fakerom.New(esp.ChipESP32P4, testFlashSize)
	d.FlashID = 0xffffff
	l, r := connectLoader(t, d, nil)
	if l.Describe().FlashSize != 0 {
		t.Fatalf("flash size must be unknown, got %d", l.Describe().FlashSize)
	}
	old := randomData(0x1000)
	if err := l.WriteFlash(context.Background(), []*Part{{Name: "old", Addr: 0x4000, Data: old}}, &WriteOpts{}, nil); err != nil {
		t.Fatalf("WriteFlash: %v", err)
	}
	app := randomData(5000)
	wo := &WriteOpts{EraseAll: true, Compress: true}
	if err := l.WriteFlash(context.Background(), []*Part{{Name: "app", Addr: 0x10000, Data: app}}, wo, nil); err != nil {
		t.Fatalf("WriteFlash: %v", err)
	}
	if got := d.Flash(0x4000, len(old)); !bytes.Equal(got, bytes.Repeat([]byte{0xff}, len(old))) {
		t.Errorf("old data was not erased")
	}
	if got := d.Flash(0x10000, len(app)); !bytes.Equal(got, app) {
		t.Errorf("app data mismatch")
	}
	if !r.contains("Flash size is unknown") {
		t.Errorf("missing report, got %q", r.lines)
	}
}

func TestWriteFlashRetries(t *testing.T) {
	d := fakerom.New(esp.ChipESP32P4, testFlashSize)
	l, _ := connectLoader(t, d, nil)
	app := randomData(3 * 0x1000)
	d.FailNext(rom.OpFlashData, 2)
	if err := l.WriteFlash(context.Background(), []*Part{{Name: "app", Addr: 0x10000, Data: app}}, &WriteOpts{}, nil); err != nil {
		t.Fatalf("WriteFlash: %v", err)
	}
	if got := d.Flash(0x10000, len(app)); !bytes.Equal(got, app) {
		t.Errorf("app data mismatch")
	}

	d.FailNext(rom.OpFlashData, numWriteAttempts)
	err := l.WriteFlash(context.Background(), []*Part{{Name: "app", Addr: 0x10000, Data: app}}, &WriteOpts{}, nil)
	if err == nil || !strings.Contains(err.Error(), "failed to write") {
		t.Errorf("got %v, want a write error", err)
	}
}

func TestWriteFlashErrors(t *testing.T) {
	d := fakerom.New(esp.ChipESP32P4, testFlashSize)
	l, _ := connectLoader(t, d, nil)
	ctx := context.Background()
	if err := l.WriteFlash(ctx, nil, &WriteOpts{}, nil); err == nil {
		t.Errorf("expected an error for no parts")
	}
	if err := l.WriteFlash(ctx, []*Part{{Name: "empty", Addr: 0x10000}}, &WriteOpts{}, nil); err == nil {
		t.Errorf("expected an error for empty data")
	}
	wo := &WriteOpts{FlashParams: esp.FlashParams{Freq: "26m"}}
	if err := l.WriteFlash(ctx, []*Part{{Name: "app", Addr: 0x10000, Data: []byte{1}}}, wo, nil); err == nil {
		t.Errorf("expected an error for unsupported frequency")
	}
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	err := l.WriteFlash(cctx, []*Part{{Name: "app", Addr: 0x10000, Data: randomData(0x2000)}}, &WriteOpts{}, nil)
	if err == nil || !strings.Contains(err.Error(), "aborted") {
		t.Errorf("got %v, want an abort error", err)
	}
	if d.OpCount(rom.OpFlashData) != 0 {
		t.Errorf("data was written after cancellation")
	}
}

type failingWriter struct{}

func (failingWriter) Write(b []byte) (int, error) { return 0, io.ErrShortWrite }

func TestDeflate(t *testing.T) {
	data := randomData(100000)
	var buf bytes.Buffer
	if err := deflate(&buf, data); err != nil {
		t.Fatalf("deflate: %v", err)
	}
	zr, err := zlib.NewReader(&buf)
	if err != nil {
		t.Fatalf("zlib: %v", err)
	}
	got, err := ioutil.ReadAll(zr)
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("round trip failed: %d bytes, %v", len(got), err)
	}
	if err := deflate(failingWriter{}, data); err == nil {
		t.Errorf("expected an error from a failing writer")
	}
}
