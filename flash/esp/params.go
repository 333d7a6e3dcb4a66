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
	"strconv"
	"strings"

	"github.com/juju/errors"
)

const (
	FlashParamKeep    = "keep"
	FlashSizeDetect   = "detect"
	ImageMagicByte    = 0xe9
	ImageHeaderLen    = 8
	ImageExtHeaderLen = 16
)

var flashModes = map[string]byte{
	"qio":  0,
	"qout": 1,
	"dio":  2,
	"dout": 3,
}

// FlashParams are the SPI flash settings the bootloader reads from bytes 2 and 3 of the image header.
type FlashParams struct {
	Mode string
	Freq string
	Size string
}

// ParseFlashParams parses "mode,size,freq". Empty fields are left empty.
func ParseFlashParams(s string) (FlashParams, error) {
	var fp FlashParams
	if s == "" {
		return fp, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return fp, errors.Errorf("flash params must be mode,size,freq, got %q", s)
	}
	fp.Mode, fp.Size, fp.Freq = strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), strings.TrimSpace(parts[2])
	return fp, nil
}

func (fp FlashParams) String() string {
	return fmt.Sprintf("%s,%s,%s", fp.Mode, fp.Size, fp.Freq)
}

// Validate checks that every set field is known for the given chip.
func (fp FlashParams) Validate(ct ChipType) error {
	cp := ct.Params()
	if cp == nil {
		return errors.Errorf("unknown chip %s", ct)
	}
	if fp.Mode != "" && fp.Mode != FlashParamKeep {
		if _, ok := flashModes[fp.Mode]; !ok {
			return errors.Errorf("invalid flash mode %q", fp.Mode)
		}
	}
	if fp.Freq != "" && fp.Freq != FlashParamKeep {
		if _, ok := cp.FlashFreqs[fp.Freq]; !ok {
			return errors.Errorf("flash frequency %q is not supported by %s", fp.Freq, ct)
		}
	}
	if fp.Size != "" && fp.Size != FlashParamKeep && fp.Size != FlashSizeDetect {
		if _, ok := cp.FlashSizes[fp.Size]; !ok {
			return errors.Errorf("flash size %q is not supported by %s", fp.Size, ct)
		}
	}
	return nil
}

// SizeBytes returns the flash size in bytes, or 0 if it is not a concrete size.
func (fp FlashParams) SizeBytes() int {
	return FlashSizeBytes(fp.Size)
}

func FlashSizeBytes(size string) int {
	s := strings.SplitN(size, "-", 2)[0]
	mult := 0
	switch {
	case strings.HasSuffix(s, "MB"):
		mult = 1024 * 1024
	case strings.HasSuffix(s, "KB"):
		mult = 1024
	default:
		return 0
	}
	n, err := strconv.Atoi(s[:len(s)-2])
	if err != nil {
		return 0
	}
	return n * mult
}

// FlashSizeName returns the canonical name for a size in bytes, e.g. 4194304 -> "4MB".
func FlashSizeName(size int) string {
	if size >= 1024*1024 && size%(1024*1024) == 0 {
		return fmt.Sprintf("%dMB", size/(1024*1024))
	}
	return fmt.Sprintf("%dKB", size/1024)
}

// Apply patches header bytes 2 and 3 in place. Fields set to "keep" or left
// empty retain their current value.
func (fp FlashParams) Apply(ct ChipType, hdr []byte) error {
	if len(hdr) < 4 {
		return errors.Errorf("image header too short (%d)", len(hdr))
	}
	if hdr[0] != ImageMagicByte {
		return errors.Errorf("invalid image magic byte 0x%02x", hdr[0])
	}
	if err := fp.Validate(ct); err != nil {
		return errors.Trace(err)
	}
	cp := ct.Params()
	if m, ok := flashModes[fp.Mode]; ok {
		hdr[2] = m
	}
	sizeFreq := hdr[3]
	if f, ok := cp.FlashFreqs[fp.Freq]; ok {
		sizeFreq = (sizeFreq & 0xf0) | f
	}
	if s, ok := cp.FlashSizes[fp.Size]; ok {
		sizeFreq = (sizeFreq & 0x0f) | s
	}
	hdr[3] = sizeFreq
	return nil
}
