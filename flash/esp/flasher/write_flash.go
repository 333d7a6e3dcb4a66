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
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"golang.org/x/time/rate"

	"github.com/mongoose-os/webflash/flash/esp"
	"github.com/mongoose-os/webflash/flash/esp/rom"
)

const (
	flashSectorSize  = rom.FlashSectorSize
	numWriteAttempts = 3
	// Progress callbacks are limited to this many per second, the final one
	// is always delivered.
	progressRate = 4
)

// Part is a chunk of data to be written at a flash address.
type Part struct {
	Name string
	Addr uint32
	Data []byte
}

type WriteOpts struct {
	FlashParams esp.FlashParams
	EraseAll    bool
	Compress    bool
	HardReset   bool
}

// ProgressFunc is called as a part is being written.
type ProgressFunc func(name string, written, total int)

type partsByAddr []*Part

func (pp partsByAddr) Len() int      { return len(pp) }
func (pp partsByAddr) Swap(i, j int) { pp[i], pp[j] = pp[j], pp[i] }
func (pp partsByAddr) Less(i, j int) bool {
	return pp[i].Addr < pp[j].Addr
}

// WriteFlash writes parts to flash and verifies them.
// Caller's data is not modified, header patching is done on a copy.
func (l *Loader) WriteFlash(ctx context.Context, parts []*Part, wo *WriteOpts, progress ProgressFunc) error {
	if l.rc == nil {
		return errors.Errorf("not connected")
	}
	if len(parts) == 0 {
		return errors.Errorf("nothing to write")
	}
	ct := l.info.Type
	cp := ct.Params()
	fp := wo.FlashParams
	if fp.Size == "" || fp.Size == esp.FlashSizeDetect {
		fp.Size = esp.FlashParamKeep
		if l.info.FlashSize > 0 {
			name := esp.FlashSizeName(l.info.FlashSize)
			if _, ok := cp.FlashSizes[name]; ok {
				fp.Size = name
			}
		}
	}
	if err := fp.Validate(ct); err != nil {
		return errors.Trace(err)
	}
	flashSize := l.info.FlashSize
	if fp.SizeBytes() > 0 {
		flashSize = fp.SizeBytes()
	}
	l.reportf("Flash size: %d, params: %s", flashSize, fp)

	var images []*Part
	for _, p := range parts {
		if len(p.Data) == 0 {
			return errors.Errorf("%s: no data", p.Name)
		}
		im := &Part{Name: p.Name, Addr: p.Addr, Data: append([]byte(nil), p.Data...)}
		if im.Addr == cp.BootloaderFlashOffset && im.Data[0] == esp.ImageMagicByte {
			if err := patchImageHeader(ct, fp, im.Data); err != nil {
				return errors.Annotatef(err, "%s", im.Name)
			}
		}
		images = append(images, im)
	}
	sort.Sort(partsByAddr(images))
	if err := sanityCheckImages(ct, images, flashSize); err != nil {
		return errors.Trace(err)
	}

	if wo.EraseAll {
		l.reportf("Erasing chip...")
		if err := l.eraseAll(flashSize, images); err != nil {
			return errors.Annotatef(err, "failed to erase chip")
		}
	}

	l.reportf("Writing...")
	start := time.Now()
	totalBytesWritten := 0
	for _, im := range images {
		if err := l.writeImageWithRetries(ctx, im, wo.Compress, progress); err != nil {
			return errors.Trace(err)
		}
		totalBytesWritten += len(im.Data)
	}
	seconds := time.Since(start).Seconds()
	bytesPerSecond := float64(totalBytesWritten) / seconds
	l.reportf("Wrote %d bytes in %.2f seconds (%.2f KBit/sec)", totalBytesWritten, seconds, bytesPerSecond*8/1024)

	l.reportf("Verifying...")
	for _, im := range images {
		if err := l.verifyImage(im); err != nil {
			return errors.Trace(err)
		}
	}
	if wo.HardReset {
		if err := l.HardReset(); err != nil {
			return errors.Annotatef(err, "failed to reset")
		}
	}
	return nil
}

func (l *Loader) eraseAll(flashSize int, images []*Part) error {
	if l.rc.IsStub() {
		return errors.Trace(l.rc.EraseFlash())
	}
	// The ROM has no chip erase, erasing the whole range via FLASH_BEGIN does the same.
	if flashSize <= 0 {
		// Size is unknown, erase up to the end of the last image.
		last := images[len(images)-1]
		end := int(last.Addr) + len(last.Data)
		flashSize = (end + flashSectorSize - 1) / flashSectorSize * flashSectorSize
		l.reportf("Flash size is unknown, erasing 0x0-0x%x", flashSize)
	}
	_, err := l.rc.FlashBegin(0, uint32(flashSize))
	return errors.Trace(err)
}

func (l *Loader) writeImageWithRetries(ctx context.Context, im *Part, compress bool, progress ProgressFunc) error {
	data := im.Data
	if len(data)%flashSectorSize != 0 {
		data = append(append([]byte(nil), data...), bytes.Repeat([]byte{0xff}, flashSectorSize-len(data)%flashSectorSize)...)
	}
	lim := rate.NewLimiter(rate.Limit(progressRate), 1)
	report := func(written int) {
		if written > len(im.Data) {
			written = len(im.Data)
		}
		if progress != nil && (written == len(im.Data) || lim.Allow()) {
			progress(im.Name, written, len(im.Data))
		}
	}
	report(0)
	addr := im.Addr
	imageBytesWritten := 0
	for i := 1; imageBytesWritten < len(im.Data); i++ {
		l.reportf("  %7d @ 0x%x", len(data), addr)
		var bytesWritten int
		var err error
		if compress {
			bytesWritten, err = l.writeCompressed(ctx, addr, data, func(n int) { report(imageBytesWritten + n) })
		} else {
			bytesWritten, err = l.writePlain(ctx, addr, data, func(n int) { report(imageBytesWritten + n) })
		}
		if err != nil {
			if errors.Cause(err) == context.Canceled || errors.Cause(err) == context.DeadlineExceeded {
				return errors.Annotatef(err, "%s: write aborted", im.Name)
			}
			if bytesWritten >= flashSectorSize {
				// We made progress, restart the retry counter.
				i = 1
			}
			err = errors.Annotatef(err, "write error (attempt %d/%d)", i, numWriteAttempts)
			if i >= numWriteAttempts {
				return errors.Annotatef(err, "%s: failed to write", im.Name)
			}
			glog.Warningf("%s", err)
			if err := l.rc.Sync(); err != nil {
				return errors.Annotatef(err, "lost connection with the bootloader")
			}
			// Round down to sector boundary
			bytesWritten = bytesWritten - (bytesWritten % flashSectorSize)
			data = data[bytesWritten:]
		}
		imageBytesWritten += bytesWritten
		addr += uint32(bytesWritten)
	}
	report(len(im.Data))
	return nil
}

// writePlain returns the number of bytes acknowledged before an error.
// data is sector padded and the ROM block size divides the sector size, so
// only the stub may see a short last block.
func (l *Loader) writePlain(ctx context.Context, addr uint32, data []byte, report func(int)) (int, error) {
	ws := l.rc.FlashWriteSize()
	numBlocks, err := l.rc.FlashBegin(addr, uint32(len(data)))
	if err != nil {
		return 0, errors.Trace(err)
	}
	written := 0
	for seq := uint32(0); seq < numBlocks; seq++ {
		if err := ctx.Err(); err != nil {
			return written, errors.Trace(err)
		}
		block := data[written:]
		if len(block) > ws {
			block = block[:ws]
		}
		glog.V(2).Infof("block %d/%d: %d @ 0x%x", seq+1, numBlocks, len(block), addr+uint32(written))
		if err := l.rc.FlashData(block, seq); err != nil {
			return written, errors.Trace(err)
		}
		written += ws
		if written > len(data) {
			written = len(data)
		}
		report(written)
	}
	return written, nil
}

func deflate(w io.Writer, data []byte) error {
	zw, err := zlib.NewWriterLevel(w, zlib.BestCompression)
	if err != nil {
		return errors.Annotatef(err, "failed to create compressor")
	}
	if _, err := zw.Write(data); err != nil {
		return errors.Annotatef(err, "failed to compress data")
	}
	if err := zw.Close(); err != nil {
		return errors.Annotatef(err, "failed to compress data")
	}
	return nil
}

// writeCompressed sends data as one deflate stream. A failed stream cannot be
// resumed, so it always reports zero bytes written on error.
func (l *Loader) writeCompressed(ctx context.Context, addr uint32, data []byte, report func(int)) (int, error) {
	var buf bytes.Buffer
	if err := deflate(&buf, data); err != nil {
		return 0, errors.Trace(err)
	}
	comp := buf.Bytes()
	glog.V(1).Infof("compressed %d -> %d", len(data), len(comp))
	ws := l.rc.FlashWriteSize()
	numBlocks, err := l.rc.FlashDeflBegin(addr, uint32(len(data)), uint32(len(comp)))
	if err != nil {
		return 0, errors.Trace(err)
	}
	sent := 0
	for seq := uint32(0); seq < numBlocks; seq++ {
		if err := ctx.Err(); err != nil {
			return 0, errors.Trace(err)
		}
		block := comp[sent:]
		if len(block) > ws {
			block = block[:ws]
		}
		// Each compressed block covers roughly this much flash.
		hint := len(block) * len(data) / len(comp)
		glog.V(2).Infof("block %d/%d: %d (~%d) @ 0x%x", seq+1, numBlocks, len(block), hint, addr)
		if err := l.rc.FlashDeflData(block, seq, hint); err != nil {
			return 0, errors.Trace(err)
		}
		sent += len(block)
		report(int(int64(sent) * int64(len(data)) / int64(len(comp))))
	}
	return len(data), nil
}

func (l *Loader) verifyImage(im *Part) error {
	l.reportf("  %7d @ 0x%x", len(im.Data), im.Addr)
	digest, err := l.rc.FlashMD5(im.Addr, uint32(len(im.Data)))
	if err != nil {
		return errors.Annotatef(err, "%s: failed to compute digest %d @ 0x%x", im.Name, len(im.Data), im.Addr)
	}
	digestHex := strings.ToLower(hex.EncodeToString(digest))
	expectedDigest := md5.Sum(im.Data)
	expectedDigestHex := strings.ToLower(hex.EncodeToString(expectedDigest[:]))
	if digestHex != expectedDigestHex {
		return errors.Errorf("%d @ 0x%x: digest mismatch: expected %s, got %s", len(im.Data), im.Addr, expectedDigestHex, digestHex)
	}
	return nil
}

func sanityCheckImages(ct esp.ChipType, images []*Part, flashSize int) error {
	// Note: we require that images are sorted by address.
	sort.Sort(partsByAddr(images))
	cp := ct.Params()
	for i, im := range images {
		imageBegin := int(im.Addr)
		imageEnd := imageBegin + len(im.Data)
		if flashSize > 0 && (imageBegin >= flashSize || imageEnd > flashSize) {
			return errors.Errorf(
				"Image %d @ 0x%x will not fit in flash (size %d)", len(im.Data), imageBegin, flashSize)
		}
		if imageBegin%flashSectorSize != 0 {
			return errors.Errorf("Image starting address (0x%x) is not on flash sector boundary (sector size %d)",
				imageBegin,
				flashSectorSize)
		}
		if cp != nil && im.Addr == cp.BootloaderFlashOffset && len(im.Data) > 0 {
			if im.Data[0] != esp.ImageMagicByte {
				return errors.Errorf("Invalid magic byte in the bootloader image")
			}
		}
		if i > 0 {
			prevImageBegin := int(images[i-1].Addr)
			prevImageEnd := prevImageBegin + len(images[i-1].Data)
			// We traverse the list in order, so a simple check will suffice.
			if prevImageEnd > imageBegin {
				return errors.Errorf("Images 0x%x and 0x%x overlap", prevImageBegin, imageBegin)
			}
		}
	}
	return nil
}

// patchImageHeader applies flash params to the image header. Images for
// ESP32 and later may carry a SHA-256 digest of the image, it is recomputed
// if it was valid before the change.
func patchImageHeader(ct esp.ChipType, fp esp.FlashParams, data []byte) error {
	digestOffset := -1
	if ct != esp.ChipESP8266 {
		if off, err := imageDigestOffset(data); err == nil {
			want := sha256.Sum256(data[:off])
			if bytes.Equal(data[off:off+sha256.Size], want[:]) {
				digestOffset = off
			} else {
				glog.Warningf("image digest does not match, leaving it alone")
			}
		} else {
			glog.V(1).Infof("no image digest: %s", err)
		}
	}
	if err := fp.Apply(ct, data); err != nil {
		return errors.Trace(err)
	}
	if digestOffset > 0 {
		sum := sha256.Sum256(data[:digestOffset])
		copy(data[digestOffset:], sum[:])
	}
	return nil
}

// imageDigestOffset walks the segment table and returns the offset of the
// appended SHA-256 digest.
func imageDigestOffset(data []byte) (int, error) {
	hdrLen := esp.ImageHeaderLen + esp.ImageExtHeaderLen
	if len(data) < hdrLen || data[0] != esp.ImageMagicByte {
		return 0, errors.Errorf("not an image")
	}
	if data[hdrLen-1] != 1 {
		return 0, errors.Errorf("hash is not appended")
	}
	numSegments := int(data[1])
	off := hdrLen
	for i := 0; i < numSegments; i++ {
		if off+8 > len(data) {
			return 0, errors.Errorf("segment %d header is truncated", i)
		}
		off += 8 + int(binary.LittleEndian.Uint32(data[off+4:off+8]))
	}
	// Checksum byte sits at the end of the 16-byte aligned padding.
	off = (off/16 + 1) * 16
	if off+sha256.Size > len(data) {
		return 0, errors.Errorf("image is truncated")
	}
	return off, nil
}
