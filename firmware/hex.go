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
package firmware

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"github.com/juju/errors"
)

// Intel HEX record types.
const (
	hexData            = 0
	hexEOF             = 1
	hexExtSegmentAddr  = 2
	hexStartSegment    = 3
	hexExtLinearAddr   = 4
	hexStartLinearAddr = 5
)

type hexSegment struct {
	Addr uint32
	Data []byte
}

// hexImage accumulates contiguous runs of data records. Gaps shorter than
// maxGap are padded with fill, longer ones start a new segment.
type hexImage struct {
	Segments []*hexSegment
	Start    uint32

	fill   byte
	maxGap int
	cur    *hexSegment
}

func (hi *hexImage) add(addr uint32, data []byte) {
	if hi.cur != nil {
		end := hi.cur.Addr + uint32(len(hi.cur.Data))
		if gap := int(addr) - int(end); addr >= end && gap < hi.maxGap {
			hi.cur.Data = append(hi.cur.Data, bytes.Repeat([]byte{hi.fill}, gap)...)
		} else if addr != end {
			hi.flush()
		}
	}
	if hi.cur == nil {
		hi.cur = &hexSegment{Addr: addr}
	}
	hi.cur.Data = append(hi.cur.Data, data...)
}

func (hi *hexImage) flush() {
	if hi.cur != nil && len(hi.cur.Data) > 0 {
		hi.Segments = append(hi.Segments, hi.cur)
	}
	hi.cur = nil
}

func decodeHexRecord(line string) (byte, uint16, []byte, error) {
	if line[0] != ':' {
		return 0, 0, nil, errors.Errorf("invalid start of the line")
	}
	if len(line) < 11 || len(line)%2 != 1 {
		return 0, 0, nil, errors.Errorf("too short (%d)", len(line))
	}
	rec, err := hex.DecodeString(line[1:])
	if err != nil {
		return 0, 0, nil, errors.Errorf("error decoding record body")
	}
	if len(rec) != 4+int(rec[0])+1 {
		return 0, 0, nil, errors.Errorf("invalid length %d", len(rec))
	}
	sum := byte(0)
	for _, b := range rec[:len(rec)-1] {
		sum += b
	}
	if want := -sum; want != rec[len(rec)-1] {
		return 0, 0, nil, errors.Errorf("invalid checksum (want %02x, got %02x)", rec[len(rec)-1], want)
	}
	return rec[3], binary.BigEndian.Uint16(rec[1:3]), rec[4 : len(rec)-1], nil
}

func parseHex(data []byte, fill byte, maxGap int) (*hexImage, error) {
	hi := &hexImage{fill: fill, maxGap: maxGap}
	var base uint32
	eof := false
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for !eof && scanner.Scan() {
		lineNo++
		l := bytes.TrimSpace(scanner.Bytes())
		if len(l) == 0 {
			continue
		}
		recType, offset, payload, err := decodeHexRecord(string(l))
		if err != nil {
			return nil, errors.Annotatef(err, "line %d", lineNo)
		}
		checkLen := func(n int) error {
			if len(payload) != n {
				return errors.Errorf("line %d: invalid record %d length %d", lineNo, recType, len(payload))
			}
			return nil
		}
		switch recType {
		case hexData:
			hi.add(base+uint32(offset), payload)
		case hexEOF:
			hi.flush()
			eof = true
		case hexExtSegmentAddr:
			if err := checkLen(2); err != nil {
				return nil, err
			}
			base = uint32(binary.BigEndian.Uint16(payload)) << 4
		case hexStartSegment:
			if err := checkLen(4); err != nil {
				return nil, err
			}
			hi.Start = uint32(binary.BigEndian.Uint16(payload[0:2]))<<4 | uint32(binary.BigEndian.Uint16(payload[2:4]))
		case hexExtLinearAddr:
			if err := checkLen(2); err != nil {
				return nil, err
			}
			base = uint32(binary.BigEndian.Uint16(payload)) << 16
		case hexStartLinearAddr:
			if err := checkLen(4); err != nil {
				return nil, err
			}
			hi.Start = binary.BigEndian.Uint32(payload)
		default:
			return nil, errors.Errorf("line %d: unsupported record type (%d)", lineNo, recType)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Annotatef(err, "line %d", lineNo)
	}
	if !eof {
		return nil, errors.Errorf("unexpected end of data")
	}
	return hi, nil
}
