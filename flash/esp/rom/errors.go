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
package rom

import (
	"fmt"

	"github.com/juju/errors"
)

var errorCodeNames = map[byte]string{
	0x05: "received message is invalid",
	0x06: "failed to act on received message",
	0x07: "invalid CRC in message",
	0x08: "flash write error",
	0x09: "flash read error",
	0x0a: "flash read length error",
	0x0b: "deflate error",
	0xc0: "bad data length",
	0xc1: "bad data checksum",
	0xc2: "bad blocksize",
	0xc3: "invalid command",
	0xc4: "failed SPI operation",
	0xc5: "failed SPI unlock",
	0xc6: "not in flash mode",
	0xc7: "inflate error",
	0xc8: "not enough data",
	0xc9: "too much data",
	0xff: "command not implemented",
}

// CommandError is returned when the loader reports a failure in the status bytes.
type CommandError struct {
	Op     Op
	Status byte
	Code   byte
}

func (e *CommandError) Error() string {
	name, ok := errorCodeNames[e.Code]
	if !ok {
		name = "unknown error"
	}
	return fmt.Sprintf("%s failed: %s (status 0x%02x, code 0x%02x)", e.Op, name, e.Status, e.Code)
}

// Unsupported is true if the loader does not know the command.
func (e *CommandError) Unsupported() bool {
	return e.Code == ROMInvalidRecvMsg || e.Code == 0xff
}

func IsUnsupported(err error) bool {
	if ce, ok := errors.Cause(err).(*CommandError); ok {
		return ce.Unsupported()
	}
	return errors.IsNotSupported(errors.Cause(err))
}

// TimeoutError is returned when no matching response arrives in time.
type TimeoutError struct {
	Op Op
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %s response", e.Op)
}

func IsTimeout(err error) bool {
	_, ok := errors.Cause(err).(*TimeoutError)
	return ok
}
