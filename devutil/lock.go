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
package devutil

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	flock "github.com/theckman/go-flock"
)

var ErrPortLocked = errors.New("port is in use by another process")

// PortLock keeps other webflash instances off a port while it is open.
type PortLock struct {
	fl *flock.Flock
}

func lockFileName(dir, port string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '.':
			return '_'
		}
		return r
	}, strings.TrimPrefix(port, "/dev/"))
	return filepath.Join(dir, "webflash-"+name+".lock")
}

// LockPort takes an exclusive lock for the port. dir is where lock files
// live, os.TempDir() if empty.
func LockPort(dir, port string) (*PortLock, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	fl := flock.NewFlock(lockFileName(dir, port))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, errors.Annotatef(err, "failed to lock %s", port)
	}
	if !locked {
		return nil, errors.Annotatef(ErrPortLocked, "%s", port)
	}
	return &PortLock{fl: fl}, nil
}

func (pl *PortLock) Unlock() error {
	return errors.Trace(pl.fl.Unlock())
}
