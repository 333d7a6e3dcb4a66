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
	"encoding/base64"
	"encoding/json"
	"io/ioutil"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

// Stub is a flasher stub in the JSON format esptool ships its stubs in.
type Stub struct {
	Entry     uint32 `json:"entry"`
	Text      []byte `json:"-"`
	TextStart uint32 `json:"text_start"`
	Data      []byte `json:"-"`
	DataStart uint32 `json:"data_start"`
}

type stubJSON struct {
	Stub
	TextB64 string `json:"text"`
	DataB64 string `json:"data"`
}

func ParseStub(data []byte) (*Stub, error) {
	var sj stubJSON
	if err := json.Unmarshal(data, &sj); err != nil {
		return nil, errors.Annotatef(err, "invalid stub JSON")
	}
	var err error
	if sj.Stub.Text, err = base64.StdEncoding.DecodeString(sj.TextB64); err != nil {
		return nil, errors.Annotatef(err, "invalid stub text")
	}
	if sj.Stub.Data, err = base64.StdEncoding.DecodeString(sj.DataB64); err != nil {
		return nil, errors.Annotatef(err, "invalid stub data")
	}
	if len(sj.Stub.Text) == 0 || sj.Stub.Entry == 0 {
		return nil, errors.Errorf("stub has no code")
	}
	return &sj.Stub, nil
}

func LoadStub(fname string) (*Stub, error) {
	data, err := ioutil.ReadFile(fname)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read stub")
	}
	stub, err := ParseStub(data)
	return stub, errors.Annotatef(err, "%s", fname)
}

var stubGreeting = []byte("OHAI")

// RunStub uploads the stub into RAM and starts it. Once the stub says hello,
// the client switches to stub status length and block sizes.
func (c *Client) RunStub(stub *Stub) error {
	if c.stub {
		return nil
	}
	for _, seg := range []struct {
		name string
		addr uint32
		data []byte
	}{
		{"text", stub.TextStart, stub.Text},
		{"data", stub.DataStart, stub.Data},
	} {
		if len(seg.data) == 0 {
			continue
		}
		glog.V(1).Infof("uploading stub %s: %d @ 0x%08x", seg.name, len(seg.data), seg.addr)
		numBlocks := (len(seg.data) + RAMBlockSize - 1) / RAMBlockSize
		if err := c.MemBegin(uint32(len(seg.data)), uint32(numBlocks), RAMBlockSize, seg.addr); err != nil {
			return errors.Annotatef(err, "failed to upload stub %s", seg.name)
		}
		for seq := 0; seq < numBlocks; seq++ {
			from := seq * RAMBlockSize
			to := from + RAMBlockSize
			if to > len(seg.data) {
				to = len(seg.data)
			}
			if err := c.MemData(seg.data[from:to], uint32(seq)); err != nil {
				return errors.Annotatef(err, "failed to upload stub %s", seg.name)
			}
		}
	}
	if err := c.MemEnd(stub.Entry); err != nil {
		return errors.Annotatef(err, "failed to start stub")
	}
	for i := 0; i < 10; i++ {
		f, err := c.readFrame(DefaultTimeout)
		if err != nil {
			return errors.Annotatef(err, "stub did not start")
		}
		if string(f) == string(stubGreeting) {
			c.stub = true
			c.statusLen = 2
			glog.Infof("stub is running")
			return nil
		}
		glog.V(2).Infof("waiting for stub, got %q", f)
	}
	return errors.Errorf("stub did not start")
}
