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
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/juju/errors"
)

const ManifestFileName = "manifest.json"

// Manifest describes a firmware bundle. Unknown keys are ignored.
type Manifest struct {
	Name        string                   `json:"name,omitempty"`
	Platform    string                   `json:"platform,omitempty"`
	Description string                   `json:"description,omitempty"`
	Version     string                   `json:"version,omitempty"`
	BuildID     string                   `json:"build_id,omitempty"`
	Parts       map[string]*ManifestPart `json:"parts"`
}

type ManifestPart struct {
	Name           string `json:"-"`
	Type           string `json:"type,omitempty"`
	Addr           uint32 `json:"addr,omitempty"`
	Size           uint32 `json:"size,omitempty"`
	Src            string `json:"src,omitempty"`
	Fill           *byte  `json:"fill,omitempty"`
	ChecksumSHA1   string `json:"cs_sha1,omitempty"`
	ChecksumSHA256 string `json:"cs_sha256,omitempty"`
	// Parts with flash=false are carried in the bundle but not written.
	Flash *bool `json:"flash,omitempty"`
}

func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Annotatef(err, "failed to parse manifest")
	}
	if len(m.Parts) == 0 {
		return nil, errors.Errorf("manifest has no parts")
	}
	for n, p := range m.Parts {
		p.Name = n
	}
	return &m, nil
}

type manifestPartsByAddr []*ManifestPart

func (pp manifestPartsByAddr) Len() int      { return len(pp) }
func (pp manifestPartsByAddr) Swap(i, j int) { pp[i], pp[j] = pp[j], pp[i] }
func (pp manifestPartsByAddr) Less(i, j int) bool {
	if pp[i].Addr == pp[j].Addr {
		return pp[i].Name < pp[j].Name
	}
	return pp[i].Addr < pp[j].Addr
}

// FlashParts returns the parts to be written, ordered by address.
func (m *Manifest) FlashParts() []*ManifestPart {
	var pp []*ManifestPart
	for _, p := range m.Parts {
		if p.Flash == nil || *p.Flash {
			pp = append(pp, p)
		}
	}
	sort.Sort(manifestPartsByAddr(pp))
	return pp
}

// Data produces the part contents: fill parts are generated, others are
// looked up by src and checked against the manifest checksums.
func (p *ManifestPart) Data(blobs map[string][]byte) ([]byte, error) {
	if p.Src == "" {
		if p.Fill == nil {
			return nil, errors.Errorf("%s: no source or filler specified", p.Name)
		}
		if p.Size == 0 {
			return nil, errors.Errorf("%s: size not specified", p.Name)
		}
		return bytes.Repeat([]byte{*p.Fill}, int(p.Size)), nil
	}
	data, ok := blobs[p.Src]
	if !ok {
		return nil, errors.Errorf("%s: %s not found in the bundle", p.Name, p.Src)
	}
	if p.ChecksumSHA1 != "" {
		sum := sha1.Sum(data)
		if got := hex.EncodeToString(sum[:]); got != strings.ToLower(p.ChecksumSHA1) {
			return nil, errors.Errorf("%s: SHA1 mismatch: expected %s, got %s", p.Name, p.ChecksumSHA1, got)
		}
	}
	if p.ChecksumSHA256 != "" {
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != strings.ToLower(p.ChecksumSHA256) {
			return nil, errors.Errorf("%s: SHA256 mismatch: expected %s, got %s", p.Name, p.ChecksumSHA256, got)
		}
	}
	if p.Size != 0 && int(p.Size) != len(data) {
		return nil, errors.Errorf("%s: size mismatch: expected %d, got %d", p.Name, p.Size, len(data))
	}
	return data, nil
}
