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
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"path"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

// Gaps in HEX files shorter than this are filled with 0xff rather than
// producing a separate part.
const hexMaxGap = 0x10000

// Part is a piece of firmware to be written at Addr.
type Part struct {
	Name string
	Addr uint32
	Data []byte
}

type Image struct {
	// Where the image came from, URL or file name.
	Source string
	// From the bundle manifest, if any.
	Name     string
	Platform string
	Version  string
	Parts    []*Part
}

func (img *Image) Size() int {
	n := 0
	for _, p := range img.Parts {
		n += len(p.Data)
	}
	return n
}

func (img *Image) String() string {
	s := img.Source
	if img.Name != "" {
		s = fmt.Sprintf("%s %s (%s)", img.Name, img.Version, img.Source)
	}
	return fmt.Sprintf("%s, %d bytes in %d part(s)", s, img.Size(), len(img.Parts))
}

// Load reads the firmware from src. A zip bundle yields the parts listed in
// its manifest, an Intel HEX file yields its data segments, anything else
// is a single binary written at defaultAddr.
func Load(ctx context.Context, client *http.Client, src *Source, defaultAddr uint32) (*Image, error) {
	if err := src.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	data, name := src.FileData, src.FileName
	if !src.hasFile() {
		var err error
		if data, err = Fetch(ctx, client, src.URL); err != nil {
			return nil, errors.Trace(err)
		}
		name = src.URL
		if i := strings.IndexAny(name, "?#"); i >= 0 {
			name = name[:i]
		}
	}
	if len(data) > MaxSize {
		return nil, errors.Errorf("firmware is too big (%d bytes)", len(data))
	}
	img, err := parseImage(path.Base(name), data, defaultAddr)
	if err != nil {
		return nil, errors.Annotatef(err, "%s", src)
	}
	img.Source = src.String()
	glog.Infof("Loaded %s", img)
	return img, nil
}

func parseImage(name string, data []byte, defaultAddr uint32) (*Image, error) {
	switch {
	case bytes.HasPrefix(data, []byte("PK\x03\x04")):
		return readZipBundle(data)
	case strings.HasSuffix(strings.ToLower(name), ".hex") || data[0] == ':':
		return readHex(name, data)
	}
	partName := strings.TrimSuffix(name, path.Ext(name))
	if partName == "" || partName == "." || partName == "/" {
		partName = "firmware"
	}
	return &Image{Parts: []*Part{{Name: partName, Addr: defaultAddr, Data: data}}}, nil
}

func readHex(name string, data []byte) (*Image, error) {
	hi, err := parseHex(data, 0xff, hexMaxGap)
	if err != nil {
		return nil, errors.Annotatef(err, "invalid HEX file")
	}
	if len(hi.Segments) == 0 {
		return nil, errors.Trace(ErrEmpty)
	}
	baseName := strings.TrimSuffix(name, path.Ext(name))
	img := &Image{}
	for i, seg := range hi.Segments {
		pn := baseName
		if i > 0 {
			pn = fmt.Sprintf("%s_%d", baseName, i)
		}
		img.Parts = append(img.Parts, &Part{Name: pn, Addr: seg.Addr, Data: seg.Data})
	}
	return img, nil
}

func readZipBundle(zipData []byte) (*Image, error) {
	r, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return nil, errors.Annotatef(err, "invalid firmware bundle")
	}
	blobs := make(map[string][]byte)
	total := 0
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, errors.Annotatef(err, "%s: failed to open", f.Name)
		}
		data, err := ioutil.ReadAll(io.LimitReader(rc, MaxSize+1))
		rc.Close()
		if err != nil {
			return nil, errors.Annotatef(err, "%s: failed to read", f.Name)
		}
		if total += len(data); total > MaxSize {
			return nil, errors.Errorf("firmware bundle is too big")
		}
		blobs[path.Base(f.Name)] = data
	}
	manifestData := blobs[ManifestFileName]
	if manifestData == nil {
		return nil, errors.Errorf("no %s in the archive", ManifestFileName)
	}
	m, err := ParseManifest(manifestData)
	if err != nil {
		return nil, errors.Trace(err)
	}
	img := &Image{Name: m.Name, Platform: m.Platform, Version: m.Version}
	for _, mp := range m.FlashParts() {
		data, err := mp.Data(blobs)
		if err != nil {
			return nil, errors.Trace(err)
		}
		glog.V(1).Infof("%s: %d @ 0x%x", mp.Name, len(data), mp.Addr)
		img.Parts = append(img.Parts, &Part{Name: mp.Name, Addr: mp.Addr, Data: data})
	}
	if len(img.Parts) == 0 {
		return nil, errors.Errorf("bundle has nothing to flash")
	}
	return img, nil
}
