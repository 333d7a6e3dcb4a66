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

// Package firmware obtains firmware images for flashing: from a URL, from an
// uploaded file, as a plain binary, an Intel HEX file or a zip bundle with a
// manifest.
package firmware

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/webflash/version"
)

// MaxSize limits how much is read from a URL or an upload.
const MaxSize = 64 * 1024 * 1024

var (
	ErrNoSource = errors.New("no firmware URL or file provided")
	ErrEmpty    = errors.New("firmware is empty")
)

// HTTPError is returned by Fetch when the server responds with a non-2xx status.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("failed to download firmware from %s: HTTP %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Source is where the firmware comes from. A local file takes precedence over the URL.
type Source struct {
	URL      string
	FileName string
	FileData []byte
}

func (s *Source) hasFile() bool {
	return s.FileName != "" || s.FileData != nil
}

// Validate trims the URL and checks that there is something to load.
func (s *Source) Validate() error {
	s.URL = strings.TrimSpace(s.URL)
	if s.hasFile() {
		if len(s.FileData) == 0 {
			return errors.Annotatef(ErrEmpty, "%s", s.FileName)
		}
		return nil
	}
	if s.URL == "" {
		return ErrNoSource
	}
	if !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
		return errors.Errorf("unsupported firmware URL %q", s.URL)
	}
	return nil
}

func (s *Source) String() string {
	if s.hasFile() {
		return s.FileName
	}
	return s.URL
}

// Fetch downloads url and returns the body.
func Fetch(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Annotatef(err, "invalid URL %q", url)
	}
	req.Header.Set("User-Agent", version.GetUserAgent())
	glog.V(1).Infof("GET %s", url)
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, errors.Annotatef(err, "failed to download firmware")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{URL: url, StatusCode: resp.StatusCode}
	}
	data, err := ioutil.ReadAll(io.LimitReader(resp.Body, MaxSize+1))
	if err != nil {
		return nil, errors.Annotatef(err, "failed to download firmware")
	}
	if len(data) > MaxSize {
		return nil, errors.Errorf("firmware is too big (more than %d bytes)", MaxSize)
	}
	if len(data) == 0 {
		return nil, errors.Annotatef(ErrEmpty, "%s", url)
	}
	glog.V(1).Infof("%s: %d bytes", url, len(data))
	return data, nil
}
