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
package webui

import (
	"embed"
	"io/fs"
	"net/http"
	"os"

	assetfs "github.com/elazarl/go-bindata-assetfs"
	"github.com/juju/errors"
)

//go:embed web_root
var webRootFS embed.FS

const assetPrefix = "web_root"

func assetDir(name string) ([]string, error) {
	entries, err := webRootFS.ReadDir(name)
	if err != nil {
		// assetfs turns "not found" into a 404.
		return nil, errors.NotFoundf("%s", name)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func assetInfo(name string) (os.FileInfo, error) {
	return fs.Stat(webRootFS, name)
}

// staticHandler serves the page from dir, or the built-in copy if dir is empty.
func staticHandler(dir string) http.Handler {
	if dir != "" {
		return http.FileServer(http.Dir(dir))
	}
	return http.FileServer(&assetfs.AssetFS{
		Asset:     webRootFS.ReadFile,
		AssetDir:  assetDir,
		AssetInfo: assetInfo,
		Prefix:    assetPrefix,
	})
}
