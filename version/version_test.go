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
package version

import (
	"strings"
	"testing"
)

func TestLooksLikeVersionNumber(t *testing.T) {
	for s, want := range map[string]bool{
		"1.2":    true,
		"2.20.1": true,
		"latest": false,
		"1.2-rc": false,
		"":       false,
	} {
		if got := LooksLikeVersionNumber(s); got != want {
			t.Errorf("%q: got %t, want %t", s, got, want)
		}
	}
}

func TestGetBuildIDParts(t *testing.T) {
	p := GetBuildIDParts("1.2+abc123~bionic0")
	if p == nil {
		t.Fatalf("no match")
	}
	if p["version"] != "1.2" || p["hash"] != "abc123" || p["distr"] != "bionic" {
		t.Errorf("got %v", p)
	}
	if p := GetBuildIDParts("20190101-120000/master@abc"); p != nil {
		t.Errorf("got %v, want nil", p)
	}
}

func TestVersionJson(t *testing.T) {
	oldV, oldTS := Version, BuildTimestamp
	defer func() { Version, BuildTimestamp = oldV, oldTS }()
	Version, BuildTimestamp = "1.3", "2024-05-01T10:00:00Z"
	vj := GetVersionJson()
	if vj.BuildVersion != "1.3" || vj.BuildTimestamp == nil {
		t.Errorf("got %+v", vj)
	}
	if s := vj.String(); !strings.HasPrefix(s, "webflash 1.3, built 2024-05-01") {
		t.Errorf("got %q", s)
	}
	Version, BuildTimestamp = "dev", ""
	if vj := GetVersionJson(); vj.BuildVersion != LatestVersionName || vj.BuildTimestamp != nil {
		t.Errorf("got %+v", vj)
	}
}
