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
	"fmt"
	"regexp"
	"runtime"
	"time"
)

type VersionJson struct {
	BuildId        string     `json:"build_id"`
	BuildTimestamp *time.Time `json:"build_timestamp,omitempty"`
	BuildVersion   string     `json:"build_version"`
	GoVersion      string     `json:"go_version"`
	Platform       string     `json:"platform"`
}

const (
	LatestVersionName = "latest"
)

var (
	regexpVersionNumber = regexp.MustCompile(`^\d+\.[0-9.]*$`)
	regexpBuildIdDistr  = regexp.MustCompile(`^(?P<version>[^+]+)\+(?P<hash>[^~]+)\~(?P<distr>[^\d]+)\d+$`)
)

// GetVersion returns this binary's version, or "latest" if it's not a release build.
func GetVersion() string {
	if LooksLikeVersionNumber(Version) {
		return Version
	}
	return LatestVersionName
}

func LooksLikeVersionNumber(s string) bool {
	return regexpVersionNumber.MatchString(s)
}

// GetBuildIDParts splits a distro build id like "1.2+abcdef~bionic0" into
// version, hash and distr. Returns nil if s does not look like one.
func GetBuildIDParts(s string) map[string]string {
	m := regexpBuildIdDistr.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	res := map[string]string{}
	for i, name := range regexpBuildIdDistr.SubexpNames() {
		if name != "" {
			res[name] = m[i]
		}
	}
	return res
}

func GetVersionJson() *VersionJson {
	vj := &VersionJson{
		BuildId:      BuildId,
		BuildVersion: GetVersion(),
		GoVersion:    runtime.Version(),
		Platform:     runtime.GOOS + "/" + runtime.GOARCH,
	}
	if ts, err := time.Parse(time.RFC3339, BuildTimestamp); err == nil {
		vj.BuildTimestamp = &ts
	}
	return vj
}

func (vj *VersionJson) String() string {
	s := fmt.Sprintf("webflash %s", vj.BuildVersion)
	if vj.BuildId != "" {
		s += fmt.Sprintf(" (%s)", vj.BuildId)
	}
	if vj.BuildTimestamp != nil {
		s += fmt.Sprintf(", built %s", vj.BuildTimestamp.Format("2006-01-02 15:04:05 MST"))
	}
	return s + fmt.Sprintf(", %s %s", vj.GoVersion, vj.Platform)
}

func GetUserAgent() string {
	return fmt.Sprintf("webflash/%s %s (%s; %s)", Version, BuildId, runtime.GOOS, runtime.GOARCH)
}
