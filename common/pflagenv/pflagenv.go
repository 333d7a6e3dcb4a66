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
package pflagenv

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/juju/errors"
	"github.com/spf13/pflag"
)

// ParseFlagSet iterates through all non-set flags in the given FlagSet,
// checks if there is an environment variable with the uppercased flag name
// prepended with the given envPrefix, and if so, sets flag value to the
// environment variable value. Flags set this way are marked as changed, so
// later configuration layers (like a preset file) leave them alone.
//
// It should be called after Parse is called for the given FlagSet.
// Returns the names of the flags that were taken from the environment.
func ParseFlagSet(fs *pflag.FlagSet, envPrefix string) ([]string, error) {
	var applied []string
	var errs []string
	for _, f := range Unchanged(fs) {
		envName := EnvName(f.Name, envPrefix)
		v, ok := os.LookupEnv(envName)
		if !ok || v == "" {
			continue
		}
		if err := fs.Set(f.Name, v); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %s", envName, err))
			continue
		}
		applied = append(applied, f.Name)
	}
	if len(errs) > 0 {
		return applied, errors.Errorf("invalid environment values: %s", strings.Join(errs, "; "))
	}
	return applied, nil
}

// The same as ParseFlagSet, but operates on a default FlagSet: pflag.CommandLine
func Parse(envPrefix string) ([]string, error) {
	return ParseFlagSet(pflag.CommandLine, envPrefix)
}

// Unchanged returns flags that were not set explicitly, sorted by name.
func Unchanged(fs *pflag.FlagSet) []*pflag.Flag {
	var res []*pflag.Flag
	fs.VisitAll(func(f *pflag.Flag) {
		if !f.Changed {
			res = append(res, f)
		}
	})
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res
}

func EnvName(flagName, envPrefix string) string {
	flagName = strings.ToUpper(flagName)
	flagName = strings.Replace(flagName, "-", "_", -1)
	return fmt.Sprint(envPrefix, flagName)
}
