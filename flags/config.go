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
package flags

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"github.com/kardianos/osext"
	flag "github.com/spf13/pflag"
	yaml "gopkg.in/yaml.v2"

	"github.com/mongoose-os/webflash/common/multierror"
)

const DefaultConfigFileName = "webflash.yaml"

// DefaultConfigFile returns webflash.yaml in the directory of the executable.
func DefaultConfigFile() string {
	dir, err := osext.ExecutableFolder()
	if err != nil {
		glog.Warningf("failed to locate the executable: %s", err)
		return ""
	}
	return filepath.Join(dir, DefaultConfigFileName)
}

// LoadConfigFile applies the flag values from a YAML map to the flags not set
// on the command line or from the environment. A missing file is only an
// error if it was requested explicitly.
func LoadConfigFile(fs *flag.FlagSet, fname string) ([]string, error) {
	explicit := fname != ""
	if !explicit {
		if fname = DefaultConfigFile(); fname == "" {
			return nil, nil
		}
	}
	data, err := ioutil.ReadFile(fname)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil, nil
		}
		return nil, errors.Trace(err)
	}
	applied, err := ApplyConfig(fs, data)
	if err != nil {
		return nil, errors.Annotatef(err, "%s", fname)
	}
	glog.V(1).Infof("%s: applied %s", fname, strings.Join(applied, ", "))
	return applied, nil
}

// ApplyConfig sets unchanged flags from YAML data. Lists become comma-separated values.
func ApplyConfig(fs *flag.FlagSet, data []byte) ([]string, error) {
	var values map[string]interface{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, errors.Annotatef(err, "invalid config")
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	var applied []string
	var errs error
	for _, name := range names {
		f := fs.Lookup(name)
		switch {
		case f == nil:
			errs = multierror.Append(errs, errors.Errorf("unknown flag %q", name))
			continue
		case f.Changed:
			continue
		}
		v, err := configValue(values[name])
		if err == nil {
			err = fs.Set(name, v)
		}
		if err != nil {
			errs = multierror.Append(errs, errors.Annotatef(err, "%s", name))
			continue
		}
		applied = append(applied, name)
	}
	return applied, errs
}

func configValue(v interface{}) (string, error) {
	switch vv := v.(type) {
	case nil:
		return "", nil
	case []interface{}:
		var ss []string
		for _, e := range vv {
			s, err := configValue(e)
			if err != nil {
				return "", err
			}
			ss = append(ss, s)
		}
		return strings.Join(ss, ","), nil
	case map[interface{}]interface{}:
		return "", errors.Errorf("maps are not supported")
	}
	return fmt.Sprint(v), nil
}
