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
package main

import (
	"context"
	goflag "flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/webflash/common/multierror"
	"github.com/mongoose-os/webflash/common/pflagenv"
	"github.com/mongoose-os/webflash/flags"
	"github.com/mongoose-os/webflash/version"
)

const (
	envPrefix = "WEBFLASH_"
)

type command struct {
	name     string
	handler  handler
	short    string
	required []string
	optional []string
}

type handler func(ctx context.Context) error

var (
	commands = []command{
		{"serve", serve, `Start the web UI (default)`, []string{}, []string{"http-addr", "web-root", "open-browser", "usb-vid"}},
		{"flash", flashCmd, `Flash firmware to the device`, []string{"firmware"}, []string{"port", "flash-offset", "erase-all", "hard-reset", "monitor"}},
		{"ports", listPorts, `List serial ports`, []string{}, []string{"usb-vid"}},
		{"chip-info", chipInfo, `Connect to the chip and print its identity`, []string{}, []string{"port", "esp-stub"}},
		{"version", printVersion, `Print version and exit`, []string{}, []string{}},
	}
)

func checkFlags(names []string) error {
	var errs error
	for _, name := range names {
		f := flag.Lookup(name)
		if f == nil || !f.Changed {
			errs = multierror.Append(errs, errors.Errorf("--%s is required", name))
		}
	}
	return errs
}

func printFlag(w io.Writer, opt string, name string) {
	f := flag.Lookup(name)
	arg := "<" + f.Value.Type() + ">"
	if f.Value.Type() == "bool" {
		arg = ""
	}
	fmt.Fprintf(w, "  --%s %s\t%s. %s, default value: %q\n", name, arg, f.Usage, opt, f.DefValue)
}

func usage() {
	w := tabwriter.NewWriter(os.Stderr, 0, 0, 1, ' ', 0)
	defer w.Flush()

	if flag.NArg() == 2 && flag.Arg(0) == "help" {
		for _, c := range commands {
			if c.name == flag.Arg(1) {
				fmt.Fprintf(w, "%s %s FLAGS\n", os.Args[0], c.name)
				fmt.Fprintf(w, "\nFlags:\n")
				for _, name := range c.required {
					printFlag(w, "Required", name)
				}
				for _, name := range c.optional {
					printFlag(w, "Optional", name)
				}
				return
			}
		}
	}

	fmt.Fprintf(w, "ESP32 web flasher %s.\n\n", version.GetVersion())
	fmt.Fprintf(w, "Usage:\n")
	fmt.Fprintf(w, "  %s [<command>] [flags]\n", os.Args[0])
	fmt.Fprintf(w, "\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(w, "  %s\t\t%s\n", c.name, c.short)
	}
	fmt.Fprintf(w, "\nFlags:\n")
	fmt.Fprint(w, flag.CommandLine.FlagUsages())
}

func run(ctx context.Context) error {
	name := flag.Arg(0)
	if name == "" {
		name = "serve"
	}
	for _, c := range commands {
		if c.name != name {
			continue
		}
		if err := checkFlags(c.required); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(c.handler(ctx))
	}
	usage()
	if name != "help" {
		return errors.Errorf("unknown command %q", name)
	}
	return nil
}

func main() {
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	flag.Usage = usage
	flag.Parse()
	// glog reads its flags from the standard set.
	goflag.CommandLine.Parse([]string{})

	if _, err := pflagenv.Parse(envPrefix); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	if _, err := flags.LoadConfigFile(flag.CommandLine, *flags.Config); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}

	if *flags.Help {
		usage()
		return
	}
	if *flags.Version {
		printVersion(context.Background())
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	err := run(ctx)
	glog.Flush()
	if err != nil {
		glog.Infof("Error: %+v", err)
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
