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
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"github.com/skratchdot/open-golang/open"

	"github.com/mongoose-os/webflash/devutil"
	"github.com/mongoose-os/webflash/firmware"
	"github.com/mongoose-os/webflash/flags"
	"github.com/mongoose-os/webflash/logpanel"
	"github.com/mongoose-os/webflash/session"
	"github.com/mongoose-os/webflash/version"
	"github.com/mongoose-os/webflash/webui"
)

func newSession() (*session.Session, error) {
	cfg, err := flags.SessionConfig()
	if err != nil {
		return nil, errors.Trace(err)
	}
	deps := session.Deps{
		Serial:     &devutil.System{Driver: *flags.SerialDriver, LockDir: *flags.LockDir},
		NewLoader:  session.FlasherLoader,
		HTTPClient: &http.Client{},
		Log:        logpanel.New(*flags.LogHistory),
	}
	return session.New(cfg, deps), nil
}

// newCLISession prints the session log to stderr.
func newCLISession() (*session.Session, func(), error) {
	s, err := newSession()
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	stop := s.Log().Follow(os.Stderr)
	if err := s.Init(); err != nil {
		stop()
		return nil, nil, errors.Trace(err)
	}
	return s, func() {
		s.Close()
		// Let the last entries reach the console.
		time.Sleep(50 * time.Millisecond)
		stop()
	}, nil
}

func serve(ctx context.Context) error {
	s, err := newSession()
	if err != nil {
		return errors.Trace(err)
	}
	defer s.Close()
	if err := s.Init(); err != nil {
		// The page shows the error and keeps connect disabled.
		glog.Errorf("%s", err)
	}
	handler, err := webui.CreateHandler(s, webui.Options{WebRoot: *flags.WebRoot, Context: ctx, AllowOrigins: *flags.AllowOrigins})
	if err != nil {
		return errors.Trace(err)
	}
	ln, err := net.Listen("tcp", *flags.HTTPAddr)
	if err != nil {
		return errors.Annotatef(err, "failed to listen on %s", *flags.HTTPAddr)
	}
	hs := &http.Server{Handler: handler}
	url := fmt.Sprintf("http://%s", ln.Addr())
	fmt.Printf("Web UI started. Point your browser at %s\n", url)
	if *flags.OpenBrowser {
		if err := open.Start(url); err != nil {
			glog.Warningf("failed to open browser: %s", err)
		}
	}
	errCh := make(chan error, 1)
	go func() { errCh <- hs.Serve(ln) }()
	select {
	case err := <-errCh:
		return errors.Trace(err)
	case <-ctx.Done():
	}
	glog.Infof("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Trace(hs.Shutdown(sctx))
}

func firmwareSource(fw string) (*firmware.Source, error) {
	if strings.HasPrefix(fw, "http://") || strings.HasPrefix(fw, "https://") {
		return &firmware.Source{URL: fw}, nil
	}
	data, err := ioutil.ReadFile(fw)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read firmware")
	}
	return &firmware.Source{FileName: filepath.Base(fw), FileData: data}, nil
}

func flashCmd(ctx context.Context) error {
	src, err := firmwareSource(*flags.Firmware)
	if err != nil {
		return errors.Trace(err)
	}
	s, done, err := newCLISession()
	if err != nil {
		return errors.Trace(err)
	}
	defer done()
	if err := s.Connect(ctx, *flags.Port); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.Flash(ctx, src))
}

func listPorts(ctx context.Context) error {
	ports, err := devutil.EnumeratePorts()
	if err != nil {
		return errors.Trace(err)
	}
	vids, err := devutil.ParseVIDs(*flags.USBVIDs)
	if err != nil {
		return errors.Trace(err)
	}
	known := map[string]bool{}
	for _, p := range devutil.FilterByVID(ports, vids) {
		known[p.Name] = true
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()
	for _, p := range ports {
		mark := " "
		if known[p.Name] {
			mark = "*"
		}
		ids := ""
		if p.IsUSB {
			ids = fmt.Sprintf("%04x:%04x", p.VID, p.PID)
		}
		fmt.Fprintf(w, "%s %s\t%s\t%s\t%s\n", mark, p.Name, ids, p.Product, p.SerialNumber)
	}
	return nil
}

func chipInfo(ctx context.Context) error {
	s, done, err := newCLISession()
	if err != nil {
		return errors.Trace(err)
	}
	defer done()
	ci, err := s.ChipInfo(ctx, *flags.Port)
	if err != nil {
		return errors.Trace(err)
	}
	data, _ := json.MarshalIndent(ci, "", "  ")
	fmt.Println(string(data))
	return nil
}

func printVersion(ctx context.Context) error {
	fmt.Println(version.GetVersionJson())
	return nil
}
