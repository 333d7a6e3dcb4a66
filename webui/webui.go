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

// Package webui serves the flashing page and its JSON API.
package webui

import (
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	goji "goji.io"
	"goji.io/pat"
	"golang.org/x/net/websocket"

	"github.com/mongoose-os/webflash/devutil"
	"github.com/mongoose-os/webflash/firmware"
	"github.com/mongoose-os/webflash/session"
	"github.com/mongoose-os/webflash/version"
)

const connectTimeout = 30 * time.Second

type Options struct {
	// Serve the page from this directory instead of the built-in one.
	WebRoot string
	// Parent of the background flash operations, cancelled on shutdown.
	Context context.Context
	// Origins besides the server's own that may use the API and /ws.
	AllowOrigins []string
}

type server struct {
	s    *session.Session
	opts Options
}

type wsmessage struct {
	Cmd  string      `json:"cmd"`
	Data interface{} `json:"data"`
}

type errmessage struct {
	Error string `json:"error"`
}

type portsReply struct {
	Ports    []*portEntry `json:"ports"`
	Selected string       `json:"selected,omitempty"`
}

type portEntry struct {
	Name    string `json:"name"`
	Label   string `json:"label"`
	Known   bool   `json:"known"`
	Product string `json:"product,omitempty"`
}

// CreateHandler returns the handler for the page, the API and the websocket.
func CreateHandler(s *session.Session, opts Options) (http.Handler, error) {
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	srv := &server{s: s, opts: opts}

	rRoot := goji.NewMux()
	rRoot.Use(MakeLogger())
	rRoot.Use(MakeCORS(opts.AllowOrigins))

	rAPI := goji.SubMux()
	rRoot.Handle(pat.New("/api/*"), rAPI)
	rAPI.HandleFunc(pat.Get("/state"), srv.handleState)
	rAPI.HandleFunc(pat.Get("/ports"), srv.handlePorts)
	rAPI.HandleFunc(pat.Post("/connect"), srv.handleConnect)
	rAPI.HandleFunc(pat.Post("/flash"), srv.handleFlash)
	rAPI.HandleFunc(pat.Post("/disconnect"), srv.handleDisconnect)
	rAPI.HandleFunc(pat.Get("/log"), srv.handleLog)
	rAPI.HandleFunc(pat.Get("/version"), srv.handleVersion)

	rRoot.Handle(pat.New("/ws"), websocket.Server{
		Handler:   srv.wsHandler,
		Handshake: srv.wsHandshake,
	})
	rRoot.Handle(pat.New("/*"), staticHandler(opts.WebRoot))

	return rRoot, nil
}

func errorStatus(err error) int {
	switch errors.Cause(err) {
	case session.ErrBusy, session.ErrConnected:
		return http.StatusConflict
	case session.ErrNotConnected, session.ErrNoFirmware, firmware.ErrNoSource, firmware.ErrEmpty:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func httpReply(w http.ResponseWriter, status int, result interface{}, err error) {
	w.Header().Set("Content-Type", "application/json")
	var msg []byte
	if err != nil {
		if status < 400 {
			status = errorStatus(err)
		}
		msg, _ = json.Marshal(errmessage{err.Error()})
	} else {
		var merr error
		msg, merr = json.Marshal(map[string]interface{}{"result": result})
		if merr != nil {
			status = http.StatusInternalServerError
			msg, _ = json.Marshal(errmessage{merr.Error()})
		}
	}
	w.WriteHeader(status)
	w.Write(msg)
}

func (srv *server) handleState(w http.ResponseWriter, r *http.Request) {
	httpReply(w, http.StatusOK, srv.s.State(), nil)
}

func (srv *server) handlePorts(w http.ResponseWriter, r *http.Request) {
	ports, err := srv.s.Ports()
	if err != nil {
		httpReply(w, 0, nil, err)
		return
	}
	known := map[string]bool{}
	for _, p := range devutil.FilterByVID(ports, srv.s.Config().VIDs) {
		known[p.Name] = true
	}
	res := &portsReply{Ports: []*portEntry{}}
	for _, p := range ports {
		res.Ports = append(res.Ports, &portEntry{Name: p.Name, Label: p.String(), Known: known[p.Name], Product: p.Product})
		if known[p.Name] && res.Selected == "" {
			res.Selected = p.Name
		}
	}
	httpReply(w, http.StatusOK, res, nil)
}

func (srv *server) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), connectTimeout)
	defer cancel()
	err := srv.s.Connect(ctx, r.FormValue("port"))
	httpReply(w, http.StatusOK, srv.s.State(), err)
}

func (srv *server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	err := srv.s.Disconnect()
	httpReply(w, http.StatusOK, srv.s.State(), err)
}

// readSource takes the firmware from the "file" upload or the "url" field.
func readSource(r *http.Request) (*firmware.Source, error) {
	src := &firmware.Source{}
	if err := r.ParseMultipartForm(1 << 20); err != nil && err != http.ErrNotMultipart {
		return nil, errors.Annotatef(err, "invalid form")
	}
	src.URL = r.FormValue("url")
	f, hdr, err := r.FormFile("file")
	switch {
	case err == http.ErrMissingFile || err == http.ErrNotMultipart:
		return src, nil
	case err != nil:
		return nil, errors.Annotatef(err, "invalid upload")
	}
	defer f.Close()
	data, err := ioutil.ReadAll(io.LimitReader(f, firmware.MaxSize+1))
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read upload")
	}
	if len(data) > firmware.MaxSize {
		return nil, errors.Errorf("firmware is too big")
	}
	src.FileName, src.FileData = hdr.Filename, data
	if src.FileName == "" {
		src.FileName = "firmware.bin"
	}
	return src, nil
}

func (srv *server) handleFlash(w http.ResponseWriter, r *http.Request) {
	src, err := readSource(r)
	if err != nil {
		httpReply(w, http.StatusBadRequest, nil, err)
		return
	}
	res, err := srv.s.StartFlash(srv.opts.Context, src)
	if err != nil {
		httpReply(w, 0, nil, err)
		return
	}
	go func() {
		if err := <-res; err != nil {
			glog.Errorf("flash %s: %s", src, err)
		}
	}()
	httpReply(w, http.StatusAccepted, srv.s.State(), nil)
}

func (srv *server) handleLog(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if v := r.FormValue("since"); v != "" {
		var err error
		if since, err = strconv.ParseUint(v, 10, 64); err != nil {
			httpReply(w, http.StatusBadRequest, nil, errors.Errorf("invalid since: %q", v))
			return
		}
	}
	httpReply(w, http.StatusOK, srv.s.Log().Entries(since), nil)
}

func (srv *server) handleVersion(w http.ResponseWriter, r *http.Request) {
	httpReply(w, http.StatusOK, version.GetVersionJson(), nil)
}

func (srv *server) wsHandshake(cfg *websocket.Config, r *http.Request) error {
	if !originAllowed(r, srv.opts.AllowOrigins) {
		glog.Warningf("ws from %q rejected", r.Header.Get("Origin"))
		return errors.Errorf("origin %q is not allowed", r.Header.Get("Origin"))
	}
	return nil
}

func wsSend(ws *websocket.Conn, m wsmessage) error {
	t, err := json.Marshal(m)
	if err != nil {
		return errors.Trace(err)
	}
	return websocket.Message.Send(ws, string(t))
}

// wsHandler streams the controls state and log entries. The log history
// after the "since" query parameter is sent first.
func (srv *server) wsHandler(ws *websocket.Conn) {
	defer ws.Close()
	entries, cancelLog := srv.s.Log().Subscribe()
	defer cancelLog()
	states, cancelStates := srv.s.Watch()
	defer cancelStates()

	since, _ := strconv.ParseUint(ws.Request().FormValue("since"), 10, 64)
	if err := wsSend(ws, wsmessage{"state", srv.s.State()}); err != nil {
		return
	}
	for _, e := range srv.s.Log().Entries(since) {
		if err := wsSend(ws, wsmessage{"log", e}); err != nil {
			return
		}
		since = e.Seq
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var text string
			if err := websocket.Message.Receive(ws, &text); err != nil {
				glog.V(1).Infof("ws %s: %s", ws.Request().RemoteAddr, err)
				return
			}
		}
	}()

	for {
		var m wsmessage
		select {
		case e, ok := <-entries:
			if !ok {
				return
			}
			if e.Seq <= since {
				continue
			}
			since = e.Seq
			m = wsmessage{"log", e}
		case c, ok := <-states:
			if !ok {
				return
			}
			m = wsmessage{"state", c}
		case <-done:
			return
		}
		if err := wsSend(ws, m); err != nil {
			return
		}
	}
}
