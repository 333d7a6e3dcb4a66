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
	"bytes"
	"context"
	"encoding/json"
	"io/ioutil"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/mongoose-os/webflash/devutil"
	"github.com/mongoose-os/webflash/flash/esp"
	"github.com/mongoose-os/webflash/flash/esp/flasher"
	"github.com/mongoose-os/webflash/logpanel"
	"github.com/mongoose-os/webflash/session"
)

type pipePort struct {
	net.Conn
	name string
}

func (p *pipePort) SetDTR(v bool) error    { return nil }
func (p *pipePort) SetRTS(v bool) error    { return nil }
func (p *pipePort) SetBaudRate(uint) error { return nil }
func (p *pipePort) Flush() error           { return nil }
func (p *pipePort) Name() string           { return p.name }

type fakeSerial struct{}

func (fakeSerial) Available() error { return nil }

func (fakeSerial) List() ([]*devutil.PortInfo, error) {
	return []*devutil.PortInfo{
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: 0x10c4, PID: 0xea60, Product: "CP2102"},
	}, nil
}

func (fakeSerial) Open(name string, baudRate uint) (devutil.Port, error) {
	host, dev := net.Pipe()
	dev.Close()
	return &pipePort{Conn: host, name: name}, nil
}

type fakeLoader struct {
	mu    sync.Mutex
	block chan struct{}
	parts []*flasher.Part
}

func (l *fakeLoader) Connect(ctx context.Context) (*flasher.ChipInfo, error) {
	if l.block != nil {
		<-l.block
	}
	return &flasher.ChipInfo{Type: esp.ChipESP32C3, Chip: "ESP32-C3", Description: "ESP32-C3 (revision v0.4)"}, nil
}

func (l *fakeLoader) WriteFlash(ctx context.Context, parts []*flasher.Part, wo *flasher.WriteOpts, progress flasher.ProgressFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.parts = parts
	return nil
}

func (l *fakeLoader) HardReset() error { return nil }
func (l *fakeLoader) Close()           {}

func newTestServer(t *testing.T, fl *fakeLoader) (*session.Session, http.Handler) {
	t.Helper()
	newLoader := func(port devutil.Port, opts *esp.FlashOpts, reportf flasher.ReportFunc) (session.Loader, error) {
		return fl, nil
	}
	s := session.New(session.DefaultConfig(), session.Deps{Serial: fakeSerial{}, NewLoader: newLoader, Log: logpanel.New(0)})
	require.NoError(t, s.Init())
	t.Cleanup(s.Close)
	h, err := CreateHandler(s, Options{})
	require.NoError(t, err)
	return s, h
}

func do(h http.Handler, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func postForm(h http.Handler, path string, vals url.Values) *httptest.ResponseRecorder {
	return do(h, http.MethodPost, path, bytes.NewBufferString(vals.Encode()), "application/x-www-form-urlencoded")
}

func postFile(t *testing.T, h http.Handler, name string, data []byte) *httptest.ResponseRecorder {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	fw.Write(data)
	mw.WriteField("url", "")
	require.NoError(t, mw.Close())
	return do(h, http.MethodPost, "/api/flash", body, mw.FormDataContentType())
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func waitIdle(t *testing.T, s *session.Session) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.State().Busy {
		if time.Now().After(deadline) {
			t.Fatalf("session is still busy")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestState(t *testing.T) {
	s, h := newTestServer(t, &fakeLoader{})
	w := do(h, http.MethodGet, "/api/state", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	var got, want interface{}
	decode(t, w, &got)
	json.Unmarshal([]byte(`{"result": {
		"session_id": "`+s.ID()+`",
		"connect_enabled": true,
		"flash_enabled": false,
		"connected": false,
		"busy": false
	}}`), &want)
	gs, _ := json.MarshalIndent(got, "", "  ")
	ws, _ := json.MarshalIndent(want, "", "  ")
	if string(gs) != string(ws) {
		dmp := diffmatchpatch.New()
		t.Errorf("state mismatch:\n%s", dmp.DiffPrettyText(dmp.DiffMain(string(ws), string(gs), false)))
	}
}

func withHeaders(h http.Handler, req *http.Request, hdrs map[string]string) *httptest.ResponseRecorder {
	for k, v := range hdrs {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestPreflight(t *testing.T) {
	_, h := newTestServer(t, &fakeLoader{})
	req := httptest.NewRequest(http.MethodOptions, "/api/flash", nil)
	w := withHeaders(h, req, map[string]string{"Origin": "http://example.com"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
	assert.Empty(t, w.Body.String())

	req = httptest.NewRequest(http.MethodOptions, "/api/flash", nil)
	w = withHeaders(h, req, map[string]string{"Origin": "http://evil.example"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCrossOriginRejected(t *testing.T) {
	fl := &fakeLoader{}
	s, h := newTestServer(t, fl)

	form := func(path string, vals url.Values, hdrs map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(vals.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return withHeaders(h, req, hdrs)
	}
	evil := map[string]string{"Origin": "http://evil.example"}

	w := form("/api/connect", url.Values{"port": {"/dev/ttyUSB0"}}, evil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.False(t, s.State().Connected)

	w = form("/api/connect", url.Values{"port": {"/dev/ttyUSB0"}}, map[string]string{"Sec-Fetch-Site": "cross-site"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = form("/api/connect", url.Values{"port": {"/dev/ttyUSB0"}}, map[string]string{"Origin": "null"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, s.State().Connected)

	// The page itself may connect.
	w = form("/api/connect", url.Values{"port": {"/dev/ttyUSB0"}}, map[string]string{"Origin": "http://example.com"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "http://example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = form("/api/flash", url.Values{"url": {"http://evil.example/fw.bin"}}, evil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	waitIdle(t, s)
	fl.mu.Lock()
	assert.Nil(t, fl.parts)
	fl.mu.Unlock()
	assert.True(t, s.State().FlashEnabled)
}

func TestAllowOrigins(t *testing.T) {
	fl := &fakeLoader{}
	newLoader := func(port devutil.Port, opts *esp.FlashOpts, reportf flasher.ReportFunc) (session.Loader, error) {
		return fl, nil
	}
	s := session.New(session.DefaultConfig(), session.Deps{Serial: fakeSerial{}, NewLoader: newLoader, Log: logpanel.New(0)})
	require.NoError(t, s.Init())
	defer s.Close()
	h, err := CreateHandler(s, Options{AllowOrigins: []string{"http://localhost:3000/"}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/disconnect", nil)
	w := withHeaders(h, req, map[string]string{"Origin": "http://localhost:3000"})
	// Allowed through, fails only because nothing is connected.
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestPorts(t *testing.T) {
	_, h := newTestServer(t, &fakeLoader{})
	w := do(h, http.MethodGet, "/api/ports", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		Result portsReply `json:"result"`
	}
	decode(t, w, &res)
	require.Len(t, res.Result.Ports, 2)
	assert.Equal(t, "/dev/ttyUSB0", res.Result.Selected)
	assert.False(t, res.Result.Ports[0].Known)
	assert.True(t, res.Result.Ports[1].Known)
	assert.Equal(t, "/dev/ttyUSB0 (10c4:ea60 CP2102)", res.Result.Ports[1].Label)
}

func TestConnectAndFlash(t *testing.T) {
	fl := &fakeLoader{}
	s, h := newTestServer(t, fl)

	w := postFile(t, h, "app.bin", []byte{1, 2, 3, 4})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "not connected")

	w = postForm(h, "/api/connect", url.Values{"port": {"auto"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res struct {
		Result session.Controls `json:"result"`
	}
	decode(t, w, &res)
	assert.True(t, res.Result.Connected)
	assert.True(t, res.Result.FlashEnabled)
	assert.Equal(t, "/dev/ttyUSB0", res.Result.Port)

	w = postForm(h, "/api/connect", url.Values{"port": {"auto"}})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = postForm(h, "/api/flash", url.Values{"url": {"  "}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "no firmware selected")

	w = postFile(t, h, "app.bin", []byte{1, 2, 3, 4})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	waitIdle(t, s)
	fl.mu.Lock()
	require.Len(t, fl.parts, 1)
	assert.Equal(t, []byte{1, 2, 3, 4}, fl.parts[0].Data)
	fl.mu.Unlock()

	w = do(h, http.MethodGet, "/api/log?since=0", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var log struct {
		Result []logpanel.Entry `json:"result"`
	}
	decode(t, w, &log)
	require.NotEmpty(t, log.Result)
	assert.Equal(t, "Firmware flashed successfully!", log.Result[len(log.Result)-1].Message)

	w = do(h, http.MethodGet, "/api/log?since=abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	st := s.State()
	assert.False(t, st.Connected)
	assert.True(t, st.ConnectEnabled)
}

func TestFlashBusy(t *testing.T) {
	fl := &fakeLoader{block: make(chan struct{})}
	s, h := newTestServer(t, fl)
	require.Equal(t, http.StatusOK, postForm(h, "/api/connect", url.Values{"port": {"/dev/ttyUSB0"}}).Code)
	require.Equal(t, http.StatusAccepted, postFile(t, h, "a.bin", []byte{1}).Code)

	assert.Equal(t, http.StatusConflict, postFile(t, h, "a.bin", []byte{1}).Code)
	assert.Equal(t, http.StatusConflict, postForm(h, "/api/disconnect", nil).Code)
	close(fl.block)
	waitIdle(t, s)
	assert.Equal(t, http.StatusBadRequest, postForm(h, "/api/disconnect", nil).Code)
}

func TestVersion(t *testing.T) {
	_, h := newTestServer(t, &fakeLoader{})
	w := do(h, http.MethodGet, "/api/version", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"build_version"`)
}

func TestStatic(t *testing.T) {
	_, h := newTestServer(t, &fakeLoader{})
	w := do(h, http.MethodGet, "/", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ESP32 Web Flasher")
	w = do(h, http.MethodGet, "/app.js", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(h, http.MethodGet, "/nope.txt", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	dir := t.TempDir()
	require.NoError(t, ioutil.WriteFile(dir+"/index.html", []byte("custom page"), 0644))
	s := session.New(session.DefaultConfig(), session.Deps{})
	h2, err := CreateHandler(s, Options{WebRoot: dir})
	require.NoError(t, err)
	w = do(h2, http.MethodGet, "/", nil, "")
	assert.Equal(t, "custom page", w.Body.String())
}

func TestWebSocketCrossOrigin(t *testing.T) {
	_, h := newTestServer(t, &fakeLoader{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, err := websocket.Dial(wsURL, "", "http://evil.example")
	if err == nil {
		ws.Close()
	}
	assert.Error(t, err)
}

func wsReceive(t *testing.T, ws *websocket.Conn) wsmessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var text string
	require.NoError(t, websocket.Message.Receive(ws, &text))
	var m wsmessage
	require.NoError(t, json.Unmarshal([]byte(text), &m))
	return m
}

func TestWebSocket(t *testing.T) {
	s, h := newTestServer(t, &fakeLoader{})
	s.Log().Infof("first")
	s.Log().Infof("second")
	srv := httptest.NewServer(h)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?since=1"
	ws, err := websocket.Dial(wsURL, "", srv.URL)
	require.NoError(t, err)
	defer ws.Close()

	m := wsReceive(t, ws)
	assert.Equal(t, "state", m.Cmd)
	m = wsReceive(t, ws)
	assert.Equal(t, "log", m.Cmd)
	assert.Equal(t, "second", m.Data.(map[string]interface{})["message"])

	s.Log().Errorf("third")
	m = wsReceive(t, ws)
	require.Equal(t, "log", m.Cmd)
	assert.Equal(t, "third", m.Data.(map[string]interface{})["message"])
	assert.Equal(t, "error", m.Data.(map[string]interface{})["type"])
}
