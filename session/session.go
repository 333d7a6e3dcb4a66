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

// Package session runs the connect, flash and disconnect cycle against one
// serial port and keeps the state of the user controls.
package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/mongoose-os/webflash/devutil"
	"github.com/mongoose-os/webflash/firmware"
	"github.com/mongoose-os/webflash/flash/esp"
	"github.com/mongoose-os/webflash/flash/esp/flasher"
	"github.com/mongoose-os/webflash/logpanel"
)

var (
	ErrBusy              = errors.New("another operation is in progress")
	ErrNotConnected      = errors.New("not connected")
	ErrNoFirmware        = errors.New("no firmware selected")
	ErrSerialUnavailable = errors.New("serial ports are not available")
	ErrLoaderUnavailable = errors.New("flasher is not available")
	ErrConnected         = errors.New("already connected")
)

// Loader is the part of the flasher the session drives.
type Loader interface {
	Connect(ctx context.Context) (*flasher.ChipInfo, error)
	WriteFlash(ctx context.Context, parts []*flasher.Part, wo *flasher.WriteOpts, progress flasher.ProgressFunc) error
	HardReset() error
	Close()
}

// NewLoaderFunc constructs a loader on an open port. It must not talk to the device.
type NewLoaderFunc func(port devutil.Port, opts *esp.FlashOpts, reportf flasher.ReportFunc) (Loader, error)

// FlasherLoader is the NewLoaderFunc backed by the ESP serial loader.
func FlasherLoader(port devutil.Port, opts *esp.FlashOpts, reportf flasher.ReportFunc) (Loader, error) {
	l, err := flasher.NewLoader(port, opts, reportf)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return l, nil
}

// Serial is the host serial subsystem.
type Serial interface {
	Available() error
	List() ([]*devutil.PortInfo, error)
	Open(name string, baudRate uint) (devutil.Port, error)
}

type Config struct {
	// Rate the port is opened at, the ROM loader speed.
	BaudRate uint
	// Ports considered by automatic selection.
	VIDs        []uint16
	FlashOpts   esp.FlashOpts
	FlashOffset uint32
	FlashParams esp.FlashParams
	EraseAll    bool
	Compress    bool
	HardReset   bool
	// After flashing, show device output for this long. Implies HardReset.
	Monitor      time.Duration
	FetchTimeout time.Duration
	FlashTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaudRate:    115200,
		VIDs:        devutil.DefaultVIDs,
		FlashOffset: 0x10000,
		FlashParams: esp.FlashParams{Mode: "dio", Freq: "40m", Size: esp.FlashSizeDetect},
		EraseAll:    true,
		Compress:    true,
		FlashOpts: esp.FlashOpts{
			ROMBaudRate:    115200,
			ConnectTimeout: 20 * time.Second,
		},
		FetchTimeout: time.Minute,
		FlashTimeout: 10 * time.Minute,
	}
}

type Deps struct {
	// nil if the host has no serial support.
	Serial Serial
	// nil if no loader is available.
	NewLoader  NewLoaderFunc
	HTTPClient *http.Client
	Log        *logpanel.Log
}

// Controls is the state of the page controls.
type Controls struct {
	SessionID      string `json:"session_id"`
	ConnectEnabled bool   `json:"connect_enabled"`
	FlashEnabled   bool   `json:"flash_enabled"`
	Connected      bool   `json:"connected"`
	Busy           bool   `json:"busy"`
	Op             string `json:"op,omitempty"`
	Port           string `json:"port,omitempty"`
	Chip           string `json:"chip,omitempty"`
}

type Session struct {
	cfg  Config
	deps Deps
	log  *logpanel.Log
	id   string

	mu          sync.Mutex
	ctl         Controls
	serialErr   error
	port        devutil.Port
	loader      Loader
	lastChip    *flasher.ChipInfo
	watchers    map[int]chan Controls
	nextWatcher int
}

func New(cfg Config, deps Deps) *Session {
	if deps.Log == nil {
		deps.Log = logpanel.New(0)
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	// The port is opened at BaudRate, the ROM client must agree.
	cfg.FlashOpts.ROMBaudRate = cfg.BaudRate
	s := &Session{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Log,
		id:       uuid.New().String(),
		watchers: map[int]chan Controls{},
	}
	s.ctl.SessionID = s.id
	return s
}

func (s *Session) ID() string        { return s.id }
func (s *Session) Log() *logpanel.Log { return s.log }
func (s *Session) Config() Config     { return s.cfg }

// Init checks that the serial subsystem and the loader are usable and only
// then enables the connect control.
func (s *Session) Init() error {
	var err error
	switch {
	case s.deps.Serial == nil:
		err = ErrSerialUnavailable
		s.log.Errorf("Serial ports are not supported on this system")
	case s.deps.NewLoader == nil:
		err = ErrLoaderUnavailable
		s.log.Errorf("Failed to initialize the flasher")
	default:
		if serr := s.deps.Serial.Available(); serr != nil {
			err = errors.Wrap(serr, ErrSerialUnavailable)
			s.log.Errorf("Serial ports are not available on this system: %s", serr)
		}
	}
	s.update(func(c *Controls) {
		s.serialErr = err
		c.ConnectEnabled = err == nil && s.port == nil
	})
	if err != nil {
		return err
	}
	glog.Infof("session %s ready", s.id)
	return nil
}

func (s *Session) State() Controls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctl
}

// Watch delivers the controls state after every change. Slow watchers miss updates.
func (s *Session) Watch() (<-chan Controls, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextWatcher
	s.nextWatcher++
	ch := make(chan Controls, 10)
	s.watchers[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.watchers, id)
			close(ch)
		})
	}
}

func (s *Session) update(f func(c *Controls)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(&s.ctl)
	s.notifyLocked()
}

func (s *Session) notifyLocked() {
	c := s.ctl
	for _, ch := range s.watchers {
		select {
		case ch <- c:
		default:
		}
	}
}

// begin marks the session busy with op. check validates the controls and may
// update them once it passes; the change is published along with Busy.
func (s *Session) begin(op string, check func(c *Controls) error) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctl.Busy {
		return "", ErrBusy
	}
	if err := check(&s.ctl); err != nil {
		return "", err
	}
	s.ctl.Busy, s.ctl.Op = true, op
	s.notifyLocked()
	opID := uuid.New().String()
	glog.V(1).Infof("%s: %s started", opID, op)
	return opID, nil
}

func (s *Session) end(opID string, f func(c *Controls)) {
	s.update(func(c *Controls) {
		c.Busy, c.Op = false, ""
		f(c)
	})
	glog.V(1).Infof("%s: done", opID)
}

func (s *Session) reportf(format string, args ...interface{}) {
	s.log.Infof(format, args...)
}

// Ports lists the serial ports of the host.
func (s *Session) Ports() ([]*devutil.PortInfo, error) {
	if s.deps.Serial == nil {
		return nil, ErrSerialUnavailable
	}
	ports, err := s.deps.Serial.List()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return ports, nil
}

func (s *Session) selectPort(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name != "" && name != "auto" {
		return name, nil
	}
	ports, err := s.deps.Serial.List()
	if err != nil {
		return "", errors.Annotatef(err, "failed to list ports")
	}
	return devutil.SelectPort(name, ports, s.cfg.VIDs)
}

// Connect opens the port and constructs the loader. The chip handshake
// happens when flashing.
func (s *Session) Connect(ctx context.Context, portName string) error {
	opID, err := s.begin("connect", func(c *Controls) error {
		switch {
		case s.serialErr != nil || s.deps.Serial == nil:
			return ErrSerialUnavailable
		case c.Connected:
			return ErrConnected
		case !c.ConnectEnabled:
			return errors.Errorf("connect is not possible now")
		}
		c.ConnectEnabled = false
		return nil
	})
	if err != nil {
		if errors.Cause(err) == ErrSerialUnavailable {
			s.update(func(c *Controls) { c.ConnectEnabled = false })
			s.log.Errorf("Serial ports are not available on this system")
		}
		return err
	}
	port, loader, err := s.openPort(ctx, portName)
	if err != nil {
		s.log.Errorf("Connection failed: %s", err)
		s.end(opID, func(c *Controls) { c.ConnectEnabled = true })
		return errors.Trace(err)
	}
	s.mu.Lock()
	s.port, s.loader = port, loader
	s.mu.Unlock()
	s.log.Successf("Connected to %s", port.Name())
	s.end(opID, func(c *Controls) {
		c.Connected, c.FlashEnabled, c.Port = true, true, port.Name()
	})
	return nil
}

func (s *Session) openPort(ctx context.Context, portName string) (devutil.Port, Loader, error) {
	name, err := s.selectPort(portName)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, errors.Trace(err)
	}
	s.log.Infof("Connecting to %s at %d baud...", name, s.cfg.BaudRate)
	port, err := s.deps.Serial.Open(name, s.cfg.BaudRate)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	opts := s.cfg.FlashOpts
	loader, err := s.deps.NewLoader(port, &opts, s.reportf)
	if err != nil {
		port.Close()
		return nil, nil, errors.Annotatef(err, "failed to initialize the flasher")
	}
	return port, loader, nil
}

func (s *Session) closePort() {
	s.mu.Lock()
	port, loader := s.port, s.loader
	s.port, s.loader = nil, nil
	s.mu.Unlock()
	if loader != nil {
		loader.Close()
	}
	if port != nil {
		if err := port.Close(); err != nil {
			glog.Warningf("%s: %s", port.Name(), err)
		}
	}
}

// Disconnect closes the port.
func (s *Session) Disconnect() error {
	opID, err := s.begin("disconnect", func(c *Controls) error {
		if !c.Connected {
			return ErrNotConnected
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.closePort()
	s.log.Infof("Disconnected")
	s.end(opID, func(c *Controls) {
		c.Connected, c.FlashEnabled, c.Port, c.Chip = false, false, "", ""
		c.ConnectEnabled = s.serialErr == nil
	})
	return nil
}

// Close releases the port regardless of state.
func (s *Session) Close() {
	s.closePort()
}

// LastChip returns the identity from the last successful handshake.
func (s *Session) LastChip() *flasher.ChipInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChip
}

// ChipInfo connects to the chip, reads its identity and closes the port.
func (s *Session) ChipInfo(ctx context.Context, portName string) (*flasher.ChipInfo, error) {
	opID, err := s.begin("chip-info", func(c *Controls) error {
		switch {
		case s.serialErr != nil || s.deps.Serial == nil:
			return ErrSerialUnavailable
		case c.Connected:
			return ErrConnected
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer s.end(opID, func(c *Controls) {})
	port, loader, err := s.openPort(ctx, portName)
	if err != nil {
		s.log.Errorf("Connection failed: %s", err)
		return nil, errors.Trace(err)
	}
	defer port.Close()
	defer loader.Close()
	ci, err := loader.Connect(ctx)
	if err != nil {
		s.log.Errorf("Failed to talk to the chip: %s", err)
		return nil, errors.Trace(err)
	}
	s.logChip(ci)
	return ci, nil
}

func (s *Session) logChip(ci *flasher.ChipInfo) {
	s.mu.Lock()
	s.lastChip = ci
	s.mu.Unlock()
	s.log.Successf("Detected %s", ci.Description)
	if len(ci.Features) > 0 {
		s.log.Infof("Features: %s", strings.Join(ci.Features, ", "))
	}
	if ci.CrystalMHz > 0 {
		s.log.Infof("Crystal: %d MHz", ci.CrystalMHz)
	}
	if ci.MAC != "" {
		s.log.Infof("MAC: %s", ci.MAC)
	}
	if ci.FlashSize > 0 {
		s.log.Infof("Flash: %s (id 0x%06x)", esp.FlashSizeName(ci.FlashSize), ci.FlashID)
	}
}

func progressLogger(log *logpanel.Log) flasher.ProgressFunc {
	return func(name string, written, total int) {
		pct := 100
		if total > 0 {
			pct = written * 100 / total
		}
		log.Infof("Writing %s: %d%% (%d of %d bytes)", name, pct, written, total)
	}
}

func checkPlatform(img *firmware.Image, ct esp.ChipType) error {
	if img.Platform == "" {
		return nil
	}
	want, ok := esp.ChipByName(img.Platform)
	if !ok {
		glog.Warningf("unknown firmware platform %q", img.Platform)
		return nil
	}
	if want != ct {
		return errors.Errorf("firmware is built for %s, the chip is %s", want, ct)
	}
	return nil
}

func (s *Session) beginFlash(src *firmware.Source) (string, error) {
	s.mu.Lock()
	busy, connected := s.ctl.Busy, s.port != nil
	s.mu.Unlock()
	if busy {
		return "", ErrBusy
	}
	if !connected {
		s.log.Errorf("Please connect to a device first")
		return "", ErrNotConnected
	}
	if err := src.Validate(); err != nil {
		switch errors.Cause(err) {
		case firmware.ErrNoSource:
			s.log.Errorf("Please enter a firmware URL or select a file")
			return "", errors.Wrap(err, ErrNoFirmware)
		case firmware.ErrEmpty:
			s.log.Errorf("Firmware file is empty")
			return "", errors.Wrap(err, ErrNoFirmware)
		}
		s.log.Errorf("%s", err)
		return "", errors.Trace(err)
	}
	opID, err := s.begin("flash", func(c *Controls) error {
		if !c.Connected {
			return ErrNotConnected
		}
		c.FlashEnabled = false
		return nil
	})
	if err != nil {
		return "", err
	}
	return opID, nil
}

// Flash loads the firmware, performs the chip handshake and writes it.
// The port is closed afterwards whatever the outcome.
func (s *Session) Flash(ctx context.Context, src *firmware.Source) error {
	opID, err := s.beginFlash(src)
	if err != nil {
		return err
	}
	return s.runFlash(ctx, opID, src)
}

// StartFlash checks preconditions and runs Flash in the background. The
// returned channel yields the result.
func (s *Session) StartFlash(ctx context.Context, src *firmware.Source) (<-chan error, error) {
	opID, err := s.beginFlash(src)
	if err != nil {
		return nil, err
	}
	res := make(chan error, 1)
	go func() {
		res <- s.runFlash(ctx, opID, src)
	}()
	return res, nil
}

func (s *Session) runFlash(ctx context.Context, opID string, src *firmware.Source) (err error) {
	defer func() {
		if err != nil {
			s.log.Errorf("Flashing failed: %s", err)
		}
		s.closePort()
		s.end(opID, func(c *Controls) {
			c.Connected, c.Port = false, ""
			c.FlashEnabled = true
			c.ConnectEnabled = s.serialErr == nil
		})
	}()
	if s.cfg.FlashTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.FlashTimeout)
		defer cancel()
	}
	s.mu.Lock()
	port, loader := s.port, s.loader
	s.mu.Unlock()

	if src.FileName == "" && src.FileData == nil {
		s.log.Infof("Downloading firmware from %s...", src.URL)
	} else {
		s.log.Infof("Reading %s...", src)
	}
	fctx := ctx
	if s.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()
	}
	img, err := firmware.Load(fctx, s.deps.HTTPClient, src, s.cfg.FlashOffset)
	if err != nil {
		return errors.Trace(err)
	}
	s.log.Infof("Firmware: %s", img)

	ci, err := loader.Connect(ctx)
	if err != nil {
		return errors.Annotatef(err, "failed to talk to the chip")
	}
	s.logChip(ci)
	s.update(func(c *Controls) { c.Chip = ci.Description })
	if err := checkPlatform(img, ci.Type); err != nil {
		return errors.Trace(err)
	}

	var parts []*flasher.Part
	for _, p := range img.Parts {
		parts = append(parts, &flasher.Part{Name: p.Name, Addr: p.Addr, Data: p.Data})
	}
	wo := &flasher.WriteOpts{
		FlashParams: s.cfg.FlashParams,
		EraseAll:    s.cfg.EraseAll,
		Compress:    s.cfg.Compress,
		HardReset:   s.cfg.HardReset || s.cfg.Monitor > 0,
	}
	if err := loader.WriteFlash(ctx, parts, wo, progressLogger(s.log)); err != nil {
		return errors.Trace(err)
	}
	s.log.Successf("Firmware flashed successfully!")
	if s.cfg.Monitor > 0 {
		// The loader stops reading the port before the monitor takes it over.
		loader.Close()
		s.monitor(ctx, port, s.cfg.Monitor)
	}
	return nil
}

// monitor shows what the device prints for d. Lines become terminal entries.
func (s *Session) monitor(ctx context.Context, port devutil.Port, d time.Duration) {
	s.log.Infof("Device output for the next %s:", d)
	lines := make(chan string, 100)
	stop := make(chan struct{})
	go func() {
		defer close(lines)
		emit := func(l string) bool {
			select {
			case lines <- strings.TrimRight(l, "\r"):
				return true
			case <-stop:
				return false
			}
		}
		buf := make([]byte, 256)
		var line []byte
		for {
			select {
			case <-stop:
				return
			default:
			}
			n, err := port.Read(buf)
			for _, b := range buf[:n] {
				if b != '\n' {
					line = append(line, b)
					continue
				}
				if !emit(string(line)) {
					return
				}
				line = line[:0]
			}
			// Reads time out with EOF when the device is quiet.
			if err != nil && n == 0 && errors.Cause(err) != io.EOF {
				if len(line) > 0 {
					emit(string(line))
				}
				return
			}
		}
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	defer close(stop)
	for {
		select {
		case l, ok := <-lines:
			if !ok {
				return
			}
			s.log.Terminalf("%s", l)
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c Controls) String() string {
	return fmt.Sprintf("connect:%t flash:%t connected:%t busy:%t port:%q", c.ConnectEnabled, c.FlashEnabled, c.Connected, c.Busy, c.Port)
}
