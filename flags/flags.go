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
	"time"

	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/webflash/devutil"
	"github.com/mongoose-os/webflash/flash/esp"
	"github.com/mongoose-os/webflash/session"
)

var (
	Port = flag.String("port", "auto", "Serial port where the device is connected. "+
		"If set to 'auto', ports on the system will be enumerated and the first one with a known USB vendor id will be used.")
	BaudRate       = flag.Uint("baud-rate", 115200, "Serial port speed, also used to talk to the ROM loader")
	ESPBaudRate    = flag.Uint("esp-baud-rate", 460800, "Data port speed during flashing, 0 keeps the ROM speed")
	USBVIDs        = flag.StringSlice("usb-vid", []string{"303a", "10c4", "1a86", "0403", "067b"}, "USB vendor ids of the ports considered by automatic selection. Empty list: all ports.")
	SerialDriver   = flag.String("serial-driver", devutil.DriverCesanta, "Serial driver: cesanta or bugst")
	LockDir        = flag.String("lock-dir", "", "Directory for serial port lock files, system temp dir if empty")
	HTTPAddr       = flag.String("http-addr", "127.0.0.1:8020", "Web UI listening address")
	AllowOrigins   = flag.StringSlice("allow-origin", nil, "Extra origins, e.g. http://localhost:3000, that may use the web UI API")
	WebRoot        = flag.String("web-root", "", "Serve the web UI from this directory instead of the built-in one")
	OpenBrowser    = flag.Bool("open-browser", true, "Open the web UI in a browser on start")
	LogHistory     = flag.Int("log-history", 1000, "Number of log entries to keep")
	Firmware       = flag.String("firmware", "", "Firmware URL or file to flash")
	FlashOffset    = flag.Uint32("flash-offset", 0x10000, "Address to write a plain binary firmware at")
	FlashMode      = flag.String("flash-mode", "dio", "Flash mode: qio, qout, dio, dout or keep")
	FlashFreq      = flag.String("flash-freq", "40m", "Flash frequency, e.g. 40m, 80m or keep")
	FlashSize      = flag.String("flash-size", esp.FlashSizeDetect, "Flash size, e.g. 4MB, keep or detect")
	EraseAll       = flag.Bool("erase-all", true, "Erase the whole flash before writing")
	Compress       = flag.Bool("compress", true, "Compress data while flashing")
	HardReset      = flag.Bool("hard-reset", false, "Reset the device via RTS after flashing")
	ESPStub        = flag.String("esp-stub", "", "Stub loader JSON to run on the chip. Empty: use the ROM loader")
	ESPNoReset     = flag.Bool("esp-no-reset", false, "Do not reset the chip into the bootloader, it is already there")
	ConnectTimeout = flag.Duration("connect-timeout", 20*time.Second, "How long to wait for the bootloader")
	Monitor        = flag.Duration("monitor", 0, "After flashing, show device output for this long")
	FetchTimeout   = flag.Duration("fetch-timeout", time.Minute, "Firmware download timeout")
	FlashTimeout   = flag.Duration("flash-timeout", 10*time.Minute, "Maximum flashing time")
	Config         = flag.String("config", "", "YAML file with flag values, webflash.yaml next to the binary by default")
	Version        = flag.Bool("version", false, "Print version and exit")
	Help           = flag.BoolP("help", "h", false, "Show help")
)

func FlashParams() (esp.FlashParams, error) {
	fp := esp.FlashParams{Mode: *FlashMode, Freq: *FlashFreq, Size: *FlashSize}
	if fp.Mode == "" {
		fp.Mode = esp.FlashParamKeep
	}
	if fp.Freq == "" {
		fp.Freq = esp.FlashParamKeep
	}
	if fp.Size == "" {
		fp.Size = esp.FlashSizeDetect
	}
	// Frequency and size depend on the chip and are checked once it is known.
	if err := (esp.FlashParams{Mode: fp.Mode}).Validate(esp.ChipESP32); err != nil {
		return fp, errors.Trace(err)
	}
	return fp, nil
}

// SessionConfig builds the session configuration from flags.
func SessionConfig() (session.Config, error) {
	cfg := session.DefaultConfig()
	fp, err := FlashParams()
	if err != nil {
		return cfg, errors.Trace(err)
	}
	vids, err := devutil.ParseVIDs(*USBVIDs)
	if err != nil {
		return cfg, errors.Trace(err)
	}
	cfg.BaudRate = *BaudRate
	cfg.VIDs = vids
	cfg.FlashOffset = *FlashOffset
	cfg.FlashParams = fp
	cfg.EraseAll = *EraseAll
	cfg.Compress = *Compress
	cfg.HardReset = *HardReset
	cfg.Monitor = *Monitor
	cfg.FetchTimeout = *FetchTimeout
	cfg.FlashTimeout = *FlashTimeout
	cfg.FlashOpts = esp.FlashOpts{
		ROMBaudRate:     *BaudRate,
		FlasherBaudRate: *ESPBaudRate,
		StubFile:        *ESPStub,
		ConnectTimeout:  *ConnectTimeout,
		NoReset:         *ESPNoReset,
	}
	return cfg, nil
}
