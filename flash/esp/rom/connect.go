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
package rom

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"github.com/mongoose-os/webflash/flash/esp"
)

const (
	defaultSyncAttempts = 7
	syncsPerAttempt     = 5
)

type resetFunc func(ctx context.Context, p Port) error

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// classicReset drives the two-transistor auto-reset circuit found on most dev
// boards: DTR is GPIO0 (inverted), RTS is EN (inverted).
func classicReset(ctx context.Context, p Port) error {
	p.SetDTR(false)
	p.SetRTS(true)
	if err := sleep(ctx, 100*time.Millisecond); err != nil {
		return err
	}
	p.SetDTR(true)
	p.SetRTS(false)
	if err := sleep(ctx, 50*time.Millisecond); err != nil {
		return err
	}
	p.SetDTR(false)
	return nil
}

// usbJTAGReset is the sequence for the built-in USB-JTAG-serial peripheral,
// which decodes the line state instead of driving pins directly.
func usbJTAGReset(ctx context.Context, p Port) error {
	p.SetRTS(false)
	p.SetDTR(false)
	if err := sleep(ctx, 100*time.Millisecond); err != nil {
		return err
	}
	p.SetDTR(true)
	p.SetRTS(false)
	if err := sleep(ctx, 100*time.Millisecond); err != nil {
		return err
	}
	p.SetRTS(true)
	p.SetDTR(false)
	p.SetRTS(true)
	if err := sleep(ctx, 100*time.Millisecond); err != nil {
		return err
	}
	p.SetDTR(false)
	p.SetRTS(false)
	return nil
}

// Connect resets the chip into the bootloader, syncs with it and identifies the chip.
// Reset sequences alternate between attempts since the board type is not known.
func Connect(ctx context.Context, port Port, opts *esp.FlashOpts) (*Client, error) {
	c := newClient(port, opts.ROMBaudRate)
	if err := c.connect(ctx, opts); err != nil {
		c.Close()
		return nil, errors.Trace(err)
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context, opts *esp.FlashOpts) error {
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}
	attempts := opts.SyncAttempts
	if attempts <= 0 {
		attempts = defaultSyncAttempts
	}
	resets := []resetFunc{classicReset, usbJTAGReset}
	var lastErr error
	synced := false
	for i := 0; i < attempts && !synced; i++ {
		if !opts.NoReset {
			glog.V(1).Infof("reset attempt %d", i+1)
			if err := resets[i%len(resets)](ctx, c.port); err != nil {
				return errors.Annotatef(err, "reset failed")
			}
		}
		c.port.Flush()
		c.flushInput()
		for j := 0; j < syncsPerAttempt; j++ {
			if err := ctx.Err(); err != nil {
				return errors.Annotatef(err, "failed to connect")
			}
			if lastErr = c.Sync(); lastErr == nil {
				synced = true
				break
			}
			glog.V(2).Infof("sync: %s", lastErr)
		}
	}
	if !synced {
		return errors.Annotatef(lastErr, "failed to sync with the bootloader after %d attempts", attempts)
	}
	ct, err := c.detectChip()
	if err != nil {
		return errors.Annotatef(err, "failed to detect chip")
	}
	if opts.Chip != esp.ChipUnknown && opts.Chip != ct {
		return errors.Errorf("wrong chip: expected %s, found %s", opts.Chip, ct)
	}
	c.chip = ct
	c.statusLen = ct.Params().ROMStatusLen
	glog.Infof("connected to %s", ct)
	return nil
}

// Sync sends the autobaud sequence. The ROM replies several times; extra
// replies are drained.
func (c *Client) Sync() error {
	if _, _, err := c.command(OpSync, SyncPayload, 0, SyncTimeout); err != nil {
		return errors.Trace(err)
	}
	for i := 0; i < 16; i++ {
		if _, err := c.readFrame(SyncTimeout / 2); err != nil {
			break
		}
	}
	return nil
}

// detectChip asks for the chip id first. Older ROMs do not support
// GET_SECURITY_INFO, for them the magic register identifies the chip.
func (c *Client) detectChip() (esp.ChipType, error) {
	si, err := c.GetSecurityInfo()
	if err == nil && si.HasChipID {
		if ct, ok := esp.ChipByImageID(si.ChipID); ok {
			return ct, nil
		}
		glog.Warningf("unknown chip id %d", si.ChipID)
	} else if err != nil {
		glog.V(1).Infof("GET_SECURITY_INFO: %s", err)
	}
	magic, err := c.ReadReg(esp.ChipDetectMagicRegAddr)
	if err != nil {
		return esp.ChipUnknown, errors.Trace(err)
	}
	ct, ok := esp.ChipByMagic(magic)
	if !ok {
		return esp.ChipUnknown, errors.Errorf("unknown chip magic value 0x%08x", magic)
	}
	return ct, nil
}
