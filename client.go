// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2021 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-ble/ble"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mvo5/ble-dfu/bleconn"
	"github.com/mvo5/ble-dfu/dfu"
	"github.com/mvo5/ble-dfu/pkg"
)

type transferOptions struct {
	PRN                  uint16        `long:"prn" default:"0" description:"Packet receipt notification interval, 0 to disable"`
	MTU                  int           `long:"mtu" default:"0" description:"ATT MTU to negotiate, 0 keeps the default"`
	Retries              int           `long:"retries" default:"3" description:"Attempts per object"`
	NotificationTimeout  time.Duration `long:"notification-timeout" default:"20s" description:"How long to wait for a response"`
	DisconnectionTimeout time.Duration `long:"disconnection-timeout" default:"10s" description:"How long to wait for the device to reset"`
	Random               bool          `long:"random" description:"The device uses a random address"`
	ActiveScan           bool          `long:"active-scan" description:"Scan actively"`
	ConnectTimeout       time.Duration `long:"connect-timeout" default:"30s" description:"How long to try to connect"`
}

type deviceArgs struct {
	Address string `positional-arg-name:"<address>" required:"yes"`
	Package string `positional-arg-name:"<package.zip>" required:"yes"`
}

func (o *transferOptions) connectOptions() dfu.ConnectOptions {
	co := dfu.ConnectOptions{
		Scan: dfu.ScanParams{Active: o.ActiveScan, Timeout: o.ConnectTimeout},
	}
	if o.Random {
		co.AddressType = dfu.AddressRandom
	}
	return co
}

func (o *transferOptions) transport(address string, extra ...dfu.Option) (*dfu.Transport, error) {
	co := o.connectOptions()
	conn := bleconn.New()
	if _, err := bleconn.NewDevice(conn, "ble-dfu", opts.HCI, co); err != nil {
		return nil, err
	}
	dfuOpts := []dfu.Option{
		dfu.WithPRN(o.PRN),
		dfu.WithMTU(o.MTU),
		dfu.WithRetries(o.Retries),
		dfu.WithNotificationTimeout(o.NotificationTimeout),
		dfu.WithDisconnectionTimeout(o.DisconnectionTimeout),
		dfu.WithConnectOptions(co),
		dfu.WithLogger(log.StandardLogger()),
	}
	return dfu.New(conn, conn, address, append(dfuOpts, extra...)...), nil
}

type cmdUpdate struct {
	transferOptions
	Positional deviceArgs `positional-args:"yes"`
}

// progressPrinter shows the transfer progress on a single line.
type progressPrinter struct {
	stage string
	total uint32
	last  time.Time
}

func (p *progressPrinter) Progress(pr dfu.Progress) {
	if pr.Stage != p.stage {
		if p.stage != "" {
			fmt.Fprintln(os.Stderr)
		}
		p.stage = pr.Stage
		fmt.Fprintf(os.Stderr, "%s", pr.Stage)
	}
	if !pr.HasOffset || (time.Since(p.last) < 200*time.Millisecond && pr.Offset != p.total) {
		return
	}
	p.last = time.Now()
	fmt.Fprintf(os.Stderr, "\r%s: %d/%d bytes", pr.Stage, pr.Offset, p.total)
}

func (p *progressPrinter) Log(dfu.LogMessage) {}

func (x *cmdUpdate) Execute(args []string) error {
	images, err := pkg.Open(x.Positional.Package)
	if err != nil {
		return err
	}
	progress := &progressPrinter{}
	t, err := x.transport(x.Positional.Address, dfu.WithObserver(progress))
	if err != nil {
		return err
	}
	defer t.Close()

	ctx := ble.WithSigHandler(context.WithCancel(context.Background()))
	go func() {
		<-ctx.Done()
		t.Abort()
	}()

	for i, img := range images {
		progress.total = uint32(len(img.Firmware))
		if err := t.Update(ctx, images[i:i+1]); err != nil {
			fmt.Fprintln(os.Stderr)
			if code, ok := dfu.CommandCode(err); ok {
				return errors.Wrapf(err, "device rejected %s (result %s)", img.Name, code)
			}
			return errors.Wrapf(err, "cannot update %s", img.Name)
		}
	}
	fmt.Fprintln(os.Stderr)
	log.Infof("updated %d image(s) on %s", len(images), x.Positional.Address)
	return nil
}

type cmdState struct {
	transferOptions
	Positional deviceArgs `positional-args:"yes"`
}

func (x *cmdState) Execute(args []string) error {
	images, err := pkg.Open(x.Positional.Package)
	if err != nil {
		return err
	}
	t, err := x.transport(x.Positional.Address)
	if err != nil {
		return err
	}
	defer t.Close()

	ctx := ble.WithSigHandler(context.WithCancel(context.Background()))
	// only the image the device is currently receiving can be resumed
	img := images[0]
	initPlan, err := t.GetInitPacketState(ctx, img.InitPacket)
	if err != nil {
		return err
	}
	fwPlan, err := t.GetFirmwareState(ctx, img.Firmware)
	if err != nil {
		return err
	}
	fmt.Printf("%s:\n", img.Name)
	fmt.Printf("  init packet: %v, %d of %d bytes left\n", initPlan, initPlan.Bytes(), len(img.InitPacket))
	fmt.Printf("  firmware:    %v, %d of %d bytes left\n", fwPlan, fwPlan.Bytes(), len(img.Firmware))
	return nil
}

func init() {
	parser.AddCommand("update",
		"Update a device in DFU mode",
		"Transfer the images of a DFU package, resuming a previous transfer when possible.",
		&cmdUpdate{})
	parser.AddCommand("state",
		"Show what a device holds",
		"Show how much of the first image of a DFU package the device already holds.",
		&cmdState{})
}
