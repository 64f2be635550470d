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
	"sync"

	"github.com/go-ble/ble"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mvo5/ble-dfu/bleconn"
	"github.com/mvo5/ble-dfu/dfu"
	"github.com/mvo5/ble-dfu/target"
)

type cmdTarget struct {
	Name           string `long:"name" default:"DfuTarg" description:"Advertised name"`
	MaxCommandSize uint32 `long:"max-command-size" default:"512" description:"Largest init packet object"`
	MaxDataSize    uint32 `long:"max-data-size" default:"4096" description:"Largest firmware object"`
}

// controlPoint serves the control point characteristic. Notifications
// from the device are queued until the subscriber's notifier drains them.
type controlPoint struct {
	dev    *target.Device
	notify chan []byte

	mu   sync.Mutex
	conn ble.Conn
}

func newControlPoint(dev *target.Device) *controlPoint {
	cp := &controlPoint{
		dev:    dev,
		notify: make(chan []byte, 16),
	}
	dev.SetNotifier(func(data []byte) {
		select {
		case cp.notify <- data:
		default:
			log.Warnf("target: notification queue full, dropping %x", data)
		}
	})
	dev.SetActivateHandler(cp.activate)
	return cp
}

func (cp *controlPoint) characteristic() *ble.Characteristic {
	c := ble.NewCharacteristic(ble.MustParse(dfu.ControlPointUUID))
	c.HandleWrite(ble.WriteHandlerFunc(cp.written))
	c.HandleNotify(ble.NotifyHandlerFunc(cp.notifyResponses))
	return c
}

func (cp *controlPoint) written(req ble.Request, rsp ble.ResponseWriter) {
	cp.mu.Lock()
	cp.conn = req.Conn()
	cp.mu.Unlock()
	log.Tracef("target: control point <- %x", req.Data())
	cp.dev.HandleControl(req.Data())
}

func (cp *controlPoint) notifyResponses(req ble.Request, n ble.Notifier) {
	log.Debugf("target: %v subscribed", req.Conn().RemoteAddr())
	for {
		select {
		case data := <-cp.notify:
			log.Tracef("target: control point -> %x", data)
			if _, err := n.Write(data); err != nil {
				log.Errorf("target: cannot notify: %v", err)
				return
			}
		case <-n.Context().Done():
			log.Debugf("target: %v unsubscribed", req.Conn().RemoteAddr())
			return
		}
	}
}

// activate drops the connection like a bootloader resetting into the new
// image.
func (cp *controlPoint) activate() {
	log.Infof("target: firmware activated (%d bytes)", len(cp.dev.Firmware()))
	cp.mu.Lock()
	conn := cp.conn
	cp.conn = nil
	cp.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Warnf("target: cannot disconnect: %v", err)
		}
	}
}

func packetCharacteristic(dev *target.Device) *ble.Characteristic {
	c := ble.NewCharacteristic(ble.MustParse(dfu.PacketUUID))
	c.HandleWrite(ble.WriteHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
		dev.HandlePacket(req.Data())
	}))
	return c
}

func (x *cmdTarget) Execute(args []string) error {
	if _, err := bleconn.NewDevice(bleconn.New(), x.Name, opts.HCI, dfu.ConnectOptions{}); err != nil {
		return err
	}

	dev := target.New(target.Config{
		MaxCommandSize: x.MaxCommandSize,
		MaxDataSize:    x.MaxDataSize,
	})
	cp := newControlPoint(dev)

	svcUUID := ble.MustParse(dfu.ServiceUUID)
	svc := ble.NewService(svcUUID)
	svc.AddCharacteristic(cp.characteristic())
	svc.AddCharacteristic(packetCharacteristic(dev))
	if err := ble.AddService(svc); err != nil {
		return errors.Wrap(err, "cannot add service")
	}

	log.Infof("advertising %q, max object sizes %d/%d", x.Name, x.MaxCommandSize, x.MaxDataSize)
	ctx := ble.WithSigHandler(context.WithCancel(context.Background()))
	err := ble.AdvertiseNameAndServices(ctx, x.Name, svcUUID)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		log.Infof("interrupted")
	default:
		return fmt.Errorf("cannot advertise: %v", err)
	}
	if fw := dev.Firmware(); len(fw) > 0 {
		log.Infof("received %d bytes of firmware, init packet %d bytes", len(fw), len(dev.InitPacket()))
	}
	return nil
}

func init() {
	parser.AddCommand("target",
		"Simulate a device in DFU mode",
		"Advertise the secure DFU service and accept updates like a device bootloader.",
		&cmdTarget{})
}
