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

// Package bleconn implements the dfu collaborators on top of go-ble and
// the Linux HCI stack.
package bleconn

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	ble_linux "github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci"
	"github.com/go-ble/ble/linux/hci/cmd"
	"github.com/go-ble/ble/linux/hci/evt"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mvo5/ble-dfu/dfu"
)

const (
	connIntervalUnit = 1250 * time.Microsecond
	supervisionUnit  = 10 * time.Millisecond
	scanUnit         = 625 * time.Microsecond
)

var (
	_ dfu.Connection    = (*Conn)(nil)
	_ dfu.MTUExchanger  = (*Conn)(nil)
	_ dfu.ChannelFinder = (*Conn)(nil)
)

type link struct {
	cln     ble.Client
	peer    *dfu.Peer
	profile *ble.Profile
}

// Conn tracks the links established through the default go-ble device.
type Conn struct {
	hci *hci.HCI

	mu      sync.Mutex
	links   map[string]*link
	handles map[string]uint16
}

func New() *Conn {
	return &Conn{
		links:   make(map[string]*link),
		handles: make(map[string]uint16),
	}
}

// NewDevice opens the HCI device with the given id, makes it the default
// go-ble device and lets c follow its connections.
func NewDevice(c *Conn, name string, id int, opts dfu.ConnectOptions) (*ble_linux.Device, error) {
	dev, err := ble_linux.NewDeviceWithName(name,
		ble.OptDeviceID(id),
		ble.OptConnectHandler(c.HandleConnect),
		ble.OptDisconnectHandler(c.HandleDisconnect),
		ble.OptScanParams(scanParameters(opts)),
		ble.OptConnParams(createConnection(opts)),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open hci%d", id)
	}
	c.hci = dev.HCI
	ble.SetDefaultDevice(dev)
	return dev, nil
}

// peerAddress formats an address the controller reports in little endian
// order.
func peerAddress(a [6]byte) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[5], a[4], a[3], a[2], a[1], a[0])
}

func (c *Conn) HandleConnect(e evt.LEConnectionComplete) {
	addr := peerAddress(e.PeerAddress())
	log.Debugf("connected %s, handle %v", addr, e.ConnectionHandle())
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles[addr] = e.ConnectionHandle()
	if l := c.links[addr]; l != nil {
		l.peer.Handle = e.ConnectionHandle()
	}
}

func (c *Conn) HandleDisconnect(e evt.DisconnectionComplete) {
	log.Debugf("disconnected handle %v, reason 0x%02x", e.ConnectionHandle(), e.Reason())
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, h := range c.handles {
		if h == e.ConnectionHandle() {
			delete(c.handles, addr)
			delete(c.links, addr)
		}
	}
}

func (c *Conn) Connect(ctx context.Context, address string, opts dfu.ConnectOptions) (*dfu.Peer, error) {
	address = strings.ToLower(address)
	if opts.Scan.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Scan.Timeout)
		defer cancel()
	}
	var addr ble.Addr = ble.NewAddr(address)
	if opts.AddressType == dfu.AddressRandom {
		addr = hci.RandomAddress{Addr: addr}
	}
	cln, err := ble.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	peer := &dfu.Peer{Address: address, Handle: c.handles[address]}
	l := &link{cln: cln, peer: peer}
	c.links[address] = l
	c.mu.Unlock()

	go func() {
		<-cln.Disconnected()
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.links[address] == l {
			delete(c.links, address)
		}
	}()

	if opts.Conn != (dfu.ConnParams{}) {
		if err := c.UpdateConnectionParameters(ctx, peer, opts.Conn); err != nil {
			log.Warnf("cannot apply connection parameters: %v", err)
		}
	}
	return peer, nil
}

func (c *Conn) link(address string) (*link, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.links[address]
	return l, ok
}

func (c *Conn) ConnectedPeer(address string) (*dfu.Peer, bool) {
	l, ok := c.link(strings.ToLower(address))
	if !ok {
		return nil, false
	}
	return l.peer, true
}

func (c *Conn) UpdateConnectionParameters(ctx context.Context, peer *dfu.Peer, params dfu.ConnParams) error {
	if c.hci == nil {
		return errors.New("no HCI device")
	}
	return c.hci.Send(connectionUpdate(peer.Handle, params), nil)
}

func (c *Conn) Disconnected(peer *dfu.Peer) <-chan struct{} {
	l, ok := c.link(peer.Address)
	if !ok {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return l.cln.Disconnected()
}

// ConnParamRequests returns nil, the HCI layer answers parameter requests
// of the peer on its own.
func (c *Conn) ConnParamRequests() <-chan dfu.ConnParamRequest {
	return nil
}

func (c *Conn) ExchangeMTU(ctx context.Context, peer *dfu.Peer, mtu int) (int, error) {
	l, ok := c.link(peer.Address)
	if !ok {
		return 0, errors.Errorf("%s is not connected", peer.Address)
	}
	return l.cln.ExchangeMTU(mtu)
}

func (c *Conn) FindChannel(ctx context.Context, peer *dfu.Peer, service, channel string) (dfu.Channel, error) {
	l, ok := c.link(peer.Address)
	if !ok {
		return nil, errors.Errorf("%s is not connected", peer.Address)
	}
	svcUUID, err := ble.Parse(service)
	if err != nil {
		return nil, err
	}
	charUUID, err := ble.Parse(channel)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	profile := l.profile
	c.mu.Unlock()
	if profile == nil {
		profile, err = l.cln.DiscoverProfile(true)
		if err != nil {
			return nil, errors.Wrap(err, "cannot discover profile")
		}
		c.mu.Lock()
		l.profile = profile
		c.mu.Unlock()
	}

	for _, s := range profile.Services {
		if !s.UUID.Equal(svcUUID) {
			continue
		}
		for _, ch := range s.Characteristics {
			if ch.UUID.Equal(charUUID) {
				log.Tracef("found characteristic %v, properties 0x%02x", ch.UUID, ch.Property)
				return &Channel{cln: l.cln, char: ch}, nil
			}
		}
		return nil, dfu.NewError(dfu.KindNoCharacteristic, nil, "%s not found in service %s", channel, service)
	}
	return nil, dfu.NewError(dfu.KindNoService, nil, "service %s not found on %s", service, peer.Address)
}

// Channel is a characteristic of a connected peer.
type Channel struct {
	cln  ble.Client
	char *ble.Characteristic
}

func (ch *Channel) Write(ctx context.Context, data []byte, withoutResponse bool) error {
	return ch.cln.WriteCharacteristic(ch.char, data, withoutResponse)
}

func (ch *Channel) Subscribe(handler func(data []byte)) error {
	return ch.cln.Subscribe(ch.char, false, handler)
}

func (ch *Channel) Unsubscribe() error {
	return ch.cln.Unsubscribe(ch.char, false)
}

func units(d, unit time.Duration) uint16 {
	return uint16(d / unit)
}

func connectionUpdate(handle uint16, p dfu.ConnParams) *cmd.LEConnectionUpdate {
	return &cmd.LEConnectionUpdate{
		ConnectionHandle:   handle,
		ConnIntervalMin:    units(p.MinInterval, connIntervalUnit),
		ConnIntervalMax:    units(p.MaxInterval, connIntervalUnit),
		ConnLatency:        p.SlaveLatency,
		SupervisionTimeout: units(p.SupervisionTimeout, supervisionUnit),
		MinimumCELength:    0,
		MaximumCELength:    0,
	}
}

// Defaults match what go-ble uses when no options are given.
func scanParameters(opts dfu.ConnectOptions) cmd.LESetScanParameters {
	p := cmd.LESetScanParameters{
		LEScanType:     0x01,
		LEScanInterval: 0x0004,
		LEScanWindow:   0x0004,
	}
	if !opts.Scan.Active {
		p.LEScanType = 0x00
	}
	if opts.Scan.Interval > 0 {
		p.LEScanInterval = units(opts.Scan.Interval, scanUnit)
	}
	if opts.Scan.Window > 0 {
		p.LEScanWindow = units(opts.Scan.Window, scanUnit)
	}
	return p
}

func createConnection(opts dfu.ConnectOptions) cmd.LECreateConnection {
	p := cmd.LECreateConnection{
		LEScanInterval:     0x0004,
		LEScanWindow:       0x0004,
		ConnIntervalMin:    0x0006,
		ConnIntervalMax:    0x0006,
		ConnLatency:        0x0000,
		SupervisionTimeout: 0x0048,
		MinimumCELength:    0x0000,
		MaximumCELength:    0x0000,
	}
	if opts.AddressType == dfu.AddressRandom {
		p.PeerAddressType = 0x01
	}
	if opts.Conn.MinInterval > 0 {
		p.ConnIntervalMin = units(opts.Conn.MinInterval, connIntervalUnit)
	}
	if opts.Conn.MaxInterval > 0 {
		p.ConnIntervalMax = units(opts.Conn.MaxInterval, connIntervalUnit)
	}
	p.ConnLatency = opts.Conn.SlaveLatency
	if opts.Conn.SupervisionTimeout > 0 {
		p.SupervisionTimeout = units(opts.Conn.SupervisionTimeout, supervisionUnit)
	}
	return p
}
