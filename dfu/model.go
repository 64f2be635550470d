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

package dfu

import (
	"context"
	"fmt"
	"time"
)

const (
	// ServiceUUID is the 16-bit secure DFU service.
	ServiceUUID = "fe59"

	uuidBase   = "8ec9"
	uuidSuffix = "-f315-4f60-9fb8-838830daea50"

	controlPointHandle = "0001"
	packetHandle       = "0002"
)

var (
	ControlPointUUID = DFUUUID(controlPointHandle)
	PacketUUID       = DFUUUID(packetHandle)
)

// DFUUUID builds the 128-bit UUID of a DFU characteristic from its handle.
func DFUUUID(handle string) string {
	return uuidBase + handle + uuidSuffix
}

// AddressType of a BLE peer address.
type AddressType int

const (
	AddressPublic AddressType = iota
	AddressRandom
)

func (t AddressType) String() string {
	if t == AddressRandom {
		return "random"
	}
	return "public"
}

// ScanParams are used while looking for the peer before connecting.
type ScanParams struct {
	Active   bool
	Interval time.Duration
	Window   time.Duration
	Timeout  time.Duration
}

// ConnParams are the link layer connection parameters.
type ConnParams struct {
	MinInterval        time.Duration
	MaxInterval        time.Duration
	SlaveLatency       uint16
	SupervisionTimeout time.Duration
}

func (p ConnParams) String() string {
	return fmt.Sprintf("interval %v-%v latency %v timeout %v",
		p.MinInterval, p.MaxInterval, p.SlaveLatency, p.SupervisionTimeout)
}

// ConnectOptions are passed to Connection.Connect.
type ConnectOptions struct {
	AddressType AddressType
	Scan        ScanParams
	Conn        ConnParams
}

// Peer is a connected remote device.
type Peer struct {
	Address string
	Handle  uint16
}

func (p *Peer) String() string {
	return fmt.Sprintf("%s (handle %d)", p.Address, p.Handle)
}

// ConnParamRequest is a connection parameter update requested by the
// remote device.
type ConnParamRequest struct {
	Peer   *Peer
	Params ConnParams
}

// Connection establishes and tracks links to peers.
type Connection interface {
	Connect(ctx context.Context, address string, opts ConnectOptions) (*Peer, error)
	// ConnectedPeer returns the peer if address is currently connected.
	ConnectedPeer(address string) (*Peer, bool)
	UpdateConnectionParameters(ctx context.Context, peer *Peer, params ConnParams) error
	// Disconnected returns a channel that is closed once peer disconnects.
	Disconnected(peer *Peer) <-chan struct{}
	// ConnParamRequests delivers parameter updates requested by peers.
	// It may return nil if the link never reports them.
	ConnParamRequests() <-chan ConnParamRequest
}

// MTUExchanger is implemented by connections that can negotiate the ATT
// MTU. It returns the MTU in effect after the exchange.
type MTUExchanger interface {
	ExchangeMTU(ctx context.Context, peer *Peer, mtu int) (int, error)
}

// Channel is a characteristic of the DFU service.
type Channel interface {
	Write(ctx context.Context, data []byte, withoutResponse bool) error
	Subscribe(handler func(data []byte)) error
	Unsubscribe() error
}

// ChannelFinder locates characteristics of a connected peer.
type ChannelFinder interface {
	FindChannel(ctx context.Context, peer *Peer, service, channel string) (Channel, error)
}
