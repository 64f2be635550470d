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
	"sync"

	"github.com/pkg/errors"

	"github.com/mvo5/ble-dfu/protocol"
)

type State int

const (
	StateUninitialized State = iota
	StateReady
	StateSendingInitPacket
	StateSendingFirmware
	StateAborting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateSendingInitPacket:
		return "sending init packet"
	case StateSendingFirmware:
		return "sending firmware"
	case StateAborting:
		return "aborting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transport drives the secure DFU protocol with one device. Transfers on
// one Transport must not run concurrently; a second transfer started while
// one is in flight fails with KindBusy.
type Transport struct {
	conn    Connection
	finder  ChannelFinder
	address string
	cfg     Config
	log     *logger

	initMu sync.Mutex

	mu         sync.Mutex
	state      State
	peer       *Peer
	control    Channel
	packet     Channel
	cp         *ControlPoint
	packetSize int
	abort      chan struct{}
	aborted    bool
	stopParams chan struct{}
}

// New returns a transport for the device at address. Nothing is sent
// before the first operation.
func New(conn Connection, finder ChannelFinder, address string, opts ...Option) *Transport {
	if conn == nil || finder == nil {
		panic("dfu: connection and channel finder cannot be nil")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Transport{
		conn:       conn,
		finder:     finder,
		address:    address,
		cfg:        cfg,
		log:        &logger{log: cfg.Logger.WithField("peer", address), obs: cfg.Observers},
		packetSize: protocol.DefaultPacketSize,
	}
}

// State returns the current state of the transport.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// PacketSize is the size of data packets, known after Initialize.
func (t *Transport) PacketSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.packetSize
}

func (t *Transport) stage(name string) {
	observers(t.cfg.Observers).progress(Progress{Stage: name})
}

func (t *Transport) ready() bool {
	t.mu.Lock()
	cp, peer := t.cp, t.peer
	t.mu.Unlock()
	if cp == nil || peer == nil {
		return false
	}
	_, connected := t.conn.ConnectedPeer(peer.Address)
	return connected
}

// Initialize connects to the device when needed, locates the DFU
// characteristics, enables control point notifications and negotiates MTU
// and packet receipt notifications. It does nothing when the transport is
// already initialized and the device is still connected.
func (t *Transport) Initialize(ctx context.Context) error {
	t.initMu.Lock()
	defer t.initMu.Unlock()

	if t.ready() {
		return nil
	}
	t.stage(StageInitializing)

	peer, connected := t.conn.ConnectedPeer(t.address)
	if !connected {
		t.log.Infof("connecting to %s", t.address)
		var err error
		peer, err = t.conn.Connect(ctx, t.address, t.cfg.Connect)
		if err != nil {
			return errors.Wrapf(err, "cannot connect to %s", t.address)
		}
	}
	t.log.Debugf("connected to %v", peer)

	control, err := t.findChannel(ctx, peer, ControlPointUUID)
	if err != nil {
		return err
	}
	packet, err := t.findChannel(ctx, peer, PacketUUID)
	if err != nil {
		return err
	}

	cp := newControlPoint(control, t.cfg.NotificationTimeout, t.log)
	if err := control.Subscribe(cp.handleNotification); err != nil {
		return wrapError(KindNotificationStartError, err, "control point")
	}

	packetSize := protocol.DefaultPacketSize
	if t.cfg.MTU > 0 {
		ex, ok := t.conn.(MTUExchanger)
		if !ok {
			t.log.Warnf("connection cannot exchange MTU, using %d byte packets", packetSize)
		} else {
			mtu, err := ex.ExchangeMTU(ctx, peer, t.cfg.MTU)
			if err != nil {
				return wrapError(KindAttMtuError, err, "cannot exchange MTU %d", t.cfg.MTU)
			}
			packetSize = protocol.PacketSizeForMTU(mtu)
			t.log.Debugf("ATT MTU %d, packet size %d", mtu, packetSize)
		}
	}

	if t.cfg.PRN > 0 {
		if err := cp.SetPRN(ctx, t.cfg.PRN); err != nil {
			return err
		}
		t.log.Debugf("packet receipt notification every %d packets", t.cfg.PRN)
	}

	t.mu.Lock()
	t.peer = peer
	t.control = control
	t.packet = packet
	t.cp = cp
	t.packetSize = packetSize
	if t.state == StateUninitialized {
		t.state = StateReady
	}
	startForwarder := t.stopParams == nil
	if startForwarder {
		t.stopParams = make(chan struct{})
	}
	stop := t.stopParams
	t.mu.Unlock()

	if reqs := t.conn.ConnParamRequests(); startForwarder && reqs != nil {
		go t.forwardConnParams(reqs, stop)
	}
	return nil
}

func (t *Transport) findChannel(ctx context.Context, peer *Peer, uuid string) (Channel, error) {
	ch, err := t.finder.FindChannel(ctx, peer, ServiceUUID, uuid)
	if err != nil {
		if KindOf(err) != KindUnknown {
			return nil, err
		}
		return nil, wrapError(KindNoCharacteristic, err, "cannot find %s in service %s", uuid, ServiceUUID)
	}
	return ch, nil
}

func (t *Transport) forwardConnParams(reqs <-chan ConnParamRequest, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case req, ok := <-reqs:
			if !ok {
				return
			}
			t.HandleConnParamRequest(context.Background(), req)
		}
	}
}

// HandleConnParamRequest applies connection parameters requested by the
// device. A failure is reported but does not affect a running transfer.
func (t *Transport) HandleConnParamRequest(ctx context.Context, req ConnParamRequest) error {
	t.log.Debugf("%v requests connection parameters %v", req.Peer, req.Params)
	if err := t.conn.UpdateConnectionParameters(ctx, req.Peer, req.Params); err != nil {
		e := wrapError(KindConnectionParamError, err, "cannot apply %v", req.Params)
		t.log.Warnf("%v", e)
		return e
	}
	return nil
}

// begin marks the start of a transfer and returns its abort channel.
func (t *Transport) begin(s State) (<-chan struct{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateSendingInitPacket, StateSendingFirmware, StateAborting:
		return nil, newError(KindBusy, "transport is %s", t.state)
	}
	t.state = s
	t.abort = make(chan struct{})
	t.aborted = false
	return t.abort, nil
}

func (t *Transport) end(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.abort = nil
	if err != nil {
		t.state = StateFailed
		return
	}
	t.state = StateReady
}

// Abort makes the transfer in flight fail with KindAborted at the next
// packet or acknowledgment wait.
func (t *Transport) Abort() {
	t.mu.Lock()
	if t.abort == nil || t.aborted {
		t.mu.Unlock()
		return
	}
	close(t.abort)
	t.aborted = true
	t.state = StateAborting
	t.mu.Unlock()

	t.log.Infof("aborting transfer")
}

func (t *Transport) selectObject(ctx context.Context, kind protocol.ObjectKind, data []byte) (*ResumePlan, error) {
	t.mu.Lock()
	cp := t.cp
	t.mu.Unlock()
	sel, err := cp.Select(ctx, kind)
	if err != nil {
		return nil, err
	}
	t.log.Debugf("select %s: max size %d, offset %d, crc 0x%08x", kind, sel.MaxSize, sel.Offset, sel.CRC)
	return ComputeState(data, sel, kind)
}

// GetInitPacketState returns how much of the init packet data the device
// already holds.
func (t *Transport) GetInitPacketState(ctx context.Context, data []byte) (*ResumePlan, error) {
	if err := t.Initialize(ctx); err != nil {
		return nil, err
	}
	return t.selectObject(ctx, protocol.ObjectCommand, data)
}

// GetFirmwareState returns how much of the firmware data the device
// already holds.
func (t *Transport) GetFirmwareState(ctx context.Context, data []byte) (*ResumePlan, error) {
	if err := t.Initialize(ctx); err != nil {
		return nil, err
	}
	return t.selectObject(ctx, protocol.ObjectData, data)
}

// SendInitPacket transfers and executes the init packet, resuming a
// previous partial transfer when the device holds a matching prefix. An
// init packet larger than the device accepts fails with
// KindInitPacketTooLarge after Select, the only command sent.
func (t *Transport) SendInitPacket(ctx context.Context, data []byte) error {
	return t.send(ctx, protocol.ObjectCommand, data)
}

// SendFirmware transfers and executes the firmware image object by
// object, resuming after the last object the device holds.
func (t *Transport) SendFirmware(ctx context.Context, data []byte) error {
	return t.send(ctx, protocol.ObjectData, data)
}

func (t *Transport) send(ctx context.Context, kind protocol.ObjectKind, data []byte) (err error) {
	if err := t.Initialize(ctx); err != nil {
		return err
	}

	stage, done, state := StageTransferFirmware, StageCompletedFirmware, StateSendingFirmware
	if kind == protocol.ObjectCommand {
		stage, done, state = StageTransferInitPacket, StageCompletedInitPacket, StateSendingInitPacket
	}
	abort, err := t.begin(state)
	if err != nil {
		return err
	}
	defer func() { t.end(err) }()

	t.stage(stage)
	plan, err := t.selectObject(ctx, kind, data)
	if err != nil {
		return err
	}
	t.log.Infof("%v", plan)
	if !plan.Resumable && plan.Reported.Offset > 0 {
		t.log.Warnf("device holds %d bytes of %s that do not match, starting over", plan.Reported.Offset, kind)
	}

	t.mu.Lock()
	w := &ObjectWriter{
		packet:     t.packet,
		cp:         t.cp,
		prn:        t.cfg.PRN,
		packetSize: t.packetSize,
		log:        t.log,
		obs:        t.cfg.Observers,
		abort:      abort,
	}
	t.mu.Unlock()

	if _, err := t.run(ctx, w, data, plan); err != nil {
		t.log.Errorf("%s transfer failed: %v", kind, err)
		return err
	}
	t.stage(done)
	return nil
}

// run folds the plan's objects in commit order, each step consuming the
// position reached by the previous one.
func (t *Transport) run(ctx context.Context, w *ObjectWriter, payload []byte, plan *ResumePlan) (Position, error) {
	pos := plan.Start
	var err error
	if plan.Partial != nil {
		if pos, err = t.finishPartial(ctx, w, payload, plan.Partial); err != nil {
			return pos, err
		}
	}
	for _, obj := range plan.Remaining {
		if pos, err = t.transferObject(ctx, w, obj, pos, t.cfg.Retries); err != nil {
			return pos, err
		}
	}
	return pos, nil
}

// finishPartial completes an object the device received in part. If that
// fails the object is recreated from its first byte.
func (t *Transport) finishPartial(ctx context.Context, w *ObjectWriter, payload []byte, p *PartialObject) (Position, error) {
	t.log.Debugf("resuming %s object %d at %v", p.Kind, p.Index, p.Resume)
	pos, err := t.writeAndExecute(ctx, w, p.Kind, p.Remainder(), p.Resume)
	if err == nil {
		return pos, nil
	}
	if isTerminal(err) || t.cfg.Retries <= 1 {
		return p.Resume, err
	}
	t.log.Warnf("cannot resume %s object %d: %v, recreating it", p.Kind, p.Index, err)
	return t.transferObject(ctx, w, &p.Object, p.StartPosition(payload), t.cfg.Retries-1)
}

// transferObject creates, writes, validates and executes obj, retrying the
// whole unit up to attempts times.
func (t *Transport) transferObject(ctx context.Context, w *ObjectWriter, obj *Object, start Position, attempts int) (Position, error) {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var pos Position
		pos, err = t.createAndWrite(ctx, w, obj, start)
		if err == nil {
			return pos, nil
		}
		if isTerminal(err) {
			return start, err
		}
		t.log.Warnf("%s object %d attempt %d/%d failed: %v", obj.Kind, obj.Index, attempt, attempts, err)
	}
	return start, err
}

func (t *Transport) createAndWrite(ctx context.Context, w *ObjectWriter, obj *Object, start Position) (Position, error) {
	if err := w.cp.Create(ctx, obj.Kind, uint32(len(obj.Data))); err != nil {
		return start, err
	}
	// a new command object starts over at offset 0
	if obj.Kind == protocol.ObjectCommand {
		start = Position{}
	}
	return t.writeAndExecute(ctx, w, obj.Kind, obj.Data, start)
}

// writeAndExecute writes data and commits the object. The device position
// is always cross-checked with CalculateChecksum right before executing.
func (t *Transport) writeAndExecute(ctx context.Context, w *ObjectWriter, kind protocol.ObjectKind, data []byte, start Position) (Position, error) {
	pos := start
	if len(data) > 0 {
		var err error
		if pos, err = w.WriteObject(ctx, data, kind, start); err != nil {
			return start, err
		}
	}
	got, err := w.cp.CalculateChecksum(ctx)
	if err != nil {
		return start, err
	}
	if err := validatePosition(got, pos); err != nil {
		return start, err
	}

	if err := w.cp.Execute(ctx); err != nil {
		code, _ := CommandCode(err)
		if len(data) == 0 && code == protocol.ResultOperationNotPermitted {
			t.log.Debugf("%s object at %v was already executed", kind, pos)
			return pos, nil
		}
		return start, err
	}
	t.log.Debugf("executed %s object, device at %v", kind, pos)
	return pos, nil
}

// WaitForDisconnection waits until the device drops the connection, which
// it does after activating a new image.
func (t *Transport) WaitForDisconnection(ctx context.Context) error {
	t.mu.Lock()
	peer := t.peer
	t.mu.Unlock()
	if peer == nil {
		return nil
	}
	if _, connected := t.conn.ConnectedPeer(peer.Address); !connected {
		t.disconnected()
		return nil
	}

	t.stage(StageWaitingDisconnect)
	ctx, cancel := context.WithTimeout(ctx, t.cfg.DisconnectionTimeout)
	defer cancel()
	select {
	case <-t.conn.Disconnected(peer):
		t.log.Debugf("%v disconnected", peer)
		t.disconnected()
		return nil
	case <-ctx.Done():
		return newError(KindDisconnectionTimeout, "%v still connected after %v", peer, t.cfg.DisconnectionTimeout)
	}
}

func (t *Transport) disconnected() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peer = nil
	t.control = nil
	t.packet = nil
	t.cp = nil
	t.state = StateUninitialized
}

// Close stops forwarding connection parameter requests and disables
// control point notifications.
func (t *Transport) Close() error {
	t.mu.Lock()
	stop, control := t.stopParams, t.control
	t.stopParams = nil
	t.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if control != nil {
		if err := control.Unsubscribe(); err != nil {
			return wrapError(KindNotificationStopError, err, "control point")
		}
	}
	return nil
}
