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
	"sync/atomic"
	"time"

	"github.com/mvo5/ble-dfu/protocol"
)

const notificationQueueSize = 16

// ControlPoint issues commands on the control point characteristic and
// matches them with the response notifications. Only one command may be
// outstanding at a time.
type ControlPoint struct {
	ch      Channel
	frames  chan []byte
	timeout time.Duration
	log     *logger

	inFlight int32
}

func newControlPoint(ch Channel, timeout time.Duration, log *logger) *ControlPoint {
	return &ControlPoint{
		ch:      ch,
		frames:  make(chan []byte, notificationQueueSize),
		timeout: timeout,
		log:     log,
	}
}

// handleNotification is registered with the control point subscription.
func (cp *ControlPoint) handleNotification(data []byte) {
	frame := make([]byte, len(data))
	copy(frame, data)
	select {
	case cp.frames <- frame:
	default:
		cp.log.Warnf("control point queue full, dropping notification %x", frame)
	}
}

func (cp *ControlPoint) acquire(op protocol.Opcode) error {
	if !atomic.CompareAndSwapInt32(&cp.inFlight, 0, 1) {
		return newError(KindBusy, "cannot issue %s while another command is outstanding", op)
	}
	return nil
}

func (cp *ControlPoint) release() {
	atomic.StoreInt32(&cp.inFlight, 0)
}

// drain discards notifications nobody waited for.
func (cp *ControlPoint) drain() {
	for {
		select {
		case f := <-cp.frames:
			cp.log.Debugf("discarding stale control point notification %x", f)
		default:
			return
		}
	}
}

func (cp *ControlPoint) request(ctx context.Context, req protocol.Request) (*protocol.Response, error) {
	op := req.Opcode()
	if err := cp.acquire(op); err != nil {
		return nil, err
	}
	defer cp.release()

	cp.drain()
	cp.log.Tracef("control point: -> %s %x", op, req.Payload())
	if err := cp.ch.Write(ctx, req, false); err != nil {
		return nil, wrapError(KindWriteError, err, "cannot write %s command", op)
	}
	return cp.next(ctx, op, nil)
}

// next waits for the response to op. A closed abort channel ends the wait
// with KindAborted.
func (cp *ControlPoint) next(ctx context.Context, op protocol.Opcode, abort <-chan struct{}) (*protocol.Response, error) {
	waitCtx, cancel := context.WithTimeout(ctx, cp.timeout)
	defer cancel()

	var frame []byte
	select {
	case frame = <-cp.frames:
	case <-abort:
		return nil, newError(KindAborted, "aborted while waiting for %s response", op)
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, wrapError(KindAborted, ctx.Err(), "cancelled while waiting for %s response", op)
		}
		return nil, newError(KindNotificationTimeout, "no %s response within %v", op, cp.timeout)
	}

	rsp, err := protocol.ParseResponse(frame)
	if err != nil {
		return nil, wrapError(KindUnexpectedNotification, err, "waiting for %s response", op)
	}
	cp.log.Tracef("control point: <- %s %s %x", rsp.Opcode, rsp.Result, rsp.Payload)
	if rsp.Opcode != op {
		return nil, newError(KindUnexpectedNotification, "got %s response while waiting for %s", rsp.Opcode, op)
	}
	if rsp.Result != protocol.ResultSuccess {
		e := newError(KindCommandError, "%s failed", op)
		e.Code = rsp.Result
		return nil, e
	}
	return rsp, nil
}

// Select makes kind the current object and returns the device's position
// within it.
func (cp *ControlPoint) Select(ctx context.Context, kind protocol.ObjectKind) (protocol.SelectResult, error) {
	rsp, err := cp.request(ctx, protocol.SelectRequest(kind))
	if err != nil {
		return protocol.SelectResult{}, err
	}
	res, err := rsp.Select()
	if err != nil {
		return protocol.SelectResult{}, wrapError(KindUnexpectedNotification, err, "select %s", kind)
	}
	return res, nil
}

// Create allocates a new object of kind with size bytes on the device.
func (cp *ControlPoint) Create(ctx context.Context, kind protocol.ObjectKind, size uint32) error {
	_, err := cp.request(ctx, protocol.CreateRequest(kind, size))
	return err
}

// SetPRN sets the packet receipt notification interval.
func (cp *ControlPoint) SetPRN(ctx context.Context, n uint16) error {
	_, err := cp.request(ctx, protocol.SetPRNRequest(n))
	return err
}

// CalculateChecksum asks the device for the offset and checksum of the
// bytes it received for the current object kind.
func (cp *ControlPoint) CalculateChecksum(ctx context.Context) (Position, error) {
	rsp, err := cp.request(ctx, protocol.CalculateChecksumRequest())
	if err != nil {
		return Position{}, err
	}
	return checksumPosition(rsp)
}

// Execute commits the current object.
func (cp *ControlPoint) Execute(ctx context.Context) error {
	_, err := cp.request(ctx, protocol.ExecuteRequest())
	return err
}

// WaitChecksum waits for an unsolicited packet receipt notification.
func (cp *ControlPoint) WaitChecksum(ctx context.Context, abort <-chan struct{}) (Position, error) {
	if err := cp.acquire(protocol.OpCalculateChecksum); err != nil {
		return Position{}, err
	}
	defer cp.release()

	rsp, err := cp.next(ctx, protocol.OpCalculateChecksum, abort)
	if err != nil {
		return Position{}, err
	}
	return checksumPosition(rsp)
}

func checksumPosition(rsp *protocol.Response) (Position, error) {
	res, err := rsp.Checksum()
	if err != nil {
		return Position{}, wrapError(KindUnexpectedNotification, err, "checksum response")
	}
	return Position{Offset: res.Offset, CRC: res.CRC}, nil
}
