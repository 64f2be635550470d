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
	"fmt"

	"github.com/sirupsen/logrus"
)

// Stage labels carried by progress events.
const (
	StageInitializing        = "Initializing"
	StageTransferInitPacket  = "Transferring init packet"
	StageTransferFirmware    = "Transferring firmware"
	StageWaitingDisconnect   = "Waiting for disconnection"
	StageCompletedInitPacket = "Init packet transferred"
	StageCompletedFirmware   = "Firmware transferred"
)

// Progress is emitted for every packet written and at stage changes.
// Offset is only set (HasOffset) while firmware is being transferred.
type Progress struct {
	Stage     string
	Offset    uint32
	HasOffset bool
}

func (p Progress) String() string {
	if p.HasOffset {
		return fmt.Sprintf("%s: %d", p.Stage, p.Offset)
	}
	return p.Stage
}

// LogMessage mirrors a diagnostic log line.
type LogMessage struct {
	Level   logrus.Level
	Message string
}

// Observer receives events in the order they are produced. Calls are made
// synchronously from the goroutine running the transfer and must return
// quickly.
type Observer interface {
	Progress(p Progress)
	Log(m LogMessage)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are
// ignored.
type ObserverFuncs struct {
	OnProgress func(Progress)
	OnLog      func(LogMessage)
}

func (o ObserverFuncs) Progress(p Progress) {
	if o.OnProgress != nil {
		o.OnProgress(p)
	}
}

func (o ObserverFuncs) Log(m LogMessage) {
	if o.OnLog != nil {
		o.OnLog(m)
	}
}

// Event is either a progress update or a log message.
type Event struct {
	Progress *Progress
	Log      *LogMessage
}

// EventChannel is an Observer that queues events on a channel for the
// caller to drain. Emission blocks once the buffer is full, so the
// channel must be drained while a transfer runs.
type EventChannel struct {
	C chan Event
}

func NewEventChannel(size int) *EventChannel {
	return &EventChannel{C: make(chan Event, size)}
}

func (ec *EventChannel) Progress(p Progress) {
	ec.C <- Event{Progress: &p}
}

func (ec *EventChannel) Log(m LogMessage) {
	ec.C <- Event{Log: &m}
}

type observers []Observer

func (obs observers) progress(p Progress) {
	for _, o := range obs {
		o.Progress(p)
	}
}

func (obs observers) log(m LogMessage) {
	for _, o := range obs {
		o.Log(m)
	}
}
