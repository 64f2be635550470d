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

	"github.com/pkg/errors"

	"github.com/mvo5/ble-dfu/protocol"
)

// Kind classifies a DFU failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindAborted
	KindNotificationTimeout
	KindUnexpectedNotification
	KindInvalidCrc
	KindInvalidOffset
	KindWriteError
	KindCommandError
	KindNoCharacteristic
	KindNoService
	KindNotificationStartError
	KindNotificationStopError
	KindInitPacketTooLarge
	KindDisconnectionTimeout
	KindConnectionParamError
	KindAttMtuError
	KindBusy
)

var kindNames = map[Kind]string{
	KindUnknown:                "unknown",
	KindAborted:                "aborted",
	KindNotificationTimeout:    "notification timeout",
	KindUnexpectedNotification: "unexpected notification",
	KindInvalidCrc:             "invalid crc",
	KindInvalidOffset:          "invalid offset",
	KindWriteError:             "write error",
	KindCommandError:           "command error",
	KindNoCharacteristic:       "no characteristic",
	KindNoService:              "no service",
	KindNotificationStartError: "cannot start notifications",
	KindNotificationStopError:  "cannot stop notifications",
	KindInitPacketTooLarge:     "init packet too large",
	KindDisconnectionTimeout:   "disconnection timeout",
	KindConnectionParamError:   "connection parameter error",
	KindAttMtuError:            "att mtu error",
	KindBusy:                   "command in progress",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the failure type returned by every operation of this package.
// Code is only meaningful for KindCommandError.
type Error struct {
	Kind Kind
	Code protocol.ResultCode
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Kind == KindCommandError {
		msg += fmt.Sprintf(" (%s)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind. It makes the
// Err* sentinels usable with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrAborted                = &Error{Kind: KindAborted}
	ErrNotificationTimeout    = &Error{Kind: KindNotificationTimeout}
	ErrUnexpectedNotification = &Error{Kind: KindUnexpectedNotification}
	ErrInvalidCrc             = &Error{Kind: KindInvalidCrc}
	ErrInvalidOffset          = &Error{Kind: KindInvalidOffset}
	ErrWriteError             = &Error{Kind: KindWriteError}
	ErrCommandError           = &Error{Kind: KindCommandError}
	ErrNoCharacteristic       = &Error{Kind: KindNoCharacteristic}
	ErrNoService              = &Error{Kind: KindNoService}
	ErrNotificationStart      = &Error{Kind: KindNotificationStartError}
	ErrNotificationStop       = &Error{Kind: KindNotificationStopError}
	ErrInitPacketTooLarge     = &Error{Kind: KindInitPacketTooLarge}
	ErrDisconnectionTimeout   = &Error{Kind: KindDisconnectionTimeout}
	ErrConnectionParam        = &Error{Kind: KindConnectionParamError}
	ErrAttMtu                 = &Error{Kind: KindAttMtuError}
	ErrBusy                   = &Error{Kind: KindBusy}
)

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// NewError returns an error of kind wrapping err, which may be nil. It
// is meant for Connection and ChannelFinder implementations.
func NewError(kind Kind, err error, format string, args ...interface{}) *Error {
	return wrapError(kind, err, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CommandCode returns the device result code carried by a command error.
func CommandCode(err error) (protocol.ResultCode, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindCommandError {
		return e.Code, true
	}
	return 0, false
}

// terminal failures are never retried by the object transfer loop.
func isTerminal(err error) bool {
	switch KindOf(err) {
	case KindAborted, KindNotificationTimeout:
		return true
	}
	return false
}
