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

// Package protocol implements the wire format of the secure DFU control
// point: request opcodes, response frames, result codes and the CRC32
// used to validate transferred objects.
package protocol

import "fmt"

// Opcode is the first byte of a control point frame.
type Opcode byte

const (
	OpCreate            Opcode = 0x01
	OpSetPRN            Opcode = 0x02
	OpCalculateChecksum Opcode = 0x03
	OpExecute           Opcode = 0x04
	OpSelect            Opcode = 0x06
	OpResponse          Opcode = 0x60
)

func (o Opcode) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpSetPRN:
		return "set-prn"
	case OpCalculateChecksum:
		return "calculate-checksum"
	case OpExecute:
		return "execute"
	case OpSelect:
		return "select"
	case OpResponse:
		return "response"
	default:
		return fmt.Sprintf("opcode(0x%02x)", byte(o))
	}
}

// ResultCode is reported by the device in every response frame.
type ResultCode byte

const (
	ResultInvalidCode           ResultCode = 0x00
	ResultSuccess               ResultCode = 0x01
	ResultOpcodeNotSupported    ResultCode = 0x02
	ResultInvalidParameter      ResultCode = 0x03
	ResultInsufficientResources ResultCode = 0x04
	ResultInvalidObject         ResultCode = 0x05
	ResultUnsupportedType       ResultCode = 0x07
	ResultOperationNotPermitted ResultCode = 0x08
	ResultOperationFailed       ResultCode = 0x0A
)

func (r ResultCode) String() string {
	switch r {
	case ResultInvalidCode:
		return "invalid code"
	case ResultSuccess:
		return "success"
	case ResultOpcodeNotSupported:
		return "opcode not supported"
	case ResultInvalidParameter:
		return "invalid parameter"
	case ResultInsufficientResources:
		return "insufficient resources"
	case ResultInvalidObject:
		return "invalid object"
	case ResultUnsupportedType:
		return "unsupported type"
	case ResultOperationNotPermitted:
		return "operation not permitted"
	case ResultOperationFailed:
		return "operation failed"
	default:
		return fmt.Sprintf("unknown result code 0x%02x", byte(r))
	}
}

// ObjectKind selects which object a Select or Create request refers to.
type ObjectKind byte

const (
	ObjectCommand ObjectKind = 0x01
	ObjectData    ObjectKind = 0x02
)

func (k ObjectKind) String() string {
	switch k {
	case ObjectCommand:
		return "command"
	case ObjectData:
		return "data"
	default:
		return fmt.Sprintf("object(0x%02x)", byte(k))
	}
}

const (
	// DefaultMTU is the ATT MTU before any exchange took place.
	DefaultMTU = 23
	// ATTHeaderSize is the write command overhead within one ATT MTU.
	ATTHeaderSize = 3
	// DefaultPacketSize is the payload of a single data packet with the
	// default MTU.
	DefaultPacketSize = DefaultMTU - ATTHeaderSize
	// MaxMTU is the largest ATT MTU a BLE link can negotiate.
	MaxMTU = 517

	responseHeaderSize = 3
	selectPayloadSize  = 12
	checksumPayloadLen = 8
)

// PacketSizeForMTU returns the largest data packet that fits in a single
// write without response for the given ATT MTU.
func PacketSizeForMTU(mtu int) int {
	if mtu <= ATTHeaderSize {
		return DefaultPacketSize
	}
	if mtu > MaxMTU {
		mtu = MaxMTU
	}
	return mtu - ATTHeaderSize
}
