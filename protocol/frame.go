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

package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrMalformedResponse is returned for frames that are not control point
// responses at all.
var ErrMalformedResponse = errors.New("malformed control point response")

// SelectResult is the payload of a successful Select response.
type SelectResult struct {
	MaxSize uint32
	Offset  uint32
	CRC     uint32
}

// ChecksumResult is the payload of a successful CalculateChecksum response,
// which is also what the device sends as packet receipt notification.
type ChecksumResult struct {
	Offset uint32
	CRC    uint32
}

// Request is a control point command frame.
type Request []byte

// Opcode of the request.
func (r Request) Opcode() Opcode {
	if len(r) == 0 {
		return 0
	}
	return Opcode(r[0])
}

// Payload returns the bytes following the opcode.
func (r Request) Payload() []byte {
	if len(r) == 0 {
		return nil
	}
	return r[1:]
}

func SelectRequest(kind ObjectKind) Request {
	return Request{byte(OpSelect), byte(kind)}
}

func CreateRequest(kind ObjectKind, size uint32) Request {
	req := make(Request, 6)
	req[0] = byte(OpCreate)
	req[1] = byte(kind)
	binary.LittleEndian.PutUint32(req[2:], size)
	return req
}

func SetPRNRequest(n uint16) Request {
	req := make(Request, 3)
	req[0] = byte(OpSetPRN)
	binary.LittleEndian.PutUint16(req[1:], n)
	return req
}

func CalculateChecksumRequest() Request {
	return Request{byte(OpCalculateChecksum)}
}

func ExecuteRequest() Request {
	return Request{byte(OpExecute)}
}

// Response is a decoded control point response frame:
//
//	[0x60][request opcode][result][payload...]
type Response struct {
	Opcode  Opcode
	Result  ResultCode
	Payload []byte
}

// ParseResponse decodes a notification received on the control point.
// The result code is not interpreted here.
func ParseResponse(frame []byte) (*Response, error) {
	if len(frame) < responseHeaderSize {
		return nil, errors.Wrapf(ErrMalformedResponse, "frame too short (%d bytes)", len(frame))
	}
	if Opcode(frame[0]) != OpResponse {
		return nil, errors.Wrapf(ErrMalformedResponse, "unexpected frame type 0x%02x", frame[0])
	}
	payload := make([]byte, len(frame)-responseHeaderSize)
	copy(payload, frame[responseHeaderSize:])
	return &Response{
		Opcode:  Opcode(frame[1]),
		Result:  ResultCode(frame[2]),
		Payload: payload,
	}, nil
}

// Select decodes the payload of a Select response. The device sends the
// maximum object size first, followed by offset and CRC.
func (r *Response) Select() (SelectResult, error) {
	if len(r.Payload) < selectPayloadSize {
		return SelectResult{}, errors.Wrapf(ErrMalformedResponse, "select payload too short (%d bytes)", len(r.Payload))
	}
	return SelectResult{
		MaxSize: binary.LittleEndian.Uint32(r.Payload[0:]),
		Offset:  binary.LittleEndian.Uint32(r.Payload[4:]),
		CRC:     binary.LittleEndian.Uint32(r.Payload[8:]),
	}, nil
}

// Checksum decodes the payload of a CalculateChecksum response.
func (r *Response) Checksum() (ChecksumResult, error) {
	if len(r.Payload) < checksumPayloadLen {
		return ChecksumResult{}, errors.Wrapf(ErrMalformedResponse, "checksum payload too short (%d bytes)", len(r.Payload))
	}
	return ChecksumResult{
		Offset: binary.LittleEndian.Uint32(r.Payload[0:]),
		CRC:    binary.LittleEndian.Uint32(r.Payload[4:]),
	}, nil
}

// EncodeResponse builds a response frame for op with the given result and
// payload.
func EncodeResponse(op Opcode, result ResultCode, payload []byte) []byte {
	frame := make([]byte, 0, responseHeaderSize+len(payload))
	frame = append(frame, byte(OpResponse), byte(op), byte(result))
	return append(frame, payload...)
}

func EncodeSelectResponse(res SelectResult) []byte {
	payload := make([]byte, selectPayloadSize)
	binary.LittleEndian.PutUint32(payload[0:], res.MaxSize)
	binary.LittleEndian.PutUint32(payload[4:], res.Offset)
	binary.LittleEndian.PutUint32(payload[8:], res.CRC)
	return EncodeResponse(OpSelect, ResultSuccess, payload)
}

func EncodeChecksumResponse(res ChecksumResult) []byte {
	payload := make([]byte, checksumPayloadLen)
	binary.LittleEndian.PutUint32(payload[0:], res.Offset)
	binary.LittleEndian.PutUint32(payload[4:], res.CRC)
	return EncodeResponse(OpCalculateChecksum, ResultSuccess, payload)
}
