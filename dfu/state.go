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

	"github.com/mvo5/ble-dfu/protocol"
)

// Position is the number of bytes accepted so far and their checksum.
type Position struct {
	Offset uint32
	CRC    uint32
}

func (p Position) String() string {
	return fmt.Sprintf("offset %d crc 0x%08x", p.Offset, p.CRC)
}

// Object is one commit unit of a payload.
type Object struct {
	Kind  protocol.ObjectKind
	Index int
	// Start is the offset of the first byte of Data within the payload.
	Start uint32
	Data  []byte
	// CRC is the checksum of the payload up to the end of the object.
	CRC uint32
}

// End is the payload offset right after the object.
func (o *Object) End() uint32 {
	return o.Start + uint32(len(o.Data))
}

// StartPosition is the position the device must be at before the object
// is created.
func (o *Object) StartPosition(payload []byte) Position {
	return Position{Offset: o.Start, CRC: protocol.Checksum(payload[:o.Start])}
}

// PartialObject is an object the device already received in part.
type PartialObject struct {
	Object
	Resume Position
}

// Remainder returns the bytes of the object the device has not seen yet.
// It is empty when the object was fully received but not executed.
func (p *PartialObject) Remainder() []byte {
	return p.Data[p.Resume.Offset-p.Start:]
}

// ResumePlan describes the work left to transfer a payload given what the
// device reported on select.
type ResumePlan struct {
	Kind      protocol.ObjectKind
	Resumable bool
	// Reported is the position the device reported on select.
	Reported      Position
	Start         Position
	MaxObjectSize uint32
	// Partial is the object in progress on the device, if any.
	Partial *PartialObject
	// Remaining are the whole objects that still need to be created, in
	// commit order.
	Remaining []*Object
}

// Bytes is the number of payload bytes still to be written.
func (p *ResumePlan) Bytes() int {
	n := 0
	if p.Partial != nil {
		n += len(p.Partial.Remainder())
	}
	for _, o := range p.Remaining {
		n += len(o.Data)
	}
	return n
}

func (p *ResumePlan) String() string {
	partial := 0
	if p.Partial != nil {
		partial = len(p.Partial.Remainder())
	}
	return fmt.Sprintf("%s object: resumable %v, start %v, partial %d bytes, %d objects remaining",
		p.Kind, p.Resumable, p.Start, partial, len(p.Remaining))
}

// ComputeState decides how much of payload can be skipped given the
// position and maximum object size reported by the device for kind.
func ComputeState(payload []byte, device protocol.SelectResult, kind protocol.ObjectKind) (*ResumePlan, error) {
	maxSize := device.MaxSize
	if maxSize == 0 {
		return nil, newError(KindInvalidOffset, "device reported a maximum object size of 0")
	}
	if kind == protocol.ObjectCommand && uint32(len(payload)) > maxSize {
		return nil, newError(KindInitPacketTooLarge, "init packet is %d bytes, device accepts at most %d", len(payload), maxSize)
	}

	plan := &ResumePlan{
		Kind:          kind,
		MaxObjectSize: maxSize,
		Reported:      Position{Offset: device.Offset, CRC: device.CRC},
	}
	offset := device.Offset
	if offset == 0 || offset > uint32(len(payload)) || protocol.Checksum(payload[:offset]) != device.CRC {
		plan.Remaining = chunk(payload, kind, 0, maxSize)
		return plan, nil
	}

	plan.Resumable = true
	plan.Start = Position{Offset: offset, CRC: device.CRC}

	if kind == protocol.ObjectCommand {
		plan.Partial = &PartialObject{
			Object: Object{
				Kind: kind,
				Data: payload,
				CRC:  protocol.Checksum(payload),
			},
			Resume: plan.Start,
		}
		return plan, nil
	}

	// the object holding the byte before offset may not be executed yet;
	// on a boundary it is fully received and only needs executing
	boundary := offset - offset%maxSize
	if boundary == offset {
		boundary -= maxSize
	}
	end := boundary + maxSize
	if end > uint32(len(payload)) {
		end = uint32(len(payload))
	}
	plan.Partial = &PartialObject{
		Object: Object{
			Kind:  kind,
			Index: int(boundary / maxSize),
			Start: boundary,
			Data:  payload[boundary:end],
			CRC:   protocol.Checksum(payload[:end]),
		},
		Resume: plan.Start,
	}
	plan.Remaining = chunk(payload, kind, end, maxSize)
	return plan, nil
}

// chunk splits payload[from:] into objects of at most maxSize bytes.
func chunk(payload []byte, kind protocol.ObjectKind, from, maxSize uint32) []*Object {
	var objects []*Object
	crc := protocol.Checksum(payload[:from])
	for start := from; start < uint32(len(payload)); start += maxSize {
		end := start + maxSize
		if end > uint32(len(payload)) {
			end = uint32(len(payload))
		}
		crc = protocol.UpdateChecksum(crc, payload[start:end])
		objects = append(objects, &Object{
			Kind:  kind,
			Index: int(start / maxSize),
			Start: start,
			Data:  payload[start:end],
			CRC:   crc,
		})
	}
	return objects
}
