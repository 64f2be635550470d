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

	"github.com/mvo5/ble-dfu/protocol"
)

// ObjectWriter streams the bytes of one object over the packet
// characteristic, pacing itself with packet receipt notifications.
type ObjectWriter struct {
	packet     Channel
	cp         *ControlPoint
	prn        uint16
	packetSize int

	log   *logger
	obs   observers
	abort <-chan struct{}
}

func (w *ObjectWriter) aborted() bool {
	select {
	case <-w.abort:
		return true
	default:
		return false
	}
}

func (w *ObjectWriter) progress(kind protocol.ObjectKind, pos Position) {
	if kind == protocol.ObjectCommand {
		w.obs.progress(Progress{Stage: StageTransferInitPacket})
		return
	}
	w.obs.progress(Progress{Stage: StageTransferFirmware, Offset: pos.Offset, HasOffset: true})
}

// WriteObject writes data in packets starting at position start and
// returns the position reached. The device is synchronised with after
// every prn packets and once more after the last packet.
func (w *ObjectWriter) WriteObject(ctx context.Context, data []byte, kind protocol.ObjectKind, start Position) (Position, error) {
	pos := start
	counter := 0
	synced := false

	w.log.Debugf("writing %d bytes of %s object at %v", len(data), kind, start)
	for i := 0; i < len(data); i += w.packetSize {
		end := i + w.packetSize
		if end > len(data) {
			end = len(data)
		}
		if w.aborted() {
			return pos, newError(KindAborted, "aborted at %v", pos)
		}
		pkt := data[i:end]
		if err := w.packet.Write(ctx, pkt, true); err != nil {
			return pos, wrapError(KindWriteError, err, "cannot write packet at offset %d", pos.Offset)
		}
		pos.CRC = protocol.UpdateChecksum(pos.CRC, pkt)
		pos.Offset += uint32(len(pkt))
		counter++
		synced = false
		w.progress(kind, pos)

		if w.prn > 0 && counter == int(w.prn) {
			counter = 0
			got, err := w.cp.WaitChecksum(ctx, w.abort)
			if err != nil {
				return pos, err
			}
			w.log.Tracef("packet receipt notification: %v", got)
			if err := validatePosition(got, pos); err != nil {
				return pos, err
			}
			synced = true
		}
	}

	if !synced {
		if w.aborted() {
			return pos, newError(KindAborted, "aborted at %v", pos)
		}
		got, err := w.cp.CalculateChecksum(ctx)
		if err != nil {
			return pos, err
		}
		if err := validatePosition(got, pos); err != nil {
			return pos, err
		}
	}
	return pos, nil
}

// validatePosition compares what the device reports with what was sent.
func validatePosition(device, local Position) error {
	if device.Offset != local.Offset {
		return newError(KindInvalidOffset, "device reports offset %d, expected %d", device.Offset, local.Offset)
	}
	if device.CRC != local.CRC {
		return newError(KindInvalidCrc, "device reports crc 0x%08x, expected 0x%08x", device.CRC, local.CRC)
	}
	return nil
}
