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

import "context"

// Image is one init packet and firmware pair of a DFU package.
type Image struct {
	Name       string
	InitPacket []byte
	Firmware   []byte
}

// Update transfers images in order. The bootloader activates each image
// once its last object is executed and drops the connection, so the
// transport waits for the disconnection before moving on and reconnects
// for the next image.
func (t *Transport) Update(ctx context.Context, images []Image) error {
	for i, img := range images {
		t.log.Infof("updating %s (%d/%d): init packet %d bytes, firmware %d bytes",
			img.Name, i+1, len(images), len(img.InitPacket), len(img.Firmware))
		if err := t.SendInitPacket(ctx, img.InitPacket); err != nil {
			return err
		}
		if err := t.SendFirmware(ctx, img.Firmware); err != nil {
			return err
		}
		if err := t.WaitForDisconnection(ctx); err != nil {
			return err
		}
	}
	return nil
}
