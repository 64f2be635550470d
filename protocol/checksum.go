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

import "hash/crc32"

// Checksum returns the CRC32 (IEEE) of data, the same checksum the
// bootloader reports for the bytes it accepted.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// UpdateChecksum continues a running checksum crc with data. Passing 0 as
// crc is equivalent to Checksum(data).
func UpdateChecksum(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, crc32.IEEETable, data)
}
