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

package dfu_test

import (
	"context"
	"time"

	. "gopkg.in/check.v1"

	"github.com/mvo5/ble-dfu/dfu"
	"github.com/mvo5/ble-dfu/protocol"
	"github.com/mvo5/ble-dfu/target"
)

type writerSuite struct {
	dev      *target.Device
	cp       *dfu.ControlPoint
	packet   dfu.Channel
	progress []dfu.Progress
}

var _ = Suite(&writerSuite{})

func (s *writerSuite) setUp(c *C, cfg target.Config) {
	s.dev = target.New(cfg)
	s.dev.Restore(protocol.ObjectData, nil, 0, 0, []byte("init"))
	link := target.NewLink(s.dev)
	ctx := context.Background()
	peer, err := link.Connect(ctx, "aa:bb", dfu.ConnectOptions{})
	c.Assert(err, IsNil)
	control, err := link.FindChannel(ctx, peer, dfu.ServiceUUID, dfu.ControlPointUUID)
	c.Assert(err, IsNil)
	s.packet, err = link.FindChannel(ctx, peer, dfu.ServiceUUID, dfu.PacketUUID)
	c.Assert(err, IsNil)

	s.progress = nil
	s.cp, err = dfu.NewControlPoint(control, 100*time.Millisecond)
	c.Assert(err, IsNil)
}

func (s *writerSuite) writer(prn uint16, abort <-chan struct{}) *dfu.ObjectWriter {
	obs := dfu.ObserverFuncs{OnProgress: func(p dfu.Progress) { s.progress = append(s.progress, p) }}
	return dfu.NewObjectWriter(s.packet, s.cp, prn, 20, abort, obs)
}

func (s *writerSuite) create(c *C, prn uint16, size int) {
	ctx := context.Background()
	c.Assert(s.cp.SetPRN(ctx, prn), IsNil)
	c.Assert(s.cp.Create(ctx, protocol.ObjectData, uint32(size)), IsNil)
}

func (s *writerSuite) TestWriteWithoutPRN(c *C) {
	s.setUp(c, target.Config{})
	data := payload(100)
	s.create(c, 0, len(data))

	pos, err := s.writer(0, nil).WriteObject(context.Background(), data, protocol.ObjectData, dfu.Position{})
	c.Assert(err, IsNil)
	c.Check(pos, Equals, dfu.Position{Offset: 100, CRC: protocol.Checksum(data)})
	c.Check(s.dev.Packets(), Equals, 5)
	c.Check(s.dev.Requests(), DeepEquals, []protocol.Opcode{
		protocol.OpSetPRN, protocol.OpCreate, protocol.OpCalculateChecksum,
	})

	var offsets []uint32
	for _, p := range s.progress {
		c.Check(p.Stage, Equals, dfu.StageTransferFirmware)
		c.Check(p.HasOffset, Equals, true)
		offsets = append(offsets, p.Offset)
	}
	c.Check(offsets, DeepEquals, []uint32{20, 40, 60, 80, 100})
}

func (s *writerSuite) TestWriteShortLastPacket(c *C) {
	s.setUp(c, target.Config{})
	data := payload(45)
	s.create(c, 0, len(data))

	pos, err := s.writer(0, nil).WriteObject(context.Background(), data, protocol.ObjectData, dfu.Position{})
	c.Assert(err, IsNil)
	c.Check(pos.Offset, Equals, uint32(45))
	c.Check(s.dev.Packets(), Equals, 3)
}

func (s *writerSuite) TestPRNFollowedByFinalSync(c *C) {
	s.setUp(c, target.Config{})
	data := payload(100)
	s.create(c, 2, len(data))

	pos, err := s.writer(2, nil).WriteObject(context.Background(), data, protocol.ObjectData, dfu.Position{})
	c.Assert(err, IsNil)
	c.Check(pos.Offset, Equals, uint32(100))
	// notifications after packets 2 and 4, packet 5 needs an explicit sync
	c.Check(s.dev.Requests(), DeepEquals, []protocol.Opcode{
		protocol.OpSetPRN, protocol.OpCreate, protocol.OpCalculateChecksum,
	})
}

func (s *writerSuite) TestPRNOnLastPacket(c *C) {
	s.setUp(c, target.Config{})
	data := payload(100)
	s.create(c, 5, len(data))

	pos, err := s.writer(5, nil).WriteObject(context.Background(), data, protocol.ObjectData, dfu.Position{})
	c.Assert(err, IsNil)
	c.Check(pos.Offset, Equals, uint32(100))
	c.Check(s.dev.Requests(), DeepEquals, []protocol.Opcode{protocol.OpSetPRN, protocol.OpCreate})
}

func (s *writerSuite) TestResumeFromPosition(c *C) {
	s.setUp(c, target.Config{MaxDataSize: 150})
	data := payload(150)
	s.dev.Restore(protocol.ObjectData, data[:100], 0, 150, nil)

	start := dfu.Position{Offset: 100, CRC: protocol.Checksum(data[:100])}
	pos, err := s.writer(0, nil).WriteObject(context.Background(), data[100:], protocol.ObjectData, start)
	c.Assert(err, IsNil)
	c.Check(pos, Equals, dfu.Position{Offset: 150, CRC: protocol.Checksum(data)})
	c.Check(s.dev.Packets(), Equals, 3)
}

func (s *writerSuite) TestInitPacketProgressHasNoOffset(c *C) {
	s.setUp(c, target.Config{})
	data := payload(30)
	c.Assert(s.cp.Create(context.Background(), protocol.ObjectCommand, 30), IsNil)

	_, err := s.writer(0, nil).WriteObject(context.Background(), data, protocol.ObjectCommand, dfu.Position{})
	c.Assert(err, IsNil)
	c.Assert(s.progress, HasLen, 2)
	for _, p := range s.progress {
		c.Check(p, Equals, dfu.Progress{Stage: dfu.StageTransferInitPacket})
	}
}

func (s *writerSuite) TestAbortBeforeFirstPacket(c *C) {
	s.setUp(c, target.Config{})
	s.create(c, 0, 100)
	abort := make(chan struct{})
	close(abort)

	_, err := s.writer(0, abort).WriteObject(context.Background(), payload(100), protocol.ObjectData, dfu.Position{})
	c.Check(dfu.KindOf(err), Equals, dfu.KindAborted)
	c.Check(s.dev.Packets(), Equals, 0)
}

func (s *writerSuite) TestAbortMidObject(c *C) {
	s.setUp(c, target.Config{})
	s.create(c, 0, 100)
	abort := make(chan struct{})
	obs := dfu.ObserverFuncs{OnProgress: func(p dfu.Progress) {
		if p.Offset == 40 {
			close(abort)
		}
	}}
	w := dfu.NewObjectWriter(s.packet, s.cp, 0, 20, abort, obs)

	_, err := w.WriteObject(context.Background(), payload(100), protocol.ObjectData, dfu.Position{})
	c.Check(dfu.KindOf(err), Equals, dfu.KindAborted)
	c.Check(s.dev.Packets(), Equals, 2)
}

func (s *writerSuite) TestCorruptedPacket(c *C) {
	s.setUp(c, target.Config{PacketFunc: func(n int, data []byte) []byte {
		if n == 2 {
			data[0] ^= 0xff
		}
		return data
	}})
	s.create(c, 0, 100)

	_, err := s.writer(0, nil).WriteObject(context.Background(), payload(100), protocol.ObjectData, dfu.Position{})
	c.Check(dfu.KindOf(err), Equals, dfu.KindInvalidCrc)
}

func (s *writerSuite) TestCorruptedPacketSeenByPRN(c *C) {
	s.setUp(c, target.Config{PacketFunc: func(n int, data []byte) []byte {
		if n == 1 {
			data[0] ^= 0xff
		}
		return data
	}})
	s.create(c, 2, 100)

	_, err := s.writer(2, nil).WriteObject(context.Background(), payload(100), protocol.ObjectData, dfu.Position{})
	c.Check(dfu.KindOf(err), Equals, dfu.KindInvalidCrc)
	// the transfer stops at the first notification
	c.Check(s.dev.Packets(), Equals, 2)
}

func (s *writerSuite) TestDroppedPacket(c *C) {
	s.setUp(c, target.Config{PacketFunc: func(n int, data []byte) []byte {
		if n == 3 {
			return nil
		}
		return data
	}})
	s.create(c, 0, 100)

	_, err := s.writer(0, nil).WriteObject(context.Background(), payload(100), protocol.ObjectData, dfu.Position{})
	c.Check(dfu.KindOf(err), Equals, dfu.KindInvalidOffset)
}

func (s *writerSuite) TestMissingPRN(c *C) {
	s.setUp(c, target.Config{})
	// the device does not know about the interval
	s.create(c, 0, 100)

	_, err := s.writer(2, nil).WriteObject(context.Background(), payload(100), protocol.ObjectData, dfu.Position{})
	c.Check(dfu.KindOf(err), Equals, dfu.KindNotificationTimeout)
	c.Check(s.dev.Packets(), Equals, 2)
}
