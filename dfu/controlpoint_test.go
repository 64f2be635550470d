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
	"sync"
	"time"

	"github.com/pkg/errors"
	. "gopkg.in/check.v1"

	"github.com/mvo5/ble-dfu/dfu"
	"github.com/mvo5/ble-dfu/protocol"
)

// fakeChannel answers writes with the frames returned by respond.
type fakeChannel struct {
	mu      sync.Mutex
	handler func([]byte)
	writes  [][]byte
	respond func(data []byte) [][]byte
	err     error
}

func (f *fakeChannel) Write(ctx context.Context, data []byte, withoutResponse bool) error {
	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return f.err
	}
	f.writes = append(f.writes, append([]byte(nil), data...))
	respond, handler := f.respond, f.handler
	f.mu.Unlock()

	if respond != nil && handler != nil {
		for _, frame := range respond(data) {
			handler(frame)
		}
	}
	return nil
}

func (f *fakeChannel) Subscribe(handler func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return nil
}

func (f *fakeChannel) Unsubscribe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = nil
	return nil
}

func (f *fakeChannel) notify(frame []byte) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	handler(frame)
}

func (f *fakeChannel) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

type controlPointSuite struct {
	ch *fakeChannel
	cp *dfu.ControlPoint
}

var _ = Suite(&controlPointSuite{})

func (s *controlPointSuite) SetUpTest(c *C) {
	s.ch = &fakeChannel{}
	var err error
	s.cp, err = dfu.NewControlPoint(s.ch, 50*time.Millisecond)
	c.Assert(err, IsNil)
}

func (s *controlPointSuite) TestSelect(c *C) {
	s.ch.respond = func(data []byte) [][]byte {
		return [][]byte{protocol.EncodeSelectResponse(protocol.SelectResult{MaxSize: 4096, Offset: 10, CRC: 0xabcd})}
	}
	sel, err := s.cp.Select(context.Background(), protocol.ObjectData)
	c.Assert(err, IsNil)
	c.Check(sel, Equals, protocol.SelectResult{MaxSize: 4096, Offset: 10, CRC: 0xabcd})
	c.Check(s.ch.written(), DeepEquals, [][]byte{{0x06, 0x02}})
}

func (s *controlPointSuite) TestCalculateChecksum(c *C) {
	s.ch.respond = func(data []byte) [][]byte {
		return [][]byte{protocol.EncodeChecksumResponse(protocol.ChecksumResult{Offset: 20, CRC: 7})}
	}
	pos, err := s.cp.CalculateChecksum(context.Background())
	c.Assert(err, IsNil)
	c.Check(pos, Equals, dfu.Position{Offset: 20, CRC: 7})
}

func (s *controlPointSuite) TestCommandError(c *C) {
	s.ch.respond = func(data []byte) [][]byte {
		return [][]byte{protocol.EncodeResponse(protocol.OpCreate, protocol.ResultInsufficientResources, nil)}
	}
	err := s.cp.Create(context.Background(), protocol.ObjectData, 1<<20)
	c.Assert(err, NotNil)
	c.Check(dfu.KindOf(err), Equals, dfu.KindCommandError)
	c.Check(errors.Is(err, dfu.ErrCommandError), Equals, true)
	code, ok := dfu.CommandCode(err)
	c.Check(ok, Equals, true)
	c.Check(code, Equals, protocol.ResultInsufficientResources)
}

func (s *controlPointSuite) TestUnexpectedOpcode(c *C) {
	s.ch.respond = func(data []byte) [][]byte {
		return [][]byte{protocol.EncodeResponse(protocol.OpExecute, protocol.ResultSuccess, nil)}
	}
	err := s.cp.SetPRN(context.Background(), 4)
	c.Check(dfu.KindOf(err), Equals, dfu.KindUnexpectedNotification)
}

func (s *controlPointSuite) TestMalformedResponse(c *C) {
	s.ch.respond = func(data []byte) [][]byte {
		return [][]byte{{0x42, 0x01}}
	}
	err := s.cp.Execute(context.Background())
	c.Check(dfu.KindOf(err), Equals, dfu.KindUnexpectedNotification)
	c.Check(errors.Is(err, protocol.ErrMalformedResponse), Equals, true)
}

func (s *controlPointSuite) TestShortSelectPayload(c *C) {
	s.ch.respond = func(data []byte) [][]byte {
		return [][]byte{protocol.EncodeResponse(protocol.OpSelect, protocol.ResultSuccess, []byte{1, 2, 3})}
	}
	_, err := s.cp.Select(context.Background(), protocol.ObjectCommand)
	c.Check(dfu.KindOf(err), Equals, dfu.KindUnexpectedNotification)
}

func (s *controlPointSuite) TestTimeout(c *C) {
	err := s.cp.Execute(context.Background())
	c.Check(dfu.KindOf(err), Equals, dfu.KindNotificationTimeout)
	c.Check(errors.Is(err, dfu.ErrNotificationTimeout), Equals, true)
}

func (s *controlPointSuite) TestCancelledContext(c *C) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.cp.Execute(ctx)
	c.Check(dfu.KindOf(err), Equals, dfu.KindAborted)
}

func (s *controlPointSuite) TestWriteError(c *C) {
	s.ch.err = errors.New("link lost")
	err := s.cp.Execute(context.Background())
	c.Check(dfu.KindOf(err), Equals, dfu.KindWriteError)
	c.Check(err, ErrorMatches, "write error: cannot write execute command: link lost")
}

func (s *controlPointSuite) TestStaleNotificationDiscarded(c *C) {
	s.ch.notify(protocol.EncodeChecksumResponse(protocol.ChecksumResult{Offset: 1}))
	s.ch.respond = func(data []byte) [][]byte {
		return [][]byte{protocol.EncodeResponse(protocol.OpExecute, protocol.ResultSuccess, nil)}
	}
	c.Check(s.cp.Execute(context.Background()), IsNil)
}

func (s *controlPointSuite) TestBusy(c *C) {
	cp, err := dfu.NewControlPoint(s.ch, 5*time.Second)
	c.Assert(err, IsNil)
	done := make(chan error)
	go func() {
		done <- cp.Execute(context.Background())
	}()
	// wait for the first command to be on the wire
	for i := 0; i < 100 && len(s.ch.written()) == 0; i++ {
		time.Sleep(time.Millisecond)
	}
	c.Assert(s.ch.written(), HasLen, 1)

	err = cp.SetPRN(context.Background(), 1)
	c.Check(dfu.KindOf(err), Equals, dfu.KindBusy)
	c.Check(s.ch.written(), HasLen, 1)

	s.ch.notify(protocol.EncodeResponse(protocol.OpExecute, protocol.ResultSuccess, nil))
	c.Check(<-done, IsNil)
}

func (s *controlPointSuite) TestWaitChecksumAbort(c *C) {
	abort := make(chan struct{})
	close(abort)
	_, err := s.cp.WaitChecksum(context.Background(), abort)
	c.Check(dfu.KindOf(err), Equals, dfu.KindAborted)
}
