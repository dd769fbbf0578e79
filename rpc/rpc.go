// Copyright (C) 2020  Nexedi SA and Contributors.
//                     Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

// Package rpc provides typed point-to-point and collective transfers between ranks.
//
// RPC is a session on top of a Transport (see package comm). Transfers are
// generic over wire.Elem element types:
//
//	r := rpc.New(rpc.Over(c))
//	err := rpc.Send(ctx, r, 1, tag, []float64{1, 2, 3})
//	n, err := rpc.Recv(ctx, r, 0, tag, buf)
//
// Blocking calls made inside a fiber poll the transfer and yield to other
// fibers in between; outside of fibers they just wait.
//
// SendZeroCopy hands caller's memory to the transport without copying and
// returns immediately. The memory is write-protected until the transfer
// completes; code that may write to it must run under Guard, which turns such
// writes into waits for the transfer instead of crashing:
//
//	buf, _ := rpc.Alloc[float64](n)
//	err := rpc.SendZeroCopy(ctx, r, 1, tag, buf)
//	err = r.Guard(ctx, func() { buf[0] = 42 }) // waits for the send
package rpc

import (
	"context"
	"sync"
	"sync/atomic"

	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/kirr/mpirpc/comm"
	"lab.nexedi.com/kirr/mpirpc/fault"
	"lab.nexedi.com/kirr/mpirpc/fiber"
	"lab.nexedi.com/kirr/mpirpc/mem"
	"lab.nexedi.com/kirr/mpirpc/pending"
	"lab.nexedi.com/kirr/mpirpc/wire"
)

// Request represents in-flight transfer issued via Transport.
type Request interface {
	pending.Request

	// Count returns number of elements transferred.
	Count() int

	// Data returns transferred data.
	Data() []byte
}

// Transport is the message-passing layer RPC works over.
type Transport interface {
	Rank() int
	Size() int
	Isend(dst int, tag wire.Tag, typ wire.Type, count int, data []byte) Request
	Irecv(src int, tag wire.Tag, typ wire.Type, data []byte) Request
	IrecvAlloc(src int, tag wire.Tag, typ wire.Type) Request
}

// Over returns Transport that works via communicator c.
func Over(c *comm.Comm) Transport {
	return commTransport{c}
}

type commTransport struct {
	c *comm.Comm
}

func (t commTransport) Rank() int { return t.c.Rank() }
func (t commTransport) Size() int { return t.c.Size() }

func (t commTransport) Isend(dst int, tag wire.Tag, typ wire.Type, count int, data []byte) Request {
	return t.c.Isend(dst, tag, typ, count, data)
}

func (t commTransport) Irecv(src int, tag wire.Tag, typ wire.Type, data []byte) Request {
	return t.c.Irecv(src, tag, typ, data)
}

func (t commTransport) IrecvAlloc(src int, tag wire.Tag, typ wire.Type) Request {
	return t.c.IrecvAlloc(src, tag, typ)
}

// RPC is transfer session of one rank.
//
// It keeps registry of in-flight zero-copy sends and buffered sends; Wait
// drains both.
type RPC struct {
	t           Transport
	first, last int // peers addressed by *All and *Sharded operations

	prot   pending.Protector
	gran   uintptr
	reg    *pending.Registry
	bridge *fault.Bridge

	bsendMu sync.Mutex
	bsendv  []Request // buffered sends not yet known to be complete

	stats stats
}

// Option customizes RPC.
type Option func(r *RPC)

// WithRange sets peers [first, last] that *All and *Sharded operations address.
func WithRange(first, last int) Option {
	return func(r *RPC) {
		r.first, r.last = first, last
	}
}

// WithProtector sets how memory of zero-copy sends is protected.
//
// Default is mem.PageProtector, which requires zero-copy buffers to be
// allocated with Alloc.
func WithProtector(p pending.Protector) Option {
	return func(r *RPC) {
		r.prot = p
	}
}

// WithGranularity sets alignment of protected ranges of zero-copy sends.
//
// Default is page size. Smaller granularity makes sense only with protector
// that does not change page protection, e.g. mem.NopProtector.
func WithGranularity(n uintptr) Option {
	return func(r *RPC) {
		r.gran = n
	}
}

// New creates new RPC session over transport t.
//
// By default all ranks of the group, including us, are addressed by *All
// and *Sharded operations.
func New(t Transport, opts ...Option) *RPC {
	r := &RPC{
		t:     t,
		first: 0,
		last:  t.Size() - 1,
		prot:  mem.PageProtector{},
		gran:  mem.PageSize(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.first < 0 || r.last >= t.Size() || r.first > r.last {
		panic(&RangeError{First: r.first, Last: r.last, Size: t.Size()})
	}

	r.reg = pending.New(r.prot, r.gran)
	r.bridge = fault.New(r.reg)
	return r
}

// Rank returns our rank.
func (r *RPC) Rank() int { return r.t.Rank() }

// Size returns number of ranks in the group.
func (r *RPC) Size() int { return r.t.Size() }

// Range returns peers addressed by *All and *Sharded operations.
func (r *RPC) Range() (first, last int) { return r.first, r.last }

// Pending returns registry of in-flight zero-copy sends.
func (r *RPC) Pending() *pending.Registry { return r.reg }

// Guard runs write that may modify memory of in-flight zero-copy sends.
//
// A write to such memory waits for the send to complete and is then
// retried; write must be safe to re-run from its beginning. A write to
// protected memory not belonging to any in-flight send panics with
// *fault.UnmanagedFault.
func (r *RPC) Guard(ctx context.Context, write func()) error {
	return r.bridge.Do(ctx, write)
}

// Wait waits for all in-flight zero-copy and buffered sends to complete.
//
// The error, if !nil, merges errors of all such sends completed since
// previous Wait.
func (r *RPC) Wait(ctx context.Context) error {
	var errv xerr.Errorv
	errv.Appendif(r.reg.WaitAll(ctx))

	r.bsendMu.Lock()
	bsendv := r.bsendv
	r.bsendv = nil
	r.bsendMu.Unlock()

	for _, req := range bsendv {
		errv.Appendif(fiber.Await(ctx, req))
	}
	return errv.Err()
}

// Close waits for all in-flight sends and ends the session.
//
// The transport is not closed.
func (r *RPC) Close(ctx context.Context) error {
	return r.Wait(ctx)
}

// trackBsend remembers buffered send req and forgets completed ones.
func (r *RPC) trackBsend(req Request) {
	r.bsendMu.Lock()
	defer r.bsendMu.Unlock()

	live := r.bsendv[:0]
	for _, b := range r.bsendv {
		done, err := b.Test()
		if done && err == nil {
			continue
		}
		live = append(live, b) // incomplete or failed: Wait reports it
	}
	r.bsendv = append(live, req)
}

// stats counts transfers of the session.
type stats struct {
	nsend      int64
	nsendZC    int64
	nrecv      int64
	bytesSent  int64
	bytesRecvd int64
}

func (s *stats) sent(nbytes int, zerocopy bool) {
	atomic.AddInt64(&s.nsend, 1)
	atomic.AddInt64(&s.bytesSent, int64(nbytes))
	if zerocopy {
		atomic.AddInt64(&s.nsendZC, 1)
	}
}

func (s *stats) received(nbytes int) {
	atomic.AddInt64(&s.nrecv, 1)
	atomic.AddInt64(&s.bytesRecvd, int64(nbytes))
}
