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

package rpc
// sending

import (
	"context"

	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/kirr/mpirpc/fiber"
	"lab.nexedi.com/kirr/mpirpc/mem"
	"lab.nexedi.com/kirr/mpirpc/wire"
)

// Isend starts sending data to rank dst and returns the request without waiting.
//
// data must stay unchanged until the request completes.
func Isend[T wire.Elem](r *RPC, dst int, tag wire.Tag, data []T) Request {
	b := wire.Bytes(data)
	r.stats.sent(len(b), false)
	return r.t.Isend(dst, tag, wire.TypeOf[T](), len(data), b)
}

// Send sends data to rank dst and waits for the send to complete.
//
// It panics with *SizeMismatch if the transport reports sending other
// number of elements than len(data).
func Send[T wire.Elem](ctx context.Context, r *RPC, dst int, tag wire.Tag, data []T) error {
	req := Isend(r, dst, tag, data)
	return r.awaitSend(ctx, req, dst, tag, len(data))
}

func (r *RPC) awaitSend(ctx context.Context, req Request, dst int, tag wire.Tag, n int) error {
	err := fiber.Await(ctx, req)
	if err != nil {
		return err
	}
	if req.Count() != n {
		panic(&SizeMismatch{Op: "send", Peer: dst, Tag: tag, Want: n, Have: req.Count()})
	}
	return nil
}

// Bsend sends copy of data to rank dst without waiting for the send to complete.
//
// data can be reused right after Bsend returns. Error of the send, if any,
// is reported by Wait.
func Bsend[T wire.Elem](ctx context.Context, r *RPC, dst int, tag wire.Tag, data []T) error {
	dup := make([]T, len(data))
	copy(dup, data)
	req := Isend(r, dst, tag, dup)
	r.trackBsend(req)
	return nil
}

// SendZeroCopy starts sending data to rank dst without copying and returns immediately.
//
// data memory is write-protected until the send completes. Writes to it must
// be done under Guard: they wait for the send to complete. Sending memory
// that is still being sent first waits for the previous send.
//
// With default protector data must be allocated with Alloc: Go heap memory
// cannot be protected and mem.ErrNotMapped is returned for it.
//
// Error of the send itself is reported by Wait.
func SendZeroCopy[T wire.Elem](ctx context.Context, r *RPC, dst int, tag wire.Tag, data []T) (err error) {
	defer xerr.Contextf(&err, "send zero-copy to %d", dst)

	b := wire.Bytes(data)
	if len(b) == 0 {
		return Send(ctx, r, dst, tag, data)
	}

	addr, n := mem.Addr(b), uintptr(len(b))
	err = r.reg.Check(addr, n)
	if err != nil {
		return err
	}

	op, err := r.reg.Reserve(ctx, fiber.CurrentID(ctx), addr, n)
	if err != nil {
		return err
	}
	r.stats.sent(len(b), true)
	req := r.t.Isend(dst, tag, wire.TypeOf[T](), len(data), b)
	return r.reg.Arm(op, req)
}

// SendAll sends data to every peer of the range.
//
// Sends to all peers are started at once and then waited for.
func SendAll[T wire.Elem](ctx context.Context, r *RPC, tag wire.Tag, data []T) error {
	reqv := make([]Request, 0, r.last-r.first+1)
	for peer := r.first; peer <= r.last; peer++ {
		reqv = append(reqv, Isend(r, peer, tag, data))
	}

	var errv xerr.Errorv
	for i, req := range reqv {
		errv.Appendif(r.awaitSend(ctx, req, r.first+i, tag, len(data)))
	}
	return errv.Err()
}
