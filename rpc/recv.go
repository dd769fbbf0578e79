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
// receiving

import (
	"context"
	"fmt"

	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/kirr/mpirpc/fiber"
	"lab.nexedi.com/kirr/mpirpc/wire"
)

// Irecv starts receiving message from rank src into data and returns the request without waiting.
func Irecv[T wire.Elem](r *RPC, src int, tag wire.Tag, data []T) Request {
	return r.t.Irecv(src, tag, wire.TypeOf[T](), wire.Bytes(data))
}

// Recv receives message from rank src into data.
//
// It returns number of elements received.
func Recv[T wire.Elem](ctx context.Context, r *RPC, src int, tag wire.Tag, data []T) (int, error) {
	req := Irecv(r, src, tag, data)
	return r.awaitRecv(ctx, req)
}

func (r *RPC) awaitRecv(ctx context.Context, req Request) (int, error) {
	err := fiber.Await(ctx, req)
	if err != nil {
		return req.Count(), err
	}
	r.stats.received(len(req.Data()))
	return req.Count(), nil
}

// RecvAll receives one message from every peer of the range.
//
// Message from peer first+i is received into datav[i]. Number of elements
// received from every peer is returned.
func RecvAll[T wire.Elem](ctx context.Context, r *RPC, tag wire.Tag, datav [][]T) ([]int, error) {
	npeer := r.last - r.first + 1
	if len(datav) != npeer {
		return nil, fmt.Errorf("recv all: %d buffers for %d peers", len(datav), npeer)
	}

	reqv := make([]Request, npeer)
	for i := range reqv {
		reqv[i] = Irecv(r, r.first+i, tag, datav[i])
	}

	var errv xerr.Errorv
	countv := make([]int, npeer)
	for i, req := range reqv {
		var err error
		countv[i], err = r.awaitRecv(ctx, req)
		if err != nil {
			errv.Appendf("peer %d: %s", r.first+i, err)
		}
	}
	return countv, errv.Err()
}
