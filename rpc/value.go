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
// transfers of arbitrary values

import (
	"context"
	"fmt"

	"github.com/shamaton/msgpack"

	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/kirr/mpirpc/wire"
)

// SendValue sends v to rank dst.
//
// v is encoded with msgpack; it can be any value msgpack can handle, for
// example a struct with exported fields.
func SendValue(ctx context.Context, r *RPC, dst int, tag wire.Tag, v interface{}) (err error) {
	defer xerr.Contextf(&err, "send value to %d", dst)

	data, err := msgpack.Encode(v)
	if err != nil {
		return err
	}
	return Send(ctx, r, dst, tag, data)
}

// RecvValue receives value sent by SendValue from rank src into *v.
func RecvValue(ctx context.Context, r *RPC, src int, tag wire.Tag, v interface{}) (err error) {
	defer xerr.Contextf(&err, "recv value from %d", src)

	req := r.t.IrecvAlloc(src, tag, wire.Byte)
	_, err = r.awaitRecv(ctx, req)
	if err != nil {
		return err
	}
	return msgpack.Decode(req.Data(), v)
}

// SendAllValue sends v to every peer of the range.
func SendAllValue(ctx context.Context, r *RPC, tag wire.Tag, v interface{}) (err error) {
	defer xerr.Context(&err, "send value to all")

	data, err := msgpack.Encode(v)
	if err != nil {
		return err
	}
	return SendAll(ctx, r, tag, data)
}

// RecvAllValues receives one value from every peer of the range.
//
// Value from peer first+i is returned as i-th element.
func RecvAllValues[V any](ctx context.Context, r *RPC, tag wire.Tag) (_ []V, err error) {
	defer xerr.Context(&err, "recv values from all")

	n := r.last - r.first + 1
	reqv := make([]Request, n)
	for i := range reqv {
		reqv[i] = r.t.IrecvAlloc(r.first+i, tag, wire.Byte)
	}

	var errv xerr.Errorv
	valuev := make([]V, n)
	for i, req := range reqv {
		_, err := r.awaitRecv(ctx, req)
		if err == nil {
			err = msgpack.Decode(req.Data(), &valuev[i])
		}
		if err != nil {
			errv.Append(fmt.Errorf("peer %d: %w", r.first+i, err))
		}
	}
	return valuev, errv.Err()
}
