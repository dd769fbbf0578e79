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
// sharded transfers

import (
	"context"
	"fmt"

	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/kirr/mpirpc/wire"
)

// Shard returns range [lo, hi) of shard j when m elements are split over n peers.
//
// Every shard has m/n elements, except the last one that also takes the
// remainder.
func Shard(m, n, j int) (lo, hi int) {
	if n <= 0 || j < 0 || j >= n {
		panic(fmt.Sprintf("shard %d of %d", j, n))
	}
	per := m / n
	lo = j * per
	hi = lo + per
	if j == n-1 {
		hi = m
	}
	return lo, hi
}

// SendSharded splits data into shards and sends shard j to peer first+j.
func SendSharded[T wire.Elem](ctx context.Context, r *RPC, tag wire.Tag, data []T) error {
	n := r.last - r.first + 1
	reqv := make([]Request, n)
	for j := range reqv {
		lo, hi := Shard(len(data), n, j)
		reqv[j] = Isend(r, r.first+j, tag, data[lo:hi])
	}

	var errv xerr.Errorv
	for j, req := range reqv {
		lo, hi := Shard(len(data), n, j)
		errv.Appendif(r.awaitSend(ctx, req, r.first+j, tag, hi-lo))
	}
	return errv.Err()
}

// RecvSharded receives shard j of data from peer first+j, for every peer of the range.
//
// It is the reverse of SendSharded: shards computed by peers are gathered
// back into data.
func RecvSharded[T wire.Elem](ctx context.Context, r *RPC, tag wire.Tag, data []T) error {
	n := r.last - r.first + 1
	datav := make([][]T, n)
	for j := range datav {
		lo, hi := Shard(len(data), n, j)
		datav[j] = data[lo:hi]
	}

	countv, err := RecvAll(ctx, r, tag, datav)
	if err != nil {
		return err
	}
	for j, count := range countv {
		if count != len(datav[j]) {
			return fmt.Errorf("recv sharded: peer %d: got %d elements  ; want %d", r.first+j, count, len(datav[j]))
		}
	}
	return nil
}
