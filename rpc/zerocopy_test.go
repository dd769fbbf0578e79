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

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/go123/exc"

	"lab.nexedi.com/kirr/mpirpc/mem"
)

var errBoom = errors.New("boom")

// Writes under Guard to memory of in-flight zero-copy send wait for the send,
// and the peer receives data as it was at the time of the send.
func TestSendZeroCopy(t *testing.T) {
	rv := openGroup(t, 2)
	const n = 1000

	runAll(t, rv, func(ctx context.Context, r *RPC) {
		switch r.Rank() {
		case 0:
			buf, err := Alloc[float64](n)
			exc.Raiseif(err)
			defer func() {
				exc.Raiseif(Free(buf))
			}()
			for i := range buf {
				buf[i] = 1
			}

			exc.Raiseif(SendZeroCopy(ctx, r, 1, 9, buf))
			exc.Raiseif(r.Guard(ctx, func() {
				buf[0] = 2
				buf[n-1] = 2
			}))
			if buf[0] != 2 || buf[n-1] != 2 {
				exc.Raisef("write under guard lost: %v %v", buf[0], buf[n-1])
			}

			exc.Raiseif(r.Wait(ctx))
			if l := r.Pending().Len(); l != 0 {
				exc.Raisef("pending after wait: %d", l)
			}

		case 1:
			buf := make([]float64, n)
			k, err := Recv(ctx, r, 0, 9, buf)
			exc.Raiseif(err)
			if k != n || buf[0] != 1 || buf[n-1] != 1 {
				exc.Raisef("recv: got %d elements, [0]=%v [-1]=%v", k, buf[0], buf[n-1])
			}
		}
	})

	require.Equal(t, int64(1), rv[0].Stats().SentZeroCopy)
}

// Go heap memory cannot be sent zero-copy with page protection.
func TestSendZeroCopyHeap(t *testing.T) {
	rv := openGroup(t, 2)
	err := SendZeroCopy(context.Background(), rv[0], 1, 0, make([]byte, 100))
	require.Error(t, err)
	require.Contains(t, err.Error(), mem.ErrNotMapped.Error())
	require.Equal(t, 0, rv[0].Pending().Len())
}

// Sending memory that is still being sent waits for the previous send.
func TestSendZeroCopyReuse(t *testing.T) {
	r, tr := newFake(2)
	ctx := context.Background()
	buf := make([]int64, 16)

	require.NoError(t, SendZeroCopy(ctx, r, 1, 0, buf))
	require.Equal(t, 1, r.Pending().Len())

	done := make(chan error)
	go func() {
		done <- SendZeroCopy(ctx, r, 1, 0, buf[4:8])
	}()

	select {
	case err := <-done:
		t.Fatalf("second send did not wait for the first one: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	require.Equal(t, 1, tr.nsend())

	tr.send(0).Fail(errBoom)
	require.NoError(t, <-done)
	require.Equal(t, 2, tr.nsend())
	require.Equal(t, 1, r.Pending().Len())

	tr.send(1).Complete(4)
	err := r.Wait(ctx)
	require.Error(t, err) // error of the first send is not lost
	require.Contains(t, err.Error(), "boom")
	require.Equal(t, 0, r.Pending().Len())
}

// Zero-copy send of empty buffer degrades to regular send.
func TestSendZeroCopyEmpty(t *testing.T) {
	r, tr := newFake(2)
	go func() {
		for tr.nsend() == 0 {
			time.Sleep(time.Millisecond)
		}
		tr.send(0).Complete(0)
	}()

	require.NoError(t, SendZeroCopy(context.Background(), r, 1, 0, []float32{}))
	require.Equal(t, 0, r.Pending().Len())
}
