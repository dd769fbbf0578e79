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

// Package xio provides addons to standard package io.
package xio

import (
	"context"
	"io"

	"lab.nexedi.com/kirr/mpirpc/internal/log"
)

// NoEOF returns err, but changes io.EOF to io.ErrUnexpectedEOF.
//
// It is handy to use when reading a framed packet: EOF in the middle of a
// frame is always unexpected.
func NoEOF(err error) error {
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// CloseOnCancel arranges for c to be closed if ctx is cancelled before the returned stop is called.
//
// It is handy to interrupt IO that does not take a context:
//
//	stop := xio.CloseOnCancel(ctx, conn)
//	... read/write conn
//	if stop() {
//		return ctx.Err() // conn was closed to interrupt IO
//	}
//
// stop reports whether c was closed due to ctx cancellation. After stop
// returns c is no longer touched. The error - if c.Close() returns with
// any - is logged.
func CloseOnCancel(ctx context.Context, c io.Closer) (stop func() bool) {
	done := make(chan struct{})
	closed := make(chan bool, 1)

	go func() {
		select {
		case <-ctx.Done():
			err := c.Close()
			if err != nil {
				log.Error(ctx, err)
			}
			closed <- true
		case <-done:
			closed <- false
		}
	}()

	return func() bool {
		close(done)
		return <-closed
	}
}
