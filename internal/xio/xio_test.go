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

package xio

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type closer struct {
	nclose int32
}

func (c *closer) Close() error {
	atomic.AddInt32(&c.nclose, 1)
	return nil
}

func TestCloseOnCancel(t *testing.T) {
	// stopped before cancel - not closed
	ctx, cancel := context.WithCancel(context.Background())
	c := &closer{}
	stop := CloseOnCancel(ctx, c)
	if stop() {
		t.Fatal("stop: reported close without cancel")
	}
	cancel()
	time.Sleep(time.Millisecond)
	if n := atomic.LoadInt32(&c.nclose); n != 0 {
		t.Fatalf("closed %d times after stop", n)
	}

	// cancelled before stop - closed once
	ctx, cancel = context.WithCancel(context.Background())
	c = &closer{}
	stop = CloseOnCancel(ctx, c)
	cancel()
	for atomic.LoadInt32(&c.nclose) == 0 {
		time.Sleep(time.Millisecond)
	}
	if !stop() {
		t.Fatal("stop: close on cancel not reported")
	}
	if n := atomic.LoadInt32(&c.nclose); n != 1 {
		t.Fatalf("closed %d times", n)
	}
}
