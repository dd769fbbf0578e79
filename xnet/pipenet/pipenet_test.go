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

package pipenet

import (
	"context"
	"io"
	"net"
	"reflect"
	"testing"

	"golang.org/x/sync/errgroup"

	"lab.nexedi.com/kirr/go123/exc"
)

// net.Pipe is assumed to work; here only Listen/Accept/Dial routing is tested.

func xlisten(n *Network, laddr string) net.Listener {
	l, err := n.Listen(laddr)
	exc.Raiseif(err)
	return l
}

func xaccept(l net.Listener) net.Conn {
	c, err := l.Accept()
	exc.Raiseif(err)
	return c
}

func xdial(n *Network, addr string) net.Conn {
	c, err := n.Dial(context.Background(), addr)
	exc.Raiseif(err)
	return c
}

func xread(r io.Reader) string {
	buf := make([]byte, 4096)
	n, err := r.Read(buf)
	exc.Raiseif(err)
	return string(buf[:n])
}

func xwrite(w io.Writer, data string) {
	_, err := w.Write([]byte(data))
	exc.Raiseif(err)
}

func assertEq(t *testing.T, have, want interface{}) {
	t.Helper()
	if !reflect.DeepEqual(have, want) {
		t.Errorf("not equal:\nhave: %v\nwant: %v", have, want)
		exc.Raise(0)
	}
}

func TestPipeNet(t *testing.T) {
	pnet := New("t")
	assertEq(t, pnet.Network(), "pipet")

	_, err := pnet.Dial(context.Background(), "0")
	assertEq(t, err, &net.OpError{Op: "dial", Net: "pipet", Addr: &Addr{"pipet", 0, -1}, Err: errConnRefused})

	l1 := xlisten(pnet, "")
	assertEq(t, l1.Addr(), &Addr{"pipet", 0, -1})

	wg := &errgroup.Group{}
	wg.Go(exc.Funcx(func() {
		c1s := xaccept(l1)
		assertEq(t, c1s.LocalAddr(), &Addr{"pipet", 1, 1})
		assertEq(t, c1s.RemoteAddr(), &Addr{"pipet", 1, 0})

		assertEq(t, xread(c1s), "ping")
		xwrite(c1s, "pong")

		c2s := xaccept(l1)
		assertEq(t, c2s.LocalAddr().String(), "2s")
		assertEq(t, xread(c2s), "hello")
		xwrite(c2s, "world")
	}))

	c1c := xdial(pnet, "0")
	assertEq(t, c1c.LocalAddr().String(), "1c")
	assertEq(t, c1c.RemoteAddr().String(), "1s")
	xwrite(c1c, "ping")
	assertEq(t, xread(c1c), "pong")

	c2c := xdial(pnet, "0")
	xwrite(c2c, "hello")
	assertEq(t, xread(c2c), "world")

	err = wg.Wait()
	exc.Raiseif(err)

	// explicit port
	l2 := xlisten(pnet, "10")
	assertEq(t, l2.Addr().String(), "10")
	_, err = pnet.Listen("10")
	assertEq(t, err, &net.OpError{Op: "listen", Net: "pipet", Addr: &Addr{"pipet", 10, -1}, Err: errAddrAlreadyUsed})
	l3 := xlisten(pnet, "")
	assertEq(t, l3.Addr().String(), "11")

	// closed listener refuses
	exc.Raiseif(l2.Close())
	_, err = l2.Accept()
	if err == nil {
		t.Fatal("accept on closed listener: no error")
	}
	_, err = pnet.Dial(context.Background(), "10")
	assertEq(t, err, &net.OpError{Op: "dial", Net: "pipet", Addr: &Addr{"pipet", 10, -1}, Err: errConnRefused})
}
