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

// Package xnet provides network abstraction used to connect ranks.
package xnet

import (
	"context"
	"net"
)

// Network is the interface to work with various kinds of streaming networks.
//
// A rank both listens for connections from peers with higher rank and dials
// peers with lower rank. For this reason the interface is not split into
// Dialer and Listener.
type Network interface {
	// Network returns name of the network.
	Network() string

	// Dial connects to addr on underlying network.
	// See net.Dial for semantic details.
	Dial(ctx context.Context, addr string) (net.Conn, error)

	// Listen starts listening on local address laddr on underlying network.
	// See net.Listen for semantic details.
	Listen(laddr string) (net.Listener, error)
}

// NetPlain creates Network corresponding to regular OS network.
//
// network is "tcp", "tcp4", "tcp6", "unix", etc...
func NetPlain(network string) Network {
	return netPlain(network)
}

type netPlain string

func (n netPlain) Network() string {
	return string(n)
}

func (n netPlain) Dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{}
	c, err := d.DialContext(ctx, string(n), addr)
	if err != nil {
		return nil, err
	}
	noDelay(c)
	return c, nil
}

func (n netPlain) Listen(laddr string) (net.Listener, error) {
	l, err := net.Listen(string(n), laddr)
	if err != nil {
		return nil, err
	}
	return &listenerNoDelay{l}, nil
}

// noDelay disables Nagle's algorithm on TCP connections.
//
// Messages are written as header + payload, and a small message must not
// wait for the next one to be coalesced with.
func noDelay(c net.Conn) {
	if tc, ok := c.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
}

type listenerNoDelay struct {
	net.Listener
}

func (l *listenerNoDelay) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	noDelay(c)
	return c, nil
}
