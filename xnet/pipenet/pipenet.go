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

// Package pipenet provides synchronous in-memory network of net.Pipes.
//
// It can be worked with the same way a regular TCP network is used with
// Dial/Listen/Accept/... and is handy to run several ranks in one process
// without going to OS networking stack.
//
// Addresses on pipenet are numbers. A listener is bound to a port; every
// accepted connection gets a fresh port, with "c"/"s" suffix denoting the
// dialing and the accepting endpoint:
//
//	net := pipenet.New("")
//	l, err := net.Listen("10")      // starts listening on address "10"
//	go func() {
//		csrv, err := l.Accept() // csrv.LocalAddr() is e.g. "11s"
//	}()
//	ccli, err := net.Dial(ctx, "10") // ccli.LocalAddr() is e.g. "11c"
package pipenet

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
)

const NetPrefix = "pipe" // pipenet package creates only "pipe*" networks

var (
	errNetClosed       = errors.New("network connection closed")
	errAddrAlreadyUsed = errors.New("address already in use")
	errConnRefused     = errors.New("connection refused")
)

// Addr represents address of a pipenet endpoint.
type Addr struct {
	Net      string // full network name, e.g. "pipe"
	Port     int
	Endpoint int // 0 (client) | 1 (server) | -1 (listening)
}

func (a *Addr) Network() string { return a.Net }
func (a *Addr) String() string {
	addr := strconv.Itoa(a.Port)
	if a.Endpoint >= 0 {
		addr += string("cs"[a.Endpoint])
	}
	return addr
}

// Network implements synchronous in-memory network of pipes.
type Network struct {
	// name of this network under "pipe" namespace, e.g. "α" -> "pipeα"
	name string

	mu       sync.Mutex
	listenv  map[int]*listener // port -> listener
	nextPort int               // ports >= nextPort are never used
}

// listener implements net.Listener for piped network.
type listener struct {
	network *Network
	port    int

	dialq chan chan net.Conn // Dial requests to our port go here
	down  chan struct{}      // Close -> down=ready

	closeOnce sync.Once
}

// conn is one endpoint of connection created under Network.
type conn struct {
	net.Conn
	laddr, raddr *Addr
}

func (c *conn) LocalAddr() net.Addr  { return c.laddr }
func (c *conn) RemoteAddr() net.Addr { return c.raddr }

// New creates new pipenet Network.
//
// name is name of this network under "pipe" namespace, e.g. "α" will give
// full network name "pipeα". New does not check whether network name
// provided is unique.
func New(name string) *Network {
	return &Network{name: name, listenv: make(map[int]*listener)}
}

// Network returns full network name of this network.
func (n *Network) Network() string { return NetPrefix + n.name }

// Listen starts new listener.
//
// It either allocates free port if laddr is "", or binds to laddr.
func (n *Network) Listen(laddr string) (net.Listener, error) {
	var netladdr net.Addr
	lerr := func(err error) error {
		return &net.OpError{Op: "listen", Net: n.Network(), Addr: netladdr, Err: err}
	}

	port := -1
	if laddr != "" {
		var err error
		port, err = strconv.Atoi(laddr)
		if err != nil || port < 0 {
			return nil, lerr(&net.AddrError{Err: "invalid", Addr: laddr})
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if port < 0 {
		port = n.allocPort()
	} else {
		netladdr = &Addr{n.Network(), port, -1}
		if _, used := n.listenv[port]; used {
			return nil, lerr(errAddrAlreadyUsed)
		}
		if port >= n.nextPort {
			n.nextPort = port + 1
		}
	}

	l := &listener{
		network: n,
		port:    port,
		dialq:   make(chan chan net.Conn),
		down:    make(chan struct{}),
	}
	n.listenv[port] = l
	return l, nil
}

// allocPort returns next never used port. Must be called with n.mu held.
func (n *Network) allocPort() int {
	port := n.nextPort
	n.nextPort++
	return port
}

func (l *listener) Addr() net.Addr {
	return &Addr{Net: l.network.Network(), Port: l.port, Endpoint: -1}
}

// Close closes the listener.
//
// It interrupts all currently in-flight calls to Accept and refuses further Dials.
func (l *listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.down)

		n := l.network
		n.mu.Lock()
		delete(n.listenv, l.port)
		n.mu.Unlock()
	})
	return nil
}

// Accept waits for Dial to listener's address and connects to it.
func (l *listener) Accept() (net.Conn, error) {
	n := l.network

	select {
	case <-l.down:
		return nil, &net.OpError{Op: "accept", Net: n.Network(), Addr: l.Addr(), Err: errNetClosed}

	case resp := <-l.dialq:
		n.mu.Lock()
		port := n.allocPort()
		n.mu.Unlock()

		pc, ps := net.Pipe()
		caddr := &Addr{n.Network(), port, 0}
		saddr := &Addr{n.Network(), port, 1}

		resp <- &conn{Conn: pc, laddr: caddr, raddr: saddr}
		return &conn{Conn: ps, laddr: saddr, raddr: caddr}, nil
	}
}

// Dial dials address on the network.
//
// It connects to Accept called on listener corresponding to addr.
func (n *Network) Dial(ctx context.Context, addr string) (net.Conn, error) {
	var netaddr net.Addr
	derr := func(err error) error {
		return &net.OpError{Op: "dial", Net: n.Network(), Addr: netaddr, Err: err}
	}

	port, err := strconv.Atoi(addr)
	if err != nil || port < 0 {
		return nil, derr(&net.AddrError{Err: "invalid", Addr: addr})
	}
	netaddr = &Addr{n.Network(), port, -1}

	n.mu.Lock()
	l := n.listenv[port]
	n.mu.Unlock()

	if l == nil {
		return nil, derr(errConnRefused)
	}

	resp := make(chan net.Conn)
	select {
	case <-ctx.Done():
		return nil, derr(ctx.Err())

	case <-l.down:
		return nil, derr(errConnRefused)

	case l.dialq <- resp:
		return <-resp, nil
	}
}
