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

// Package comm provides message passing in between ranks of a group.
//
// A group consists of Size processes, or ranks, numbered 0..Size-1, every
// rank connected to every other rank by a link. Messages are arrays of
// elements of one wire.Type, labeled with a tag. Sends and receives are
// non-blocking: they return Request that completes when the transfer is
// done. A send hands the caller's memory to the network as is: it must not
// change until the send request completes.
//
// Messages from one rank to another are delivered in send order. A receive
// for (source, tag) matches the first message from source with that tag that
// is not yet matched.
//
// Open connects a rank to its group:
//
//	c, err := comm.Open(ctx, &comm.Config{Rank: 1, Size: 3, Addrs: addrv})
//	req := c.Isend(0, tag, wire.Float64, len(data), wire.Bytes(data))
//	err = req.Wait()
package comm

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/soheilhy/cmux"
	"golang.org/x/sync/errgroup"

	"lab.nexedi.com/kirr/go123/xerr"
	"lab.nexedi.com/kirr/go123/xsync"

	"lab.nexedi.com/kirr/mpirpc/comm/rendezvous"
	"lab.nexedi.com/kirr/mpirpc/internal/log"
	"lab.nexedi.com/kirr/mpirpc/internal/task"
	"lab.nexedi.com/kirr/mpirpc/wire"
	"lab.nexedi.com/kirr/mpirpc/xnet"

	_ "net/http/pprof"
)

// Comm is communicator connecting one rank to all other ranks of its group.
type Comm struct {
	rank int
	size int
	net  xnet.Network

	l     net.Listener // our listener
	linkL net.Listener // incoming rank links multiplexed from l
	httpS *http.Server // !nil if serving debug HTTP
	rdv   *rendezvous.Registry

	links []*link // [size]; links[rank] connects us to ourselves

	serveWg *errgroup.Group
	down1   sync.Once
	errDown error
}

// Open connects rank cfg.Rank to its group.
//
// It starts listening, announces our address if rendezvous is used, and
// connects to all other ranks: a rank dials every rank with lower number and
// accepts connections from every rank with higher number. Open returns when
// all links are established.
func Open(ctx context.Context, cfg *Config) (_ *Comm, err error) {
	defer task.Runningf(&ctx, "rank %d: open", cfg.Rank)(&err)

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	c := &Comm{
		rank:  cfg.Rank,
		size:  cfg.Size,
		net:   cfg.Net,
		links: make([]*link, cfg.Size),
	}
	if c.net == nil {
		c.net = xnet.NetPlain("tcp")
	}

	c.l, err = c.net.Listen(cfg.laddr())
	if err != nil {
		return nil, err
	}
	log.Infof(ctx, "listening at %s ...", c.l.Addr())
	c.serve(ctx, cfg)

	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	addrOf := func(ctx context.Context, rank int) (string, error) {
		return cfg.Addrs[rank], nil
	}
	if cfg.Rendezvous != "" {
		c.rdv, err = rendezvous.Open(ctx, cfg.Rendezvous)
		if err != nil {
			return nil, err
		}
		err = c.rdv.Announce(ctx, c.rank, c.l.Addr().String())
		if err != nil {
			return nil, err
		}
		addrOf = c.rdv.Await
	}

	c.links[c.rank] = newLink(c.rank, c.rank, nil)

	wg := xsync.NewWorkGroup(ctx)
	for peer := 0; peer < c.rank; peer++ {
		peer := peer
		wg.Go(func(ctx context.Context) error {
			addr, err := addrOf(ctx, peer)
			if err != nil {
				return err
			}
			conn, err := c.dial(ctx, addr)
			if err != nil {
				return fmt.Errorf("dial rank %d (%s): %w", peer, addr, err)
			}
			_, err = handshake(ctx, conn, c.hello(), peer)
			if err != nil {
				return err
			}
			c.links[peer] = newLink(c.rank, peer, conn)
			return nil
		})
	}
	if c.rank < c.size-1 {
		wg.Go(c.acceptPeers)
	}

	err = wg.Wait()
	if err != nil {
		return nil, err
	}

	for _, l := range c.links {
		l.start()
	}
	log.V(1).Infof(ctx, "connected to group of %d", c.size)
	return c, nil
}

func (c *Comm) hello() hello {
	return hello{Version: protoVersion, Rank: uint32(c.rank), Size: uint32(c.size)}
}

// dial connects to addr retrying while the peer is not yet listening.
func (c *Comm) dial(ctx context.Context, addr string) (net.Conn, error) {
	delay := 10 * time.Millisecond
	for {
		conn, err := c.net.Dial(ctx, addr)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		log.V(2).Infof(ctx, "dial %s: %s; retrying", addr, err)

		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(delay):
		}
		if delay < time.Second {
			delay *= 2
		}
	}
}

// acceptPeers accepts links from all ranks with numbers higher than ours.
func (c *Comm) acceptPeers(ctx context.Context) error {
	type accepted struct {
		conn net.Conn
		err  error
	}
	acceptq := make(chan accepted)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			conn, err := c.linkL.Accept()
			select {
			case acceptq <- accepted{conn, err}:
			case <-stop:
				if conn != nil {
					conn.Close()
				}
				return
			}
			if err != nil {
				return
			}
		}
	}()

	npeer := c.size - 1 - c.rank
	for npeer > 0 {
		var a accepted
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a = <-acceptq:
		}
		if a.err != nil {
			return a.err
		}

		peer, err := handshake(ctx, a.conn, c.hello(), -1)
		if err != nil {
			log.Warning(ctx, err)
			continue
		}
		if peer < c.rank || c.links[peer] != nil {
			log.Warningf(ctx, "%s: rank %d connected twice or out of order; rejecting", a.conn.RemoteAddr(), peer)
			a.conn.Close()
			continue
		}
		c.links[peer] = newLink(c.rank, peer, a.conn)
		npeer--
	}
	return nil
}

// serve multiplexes our listener in between rank links, debug HTTP and anything else.
//
// Rank links are detected by their handshake. HTTP is served only with
// cfg.Debug. Everything else is logged and rejected.
func (c *Comm) serve(ctx context.Context, cfg *Config) {
	mux := cmux.New(c.l)
	c.linkL = mux.Match(linkMatch)
	var httpL net.Listener
	if cfg.Debug {
		httpL = mux.Match(cmux.HTTP1(), cmux.HTTP2())
	}
	miscL := mux.Match(cmux.Any())

	c.serveWg = &errgroup.Group{}
	c.serveWg.Go(func() error {
		return mux.Serve()
	})

	if httpL != nil {
		h := cfg.HTTP
		if h == nil {
			h = http.DefaultServeMux
		}
		c.httpS = &http.Server{Handler: h}
		c.serveWg.Go(func() error {
			return c.httpS.Serve(httpL)
		})
	}

	c.serveWg.Go(func() error {
		for {
			conn, err := miscL.Accept()
			if err != nil {
				return err
			}

			// got something unexpected - grab the header (which we
			// already have read), log it and reject the connection.
			b := make([]byte, 1024)
			// must not block as some data is already there in cmux buffer
			n, _ := conn.Read(b)
			subj := fmt.Sprintf("strange connection from %s:", conn.RemoteAddr())
			serr := "peer sent nothing"
			if n > 0 {
				serr = fmt.Sprintf("peer sent %q", b[:n])
			}
			log.Infof(ctx, "%s: %s", subj, serr)

			conn.Close()
		}
	})
}

// Rank returns our rank.
func (c *Comm) Rank() int { return c.rank }

// Size returns number of ranks in the group.
func (c *Comm) Size() int { return c.size }

// Addr returns address we are listening on.
func (c *Comm) Addr() net.Addr { return c.l.Addr() }

func (c *Comm) link(rank int) (*link, error) {
	if rank < 0 || rank >= c.size {
		return nil, fmt.Errorf("rank %d is out of group of %d", rank, c.size)
	}
	return c.links[rank], nil
}

func failed(peer int, tag wire.Tag, typ wire.Type, err error) *Request {
	r := newRequest(peer, tag, typ, 0, nil)
	r.complete(0, nil, err)
	return r
}

// Isend starts sending count elements of type typ stored in data to rank dst.
//
// data must stay unchanged until the request completes.
func (c *Comm) Isend(dst int, tag wire.Tag, typ wire.Type, count int, data []byte) *Request {
	l, err := c.link(dst)
	if err != nil {
		return failed(dst, tag, typ, err)
	}
	if count*typ.Size() != len(data) {
		return failed(dst, tag, typ, fmt.Errorf("send %d×%s from %d bytes", count, typ, len(data)))
	}
	return l.isend(tag, typ, count, data)
}

// Irecv starts receiving message with tag from rank src into data.
//
// The message must have elements of type typ and fit into data.
func (c *Comm) Irecv(src int, tag wire.Tag, typ wire.Type, data []byte) *Request {
	l, err := c.link(src)
	if err != nil {
		return failed(src, tag, typ, err)
	}
	return l.irecv(tag, typ, data, false)
}

// IrecvAlloc starts receiving message with tag from rank src into buffer allocated for it on arrival.
func (c *Comm) IrecvAlloc(src int, tag wire.Tag, typ wire.Type) *Request {
	l, err := c.link(src)
	if err != nil {
		return failed(src, tag, typ, err)
	}
	return l.irecv(tag, typ, nil, true)
}

// Close disconnects us from the group.
//
// In-flight requests are completed with error.
func (c *Comm) Close() error {
	c.down1.Do(func() {
		var errv xerr.Errorv
		for _, l := range c.links {
			if l != nil {
				l.close()
			}
		}
		if c.httpS != nil {
			errv.Appendif(c.httpS.Close())
		}
		errv.Appendif(c.l.Close())
		c.serveWg.Wait() // serving goroutines return listener-closed errors here

		if c.rdv != nil {
			errv.Appendif(c.rdv.Withdraw(context.Background(), c.rank))
			errv.Appendif(c.rdv.Close())
		}
		c.errDown = errv.Err()
	})
	return c.errDown
}
