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

package comm
// links in between ranks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/eapache/queue"
	"github.com/someonegg/gocontainer/rbuf"

	"lab.nexedi.com/kirr/mpirpc/internal/log"
	"lab.nexedi.com/kirr/mpirpc/internal/xio"
	"lab.nexedi.com/kirr/mpirpc/wire"
)

// LinkError is the error with which requests on a failed link complete.
type LinkError struct {
	Rank int // our rank
	Peer int // peer rank
	Err  error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link %d-%d: %s", e.Rank, e.Peer, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// link connects us to one peer rank.
//
// Messages sent over link are delivered to the peer in send order. Received
// messages are matched to posted receives by tag: a message goes to the
// oldest receive posted for its tag, or, if there is none, waits in
// unexpected queue of that tag for the next receive.
//
// The link to ourselves has no connection: sends are matched to receives
// directly in memory.
type link struct {
	rank  int // ours
	peer  int
	conn  net.Conn     // nil for self link
	rxbuf rbuf.RingBuf // buffer for reading from conn
	rxpkt []byte       // scratch for reading packet headers

	mu         sync.Mutex
	txq        *queue.Queue              // of *Request; sends waiting to be written
	posted     map[wire.Tag]*queue.Queue // tag -> queue of *Request
	unexpected map[wire.Tag]*queue.Queue // tag -> queue of *message
	errDown    error                     // !nil after link is down

	txKick  chan struct{}
	down    chan struct{}
	down1   sync.Once
	serveWg sync.WaitGroup
}

func newLink(rank, peer int, conn net.Conn) *link {
	return &link{
		rank:       rank,
		peer:       peer,
		conn:       conn,
		txq:        queue.New(),
		posted:     make(map[wire.Tag]*queue.Queue),
		unexpected: make(map[wire.Tag]*queue.Queue),
		txKick:     make(chan struct{}, 1),
		down:       make(chan struct{}),
	}
}

func (l *link) String() string {
	return fmt.Sprintf("link %d-%d", l.rank, l.peer)
}

// start spawns serving goroutines. Must be called once after handshake.
func (l *link) start() {
	if l.conn == nil {
		return
	}
	l.rxpkt = make([]byte, 4096)
	l.serveWg.Add(2)
	go l.serveSend()
	go l.serveRecv()
}

// push appends x to queue of tag in tab.
func push(tab map[wire.Tag]*queue.Queue, tag wire.Tag, x interface{}) {
	q := tab[tag]
	if q == nil {
		q = queue.New()
		tab[tag] = q
	}
	q.Add(x)
}

// pop removes the oldest entry from queue of tag in tab, or returns nil.
func pop(tab map[wire.Tag]*queue.Queue, tag wire.Tag) interface{} {
	q := tab[tag]
	if q == nil {
		return nil
	}
	x := q.Remove()
	if q.Length() == 0 {
		delete(tab, tag)
	}
	return x
}

// shutdown brings link down and completes all its queued requests with error.
//
// err == nil means the link is closed by us.
func (l *link) shutdown(err error) {
	l.down1.Do(func() {
		ctx := context.Background()
		switch {
		case err == nil:
			err = ErrClosed
		case err == io.EOF:
			log.V(1).Infof(ctx, "%s: peer closed", l)
		case !errors.Is(err, ErrClosed):
			log.Warningf(ctx, "%s: down: %s", l, err)
		}
		lerr := &LinkError{Rank: l.rank, Peer: l.peer, Err: err}

		if l.conn != nil {
			l.conn.Close()
		}

		l.mu.Lock()
		l.errDown = lerr
		var reqv []*Request
		for l.txq.Length() > 0 {
			reqv = append(reqv, l.txq.Remove().(*Request))
		}
		for _, q := range l.posted {
			for q.Length() > 0 {
				reqv = append(reqv, q.Remove().(*Request))
			}
		}
		l.posted = make(map[wire.Tag]*queue.Queue)
		l.mu.Unlock()

		close(l.down)
		for _, r := range reqv {
			r.complete(0, nil, lerr)
		}
	})
}

// close shuts the link down and waits for its serving goroutines.
func (l *link) close() {
	l.shutdown(nil)
	l.serveWg.Wait()
}

// isend queues message for sending to peer.
//
// data is written to the network as is, without copying; it must stay
// unchanged until the request completes.
func (l *link) isend(tag wire.Tag, typ wire.Type, count int, data []byte) *Request {
	r := newRequest(l.peer, tag, typ, count, data)

	l.mu.Lock()
	if l.errDown != nil {
		err := l.errDown
		l.mu.Unlock()
		r.complete(0, nil, err)
		return r
	}

	if l.conn == nil {
		l.sendSelf(r) // unlocks l.mu
		return r
	}

	l.txq.Add(r)
	l.mu.Unlock()

	select {
	case l.txKick <- struct{}{}:
	default:
	}
	return r
}

// sendSelf delivers send r to our own receives. Called with l.mu held; unlocks it.
func (l *link) sendSelf(r *Request) {
	recv, _ := pop(l.posted, r.tag).(*Request)
	if recv == nil {
		data := make([]byte, len(r.data))
		copy(data, r.data)
		push(l.unexpected, r.tag, &message{typ: r.typ, count: r.count, data: data})
		l.mu.Unlock()
	} else {
		l.mu.Unlock()
		recv.deliver(&message{typ: r.typ, count: r.count, data: r.data})
	}
	r.complete(r.count, r.data, nil)
}

// irecv posts receive of message with tag from peer.
//
// If alloc, data is ignored and the buffer is allocated on message arrival.
func (l *link) irecv(tag wire.Tag, typ wire.Type, data []byte, alloc bool) *Request {
	r := newRequest(l.peer, tag, typ, 0, data)
	r.alloc = alloc

	l.mu.Lock()
	m, _ := pop(l.unexpected, tag).(*message)
	if m != nil {
		l.mu.Unlock()
		r.deliver(m)
		return r
	}
	if l.errDown != nil {
		err := l.errDown
		l.mu.Unlock()
		r.complete(0, nil, err)
		return r
	}
	push(l.posted, tag, r)
	l.mu.Unlock()
	return r
}

// serveSend writes queued sends to the network in order.
func (l *link) serveSend() {
	defer l.serveWg.Done()
	var hbuf [pktHeaderLen]byte

	for {
		select {
		case <-l.down:
			return
		case <-l.txKick:
		}

		for {
			l.mu.Lock()
			if l.txq.Length() == 0 {
				l.mu.Unlock()
				break
			}
			r := l.txq.Remove().(*Request)
			l.mu.Unlock()

			hdr := pktHeader{Len: uint32(len(r.data)), Tag: r.tag, Type: r.typ, Count: uint32(r.count)}
			hdr.Encode(hbuf[:])

			// header and caller's data go to the network without intermediate copy
			buf := net.Buffers{hbuf[:], r.data}
			_, err := buf.WriteTo(l.conn)
			if err != nil {
				lerr := &LinkError{Rank: l.rank, Peer: l.peer, Err: err}
				r.complete(0, nil, lerr)
				l.shutdown(err)
				return
			}
			r.complete(r.count, r.data, nil)
		}
	}
}

// serveRecv receives messages from peer and matches them to receives.
func (l *link) serveRecv() {
	defer l.serveWg.Done()
	for {
		err := l.recvPkt()
		if err != nil {
			select {
			case <-l.down:
				err = nil // we closed the link ourselves
			default:
			}
			l.shutdown(err)
			return
		}
	}
}

// recvPkt receives 1 message.
//
// If a receive is already posted for the message, payload is read directly
// into receive's buffer.
func (l *link) recvPkt() error {
	var hdr pktHeader
	err := l.recvHeader(&hdr)
	if err != nil {
		return err
	}

	l.mu.Lock()
	r, _ := pop(l.posted, hdr.Tag).(*Request)
	l.mu.Unlock()

	if r != nil {
		return l.recvInto(r, &hdr)
	}

	// nobody is waiting yet
	data := make([]byte, hdr.Len)
	err = l.recvPayload(data)
	if err != nil {
		return err
	}
	m := &message{typ: hdr.Type, count: int(hdr.Count), data: data}

	l.mu.Lock()
	r, _ = pop(l.posted, hdr.Tag).(*Request) // could be posted while we were reading
	if r == nil {
		push(l.unexpected, hdr.Tag, m)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	r.deliver(m)
	return nil
}

// recvInto reads payload of message hdr and completes receive r with it.
func (l *link) recvInto(r *Request, hdr *pktHeader) (err error) {
	// r is no longer reachable from l.posted - complete it on read error here
	defer func() {
		if err != nil {
			r.complete(0, nil, &LinkError{Rank: l.rank, Peer: l.peer, Err: err})
		}
	}()

	n := int(hdr.Len)
	switch {
	case r.typ != hdr.Type:
		err = l.discard(n)
		if err == nil {
			r.complete(0, nil, fmt.Errorf("%w: receive %s, message %s", ErrTypeMismatch, r.typ, hdr.Type))
		}

	case r.alloc:
		data := make([]byte, n)
		err = l.recvPayload(data)
		if err == nil {
			r.complete(int(hdr.Count), data, nil)
		}

	case n > len(r.data):
		have := len(r.data)
		err = l.recvPayload(r.data)
		if err == nil {
			err = l.discard(n - have)
		}
		if err == nil {
			r.complete(have/r.typ.Size(), r.data,
				fmt.Errorf("%w: %d bytes into %d-byte buffer", ErrTruncate, n, have))
		}

	default:
		err = l.recvPayload(r.data[:n])
		if err == nil {
			r.complete(int(hdr.Count), r.data[:n], nil)
		}
	}
	return err
}

// recvHeader reads header of next message.
//
// Data read past the header, if any, is kept in rxbuf for recvPayload.
func (l *link) recvHeader(hdr *pktHeader) error {
	data := l.rxpkt
	n := 0

	// next header could be already prefetched in part by previous read
	if l.rxbuf.Len() > 0 {
		δn, _ := l.rxbuf.Read(data[:pktHeaderLen])
		n += δn
	}

	// read header and hopefully some payload in 1 syscall
	if n < pktHeaderLen {
		δn, err := io.ReadAtLeast(l.conn, data[n:], pktHeaderLen-n)
		if err != nil {
			if n == 0 && err == io.EOF {
				return err // peer closed the link in between messages
			}
			return xio.NoEOF(err)
		}
		n += δn
	}

	// put overread data into rxbuf for payload reader
	if n > pktHeaderLen {
		l.rxbuf.Write(data[pktHeaderLen:n])
	}

	err := hdr.Decode(data[:pktHeaderLen])
	if err != nil {
		return fmt.Errorf("rx: %s", err)
	}
	return nil
}

// recvPayload reads exactly len(dst) bytes of payload into dst.
func (l *link) recvPayload(dst []byte) error {
	n := 0
	if l.rxbuf.Len() > 0 {
		n, _ = l.rxbuf.Read(dst)
	}
	if n < len(dst) {
		_, err := io.ReadFull(l.conn, dst[n:])
		if err != nil {
			return xio.NoEOF(err)
		}
	}
	return nil
}

// discard skips n bytes of payload.
func (l *link) discard(n int) error {
	for n > 0 {
		chunk := l.rxpkt
		if n < len(chunk) {
			chunk = chunk[:n]
		}
		err := l.recvPayload(chunk)
		if err != nil {
			return err
		}
		n -= len(chunk)
	}
	return nil
}
