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
// link establishment

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"lab.nexedi.com/kirr/mpirpc/internal/xio"
)

// hello is the handshake message both sides send just after connection is established.
//
//	hello = "MPIR" version(u16) rank(u32) size(u32)    ; big endian
const (
	helloMagic   = "MPIR"
	helloLen     = 4 + 2 + 4 + 4
	protoVersion = 1
)

type hello struct {
	Version uint16
	Rank    uint32
	Size    uint32
}

func (h *hello) Encode() []byte {
	b := make([]byte, helloLen)
	copy(b, helloMagic)
	binary.BigEndian.PutUint16(b[4:], h.Version)
	binary.BigEndian.PutUint32(b[6:], h.Rank)
	binary.BigEndian.PutUint32(b[10:], h.Size)
	return b
}

func (h *hello) Decode(b []byte) error {
	if string(b[:4]) != helloMagic {
		return fmt.Errorf("invalid magic %q", b[:4])
	}
	h.Version = binary.BigEndian.Uint16(b[4:])
	h.Rank = binary.BigEndian.Uint32(b[6:])
	h.Size = binary.BigEndian.Uint32(b[10:])
	return nil
}

// linkMatch tells whether incoming stream starts like a rank handshake.
func linkMatch(r io.Reader) bool {
	var b [4]byte
	n, _ := io.ReadFull(r, b[:])
	return n == 4 && string(b[:]) == helloMagic
}

// HandshakeError is returned when there is an error while performing handshake.
type HandshakeError struct {
	LocalAddr  net.Addr
	RemoteAddr net.Addr
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("%s - %s: handshake: %s", e.LocalAddr, e.RemoteAddr, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// handshake exchanges hello with peer just after raw connection was established.
//
// Our hello is sent and peer's hello is received concurrently. The peer must
// speak our protocol version and be in a group of the same size. If
// peerRank >= 0 the peer must also be that rank.
//
// On success rank of the peer is returned. On error the connection is closed.
func handshake(ctx context.Context, conn net.Conn, our hello, peerRank int) (_ int, err error) {
	errch := make(chan error, 2)
	var peer hello

	// tx hello
	go func() {
		_, err := conn.Write(our.Encode())
		errch <- err
	}()

	// rx hello
	go func() {
		b := make([]byte, helloLen)
		_, err := io.ReadFull(conn, b)
		err = xio.NoEOF(err)
		if err == nil {
			err = peer.Decode(b)
		}
		if err == nil {
			switch {
			case peer.Version != our.Version:
				err = fmt.Errorf("protocol version mismatch: peer = %d  ; our side = %d", peer.Version, our.Version)
			case peer.Size != our.Size:
				err = fmt.Errorf("group size mismatch: peer = %d  ; our side = %d", peer.Size, our.Size)
			case peer.Rank >= our.Size:
				err = fmt.Errorf("peer rank %d is out of group of %d", peer.Rank, our.Size)
			case peer.Rank == our.Rank:
				err = fmt.Errorf("peer has our rank %d", peer.Rank)
			case peerRank >= 0 && int(peer.Rank) != peerRank:
				err = fmt.Errorf("peer is rank %d  ; expected %d", peer.Rank, peerRank)
			}
		}
		errch <- err
	}()

	// wait for both tx and rx: our hello is always sent on the wire, if
	// possible, so that peer sees our side of mismatch instead of just
	// closed connection.
	stop := xio.CloseOnCancel(ctx, conn)
	for i := 0; i < 2; i++ {
		e := <-errch
		if err == nil {
			err = e
		}
	}
	if stop() {
		err = ctx.Err()
	}

	if err != nil {
		conn.Close()
		return -1, &HandshakeError{conn.LocalAddr(), conn.RemoteAddr(), err}
	}
	return int(peer.Rank), nil
}
