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
// wire format of messages

import (
	"encoding/binary"
	"fmt"

	"lab.nexedi.com/kirr/mpirpc/wire"
)

// message = {header, payload}
//
//	header = len(u32) tag(u32) type(u8) pad(3) count(u32)    ; big endian
//
// len is payload length in bytes; payload is count elements of type.
const pktHeaderLen = 16

// maxPayload limits payload length accepted from peers.
const maxPayload = 1<<31 - 1

type pktHeader struct {
	Len   uint32
	Tag   wire.Tag
	Type  wire.Type
	Count uint32
}

func (h *pktHeader) Encode(b []byte) {
	_ = b[pktHeaderLen-1]
	binary.BigEndian.PutUint32(b[0:], h.Len)
	binary.BigEndian.PutUint32(b[4:], uint32(h.Tag))
	b[8] = byte(h.Type)
	b[9], b[10], b[11] = 0, 0, 0
	binary.BigEndian.PutUint32(b[12:], h.Count)
}

func (h *pktHeader) Decode(b []byte) error {
	_ = b[pktHeaderLen-1]
	h.Len = binary.BigEndian.Uint32(b[0:])
	h.Tag = wire.Tag(binary.BigEndian.Uint32(b[4:]))
	h.Type = wire.Type(b[8])
	h.Count = binary.BigEndian.Uint32(b[12:])

	if !h.Type.Valid() {
		return fmt.Errorf("invalid element type %d", b[8])
	}
	if h.Len > maxPayload {
		return fmt.Errorf("payload too big: %d", h.Len)
	}
	if uint64(h.Count)*uint64(h.Type.Size()) != uint64(h.Len) {
		return fmt.Errorf("payload length %d does not match %d×%s", h.Len, h.Count, h.Type)
	}
	return nil
}

func (h *pktHeader) String() string {
	return fmt.Sprintf("tag %d: %d×%s", h.Tag, h.Count, h.Type)
}

// message is received data not yet matched to a receive.
type message struct {
	typ   wire.Type
	count int
	data  []byte
}
