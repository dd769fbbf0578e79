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
	"fmt"

	"lab.nexedi.com/kirr/mpirpc/wire"
)

// SizeMismatch is panicked with when transport reports transferring other
// number of elements than was requested.
type SizeMismatch struct {
	Op   string // "send", ...
	Peer int
	Tag  wire.Tag
	Want int
	Have int
}

func (e *SizeMismatch) Error() string {
	return fmt.Sprintf("%s peer %d tag %d: transferred %d elements  ; want %d", e.Op, e.Peer, e.Tag, e.Have, e.Want)
}

// RangeError is panicked with when peer range does not fit into the group.
type RangeError struct {
	First, Last int
	Size        int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("peer range [%d, %d] does not fit into group of %d", e.First, e.Last, e.Size)
}
