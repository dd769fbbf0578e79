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
	"unsafe"

	"lab.nexedi.com/kirr/mpirpc/mem"
	"lab.nexedi.com/kirr/mpirpc/wire"
)

// Alloc allocates n-element array that can be sent with SendZeroCopy.
//
// The array lives outside of Go heap on its own pages and must be released
// with Free.
func Alloc[T wire.Elem](n int) ([]T, error) {
	var x T
	b, err := mem.Alloc(n * int(unsafe.Sizeof(x)))
	if err != nil {
		return nil, err
	}
	return wire.Elems[T](b), nil
}

// Free releases array allocated with Alloc.
func Free[T wire.Elem](data []T) error {
	return mem.Free(wire.Bytes(data[:cap(data)]))
}
