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

// Package wire defines element types that can be transferred between ranks.
//
// The set of types is closed: every array sent or received by mpirpc has
// elements of one of the Types below. Go element types map to wire types at
// compile time via the Elem constraint and TypeOf.
package wire

import (
	"fmt"
	"unsafe"
)

// Tag labels messages in between two ranks.
//
// A receive matches only messages sent with the same tag.
type Tag uint32

// Type is wire type of array elements.
type Type uint8

const (
	Byte Type = iota + 1
	Int32
	Int64
	Float32
	Float64
)

var typeName = [...]string{
	Byte:    "byte",
	Int32:   "int32",
	Int64:   "int64",
	Float32: "float32",
	Float64: "float64",
}

var typeSize = [...]int{
	Byte:    1,
	Int32:   4,
	Int64:   8,
	Float32: 4,
	Float64: 8,
}

func (t Type) String() string {
	if t.Valid() {
		return typeName[t]
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Valid reports whether t is one of the known wire types.
func (t Type) Valid() bool {
	return Byte <= t && t <= Float64
}

// Size returns size in bytes of one element of type t.
func (t Type) Size() int {
	if !t.Valid() {
		panic(fmt.Sprintf("wire: size of invalid %s", t))
	}
	return typeSize[t]
}

// Elem is the set of Go types that can be array elements on the wire.
type Elem interface {
	~byte | ~int32 | ~int64 | ~float32 | ~float64
}

// TypeOf returns wire type corresponding to Go type T.
func TypeOf[T Elem]() Type {
	var x T
	switch any(x).(type) {
	case byte:
		return Byte
	case int32:
		return Int32
	case int64:
		return Int64
	case float32:
		return Float32
	case float64:
		return Float64
	}

	// named type derived from one of the above
	switch unsafe.Sizeof(x) {
	case 1:
		return Byte
	case 4:
		if isFloat[T]() {
			return Float32
		}
		return Int32
	default:
		if isFloat[T]() {
			return Float64
		}
		return Int64
	}
}

// isFloat tells whether T has floating-point underlying type.
func isFloat[T Elem]() bool {
	var x T = 1
	x /= 2
	return x != 0
}

// Bytes returns memory of data viewed as bytes.
//
// No copy is made: the returned slice aliases data.
func Bytes[T Elem](data []T) []byte {
	if len(data) == 0 {
		return nil
	}
	n := len(data) * int(unsafe.Sizeof(data[0]))
	return unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), n)
}

// Elems returns memory of b viewed as array of T.
//
// len(b) must be multiple of element size and b must be suitably aligned.
// No copy is made: the returned slice aliases b.
func Elems[T Elem](b []byte) []T {
	if len(b) == 0 {
		return nil
	}
	var x T
	size := int(unsafe.Sizeof(x))
	if len(b)%size != 0 {
		panic(fmt.Sprintf("wire: %d bytes is not whole number of %d-byte elements", len(b), size))
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), len(b)/size)
}
