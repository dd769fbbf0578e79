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

package wire

import (
	"testing"
)

type weight float64
type label byte

func TestTypeOf(t *testing.T) {
	testv := []struct {
		got, want Type
	}{
		{TypeOf[byte](), Byte},
		{TypeOf[int32](), Int32},
		{TypeOf[int64](), Int64},
		{TypeOf[float32](), Float32},
		{TypeOf[float64](), Float64},
		{TypeOf[weight](), Float64},
		{TypeOf[label](), Byte},
	}
	for i, tt := range testv {
		if tt.got != tt.want {
			t.Errorf("#%d: typeof -> %s ; want %s", i, tt.got, tt.want)
		}
	}

	if Float32.Size() != 4 || Int64.Size() != 8 || Byte.Size() != 1 {
		t.Error("wrong element sizes")
	}
	if Type(0).Valid() || Type(42).Valid() {
		t.Error("invalid type reported valid")
	}
	if s := Type(42).String(); s != "Type(42)" {
		t.Errorf("invalid type string: %q", s)
	}
}

func TestBytesView(t *testing.T) {
	data := []int32{1, 2, 3}
	b := Bytes(data)
	if len(b) != 12 {
		t.Fatalf("len(bytes) = %d ; want 12", len(b))
	}

	back := Elems[int32](b)
	back[1] = 42
	if data[1] != 42 {
		t.Fatal("elems view does not alias memory")
	}

	if Bytes([]float64(nil)) != nil || Elems[float64](nil) != nil {
		t.Fatal("empty view is not nil")
	}
}
