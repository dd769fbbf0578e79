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

// Package mem provides page-level memory utilities.
//
// It computes page-aligned spans of buffers, changes protection of memory
// pages and allocates page-backed buffers outside of Go heap.
//
// Only memory obtained via Alloc may be write-protected: pages of Go heap are
// shared in between unrelated objects and protecting them would make the
// runtime, or other goroutines, fault on memory they legitimately own.
package mem

import (
	"errors"
	"os"
	"sync"
	"unsafe"
)

var (
	pageOnce sync.Once
	pageSize uintptr
)

// PageSize returns size of memory page of the platform.
//
// It is queried once and cached.
func PageSize() uintptr {
	pageOnce.Do(func() {
		pageSize = uintptr(os.Getpagesize())
	})
	return pageSize
}

// AlignTo returns the largest multiple of size that is <= addr.
//
// size must be a power of two.
func AlignTo(addr, size uintptr) uintptr {
	if size == 0 || size&(size-1) != 0 {
		panic("mem: alignment must be power of two")
	}
	return addr &^ (size - 1)
}

// AlignToPage returns address of the page containing addr.
func AlignToPage(addr uintptr) uintptr {
	return AlignTo(addr, PageSize())
}

// Span returns [base, base+length) range that covers [addr, addr+n) and starts at size boundary.
func Span(addr, n, size uintptr) (base, length uintptr) {
	base = AlignTo(addr, size)
	return base, addr - base + n
}

// Addr returns address of the first byte of b.
//
// It returns 0 for empty b.
func Addr(b []byte) uintptr {
	if cap(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[:1][0]))
}

// ErrNotMapped is returned when protection is requested for memory not allocated by Alloc.
var ErrNotMapped = errors.New("memory is not page-backed; allocate it with mem.Alloc")

// PageProtector changes protection of page-backed memory.
//
// It refuses ranges that do not lie inside memory obtained from Alloc.
type PageProtector struct{}

func (PageProtector) Check(base, n uintptr) error {
	if !Mapped(base, n) {
		return ErrNotMapped
	}
	return nil
}

func (p PageProtector) Protect(base, n uintptr) error {
	err := p.Check(base, n)
	if err != nil {
		return err
	}
	return Protect(base, n)
}

func (p PageProtector) Unprotect(base, n uintptr) error {
	err := p.Check(base, n)
	if err != nil {
		return err
	}
	return Unprotect(base, n)
}

// NopProtector accepts any memory and does not change its protection.
type NopProtector struct{}

func (NopProtector) Check(base, n uintptr) error     { return nil }
func (NopProtector) Protect(base, n uintptr) error   { return nil }
func (NopProtector) Unprotect(base, n uintptr) error { return nil }
