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

//go:build unix

package mem

import (
	"fmt"
	"io"
	"sync"

	"github.com/cznic/b"
	"golang.org/x/sys/unix"
)

// Protect makes [base, base+n) read+exec only.
//
// Any write to the range afterwards results in a memory fault.
func Protect(base, n uintptr) error {
	return mprotect(base, n, unix.PROT_READ|unix.PROT_EXEC)
}

// Unprotect makes [base, base+n) read+write+exec.
func Unprotect(base, n uintptr) error {
	return mprotect(base, n, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC)
}

func mprotect(base, n uintptr, prot int) error {
	if n == 0 {
		return nil
	}
	_, _, errno := unix.Syscall(unix.SYS_MPROTECT, base, n, uintptr(prot))
	if errno != 0 {
		return fmt.Errorf("mprotect [%#x, +%d): %w", base, n, errno)
	}
	return nil
}

// mappings of Alloc: base -> []byte of whole mapping
var (
	mapMu sync.Mutex
	mapT  = b.TreeNew(cmpAddr)
)

func cmpAddr(a1, a2 interface{}) int {
	x, y := a1.(uintptr), a2.(uintptr)
	switch {
	case x < y:
		return -1
	case x > y:
		return +1
	}
	return 0
}

// Alloc allocates page-aligned zeroed buffer of n bytes outside of Go heap.
//
// The buffer must be released with Free.
func Alloc(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("mem: alloc %d bytes: invalid size", n)
	}
	size := int(AlignTo(uintptr(n)+PageSize()-1, PageSize()))
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mem: alloc %d bytes: %w", n, err)
	}

	mapMu.Lock()
	mapT.Set(Addr(buf), buf)
	mapMu.Unlock()

	return buf[:n], nil
}

// Free releases buffer previously allocated with Alloc.
//
// buf must start where the allocated buffer starts; its length does not matter.
func Free(buf []byte) error {
	base := Addr(buf)

	mapMu.Lock()
	v, ok := mapT.Get(base)
	if ok {
		mapT.Delete(base)
	}
	mapMu.Unlock()

	if !ok {
		return fmt.Errorf("mem: free %#x: %w", base, ErrNotMapped)
	}

	err := unix.Munmap(v.([]byte))
	if err != nil {
		return fmt.Errorf("mem: free %#x: %w", base, err)
	}
	return nil
}

// Mapped reports whether [addr, addr+n) lies entirely inside one buffer obtained from Alloc.
func Mapped(addr, n uintptr) bool {
	mapMu.Lock()
	defer mapMu.Unlock()

	e, _ := mapT.Seek(addr)
	defer e.Close()
	k, v, err := e.Prev()
	if err == io.EOF {
		return false
	}
	base, size := k.(uintptr), uintptr(len(v.([]byte)))
	return addr >= base && addr+n <= base+size
}
