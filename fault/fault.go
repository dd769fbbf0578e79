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

// Package fault turns writes to memory of in-flight transfers into waits.
//
// Memory handed to zero-copy transfers is write-protected by pending.Registry
// while in flight. Bridge runs code that may write to such memory: when a
// write faults, the bridge finds the transfer covering the faulting address,
// waits for it to complete (which makes the memory writable again) and
// re-runs the code. To the code this looks as if the write was just delayed
// until the memory became free.
//
// Protection works on whole pages, so a write next to a transfer's buffer but
// on the same page also waits for the transfer. A fault at an address not
// covered by any pending transfer is a genuine memory error. It is reported and escalated as *UnmanagedFault panic.
package fault

import (
	"context"
	"fmt"
	"runtime/debug"

	"lab.nexedi.com/kirr/mpirpc/internal/log"
	"lab.nexedi.com/kirr/mpirpc/pending"
)

// UnmanagedFault is panicked with when a memory fault is not caused by a pending transfer.
type UnmanagedFault struct {
	Addr  uintptr
	Fault error // original runtime fault
}

func (e *UnmanagedFault) Error() string {
	return fmt.Sprintf("unmanaged memory fault at %#x: %s", e.Addr, e.Fault)
}

func (e *UnmanagedFault) Unwrap() error { return e.Fault }

// Bridge resolves write faults on memory of transfers registered in a registry.
type Bridge struct {
	reg *pending.Registry
}

// New creates new bridge for registry reg.
func New(reg *pending.Registry) *Bridge {
	return &Bridge{reg: reg}
}

// memFault is the interface of runtime errors raised for memory faults in panic-on-fault mode.
type memFault interface {
	error
	Addr() uintptr
}

// Do runs write resolving faults on memory of pending transfers.
//
// write must be safe to re-run from its beginning: after a fault is resolved
// write is invoked again. Panics other than memory faults propagate
// unchanged. A fault on memory that is not part of a pending transfer panics
// with *UnmanagedFault.
//
// The returned error is non-nil only if waiting was interrupted by ctx.
// Errors of the transfers themselves are reported by the registry's WaitAll.
func (b *Bridge) Do(ctx context.Context, write func()) error {
	for {
		fault := try(write)
		if fault == nil {
			return nil
		}

		addr := fault.Addr()
		op := b.reg.FindPage(addr)
		if op == nil {
			log.Errorf(ctx, "memory fault at %#x: not part of any pending transfer", addr)
			panic(&UnmanagedFault{Addr: addr, Fault: fault})
		}

		log.V(1).Infof(ctx, "write at %#x: waiting for transfer %s", addr, op)
		err := b.reg.Settle(ctx, op)
		if err != nil {
			return err
		}
	}
}

// try runs f with memory faults turned into panics and returns the fault, if any.
func try(f func()) (fault memFault) {
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		e, ok := r.(memFault)
		if !ok {
			panic(r)
		}
		fault = e
	}()

	f()
	return nil
}
