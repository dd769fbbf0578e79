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

// Package pending keeps track of in-flight zero-copy transfers.
//
// Every zero-copy send hands the caller's memory directly to the transport.
// Until the transport is done with it, the memory must not change. Registry
// records such transfers keyed by the start of their memory range and keeps
// that range write-protected while the transfer is in flight. A write to
// protected memory faults; the fault can then be resolved by finding the
// transfer that covers the faulting address (Find), waiting for it to
// complete and unprotecting the range (WaitOp). See package fault for the
// bridge that does this automatically.
//
// Ranges of registered transfers never overlap. Ranges are computed at
// registry granularity: [AlignTo(addr), addr+n).
package pending

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/cznic/b"

	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/kirr/mpirpc/fiber"
	"lab.nexedi.com/kirr/mpirpc/internal/log"
	"lab.nexedi.com/kirr/mpirpc/mem"
)

// Request represents in-flight transfer.
type Request interface {
	// Test reports without blocking whether the transfer completed, and its error if it did.
	Test() (done bool, err error)

	// Wait blocks until the transfer completes and returns its error.
	Wait() error
}

// Protector changes write-protection of memory ranges.
//
// mem.PageProtector and mem.NopProtector implement it.
type Protector interface {
	// Check reports whether [base, base+n) can be protected at all.
	Check(base, n uintptr) error
	Protect(base, n uintptr) error
	Unprotect(base, n uintptr) error
}

// Op is one in-flight transfer registered in Registry.
type Op struct {
	Req   Request
	Owner fiber.ID // fiber that issued the transfer; 0 if issued outside of fibers
	Base  uintptr  // start of the protected range
	Len   uintptr  // length of the protected range

	armed     chan struct{} // closed when Req is attached
	protected bool

	once     sync.Once
	done     chan struct{} // closed after the op is removed from registry
	err      error
	retained bool // error was retained for WaitAll; under Registry.mu
}

func (op *Op) String() string {
	return fmt.Sprintf("[%#x +%d) by %s", op.Base, op.Len, op.Owner)
}

// Done returns channel that is closed when the op is completed and removed from registry.
func (op *Op) Done() <-chan struct{} { return op.done }

// Contains reports whether addr lies inside the op's range.
func (op *Op) Contains(addr uintptr) bool {
	return op.Base <= addr && addr < op.Base+op.Len
}

// overlaps reports whether the op's range overlaps [base, base+n).
//
// An empty range still occupies its base address: two entries never share
// the same base.
func (op *Op) overlaps(base, n uintptr) bool {
	return op.Base < base+max(n, 1) && base < op.Base+max(op.Len, 1)
}

// InvariantError is panicked with when registry is used in a way that breaks its invariants.
type InvariantError struct {
	What string
	Base uintptr
	Len  uintptr
	With *Op // conflicting entry, if any
}

func (e *InvariantError) Error() string {
	s := fmt.Sprintf("pending: %s [%#x +%d)", e.What, e.Base, e.Len)
	if e.With != nil {
		s += fmt.Sprintf(": conflicts with %s", e.With)
	}
	return s
}

// Registry is ordered set of in-flight transfers.
//
// It is safe to use Registry from multiple goroutines and fibers. Waiting
// never happens under Registry lock.
type Registry struct {
	prot Protector
	gran uintptr

	mu   sync.Mutex
	tree *b.Tree // Base -> *Op
	errv xerr.Errorv
}

// New creates new empty registry.
//
// granularity is the alignment of registered ranges. It must be page size
// when prot changes real page protection; smaller granularity is useful with
// mem.NopProtector.
func New(prot Protector, granularity uintptr) *Registry {
	if prot == nil {
		prot = mem.NopProtector{}
	}
	// validate early
	mem.AlignTo(0, granularity)

	return &Registry{
		prot: prot,
		gran: granularity,
		tree: b.TreeNew(cmpAddr),
	}
}

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

// Span returns range that registry would use for [addr, addr+n).
func (r *Registry) Span(addr, n uintptr) (base, length uintptr) {
	return mem.Span(addr, n, r.gran)
}

// Check reports whether memory [addr, addr+n) can be protected by the registry.
func (r *Registry) Check(addr, n uintptr) error {
	return r.prot.Check(r.Span(addr, n))
}

// Len returns number of registered transfers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Len()
}

// Ops returns snapshot of registered transfers in ascending address order.
func (r *Registry) Ops() []*Op {
	r.mu.Lock()
	defer r.mu.Unlock()

	opv := make([]*Op, 0, r.tree.Len())
	e, err := r.tree.SeekFirst()
	if err != nil {
		return opv // empty
	}
	defer e.Close()
	for {
		_, v, err := e.Next()
		if err != nil {
			break
		}
		opv = append(opv, v.(*Op))
	}
	return opv
}

// findLocked returns entry with the greatest base <= addr, or nil.
func (r *Registry) findLocked(addr uintptr) *Op {
	e, _ := r.tree.Seek(addr)
	defer e.Close()
	_, v, err := e.Prev()
	if err == io.EOF {
		return nil
	}
	return v.(*Op)
}

// overlapLocked returns an entry whose range overlaps [base, base+n), or nil.
func (r *Registry) overlapLocked(base, n uintptr) *Op {
	// entries do not overlap each other, so it is enough to check the
	// entry starting at or before base, and the first entry after it.
	if op := r.findLocked(base); op != nil && op.overlaps(base, n) {
		return op
	}

	e, _ := r.tree.Seek(base)
	defer e.Close()
	_, v, err := e.Next()
	if err == io.EOF {
		return nil
	}
	if op := v.(*Op); op.overlaps(base, n) {
		return op
	}
	return nil
}

func (r *Registry) insertLocked(owner fiber.ID, base, n uintptr) *Op {
	op := &Op{
		Owner: owner,
		Base:  base,
		Len:   n,
		armed: make(chan struct{}),
		done:  make(chan struct{}),
	}
	r.tree.Set(base, op)
	return op
}

// Register records transfer req of memory [addr, addr+n) issued by owner and write-protects the range.
//
// It panics with *InvariantError if the range overlaps a registered
// transfer. See Reserve for the form that waits for overlapping transfers
// instead.
func (r *Registry) Register(req Request, owner fiber.ID, addr, n uintptr) (*Op, error) {
	base, l := r.Span(addr, n)

	r.mu.Lock()
	if other := r.overlapLocked(base, l); other != nil {
		r.mu.Unlock()
		panic(&InvariantError{What: "register overlapping range", Base: base, Len: l, With: other})
	}
	op := r.insertLocked(owner, base, l)
	r.mu.Unlock()

	return op, r.Arm(op, req)
}

// Reserve inserts entry for memory [addr, addr+n) that will be used by a transfer issued by owner.
//
// If the range overlaps registered transfers, Reserve first waits for them
// to complete. That covers reuse of a buffer that is still being sent: the
// new transfer is issued only after the previous one finished with it. Errors
// of transfers completed this way are retained and reported by WaitAll.
//
// The returned entry must be armed with Arm once the transfer is issued.
func (r *Registry) Reserve(ctx context.Context, owner fiber.ID, addr, n uintptr) (*Op, error) {
	base, l := r.Span(addr, n)
	for {
		r.mu.Lock()
		other := r.overlapLocked(base, l)
		if other == nil {
			op := r.insertLocked(owner, base, l)
			r.mu.Unlock()
			return op, nil
		}
		r.mu.Unlock()

		log.V(2).Infof(ctx, "reserve [%#x +%d): waiting for %s", base, l, other)
		err := r.Settle(ctx, other)
		if err != nil {
			return nil, err
		}
	}
}

// Arm attaches transfer req to reserved entry op and write-protects its range.
//
// If protection fails, Arm waits for the transfer to complete, removes op and
// returns the error: the memory is never left unprotected while in flight.
func (r *Registry) Arm(op *Op, req Request) error {
	op.Req = req
	err := r.prot.Protect(op.Base, op.Len)
	op.protected = (err == nil)
	close(op.armed)

	if err != nil {
		werr := r.WaitOp(context.Background(), op)
		return xerr.Merge(err, werr)
	}
	return nil
}

// Find returns registered transfer whose range contains addr, or nil.
func (r *Registry) Find(addr uintptr) *Op {
	r.mu.Lock()
	defer r.mu.Unlock()

	op := r.findLocked(addr)
	if op == nil || !op.Contains(addr) {
		return nil
	}
	return op
}

// FindPage returns registered transfer whose protected memory contains addr, or nil.
//
// Protection covers whole granules: a transfer ending in the middle of a
// granule makes the rest of that granule read-only as well. Unlike Find,
// FindPage also returns the transfer for addr in such tail. No other
// transfer can start in the tail as registered ranges are granule-aligned
// and do not overlap.
func (r *Registry) FindPage(addr uintptr) *Op {
	r.mu.Lock()
	defer r.mu.Unlock()

	op := r.findLocked(addr)
	if op == nil {
		return nil
	}
	end := mem.AlignTo(op.Base+max(op.Len, 1)+r.gran-1, r.gran)
	if addr >= end {
		return nil
	}
	return op
}

// Wait waits for transfer registered at base to complete, unprotects its range and removes it.
//
// It panics with *InvariantError if nothing is registered at base.
// The error of the transfer is returned.
func (r *Registry) Wait(ctx context.Context, base uintptr) error {
	r.mu.Lock()
	v, ok := r.tree.Get(base)
	r.mu.Unlock()

	if !ok {
		panic(&InvariantError{What: "wait for unregistered transfer", Base: base})
	}
	return r.WaitOp(ctx, v.(*Op))
}

// WaitOp waits for transfer op to complete, unprotects its range and removes it.
//
// It is safe to call WaitOp for an op that was already completed by another
// caller: the recorded result of the transfer is returned then.
// Inside a fiber the wait polls the transfer and yields to other fibers.
func (r *Registry) WaitOp(ctx context.Context, op *Op) error {
	select {
	case <-op.done:
		return op.err
	case <-op.armed:
	default:
		var err error
		fiber.Block(ctx, func() {
			select {
			case <-op.armed:
			case <-op.done:
			case <-ctx.Done():
				err = ctx.Err()
			}
		})
		if err != nil {
			return err
		}
	}

	err := fiber.Await(ctx, op.Req)
	r.complete(op, err)
	return op.err
}

// complete unprotects and removes op. Only the first call has effect.
func (r *Registry) complete(op *Op, err error) {
	op.once.Do(func() {
		if op.protected {
			uerr := r.prot.Unprotect(op.Base, op.Len)
			err = xerr.Merge(err, uerr)
		}

		r.mu.Lock()
		if v, ok := r.tree.Get(op.Base); ok && v.(*Op) == op {
			r.tree.Delete(op.Base)
		}
		r.mu.Unlock()

		op.err = err
		close(op.done)
	})
}

// Settle completes op on behalf of its owner.
//
// It is used when somebody other than the issuer needs the transfer to be
// over: the fault bridge, or a new transfer reusing the memory. Settle
// returns only errors of the wait itself; error of the transfer is retained
// and reported by WaitAll.
func (r *Registry) Settle(ctx context.Context, op *Op) error {
	err := r.WaitOp(ctx, op)
	select {
	case <-op.done:
	default:
		return err // wait was interrupted
	}

	if err != nil {
		r.retain(op, &r.errv, err)
	}
	return nil
}

// WaitAll waits for all registered transfers to complete.
//
// The returned error merges errors of all transfers completed since previous
// WaitAll, including those that were completed implicitly via Settle.
func (r *Registry) WaitAll(ctx context.Context) error {
	var errv xerr.Errorv
	for _, op := range r.Ops() {
		err := r.WaitOp(ctx, op)
		if err == nil {
			continue
		}

		select {
		case <-op.done:
			r.retain(op, &errv, err)
		default:
			errv.Appendf("%s: %s", op, err) // wait was interrupted
		}
	}

	r.mu.Lock()
	errv = append(r.errv, errv...)
	r.errv = nil
	r.mu.Unlock()

	return errv.Err()
}

// retain appends error of completed op to errv unless it was already reported.
func (r *Registry) retain(op *Op, errv *xerr.Errorv, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !op.retained {
		op.retained = true
		errv.Appendf("%s: %s", op, err)
	}
}
