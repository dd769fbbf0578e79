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

// Package fiber provides cooperative lightweight threads of control.
//
// A fiber is a goroutine that may run only while it holds one of its
// scheduler's run slots. A scheduler created with NewScheduler(1) thus
// executes its fibers one at a time, switching between them only at explicit
// points: Yield, Await, Block and JoinAll. There is no preemption between
// fibers of one scheduler.
//
// Fibers are used to run many logically-blocking send/receive loops at once:
// every place that waits for a transfer to complete polls it and yields to
// other fibers in between, instead of holding the slot in a blocking wait:
//
//	sched := fiber.NewScheduler(1)
//	f1 := sched.Spawn(ctx, func(ctx context.Context) error {
//		return rpc.Send(ctx, r, 1, tag, data1)
//	})
//	f2 := sched.Spawn(ctx, func(ctx context.Context) error {
//		return rpc.Send(ctx, r, 2, tag, data2)
//	})
//	err := fiber.JoinAll(ctx, f1, f2)
//
// Code not running in a fiber can use the same calls: Yield degrades to
// runtime.Gosched and Await to a plain blocking wait.
package fiber

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"lab.nexedi.com/kirr/go123/xerr"

	taskctx "lab.nexedi.com/kirr/mpirpc/internal/xcontext/task"
)

// ID identifies a fiber inside the process.
//
// Zero ID is never assigned and denotes "not a fiber".
type ID uint64

func (id ID) String() string {
	return fmt.Sprintf("φ%d", uint64(id))
}

var lastID uint64 // atomic

// Scheduler runs fibers on a fixed number of run slots.
//
// Slots are handed over in FIFO order: a fiber that yields goes behind every
// fiber that was already waiting to run.
type Scheduler struct {
	nslot int

	mu     sync.Mutex
	free   int          // free run slots
	readyq *queue.Queue // of chan struct{}; fibers waiting for a slot

	nlive int32 // atomic; fibers spawned and not yet finished
}

// Fiber represents one spawned fiber.
type Fiber struct {
	id    ID
	sched *Scheduler

	held int32 // atomic; 1 while the fiber holds its run slot

	done chan struct{}
	err  error
}

// NewScheduler creates new scheduler with nslot run slots.
//
// nslot < 1 is treated as 1.
func NewScheduler(nslot int) *Scheduler {
	if nslot < 1 {
		nslot = 1
	}
	return &Scheduler{
		nslot:  nslot,
		free:   nslot,
		readyq: queue.New(),
	}
}

// NSlot returns how many fibers of s may run simultaneously.
func (s *Scheduler) NSlot() int {
	return s.nslot
}

// Len returns number of fibers that were spawned on s and did not finish yet.
func (s *Scheduler) Len() int {
	return int(atomic.LoadInt32(&s.nlive))
}

// enqueue puts caller into run queue.
//
// the returned channel is closed when the caller is granted a run slot.
func (s *Scheduler) enqueue() chan struct{} {
	ready := make(chan struct{})

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.free > 0 && s.readyq.Length() == 0 {
		s.free--
		close(ready)
	} else {
		s.readyq.Add(ready)
	}
	return ready
}

// release gives run slot to the first waiting fiber, if any, or returns it to the pool.
func (s *Scheduler) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
}

func (s *Scheduler) releaseLocked() {
	if s.readyq.Length() > 0 {
		ready := s.readyq.Remove().(chan struct{})
		close(ready)
		return
	}
	s.free++
	if s.free > s.nslot {
		panic("fiber: run slot released more than held")
	}
}

// yield hands run slot to the first waiting fiber and queues the caller behind.
//
// it returns nil if nobody is waiting and the caller keeps its slot.
func (s *Scheduler) yield() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readyq.Length() == 0 {
		return nil
	}

	ready := make(chan struct{})
	s.readyq.Add(ready)
	s.releaseLocked()
	return ready
}

type fiberKey struct{}

// Current returns fiber in which ctx is running, or nil.
func Current(ctx context.Context) *Fiber {
	fb, _ := ctx.Value(fiberKey{}).(*Fiber)
	return fb
}

// CurrentID returns ID of the fiber in which ctx is running, or 0.
func CurrentID(ctx context.Context) ID {
	fb := Current(ctx)
	if fb == nil {
		return 0
	}
	return fb.id
}

// Spawn creates new fiber that runs f to completion.
//
// The fiber is queued to run behind all fibers already waiting for a run
// slot. When f returns, the fiber releases its slot and is forgotten by the
// scheduler; its result stays available via Err after Done is ready.
func (s *Scheduler) Spawn(ctx context.Context, f func(ctx context.Context) error) *Fiber {
	fb := &Fiber{
		id:    ID(atomic.AddUint64(&lastID, 1)),
		sched: s,
		done:  make(chan struct{}),
	}
	ctx = context.WithValue(ctx, fiberKey{}, fb)
	ctx = taskctx.Running(ctx, fb.id.String())

	atomic.AddInt32(&s.nlive, +1)
	ready := s.enqueue()

	go func() {
		<-ready
		atomic.StoreInt32(&fb.held, 1)

		defer func() {
			if atomic.CompareAndSwapInt32(&fb.held, 1, 0) {
				s.release()
			}
			atomic.AddInt32(&s.nlive, -1)
			close(fb.done)
		}()

		fb.err = f(ctx)
	}()

	return fb
}

// SpawnForever spawns fiber that runs f over and over again.
//
// It is shorthand for Spawn(ctx, RunForever(f)) and is handy to start
// background drivers.
func (s *Scheduler) SpawnForever(ctx context.Context, f func(ctx context.Context) error) *Fiber {
	return s.Spawn(ctx, RunForever(f))
}

// ID returns fiber identifier.
func (fb *Fiber) ID() ID { return fb.id }

// Done returns channel that is closed when the fiber finishes.
func (fb *Fiber) Done() <-chan struct{} { return fb.done }

// Err returns error returned by the fiber function.
//
// It must be called only after Done is ready.
func (fb *Fiber) Err() error { return fb.err }

func (fb *Fiber) String() string { return fb.id.String() }

// RunForever returns function that invokes f in a loop.
//
// The loop yields between iterations and stops when ctx is done (returning
// nil) or when f returns an error (returning it).
func RunForever(f func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
			}

			err := f(ctx)
			if err != nil {
				return err
			}

			Yield(ctx)
		}
	}
}

// Yield gives other ready fibers a chance to run.
//
// If ctx is not running in a fiber, Yield calls runtime.Gosched.
func Yield(ctx context.Context) {
	fb := Current(ctx)
	if fb == nil || !atomic.CompareAndSwapInt32(&fb.held, 1, 0) {
		runtime.Gosched()
		return
	}

	ready := fb.sched.yield()
	if ready != nil {
		<-ready
	} else {
		runtime.Gosched()
	}
	atomic.StoreInt32(&fb.held, 1)
}

// Block runs f with the run slot of current fiber released.
//
// It is used to perform genuinely blocking calls without stalling other
// fibers. If ctx is not running in a fiber, Block just calls f.
func Block(ctx context.Context, f func()) {
	fb := Current(ctx)
	if fb == nil || !atomic.CompareAndSwapInt32(&fb.held, 1, 0) {
		f()
		return
	}

	fb.sched.release()
	defer func() {
		<-fb.sched.enqueue()
		atomic.StoreInt32(&fb.held, 1)
	}()
	f()
}

// JoinAll waits for all fibers to finish.
//
// The fibers may finish in any order. When called from a fiber, the caller
// does not hold its run slot while waiting. The returned error, if !nil,
// merges errors of all failed fibers.
func JoinAll(ctx context.Context, fibers ...*Fiber) error {
	Block(ctx, func() {
		for _, fb := range fibers {
			<-fb.done
		}
	})

	var errv xerr.Errorv
	for _, fb := range fibers {
		if fb.err != nil {
			errv.Appendf("%s: %s", fb.id, fb.err)
		}
	}
	return errv.Err()
}

// Pollable is completion that can be tested without blocking.
type Pollable interface {
	// Test reports whether the operation completed, and its error if it did.
	Test() (done bool, err error)

	// Wait blocks until the operation completes and returns its error.
	Wait() error
}

// Await waits for p to complete without stalling other fibers.
//
// Inside a fiber it polls p and yields to other fibers between polls. If p
// also provides Done channel, and no other fiber is ready to run, the fiber
// parks on that channel with its run slot released instead of spinning.
// Outside of a fiber Await is p.Wait().
func Await(ctx context.Context, p Pollable) error {
	fb := Current(ctx)
	if fb == nil {
		return p.Wait()
	}

	doner, _ := p.(interface{ Done() <-chan struct{} })
	for {
		done, err := p.Test()
		if done {
			return err
		}

		if doner != nil && !fb.sched.hasReady() {
			Block(ctx, func() { <-doner.Done() })
			continue
		}

		Yield(ctx)
	}
}

// hasReady reports whether there are fibers waiting for run slot.
func (s *Scheduler) hasReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyq.Length() > 0
}
