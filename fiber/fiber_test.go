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

package fiber

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"

	"lab.nexedi.com/kirr/mpirpc/internal/xtesting"
)

// tracer collects events from fibers.
type tracer struct {
	mu    sync.Mutex
	trace []string
}

func (t *tracer) Add(format string, argv ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trace = append(t.trace, fmt.Sprintf(format, argv...))
}

// Verify that with one run slot fibers interleave exactly at Yield points in FIFO order.
func TestYieldFIFO(t *testing.T) {
	ctx := context.Background()
	sched := NewScheduler(1)
	tr := &tracer{}

	loop := func(name string) func(context.Context) error {
		return func(ctx context.Context) error {
			for i := 0; i < 3; i++ {
				tr.Add("%s%d", name, i)
				Yield(ctx)
			}
			return nil
		}
	}

	fa := sched.Spawn(ctx, loop("a"))
	fb := sched.Spawn(ctx, loop("b"))
	fc := sched.Spawn(ctx, loop("c"))

	err := JoinAll(ctx, fa, fb, fc)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"a0", "b0", "c0", "a1", "b1", "c1", "a2", "b2", "c2"}
	if !equal(tr.trace, want) {
		t.Fatalf("trace:\n%s", pretty.Compare(want, tr.trace))
	}

	if n := sched.Len(); n != 0 {
		t.Fatalf("live fibers after join: %d", n)
	}
}

func equal(a, b []string) bool {
	return strings.Join(a, " ") == strings.Join(b, " ")
}

// Verify that no more than nslot fibers run simultaneously.
func TestSlots(t *testing.T) {
	ctx := context.Background()
	sched := NewScheduler(2)

	var running, maxRunning int32
	var fibers []*Fiber
	for i := 0; i < 5; i++ {
		fibers = append(fibers, sched.Spawn(ctx, func(ctx context.Context) error {
			n := atomic.AddInt32(&running, +1)
			for {
				max := atomic.LoadInt32(&maxRunning)
				if n <= max || atomic.CompareAndSwapInt32(&maxRunning, max, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		}))
	}

	err := JoinAll(ctx, fibers...)
	if err != nil {
		t.Fatal(err)
	}
	if maxRunning > 2 {
		t.Fatalf("max simultaneously running fibers: %d  ; want <= 2", maxRunning)
	}
}

// JoinAll called from a fiber must not hold the run slot while waiting.
func TestJoinFromFiber(t *testing.T) {
	ctx := context.Background()
	sched := NewScheduler(1)
	tr := &tracer{}

	parent := sched.Spawn(ctx, func(ctx context.Context) error {
		tr.Add("parent start")
		c1 := sched.Spawn(ctx, func(ctx context.Context) error {
			tr.Add("c1")
			return nil
		})
		c2 := sched.Spawn(ctx, func(ctx context.Context) error {
			tr.Add("c2")
			return nil
		})
		err := JoinAll(ctx, c1, c2)
		tr.Add("parent joined")
		return err
	})

	select {
	case <-parent.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("join from fiber deadlocked")
	}
	if err := parent.Err(); err != nil {
		t.Fatal(err)
	}

	want := []string{"parent start", "c1", "c2", "parent joined"}
	if !equal(tr.trace, want) {
		t.Fatalf("trace:\n%s", pretty.Compare(want, tr.trace))
	}
}

func TestJoinErrors(t *testing.T) {
	ctx := context.Background()
	sched := NewScheduler(1)

	ok := sched.Spawn(ctx, func(context.Context) error { return nil })
	bad := sched.Spawn(ctx, func(context.Context) error { return errors.New("oops") })

	err := JoinAll(ctx, ok, bad)
	if err == nil {
		t.Fatal("join: no error")
	}
	if !strings.Contains(err.Error(), "oops") || !strings.Contains(err.Error(), bad.ID().String()) {
		t.Fatalf("join: unexpected error %q", err)
	}
	if ok.Err() != nil {
		t.Fatalf("ok fiber: %s", ok.Err())
	}
}

// Await must let other fibers run while the request is incomplete.
func TestAwait(t *testing.T) {
	ctx := context.Background()
	sched := NewScheduler(1)
	X := xtesting.FatalIf(t)
	tr := &tracer{}

	req := xtesting.NewFakeRequest(nil)
	waiter := sched.Spawn(ctx, func(ctx context.Context) error {
		tr.Add("wait start")
		err := Await(ctx, req)
		tr.Add("wait done")
		return err
	})
	completer := sched.Spawn(ctx, func(ctx context.Context) error {
		tr.Add("complete")
		req.Complete(1)
		return nil
	})

	err := JoinAll(ctx, waiter, completer); X(err)

	want := []string{"wait start", "complete", "wait done"}
	if !equal(tr.trace, want) {
		t.Fatalf("trace:\n%s", pretty.Compare(want, tr.trace))
	}
	if req.NTest() < 2 {
		t.Fatalf("request was polled %d times ; want >= 2", req.NTest())
	}

	// failure is propagated
	req2 := xtesting.NewFakeRequest(nil)
	waiter = sched.Spawn(ctx, func(ctx context.Context) error {
		return Await(ctx, req2)
	})
	go func() {
		time.Sleep(time.Millisecond)
		req2.Fail(errors.New("link down"))
	}()
	err = JoinAll(ctx, waiter)
	if err == nil || !strings.Contains(err.Error(), "link down") {
		t.Fatalf("await: error %v ; want link down", err)
	}

	// outside of fiber Await is plain Wait
	req3 := xtesting.NewFakeRequest(nil)
	req3.Complete(0)
	err = Await(ctx, req3); X(err)
}

func TestRunForever(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sched := NewScheduler(1)

	var n int32
	driver := sched.SpawnForever(ctx, func(ctx context.Context) error {
		if atomic.AddInt32(&n, 1) == 10 {
			cancel()
		}
		return nil
	})
	err := JoinAll(context.Background(), driver)
	if err != nil {
		t.Fatal(err)
	}
	if n != 10 {
		t.Fatalf("iterations: %d ; want 10", n)
	}

	// error stops the loop
	n = 0
	driver = sched.SpawnForever(context.Background(), func(ctx context.Context) error {
		if atomic.AddInt32(&n, 1) == 3 {
			return errors.New("stop")
		}
		return nil
	})
	<-driver.Done()
	if driver.Err() == nil || n != 3 {
		t.Fatalf("driver: err=%v n=%d ; want stop after 3 iterations", driver.Err(), n)
	}
}

func TestCurrent(t *testing.T) {
	ctx := context.Background()
	if Current(ctx) != nil || CurrentID(ctx) != 0 {
		t.Fatal("current fiber outside of fiber")
	}

	sched := NewScheduler(1)
	var id ID
	fb := sched.Spawn(ctx, func(ctx context.Context) error {
		id = CurrentID(ctx)
		return nil
	})
	<-fb.Done()
	if id != fb.ID() || id == 0 {
		t.Fatalf("current fiber: %s ; want %s", id, fb.ID())
	}
}
