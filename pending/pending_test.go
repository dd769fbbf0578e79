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

package pending

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/mpirpc/fiber"
	"lab.nexedi.com/kirr/mpirpc/internal/xtesting"
)

// recProtector records protection changes.
type recProtector struct {
	mu    sync.Mutex
	trace []string
	fail  error // returned by Protect if !nil
}

func (p *recProtector) Check(base, n uintptr) error { return nil }

func (p *recProtector) Protect(base, n uintptr) error {
	p.add("protect %d+%d", base, n)
	return p.fail
}

func (p *recProtector) Unprotect(base, n uintptr) error {
	p.add("unprotect %d+%d", base, n)
	return nil
}

func (p *recProtector) add(format string, argv ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trace = append(p.trace, fmt.Sprintf(format, argv...))
}

func (p *recProtector) Trace() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.trace...)
}

func TestFind(t *testing.T) {
	assert := require.New(t)
	r := New(nil, 1)

	// empty registry
	assert.Nil(r.Find(100))

	for i, addr := range []uintptr{100, 200, 300} {
		_, err := r.Register(xtesting.NewFakeRequest(nil), fiber.ID(i+1), addr, 100)
		assert.NoError(err)
	}
	assert.Equal(3, r.Len())

	testv := []struct {
		addr  uintptr
		owner fiber.ID // 0 - not found
	}{
		{50, 0},  // before the first entry
		{100, 1}, // direct hit
		{150, 1},
		{199, 1},
		{200, 2},
		{250, 2},
		{300, 3},
		{399, 3},
		{400, 0}, // past the last entry
	}
	for _, tt := range testv {
		op := r.Find(tt.addr)
		owner := fiber.ID(0)
		if op != nil {
			owner = op.Owner
		}
		assert.Equal(tt.owner, owner, "find %d", tt.addr)
	}

	var ownerv []fiber.ID
	for _, op := range r.Ops() {
		ownerv = append(ownerv, op.Owner)
	}
	assert.Equal([]fiber.ID{1, 2, 3}, ownerv)
}

// FindPage also covers the rest of the granule after the end of a transfer.
func TestFindPage(t *testing.T) {
	r := New(nil, 64)
	op, err := r.Register(xtesting.NewFakeRequest(nil), 1, 64, 8)
	require.NoError(t, err)

	require.Nil(t, r.Find(100))
	require.Equal(t, op, r.FindPage(64))
	require.Equal(t, op, r.FindPage(100))
	require.Equal(t, op, r.FindPage(127))
	require.Nil(t, r.FindPage(128))
	require.Nil(t, r.FindPage(63))
}

// An empty range still occupies its base: registering at the same base again
// must not silently replace the entry.
func TestRegisterEmpty(t *testing.T) {
	r := New(nil, 1)
	op1, err := r.Register(xtesting.NewFakeRequest(nil), 1, 100, 0)
	require.NoError(t, err)

	for _, n := range []uintptr{0, 50} {
		func() {
			defer func() {
				e := recover()
				ierr, ok := e.(*InvariantError)
				require.True(t, ok, "register +%d: recovered %v", n, e)
				require.Equal(t, op1, ierr.With)
			}()
			r.Register(xtesting.NewFakeRequest(nil), 2, 100, n)
		}()
	}

	require.Equal(t, []*Op{op1}, r.Ops())

	// ranges around the empty entry are fine as long as they do not cover it
	_, err = r.Register(xtesting.NewFakeRequest(nil), 3, 90, 10)
	require.NoError(t, err)
	_, err = r.Register(xtesting.NewFakeRequest(nil), 4, 101, 10)
	require.NoError(t, err)
	require.Equal(t, 3, r.Len())
}

func TestFindGap(t *testing.T) {
	r := New(nil, 1)
	_, err := r.Register(xtesting.NewFakeRequest(nil), 0, 100, 10)
	require.NoError(t, err)

	// predecessor exists but does not contain the address
	require.Nil(t, r.Find(150))
}

func TestGranularity(t *testing.T) {
	r := New(nil, 64)
	op, err := r.Register(xtesting.NewFakeRequest(nil), 0, 100, 100)
	require.NoError(t, err)
	require.Equal(t, uintptr(64), op.Base)
	require.Equal(t, uintptr(136), op.Len)
	require.Equal(t, op, r.Find(64))
	require.Nil(t, r.Find(200))
}

func TestWait(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	prot := &recProtector{}
	r := New(prot, 1)

	req := xtesting.NewFakeRequest(nil)
	op, err := r.Register(req, 0, 100, 100)
	assert.NoError(err)

	go func() {
		time.Sleep(time.Millisecond)
		req.Complete(100)
	}()
	err = r.Wait(ctx, 100)
	assert.NoError(err)
	assert.Equal(0, r.Len())
	assert.Nil(r.Find(150))

	select {
	case <-op.Done():
	default:
		t.Fatal("op not done after wait")
	}

	want := []string{"protect 100+100", "unprotect 100+100"}
	if trace := prot.Trace(); !equal(trace, want) {
		t.Fatalf("protection:\n%s", pretty.Compare(want, trace))
	}

	// waiting again for the same op is fine and gives the same result
	err = r.WaitOp(ctx, op)
	assert.NoError(err)
	assert.Equal(2, len(prot.Trace()))

	// wait on unregistered base is invariant violation
	func() {
		defer func() {
			e := recover()
			_, ok := e.(*InvariantError)
			assert.True(ok, "wait unregistered: recovered %v", e)
		}()
		r.Wait(ctx, 100)
	}()
}

func equal(a, b []string) bool {
	return strings.Join(a, "\n") == strings.Join(b, "\n")
}

func TestWaitError(t *testing.T) {
	ctx := context.Background()
	r := New(nil, 1)

	req := xtesting.NewFakeRequest(nil)
	_, err := r.Register(req, 0, 100, 10)
	require.NoError(t, err)

	req.Fail(errors.New("link down"))
	err = r.Wait(ctx, 100)
	require.EqualError(t, err, "link down")
	require.Equal(t, 0, r.Len())
}

func TestRegisterOverlap(t *testing.T) {
	r := New(nil, 1)
	_, err := r.Register(xtesting.NewFakeRequest(nil), 0, 100, 100)
	require.NoError(t, err)

	for _, addr := range []uintptr{50, 100, 150, 199} {
		func() {
			defer func() {
				e := recover()
				ierr, ok := e.(*InvariantError)
				require.True(t, ok, "register %d: recovered %v", addr, e)
				require.NotNil(t, ierr.With)
			}()
			r.Register(xtesting.NewFakeRequest(nil), 0, addr, 60)
		}()
	}

	// adjacent ranges are fine
	_, err = r.Register(xtesting.NewFakeRequest(nil), 0, 200, 10)
	require.NoError(t, err)
	_, err = r.Register(xtesting.NewFakeRequest(nil), 0, 40, 60)
	require.NoError(t, err)
	require.Equal(t, 3, r.Len())
}

// Reserving memory that is still being transferred must wait for that transfer.
func TestReserveReuse(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	r := New(nil, 1)

	req1 := xtesting.NewFakeRequest(nil)
	op1, err := r.Reserve(ctx, 0, 100, 100)
	assert.NoError(err)
	assert.NoError(r.Arm(op1, req1))

	reserved := make(chan *Op)
	go func() {
		op2, err := r.Reserve(ctx, 0, 150, 10)
		if err != nil {
			panic(err)
		}
		reserved <- op2
	}()

	select {
	case <-reserved:
		t.Fatal("reserve did not wait for overlapping transfer")
	case <-time.After(10 * time.Millisecond):
	}

	req1.Fail(errors.New("peer gone"))
	op2 := <-reserved
	assert.Equal(uintptr(150), op2.Base)
	assert.Equal(op2, r.Find(155))
	assert.Nil(r.Find(100))

	req2 := xtesting.NewFakeRequest(nil)
	assert.NoError(r.Arm(op2, req2))
	req2.Complete(10)

	// error of implicitly completed transfer is reported by WaitAll
	err = r.WaitAll(ctx)
	assert.Error(err)
	assert.Contains(err.Error(), "peer gone")
	assert.Equal(0, r.Len())

	// and only once
	assert.NoError(r.WaitAll(ctx))
}

// An entry that is reserved but not yet armed is waited for until it is armed.
func TestWaitUnarmed(t *testing.T) {
	ctx := context.Background()
	r := New(nil, 1)

	op, err := r.Reserve(ctx, 0, 100, 10)
	require.NoError(t, err)

	req := xtesting.NewFakeRequest(nil)
	go func() {
		time.Sleep(time.Millisecond)
		req.Complete(10)
		r.Arm(op, req)
	}()
	require.NoError(t, r.WaitAll(ctx))
	require.Equal(t, 0, r.Len())

	// cancelled wait for unarmed entry
	op, err = r.Reserve(ctx, 0, 100, 10)
	require.NoError(t, err)
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	err = r.WaitOp(cctx, op)
	require.Equal(t, context.Canceled, err)
	require.Equal(t, 1, r.Len())
}

func TestArmProtectFail(t *testing.T) {
	prot := &recProtector{fail: errors.New("EPERM")}
	r := New(prot, 1)

	op, err := r.Reserve(context.Background(), 0, 100, 10)
	require.NoError(t, err)

	req := xtesting.NewFakeRequest(nil)
	go func() {
		time.Sleep(time.Millisecond)
		req.Complete(10)
	}()
	err = r.Arm(op, req)
	require.EqualError(t, err, "EPERM")
	require.True(t, req.Completed())
	require.Equal(t, 0, r.Len())

	// range was never protected, so it must not be unprotected either
	require.Equal(t, []string{"protect 100+10"}, prot.Trace())
}

func TestWaitAllEmpty(t *testing.T) {
	r := New(nil, 1)
	require.NoError(t, r.WaitAll(context.Background()))
}

func TestWaitAllFibers(t *testing.T) {
	ctx := context.Background()
	r := New(nil, 1)
	sched := fiber.NewScheduler(1)

	var reqv []*xtesting.FakeRequest
	var fibers []*fiber.Fiber
	for i := 0; i < 3; i++ {
		req := xtesting.NewFakeRequest(nil)
		reqv = append(reqv, req)
		addr := uintptr(100 * (i + 1))
		fibers = append(fibers, sched.Spawn(ctx, func(ctx context.Context) error {
			op, err := r.Register(req, fiber.CurrentID(ctx), addr, 10)
			if err != nil {
				return err
			}
			if op.Owner != fiber.CurrentID(ctx) {
				return fmt.Errorf("owner %s ; want %s", op.Owner, fiber.CurrentID(ctx))
			}
			return nil
		}))
	}
	require.NoError(t, fiber.JoinAll(ctx, fibers...))
	require.Equal(t, 3, r.Len())

	// completions arrive in reverse order
	for i := len(reqv) - 1; i >= 0; i-- {
		reqv[i].Complete(10)
	}
	waiter := sched.Spawn(ctx, r.WaitAll)
	require.NoError(t, fiber.JoinAll(ctx, waiter))
	require.Equal(t, 0, r.Len())
}
