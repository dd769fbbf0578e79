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

// Package xtesting provides infrastructure for mpirpc testing.
package xtesting

import (
	"sync"
	"testing"
)

// FatalIf returns function that fails the test if its error argument is !nil.
//
// It is handy to check errors inline:
//
//	X := xtesting.FatalIf(t)
//	n, err := f(); X(err)
func FatalIf(t testing.TB) func(error) {
	return func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
}

// FakeRequest is transfer request whose completion is controlled by the test.
//
// It implements the request interfaces of pending and rpc packages.
type FakeRequest struct {
	mu    sync.Mutex
	done  chan struct{}
	over  bool
	count int
	data  []byte
	err   error

	ntest int // how many times Test was called
}

// NewFakeRequest creates new incomplete request over data.
func NewFakeRequest(data []byte) *FakeRequest {
	return &FakeRequest{data: data, done: make(chan struct{})}
}

// Complete marks the request as successfully completed with count elements transferred.
//
// Completing already completed request is a no-op.
func (r *FakeRequest) Complete(count int) {
	r.finish(count, nil)
}

// Fail marks the request as completed with error.
func (r *FakeRequest) Fail(err error) {
	r.finish(0, err)
}

func (r *FakeRequest) finish(count int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.over {
		return
	}
	r.over = true
	r.count = count
	r.err = err
	close(r.done)
}

func (r *FakeRequest) Test() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ntest++
	return r.over, r.err
}

func (r *FakeRequest) Wait() error {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *FakeRequest) Done() <-chan struct{} { return r.done }

func (r *FakeRequest) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *FakeRequest) Data() []byte { return r.data }

// Completed reports whether the request was completed.
func (r *FakeRequest) Completed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// NTest returns how many times Test was invoked.
func (r *FakeRequest) NTest() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ntest
}
