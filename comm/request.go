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

package comm

import (
	"errors"
	"fmt"
	"sync"

	"lab.nexedi.com/kirr/mpirpc/wire"
)

var (
	// ErrTruncate is reported by a receive whose buffer is smaller than the message.
	ErrTruncate = errors.New("message truncated")

	// ErrTypeMismatch is reported by a receive that matched a message with different element type.
	ErrTypeMismatch = errors.New("element type mismatch")

	// ErrClosed is reported by requests interrupted by Close.
	ErrClosed = errors.New("communicator is closed")
)

// Request represents one in-flight send or receive.
//
// A request completes exactly once. Count, Data and Err are meaningful only
// after completion.
type Request struct {
	peer  int
	tag   wire.Tag
	typ   wire.Type
	alloc bool // receive into buffer allocated on arrival

	once  sync.Once
	done  chan struct{}
	count int
	data  []byte
	err   error
}

func newRequest(peer int, tag wire.Tag, typ wire.Type, count int, data []byte) *Request {
	return &Request{
		peer:  peer,
		tag:   tag,
		typ:   typ,
		count: count,
		data:  data,
		done:  make(chan struct{}),
	}
}

func (r *Request) complete(count int, data []byte, err error) {
	r.once.Do(func() {
		r.count = count
		r.data = data
		r.err = err
		close(r.done)
	})
}

// Test reports without blocking whether the request completed, and its error if it did.
func (r *Request) Test() (bool, error) {
	select {
	case <-r.done:
		return true, r.err
	default:
		return false, nil
	}
}

// Wait waits for the request to complete and returns its error.
func (r *Request) Wait() error {
	<-r.done
	return r.err
}

// Done returns channel that is closed when the request completes.
func (r *Request) Done() <-chan struct{} { return r.done }

// Count returns number of elements transferred.
func (r *Request) Count() int { return r.count }

// Data returns transferred data.
//
// For receives it is the part of receive buffer filled with the message, or
// the buffer allocated for it.
func (r *Request) Data() []byte { return r.data }

// Err returns error of completed request.
func (r *Request) Err() error { return r.err }

func (r *Request) String() string {
	return fmt.Sprintf("peer %d tag %d %d×%s", r.peer, r.tag, r.count, r.typ)
}

// deliver completes receive r with already received message m.
func (r *Request) deliver(m *message) {
	switch {
	case r.typ != m.typ:
		r.complete(0, nil, fmt.Errorf("%w: receive %s, message %s", ErrTypeMismatch, r.typ, m.typ))

	case r.alloc:
		r.complete(m.count, m.data, nil)

	case len(m.data) > len(r.data):
		n := copy(r.data, m.data)
		r.complete(n/r.typ.Size(), r.data[:n],
			fmt.Errorf("%w: %d bytes into %d-byte buffer", ErrTruncate, len(m.data), len(r.data)))

	default:
		n := copy(r.data, m.data)
		r.complete(m.count, r.data[:n], nil)
	}
}
