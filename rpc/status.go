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

package rpc
// session status

import (
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/sugawarayuuta/sonnet"

	"lab.nexedi.com/kirr/mpirpc/fiber"
)

// Stats is snapshot of transfer counters of a session.
type Stats struct {
	Sent         int64 `json:"sent"`          // sends started
	SentZeroCopy int64 `json:"sent_zerocopy"` // of them zero-copy
	Received     int64 `json:"received"`      // receives completed successfully
	BytesSent    int64 `json:"bytes_sent"`
	BytesRecvd   int64 `json:"bytes_received"`
}

// Stats returns current transfer counters.
func (r *RPC) Stats() Stats {
	return Stats{
		Sent:         atomic.LoadInt64(&r.stats.nsend),
		SentZeroCopy: atomic.LoadInt64(&r.stats.nsendZC),
		Received:     atomic.LoadInt64(&r.stats.nrecv),
		BytesSent:    atomic.LoadInt64(&r.stats.bytesSent),
		BytesRecvd:   atomic.LoadInt64(&r.stats.bytesRecvd),
	}
}

// Status describes state of a session.
type Status struct {
	Rank    int             `json:"rank"`
	Size    int             `json:"size"`
	First   int             `json:"first"`
	Last    int             `json:"last"`
	Pending []PendingStatus `json:"pending"`
	Stats   Stats           `json:"stats"`
}

// PendingStatus describes one in-flight zero-copy send.
type PendingStatus struct {
	Base  string   `json:"base"`
	Len   uintptr  `json:"len"`
	Owner fiber.ID `json:"owner"`
}

// Status returns current state of the session.
func (r *RPC) Status() Status {
	st := Status{
		Rank:    r.Rank(),
		Size:    r.Size(),
		First:   r.first,
		Last:    r.last,
		Pending: []PendingStatus{},
		Stats:   r.Stats(),
	}
	for _, op := range r.reg.Ops() {
		st.Pending = append(st.Pending, PendingStatus{
			Base:  fmt.Sprintf("%#x", op.Base),
			Len:   op.Len,
			Owner: op.Owner,
		})
	}
	return st
}

// ServeHTTP serves session status as JSON.
//
// It is handy to mount it on debug HTTP of the rank, e.g. at /debug/pending.
func (r *RPC) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	data, err := sonnet.Marshal(r.Status())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
