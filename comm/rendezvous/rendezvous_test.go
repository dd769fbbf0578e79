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

package rendezvous

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func xopen(t *testing.T, path string) *Registry {
	t.Helper()
	r, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	dbpath := filepath.Join(t.TempDir(), "job.db")

	r1 := xopen(t, dbpath)
	r2 := xopen(t, dbpath) // another member of the group

	_, err := r1.Query(ctx, 0)
	require.True(t, errors.Is(err, ErrNoRank), "query not announced: %v", err)
	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	require.Equal(t, "query", rerr.Op)
	require.Equal(t, 0, rerr.Args)

	require.NoError(t, r1.Announce(ctx, 0, "127.0.0.1:1000"))
	addr, err := r2.Query(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:1000", addr)

	err = r2.Announce(ctx, 0, "127.0.0.1:2000")
	require.True(t, errors.Is(err, ErrRankDup), "announce dup: %v", err)

	require.NoError(t, r1.Withdraw(ctx, 0))
	_, err = r2.Query(ctx, 0)
	require.True(t, errors.Is(err, ErrNoRank))

	// closed registry
	require.NoError(t, r1.Close())
	_, err = r1.Query(ctx, 0)
	require.True(t, errors.Is(err, ErrRegistryDown), "query on closed: %v", err)
}

func TestAwait(t *testing.T) {
	ctx := context.Background()
	dbpath := filepath.Join(t.TempDir(), "job.db")
	r1 := xopen(t, dbpath)
	r2 := xopen(t, dbpath)

	go func() {
		time.Sleep(50 * time.Millisecond)
		r2.Announce(ctx, 3, "pipe:3")
	}()

	addr, err := r1.Await(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, "pipe:3", addr)

	// cancelled
	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = r1.Await(cctx, 4)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "await: %v", err)
}
