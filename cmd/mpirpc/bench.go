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

package main
// cli to run transfer benchmark

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"lab.nexedi.com/kirr/go123/prog"
	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/kirr/mpirpc/comm"
	"lab.nexedi.com/kirr/mpirpc/fiber"
	"lab.nexedi.com/kirr/mpirpc/internal/log"
	"lab.nexedi.com/kirr/mpirpc/internal/task"
	"lab.nexedi.com/kirr/mpirpc/rpc"
	"lab.nexedi.com/kirr/mpirpc/wire"
	"lab.nexedi.com/kirr/mpirpc/xnet/pipenet"
)

const benchSummary = "benchmark zero-copy and copying sends in between ranks"

func benchUsage(w io.Writer) {
	fmt.Fprintf(w,
`Usage: mpirpc bench [options]
Benchmark transfers in between ranks of a group.

Rank 0 first sends arrays of 1, 2, 4, ... elements zero-copy to every peer
and modifies the array right after each send; the modification is deferred
until the send completes. Then it measures throughput of N zero-copy sends
of the largest array, and of N sends that copy the array first. Other ranks
receive.

The group is described either by -peers, by -job file (see "mpirpc help
job"), by -rendezvous registry together with -size, or is run in-process
with -local.

`)
}

// benchOptions is what a rank needs to know to run the benchmark.
type benchOptions struct {
	max int // elements in the largest array
	n   int // sends per measurement
}

// message tags
const (
	tagTamper wire.Tag = 1 + iota
	tagZeroCopy
	tagCopy
)

func benchMain(argv []string) {
	flags := flag.NewFlagSet("", flag.ExitOnError)
	flags.Usage = func() { benchUsage(os.Stderr); flags.PrintDefaults() }
	rank := flags.Int("rank", 0, "our rank")
	peers := flags.String("peers", "", "comma-separated addresses of all ranks, in rank order")
	jobPath := flags.String("job", "", "job file describing the group")
	rdv := flags.String("rendezvous", "", "path to rendezvous registry")
	size := flags.Int("size", 0, "group size (with -rendezvous)")
	bind := flags.String("bind", "", "address to listen on")
	maxElem := flags.Int("max", 1<<20, "number of float64 elements in the largest array")
	n := flags.Int("n", 100, "sends per measurement")
	debugHTTP := flags.Bool("http", false, "serve /debug/pprof and /debug/pending on the rank's address")
	local := flags.Int("local", 0, "run that many ranks in-process over in-memory network")
	flags.Parse(argv[1:])

	if *maxElem < 1 || *n < 1 {
		prog.Fatal("-max and -n must be positive")
	}
	o := benchOptions{max: *maxElem, n: *n}
	ctx := context.Background()
	defer log.Flush()

	if *local != 0 {
		err := benchLocal(ctx, *local, o)
		if err != nil {
			prog.Fatal(err)
		}
		return
	}

	cfg := &comm.Config{
		Rank:       *rank,
		Bind:       *bind,
		Rendezvous: *rdv,
		Debug:      *debugHTTP,
	}
	var opts []rpc.Option
	switch {
	case *jobPath != "":
		job, err := comm.LoadJob(*jobPath)
		if err != nil {
			prog.Fatal(err)
		}
		jcfg := job.Config(*rank)
		cfg.Size, cfg.Addrs = jcfg.Size, jcfg.Addrs
		first, last := 0, cfg.Size-1
		if job.First != nil {
			first = *job.First
		}
		if job.Last != nil {
			last = *job.Last
		}
		opts = append(opts, rpc.WithRange(first, last))

	case *peers != "":
		cfg.Addrs = strings.Split(*peers, ",")
		cfg.Size = len(cfg.Addrs)

	case *rdv != "":
		cfg.Size = *size

	default:
		prog.Fatal("group is not described: use -peers, -job, -rendezvous or -local")
	}

	c, err := comm.Open(ctx, cfg)
	if err != nil {
		prog.Fatal(err)
	}
	defer c.Close()

	r := rpc.New(rpc.Over(c), opts...)
	if *debugHTTP {
		http.Handle("/debug/pending", r)
	}

	err = bench(ctx, r, o)
	if err == nil {
		err = r.Close(ctx)
	}
	if err != nil {
		prog.Fatal(err)
	}
}

// benchLocal runs nrank ranks of the benchmark as fibers of one process.
func benchLocal(ctx context.Context, nrank int, o benchOptions) error {
	if nrank < 2 {
		return fmt.Errorf("need at least 2 ranks; have %d", nrank)
	}

	pnet := pipenet.New("bench")
	var addrv []string
	for i := 0; i < nrank; i++ {
		addrv = append(addrv, strconv.Itoa(i))
	}

	sched := fiber.NewScheduler(nrank)
	var fv []*fiber.Fiber
	for i := 0; i < nrank; i++ {
		cfg := &comm.Config{Rank: i, Size: nrank, Addrs: addrv, Net: pnet}
		fv = append(fv, sched.Spawn(ctx, func(ctx context.Context) error {
			var c *comm.Comm
			var err error
			fiber.Block(ctx, func() {
				c, err = comm.Open(ctx, cfg)
			})
			if err != nil {
				return err
			}
			defer c.Close()

			r := rpc.New(rpc.Over(c))
			err = bench(ctx, r, o)
			return xerr.Merge(err, r.Close(ctx))
		}))
	}
	return fiber.JoinAll(ctx, fv...)
}

// bench runs the benchmark on rank of r.
//
// Rank 0 sends to every other peer of r's range. The peers receive.
func bench(ctx context.Context, r *rpc.RPC, o benchOptions) (err error) {
	defer task.Runningf(&ctx, "bench rank %d", r.Rank())(&err)

	first, last := r.Range()
	var peerv []int
	for p := first; p <= last; p++ {
		if p != 0 {
			peerv = append(peerv, p)
		}
	}
	if len(peerv) == 0 {
		return fmt.Errorf("no peers to send to in range [%d, %d]", first, last)
	}

	switch {
	case r.Rank() == 0:
		return benchSend(ctx, r, peerv, o)
	case first <= r.Rank() && r.Rank() <= last:
		return benchRecv(ctx, r, o)
	}
	log.Infof(ctx, "not in range [%d, %d]; nothing to do", first, last)
	return nil
}

func benchSend(ctx context.Context, r *rpc.RPC, peerv []int, o benchOptions) (err error) {
	buf, err := rpc.Alloc[float64](o.max)
	if err != nil {
		return err
	}
	defer func() {
		err = xerr.Merge(err, rpc.Free(buf))
	}()

	// modifications right after zero-copy send must be deferred, not seen by receivers.
	// The array is sent with +size at its ends and tampered to -size.
	for size := 1; size < o.max; size *= 2 {
		for _, peer := range peerv {
			err = r.Guard(ctx, func() {
				buf[0] = float64(size)
				buf[size-1] = float64(size)
			})
			if err != nil {
				return err
			}
			err = rpc.SendZeroCopy(ctx, r, peer, tagTamper, buf[:size])
			if err != nil {
				return err
			}
			err = r.Guard(ctx, func() {
				buf[0] = -float64(size)
				buf[size-1] = -float64(size)
			})
			if err != nil {
				return err
			}
		}
	}
	err = r.Wait(ctx)
	if err != nil {
		return err
	}

	nbyte := int64(o.n) * int64(len(peerv)) * int64(len(wire.Bytes(buf)))

	tstart := time.Now()
	for i := 0; i < o.n; i++ {
		for _, peer := range peerv {
			err = rpc.SendZeroCopy(ctx, r, peer, tagZeroCopy, buf)
			if err != nil {
				return err
			}
		}
	}
	err = r.Wait(ctx)
	if err != nil {
		return err
	}
	report(ctx, "zero-copy", nbyte, time.Since(tstart))

	tstart = time.Now()
	var reqv []rpc.Request
	for i := 0; i < o.n; i++ {
		for _, peer := range peerv {
			dup := make([]float64, len(buf))
			copy(dup, buf)
			reqv = append(reqv, rpc.Isend(r, peer, tagCopy, dup))
		}
	}
	var errv xerr.Errorv
	for _, req := range reqv {
		errv.Appendif(fiber.Await(ctx, req))
	}
	err = errv.Err()
	if err != nil {
		return err
	}
	report(ctx, "copy+isend", nbyte, time.Since(tstart))
	return nil
}

func benchRecv(ctx context.Context, r *rpc.RPC, o benchOptions) error {
	buf := make([]float64, o.max)
	recv := func(tag wire.Tag, want int) error {
		n, err := rpc.Recv(ctx, r, 0, tag, buf)
		if err != nil {
			return err
		}
		if n != want {
			return fmt.Errorf("tag %d: received %d elements  ; want %d", tag, n, want)
		}
		return nil
	}

	for size := 1; size < o.max; size *= 2 {
		err := recv(tagTamper, size)
		if err != nil {
			return err
		}
		// the sender tampers with the array only after it was sent
		if buf[0] != float64(size) || buf[size-1] != float64(size) {
			return fmt.Errorf("size %d: received array modified after send: [0] = %v  [-1] = %v", size, buf[0], buf[size-1])
		}
	}
	for i := 0; i < o.n; i++ {
		err := recv(tagZeroCopy, o.max)
		if err != nil {
			return err
		}
	}
	for i := 0; i < o.n; i++ {
		err := recv(tagCopy, o.max)
		if err != nil {
			return err
		}
	}

	st := r.Stats()
	log.Infof(ctx, "received %d messages, %s", st.Received, humanize.IBytes(uint64(st.BytesRecvd)))
	return nil
}

func report(ctx context.Context, what string, nbyte int64, δt time.Duration) {
	rate := float64(nbyte) / δt.Seconds()
	fmt.Printf("%-12s %s in %s\t%s/s\n", what, humanize.IBytes(uint64(nbyte)), δt, humanize.IBytes(uint64(rate)))
	log.V(1).Infof(ctx, "%s: %s bytes in %s", what, humanize.Comma(nbyte), δt)
}
