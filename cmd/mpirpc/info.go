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
// info about the platform

import (
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/dustin/go-humanize"

	"lab.nexedi.com/kirr/mpirpc/mem"
	"lab.nexedi.com/kirr/mpirpc/wire"
)

const infoSummary = "print platform and build information"

func infoUsage(w io.Writer) {
	fmt.Fprintf(w,
`Usage: mpirpc info [options]
Print page size, element types and build information.
`)
}

func infoMain(argv []string) {
	flags := flag.NewFlagSet("", flag.ExitOnError)
	flags.Usage = func() { infoUsage(os.Stderr); flags.PrintDefaults() }
	deps := flags.Bool("deps", false, "also list dependency modules")
	flags.Parse(argv[1:])

	info(os.Stdout, *deps)
}

func info(w io.Writer, deps bool) {
	fmt.Fprintf(w, "platform:\t%s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(w, "go:\t\t%s\n", runtime.Version())
	fmt.Fprintf(w, "page size:\t%s\n", humanize.IBytes(uint64(mem.PageSize())))

	fmt.Fprintf(w, "element types:\t")
	for t := wire.Byte; t.Valid(); t++ {
		fmt.Fprintf(w, "%s(%d) ", t, t.Size())
	}
	fmt.Fprintf(w, "\n")

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		fmt.Fprintf(w, "build:\t\t?\n")
		return
	}
	fmt.Fprintf(w, "build:\t\t%s %s\n", bi.Main.Path, bi.Main.Version)
	if deps {
		for _, m := range bi.Deps {
			fmt.Fprintf(w, "\t%s %s\n", m.Path, m.Version)
		}
	}
}
