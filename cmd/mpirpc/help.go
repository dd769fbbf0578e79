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

const jobSummary = "description of job files"

const jobHelp = `A job file describes a group of ranks in YAML:

	ranks:
	  - addr: node1:7000
	  - addr: node2:7000
	  - addr: node3:7000
	first: 1
	last: 2

Rank i listens on address of the i-th entry of ranks and connects to the
others via their addresses. first and last are optional; they narrow the
range of peers that operations addressing all peers work with. By default
the range is the whole group.
`
