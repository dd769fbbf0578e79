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

package task

import (
	"context"
	"testing"
)

func TestStack(t *testing.T) {
	ctx := context.Background()
	if s := Current(ctx).String(); s != "" {
		t.Fatalf("empty: %q", s)
	}

	ctx1 := Running(ctx, "rank 1")
	ctx2 := Runningf(ctx1, "φ%d", 3)
	ctx3 := Running(ctx2, "open")

	for _, tt := range []struct {
		ctx   context.Context
		stack string
	}{
		{ctx1, "rank 1"},
		{ctx2, "rank 1: φ3"},
		{ctx3, "rank 1: φ3: open"},
	} {
		task := Current(tt.ctx)
		if s := task.String(); s != tt.stack {
			t.Errorf("stack: got %q  ; want %q", s, tt.stack)
		}
	}

	if Current(ctx3).Parent != Current(ctx2) {
		t.Errorf("parent is not the enclosing task")
	}
}
