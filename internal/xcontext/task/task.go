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

// Package task keeps operational task stack in context.
//
// A task is a named operation. Tasks nest: sends of a fiber run under the
// fiber's task, which in turn runs under the rank's task. Log messages are
// prefixed with the whole stack, e.g. "rank 1: φ3: open".
package task

import (
	"context"
	"fmt"
)

// Task represents currently running operation.
type Task struct {
	Parent *Task
	Name   string

	stack string // Parent.stack + ": " + Name
}

type taskKey struct{}

// Running returns context with new task named name running under current task of ctx.
func Running(ctx context.Context, name string) context.Context {
	parent := Current(ctx)
	t := &Task{Parent: parent, Name: name, stack: name}
	if parent != nil {
		t.stack = parent.stack + ": " + name
	}
	return context.WithValue(ctx, taskKey{}, t)
}

// Runningf is Running cousin with formatting support.
func Runningf(ctx context.Context, format string, argv ...interface{}) context.Context {
	return Running(ctx, fmt.Sprintf(format, argv...))
}

// Current returns current task of ctx, or nil.
func Current(ctx context.Context) *Task {
	t, _ := ctx.Value(taskKey{}).(*Task)
	return t
}

// String returns the whole operational stack, e.g. "rank 1: φ3: open".
//
// nil Task is represented as "".
func (t *Task) String() string {
	if t == nil {
		return ""
	}
	return t.stack
}
