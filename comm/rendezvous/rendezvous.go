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

// Package rendezvous provides registry where ranks of a group find each other.
//
// The registry holds, for every rank of a group, the address the rank is
// listening on. When a rank starts, it announces its address to the
// registry; to connect to another rank it queries the registry for that
// rank's address, waiting if the rank did not announce itself yet.
//
// The registry is a SQLite file shared by all processes of the group, e.g.
// on a common filesystem. Its schema is:
//
//	ranks:
//		rank	integer !null PK
//		addr	text !null
//
//	meta:
//		name	text !null PK
//		value	text !null
//
//	"schemaver"	str(int) - version of schema.
package rendezvous

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mattn/go-sqlite3"
	pkgerrors "github.com/pkg/errors"

	"lab.nexedi.com/kirr/mpirpc/internal/log"
)

const schemaVer = "1"

var (
	ErrRegistryDown = errors.New("registry is down")
	ErrNoRank       = errors.New("no such rank")
	ErrRankDup      = errors.New("rank already registered")
)

// Error represents an error of a registry operation.
type Error struct {
	Registry string      // path of the registry
	Op       string      // operation that failed
	Args     interface{} // operation arguments, if any
	Err      error       // actual error that occurred during the operation
}

func (e *Error) Error() string {
	s := e.Registry + ": " + e.Op
	if e.Args != nil {
		s += fmt.Sprintf(" %v", e.Args)
	}
	s += ": " + e.Err.Error()
	return s
}

func (e *Error) Cause() error  { return e.Err }
func (e *Error) Unwrap() error { return e.Err }

// Registry is opened rendezvous registry.
type Registry struct {
	db   *sql.DB
	path string

	// how often Await re-queries the registry if no file change is noticed
	pollInterval time.Duration
}

// Open opens registry located at path, creating it if needed.
func Open(ctx context.Context, path string) (_ *Registry, err error) {
	r := &Registry{path: path, pollInterval: 500 * time.Millisecond}
	defer r.regerr(&err, "open")

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	r.db = db

	err = r.setup(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) setup(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ranks (
			rank	INTEGER NOT NULL PRIMARY KEY,
			addr	TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS meta (
			name	TEXT NOT NULL PRIMARY KEY,
			value	TEXT NOT NULL
		);

		INSERT OR IGNORE INTO meta (name, value) VALUES ('schemaver', '` + schemaVer + `');
	`)
	if err != nil {
		return pkgerrors.Wrap(err, "setup")
	}

	var ver string
	err = r.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE name = 'schemaver'").Scan(&ver)
	if err != nil {
		return pkgerrors.Wrap(err, "setup: schemaver")
	}
	if ver != schemaVer {
		return fmt.Errorf("schema version mismatch: have %q  ; want %q", ver, schemaVer)
	}
	return nil
}

// Close closes access to the registry.
func (r *Registry) Close() (err error) {
	defer r.regerr(&err, "close")
	return r.db.Close()
}

// Path returns location of the registry.
func (r *Registry) Path() string { return r.path }

// Announce announces that rank is listening on addr.
//
// Returned error, if !nil, is *Error with .Err describing the error cause:
//
//	- ErrRankDup       if the rank was already announced,
//	- ErrRegistryDown  if registry was closed,
//	- some other error indicating e.g. IO problem.
func (r *Registry) Announce(ctx context.Context, rank int, addr string) (err error) {
	defer r.regerr(&err, "announce", rank, addr)

	_, err = r.db.ExecContext(ctx, "INSERT INTO ranks (rank, addr) VALUES (?, ?)", rank, addr)
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
		err = ErrRankDup
	}
	return err
}

// Withdraw removes announcement of rank.
//
// Withdrawing a rank that was not announced is not an error.
func (r *Registry) Withdraw(ctx context.Context, rank int) (err error) {
	defer r.regerr(&err, "withdraw", rank)
	_, err = r.db.ExecContext(ctx, "DELETE FROM ranks WHERE rank = ?", rank)
	return err
}

// Query returns address announced by rank.
//
// Returned error, if !nil, is *Error with .Err describing the error cause:
//
//	- ErrNoRank        if the rank was not announced,
//	- ErrRegistryDown  if registry was closed,
//	- some other error indicating e.g. IO problem.
func (r *Registry) Query(ctx context.Context, rank int) (addr string, err error) {
	defer r.regerr(&err, "query", rank)

	err = r.db.QueryRowContext(ctx, "SELECT addr FROM ranks WHERE rank = ?", rank).Scan(&addr)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNoRank
	}
	return addr, err
}

// Await waits for rank to be announced and returns its address.
//
// Changes to the registry file are watched to notice announcement early;
// independently of that the registry is re-queried periodically.
func (r *Registry) Await(ctx context.Context, rank int) (addr string, err error) {
	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		defer watcher.Close()
		werr = watcher.Add(filepath.Dir(r.path))
	}
	if werr != nil {
		log.V(1).Infof(ctx, "%s: watch: %s; falling back to polling", r.path, werr)
		watcher = nil
	}

	var events <-chan fsnotify.Event
	var errc <-chan error
	if watcher != nil {
		events = watcher.Events
		errc = watcher.Errors
	}

	tick := time.NewTicker(r.pollInterval)
	defer tick.Stop()

	for {
		addr, err = r.Query(ctx, rank)
		if !isNoRank(err) {
			return addr, err
		}

		select {
		case <-ctx.Done():
			return "", &Error{Registry: r.path, Op: "await", Args: rank, Err: ctx.Err()}

		case <-events:
		case err := <-errc:
			log.V(1).Infof(ctx, "%s: watch: %s", r.path, err)
		case <-tick.C:
		}
	}
}

func isNoRank(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Err == ErrNoRank
}

// regerr is syntactic sugar to wrap !nil *errp into *Error.
func (r *Registry) regerr(errp *error, op string, args ...interface{}) {
	if *errp == nil {
		return
	}
	err := *errp
	if err.Error() == "sql: database is closed" {
		err = ErrRegistryDown
	}

	var eargs interface{}
	switch len(args) {
	case 0:
	case 1:
		eargs = args[0]
	default:
		eargs = args
	}
	*errp = &Error{Registry: r.path, Op: op, Args: eargs, Err: err}
}
