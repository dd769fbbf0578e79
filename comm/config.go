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
// configuration

import (
	"fmt"
	"net/http"
	"os"

	pkgerrors "github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"lab.nexedi.com/kirr/mpirpc/xnet"
)

// Config describes how a rank joins its group.
type Config struct {
	Rank int // our rank
	Size int // number of ranks in the group

	// Addrs[i] is address rank i listens on. It can be omitted if
	// Rendezvous is used.
	Addrs []string

	// Bind is local address to listen on. If empty, Addrs[Rank] is used.
	Bind string

	// Net is the network ranks talk over. Default is plain TCP.
	Net xnet.Network

	// Rendezvous is path to registry where ranks announce their listening
	// addresses and find addresses of each other. See package rendezvous.
	Rendezvous string

	// Debug enables serving HTTP on the rank's listening address.
	Debug bool

	// HTTP handles debug HTTP requests. Default is http.DefaultServeMux
	// which has /debug/pprof and the like.
	HTTP http.Handler
}

// Validate verifies that configuration is consistent.
func (cfg *Config) Validate() error {
	switch {
	case cfg.Size < 1:
		return fmt.Errorf("invalid group size %d", cfg.Size)
	case cfg.Rank < 0 || cfg.Rank >= cfg.Size:
		return fmt.Errorf("rank %d is out of group of %d", cfg.Rank, cfg.Size)
	case cfg.Rendezvous == "" && len(cfg.Addrs) != cfg.Size:
		return fmt.Errorf("have %d addresses for group of %d and no rendezvous", len(cfg.Addrs), cfg.Size)
	case cfg.Rendezvous != "" && len(cfg.Addrs) != 0 && len(cfg.Addrs) != cfg.Size:
		return fmt.Errorf("have %d addresses for group of %d", len(cfg.Addrs), cfg.Size)
	}
	return nil
}

// laddr returns address we should listen on.
func (cfg *Config) laddr() string {
	if cfg.Bind != "" {
		return cfg.Bind
	}
	if len(cfg.Addrs) > cfg.Rank {
		return cfg.Addrs[cfg.Rank]
	}
	return ""
}

// Job describes a group of ranks as stored in job file.
//
// Example job file:
//
//	ranks:
//	  - addr: node1:7000
//	  - addr: node2:7000
//	  - addr: node3:7000
//	first: 1
//	last: 2
//
// first and last, if present, narrow range of peers that all-peer operations
// of rank 0 address.
type Job struct {
	Ranks []RankSpec `yaml:"ranks"`
	First *int       `yaml:"first"`
	Last  *int       `yaml:"last"`
}

// RankSpec describes one rank of a job.
type RankSpec struct {
	Addr string `yaml:"addr"`
}

// LoadJob loads job description from YAML file.
func LoadJob(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "load job")
	}
	return ParseJob(data)
}

// ParseJob parses job description in YAML.
func ParseJob(data []byte) (*Job, error) {
	job := &Job{}
	err := yaml.Unmarshal(data, job)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "parse job")
	}
	if len(job.Ranks) == 0 {
		return nil, fmt.Errorf("parse job: no ranks")
	}
	n := len(job.Ranks)
	if job.First != nil && (*job.First < 0 || *job.First >= n) {
		return nil, fmt.Errorf("parse job: first %d is out of group of %d", *job.First, n)
	}
	if job.Last != nil && (*job.Last < 0 || *job.Last >= n) {
		return nil, fmt.Errorf("parse job: last %d is out of group of %d", *job.Last, n)
	}
	if job.First != nil && job.Last != nil && *job.First > *job.Last {
		return nil, fmt.Errorf("parse job: first %d > last %d", *job.First, *job.Last)
	}
	return job, nil
}

// Config returns configuration for rank of the job.
func (job *Job) Config(rank int) *Config {
	cfg := &Config{Rank: rank, Size: len(job.Ranks)}
	for _, r := range job.Ranks {
		cfg.Addrs = append(cfg.Addrs, r.Addr)
	}
	return cfg
}
