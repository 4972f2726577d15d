// Package cmn holds the shard server's configuration record and its
// environment/file loading, generalized from the teacher's cluster-wide
// config package down to this single-process shard's needs.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"time"

	"github.com/siegetank/scv/cmn/cos"
)

// VersionSCV is the shard server's reported version string.
const VersionSCV = "1.0"

// Config is the explicit config record spec.md §9 calls for, replacing the
// source's process-wide mutable options table: "{heartbeat_seconds H,
// tick_period P, streams_dir, shard_name, router_addrs, tls}". Loaded via
// cmn/jsp.LoadMeta and overridable by the SCV_* environment variables
// (api/env.SCV), the same file-then-env precedence cmd/authn applies.
type Config struct {
	ShardName  string   `json:"shard_name"`
	StreamsDir string   `json:"streams_dir"`
	DBPath     string   `json:"db_path"`
	ListenAddr string   `json:"listen_addr"`
	RouterAddrs []string `json:"router_addrs"`

	HeartbeatSeconds int `json:"heartbeat_seconds"` // H
	TickPeriodMillis int `json:"tick_period_ms"`     // P
	TickOwner        bool `json:"tick_owner"`         // true on the one process that reaps leases

	MaxErrorCount int `json:"max_error_count"` // 0 == disabled (spec.md §9, §H)

	Log struct {
		Dir     string `json:"dir"`
		Verbose bool   `json:"verbose"`
	} `json:"log"`
}

// H is the heartbeat lease duration (spec.md §4.6).
func (c *Config) H() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// TickPeriod is the reaper tick interval (spec.md §4.6).
func (c *Config) TickPeriod() time.Duration {
	return time.Duration(c.TickPeriodMillis) * time.Millisecond
}

func (c *Config) Verbose() bool { return c.Log.Verbose }

// Init fills unset fields with defaults (spec.md §4.6: "default P≈3s, H≈900s")
// and validates the shard name.
func (c *Config) Init() error {
	if c.HeartbeatSeconds == 0 {
		c.HeartbeatSeconds = 900
	}
	if c.TickPeriodMillis == 0 {
		c.TickPeriodMillis = 3000
	}
	if c.StreamsDir == "" {
		c.StreamsDir = c.ShardName + "_data/streams"
	}
	if c.DBPath == "" {
		c.DBPath = c.ShardName + "_data/scv.db"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.ShardName == "" {
		return cos.NewErrNotFound("shard_name configuration")
	}
	return cos.CheckAlphaPlus(c.ShardName, "shard_name")
}
