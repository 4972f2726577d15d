// Package env contains environment variables
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package env

// SCV environment variables override the on-disk config (cmn.Config),
// the same "env wins over file" precedence cmd/authn applies to env.AuthN.
var SCV = struct {
	ConfDir      string
	StreamsDir   string
	ShardName    string
	ListenAddr   string
	ManagerToken string
	RouterAddrs  string
	LogDir       string
}{
	ConfDir:      "SCV_CONF_DIR",
	StreamsDir:   "SCV_STREAMS_DIR",
	ShardName:    "SCV_SHARD_NAME",
	ListenAddr:   "SCV_LISTEN_ADDR",
	ManagerToken: "SCV_MANAGER_TOKEN",
	RouterAddrs:  "SCV_ROUTER_ADDRS",
	LogDir:       "SCV_LOG_DIR",
}
