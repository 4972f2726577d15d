// Package apc holds the shard's HTTP route constants — spec.md §6.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package apc

const (
	Root = "/"

	StreamsActivate = "/streams/activate"
	Streams         = "/streams"
	StreamsStart    = "/streams/start/"
	StreamsStop     = "/streams/stop/"
	StreamsDelete   = "/streams/delete/"
	StreamsReplace  = "/streams/replace/"
	StreamsDownload = "/streams/download/"
	StreamsInfo     = "/streams/info/"

	TargetsDelete  = "/targets/delete/"
	TargetsStreams = "/targets/streams/"

	ActiveStreams = "/active_streams"

	CoreStart      = "/core/start"
	CoreFrame      = "/core/frame"
	CoreCheckpoint = "/core/checkpoint"
	CoreStop       = "/core/stop"
	CoreHeartbeat  = "/core/heartbeat"

	Metrics = "/metrics"
)
