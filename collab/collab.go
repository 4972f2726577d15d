// Package collab declares the two external collaborators this shard reads
// from but never owns (spec.md §1): the user/auth store and the target
// catalog. Both are out of scope for this shard's persistence — it only
// consumes them through these interfaces, same as the teacher's own
// cluster.Bowner/cluster.Sowner pattern of depending on narrow read
// interfaces rather than concrete remote clients.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package collab

import "context"

// AuthStore maps a manager bearer token to a user identity. The shard
// calls it read-only (spec.md §1, §4.4).
type AuthStore interface {
	// Authenticate resolves token to a user id, or ok=false if unknown.
	Authenticate(ctx context.Context, token string) (userID string, ok bool)
}

// TargetCatalog is the persistent registry of targets and their owning
// users (spec.md §1). The shard reads Owner during manager authorization
// and reports itself into the target's shard list on first use.
type TargetCatalog interface {
	// Owner returns the user id that owns targetID, or ok=false if the
	// target is unknown to the catalog.
	Owner(ctx context.Context, targetID string) (userID string, ok bool)
	// RegisterShard records that shardName now holds streams for
	// targetID. Called the first time this shard sees a target id
	// (spec.md §1 "records itself in the target's shard list").
	RegisterShard(ctx context.Context, targetID, shardName string) error
}
