// Package entity provides typed views over the local kv store: Stream,
// ActiveStream, Target, plus the secondary-index and relation primitives
// spec.md §4.1 and §9 call for ("compile-time declared schema... pipelined
// mutation the only public write surface").
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package entity

import (
	"github.com/siegetank/scv/cmn/cos"
	"github.com/siegetank/scv/kv"
)

// Prefixes mirror the source Entity.prefix class attributes.
const (
	PrefixStream       = "stream:"
	PrefixActiveStream = "active_stream:"
	PrefixTarget       = "target:"
)

// Status values for Stream.status.
const (
	StatusOK      = "OK"
	StatusStopped = "STOPPED"
)

//
// Stream
//

type Stream struct{ ID string }

func (Stream) key(id string) string { return PrefixStream + id }

// CreateStream inserts a new Stream row with status OK, frames 0,
// error_count 0 — fails with *cos.ErrExists if id is already taken.
func CreateStream(tx *kv.Tx, id string) error {
	k := Stream{}.key(id)
	if tx.Exists(k) {
		return cos.NewErrExists("stream %s", id)
	}
	if err := tx.SetExists(k); err != nil {
		return err
	}
	if err := tx.HSetInt(k, "frames", 0); err != nil {
		return err
	}
	if err := tx.HSet(k, "status", StatusOK); err != nil {
		return err
	}
	return tx.HSetInt(k, "error_count", 0)
}

func StreamExists(tx *kv.Tx, id string) bool { return tx.Exists(Stream{}.key(id)) }

func (s Stream) Frames(tx *kv.Tx) int       { return tx.HGetInt(s.key(s.ID), "frames") }
func (s Stream) Status(tx *kv.Tx) string {
	v, _ := tx.HGet(s.key(s.ID), "status")
	return v
}
func (s Stream) ErrorCount(tx *kv.Tx) int { return tx.HGetInt(s.key(s.ID), "error_count") }
func (s Stream) TargetID(tx *kv.Tx) string {
	v, _ := tx.HGet(s.key(s.ID), "target")
	return v
}

func (s Stream) SetStatus(tx *kv.Tx, status string) error {
	return tx.HSet(s.key(s.ID), "status", status)
}

func (s Stream) SetErrorCount(tx *kv.Tx, n int) error {
	return tx.HSetInt(s.key(s.ID), "error_count", n)
}

func (s Stream) IncrErrorCount(tx *kv.Tx, delta int) (int, error) {
	return tx.HIncrBy(s.key(s.ID), "error_count", delta)
}

// IncrFrames adds delta to frames and returns the new total — the only
// legal way frames ever advances (spec.md §3 invariant: monotonic, equals
// the largest durably-committed prefix).
func (s Stream) IncrFrames(tx *kv.Tx, delta int) (int, error) {
	return tx.HIncrBy(s.key(s.ID), "frames", delta)
}

// DeleteStream removes the Stream row. Caller is responsible for first
// detaching it from its Target (DetachStream) within the same Tx.
func DeleteStream(tx *kv.Tx, id string) error {
	k := Stream{}.key(id)
	if err := tx.HDelAll(k); err != nil {
		return err
	}
	return tx.ClearExists(k)
}

//
// ActiveStream
//

type ActiveStream struct{ ID string }

func (ActiveStream) key(id string) string { return PrefixActiveStream + id }

type ActiveStreamFields struct {
	AuthToken string
	Donor     string
	StartTime float64
}

// CreateActiveStream mints an ActiveStream row and registers the
// auth_token -> stream_id secondary index synchronously, inside the same
// pipeline (spec.md §9: "maintain it synchronously inside the pipeline").
func CreateActiveStream(tx *kv.Tx, id string, f ActiveStreamFields) error {
	k := ActiveStream{}.key(id)
	if tx.Exists(k) {
		return cos.NewErrExists("active stream %s", id)
	}
	if err := tx.SetExists(k); err != nil {
		return err
	}
	if err := tx.HSetInt(k, "buffer_frames", 0); err != nil {
		return err
	}
	if err := tx.HSetInt(k, "total_frames", 0); err != nil {
		return err
	}
	if err := tx.HSet(k, "auth_token", f.AuthToken); err != nil {
		return err
	}
	if f.Donor != "" {
		if err := tx.HSet(k, "donor", f.Donor); err != nil {
			return err
		}
	}
	if err := tx.HSetFloat(k, "start_time", f.StartTime); err != nil {
		return err
	}
	return tx.LookupSet("auth_token", f.AuthToken, id)
}

func ActiveStreamExists(tx *kv.Tx, id string) bool { return tx.Exists(ActiveStream{}.key(id)) }

// LookupByToken resolves a core bearer token to its stream id.
func LookupByToken(tx *kv.Tx, token string) (string, bool) {
	return tx.LookupGet("auth_token", token)
}

func (a ActiveStream) BufferFrames(tx *kv.Tx) int { return tx.HGetInt(a.key(a.ID), "buffer_frames") }
func (a ActiveStream) TotalFrames(tx *kv.Tx) int  { return tx.HGetInt(a.key(a.ID), "total_frames") }
func (a ActiveStream) StartTime(tx *kv.Tx) float64 {
	return tx.HGetFloat(a.key(a.ID), "start_time")
}
func (a ActiveStream) Donor(tx *kv.Tx) string {
	v, _ := tx.HGet(a.key(a.ID), "donor")
	return v
}
func (a ActiveStream) FrameHash(tx *kv.Tx) string {
	v, _ := tx.HGet(a.key(a.ID), "frame_hash")
	return v
}
func (a ActiveStream) SetFrameHash(tx *kv.Tx, h string) error {
	return tx.HSet(a.key(a.ID), "frame_hash", h)
}
func (a ActiveStream) SetBufferFrames(tx *kv.Tx, n int) error {
	return tx.HSetInt(a.key(a.ID), "buffer_frames", n)
}
func (a ActiveStream) IncrBufferFrames(tx *kv.Tx, delta int) (int, error) {
	return tx.HIncrBy(a.key(a.ID), "buffer_frames", delta)
}
func (a ActiveStream) IncrTotalFrames(tx *kv.Tx, delta int) (int, error) {
	return tx.HIncrBy(a.key(a.ID), "total_frames", delta)
}

func (a ActiveStream) BufferFilesAdd(tx *kv.Tx, name string) error {
	return tx.SAdd(a.key(a.ID), "buffer_files", name)
}
func (a ActiveStream) BufferFiles(tx *kv.Tx) []string { return tx.SMembers(a.key(a.ID), "buffer_files") }
func (a ActiveStream) ClearBufferFiles(tx *kv.Tx) ([]string, error) {
	return tx.SRemAll(a.key(a.ID), "buffer_files")
}

// DeleteActiveStream removes the row and its auth_token index.
func DeleteActiveStream(tx *kv.Tx, id string) error {
	k := ActiveStream{}.key(id)
	token, hasToken := tx.HGet(k, "auth_token")
	if err := tx.HDelAll(k); err != nil {
		return err
	}
	if _, err := tx.SRemAll(k, "buffer_files"); err != nil {
		return err
	}
	if hasToken {
		if err := tx.LookupDel("auth_token", token); err != nil {
			return err
		}
	}
	return tx.ClearExists(k)
}

//
// Target
//

type Target struct{ ID string }

func (Target) key(id string) string { return PrefixTarget + id }
func (t Target) queueKey() string   { return t.key(t.ID) + ":queue" }

func TargetExists(tx *kv.Tx, id string) bool { return tx.Exists(Target{}.key(id)) }

// EnsureTarget creates the Target row if absent (spec.md §9 Open Question:
// "a target exists on this shard iff it has >= 1 stream here" — decided in
// SPEC_FULL.md §I: created lazily on first POST /streams for an unseen id).
func EnsureTarget(tx *kv.Tx, id string) error {
	k := Target{}.key(id)
	if tx.Exists(k) {
		return nil
	}
	return tx.SetExists(k)
}

func Targets(tx *kv.Tx) []string {
	ids := tx.MembersOf(PrefixTarget)
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id[len(PrefixTarget):])
	}
	return out
}

// QueueAdd enqueues streamID with the given priority score (lower pops
// later — ZRevPopMax favors the highest score, matching the source's
// zrevpop semantics, spec.md §4.2).
func (t Target) QueueAdd(tx *kv.Tx, streamID string, score int) error {
	return tx.ZAdd(t.queueKey(), streamID, int64(score))
}

func (t Target) QueueRem(tx *kv.Tx, streamID string) error {
	return tx.ZRem(t.queueKey(), streamID)
}

// QueuePopMax pops and returns the highest-priority stream id, or ok=false
// if the queue is empty (spec.md §4.2 activation).
func (t Target) QueuePopMax(tx *kv.Tx) (streamID string, ok bool) {
	return tx.ZRevPopMax(t.queueKey())
}

func (t Target) StreamsAdd(tx *kv.Tx, streamID string) error {
	return tx.SAdd(t.key(t.ID), "streams", streamID)
}
func (t Target) StreamsRem(tx *kv.Tx, streamID string) error {
	return tx.SRem(t.key(t.ID), "streams", streamID)
}
func (t Target) Streams(tx *kv.Tx) []string { return tx.SMembers(t.key(t.ID), "streams") }
func (t Target) StreamCount(tx *kv.Tx) int  { return tx.SCard(t.key(t.ID), "streams") }

// DeleteTarget removes the Target row, its queue, and its streams set. The
// caller must have already detached every Stream (DetachStream) first.
func DeleteTarget(tx *kv.Tx, id string) error {
	t := Target{ID: id}
	if err := tx.ZDelAll(t.queueKey()); err != nil {
		return err
	}
	if err := tx.HDelAll(t.key(id)); err != nil {
		return err
	}
	return tx.ClearExists(t.key(id))
}

//
// relate(Target, 'streams', {Stream}, back='target') — spec.md §4.1, §9
//

// AttachStream adds streamID to target's streams set and sets the stream's
// back-reference, atomically (same pipeline).
func AttachStream(tx *kv.Tx, targetID, streamID string) error {
	if err := (Target{ID: targetID}).StreamsAdd(tx, streamID); err != nil {
		return err
	}
	return tx.HSet(Stream{}.key(streamID), "target", targetID)
}

// DetachStream is the inverse of AttachStream, run before DeleteStream.
func DetachStream(tx *kv.Tx, targetID, streamID string) error {
	if err := (Target{ID: targetID}).StreamsRem(tx, streamID); err != nil {
		return err
	}
	return tx.HDel(Stream{}.key(streamID), "target")
}
