// Package kv is the shard's local KV store: an in-process hash/set/sorted-set
// store over a single buntdb database, with atomic multi-op pipelines.
//
// Grounded on the teacher's own local-db idiom — cmd/authn/main.go opens its
// user/token database with kvdb.NewBuntDB(dbPath), and the real aistore
// target opens "ais.db" the same way for its local KV needs. buntdb itself
// ships as a direct dependency in the teacher's go.mod.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package kv

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/buntdb"
)

// Key namespaces. A null byte separator keeps member/field values (which may
// contain '.', '-', ':') from colliding with the namespace tags.
const (
	nsEntity = "e\x00" // e\0<key>                      -> "1"           (existence sentinel)
	nsHash   = "h\x00" // h\0<key>\0<field>              -> value
	nsSet    = "s\x00" // s\0<key>\0<field>\0<member>    -> "1"
	nsZScore = "z\x00" // z\0<key>\0<padded-score>\0<member> -> member    (ordered by key)
	nsZMem   = "m\x00" // m\0<key>\0<member>             -> padded-score (O(1) rescoring)
)

const sep = "\x00"

// scoreWidth bounds every score (frame counts, unix-second expiries) well
// under 1e18 while keeping keys lexicographically ordered by numeric value.
const scoreWidth = 19

// Store is a single-process, single-database handle. All mutating access
// goes through Update, which maps 1:1 onto one buntdb.Update transaction —
// the Go analogue of the source's Redis pipeline: either every op in the
// closure commits, or none do.
type Store struct {
	db *buntdb.DB
}

// Open creates or opens the database file at path. Pass ":memory:" for an
// ephemeral, disk-less store (used by tests).
func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("kv: open %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Update runs fn inside one atomic buntdb transaction: the pipeline.
func (s *Store) Update(fn func(tx *Tx) error) error {
	return s.db.Update(func(btx *buntdb.Tx) error {
		return fn(&Tx{btx: btx})
	})
}

// View runs fn inside one read-only, point-in-time-consistent transaction.
func (s *Store) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *buntdb.Tx) error {
		return fn(&Tx{btx: btx, ro: true})
	})
}

// Tx is a single buntdb transaction — either a pipeline (Update) or a
// consistent snapshot read (View).
type Tx struct {
	btx *buntdb.Tx
	ro  bool
}

func hkey(key, field string) string { return nsHash + key + sep + field }
func skey(key, field, member string) string {
	return nsSet + key + sep + field + sep + member
}
func ekey(key string) string { return nsEntity + key }
func zmkey(key, member string) string { return nsZMem + key + sep + member }

func padScore(score int64) string {
	return fmt.Sprintf("%0*d", scoreWidth, score)
}

func zkey(key string, score int64, member string) string {
	return nsZScore + key + sep + padScore(score) + sep + member
}

//
// entity existence
//

func (t *Tx) SetExists(key string) error {
	_, _, err := t.btx.Set(ekey(key), "1", nil)
	return err
}

func (t *Tx) Exists(key string) bool {
	_, err := t.btx.Get(ekey(key))
	return err == nil
}

func (t *Tx) ClearExists(key string) error {
	_, err := t.btx.Delete(ekey(key))
	if err != nil && err != buntdb.ErrNotFound {
		return err
	}
	return nil
}

//
// hash fields
//

func (t *Tx) HSet(key, field, val string) error {
	_, _, err := t.btx.Set(hkey(key, field), val, nil)
	return err
}

func (t *Tx) HGet(key, field string) (string, bool) {
	v, err := t.btx.Get(hkey(key, field))
	if err != nil {
		return "", false
	}
	return v, true
}

func (t *Tx) HGetInt(key, field string) int {
	v, ok := t.HGet(key, field)
	if !ok {
		return 0
	}
	n, _ := strconv.Atoi(v)
	return n
}

func (t *Tx) HGetFloat(key, field string) float64 {
	v, ok := t.HGet(key, field)
	if !ok {
		return 0
	}
	f, _ := strconv.ParseFloat(v, 64)
	return f
}

func (t *Tx) HSetInt(key, field string, val int) error {
	return t.HSet(key, field, strconv.Itoa(val))
}

func (t *Tx) HSetFloat(key, field string, val float64) error {
	return t.HSet(key, field, strconv.FormatFloat(val, 'f', -1, 64))
}

// HIncrBy adds delta to the integer field and returns the new value.
func (t *Tx) HIncrBy(key, field string, delta int) (int, error) {
	n := t.HGetInt(key, field) + delta
	if err := t.HSetInt(key, field, n); err != nil {
		return 0, err
	}
	return n, nil
}

func (t *Tx) HDel(key, field string) error {
	_, err := t.btx.Delete(hkey(key, field))
	if err != nil && err != buntdb.ErrNotFound {
		return err
	}
	return nil
}

// HDelAll removes every field of key's hash; used when an entity is deleted.
func (t *Tx) HDelAll(key string) error {
	return t.deletePrefix(nsHash + key + sep)
}

//
// string sets
//

func (t *Tx) SAdd(key, field, member string) error {
	_, _, err := t.btx.Set(skey(key, field, member), "1", nil)
	return err
}

func (t *Tx) SRem(key, field, member string) error {
	_, err := t.btx.Delete(skey(key, field, member))
	if err != nil && err != buntdb.ErrNotFound {
		return err
	}
	return nil
}

func (t *Tx) SMembers(key, field string) []string {
	prefix := nsSet + key + sep + field + sep
	var out []string
	t.btx.AscendKeys(prefix+"*", func(k, _ string) bool {
		out = append(out, strings.TrimPrefix(k, prefix))
		return true
	})
	return out
}

func (t *Tx) SCard(key, field string) int { return len(t.SMembers(key, field)) }

// SRemAll clears every member of the set, returning the removed members.
func (t *Tx) SRemAll(key, field string) ([]string, error) {
	members := t.SMembers(key, field)
	for _, m := range members {
		if err := t.SRem(key, field, m); err != nil {
			return nil, err
		}
	}
	return members, nil
}

//
// sorted sets
//

// ZAdd sets member's score, moving it if already present. score must be >= 0.
func (t *Tx) ZAdd(key, member string, score int64) error {
	if old, err := t.btx.Get(zmkey(key, member)); err == nil {
		oldScore, _ := strconv.ParseInt(old, 10, 64)
		if oldScore == score {
			return nil
		}
		if _, err := t.btx.Delete(zkey(key, oldScore, member)); err != nil && err != buntdb.ErrNotFound {
			return err
		}
	}
	if _, _, err := t.btx.Set(zmkey(key, member), padScore(score), nil); err != nil {
		return err
	}
	_, _, err := t.btx.Set(zkey(key, score, member), member, nil)
	return err
}

func (t *Tx) ZRem(key, member string) error {
	old, err := t.btx.Get(zmkey(key, member))
	if err != nil {
		return nil // not present: idempotent
	}
	score, _ := strconv.ParseInt(old, 10, 64)
	if _, err := t.btx.Delete(zkey(key, score, member)); err != nil && err != buntdb.ErrNotFound {
		return err
	}
	_, err = t.btx.Delete(zmkey(key, member))
	if err != nil && err != buntdb.ErrNotFound {
		return err
	}
	return nil
}

func (t *Tx) ZScore(key, member string) (int64, bool) {
	v, err := t.btx.Get(zmkey(key, member))
	if err != nil {
		return 0, false
	}
	score, _ := strconv.ParseInt(v, 10, 64)
	return score, true
}

// ZRevPopMax removes and returns the highest-scoring member, the Go
// equivalent of the source's target.zrevpop('queue').
func (t *Tx) ZRevPopMax(key string) (member string, ok bool) {
	prefix := nsZScore + key + sep
	t.btx.DescendKeys(prefix+"*", func(k, v string) bool {
		member = v
		ok = true
		return false // first hit only
	})
	if !ok {
		return "", false
	}
	if err := t.ZRem(key, member); err != nil {
		return "", false
	}
	return member, true
}

// ZRangeByScore returns members with min <= score <= max, ascending.
func (t *Tx) ZRangeByScore(key string, minimum, maximum int64) []string {
	prefix := nsZScore + key + sep
	lo := prefix + padScore(minimum)
	hi := prefix + padScore(maximum) + "\xff"
	var out []string
	t.btx.AscendRange("", lo, hi, func(k, v string) bool {
		out = append(out, v)
		return true
	})
	return out
}

// ZCard counts members of the sorted set.
func (t *Tx) ZCard(key string) int {
	prefix := nsZScore + key + sep
	n := 0
	t.btx.AscendKeys(prefix+"*", func(_, _ string) bool { n++; return true })
	return n
}

// ZDelAll removes a sorted set entirely.
func (t *Tx) ZDelAll(key string) error {
	if err := t.deletePrefix(nsZScore + key + sep); err != nil {
		return err
	}
	return t.deletePrefix(nsZMem + key + sep)
}

func (t *Tx) deletePrefix(prefix string) error {
	var keys []string
	t.btx.AscendKeys(prefix+"*", func(k, _ string) bool {
		keys = append(keys, k)
		return true
	})
	for _, k := range keys {
		if _, err := t.btx.Delete(k); err != nil && err != buntdb.ErrNotFound {
			return err
		}
	}
	return nil
}

//
// members of a kind — used by Target.members() / entity.Members
//

// MembersOf returns every id with an existence sentinel under the given
// entity prefix, e.g. MembersOf("target:") for all live targets.
func (t *Tx) MembersOf(prefix string) []string {
	var out []string
	p := nsEntity + prefix
	t.btx.AscendKeys(p+"*", func(k, _ string) bool {
		out = append(out, strings.TrimPrefix(k, nsEntity))
		return true
	})
	return out
}

//
// plain lookup keys (secondary indexes)
//

func lookupKey(field, value string) string { return "l\x00" + field + sep + value }

func (t *Tx) LookupSet(field, value, id string) error {
	_, _, err := t.btx.Set(lookupKey(field, value), id, nil)
	return err
}

func (t *Tx) LookupGet(field, value string) (string, bool) {
	v, err := t.btx.Get(lookupKey(field, value))
	if err != nil {
		return "", false
	}
	return v, true
}

func (t *Tx) LookupDel(field, value string) error {
	_, err := t.btx.Delete(lookupKey(field, value))
	if err != nil && err != buntdb.ErrNotFound {
		return err
	}
	return nil
}
