package kv_test

import (
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/siegetank/scv/kv"
)

var errAbort = errors.New("kv_test: abort")

var _ = Describe("Store", func() {
	var store *kv.Store

	BeforeEach(func() {
		var err error
		store, err = kv.Open(":memory:")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(store.Close()).To(Succeed())
	})

	Describe("entity existence", func() {
		It("is false until set, true after, false after clear", func() {
			Expect(store.Update(func(tx *kv.Tx) error {
				Expect(tx.Exists("stream:a")).To(BeFalse())
				Expect(tx.SetExists("stream:a")).To(Succeed())
				Expect(tx.Exists("stream:a")).To(BeTrue())
				Expect(tx.ClearExists("stream:a")).To(Succeed())
				Expect(tx.Exists("stream:a")).To(BeFalse())
				return nil
			})).To(Succeed())
		})
	})

	Describe("hash fields", func() {
		It("round-trips ints and strings, and increments", func() {
			Expect(store.Update(func(tx *kv.Tx) error {
				Expect(tx.HSetInt("s", "frames", 3)).To(Succeed())
				Expect(tx.HGetInt("s", "frames")).To(Equal(3))

				n, err := tx.HIncrBy("s", "frames", 2)
				Expect(err).NotTo(HaveOccurred())
				Expect(n).To(Equal(5))
				Expect(tx.HGetInt("s", "frames")).To(Equal(5))

				Expect(tx.HSet("s", "status", "OK")).To(Succeed())
				v, ok := tx.HGet("s", "status")
				Expect(ok).To(BeTrue())
				Expect(v).To(Equal("OK"))
				return nil
			})).To(Succeed())
		})

		It("HDelAll removes every field of the hash", func() {
			Expect(store.Update(func(tx *kv.Tx) error {
				Expect(tx.HSet("s", "a", "1")).To(Succeed())
				Expect(tx.HSet("s", "b", "2")).To(Succeed())
				Expect(tx.HDelAll("s")).To(Succeed())
				_, ok := tx.HGet("s", "a")
				Expect(ok).To(BeFalse())
				_, ok = tx.HGet("s", "b")
				Expect(ok).To(BeFalse())
				return nil
			})).To(Succeed())
		})
	})

	Describe("sets", func() {
		It("adds, removes, and lists members", func() {
			Expect(store.Update(func(tx *kv.Tx) error {
				Expect(tx.SAdd("t", "streams", "x")).To(Succeed())
				Expect(tx.SAdd("t", "streams", "y")).To(Succeed())
				Expect(tx.SCard("t", "streams")).To(Equal(2))
				Expect(tx.SMembers("t", "streams")).To(ConsistOf("x", "y"))

				Expect(tx.SRem("t", "streams", "x")).To(Succeed())
				Expect(tx.SMembers("t", "streams")).To(ConsistOf("y"))
				return nil
			})).To(Succeed())
		})

		It("SRemAll clears and returns removed members", func() {
			Expect(store.Update(func(tx *kv.Tx) error {
				Expect(tx.SAdd("as", "buffer_files", "frames.xtc")).To(Succeed())
				removed, err := tx.SRemAll("as", "buffer_files")
				Expect(err).NotTo(HaveOccurred())
				Expect(removed).To(ConsistOf("frames.xtc"))
				Expect(tx.SCard("as", "buffer_files")).To(Equal(0))
				return nil
			})).To(Succeed())
		})
	})

	Describe("sorted sets (queue / heartbeats)", func() {
		It("ZRevPopMax returns the highest-scoring member, the zrevpop analogue", func() {
			Expect(store.Update(func(tx *kv.Tx) error {
				Expect(tx.ZAdd("target:t1:queue", "s1", 0)).To(Succeed())
				Expect(tx.ZAdd("target:t1:queue", "s2", 5)).To(Succeed())
				Expect(tx.ZAdd("target:t1:queue", "s3", 2)).To(Succeed())

				member, ok := tx.ZRevPopMax("target:t1:queue")
				Expect(ok).To(BeTrue())
				Expect(member).To(Equal("s2"))
				Expect(tx.ZCard("target:t1:queue")).To(Equal(2))

				member, ok = tx.ZRevPopMax("target:t1:queue")
				Expect(ok).To(BeTrue())
				Expect(member).To(Equal("s3"))
				return nil
			})).To(Succeed())
		})

		It("ZRevPopMax on an empty set reports ok=false", func() {
			Expect(store.Update(func(tx *kv.Tx) error {
				_, ok := tx.ZRevPopMax("target:empty:queue")
				Expect(ok).To(BeFalse())
				return nil
			})).To(Succeed())
		})

		It("re-scoring a member moves it without leaving a stale entry", func() {
			Expect(store.Update(func(tx *kv.Tx) error {
				Expect(tx.ZAdd("heartbeats", "s1", 100)).To(Succeed())
				Expect(tx.ZAdd("heartbeats", "s1", 200)).To(Succeed())
				score, ok := tx.ZScore("heartbeats", "s1")
				Expect(ok).To(BeTrue())
				Expect(score).To(Equal(int64(200)))
				Expect(tx.ZCard("heartbeats")).To(Equal(1))
				return nil
			})).To(Succeed())
		})

		It("ZRangeByScore returns members within the inclusive bound, ascending", func() {
			Expect(store.Update(func(tx *kv.Tx) error {
				Expect(tx.ZAdd("heartbeats", "a", 10)).To(Succeed())
				Expect(tx.ZAdd("heartbeats", "b", 20)).To(Succeed())
				Expect(tx.ZAdd("heartbeats", "c", 30)).To(Succeed())
				Expect(tx.ZRangeByScore("heartbeats", 0, 20)).To(Equal([]string{"a", "b"}))
				return nil
			})).To(Succeed())
		})
	})

	Describe("lookups (secondary indexes)", func() {
		It("round-trips auth_token -> stream_id", func() {
			Expect(store.Update(func(tx *kv.Tx) error {
				Expect(tx.LookupSet("auth_token", "tok-1", "stream-1")).To(Succeed())
				id, ok := tx.LookupGet("auth_token", "tok-1")
				Expect(ok).To(BeTrue())
				Expect(id).To(Equal("stream-1"))

				Expect(tx.LookupDel("auth_token", "tok-1")).To(Succeed())
				_, ok = tx.LookupGet("auth_token", "tok-1")
				Expect(ok).To(BeFalse())
				return nil
			})).To(Succeed())
		})
	})

	Describe("pipeline atomicity", func() {
		It("rolls back every write made before a returned error", func() {
			// buntdb has no partial-commit semantics within an Update: a
			// non-nil return aborts the whole transaction.
			err := store.Update(func(tx *kv.Tx) error {
				Expect(tx.HSetInt("s", "frames", 1)).To(Succeed())
				return errAbort
			})
			Expect(err).To(HaveOccurred())
			Expect(store.View(func(tx *kv.Tx) error {
				Expect(tx.HGetInt("s", "frames")).To(Equal(0))
				return nil
			})).To(Succeed())
		})
	})
})
