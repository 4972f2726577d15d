package entity_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/siegetank/scv/cmn/cos"
	"github.com/siegetank/scv/entity"
	"github.com/siegetank/scv/kv"
)

var _ = Describe("Stream", func() {
	var store *kv.Store

	BeforeEach(func() {
		var err error
		store, err = kv.Open(":memory:")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(store.Close()).To(Succeed())
	})

	It("creates with frames=0, status=OK, error_count=0", func() {
		Expect(store.Update(func(tx *kv.Tx) error {
			Expect(entity.CreateStream(tx, "s1")).To(Succeed())
			s := entity.Stream{ID: "s1"}
			Expect(s.Frames(tx)).To(Equal(0))
			Expect(s.Status(tx)).To(Equal(entity.StatusOK))
			Expect(s.ErrorCount(tx)).To(Equal(0))
			return nil
		})).To(Succeed())
	})

	It("refuses to create a stream id that already exists", func() {
		Expect(store.Update(func(tx *kv.Tx) error {
			Expect(entity.CreateStream(tx, "s1")).To(Succeed())
			err := entity.CreateStream(tx, "s1")
			Expect(cos.IsErrExists(err)).To(BeTrue())
			return nil
		})).To(Succeed())
	})

	It("IncrFrames advances frames monotonically and returns the new total", func() {
		Expect(store.Update(func(tx *kv.Tx) error {
			Expect(entity.CreateStream(tx, "s1")).To(Succeed())
			s := entity.Stream{ID: "s1"}
			n, err := s.IncrFrames(tx, 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(3))
			n, err = s.IncrFrames(tx, 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(5))
			return nil
		})).To(Succeed())
	})

	It("DeleteStream removes the row entirely", func() {
		Expect(store.Update(func(tx *kv.Tx) error {
			Expect(entity.CreateStream(tx, "s1")).To(Succeed())
			Expect(entity.DeleteStream(tx, "s1")).To(Succeed())
			Expect(entity.StreamExists(tx, "s1")).To(BeFalse())
			return nil
		})).To(Succeed())
	})
})

var _ = Describe("ActiveStream", func() {
	var store *kv.Store

	BeforeEach(func() {
		var err error
		store, err = kv.Open(":memory:")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(store.Close()).To(Succeed())
	})

	It("registers the auth_token -> stream_id index synchronously on create", func() {
		Expect(store.Update(func(tx *kv.Tx) error {
			Expect(entity.CreateActiveStream(tx, "s1", entity.ActiveStreamFields{
				AuthToken: "tok-1",
				StartTime: 100.0,
			})).To(Succeed())

			id, ok := entity.LookupByToken(tx, "tok-1")
			Expect(ok).To(BeTrue())
			Expect(id).To(Equal("s1"))

			a := entity.ActiveStream{ID: "s1"}
			Expect(a.BufferFrames(tx)).To(Equal(0))
			Expect(a.TotalFrames(tx)).To(Equal(0))
			Expect(a.StartTime(tx)).To(Equal(100.0))
			return nil
		})).To(Succeed())
	})

	It("omits the donor field when not provided", func() {
		Expect(store.Update(func(tx *kv.Tx) error {
			Expect(entity.CreateActiveStream(tx, "s1", entity.ActiveStreamFields{AuthToken: "t"})).To(Succeed())
			Expect(entity.ActiveStream{ID: "s1"}.Donor(tx)).To(Equal(""))
			return nil
		})).To(Succeed())
	})

	It("tracks buffer files added during a run and clears them atomically", func() {
		Expect(store.Update(func(tx *kv.Tx) error {
			Expect(entity.CreateActiveStream(tx, "s1", entity.ActiveStreamFields{AuthToken: "t"})).To(Succeed())
			a := entity.ActiveStream{ID: "s1"}
			Expect(a.BufferFilesAdd(tx, "0000000001.b64")).To(Succeed())
			Expect(a.BufferFilesAdd(tx, "0000000002.b64")).To(Succeed())
			Expect(a.BufferFiles(tx)).To(ConsistOf("0000000001.b64", "0000000002.b64"))

			cleared, err := a.ClearBufferFiles(tx)
			Expect(err).NotTo(HaveOccurred())
			Expect(cleared).To(ConsistOf("0000000001.b64", "0000000002.b64"))
			Expect(a.BufferFiles(tx)).To(BeEmpty())
			return nil
		})).To(Succeed())
	})

	It("DeleteActiveStream removes both the row and its auth_token index", func() {
		Expect(store.Update(func(tx *kv.Tx) error {
			Expect(entity.CreateActiveStream(tx, "s1", entity.ActiveStreamFields{AuthToken: "tok-1"})).To(Succeed())
			Expect(entity.DeleteActiveStream(tx, "s1")).To(Succeed())
			Expect(entity.ActiveStreamExists(tx, "s1")).To(BeFalse())
			_, ok := entity.LookupByToken(tx, "tok-1")
			Expect(ok).To(BeFalse())
			return nil
		})).To(Succeed())
	})
})

var _ = Describe("Target", func() {
	var store *kv.Store

	BeforeEach(func() {
		var err error
		store, err = kv.Open(":memory:")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(store.Close()).To(Succeed())
	})

	It("EnsureTarget is idempotent", func() {
		Expect(store.Update(func(tx *kv.Tx) error {
			Expect(entity.EnsureTarget(tx, "t1")).To(Succeed())
			Expect(entity.EnsureTarget(tx, "t1")).To(Succeed())
			Expect(entity.TargetExists(tx, "t1")).To(BeTrue())
			return nil
		})).To(Succeed())
	})

	It("attaches and detaches streams, maintaining the back-reference", func() {
		Expect(store.Update(func(tx *kv.Tx) error {
			Expect(entity.EnsureTarget(tx, "t1")).To(Succeed())
			Expect(entity.CreateStream(tx, "s1")).To(Succeed())
			Expect(entity.AttachStream(tx, "t1", "s1")).To(Succeed())

			Expect(entity.Target{ID: "t1"}.Streams(tx)).To(ConsistOf("s1"))
			Expect(entity.Stream{ID: "s1"}.TargetID(tx)).To(Equal("t1"))

			Expect(entity.DetachStream(tx, "t1", "s1")).To(Succeed())
			Expect(entity.Target{ID: "t1"}.Streams(tx)).To(BeEmpty())
			return nil
		})).To(Succeed())
	})

	It("QueuePopMax pops the highest-priority stream, matching the source's zrevpop", func() {
		Expect(store.Update(func(tx *kv.Tx) error {
			target := entity.Target{ID: "t1"}
			Expect(entity.EnsureTarget(tx, "t1")).To(Succeed())
			Expect(target.QueueAdd(tx, "s1", 10)).To(Succeed())
			Expect(target.QueueAdd(tx, "s2", 50)).To(Succeed())

			id, ok := target.QueuePopMax(tx)
			Expect(ok).To(BeTrue())
			Expect(id).To(Equal("s2"))

			id, ok = target.QueuePopMax(tx)
			Expect(ok).To(BeTrue())
			Expect(id).To(Equal("s1"))

			_, ok = target.QueuePopMax(tx)
			Expect(ok).To(BeFalse())
			return nil
		})).To(Succeed())
	})

	It("DeleteTarget removes the row and its queue", func() {
		Expect(store.Update(func(tx *kv.Tx) error {
			target := entity.Target{ID: "t1"}
			Expect(entity.EnsureTarget(tx, "t1")).To(Succeed())
			Expect(target.QueueAdd(tx, "s1", 1)).To(Succeed())
			Expect(entity.DeleteTarget(tx, "t1")).To(Succeed())
			Expect(entity.TargetExists(tx, "t1")).To(BeFalse())
			_, ok := target.QueuePopMax(tx)
			Expect(ok).To(BeFalse())
			return nil
		})).To(Succeed())
	})
})
