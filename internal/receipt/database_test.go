package receipt

import (
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/receipt-verifier/internal/verify"
)

var _ = Describe("BoltDB", func() {
	var (
		dbPath string
		db     *BoltDB
	)

	BeforeEach(func() {
		dbPath = filepath.Join(GinkgoT().TempDir(), "test.db")
		var err error
		db, err = NewBoltDB(dbPath)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	record := func(id string, created time.Time) *Verification {
		return &Verification{
			ID:          id,
			CreatedAt:   created,
			Scanner:     "mock/model",
			ContentType: "image/png",
			Expected:    verify.ExpectedTransaction{Amount: 45000, Date: "2024-03-05", AcceptableDestinations: []string{}},
			Decision: &verify.Decision{
				Status:     verify.StatusVerified,
				Confidence: 0.92,
				Reasons:    []string{"Verified: receipt agrees with the expected transaction"},
			},
		}
	}

	Describe("SaveVerification", func() {
		It("stores the record so it can be read back", func() {
			Expect(db.SaveVerification(record("v-1", time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)))).To(Succeed())

			saved, err := db.GetVerification("v-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(saved.Scanner).To(Equal("mock/model"))
			Expect(saved.Expected.Amount).To(Equal(int64(45000)))
			Expect(saved.Decision.Status).To(Equal(verify.StatusVerified))
			Expect(saved.Decision.Reasons).To(HaveLen(1))
			Expect(saved.Filename).To(BeNil())
		})

		It("overwrites a record with the same id", func() {
			first := record("v-1", time.Now())
			Expect(db.SaveVerification(first)).To(Succeed())
			first.Scanner = "other/model"
			Expect(db.SaveVerification(first)).To(Succeed())

			saved, err := db.GetVerification("v-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(saved.Scanner).To(Equal("other/model"))
		})
	})

	Describe("GetVerification", func() {
		It("returns ErrNotFound for an unknown id", func() {
			_, err := db.GetVerification("missing")
			Expect(err).To(MatchError(ErrNotFound))
		})
	})

	Describe("ListVerifications", func() {
		When("the database is empty", func() {
			It("returns an empty list", func() {
				list, err := db.ListVerifications()
				Expect(err).NotTo(HaveOccurred())
				Expect(list).NotTo(BeNil())
				Expect(list).To(BeEmpty())
			})
		})

		When("there are several records", func() {
			BeforeEach(func() {
				base := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
				Expect(db.SaveVerification(record("a", base))).To(Succeed())
				Expect(db.SaveVerification(record("b", base.Add(2*time.Hour)))).To(Succeed())
				Expect(db.SaveVerification(record("c", base.Add(time.Hour)))).To(Succeed())
			})

			It("returns them newest first", func() {
				list, err := db.ListVerifications()
				Expect(err).NotTo(HaveOccurred())
				ids := make([]string, 0, len(list))
				for _, v := range list {
					ids = append(ids, v.ID)
				}
				Expect(ids).To(Equal([]string{"b", "c", "a"}))
			})
		})
	})

	Describe("NewBoltDB", func() {
		It("reopens an existing file", func() {
			Expect(db.SaveVerification(record("persisted", time.Now()))).To(Succeed())
			Expect(db.Close()).To(Succeed())

			reopened, err := NewBoltDB(dbPath)
			Expect(err).NotTo(HaveOccurred())
			db = reopened

			_, err = db.GetVerification("persisted")
			Expect(err).NotTo(HaveOccurred())
		})

		It("fails for a path in a missing directory", func() {
			_, err := NewBoltDB(filepath.Join(GinkgoT().TempDir(), "missing", "test.db"))
			Expect(err).To(MatchError(ContainSubstring("opening boltdb")))
		})
	})
})
