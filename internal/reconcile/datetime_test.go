package reconcile

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("NormalizeDate", func() {
	DescribeTable("normalizes to ISO",
		func(in, want string, wantOK bool) {
			got, ok := NormalizeDate(in)
			Expect(ok).To(Equal(wantOK))
			Expect(got).To(Equal(want))
		},
		Entry("ISO as-is", "2024-03-05", "2024-03-05", true),
		Entry("day first with slashes", "05/03/2024", "2024-03-05", true),
		Entry("day first with dashes", "05-03-2024", "2024-03-05", true),
		Entry("single digit day", "5/3/2024", "2024-03-05", true),
		Entry("impossible date", "2024-02-30", "", false),
		Entry("written month", "5 March 2024", "", false),
		Entry("empty", "", "", false),
	)
})

var _ = Describe("DatesEqual", func() {
	It("treats ISO and day-first renderings of the same day as equal", func() {
		Expect(DatesEqual("2024-03-05", "05/03/2024")).To(BeTrue())
	})

	It("does not match different days", func() {
		Expect(DatesEqual("2024-03-05", "2024-03-06")).To(BeFalse())
	})

	It("does not match when either side is unreadable", func() {
		Expect(DatesEqual("2024-03-05", "yesterday")).To(BeFalse())
	})
})

var _ = Describe("NormalizeTime", func() {
	DescribeTable("normalizes to HH:MM",
		func(in, want string, wantOK bool) {
			got, ok := NormalizeTime(in)
			Expect(ok).To(Equal(wantOK))
			Expect(got).To(Equal(want))
		},
		Entry("already padded", "14:05", "14:05", true),
		Entry("single digit hour", "9:30", "09:30", true),
		Entry("out of range hour", "25:00", "", false),
		Entry("seconds", "14:05:10", "", false),
	)
})

var _ = Describe("MinutesBetween", func() {
	It("returns the absolute distance", func() {
		m, ok := MinutesBetween("09:30", "11:00")
		Expect(ok).To(BeTrue())
		Expect(m).To(Equal(90))

		m, ok = MinutesBetween("11:00", "9:30")
		Expect(ok).To(BeTrue())
		Expect(m).To(Equal(90))
	})

	It("fails when a value does not normalize", func() {
		_, ok := MinutesBetween("09:30", "noon")
		Expect(ok).To(BeFalse())
	})
})
