package cronexpr_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/promohub/scraper-engine/pkg/cronexpr"
)

var _ = Describe("NextRun", func() {
	// A fixed reference instant keeps every expectation deterministic.
	now := time.Date(2024, 5, 14, 12, 7, 0, 0, time.UTC)

	Context("retry scheduling", func() {
		It("returns now+30m regardless of the expression", func() {
			Expect(cronexpr.NextRun("*/15 * * * *", now, true)).To(Equal(now.Add(30 * time.Minute)))
			Expect(cronexpr.NextRun("", now, true)).To(Equal(now.Add(30 * time.Minute)))
			Expect(cronexpr.NextRun("garbage", now, true)).To(Equal(now.Add(30 * time.Minute)))
		})
	})

	Context("malformed expressions", func() {
		malformed := []string{
			"",
			"* *",
			"* * * *",
			"* * * * * *",
			"a b c d e",
			"*/x * * * *",
			"99 99 * * *",
			"-5 3 * * *",
			"0 8;20 * * *",
		}

		It("always degrades to the one-hour fallback", func() {
			for _, expr := range malformed {
				Expect(cronexpr.NextRun(expr, now, false)).To(Equal(now.Add(time.Hour)),
					"expression %q should fall back", expr)
			}
		})
	})

	Context("wildcard minute and hour", func() {
		It("runs every minute", func() {
			Expect(cronexpr.NextRun("* * * * *", now, false)).To(Equal(now.Add(time.Minute)))
		})
	})

	Context("minute steps", func() {
		It("picks the next multiple of the step", func() {
			// 12:07 with */15 -> 12:15
			expected := time.Date(2024, 5, 14, 12, 15, 0, 0, time.UTC)
			Expect(cronexpr.NextRun("*/15 * * * *", now, false)).To(Equal(expected))
		})

		It("rolls forward when landing exactly on now", func() {
			onTheDot := time.Date(2024, 5, 14, 12, 15, 0, 0, time.UTC)
			expected := time.Date(2024, 5, 14, 12, 30, 0, 0, time.UTC)
			Expect(cronexpr.NextRun("*/15 * * * *", onTheDot, false)).To(Equal(expected))
		})
	})

	Context("hour steps", func() {
		It("picks the next multiple of the step at the fixed minute", func() {
			// 13:00 with 0 */6 -> 18:00
			at13 := time.Date(2024, 5, 14, 13, 0, 0, 0, time.UTC)
			expected := time.Date(2024, 5, 14, 18, 0, 0, 0, time.UTC)
			Expect(cronexpr.NextRun("0 */6 * * *", at13, false)).To(Equal(expected))
		})
	})

	Context("listed hours", func() {
		It("picks the next listed hour today", func() {
			at10 := time.Date(2024, 5, 14, 10, 0, 0, 0, time.UTC)
			expected := time.Date(2024, 5, 14, 20, 0, 0, 0, time.UTC)
			Expect(cronexpr.NextRun("0 8,20 * * *", at10, false)).To(Equal(expected))
		})

		It("wraps to the earliest listed hour tomorrow", func() {
			at21 := time.Date(2024, 5, 14, 21, 0, 0, 0, time.UTC)
			expected := time.Date(2024, 5, 15, 8, 0, 0, 0, time.UTC)
			Expect(cronexpr.NextRun("0 8,20 * * *", at21, false)).To(Equal(expected))
		})
	})

	Context("fixed time", func() {
		It("runs today when the time is still ahead", func() {
			expected := time.Date(2024, 5, 14, 18, 30, 0, 0, time.UTC)
			Expect(cronexpr.NextRun("30 18 * * *", now, false)).To(Equal(expected))
		})

		It("runs tomorrow when the time has passed", func() {
			expected := time.Date(2024, 5, 15, 6, 0, 0, 0, time.UTC)
			Expect(cronexpr.NextRun("0 6 * * *", now, false)).To(Equal(expected))
		})
	})

	It("never returns an instant at or before now", func() {
		expressions := []string{
			"* * * * *", "*/5 * * * *", "0 */2 * * *",
			"0 8,20 * * *", "7 12 * * *", "nonsense",
		}
		for _, expr := range expressions {
			Expect(cronexpr.NextRun(expr, now, false).After(now)).To(BeTrue(),
				"expression %q produced a non-future instant", expr)
		}
	})
})
