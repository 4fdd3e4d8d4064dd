package policy

import "time"

// PaymentStatus reports whether a member's billing cycle is overdue and by how much.
// GracePeriodExpired is the signal callers act on; this package never mutates state.
type PaymentStatus struct {
	IsOverdue          bool
	DaysOverdue        int
	GracePeriodExpired bool
	DueDate            time.Time
	ReferenceDate      time.Time
}

// CheckPaymentStatus computes the overdue state at now. The reference date for the
// current cycle is lastPayment when present, else the join date. A nil durationDays
// means the plan has no expiry concept and the member is never overdue.
func CheckPaymentStatus(joinDate time.Time, durationDays *int, lastPayment *time.Time, now time.Time, gracePeriodDays int) PaymentStatus {
	if durationDays == nil {
		return PaymentStatus{}
	}

	ref := joinDate
	if lastPayment != nil {
		ref = *lastPayment
	}
	due := NormalizedDueDate(ref, *durationDays)

	days := daysBetween(due, now)
	if days < 0 {
		days = 0
	}
	return PaymentStatus{
		IsOverdue:          days > 0,
		DaysOverdue:        days,
		GracePeriodExpired: days > gracePeriodDays,
		DueDate:            due,
		ReferenceDate:      ref,
	}
}

// NormalizedDueDate returns the due date for a cycle starting at ref. A 30-day
// duration is treated as "monthly": the same calendar day next month, clamped to
// that month's last day when the day does not exist (Jan 31 -> Feb 28/29). Any
// other duration is plain day arithmetic.
func NormalizedDueDate(ref time.Time, durationDays int) time.Time {
	ref = truncateToDate(ref)
	if durationDays != 30 {
		return ref.AddDate(0, 0, durationDays)
	}

	year, month, day := ref.Date()
	month++
	if month > time.December {
		month = time.January
		year++
	}
	if last := lastDayOfMonth(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, ref.Location())
}

func lastDayOfMonth(year int, month time.Month) int {
	// day 0 of the following month
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func daysBetween(from, to time.Time) int {
	from = truncateToDate(from)
	to = truncateToDate(to.In(from.Location()))
	return int(to.Sub(from).Hours() / 24)
}

func truncateToDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
