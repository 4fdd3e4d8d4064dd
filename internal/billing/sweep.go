package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"gymgate/internal/audit"
	"gymgate/internal/member"
	"gymgate/internal/policy"
	"gymgate/internal/queue"
	"gymgate/internal/settings"
)

// ErrSweepRunning is returned when a sweep is started while one is in flight.
var ErrSweepRunning = errors.New("deactivation sweep already running")

var sweepDeactivations = promauto.NewCounter(prometheus.CounterOpts{
	Name: "gymgate_sweep_deactivations_total",
	Help: "Members deactivated by the payment sweep.",
})

// MemberSource is the member access the sweep needs.
type MemberSource interface {
	ListBillable(ctx context.Context) ([]member.Billable, error)
	Deactivate(ctx context.Context, memberID int64) error
}

// AuditLogger appends sweep actions to the audit trail.
type AuditLogger interface {
	Insert(ctx context.Context, ev audit.Event) (string, error)
}

// SettingsSource supplies the grace period.
type SettingsSource interface {
	Get() settings.Snapshot
}

// Summary describes one sweep run.
type Summary struct {
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Checked     int       `json:"checked"`
	Deactivated int       `json:"deactivated"`
	Errors      int       `json:"errors"`
}

// OverdueMember is a member inside their grace window, surfaced for reminders.
type OverdueMember struct {
	MemberID    int64     `json:"member_id"`
	Name        string    `json:"name"`
	Email       *string   `json:"email,omitempty"`
	DaysOverdue int       `json:"days_overdue"`
	DueDate     time.Time `json:"due_date"`
}

// Sweeper deactivates members whose payment is past the grace period. One run
// at a time; overlapping triggers are rejected.
type Sweeper struct {
	members  MemberSource
	auditLog AuditLogger
	settings SettingsSource
	effects  queue.Queue

	mu      sync.Mutex
	running bool
	last    *Summary

	now func() time.Time
}

// NewSweeper wires the sweep.
func NewSweeper(members MemberSource, auditLog AuditLogger, src SettingsSource, effects queue.Queue) *Sweeper {
	return &Sweeper{
		members:  members,
		auditLog: auditLog,
		settings: src,
		effects:  effects,
		now:      func() time.Time { return time.Now() },
	}
}

// Run executes one sweep. Safe to call from cron and from the admin trigger;
// a second concurrent call returns ErrSweepRunning.
func (s *Sweeper) Run(ctx context.Context) (Summary, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return Summary{}, ErrSweepRunning
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	now := s.now()
	sum := Summary{StartedAt: now}
	grace := s.settings.Get().GracePeriodDays

	billable, err := s.members.ListBillable(ctx)
	if err != nil {
		return sum, fmt.Errorf("list billable members: %w", err)
	}

	for _, b := range billable {
		sum.Checked++
		ps := policy.CheckPaymentStatus(b.JoinDate, b.DurationDays, b.LastPaymentDate, now, grace)
		if !ps.GracePeriodExpired {
			continue
		}
		if err := s.deactivate(ctx, b, ps, grace); err != nil {
			log.Printf("sweep: deactivate member %d failed: %v", b.ID, err)
			sum.Errors++
			continue
		}
		sum.Deactivated++
		sweepDeactivations.Inc()
	}

	sum.FinishedAt = s.now()
	s.mu.Lock()
	s.last = &sum
	s.mu.Unlock()
	log.Printf("sweep finished: checked=%d deactivated=%d errors=%d", sum.Checked, sum.Deactivated, sum.Errors)
	return sum, nil
}

func (s *Sweeper) deactivate(ctx context.Context, b member.Billable, ps policy.PaymentStatus, grace int) error {
	if err := s.members.Deactivate(ctx, b.ID); err != nil {
		return err
	}

	detail := fmt.Sprintf("%d days overdue, grace period of %d days exceeded", ps.DaysOverdue, grace)
	raw, _ := json.Marshal(map[string]any{
		"due_date":     ps.DueDate.Format("2006-01-02"),
		"days_overdue": ps.DaysOverdue,
	})
	memberID := b.ID
	if _, err := s.auditLog.Insert(ctx, audit.Event{
		MemberID:     &memberID,
		EventType:    audit.TypeAutoDeactivation,
		DeviceID:     "system",
		Success:      true,
		ErrorMessage: &detail,
		RawData:      raw,
	}); err != nil {
		log.Printf("sweep: audit for member %d failed: %v", b.ID, err)
	}

	body, _ := json.Marshal(queue.CacheInvalidatePayload{Reason: "member_deactivated", MemberID: b.ID})
	if err := s.effects.Publish(ctx, queue.Message{Type: queue.TypeCacheInvalidate, Body: body}); err != nil {
		log.Printf("sweep: cache invalidate enqueue failed: %v", err)
	}
	return nil
}

// Status reports whether a sweep is running and the last run summary, if any.
func (s *Sweeper) Status() (bool, *Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return s.running, nil
	}
	cp := *s.last
	return s.running, &cp
}

// ListOverdueWithinGrace returns members who are overdue but still inside the
// grace window. They keep access; this list feeds payment reminders.
func (s *Sweeper) ListOverdueWithinGrace(ctx context.Context) ([]OverdueMember, error) {
	now := s.now()
	grace := s.settings.Get().GracePeriodDays

	billable, err := s.members.ListBillable(ctx)
	if err != nil {
		return nil, err
	}

	var out []OverdueMember
	for _, b := range billable {
		ps := policy.CheckPaymentStatus(b.JoinDate, b.DurationDays, b.LastPaymentDate, now, grace)
		if !ps.IsOverdue || ps.GracePeriodExpired {
			continue
		}
		out = append(out, OverdueMember{
			MemberID:    b.ID,
			Name:        b.Name,
			Email:       b.Email,
			DaysOverdue: ps.DaysOverdue,
			DueDate:     ps.DueDate,
		})
	}
	return out, nil
}
