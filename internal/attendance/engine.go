package attendance

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"gymgate/internal/audit"
	"gymgate/internal/event"
	"gymgate/internal/member"
	"gymgate/internal/policy"
	"gymgate/internal/queue"
	"gymgate/internal/settings"
)

// Actions reported back to the caller of an access decision.
const (
	ActionCheckin          = "checkin"
	ActionCheckout         = "checkout"
	ActionAlreadyCompleted = "already_completed"
	ActionDenied           = "denied"
	ActionUnknownUser      = "unknown_user"
	ActionIgnored          = "ignored"
)

var accessDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gymgate_access_decisions_total",
	Help: "Access decisions by outcome.",
}, []string{"outcome"})

// Decision is the outcome of processing one access event.
type Decision struct {
	Action     string `json:"action"`
	MemberID   int64  `json:"member_id,omitempty"`
	MemberName string `json:"member_name,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// MemberStore is the member access the engine needs.
type MemberStore interface {
	Get(ctx context.Context, id int64) (*member.Member, error)
	FindByBiometricID(ctx context.Context, biometricID string) (*member.Member, error)
	GetPlan(ctx context.Context, id int64) (*member.Plan, error)
	LastPaymentDate(ctx context.Context, memberID int64) (*time.Time, error)
	Deactivate(ctx context.Context, memberID int64) error
}

// AttendanceStore is the attendance access the engine needs.
type AttendanceStore interface {
	FindForDay(ctx context.Context, memberID int64, date string) (*Record, error)
	CheckIn(ctx context.Context, memberID int64, t time.Time) (*Record, error)
	CheckOut(ctx context.Context, recordID string, t time.Time) error
	CheckInTimesForDay(ctx context.Context, memberID int64, date string) ([]time.Time, error)
}

// AuditLogger appends audit rows.
type AuditLogger interface {
	Insert(ctx context.Context, ev audit.Event) (string, error)
}

// SettingsSource supplies the current access-control settings.
type SettingsSource interface {
	Get() settings.Snapshot
}

// Broadcaster pushes display frames to legacy devices.
type Broadcaster interface {
	Broadcast(message string)
}

// Observer receives UI-facing updates.
type Observer interface {
	Publish(v any)
}

// Enroller consumes enrollment events routed out of the access path.
type Enroller interface {
	HandleEvent(ctx context.Context, ev event.Canonical)
}

// Engine turns normalized device events into attendance transitions, audit
// rows, and device feedback. It is the handler behind both transports.
type Engine struct {
	members   MemberStore
	records   AttendanceStore
	auditLog  AuditLogger
	settings  SettingsSource
	tcp       Broadcaster
	observers Observer
	enroller  Enroller
	effects   queue.Queue

	now func() time.Time
}

// NewEngine wires the decision pipeline.
func NewEngine(members MemberStore, records AttendanceStore, auditLog AuditLogger, src SettingsSource, tcp Broadcaster, observers Observer, enroller Enroller, effects queue.Queue) *Engine {
	return &Engine{
		members:   members,
		records:   records,
		auditLog:  auditLog,
		settings:  src,
		tcp:       tcp,
		observers: observers,
		enroller:  enroller,
		effects:   effects,
		now:       func() time.Time { return time.Now() },
	}
}

// HandleEvent routes a normalized event by kind. It is safe to call from any
// transport goroutine.
func (e *Engine) HandleEvent(ctx context.Context, ev event.Canonical) {
	switch ev.Kind {
	case event.KindAccessGranted:
		e.Decide(ctx, ev)
	case event.KindAccessDenied:
		e.recordDeniedByDevice(ctx, ev)
	case event.KindEnrollment:
		e.enroller.HandleEvent(ctx, ev)
	case event.KindHeartbeat:
		e.recordHeartbeat(ctx, ev)
	default:
		log.Printf("unclassified message from %s ignored", ev.DeviceID)
	}
}

// resolveMember maps a device event to a member row. Some firmware reports
// the member id directly next to the sensor's own user id; when that hint is
// present and distinct it wins, with the stored biometric_id as fallback.
func (e *Engine) resolveMember(ctx context.Context, ev event.Canonical) (*member.Member, error) {
	if ev.MemberIDHint != "" && ev.MemberIDHint != ev.UserID {
		if id, perr := strconv.ParseInt(ev.MemberIDHint, 10, 64); perr == nil {
			m, err := e.members.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			if m != nil {
				return m, nil
			}
		}
	}
	if ev.UserID == "" {
		return nil, nil
	}
	return e.members.FindByBiometricID(ctx, ev.UserID)
}

// Decide runs the full access pipeline for a device-authorized scan and
// returns the decision so HTTP callers can echo it.
func (e *Engine) Decide(ctx context.Context, ev event.Canonical) Decision {
	now := e.now()

	m, err := e.resolveMember(ctx, ev)
	if err != nil {
		log.Printf("member lookup for biometric id %q failed: %v", ev.UserID, err)
		return e.deny(ctx, ev, nil, audit.TypeAccessDenied, "lookup_error", "")
	}
	if m == nil {
		accessDecisions.WithLabelValues(ActionUnknownUser).Inc()
		e.auditAccess(ctx, ev, nil, audit.TypeUnknownUser, false, "no member for biometric id")
		e.tcp.Broadcast("UNKNOWN_USER")
		e.observe("access_denied", Decision{Action: ActionUnknownUser, Reason: "not_enrolled"})
		return Decision{Action: ActionUnknownUser, Reason: "not_enrolled"}
	}

	if !m.IsActive {
		return e.deny(ctx, ev, m, audit.TypeMemberInactive, "inactive", fmt.Sprintf("DENIED:%s:INACTIVE", m.Name))
	}

	snap := e.settings.Get()

	if !m.IsAdmin {
		if dec, denied := e.checkPayment(ctx, ev, m, now, snap); denied {
			return dec
		}

		todays, err := e.records.CheckInTimesForDay(ctx, m.ID, DateOf(now))
		if err != nil {
			log.Printf("attendance lookup for member %d failed: %v", m.ID, err)
			return e.deny(ctx, ev, m, audit.TypeAccessDenied, "lookup_error", "")
		}
		sd := policy.EvaluateSession(now, snap.Windows, todays, m.IsAdmin, snap.CrossSessionRestricted)
		if !sd.Allowed {
			switch sd.Violation {
			case policy.ViolationOutsideWindow:
				return e.deny(ctx, ev, m, audit.TypeOutsideWindow, "outside_hours", fmt.Sprintf("DENIED:%s:OUTSIDE_HOURS", m.Name))
			case policy.ViolationCrossSession:
				return e.deny(ctx, ev, m, audit.TypeCrossSession, "cross_session", fmt.Sprintf("DENIED:%s:CROSS_SESSION", m.Name))
			}
		}
	}

	return e.transition(ctx, ev, m, now)
}

// checkPayment enforces the grace period. Members past grace are deactivated
// on the spot and the decision is a denial.
func (e *Engine) checkPayment(ctx context.Context, ev event.Canonical, m *member.Member, now time.Time, snap settings.Snapshot) (Decision, bool) {
	if m.MembershipPlanID == nil {
		return Decision{}, false
	}
	plan, err := e.members.GetPlan(ctx, *m.MembershipPlanID)
	if err != nil || plan == nil {
		if err != nil {
			log.Printf("plan lookup for member %d failed: %v", m.ID, err)
		}
		return Decision{}, false
	}
	lastPayment, err := e.members.LastPaymentDate(ctx, m.ID)
	if err != nil {
		log.Printf("payment lookup for member %d failed: %v", m.ID, err)
		return Decision{}, false
	}

	ps := policy.CheckPaymentStatus(m.JoinDate, plan.DurationDays, lastPayment, now, snap.GracePeriodDays)
	if !ps.GracePeriodExpired {
		return Decision{}, false
	}

	if err := e.members.Deactivate(ctx, m.ID); err != nil {
		log.Printf("deactivate member %d failed: %v", m.ID, err)
	} else {
		body, _ := json.Marshal(queue.CacheInvalidatePayload{Reason: "member_deactivated", MemberID: m.ID})
		if err := e.effects.Publish(ctx, queue.Message{Type: queue.TypeCacheInvalidate, Body: body}); err != nil {
			log.Printf("cache invalidate enqueue failed: %v", err)
		}
	}

	detail := fmt.Sprintf("%d days overdue, grace period of %d days exceeded", ps.DaysOverdue, snap.GracePeriodDays)
	accessDecisions.WithLabelValues(ActionDenied).Inc()
	e.auditAccess(ctx, ev, m, audit.TypeGraceExpired, false, detail)
	e.tcp.Broadcast(fmt.Sprintf("PLAN_EXPIRED:%s", m.Name))
	dec := Decision{Action: ActionDenied, MemberID: m.ID, MemberName: m.Name, Reason: "payment_overdue_grace_expired"}
	e.observe("access_denied", dec)
	return dec, true
}

// transition applies the daily check-in / check-out state machine.
func (e *Engine) transition(ctx context.Context, ev event.Canonical, m *member.Member, now time.Time) Decision {
	today, err := e.records.FindForDay(ctx, m.ID, DateOf(now))
	if err != nil {
		log.Printf("attendance row lookup for member %d failed: %v", m.ID, err)
		return e.deny(ctx, ev, m, audit.TypeAccessDenied, "lookup_error", "")
	}

	switch {
	case today == nil:
		if _, err := e.records.CheckIn(ctx, m.ID, now); err != nil {
			log.Printf("check-in insert for member %d failed: %v", m.ID, err)
			return e.deny(ctx, ev, m, audit.TypeAccessDenied, "storage_error", "")
		}
		accessDecisions.WithLabelValues(ActionCheckin).Inc()
		e.auditAccess(ctx, ev, m, audit.TypeCheckin, true, "")
		e.tcp.Broadcast(fmt.Sprintf("WELCOME:%s", m.Name))
		dec := Decision{Action: ActionCheckin, MemberID: m.ID, MemberName: m.Name}
		e.observe("attendance", dec)
		return dec

	case today.CheckOutTime == nil:
		if err := e.records.CheckOut(ctx, today.ID, now); err != nil {
			log.Printf("check-out update for member %d failed: %v", m.ID, err)
			return e.deny(ctx, ev, m, audit.TypeAccessDenied, "storage_error", "")
		}
		accessDecisions.WithLabelValues(ActionCheckout).Inc()
		e.auditAccess(ctx, ev, m, audit.TypeCheckout, true, "")
		e.tcp.Broadcast(fmt.Sprintf("GOODBYE:%s:OUT:%s", m.Name, now.Format("15:04:05")))
		dec := Decision{Action: ActionCheckout, MemberID: m.ID, MemberName: m.Name}
		e.observe("attendance", dec)
		return dec

	default:
		accessDecisions.WithLabelValues(ActionAlreadyCompleted).Inc()
		e.auditAccess(ctx, ev, m, audit.TypeAlreadyCompleted, false, "attendance already completed for today")
		e.tcp.Broadcast(fmt.Sprintf("COMPLETED:%s", m.Name))
		dec := Decision{Action: ActionAlreadyCompleted, MemberID: m.ID, MemberName: m.Name}
		e.observe("attendance", dec)
		return dec
	}
}

func (e *Engine) deny(ctx context.Context, ev event.Canonical, m *member.Member, eventType, reason, frame string) Decision {
	accessDecisions.WithLabelValues(ActionDenied).Inc()
	e.auditAccess(ctx, ev, m, eventType, false, reason)
	if frame != "" {
		e.tcp.Broadcast(frame)
	}
	dec := Decision{Action: ActionDenied, Reason: reason}
	if m != nil {
		dec.MemberID = m.ID
		dec.MemberName = m.Name
	}
	e.observe("access_denied", dec)
	return dec
}

// recordDeniedByDevice audits a denial the device itself made (bad finger,
// local mismatch). No policy runs here; the device already refused.
func (e *Engine) recordDeniedByDevice(ctx context.Context, ev event.Canonical) {
	m, err := e.resolveMember(ctx, ev)
	if err != nil {
		log.Printf("member lookup for denied scan failed: %v", err)
		m = nil
	}
	accessDecisions.WithLabelValues(ActionDenied).Inc()
	e.auditAccess(ctx, ev, m, audit.TypeAccessDenied, false, "denied by device")
	dec := Decision{Action: ActionDenied, Reason: "device_denied"}
	if m != nil {
		dec.MemberID = m.ID
		dec.MemberName = m.Name
	}
	e.observe("access_denied", dec)
}

func (e *Engine) recordHeartbeat(ctx context.Context, ev event.Canonical) {
	raw, _ := json.Marshal(map[string]any{
		"ip_address":      ev.IPAddress,
		"wifi_rssi":       ev.WifiRSSI,
		"free_heap":       ev.FreeHeap,
		"enrolled_prints": ev.EnrolledPrints,
	})
	if _, err := e.auditLog.Insert(ctx, audit.Event{
		EventType: audit.TypeHeartbeat,
		DeviceID:  orUnknown(ev.DeviceID),
		Timestamp: ev.Timestamp,
		Success:   true,
		RawData:   raw,
	}); err != nil {
		log.Printf("heartbeat audit for %s failed: %v", ev.DeviceID, err)
	}
}

func (e *Engine) auditAccess(ctx context.Context, ev event.Canonical, m *member.Member, eventType string, success bool, detail string) {
	row := audit.Event{
		EventType: eventType,
		DeviceID:  orUnknown(ev.DeviceID),
		Timestamp: ev.Timestamp,
		Success:   success,
		RawData:   rawOf(ev),
	}
	if ev.UserID != "" {
		id := ev.UserID
		row.BiometricID = &id
	}
	if m != nil {
		memberID := m.ID
		row.MemberID = &memberID
	}
	if detail != "" {
		row.ErrorMessage = &detail
	}
	if _, err := e.auditLog.Insert(ctx, row); err != nil {
		log.Printf("audit insert (%s) failed: %v", eventType, err)
	}
}

func (e *Engine) observe(updateType string, dec Decision) {
	e.observers.Publish(map[string]any{
		"type":       updateType,
		"action":     dec.Action,
		"memberId":   dec.MemberID,
		"memberName": dec.MemberName,
		"reason":     dec.Reason,
	})
}

func rawOf(ev event.Canonical) json.RawMessage {
	if len(ev.Raw) == 0 {
		return nil
	}
	b, err := json.Marshal(map[string]string{"raw": string(ev.Raw)})
	if err != nil {
		return nil
	}
	return b
}

func orUnknown(deviceID string) string {
	if deviceID == "" {
		return "unknown"
	}
	return deviceID
}
