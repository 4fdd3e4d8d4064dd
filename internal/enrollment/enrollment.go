package enrollment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gymgate/internal/audit"
	"gymgate/internal/event"
	"gymgate/internal/member"
	"gymgate/internal/queue"
)

// End reasons recorded when a session leaves the active state.
const (
	ReasonSuccess     = "success"
	ReasonMaxAttempts = "max_attempts"
	ReasonCancelled   = "cancelled"
	ReasonTimeout     = "timeout"
	ReasonManual      = "manual"
	ReasonError       = "error"
)

var (
	// ErrAlreadyActive is returned when a start request arrives while a
	// session is in flight. The existing session must be stopped first.
	ErrAlreadyActive = errors.New("an enrollment session is already active")
	// ErrNotActive is returned by stop/cancel when nothing is in flight.
	ErrNotActive = errors.New("no active enrollment session")
	// ErrMemberNotFound is returned when the target member does not exist.
	ErrMemberNotFound = errors.New("member not found")
	// ErrAlreadyEnrolled is returned when the member already has a
	// biometric id; it must be removed before re-enrolling.
	ErrAlreadyEnrolled = errors.New("member already has biometric data enrolled")
)

// Session is the in-memory state of the one-at-a-time enrollment workflow.
// It exists only while active and is never persisted as a row.
type Session struct {
	MemberID    int64     `json:"member_id"`
	MemberName  string    `json:"member_name"`
	StartTime   time.Time `json:"start_time"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	CurrentStep string    `json:"current_step,omitempty"`
}

// Result is the final snapshot of a finished session.
type Result struct {
	Session
	EndReason string `json:"end_reason"`
}

// Broadcaster pushes display frames to legacy devices.
type Broadcaster interface {
	Broadcast(message string)
}

// Observer receives UI-facing updates (WebSocket fan-out).
type Observer interface {
	Publish(v any)
}

// MemberStore is the slice of the member repository the workflow needs.
type MemberStore interface {
	Get(ctx context.Context, id int64) (*member.Member, error)
	SetBiometricID(ctx context.Context, memberID int64, biometricID string) error
}

// AuditLogger appends enrollment transitions to the audit trail.
type AuditLogger interface {
	Insert(ctx context.Context, ev audit.Event) (string, error)
}

// DeviceCommander fans cancellation out to online devices and targets a
// specific device for remote enrollment.
type DeviceCommander interface {
	StartEnrollment(ctx context.Context, deviceID string, memberID int64, memberName string) error
	CancelEnrollmentAll(ctx context.Context, reason string) int
}

// Manager owns the single enrollment slot. All mutation goes through its
// transition methods; the slot is never exposed for external writes.
type Manager struct {
	members   MemberStore
	auditLog  AuditLogger
	devices   DeviceCommander
	tcp       Broadcaster
	observers Observer
	effects   queue.Queue

	timeout     time.Duration
	maxAttempts int

	mu      sync.Mutex
	session *Session
	timer   *time.Timer
	gen     uint64 // guards against a stale timer cancelling a later session
}

// NewManager wires the workflow. timeout defaults to 60s.
func NewManager(members MemberStore, auditLog AuditLogger, devices DeviceCommander, tcp Broadcaster, observers Observer, effects queue.Queue, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Manager{
		members:     members,
		auditLog:    auditLog,
		devices:     devices,
		tcp:         tcp,
		observers:   observers,
		effects:     effects,
		timeout:     timeout,
		maxAttempts: 3,
	}
}

// Start begins an enrollment session for a member. Rejected when a session is
// already active or the member already has a biometric id.
func (m *Manager) Start(ctx context.Context, memberID int64) (Session, error) {
	return m.start(ctx, memberID, "")
}

// StartRemote begins a session and additionally commands a specific device
// into capture mode. The device command is best-effort; a dispatch failure
// does not abort the session (the device may still pick it up via broadcast).
func (m *Manager) StartRemote(ctx context.Context, deviceID string, memberID int64) (Session, error) {
	return m.start(ctx, memberID, deviceID)
}

func (m *Manager) start(ctx context.Context, memberID int64, deviceID string) (Session, error) {
	target, err := m.members.Get(ctx, memberID)
	if err != nil {
		return Session{}, err
	}
	if target == nil {
		return Session{}, ErrMemberNotFound
	}
	if target.BiometricID != nil && *target.BiometricID != "" {
		return Session{}, ErrAlreadyEnrolled
	}

	m.mu.Lock()
	if m.session != nil {
		m.mu.Unlock()
		return Session{}, ErrAlreadyActive
	}
	sess := &Session{
		MemberID:    target.ID,
		MemberName:  target.Name,
		StartTime:   time.Now().UTC(),
		MaxAttempts: m.maxAttempts,
	}
	m.session = sess
	m.gen++
	gen := m.gen
	m.timer = time.AfterFunc(m.timeout, func() { m.onTimeout(gen) })
	snapshot := *sess
	m.mu.Unlock()

	log.Printf("enrollment started for %s (id %d)", snapshot.MemberName, snapshot.MemberID)
	m.tcp.Broadcast(fmt.Sprintf("ENROLL:%d:%s", snapshot.MemberID, snapshot.MemberName))
	if deviceID != "" {
		if err := m.devices.StartEnrollment(ctx, deviceID, snapshot.MemberID, snapshot.MemberName); err != nil {
			log.Printf("remote enrollment command to %s failed: %v", deviceID, err)
		}
	}
	m.observe("enrollment_started", "active", snapshot, "Place finger on the reader")
	return snapshot, nil
}

// Status returns the active session snapshot, if any.
func (m *Manager) Status() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// Stop ends the active session without device fan-out (admin "stop" button).
func (m *Manager) Stop(ctx context.Context) (Result, error) {
	res, ok := m.finish(ReasonManual)
	if !ok {
		return Result{}, ErrNotActive
	}
	m.tcp.Broadcast("ENROLL:STOP")
	m.audit(ctx, res, audit.TypeEnrollCancelled, true, "")
	m.observe("enrollment_complete", "stopped", res.Session, "Enrollment stopped")
	return res, nil
}

// Cancel ends the active session and fans a cancel command out to every
// device seen in the last heartbeat window.
func (m *Manager) Cancel(ctx context.Context, reason string) (Result, error) {
	res, ok := m.finish(ReasonCancelled)
	if !ok {
		return Result{}, ErrNotActive
	}
	m.tcp.Broadcast(fmt.Sprintf("ENROLL:CANCELLED:%s", res.MemberName))
	sent := m.devices.CancelEnrollmentAll(ctx, reason)
	log.Printf("enrollment cancelled for %s, cancel sent to %d device(s)", res.MemberName, sent)
	m.audit(ctx, res, audit.TypeEnrollCancelled, true, "")
	m.observe("enrollment_complete", "cancelled", res.Session, "Enrollment was cancelled")
	return res, nil
}

// HandleEvent feeds a normalized enrollment event into the state machine.
// Events arriving while idle are ignored: a duplicate terminal event must not
// resurrect a finished session.
func (m *Manager) HandleEvent(ctx context.Context, ev event.Canonical) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		log.Printf("enrollment event ignored, no active session (status=%s)", ev.Status)
		return
	}

	switch {
	case ev.Status == "enrollment_success" || ev.Status == "enrolled":
		sess := *m.session
		m.mu.Unlock()
		m.complete(ctx, sess, ev)

	case ev.Status == "enrollment_failed" || ev.Status == "error":
		m.session.Attempts++
		sess := *m.session
		remaining := sess.MaxAttempts - sess.Attempts
		m.mu.Unlock()
		if remaining > 0 {
			log.Printf("enrollment attempt failed for %s, %d retries left", sess.MemberName, remaining)
			m.tcp.Broadcast(fmt.Sprintf("ENROLL:RETRY:%d", remaining))
			m.observe("enrollment_progress", "retry", sess, fmt.Sprintf("Capture failed, %d attempts remaining", remaining))
			return
		}
		res, ok := m.finish(ReasonMaxAttempts)
		if !ok {
			return
		}
		m.tcp.Broadcast("ENROLL:FAILED:MAX_ATTEMPTS")
		m.audit(ctx, res, audit.TypeEnrollFailed, false, "max attempts reached")
		m.observe("enrollment_complete", "failed", res.Session, "Enrollment failed after maximum attempts")

	case ev.Status == "enrollment_cancelled":
		m.mu.Unlock()
		if _, err := m.Cancel(ctx, "device_cancelled"); err != nil {
			log.Printf("device cancel race: %v", err)
		}

	case ev.Status == "enrollment_progress" || ev.EnrollStep != "":
		step := ev.EnrollStep
		if step == "" {
			step = "scanning"
		}
		m.session.CurrentStep = step
		sess := *m.session
		m.mu.Unlock()
		m.tcp.Broadcast(fmt.Sprintf("ENROLL:PROGRESS:%s", step))
		m.observe("enrollment_progress", "progress", sess, fmt.Sprintf("Enrollment progress: %s", step))

	default:
		m.mu.Unlock()
		log.Printf("unrecognized enrollment status %q ignored", ev.Status)
	}
}

// complete persists the device-reported identifier and closes the session.
func (m *Manager) complete(ctx context.Context, sess Session, ev event.Canonical) {
	biometricID := ev.UserID
	if biometricID == "" {
		// some firmware echoes only the member id it was given at start
		biometricID = fmt.Sprintf("%d", sess.MemberID)
	}

	if err := m.members.SetBiometricID(ctx, sess.MemberID, biometricID); err != nil {
		log.Printf("failed to persist biometric id for member %d: %v", sess.MemberID, err)
		res, ok := m.finish(ReasonError)
		if !ok {
			return
		}
		m.tcp.Broadcast("ENROLL:ERROR")
		m.audit(ctx, res, audit.TypeEnrollFailed, false, err.Error())
		m.observe("enrollment_complete", "error", res.Session, "Enrollment could not be saved")
		return
	}

	res, ok := m.finish(ReasonSuccess)
	if !ok {
		return
	}

	raw, _ := json.Marshal(map[string]any{"biometric_id": biometricID, "device_payload": ev.Raw})
	memberID := sess.MemberID
	if _, err := m.auditLog.Insert(ctx, audit.Event{
		MemberID:    &memberID,
		BiometricID: &biometricID,
		EventType:   audit.TypeEnrollment,
		DeviceID:    orUnknown(ev.DeviceID),
		Timestamp:   ev.Timestamp,
		Success:     true,
		RawData:     raw,
	}); err != nil {
		log.Printf("failed to audit enrollment: %v", err)
	}

	// best-effort welcome; never blocks or fails the enrollment
	body, _ := json.Marshal(queue.WelcomePayload{MemberID: sess.MemberID, MemberName: sess.MemberName})
	if err := m.effects.Publish(ctx, queue.Message{Type: queue.TypeWelcome, Body: body}); err != nil {
		log.Printf("welcome notification enqueue failed: %v", err)
	}

	log.Printf("enrollment successful for %s (biometric id %s)", sess.MemberName, biometricID)
	m.tcp.Broadcast(fmt.Sprintf("ENROLL:SUCCESS:%s", sess.MemberName))
	m.observe("enrollment_complete", "success", res.Session, "Enrollment completed successfully")
}

// finish clears the slot and cancels the timer. Every exit transition funnels
// through here so a stale timeout can never fire into a later session.
func (m *Manager) finish(reason string) (Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Result{}, false
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	res := Result{Session: *m.session, EndReason: reason}
	m.session = nil
	m.gen++
	return res, true
}

// onTimeout fires from the timer goroutine. The generation check and the
// slot clear happen under one lock hold: a timer armed for session N must
// never clear session N+1, even if N finished and N+1 started while this
// goroutine was waiting on the mutex.
func (m *Manager) onTimeout(gen uint64) {
	m.mu.Lock()
	if m.session == nil || m.gen != gen {
		m.mu.Unlock()
		return
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	res := Result{Session: *m.session, EndReason: ReasonTimeout}
	m.session = nil
	m.gen++
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Printf("enrollment timed out for %s", res.MemberName)
	m.tcp.Broadcast("ENROLL:STOP")
	m.audit(ctx, res, audit.TypeEnrollTimeout, false, "no terminal event within timeout")
	m.observe("enrollment_complete", "timeout", res.Session, "Enrollment timed out")
}

func (m *Manager) audit(ctx context.Context, res Result, eventType string, success bool, errMsg string) {
	raw, _ := json.Marshal(res)
	memberID := res.MemberID
	ev := audit.Event{
		MemberID:  &memberID,
		EventType: eventType,
		DeviceID:  "system",
		Success:   success,
		RawData:   raw,
	}
	if errMsg != "" {
		ev.ErrorMessage = &errMsg
	}
	if _, err := m.auditLog.Insert(ctx, ev); err != nil {
		log.Printf("failed to audit enrollment transition: %v", err)
	}
}

func (m *Manager) observe(updateType, status string, sess Session, message string) {
	m.observers.Publish(map[string]any{
		"type":        updateType,
		"status":      status,
		"memberId":    sess.MemberID,
		"memberName":  sess.MemberName,
		"currentStep": sess.CurrentStep,
		"attempts":    sess.Attempts,
		"message":     message,
	})
}

func orUnknown(deviceID string) string {
	if deviceID == "" {
		return "unknown"
	}
	return deviceID
}
