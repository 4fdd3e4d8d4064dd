package attendance

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"gymgate/internal/audit"
	"gymgate/internal/event"
	"gymgate/internal/member"
	"gymgate/internal/policy"
	"gymgate/internal/queue"
	"gymgate/internal/settings"
)

type fakeMembers struct {
	byBiometric map[string]*member.Member
	byID        map[int64]*member.Member
	plans       map[int64]*member.Plan
	lastPayment map[int64]*time.Time
	deactivated []int64
}

func (f *fakeMembers) Get(ctx context.Context, id int64) (*member.Member, error) {
	m, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMembers) FindByBiometricID(ctx context.Context, id string) (*member.Member, error) {
	m, ok := f.byBiometric[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMembers) GetPlan(ctx context.Context, id int64) (*member.Plan, error) {
	return f.plans[id], nil
}

func (f *fakeMembers) LastPaymentDate(ctx context.Context, memberID int64) (*time.Time, error) {
	return f.lastPayment[memberID], nil
}

func (f *fakeMembers) Deactivate(ctx context.Context, memberID int64) error {
	f.deactivated = append(f.deactivated, memberID)
	return nil
}

type fakeRecords struct {
	rows      map[string]*Record // keyed memberID|date
	checkIns  []int64
	checkOuts []string
}

func key(memberID int64, date string) string {
	return date + "|" + strconv.FormatInt(memberID, 10)
}

func (f *fakeRecords) FindForDay(ctx context.Context, memberID int64, date string) (*Record, error) {
	rec, ok := f.rows[key(memberID, date)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeRecords) CheckIn(ctx context.Context, memberID int64, t time.Time) (*Record, error) {
	rec := &Record{ID: "rec-1", MemberID: memberID, CheckInTime: t, Date: DateOf(t)}
	f.rows[key(memberID, rec.Date)] = rec
	f.checkIns = append(f.checkIns, memberID)
	return rec, nil
}

func (f *fakeRecords) CheckOut(ctx context.Context, recordID string, t time.Time) error {
	for _, rec := range f.rows {
		if rec.ID == recordID {
			out := t
			rec.CheckOutTime = &out
		}
	}
	f.checkOuts = append(f.checkOuts, recordID)
	return nil
}

func (f *fakeRecords) CheckInTimesForDay(ctx context.Context, memberID int64, date string) ([]time.Time, error) {
	rec, ok := f.rows[key(memberID, date)]
	if !ok {
		return nil, nil
	}
	return []time.Time{rec.CheckInTime}, nil
}

type fakeAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (f *fakeAudit) Insert(ctx context.Context, ev audit.Event) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return "audit-1", nil
}

func (f *fakeAudit) lastType() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return ""
	}
	return f.events[len(f.events)-1].EventType
}

type fakeSettings struct{ snap settings.Snapshot }

func (f *fakeSettings) Get() settings.Snapshot { return f.snap }

type fakeBroadcast struct {
	mu     sync.Mutex
	frames []string
}

func (f *fakeBroadcast) Broadcast(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, message)
}

func (f *fakeBroadcast) has(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fr := range f.frames {
		if strings.HasPrefix(fr, prefix) {
			return true
		}
	}
	return false
}

type fakeObserver struct{ updates []any }

func (f *fakeObserver) Publish(v any) { f.updates = append(f.updates, v) }

type fakeEnroller struct{ events []event.Canonical }

func (f *fakeEnroller) HandleEvent(ctx context.Context, ev event.Canonical) {
	f.events = append(f.events, ev)
}

type engineFixture struct {
	engine   *Engine
	members  *fakeMembers
	records  *fakeRecords
	auditLog *fakeAudit
	tcp      *fakeBroadcast
	enroller *fakeEnroller
	effects  *queue.InMemory
}

func newEngineFixture(t *testing.T, now time.Time) *engineFixture {
	t.Helper()
	duration := 30
	lastPaid := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	roster := map[string]*member.Member{
		"10": {ID: 1, Name: "Alice", IsActive: true, MembershipPlanID: ptr(int64(5)),
			JoinDate: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		"11": {ID: 2, Name: "Bob", IsActive: false},
		"12": {ID: 3, Name: "Carol", IsActive: true, IsAdmin: true},
		"13": {ID: 4, Name: "Dave", IsActive: true, MembershipPlanID: ptr(int64(5)),
			JoinDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	byID := map[int64]*member.Member{}
	for _, m := range roster {
		byID[m.ID] = m
	}
	f := &engineFixture{
		members: &fakeMembers{
			byBiometric: roster,
			byID:        byID,
			plans:       map[int64]*member.Plan{5: {ID: 5, Name: "Monthly", DurationDays: &duration}},
			lastPayment: map[int64]*time.Time{1: &lastPaid},
		},
		records:  &fakeRecords{rows: map[string]*Record{}},
		auditLog: &fakeAudit{},
		tcp:      &fakeBroadcast{},
		enroller: &fakeEnroller{},
		effects:  queue.NewInMemory(16),
	}
	f.engine = NewEngine(f.members, f.records, f.auditLog, &fakeSettings{snap: settings.Snapshot{
		GracePeriodDays:        3,
		CrossSessionRestricted: true,
		Windows:                policy.DefaultWindows(),
	}}, f.tcp, &fakeObserver{}, f.enroller, f.effects)
	f.engine.now = func() time.Time { return now }
	return f
}

func ptr[T any](v T) *T { return &v }

func granted(userID string) event.Canonical {
	return event.Canonical{Kind: event.KindAccessGranted, UserID: userID, DeviceID: "esp32-1", Timestamp: time.Now()}
}

func TestUnknownBiometricID(t *testing.T) {
	f := newEngineFixture(t, time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC))

	dec := f.engine.Decide(context.Background(), granted("99"))
	if dec.Action != ActionUnknownUser {
		t.Fatalf("action = %q", dec.Action)
	}
	if got := f.auditLog.lastType(); got != audit.TypeUnknownUser {
		t.Fatalf("audit type = %q", got)
	}
	if !f.tcp.has("UNKNOWN_USER") {
		t.Fatalf("missing unknown-user frame, got %v", f.tcp.frames)
	}
}

func TestMemberIDHintResolvesBeforeBiometricLookup(t *testing.T) {
	f := newEngineFixture(t, time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC))

	// sensor reports an unrecognized local user id but names the member directly
	ev := granted("999")
	ev.MemberIDHint = "1"
	dec := f.engine.Decide(context.Background(), ev)
	if dec.Action != ActionCheckin || dec.MemberName != "Alice" {
		t.Fatalf("decision = %+v", dec)
	}
}

func TestMemberIDHintMissFallsBackToBiometricID(t *testing.T) {
	f := newEngineFixture(t, time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC))

	ev := granted("10")
	ev.MemberIDHint = "404"
	dec := f.engine.Decide(context.Background(), ev)
	if dec.Action != ActionCheckin || dec.MemberName != "Alice" {
		t.Fatalf("decision = %+v", dec)
	}
}

func TestInactiveMemberDenied(t *testing.T) {
	f := newEngineFixture(t, time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC))

	dec := f.engine.Decide(context.Background(), granted("11"))
	if dec.Action != ActionDenied || dec.Reason != "inactive" {
		t.Fatalf("decision = %+v", dec)
	}
	if got := f.auditLog.lastType(); got != audit.TypeMemberInactive {
		t.Fatalf("audit type = %q", got)
	}
	if !f.tcp.has("DENIED:Bob:INACTIVE") {
		t.Fatalf("missing denial frame, got %v", f.tcp.frames)
	}
}

func TestGraceExpiredDeactivates(t *testing.T) {
	// Dave joined 2024-01-01 on a 30-day plan with no payments; months overdue.
	f := newEngineFixture(t, time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC))

	dec := f.engine.Decide(context.Background(), granted("13"))
	if dec.Action != ActionDenied || dec.Reason != "payment_overdue_grace_expired" {
		t.Fatalf("decision = %+v", dec)
	}
	if len(f.members.deactivated) != 1 || f.members.deactivated[0] != 4 {
		t.Fatalf("deactivated = %v", f.members.deactivated)
	}
	if got := f.auditLog.lastType(); got != audit.TypeGraceExpired {
		t.Fatalf("audit type = %q", got)
	}
	if !f.tcp.has("PLAN_EXPIRED:Dave") {
		t.Fatalf("missing denial frame, got %v", f.tcp.frames)
	}

	msgs, _ := f.effects.Consume(context.Background())
	select {
	case msg := <-msgs:
		if msg.Type != queue.TypeCacheInvalidate {
			t.Fatalf("queued type = %q", msg.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no cache invalidation queued")
	}
}

func TestOverdueWithinGraceStillAdmitted(t *testing.T) {
	// Alice last paid 2024-06-01; due 2024-07-01, so she is current on 06-10.
	f := newEngineFixture(t, time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC))

	dec := f.engine.Decide(context.Background(), granted("10"))
	if dec.Action != ActionCheckin {
		t.Fatalf("action = %q, reason %q", dec.Action, dec.Reason)
	}
	if len(f.members.deactivated) != 0 {
		t.Fatalf("member wrongly deactivated: %v", f.members.deactivated)
	}
}

func TestOutsideWindowDenied(t *testing.T) {
	f := newEngineFixture(t, time.Date(2024, 6, 10, 13, 0, 0, 0, time.UTC))

	dec := f.engine.Decide(context.Background(), granted("10"))
	if dec.Action != ActionDenied || dec.Reason != "outside_hours" {
		t.Fatalf("decision = %+v", dec)
	}
	if got := f.auditLog.lastType(); got != audit.TypeOutsideWindow {
		t.Fatalf("audit type = %q", got)
	}
	if !f.tcp.has("DENIED:Alice:OUTSIDE_HOURS") {
		t.Fatalf("missing denial frame, got %v", f.tcp.frames)
	}
}

func TestCrossSessionDenied(t *testing.T) {
	now := time.Date(2024, 6, 10, 17, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, now)
	morning := time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC)
	out := time.Date(2024, 6, 10, 9, 30, 0, 0, time.UTC)
	f.records.rows[key(1, DateOf(now))] = &Record{
		ID: "rec-0", MemberID: 1, CheckInTime: morning, CheckOutTime: &out, Date: DateOf(now),
	}

	dec := f.engine.Decide(context.Background(), granted("10"))
	if dec.Action != ActionDenied || dec.Reason != "cross_session" {
		t.Fatalf("decision = %+v", dec)
	}
	if got := f.auditLog.lastType(); got != audit.TypeCrossSession {
		t.Fatalf("audit type = %q", got)
	}
	if !f.tcp.has("DENIED:Alice:CROSS_SESSION") {
		t.Fatalf("missing denial frame, got %v", f.tcp.frames)
	}
}

func TestAdminBypassesPolicies(t *testing.T) {
	// 13:00 is outside every window; admins get in anyway.
	f := newEngineFixture(t, time.Date(2024, 6, 10, 13, 0, 0, 0, time.UTC))

	dec := f.engine.Decide(context.Background(), granted("12"))
	if dec.Action != ActionCheckin {
		t.Fatalf("action = %q, reason %q", dec.Action, dec.Reason)
	}
}

func TestCheckinCheckoutCompletedSequence(t *testing.T) {
	now := time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, now)
	ctx := context.Background()

	if dec := f.engine.Decide(ctx, granted("10")); dec.Action != ActionCheckin {
		t.Fatalf("first scan action = %q", dec.Action)
	}
	if !f.tcp.has("WELCOME:Alice") {
		t.Fatalf("missing welcome frame, got %v", f.tcp.frames)
	}

	if dec := f.engine.Decide(ctx, granted("10")); dec.Action != ActionCheckout {
		t.Fatalf("second scan action = %q", dec.Action)
	}
	if !f.tcp.has("GOODBYE:Alice:OUT:08:00:00") {
		t.Fatalf("missing goodbye frame with checkout time, got %v", f.tcp.frames)
	}

	if dec := f.engine.Decide(ctx, granted("10")); dec.Action != ActionAlreadyCompleted {
		t.Fatalf("third scan action = %q", dec.Action)
	}
	if !f.tcp.has("COMPLETED:Alice") {
		t.Fatalf("missing completed frame, got %v", f.tcp.frames)
	}
	if got := f.auditLog.lastType(); got != audit.TypeAlreadyCompleted {
		t.Fatalf("audit type = %q", got)
	}
}

func TestHandleEventRouting(t *testing.T) {
	f := newEngineFixture(t, time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()

	f.engine.HandleEvent(ctx, event.Canonical{Kind: event.KindEnrollment, Status: "enrollment_success"})
	if len(f.enroller.events) != 1 {
		t.Fatalf("enrollment event not routed, got %d", len(f.enroller.events))
	}

	f.engine.HandleEvent(ctx, event.Canonical{
		Kind: event.KindHeartbeat, DeviceID: "esp32-1", Timestamp: time.Now(),
		IPAddress: "10.0.0.5", WifiRSSI: -60, FreeHeap: 120000, EnrolledPrints: 4,
	})
	if got := f.auditLog.lastType(); got != audit.TypeHeartbeat {
		t.Fatalf("audit type = %q", got)
	}

	f.engine.HandleEvent(ctx, event.Canonical{Kind: event.KindAccessDenied, UserID: "10", DeviceID: "esp32-1"})
	if got := f.auditLog.lastType(); got != audit.TypeAccessDenied {
		t.Fatalf("audit type = %q", got)
	}
}
