package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gymgate/internal/audit"
	"gymgate/internal/member"
	"gymgate/internal/policy"
	"gymgate/internal/queue"
	"gymgate/internal/settings"
)

type fakeMembers struct {
	mu          sync.Mutex
	billable    []member.Billable
	deactivated []int64
	block       chan struct{} // when set, ListBillable parks until closed
}

func (f *fakeMembers) ListBillable(ctx context.Context) ([]member.Billable, error) {
	if f.block != nil {
		<-f.block
	}
	return f.billable, nil
}

func (f *fakeMembers) Deactivate(ctx context.Context, memberID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, memberID)
	return nil
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

type fakeSettings struct{}

func (fakeSettings) Get() settings.Snapshot {
	return settings.Snapshot{GracePeriodDays: 3, Windows: policy.DefaultWindows()}
}

func billableMember(id int64, name string, joined time.Time, lastPaid *time.Time) member.Billable {
	duration := 30
	return member.Billable{
		Member: member.Member{
			ID: id, Name: name, IsActive: true, JoinDate: joined,
		},
		DurationDays:    &duration,
		LastPaymentDate: lastPaid,
	}
}

func TestRunDeactivatesOnlyPastGrace(t *testing.T) {
	now := time.Date(2024, 6, 10, 3, 0, 0, 0, time.UTC)
	recent := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)  // due 07-01, current
	within := time.Date(2024, 5, 8, 0, 0, 0, 0, time.UTC)  // due 06-08, 2 days overdue
	expired := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC) // due 05-01, far past grace

	members := &fakeMembers{billable: []member.Billable{
		billableMember(1, "Current", now, &recent),
		billableMember(2, "InGrace", now, &within),
		billableMember(3, "Expired", now, &expired),
	}}
	auditLog := &fakeAudit{}
	effects := queue.NewInMemory(16)
	s := NewSweeper(members, auditLog, fakeSettings{}, effects)
	s.now = func() time.Time { return now }

	sum, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Checked != 3 || sum.Deactivated != 1 || sum.Errors != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(members.deactivated) != 1 || members.deactivated[0] != 3 {
		t.Fatalf("deactivated = %v", members.deactivated)
	}
	if len(auditLog.events) != 1 || auditLog.events[0].EventType != audit.TypeAutoDeactivation {
		t.Fatalf("audit events = %+v", auditLog.events)
	}

	msgs, _ := effects.Consume(context.Background())
	select {
	case msg := <-msgs:
		if msg.Type != queue.TypeCacheInvalidate {
			t.Fatalf("queued type = %q", msg.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no cache invalidation queued")
	}

	running, last := s.Status()
	if running || last == nil || last.Deactivated != 1 {
		t.Fatalf("status = running=%v last=%+v", running, last)
	}
}

func TestConcurrentRunRejected(t *testing.T) {
	block := make(chan struct{})
	members := &fakeMembers{block: block}
	s := NewSweeper(members, &fakeAudit{}, fakeSettings{}, queue.NewInMemory(1))

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background())
		done <- err
	}()

	// wait for the first run to take the slot
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		if running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first run never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := s.Run(context.Background()); !errors.Is(err, ErrSweepRunning) {
		t.Fatalf("second Run = %v, want ErrSweepRunning", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run after finish: %v", err)
	}
}

func TestListOverdueWithinGrace(t *testing.T) {
	now := time.Date(2024, 6, 10, 3, 0, 0, 0, time.UTC)
	within := time.Date(2024, 5, 8, 0, 0, 0, 0, time.UTC)
	expired := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	members := &fakeMembers{billable: []member.Billable{
		billableMember(2, "InGrace", now, &within),
		billableMember(3, "Expired", now, &expired),
	}}
	s := NewSweeper(members, &fakeAudit{}, fakeSettings{}, queue.NewInMemory(1))
	s.now = func() time.Time { return now }

	out, err := s.ListOverdueWithinGrace(context.Background())
	if err != nil {
		t.Fatalf("ListOverdueWithinGrace: %v", err)
	}
	if len(out) != 1 || out[0].MemberID != 2 {
		t.Fatalf("overdue = %+v", out)
	}
	if out[0].DaysOverdue != 2 {
		t.Fatalf("days overdue = %d", out[0].DaysOverdue)
	}
}
