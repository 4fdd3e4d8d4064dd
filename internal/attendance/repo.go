package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Record is one member-day attendance row. Date is the local calendar day in
// YYYY-MM-DD form so "today" queries never straddle a timezone boundary.
type Record struct {
	ID           string     `json:"id"`
	MemberID     int64      `json:"member_id"`
	CheckInTime  time.Time  `json:"check_in_time"`
	CheckOutTime *time.Time `json:"check_out_time,omitempty"`
	Date         string     `json:"date"`
}

// DateOf formats t as the attendance day key.
func DateOf(t time.Time) string {
	return t.Format("2006-01-02")
}

// Repository persists attendance rows.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// FindForDay returns the member's attendance row for the given day, or nil.
func (r *Repository) FindForDay(ctx context.Context, memberID int64, date string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, member_id, check_in_time, check_out_time, date
		FROM attendance
		WHERE member_id = $1 AND date = $2
		LIMIT 1
	`, memberID, date)
	var rec Record
	if err := row.Scan(&rec.ID, &rec.MemberID, &rec.CheckInTime, &rec.CheckOutTime, &rec.Date); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// CheckIn inserts a new attendance row for the member at t.
func (r *Repository) CheckIn(ctx context.Context, memberID int64, t time.Time) (*Record, error) {
	rec := &Record{
		ID:          uuid.NewString(),
		MemberID:    memberID,
		CheckInTime: t,
		Date:        DateOf(t),
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance (id, member_id, check_in_time, date)
		VALUES ($1, $2, $3, $4)
	`, rec.ID, rec.MemberID, rec.CheckInTime, rec.Date)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// CheckOut stamps the row's check-out time.
func (r *Repository) CheckOut(ctx context.Context, recordID string, t time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE attendance SET check_out_time = $2 WHERE id = $1`, recordID, t)
	return err
}

// CheckInTimesForDay returns every check-in time the member has for the day,
// input to the cross-session rule.
func (r *Repository) CheckInTimesForDay(ctx context.Context, memberID int64, date string) ([]time.Time, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT check_in_time FROM attendance
		WHERE member_id = $1 AND date = $2
		ORDER BY check_in_time ASC
	`, memberID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListForMember returns the member's attendance history, newest first.
func (r *Repository) ListForMember(ctx context.Context, memberID int64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, member_id, check_in_time, check_out_time, date
		FROM attendance
		WHERE member_id = $1
		ORDER BY check_in_time DESC
		LIMIT $2
	`, memberID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.MemberID, &rec.CheckInTime, &rec.CheckOutTime, &rec.Date); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountForDay returns how many members checked in on the given day.
func (r *Repository) CountForDay(ctx context.Context, date string) (int, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attendance WHERE date = $1`, date)
	var n int
	return n, row.Scan(&n)
}
