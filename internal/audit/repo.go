package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types recorded in the biometric_events audit trail.
const (
	TypeCheckin          = "checkin"
	TypeCheckout         = "checkout"
	TypeAlreadyCompleted = "already_completed"
	TypeAccessDenied     = "access_denied"
	TypeUnknownUser      = "unknown_user"
	TypeMemberInactive   = "member_inactive"
	TypeGraceExpired     = "payment_overdue_grace_expired"
	TypeOutsideWindow    = "outside_window"
	TypeCrossSession     = "cross_session"
	TypeHeartbeat        = "heartbeat"
	TypeEnrollment       = "enrollment"
	TypeEnrollFailed     = "enrollment_failed"
	TypeEnrollCancelled  = "enrollment_cancelled"
	TypeEnrollTimeout    = "enrollment_timeout"
	TypeManualEnrollment = "manual_enrollment"
	TypeRemoval          = "removal"
	TypeAutoDeactivation = "automatic_deactivation"
	TypeDeviceCommand    = "esp32_command"
)

// Event is one append-only audit row. Rows are never updated after insert;
// this is the system's forensic trail.
type Event struct {
	ID           string          `json:"id"`
	MemberID     *int64          `json:"member_id,omitempty"`
	BiometricID  *string         `json:"biometric_id,omitempty"`
	EventType    string          `json:"event_type"`
	DeviceID     string          `json:"device_id"`
	Timestamp    time.Time       `json:"timestamp"`
	Success      bool            `json:"success"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	RawData      json.RawMessage `json:"raw_data,omitempty"`
}

// Heartbeat is the device liveness view derived from the latest heartbeat row.
type Heartbeat struct {
	DeviceID       string    `json:"device_id"`
	IPAddress      string    `json:"ip_address"`
	WifiRSSI       int       `json:"wifi_rssi"`
	FreeHeap       int       `json:"free_heap"`
	EnrolledPrints int       `json:"enrolled_prints"`
	LastSeen       time.Time `json:"last_seen"`
}

// Filter narrows List queries.
type Filter struct {
	MemberID  *int64
	DeviceID  string
	EventType string
	Limit     int
	Offset    int
}

// Repository appends and queries biometric audit events.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Insert appends an audit row. The timestamp defaults to now and RawData to
// an empty object so the column stays queryable.
func (r *Repository) Insert(ctx context.Context, ev Event) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if len(ev.RawData) == 0 {
		ev.RawData = json.RawMessage(`{}`)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO biometric_events (id, member_id, biometric_id, event_type, device_id, timestamp, success, error_message, raw_data)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, ev.ID, ev.MemberID, ev.BiometricID, ev.EventType, ev.DeviceID, ev.Timestamp, ev.Success, ev.ErrorMessage, []byte(ev.RawData))
	return ev.ID, err
}

// LatestHeartbeat returns the device's most recent heartbeat within the
// window, or nil when it has not reported (presumed offline).
func (r *Repository) LatestHeartbeat(ctx context.Context, deviceID string, window time.Duration) (*Heartbeat, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT device_id, timestamp, raw_data
		FROM biometric_events
		WHERE device_id = $1 AND event_type = $2 AND timestamp > NOW() - ($3 * interval '1 second')
		ORDER BY timestamp DESC
		LIMIT 1
	`, deviceID, TypeHeartbeat, window.Seconds())
	return scanHeartbeat(row)
}

// RecentHeartbeats returns the latest heartbeat per device within the window,
// most recent first. Used to fan commands out to every online device.
func (r *Repository) RecentHeartbeats(ctx context.Context, window time.Duration) ([]Heartbeat, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT ON (device_id) device_id, timestamp, raw_data
		FROM biometric_events
		WHERE event_type = $1 AND timestamp > NOW() - ($2 * interval '1 second')
		ORDER BY device_id, timestamp DESC
	`, TypeHeartbeat, window.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Heartbeat
	for rows.Next() {
		hb, err := scanHeartbeat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *hb)
	}
	return out, rows.Err()
}

func scanHeartbeat(row interface{ Scan(...any) error }) (*Heartbeat, error) {
	var hb Heartbeat
	var raw []byte
	if err := row.Scan(&hb.DeviceID, &hb.LastSeen, &raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var payload struct {
		IPAddress      string `json:"ip_address"`
		WifiRSSI       int    `json:"wifi_rssi"`
		FreeHeap       int    `json:"free_heap"`
		EnrolledPrints int    `json:"enrolled_prints"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		hb.IPAddress = payload.IPAddress
		hb.WifiRSSI = payload.WifiRSSI
		hb.FreeHeap = payload.FreeHeap
		hb.EnrolledPrints = payload.EnrolledPrints
	}
	return &hb, nil
}

// OnlineDeviceCount counts devices with a heartbeat inside the window.
func (r *Repository) OnlineDeviceCount(ctx context.Context, window time.Duration) (int, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT device_id)
		FROM biometric_events
		WHERE event_type = $1 AND timestamp > NOW() - ($2 * interval '1 second')
	`, TypeHeartbeat, window.Seconds())
	var n int
	return n, row.Scan(&n)
}

// LastActivity returns the newest audit timestamp across all devices.
func (r *Repository) LastActivity(ctx context.Context) (*time.Time, error) {
	row := r.db.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM biometric_events WHERE device_id != ''`)
	var t sql.NullTime
	if err := row.Scan(&t); err != nil {
		return nil, err
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}

// List returns audit events matching the filter, newest first, plus the total
// matching count for pagination.
func (r *Repository) List(ctx context.Context, f Filter) ([]Event, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	where := ""
	args := []any{}
	add := func(cond string, val any) {
		args = append(args, val)
		clause := fmt.Sprintf(cond, len(args))
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
	}
	if f.MemberID != nil {
		add("member_id = $%d", *f.MemberID)
	}
	if f.DeviceID != "" {
		add("device_id = $%d", f.DeviceID)
	}
	if f.EventType != "" {
		add("event_type = $%d", f.EventType)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM biometric_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT id, member_id, biometric_id, event_type, device_id, timestamp, success, error_message, raw_data
		FROM biometric_events` + where +
		fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var raw []byte
		if err := rows.Scan(&ev.ID, &ev.MemberID, &ev.BiometricID, &ev.EventType, &ev.DeviceID,
			&ev.Timestamp, &ev.Success, &ev.ErrorMessage, &raw); err != nil {
			return nil, 0, err
		}
		ev.RawData = json.RawMessage(raw)
		out = append(out, ev)
	}
	return out, total, rows.Err()
}
