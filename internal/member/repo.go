package member

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Member is a gym member row. BiometricID is the device-assigned user
// identifier, unique when present.
type Member struct {
	ID               int64      `json:"id"`
	Name             string     `json:"name"`
	Email            *string    `json:"email,omitempty"`
	Phone            *string    `json:"phone,omitempty"`
	IsActive         bool       `json:"is_active"`
	IsAdmin          bool       `json:"is_admin"`
	MembershipPlanID *int64     `json:"membership_plan_id,omitempty"`
	JoinDate         time.Time  `json:"join_date"`
	BiometricID      *string    `json:"biometric_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Plan is a membership plan. A nil DurationDays means no expiry enforcement.
type Plan struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name"`
	Price        float64 `json:"price"`
	DurationDays *int    `json:"duration_days,omitempty"`
}

// Billable is the sweep view of a member: plan duration joined in and the most
// recent payment date resolved through their invoices.
type Billable struct {
	Member
	PlanName        *string    `json:"plan_name,omitempty"`
	DurationDays    *int       `json:"duration_days,omitempty"`
	LastPaymentDate *time.Time `json:"last_payment_date,omitempty"`
}

// ErrBiometricIDTaken is returned when a device user id is already assigned.
var ErrBiometricIDTaken = errors.New("biometric id already assigned to another member")

const memberColumns = `id, name, email, phone, is_active, is_admin, membership_plan_id, join_date, biometric_id, created_at`

// Repository persists member data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func scanMember(row interface{ Scan(...any) error }) (*Member, error) {
	var m Member
	err := row.Scan(&m.ID, &m.Name, &m.Email, &m.Phone, &m.IsActive, &m.IsAdmin,
		&m.MembershipPlanID, &m.JoinDate, &m.BiometricID, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// Get returns a member by id, or nil when not found.
func (r *Repository) Get(ctx context.Context, id int64) (*Member, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE id = $1`, id)
	return scanMember(row)
}

// FindByBiometricID resolves a device-reported user id to a member, or nil.
func (r *Repository) FindByBiometricID(ctx context.Context, biometricID string) (*Member, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE biometric_id = $1`, biometricID)
	return scanMember(row)
}

// SetBiometricID assigns a device user id to a member. The id must not already
// belong to someone else.
func (r *Repository) SetBiometricID(ctx context.Context, memberID int64, biometricID string) error {
	existing, err := r.FindByBiometricID(ctx, biometricID)
	if err != nil {
		return err
	}
	if existing != nil && existing.ID != memberID {
		return ErrBiometricIDTaken
	}
	_, err = r.db.ExecContext(ctx, `UPDATE members SET biometric_id = $2 WHERE id = $1`, memberID, biometricID)
	return err
}

// ClearBiometricID removes a member's enrolled identifier.
func (r *Repository) ClearBiometricID(ctx context.Context, memberID int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE members SET biometric_id = NULL WHERE id = $1`, memberID)
	return err
}

// Deactivate flips is_active off. Idempotent.
func (r *Repository) Deactivate(ctx context.Context, memberID int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE members SET is_active = FALSE WHERE id = $1`, memberID)
	return err
}

// GetPlan returns a membership plan by id, or nil.
func (r *Repository) GetPlan(ctx context.Context, id int64) (*Plan, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, name, price, duration_days FROM membership_plans WHERE id = $1`, id)
	var p Plan
	if err := row.Scan(&p.ID, &p.Name, &p.Price, &p.DurationDays); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// LastPaymentDate returns the member's most recent payment across their
// invoices, or nil when they have never paid.
func (r *Repository) LastPaymentDate(ctx context.Context, memberID int64) (*time.Time, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT MAX(p.payment_date)
		FROM payments p
		JOIN invoices i ON p.invoice_id = i.id
		WHERE i.member_id = $1
	`, memberID)
	var t sql.NullTime
	if err := row.Scan(&t); err != nil {
		return nil, err
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}

// ListBillable returns active non-admin members whose plan has an expiry,
// with plan duration and last payment date joined in. Used by the
// deactivation sweep.
func (r *Repository) ListBillable(ctx context.Context) ([]Billable, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT m.id, m.name, m.email, m.phone, m.is_active, m.is_admin,
		       m.membership_plan_id, m.join_date, m.biometric_id, m.created_at,
		       mp.name, mp.duration_days,
		       (SELECT MAX(p.payment_date)
		        FROM payments p
		        JOIN invoices i ON p.invoice_id = i.id
		        WHERE i.member_id = m.id)
		FROM members m
		JOIN membership_plans mp ON m.membership_plan_id = mp.id
		WHERE m.is_active = TRUE
		  AND m.is_admin = FALSE
		  AND mp.duration_days IS NOT NULL
		ORDER BY m.name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Billable
	for rows.Next() {
		var b Billable
		var lastPayment sql.NullTime
		if err := rows.Scan(&b.ID, &b.Name, &b.Email, &b.Phone, &b.IsActive, &b.IsAdmin,
			&b.MembershipPlanID, &b.JoinDate, &b.BiometricID, &b.CreatedAt,
			&b.PlanName, &b.DurationDays, &lastPayment); err != nil {
			return nil, err
		}
		if lastPayment.Valid {
			b.LastPaymentDate = &lastPayment.Time
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListByEnrollment returns active members with or without an enrolled
// biometric id, for the admin enrollment screens.
func (r *Repository) ListByEnrollment(ctx context.Context, enrolled bool) ([]Member, error) {
	cond := `(biometric_id IS NULL OR biometric_id = '')`
	if enrolled {
		cond = `biometric_id IS NOT NULL AND biometric_id != ''`
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+memberColumns+` FROM members WHERE `+cond+` AND is_active = TRUE ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
