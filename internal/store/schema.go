package store

import "context"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS membership_plans (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		price NUMERIC(10,2) NOT NULL,
		duration_days INT,
		description TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS members (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT UNIQUE,
		phone TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,
		membership_plan_id BIGINT REFERENCES membership_plans(id),
		join_date DATE NOT NULL DEFAULT CURRENT_DATE,
		biometric_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_members_biometric_id
		ON members (biometric_id) WHERE biometric_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS attendance (
		id UUID PRIMARY KEY,
		member_id BIGINT NOT NULL REFERENCES members(id) ON DELETE CASCADE,
		check_in_time TIMESTAMPTZ NOT NULL,
		check_out_time TIMESTAMPTZ,
		date TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_attendance_member_date ON attendance (member_id, date)`,
	`CREATE TABLE IF NOT EXISTS biometric_events (
		id UUID PRIMARY KEY,
		member_id BIGINT REFERENCES members(id),
		biometric_id TEXT,
		event_type TEXT NOT NULL,
		device_id TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		success BOOLEAN NOT NULL,
		error_message TEXT,
		raw_data JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS ix_biometric_events_device ON biometric_events (device_id, event_type, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS ix_biometric_events_member ON biometric_events (member_id, timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS invoices (
		id BIGSERIAL PRIMARY KEY,
		member_id BIGINT NOT NULL REFERENCES members(id) ON DELETE CASCADE,
		plan_id BIGINT REFERENCES membership_plans(id),
		amount NUMERIC(10,2) NOT NULL,
		due_date DATE NOT NULL,
		status TEXT NOT NULL DEFAULT 'unpaid',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		id BIGSERIAL PRIMARY KEY,
		invoice_id BIGINT NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
		amount NUMERIC(10,2) NOT NULL,
		payment_date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		payment_method TEXT,
		transaction_id TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT
	)`,
}

var defaultSettings = [][2]string{
	{"payment_grace_period_days", "3"},
	{"cross_session_checkin_restriction", "true"},
	{"morning_session_start", "05:00"},
	{"morning_session_end", "11:00"},
	{"evening_session_start", "16:00"},
	{"evening_session_end", "22:00"},
}

// Migrate creates tables and seeds default settings if missing.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := d.Client.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	for _, kv := range defaultSettings {
		_, err := d.Client.ExecContext(ctx, `
			INSERT INTO settings (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO NOTHING
		`, kv[0], kv[1])
		if err != nil {
			return err
		}
	}
	return nil
}
