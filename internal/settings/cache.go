package settings

import (
	"context"
	"database/sql"
	"log"
	"strconv"
	"sync"
	"time"

	"gymgate/internal/policy"
)

// Setting keys stored in the settings table.
const (
	KeyGracePeriodDays      = "payment_grace_period_days"
	KeyCrossSessionRestrict = "cross_session_checkin_restriction"
	KeyMorningStart         = "morning_session_start"
	KeyMorningEnd           = "morning_session_end"
	KeyEveningStart         = "evening_session_start"
	KeyEveningEnd           = "evening_session_end"
)

// Snapshot is a consistent read of the access-control settings.
type Snapshot struct {
	GracePeriodDays        int
	CrossSessionRestricted bool
	Windows                policy.Windows
}

func defaults() Snapshot {
	return Snapshot{
		GracePeriodDays:        3,
		CrossSessionRestricted: true,
		Windows:                policy.DefaultWindows(),
	}
}

// Cache serves settings from memory and refreshes from the database on an
// interval. Reads during an outage keep serving the last good snapshot.
type Cache struct {
	db       *sql.DB
	interval time.Duration

	mu   sync.RWMutex
	snap Snapshot

	stop chan struct{}
	once sync.Once
}

// NewCache creates a cache preloaded with defaults. Call Start to begin the
// refresh loop; Get is usable immediately.
func NewCache(db *sql.DB, interval time.Duration) *Cache {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Cache{
		db:       db,
		interval: interval,
		snap:     defaults(),
		stop:     make(chan struct{}),
	}
}

// Start loads the settings once and launches the periodic refresh.
func (c *Cache) Start(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		log.Printf("initial settings load failed, using defaults: %v", err)
	}
	go c.loop()
}

func (c *Cache) loop() {
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := c.Refresh(ctx); err != nil {
				log.Printf("settings refresh failed, keeping cached values: %v", err)
			}
			cancel()
		case <-c.stop:
			return
		}
	}
}

// Stop terminates the refresh loop.
func (c *Cache) Stop() {
	c.once.Do(func() { close(c.stop) })
}

// Get returns the current snapshot.
func (c *Cache) Get() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Invalidate forces an immediate reload (called after an admin writes a
// setting so the change takes effect before the next tick).
func (c *Cache) Invalidate(ctx context.Context) error {
	return c.Refresh(ctx)
}

// Refresh reads all settings rows and swaps the snapshot in one step.
func (c *Cache) Refresh(ctx context.Context) error {
	rows, err := c.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return err
	}
	defer rows.Close()

	values := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		values[k] = v
	}
	if err := rows.Err(); err != nil {
		return err
	}

	snap := defaults()
	if v, ok := values[KeyGracePeriodDays]; ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			snap.GracePeriodDays = n
		}
	}
	if v, ok := values[KeyCrossSessionRestrict]; ok {
		snap.CrossSessionRestricted = v == "true" || v == "1"
	}
	if v, ok := values[KeyMorningStart]; ok && v != "" {
		snap.Windows.MorningStart = v
	}
	if v, ok := values[KeyMorningEnd]; ok && v != "" {
		snap.Windows.MorningEnd = v
	}
	if v, ok := values[KeyEveningStart]; ok && v != "" {
		snap.Windows.EveningStart = v
	}
	if v, ok := values[KeyEveningEnd]; ok && v != "" {
		snap.Windows.EveningEnd = v
	}

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
	return nil
}

// Set writes one setting and refreshes the snapshot.
func (c *Cache) Set(ctx context.Context, key, value string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	if err != nil {
		return err
	}
	return c.Refresh(ctx)
}
