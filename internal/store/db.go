package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB is the shared Postgres handle behind every repository. The event
// pipeline writes from many goroutines at once (TCP connections, webhook
// handlers, the sweep, timers), all issuing short single-row statements, so
// the pool leans toward more connections with shorter lifetimes.
type DB struct {
	Client *sql.DB
}

// NewDB opens the pool and verifies connectivity before returning. A database
// that is down at startup is fatal; nothing in the pipeline can run without it.
func NewDB(connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{Client: db}, nil
}

// Close releases the pool.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}
