// Package sqldb is the SQL storage backend. One implementation serves
// both deployment modes: Postgres via the pgx stdlib driver (managed)
// and SQLite via modernc (standalone, no cgo). Queries are written with
// ? placeholders and rebound per driver.
package sqldb

import (
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/flowgate/internal/config"
	"github.com/nextlevelbuilder/flowgate/internal/store"
)

// DB wraps the sqlx handle shared by all stores.
type DB struct {
	*sqlx.DB
}

// Open connects to the backend selected by cfg: Postgres when a DSN is
// present, SQLite otherwise.
func Open(cfg *config.Config) (*DB, error) {
	if cfg.IsManagedMode() {
		db, err := sqlx.Open("pgx", cfg.Database.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		return &DB{db}, nil
	}

	path := cfg.Database.SQLitePath
	if path == "" {
		path = "flowgate.db"
	}
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return &DB{db}, nil
}

// NewStores creates all stores over one database handle.
func NewStores(db *DB) *store.Stores {
	return &store.Stores{
		Tenants:    NewTenantStore(db),
		Contacts:   NewContactStore(db),
		Flows:      NewFlowStore(db),
		Sessions:   NewSessionStore(db),
		Broadcasts: NewBroadcastStore(db),
		Messages:   NewMessageStore(db),
		Schedules:  NewScheduleStore(db),
	}
}
