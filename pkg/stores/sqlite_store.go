package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/hyphae/apis-main/pkg/fault"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteClusterStore implements ClusterStore on a SQLite database that all
// units of the cluster reach.
type SQLiteClusterStore struct {
	db     *sql.DB
	cfg    Config
	sealer *Sealer
	now    func() time.Time
}

// NewSQLiteClusterStore creates a new store instance. Init must be called
// before use.
func NewSQLiteClusterStore(cfg Config) (*SQLiteClusterStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	sealer, err := NewSealer(cfg.Secret)
	if err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteClusterStore{
		cfg:    cfg,
		sealer: sealer,
		now:    time.Now,
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteClusterStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteClusterStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteClusterStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteClusterStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Map returns the named map.
func (s *SQLiteClusterStore) Map(name string) ClusterKV {
	return &sqliteMap{store: s, name: name}
}

func (s *SQLiteClusterStore) get(ctx context.Context, mapName, key string) (string, bool, error) {
	if s.db == nil {
		return "", false, fmt.Errorf("database not initialized")
	}

	var sealed []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM cluster_kv WHERE map_name = ? AND key = ?`,
		mapName, key,
	).Scan(&sealed)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get value: %w", err)
	}

	env, err := s.sealer.Open(mapName, key, sealed)
	if err != nil {
		return "", false, err
	}
	return env.Value, true, nil
}

// put upserts the value. The last write to commit wins, put and remove
// alike; written_at is recorded for operators and never compared, so a unit
// with a lagging clock cannot have its write silently discarded.
func (s *SQLiteClusterStore) put(ctx context.Context, mapName, key, value string) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	writtenAt := s.now().UnixNano()
	sealed, err := s.sealer.Seal(mapName, key, Envelope{
		Value:     value,
		Writer:    s.cfg.Writer,
		WrittenAt: writtenAt,
	})
	if err != nil {
		return err
	}

	query := `
		INSERT INTO cluster_kv (map_name, key, value, writer, written_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (map_name, key) DO UPDATE SET
			value = excluded.value,
			writer = excluded.writer,
			written_at = excluded.written_at
	`
	if _, err := s.db.ExecContext(ctx, query, mapName, key, sealed, s.cfg.Writer, writtenAt); err != nil {
		return fmt.Errorf("failed to put value: %w", err)
	}
	return nil
}

func (s *SQLiteClusterStore) remove(ctx context.Context, mapName, key string) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM cluster_kv WHERE map_name = ? AND key = ?`,
		mapName, key,
	); err != nil {
		return fmt.Errorf("failed to remove value: %w", err)
	}
	return nil
}

// sqliteMap classifies every failure as a cluster communication failure.
type sqliteMap struct {
	store *SQLiteClusterStore
	name  string
}

func (m *sqliteMap) Get(ctx context.Context, key string) (string, bool, error) {
	value, ok, err := m.store.get(ctx, m.name, key)
	if err != nil {
		return "", false, fault.SharedData("get "+m.name+"/"+key, err)
	}
	return value, ok, nil
}

func (m *sqliteMap) Put(ctx context.Context, key, value string) error {
	if err := m.store.put(ctx, m.name, key, value); err != nil {
		return fault.SharedData("put "+m.name+"/"+key, err)
	}
	return nil
}

func (m *sqliteMap) Remove(ctx context.Context, key string) error {
	if err := m.store.remove(ctx, m.name, key); err != nil {
		return fault.SharedData("remove "+m.name+"/"+key, err)
	}
	return nil
}
