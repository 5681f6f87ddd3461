package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/conveyor/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrationsFS embed.FS

// SQLiteStore implements engine.TransferProcessStore using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	opts Options
}

// Config holds SQLite store configuration.
type Config struct {
	// Path is the database file path, or ":memory:".
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	Options
}

// NewSQLiteStore creates a new SQLite store instance. Call Init before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		cfg:  cfg,
		opts: cfg.Options.withDefaults(),
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	inMemory := s.cfg.Path == ":memory:"
	if !inMemory {
		dsn = fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if inMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(s.cfg.MaxOpenConns)
		db.SetMaxIdleConns(s.cfg.MaxIdleConns)
		db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection. Handles created with ForOwner share it.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(sqliteMigrationsFS, "migrations/sqlite")
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

// ForOwner returns a handle on the same database that leases as owner.
func (s *SQLiteStore) ForOwner(owner string) *SQLiteStore {
	opts := s.opts
	opts.Owner = owner
	return &SQLiteStore{db: s.db, cfg: s.cfg, opts: opts}
}

// Create implements engine.TransferProcessStore.
func (s *SQLiteStore) Create(ctx context.Context, p *engine.TransferProcess) error {
	if err := prepareCreate(p, s.opts.Now()); err != nil {
		return err
	}
	data, err := encodeProcess(p)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO transfer_processes (
			id, type, state, state_count, state_timestamp, next_attempt_at, pending,
			version, correlation_id, created_at, updated_at, data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		p.ID,
		string(p.Type),
		int(p.State),
		p.StateCount,
		millis(p.StateTimestamp),
		millis(p.NextAttemptAt),
		boolInt(p.Pending),
		p.Version,
		nullString(p.CorrelationID),
		millis(p.CreatedAt),
		millis(p.UpdatedAt),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to create transfer process: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return alreadyExists(p.ID)
	}
	return nil
}

// FindByID implements engine.TransferProcessStore.
func (s *SQLiteStore) FindByID(ctx context.Context, id string) (*engine.TransferProcess, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM transfer_processes WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer process: %w", err)
	}
	return decodeProcess([]byte(data))
}

// FindByCorrelationID implements engine.TransferProcessStore.
func (s *SQLiteStore) FindByCorrelationID(ctx context.Context, correlationID string) (*engine.TransferProcess, error) {
	query := `
		SELECT data FROM transfer_processes
		WHERE correlation_id = ?
		ORDER BY created_at, id
		LIMIT 1
	`

	var data string
	err := s.db.QueryRowContext(ctx, query, correlationID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("").WithDetail("correlation_id", correlationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer process by correlation id: %w", err)
	}
	return decodeProcess([]byte(data))
}

// NextNotLeased implements engine.TransferProcessStore.
func (s *SQLiteStore) NextNotLeased(ctx context.Context, limit int, filter engine.StoreFilter) ([]*engine.TransferProcess, error) {
	now := s.opts.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cond := &conditions{}
	if filter.State != engine.StateUnknown {
		cond.add("state = ?", int(filter.State))
	}
	cond.add("pending = ?", boolInt(filter.Pending))
	if !filter.DueBy.IsZero() {
		cond.add("next_attempt_at <= ?", millis(filter.DueBy))
	}
	cond.add("(lease_id IS NULL OR lease_expires_at <= ?)", millis(now))

	query := "SELECT data FROM transfer_processes" + cond.where() + " ORDER BY next_attempt_at, created_at, id"
	if limit > 0 {
		query += " LIMIT " + strconv.Itoa(limit)
	}

	rows, err := tx.QueryContext(ctx, query, cond.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query due transfer processes: %w", err)
	}
	processes, err := scanProcesses(rows)
	if err != nil {
		return nil, err
	}

	expires := millis(now.Add(s.opts.LeaseDuration))
	for _, p := range processes {
		p.LeaseID = newLeaseID()
		_, err := tx.ExecContext(ctx,
			`UPDATE transfer_processes SET lease_id = ?, lease_owner = ?, lease_expires_at = ? WHERE id = ?`,
			p.LeaseID, s.opts.Owner, expires, p.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to lease transfer process %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lease: %w", err)
	}
	return processes, nil
}

// Save implements engine.TransferProcessStore.
func (s *SQLiteStore) Save(ctx context.Context, p *engine.TransferProcess) error {
	now := s.opts.Now()
	next := p.Clone()
	next.Version = p.Version + 1
	next.UpdatedAt = now
	next.LeaseID = ""

	data, err := encodeProcess(next)
	if err != nil {
		return err
	}

	query := `
		UPDATE transfer_processes SET
			type = ?, state = ?, state_count = ?, state_timestamp = ?, next_attempt_at = ?,
			pending = ?, version = ?, correlation_id = ?, updated_at = ?, data = ?,
			lease_id = CASE WHEN lease_id = ? THEN NULL ELSE lease_id END,
			lease_owner = CASE WHEN lease_id = ? THEN NULL ELSE lease_owner END,
			lease_expires_at = CASE WHEN lease_id = ? THEN NULL ELSE lease_expires_at END
		WHERE id = ? AND version = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(next.Type),
		int(next.State),
		next.StateCount,
		millis(next.StateTimestamp),
		millis(next.NextAttemptAt),
		boolInt(next.Pending),
		next.Version,
		nullString(next.CorrelationID),
		millis(now),
		string(data),
		p.LeaseID, p.LeaseID, p.LeaseID,
		p.ID,
		p.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to save transfer process: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return s.saveMiss(ctx, p)
	}

	p.Version = next.Version
	p.UpdatedAt = now
	p.LeaseID = ""
	return nil
}

// saveMiss tells a missing process apart from a version conflict.
func (s *SQLiteStore) saveMiss(ctx context.Context, p *engine.TransferProcess) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM transfer_processes WHERE id = ?`, p.ID).Scan(&exists)
	if err == sql.ErrNoRows {
		return engine.NewNotFoundError(p.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to check transfer process: %w", err)
	}
	return engine.NewConflictErrorFor(p.ID, p.Version)
}

// Release implements engine.TransferProcessStore.
func (s *SQLiteStore) Release(ctx context.Context, p *engine.TransferProcess) error {
	if p.LeaseID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE transfer_processes SET lease_id = NULL, lease_owner = NULL, lease_expires_at = NULL WHERE id = ? AND lease_id = ?`,
		p.ID, p.LeaseID,
	)
	if err != nil {
		return fmt.Errorf("failed to release transfer process: %w", err)
	}
	p.LeaseID = ""
	return nil
}

// List implements engine.TransferProcessStore.
func (s *SQLiteStore) List(ctx context.Context, opts engine.ListOptions) ([]*engine.TransferProcess, error) {
	cond := &conditions{}
	if opts.State != engine.StateUnknown {
		cond.add("state = ?", int(opts.State))
	}
	if opts.Type != "" {
		cond.add("type = ?", string(opts.Type))
	}

	query := "SELECT data FROM transfer_processes" + cond.where() + " ORDER BY created_at, id"
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT " + strconv.Itoa(limit)
	if opts.Offset > 0 {
		query += " OFFSET " + strconv.Itoa(opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, cond.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfer processes: %w", err)
	}
	return scanProcesses(rows)
}

// CountByState implements engine.TransferProcessStore.
func (s *SQLiteStore) CountByState(ctx context.Context) (map[engine.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM transfer_processes GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count transfer processes: %w", err)
	}
	defer rows.Close()

	counts := make(map[engine.State]int)
	for rows.Next() {
		var state, count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[engine.State(state)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return counts, nil
}

// scanProcesses decodes every row's data column and closes rows.
func scanProcesses(rows *sql.Rows) ([]*engine.TransferProcess, error) {
	defer rows.Close()

	processes := []*engine.TransferProcess{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan transfer process: %w", err)
		}
		p, err := decodeProcess([]byte(data))
		if err != nil {
			return nil, err
		}
		processes = append(processes, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transfer processes: %w", err)
	}
	return processes, nil
}
