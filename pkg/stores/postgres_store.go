package stores

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/openfroyo/conveyor/pkg/engine"
)

//go:embed migrations/postgres/*.sql
var postgresMigrationsFS embed.FS

// PostgresConfig holds PostgreSQL store configuration.
type PostgresConfig struct {
	// DSN is a PostgreSQL connection string.
	DSN      string
	MaxConns int32

	Options
}

// PostgresStore implements engine.TransferProcessStore on PostgreSQL. Leasing
// uses FOR UPDATE SKIP LOCKED so competing instances never block each other.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts Options
}

// NewPostgresStore connects to PostgreSQL.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool, opts: cfg.Options.withDefaults()}, nil
}

// Close closes the connection pool. Handles created with ForOwner share it.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// HealthCheck verifies the database is reachable.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ForOwner returns a handle on the same pool that leases as owner.
func (s *PostgresStore) ForOwner(owner string) *PostgresStore {
	opts := s.opts
	opts.Owner = owner
	return &PostgresStore{pool: s.pool, opts: opts}
}

// Migrate runs database migrations.
func (s *PostgresStore) Migrate(_ context.Context) error {
	sourceDriver, err := iofs.New(postgresMigrationsFS, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// The driver pins one pooled connection until m.Close.
	db := stdlib.OpenDBFromPool(s.pool)
	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", driver)
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Create implements engine.TransferProcessStore.
func (s *PostgresStore) Create(ctx context.Context, p *engine.TransferProcess) error {
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
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`

	tag, err := s.pool.Exec(ctx, query,
		p.ID,
		string(p.Type),
		int(p.State),
		p.StateCount,
		millis(p.StateTimestamp),
		millis(p.NextAttemptAt),
		p.Pending,
		p.Version,
		nullString(p.CorrelationID),
		millis(p.CreatedAt),
		millis(p.UpdatedAt),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to create transfer process: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return alreadyExists(p.ID)
	}
	return nil
}

// FindByID implements engine.TransferProcessStore.
func (s *PostgresStore) FindByID(ctx context.Context, id string) (*engine.TransferProcess, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM transfer_processes WHERE id = $1`, id).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, engine.NewNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer process: %w", err)
	}
	return decodeProcess(data)
}

// FindByCorrelationID implements engine.TransferProcessStore.
func (s *PostgresStore) FindByCorrelationID(ctx context.Context, correlationID string) (*engine.TransferProcess, error) {
	query := `
		SELECT data FROM transfer_processes
		WHERE correlation_id = $1
		ORDER BY created_at, id
		LIMIT 1
	`

	var data []byte
	err := s.pool.QueryRow(ctx, query, correlationID).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, engine.NewNotFoundError("").WithDetail("correlation_id", correlationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer process by correlation id: %w", err)
	}
	return decodeProcess(data)
}

// NextNotLeased implements engine.TransferProcessStore.
func (s *PostgresStore) NextNotLeased(ctx context.Context, limit int, filter engine.StoreFilter) ([]*engine.TransferProcess, error) {
	now := s.opts.Now()
	leaseID := newLeaseID()

	cond := &conditions{dollar: true}
	cond.add("(lease_id IS NULL OR lease_expires_at <= ?)", millis(now))
	if filter.State != engine.StateUnknown {
		cond.add("state = ?", int(filter.State))
	}
	cond.add("pending = ?", filter.Pending)
	if !filter.DueBy.IsZero() {
		cond.add("next_attempt_at <= ?", millis(filter.DueBy))
	}

	args := append([]interface{}{}, cond.args...)
	n := len(args)
	args = append(args, leaseID, s.opts.Owner, millis(now.Add(s.opts.LeaseDuration)))

	limitClause := ""
	if limit > 0 {
		limitClause = " LIMIT " + strconv.Itoa(limit)
	}

	query := fmt.Sprintf(`
		UPDATE transfer_processes
		SET lease_id = $%d, lease_owner = $%d, lease_expires_at = $%d
		WHERE id IN (
			SELECT id FROM transfer_processes%s
			ORDER BY next_attempt_at, created_at, id%s
			FOR UPDATE SKIP LOCKED
		)
		RETURNING data
	`, n+1, n+2, n+3, cond.where(), limitClause)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to lease transfer processes: %w", err)
	}
	defer rows.Close()

	processes := []*engine.TransferProcess{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan transfer process: %w", err)
		}
		p, err := decodeProcess(data)
		if err != nil {
			return nil, err
		}
		p.LeaseID = leaseID
		processes = append(processes, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating leased transfer processes: %w", err)
	}

	sort.Slice(processes, func(i, j int) bool {
		a, b := processes[i], processes[j]
		if !a.NextAttemptAt.Equal(b.NextAttemptAt) {
			return a.NextAttemptAt.Before(b.NextAttemptAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return processes, nil
}

// Save implements engine.TransferProcessStore.
func (s *PostgresStore) Save(ctx context.Context, p *engine.TransferProcess) error {
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
			type = $1, state = $2, state_count = $3, state_timestamp = $4, next_attempt_at = $5,
			pending = $6, version = $7, correlation_id = $8, updated_at = $9, data = $10,
			lease_id = CASE WHEN lease_id = $11 THEN NULL ELSE lease_id END,
			lease_owner = CASE WHEN lease_id = $11 THEN NULL ELSE lease_owner END,
			lease_expires_at = CASE WHEN lease_id = $11 THEN NULL ELSE lease_expires_at END
		WHERE id = $12 AND version = $13
	`

	tag, err := s.pool.Exec(ctx, query,
		string(next.Type),
		int(next.State),
		next.StateCount,
		millis(next.StateTimestamp),
		millis(next.NextAttemptAt),
		next.Pending,
		next.Version,
		nullString(next.CorrelationID),
		millis(now),
		string(data),
		p.LeaseID,
		p.ID,
		p.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to save transfer process: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var exists int
		err := s.pool.QueryRow(ctx, `SELECT 1 FROM transfer_processes WHERE id = $1`, p.ID).Scan(&exists)
		if err == pgx.ErrNoRows {
			return engine.NewNotFoundError(p.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to check transfer process: %w", err)
		}
		return engine.NewConflictErrorFor(p.ID, p.Version)
	}

	p.Version = next.Version
	p.UpdatedAt = now
	p.LeaseID = ""
	return nil
}

// Release implements engine.TransferProcessStore.
func (s *PostgresStore) Release(ctx context.Context, p *engine.TransferProcess) error {
	if p.LeaseID == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE transfer_processes SET lease_id = NULL, lease_owner = NULL, lease_expires_at = NULL WHERE id = $1 AND lease_id = $2`,
		p.ID, p.LeaseID,
	)
	if err != nil {
		return fmt.Errorf("failed to release transfer process: %w", err)
	}
	p.LeaseID = ""
	return nil
}

// List implements engine.TransferProcessStore.
func (s *PostgresStore) List(ctx context.Context, opts engine.ListOptions) ([]*engine.TransferProcess, error) {
	cond := &conditions{dollar: true}
	if opts.State != engine.StateUnknown {
		cond.add("state = ?", int(opts.State))
	}
	if opts.Type != "" {
		cond.add("type = ?", string(opts.Type))
	}

	query := "SELECT data FROM transfer_processes" + cond.where() + " ORDER BY created_at, id"
	if opts.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET " + strconv.Itoa(opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, cond.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfer processes: %w", err)
	}
	defer rows.Close()

	processes := []*engine.TransferProcess{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan transfer process: %w", err)
		}
		p, err := decodeProcess(data)
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

// CountByState implements engine.TransferProcessStore.
func (s *PostgresStore) CountByState(ctx context.Context) (map[engine.State]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM transfer_processes GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count transfer processes: %w", err)
	}
	defer rows.Close()

	counts := make(map[engine.State]int)
	for rows.Next() {
		var state int32
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[engine.State(state)] = int(count)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return counts, nil
}
