package database

import (
	"context"
	"embed"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/pgsearchsync/pgsearchsync/internal/config"
	"github.com/pgsearchsync/pgsearchsync/internal/observability"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// quoteIdentifier safely quotes a PostgreSQL identifier to prevent SQL injection.
// It wraps the identifier in double quotes and escapes any embedded double quotes.
func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

// Connection is the pooled runtime connection used for catalog reads,
// snapshot queries, the checkpoint store and the dead letter queue. Logical
// replication never draws from this pool — it holds its own dedicated
// connection, since the replication protocol requires the whole connection
// for its lifetime.
type Connection struct {
	pool    *pgxpool.Pool
	config  *config.DatabaseConfig
	metrics *observability.Metrics
}

// SetMetrics sets the metrics instance for recording database metrics
func (c *Connection) SetMetrics(m *observability.Metrics) {
	c.metrics = m
}

// extractTableName attempts to extract the table name from a SQL query.
// Returns "unknown" if the table cannot be determined.
func extractTableName(sql string) string {
	sql = strings.ToUpper(strings.TrimSpace(sql))

	patterns := []struct {
		prefix string
		regex  *regexp.Regexp
	}{
		{"SELECT", regexp.MustCompile(`FROM\s+["']?(\w+)["']?`)},
		{"INSERT", regexp.MustCompile(`INTO\s+["']?(\w+)["']?`)},
		{"UPDATE", regexp.MustCompile(`UPDATE\s+["']?(\w+)["']?`)},
		{"DELETE", regexp.MustCompile(`FROM\s+["']?(\w+)["']?`)},
	}

	for _, p := range patterns {
		if strings.HasPrefix(sql, p.prefix) {
			if matches := p.regex.FindStringSubmatch(sql); len(matches) > 1 {
				return strings.ToLower(matches[1])
			}
		}
	}

	return "unknown"
}

// extractOperation extracts the SQL operation type from a query
func extractOperation(sql string) string {
	sql = strings.ToUpper(strings.TrimSpace(sql))
	switch {
	case strings.HasPrefix(sql, "SELECT"):
		return "select"
	case strings.HasPrefix(sql, "INSERT"):
		return "insert"
	case strings.HasPrefix(sql, "UPDATE"):
		return "update"
	case strings.HasPrefix(sql, "DELETE"):
		return "delete"
	default:
		return "other"
	}
}

// NewConnection creates the pooled runtime connection.
func NewConnection(cfg config.DatabaseConfig) (*Connection, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.RuntimeConnectionString())
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConnections
	poolConfig.MinConns = cfg.MinConnections
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = cfg.HealthCheck

	// BeforeAcquire is called before a connection is handed out from the pool.
	// Returning false discards it and makes the pool try another one, which
	// prevents returning stale/closed connections after the server is bounced
	// underneath a long-running sync process.
	poolConfig.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
		pingCtx, cancel := context.WithTimeout(ctx, 1*time.Second)
		defer cancel()
		if err := conn.Ping(pingCtx); err != nil {
			log.Debug().Err(err).Msg("discarding unhealthy connection from pool")
			return false
		}
		return true
	}

	// QueryExecModeDescribeExec avoids the prepared-statement cache, which
	// otherwise goes stale whenever a migration changes column types that a
	// cached plan depends on.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeDescribeExec

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	conn := &Connection{
		pool:   pool,
		config: &cfg,
	}

	log.Info().
		Str("database", cfg.Database).
		Str("user", cfg.User).
		Msg("database connection established")

	return conn, nil
}

// Close closes the database connection pool
func (c *Connection) Close() {
	c.pool.Close()
	log.Info().Msg("database connection closed")
}

// Pool returns the underlying connection pool
func (c *Connection) Pool() *pgxpool.Pool {
	return c.pool
}

// Migrate applies the engine's own schema: the checkpoint store and the
// dead letter queue. It never touches the tables the schema tree describes
// — those belong to the application this engine is syncing.
func (c *Connection) Migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance(
		"iofs", source, c.config.RuntimeConnectionString())
	if err != nil {
		return fmt.Errorf("failed to init migrator: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			log.Warn().Err(srcErr).Msg("migrator source close error")
		}
		if dbErr != nil {
			log.Warn().Err(dbErr).Msg("migrator db close error")
		}
	}()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Info().Msg("checkpoint/DLQ schema migrations applied")
	return nil
}

func (c *Connection) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return c.pool.Begin(ctx)
}

// Query executes a query that returns rows
func (c *Connection) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	start := time.Now()
	rows, err := c.pool.Query(ctx, sql, args...)
	duration := time.Since(start)

	if c.metrics != nil {
		c.metrics.RecordDBQuery(extractOperation(sql), extractTableName(sql), duration, err)
	}
	logSlowQuery(sql, duration)

	return rows, err
}

// QueryRow executes a query that returns a single row
func (c *Connection) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	start := time.Now()
	row := c.pool.QueryRow(ctx, sql, args...)
	duration := time.Since(start)

	if c.metrics != nil {
		c.metrics.RecordDBQuery(extractOperation(sql), extractTableName(sql), duration, nil)
	}
	logSlowQuery(sql, duration)

	return row
}

// Exec executes a query that doesn't return rows
func (c *Connection) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	start := time.Now()
	tag, err := c.pool.Exec(ctx, sql, args...)
	duration := time.Since(start)

	if c.metrics != nil {
		c.metrics.RecordDBQuery(extractOperation(sql), extractTableName(sql), duration, err)
	}
	logSlowQuery(sql, duration)

	return tag, err
}

// Health checks the health of the database connection
func (c *Connection) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var result int
	if err := c.QueryRow(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("unexpected health check result: %d", result)
	}
	return nil
}

// Stats returns database connection pool statistics
func (c *Connection) Stats() *pgxpool.Stat {
	return c.pool.Stat()
}

func logSlowQuery(sql string, duration time.Duration) {
	if duration <= 1*time.Second {
		return
	}
	log.Warn().
		Dur("duration", duration).
		Int64("duration_ms", duration.Milliseconds()).
		Str("query", truncateQuery(sql, 200)).
		Bool("slow_query", true).
		Msg("slow query detected")
}

// truncateQuery truncates a SQL query to a maximum length for logging
func truncateQuery(query string, maxLen int) string {
	if len(query) <= maxLen {
		return query
	}
	return query[:maxLen] + "... (truncated)"
}
