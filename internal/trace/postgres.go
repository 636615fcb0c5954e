package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ongoingai/agentops/migrations"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	*sqlEventStore
	DSN string
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{
		sqlEventStore: newSQLEventStore(db, postgresDialect()),
		DSN:           dsn,
	}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func postgresDialect() dialect {
	return dialect{
		name:   "postgres",
		rebind: rebindDollar,
		timeArg: func(value time.Time) any {
			return value.UTC()
		},
		bucketExpression: postgresBucketExpression,
		// Other agentops instances may ingest the same trace; the row lock
		// extends the in-process trace lock across them.
		rowLock:           " FOR UPDATE",
		isUniqueViolation: isPostgresUniqueViolation,
	}
}

func (s *PostgresStore) CreateProject(ctx context.Context, project *Project) error {
	return s.createProject(ctx, project)
}

func (s *PostgresStore) UpdateProjectKey(ctx context.Context, id uuid.UUID, keyHash, keyPrefix string) error {
	return s.updateProjectKey(ctx, id, keyHash, keyPrefix)
}

// WriteIngest persists batch and refreshes the trace rollup fields in one
// transaction.
func (s *PostgresStore) WriteIngest(ctx context.Context, batch *IngestBatch) error {
	if batch == nil || batch.Trace == nil {
		return nil
	}

	release := s.locks.lock(batch.TraceID())
	defer release()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return s.writeIngestTx(ctx, tx, batch)
	})
	if err != nil {
		if isPostgresForeignKeyViolation(err) {
			return fmt.Errorf("write ingest %q: project %s does not exist: %w", batch.TraceID(), batch.ProjectID, ErrNotFound)
		}
		return fmt.Errorf("write ingest %q: %w", batch.TraceID(), err)
	}
	return nil
}

func postgresBucketExpression(column string, granularity Granularity) (string, error) {
	switch granularity {
	case GranularityHour, GranularityDay, GranularityWeek:
		return "date_trunc('" + string(granularity) + "', " + column + " AT TIME ZONE 'UTC')", nil
	default:
		return "", fmt.Errorf("invalid granularity: %q", granularity)
	}
}

func (s *PostgresStore) configure() error {
	if s.db == nil {
		return fmt.Errorf("postgres database is not initialized")
	}

	s.db.SetMaxOpenConns(20)
	s.db.SetMaxIdleConns(10)
	s.db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) ensureSchema() error {
	if err := migrations.Apply(context.Background(), s.db, migrations.DriverPostgres); err != nil {
		return fmt.Errorf("ensure postgres schema: %w", err)
	}
	return nil
}

func isPostgresForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func isPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
