package trace

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ongoingai/agentops/migrations"

	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is fixed width so text comparisons order like the
// timestamps they encode, and SQLite date functions still parse it.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

type SQLiteStore struct {
	*sqlEventStore
	Path string
	// SQLite allows only one writer at a time; serialize writes to avoid
	// SQLITE_BUSY contention between concurrent ingest requests.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{
		sqlEventStore: newSQLEventStore(db, sqliteDialect()),
		Path:          path,
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

func sqliteDialect() dialect {
	return dialect{
		name: "sqlite",
		timeArg: func(value time.Time) any {
			return value.UTC().Format(sqliteTimeLayout)
		},
		bucketExpression:  sqliteBucketExpression,
		isUniqueViolation: isSQLiteUniqueViolation,
	}
}

func (s *SQLiteStore) CreateProject(ctx context.Context, project *Project) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		return s.createProject(ctx, project)
	})
}

func (s *SQLiteStore) UpdateProjectKey(ctx context.Context, id uuid.UUID, keyHash, keyPrefix string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		return s.updateProjectKey(ctx, id, keyHash, keyPrefix)
	})
}

// WriteIngest persists batch and refreshes the trace rollup fields in one
// transaction.
func (s *SQLiteStore) WriteIngest(ctx context.Context, batch *IngestBatch) error {
	if batch == nil || batch.Trace == nil {
		return nil
	}

	release := s.locks.lock(batch.TraceID())
	defer release()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := retrySQLiteBusy(ctx, func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			return s.writeIngestTx(ctx, tx, batch)
		})
	})
	if err != nil {
		return fmt.Errorf("write ingest %q: %w", batch.TraceID(), err)
	}
	return nil
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries transient lock contention so ingest batches are not
// rejected while another connection holds the write lock.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer()
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}

func isSQLiteUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func sqliteBucketExpression(column string, granularity Granularity) (string, error) {
	switch granularity {
	case GranularityHour:
		return "strftime('%Y-%m-%dT%H:00:00Z', " + column + ")", nil
	case GranularityDay:
		return "strftime('%Y-%m-%dT00:00:00Z', " + column + ")", nil
	case GranularityWeek:
		// Weeks start on Monday, matching date_trunc('week', ...) in Postgres.
		return "strftime('%Y-%m-%dT00:00:00Z', datetime(" + column + ", '-' || ((CAST(strftime('%w', " + column + ") AS INTEGER) + 6) % 7) || ' days'))", nil
	default:
		return "", fmt.Errorf("invalid granularity: %q", granularity)
	}
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ensureSchema() error {
	if err := migrations.Apply(context.Background(), s.db, migrations.DriverSQLite); err != nil {
		return fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return nil
}
