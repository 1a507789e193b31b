package sqlite_queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/pmkol/offsync/pkg/syncqueue"
	"github.com/pmkol/offsync/pkg/syncqueue/sqlite_queue/migrations"
)

var nopLogger = zap.NewNop()

const (
	defaultMaxAttempts = 5
	// DefaultLeaseTTL is used when Opts.LeaseTTL is not set.
	DefaultLeaseTTL = 5 * time.Minute
	candidateLimit     = 16
)

type Opts struct {
	// Path of the database file. Cannot be empty.
	Path string

	// MaxAttempts is the attempt ceiling before an item is dead-lettered.
	// Default is 5.
	MaxAttempts int

	// LeaseTTL is how long an inflight item stays claimed. Items whose
	// lease expired are claimable again. Default is 5m.
	LeaseTTL time.Duration

	Backoff syncqueue.Backoff

	Now    func() time.Time
	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	if strings.TrimSpace(opts.Path) == "" {
		return errors.New("storage path is required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Queue is a syncqueue.Queue persisted in SQLite.
type Queue struct {
	opts  Opts
	sqlDB *sql.DB
}

var _ syncqueue.Queue = (*Queue)(nil)

// Open opens the queue database and applies bundled migrations.
func Open(opts Opts) (*Queue, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}

	dsn := filepath.Clean(opts.Path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time. Claims are serialized by the connection.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Queue{opts: opts, sqlDB: sqlDB}, nil
}

func (q *Queue) Close() error {
	if q == nil || q.sqlDB == nil {
		return nil
	}
	return q.sqlDB.Close()
}

func (q *Queue) Enqueue(ctx context.Context, m *syncqueue.Mutation) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if m == nil || strings.TrimSpace(m.URL) == "" {
		return 0, errors.New("mutation url is required")
	}
	endpoint := m.Endpoint
	if endpoint == "" {
		e, err := syncqueue.EndpointOf(m.URL)
		if err != nil {
			return 0, err
		}
		endpoint = e
	}
	method := strings.ToUpper(m.Method)
	if method == "" {
		method = http.MethodPost
	}
	hdr, err := json.Marshal(m.Header)
	if err != nil {
		return 0, fmt.Errorf("encode header: %w", err)
	}

	now := q.opts.Now()
	if !m.EnqueuedAt.IsZero() {
		now = m.EnqueuedAt
	}
	res, err := q.sqlDB.ExecContext(ctx, `
INSERT INTO sync_queue (
	url, method, header_json, body, endpoint, status,
	attempts, next_attempt_at, last_error, enqueued_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, 0, ?, '', ?, ?)
`,
		m.URL, method, string(hdr), m.Body, endpoint, syncqueue.StatusPending,
		toMillis(now), toMillis(now), toMillis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue mutation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue mutation id: %w", err)
	}
	return id, nil
}

const selectColumns = `
	id, url, method, header_json, body, endpoint, status, attempts,
	next_attempt_at, lease_expires_at, last_error, enqueued_at, dead_at`

type scanner func(dest ...any) error

func scanMutation(scan scanner) (*syncqueue.Mutation, error) {
	var (
		m              syncqueue.Mutation
		hdr            string
		status         string
		nextAttemptAt  int64
		enqueuedAt     int64
		leaseExpiresAt sql.NullInt64
		deadAt         sql.NullInt64
	)
	if err := scan(
		&m.ID, &m.URL, &m.Method, &hdr, &m.Body, &m.Endpoint, &status, &m.Attempts,
		&nextAttemptAt, &leaseExpiresAt, &m.LastError, &enqueuedAt, &deadAt,
	); err != nil {
		return nil, err
	}
	if hdr != "" && hdr != "null" {
		if err := json.Unmarshal([]byte(hdr), &m.Header); err != nil {
			return nil, fmt.Errorf("decode header of %d: %w", m.ID, err)
		}
	}
	m.Status = syncqueue.Status(status)
	m.NextAttemptAt = fromMillis(nextAttemptAt)
	m.EnqueuedAt = fromMillis(enqueuedAt)
	if leaseExpiresAt.Valid {
		m.LeaseExpiresAt = fromMillis(leaseExpiresAt.Int64)
	}
	if deadAt.Valid {
		m.DeadAt = fromMillis(deadAt.Int64)
	}
	return &m, nil
}

// readyCond matches claimable rows of the outer table alias q: retryable
// items that are due, or inflight items whose lease expired.
const readyCond = `
	(
		(q.status IN (?, ?) AND q.next_attempt_at <= ?)
		OR
		(q.status = ? AND q.lease_expires_at IS NOT NULL AND q.lease_expires_at <= ?)
	)`

func readyArgs(now int64) []any {
	return []any{
		syncqueue.StatusPending, syncqueue.StatusFailedTransient, now,
		syncqueue.StatusInflight, now,
	}
}

func (q *Queue) DequeueNextReady(ctx context.Context, now time.Time, prefixes ...string) (*syncqueue.Mutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if now.IsZero() {
		now = q.opts.Now()
	}
	nowMs := toMillis(now)

	var prefixCond strings.Builder
	args := readyArgs(nowMs)
	args = append(args, syncqueue.StatusDead)
	if len(prefixes) > 0 {
		prefixCond.WriteString("AND (")
		for i, p := range prefixes {
			if i > 0 {
				prefixCond.WriteString(" OR ")
			}
			prefixCond.WriteString("substr(q.endpoint, 1, length(?)) = ?")
			args = append(args, p, p)
		}
		prefixCond.WriteString(")")
	}
	args = append(args, candidateLimit)

	tx, err := q.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("start dequeue transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Only the head of each endpoint is a candidate: no earlier item of the
	// same endpoint may still be queued, inflight or waiting for a retry.
	rows, err := tx.QueryContext(ctx, `
SELECT q.id
FROM sync_queue q
WHERE `+readyCond+`
AND NOT EXISTS (
	SELECT 1 FROM sync_queue p
	WHERE p.endpoint = q.endpoint AND p.id < q.id AND p.status != ?
)
`+prefixCond.String()+`
ORDER BY q.next_attempt_at ASC, q.id ASC
LIMIT ?
`, args...)
	if err != nil {
		return nil, fmt.Errorf("select dequeue candidates: %w", err)
	}
	var candidateIDs []int64
	for rows.Next() {
		var id int64
		if scanErr := rows.Scan(&id); scanErr != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan dequeue candidate: %w", scanErr)
		}
		candidateIDs = append(candidateIDs, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate dequeue candidates: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close dequeue candidates: %w", err)
	}

	leaseExpiresAt := toMillis(now.Add(q.opts.LeaseTTL))
	for _, id := range candidateIDs {
		updateArgs := append([]any{syncqueue.StatusInflight, leaseExpiresAt, nowMs, id}, readyArgs(nowMs)...)
		result, err := tx.ExecContext(ctx, `
UPDATE sync_queue AS q
SET status = ?, lease_expires_at = ?, updated_at = ?
WHERE q.id = ?
AND `+readyCond, updateArgs...)
		if err != nil {
			return nil, fmt.Errorf("claim mutation %d: %w", id, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim rows affected for %d: %w", id, err)
		}
		if n == 0 {
			continue
		}

		m, err := scanMutation(tx.QueryRowContext(ctx, "SELECT"+selectColumns+" FROM sync_queue WHERE id = ?", id).Scan)
		if err != nil {
			return nil, fmt.Errorf("scan claimed mutation %d: %w", id, err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit dequeue transaction: %w", err)
		}
		return m, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit empty dequeue transaction: %w", err)
	}
	return nil, nil
}

func (q *Queue) MarkSucceeded(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	result, err := q.sqlDB.ExecContext(ctx,
		"DELETE FROM sync_queue WHERE id = ? AND status = ?",
		id, syncqueue.StatusInflight,
	)
	if err != nil {
		return fmt.Errorf("mark mutation succeeded: %w", err)
	}
	return rowsAffectedOrNotFound(result, id)
}

func (q *Queue) MarkFailed(ctx context.Context, id int64, permanent bool, cause error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := q.opts.Now()
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	tx, err := q.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("start mark failed transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var attempts int
	var status string
	err = tx.QueryRowContext(ctx, "SELECT attempts, status FROM sync_queue WHERE id = ?", id).Scan(&attempts, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", syncqueue.ErrNotFound, id)
		}
		return fmt.Errorf("load mutation %d: %w", id, err)
	}
	if syncqueue.Status(status) != syncqueue.StatusInflight {
		return fmt.Errorf("%w: %d is %s", syncqueue.ErrNotFound, id, status)
	}
	attempts++

	var result sql.Result
	if permanent || attempts >= q.opts.MaxAttempts {
		result, err = tx.ExecContext(ctx, `
UPDATE sync_queue
SET status = ?, attempts = ?, last_error = ?, lease_expires_at = NULL, dead_at = ?, updated_at = ?
WHERE id = ? AND status = ?
`, syncqueue.StatusDead, attempts, reason, toMillis(now), toMillis(now), id, syncqueue.StatusInflight)
		q.opts.Logger.Warn("mutation dead-lettered",
			zap.Int64("id", id), zap.Int("attempts", attempts), zap.Bool("permanent", permanent), zap.String("error", reason))
	} else {
		next := now.Add(q.opts.Backoff.Delay(attempts))
		result, err = tx.ExecContext(ctx, `
UPDATE sync_queue
SET status = ?, attempts = ?, last_error = ?, lease_expires_at = NULL, next_attempt_at = ?, updated_at = ?
WHERE id = ? AND status = ?
`, syncqueue.StatusFailedTransient, attempts, reason, toMillis(next), toMillis(now), id, syncqueue.StatusInflight)
	}
	if err != nil {
		return fmt.Errorf("mark mutation failed: %w", err)
	}
	if err := rowsAffectedOrNotFound(result, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark failed transaction: %w", err)
	}
	return nil
}

func (q *Queue) Get(ctx context.Context, id int64) (*syncqueue.Mutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := scanMutation(q.sqlDB.QueryRowContext(ctx, "SELECT"+selectColumns+" FROM sync_queue WHERE id = ?", id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", syncqueue.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get mutation: %w", err)
	}
	return m, nil
}

func (q *Queue) ListDead(ctx context.Context) ([]*syncqueue.Mutation, error) {
	return q.list(ctx, syncqueue.StatusDead)
}

// List returns the items with status, or all items if status is empty,
// in id order.
func (q *Queue) List(ctx context.Context, status syncqueue.Status) ([]*syncqueue.Mutation, error) {
	return q.list(ctx, status)
}

func (q *Queue) list(ctx context.Context, status syncqueue.Status) ([]*syncqueue.Mutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := q.sqlDB.QueryContext(ctx,
		"SELECT"+selectColumns+" FROM sync_queue WHERE (? = '' OR status = ?) ORDER BY id ASC",
		status, status,
	)
	if err != nil {
		return nil, fmt.Errorf("list mutations: %w", err)
	}
	defer rows.Close()

	var out []*syncqueue.Mutation
	for rows.Next() {
		m, err := scanMutation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan mutation: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mutations: %w", err)
	}
	return out, nil
}

func (q *Queue) Requeue(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := toMillis(q.opts.Now())
	result, err := q.sqlDB.ExecContext(ctx, `
UPDATE sync_queue
SET status = ?, attempts = 0, next_attempt_at = ?, last_error = '', dead_at = NULL, updated_at = ?
WHERE id = ? AND status = ?
`, syncqueue.StatusPending, now, now, id, syncqueue.StatusDead)
	if err != nil {
		return fmt.Errorf("requeue mutation: %w", err)
	}
	return rowsAffectedOrNotFound(result, id)
}

func (q *Queue) PurgeDead(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	result, err := q.sqlDB.ExecContext(ctx, "DELETE FROM sync_queue WHERE status = ?", syncqueue.StatusDead)
	if err != nil {
		return 0, fmt.Errorf("purge dead mutations: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rows affected: %w", err)
	}
	return int(n), nil
}

func (q *Queue) Stats(ctx context.Context) (syncqueue.Stats, error) {
	var s syncqueue.Stats
	if err := ctx.Err(); err != nil {
		return s, err
	}
	rows, err := q.sqlDB.QueryContext(ctx, "SELECT status, COUNT(*) FROM sync_queue GROUP BY status")
	if err != nil {
		return s, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return s, fmt.Errorf("scan queue stats: %w", err)
		}
		switch syncqueue.Status(status) {
		case syncqueue.StatusPending:
			s.Pending = n
		case syncqueue.StatusInflight:
			s.Inflight = n
		case syncqueue.StatusFailedTransient:
			s.FailedTransient = n
		case syncqueue.StatusDead:
			s.Dead = n
		}
	}
	return s, rows.Err()
}

func rowsAffectedOrNotFound(result sql.Result, id int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", syncqueue.ErrNotFound, id)
	}
	return nil
}
