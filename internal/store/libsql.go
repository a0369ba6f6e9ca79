package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/mediaflow/pkg/schema"
)

const invocationColumns = `id, event_id, event_name, handler_id, dedup_key, status, attempt, max_attempts,
	next_run_at, lease_owner, lease_until, output, error, created_at, started_at, completed_at, updated_at`

const triggerColumns = `id, cron_expression, event_name, payload, enabled, next_run_at,
	last_run_at, last_run_status, created_at, updated_at`

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/mediaflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB so domain record stores can share the file.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Events ---

func (s *LibSQLStore) CreateEvent(ctx context.Context, ev *Event) (bool, error) {
	ev.ReceivedAt = timeOrNow(ev.ReceivedAt)
	data := string(ev.Data)
	if data == "" {
		data = "{}"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, name, data, received_at, dispatched_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		ev.ID, ev.Name, data, ev.ReceivedAt, nullTime(ev.DispatchedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *LibSQLStore) GetEvent(ctx context.Context, id string) (*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, data, received_at, dispatched_at FROM events WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, storeNotFound("event", id)
	}
	return events[0], nil
}

func (s *LibSQLStore) ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.Undispatched {
		where = append(where, "dispatched_at IS NULL")
	}

	query := `SELECT id, name, data, received_at, dispatched_at FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY received_at ASC"
	query += limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) MarkEventDispatched(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET dispatched_at = COALESCE(dispatched_at, ?) WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "event", id)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var data string
		var dispatched sql.NullTime
		if err := rows.Scan(&e.ID, &e.Name, &data, &e.ReceivedAt, &dispatched); err != nil {
			return nil, err
		}
		e.Data = []byte(data)
		if dispatched.Valid {
			e.DispatchedAt = &dispatched.Time
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Invocations ---

func (s *LibSQLStore) CreateInvocation(ctx context.Context, inv *Invocation) (*Invocation, bool, error) {
	now := time.Now().UTC()
	inv.CreatedAt = timeOrNow(inv.CreatedAt)
	inv.UpdatedAt = now
	if inv.Status == "" {
		inv.Status = schema.InvocationPending
	}
	if inv.Attempt == 0 {
		inv.Attempt = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations (id, event_id, event_name, handler_id, dedup_key, status, attempt, max_attempts, next_run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(handler_id, dedup_key) DO NOTHING`,
		inv.ID, inv.EventID, inv.EventName, inv.HandlerID, inv.DedupKey, string(inv.Status),
		inv.Attempt, inv.MaxAttempts, toMillis(inv.NextRunAt), inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert invocation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 1 {
		return inv, true, nil
	}

	existing, err := s.queryInvocation(ctx,
		`SELECT `+invocationColumns+` FROM invocations WHERE handler_id = ? AND dedup_key = ?`,
		inv.HandlerID, inv.DedupKey)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, schema.NewErrorf(schema.ErrCodeConflict,
			"invocation id %q already used", inv.ID)
	}
	return existing, false, nil
}

func (s *LibSQLStore) GetInvocation(ctx context.Context, id string) (*Invocation, error) {
	inv, err := s.queryInvocation(ctx, `SELECT `+invocationColumns+` FROM invocations WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, storeNotFound("invocation", id)
	}
	return inv, nil
}

func (s *LibSQLStore) ListInvocations(ctx context.Context, filter InvocationFilter) ([]*Invocation, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.HandlerID != "" {
		where = append(where, "handler_id = ?")
		args = append(args, filter.HandlerID)
	}
	if filter.EventID != "" {
		where = append(where, "event_id = ?")
		args = append(args, filter.EventID)
	}

	query := `SELECT ` + invocationColumns + ` FROM invocations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	query += limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInvocations(rows)
}

func (s *LibSQLStore) ListDueInvocations(ctx context.Context, now time.Time, limit int) ([]*Invocation, error) {
	ms := now.UnixMilli()
	query := `SELECT ` + invocationColumns + ` FROM invocations
		WHERE status IN ('pending', 'running')
		  AND (next_run_at IS NULL OR next_run_at <= ?)
		  AND (lease_until IS NULL OR lease_until < ?)
		ORDER BY COALESCE(next_run_at, 0) ASC, created_at ASC`
	query += limitOffset(limit, 0)

	rows, err := s.db.QueryContext(ctx, query, ms, ms)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInvocations(rows)
}

func (s *LibSQLStore) ClaimInvocation(ctx context.Context, id, owner string, now, leaseUntil time.Time) (bool, error) {
	ms := now.UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE invocations
		 SET status = 'running', lease_owner = ?, lease_until = ?, next_run_at = NULL,
		     started_at = COALESCE(started_at, ?), updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'running')
		   AND (next_run_at IS NULL OR next_run_at <= ?)
		   AND (lease_until IS NULL OR lease_until < ?)`,
		owner, leaseUntil.UnixMilli(), now.UTC(), now.UTC(), id, ms, ms,
	)
	if err != nil {
		return false, fmt.Errorf("claim invocation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *LibSQLStore) RenewLease(ctx context.Context, id, owner string, leaseUntil time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE invocations SET lease_until = ?, updated_at = ?
		 WHERE id = ? AND lease_owner = ? AND status = 'running'`,
		leaseUntil.UnixMilli(), time.Now().UTC(), id, owner,
	)
	if err != nil {
		return err
	}
	return checkLeaseHeld(res, id, owner)
}

func (s *LibSQLStore) ReleaseInvocation(ctx context.Context, id, owner string, rel Release) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE invocations
		 SET attempt = ?, next_run_at = ?, error = COALESCE(?, error),
		     lease_owner = NULL, lease_until = NULL, updated_at = ?
		 WHERE id = ? AND lease_owner = ? AND status = 'running'`,
		rel.Attempt, rel.NextRunAt.UnixMilli(), nullRaw(rel.Error), time.Now().UTC(), id, owner,
	)
	if err != nil {
		return err
	}
	return checkLeaseHeld(res, id, owner)
}

func (s *LibSQLStore) FinishInvocation(ctx context.Context, id, owner string, fin Finish) (bool, error) {
	if !fin.Status.IsTerminal() {
		return false, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot finish invocation %s with status %s", id, fin.Status)
	}
	completed := timeOrNow(fin.CompletedAt)
	res, err := s.db.ExecContext(ctx,
		`UPDATE invocations
		 SET status = ?, output = ?, error = ?, completed_at = ?,
		     lease_owner = NULL, lease_until = NULL, next_run_at = NULL, updated_at = ?
		 WHERE id = ? AND lease_owner = ? AND status = 'running'`,
		string(fin.Status), nullRaw(fin.Output), nullRaw(fin.Error), completed, completed, id, owner,
	)
	if err != nil {
		return false, fmt.Errorf("finish invocation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *LibSQLStore) queryInvocation(ctx context.Context, query string, args ...any) (*Invocation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	invs, err := scanInvocations(rows)
	if err != nil || len(invs) == 0 {
		return nil, err
	}
	return invs[0], nil
}

func scanInvocations(rows *sql.Rows) ([]*Invocation, error) {
	var invs []*Invocation
	for rows.Next() {
		inv := &Invocation{}
		var (
			status                 string
			nextRun, leaseUntil    sql.NullInt64
			leaseOwner             sql.NullString
			output, errJSON        sql.NullString
			startedAt, completedAt sql.NullTime
		)
		if err := rows.Scan(
			&inv.ID, &inv.EventID, &inv.EventName, &inv.HandlerID, &inv.DedupKey, &status,
			&inv.Attempt, &inv.MaxAttempts, &nextRun, &leaseOwner, &leaseUntil, &output, &errJSON,
			&inv.CreatedAt, &startedAt, &completedAt, &inv.UpdatedAt,
		); err != nil {
			return nil, err
		}
		inv.Status = schema.InvocationStatus(status)
		inv.NextRunAt = fromMillis(nextRun)
		inv.LeaseOwner = leaseOwner.String
		inv.LeaseUntil = fromMillis(leaseUntil)
		inv.Output = rawOrNil(output)
		inv.Error = rawOrNil(errJSON)
		if startedAt.Valid {
			inv.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			inv.CompletedAt = &completedAt.Time
		}
		invs = append(invs, inv)
	}
	return invs, rows.Err()
}

// --- Step Records ---

func (s *LibSQLStore) GetStep(ctx context.Context, invocationID, name string) (*StepRecord, error) {
	rec := &StepRecord{}
	var output sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT invocation_id, name, ordinal, output, attempt, completed_at
		 FROM step_records WHERE invocation_id = ? AND name = ?`, invocationID, name,
	).Scan(&rec.InvocationID, &rec.Name, &rec.Ordinal, &output, &rec.Attempt, &rec.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Output = rawOrNil(output)
	return rec, nil
}

func (s *LibSQLStore) PutStep(ctx context.Context, rec *StepRecord) (*StepRecord, error) {
	rec.CompletedAt = timeOrNow(rec.CompletedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_records (invocation_id, name, ordinal, output, attempt, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(invocation_id, name) DO NOTHING`,
		rec.InvocationID, rec.Name, rec.Ordinal, nullRaw(rec.Output), rec.Attempt, rec.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert step record: %w", err)
	}
	stored, err := s.GetStep(ctx, rec.InvocationID, rec.Name)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"step %q of invocation %s vanished after insert", rec.Name, rec.InvocationID)
	}
	return stored, nil
}

func (s *LibSQLStore) ListSteps(ctx context.Context, invocationID string) ([]*StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT invocation_id, name, ordinal, output, attempt, completed_at
		 FROM step_records WHERE invocation_id = ? ORDER BY ordinal ASC, completed_at ASC`, invocationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*StepRecord
	for rows.Next() {
		rec := &StepRecord{}
		var output sql.NullString
		if err := rows.Scan(&rec.InvocationID, &rec.Name, &rec.Ordinal, &output, &rec.Attempt, &rec.CompletedAt); err != nil {
			return nil, err
		}
		rec.Output = rawOrNil(output)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- Invocation Log ---

func (s *LibSQLStore) AppendLog(ctx context.Context, entry *LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM invocation_log WHERE invocation_id = ?`, entry.InvocationID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	entry.Sequence = seq
	entry.Timestamp = timeOrNow(entry.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO invocation_log (invocation_id, step, type, payload, attempt, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.InvocationID, nullStr(entry.Step), entry.Type, nullRaw(entry.Payload), entry.Attempt, entry.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit log entry: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetLog(ctx context.Context, invocationID string, since int64) ([]*LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, invocation_id, step, type, payload, attempt, timestamp, sequence
		 FROM invocation_log WHERE invocation_id = ? AND sequence > ? ORDER BY sequence ASC`,
		invocationID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		e := &LogEntry{}
		var step, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.InvocationID, &step, &e.Type, &payload, &e.Attempt, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Step = step.String
		e.Payload = rawOrNil(payload)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Scheduled Triggers ---

// UpsertTrigger inserts or updates a trigger definition. An existing
// next_run_at survives the update while the cron expression is unchanged, so
// restarts do not skip a slot that is already due.
func (s *LibSQLStore) UpsertTrigger(ctx context.Context, trig *ScheduledTrigger) error {
	now := time.Now().UTC()
	trig.CreatedAt = timeOrNow(trig.CreatedAt)
	trig.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_triggers (id, cron_expression, event_name, payload, enabled, next_run_at, last_run_at, last_run_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   event_name = excluded.event_name,
		   payload = excluded.payload,
		   next_run_at = CASE
		     WHEN scheduled_triggers.cron_expression = excluded.cron_expression
		      AND scheduled_triggers.enabled = 1
		      AND scheduled_triggers.next_run_at IS NOT NULL
		     THEN scheduled_triggers.next_run_at
		     ELSE excluded.next_run_at END,
		   cron_expression = excluded.cron_expression,
		   enabled = excluded.enabled,
		   updated_at = excluded.updated_at`,
		trig.ID, trig.CronExpression, trig.EventName, nullStr(trig.Payload), boolToInt(trig.Enabled),
		toMillis(trig.NextRunAt), nullTime(trig.LastRunAt), nullStr(trig.LastRunStatus), trig.CreatedAt, trig.UpdatedAt,
	)
	return err
}

func (s *LibSQLStore) GetTrigger(ctx context.Context, id string) (*ScheduledTrigger, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+triggerColumns+` FROM scheduled_triggers WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	trigs, err := scanTriggers(rows)
	if err != nil {
		return nil, err
	}
	if len(trigs) == 0 {
		return nil, storeNotFound("trigger", id)
	}
	return trigs[0], nil
}

func (s *LibSQLStore) ListTriggers(ctx context.Context, filter TriggerFilter) ([]*ScheduledTrigger, error) {
	var where []string
	var args []any
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}
	if filter.DueBy != nil {
		where = append(where, "next_run_at IS NOT NULL AND next_run_at <= ?")
		args = append(args, filter.DueBy.UnixMilli())
	}

	query := `SELECT ` + triggerColumns + ` FROM scheduled_triggers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY next_run_at ASC, id ASC"
	query += limitOffset(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTriggers(rows)
}

// ClaimTriggerRun advances a trigger from slot to next only if slot is still
// its recorded next run. Exactly one caller wins a given slot.
func (s *LibSQLStore) ClaimTriggerRun(ctx context.Context, id string, slot, next time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_triggers SET next_run_at = ?, last_run_at = ?, updated_at = ?
		 WHERE id = ? AND enabled = 1 AND next_run_at = ?`,
		next.UnixMilli(), slot.UTC(), time.Now().UTC(), id, slot.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("claim trigger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *LibSQLStore) UpdateTriggerStatus(ctx context.Context, id, status string, ranAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_triggers SET last_run_status = ?, last_run_at = ?, updated_at = ? WHERE id = ?`,
		status, ranAt.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "trigger", id)
}

func (s *LibSQLStore) DisableTriggersExcept(ctx context.Context, keep []string) error {
	query := `UPDATE scheduled_triggers SET enabled = 0, updated_at = ? WHERE enabled = 1`
	args := []any{time.Now().UTC()}
	if len(keep) > 0 {
		query += " AND id NOT IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(keep)), ", ") + ")"
		for _, id := range keep {
			args = append(args, id)
		}
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func scanTriggers(rows *sql.Rows) ([]*ScheduledTrigger, error) {
	var trigs []*ScheduledTrigger
	for rows.Next() {
		t := &ScheduledTrigger{}
		var (
			payload, status sql.NullString
			enabled         int
			nextRun         sql.NullInt64
			lastRun         sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.CronExpression, &t.EventName, &payload, &enabled, &nextRun,
			&lastRun, &status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Payload = payload.String
		t.Enabled = enabled == 1
		t.NextRunAt = fromMillis(nextRun)
		t.LastRunStatus = status.String
		if lastRun.Valid {
			t.LastRunAt = &lastRun.Time
		}
		trigs = append(trigs, t)
	}
	return trigs, rows.Err()
}
