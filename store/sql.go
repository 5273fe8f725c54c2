package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// PoolConfig holds connection pool settings for PostgreSQL
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns the pool settings used when none are configured
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// SQLStore implements Store on PostgreSQL or SQLite.
// Queries are written with '?' placeholders and rebound for the driver.
type SQLStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// OpenPostgres connects to PostgreSQL. The schema is managed by migrations.
func OpenPostgres(ctx context.Context, databaseURL string, pool PoolConfig) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	return &SQLStore{db: db, now: time.Now}, nil
}

// OpenSQLite opens or creates a SQLite database and applies the schema
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLStore{db: db, now: time.Now}, nil
}

// DB returns the underlying connection pool
func (s *SQLStore) DB() *sqlx.DB {
	return s.db
}

// Ping checks the database connection
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// InTx runs fn inside a database transaction
func (s *SQLStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{tx: tx, now: s.now}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type sqlTx struct {
	tx  *sqlx.Tx
	now func() time.Time
}

func (t *sqlTx) timestamp() time.Time {
	return t.now().UTC()
}

func (t *sqlTx) get(ctx context.Context, dest any, what string, query string, args ...any) error {
	err := t.tx.GetContext(ctx, dest, t.tx.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", what, err)
	}
	return nil
}

func (t *sqlTx) selectAll(ctx context.Context, dest any, what string, query string, args ...any) error {
	if err := t.tx.SelectContext(ctx, dest, t.tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to list %s: %w", what, err)
	}
	return nil
}

func (t *sqlTx) insert(ctx context.Context, what string, query string, args ...any) (int64, error) {
	var pk int64
	if err := t.tx.QueryRowxContext(ctx, t.tx.Rebind(query), args...).Scan(&pk); err != nil {
		return 0, fmt.Errorf("failed to insert %s: %w", what, err)
	}
	return pk, nil
}

func (t *sqlTx) update(ctx context.Context, what string, pk int64, query string, args ...any) error {
	result, err := t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", what, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %d: %w", what, pk, ErrNotFound)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// Scopes

const scopeColumns = `pk, code, model_id, parent_pk, deleted, created_at, updated_at`

func (t *sqlTx) GetScope(ctx context.Context, pk int64) (*Scope, error) {
	var s Scope
	if err := t.get(ctx, &s, fmt.Sprintf("scope %d", pk),
		`SELECT `+scopeColumns+` FROM scopes WHERE pk = ?`, pk); err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *sqlTx) GetScopeByCode(ctx context.Context, code string) (*Scope, error) {
	var s Scope
	if err := t.get(ctx, &s, fmt.Sprintf("scope with code %s", code),
		`SELECT `+scopeColumns+` FROM scopes WHERE code = ?`, code); err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *sqlTx) ListScopes(ctx context.Context, includeDeleted bool) ([]*Scope, error) {
	var out []*Scope
	query := `SELECT ` + scopeColumns + ` FROM scopes ORDER BY pk`
	if !includeDeleted {
		query = `SELECT ` + scopeColumns + ` FROM scopes WHERE deleted = ? ORDER BY pk`
		return out, t.selectAll(ctx, &out, "scopes", query, false)
	}
	return out, t.selectAll(ctx, &out, "scopes", query)
}

func (t *sqlTx) ListChildScopes(ctx context.Context, parentPK int64) ([]*Scope, error) {
	var out []*Scope
	return out, t.selectAll(ctx, &out, "child scopes",
		`SELECT `+scopeColumns+` FROM scopes WHERE parent_pk = ? ORDER BY pk`, parentPK)
}

func (t *sqlTx) SaveScope(ctx context.Context, s *Scope) error {
	now := t.timestamp()
	if s.PK == 0 {
		pk, err := t.insert(ctx, "scope", `
			INSERT INTO scopes (code, model_id, parent_pk, deleted, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			RETURNING pk
		`, s.Code, s.ModelID, s.ParentPK, s.Deleted, now, now)
		if err != nil {
			return err
		}
		s.PK, s.CreatedAt, s.UpdatedAt = pk, now, now
		return nil
	}
	if err := t.update(ctx, "scope", s.PK, `
		UPDATE scopes SET code = ?, model_id = ?, parent_pk = ?, deleted = ?, updated_at = ?
		WHERE pk = ?
	`, s.Code, s.ModelID, s.ParentPK, s.Deleted, now, s.PK); err != nil {
		return err
	}
	s.UpdatedAt = now
	return nil
}

// Events

const eventColumns = `pk, scope_pk, model_id, date, deleted, created_at, updated_at`

func (t *sqlTx) GetEvent(ctx context.Context, pk int64) (*Event, error) {
	var e Event
	if err := t.get(ctx, &e, fmt.Sprintf("event %d", pk),
		`SELECT `+eventColumns+` FROM events WHERE pk = ?`, pk); err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *sqlTx) ListEvents(ctx context.Context, scopePK int64) ([]*Event, error) {
	var out []*Event
	return out, t.selectAll(ctx, &out, "events",
		`SELECT `+eventColumns+` FROM events WHERE scope_pk = ? ORDER BY pk`, scopePK)
}

func (t *sqlTx) SaveEvent(ctx context.Context, e *Event) error {
	now := t.timestamp()
	if e.PK == 0 {
		pk, err := t.insert(ctx, "event", `
			INSERT INTO events (scope_pk, model_id, date, deleted, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			RETURNING pk
		`, e.ScopePK, e.ModelID, utcPtr(e.Date), e.Deleted, now, now)
		if err != nil {
			return err
		}
		e.PK, e.CreatedAt, e.UpdatedAt = pk, now, now
		return nil
	}
	if err := t.update(ctx, "event", e.PK, `
		UPDATE events SET model_id = ?, date = ?, deleted = ?, updated_at = ? WHERE pk = ?
	`, e.ModelID, utcPtr(e.Date), e.Deleted, now, e.PK); err != nil {
		return err
	}
	e.UpdatedAt = now
	return nil
}

// Datasets

const datasetColumns = `pk, scope_pk, event_pk, model_id, deleted, created_at, updated_at`

func (t *sqlTx) GetDataset(ctx context.Context, pk int64) (*Dataset, error) {
	var d Dataset
	if err := t.get(ctx, &d, fmt.Sprintf("dataset %d", pk),
		`SELECT `+datasetColumns+` FROM datasets WHERE pk = ?`, pk); err != nil {
		return nil, err
	}
	return &d, nil
}

func (t *sqlTx) ListDatasets(ctx context.Context, scopePK int64, eventPK *int64) ([]*Dataset, error) {
	var out []*Dataset
	if eventPK == nil {
		return out, t.selectAll(ctx, &out, "datasets",
			`SELECT `+datasetColumns+` FROM datasets WHERE scope_pk = ? AND event_pk IS NULL ORDER BY pk`, scopePK)
	}
	return out, t.selectAll(ctx, &out, "datasets",
		`SELECT `+datasetColumns+` FROM datasets WHERE scope_pk = ? AND event_pk = ? ORDER BY pk`, scopePK, *eventPK)
}

func (t *sqlTx) SaveDataset(ctx context.Context, d *Dataset) error {
	now := t.timestamp()
	if d.PK == 0 {
		pk, err := t.insert(ctx, "dataset", `
			INSERT INTO datasets (scope_pk, event_pk, model_id, deleted, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			RETURNING pk
		`, d.ScopePK, d.EventPK, d.ModelID, d.Deleted, now, now)
		if err != nil {
			return err
		}
		d.PK, d.CreatedAt, d.UpdatedAt = pk, now, now
		return nil
	}
	if err := t.update(ctx, "dataset", d.PK, `
		UPDATE datasets SET model_id = ?, deleted = ?, updated_at = ? WHERE pk = ?
	`, d.ModelID, d.Deleted, now, d.PK); err != nil {
		return err
	}
	d.UpdatedAt = now
	return nil
}

// Fields

const fieldColumns = `pk, dataset_pk, model_id, value, created_at, updated_at`

func (t *sqlTx) GetField(ctx context.Context, pk int64) (*Field, error) {
	var f Field
	if err := t.get(ctx, &f, fmt.Sprintf("field %d", pk),
		`SELECT `+fieldColumns+` FROM fields WHERE pk = ?`, pk); err != nil {
		return nil, err
	}
	return &f, nil
}

func (t *sqlTx) ListFields(ctx context.Context, datasetPK int64) ([]*Field, error) {
	var out []*Field
	return out, t.selectAll(ctx, &out, "fields",
		`SELECT `+fieldColumns+` FROM fields WHERE dataset_pk = ? ORDER BY pk`, datasetPK)
}

func (t *sqlTx) SaveField(ctx context.Context, f *Field) error {
	now := t.timestamp()
	if f.PK == 0 {
		pk, err := t.insert(ctx, "field", `
			INSERT INTO fields (dataset_pk, model_id, value, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			RETURNING pk
		`, f.DatasetPK, f.ModelID, f.Value, now, now)
		if err != nil {
			return err
		}
		f.PK, f.CreatedAt, f.UpdatedAt = pk, now, now
		return nil
	}
	if err := t.update(ctx, "field", f.PK, `
		UPDATE fields SET value = ?, updated_at = ? WHERE pk = ?
	`, f.Value, now, f.PK); err != nil {
		return err
	}
	f.UpdatedAt = now
	return nil
}

// Workflow statuses

const statusColumns = `pk, scope_pk, event_pk, dataset_pk, workflow_id, state_id, created_at, updated_at`

func (t *sqlTx) GetWorkflowStatus(ctx context.Context, pk int64) (*WorkflowStatus, error) {
	var w WorkflowStatus
	if err := t.get(ctx, &w, fmt.Sprintf("workflow status %d", pk),
		`SELECT `+statusColumns+` FROM workflow_statuses WHERE pk = ?`, pk); err != nil {
		return nil, err
	}
	return &w, nil
}

func (t *sqlTx) ListWorkflowStatuses(ctx context.Context, owner Owner) ([]*WorkflowStatus, error) {
	query := `SELECT ` + statusColumns + ` FROM workflow_statuses WHERE scope_pk = ?`
	args := []any{owner.ScopePK}
	if owner.EventPK == nil {
		query += ` AND event_pk IS NULL`
	} else {
		query += ` AND event_pk = ?`
		args = append(args, *owner.EventPK)
	}
	if owner.DatasetPK == nil {
		query += ` AND dataset_pk IS NULL`
	} else {
		query += ` AND dataset_pk = ?`
		args = append(args, *owner.DatasetPK)
	}
	query += ` ORDER BY pk`

	var out []*WorkflowStatus
	return out, t.selectAll(ctx, &out, "workflow statuses", query, args...)
}

func (t *sqlTx) SaveWorkflowStatus(ctx context.Context, w *WorkflowStatus) error {
	now := t.timestamp()
	if w.PK == 0 {
		pk, err := t.insert(ctx, "workflow status", `
			INSERT INTO workflow_statuses (scope_pk, event_pk, dataset_pk, workflow_id, state_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			RETURNING pk
		`, w.ScopePK, w.EventPK, w.DatasetPK, w.WorkflowID, w.StateID, now, now)
		if err != nil {
			return err
		}
		w.PK, w.CreatedAt, w.UpdatedAt = pk, now, now
		return nil
	}
	if err := t.update(ctx, "workflow status", w.PK, `
		UPDATE workflow_statuses SET state_id = ?, updated_at = ? WHERE pk = ?
	`, w.StateID, now, w.PK); err != nil {
		return err
	}
	w.UpdatedAt = now
	return nil
}

// Audit

func (t *sqlTx) InsertAuditAction(ctx context.Context, a *AuditAction) error {
	pk, err := t.insert(ctx, "audit action", `
		INSERT INTO audit_actions (actor_pk, actor_kind, actor_name, rationale, date)
		VALUES (?, ?, ?, ?, ?)
		RETURNING pk
	`, a.ActorPK, a.ActorKind, a.ActorName, a.Rationale, a.Date.UTC())
	if err != nil {
		return err
	}
	a.PK = pk
	return nil
}

func (t *sqlTx) InsertAuditTrail(ctx context.Context, tr *AuditTrail) error {
	pk, err := t.insert(ctx, "audit trail", `
		INSERT INTO audit_trails (entity, object_pk, action_pk, date, actor, rationale, snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING pk
	`, tr.Entity, tr.ObjectPK, tr.ActionPK, tr.Date.UTC(), tr.Actor, tr.Rationale, tr.Snapshot)
	if err != nil {
		return err
	}
	tr.PK = pk
	return nil
}

func (t *sqlTx) ListAuditTrails(ctx context.Context, entity string, objectPK int64) ([]*AuditTrail, error) {
	var out []*AuditTrail
	return out, t.selectAll(ctx, &out, "audit trails", `
		SELECT pk, entity, object_pk, action_pk, date, actor, rationale, snapshot
		FROM audit_trails
		WHERE entity = ? AND object_pk = ?
		ORDER BY pk
	`, entity, objectPK)
}

// Mails

const mailColumns = `pk, recipients, subject, body, status, attempts, error, sent_at, created_at`

func (t *sqlTx) SaveMail(ctx context.Context, m *Mail) error {
	if m.PK == 0 {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = t.timestamp()
		}
		pk, err := t.insert(ctx, "mail", `
			INSERT INTO mails (recipients, subject, body, status, attempts, error, sent_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING pk
		`, m.Recipients, m.Subject, m.Body, m.Status, m.Attempts, m.Error, utcPtr(m.SentAt), m.CreatedAt.UTC())
		if err != nil {
			return err
		}
		m.PK = pk
		return nil
	}
	return t.update(ctx, "mail", m.PK, `
		UPDATE mails SET recipients = ?, subject = ?, body = ?, status = ?, attempts = ?, error = ?, sent_at = ?
		WHERE pk = ?
	`, m.Recipients, m.Subject, m.Body, m.Status, m.Attempts, m.Error, utcPtr(m.SentAt), m.PK)
}

func (t *sqlTx) ListMails(ctx context.Context, status MailStatus, limit int) ([]*Mail, error) {
	query := `SELECT ` + mailColumns + ` FROM mails`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY pk`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	var out []*Mail
	return out, t.selectAll(ctx, &out, "mails", query, args...)
}

// Sessions

func (t *sqlTx) SaveSession(ctx context.Context, s *Session) error {
	if s.Token == "" {
		return fmt.Errorf("session token is required")
	}
	_, err := t.tx.ExecContext(ctx, t.tx.Rebind(`
		INSERT INTO sessions (token, actor_name, last_access) VALUES (?, ?, ?)
		ON CONFLICT (token) DO UPDATE SET actor_name = excluded.actor_name, last_access = excluded.last_access
	`), s.Token, s.ActorName, s.LastAccess.UTC())
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (t *sqlTx) ListSessions(ctx context.Context) ([]*Session, error) {
	var out []*Session
	return out, t.selectAll(ctx, &out, "sessions",
		`SELECT token, actor_name, last_access FROM sessions ORDER BY token`)
}

func (t *sqlTx) DeleteSessionsIdleSince(ctx context.Context, cutoff time.Time) (int64, error) {
	return t.delete(ctx, "sessions", `DELETE FROM sessions WHERE last_access < ?`, cutoff.UTC())
}

// Files

func (t *sqlTx) SaveFile(ctx context.Context, f *File) error {
	if f.PK == 0 {
		if f.CreatedAt.IsZero() {
			f.CreatedAt = t.timestamp()
		}
		pk, err := t.insert(ctx, "file", `
			INSERT INTO files (uuid, field_pk, submitted, created_at)
			VALUES (?, ?, ?, ?)
			RETURNING pk
		`, f.UUID, f.FieldPK, f.Submitted, f.CreatedAt.UTC())
		if err != nil {
			return err
		}
		f.PK = pk
		return nil
	}
	return t.update(ctx, "file", f.PK, `
		UPDATE files SET field_pk = ?, submitted = ? WHERE pk = ?
	`, f.FieldPK, f.Submitted, f.PK)
}

func (t *sqlTx) ListFiles(ctx context.Context) ([]*File, error) {
	var out []*File
	return out, t.selectAll(ctx, &out, "files",
		`SELECT pk, uuid, field_pk, submitted, created_at FROM files ORDER BY pk`)
}

func (t *sqlTx) DeleteUnsubmittedFilesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return t.delete(ctx, "files",
		`DELETE FROM files WHERE submitted = ? AND created_at < ?`, false, cutoff.UTC())
}

func (t *sqlTx) delete(ctx context.Context, what string, query string, args ...any) (int64, error) {
	result, err := t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete %s: %w", what, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
