package store

import (
	"context"
	"time"
)

// Store runs units of work. Every mutation happens inside InTx: the callback's
// changes are committed when it returns nil and rolled back otherwise.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx is the set of persistence operations available inside a transaction
type Tx interface {
	ScopeTx
	DataTx
	WorkflowTx
	AuditTx
	HousekeepingTx
}

// ScopeTx reads and writes scopes
type ScopeTx interface {
	GetScope(ctx context.Context, pk int64) (*Scope, error)
	GetScopeByCode(ctx context.Context, code string) (*Scope, error)
	// ListScopes returns scopes ordered by pk
	ListScopes(ctx context.Context, includeDeleted bool) ([]*Scope, error)
	ListChildScopes(ctx context.Context, parentPK int64) ([]*Scope, error)
	// SaveScope inserts the scope when its pk is zero and updates it otherwise
	SaveScope(ctx context.Context, s *Scope) error
}

// DataTx reads and writes events, datasets and fields
type DataTx interface {
	GetEvent(ctx context.Context, pk int64) (*Event, error)
	ListEvents(ctx context.Context, scopePK int64) ([]*Event, error)
	SaveEvent(ctx context.Context, e *Event) error

	GetDataset(ctx context.Context, pk int64) (*Dataset, error)
	// ListDatasets returns the datasets of a scope. A nil eventPK selects the
	// datasets attached directly to the scope.
	ListDatasets(ctx context.Context, scopePK int64, eventPK *int64) ([]*Dataset, error)
	SaveDataset(ctx context.Context, d *Dataset) error

	GetField(ctx context.Context, pk int64) (*Field, error)
	ListFields(ctx context.Context, datasetPK int64) ([]*Field, error)
	SaveField(ctx context.Context, f *Field) error
}

// WorkflowTx reads and writes workflow statuses
type WorkflowTx interface {
	GetWorkflowStatus(ctx context.Context, pk int64) (*WorkflowStatus, error)
	// ListWorkflowStatuses returns the statuses attached exactly to owner
	ListWorkflowStatuses(ctx context.Context, owner Owner) ([]*WorkflowStatus, error)
	SaveWorkflowStatus(ctx context.Context, w *WorkflowStatus) error
}

// AuditTx writes audit records
type AuditTx interface {
	InsertAuditAction(ctx context.Context, a *AuditAction) error
	InsertAuditTrail(ctx context.Context, t *AuditTrail) error
	ListAuditTrails(ctx context.Context, entity string, objectPK int64) ([]*AuditTrail, error)
}

// HousekeepingTx covers mails, sessions and files
type HousekeepingTx interface {
	SaveMail(ctx context.Context, m *Mail) error
	ListMails(ctx context.Context, status MailStatus, limit int) ([]*Mail, error)

	SaveSession(ctx context.Context, s *Session) error
	ListSessions(ctx context.Context) ([]*Session, error)
	DeleteSessionsIdleSince(ctx context.Context, cutoff time.Time) (int64, error)

	SaveFile(ctx context.Context, f *File) error
	ListFiles(ctx context.Context) ([]*File, error)
	DeleteUnsubmittedFilesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
