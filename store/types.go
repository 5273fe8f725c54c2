package store

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Scope is a node of the study hierarchy (study, country, center, patient...)
type Scope struct {
	PK        int64     `db:"pk" json:"pk"`
	Code      string    `db:"code" json:"code"`
	ModelID   string    `db:"model_id" json:"modelId"`
	ParentPK  *int64    `db:"parent_pk" json:"parentPk,omitempty"`
	Deleted   bool      `db:"deleted" json:"deleted"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Event is a visit of a scope
type Event struct {
	PK        int64      `db:"pk" json:"pk"`
	ScopePK   int64      `db:"scope_pk" json:"scopePk"`
	ModelID   string     `db:"model_id" json:"modelId"`
	Date      *time.Time `db:"date" json:"date,omitempty"`
	Deleted   bool       `db:"deleted" json:"deleted"`
	CreatedAt time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time  `db:"updated_at" json:"updatedAt"`
}

// Dataset groups fields, attached to a scope and optionally to one of its events
type Dataset struct {
	PK        int64     `db:"pk" json:"pk"`
	ScopePK   int64     `db:"scope_pk" json:"scopePk"`
	EventPK   *int64    `db:"event_pk" json:"eventPk,omitempty"`
	ModelID   string    `db:"model_id" json:"modelId"`
	Deleted   bool      `db:"deleted" json:"deleted"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Field holds one captured value. Values are kept as text and typed by
// their field model when read.
type Field struct {
	PK        int64     `db:"pk" json:"pk"`
	DatasetPK int64     `db:"dataset_pk" json:"datasetPk"`
	ModelID   string    `db:"model_id" json:"modelId"`
	Value     string    `db:"value" json:"value"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Owner identifies the entity a workflow status is attached to.
// The owner is the deepest non-nil reference.
type Owner struct {
	ScopePK   int64
	EventPK   *int64
	DatasetPK *int64
}

// Kind returns the kind of the owning entity
func (o Owner) Kind() string {
	switch {
	case o.DatasetPK != nil:
		return "dataset"
	case o.EventPK != nil:
		return "event"
	default:
		return "scope"
	}
}

// PK returns the pk of the owning entity
func (o Owner) PK() int64 {
	switch {
	case o.DatasetPK != nil:
		return *o.DatasetPK
	case o.EventPK != nil:
		return *o.EventPK
	default:
		return o.ScopePK
	}
}

func (o Owner) String() string {
	return fmt.Sprintf("%s:%d", o.Kind(), o.PK())
}

// WorkflowStatus is the current state of one workflow instance on an entity
type WorkflowStatus struct {
	PK         int64     `db:"pk" json:"pk"`
	ScopePK    int64     `db:"scope_pk" json:"scopePk"`
	EventPK    *int64    `db:"event_pk" json:"eventPk,omitempty"`
	DatasetPK  *int64    `db:"dataset_pk" json:"datasetPk,omitempty"`
	WorkflowID string    `db:"workflow_id" json:"workflowId"`
	StateID    string    `db:"state_id" json:"stateId"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time `db:"updated_at" json:"updatedAt"`
}

// Owner returns the entity the status belongs to
func (w *WorkflowStatus) Owner() Owner {
	return Owner{ScopePK: w.ScopePK, EventPK: w.EventPK, DatasetPK: w.DatasetPK}
}

// AuditAction is the immutable header shared by every audit trail row
// written within one database action.
type AuditAction struct {
	PK        int64     `db:"pk" json:"pk"`
	ActorPK   *int64    `db:"actor_pk" json:"actorPk,omitempty"`
	ActorKind string    `db:"actor_kind" json:"actorKind,omitempty"`
	ActorName string    `db:"actor_name" json:"actorName"`
	Rationale string    `db:"rationale" json:"rationale"`
	Date      time.Time `db:"date" json:"date"`
}

// AuditTrail records one audited mutation of an entity
type AuditTrail struct {
	PK        int64     `db:"pk" json:"pk"`
	Entity    string    `db:"entity" json:"entity"`
	ObjectPK  int64     `db:"object_pk" json:"objectPk"`
	ActionPK  int64     `db:"action_pk" json:"actionPk"`
	Date      time.Time `db:"date" json:"date"`
	Actor     string    `db:"actor" json:"actor"`
	Rationale string    `db:"rationale" json:"rationale"`
	Snapshot  string    `db:"snapshot" json:"snapshot"`
}

// MailStatus is the delivery state of a mail
type MailStatus string

const (
	MailPending   MailStatus = "PENDING"
	MailSent      MailStatus = "SENT"
	MailSimulated MailStatus = "SIMULATED"
	MailFailed    MailStatus = "FAILED"
	MailCanceled  MailStatus = "CANCELED"
)

// Mail is an outgoing notification queued by rules
type Mail struct {
	PK         int64      `db:"pk" json:"pk"`
	Recipients StringList `db:"recipients" json:"recipients"`
	Subject    string     `db:"subject" json:"subject"`
	Body       string     `db:"body" json:"body"`
	Status     MailStatus `db:"status" json:"status"`
	Attempts   int        `db:"attempts" json:"attempts"`
	Error      string     `db:"error" json:"error,omitempty"`
	SentAt     *time.Time `db:"sent_at" json:"sentAt,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"createdAt"`
}

// Session is an authenticated user session
type Session struct {
	Token      string    `db:"token" json:"token"`
	ActorName  string    `db:"actor_name" json:"actorName"`
	LastAccess time.Time `db:"last_access" json:"lastAccess"`
}

// File is an uploaded file. Files never attached to a submitted field are
// removed by the cleanup task.
type File struct {
	PK        int64     `db:"pk" json:"pk"`
	UUID      string    `db:"uuid" json:"uuid"`
	FieldPK   *int64    `db:"field_pk" json:"fieldPk,omitempty"`
	Submitted bool      `db:"submitted" json:"submitted"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// StringList is stored as a JSON array
type StringList []string

// Value implements driver.Valuer
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (l *StringList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported type %T for string list", src)
	}
	if len(raw) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(raw, (*[]string)(l))
}

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err is or wraps ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Int64 returns a pointer to v
func Int64(v int64) *int64 {
	return &v
}
