// Package audit creates the audit context carried by every mutation and
// writes audit trail rows.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/liamcoop/trialrules/store"
)

// SystemName is the actor name recorded when no actor is present
const SystemName = "SYSTEM"

// ActorKind distinguishes human users from robots
type ActorKind string

const (
	ActorUser  ActorKind = "USER"
	ActorRobot ActorKind = "ROBOT"
)

// Actor is the user or robot responsible for a change
type Actor struct {
	PK   int64
	Kind ActorKind
	Name string
}

// Context pairs a persisted audit action with the actor that caused it.
// A nil Actor means the system acted on its own.
type Context struct {
	Action store.AuditAction
	Actor  *Actor
}

// ActorName returns the actor name or SYSTEM
func (c *Context) ActorName() string {
	if c.Actor == nil {
		return SystemName
	}
	return c.Actor.Name
}

// ActionPK returns the pk of the underlying audit action
func (c *Context) ActionPK() int64 {
	return c.Action.PK
}

// Rationale returns the reason recorded for the action
func (c *Context) Rationale() string {
	return c.Action.Rationale
}

// Date returns the time of the action
func (c *Context) Date() time.Time {
	return c.Action.Date
}

// Service creates audit contexts and trails
type Service struct {
	now func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithClock sets the clock used when no explicit time is given
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates an audit service
func NewService(opts ...Option) *Service {
	s := &Service{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateContext persists a new audit action in tx and returns its context.
// A zero at means now.
func (s *Service) CreateContext(ctx context.Context, tx store.AuditTx, actor *Actor, rationale string, at time.Time) (*Context, error) {
	if at.IsZero() {
		at = s.now()
	}

	action := store.AuditAction{
		ActorName: SystemName,
		Rationale: rationale,
		Date:      at,
	}
	if actor != nil {
		action.ActorPK = store.Int64(actor.PK)
		action.ActorKind = string(actor.Kind)
		action.ActorName = actor.Name
	}

	if err := tx.InsertAuditAction(ctx, &action); err != nil {
		return nil, fmt.Errorf("failed to create audit action: %w", err)
	}

	return &Context{Action: action, Actor: actor}, nil
}

// SystemContext creates a context with no actor
func (s *Service) SystemContext(ctx context.Context, tx store.AuditTx, rationale string) (*Context, error) {
	return s.CreateContext(ctx, tx, nil, rationale, time.Time{})
}

// Trail records a mutation of entity objectPK under actx. The object is
// stored as a JSON snapshot. An empty rationale falls back to the context's.
func (s *Service) Trail(ctx context.Context, tx store.AuditTx, actx *Context, entity string, objectPK int64, object any, rationale string) error {
	if actx == nil {
		return fmt.Errorf("audit context is required to audit %s %d", entity, objectPK)
	}
	if rationale == "" {
		rationale = actx.Rationale()
	}

	snapshot, err := json.Marshal(object)
	if err != nil {
		return fmt.Errorf("failed to snapshot %s %d: %w", entity, objectPK, err)
	}

	trail := &store.AuditTrail{
		Entity:    entity,
		ObjectPK:  objectPK,
		ActionPK:  actx.ActionPK(),
		Date:      actx.Date(),
		Actor:     actx.ActorName(),
		Rationale: rationale,
		Snapshot:  string(snapshot),
	}
	if err := tx.InsertAuditTrail(ctx, trail); err != nil {
		return fmt.Errorf("failed to audit %s %d: %w", entity, objectPK, err)
	}
	return nil
}
