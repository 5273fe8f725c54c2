package rules

import (
	"context"
	"fmt"

	"github.com/liamcoop/trialrules/store"
	"github.com/liamcoop/trialrules/study"
)

// EntityKind names the deepest entity of a DataState
type EntityKind string

const (
	EntityScope   EntityKind = "scope"
	EntityEvent   EntityKind = "event"
	EntityDataset EntityKind = "dataset"
	EntityField   EntityKind = "field"
)

// DataState is the focus of a rule execution: a scope and optionally one of
// its events, a dataset and a field.
type DataState struct {
	Scope   *store.Scope
	Event   *store.Event
	Dataset *store.Dataset
	Field   *store.Field
}

// NewDataState focuses on a scope
func NewDataState(scope *store.Scope) *DataState {
	return &DataState{Scope: scope}
}

// WithEvent returns a copy focused on an event of the scope
func (s *DataState) WithEvent(e *store.Event) *DataState {
	c := *s
	c.Event = e
	return &c
}

// WithDataset returns a copy focused on a dataset
func (s *DataState) WithDataset(d *store.Dataset) *DataState {
	c := *s
	c.Dataset = d
	return &c
}

// WithField returns a copy focused on a field
func (s *DataState) WithField(f *store.Field) *DataState {
	c := *s
	c.Field = f
	return &c
}

// Reference returns the kind of the deepest entity present
func (s *DataState) Reference() EntityKind {
	switch {
	case s.Field != nil:
		return EntityField
	case s.Dataset != nil:
		return EntityDataset
	case s.Event != nil:
		return EntityEvent
	default:
		return EntityScope
	}
}

// Validate checks that the entities belong to each other
func (s *DataState) Validate() error {
	if s.Scope == nil {
		return fmt.Errorf("data state has no scope")
	}
	if s.Event != nil && s.Event.ScopePK != s.Scope.PK {
		return fmt.Errorf("event %d does not belong to scope %d", s.Event.PK, s.Scope.PK)
	}
	if s.Dataset != nil {
		if s.Dataset.ScopePK != s.Scope.PK {
			return fmt.Errorf("dataset %d does not belong to scope %d", s.Dataset.PK, s.Scope.PK)
		}
		if s.Event != nil && (s.Dataset.EventPK == nil || *s.Dataset.EventPK != s.Event.PK) {
			return fmt.Errorf("dataset %d does not belong to event %d", s.Dataset.PK, s.Event.PK)
		}
	}
	if s.Field != nil {
		if s.Dataset == nil {
			return fmt.Errorf("field %d given without its dataset", s.Field.PK)
		}
		if s.Field.DatasetPK != s.Dataset.PK {
			return fmt.Errorf("field %d does not belong to dataset %d", s.Field.PK, s.Dataset.PK)
		}
	}
	return nil
}

// Owner returns the deepest entity able to carry workflows
func (s *DataState) Owner() store.Owner {
	owner := store.Owner{ScopePK: s.Scope.PK}
	if s.Event != nil {
		owner.EventPK = store.Int64(s.Event.PK)
	}
	if s.Dataset != nil {
		owner.EventPK = s.Dataset.EventPK
		owner.DatasetPK = store.Int64(s.Dataset.PK)
	}
	return owner
}

// OwnerFor resolves an action target to a workflow owner
func (s *DataState) OwnerFor(target study.Target) (store.Owner, error) {
	switch target {
	case study.TargetDefault:
		return s.Owner(), nil
	case study.TargetScope:
		return store.Owner{ScopePK: s.Scope.PK}, nil
	case study.TargetEvent:
		if s.Event == nil {
			return store.Owner{}, fmt.Errorf("action targets an event but the data state has none")
		}
		return store.Owner{ScopePK: s.Scope.PK, EventPK: store.Int64(s.Event.PK)}, nil
	case study.TargetDataset:
		if s.Dataset == nil {
			return store.Owner{}, fmt.Errorf("action targets a dataset but the data state has none")
		}
		return store.Owner{ScopePK: s.Scope.PK, EventPK: s.Dataset.EventPK, DatasetPK: store.Int64(s.Dataset.PK)}, nil
	}
	return store.Owner{}, fmt.Errorf("unknown action target %q", target)
}

// refresh reloads every entity from tx so that facts see earlier changes
func (s *DataState) refresh(ctx context.Context, tx store.Tx) (*DataState, error) {
	fresh := &DataState{}
	var err error
	if fresh.Scope, err = tx.GetScope(ctx, s.Scope.PK); err != nil {
		return nil, err
	}
	if s.Event != nil {
		if fresh.Event, err = tx.GetEvent(ctx, s.Event.PK); err != nil {
			return nil, err
		}
	}
	if s.Dataset != nil {
		if fresh.Dataset, err = tx.GetDataset(ctx, s.Dataset.PK); err != nil {
			return nil, err
		}
	}
	if s.Field != nil {
		if fresh.Field, err = tx.GetField(ctx, s.Field.PK); err != nil {
			return nil, err
		}
	}
	return fresh, nil
}
