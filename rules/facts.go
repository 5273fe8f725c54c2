package rules

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/liamcoop/trialrules/internal/logger"
	"github.com/liamcoop/trialrules/store"
	"github.com/liamcoop/trialrules/study"
)

const dateLayout = "2006-01-02"

// Facts builds the expression variables for state from the data visible in tx:
//
//	scope, event, dataset, field  the focused entities (empty maps when absent)
//	fields                        dataset model id -> field model id -> typed value
//	workflows                     workflow id -> state id on the deepest entity ("" when absent)
//	now                           the engine clock
func (en *Engine) Facts(ctx context.Context, tx store.Tx, s *study.Study, state *DataState) (map[string]any, error) {
	fresh, err := state.refresh(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh data state: %w", err)
	}

	facts := map[string]any{
		"scope":   scopeFacts(fresh.Scope),
		"event":   map[string]any{},
		"dataset": map[string]any{},
		"field":   map[string]any{},
		"now":     en.now(),
	}
	if fresh.Event != nil {
		facts["event"] = eventFacts(fresh.Event)
	}
	if fresh.Dataset != nil {
		facts["dataset"] = map[string]any{
			"pk":    fresh.Dataset.PK,
			"model": fresh.Dataset.ModelID,
		}
	}
	if fresh.Field != nil {
		facts["field"] = fieldFacts(s, fresh.Dataset, fresh.Field)
	}

	fields, err := fieldsFacts(ctx, tx, s, fresh)
	if err != nil {
		return nil, err
	}
	facts["fields"] = fields

	wf, err := workflowFacts(ctx, tx, s, fresh.Owner())
	if err != nil {
		return nil, err
	}
	facts["workflows"] = wf

	return facts, nil
}

func scopeFacts(s *store.Scope) map[string]any {
	m := map[string]any{
		"pk":       s.PK,
		"code":     s.Code,
		"model":    s.ModelID,
		"deleted":  s.Deleted,
		"parentPk": nil,
	}
	if s.ParentPK != nil {
		m["parentPk"] = *s.ParentPK
	}
	return m
}

func eventFacts(e *store.Event) map[string]any {
	m := map[string]any{
		"pk":    e.PK,
		"model": e.ModelID,
		"date":  nil,
	}
	if e.Date != nil {
		m["date"] = *e.Date
	}
	return m
}

func fieldFacts(s *study.Study, d *store.Dataset, f *store.Field) map[string]any {
	m := map[string]any{
		"pk":    f.PK,
		"model": f.ModelID,
		"value": f.Value,
	}
	if dm, err := s.DatasetModel(d.ModelID); err == nil {
		if fm, err := dm.FieldModel(f.ModelID); err == nil {
			m["value"] = typedOrNil(fm, f.Value)
		}
	}
	return m
}

// fieldsFacts exposes every declared field. Scope level datasets come first;
// datasets of the focused event override them.
func fieldsFacts(ctx context.Context, tx store.Tx, s *study.Study, state *DataState) (map[string]any, error) {
	out := make(map[string]any, len(s.DatasetModels))
	for _, dm := range s.DatasetModels {
		values := make(map[string]any, len(dm.Fields))
		for _, fm := range dm.Fields {
			values[fm.ID] = nil
		}
		out[dm.ID] = values
	}

	sources := []*int64{nil}
	if state.Event != nil {
		sources = append(sources, store.Int64(state.Event.PK))
	}

	for _, eventPK := range sources {
		datasets, err := tx.ListDatasets(ctx, state.Scope.PK, eventPK)
		if err != nil {
			return nil, err
		}
		for _, d := range datasets {
			if d.Deleted {
				continue
			}
			dm, err := s.DatasetModel(d.ModelID)
			if err != nil {
				continue
			}
			fields, err := tx.ListFields(ctx, d.PK)
			if err != nil {
				return nil, err
			}
			values := out[dm.ID].(map[string]any)
			for _, f := range fields {
				fm, err := dm.FieldModel(f.ModelID)
				if err != nil {
					continue
				}
				values[fm.ID] = typedOrNil(fm, f.Value)
			}
		}
	}
	return out, nil
}

func workflowFacts(ctx context.Context, tx store.Tx, s *study.Study, owner store.Owner) (map[string]string, error) {
	out := make(map[string]string, len(s.Workflows))
	for _, w := range s.Workflows {
		out[w.ID] = ""
	}
	statuses, err := tx.ListWorkflowStatuses(ctx, owner)
	if err != nil {
		return nil, err
	}
	for _, st := range statuses {
		out[st.WorkflowID] = st.StateID
	}
	return out, nil
}

func typedOrNil(fm *study.FieldModel, raw string) any {
	v, err := TypedValue(fm.Type, raw)
	if err != nil {
		logger.Warn("stored field value does not match its type", "field", fm.ID, "type", string(fm.Type), "error", err)
		return nil
	}
	return v
}

// TypedValue converts a stored field value to its model type. The empty
// string is nil for every type.
func TypedValue(t study.FieldType, raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	switch t {
	case study.FieldNumber:
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", raw)
		}
		return v, nil
	case study.FieldBoolean:
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid boolean %q", raw)
		}
		return v, nil
	case study.FieldDate:
		if v, err := time.Parse(dateLayout, raw); err == nil {
			return v, nil
		}
		v, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("invalid date %q", raw)
		}
		return v, nil
	default:
		return raw, nil
	}
}

// FormatValue converts an expression result to the stored text of a field
func FormatValue(t study.FieldType, v any) (string, error) {
	if v == nil {
		return "", nil
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	switch t {
	case study.FieldNumber:
		switch n := v.(type) {
		case float64:
			if math.IsNaN(n) || math.IsInf(n, 0) {
				return "", fmt.Errorf("number %v cannot be stored", n)
			}
			return strconv.FormatFloat(n, 'f', -1, 64), nil
		case int64:
			return strconv.FormatInt(n, 10), nil
		case uint64:
			return strconv.FormatUint(n, 10), nil
		}
	case study.FieldBoolean:
		if b, ok := v.(bool); ok {
			return strconv.FormatBool(b), nil
		}
	case study.FieldDate:
		if d, ok := v.(time.Time); ok {
			return d.UTC().Format(dateLayout), nil
		}
	default:
		switch s := v.(type) {
		case string:
			return s, nil
		case time.Time:
			return s.UTC().Format(time.RFC3339), nil
		default:
			return fmt.Sprint(s), nil
		}
	}
	return "", fmt.Errorf("value %v (%T) does not fit a %s field", v, v, t)
}
