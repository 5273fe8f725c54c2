// Package study holds the configuration object graph of a clinical study:
// scope, event and dataset models, workflows, rules and crons.
package study

// Study is the root of the configuration graph. It is immutable once loaded;
// reloading produces a new value.
type Study struct {
	ID            string         `yaml:"id"`
	Name          string         `yaml:"name"`
	ScopeModels   []ScopeModel   `yaml:"scopeModels"`
	EventModels   []EventModel   `yaml:"eventModels"`
	DatasetModels []DatasetModel `yaml:"datasetModels"`
	Workflows     []Workflow     `yaml:"workflows"`
	Crons         []Cron         `yaml:"crons"`

	idx *index
}

// ScopeModel describes a level of the scope hierarchy
type ScopeModel struct {
	ID          string   `yaml:"id"`
	Description string   `yaml:"description"`
	ParentIDs   []string `yaml:"parents"`
	Workflows   []string `yaml:"workflows"`
}

// EventModel describes a visit of scopes of one model
type EventModel struct {
	ID           string   `yaml:"id"`
	Description  string   `yaml:"description"`
	ScopeModelID string   `yaml:"scopeModel"`
	Workflows    []string `yaml:"workflows"`
}

// DatasetModel describes a group of fields
type DatasetModel struct {
	ID          string       `yaml:"id"`
	Description string       `yaml:"description"`
	Fields      []FieldModel `yaml:"fields"`
	Workflows   []string     `yaml:"workflows"`
}

// FieldType is the value type of a field model
type FieldType string

const (
	FieldString  FieldType = "STRING"
	FieldNumber  FieldType = "NUMBER"
	FieldBoolean FieldType = "BOOLEAN"
	FieldDate    FieldType = "DATE"
)

// FieldModel describes one field of a dataset model
type FieldModel struct {
	ID          string    `yaml:"id"`
	Description string    `yaml:"description"`
	Type        FieldType `yaml:"type"`
}

// ScopeModel returns the scope model with the given id
func (s *Study) ScopeModel(id string) (*ScopeModel, error) {
	if m := lookup(s.ScopeModels, s.ids().scopeModels, id, func(m *ScopeModel) string { return m.ID }); m != nil {
		return m, nil
	}
	return nil, notFound("scope model", id)
}

// EventModel returns the event model with the given id
func (s *Study) EventModel(id string) (*EventModel, error) {
	if m := lookup(s.EventModels, s.ids().eventModels, id, func(m *EventModel) string { return m.ID }); m != nil {
		return m, nil
	}
	return nil, notFound("event model", id)
}

// DatasetModel returns the dataset model with the given id
func (s *Study) DatasetModel(id string) (*DatasetModel, error) {
	if m := lookup(s.DatasetModels, s.ids().datasetModels, id, func(m *DatasetModel) string { return m.ID }); m != nil {
		return m, nil
	}
	return nil, notFound("dataset model", id)
}

// Workflow returns the workflow with the given id
func (s *Study) Workflow(id string) (*Workflow, error) {
	if w := lookup(s.Workflows, s.ids().workflows, id, func(w *Workflow) string { return w.ID }); w != nil {
		return w, nil
	}
	return nil, notFound("workflow", id)
}

// Cron returns the cron with the given id
func (s *Study) Cron(id string) (*Cron, error) {
	if c := lookup(s.Crons, s.ids().crons, id, func(c *Cron) string { return c.ID }); c != nil {
		return c, nil
	}
	return nil, notFound("cron", id)
}

// FieldModel returns the field model with the given id
func (d *DatasetModel) FieldModel(id string) (*FieldModel, error) {
	for i := range d.Fields {
		if d.Fields[i].ID == id {
			return &d.Fields[i], nil
		}
	}
	return nil, notFound("field model", d.ID+"."+id)
}

// AllowsParent reports whether scopes of this model may be attached under
// a scope of parentModelID. Root models declare no parents.
func (m *ScopeModel) AllowsParent(parentModelID string) bool {
	for _, id := range m.ParentIDs {
		if id == parentModelID {
			return true
		}
	}
	return false
}
