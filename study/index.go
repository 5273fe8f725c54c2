package study

// index maps ids to slice positions. It is rebuilt by Validate; studies
// assembled in code without validation fall back to scanning.
type index struct {
	scopeModels   map[string]int
	eventModels   map[string]int
	datasetModels map[string]int
	workflows     map[string]int
	crons         map[string]int
}

var emptyIndex index

func (s *Study) buildIndex() {
	idx := &index{
		scopeModels:   make(map[string]int, len(s.ScopeModels)),
		eventModels:   make(map[string]int, len(s.EventModels)),
		datasetModels: make(map[string]int, len(s.DatasetModels)),
		workflows:     make(map[string]int, len(s.Workflows)),
		crons:         make(map[string]int, len(s.Crons)),
	}
	for i, m := range s.ScopeModels {
		idx.scopeModels[m.ID] = i
	}
	for i, m := range s.EventModels {
		idx.eventModels[m.ID] = i
	}
	for i, m := range s.DatasetModels {
		idx.datasetModels[m.ID] = i
	}
	for i, w := range s.Workflows {
		idx.workflows[w.ID] = i
	}
	for i, c := range s.Crons {
		idx.crons[c.ID] = i
	}
	s.idx = idx
}

func (s *Study) ids() *index {
	if s.idx == nil {
		return &emptyIndex
	}
	return s.idx
}

// lookup returns the item with the given id. A stale position (the slice was
// replaced after indexing) falls back to a scan.
func lookup[T any](items []T, positions map[string]int, id string, idOf func(*T) string) *T {
	if i, ok := positions[id]; ok && i < len(items) && idOf(&items[i]) == id {
		return &items[i]
	}
	for i := range items {
		if idOf(&items[i]) == id {
			return &items[i]
		}
	}
	return nil
}
