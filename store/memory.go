package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store. Transactions are serialized; each one
// works on a copy of the data that replaces the committed state only when
// the callback succeeds.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

type memState struct {
	seq      int64
	scopes   map[int64]Scope
	events   map[int64]Event
	datasets map[int64]Dataset
	fields   map[int64]Field
	statuses map[int64]WorkflowStatus
	actions  map[int64]AuditAction
	trails   map[int64]AuditTrail
	mails    map[int64]Mail
	sessions map[string]Session
	files    map[int64]File
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			scopes:   make(map[int64]Scope),
			events:   make(map[int64]Event),
			datasets: make(map[int64]Dataset),
			fields:   make(map[int64]Field),
			statuses: make(map[int64]WorkflowStatus),
			actions:  make(map[int64]AuditAction),
			trails:   make(map[int64]AuditTrail),
			mails:    make(map[int64]Mail),
			sessions: make(map[string]Session),
			files:    make(map[int64]File),
		},
		now: time.Now,
	}
}

// InTx runs fn against a private copy of the data and commits it on success
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := s.state.clone()
	if err := fn(&memTx{state: work, now: s.now}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}

func (st *memState) clone() *memState {
	c := &memState{
		seq:      st.seq,
		scopes:   make(map[int64]Scope, len(st.scopes)),
		events:   make(map[int64]Event, len(st.events)),
		datasets: make(map[int64]Dataset, len(st.datasets)),
		fields:   make(map[int64]Field, len(st.fields)),
		statuses: make(map[int64]WorkflowStatus, len(st.statuses)),
		actions:  make(map[int64]AuditAction, len(st.actions)),
		trails:   make(map[int64]AuditTrail, len(st.trails)),
		mails:    make(map[int64]Mail, len(st.mails)),
		sessions: make(map[string]Session, len(st.sessions)),
		files:    make(map[int64]File, len(st.files)),
	}
	for k, v := range st.scopes {
		c.scopes[k] = v
	}
	for k, v := range st.events {
		c.events[k] = v
	}
	for k, v := range st.datasets {
		c.datasets[k] = v
	}
	for k, v := range st.fields {
		c.fields[k] = v
	}
	for k, v := range st.statuses {
		c.statuses[k] = v
	}
	for k, v := range st.actions {
		c.actions[k] = v
	}
	for k, v := range st.trails {
		c.trails[k] = v
	}
	for k, v := range st.mails {
		v.Recipients = append(StringList(nil), v.Recipients...)
		c.mails[k] = v
	}
	for k, v := range st.sessions {
		c.sessions[k] = v
	}
	for k, v := range st.files {
		c.files[k] = v
	}
	return c
}

type memTx struct {
	state *memState
	now   func() time.Time
}

func (t *memTx) nextPK() int64 {
	t.state.seq++
	return t.state.seq
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func samePK(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Scopes

func (t *memTx) GetScope(_ context.Context, pk int64) (*Scope, error) {
	s, ok := t.state.scopes[pk]
	if !ok {
		return nil, fmt.Errorf("scope %d: %w", pk, ErrNotFound)
	}
	return &s, nil
}

func (t *memTx) GetScopeByCode(_ context.Context, code string) (*Scope, error) {
	for _, pk := range sortedKeys(t.state.scopes) {
		if s := t.state.scopes[pk]; s.Code == code {
			return &s, nil
		}
	}
	return nil, fmt.Errorf("scope with code %s: %w", code, ErrNotFound)
}

func (t *memTx) ListScopes(_ context.Context, includeDeleted bool) ([]*Scope, error) {
	var out []*Scope
	for _, pk := range sortedKeys(t.state.scopes) {
		s := t.state.scopes[pk]
		if s.Deleted && !includeDeleted {
			continue
		}
		out = append(out, &s)
	}
	return out, nil
}

func (t *memTx) ListChildScopes(_ context.Context, parentPK int64) ([]*Scope, error) {
	var out []*Scope
	for _, pk := range sortedKeys(t.state.scopes) {
		s := t.state.scopes[pk]
		if s.ParentPK != nil && *s.ParentPK == parentPK {
			out = append(out, &s)
		}
	}
	return out, nil
}

func (t *memTx) SaveScope(_ context.Context, s *Scope) error {
	for pk, other := range t.state.scopes {
		if other.Code == s.Code && pk != s.PK {
			return fmt.Errorf("scope code %s already used", s.Code)
		}
	}
	now := t.now()
	if s.PK == 0 {
		s.PK = t.nextPK()
		s.CreatedAt = now
	} else if _, ok := t.state.scopes[s.PK]; !ok {
		return fmt.Errorf("scope %d: %w", s.PK, ErrNotFound)
	}
	s.UpdatedAt = now
	t.state.scopes[s.PK] = *s
	return nil
}

// Events, datasets, fields

func (t *memTx) GetEvent(_ context.Context, pk int64) (*Event, error) {
	e, ok := t.state.events[pk]
	if !ok {
		return nil, fmt.Errorf("event %d: %w", pk, ErrNotFound)
	}
	return &e, nil
}

func (t *memTx) ListEvents(_ context.Context, scopePK int64) ([]*Event, error) {
	var out []*Event
	for _, pk := range sortedKeys(t.state.events) {
		if e := t.state.events[pk]; e.ScopePK == scopePK {
			out = append(out, &e)
		}
	}
	return out, nil
}

func (t *memTx) SaveEvent(_ context.Context, e *Event) error {
	now := t.now()
	if e.PK == 0 {
		e.PK = t.nextPK()
		e.CreatedAt = now
	} else if _, ok := t.state.events[e.PK]; !ok {
		return fmt.Errorf("event %d: %w", e.PK, ErrNotFound)
	}
	e.UpdatedAt = now
	t.state.events[e.PK] = *e
	return nil
}

func (t *memTx) GetDataset(_ context.Context, pk int64) (*Dataset, error) {
	d, ok := t.state.datasets[pk]
	if !ok {
		return nil, fmt.Errorf("dataset %d: %w", pk, ErrNotFound)
	}
	return &d, nil
}

func (t *memTx) ListDatasets(_ context.Context, scopePK int64, eventPK *int64) ([]*Dataset, error) {
	var out []*Dataset
	for _, pk := range sortedKeys(t.state.datasets) {
		d := t.state.datasets[pk]
		if d.ScopePK == scopePK && samePK(d.EventPK, eventPK) {
			out = append(out, &d)
		}
	}
	return out, nil
}

func (t *memTx) SaveDataset(_ context.Context, d *Dataset) error {
	now := t.now()
	if d.PK == 0 {
		d.PK = t.nextPK()
		d.CreatedAt = now
	} else if _, ok := t.state.datasets[d.PK]; !ok {
		return fmt.Errorf("dataset %d: %w", d.PK, ErrNotFound)
	}
	d.UpdatedAt = now
	t.state.datasets[d.PK] = *d
	return nil
}

func (t *memTx) GetField(_ context.Context, pk int64) (*Field, error) {
	f, ok := t.state.fields[pk]
	if !ok {
		return nil, fmt.Errorf("field %d: %w", pk, ErrNotFound)
	}
	return &f, nil
}

func (t *memTx) ListFields(_ context.Context, datasetPK int64) ([]*Field, error) {
	var out []*Field
	for _, pk := range sortedKeys(t.state.fields) {
		if f := t.state.fields[pk]; f.DatasetPK == datasetPK {
			out = append(out, &f)
		}
	}
	return out, nil
}

func (t *memTx) SaveField(_ context.Context, f *Field) error {
	now := t.now()
	if f.PK == 0 {
		f.PK = t.nextPK()
		f.CreatedAt = now
	} else if _, ok := t.state.fields[f.PK]; !ok {
		return fmt.Errorf("field %d: %w", f.PK, ErrNotFound)
	}
	f.UpdatedAt = now
	t.state.fields[f.PK] = *f
	return nil
}

// Workflow statuses

func (t *memTx) GetWorkflowStatus(_ context.Context, pk int64) (*WorkflowStatus, error) {
	w, ok := t.state.statuses[pk]
	if !ok {
		return nil, fmt.Errorf("workflow status %d: %w", pk, ErrNotFound)
	}
	return &w, nil
}

func (t *memTx) ListWorkflowStatuses(_ context.Context, owner Owner) ([]*WorkflowStatus, error) {
	var out []*WorkflowStatus
	for _, pk := range sortedKeys(t.state.statuses) {
		w := t.state.statuses[pk]
		if w.ScopePK == owner.ScopePK && samePK(w.EventPK, owner.EventPK) && samePK(w.DatasetPK, owner.DatasetPK) {
			out = append(out, &w)
		}
	}
	return out, nil
}

func (t *memTx) SaveWorkflowStatus(_ context.Context, w *WorkflowStatus) error {
	now := t.now()
	if w.PK == 0 {
		w.PK = t.nextPK()
		w.CreatedAt = now
	} else if _, ok := t.state.statuses[w.PK]; !ok {
		return fmt.Errorf("workflow status %d: %w", w.PK, ErrNotFound)
	}
	w.UpdatedAt = now
	t.state.statuses[w.PK] = *w
	return nil
}

// Audit

func (t *memTx) InsertAuditAction(_ context.Context, a *AuditAction) error {
	a.PK = t.nextPK()
	t.state.actions[a.PK] = *a
	return nil
}

func (t *memTx) InsertAuditTrail(_ context.Context, tr *AuditTrail) error {
	if _, ok := t.state.actions[tr.ActionPK]; !ok {
		return fmt.Errorf("audit action %d: %w", tr.ActionPK, ErrNotFound)
	}
	tr.PK = t.nextPK()
	t.state.trails[tr.PK] = *tr
	return nil
}

func (t *memTx) ListAuditTrails(_ context.Context, entity string, objectPK int64) ([]*AuditTrail, error) {
	var out []*AuditTrail
	for _, pk := range sortedKeys(t.state.trails) {
		tr := t.state.trails[pk]
		if tr.Entity == entity && tr.ObjectPK == objectPK {
			out = append(out, &tr)
		}
	}
	return out, nil
}

// Housekeeping

func (t *memTx) SaveMail(_ context.Context, m *Mail) error {
	if m.PK == 0 {
		m.PK = t.nextPK()
		if m.CreatedAt.IsZero() {
			m.CreatedAt = t.now()
		}
	} else if _, ok := t.state.mails[m.PK]; !ok {
		return fmt.Errorf("mail %d: %w", m.PK, ErrNotFound)
	}
	stored := *m
	stored.Recipients = append(StringList(nil), m.Recipients...)
	t.state.mails[m.PK] = stored
	return nil
}

func (t *memTx) ListMails(_ context.Context, status MailStatus, limit int) ([]*Mail, error) {
	var out []*Mail
	for _, pk := range sortedKeys(t.state.mails) {
		if limit > 0 && len(out) >= limit {
			break
		}
		m := t.state.mails[pk]
		if status == "" || m.Status == status {
			m.Recipients = append(StringList(nil), m.Recipients...)
			out = append(out, &m)
		}
	}
	return out, nil
}

func (t *memTx) SaveSession(_ context.Context, s *Session) error {
	if s.Token == "" {
		return fmt.Errorf("session token is required")
	}
	t.state.sessions[s.Token] = *s
	return nil
}

func (t *memTx) ListSessions(_ context.Context) ([]*Session, error) {
	tokens := make([]string, 0, len(t.state.sessions))
	for k := range t.state.sessions {
		tokens = append(tokens, k)
	}
	sort.Strings(tokens)
	out := make([]*Session, 0, len(tokens))
	for _, k := range tokens {
		s := t.state.sessions[k]
		out = append(out, &s)
	}
	return out, nil
}

func (t *memTx) DeleteSessionsIdleSince(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for k, s := range t.state.sessions {
		if s.LastAccess.Before(cutoff) {
			delete(t.state.sessions, k)
			n++
		}
	}
	return n, nil
}

func (t *memTx) SaveFile(_ context.Context, f *File) error {
	if f.PK == 0 {
		f.PK = t.nextPK()
		if f.CreatedAt.IsZero() {
			f.CreatedAt = t.now()
		}
	} else if _, ok := t.state.files[f.PK]; !ok {
		return fmt.Errorf("file %d: %w", f.PK, ErrNotFound)
	}
	t.state.files[f.PK] = *f
	return nil
}

func (t *memTx) ListFiles(_ context.Context) ([]*File, error) {
	var out []*File
	for _, pk := range sortedKeys(t.state.files) {
		f := t.state.files[pk]
		out = append(out, &f)
	}
	return out, nil
}

func (t *memTx) DeleteUnsubmittedFilesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for pk, f := range t.state.files {
		if !f.Submitted && f.CreatedAt.Before(cutoff) {
			delete(t.state.files, pk)
			n++
		}
	}
	return n, nil
}
