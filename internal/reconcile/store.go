package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"slidewrangler/internal/state"
)

// Store is the process-scoped item table. All mutating operations persist a
// whole snapshot before subscribers run, so a crash never leaves a torn view.
type Store struct {
	mu          sync.Mutex
	kv          state.KV
	items       []*Item
	byID        map[string]*Item
	modified    map[string]struct{}
	caseIDMap   map[string]string
	localConf   []string
	canonConf   []string
	subscribers []subscriber
	nextSubID   int
	metrics     MetricsRecorder
	tracer      Tracer
	now         func() time.Time
}

// Option configures a Store at construction.
type Option func(*Store)

// WithMetricsRecorder attaches a metrics sink.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Store) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer attaches a tracer.
func WithTracer(t Tracer) Option {
	return func(s *Store) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithClock overrides the time source. Tests use this to pin lastModified.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore builds a store backed by kv, restoring any persisted snapshot.
func NewStore(ctx context.Context, kv state.KV, opts ...Option) (*Store, error) {
	s := &Store{
		kv:        kv,
		byID:      make(map[string]*Item),
		modified:  make(map[string]struct{}),
		caseIDMap: make(map[string]string),
		metrics:   noopMetrics{},
		tracer:    noopTracer{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	raw, ok, err := kv.Get(ctx, state.KeyDataStore)
	if err != nil {
		return nil, fmt.Errorf("load data store: %w", err)
	}
	if ok {
		var snap Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return nil, fmt.Errorf("decode data store snapshot: %w", err)
		}
		s.restoreLocked(snap)
	}
	return s, nil
}

// Snapshot is the JSON shape persisted under the data-store key.
type Snapshot struct {
	Items     []Item            `json:"items"`
	Modified  []string          `json:"modified"`
	CaseIDMap map[string]string `json:"caseIdMap"`
}

// Snapshot captures the full store state as a value.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Modified:  make([]string, 0, len(s.modified)),
		CaseIDMap: make(map[string]string, len(s.caseIDMap)),
	}
	snap.Items = make([]Item, 0, len(s.items))
	for _, it := range s.items {
		snap.Items = append(snap.Items, *it.clone())
	}
	for id := range s.modified {
		snap.Modified = append(snap.Modified, id)
	}
	sort.Strings(snap.Modified)
	for k, v := range s.caseIDMap {
		snap.CaseIDMap[k] = v
	}
	return snap
}

// Restore replaces the store state with a previously captured snapshot.
func (s *Store) Restore(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restoreLocked(snap)
	if err := s.persistLocked(ctx); err != nil {
		return err
	}
	s.emitLocked(Event{Kind: EventChange, Operation: "restore"})
	return nil
}

func (s *Store) restoreLocked(snap Snapshot) {
	s.items = s.items[:0]
	s.byID = make(map[string]*Item, len(snap.Items))
	for i := range snap.Items {
		it := snap.Items[i].clone()
		s.items = append(s.items, it)
		s.byID[it.ID] = it
	}
	s.modified = make(map[string]struct{}, len(snap.Modified))
	for _, id := range snap.Modified {
		s.modified[id] = struct{}{}
	}
	s.caseIDMap = make(map[string]string, len(snap.CaseIDMap))
	for k, v := range snap.CaseIDMap {
		s.caseIDMap[k] = v
	}
	s.recomputeConflictsLocked()
}

func (s *Store) persistLocked(ctx context.Context) error {
	raw, err := json.Marshal(s.snapshotLocked())
	if err != nil {
		return fmt.Errorf("encode data store snapshot: %w", err)
	}
	if err := s.kv.Put(ctx, state.KeyDataStore, raw); err != nil {
		return fmt.Errorf("persist data store: %w", err)
	}
	return nil
}

// Items returns the table in insertion order.
func (s *Store) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, *it.clone())
	}
	return out
}

// Item looks one record up by ID.
func (s *Store) Item(id string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.byID[id]
	if !ok {
		return Item{}, false
	}
	return *it.clone(), true
}

// Len reports the number of items in the table.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// ListModified returns the IDs in the modified set, sorted.
func (s *Store) ListModified() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.modified))
	for id := range s.modified {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ClearModified removes the given IDs from the modified set. The sync engine
// calls this with exactly the items whose push was confirmed.
func (s *Store) ClearModified(ctx context.Context, itemIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range itemIDs {
		delete(s.modified, id)
	}
	if err := s.persistLocked(ctx); err != nil {
		return err
	}
	s.emitLocked(Event{Kind: EventChange, Operation: "clearModified", ItemIDs: itemIDs})
	return nil
}

// Clear empties the table and every derived structure.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(nil)
	if err := s.persistLocked(ctx); err != nil {
		return err
	}
	s.emitLocked(Event{Kind: EventChange, Operation: "clear"})
	return nil
}

// resetLocked replaces the table wholesale: modified set, case-ID map, and
// conflict views all start over.
func (s *Store) resetLocked(items []*Item) {
	s.items = items
	s.byID = make(map[string]*Item, len(items))
	for _, it := range items {
		s.byID[it.ID] = it
	}
	s.modified = make(map[string]struct{})
	s.caseIDMap = make(map[string]string)
	s.recomputeConflictsLocked()
}

// markDirtyLocked stamps lastModified (monotonically non-decreasing) and adds
// the item to the modified set.
func (s *Store) markDirtyLocked(it *Item) {
	now := s.now().UTC()
	if now.After(it.Canon.LastModified) {
		it.Canon.LastModified = now
	}
	s.modified[it.ID] = struct{}{}
}

func (s *Store) setProvenanceLocked(it *Item, field string, p Provenance) {
	if it.Provenance == nil {
		it.Provenance = make(map[string]Provenance)
	}
	it.Provenance[field] = p
}

// observe wraps an operation with metrics and tracing.
func (s *Store) observe(ctx context.Context, operation string, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, operation)
	started := s.now()
	err := fn(ctx)
	span.End(err)
	s.metrics.Observe(ctx, operation, err == nil, s.now().Sub(started))
	return err
}
