package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"slidewrangler/internal/state"
)

var (
	// ErrNotFound is returned when no protocol carries the requested ID.
	ErrNotFound = errors.New("protocol not found")
	// ErrImmutable is returned for attempts to edit or delete an ignore protocol.
	ErrImmutable = errors.New("ignore protocols cannot be modified")
	// ErrDuplicateName is returned when a name is already taken within a kind.
	ErrDuplicateName = errors.New("protocol name already in use")
)

// Store holds both catalogs in memory and snapshots them to the state store
// after every mutation. Catalog order is insertion order.
type Store struct {
	mu        sync.RWMutex
	kv        state.KV
	validate  *validator
	stains    []Protocol
	regions   []Protocol
	conflicts []Conflict
	lastSync  *time.Time
	now       func() time.Time
}

// NewStore loads persisted catalogs from kv, seeding the defaults when the
// store is empty.
func NewStore(ctx context.Context, kv state.KV) (*Store, error) {
	v, err := newValidator()
	if err != nil {
		return nil, err
	}
	s := &Store{kv: kv, validate: v, now: time.Now}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	if len(s.stains) == 0 && len(s.regions) == 0 {
		s.stains = cloneCatalog(defaultStains())
		s.regions = cloneCatalog(defaultRegions())
		if err := s.persist(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	loadSlice := func(key string, dst any) error {
		raw, ok, err := s.kv.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("load %s: %w", key, err)
		}
		if !ok {
			return nil
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		return nil
	}
	if err := loadSlice(state.KeyProtocolStain, &s.stains); err != nil {
		return err
	}
	if err := loadSlice(state.KeyProtocolRegion, &s.regions); err != nil {
		return err
	}
	if err := loadSlice(state.KeyProtocolConflicts, &s.conflicts); err != nil {
		return err
	}
	raw, ok, err := s.kv.Get(ctx, state.KeyProtocolLastSync)
	if err != nil {
		return fmt.Errorf("load %s: %w", state.KeyProtocolLastSync, err)
	}
	if ok {
		var ts time.Time
		if err := json.Unmarshal(raw, &ts); err != nil {
			return fmt.Errorf("decode %s: %w", state.KeyProtocolLastSync, err)
		}
		s.lastSync = &ts
	}
	return nil
}

// persist writes all protocol-store keys. Callers hold the write lock.
func (s *Store) persist(ctx context.Context) error {
	write := func(key string, value any) error {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		if err := s.kv.Put(ctx, key, raw); err != nil {
			return fmt.Errorf("persist %s: %w", key, err)
		}
		return nil
	}
	if err := write(state.KeyProtocolStain, s.stains); err != nil {
		return err
	}
	if err := write(state.KeyProtocolRegion, s.regions); err != nil {
		return err
	}
	if err := write(state.KeyProtocolConflicts, s.conflicts); err != nil {
		return err
	}
	if s.lastSync != nil {
		if err := write(state.KeyProtocolLastSync, *s.lastSync); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) catalog(kind Kind) *[]Protocol {
	if kind == KindRegion {
		return &s.regions
	}
	return &s.stains
}

func (s *Store) nameTaken(kind Kind, name, excludeID string) bool {
	for _, p := range *s.catalog(kind) {
		if p.ID != excludeID && strings.EqualFold(p.Name, name) {
			return true
		}
	}
	return false
}

// AddStain validates and appends a new stain protocol.
func (s *Store) AddStain(ctx context.Context, name string, body StainBody) (Protocol, error) {
	if err := s.validate.validateBody(KindStain, body); err != nil {
		return Protocol{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nameTaken(KindStain, name, "") {
		return Protocol{}, fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	p := Protocol{ID: NewID(KindStain), Name: name, Kind: KindStain, Stain: &body, LocalModified: true}
	s.stains = append(s.stains, p)
	if err := s.persist(ctx); err != nil {
		return Protocol{}, err
	}
	return p.clone(), nil
}

// AddRegion validates and appends a new region protocol.
func (s *Store) AddRegion(ctx context.Context, name string, body RegionBody) (Protocol, error) {
	if err := s.validate.validateBody(KindRegion, body); err != nil {
		return Protocol{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nameTaken(KindRegion, name, "") {
		return Protocol{}, fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	p := Protocol{ID: NewID(KindRegion), Name: name, Kind: KindRegion, Region: &body, LocalModified: true}
	s.regions = append(s.regions, p)
	if err := s.persist(ctx); err != nil {
		return Protocol{}, err
	}
	return p.clone(), nil
}

// UpdateStain replaces the name and body of an existing stain protocol and
// marks it locally modified.
func (s *Store) UpdateStain(ctx context.Context, id, name string, body StainBody) error {
	if err := s.validate.validateBody(KindStain, body); err != nil {
		return err
	}
	return s.update(ctx, KindStain, id, name, &body, nil)
}

// UpdateRegion replaces the name and body of an existing region protocol and
// marks it locally modified.
func (s *Store) UpdateRegion(ctx context.Context, id, name string, body RegionBody) error {
	if err := s.validate.validateBody(KindRegion, body); err != nil {
		return err
	}
	return s.update(ctx, KindRegion, id, name, nil, &body)
}

func (s *Store) update(ctx context.Context, kind Kind, id, name string, stain *StainBody, region *RegionBody) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	catalog := s.catalog(kind)
	for i := range *catalog {
		if (*catalog)[i].ID != id {
			continue
		}
		if (*catalog)[i].isIgnore() {
			return ErrImmutable
		}
		if s.nameTaken(kind, name, id) {
			return fmt.Errorf("%w: %s", ErrDuplicateName, name)
		}
		(*catalog)[i].Name = name
		(*catalog)[i].Stain = stain
		(*catalog)[i].Region = region
		(*catalog)[i].LocalModified = true
		return s.persist(ctx)
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Delete removes a protocol from its catalog. Ignore protocols are refused.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, catalog := range []*[]Protocol{&s.stains, &s.regions} {
		for i, p := range *catalog {
			if p.ID != id {
				continue
			}
			if p.isIgnore() {
				return ErrImmutable
			}
			*catalog = append((*catalog)[:i], (*catalog)[i+1:]...)
			return s.persist(ctx)
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Get looks a protocol up by ID across both catalogs.
func (s *Store) Get(id string) (Protocol, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, catalog := range [][]Protocol{s.stains, s.regions} {
		for _, p := range catalog {
			if p.ID == id {
				return p.clone(), true
			}
		}
	}
	return Protocol{}, false
}

// List returns the catalog of the given kind in insertion order.
func (s *Store) List(kind Kind) []Protocol {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneCatalog(*s.catalog(kind))
}

// ResetToDefaults discards both catalogs and restores the seeded defaults.
// The conflict log is kept; unresolved history should survive a reset.
func (s *Store) ResetToDefaults(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stains = cloneCatalog(defaultStains())
	s.regions = cloneCatalog(defaultRegions())
	return s.persist(ctx)
}

// exportEnvelope is the on-disk and on-archive JSON shape for a catalog dump.
type exportEnvelope struct {
	Stains     []Protocol `json:"stains"`
	Regions    []Protocol `json:"regions"`
	ExportedAt time.Time  `json:"exportedAt"`
}

// ExportAll renders both catalogs as a single JSON document.
func (s *Store) ExportAll() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.MarshalIndent(exportEnvelope{
		Stains:     s.stains,
		Regions:    s.regions,
		ExportedAt: s.now().UTC(),
	}, "", "  ")
}

// ImportAll replaces both catalogs with the contents of an export document.
// Every body is validated first; a single invalid record rejects the whole
// import. Ignore protocols are re-added if the document omits them.
func (s *Store) ImportAll(ctx context.Context, data []byte) error {
	var env exportEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode import: %w", err)
	}
	for _, p := range env.Stains {
		if p.Stain == nil {
			return fmt.Errorf("stain protocol %s has no body", p.ID)
		}
		if err := s.validate.validateBody(KindStain, *p.Stain); err != nil {
			return fmt.Errorf("protocol %s: %w", p.ID, err)
		}
	}
	for _, p := range env.Regions {
		if p.Region == nil {
			return fmt.Errorf("region protocol %s has no body", p.ID)
		}
		if err := s.validate.validateBody(KindRegion, *p.Region); err != nil {
			return fmt.Errorf("protocol %s: %w", p.ID, err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stains = markImported(ensureIgnore(KindStain, cloneCatalog(env.Stains)))
	s.regions = markImported(ensureIgnore(KindRegion, cloneCatalog(env.Regions)))
	return s.persist(ctx)
}

// markImported flags every imported protocol as locally modified: an imported
// catalog is local state the archive has not seen, whatever the export
// document claimed.
func markImported(catalog []Protocol) []Protocol {
	for i := range catalog {
		if catalog[i].isIgnore() {
			continue
		}
		catalog[i].LocalModified = true
	}
	return catalog
}

// Dirty reports whether any protocol carries unsynced local edits.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, catalog := range [][]Protocol{s.stains, s.regions} {
		for _, p := range catalog {
			if p.LocalModified {
				return true
			}
		}
	}
	return false
}

// LastSync returns the time of the last successful push or pull.
func (s *Store) LastSync() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastSync == nil {
		return time.Time{}, false
	}
	return *s.lastSync, true
}

// UnresolvedConflicts lists conflicts awaiting operator resolution.
func (s *Store) UnresolvedConflicts() []Conflict {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Conflict
	for _, c := range s.conflicts {
		if !c.Resolved {
			out = append(out, c)
		}
	}
	return out
}

// ResolveConflict marks every unresolved conflict for the protocol resolved.
func (s *Store) ResolveConflict(ctx context.Context, protocolID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for i := range s.conflicts {
		if s.conflicts[i].ProtocolID == protocolID && !s.conflicts[i].Resolved {
			s.conflicts[i].Resolved = true
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: no unresolved conflict for %s", ErrNotFound, protocolID)
	}
	return s.persist(ctx)
}

func ensureIgnore(kind Kind, catalog []Protocol) []Protocol {
	wantID := IgnoreStainID
	if kind == KindRegion {
		wantID = IgnoreRegionID
	}
	for _, p := range catalog {
		if p.ID == wantID {
			return catalog
		}
	}
	return append([]Protocol{ignoreProtocol(kind)}, catalog...)
}

func cloneCatalog(catalog []Protocol) []Protocol {
	out := make([]Protocol, len(catalog))
	for i, p := range catalog {
		out[i] = p.clone()
	}
	return out
}
