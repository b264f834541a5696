package reconcile

import (
	"context"
	"fmt"

	"slidewrangler/internal/extract"
	"slidewrangler/internal/protocol"
)

// canonFieldOrder applies localCaseId before canonicalCaseId so the guard on
// canonical assignments sees the final local value.
var canonFieldOrder = []string{
	FieldLocalCaseID, FieldLocalStainID, FieldLocalRegionID, FieldCanonicalCaseID,
}

// ApplyRegex runs the rule set against every item name. The policy is
// deliberately conservative: an item with any canon value already set, from
// any source, is skipped wholesale so server or operator data is never
// clobbered. With markDirty=false (initial load) nothing enters the modified
// set; lastModified and provenance are still recorded.
func (s *Store) ApplyRegex(ctx context.Context, rules extract.RuleSet, markDirty bool) error {
	if err := rules.Validate(); err != nil {
		return fmt.Errorf("regex rules: %w", err)
	}
	return s.observe(ctx, "applyRegex", func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		var touched []string
		for _, it := range s.items {
			if it.hasAnyCanonValue() {
				continue
			}
			values := rules.Apply(it.Name)
			changed := false
			for _, field := range canonFieldOrder {
				value, ok := values[field]
				if !ok || value == "" || it.field(field) != "" {
					continue
				}
				if field == FieldCanonicalCaseID && it.Canon.LocalCaseID == "" {
					continue
				}
				if !it.setField(field, value) {
					continue
				}
				s.setProvenanceLocked(it, field, ProvenanceRegex)
				changed = true
			}
			if !changed {
				continue
			}
			touched = append(touched, it.ID)
			if markDirty {
				s.markDirtyLocked(it)
			} else if now := s.now().UTC(); now.After(it.Canon.LastModified) {
				it.Canon.LastModified = now
			}
		}
		if len(touched) == 0 {
			return nil
		}
		s.recomputeConflictsLocked()
		if err := s.persistLocked(ctx); err != nil {
			return err
		}
		s.emitLocked(Event{Kind: EventChange, Operation: "applyRegex", ItemIDs: touched})
		return nil
	})
}

// ApplyColumnMap resolves each mapped raw path per item and overwrites the
// canon field with any non-empty result, provenance columnMap.
func (s *Store) ApplyColumnMap(ctx context.Context, mapping extract.ColumnMapping) error {
	return s.observe(ctx, "applyColumnMap", func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		var touched []string
		for _, it := range s.items {
			values := mapping.Apply(it.Raw)
			changed := false
			for _, field := range canonFieldOrder {
				value, ok := values[field]
				if !ok || it.field(field) == value {
					continue
				}
				if field == FieldCanonicalCaseID && it.Canon.LocalCaseID == "" {
					continue
				}
				if !it.setField(field, value) {
					continue
				}
				s.setProvenanceLocked(it, field, ProvenanceColumnMap)
				changed = true
			}
			if changed {
				s.markDirtyLocked(it)
				touched = append(touched, it.ID)
			}
		}
		if len(touched) == 0 {
			return nil
		}
		s.recomputeConflictsLocked()
		if err := s.persistLocked(ctx); err != nil {
			return err
		}
		s.emitLocked(Event{Kind: EventChange, Operation: "applyColumnMap", ItemIDs: touched})
		return nil
	})
}

// ApplyShim normalizes local stain and region identifiers through the alias
// dictionary. Only the value changes; provenance keeps recording the
// mechanism that supplied the field.
func (s *Store) ApplyShim(ctx context.Context, dict extract.ShimDictionary) error {
	return s.observe(ctx, "applyShim", func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		var touched []string
		for _, it := range s.items {
			changed := false
			for _, field := range []string{FieldLocalStainID, FieldLocalRegionID} {
				value := it.field(field)
				if value == "" {
					continue
				}
				if canonical, rewritten := dict.Normalize(field, value); rewritten {
					it.setField(field, canonical)
					changed = true
				}
			}
			if changed {
				s.markDirtyLocked(it)
				touched = append(touched, it.ID)
			}
		}
		if len(touched) == 0 {
			return nil
		}
		if err := s.persistLocked(ctx); err != nil {
			return err
		}
		s.emitLocked(Event{Kind: EventChange, Operation: "applyShim", ItemIDs: touched})
		return nil
	})
}

// EditField records an operator-entered value, provenance manual. Setting a
// field to the empty string clears it and drops its provenance entry.
func (s *Store) EditField(ctx context.Context, itemID, field, value string) error {
	return s.observe(ctx, "editField", func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		it, ok := s.byID[itemID]
		if !ok {
			return fmt.Errorf("item %s not found", itemID)
		}
		if field == FieldCanonicalCaseID && value != "" && it.Canon.LocalCaseID == "" {
			return fmt.Errorf("item %s has no local case ID to anchor canonical %s", itemID, value)
		}
		if !it.setField(field, value) {
			return fmt.Errorf("unknown canon field %s", field)
		}
		if value == "" {
			delete(it.Provenance, field)
		} else {
			s.setProvenanceLocked(it, field, ProvenanceManual)
		}
		// A canonical ID never outlives the local ID it maps from.
		if field == FieldLocalCaseID && value == "" && it.Canon.CanonicalCaseID != "" {
			it.Canon.CanonicalCaseID = ""
			delete(it.Provenance, FieldCanonicalCaseID)
		}
		s.markDirtyLocked(it)
		s.recomputeConflictsLocked()
		if err := s.persistLocked(ctx); err != nil {
			return err
		}
		s.emitLocked(Event{Kind: EventChange, Operation: "editField", ItemIDs: []string{itemID}})
		return nil
	})
}

// SetProtocolAssignment appends a protocol reference to the item's list for
// the kind. Order is insertion order; duplicates are ignored. The case ID
// must match the item's current canonical assignment.
func (s *Store) SetProtocolAssignment(ctx context.Context, caseID, itemID, protocolID string, kind protocol.Kind) error {
	return s.observe(ctx, "setProtocolAssignment", func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		it, err := s.assignmentItemLocked(caseID, itemID)
		if err != nil {
			return err
		}
		refs := &it.Canon.StainProtocolRefs
		if kind == protocol.KindRegion {
			refs = &it.Canon.RegionProtocolRefs
		}
		for _, existing := range *refs {
			if existing == protocolID {
				return nil
			}
		}
		*refs = append(*refs, protocolID)
		s.markDirtyLocked(it)
		if err := s.persistLocked(ctx); err != nil {
			return err
		}
		s.emitLocked(Event{Kind: EventChange, Operation: "setProtocolAssignment", ItemIDs: []string{itemID}})
		return nil
	})
}

// RemoveProtocolAssignment drops a protocol reference from the item's list.
func (s *Store) RemoveProtocolAssignment(ctx context.Context, caseID, itemID, protocolID string, kind protocol.Kind) error {
	return s.observe(ctx, "removeProtocolAssignment", func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		it, err := s.assignmentItemLocked(caseID, itemID)
		if err != nil {
			return err
		}
		refs := &it.Canon.StainProtocolRefs
		if kind == protocol.KindRegion {
			refs = &it.Canon.RegionProtocolRefs
		}
		for i, existing := range *refs {
			if existing == protocolID {
				*refs = append((*refs)[:i], (*refs)[i+1:]...)
				s.markDirtyLocked(it)
				if err := s.persistLocked(ctx); err != nil {
					return err
				}
				s.emitLocked(Event{Kind: EventChange, Operation: "removeProtocolAssignment", ItemIDs: []string{itemID}})
				return nil
			}
		}
		return nil
	})
}

func (s *Store) assignmentItemLocked(caseID, itemID string) (*Item, error) {
	it, ok := s.byID[itemID]
	if !ok {
		return nil, fmt.Errorf("item %s not found", itemID)
	}
	if it.Canon.CanonicalCaseID != caseID {
		return nil, fmt.Errorf("item %s is not assigned to case %s", itemID, caseID)
	}
	return it, nil
}
