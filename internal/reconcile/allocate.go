package reconcile

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// CanonicalIDPattern matches assigned case identifiers: BDSA-III-NNNN.
var CanonicalIDPattern = regexp.MustCompile(`^BDSA-(\d{3})-(\d{4})$`)

// canonicalPrefix renders the allocation prefix for an institution code,
// zero-padded to three characters.
func canonicalPrefix(institutionCode string) (string, error) {
	code := strings.TrimSpace(institutionCode)
	if code == "" || len(code) > 3 {
		return "", fmt.Errorf("institution code %q must be 1-3 characters", institutionCode)
	}
	for len(code) < 3 {
		code = "0" + code
	}
	return "BDSA-" + code + "-", nil
}

// maxSequenceLocked scans every item's canonical ID under the prefix and
// returns the highest numeric tail, 0 when none match.
func (s *Store) maxSequenceLocked(prefix string) int {
	max := 0
	for _, it := range s.items {
		id := it.Canon.CanonicalCaseID
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(id, prefix))
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max
}

// AllocateCanonicalCaseID assigns the next free canonical ID under the
// institution prefix to every item whose localCaseId equals the target.
// The allocator never assigns to an empty local key.
func (s *Store) AllocateCanonicalCaseID(ctx context.Context, localCaseID, institutionCode string) (string, error) {
	var assigned string
	err := s.observe(ctx, "allocateCanonicalCaseId", func(ctx context.Context) error {
		if strings.TrimSpace(localCaseID) == "" {
			return fmt.Errorf("local case id required")
		}
		prefix, err := canonicalPrefix(institutionCode)
		if err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		next := s.maxSequenceLocked(prefix) + 1
		assigned = fmt.Sprintf("%s%04d", prefix, next)
		touched := s.assignLocked(localCaseID, assigned)
		if len(touched) == 0 {
			return fmt.Errorf("no items carry local case id %s", localCaseID)
		}
		s.caseIDMap[localCaseID] = assigned
		s.recomputeConflictsLocked()
		if err := s.persistLocked(ctx); err != nil {
			return err
		}
		s.emitLocked(Event{Kind: EventChange, Operation: "allocateCanonicalCaseId", ItemIDs: touched})
		return nil
	})
	if err != nil {
		return "", err
	}
	return assigned, nil
}

// BulkAllocate assigns canonical IDs to every distinct local case ID that has
// none yet. One counter is seeded from the initial scan and incremented per
// distinct local ID; items are rewritten in a single batched pass so the
// modified set updates atomically with the assignments.
func (s *Store) BulkAllocate(ctx context.Context, institutionCode string) (map[string]string, error) {
	allocated := make(map[string]string)
	err := s.observe(ctx, "bulkAllocate", func(ctx context.Context) error {
		prefix, err := canonicalPrefix(institutionCode)
		if err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()

		counter := s.maxSequenceLocked(prefix)
		// Distinct unassigned local IDs in insertion order.
		seen := make(map[string]bool)
		var pending []string
		for _, it := range s.items {
			local := it.Canon.LocalCaseID
			if local == "" || it.Canon.CanonicalCaseID != "" || seen[local] {
				continue
			}
			if _, mapped := s.caseIDMap[local]; mapped {
				continue
			}
			seen[local] = true
			pending = append(pending, local)
		}

		for _, local := range pending {
			counter++
			allocated[local] = fmt.Sprintf("%s%04d", prefix, counter)
		}

		var touched []string
		for local, canonical := range allocated {
			touched = append(touched, s.assignLocked(local, canonical)...)
			s.caseIDMap[local] = canonical
		}
		if len(touched) == 0 {
			return nil
		}
		sort.Strings(touched)
		s.recomputeConflictsLocked()
		if err := s.persistLocked(ctx); err != nil {
			return err
		}
		s.emitLocked(Event{Kind: EventChange, Operation: "bulkAllocate", ItemIDs: touched})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return allocated, nil
}

// assignLocked writes a canonical ID to every item sharing the local case ID,
// stamping caseIdMap provenance and marking each item dirty.
func (s *Store) assignLocked(localCaseID, canonicalID string) []string {
	var touched []string
	for _, it := range s.items {
		if it.Canon.LocalCaseID != localCaseID {
			continue
		}
		if it.Canon.CanonicalCaseID == canonicalID {
			continue
		}
		it.Canon.CanonicalCaseID = canonicalID
		s.setProvenanceLocked(it, FieldCanonicalCaseID, ProvenanceCaseIDMap)
		s.markDirtyLocked(it)
		touched = append(touched, it.ID)
	}
	return touched
}

// CaseIDMap returns a copy of the local-to-canonical mapping.
func (s *Store) CaseIDMap() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.caseIDMap))
	for k, v := range s.caseIDMap {
		out[k] = v
	}
	return out
}

// LocalConflicts lists local case IDs mapped to two or more canonical IDs.
func (s *Store) LocalConflicts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.localConf...)
}

// CanonicalConflicts lists canonical IDs claimed by two or more local IDs.
func (s *Store) CanonicalConflicts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.canonConf...)
}

// recomputeConflictsLocked rebuilds both conflict views from the item table.
// Conflicts are data conditions, never errors: mutations that create them
// still succeed.
func (s *Store) recomputeConflictsLocked() {
	canonicalByLocal := make(map[string]map[string]bool)
	localByCanonical := make(map[string]map[string]bool)
	for _, it := range s.items {
		local, canonical := it.Canon.LocalCaseID, it.Canon.CanonicalCaseID
		if local != "" && canonical != "" {
			if canonicalByLocal[local] == nil {
				canonicalByLocal[local] = make(map[string]bool)
			}
			canonicalByLocal[local][canonical] = true
		}
		if canonical != "" && local != "" {
			if localByCanonical[canonical] == nil {
				localByCanonical[canonical] = make(map[string]bool)
			}
			localByCanonical[canonical][local] = true
		}
	}
	s.localConf = s.localConf[:0]
	for local, canonicals := range canonicalByLocal {
		if len(canonicals) >= 2 {
			s.localConf = append(s.localConf, local)
		}
	}
	sort.Strings(s.localConf)
	s.canonConf = s.canonConf[:0]
	for canonical, locals := range localByCanonical {
		if len(locals) >= 2 {
			s.canonConf = append(s.canonConf, canonical)
		}
	}
	sort.Strings(s.canonConf)
}

// ResolveLocalConflict rewrites every item sharing the local case ID to the
// chosen canonical ID, clearing the conflict. All sharers are marked dirty,
// including those that already carried the chosen value: their metadata must
// be re-pushed so the archive reflects the resolution.
func (s *Store) ResolveLocalConflict(ctx context.Context, localCaseID, chosenCanonicalID string) error {
	return s.observe(ctx, "resolveLocalConflict", func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		var touched []string
		for _, it := range s.items {
			if it.Canon.LocalCaseID != localCaseID {
				continue
			}
			it.Canon.CanonicalCaseID = chosenCanonicalID
			s.setProvenanceLocked(it, FieldCanonicalCaseID, ProvenanceCaseIDMap)
			s.markDirtyLocked(it)
			touched = append(touched, it.ID)
		}
		if len(touched) == 0 {
			return fmt.Errorf("no items to rewrite for local case id %s", localCaseID)
		}
		s.caseIDMap[localCaseID] = chosenCanonicalID
		s.recomputeConflictsLocked()
		if err := s.persistLocked(ctx); err != nil {
			return err
		}
		s.emitLocked(Event{Kind: EventChange, Operation: "resolveLocalConflict", ItemIDs: touched})
		return nil
	})
}

// ResolveCanonicalConflict keeps the canonical ID for the chosen local case
// ID and strips it from every item carrying a different local ID.
func (s *Store) ResolveCanonicalConflict(ctx context.Context, canonicalCaseID, chosenLocalCaseID string) error {
	return s.observe(ctx, "resolveCanonicalConflict", func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		var touched []string
		for _, it := range s.items {
			if it.Canon.CanonicalCaseID != canonicalCaseID || it.Canon.LocalCaseID == chosenLocalCaseID {
				continue
			}
			it.Canon.CanonicalCaseID = ""
			delete(it.Provenance, FieldCanonicalCaseID)
			s.markDirtyLocked(it)
			if it.Canon.LocalCaseID != "" && s.caseIDMap[it.Canon.LocalCaseID] == canonicalCaseID {
				delete(s.caseIDMap, it.Canon.LocalCaseID)
			}
			touched = append(touched, it.ID)
		}
		if len(touched) == 0 {
			return fmt.Errorf("no conflicting items for canonical id %s", canonicalCaseID)
		}
		s.caseIDMap[chosenLocalCaseID] = canonicalCaseID
		s.recomputeConflictsLocked()
		if err := s.persistLocked(ctx); err != nil {
			return err
		}
		s.emitLocked(Event{Kind: EventChange, Operation: "resolveCanonicalConflict", ItemIDs: touched})
		return nil
	})
}
