package reconcile

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"slidewrangler/internal/archive"
	"slidewrangler/internal/extract"
)

// LoadCSV parses a tabular source and replaces the table wholesale. Each row
// becomes an item with a synthetic ID derived from the file name, the load
// epoch, and the row index. Rows whose field count differs from the header
// are skipped; the returned warnings name them.
func (s *Store) LoadCSV(ctx context.Context, data []byte, filename string) ([]string, error) {
	var warnings []string
	err := s.observe(ctx, "loadCsv", func(ctx context.Context) error {
		reader := csv.NewReader(bytes.NewReader(data))
		reader.FieldsPerRecord = -1
		header, err := reader.Read()
		if err == io.EOF {
			return fmt.Errorf("csv %s: empty file", filename)
		}
		if err != nil {
			return fmt.Errorf("csv %s: read header: %w", filename, err)
		}

		nameCol := nameColumn(header)
		epoch := s.now().Unix()
		slug := slugify(filename)

		var items []*Item
		for rowIdx := 0; ; rowIdx++ {
			record, err := reader.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("csv %s: row %d: %w", filename, rowIdx, err)
			}
			if len(record) != len(header) {
				warnings = append(warnings, fmt.Sprintf(
					"row %d skipped: %d fields, header has %d", rowIdx, len(record), len(header)))
				continue
			}
			raw := make(map[string]any, len(header))
			for i, col := range header {
				raw[col] = record[i]
			}
			name := ""
			if nameCol >= 0 {
				name = record[nameCol]
			}
			id := fmt.Sprintf("csv_%s_%d_%d", slug, epoch, rowIdx)
			if name == "" {
				name = id
			}
			items = append(items, &Item{ID: id, Name: name, Raw: raw})
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		s.resetLocked(items)
		if err := s.persistLocked(ctx); err != nil {
			return err
		}
		s.emitLocked(Event{Kind: EventChange, Operation: "loadCsv"})
		return nil
	})
	return warnings, err
}

// nameColumn picks the display-name column: a header literally called name or
// filename wins; otherwise the first column.
func nameColumn(header []string) int {
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "name", "filename", "file_name", "file name":
			return i
		}
	}
	if len(header) > 0 {
		return 0
	}
	return -1
}

func slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// LoadFromArchive lists every item under the parent and replaces the table.
// Canon fields present in the server's canonical.local subtree are seeded
// with provenance server; the case-ID map is rebuilt from the seeded pairs.
// Loading clears the modified set: nothing freshly loaded is dirty.
func (s *Store) LoadFromArchive(ctx context.Context, client archive.Client, parentID string, parentType archive.ParentType) error {
	return s.observe(ctx, "loadFromArchive", func(ctx context.Context) error {
		remote, err := client.ListItems(ctx, parentID, parentType)
		if err != nil {
			return fmt.Errorf("list archive items: %w", err)
		}

		items := make([]*Item, 0, len(remote))
		for _, r := range remote {
			it := &Item{ID: r.ID, Name: r.Name, Raw: cloneRaw(r.Meta)}
			seedCanonFromMeta(it, r.Meta)
			items = append(items, it)
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		s.resetLocked(items)
		for _, it := range s.items {
			if it.Canon.LocalCaseID != "" && it.Canon.CanonicalCaseID != "" {
				if _, taken := s.caseIDMap[it.Canon.LocalCaseID]; !taken {
					s.caseIDMap[it.Canon.LocalCaseID] = it.Canon.CanonicalCaseID
				}
			}
		}
		s.recomputeConflictsLocked()
		if err := s.persistLocked(ctx); err != nil {
			return err
		}
		s.emitLocked(Event{Kind: EventChange, Operation: "loadFromArchive"})
		return nil
	})
}

// seedCanonFromMeta copies canonical.local fields the server already holds.
func seedCanonFromMeta(it *Item, meta map[string]any) {
	local, ok := canonicalLocal(meta)
	if !ok {
		return
	}
	for _, field := range []string{FieldLocalCaseID, FieldLocalStainID, FieldLocalRegionID, FieldCanonicalCaseID} {
		if value, ok := local[field].(string); ok && value != "" {
			it.setField(field, value)
			if it.Provenance == nil {
				it.Provenance = make(map[string]Provenance)
			}
			it.Provenance[field] = ProvenanceServer
		}
	}
	it.Canon.StainProtocolRefs = stringList(local["stainProtocol"])
	it.Canon.RegionProtocolRefs = stringList(local["regionProtocol"])
}

func canonicalLocal(meta map[string]any) (map[string]any, bool) {
	value, ok := extract.ResolvePath(meta, "canonical.local")
	if !ok {
		return nil, false
	}
	local, ok := value.(map[string]any)
	return local, ok
}

func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, e := range list {
		if str, ok := e.(string); ok && str != "" {
			out = append(out, str)
		}
	}
	return out
}
