// Package reconcile owns the slide item table: the canonical overlay per
// item, field provenance, the modified set, the case-ID map with its conflict
// views, and the canonical case-ID allocator. Every mutation is snapshotted
// to the state store before subscribers observe it.
package reconcile

import "time"

// Provenance records which mechanism supplied a canonical field value.
type Provenance string

const (
	ProvenanceServer    Provenance = "server"
	ProvenanceColumnMap Provenance = "columnMap"
	ProvenanceRegex     Provenance = "regex"
	ProvenanceCaseIDMap Provenance = "caseIdMap"
	ProvenanceManual    Provenance = "manual"
)

// Canonical overlay field names. These double as regex rule targets, column
// mapping targets, and provenance map keys.
const (
	FieldLocalCaseID     = "localCaseId"
	FieldLocalStainID    = "localStainId"
	FieldLocalRegionID   = "localRegionId"
	FieldCanonicalCaseID = "canonicalCaseId"
)

// SourceMarker identifies metadata written by this engine on the archive.
const SourceMarker = "metadata-reconciliation-engine"

// Canon is the canonical overlay carried by every item. Empty strings mean
// "not set"; a set field always has a provenance entry on the item.
type Canon struct {
	LocalCaseID        string    `json:"localCaseId,omitempty"`
	LocalStainID       string    `json:"localStainId,omitempty"`
	LocalRegionID      string    `json:"localRegionId,omitempty"`
	CanonicalCaseID    string    `json:"canonicalCaseId,omitempty"`
	StainProtocolRefs  []string  `json:"stainProtocolRefs,omitempty"`
	RegionProtocolRefs []string  `json:"regionProtocolRefs,omitempty"`
	LastModified       time.Time `json:"lastModified,omitzero"`
}

// Item is one slide record: archive ID (or synthetic CSV ID), display name,
// the raw attribute bag as received, and the canonical overlay.
type Item struct {
	ID         string                `json:"id"`
	Name       string                `json:"name"`
	Raw        map[string]any        `json:"raw,omitempty"`
	Canon      Canon                 `json:"canon"`
	Provenance map[string]Provenance `json:"provenance,omitempty"`
}

func (it *Item) field(name string) string {
	switch name {
	case FieldLocalCaseID:
		return it.Canon.LocalCaseID
	case FieldLocalStainID:
		return it.Canon.LocalStainID
	case FieldLocalRegionID:
		return it.Canon.LocalRegionID
	case FieldCanonicalCaseID:
		return it.Canon.CanonicalCaseID
	}
	return ""
}

func (it *Item) setField(name, value string) bool {
	switch name {
	case FieldLocalCaseID:
		it.Canon.LocalCaseID = value
	case FieldLocalStainID:
		it.Canon.LocalStainID = value
	case FieldLocalRegionID:
		it.Canon.LocalRegionID = value
	case FieldCanonicalCaseID:
		it.Canon.CanonicalCaseID = value
	default:
		return false
	}
	return true
}

// hasAnyCanonValue reports whether any string field of the overlay is set.
// The regex extractor skips such items wholesale; see ApplyRegex.
func (it *Item) hasAnyCanonValue() bool {
	return it.Canon.LocalCaseID != "" || it.Canon.LocalStainID != "" ||
		it.Canon.LocalRegionID != "" || it.Canon.CanonicalCaseID != ""
}

func (it *Item) clone() *Item {
	cp := *it
	cp.Raw = cloneRaw(it.Raw)
	cp.Canon.StainProtocolRefs = append([]string(nil), it.Canon.StainProtocolRefs...)
	cp.Canon.RegionProtocolRefs = append([]string(nil), it.Canon.RegionProtocolRefs...)
	if it.Provenance != nil {
		cp.Provenance = make(map[string]Provenance, len(it.Provenance))
		for k, v := range it.Provenance {
			cp.Provenance[k] = v
		}
	}
	return &cp
}

func cloneRaw(raw map[string]any) map[string]any {
	if raw == nil {
		return nil
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return cloneRaw(tv)
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// CanonicalMeta builds the complete canonical.local subtree for an item. The
// archive replaces top-level metadata keys wholesale, so the subtree is
// always written whole, stamped with the write time and the engine's source
// marker.
func CanonicalMeta(it Item, now time.Time) map[string]any {
	local := map[string]any{
		"localCaseId":     it.Canon.LocalCaseID,
		"localStainId":    it.Canon.LocalStainID,
		"localRegionId":   it.Canon.LocalRegionID,
		"canonicalCaseId": it.Canon.CanonicalCaseID,
		"stainProtocol":   append([]string{}, it.Canon.StainProtocolRefs...),
		"regionProtocol":  append([]string{}, it.Canon.RegionProtocolRefs...),
		"lastUpdated":     now.UTC().Format(time.RFC3339),
		"source":          SourceMarker,
	}
	return map[string]any{"canonical": map[string]any{"local": local}}
}
