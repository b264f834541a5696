package reconcile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SiteSchema validates items' canonical.local subtrees against the site's
// published vocabulary (stain and region enums, ID patterns).
type SiteSchema struct {
	schema *jsonschema.Schema
}

// CompileSiteSchema compiles the site schema document: a standard JSON
// Schema constraining the canonical.local object.
func CompileSiteSchema(doc []byte) (*SiteSchema, error) {
	compiler := jsonschema.NewCompiler()
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parse site schema: %w", err)
	}
	if err := compiler.AddResource("site-schema.json", parsed); err != nil {
		return nil, fmt.Errorf("register site schema: %w", err)
	}
	schema, err := compiler.Compile("site-schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile site schema: %w", err)
	}
	return &SiteSchema{schema: schema}, nil
}

// ViolatedFields validates one canonical.local subtree and returns the field
// paths that failed, empty when the subtree conforms.
func (ss *SiteSchema) ViolatedFields(local map[string]any) ([]string, error) {
	raw, err := json.Marshal(local)
	if err != nil {
		return nil, fmt.Errorf("encode subtree: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode subtree: %w", err)
	}
	err = ss.schema.Validate(instance)
	if err == nil {
		return nil, nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return nil, err
	}
	set := make(map[string]bool)
	collectViolations(ve, set)
	fields := make([]string, 0, len(set))
	for f := range set {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields, nil
}

func collectViolations(ve *jsonschema.ValidationError, set map[string]bool) {
	if len(ve.Causes) == 0 {
		field := strings.Join(ve.InstanceLocation, ".")
		if field == "" {
			field = "(root)"
		}
		set[field] = true
		return
	}
	for _, cause := range ve.Causes {
		collectViolations(cause, set)
	}
}

// StatsReport summarizes table completeness and schema conformance.
type StatsReport struct {
	TotalItems          int            `json:"totalItems"`
	WithLocalCaseID     int            `json:"withLocalCaseId"`
	WithLocalStainID    int            `json:"withLocalStainId"`
	WithLocalRegionID   int            `json:"withLocalRegionId"`
	WithCanonicalCaseID int            `json:"withCanonicalCaseId"`
	DistinctStains      []string       `json:"distinctStains"`
	DistinctRegions     []string       `json:"distinctRegions"`
	SchemaValid         int            `json:"schemaValid"`
	SchemaInvalid       int            `json:"schemaInvalid"`
	FieldErrors         map[string]int `json:"fieldErrors,omitempty"`
	Modified            int            `json:"modified"`
	LocalConflicts      int            `json:"localConflicts"`
	CanonicalConflicts  int            `json:"canonicalConflicts"`
}

// Stats walks the table once and tallies field coverage; with a non-nil site
// schema each item's canonical.local subtree is also validated and per-field
// failure counts are collected.
func (s *Store) Stats(site *SiteSchema) (StatsReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := StatsReport{
		TotalItems:         len(s.items),
		Modified:           len(s.modified),
		LocalConflicts:     len(s.localConf),
		CanonicalConflicts: len(s.canonConf),
		FieldErrors:        make(map[string]int),
	}
	stains := make(map[string]bool)
	regions := make(map[string]bool)
	now := s.now()
	for _, it := range s.items {
		if it.Canon.LocalCaseID != "" {
			report.WithLocalCaseID++
		}
		if it.Canon.LocalStainID != "" {
			report.WithLocalStainID++
			stains[it.Canon.LocalStainID] = true
		}
		if it.Canon.LocalRegionID != "" {
			report.WithLocalRegionID++
			regions[it.Canon.LocalRegionID] = true
		}
		if it.Canon.CanonicalCaseID != "" {
			report.WithCanonicalCaseID++
		}
		if site == nil {
			continue
		}
		subtree := CanonicalMeta(*it, now)["canonical"].(map[string]any)["local"].(map[string]any)
		violated, err := site.ViolatedFields(subtree)
		if err != nil {
			return StatsReport{}, fmt.Errorf("validate item %s: %w", it.ID, err)
		}
		if len(violated) == 0 {
			report.SchemaValid++
		} else {
			report.SchemaInvalid++
			for _, field := range violated {
				report.FieldErrors[field]++
			}
		}
	}
	report.DistinctStains = sortedKeys(stains)
	report.DistinctRegions = sortedKeys(regions)
	if len(report.FieldErrors) == 0 {
		report.FieldErrors = nil
	}
	return report, nil
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
