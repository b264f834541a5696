package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Body schemas mirror the site schema's protocol definitions. Bodies are
// validated structurally before a record enters the catalog so the archive
// never sees a malformed protocol.
const stainSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["stainType"],
	"properties": {
		"stainType": {"type": "string", "minLength": 1},
		"antibody": {"type": "string"},
		"technique": {"type": "string"},
		"dilution": {"type": "string"},
		"vendor": {"type": "string"},
		"phosphoSpecific": {"type": "boolean"}
	},
	"additionalProperties": false
}`

const regionSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["regionType"],
	"properties": {
		"regionType": {"type": "string", "minLength": 1},
		"subRegion": {"type": "string"},
		"hemisphere": {"type": "string", "enum": ["", "left", "right", "both", "unknown"]},
		"sliceOrientation": {"type": "string"}
	},
	"additionalProperties": false
}`

// SchemaValidationError reports which body fields failed validation and why.
type SchemaValidationError struct {
	Kind   Kind
	Fields map[string]string
}

func (e *SchemaValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, e.Fields[name]))
	}
	return fmt.Sprintf("invalid %s protocol body: %s", e.Kind, strings.Join(parts, "; "))
}

// IsSchemaValidation reports whether err carries per-field validation detail.
func IsSchemaValidation(err error) (*SchemaValidationError, bool) {
	var sve *SchemaValidationError
	if errors.As(err, &sve) {
		return sve, true
	}
	return nil, false
}

type validator struct {
	stain  *jsonschema.Schema
	region *jsonschema.Schema
}

func newValidator() (*validator, error) {
	compiler := jsonschema.NewCompiler()
	for name, text := range map[string]string{
		"stain-body.json":  stainSchemaJSON,
		"region-body.json": regionSchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if err := compiler.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add %s: %w", name, err)
		}
	}
	stain, err := compiler.Compile("stain-body.json")
	if err != nil {
		return nil, fmt.Errorf("compile stain schema: %w", err)
	}
	region, err := compiler.Compile("region-body.json")
	if err != nil {
		return nil, fmt.Errorf("compile region schema: %w", err)
	}
	return &validator{stain: stain, region: region}, nil
}

// validateBody round-trips the typed body through JSON so the schema sees the
// exact wire shape, then folds validation causes into per-field messages.
func (v *validator) validateBody(kind Kind, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s body: %w", kind, err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode %s body: %w", kind, err)
	}
	schema := v.stain
	if kind == KindRegion {
		schema = v.region
	}
	err = schema.Validate(instance)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	fields := make(map[string]string)
	collectCauses(ve, message.NewPrinter(language.English), fields)
	return &SchemaValidationError{Kind: kind, Fields: fields}
}

func collectCauses(ve *jsonschema.ValidationError, printer *message.Printer, fields map[string]string) {
	if len(ve.Causes) == 0 {
		field := strings.Join(ve.InstanceLocation, ".")
		if field == "" {
			field = "(body)"
		}
		fields[field] = ve.ErrorKind.LocalizedString(printer)
		return
	}
	for _, cause := range ve.Causes {
		collectCauses(cause, printer, fields)
	}
}
