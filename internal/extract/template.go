package extract

import "strings"

// Placeholders recognized by Expand. Unrecognized placeholders are left
// verbatim in the output.
const (
	PlaceholderCanonicalCaseID = "canonicalCaseId"
	PlaceholderRegionProtocol  = "regionProtocol"
	PlaceholderStainProtocol   = "stainProtocol"
	PlaceholderRegion          = "region"
	PlaceholderStain           = "stain"
	PlaceholderOriginalName    = "originalName"
)

// TemplateValues supplies the rendered value per placeholder. OriginalName is
// the item's display name including its extension.
type TemplateValues struct {
	CanonicalCaseID string
	RegionProtocol  string
	StainProtocol   string
	Region          string
	Stain           string
	OriginalName    string
}

const missingValue = "unknown"

// Expand renders a naming template. Missing values render as "unknown", and
// the original file extension (suffix after the final dot) is re-appended so
// the normalized name keeps the source format. Expand is pure: equal inputs
// always produce equal output.
func Expand(template string, values TemplateValues) string {
	base, ext := splitExtension(values.OriginalName)
	replacements := map[string]string{
		PlaceholderCanonicalCaseID: values.CanonicalCaseID,
		PlaceholderRegionProtocol:  values.RegionProtocol,
		PlaceholderStainProtocol:   values.StainProtocol,
		PlaceholderRegion:          values.Region,
		PlaceholderStain:           values.Stain,
		PlaceholderOriginalName:    base,
	}

	var b strings.Builder
	rest := template
	for {
		open := strings.Index(rest, "{")
		if open < 0 {
			b.WriteString(rest)
			break
		}
		closeRel := strings.Index(rest[open:], "}")
		if closeRel < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:open])
		name := rest[open+1 : open+closeRel]
		if value, ok := replacements[name]; ok {
			if value == "" {
				value = missingValue
			}
			b.WriteString(value)
		} else {
			b.WriteString(rest[open : open+closeRel+1])
		}
		rest = rest[open+closeRel+1:]
	}
	return b.String() + ext
}

// splitExtension separates the suffix after the final dot, keeping the dot
// with the extension. Names without a dot have no extension.
func splitExtension(name string) (base, ext string) {
	idx := strings.LastIndex(name, ".")
	if idx <= 0 {
		return name, ""
	}
	return name[:idx], name[idx:]
}
