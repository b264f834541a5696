// Package protocol owns the stain and region protocol catalogs: typed
// records referenced by slide items, with dirty tracking and JSON push/pull
// against a well-known archive folder.
package protocol

import (
	"crypto/rand"
	"fmt"
	"time"
)

// Kind distinguishes the two protocol catalogs.
type Kind string

const (
	KindStain  Kind = "stain"
	KindRegion Kind = "region"
)

// The ignore protocol of each kind marks slides deliberately excluded from a
// catalog. It always exists and cannot be deleted or edited.
const (
	IgnoreStainID  = "STAIN_ignore"
	IgnoreRegionID = "REGION_ignore"
)

// StainBody describes a staining procedure.
type StainBody struct {
	StainType       string `json:"stainType"`
	Antibody        string `json:"antibody,omitempty"`
	Technique       string `json:"technique,omitempty"`
	Dilution        string `json:"dilution,omitempty"`
	Vendor          string `json:"vendor,omitempty"`
	PhosphoSpecific bool   `json:"phosphoSpecific,omitempty"`
}

// RegionBody describes an anatomical sampling region.
type RegionBody struct {
	RegionType       string `json:"regionType"`
	SubRegion        string `json:"subRegion,omitempty"`
	Hemisphere       string `json:"hemisphere,omitempty"`
	SliceOrientation string `json:"sliceOrientation,omitempty"`
}

// Protocol is one catalog record. Exactly one of Stain/Region is set,
// matching Kind. LocalModified and RemoteVersion track sync state against
// the archive copy.
type Protocol struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Kind          Kind        `json:"kind"`
	Stain         *StainBody  `json:"stain,omitempty"`
	Region        *RegionBody `json:"region,omitempty"`
	LocalModified bool        `json:"localModified"`
	RemoteVersion *time.Time  `json:"remoteVersion,omitempty"`
}

// Conflict records a divergence detected during pull. Conflicts are never
// auto-merged; they stay in the log until an operator resolves them.
type Conflict struct {
	ProtocolID string    `json:"protocolId"`
	Kind       Kind      `json:"kind"`
	LocalBody  Protocol  `json:"localBody"`
	RemoteBody Protocol  `json:"remoteBody"`
	Timestamp  time.Time `json:"timestamp"`
	Resolved   bool      `json:"resolved"`
}

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewID generates a protocol identifier in the site convention:
// STAIN_xxxxxx / REGION_xxxxxx with a 6-character base36 suffix.
func NewID(kind Kind) string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	suffix := make([]byte, len(b))
	for i, v := range b {
		suffix[i] = idAlphabet[int(v)%len(idAlphabet)]
	}
	prefix := "STAIN"
	if kind == KindRegion {
		prefix = "REGION"
	}
	return fmt.Sprintf("%s_%s", prefix, suffix)
}

func (p Protocol) isIgnore() bool {
	return p.ID == IgnoreStainID || p.ID == IgnoreRegionID
}

func (p Protocol) clone() Protocol {
	cp := p
	if p.Stain != nil {
		body := *p.Stain
		cp.Stain = &body
	}
	if p.Region != nil {
		body := *p.Region
		cp.Region = &body
	}
	if p.RemoteVersion != nil {
		ts := *p.RemoteVersion
		cp.RemoteVersion = &ts
	}
	return cp
}

// bodiesEqual compares the typed bodies, ignoring sync metadata.
func bodiesEqual(a, b Protocol) bool {
	if a.Name != b.Name || a.Kind != b.Kind {
		return false
	}
	switch {
	case a.Stain != nil && b.Stain != nil:
		return *a.Stain == *b.Stain
	case a.Region != nil && b.Region != nil:
		return *a.Region == *b.Region
	default:
		return a.Stain == nil && b.Stain == nil && a.Region == nil && b.Region == nil
	}
}
