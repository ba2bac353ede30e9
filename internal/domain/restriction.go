package domain

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// RestrictionMode decides how the material list of RestrictedBlocks is interpreted.
type RestrictionMode string

const (
	// RestrictionBlacklist restricts listed materials.
	RestrictionBlacklist RestrictionMode = "BLACKLIST"
	// RestrictionWhitelist restricts every material not listed.
	RestrictionWhitelist RestrictionMode = "WHITELIST"
	// RestrictionDisabled restricts nothing.
	RestrictionDisabled RestrictionMode = "DISABLED"
)

// ParseRestrictionMode parses a mode name, case-insensitively.
func ParseRestrictionMode(s string) (RestrictionMode, error) {
	switch m := RestrictionMode(strings.ToUpper(strings.TrimSpace(s))); m {
	case RestrictionBlacklist, RestrictionWhitelist, RestrictionDisabled:
		return m, nil
	case "":
		return RestrictionDisabled, nil
	default:
		return "", fmt.Errorf("unknown restriction mode %q", s)
	}
}

var upperMaterial = cases.Upper(language.Und)

// NormalizeMaterial converts a material name to its canonical form:
// trimmed, upper case, with spaces replaced by underscores ("diamond block" -> "DIAMOND_BLOCK").
func NormalizeMaterial(m string) string {
	m = strings.TrimSpace(m)
	if m == "" {
		return ""
	}
	return upperMaterial.String(strings.ReplaceAll(m, " ", "_"))
}

// RestrictedBlocks lists the materials excluded from tagging.
// Restricted blocks are never tagged and never judged as exploits.
type RestrictedBlocks struct {
	materials map[string]struct{}
	mode      RestrictionMode
}

// NewRestrictedBlocks copies materials into an immutable restriction set.
// Material names are expected to be normalized (upper case) by the caller.
func NewRestrictedBlocks(materials []string, mode RestrictionMode) RestrictedBlocks {
	set := make(map[string]struct{}, len(materials))
	for _, m := range materials {
		set[m] = struct{}{}
	}
	if mode == "" {
		mode = RestrictionDisabled
	}
	return RestrictedBlocks{materials: set, mode: mode}
}

// Mode returns the restriction mode.
func (r RestrictedBlocks) Mode() RestrictionMode {
	if r.mode == "" {
		return RestrictionDisabled
	}
	return r.mode
}

// Materials returns the sorted material list.
func (r RestrictedBlocks) Materials() []string {
	out := make([]string, 0, len(r.materials))
	for m := range r.materials {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// IsRestricted reports whether blocks of the given material are excluded.
func (r RestrictedBlocks) IsRestricted(material string) bool {
	_, listed := r.materials[material]
	switch r.Mode() {
	case RestrictionBlacklist:
		return listed
	case RestrictionWhitelist:
		return !listed
	default:
		return false
	}
}

// Filter returns the blocks that are not restricted.
func (r RestrictedBlocks) Filter(blocks []Block) []Block {
	out := make([]Block, 0, len(blocks))
	for _, b := range blocks {
		if !r.IsRestricted(b.Material) {
			out = append(out, b)
		}
	}
	return out
}
