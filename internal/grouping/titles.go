package grouping

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/lotas/bubblegroups/internal/types"
)

const (
	opaqueMinLen  = 16
	opaqueKeep    = 8
	untitledLabel = "Untitled"
)

type reserved struct {
	label string
	color string
}

var reservedVersions = map[string]reserved{
	"test": {label: "Test", color: types.ColorOrange},
	"live": {label: "Live", color: types.ColorGreen},
}

// ReservedColor returns the fixed color of a reserved version.
func ReservedColor(versionID string) (string, bool) {
	r, ok := reservedVersions[versionID]
	return r.color, ok
}

// IsReserved reports whether versionID is "test" or "live".
func IsReserved(versionID string) bool {
	_, ok := reservedVersions[versionID]
	return ok
}

var titleCase = cases.Title(language.Und, cases.NoLower)

// CleanVersion renders a raw version identifier for display.
func CleanVersion(v string) string {
	switch {
	case v == "":
		return untitledLabel
	case len(v) >= opaqueMinLen && isHexLike(v):
		return v[:opaqueKeep] + "…"
	case strings.ContainsAny(v, "_-"):
		words := strings.FieldsFunc(v, func(r rune) bool { return r == '_' || r == '-' })
		if len(words) == 0 {
			return untitledLabel
		}
		for i, w := range words {
			words[i] = titleCase.String(w)
		}
		return strings.Join(words, " ")
	}
	return v
}

func isHexLike(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F', r == '-':
		default:
			return false
		}
	}
	return true
}

// VersionLabel picks the label for a branch: display name (when allowed),
// reserved label, scraped name, then the cleaned version identifier.
func VersionLabel(b *types.Branch, versionID string, includeDisplay bool) string {
	if b != nil && includeDisplay && b.DisplayName != "" {
		return b.DisplayName
	}
	if r, ok := reservedVersions[versionID]; ok {
		return r.label
	}
	if b != nil && b.ScrapedName != "" {
		return b.ScrapedName
	}
	return CleanVersion(versionID)
}

// ComputeTitle returns the group title for key. Display names are used
// verbatim; other labels get the app ID appended in windows holding more
// than one app.
func ComputeTitle(b *types.Branch, key types.BranchKey, multiApp, includeDisplay bool) string {
	if b != nil && includeDisplay && b.DisplayName != "" {
		return b.DisplayName
	}
	label := VersionLabel(b, key.VersionID, false)
	if multiApp {
		return label + " | " + key.AppID
	}
	return label
}
