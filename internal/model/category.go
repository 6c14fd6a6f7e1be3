// Package model defines the domain types shared across the document pipeline:
// document categories, processing statuses, tasks, and normalized records.
package model

import "strings"

// Category identifies the business document type produced by classification.
type Category string

const (
	// CategoryCERL is a certificate of legal existence and representation.
	CategoryCERL Category = "CERL"
	// CategoryCECRL is a certificate of existence for foreign entities.
	CategoryCECRL Category = "CECRL"
	// CategoryRUT is the national tax registry certificate.
	CategoryRUT Category = "RUT"
	// CategoryRUB is the beneficial-ownership registry certificate.
	CategoryRUB Category = "RUB"
	// CategoryACC is a shareholder composition document.
	CategoryACC Category = "ACC"
	// CategoryBlank marks documents with no usable content.
	CategoryBlank Category = "BLANK"
	// CategoryLinkOnly marks documents that contain only a link or reference.
	CategoryLinkOnly Category = "LINK_ONLY"
	// CategoryUnknown is the fallback when classification cannot decide.
	CategoryUnknown Category = "UNKNOWN"
	// CategoryForReview marks records synthesized for manual review.
	CategoryForReview Category = "ForReview"
)

// AllCategories returns every category a model may legitimately assign.
func AllCategories() []Category {
	return []Category{
		CategoryCERL,
		CategoryCECRL,
		CategoryRUT,
		CategoryRUB,
		CategoryACC,
		CategoryBlank,
		CategoryLinkOnly,
	}
}

// extractable is the fixed set of categories that continue to the
// field-extraction stage after classification.
var extractable = map[Category]bool{
	CategoryCERL:  true,
	CategoryCECRL: true,
	CategoryRUT:   true,
	CategoryRUB:   true,
	CategoryACC:   true,
}

// Extractable reports whether documents of this category require the
// extraction stage. BLANK, LINK_ONLY and unknown categories do not.
func (c Category) Extractable() bool {
	return extractable[c]
}

// ParseCategory normalizes a raw category string from model output.
// Unrecognized values map to CategoryUnknown.
func ParseCategory(s string) Category {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	if c == Category(strings.ToUpper(string(CategoryForReview))) {
		return CategoryForReview
	}
	for _, known := range AllCategories() {
		if c == known {
			return known
		}
	}
	return CategoryUnknown
}

// CategoryFromPath scans a stored-object path for a known category segment.
// Paths look like "store://docs/par-servicios/CERL/800035887/scan.pdf".
func CategoryFromPath(path string) Category {
	for _, part := range strings.Split(path, "/") {
		switch Category(part) {
		case CategoryCERL, CategoryCECRL, CategoryRUT, CategoryRUB, CategoryACC:
			return Category(part)
		}
	}
	return CategoryUnknown
}
