package parse

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/corfid/docpipe/internal/model"
)

var nitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)NIT[:\s]*\.?(\d+[.\-]\d+[.\-]\d+)`),
	regexp.MustCompile(`(?i)NIT[:\s]*(\d+[.\-]\d+[.\-]\d+)`),
	regexp.MustCompile(`(?i)NIT[:\s]*(\d+)`),
	regexp.MustCompile(`(?i)identificación[:\s]+(\d+[.\-]\d+[.\-]\d+)`),
	regexp.MustCompile(`(?i)número[:\s]+(\d+[.\-]\d+[.\-]\d+)`),
}

var companyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)sociedad\s+([^\n]+?)(?:\s+NIT|\s+de|\n)`),
	regexp.MustCompile(`(?i)empresa\s+([^\n]+?)(?:\s+NIT|\s+de|\n)`),
	regexp.MustCompile(`(?i)compañía\s+([^\n]+?)(?:\s+NIT|\s+de|\n)`),
	regexp.MustCompile(`([A-Z][A-Z\s]+S\.A\.S?)`),
	regexp.MustCompile(`([A-Z][A-Z\s]+LTDA)`),
	regexp.MustCompile(`([A-Z][A-Z\s]+S\.A)`),
}

var shareholderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(\w+(?:\s+\w+)*)\s*\|\s*(\d+[.,\d]*)\s*\|\s*(\d+[.,\d]*)\s*\|\s*(\d+%?)`),
	regexp.MustCompile(`(\w+(?:\s+\w+)*)\s+(\d+[.,\d]+)\s+(\d+[.,\d]+)\s+(\d+%?)`),
}

// naturalLanguage salvages structured fields from a prose response. The
// model sometimes answers with a readable summary instead of JSON; the
// data is real, only the format is wrong. Returns nil when nothing
// recognizable was found.
func naturalLanguage(text, path string) *model.Record {
	prefix := text
	if len(prefix) > 1000 {
		prefix = prefix[:1000]
	}
	fields := map[string]any{
		"parsing_method":    "natural_language_extraction",
		"original_response": prefix,
	}

	found := false
	for _, p := range nitPatterns {
		if m := p.FindStringSubmatch(text); m != nil {
			fields["TaxId"] = strings.TrimSpace(m[1])
			found = true
			break
		}
	}

	for _, p := range companyPatterns {
		if m := p.FindStringSubmatch(text); m != nil {
			name := strings.TrimSpace(m[1])
			if len(name) > 3 {
				fields["PrincipalCompanyName"] = name
				found = true
				break
			}
		}
	}

	var parties []model.RelatedParty
	for _, p := range shareholderPatterns {
		for _, m := range p.FindAllStringSubmatch(text, -1) {
			if len(strings.TrimSpace(m[1])) > 2 {
				parties = append(parties, model.RelatedParty{
					Name:           strings.TrimSpace(m[1]),
					Identification: strings.TrimSpace(m[2]),
					Shares:         strings.TrimSpace(m[3]),
					Percentage:     strings.TrimSpace(m[4]),
				})
			}
		}
	}
	if parties != nil {
		found = true
	}

	if !found {
		return nil
	}

	category := model.CategoryUnknown
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "accionista") || strings.Contains(lower, "acciones"):
		fields["DocumentCategory"] = "Shareholder Information"
		category = model.CategoryACC
	case strings.Contains(lower, "representante") || strings.Contains(lower, "legal"):
		fields["DocumentCategory"] = "Legal Representative"
		category = model.CategoryCERL
	}

	for _, required := range []string{"PrincipalCompanyName", "TaxId", "DocumentCategory"} {
		if _, ok := fields[required]; !ok {
			fields[required] = "ForReview"
		}
	}

	zap.L().Info("extracted structured data from prose response",
		zap.String("path", path),
		zap.Int("related_parties", len(parties)))

	return &model.Record{
		Category:       category,
		DocumentNumber: model.DocumentNumberFromPath(path),
		DocumentType:   "company",
		Path:           path,
		Fields:         fields,
		RelatedParties: parties,
		Method:         model.ParseMethodNaturalLanguage,
		Confidence:     "medium",
		RequiresReview: true,
	}
}
