package normalize

import (
	"slices"

	"github.com/tjfontaine/nexus-session/internal/domain"
	"github.com/tjfontaine/nexus-session/internal/pkg/fields"
)

var (
	SummaryTextFields      = []string{"summary", "overview", "description"}
	FrameworkFields        = []string{"frameworks", "standards", "framework"}
	GeographyFields        = []string{"geographies", "countries", "regions"}
	EntitiesAnalyzedFields = []string{"entities_analyzed", "entitiesAnalyzed", "entity_count", "entityCount"}
	SitesConsideredFields  = []string{"sites_considered", "sitesConsidered", "site_count", "siteCount"}
	AlignmentFields        = []string{"ghg_protocol_alignment", "ghgProtocolAlignment", "aligned"}
	HighlightFields        = []string{"highlights", "key_points", "keyPoints"}
)

// DomainSummary normalizes a carbon, PCF or nature assessment. It returns
// nil only when raw is not an object.
func DomainSummary(domainName string, raw any) *domain.DomainSummary {
	m := fields.AsMap(raw)
	if m == nil {
		return nil
	}
	s := &domain.DomainSummary{
		Domain:          domainName,
		Summary:         fields.FirstString(m, SummaryTextFields...),
		Frameworks:      fields.FirstStrings(m, FrameworkFields...),
		Geographies:     fields.FirstStrings(m, GeographyFields...),
		Recommendations: fields.FirstStrings(m, RecommendationsFields...),
	}
	if v, ok := fields.FirstNumber(m, EntitiesAnalyzedFields...); ok {
		s.EntitiesAnalyzed = int(v)
	}
	if v, ok := fields.FirstNumber(m, SitesConsideredFields...); ok {
		s.SitesConsidered = int(v)
	}
	if v, ok := fields.FirstBool(m, AlignmentFields...); ok {
		s.Aligned = &v
	}
	if s.EntitiesAnalyzed == 0 {
		s.EntitiesAnalyzed = len(fields.FirstSlice(m, "entities"))
	}
	return s
}

// Report normalizes the synthesized report. It returns nil only when raw
// is not an object.
func Report(raw any) *domain.Report {
	m := fields.AsMap(raw)
	if m == nil {
		return nil
	}
	exec := fields.FirstMap(m, "executive_summary", "executiveSummary")
	if exec == nil {
		exec = m
	}
	r := &domain.Report{
		Overview:   fields.FirstString(exec, "overview", "summary"),
		Highlights: fields.FirstStrings(exec, HighlightFields...),
		Sections:   []string{},
	}
	if sections := fields.FirstMap(m, "sections"); sections != nil {
		for name := range sections {
			r.Sections = append(r.Sections, name)
		}
		slices.Sort(r.Sections)
	} else {
		r.Sections = fields.FirstStrings(m, "sections")
	}
	return r
}
