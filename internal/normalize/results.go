package normalize

import (
	"strings"

	"github.com/tjfontaine/nexus-session/internal/domain"
	"github.com/tjfontaine/nexus-session/internal/pkg/fields"
)

var (
	ResultsRootFields     = []string{"results", "result", "data", "payload"}
	RootConfidenceFields  = []string{"confidence_score", "confidenceScore", "confidence", "overall_confidence", "overallConfidence"}
	KeyInsightFields      = []string{"key_insights", "keyInsights", "insights"}
	CarbonFields          = []string{"carbon", "carbon_summary", "carbonSummary", "domains.carbon", "report.sections.carbon"}
	PCFFields             = []string{"pcf", "pcf_summary", "pcfSummary", "domains.pcf", "report.sections.pcf"}
	NatureFields          = []string{"nature", "nature_summary", "natureSummary", "domains.nature", "report.sections.nature"}
	ReportFields          = []string{"report", "final_report", "finalReport"}
	NestedEntityListPaths = []string{"org_boundary.entities", "orgBoundary.entities", "report.sections.entities"}
	FailureMessageFields  = []string{"error", "error_message", "errorMessage", "message", "detail"}
	FailureIssueFields    = []string{"errors", "issues"}
)

// Results converts a results payload of any supported shape into
// CanonicalResults. It never fails: missing sections stay nil, lists are
// empty, and ConfidenceScore is nil when nothing carries a confidence.
func Results(raw any) domain.CanonicalResults {
	root := resultsRoot(raw)

	out := domain.CanonicalResults{
		Entities:        []domain.Entity{},
		KeyInsights:     []string{},
		Recommendations: []string{},
	}
	if root == nil {
		return out
	}

	out.Entities = Entities(fields.FirstSlice(root, "entities", "entity_list", "entityList"))
	if len(out.Entities) == 0 {
		out.Entities = Entities(fields.FirstSlice(root, NestedEntityListPaths...))
	}

	out.OrgBoundary = OrgBoundary(fields.FirstMap(root, OrgBoundaryFields...))
	out.Carbon = DomainSummary("carbon", fields.FirstMap(root, CarbonFields...))
	out.PCF = DomainSummary("pcf", fields.FirstMap(root, PCFFields...))
	out.Nature = DomainSummary("nature", fields.FirstMap(root, NatureFields...))
	out.Report = Report(fields.FirstMap(root, ReportFields...))

	if v, ok := fields.FirstNumber(root, RootConfidenceFields...); ok {
		c := ScaleConfidence(v)
		out.ConfidenceScore = &c
	} else {
		out.ConfidenceScore = MeanConfidence(EntityConfidences(out.Entities))
	}

	out.KeyInsights = fields.FirstStrings(root, KeyInsightFields...)
	if len(out.KeyInsights) == 0 && out.Report != nil {
		out.KeyInsights = append(out.KeyInsights, out.Report.Highlights...)
	}

	out.Recommendations = fields.FirstStrings(root, "recommendations")
	if len(out.Recommendations) == 0 {
		out.Recommendations = mergeRecommendations(out)
	}
	return out
}

func resultsRoot(raw any) map[string]any {
	m := fields.AsMap(raw)
	if m == nil {
		return nil
	}
	// A wrapper carries only a few envelope keys around the real payload.
	if inner := fields.FirstMap(m, ResultsRootFields...); inner != nil && !hasResultSections(m) {
		return inner
	}
	return m
}

func hasResultSections(m map[string]any) bool {
	for _, k := range []string{"entities", "org_boundary", "orgBoundary", "carbon", "pcf", "nature", "report"} {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func mergeRecommendations(r domain.CanonicalResults) []string {
	seen := make(map[string]struct{})
	out := []string{}
	add := func(recs []string) {
		for _, rec := range recs {
			if _, ok := seen[rec]; ok {
				continue
			}
			seen[rec] = struct{}{}
			out = append(out, rec)
		}
	}
	if r.OrgBoundary != nil {
		add(r.OrgBoundary.Recommendations)
	}
	for _, s := range []*domain.DomainSummary{r.Carbon, r.PCF, r.Nature} {
		if s != nil {
			add(s.Recommendations)
		}
	}
	return out
}

// Failure inspects a results or status payload for an explicit backend
// failure. It returns nil when the payload does not report one. The issue
// list is carried through verbatim.
func Failure(raw any) *domain.Failure {
	m := fields.AsMap(raw)
	if m == nil {
		return nil
	}
	status := strings.ToLower(fields.FirstString(m, "status", "state"))
	failed := strings.Contains(status, "error") || strings.Contains(status, "fail")

	msg := ""
	if s, ok := fields.AsString(m["error"]); ok {
		msg = s
		failed = true
	}
	if !failed {
		return nil
	}

	if msg == "" {
		msg = fields.FirstString(m, FailureMessageFields...)
	}
	issues := fields.FirstStrings(m, FailureIssueFields...)
	if msg == "" && len(issues) > 0 {
		msg = issues[0]
	}
	if msg == "" {
		msg = "analysis failed"
	}
	return domain.ErrBackend(msg, issues)
}
