package normalize

import (
	"github.com/tjfontaine/nexus-session/internal/domain"
	"github.com/tjfontaine/nexus-session/internal/pkg/fields"
)

var (
	OrgBoundaryFields     = []string{"org_boundary", "orgBoundary", "organizational_boundary", "organizationalBoundary", "boundary_summary"}
	ConsolidationFields   = []string{"consolidation_method", "consolidationMethod", "consolidation_approach", "consolidationApproach"}
	InBoundaryFields      = []string{"in_boundary", "inBoundary", "included"}
	ReasonFields          = []string{"reason", "rationale"}
	RelationshipFields    = []string{"relationship", "relation"}
	NarrativeFields       = []string{"narrative", "summary"}
	RecommendationsFields = []string{"recommendations", "next_steps", "nextSteps"}
	IssueCodeFields       = []string{"code", "issue_code", "issueCode", "type"}
	IssueMessageFields    = []string{"message", "description", "text"}
	SeverityFields        = []string{"severity", "level"}
)

// OrgBoundary normalizes an organizational-boundary summary. It returns nil
// only when raw is not an object.
func OrgBoundary(raw any) *domain.OrgBoundary {
	m := fields.AsMap(raw)
	if m == nil {
		return nil
	}

	entities := Entities(m)
	ob := &domain.OrgBoundary{
		ConsolidationMethod: fields.FirstString(m, ConsolidationFields...),
		Entities:            entities,
		Boundary:            []domain.BoundaryEntry{},
		Hierarchy:           []domain.HierarchyEdge{},
		Issues:              []domain.DataIssue{},
		Narrative:           fields.FirstString(m, NarrativeFields...),
		Recommendations:     fields.FirstStrings(m, RecommendationsFields...),
	}

	for _, item := range fields.FirstSlice(m, "boundary", "boundary_entries", "boundaryEntries") {
		if bm := fields.AsMap(item); bm != nil {
			ob.Boundary = append(ob.Boundary, boundaryEntry(bm, len(ob.Boundary)))
		}
	}
	for _, item := range fields.FirstSlice(m, "hierarchy", "relationships") {
		if hm := fields.AsMap(item); hm != nil {
			ob.Hierarchy = append(ob.Hierarchy, hierarchyEdge(hm, len(ob.Hierarchy)))
		}
	}
	for _, item := range fields.FirstSlice(m, "issues", "data_issues", "dataIssues") {
		ob.Issues = append(ob.Issues, DataIssue(item))
	}

	// Older payloads only carry entities; derive the hierarchy from them.
	if len(ob.Hierarchy) == 0 {
		for _, e := range entities {
			if e.ParentID == nil {
				continue
			}
			ob.Hierarchy = append(ob.Hierarchy, domain.HierarchyEdge{
				EntityID:     e.ID,
				ParentID:     e.ParentID,
				ParentName:   e.ParentName,
				Relationship: "subsidiary",
			})
		}
	}
	return ob
}

func boundaryEntry(m map[string]any, index int) domain.BoundaryEntry {
	e := Entity(m, index)
	b := domain.BoundaryEntry{
		EntityID:    e.ID,
		Name:        e.Name,
		Reason:      fields.FirstString(m, ReasonFields...),
		ParentID:    e.ParentID,
		ParentName:  e.ParentName,
		CountryCode: e.CountryCode,
		Region:      e.Region,
	}
	if v, ok := fields.FirstBool(m, InBoundaryFields...); ok {
		b.InBoundary = v
	}
	return b
}

func hierarchyEdge(m map[string]any, index int) domain.HierarchyEdge {
	e := Entity(m, index)
	rel := fields.FirstString(m, RelationshipFields...)
	if rel == "" {
		rel = "subsidiary"
		if e.ParentID == nil {
			rel = "root"
		}
	}
	return domain.HierarchyEdge{
		EntityID:     e.ID,
		ParentID:     e.ParentID,
		ParentName:   e.ParentName,
		Relationship: rel,
	}
}

// DataIssue normalizes one data-quality issue. A bare string becomes the message.
func DataIssue(raw any) domain.DataIssue {
	issue := domain.DataIssue{Severity: domain.LevelWarning, Details: []string{}}
	if s, ok := fields.AsString(raw); ok {
		issue.Message = s
		return issue
	}
	m := fields.AsMap(raw)
	if m == nil {
		return issue
	}
	issue.Code = fields.FirstString(m, IssueCodeFields...)
	issue.Message = fields.FirstString(m, IssueMessageFields...)
	issue.Entity = fields.FirstString(m, "entity", "entity_name", "entityName", "entity_id", "entityId")
	issue.Field = fields.FirstString(m, "field", "column")
	issue.Recommendation = fields.FirstString(m, "recommendation", "suggestion")
	issue.Details = fields.FirstStrings(m, "details", "rows", "examples")
	if sev := fields.FirstString(m, SeverityFields...); sev != "" {
		issue.Severity = domain.ParseLevel(sev)
	}
	if issue.Message == "" {
		issue.Message = issue.Code
	}
	return issue
}
