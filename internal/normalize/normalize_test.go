package normalize

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tjfontaine/nexus-session/internal/domain"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	return v
}

func ptr[T any](v T) *T { return &v }

func TestScaleConfidence(t *testing.T) {
	tests := []struct {
		in   float64
		want int
	}{
		{0.873, 87},
		{92, 92},
		{1, 100},
		{0, 0},
		{0.5, 50},
		{150, 100},
		{-3, 0},
	}
	for _, tt := range tests {
		if got := ScaleConfidence(tt.in); got != tt.want {
			t.Errorf("ScaleConfidence(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestResults_EmptyPayload(t *testing.T) {
	for _, raw := range []any{nil, map[string]any{}, decode(t, `null`), "not an object", decode(t, `[]`)} {
		got := Results(raw)
		if got.Entities == nil || len(got.Entities) != 0 {
			t.Errorf("Results(%v).Entities = %#v, want empty slice", raw, got.Entities)
		}
		if got.ConfidenceScore != nil {
			t.Errorf("Results(%v).ConfidenceScore = %d, want nil", raw, *got.ConfidenceScore)
		}
		if got.KeyInsights == nil || got.Recommendations == nil {
			t.Errorf("Results(%v) left nil lists", raw)
		}
	}
}

func TestEntities_SnakeCaseIdentifiers(t *testing.T) {
	raw := decode(t, `[
		{"entity_id": "E-1", "name": "Acme Holdings", "country_code": "gb", "confidence": 0.92},
		{"entity_id": "E-2", "parent_id": "E-1", "parent_name": "Acme Holdings", "name": "Acme Plant", "type": "facility", "confidence": 0.85, "source_file": "entities.xlsx", "source_row": 3}
	]`)

	got := Entities(raw)
	want := []domain.Entity{
		{ID: "E-1", Name: "Acme Holdings", CountryCode: "GB", Confidence: ptr(92)},
		{ID: "E-2", Name: "Acme Plant", ParentID: ptr("E-1"), ParentName: "Acme Holdings", Type: "facility",
			Confidence: ptr(85), SourceFile: "entities.xlsx", SourceRow: 3},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Entities() mismatch (-want +got):\n%s", diff)
	}
}

func TestEntity_FieldPrecedence(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantID  string
		wantOwn *float64
	}{
		{"entity_id wins over entityId and id", `{"id": "c", "entityId": "b", "entity_id": "a"}`, "a", nil},
		{"entityId wins over id", `{"id": "c", "entityId": "b"}`, "b", nil},
		{"id before entity_identifier", `{"entity_identifier": "d", "id": "c"}`, "c", nil},
		{"numeric id", `{"id": 42}`, "42", nil},
		{"blank id falls through", `{"entity_id": "  ", "id": "c"}`, "c", nil},
		{"ownership_percentage wins", `{"id": "x", "ownershipPercentage": 40, "ownership_percentage": 51}`, "x", ptr(51.0)},
		{"ownershipPercentage fallback", `{"id": "x", "ownershipPercentage": "40%"}`, "x", ptr(40.0)},
		{"name slug when no id", `{"name": "Acme Ltd."}`, "acme-ltd", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := decode(t, tt.payload).(map[string]any)
			got := Entity(m, 0)
			if got.ID != tt.wantID {
				t.Errorf("ID = %q, want %q", got.ID, tt.wantID)
			}
			if diff := cmp.Diff(tt.wantOwn, got.OwnershipPercentage); diff != "" {
				t.Errorf("OwnershipPercentage mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEntity_MissingParentIsNil(t *testing.T) {
	got := Entity(map[string]any{"entity_id": "root"}, 0)
	if got.ParentID != nil {
		t.Errorf("ParentID = %q, want nil", *got.ParentID)
	}
	got = Entity(map[string]any{}, 4)
	if got.ID != "entity-5" {
		t.Errorf("ID = %q, want entity-5", got.ID)
	}
}

func TestResults_ConfidenceMean(t *testing.T) {
	raw := decode(t, `{"entities": [
		{"entity_id": "a", "confidence": 0.9},
		{"entity_id": "b", "confidence": 80},
		{"entity_id": "c"}
	]}`)
	got := Results(raw)
	if got.ConfidenceScore == nil || *got.ConfidenceScore != 85 {
		t.Fatalf("ConfidenceScore = %v, want 85", got.ConfidenceScore)
	}

	raw = decode(t, `{"confidence_score": 0.5, "entities": [{"entity_id": "a", "confidence": 0.9}]}`)
	got = Results(raw)
	if got.ConfidenceScore == nil || *got.ConfidenceScore != 50 {
		t.Fatalf("explicit ConfidenceScore = %v, want 50", got.ConfidenceScore)
	}
}

func TestResults_BackendShape(t *testing.T) {
	raw := decode(t, `{
		"entities": [
			{"entity_id": "ENT-1", "name": "Acme", "country": "US", "confidence": 0.92},
			{"entity_id": "ENT-2", "name": "Acme EU", "parent_id": "ENT-1", "country": "DE", "confidence": 0.85}
		],
		"carbon": {
			"summary": "Carbon assessment baseline",
			"ghg_protocol_alignment": true,
			"entities_analyzed": 2,
			"geographies": ["DE", "US"],
			"recommendations": ["Collect Scope 1 data", "Gather Scope 2 data"]
		},
		"pcf": {
			"summary": "PCF readiness assessment",
			"standards": ["ISO 14067"],
			"next_steps": ["Define product system boundaries"]
		},
		"nature": {
			"summary": "Nature risk baseline",
			"frameworks": ["TNFD", "BNG"],
			"sites_considered": 1,
			"recommendations": ["Collect Scope 1 data", "Screen sites"]
		},
		"report": {
			"executive_summary": {"overview": "Analyzed 2 entities.", "highlights": ["Carbon assessment baseline", null]},
			"sections": {"nature": {}, "carbon": {}, "entities": []}
		}
	}`)

	got := Results(raw)

	if len(got.Entities) != 2 {
		t.Fatalf("len(Entities) = %d, want 2", len(got.Entities))
	}
	if got.ConfidenceScore == nil || *got.ConfidenceScore != 89 {
		t.Errorf("ConfidenceScore = %v, want 89", got.ConfidenceScore)
	}

	wantCarbon := &domain.DomainSummary{
		Domain:           "carbon",
		Summary:          "Carbon assessment baseline",
		Frameworks:       []string{},
		Geographies:      []string{"DE", "US"},
		EntitiesAnalyzed: 2,
		Aligned:          ptr(true),
		Recommendations:  []string{"Collect Scope 1 data", "Gather Scope 2 data"},
	}
	if diff := cmp.Diff(wantCarbon, got.Carbon); diff != "" {
		t.Errorf("Carbon mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"ISO 14067"}, got.PCF.Frameworks); diff != "" {
		t.Errorf("PCF.Frameworks mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Define product system boundaries"}, got.PCF.Recommendations); diff != "" {
		t.Errorf("PCF.Recommendations mismatch (-want +got):\n%s", diff)
	}
	if got.Nature.SitesConsidered != 1 {
		t.Errorf("Nature.SitesConsidered = %d, want 1", got.Nature.SitesConsidered)
	}

	wantReport := &domain.Report{
		Overview:   "Analyzed 2 entities.",
		Highlights: []string{"Carbon assessment baseline"},
		Sections:   []string{"carbon", "entities", "nature"},
	}
	if diff := cmp.Diff(wantReport, got.Report); diff != "" {
		t.Errorf("Report mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Carbon assessment baseline"}, got.KeyInsights); diff != "" {
		t.Errorf("KeyInsights mismatch (-want +got):\n%s", diff)
	}

	wantRecs := []string{"Collect Scope 1 data", "Gather Scope 2 data", "Define product system boundaries", "Screen sites"}
	if diff := cmp.Diff(wantRecs, got.Recommendations); diff != "" {
		t.Errorf("Recommendations mismatch (-want +got):\n%s", diff)
	}
	if got.OrgBoundary != nil {
		t.Errorf("OrgBoundary = %+v, want nil", got.OrgBoundary)
	}
}

func TestResults_CamelCaseNested(t *testing.T) {
	raw := decode(t, `{"type": "complete", "data": {
		"orgBoundary": {
			"consolidationMethod": "operational_control",
			"entities": [{"entityId": "p"}, {"entityId": "c", "parentId": "p", "confidence": 70}]
		},
		"keyInsights": ["two entities"],
		"carbonSummary": {"summary": "ok"}
	}}`)

	got := Results(raw)

	if len(got.Entities) != 2 || got.Entities[1].ParentID == nil || *got.Entities[1].ParentID != "p" {
		t.Fatalf("Entities = %+v, want two entities with c -> p", got.Entities)
	}
	if got.OrgBoundary == nil || got.OrgBoundary.ConsolidationMethod != "operational_control" {
		t.Fatalf("OrgBoundary = %+v", got.OrgBoundary)
	}
	wantHierarchy := []domain.HierarchyEdge{{EntityID: "c", ParentID: ptr("p"), Relationship: "subsidiary"}}
	if diff := cmp.Diff(wantHierarchy, got.OrgBoundary.Hierarchy); diff != "" {
		t.Errorf("Hierarchy mismatch (-want +got):\n%s", diff)
	}
	if got.Carbon == nil || got.Carbon.Summary != "ok" {
		t.Errorf("Carbon = %+v", got.Carbon)
	}
	if got.ConfidenceScore == nil || *got.ConfidenceScore != 70 {
		t.Errorf("ConfidenceScore = %v, want 70", got.ConfidenceScore)
	}
	if diff := cmp.Diff([]string{"two entities"}, got.KeyInsights); diff != "" {
		t.Errorf("KeyInsights mismatch (-want +got):\n%s", diff)
	}
}

func TestOrgBoundary_Issues(t *testing.T) {
	raw := decode(t, `{
		"boundary": [{"entity_id": "a", "name": "A", "in_boundary": true, "reason": "majority owned"}],
		"issues": [
			{"code": "MISSING_PARENT", "message": "Parent not found", "severity": "error", "entity": "B", "details": ["row 4"]},
			"free text issue"
		],
		"narrative": "One entity in boundary."
	}`)

	got := OrgBoundary(raw)
	want := &domain.OrgBoundary{
		Entities:  []domain.Entity{},
		Boundary:  []domain.BoundaryEntry{{EntityID: "a", Name: "A", InBoundary: true, Reason: "majority owned"}},
		Hierarchy: []domain.HierarchyEdge{},
		Issues: []domain.DataIssue{
			{Code: "MISSING_PARENT", Message: "Parent not found", Severity: domain.LevelError, Entity: "B", Details: []string{"row 4"}},
			{Message: "free text issue", Severity: domain.LevelWarning, Details: []string{}},
		},
		Narrative:       "One entity in boundary.",
		Recommendations: []string{},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("OrgBoundary() mismatch (-want +got):\n%s", diff)
	}
}

func TestFailure(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    *domain.Failure
	}{
		{"completed", `{"status": "complete", "progress": 100}`, nil},
		{"not an object", `[1, 2]`, nil},
		{"status error with issues", `{"status": "error", "errors": ["parse failed: entities.xlsx", "timeout"]}`,
			&domain.Failure{Kind: domain.FailureBackend, Message: "parse failed: entities.xlsx", Issues: []string{"parse failed: entities.xlsx", "timeout"}}},
		{"error string", `{"error": "backend exploded"}`,
			&domain.Failure{Kind: domain.FailureBackend, Message: "backend exploded"}},
		{"failed without detail", `{"status": "failed"}`,
			&domain.Failure{Kind: domain.FailureBackend, Message: "analysis failed"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Failure(decode(t, tt.payload))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Failure() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
