package domain

// Entity is a legal entity or facility extracted by the backend.
type Entity struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	DisplayName         string   `json:"display_name,omitempty"`
	ParentID            *string  `json:"parent_id"`
	ParentName          string   `json:"parent_name,omitempty"`
	Type                string   `json:"type,omitempty"`
	CountryCode         string   `json:"country_code,omitempty"`
	Region              string   `json:"region,omitempty"`
	BusinessUnit        string   `json:"business_unit,omitempty"`
	OwnershipPercentage *float64 `json:"ownership_percentage,omitempty"`
	Confidence          *int     `json:"confidence,omitempty"`
	SourceFile          string   `json:"source_file,omitempty"`
	SourceRow           int      `json:"source_row,omitempty"`
	IsUserVerified      bool     `json:"is_user_verified"`
}

// BoundaryEntry is an entity's inclusion decision in the organizational boundary.
type BoundaryEntry struct {
	EntityID    string  `json:"entity_id"`
	Name        string  `json:"name"`
	InBoundary  bool    `json:"in_boundary"`
	Reason      string  `json:"reason,omitempty"`
	ParentID    *string `json:"parent_id"`
	ParentName  string  `json:"parent_name,omitempty"`
	CountryCode string  `json:"country_code,omitempty"`
	Region      string  `json:"region,omitempty"`
}

// HierarchyEdge links an entity to its reporting parent.
type HierarchyEdge struct {
	EntityID     string  `json:"entity_id"`
	ParentID     *string `json:"parent_id"`
	ParentName   string  `json:"parent_name,omitempty"`
	Relationship string  `json:"relationship"`
}

// DataIssue is a data-quality finding reported by the backend.
type DataIssue struct {
	Code           string   `json:"code"`
	Message        string   `json:"message"`
	Severity       Level    `json:"severity"`
	Entity         string   `json:"entity,omitempty"`
	Field          string   `json:"field,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
	Details        []string `json:"details"`
}

// OrgBoundary is the organizational-boundary summary.
type OrgBoundary struct {
	ConsolidationMethod string          `json:"consolidation_method,omitempty"`
	Entities            []Entity        `json:"entities"`
	Boundary            []BoundaryEntry `json:"boundary"`
	Hierarchy           []HierarchyEdge `json:"hierarchy"`
	Issues              []DataIssue     `json:"issues"`
	Narrative           string          `json:"narrative,omitempty"`
	Recommendations     []string        `json:"recommendations"`
}

// DomainSummary is a carbon, PCF or nature assessment.
type DomainSummary struct {
	Domain           string   `json:"domain"`
	Summary          string   `json:"summary,omitempty"`
	Frameworks       []string `json:"frameworks"`
	Geographies      []string `json:"geographies"`
	EntitiesAnalyzed int      `json:"entities_analyzed"`
	SitesConsidered  int      `json:"sites_considered"`
	Aligned          *bool    `json:"aligned,omitempty"`
	Recommendations  []string `json:"recommendations"`
}

// Report is the synthesized report.
type Report struct {
	Overview   string   `json:"overview,omitempty"`
	Highlights []string `json:"highlights"`
	Sections   []string `json:"sections"`
}

// CanonicalResults is the terminal, normalized output of a session.
type CanonicalResults struct {
	Entities        []Entity       `json:"entities"`
	OrgBoundary     *OrgBoundary   `json:"org_boundary,omitempty"`
	Carbon          *DomainSummary `json:"carbon,omitempty"`
	PCF             *DomainSummary `json:"pcf,omitempty"`
	Nature          *DomainSummary `json:"nature,omitempty"`
	Report          *Report        `json:"report,omitempty"`
	ConfidenceScore *int           `json:"confidence_score,omitempty"`
	KeyInsights     []string       `json:"key_insights"`
	Recommendations []string       `json:"recommendations"`
}
