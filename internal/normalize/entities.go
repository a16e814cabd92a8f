package normalize

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tjfontaine/nexus-session/internal/domain"
	"github.com/tjfontaine/nexus-session/internal/pkg/fields"
)

// Field precedence for entity records. Tests pin these orders; changing
// them changes which value wins when a payload carries several spellings.
var (
	EntityIDFields         = []string{"entity_id", "entityId", "id", "entity_identifier", "entityIdentifier"}
	EntityNameFields       = []string{"name", "entity_name", "entityName", "display_name", "displayName"}
	EntityDisplayFields    = []string{"display_name", "displayName"}
	ParentIDFields         = []string{"parent_id", "parentId"}
	ParentNameFields       = []string{"parent_name", "parentName", "parent"}
	EntityTypeFields       = []string{"type", "facility_type", "facilityType", "entity_type", "entityType"}
	CountryFields          = []string{"country_code", "countryCode", "country"}
	RegionFields           = []string{"region"}
	BusinessUnitFields     = []string{"business_unit", "businessUnit"}
	OwnershipFields        = []string{"ownership_percentage", "ownershipPercentage", "ownership"}
	ConfidenceFields       = []string{"confidence", "confidence_score", "confidenceScore"}
	SourceFileFields       = []string{"source_file", "sourceFile"}
	SourceRowFields        = []string{"source_row", "sourceRow"}
	UserVerifiedFields     = []string{"is_user_verified", "isUserVerified", "user_verified", "userVerified"}
	EntityCollectionFields = []string{"entities", "entity_list", "entityList", "items"}
)

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Entities normalizes an entity list. raw may be an array of entity objects
// or an object wrapping one under EntityCollectionFields.
func Entities(raw any) []domain.Entity {
	items := fields.AsSlice(raw)
	if items == nil {
		items = fields.FirstSlice(fields.AsMap(raw), EntityCollectionFields...)
	}

	out := make([]domain.Entity, 0, len(items))
	for i, item := range items {
		m := fields.AsMap(item)
		if m == nil {
			continue
		}
		out = append(out, Entity(m, i))
	}
	return out
}

// Entity normalizes a single entity object. index is used to derive a
// stable id when the record has neither an id nor a name.
func Entity(m map[string]any, index int) domain.Entity {
	e := domain.Entity{
		ID:           fields.FirstString(m, EntityIDFields...),
		Name:         fields.FirstString(m, EntityNameFields...),
		DisplayName:  fields.FirstString(m, EntityDisplayFields...),
		ParentName:   fields.FirstString(m, ParentNameFields...),
		Type:         fields.FirstString(m, EntityTypeFields...),
		CountryCode:  strings.ToUpper(fields.FirstString(m, CountryFields...)),
		Region:       fields.FirstString(m, RegionFields...),
		BusinessUnit: fields.FirstString(m, BusinessUnitFields...),
		SourceFile:   fields.FirstString(m, SourceFileFields...),
	}

	if parent := fields.FirstString(m, ParentIDFields...); parent != "" {
		e.ParentID = &parent
	}
	if e.ID == "" {
		e.ID = deriveEntityID(e.Name, index)
	}
	if e.Name == "" {
		e.Name = e.ID
	}
	if v, ok := fields.FirstNumber(m, OwnershipFields...); ok {
		e.OwnershipPercentage = &v
	}
	if v, ok := fields.FirstNumber(m, ConfidenceFields...); ok {
		c := ScaleConfidence(v)
		e.Confidence = &c
	}
	if v, ok := fields.FirstNumber(m, SourceRowFields...); ok {
		e.SourceRow = int(v)
	}
	if v, ok := fields.FirstBool(m, UserVerifiedFields...); ok {
		e.IsUserVerified = v
	}
	return e
}

func deriveEntityID(name string, index int) string {
	slug := strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if slug == "" {
		return fmt.Sprintf("entity-%d", index+1)
	}
	return slug
}

// EntityConfidences collects the confidence of every entity that has one.
func EntityConfidences(entities []domain.Entity) []int {
	var out []int
	for _, e := range entities {
		if e.Confidence != nil {
			out = append(out, *e.Confidence)
		}
	}
	return out
}
