package extraction

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/incidentmap/pipeline/internal/llm"
	"github.com/incidentmap/pipeline/internal/model"
	"github.com/incidentmap/pipeline/pkg/hash"
)

// The extraction service is untyped and fallible: responses are parsed
// into these loose shapes first, then validated field by field. An
// out-of-enum value is coerced to unknown/null, never propagated.

type rawTriage struct {
	Index          int    `json:"index"`
	Classification string `json:"classification"`
	IncidentCount  int    `json:"incident_count"`
}

type rawLocation struct {
	Street      *string  `json:"street"`
	HouseNumber *string  `json:"house_number"`
	District    *string  `json:"district"`
	City        *string  `json:"city"`
	Confidence  *float64 `json:"confidence"`
}

type rawTime struct {
	Date      *string `json:"date"`
	Time      *string `json:"time"`
	Precision *string `json:"precision"`
}

type rawCrime struct {
	Code       *string  `json:"code"`
	Category   *string  `json:"category"`
	SubType    *string  `json:"sub_type"`
	Confidence *float64 `json:"confidence"`
}

type rawDetails struct {
	WeaponType    *string  `json:"weapon_type"`
	DrugType      *string  `json:"drug_type"`
	SuspectCount  *int     `json:"suspect_count"`
	VictimCount   *int     `json:"victim_count"`
	SuspectAge    *int     `json:"suspect_age"`
	VictimAge     *int     `json:"victim_age"`
	SuspectGender *string  `json:"suspect_gender"`
	VictimGender  *string  `json:"victim_gender"`
	Nationalities []string `json:"nationalities"`
	Severity      *string  `json:"severity"`
	Motive        *string  `json:"motive"`
}

type rawIncident struct {
	ArticleIndex int         `json:"article_index"`
	Location     rawLocation `json:"location"`
	IncidentTime rawTime     `json:"incident_time"`
	Crime        rawCrime    `json:"crime"`
	Details      rawDetails  `json:"details"`
	CleanTitle   *string     `json:"clean_title"`
}

func parseTriageResponse(content string) ([]rawTriage, error) {
	var out []rawTriage
	if err := json.Unmarshal([]byte(llm.StripFences(content)), &out); err != nil {
		return nil, fmt.Errorf("failed to parse triage response: %w", err)
	}
	return out, nil
}

func parseIncidentResponse(content string) ([]rawIncident, error) {
	var out []rawIncident
	if err := json.Unmarshal([]byte(llm.StripFences(content)), &out); err != nil {
		return nil, fmt.Errorf("failed to parse extraction response: %w", err)
	}
	return out, nil
}

// coerceIncident validates a raw incident into the fixed schema. seq is
// the incident's position within its article, part of its identity.
func coerceIncident(raw rawIncident, article model.RawArticle, seq int) model.ExtractedIncident {
	articleID := article.ID()

	inc := model.ExtractedIncident{
		ID:          hash.Short("incident", articleID, strconv.Itoa(seq)),
		ArticleID:   articleID,
		ArticleURL:  article.URL,
		PublishedAt: article.PublishedAt,
	}

	inc.Location = model.Location{
		Street:      cleanString(raw.Location.Street),
		HouseNumber: cleanString(raw.Location.HouseNumber),
		District:    cleanString(raw.Location.District),
		City:        cleanString(raw.Location.City),
		Confidence:  clamp01(raw.Location.Confidence),
	}

	inc.IncidentTime = coerceTime(raw.IncidentTime)

	inc.Crime = model.Crime{
		Code:       stringOr(raw.Crime.Code, ""),
		Category:   stringOr(raw.Crime.Category, ""),
		SubType:    cleanString(raw.Crime.SubType),
		Confidence: clamp01(raw.Crime.Confidence),
	}

	inc.Details = model.Details{
		WeaponType:    model.ParseWeapon(raw.Details.WeaponType),
		DrugType:      model.ParseDrug(raw.Details.DrugType),
		SuspectCount:  boundedInt(raw.Details.SuspectCount, 0, 1000),
		VictimCount:   boundedInt(raw.Details.VictimCount, 0, 1000),
		SuspectAge:    boundedInt(raw.Details.SuspectAge, 0, 120),
		VictimAge:     boundedInt(raw.Details.VictimAge, 0, 120),
		SuspectGender: coerceGender(raw.Details.SuspectGender),
		VictimGender:  coerceGender(raw.Details.VictimGender),
		Nationalities: raw.Details.Nationalities,
		Severity:      model.ParseSeverity(raw.Details.Severity),
		Motive:        cleanString(raw.Details.Motive),
	}

	inc.CleanTitle = truncateRunes(stringOr(raw.CleanTitle, ""), 120)

	return inc
}

func coerceTime(raw rawTime) model.IncidentTime {
	out := model.IncidentTime{Precision: model.PrecisionUnknown}

	if raw.Date != nil {
		if _, err := time.Parse("2006-01-02", *raw.Date); err == nil {
			out.Date = raw.Date
		}
	}
	if raw.Time != nil {
		if _, err := time.Parse("15:04", *raw.Time); err == nil {
			out.Time = raw.Time
		}
	}
	if raw.Precision != nil {
		out.Precision = model.ParsePrecision(*raw.Precision)
	}
	// No extractable time string means precision unknown even with a date.
	if out.Time == nil {
		out.Precision = model.PrecisionUnknown
	}

	return out
}

func coerceGender(s *string) *string {
	if s == nil {
		return nil
	}
	switch *s {
	case "male", "female", "diverse":
		return s
	}
	return nil
}

func clamp01(f *float64) float64 {
	if f == nil {
		return 0
	}
	if *f < 0 {
		return 0
	}
	if *f > 1 {
		return 1
	}
	return *f
}

func boundedInt(v *int, min, max int) *int {
	if v == nil || *v < min || *v > max {
		return nil
	}
	return v
}

func cleanString(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

func stringOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
