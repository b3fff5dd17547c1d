package model

import (
	"time"

	"github.com/incidentmap/pipeline/pkg/hash"
)

type TimePrecision string

const (
	PrecisionExact       TimePrecision = "exact"
	PrecisionApproximate TimePrecision = "approximate"
	PrecisionUnknown     TimePrecision = "unknown"
)

func ParsePrecision(s string) TimePrecision {
	switch TimePrecision(s) {
	case PrecisionExact, PrecisionApproximate, PrecisionUnknown:
		return TimePrecision(s)
	}
	return PrecisionUnknown
}

type WeaponType string

const (
	WeaponKnife     WeaponType = "knife"
	WeaponGun       WeaponType = "gun"
	WeaponBlunt     WeaponType = "blunt"
	WeaponExplosive WeaponType = "explosive"
	WeaponVehicle   WeaponType = "vehicle"
	WeaponNone      WeaponType = "none"
	WeaponUnknown   WeaponType = "unknown"
)

// ParseWeapon coerces out-of-enum values to unknown. A nil input stays
// nil: absence of evidence is not "unknown weapon".
func ParseWeapon(s *string) *WeaponType {
	if s == nil {
		return nil
	}
	switch WeaponType(*s) {
	case WeaponKnife, WeaponGun, WeaponBlunt, WeaponExplosive, WeaponVehicle, WeaponNone, WeaponUnknown:
		w := WeaponType(*s)
		return &w
	}
	w := WeaponUnknown
	return &w
}

type DrugType string

const (
	DrugCannabis    DrugType = "cannabis"
	DrugCocaine     DrugType = "cocaine"
	DrugHeroin      DrugType = "heroin"
	DrugAmphetamine DrugType = "amphetamine"
	DrugSynthetic   DrugType = "synthetic"
	DrugNone        DrugType = "none"
	DrugUnknown     DrugType = "unknown"
)

func ParseDrug(s *string) *DrugType {
	if s == nil {
		return nil
	}
	switch DrugType(*s) {
	case DrugCannabis, DrugCocaine, DrugHeroin, DrugAmphetamine, DrugSynthetic, DrugNone, DrugUnknown:
		d := DrugType(*s)
		return &d
	}
	d := DrugUnknown
	return &d
}

type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
	SeverityFatal    Severity = "fatal"
	SeverityUnknown  Severity = "unknown"
)

func ParseSeverity(s *string) Severity {
	if s == nil {
		return SeverityUnknown
	}
	switch Severity(*s) {
	case SeverityMinor, SeverityModerate, SeveritySevere, SeverityFatal, SeverityUnknown:
		return Severity(*s)
	}
	return SeverityUnknown
}

type Location struct {
	Street      *string  `json:"street"`
	HouseNumber *string  `json:"house_number"`
	District    *string  `json:"district"`
	City        *string  `json:"city"`
	Confidence  float64  `json:"confidence"`
	Lat         *float64 `json:"lat"`
	Lon         *float64 `json:"lon"`
}

type IncidentTime struct {
	Date      *string       `json:"date"` // "2006-01-02"
	Time      *string       `json:"time"` // "15:04"
	Precision TimePrecision `json:"precision"`
}

type Crime struct {
	Code       string  `json:"code"`
	Category   string  `json:"category"`
	SubType    *string `json:"sub_type"`
	Confidence float64 `json:"confidence"`
}

type Details struct {
	WeaponType    *WeaponType `json:"weapon_type"`
	DrugType      *DrugType   `json:"drug_type"`
	SuspectCount  *int        `json:"suspect_count"`
	VictimCount   *int        `json:"victim_count"`
	SuspectAge    *int        `json:"suspect_age"`
	VictimAge     *int        `json:"victim_age"`
	SuspectGender *string     `json:"suspect_gender"`
	VictimGender  *string     `json:"victim_gender"`
	// Nationalities stays nil unless the source text states them.
	Nationalities []string `json:"nationalities,omitempty"`
	Severity      Severity `json:"severity"`
	Motive        *string  `json:"motive"`
}

// ExtractedIncident is one structurally extracted incident. A field absent
// from the source text is nil, never inferred.
type ExtractedIncident struct {
	ID           string       `json:"id"`
	ArticleID    string       `json:"article_id"`
	ArticleURL   string       `json:"article_url"`
	PublishedAt  time.Time    `json:"published_at"`
	Location     Location     `json:"location"`
	IncidentTime IncidentTime `json:"incident_time"`
	Crime        Crime        `json:"crime"`
	Details      Details      `json:"details"`
	CleanTitle   string       `json:"clean_title"`
}

// PublishID derives the deterministic record-store identifier so that
// re-publishing the same logical incident is an upsert.
func (i ExtractedIncident) PublishID() string {
	date := ""
	if i.IncidentTime.Date != nil {
		date = *i.IncidentTime.Date
	}
	return hash.Sum("publish", i.ArticleURL, date, i.Location.Text())
}

// Text renders the location fields that identify a place, for hashing and
// geocode lookups.
func (l Location) Text() string {
	out := ""
	for _, p := range []*string{l.Street, l.HouseNumber, l.District, l.City} {
		if p != nil {
			if out != "" {
				out += " "
			}
			out += *p
		}
	}
	return out
}
