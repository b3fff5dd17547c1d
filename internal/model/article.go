package model

import (
	"fmt"
	"time"

	"github.com/incidentmap/pipeline/pkg/hash"
)

// ChunkKey identifies one unit of work: all articles for one region and
// one calendar month.
type ChunkKey struct {
	Region string `json:"region"`
	Month  string `json:"month"` // "2006-01"
}

func (k ChunkKey) String() string {
	return fmt.Sprintf("%s/%s", k.Region, k.Month)
}

// RawArticle is the immutable input unit produced by the collector.
// The URL is its stable identity.
type RawArticle struct {
	Source      string    `json:"source"`
	Region      string    `json:"region"`
	PublishedAt time.Time `json:"published_at"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	URL         string    `json:"url"`
}

// ID returns the stable identity hash of the article.
func (a RawArticle) ID() string {
	return hash.Short("article", a.URL)
}

type DecisionReason string

const (
	ReasonOK         DecisionReason = "ok"
	ReasonDuplicate  DecisionReason = "duplicate"
	ReasonJunk       DecisionReason = "junk"
	ReasonDepartment DecisionReason = "non-incident-department"
)

type GroupRole string

const (
	RolePrimary   GroupRole = "primary"
	RoleFollowup  GroupRole = "followup"
	RoleUnrelated GroupRole = "unrelated"
)

// FilterDecision records the filter's verdict on one article. Every input
// article gets exactly one decision, in input order.
type FilterDecision struct {
	ArticleID       string         `json:"article_id"`
	Keep            bool           `json:"keep"`
	Reason          DecisionReason `json:"reason"`
	IncidentGroupID string         `json:"incident_group_id,omitempty"`
	GroupRole       GroupRole      `json:"group_role"`
}

type Classification string

const (
	ClassSingle     Classification = "single"
	ClassMulti      Classification = "multi"
	ClassJunk       Classification = "junk"
	ClassDepartment Classification = "non-incident-department"
)

// ParseClassification coerces a service-provided value into the enum.
// Unknown values fall back to single: an unclassifiable article is kept
// and extracted rather than silently discarded.
func ParseClassification(s string) Classification {
	switch Classification(s) {
	case ClassSingle, ClassMulti, ClassJunk, ClassDepartment:
		return Classification(s)
	}
	return ClassSingle
}

// TriageResult is the first extraction round's verdict, cached per
// article identity hash.
type TriageResult struct {
	Classification Classification `json:"classification"`
	IncidentCount  int            `json:"incident_count"`
}
