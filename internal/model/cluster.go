package model

type ClusterRole string

const (
	ClusterPrimary ClusterRole = "primary"
	ClusterUpdate  ClusterRole = "update"
)

type ClusterMember struct {
	IncidentID string      `json:"incident_id"`
	Role       ClusterRole `json:"role"`
}

// IncidentCluster groups extracted incidents believed to describe the same
// real-world event. Exactly one member is primary: the earliest published.
type IncidentCluster struct {
	GroupID string          `json:"group_id"`
	Members []ClusterMember `json:"members"`
}
