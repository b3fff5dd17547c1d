package model

import "strings"

// CrimeFamily maps a crime category to its family. Clustering only merges
// incidents within one family.
func CrimeFamily(category string) string {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case "assault", "homicide", "robbery", "sexual_offense", "threat":
		return "violent"
	case "theft", "burglary", "vandalism", "fraud", "arson":
		return "property"
	case "drug_trafficking", "drug_possession":
		return "drugs"
	case "traffic_accident", "hit_and_run", "dui":
		return "traffic"
	case "missing_person":
		return "missing"
	default:
		return "other"
	}
}
