package model

import "time"

// ChunkSummary is the operator-facing outcome of one chunk in one run.
type ChunkSummary struct {
	Run   string   `json:"run"`
	Chunk ChunkKey `json:"chunk"`

	Total      int `json:"total"`
	Kept       int `json:"kept"`
	Duplicates int `json:"duplicates"`
	Junk       int `json:"junk"`
	Department int `json:"department"`
	Failed     int `json:"failed"`
	Incidents  int `json:"incidents"`
	Clusters   int `json:"clusters"`
	Published  int `json:"published"`

	// Fatal holds the error text when the chunk aborted before publish.
	Fatal    string        `json:"fatal,omitempty"`
	Duration time.Duration `json:"duration"`
}

// FailureRecord captures an article excluded after retries were exhausted,
// for operator review.
type FailureRecord struct {
	Run        string    `json:"run"`
	Chunk      ChunkKey  `json:"chunk"`
	ArticleID  string    `json:"article_id"`
	ArticleURL string    `json:"article_url"`
	Phase      string    `json:"phase"`
	Error      string    `json:"error"`
	At         time.Time `json:"at"`
}
