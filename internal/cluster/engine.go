// Package cluster merges extracted incidents that describe the same
// real-world event. Grouping is conjunctive: same city, same
// crime-category family, incident dates within the window. A model pass
// resolves follow-ups the filter's lexical tiers could not; its failure
// degrades accuracy, never availability.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/incidentmap/pipeline/internal/llm"
	"github.com/incidentmap/pipeline/internal/metrics"
	"github.com/incidentmap/pipeline/internal/model"
	"github.com/incidentmap/pipeline/pkg/hash"
	"github.com/incidentmap/pipeline/pkg/logger"
)

type Config struct {
	BatchSize  int
	WindowDays int
}

type Engine struct {
	chat llm.ChatClient
	cfg  Config
}

func New(chat llm.ChatClient, cfg Config) *Engine {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 20
	}
	if cfg.WindowDays == 0 {
		cfg.WindowDays = 7
	}
	return &Engine{chat: chat, cfg: cfg}
}

const clusterSystemPrompt = `You are matching police incident records that describe the SAME real-world event reported in different articles (e.g. an initial report and a later follow-up with different wording).

You get numbered incidents with title, date, city and crime category.
Group indexes that describe one event. Singleton incidents are omitted.

Return ONLY JSON: {"groups": [[0, 3], [5, 6, 7]]}`

// Run assigns every incident to exactly one cluster. On any model error
// the deterministic grouping stands; ungroupable incidents become
// singleton clusters.
func (e *Engine) Run(ctx context.Context, incidents []model.ExtractedIncident) []model.IncidentCluster {
	groups := e.deterministicGroups(incidents)
	groups = e.modelMerge(ctx, incidents, groups)

	clusters := make([]model.IncidentCluster, 0, len(groups))
	for _, group := range groups {
		clusters = append(clusters, buildCluster(incidents, group))
		if len(group) > 1 {
			metrics.ClustersFormed.Inc()
		}
	}
	return clusters
}

// deterministicGroups buckets incidents by (city, crime family) and
// sweeps each bucket in date order: an incident joins the open group while
// it stays within the window of the group's earliest member, so a group is
// never split across the window.
func (e *Engine) deterministicGroups(incidents []model.ExtractedIncident) [][]int {
	type bucketKey struct {
		city   string
		family string
	}

	buckets := make(map[bucketKey][]int)
	var ungroupable []int
	for i, inc := range incidents {
		if inc.Location.City == nil {
			ungroupable = append(ungroupable, i)
			continue
		}
		key := bucketKey{
			city:   strings.ToLower(*inc.Location.City),
			family: model.CrimeFamily(inc.Crime.Category),
		}
		buckets[key] = append(buckets[key], i)
	}

	window := time.Duration(e.cfg.WindowDays) * 24 * time.Hour

	var groups [][]int
	for _, members := range buckets {
		sort.SliceStable(members, func(a, b int) bool {
			return occurredAt(incidents[members[a]]).Before(occurredAt(incidents[members[b]]))
		})

		var current []int
		var earliest time.Time
		for _, i := range members {
			at := occurredAt(incidents[i])
			if len(current) == 0 || at.Sub(earliest) > window {
				if len(current) > 0 {
					groups = append(groups, current)
				}
				current = []int{i}
				earliest = at
				continue
			}
			current = append(current, i)
		}
		if len(current) > 0 {
			groups = append(groups, current)
		}
	}

	for _, i := range ungroupable {
		groups = append(groups, []int{i})
	}
	return groups
}

// modelMerge asks the model which incidents inside one candidate group
// actually describe the same event, splitting groups the model disagrees
// with. Only deterministic groups are offered, so the conjunctive criteria
// can never be widened by the model.
func (e *Engine) modelMerge(ctx context.Context, incidents []model.ExtractedIncident, groups [][]int) [][]int {
	var out [][]int
	for _, group := range groups {
		if len(group) < 2 {
			out = append(out, group)
			continue
		}
		// The model sees at most BatchSize incidents per request.
		for _, batch := range batchIndexes(group, e.cfg.BatchSize) {
			out = append(out, e.mergeBatch(ctx, incidents, batch)...)
		}
	}
	return out
}

func (e *Engine) mergeBatch(ctx context.Context, incidents []model.ExtractedIncident, group []int) [][]int {
	if len(group) < 2 {
		return [][]int{group}
	}

	var sb strings.Builder
	for pos, i := range group {
		inc := incidents[i]
		date := "unknown"
		if inc.IncidentTime.Date != nil {
			date = *inc.IncidentTime.Date
		}
		city := ""
		if inc.Location.City != nil {
			city = *inc.Location.City
		}
		fmt.Fprintf(&sb, "%d. [%s] %s (%s, %s)\n", pos, date, inc.CleanTitle, city, inc.Crime.Category)
	}

	resp, err := e.chat.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: clusterSystemPrompt,
		UserPrompt:   sb.String(),
		Temperature:  0.1,
	})
	if err != nil {
		logger.Warn("Cluster merge call failed, keeping deterministic group", zap.Error(err))
		return [][]int{group}
	}

	var parsed struct {
		Groups [][]int `json:"groups"`
	}
	if err := json.Unmarshal([]byte(llm.StripFences(resp.Content)), &parsed); err != nil {
		logger.Warn("Cluster merge response unparseable, keeping deterministic group", zap.Error(err))
		return [][]int{group}
	}

	assigned := make(map[int]bool, len(group))
	var result [][]int
	for _, positions := range parsed.Groups {
		var merged []int
		for _, pos := range positions {
			if pos < 0 || pos >= len(group) || assigned[pos] {
				continue
			}
			assigned[pos] = true
			merged = append(merged, group[pos])
		}
		if len(merged) > 0 {
			result = append(result, merged)
		}
	}
	// Positions the model omitted are singletons.
	for pos, i := range group {
		if !assigned[pos] {
			result = append(result, []int{i})
		}
	}
	return result
}

// buildCluster assigns roles: the earliest-published member is primary,
// every other member is update. The assignment is final within a run.
func buildCluster(incidents []model.ExtractedIncident, group []int) model.IncidentCluster {
	sorted := append([]int(nil), group...)
	sort.SliceStable(sorted, func(a, b int) bool {
		return incidents[sorted[a]].PublishedAt.Before(incidents[sorted[b]].PublishedAt)
	})

	members := make([]model.ClusterMember, 0, len(sorted))
	for pos, i := range sorted {
		role := model.ClusterUpdate
		if pos == 0 {
			role = model.ClusterPrimary
		}
		members = append(members, model.ClusterMember{
			IncidentID: incidents[i].ID,
			Role:       role,
		})
	}

	return model.IncidentCluster{
		GroupID: hash.Short("cluster", incidents[sorted[0]].ID),
		Members: members,
	}
}

// occurredAt prefers the extracted incident date and falls back to the
// article publish time.
func occurredAt(inc model.ExtractedIncident) time.Time {
	if inc.IncidentTime.Date != nil {
		if t, err := time.Parse("2006-01-02", *inc.IncidentTime.Date); err == nil {
			return t
		}
	}
	return inc.PublishedAt
}

func batchIndexes(items []int, size int) [][]int {
	if size <= 0 || len(items) <= size {
		return [][]int{items}
	}
	var out [][]int
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
