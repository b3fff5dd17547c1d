// Package extraction turns kept articles into structured incident records
// through two model rounds (triage, field extraction) plus geocoding.
// Both rounds read through the cache store: an unchanged article on an
// unchanged prompt version never causes a second paid call.
package extraction

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/incidentmap/pipeline/internal/cache"
	"github.com/incidentmap/pipeline/internal/geocode"
	"github.com/incidentmap/pipeline/internal/llm"
	"github.com/incidentmap/pipeline/internal/metrics"
	"github.com/incidentmap/pipeline/internal/model"
	"github.com/incidentmap/pipeline/pkg/hash"
	"github.com/incidentmap/pipeline/pkg/logger"
	"github.com/incidentmap/pipeline/pkg/retry"
)

type Config struct {
	TriageBatchSize      int
	SingleBatchSize      int
	MultiBatchSize       int
	PromptVersion        string
	MinGeocodeConfidence float64
	MaxAttempts          int
	BaseDelay            time.Duration
}

type Engine struct {
	chat  llm.ChatClient
	geo   geocode.Geocoder
	store cache.Store
	cfg   Config
}

// Result carries everything downstream of extraction: the incidents in
// input-article order, the articles excluded after retries were exhausted,
// and the triage verdicts (which override the filter's keep decisions).
type Result struct {
	Incidents []model.ExtractedIncident
	Failures  []model.FailureRecord
	Triage    map[string]model.TriageResult
}

func New(chat llm.ChatClient, geo geocode.Geocoder, store cache.Store, cfg Config) *Engine {
	if cfg.TriageBatchSize == 0 {
		cfg.TriageBatchSize = 25
	}
	if cfg.SingleBatchSize == 0 {
		cfg.SingleBatchSize = 10
	}
	if cfg.MultiBatchSize == 0 {
		cfg.MultiBatchSize = 3
	}
	if cfg.PromptVersion == "" {
		cfg.PromptVersion = "v1"
	}
	if cfg.MinGeocodeConfidence == 0 {
		cfg.MinGeocodeConfidence = 0.6
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	return &Engine{chat: chat, geo: geo, store: store, cfg: cfg}
}

// Run processes the chunk's kept articles. A batch failing all retries
// marks only its own articles as failed; other batches proceed.
func (e *Engine) Run(ctx context.Context, articles []model.RawArticle, decisions []model.FilterDecision) (*Result, error) {
	if len(articles) != len(decisions) {
		return nil, fmt.Errorf("article/decision count mismatch: %d vs %d", len(articles), len(decisions))
	}

	var kept []model.RawArticle
	for i, a := range articles {
		if decisions[i].Keep {
			kept = append(kept, a)
		}
	}

	result := &Result{Triage: make(map[string]model.TriageResult)}

	e.triageRound(ctx, kept, result)

	// Triage is the authoritative second opinion: junk and department
	// verdicts override the filter's keep.
	var singles, multis []model.RawArticle
	for _, a := range kept {
		tr, ok := result.Triage[a.ID()]
		if !ok {
			continue // triage failed; already recorded
		}
		switch tr.Classification {
		case model.ClassSingle:
			singles = append(singles, a)
		case model.ClassMulti:
			multis = append(multis, a)
		}
	}

	byArticle := make(map[string][]model.ExtractedIncident)
	e.fieldRound(ctx, singles, model.ClassSingle, e.cfg.SingleBatchSize, byArticle, result)
	e.fieldRound(ctx, multis, model.ClassMulti, e.cfg.MultiBatchSize, byArticle, result)

	// Output order is stable relative to input article order.
	for _, a := range kept {
		result.Incidents = append(result.Incidents, byArticle[a.ID()]...)
	}

	if err := e.geocodeRound(ctx, result.Incidents); err != nil {
		return nil, err
	}

	return result, nil
}

func (e *Engine) triageRound(ctx context.Context, kept []model.RawArticle, result *Result) {
	var uncached []model.RawArticle
	for _, a := range kept {
		key := cache.Key("triage", e.cfg.PromptVersion, a.ID())
		var tr model.TriageResult
		hit, err := cache.GetJSON(ctx, e.store, key, &tr)
		if err != nil {
			logger.Warn("Triage cache read failed", zap.String("article", a.URL), zap.Error(err))
		}
		if hit {
			result.Triage[a.ID()] = tr
			continue
		}
		uncached = append(uncached, a)
	}

	for _, batch := range batches(uncached, e.cfg.TriageBatchSize) {
		verdicts, err := e.triageBatch(ctx, batch)
		if err != nil {
			metrics.BatchFailures.WithLabelValues("triage").Inc()
			e.recordBatchFailure(batch, "triage", err, result)
			continue
		}
		for i, a := range batch {
			tr := verdicts[i]
			result.Triage[a.ID()] = tr
			key := cache.Key("triage", e.cfg.PromptVersion, a.ID())
			if err := cache.SetJSON(ctx, e.store, key, tr); err != nil {
				logger.Warn("Triage cache write failed", zap.String("article", a.URL), zap.Error(err))
			}
		}
	}
}

func (e *Engine) triageBatch(ctx context.Context, batch []model.RawArticle) ([]model.TriageResult, error) {
	var sb strings.Builder
	for i, a := range batch {
		fmt.Fprintf(&sb, "### Article %d\nTitle: %s\n\n%s\n\n", i, a.Title, a.Body)
	}

	resp, err := e.completeBatch(ctx, "triage", llm.CompletionRequest{
		SystemPrompt: triageSystemPrompt,
		UserPrompt:   sb.String(),
		Temperature:  0.1,
	}, parseCheck(parseTriageResponse))
	if err != nil {
		return nil, err
	}

	raws, _ := parseTriageResponse(resp.Content)

	// Articles the service skipped fall back to single: an unclassified
	// article is kept and extracted rather than dropped.
	verdicts := make([]model.TriageResult, len(batch))
	for i := range verdicts {
		verdicts[i] = model.TriageResult{Classification: model.ClassSingle, IncidentCount: 1}
	}
	for _, raw := range raws {
		if raw.Index < 0 || raw.Index >= len(batch) {
			continue
		}
		count := raw.IncidentCount
		if count < 0 {
			count = 0
		}
		verdicts[raw.Index] = model.TriageResult{
			Classification: model.ParseClassification(raw.Classification),
			IncidentCount:  count,
		}
	}
	return verdicts, nil
}

func (e *Engine) fieldRound(ctx context.Context, articles []model.RawArticle, class model.Classification, batchSize int, byArticle map[string][]model.ExtractedIncident, result *Result) {
	var uncached []model.RawArticle
	for _, a := range articles {
		key := e.extractKey(a, result.Triage[a.ID()])
		var cached []model.ExtractedIncident
		hit, err := cache.GetJSON(ctx, e.store, key, &cached)
		if err != nil {
			logger.Warn("Extraction cache read failed", zap.String("article", a.URL), zap.Error(err))
		}
		if hit {
			byArticle[a.ID()] = cached
			continue
		}
		uncached = append(uncached, a)
	}

	for _, batch := range batches(uncached, batchSize) {
		extracted, err := e.extractBatch(ctx, batch, class, result)
		if err != nil {
			metrics.BatchFailures.WithLabelValues("extract").Inc()
			e.recordBatchFailure(batch, "extract", err, result)
			continue
		}
		for _, a := range batch {
			incidents := extracted[a.ID()]
			byArticle[a.ID()] = incidents
			key := e.extractKey(a, result.Triage[a.ID()])
			if err := cache.SetJSON(ctx, e.store, key, incidents); err != nil {
				logger.Warn("Extraction cache write failed", zap.String("article", a.URL), zap.Error(err))
			}
		}
	}
}

func (e *Engine) extractBatch(ctx context.Context, batch []model.RawArticle, class model.Classification, result *Result) (map[string][]model.ExtractedIncident, error) {
	var sb strings.Builder
	for i, a := range batch {
		expected := 1
		if class == model.ClassMulti {
			if tr := result.Triage[a.ID()]; tr.IncidentCount > 1 {
				expected = tr.IncidentCount
			}
		}
		fmt.Fprintf(&sb, "### Article %d (about %d incident(s))\nTitle: %s\nPublished: %s\n\n%s\n\n",
			i, expected, a.Title, a.PublishedAt.Format("2006-01-02"), a.Body)
	}

	resp, err := e.completeBatch(ctx, "extract", llm.CompletionRequest{
		SystemPrompt: extractSystemPrompt,
		UserPrompt:   sb.String(),
		Temperature:  0.1,
	}, parseCheck(parseIncidentResponse))
	if err != nil {
		return nil, err
	}

	raws, _ := parseIncidentResponse(resp.Content)

	out := make(map[string][]model.ExtractedIncident, len(batch))
	seq := make(map[string]int, len(batch))
	for _, raw := range raws {
		if raw.ArticleIndex < 0 || raw.ArticleIndex >= len(batch) {
			continue
		}
		article := batch[raw.ArticleIndex]
		id := article.ID()
		out[id] = append(out[id], coerceIncident(raw, article, seq[id]))
		seq[id]++
	}
	return out, nil
}

// completeBatch runs one model call under the engine's bounded per-batch
// retry policy. A response the parser rejects is retried like a transport
// failure; whatever error survives the budget fails the whole batch.
func (e *Engine) completeBatch(ctx context.Context, round string, req llm.CompletionRequest, check func(string) error) (*llm.CompletionResponse, error) {
	cfg := retry.Config{
		MaxAttempts:    e.cfg.MaxAttempts,
		InitialDelay:   e.cfg.BaseDelay,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		OnRetry: func(attempt int, err error) {
			metrics.BatchRetries.WithLabelValues(round).Inc()
		},
		Logger: logger.Log,
	}

	return retry.DoWithResult(ctx, cfg, func() (*llm.CompletionResponse, error) {
		resp, err := e.chat.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		if err := check(resp.Content); err != nil {
			return nil, err
		}
		return resp, nil
	})
}

func parseCheck[T any](parse func(string) ([]T, error)) func(string) error {
	return func(content string) error {
		_, err := parse(content)
		return err
	}
}

func (e *Engine) extractKey(a model.RawArticle, tr model.TriageResult) string {
	input := hash.Sum(a.ID(), string(tr.Classification), strconv.Itoa(tr.IncidentCount))
	return cache.Key("extract", e.cfg.PromptVersion, input)
}

func (e *Engine) recordBatchFailure(batch []model.RawArticle, phase string, err error, result *Result) {
	logger.Error("Batch abandoned after retries",
		zap.String("phase", phase),
		zap.Int("articles", len(batch)),
		zap.Error(err),
	)
	for _, a := range batch {
		result.Failures = append(result.Failures, model.FailureRecord{
			ArticleID:  a.ID(),
			ArticleURL: a.URL,
			Phase:      phase,
			Error:      err.Error(),
			At:         time.Now(),
		})
	}
}

type geoEntry struct {
	Found bool    `json:"found"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
}

// geocodeRound resolves each distinct (street, city) pair once per batch,
// read-through cached. Not-found is cached too.
func (e *Engine) geocodeRound(ctx context.Context, incidents []model.ExtractedIncident) error {
	type pair struct{ street, city string }
	resolved := make(map[pair]*geoEntry)

	for i := range incidents {
		loc := &incidents[i].Location
		if loc.Street == nil || loc.City == nil || loc.Confidence < e.cfg.MinGeocodeConfidence {
			continue
		}
		p := pair{*loc.Street, *loc.City}

		entry, ok := resolved[p]
		if !ok {
			key := cache.Key("geocode", "v1", hash.Sum(p.street, p.city))
			var cached geoEntry
			hit, err := cache.GetJSON(ctx, e.store, key, &cached)
			if err != nil {
				logger.Warn("Geocode cache read failed", zap.Error(err))
			}
			if hit {
				entry = &cached
			} else {
				res, err := e.geo.Lookup(ctx, p.street, p.city)
				if err != nil {
					// Geocoding failures degrade the record, not the batch.
					logger.Warn("Geocode lookup failed",
						zap.String("street", p.street),
						zap.String("city", p.city),
						zap.Error(err),
					)
					resolved[p] = &geoEntry{}
					continue
				}
				entry = &geoEntry{}
				if res != nil {
					entry.Found = true
					entry.Lat = res.Lat
					entry.Lon = res.Lon
				}
				if err := cache.SetJSON(ctx, e.store, key, entry); err != nil {
					logger.Warn("Geocode cache write failed", zap.Error(err))
				}
			}
			resolved[p] = entry
		}

		if entry != nil && entry.Found {
			lat, lon := entry.Lat, entry.Lon
			loc.Lat = &lat
			loc.Lon = &lon
		}
	}
	return nil
}

func batches[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) == 0 {
		if len(items) == 0 {
			return nil
		}
		return [][]T{items}
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
