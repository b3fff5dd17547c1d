package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incidentmap/pipeline/internal/cache/badgerstore"
	"github.com/incidentmap/pipeline/internal/geocode"
	"github.com/incidentmap/pipeline/internal/llm"
	"github.com/incidentmap/pipeline/internal/model"
)

// fakeChat routes on the system prompt so one fake serves both rounds.
type fakeChat struct {
	mu       sync.Mutex
	calls    int
	triage   func(userPrompt string) (string, error)
	extract  func(userPrompt string) (string, error)
}

func (f *fakeChat) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	var content string
	var err error
	switch {
	case strings.Contains(req.SystemPrompt, "triage classifier"):
		content, err = f.triage(req.UserPrompt)
	case strings.Contains(req.SystemPrompt, "structured-data extractor"):
		content, err = f.extract(req.UserPrompt)
	default:
		err = fmt.Errorf("unexpected system prompt")
	}
	if err != nil {
		return nil, err
	}
	return &llm.CompletionResponse{Content: content}, nil
}

func (f *fakeChat) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeGeo struct {
	mu      sync.Mutex
	lookups int
	results map[string]*geocode.Result
	err     error
}

func (g *fakeGeo) Lookup(_ context.Context, street, city string) (*geocode.Result, error) {
	g.mu.Lock()
	g.lookups++
	g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	return g.results[street+"|"+city], nil
}

func triageAll(class string, count int) func(string) (string, error) {
	return func(userPrompt string) (string, error) {
		n := strings.Count(userPrompt, "### Article")
		var sb strings.Builder
		sb.WriteString("[")
		for i := 0; i < n; i++ {
			if i > 0 {
				sb.WriteString(",")
			}
			fmt.Fprintf(&sb, `{"index": %d, "classification": %q, "incident_count": %d}`, i, class, count)
		}
		sb.WriteString("]")
		return sb.String(), nil
	}
}

func extractOnePerArticle(city string) func(string) (string, error) {
	return func(userPrompt string) (string, error) {
		n := strings.Count(userPrompt, "### Article")
		var sb strings.Builder
		sb.WriteString("[")
		for i := 0; i < n; i++ {
			if i > 0 {
				sb.WriteString(",")
			}
			fmt.Fprintf(&sb, `{
				"article_index": %d,
				"location": {"street": "Hauptstraße", "house_number": null, "district": null, "city": %q, "confidence": 0.9},
				"incident_time": {"date": "2024-03-05", "time": "21:30", "precision": "exact"},
				"crime": {"code": "robbery", "category": "robbery", "sub_type": null, "confidence": 0.8},
				"details": {"weapon_type": "knife", "drug_type": null, "suspect_count": 1, "victim_count": 1,
					"suspect_age": null, "victim_age": null, "suspect_gender": null, "victim_gender": null,
					"nationalities": null, "severity": "moderate", "motive": null},
				"clean_title": "Robbery at kiosk"
			}`, i, city)
		}
		sb.WriteString("]")
		return sb.String(), nil
	}
}

func keptDecisions(articles []model.RawArticle) []model.FilterDecision {
	out := make([]model.FilterDecision, len(articles))
	for i, a := range articles {
		out[i] = model.FilterDecision{ArticleID: a.ID(), Keep: true, Reason: model.ReasonOK, GroupRole: model.RoleUnrelated}
	}
	return out
}

func newTestEngine(t *testing.T, chat llm.ChatClient, geo geocode.Geocoder) *Engine {
	t.Helper()
	store, err := badgerstore.Open(badgerstore.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(chat, geo, store, Config{MaxAttempts: 2, BaseDelay: time.Millisecond})
}

func articleAt(url string, published time.Time) model.RawArticle {
	return model.RawArticle{
		Source:      "Polizei Köln",
		Region:      "koeln",
		PublishedAt: published,
		Title:       "Raubüberfall auf Kiosk",
		Body:        "Ein maskierter Täter bedrohte den Kassierer mit einem Messer.",
		URL:         url,
	}
}

func TestRunExtractsIncidents(t *testing.T) {
	chat := &fakeChat{
		triage:  triageAll("single", 1),
		extract: extractOnePerArticle("Köln"),
	}
	geo := &fakeGeo{results: map[string]*geocode.Result{
		"Hauptstraße|Köln": {Lat: 50.94, Lon: 6.96},
	}}
	engine := newTestEngine(t, chat, geo)

	articles := []model.RawArticle{
		articleAt("https://example.test/a1", time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)),
	}
	result, err := engine.Run(context.Background(), articles, keptDecisions(articles))
	require.NoError(t, err)

	require.Len(t, result.Incidents, 1)
	inc := result.Incidents[0]
	assert.Equal(t, articles[0].ID(), inc.ArticleID)
	assert.Equal(t, "robbery", inc.Crime.Category)
	require.NotNil(t, inc.Details.WeaponType)
	assert.Equal(t, model.WeaponKnife, *inc.Details.WeaponType)
	require.NotNil(t, inc.Location.Lat)
	assert.InDelta(t, 50.94, *inc.Location.Lat, 1e-6)
	assert.Nil(t, inc.Details.SuspectAge, "fields absent from the text stay null")
	assert.Empty(t, result.Failures)
}

func TestRunIsIdempotentThroughCache(t *testing.T) {
	chat := &fakeChat{
		triage:  triageAll("single", 1),
		extract: extractOnePerArticle("Köln"),
	}
	geo := &fakeGeo{results: map[string]*geocode.Result{
		"Hauptstraße|Köln": {Lat: 50.94, Lon: 6.96},
	}}
	engine := newTestEngine(t, chat, geo)

	articles := []model.RawArticle{
		articleAt("https://example.test/a1", time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)),
		articleAt("https://example.test/a2", time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)),
	}
	decisions := keptDecisions(articles)

	first, err := engine.Run(context.Background(), articles, decisions)
	require.NoError(t, err)
	callsAfterFirst := chat.callCount()
	lookupsAfterFirst := geo.lookups

	second, err := engine.Run(context.Background(), articles, decisions)
	require.NoError(t, err)

	assert.Equal(t, callsAfterFirst, chat.callCount(), "second run must be served from cache")
	assert.Equal(t, lookupsAfterFirst, geo.lookups)
	assert.Equal(t, len(first.Incidents), len(second.Incidents))
	for i := range first.Incidents {
		assert.Equal(t, first.Incidents[i].ID, second.Incidents[i].ID)
	}
}

func TestBatchFinishedDuringCancelIsStillCached(t *testing.T) {
	store, err := badgerstore.Open(badgerstore.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	geo := &fakeGeo{results: map[string]*geocode.Result{
		"Hauptstraße|Köln": {Lat: 50.94, Lon: 6.96},
	}}

	// The run is cancelled while the extract batch is in flight; the
	// batch still completes and its result must land in the cache.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	extract := extractOnePerArticle("Köln")
	chat := &fakeChat{
		triage: triageAll("single", 1),
		extract: func(userPrompt string) (string, error) {
			cancel()
			return extract(userPrompt)
		},
	}
	engine := New(chat, geo, store, Config{MaxAttempts: 2, BaseDelay: time.Millisecond})

	articles := []model.RawArticle{
		articleAt("https://example.test/a1", time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)),
	}
	first, err := engine.Run(ctx, articles, keptDecisions(articles))
	require.NoError(t, err)
	require.Len(t, first.Incidents, 1)
	assert.Empty(t, first.Failures)

	// A rerun against the same store never reaches the service again.
	down := &fakeChat{
		triage:  func(string) (string, error) { return "", errors.New("service down") },
		extract: func(string) (string, error) { return "", errors.New("service down") },
	}
	rerun := New(down, geo, store, Config{MaxAttempts: 2, BaseDelay: time.Millisecond})

	second, err := rerun.Run(context.Background(), articles, keptDecisions(articles))
	require.NoError(t, err)
	require.Len(t, second.Incidents, 1)
	assert.Equal(t, first.Incidents[0].ID, second.Incidents[0].ID)
	assert.Zero(t, down.callCount())
	assert.Empty(t, second.Failures)
}

func TestTriageOverridesFilterKeep(t *testing.T) {
	chat := &fakeChat{
		triage:  triageAll("junk", 0),
		extract: extractOnePerArticle("Köln"),
	}
	engine := newTestEngine(t, chat, &fakeGeo{})

	articles := []model.RawArticle{
		articleAt("https://example.test/a1", time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)),
	}
	result, err := engine.Run(context.Background(), articles, keptDecisions(articles))
	require.NoError(t, err)

	assert.Empty(t, result.Incidents)
	tr, ok := result.Triage[articles[0].ID()]
	require.True(t, ok)
	assert.Equal(t, model.ClassJunk, tr.Classification)
}

func TestMultiArticleYieldsMultipleIncidents(t *testing.T) {
	chat := &fakeChat{
		triage: triageAll("multi", 2),
		extract: func(userPrompt string) (string, error) {
			return `[
				{"article_index": 0, "location": {"street": null, "house_number": null, "district": null, "city": "Köln", "confidence": 0.4},
				 "incident_time": {"date": "2024-03-05", "time": null, "precision": "approximate"},
				 "crime": {"code": "burglary", "category": "burglary", "sub_type": null, "confidence": 0.7},
				 "details": {"weapon_type": null, "drug_type": null, "suspect_count": null, "victim_count": null,
					"suspect_age": null, "victim_age": null, "suspect_gender": null, "victim_gender": null,
					"nationalities": null, "severity": null, "motive": null},
				 "clean_title": "Burglary in Ehrenfeld"},
				{"article_index": 0, "location": {"street": null, "house_number": null, "district": null, "city": "Köln", "confidence": 0.4},
				 "incident_time": {"date": "2024-03-05", "time": null, "precision": "approximate"},
				 "crime": {"code": "theft", "category": "theft", "sub_type": null, "confidence": 0.7},
				 "details": {"weapon_type": null, "drug_type": null, "suspect_count": null, "victim_count": null,
					"suspect_age": null, "victim_age": null, "suspect_gender": null, "victim_gender": null,
					"nationalities": null, "severity": null, "motive": null},
				 "clean_title": "Bicycle theft"}
			]`, nil
		},
	}
	engine := newTestEngine(t, chat, &fakeGeo{})

	articles := []model.RawArticle{
		articleAt("https://example.test/roundup", time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)),
	}
	result, err := engine.Run(context.Background(), articles, keptDecisions(articles))
	require.NoError(t, err)

	require.Len(t, result.Incidents, 2)
	assert.NotEqual(t, result.Incidents[0].ID, result.Incidents[1].ID)
	assert.Equal(t, result.Incidents[0].ArticleID, result.Incidents[1].ArticleID)
}

func TestBatchFailureIsolatesItsArticles(t *testing.T) {
	chat := &fakeChat{
		triage: triageAll("single", 1),
		extract: func(userPrompt string) (string, error) {
			if strings.Contains(userPrompt, "kaputt") {
				return "", errors.New("service unavailable")
			}
			return extractOnePerArticle("Köln")(userPrompt)
		},
	}
	store, err := badgerstore.Open(badgerstore.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	// Batch size 1 puts every article in its own batch.
	engine := New(chat, &fakeGeo{}, store, Config{SingleBatchSize: 1, MaxAttempts: 2, BaseDelay: time.Millisecond})

	good := articleAt("https://example.test/good", time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC))
	bad := articleAt("https://example.test/bad", time.Date(2024, 3, 5, 11, 0, 0, 0, time.UTC))
	bad.Body = "kaputt"

	result, err := engine.Run(context.Background(), []model.RawArticle{good, bad}, keptDecisions([]model.RawArticle{good, bad}))
	require.NoError(t, err)

	require.Len(t, result.Incidents, 1)
	assert.Equal(t, good.ID(), result.Incidents[0].ArticleID)

	require.Len(t, result.Failures, 1)
	assert.Equal(t, bad.ID(), result.Failures[0].ArticleID)
	assert.Equal(t, "extract", result.Failures[0].Phase)
}

func TestMalformedResponseRetriedThenFailed(t *testing.T) {
	attempts := 0
	chat := &fakeChat{
		triage: func(string) (string, error) {
			attempts++
			return "this is not json", nil
		},
		extract: extractOnePerArticle("Köln"),
	}
	engine := newTestEngine(t, chat, &fakeGeo{})

	articles := []model.RawArticle{
		articleAt("https://example.test/a1", time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)),
	}
	result, err := engine.Run(context.Background(), articles, keptDecisions(articles))
	require.NoError(t, err)

	assert.Equal(t, 2, attempts, "a parse failure consumes the retry budget")
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "triage", result.Failures[0].Phase)
	assert.Empty(t, result.Incidents)
}

func TestGeocodeDedupAndFailureDegrades(t *testing.T) {
	chat := &fakeChat{
		triage:  triageAll("single", 1),
		extract: extractOnePerArticle("Köln"),
	}
	geo := &fakeGeo{err: errors.New("geocoder down")}
	engine := newTestEngine(t, chat, geo)

	articles := []model.RawArticle{
		articleAt("https://example.test/a1", time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)),
		articleAt("https://example.test/a2", time.Date(2024, 3, 5, 11, 0, 0, 0, time.UTC)),
	}
	result, err := engine.Run(context.Background(), articles, keptDecisions(articles))
	require.NoError(t, err)

	require.Len(t, result.Incidents, 2)
	assert.Equal(t, 1, geo.lookups, "one lookup per distinct address pair")
	for _, inc := range result.Incidents {
		assert.Nil(t, inc.Location.Lat, "geocode failure leaves coordinates unset")
	}
	assert.Empty(t, result.Failures)
}

func TestLowConfidenceLocationSkipsGeocoding(t *testing.T) {
	chat := &fakeChat{
		triage: triageAll("single", 1),
		extract: func(userPrompt string) (string, error) {
			return `[{"article_index": 0,
				"location": {"street": "Hauptstraße", "house_number": null, "district": null, "city": "Köln", "confidence": 0.2},
				"incident_time": {"date": null, "time": null, "precision": "unknown"},
				"crime": {"code": "theft", "category": "theft", "sub_type": null, "confidence": 0.5},
				"details": {"weapon_type": null, "drug_type": null, "suspect_count": null, "victim_count": null,
					"suspect_age": null, "victim_age": null, "suspect_gender": null, "victim_gender": null,
					"nationalities": null, "severity": null, "motive": null},
				"clean_title": ""}]`, nil
		},
	}
	geo := &fakeGeo{}
	engine := newTestEngine(t, chat, geo)

	articles := []model.RawArticle{
		articleAt("https://example.test/a1", time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)),
	}
	result, err := engine.Run(context.Background(), articles, keptDecisions(articles))
	require.NoError(t, err)

	require.Len(t, result.Incidents, 1)
	assert.Equal(t, 0, geo.lookups)
	assert.Nil(t, result.Incidents[0].Location.Lat)
}

func TestDroppedArticlesNeverReachTheService(t *testing.T) {
	chat := &fakeChat{
		triage:  triageAll("single", 1),
		extract: extractOnePerArticle("Köln"),
	}
	engine := newTestEngine(t, chat, &fakeGeo{})

	a := articleAt("https://example.test/a1", time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC))
	decisions := []model.FilterDecision{
		{ArticleID: a.ID(), Keep: false, Reason: model.ReasonJunk, GroupRole: model.RoleUnrelated},
	}

	result, err := engine.Run(context.Background(), []model.RawArticle{a}, decisions)
	require.NoError(t, err)

	assert.Equal(t, 0, chat.callCount())
	assert.Empty(t, result.Incidents)
}
