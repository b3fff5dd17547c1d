package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incidentmap/pipeline/internal/model"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, client.InitSchema())
	t.Cleanup(func() { client.Close() })
	return client
}

func testIncident(url, date string) model.ExtractedIncident {
	city := "Köln"
	street := "Hohe Straße"
	return model.ExtractedIncident{
		ID:          "inc-" + url,
		ArticleID:   "art-" + url,
		ArticleURL:  url,
		PublishedAt: time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC),
		Location:    model.Location{City: &city, Street: &street, Confidence: 0.9},
		IncidentTime: model.IncidentTime{
			Date:      &date,
			Precision: model.PrecisionApproximate,
		},
		Crime:      model.Crime{Code: "robbery", Category: "robbery", Confidence: 0.9},
		CleanTitle: "Robbery at jeweler",
	}
}

func TestPublishIncidentUpserts(t *testing.T) {
	client := newTestClient(t)
	chunk := model.ChunkKey{Region: "koeln", Month: "2024-03"}

	inc := testIncident("https://example.test/a1", "2024-03-05")
	require.NoError(t, client.PublishIncident("run-1", chunk, inc))

	// Same logical incident with coordinates resolved this time.
	lat, lon := 50.94, 6.96
	inc.Location.Lat = &lat
	inc.Location.Lon = &lon
	require.NoError(t, client.PublishIncident("run-1", chunk, inc))

	incidents, err := client.GetRunIncidents("run-1")
	require.NoError(t, err)
	require.Len(t, incidents, 1, "re-publishing the same identity must not add a row")
	require.NotNil(t, incidents[0].Location.Lat)
	assert.InDelta(t, 50.94, *incidents[0].Location.Lat, 1e-9)
}

func TestPublishIsolatedPerRun(t *testing.T) {
	client := newTestClient(t)
	chunk := model.ChunkKey{Region: "koeln", Month: "2024-03"}

	inc := testIncident("https://example.test/a1", "2024-03-05")
	require.NoError(t, client.PublishIncident("run-1", chunk, inc))
	require.NoError(t, client.PublishIncident("run-2", chunk, inc))

	first, err := client.GetRunIncidents("run-1")
	require.NoError(t, err)
	second, err := client.GetRunIncidents("run-2")
	require.NoError(t, err)

	assert.Len(t, first, 1)
	assert.Len(t, second, 1)
}

func TestChunkSummaryRoundTrip(t *testing.T) {
	client := newTestClient(t)

	s := model.ChunkSummary{
		Run:        "run-1",
		Chunk:      model.ChunkKey{Region: "koeln", Month: "2024-03"},
		Total:      10,
		Kept:       6,
		Duplicates: 2,
		Junk:       1,
		Department: 1,
		Incidents:  7,
		Clusters:   1,
		Published:  7,
		Duration:   90 * time.Second,
	}
	require.NoError(t, client.InsertChunkSummary(s))

	// A retried chunk overwrites its previous summary.
	s.Published = 8
	require.NoError(t, client.InsertChunkSummary(s))

	summaries, err := client.GetRunSummaries("run-1")
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 8, summaries[0].Published)
	assert.Equal(t, 90*time.Second, summaries[0].Duration)
}

func TestListRunsMostRecentFirst(t *testing.T) {
	client := newTestClient(t)

	for _, run := range []string{"run-1", "run-2"} {
		require.NoError(t, client.InsertChunkSummary(model.ChunkSummary{
			Run:   run,
			Chunk: model.ChunkKey{Region: "koeln", Month: "2024-03"},
		}))
	}

	runs, err := client.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Contains(t, runs, "run-1")
	assert.Contains(t, runs, "run-2")
}

func TestInsertClusterAndFailure(t *testing.T) {
	client := newTestClient(t)

	cluster := model.IncidentCluster{
		GroupID: "grp-1",
		Members: []model.ClusterMember{
			{IncidentID: "inc-1", Role: model.ClusterPrimary},
			{IncidentID: "inc-2", Role: model.ClusterUpdate},
		},
	}
	require.NoError(t, client.InsertCluster("run-1", cluster))
	require.NoError(t, client.InsertCluster("run-1", cluster), "cluster insert is idempotent")

	require.NoError(t, client.InsertFailure(model.FailureRecord{
		Run:        "run-1",
		Chunk:      model.ChunkKey{Region: "koeln", Month: "2024-03"},
		ArticleID:  "art-1",
		ArticleURL: "https://example.test/a1",
		Phase:      "extract",
		Error:      "service unavailable",
		At:         time.Now(),
	}))
}
