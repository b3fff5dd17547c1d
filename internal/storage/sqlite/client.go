// Package sqlite is the publish adapter to the incident record store.
// Records carry a deterministic identifier, so re-publishing the same
// logical incident is an upsert, and every row is tagged with the
// pipeline run that produced it.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/incidentmap/pipeline/internal/model"
	"github.com/incidentmap/pipeline/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("Record store opened", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS incidents (
		id TEXT NOT NULL,
		run TEXT NOT NULL,
		article_url TEXT NOT NULL,
		region TEXT NOT NULL,
		month TEXT NOT NULL,
		published_at INTEGER NOT NULL,
		incident_date TEXT,
		city TEXT,
		street TEXT,
		district TEXT,
		lat REAL,
		lon REAL,
		crime_code TEXT,
		crime_category TEXT,
		clean_title TEXT,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (id, run)
	);
	CREATE INDEX IF NOT EXISTS idx_incidents_run ON incidents(run);
	CREATE INDEX IF NOT EXISTS idx_incidents_region_month ON incidents(region, month);
	CREATE INDEX IF NOT EXISTS idx_incidents_category ON incidents(crime_category);

	CREATE TABLE IF NOT EXISTS cluster_members (
		group_id TEXT NOT NULL,
		run TEXT NOT NULL,
		incident_id TEXT NOT NULL,
		role TEXT NOT NULL,
		PRIMARY KEY (group_id, run, incident_id)
	);
	CREATE INDEX IF NOT EXISTS idx_cluster_members_run ON cluster_members(run);

	CREATE TABLE IF NOT EXISTS chunk_summaries (
		run TEXT NOT NULL,
		region TEXT NOT NULL,
		month TEXT NOT NULL,
		total INTEGER NOT NULL,
		kept INTEGER NOT NULL,
		duplicates INTEGER NOT NULL,
		junk INTEGER NOT NULL,
		department INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		incidents INTEGER NOT NULL,
		clusters INTEGER NOT NULL,
		published INTEGER NOT NULL,
		fatal TEXT,
		duration_ms INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (run, region, month)
	);

	CREATE TABLE IF NOT EXISTS extraction_failures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run TEXT NOT NULL,
		region TEXT NOT NULL,
		month TEXT NOT NULL,
		article_id TEXT NOT NULL,
		article_url TEXT NOT NULL,
		phase TEXT NOT NULL,
		error TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_failures_run ON extraction_failures(run);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("Record store schema initialized")
	return nil
}

func (c *Client) PublishIncident(run string, chunk model.ChunkKey, inc model.ExtractedIncident) error {
	payload, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("failed to encode incident: %w", err)
	}

	query := `
		INSERT INTO incidents (id, run, article_url, region, month, published_at, incident_date,
			city, street, district, lat, lon, crime_code, crime_category, clean_title, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, run) DO UPDATE SET
			lat = excluded.lat,
			lon = excluded.lon,
			clean_title = excluded.clean_title,
			payload = excluded.payload
	`

	_, err = c.db.Exec(
		query,
		inc.PublishID(),
		run,
		inc.ArticleURL,
		chunk.Region,
		chunk.Month,
		inc.PublishedAt.Unix(),
		inc.IncidentTime.Date,
		inc.Location.City,
		inc.Location.Street,
		inc.Location.District,
		inc.Location.Lat,
		inc.Location.Lon,
		inc.Crime.Code,
		inc.Crime.Category,
		inc.CleanTitle,
		string(payload),
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to publish incident: %w", err)
	}
	return nil
}

func (c *Client) InsertCluster(run string, cluster model.IncidentCluster) error {
	query := `
		INSERT INTO cluster_members (group_id, run, incident_id, role)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(group_id, run, incident_id) DO UPDATE SET role = excluded.role
	`
	for _, m := range cluster.Members {
		if _, err := c.db.Exec(query, cluster.GroupID, run, m.IncidentID, string(m.Role)); err != nil {
			return fmt.Errorf("failed to insert cluster member: %w", err)
		}
	}
	return nil
}

func (c *Client) InsertChunkSummary(s model.ChunkSummary) error {
	query := `
		INSERT INTO chunk_summaries (run, region, month, total, kept, duplicates, junk, department,
			failed, incidents, clusters, published, fatal, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run, region, month) DO UPDATE SET
			total = excluded.total,
			kept = excluded.kept,
			duplicates = excluded.duplicates,
			junk = excluded.junk,
			department = excluded.department,
			failed = excluded.failed,
			incidents = excluded.incidents,
			clusters = excluded.clusters,
			published = excluded.published,
			fatal = excluded.fatal,
			duration_ms = excluded.duration_ms
	`

	_, err := c.db.Exec(
		query,
		s.Run,
		s.Chunk.Region,
		s.Chunk.Month,
		s.Total,
		s.Kept,
		s.Duplicates,
		s.Junk,
		s.Department,
		s.Failed,
		s.Incidents,
		s.Clusters,
		s.Published,
		s.Fatal,
		s.Duration.Milliseconds(),
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunk summary: %w", err)
	}

	return nil
}

func (c *Client) InsertFailure(f model.FailureRecord) error {
	query := `
		INSERT INTO extraction_failures (run, region, month, article_id, article_url, phase, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.Exec(
		query,
		f.Run,
		f.Chunk.Region,
		f.Chunk.Month,
		f.ArticleID,
		f.ArticleURL,
		f.Phase,
		f.Error,
		f.At.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert failure record: %w", err)
	}
	return nil
}

func (c *Client) GetRunSummaries(run string) ([]model.ChunkSummary, error) {
	query := `
		SELECT run, region, month, total, kept, duplicates, junk, department, failed,
			incidents, clusters, published, fatal, duration_ms
		FROM chunk_summaries
		WHERE run = ?
		ORDER BY region, month
	`

	rows, err := c.db.Query(query, run)
	if err != nil {
		return nil, fmt.Errorf("failed to get run summaries: %w", err)
	}
	defer rows.Close()

	var summaries []model.ChunkSummary
	for rows.Next() {
		var s model.ChunkSummary
		var durationMS int64
		err := rows.Scan(
			&s.Run,
			&s.Chunk.Region,
			&s.Chunk.Month,
			&s.Total,
			&s.Kept,
			&s.Duplicates,
			&s.Junk,
			&s.Department,
			&s.Failed,
			&s.Incidents,
			&s.Clusters,
			&s.Published,
			&s.Fatal,
			&durationMS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		s.Duration = time.Duration(durationMS) * time.Millisecond
		summaries = append(summaries, s)
	}

	return summaries, rows.Err()
}

func (c *Client) GetRunIncidents(run string) ([]model.ExtractedIncident, error) {
	query := `
		SELECT payload FROM incidents
		WHERE run = ?
		ORDER BY published_at, id
	`

	rows, err := c.db.Query(query, run)
	if err != nil {
		return nil, fmt.Errorf("failed to get run incidents: %w", err)
	}
	defer rows.Close()

	var incidents []model.ExtractedIncident
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan incident row: %w", err)
		}
		var inc model.ExtractedIncident
		if err := json.Unmarshal([]byte(payload), &inc); err != nil {
			return nil, fmt.Errorf("failed to decode incident payload: %w", err)
		}
		incidents = append(incidents, inc)
	}

	return incidents, rows.Err()
}

func (c *Client) ListRuns(limit int) ([]string, error) {
	query := `
		SELECT run FROM chunk_summaries
		GROUP BY run
		ORDER BY MAX(created_at) DESC
		LIMIT ?
	`

	rows, err := c.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []string
	for rows.Next() {
		var run string
		if err := rows.Scan(&run); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}
