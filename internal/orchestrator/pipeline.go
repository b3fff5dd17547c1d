// Package orchestrator drives chunks through collect → filter →
// extraction → clustering → publish with bounded concurrency, chunk
// isolation and a per-run summary.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/incidentmap/pipeline/internal/cluster"
	"github.com/incidentmap/pipeline/internal/collector"
	"github.com/incidentmap/pipeline/internal/extraction"
	"github.com/incidentmap/pipeline/internal/filter"
	"github.com/incidentmap/pipeline/internal/metrics"
	"github.com/incidentmap/pipeline/internal/model"
	"github.com/incidentmap/pipeline/internal/storage/sqlite"
	"github.com/incidentmap/pipeline/pkg/logger"
)

// Pipeline owns the per-chunk phase flow shared by both schedulers. Each
// chunk's intermediate state stays worker-local until publish; the cache
// store is the only resource shared between concurrent chunks.
type Pipeline struct {
	run       string
	collector collector.Collector
	filter    *filter.Filter
	extractor *extraction.Engine
	clusterer *cluster.Engine
	store     *sqlite.Client
	hub       *EventHub
}

func NewPipeline(run string, col collector.Collector, flt *filter.Filter, ext *extraction.Engine, cls *cluster.Engine, store *sqlite.Client, hub *EventHub) *Pipeline {
	if hub == nil {
		hub = NewEventHub()
	}
	return &Pipeline{
		run:       run,
		collector: col,
		filter:    flt,
		extractor: ext,
		clusterer: cls,
		store:     store,
		hub:       hub,
	}
}

func (p *Pipeline) Run() string { return p.run }

func (p *Pipeline) Hub() *EventHub { return p.hub }

// chunkState is one chunk's worker-local state as it moves through the
// phases.
type chunkState struct {
	key       model.ChunkKey
	started   time.Time
	articles  []model.RawArticle
	decisions []model.FilterDecision
	summary   model.ChunkSummary
	fatal     bool
}

func (p *Pipeline) newChunkState(key model.ChunkKey) *chunkState {
	return &chunkState{
		key:     key,
		started: time.Now(),
		summary: model.ChunkSummary{Run: p.run, Chunk: key},
	}
}

func (p *Pipeline) collectStage(ctx context.Context, st *chunkState) {
	if st.fatal || ctx.Err() != nil {
		return
	}
	p.progress(st, "collect", "collecting articles")

	articles, err := p.collector.Collect(ctx, st.key)
	if err != nil {
		p.fail(st, fmt.Errorf("collect: %w", err))
		return
	}
	st.articles = articles
	st.summary.Total = len(articles)
}

func (p *Pipeline) filterStage(ctx context.Context, st *chunkState) {
	if st.fatal || ctx.Err() != nil {
		return
	}
	p.progress(st, "filter", fmt.Sprintf("filtering %d articles", len(st.articles)))

	decisions, err := p.filter.Run(st.articles)
	if err != nil {
		// Filter errors are local and deterministic: fatal to the chunk.
		p.fail(st, fmt.Errorf("filter: %w", err))
		return
	}
	st.decisions = decisions

	for _, d := range decisions {
		switch d.Reason {
		case model.ReasonOK:
			st.summary.Kept++
		case model.ReasonDuplicate:
			st.summary.Duplicates++
		case model.ReasonJunk:
			st.summary.Junk++
		case model.ReasonDepartment:
			st.summary.Department++
		}
	}
}

// extractStage runs extraction, clustering and publish for one chunk.
// Clustering and publish stay local computation plus record-store writes,
// so they live in the narrow extraction pool rather than a pool of their
// own.
func (p *Pipeline) extractStage(ctx context.Context, st *chunkState) {
	if st.fatal || ctx.Err() != nil {
		return
	}
	p.progress(st, "extract", fmt.Sprintf("extracting %d kept articles", st.summary.Kept))

	res, err := p.extractor.Run(ctx, st.articles, st.decisions)
	if err != nil {
		p.fail(st, fmt.Errorf("extract: %w", err))
		return
	}

	// Triage's junk/department verdicts override the filter's keep.
	for _, tr := range res.Triage {
		switch tr.Classification {
		case model.ClassJunk:
			st.summary.Kept--
			st.summary.Junk++
		case model.ClassDepartment:
			st.summary.Kept--
			st.summary.Department++
		}
	}

	failedArticles := make(map[string]bool)
	for _, f := range res.Failures {
		failedArticles[f.ArticleID] = true
		f.Run = p.run
		f.Chunk = st.key
		if err := p.store.InsertFailure(f); err != nil {
			logger.Warn("Failed to record extraction failure", zap.Error(err))
		}
	}
	st.summary.Failed = len(failedArticles)
	st.summary.Incidents = len(res.Incidents)

	p.progress(st, "cluster", fmt.Sprintf("clustering %d incidents", len(res.Incidents)))
	clusters := p.clusterer.Run(ctx, res.Incidents)
	for _, c := range clusters {
		if len(c.Members) > 1 {
			st.summary.Clusters++
		}
	}

	p.progress(st, "publish", fmt.Sprintf("publishing %d incidents", len(res.Incidents)))
	for _, inc := range res.Incidents {
		if err := p.store.PublishIncident(p.run, st.key, inc); err != nil {
			p.fail(st, fmt.Errorf("publish: %w", err))
			return
		}
		st.summary.Published++
		metrics.IncidentsPublished.Inc()
	}
	for _, c := range clusters {
		if err := p.store.InsertCluster(p.run, c); err != nil {
			p.fail(st, fmt.Errorf("publish cluster: %w", err))
			return
		}
	}
}

// finish persists and returns the chunk summary. It runs exactly once per
// chunk, whether the chunk succeeded, failed or was cancelled.
func (p *Pipeline) finish(ctx context.Context, st *chunkState) model.ChunkSummary {
	if !st.fatal && ctx.Err() != nil {
		st.fatal = true
		st.summary.Fatal = "run cancelled before chunk completed"
	}

	st.summary.Duration = time.Since(st.started)
	metrics.ChunkDuration.Observe(st.summary.Duration.Seconds())

	status := "ok"
	if st.fatal {
		status = "failed"
	}
	metrics.ChunksProcessed.WithLabelValues(status).Inc()

	if err := p.store.InsertChunkSummary(st.summary); err != nil {
		logger.Error("Failed to persist chunk summary",
			zap.String("chunk", st.key.String()),
			zap.Error(err),
		)
	}

	logger.Info("Chunk finished",
		zap.String("run", p.run),
		zap.String("chunk", st.key.String()),
		zap.Int("total", st.summary.Total),
		zap.Int("kept", st.summary.Kept),
		zap.Int("duplicates", st.summary.Duplicates),
		zap.Int("junk", st.summary.Junk),
		zap.Int("department", st.summary.Department),
		zap.Int("failed", st.summary.Failed),
		zap.Int("published", st.summary.Published),
		zap.String("fatal", st.summary.Fatal),
		zap.Duration("duration", st.summary.Duration),
	)
	p.progress(st, "done", status)

	return st.summary
}

// fail records a chunk-fatal error. Other chunks are unaffected.
func (p *Pipeline) fail(st *chunkState, err error) {
	st.fatal = true
	st.summary.Fatal = err.Error()
	logger.Error("Chunk failed",
		zap.String("run", p.run),
		zap.String("chunk", st.key.String()),
		zap.Error(err),
	)
}

func (p *Pipeline) progress(st *chunkState, phase, message string) {
	p.hub.Publish(ProgressEvent{
		Run:     p.run,
		Chunk:   st.key,
		Phase:   phase,
		Message: message,
	})
}
