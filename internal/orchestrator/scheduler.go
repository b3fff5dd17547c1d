package orchestrator

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"

	"github.com/incidentmap/pipeline/internal/model"
	"github.com/incidentmap/pipeline/pkg/logger"
)

// Scheduler is the strategy that decides how chunks flow through the
// shared pipeline phases. Both implementations return one summary per
// chunk that was started; chunks never started because of cancellation
// get no summary.
type Scheduler interface {
	Run(ctx context.Context, keys []model.ChunkKey) ([]model.ChunkSummary, error)
}

// Sequential processes one chunk end-to-end before the next starts, for
// deterministic low-resource runs and rate-limited backfills.
type Sequential struct {
	pipeline *Pipeline
}

func NewSequential(p *Pipeline) *Sequential {
	return &Sequential{pipeline: p}
}

func (s *Sequential) Run(ctx context.Context, keys []model.ChunkKey) ([]model.ChunkSummary, error) {
	var summaries []model.ChunkSummary
	for _, key := range keys {
		// Cancellation is honored between chunks; an in-flight chunk is
		// allowed to complete or time out naturally.
		if ctx.Err() != nil {
			return summaries, ctx.Err()
		}

		st := s.pipeline.newChunkState(key)
		s.pipeline.collectStage(ctx, st)
		s.pipeline.filterStage(ctx, st)
		s.pipeline.extractStage(ctx, st)
		summaries = append(summaries, s.pipeline.finish(ctx, st))
	}
	return summaries, nil
}

// PoolConfig bounds the per-phase worker pools. Extraction gets the
// narrowest pool: the extraction service is the scarcest resource.
type PoolConfig struct {
	CollectWorkers int
	FilterWorkers  int
	ExtractWorkers int
}

// Parallel streams chunks through per-phase worker pools: a chunk
// advances to the next phase's queue as soon as it is done with the
// current one. Chunk errors stay inside their chunk's summary.
type Parallel struct {
	pipeline *Pipeline
	cfg      PoolConfig
}

func NewParallel(p *Pipeline, cfg PoolConfig) *Parallel {
	if cfg.CollectWorkers <= 0 {
		cfg.CollectWorkers = 8
	}
	if cfg.FilterWorkers <= 0 {
		cfg.FilterWorkers = 8
	}
	if cfg.ExtractWorkers <= 0 {
		cfg.ExtractWorkers = 4
	}
	return &Parallel{pipeline: p, cfg: cfg}
}

func (s *Parallel) Run(ctx context.Context, keys []model.ChunkKey) ([]model.ChunkSummary, error) {
	collectCh := make(chan *chunkState)
	filterCh := make(chan *chunkState)
	extractCh := make(chan *chunkState)
	doneCh := make(chan *chunkState)

	// Workers deliberately ignore ctx for channel sends: every started
	// chunk flows to doneCh so its summary is recorded even when the run
	// is cancelled mid-flight. The stages themselves stop doing work as
	// soon as ctx is cancelled.
	var g errgroup.Group

	g.Go(func() error {
		defer close(collectCh)
		for _, key := range keys {
			if ctx.Err() != nil {
				return nil
			}
			collectCh <- s.pipeline.newChunkState(key)
		}
		return nil
	})

	pool(&g, s.cfg.CollectWorkers, collectCh, filterCh, func(st *chunkState) {
		s.pipeline.collectStage(ctx, st)
	})
	pool(&g, s.cfg.FilterWorkers, filterCh, extractCh, func(st *chunkState) {
		s.pipeline.filterStage(ctx, st)
	})
	pool(&g, s.cfg.ExtractWorkers, extractCh, doneCh, func(st *chunkState) {
		s.pipeline.extractStage(ctx, st)
	})

	// doneCh closes once the extract pool's workers finish.
	var summaries []model.ChunkSummary
	collectDone := make(chan struct{})
	go func() {
		defer close(collectDone)
		for st := range doneCh {
			summaries = append(summaries, s.pipeline.finish(ctx, st))
		}
	}()

	err := g.Wait()
	<-collectDone

	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		logger.Warn("Parallel run ended early", zap.Error(err))
	}
	return summaries, err
}

// pool starts n workers that apply work to each chunk from in and pass it
// to out. out closes once all workers finish.
func pool(g *errgroup.Group, n int, in <-chan *chunkState, out chan<- *chunkState, work func(*chunkState)) {
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			defer wg.Done()
			for st := range in {
				work(st)
				out <- st
			}
			return nil
		})
	}
	g.Go(func() error {
		wg.Wait()
		close(out)
		return nil
	})
}
