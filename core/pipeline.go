package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"specter/events"
	"specter/logger"
	"specter/models"
	"specter/plugins"
)

// PipelineConfig tunes the scan pipeline.
type PipelineConfig struct {
	QueueSize   int
	Workers     int
	OrphanTTL   time.Duration
	StatsPeriod time.Duration
}

type scanJob struct {
	request  *models.RequestContext
	combined *models.CombinedContext
}

type pendingRequest struct {
	request  models.RequestContext
	cachedAt time.Time
}

// Pipeline decouples traffic capture from plugin execution. The proxy hands
// captured exchanges to ProcessRequest/ProcessResponse, which enqueue without
// ever blocking the proxied connection; a worker pool drains the queue and
// runs every enabled plugin against each job.
type Pipeline struct {
	manager *plugins.Manager
	deduper *Deduper
	broker  *events.Broker
	cfg     PipelineConfig

	jobs chan scanJob

	mu      sync.Mutex
	pending map[string]pendingRequest

	requestsSeen  atomic.Uint64
	responsesSeen atomic.Uint64
	findingsTotal atomic.Uint64
	jobsDropped   atomic.Uint64

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPipeline builds a pipeline; call Start before feeding it traffic.
func NewPipeline(manager *plugins.Manager, deduper *Deduper, broker *events.Broker, cfg PipelineConfig) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.OrphanTTL <= 0 {
		cfg.OrphanTTL = 120 * time.Second
	}
	if cfg.StatsPeriod <= 0 {
		cfg.StatsPeriod = 5 * time.Second
	}
	return &Pipeline{
		manager: manager,
		deduper: deduper,
		broker:  broker,
		cfg:     cfg,
		jobs:    make(chan scanJob, cfg.QueueSize),
		pending: make(map[string]pendingRequest),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the worker pool, the orphan janitor, and the stats ticker.
func (p *Pipeline) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.wg.Add(2)
	go p.janitor()
	go p.statsLoop()
	logger.Info("Scan pipeline started (%d workers, queue %d)", p.cfg.Workers, p.cfg.QueueSize)
}

// Stop shuts the pipeline down and waits for workers to finish their current
// jobs. Queued but unstarted jobs are discarded.
func (p *Pipeline) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	p.wg.Wait()
	logger.Info("Scan pipeline stopped (%d findings total, %d jobs dropped)",
		p.findingsTotal.Load(), p.jobsDropped.Load())
}

// ProcessRequest caches the request for later response correlation and
// enqueues a request-phase scan. Never blocks; when the queue is full the
// scan job is dropped and counted, though the request stays cached so its
// response can still be paired.
func (p *Pipeline) ProcessRequest(req models.RequestContext) {
	p.requestsSeen.Add(1)

	p.mu.Lock()
	p.pending[req.ID] = pendingRequest{request: req, cachedAt: time.Now()}
	p.mu.Unlock()

	p.enqueue(scanJob{request: &req})
}

// ProcessResponse pairs the response with its cached request and enqueues a
// response-phase scan over the combined exchange. A response whose request
// was never seen (or already evicted) is dropped.
func (p *Pipeline) ProcessResponse(resp models.ResponseContext) {
	p.responsesSeen.Add(1)

	p.mu.Lock()
	cached, ok := p.pending[resp.ID]
	if ok {
		delete(p.pending, resp.ID)
	}
	p.mu.Unlock()

	if !ok {
		logger.ProxyDebug("Dropping uncorrelated response %s (status %d)", resp.ID, resp.StatusCode)
		return
	}

	p.enqueue(scanJob{combined: &models.CombinedContext{Request: cached.request, Response: resp}})
}

func (p *Pipeline) enqueue(job scanJob) {
	if !p.running.Load() {
		return
	}
	select {
	case p.jobs <- job:
	default:
		p.jobsDropped.Add(1)
	}
}

func (p *Pipeline) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case job := <-p.jobs:
			p.dispatch(job)
		}
	}
}

// dispatch runs every enabled plugin sequentially against one job. The
// enabled set is snapshotted per job, so a disable takes effect on the next
// job at the latest.
func (p *Pipeline) dispatch(job scanJob) {
	engines := p.manager.EnabledEngines()
	if len(engines) == 0 {
		return
	}

	ctx := context.Background()
	for _, engine := range engines {
		var findings []models.Finding
		var err error

		switch {
		case job.request != nil:
			findings, err = engine.ScanRequest(ctx, *job.request)
		case job.combined != nil:
			findings, err = engine.ScanResponse(ctx, *job.combined)
		}
		if err != nil {
			// One misbehaving plugin must not starve the rest.
			logger.Warn("Plugin %s scan error: %v", engine.Metadata().ID, err)
			continue
		}

		for _, f := range findings {
			if _, err := p.deduper.Ingest(f); err != nil {
				logger.Error("Failed to ingest finding from %s: %v", f.PluginID, err)
				continue
			}
			p.findingsTotal.Add(1)
		}
	}
}

// janitor evicts cached requests whose response never arrived, so aborted
// connections do not leak memory.
func (p *Pipeline) janitor() {
	defer p.wg.Done()
	interval := p.cfg.OrphanTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-p.cfg.OrphanTTL)
			evicted := 0
			p.mu.Lock()
			for id, entry := range p.pending {
				if entry.cachedAt.Before(cutoff) {
					delete(p.pending, id)
					evicted++
				}
			}
			p.mu.Unlock()
			if evicted > 0 {
				logger.Debug("Evicted %d orphaned request(s) from the correlation cache", evicted)
			}
		}
	}
}

func (p *Pipeline) statsLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.StatsPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if p.broker != nil {
				p.broker.Publish(events.TypeScanStats, p.Stats())
			}
		}
	}
}

// Stats returns a point-in-time snapshot of the pipeline counters.
func (p *Pipeline) Stats() events.ScanStats {
	p.mu.Lock()
	cached := len(p.pending)
	p.mu.Unlock()

	return events.ScanStats{
		RequestsSeen:    p.requestsSeen.Load(),
		ResponsesSeen:   p.responsesSeen.Load(),
		FindingsTotal:   p.findingsTotal.Load(),
		EventsDropped:   p.jobsDropped.Load(),
		CachedExchanges: cached,
	}
}
