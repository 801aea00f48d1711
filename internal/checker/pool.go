package checker

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"sitewatch/internal/models"
)

// WorkerPool manages a fixed set of goroutines that run poll cycles concurrently.
// The number of workers bounds outbound fetches regardless of how many sites exist.
type WorkerPool struct {
	ctx      context.Context
	poller   *Poller
	limiter  *SiteLimiter
	logger   logrus.FieldLogger
	jobs     chan models.Site
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewWorkerPool creates a new worker pool. Cancelling ctx abandons in-flight fetches.
func NewWorkerPool(ctx context.Context, poller *Poller, limiter *SiteLimiter, maxConcurrency, queueSize int, logger logrus.FieldLogger) *WorkerPool {
	if queueSize <= 0 {
		queueSize = maxConcurrency * 2
	}
	pool := &WorkerPool{
		ctx:     ctx,
		poller:  poller,
		limiter: limiter,
		logger:  logger,
		jobs:    make(chan models.Site, queueSize),
	}

	pool.startWorkers(maxConcurrency)
	return pool
}

// startWorkers launches the worker goroutines.
func (p *WorkerPool) startWorkers(count int) {
	p.wg.Add(count)
	for i := 0; i < count; i++ {
		go func() {
			defer p.wg.Done()
			for site := range p.jobs {
				p.performPoll(site)
			}
		}()
	}
}

// Submit queues a site whose limiter flag the caller already holds.
// It returns false without blocking when the queue is full.
func (p *WorkerPool) Submit(site models.Site) bool {
	select {
	case p.jobs <- site:
		return true
	default:
		p.logger.WithField("site_id", site.ID).Warn("job queue full, skipping poll")
		return false
	}
}

// Stop gracefully stops all workers.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.jobs)
		p.wg.Wait()
	})
}

// performPoll runs one cycle and releases the site's flag afterwards.
func (p *WorkerPool) performPoll(site models.Site) {
	defer p.limiter.Release(site.ID)

	if p.ctx.Err() != nil {
		return
	}
	outcome, err := p.poller.Poll(p.ctx, site.ID)
	if err != nil {
		if p.ctx.Err() != nil {
			return
		}
		p.logger.WithFields(logrus.Fields{"site_id": site.ID, "url": site.URL}).WithError(err).Warn("poll failed")
		return
	}
	p.logger.WithFields(logrus.Fields{"site_id": site.ID, "outcome": outcome.Kind}).Debug("poll completed")
}
