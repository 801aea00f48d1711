package checker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sitewatch/internal/differ"
	"sitewatch/internal/storage"
)

// ErrPollInProgress is returned by PollNow when the site already has a cycle in flight.
var ErrPollInProgress = errors.New("poll already in progress")

// Options configures a Checker.
type Options struct {
	TickInterval   time.Duration
	MaxConcurrency int
	QueueSize      int
	Logger         logrus.FieldLogger
}

// Checker is responsible for periodically scheduling poll cycles for due sites.
type Checker struct {
	store        storage.Storer
	poller       *Poller
	limiter      *SiteLimiter
	pool         *WorkerPool
	tickInterval time.Duration
	logger       logrus.FieldLogger
	now          func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new Checker.
func New(store storage.Storer, fetcher Fetcher, opts Options) *Checker {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	limiter := NewSiteLimiter()
	poller := NewPoller(store, fetcher, opts.Logger)
	return &Checker{
		store:        store,
		poller:       poller,
		limiter:      limiter,
		pool:         NewWorkerPool(ctx, poller, limiter, opts.MaxConcurrency, opts.QueueSize, opts.Logger),
		tickInterval: opts.TickInterval,
		logger:       opts.Logger,
		now:          time.Now,
		ctx:          ctx,
		cancel:       cancel,
		stopChan:     make(chan struct{}),
	}
}

// Start begins the periodic scheduling loop.
func (c *Checker) Start() {
	c.logger.WithField("tick", c.tickInterval).Info("starting background checker")
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.tickInterval)
		defer ticker.Stop()

		c.scheduleDue()

		for {
			select {
			case <-ticker.C:
				c.scheduleDue()
			case <-c.stopChan:
				c.logger.Info("stopping background checker...")
				return
			}
		}
	}()
}

// Stop abandons in-flight fetches, waits for running transactions and shuts
// the worker pool down. It is safe to call more than once.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		c.wg.Wait()
		c.cancel()
		c.pool.Stop()
		c.logger.Info("background checker stopped")
	})
}

// scheduleDue lists sites and dispatches the due ones to the worker pool.
func (c *Checker) scheduleDue() {
	sites, err := c.store.ListSites(c.ctx)
	if err != nil {
		c.logger.WithError(err).Error("error fetching sites for polling")
		return
	}

	now := c.now()
	submitted := 0
	for _, site := range sites {
		if !site.IsDue(now) {
			continue
		}
		if !c.limiter.Acquire(site.ID) {
			continue
		}
		// The listing may predate a cycle that finished after it was read.
		fresh, err := c.store.GetSite(c.ctx, site.ID)
		if err != nil || !fresh.IsDue(now) {
			c.limiter.Release(site.ID)
			continue
		}
		if !c.pool.Submit(*fresh) {
			c.limiter.Release(site.ID)
			continue
		}
		submitted++
	}
	if submitted > 0 {
		c.logger.WithField("count", submitted).Debug("submitted due sites")
	}
}

// PollNow runs one cycle for siteID synchronously, outside the worker pool.
// It returns ErrPollInProgress if a cycle for the site is already running.
func (c *Checker) PollNow(ctx context.Context, siteID int64) (differ.Outcome, error) {
	if !c.limiter.Acquire(siteID) {
		return differ.Outcome{}, ErrPollInProgress
	}
	defer c.limiter.Release(siteID)
	return c.poller.Poll(ctx, siteID)
}

// DueSites returns the IDs of the sites due at the current time.
func (c *Checker) DueSites(ctx context.Context) ([]int64, error) {
	sites, err := c.store.ListSites(ctx)
	if err != nil {
		return nil, err
	}
	now := c.now()
	var ids []int64
	for _, site := range sites {
		if site.IsDue(now) {
			ids = append(ids, site.ID)
		}
	}
	return ids, nil
}
