package checker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"sitewatch/internal/differ"
	"sitewatch/internal/fingerprint"
	"sitewatch/internal/models"
	"sitewatch/internal/storage"
)

// Fetcher retrieves the canonical content of a page.
type Fetcher interface {
	Fetch(ctx context.Context, url string, selector *string) (string, error)
}

// Poller runs a single fetch, fingerprint, diff and record cycle for a site.
// It does not guard against overlapping cycles; callers hold the SiteLimiter.
type Poller struct {
	store   storage.Storer
	fetcher Fetcher
	logger  logrus.FieldLogger
	now     func() time.Time
}

// NewPoller creates a Poller.
func NewPoller(store storage.Storer, fetcher Fetcher, logger logrus.FieldLogger) *Poller {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Poller{
		store:   store,
		fetcher: fetcher,
		logger:  logger,
		now:     time.Now,
	}
}

// maxRecordAttempts bounds how often one cycle re-evaluates its content after
// another writer moved the site's current snapshot.
const maxRecordAttempts = 3

// Poll runs one cycle for siteID.
//
// Every failure after the site is loaded still advances last_checked_at, so a
// broken page or a storage fault waits a full interval before the next try.
// If ctx is cancelled before the storage step the cycle is abandoned without
// writes; once the storage step begins it runs to commit or rollback
// regardless of ctx. If another writer records a snapshot after the current
// one was read, the fetched content is compared against the new one instead.
func (p *Poller) Poll(ctx context.Context, siteID int64) (differ.Outcome, error) {
	site, err := p.store.GetSite(ctx, siteID)
	if err != nil {
		return differ.Outcome{}, fmt.Errorf("load site: %w", err)
	}
	log := p.logger.WithFields(logrus.Fields{"site_id": site.ID, "url": site.URL})

	last, err := p.loadHead(ctx, site)
	if err != nil {
		if ctx.Err() != nil {
			return differ.Outcome{}, ctx.Err()
		}
		p.markChecked(context.WithoutCancel(ctx), log, site.ID, p.now().UTC())
		return differ.Outcome{}, err
	}

	started := p.now()
	content, fetchErr := p.fetcher.Fetch(ctx, site.URL, site.Selector)
	if ctx.Err() != nil {
		log.Debug("poll abandoned")
		return differ.Outcome{}, ctx.Err()
	}

	writeCtx := context.WithoutCancel(ctx)
	checkedAt := p.now().UTC()

	if fetchErr != nil {
		p.markChecked(writeCtx, log, site.ID, checkedAt)
		return differ.Outcome{}, fmt.Errorf("fetch: %w", fetchErr)
	}

	fp := fingerprint.OfString(content)
	for attempt := 1; ; attempt++ {
		outcome := differ.Evaluate(*site, last, content, fp)
		if outcome.Kind == differ.Unchanged {
			if err := p.store.MarkChecked(writeCtx, site.ID, checkedAt); err != nil {
				return outcome, fmt.Errorf("record check: %w", err)
			}
			log.WithField("duration", time.Since(started)).Debug("content unchanged")
			return outcome, nil
		}

		change, err := p.store.RecordPollResult(writeCtx, storage.PollResult{
			SiteID:             site.ID,
			PreviousSnapshotID: site.LastSnapshotID,
			Content:            content,
			Fingerprint:        fp,
			Summary:            outcome.Summary,
			CheckedAt:          checkedAt,
		})
		if errors.Is(err, storage.ErrHeadMoved) && attempt < maxRecordAttempts {
			log.WithField("attempt", attempt).Debug("current snapshot moved, comparing again")
			var fresh *models.Site
			if fresh, err = p.store.GetSite(writeCtx, site.ID); err == nil {
				if last, err = p.loadHead(writeCtx, fresh); err == nil {
					site = fresh
					continue
				}
			}
		}
		if err != nil {
			p.markChecked(writeCtx, log, site.ID, checkedAt)
			return outcome, fmt.Errorf("record poll result: %w", err)
		}
		if change == nil {
			// Another writer recorded the same content first.
			return differ.Outcome{Kind: differ.Unchanged}, nil
		}

		log.WithFields(logrus.Fields{
			"outcome":     outcome.Kind,
			"change_id":   change.ID,
			"snapshot_id": change.NewSnapshotID,
			"summary":     change.Summary,
			"duration":    time.Since(started),
		}).Info("change recorded")
		return outcome, nil
	}
}

// loadHead returns the site's current snapshot, or nil before the baseline.
func (p *Poller) loadHead(ctx context.Context, site *models.Site) (*models.Snapshot, error) {
	if site.LastSnapshotID == nil {
		return nil, nil
	}
	last, err := p.store.GetSnapshot(ctx, *site.LastSnapshotID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %d: %w", *site.LastSnapshotID, err)
	}
	return last, nil
}

// markChecked advances last_checked_at after a failed cycle. Its own error is
// only logged; the cycle's error is the one reported.
func (p *Poller) markChecked(ctx context.Context, log logrus.FieldLogger, siteID int64, at time.Time) {
	if err := p.store.MarkChecked(ctx, siteID, at); err != nil {
		log.WithError(err).Error("failed to record check time")
	}
}
