package checker

import "sync"

// SiteLimiter ensures that at most one poll cycle per site is in flight.
type SiteLimiter struct {
	mu    sync.Mutex
	sites map[int64]struct{}
}

// NewSiteLimiter creates a new SiteLimiter.
func NewSiteLimiter() *SiteLimiter {
	return &SiteLimiter{
		sites: make(map[int64]struct{}),
	}
}

// Acquire attempts to mark a site as polling.
// It returns true if the flag was acquired, and false otherwise.
func (l *SiteLimiter) Acquire(siteID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.sites[siteID]; exists {
		return false
	}

	l.sites[siteID] = struct{}{}
	return true
}

// Release clears the polling flag for a site.
func (l *SiteLimiter) Release(siteID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sites, siteID)
}

// InFlight returns the number of sites currently polling.
func (l *SiteLimiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sites)
}
