// Package system provides the wall clock used outside of tests.
package system

import (
	"time"

	"github.com/JakeFAU/sitemap-metadata-crawler/internal/crawler"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/policy/circuitbreaker"
)

var (
	_ crawler.Clock        = Clock{}
	_ circuitbreaker.Clock = Clock{}
)

// Clock reports UTC wall time. It satisfies both crawler.Clock and
// circuitbreaker.Clock so one instance can be shared across the service.
type Clock struct{}

// New creates a new Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
