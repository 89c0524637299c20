// File: internal/resolver/discovery.go
package resolver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
	"github.com/xkilldash9x/scalpel-resolver/internal/observability"
)

const discoveryTimeout = 60 * time.Second

// discovery fronts the Discoverer collaborator. Concurrent misses on the
// same (target, role) share one call, and calls per target are rate limited.
type discovery struct {
	discoverer schemas.Discoverer
	group      singleflight.Group
	limit      rate.Limit
	burst      int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	logger  *zap.Logger
	metrics *observability.Metrics
}

func newDiscovery(d schemas.Discoverer, limit rate.Limit, burst int, logger *zap.Logger, metrics *observability.Metrics) *discovery {
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &discovery{
		discoverer: d,
		limit:      limit,
		burst:      burst,
		limiters:   make(map[string]*rate.Limiter),
		logger:     logger.Named("discovery"),
		metrics:    metrics,
	}
}

func (d *discovery) limiter(targetID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[targetID]
	if !ok {
		l = rate.NewLimiter(d.limit, d.burst)
		d.limiters[targetID] = l
	}
	return l
}

// discover returns a fresh locator for the role. The shared call runs on a
// context detached from any single caller so one cancelled caller cannot
// fail the others; each caller still stops waiting when its own ctx ends.
func (d *discovery) discover(ctx context.Context, targetID, role string) (schemas.Locator, error) {
	targetID = strings.ToLower(targetID)
	key := targetID + "\x00" + role

	ch := d.group.DoChan(key, func() (interface{}, error) {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), discoveryTimeout)
		defer cancel()
		if err := d.limiter(targetID).Wait(dctx); err != nil {
			return schemas.Locator{}, fmt.Errorf("discovery rate limit for %s: %w", targetID, err)
		}
		start := time.Now()
		loc, err := d.discoverer.Discover(dctx, targetID, role)
		d.metrics.DiscoveryCall(targetID, err)
		if err != nil {
			d.logger.Warn("Discovery failed.",
				zap.String("target", targetID),
				zap.String("role", role),
				zap.Error(err))
			return schemas.Locator{}, err
		}
		d.logger.Info("Discovered locator.",
			zap.String("target", targetID),
			zap.String("role", role),
			zap.Stringer("primary", loc.Primary),
			zap.Duration("took", time.Since(start)))
		return loc, nil
	})

	select {
	case <-ctx.Done():
		return schemas.Locator{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return schemas.Locator{}, res.Err
		}
		loc := res.Val.(schemas.Locator).Clone()
		loc.Role = role
		if loc.Primary.IsZero() {
			return schemas.Locator{}, fmt.Errorf("discovery returned no expression for %s/%s", targetID, role)
		}
		return loc, nil
	}
}
