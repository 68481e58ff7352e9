package router

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
)

// maintenance runs the router's periodic jobs: route-cache purging and
// base-quality rescoring.
type maintenance struct {
	router *Router
	cron   *cron.Cron

	mu      sync.Mutex
	running bool
}

func newMaintenance(r *Router) *maintenance {
	return &maintenance{
		router: r,
		cron:   cron.New(),
	}
}

func (m *maintenance) start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}

	purgeSpec := fmt.Sprintf("@every %s", m.router.cfg.PurgeEvery)
	if _, err := m.cron.AddFunc(purgeSpec, func() {
		if removed := m.router.PurgeRouteCache(); removed > 0 {
			m.router.logger.Debug("route cache purged", "removed", removed)
		}
	}); err != nil {
		m.router.logger.Error("schedule route cache purge", "error", err)
	}

	rescoreSpec := fmt.Sprintf("@every %s", m.router.cfg.RescoreEvery)
	if _, err := m.cron.AddFunc(rescoreSpec, func() {
		m.router.RescoreBaseQuality()
	}); err != nil {
		m.router.logger.Error("schedule base quality rescore", "error", err)
	}

	m.cron.Start()
	m.running = true
}

func (m *maintenance) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.running = false
}
