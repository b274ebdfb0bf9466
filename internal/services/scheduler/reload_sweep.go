package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/campusbridge/partner-api/internal/services/reload"
)

type ReloadSweepScheduler struct {
	reloadService *reload.Service
	interval      time.Duration
	stopChan      chan struct{}
}

func NewReloadSweepScheduler(reloadService *reload.Service, interval time.Duration) *ReloadSweepScheduler {
	if interval == 0 {
		interval = 15 * time.Minute
	}
	return &ReloadSweepScheduler{
		reloadService: reloadService,
		interval:      interval,
		stopChan:      make(chan struct{}),
	}
}

func (s *ReloadSweepScheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("Auto-reload sweep scheduler started, running every %s", s.interval)

	for {
		select {
		case <-ticker.C:
			if err := s.reloadService.Sweep(ctx); err != nil {
				log.Printf("Error running auto-reload sweep: %v", err)
			}
		case <-s.stopChan:
			log.Println("Auto-reload sweep scheduler stopped")
			return
		case <-ctx.Done():
			log.Println("Auto-reload sweep scheduler stopped due to context cancellation")
			return
		}
	}
}

func (s *ReloadSweepScheduler) Stop() {
	close(s.stopChan)
}
