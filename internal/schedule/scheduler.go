package schedule

import (
	"context"
	"errors"
	"log"

	"cardsync/internal/catalog"
	"cardsync/internal/jobs"

	"github.com/robfig/cron/v3"
)

// Scheduler enqueues a refresh job for every active game on a cron spec. The
// dispatcher executes whatever lands in the queue; games already queued or
// running are skipped via the queue's own exclusivity.
type Scheduler struct {
	Queue   *jobs.QueueRepo
	Catalog *catalog.Repo
	Spec    string

	cron *cron.Cron
}

func (s *Scheduler) Start(ctx context.Context) error {
	if s.Spec == "" {
		return nil
	}

	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.Spec, func() { s.enqueueAll(ctx) })
	if err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("scheduler: enqueue spec %q\n", s.Spec)
	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func (s *Scheduler) enqueueAll(ctx context.Context) {
	games, err := s.Catalog.ActiveGames(ctx)
	if err != nil {
		log.Printf("scheduler: list games: %v\n", err)
		return
	}
	for _, g := range games {
		_, err := s.Queue.Enqueue(ctx, g.Code, 0)
		if err != nil && !errors.Is(err, jobs.ErrAlreadyQueuedOrRunning) {
			log.Printf("scheduler: enqueue %s: %v\n", g.Code, err)
		}
	}
}
