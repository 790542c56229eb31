package jobs

import (
	"context"
	"log"
	"time"
)

// Dispatcher polls the queue and drives the processor. One Dispatcher runs
// per instance; running several instances is still safe because exclusivity
// lives in the queue's atomic dequeue, not here.
type Dispatcher struct {
	Processor *Processor
	Interval  time.Duration
}

func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := d.Processor.RunOnce(ctx)
			if err != nil {
				log.Printf("dispatcher: run error: %v\n", err)
				continue
			}
			if res == nil {
				continue
			}
			// Drain without waiting a full tick while work is queued.
			for res != nil {
				if ctx.Err() != nil {
					return
				}
				res, err = d.Processor.RunOnce(ctx)
				if err != nil {
					log.Printf("dispatcher: run error: %v\n", err)
					break
				}
			}
		}
	}
}
