package metrics

import (
	"context"
	"time"

	"fundarb/logger"
)

// DepthFunc reports the current length and capacity of a bounded queue.
type DepthFunc func() (length, capacity int)

// StartQueueDepthMetrics emits occupancy gauges for the named queues every
// interval until ctx is cancelled. A one-second cadence is used when
// interval <= 0.
func StartQueueDepthMetrics(ctx context.Context, queues map[string]DepthFunc, interval time.Duration) {
	if len(queues) == 0 {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)
	component := "queue_depth"

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for name, depth := range queues {
					if depth == nil {
						continue
					}
					length, capacity := depth()
					EmitMetric(log, component, name+"_length", length, "gauge", logger.Fields{
						"queue":    name,
						"capacity": capacity,
					})
				}
			}
		}
	}()
}
