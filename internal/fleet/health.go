package fleet

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/darkermage/tasmota-fleet/internal/tasmota"
)

const (
	DefaultHealthCheckInterval = 60 * time.Second
	healthCheckTimeout         = 3 * time.Second
)

type healthLoop struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// StartHealthCheck pings every device each interval (default 60s) and
// publishes device-online / device-offline on state changes. A running
// check is replaced.
func (r *Registry) StartHealthCheck(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}
	r.StopHealthCheck()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	r.health.mu.Lock()
	r.health.cancel = cancel
	r.health.done = done
	r.health.mu.Unlock()

	r.logger.Info("health check started", zap.Duration("interval", interval))

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.CheckHealth(ctx)
			}
		}
	}()
}

// StopHealthCheck stops the health check and waits for a tick in progress
// to finish. It does nothing when no check is running. Calling it from an
// event handler deadlocks.
func (r *Registry) StopHealthCheck() {
	r.health.mu.Lock()
	cancel, done := r.health.cancel, r.health.done
	r.health.cancel, r.health.done = nil, nil
	r.health.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.logger.Info("health check stopped")
}

// HealthCheckRunning reports whether a periodic health check is active
func (r *Registry) HealthCheckRunning() bool {
	r.health.mu.Lock()
	defer r.health.mu.Unlock()
	return r.health.cancel != nil
}

// CheckHealth pings every device once with a short timeout and a single
// attempt, then updates IsOnline and LastSeen. Events are only published
// for devices whose state changed.
func (r *Registry) CheckHealth(ctx context.Context) {
	entries, _ := r.entries(nil)
	online := make([]bool, len(entries))

	var g errgroup.Group
	for i, entry := range entries {
		i, entry := i, entry
		g.Go(func() error {
			online[i] = entry.Device.Ping(ctx, tasmota.WithTimeout(healthCheckTimeout), tasmota.WithRetries(1))
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return
	}

	now := r.now()
	var changed []Event

	r.mu.Lock()
	for i, entry := range entries {
		// skip devices removed while the pings were in flight
		if r.devices[entry.ID] != entry {
			continue
		}
		if online[i] {
			entry.LastSeen = now
		}
		if entry.IsOnline == online[i] {
			continue
		}
		entry.IsOnline = online[i]

		ev := Event{Type: EventDeviceOffline, DeviceID: entry.ID}
		if online[i] {
			ev.Type = EventDeviceOnline
		}
		snapshot := *entry
		ev.Entry = &snapshot
		changed = append(changed, ev)
	}
	r.mu.Unlock()

	for _, ev := range changed {
		r.logger.Info("device state changed",
			zap.String("device_id", ev.DeviceID),
			zap.String("state", string(ev.Type)),
		)
		r.events.Publish(ev)
	}
}
