/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"context"
	"time"

	"github.com/acronis/go-appkit/log"
)

// Default janitor parameters.
const (
	DefaultCleanupInterval = time.Minute
	DefaultStaleAfter      = 5 * time.Minute
)

// Janitor evicts per-client state that has been idle for longer than the
// staleness threshold. A client with in-flight requests is never evicted;
// its bucket is reconsidered on the next sweep. One Run call performs a
// single sweep; it is meant to be driven by service.NewPeriodicWorker.
type Janitor struct {
	store      *bucketStore
	tracker    *concurrencyTracker
	staleAfter time.Duration
	onSweep    func(trackedClients int)
	logger     log.FieldLogger
	timeNow    func() time.Time
}

func newJanitor(
	store *bucketStore, tracker *concurrencyTracker, staleAfter time.Duration,
	onSweep func(trackedClients int), logger log.FieldLogger, timeNow func() time.Time,
) *Janitor {
	return &Janitor{
		store:      store,
		tracker:    tracker,
		staleAfter: staleAfter,
		onSweep:    onSweep,
		logger:     logger,
		timeNow:    timeNow,
	}
}

// Run is a part of service.Worker interface.
func (j *Janitor) Run(_ context.Context) error {
	evicted := j.store.sweep(j.staleAfter, j.timeNow(), func(clientID string) bool {
		return j.tracker.inFlight(clientID) == 0
	})
	if evicted > 0 {
		j.logger.Info("evicted stale admission state",
			log.Int("evicted_clients", evicted),
			log.Int("tracked_clients", j.store.len()),
		)
	}
	if j.onSweep != nil {
		j.onSweep(j.store.len())
	}
	return nil
}
