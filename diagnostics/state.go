// Package diagnostics exposes a read-only snapshot of a Semaphore
// Instance's state for operators and the administrative CLI. It is
// intra-process only, so State is a plain struct, not an HTTP handler.
package diagnostics

import (
	"context"
	"time"

	"github.com/amirphl/dbsemaphore/semaphore"
	"github.com/amirphl/dbsemaphore/utils"
)

// State is a point-in-time snapshot of one semaphore, from the perspective
// of one owner.
type State struct {
	Name         string        `json:"name"`
	Owner        string        `json:"owner"`
	Total        int           `json:"total_permits"`
	Available    int           `json:"available_permits"`
	OwnedByMe    int           `json:"owned_by_me"`
	IsHealthy    bool          `json:"is_healthy"`
	QueryTimeout time.Duration `json:"query_timeout"`
	ObservedAt   string        `json:"observed_at"`
	Err          string        `json:"error,omitempty"`
}

// Snapshot queries sem for its current total/available/owned counts. A
// query failure is reported via Err/IsHealthy rather than returned, so
// callers (the CLI, a health check) always get a State to print.
func Snapshot(ctx context.Context, sem *semaphore.Semaphore, queryTimeout time.Duration) State {
	s := State{
		Name:         sem.Name(),
		Owner:        sem.Owner(),
		QueryTimeout: queryTimeout,
		ObservedAt:   utils.UTCNowRFC3339(),
	}

	total, err := sem.TotalPermits(ctx)
	if err != nil {
		s.Err = err.Error()
		return s
	}
	available, err := sem.AvailablePermits(ctx)
	if err != nil {
		s.Err = err.Error()
		return s
	}
	owned, err := sem.PermitsOwned(ctx)
	if err != nil {
		s.Err = err.Error()
		return s
	}

	s.Total = total
	s.Available = available
	s.OwnedByMe = owned
	s.IsHealthy = sem.IsHealthy()
	return s
}
