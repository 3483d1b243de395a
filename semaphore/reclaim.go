package semaphore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/amirphl/dbsemaphore/metrics"
	"github.com/amirphl/dbsemaphore/repository"
)

// removeDeadHeartBeatAndNotOwnerRows is the async half of dead-owner
// reclamation: it reaps expired HEARTBEATS rows, then deletes any
// PERMITS_BY_OWNER rows left at owned_permits == 0 by owners with no
// heartbeat. It never returns permits to the pool -- that only happens for
// rows with owned_permits > 0, handled by releaseDeadOwnerPermits.
func (s *Semaphore) removeDeadHeartBeatAndNotOwnerRows() error {
	ctx := context.Background()
	timeout := s.queryTimeout

	if _, err := reapHeartbeats(ctx, s.runner, s.hbDesc, timeout, s.heartbeatTimeoutMultiplier); err != nil {
		return fmt.Errorf("reap heartbeats: %w", err)
	}

	return s.runner.RunInTx(ctx, timeout, func(tx *gorm.DB, remaining time.Duration) error {
		_, err := s.repo.DeleteDeadOwnerZeroRows(tx, s.hbDesc, s.name)
		return err
	})
}

// reapHeartbeats is a thin indirection so this file does not import the
// heartbeat package's Service type, only its repository-level primitive --
// the reclaimer only needs to delete expired rows, not run a beater.
func reapHeartbeats(ctx context.Context, runner *repository.TxRunner, desc repository.HeartbeatTableDescriptor, timeout time.Duration, multiplier int) (int64, error) {
	repo := repository.NewHeartbeatRepository(desc)
	var removed int64
	err := runner.RunInTx(ctx, timeout, func(tx *gorm.DB, remaining time.Duration) error {
		n, err := repo.DeleteExpired(tx, multiplier)
		removed = n
		return err
	})
	return removed, err
}

// releaseDeadOwnerPermits scans PERMITS_BY_OWNER for dead owners (no
// HEARTBEATS row) holding positive permits, ordered by (owner,
// owned_permits), and reclaims rows one at a time until at least wish
// permits have been recovered or the candidates are exhausted.
//
// The scan and every delete-and-release it drives run inside one
// transaction. Establishing "owner has no heartbeat" in a separate,
// earlier transaction from the delete would leave a window where a dead
// owner revives (re-inserts its heartbeat row) between the two: the
// later delete, matching only on (name, owner, owned_permits), would
// still fire and return that owner's now-live permits to the pool, a
// double-free. DeleteDeadOwnerRecordIfDead re-checks heartbeat absence in
// the same statement that claims the row, and because that statement runs
// in the same transaction as the scan, no commit from the revived owner
// can land in between.
func (s *Semaphore) releaseDeadOwnerPermits(wish int) (int, error) {
	ctx := context.Background()
	var reclaimed int

	err := s.runner.RunInTx(ctx, s.queryTimeout, func(tx *gorm.DB, remaining time.Duration) error {
		reclaimed = 0
		candidates, serr := s.repo.SelectDeadOwnerPermits(tx, s.hbDesc, s.name)
		if serr != nil {
			return fmt.Errorf("select dead owner permits: %w", serr)
		}

		for _, c := range candidates {
			if reclaimed >= wish {
				break
			}

			affected, derr := s.repo.DeleteDeadOwnerRecordIfDead(tx, s.hbDesc, s.name, c.Owner, c.Permits)
			if derr != nil {
				return fmt.Errorf("reclaim dead owner %s: %w", c.Owner, derr)
			}
			if affected != 1 {
				continue
			}
			if rerr := s.repo.Release(tx, s.name, s.owner, c.Permits); rerr != nil {
				return fmt.Errorf("credit reclaimed permits from %s: %w", c.Owner, rerr)
			}
			reclaimed += c.Permits
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if reclaimed > 0 {
		metrics.PermitsReclaimedTotal.WithLabelValues(s.name).Add(float64(reclaimed))
	}
	return reclaimed, nil
}
