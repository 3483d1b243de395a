// Package semaphore implements the Semaphore Instance and Dead-Owner
// Reclaimer of the database-backed distributed counting semaphore:
// mutual exclusion and bounded concurrency across processes sharing one
// relational database, with liveness-based reclamation of permits held by
// owners that have stopped heartbeating.
package semaphore

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/amirphl/dbsemaphore/heartbeat"
	"github.com/amirphl/dbsemaphore/metrics"
	"github.com/amirphl/dbsemaphore/repository"
)

// Options configures a Semaphore Instance.
type Options struct {
	TotalPermits               int
	Strict                     bool
	QueryTimeout               time.Duration
	AcquirePollInterval        time.Duration
	HeartbeatInterval          time.Duration
	HeartbeatTimeoutMultiplier int
	DeadOwnerAwaitTimeout      time.Duration
	Log                        *logrus.Logger
}

func (o Options) withDefaults() Options {
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = 10 * time.Second
	}
	if o.AcquirePollInterval <= 0 {
		o.AcquirePollInterval = time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.HeartbeatTimeoutMultiplier < 2 {
		o.HeartbeatTimeoutMultiplier = 4
	}
	if o.DeadOwnerAwaitTimeout <= 0 {
		o.DeadOwnerAwaitTimeout = 60 * time.Second
	}
	if o.Log == nil {
		o.Log = logrus.StandardLogger()
	}
	return o
}

// Semaphore is a handle on one named, database-backed counting semaphore.
// A process may safely construct more than one Semaphore for the same
// name: they share the process-wide name lock and a single heartbeat
// beater for the owner.
type Semaphore struct {
	name  string
	owner string

	runner *repository.TxRunner
	repo   *repository.SemaphoreRepository
	hbDesc repository.HeartbeatTableDescriptor

	queryTimeout               time.Duration
	pollInterval               time.Duration
	heartbeatInterval          time.Duration
	heartbeatTimeoutMultiplier int
	deadOwnerAwaitTimeout      time.Duration
	strict                     bool

	hb     *heartbeat.Service
	hookID int
	log    *logrus.Logger

	// isHealthy and ownedReservations are guarded by this semaphore's
	// entry in the name-lock intern table (lockFor(s.name).mu), the same
	// mutex Acquire/Release/adminOp already serialize through.
	isHealthy         bool
	ownedReservations int

	beatMu   sync.Mutex
	lastBeat time.Time

	closeOnce sync.Once
}

// minBeatBudget is the shortest remaining transaction budget worth
// spending on a piggybacked heartbeat; below it, the beat itself risks
// starving the acquire statement it rides along with.
const minBeatBudget = 50 * time.Millisecond

// New runs the construction protocol: create the SEMAPHORES row if absent
// (retrying once if a concurrent constructor wins the race to insert it),
// verify total_permits under Strict, ensure this owner's PERMITS_BY_OWNER
// row exists, and start the shared heartbeat beater for owner.
func New(ctx context.Context, db *gorm.DB, semDesc repository.SemaphoreTableDescriptor, hbDesc repository.HeartbeatTableDescriptor, name, owner string, opts Options) (*Semaphore, error) {
	opts = opts.withDefaults()
	runner := repository.NewTxRunner(db)
	repo := repository.NewSemaphoreRepository(semDesc)

	if err := ensureSemaphoreRow(ctx, runner, repo, name, owner, opts.TotalPermits, opts.Strict, opts.QueryTimeout); err != nil {
		return nil, err
	}

	err := runner.RunInTx(ctx, opts.QueryTimeout, func(tx *gorm.DB, remaining time.Duration) error {
		_, found, serr := repo.SelectOwnedPermits(tx, name, owner)
		if serr != nil {
			return serr
		}
		if found {
			return nil
		}
		return repo.InsertOwnerRow(tx, name, owner)
	})
	if err != nil && !isUniqueViolation(err) {
		return nil, fmt.Errorf("create owner row for %s/%s: %w", name, owner, err)
	}

	hb, err := heartbeat.GetOrCreate(ctx, runner, hbDesc, owner, opts.HeartbeatInterval, opts.QueryTimeout, opts.Log)
	if err != nil {
		return nil, fmt.Errorf("start heartbeat for %s: %w", owner, err)
	}

	sem := &Semaphore{
		name:                       name,
		owner:                      owner,
		runner:                     runner,
		repo:                       repo,
		hbDesc:                     hbDesc,
		queryTimeout:               opts.QueryTimeout,
		pollInterval:               opts.AcquirePollInterval,
		heartbeatInterval:          opts.HeartbeatInterval,
		heartbeatTimeoutMultiplier: opts.HeartbeatTimeoutMultiplier,
		deadOwnerAwaitTimeout:      opts.DeadOwnerAwaitTimeout,
		strict:                     opts.Strict,
		hb:                         hb,
		log:                        opts.Log,
		isHealthy:                  true,
	}

	sem.hookID = hb.Subscribe(heartbeat.LifecycleHook{
		OnError: func(err error) { sem.markUnhealthy() },
	})

	return sem, nil
}

// markUnhealthy poisons this instance: every subsequent Acquire rejects
// immediately until the instance is reconstructed. Called from the shared
// heartbeat beater's goroutine when a beat fails to find this owner's row,
// meaning it was reaped as dead.
func (s *Semaphore) markUnhealthy() {
	lock := lockFor(s.name)
	lock.mu.Lock()
	defer lock.mu.Unlock()
	s.isHealthy = false
}

func ensureSemaphoreRow(ctx context.Context, runner *repository.TxRunner, repo *repository.SemaphoreRepository, name, owner string, totalPermits int, strict bool, timeout time.Duration) error {
	check := func() (available, total int, found, multiple bool, err error) {
		err = runner.RunInTx(ctx, timeout, func(tx *gorm.DB, remaining time.Duration) error {
			var serr error
			available, total, found, multiple, serr = repo.SelectByName(tx, name)
			return serr
		})
		return
	}

	_, total, found, multiple, err := check()
	if err != nil {
		return fmt.Errorf("select semaphore row for %s: %w", name, err)
	}
	if multiple {
		return fmt.Errorf("%s: %w", name, ErrIntegrityViolation)
	}

	if !found {
		insErr := runner.RunInTx(ctx, timeout, func(tx *gorm.DB, remaining time.Duration) error {
			return repo.InsertSemaphoreRow(tx, name, owner, totalPermits)
		})
		switch {
		case insErr == nil:
			total = totalPermits
		case isUniqueViolation(insErr):
			// A concurrent constructor won the race; re-read once.
			_, total, found, multiple, err = check()
			if err != nil {
				return fmt.Errorf("select semaphore row for %s after race: %w", name, err)
			}
			if !found || multiple {
				return fmt.Errorf("%s: %w", name, ErrIntegrityViolation)
			}
		default:
			return fmt.Errorf("create semaphore row for %s: %w", name, insErr)
		}
	}

	if strict && total != totalPermits {
		return fmt.Errorf("%s: persisted total_permits=%d, requested=%d: %w", name, total, totalPermits, ErrStrictMismatch)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if ok := asPQError(err, &pqErr); ok {
		return pqErr.Code == "23505"
	}
	// The gorm postgres driver reports server errors as pgx errors, which
	// expose their SQLSTATE through this method.
	var stateErr interface{ SQLState() string }
	if errors.As(err, &stateErr) {
		return stateErr.SQLState() == "23505"
	}
	return false
}

func asPQError(err error, target **pq.Error) bool {
	for err != nil {
		if pe, ok := err.(*pq.Error); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Acquire blocks until k permits are obtained for this owner or ctx is
// done. Each attempt first checks that this instance is still healthy, then
// runs in one transaction: a conditional UPDATE gates on
// available_permits >= k (the sole point of synchronization across
// processes), a heartbeat is piggybacked when one is due, and on success the
// permits are credited to this owner. A blocked attempt dispatches an async
// dead-heartbeat/zero-row cleanup to the shared worker pool, synchronously
// attempts to reclaim permits from other dead owners, and then waits a
// randomized interval before retrying. Acquire returns ErrTimeout when ctx's
// deadline passes or when the cleanup does not finish within
// DeadOwnerAwaitTimeout.
func (s *Semaphore) Acquire(ctx context.Context, k int) error {
	if k <= 0 {
		return fmt.Errorf("dbsemaphore: acquire requires a positive permit count, got %d", k)
	}

	lock := lockFor(s.name)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	for {
		if !s.isHealthy {
			metrics.AcquireTotal.WithLabelValues(s.name, string(metrics.AcquireResultError)).Inc()
			return fmt.Errorf("%s: %w", s.name, ErrUnhealthy)
		}

		acquired, integrity, err := s.tryAcquireOnce(ctx, k)
		if err != nil {
			metrics.AcquireTotal.WithLabelValues(s.name, string(metrics.AcquireResultError)).Inc()
			return err
		}
		if integrity {
			metrics.AcquireTotal.WithLabelValues(s.name, string(metrics.AcquireResultError)).Inc()
			return fmt.Errorf("%s: %w", s.name, ErrIntegrityViolation)
		}
		if acquired {
			s.ownedReservations += k
			metrics.AcquireTotal.WithLabelValues(s.name, string(metrics.AcquireResultAcquired)).Inc()
			return nil
		}

		if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
			metrics.AcquireTotal.WithLabelValues(s.name, string(metrics.AcquireResultTimeout)).Inc()
			return fmt.Errorf("%s: %w", s.name, ErrTimeout)
		}

		fut := Submit(func() error { return s.removeDeadHeartBeatAndNotOwnerRows() })
		if _, rerr := s.releaseDeadOwnerPermits(k); rerr != nil {
			s.log.WithError(rerr).WithField("semaphore", s.name).Warn("reclaiming dead owner permits failed")
		}
		if _, ok := fut.AwaitTimeout(s.deadOwnerAwaitTimeout); !ok {
			metrics.AcquireTotal.WithLabelValues(s.name, string(metrics.AcquireResultTimeout)).Inc()
			return fmt.Errorf("%s: dead-owner cleanup still running after %s: %w", s.name, s.deadOwnerAwaitTimeout, ErrTimeout)
		}

		wait := jitter(s.pollInterval)
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining <= 0 {
				metrics.AcquireTotal.WithLabelValues(s.name, string(metrics.AcquireResultTimeout)).Inc()
				return fmt.Errorf("%s: %w", s.name, ErrTimeout)
			} else if wait > remaining {
				wait = remaining
			}
		}
		lock.waitTimeout(wait)

		if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
			metrics.AcquireTotal.WithLabelValues(s.name, string(metrics.AcquireResultTimeout)).Inc()
			return fmt.Errorf("%s: %w", s.name, ErrTimeout)
		}
		if ctx.Err() != nil {
			metrics.AcquireTotal.WithLabelValues(s.name, string(metrics.AcquireResultTimeout)).Inc()
			return fmt.Errorf("%s: %w", s.name, ctx.Err())
		}
	}
}

// jitter returns base scaled by a random factor in [0.5, 1.5), matching the
// randomized backoff JdbcSemaphore.wait applies so many blocked owners
// polling the same semaphore do not retry in lockstep.
func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		return base
	}
	factor := 0.5 + rand.Float64()
	return time.Duration(float64(base) * factor)
}

func (s *Semaphore) tryAcquireOnce(ctx context.Context, k int) (acquired, integrity bool, err error) {
	var beat bool
	err = s.runner.RunInTx(ctx, s.queryTimeout, func(tx *gorm.DB, remaining time.Duration) error {
		if s.hb != nil && remaining > minBeatBudget && s.dueForBeat() {
			if beatErr := s.hb.TryBeat(tx); beatErr != nil {
				s.log.WithError(beatErr).WithField("owner", s.owner).Warn("piggybacked heartbeat failed")
			} else {
				beat = true
			}
		}

		affected, aerr := s.repo.Acquire(tx, s.name, s.owner, k)
		if aerr != nil {
			return aerr
		}
		switch {
		case affected == 0:
			return nil
		case affected == 1:
			oaffected, oerr := s.repo.AcquireByOwner(tx, s.name, s.owner, k)
			if oerr != nil {
				return oerr
			}
			if oaffected != 1 {
				return fmt.Errorf("owner row missing for %s/%s: %w", s.name, s.owner, ErrIntegrityViolation)
			}
			acquired = true
			return nil
		default:
			integrity = true
			return nil
		}
	})
	if beat && err == nil {
		s.recordBeat()
	}
	return acquired, integrity, err
}

// dueForBeat reports whether it has been at least half a heartbeat
// interval since this instance last recorded a piggybacked beat, so
// acquire attempts do not beat far more often than the background beater
// already does.
func (s *Semaphore) dueForBeat() bool {
	s.beatMu.Lock()
	defer s.beatMu.Unlock()
	return time.Since(s.lastBeat) >= s.heartbeatInterval/2
}

func (s *Semaphore) recordBeat() {
	s.beatMu.Lock()
	s.lastBeat = time.Now()
	s.beatMu.Unlock()
}

// Release returns k permits held by this owner on this semaphore. It runs
// non-interruptibly: a caller-side cancellation cannot abandon a release
// mid-flight and leak permits, though the release is still bounded by
// QueryTimeout so it cannot hang forever on a dead connection.
func (s *Semaphore) Release(k int) error {
	if k <= 0 {
		return fmt.Errorf("dbsemaphore: release requires a positive permit count, got %d", k)
	}

	lock := lockFor(s.name)
	lock.mu.Lock()
	defer lock.mu.Unlock()
	return s.releaseLocked(lock, k)
}

func (s *Semaphore) releaseLocked(lock *nameLock, k int) error {
	err := s.runner.RunInTxNonInterruptible(s.queryTimeout, func(tx *gorm.DB, remaining time.Duration) error {
		affected, rerr := s.repo.ReleaseByOwner(tx, s.name, s.owner, k)
		if rerr != nil {
			return rerr
		}
		if affected != 1 {
			return fmt.Errorf("owner %s does not hold %d permits on %s: %w", s.owner, k, s.name, ErrIntegrityViolation)
		}
		return s.repo.Release(tx, s.name, s.owner, k)
	})
	if err != nil {
		return err
	}
	s.ownedReservations -= k
	if s.ownedReservations < 0 {
		s.ownedReservations = 0
	}
	lock.cond.Broadcast()
	return nil
}

// ReleaseAll releases every permit this instance's in-memory counter
// believes it currently holds. Used by Close to give up permits on
// shutdown without the caller having to track the count itself.
func (s *Semaphore) ReleaseAll() error {
	lock := lockFor(s.name)
	lock.mu.Lock()
	defer lock.mu.Unlock()
	return s.releaseAll(lock)
}

func (s *Semaphore) releaseAll(lock *nameLock) error {
	if s.ownedReservations <= 0 {
		return nil
	}
	return s.releaseLocked(lock, s.ownedReservations)
}

// UpdatePermits sets this semaphore's total_permits to n, adjusting
// available_permits by the same delta.
func (s *Semaphore) UpdatePermits(n int) error {
	return s.adminOp(func(tx *gorm.DB) (int64, error) {
		return s.repo.UpdatePermits(tx, s.name, s.owner, n)
	})
}

// ReducePermits decreases total_permits (and available_permits) by k,
// failing if total_permits would go negative.
func (s *Semaphore) ReducePermits(k int) error {
	return s.adminOp(func(tx *gorm.DB) (int64, error) {
		return s.repo.ReducePermits(tx, s.name, s.owner, k)
	})
}

// IncreasePermits increases total_permits (and available_permits) by k.
func (s *Semaphore) IncreasePermits(k int) error {
	return s.adminOp(func(tx *gorm.DB) (int64, error) {
		return s.repo.IncreasePermits(tx, s.name, s.owner, k)
	})
}

func (s *Semaphore) adminOp(fn func(tx *gorm.DB) (int64, error)) error {
	lock := lockFor(s.name)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	err := s.runner.RunInTx(context.Background(), s.queryTimeout, func(tx *gorm.DB, remaining time.Duration) error {
		affected, err := fn(tx)
		if err != nil {
			return err
		}
		if affected != 1 {
			return fmt.Errorf("%s: %w", s.name, ErrIntegrityViolation)
		}
		return nil
	})
	if err != nil {
		return err
	}
	lock.cond.Broadcast()
	return nil
}

// AvailablePermits returns the pool's currently available permits.
func (s *Semaphore) AvailablePermits(ctx context.Context) (int, error) {
	available, _, found, multiple, err := s.selectState(ctx)
	if err != nil {
		return 0, err
	}
	if multiple {
		return 0, fmt.Errorf("%s: %w", s.name, ErrIntegrityViolation)
	}
	if !found {
		return 0, fmt.Errorf("%s: semaphore row not found", s.name)
	}
	return available, nil
}

// TotalPermits returns the pool's configured total permits.
func (s *Semaphore) TotalPermits(ctx context.Context) (int, error) {
	_, total, found, multiple, err := s.selectState(ctx)
	if err != nil {
		return 0, err
	}
	if multiple {
		return 0, fmt.Errorf("%s: %w", s.name, ErrIntegrityViolation)
	}
	if !found {
		return 0, fmt.Errorf("%s: semaphore row not found", s.name)
	}
	return total, nil
}

// PermitsOwned returns how many permits this owner currently holds.
func (s *Semaphore) PermitsOwned(ctx context.Context) (int, error) {
	var owned int
	var found bool
	err := s.runner.RunInTx(ctx, s.queryTimeout, func(tx *gorm.DB, remaining time.Duration) error {
		var serr error
		owned, found, serr = s.repo.SelectOwnedPermits(tx, s.name, s.owner)
		return serr
	})
	if err != nil {
		return 0, fmt.Errorf("select owned permits for %s/%s: %w", s.name, s.owner, err)
	}
	if !found {
		return 0, nil
	}
	return owned, nil
}

func (s *Semaphore) selectState(ctx context.Context) (available, total int, found, multiple bool, err error) {
	err = s.runner.RunInTx(ctx, s.queryTimeout, func(tx *gorm.DB, remaining time.Duration) error {
		var serr error
		available, total, found, multiple, serr = s.repo.SelectByName(tx, s.name)
		return serr
	})
	if err != nil {
		return 0, 0, false, false, fmt.Errorf("select semaphore row for %s: %w", s.name, err)
	}
	if found && !multiple {
		metrics.AvailablePermits.WithLabelValues(s.name).Set(float64(available))
		metrics.TotalPermits.WithLabelValues(s.name).Set(float64(total))
	}
	return available, total, found, multiple, nil
}

// Close releases every permit this instance still holds, unsubscribes it
// from the shared heartbeat beater and marks it unhealthy so any later
// Acquire on this handle rejects immediately. The heartbeat beater itself
// is process-wide and shared by every Semaphore for this owner, so Close
// does not stop it or delete its HEARTBEATS row -- doing so would pull the
// heartbeat out from under every other semaphore this process holds.
func (s *Semaphore) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		lock := lockFor(s.name)
		lock.mu.Lock()
		err = s.releaseAll(lock)
		s.isHealthy = false
		lock.mu.Unlock()

		if s.hb != nil {
			s.hb.Unsubscribe(s.hookID)
		}
	})
	return err
}

// ReclaimDeadOwnerPermits runs one synchronous dead-owner reclamation pass,
// attempting to recover up to wish permits from owners with no heartbeat
// row, and returns the number actually recovered. Exported for
// administrative tooling; Acquire runs the same pass internally while
// blocked.
func (s *Semaphore) ReclaimDeadOwnerPermits(wish int) (int, error) {
	lock := lockFor(s.name)
	lock.mu.Lock()
	defer lock.mu.Unlock()
	return s.releaseDeadOwnerPermits(wish)
}

// IsHealthy reports whether this instance may still acquire permits. It
// goes false permanently once the shared heartbeat beater reports this
// owner's row was reaped as dead; reconstructing a new Semaphore is the
// only way back.
func (s *Semaphore) IsHealthy() bool {
	lock := lockFor(s.name)
	lock.mu.Lock()
	defer lock.mu.Unlock()
	return s.isHealthy
}

// Name reports the semaphore's name.
func (s *Semaphore) Name() string { return s.name }

// Owner reports this handle's owner identity.
func (s *Semaphore) Owner() string { return s.owner }
