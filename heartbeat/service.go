// Package heartbeat implements the liveness pulse every semaphore owner
// must emit so dead owners can be detected and reclaimed. One Service is
// shared by every Semaphore Instance in a process, keyed by (database,
// heartbeat table descriptor, owner), so a process beats once per owner no matter
// how many semaphore names it holds permits on.
package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/amirphl/dbsemaphore/metrics"
	"github.com/amirphl/dbsemaphore/repository"
)

// LifecycleHook lets callers react to heartbeat failures and shutdown.
type LifecycleHook struct {
	// OnError is invoked (from the beater goroutine) whenever a beat fails
	// to affect the owner's row -- the owner has been reaped as dead.
	OnError func(err error)
	// OnClose is invoked once the beater has stopped.
	OnClose func()
}

// Service runs one background beater goroutine per owner, updating
// last_heartbeat on a fixed schedule and notifying subscribers when a beat
// fails to find its own row.
type Service struct {
	runner *repository.TxRunner
	desc   repository.HeartbeatTableDescriptor
	repo   *repository.HeartbeatRepository
	log    *logrus.Logger

	mu         sync.Mutex
	owner      string
	interval   time.Duration
	timeout    time.Duration
	hooks      map[int]LifecycleHook
	nextHookID int
	cancel     context.CancelFunc
	stopped    chan struct{}
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Service{}
)

// registryKey identifies one Service: the database handle, the heartbeat
// table descriptor and the owner.
func registryKey(db *gorm.DB, desc repository.HeartbeatTableDescriptor, owner string) string {
	return fmt.Sprintf("%p|%+v|%s", db, desc, owner)
}

// GetOrCreate returns the process-wide Service for owner on runner's
// database and desc's table, creating its HEARTBEATS row and starting its
// beater goroutine on first use. Repeated calls for the same database,
// descriptor and owner return the same *Service.
func GetOrCreate(ctx context.Context, runner *repository.TxRunner, desc repository.HeartbeatTableDescriptor, owner string, interval, queryTimeout time.Duration, log *logrus.Logger) (*Service, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	key := registryKey(runner.DB, desc, owner)
	if svc, ok := registry[key]; ok {
		return svc, nil
	}

	repo := repository.NewHeartbeatRepository(desc)
	svc := &Service{
		runner:   runner,
		desc:     desc,
		repo:     repo,
		log:      log,
		owner:    owner,
		interval: interval,
		timeout:  queryTimeout,
		stopped:  make(chan struct{}),
	}

	err := runner.RunInTx(ctx, queryTimeout, func(tx *gorm.DB, remaining time.Duration) error {
		_, err := repo.InsertIfAbsent(tx, owner, interval.Milliseconds())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create heartbeat row for %s: %w", owner, err)
	}

	beatCtx, cancel := context.WithCancel(context.Background())
	svc.cancel = cancel
	registry[key] = svc
	go svc.run(beatCtx)
	return svc, nil
}

// Subscribe registers hook to be notified of beat failures and shutdown,
// returning an id Unsubscribe can later use to remove it.
func (s *Service) Subscribe(hook LifecycleHook) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hooks == nil {
		s.hooks = make(map[int]LifecycleHook)
	}
	id := s.nextHookID
	s.nextHookID++
	s.hooks[id] = hook
	return id
}

// Unsubscribe removes a hook registered by Subscribe. Safe to call more
// than once for the same id.
func (s *Service) Unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hooks, id)
}

// TryBeat performs one heartbeat update immediately, outside the regular
// schedule -- used by Semaphore.Acquire to piggyback a beat onto an
// acquire transaction.
func (s *Service) TryBeat(tx *gorm.DB) error {
	affected, err := s.repo.Beat(tx, s.owner)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("heartbeat row for %s missing: reaped as dead", s.owner)
	}
	return nil
}

// run drives the beater loop. It schedules the next beat relative to the
// previous deadline, not relative to "now after the last beat completed",
// so a single slow beat does not cause a catch-up burst of rapid-fire
// beats afterward.
func (s *Service) run(ctx context.Context) {
	defer close(s.stopped)

	next := time.Now().Add(s.interval)
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.fireOnClose()
			return
		case <-timer.C:
			err := s.runner.RunInTx(ctx, s.timeout, func(tx *gorm.DB, remaining time.Duration) error {
				return s.TryBeat(tx)
			})
			if err != nil {
				s.log.WithError(err).WithField("owner", s.owner).Warn("heartbeat failed")
				metrics.HeartbeatFailuresTotal.WithLabelValues(s.owner).Inc()
				s.fireOnError(err)
			}

			next = next.Add(s.interval)
			delay := time.Until(next)
			if delay < 0 {
				// We fell behind by more than one interval; resync to now
				// instead of firing a burst of already-due timers.
				next = time.Now().Add(s.interval)
				delay = s.interval
			}
			timer.Reset(delay)
		}
	}
}

func (s *Service) fireOnError(err error) {
	for _, h := range s.hookSnapshot() {
		if h.OnError != nil {
			h.OnError(err)
		}
	}
}

func (s *Service) fireOnClose() {
	for _, h := range s.hookSnapshot() {
		if h.OnClose != nil {
			h.OnClose()
		}
	}
}

func (s *Service) hookSnapshot() []LifecycleHook {
	s.mu.Lock()
	defer s.mu.Unlock()
	hooks := make([]LifecycleHook, 0, len(s.hooks))
	for _, h := range s.hooks {
		hooks = append(hooks, h)
	}
	return hooks
}

// Close stops the beater goroutine, deletes this owner's HEARTBEATS row and
// removes it from the process registry. Safe to call once per owner.
func (s *Service) Close(ctx context.Context) error {
	registryMu.Lock()
	delete(registry, registryKey(s.runner.DB, s.desc, s.owner))
	registryMu.Unlock()

	s.cancel()
	<-s.stopped

	return s.runner.RunInTxNonInterruptible(s.timeout, func(tx *gorm.DB, remaining time.Duration) error {
		return s.repo.Delete(tx, s.owner)
	})
}

// ReapExpired deletes every HEARTBEATS row whose owner has missed
// HeartbeatTimeoutMultiplier consecutive beats, returning the count
// reclaimed. This is the process-wide reaping a dead-owner reclamation pass
// requires before it can treat an owner as dead.
func ReapExpired(ctx context.Context, runner *repository.TxRunner, desc repository.HeartbeatTableDescriptor, timeout time.Duration, multiplier int) (int64, error) {
	repo := repository.NewHeartbeatRepository(desc)
	var removed int64
	err := runner.RunInTx(ctx, timeout, func(tx *gorm.DB, remaining time.Duration) error {
		n, err := repo.DeleteExpired(tx, multiplier)
		removed = n
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reap expired heartbeats: %w", err)
	}
	return removed, nil
}
