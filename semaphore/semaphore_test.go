package semaphore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amirphl/dbsemaphore/repository"
	"github.com/amirphl/dbsemaphore/semaphore"
	dbtesting "github.com/amirphl/dbsemaphore/testing"
)

// setupTestDB opens a fresh Postgres test database, skipping the test if
// none is reachable, so this suite degrades gracefully in environments
// without a database available.
func setupTestDB(t *testing.T) *dbtesting.TestDB {
	t.Helper()
	tdb, err := dbtesting.SetupTestDB()
	if err != nil {
		t.Skipf("skipping: no test database reachable: %v", err)
	}
	t.Cleanup(func() { _ = tdb.TeardownTestDB() })
	return tdb
}

func newSemaphore(t *testing.T, tdb *dbtesting.TestDB, name, owner string, opts semaphore.Options) *semaphore.Semaphore {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sem, err := semaphore.New(ctx, tdb.DB,
		repository.DefaultSemaphoreTableDescriptor(), repository.DefaultHeartbeatTableDescriptor(),
		name, owner, opts)
	require.NoError(t, err)
	return sem
}

// Scenario 1: single acquire/release.
func TestAcquireRelease_SingleProcess(t *testing.T) {
	tdb := setupTestDB(t)

	sem := newSemaphore(t, tdb, "scenario-1", "p1", semaphore.Options{TotalPermits: 2})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sem.Acquire(ctx, 1))

	available, err := sem.AvailablePermits(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, available)

	require.NoError(t, sem.Release(1))

	available, err = sem.AvailablePermits(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, available)
}

// Scenario 2: contention across processes.
func TestAcquire_ContentionAcrossOwners(t *testing.T) {
	tdb := setupTestDB(t)

	p1 := newSemaphore(t, tdb, "scenario-2", "p1", semaphore.Options{TotalPermits: 1})
	p2 := newSemaphore(t, tdb, "scenario-2", "p2", semaphore.Options{TotalPermits: 1})

	require.NoError(t, p1.Acquire(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	err := p2.Acquire(ctx, 1)
	cancel()
	require.ErrorIs(t, err, semaphore.ErrTimeout)

	require.NoError(t, p1.Release(1))

	ctx2, cancel2 := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel2()
	require.NoError(t, p2.Acquire(ctx2, 1))
}

// Scenario 3: strict mismatch.
func TestNew_StrictMismatch(t *testing.T) {
	tdb := setupTestDB(t)

	newSemaphore(t, tdb, "scenario-3", "p1", semaphore.Options{TotalPermits: 3})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := semaphore.New(ctx, tdb.DB,
		repository.DefaultSemaphoreTableDescriptor(), repository.DefaultHeartbeatTableDescriptor(),
		"scenario-3", "p2", semaphore.Options{TotalPermits: 2, Strict: true})
	require.ErrorIs(t, err, semaphore.ErrStrictMismatch)
}

// Scenario 4: dead-owner reclamation.
func TestReclaimDeadOwnerPermits(t *testing.T) {
	tdb := setupTestDB(t)
	fixtures := dbtesting.NewTestFixtures(tdb)

	require.NoError(t, fixtures.SeedSemaphore("scenario-4", 2, 0, "p1"))
	require.NoError(t, fixtures.SeedOwnerPermits("scenario-4", "p1", 2))
	// Deliberately do not seed a heartbeat for p1: it is dead.

	p2 := newSemaphore(t, tdb, "scenario-4", "p2", semaphore.Options{TotalPermits: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p2.Acquire(ctx, 1))

	owned, err := p2.PermitsOwned(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, owned)
}

// Scenario 5: increase during contention.
func TestIncreasePermits_UnblocksWaiter(t *testing.T) {
	tdb := setupTestDB(t)

	p1 := newSemaphore(t, tdb, "scenario-5", "p1", semaphore.Options{
		TotalPermits:        1,
		AcquirePollInterval: 100 * time.Millisecond,
	})
	p2 := newSemaphore(t, tdb, "scenario-5", "p2", semaphore.Options{
		TotalPermits:        1,
		AcquirePollInterval: 100 * time.Millisecond,
	})

	require.NoError(t, p1.Acquire(context.Background(), 1))

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		done <- p2.Acquire(ctx, 1)
	}()

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, p1.IncreasePermits(1))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("p2 never acquired after increasePermits")
	}

	require.NoError(t, p2.Release(1))

	available, err := p1.AvailablePermits(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, available)
	total, err := p1.TotalPermits(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, total)
}

// Scenario 6: over-release rejected.
func TestRelease_OverReleaseRejected(t *testing.T) {
	tdb := setupTestDB(t)

	p1 := newSemaphore(t, tdb, "scenario-6", "p1", semaphore.Options{TotalPermits: 2})
	require.NoError(t, p1.Acquire(context.Background(), 1))

	err := p1.Release(2)
	require.ErrorIs(t, err, semaphore.ErrIntegrityViolation)

	available, err := p1.AvailablePermits(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, available)
}

// P1/P2: conservation and non-negativity across a sequence of operations.
func TestConservationAndNonNegativity(t *testing.T) {
	tdb := setupTestDB(t)

	p1 := newSemaphore(t, tdb, "conservation", "p1", semaphore.Options{TotalPermits: 3})

	require.NoError(t, p1.Acquire(context.Background(), 2))

	available, err := p1.AvailablePermits(context.Background())
	require.NoError(t, err)
	owned, err := p1.PermitsOwned(context.Background())
	require.NoError(t, err)
	total, err := p1.TotalPermits(context.Background())
	require.NoError(t, err)

	require.GreaterOrEqual(t, available, 0)
	require.GreaterOrEqual(t, owned, 0)
	require.Equal(t, total, available+owned)

	require.NoError(t, p1.Release(2))
}

// Round-trip law: acquire then release restores available/total.
func TestRoundTrip_AcquireRelease(t *testing.T) {
	tdb := setupTestDB(t)

	p1 := newSemaphore(t, tdb, "roundtrip-1", "p1", semaphore.Options{TotalPermits: 4})

	before, err := p1.AvailablePermits(context.Background())
	require.NoError(t, err)

	require.NoError(t, p1.Acquire(context.Background(), 2))
	require.NoError(t, p1.Release(2))

	after, err := p1.AvailablePermits(context.Background())
	require.NoError(t, err)
	require.Equal(t, before, after)
}

// Round-trip law: increasePermits then reducePermits restores total/available.
func TestRoundTrip_IncreaseReducePermits(t *testing.T) {
	tdb := setupTestDB(t)

	p1 := newSemaphore(t, tdb, "roundtrip-2", "p1", semaphore.Options{TotalPermits: 2})

	beforeTotal, err := p1.TotalPermits(context.Background())
	require.NoError(t, err)
	beforeAvailable, err := p1.AvailablePermits(context.Background())
	require.NoError(t, err)

	require.NoError(t, p1.IncreasePermits(3))
	require.NoError(t, p1.ReducePermits(3))

	afterTotal, err := p1.TotalPermits(context.Background())
	require.NoError(t, err)
	afterAvailable, err := p1.AvailablePermits(context.Background())
	require.NoError(t, err)

	require.Equal(t, beforeTotal, afterTotal)
	require.Equal(t, beforeAvailable, afterAvailable)
}

// P4: acquiring k credits exactly k to the owner's row.
func TestAcquire_CreditsExactlyK(t *testing.T) {
	tdb := setupTestDB(t)

	p1 := newSemaphore(t, tdb, "no-spurious-grants", "p1", semaphore.Options{TotalPermits: 5})
	require.NoError(t, p1.Acquire(context.Background(), 3))

	owned, err := p1.PermitsOwned(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, owned)

	require.NoError(t, p1.Release(3))
}
