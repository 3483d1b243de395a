package testing

import (
	"fmt"
	"time"

	"github.com/amirphl/dbsemaphore/models"
)

// TestFixtures provides helper methods for seeding semaphore test data
// directly, bypassing the semaphore package's own construction protocol --
// useful for tests that need to set up a specific row state (e.g. a dead
// owner holding permits) before exercising reclamation.
type TestFixtures struct {
	DB *TestDB
}

// NewTestFixtures creates a new test fixtures instance.
func NewTestFixtures(db *TestDB) *TestFixtures {
	return &TestFixtures{DB: db}
}

// SeedSemaphore inserts a SEMAPHORES row directly.
func (tf *TestFixtures) SeedSemaphore(name string, total, available int, lastModifiedBy string) error {
	row := models.SemaphoreRow{
		Name:             name,
		AvailablePermits: available,
		TotalPermits:     total,
		LastModifiedBy:   lastModifiedBy,
		LastModifiedAt:   time.Now().UnixMilli(),
	}
	if err := tf.DB.DB.Create(&row).Error; err != nil {
		return fmt.Errorf("seed semaphore row %s: %w", name, err)
	}
	return nil
}

// SeedOwnerPermits inserts a PERMITS_BY_OWNER row directly, e.g. to
// simulate an owner that crashed while holding permits.
func (tf *TestFixtures) SeedOwnerPermits(name, owner string, owned int) error {
	row := models.PermitsByOwnerRow{
		Name:           name,
		Owner:          owner,
		OwnedPermits:   owned,
		LastModifiedAt: time.Now().UnixMilli(),
	}
	if err := tf.DB.DB.Create(&row).Error; err != nil {
		return fmt.Errorf("seed owner permits row %s/%s: %w", name, owner, err)
	}
	return nil
}

// SeedHeartbeat inserts a HEARTBEATS row directly. Tests simulating a dead
// owner simply never call this for that owner.
func (tf *TestFixtures) SeedHeartbeat(owner string, intervalMillis int64) error {
	row := models.HeartbeatRow{
		Owner:         owner,
		IntervalMS:    intervalMillis,
		LastHeartbeat: time.Now().UnixMilli(),
	}
	if err := tf.DB.DB.Create(&row).Error; err != nil {
		return fmt.Errorf("seed heartbeat row for %s: %w", owner, err)
	}
	return nil
}
