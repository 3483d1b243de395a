// Package models holds the gorm row definitions for the default schema,
// used by the test harness's fixtures. The semaphore and heartbeat
// packages themselves never bind these structs to SQL -- the table/column
// names are configurable, so all live queries go through raw SQL built from
// repository.SemaphoreTableDescriptor / repository.HeartbeatTableDescriptor
// instead. These structs exist purely to describe the default shape.
package models

import "time"

// SemaphoreRow is the default-schema row shape of the SEMAPHORES table.
type SemaphoreRow struct {
	Name             string `gorm:"column:name;primaryKey"`
	AvailablePermits int    `gorm:"column:available_permits"`
	TotalPermits     int    `gorm:"column:total_permits"`
	LastModifiedBy   string `gorm:"column:last_modified_by"`
	LastModifiedAt   int64  `gorm:"column:last_modified_at"`
}

// TableName pins the table name gorm would otherwise pluralize.
func (SemaphoreRow) TableName() string { return "semaphores" }

// PermitsByOwnerRow is the default-schema row shape of the
// PERMITS_BY_OWNER table.
type PermitsByOwnerRow struct {
	Name           string `gorm:"column:name;primaryKey"`
	Owner          string `gorm:"column:owner;primaryKey"`
	OwnedPermits   int    `gorm:"column:owned_permits"`
	LastModifiedAt int64  `gorm:"column:last_modified_at"`
}

// TableName pins the table name gorm would otherwise pluralize.
func (PermitsByOwnerRow) TableName() string { return "permits_by_owner" }

// HeartbeatRow is the default-schema row shape of the HEARTBEATS table.
type HeartbeatRow struct {
	Owner         string `gorm:"column:owner;primaryKey"`
	IntervalMS    int64  `gorm:"column:interval_ms"`
	LastHeartbeat int64  `gorm:"column:last_heartbeat"`
}

// TableName pins the table name gorm would otherwise pluralize.
func (HeartbeatRow) TableName() string { return "heartbeats" }

// AsOf converts a millisecond epoch timestamp, as stored by the
// descriptor's CurrentTimeExpr, into a time.Time for display purposes.
func AsOf(epochMillis int64) time.Time {
	return time.UnixMilli(epochMillis)
}
