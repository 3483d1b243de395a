package repository

import (
	"fmt"

	"gorm.io/gorm"
)

// HeartbeatRepository executes the raw SQL statements the Heartbeat Service
// needs against HEARTBEATS.
type HeartbeatRepository struct {
	desc HeartbeatTableDescriptor
}

// NewHeartbeatRepository builds a repository targeting the table/columns
// named by desc.
func NewHeartbeatRepository(desc HeartbeatTableDescriptor) *HeartbeatRepository {
	return &HeartbeatRepository{desc: desc}
}

// InsertIfAbsent creates a HEARTBEATS row for owner with the given interval,
// returning true if the row was created and false if one already existed.
func (r *HeartbeatRepository) InsertIfAbsent(tx *gorm.DB, owner string, intervalMillis int64) (bool, error) {
	d := r.desc
	query := fmt.Sprintf(
		"INSERT INTO %s (%s, %s, %s) VALUES (?, ?, %s) ON CONFLICT (%s) DO NOTHING",
		d.Table, d.OwnerColumn, d.IntervalColumn, d.LastHeartbeatColumn, d.CurrentTimeExpr, d.OwnerColumn)
	res := tx.Exec(query, owner, intervalMillis)
	if res.Error != nil {
		return false, fmt.Errorf("insert heartbeat row: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Beat updates owner's last_heartbeat to the current time. An affected
// count of 0 means owner's row has been reaped (dead -- the caller must
// surface this via its OnError hook).
func (r *HeartbeatRepository) Beat(tx *gorm.DB, owner string) (int64, error) {
	d := r.desc
	query := fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s = ?",
		d.Table, d.LastHeartbeatColumn, d.CurrentTimeExpr, d.OwnerColumn)
	res := tx.Exec(query, owner)
	if res.Error != nil {
		return 0, fmt.Errorf("beat: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Delete removes owner's HEARTBEATS row, e.g. on graceful shutdown.
func (r *HeartbeatRepository) Delete(tx *gorm.DB, owner string) error {
	d := r.desc
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", d.Table, d.OwnerColumn)
	if err := tx.Exec(query, owner).Error; err != nil {
		return fmt.Errorf("delete heartbeat row: %w", err)
	}
	return nil
}

// DeleteExpired removes every HEARTBEATS row whose last_heartbeat is older
// than interval_ms * multiplier, returning the count removed. This is the
// liveness test that defines an owner as "dead": no beat within
// HeartbeatTimeoutMultiplier intervals.
func (r *HeartbeatRepository) DeleteExpired(tx *gorm.DB, multiplier int) (int64, error) {
	d := r.desc
	query := fmt.Sprintf("DELETE FROM %s WHERE %s + (%s * ?) < %s",
		d.Table, d.LastHeartbeatColumn, d.IntervalColumn, d.CurrentTimeExpr)
	res := tx.Exec(query, multiplier)
	if res.Error != nil {
		return 0, fmt.Errorf("delete expired heartbeats: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// SelectInterval returns owner's configured heartbeat interval in
// milliseconds; found is false if no row exists.
func (r *HeartbeatRepository) SelectInterval(tx *gorm.DB, owner string) (intervalMillis int64, found bool, err error) {
	d := r.desc
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", d.IntervalColumn, d.Table, d.OwnerColumn)
	row := tx.Raw(query, owner).Row()
	if err := row.Scan(&intervalMillis); err != nil {
		return 0, false, nil
	}
	return intervalMillis, true, nil
}
