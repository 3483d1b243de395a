package repository

import (
	"fmt"

	"gorm.io/gorm"
)

// SemaphoreRepository executes the raw SQL statements the semaphore
// protocol needs against SEMAPHORES and PERMITS_BY_OWNER. Every statement is
// built from the supplied descriptor each time its method is called.
type SemaphoreRepository struct {
	desc SemaphoreTableDescriptor
}

// NewSemaphoreRepository builds a repository targeting the tables/columns
// named by desc.
func NewSemaphoreRepository(desc SemaphoreTableDescriptor) *SemaphoreRepository {
	return &SemaphoreRepository{desc: desc}
}

// SelectByName returns the available/total permits for name. found is false
// if no row exists; multiple is true if more than one row matched, which
// would mean the uniqueness guarantee on name has been violated.
func (r *SemaphoreRepository) SelectByName(tx *gorm.DB, name string) (available, total int, found, multiple bool, err error) {
	d := r.desc
	query := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s = ?",
		d.AvailablePermitsColumn, d.TotalPermitsColumn, d.SemaphoreTable, d.NameColumn)
	rows, err := tx.Raw(query, name).Rows()
	if err != nil {
		return 0, 0, false, false, fmt.Errorf("select semaphore row: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return 0, 0, false, false, nil
	}
	if err := rows.Scan(&available, &total); err != nil {
		return 0, 0, false, false, fmt.Errorf("scan semaphore row: %w", err)
	}
	found = true
	if rows.Next() {
		multiple = true
	}
	return available, total, found, multiple, rows.Err()
}

// InsertSemaphoreRow creates the SEMAPHORES row for name with
// available == total == permits.
func (r *SemaphoreRepository) InsertSemaphoreRow(tx *gorm.DB, name, owner string, permits int) error {
	d := r.desc
	query := fmt.Sprintf("INSERT INTO %s (%s, %s, %s, %s, %s) VALUES (?, ?, ?, ?, %s)",
		d.SemaphoreTable, d.NameColumn, d.AvailablePermitsColumn, d.TotalPermitsColumn,
		d.LastModifiedByColumn, d.LastModifiedAtColumn, d.CurrentTimeExpr)
	if err := tx.Exec(query, name, permits, permits, owner).Error; err != nil {
		return fmt.Errorf("insert semaphore row: %w", err)
	}
	return nil
}

// InsertOwnerRow creates the PERMITS_BY_OWNER row for (name, owner) with
// owned_permits == 0.
func (r *SemaphoreRepository) InsertOwnerRow(tx *gorm.DB, name, owner string) error {
	d := r.desc
	query := fmt.Sprintf("INSERT INTO %s (%s, %s, %s, %s) VALUES (?, ?, ?, %s)",
		d.PermitsByOwnerTable, d.NameColumn, d.OwnerColumn, d.OwnedPermitsColumn, d.LastModifiedAtColumn, d.CurrentTimeExpr)
	if err := tx.Exec(query, name, owner, 0).Error; err != nil {
		return fmt.Errorf("insert owner row: %w", err)
	}
	return nil
}

// Acquire runs the conditional gate UPDATE: available_permits -= k WHERE
// available_permits >= k. The returned count is 0 (blocked), 1 (acquired)
// or >1 (more than one row matched name -- the caller must treat this as
// corruption).
func (r *SemaphoreRepository) Acquire(tx *gorm.DB, name, owner string, k int) (int64, error) {
	d := r.desc
	query := fmt.Sprintf("UPDATE %s SET %s = %s - ?, %s = ?, %s = %s WHERE %s = ? AND %s >= ?",
		d.SemaphoreTable, d.AvailablePermitsColumn, d.AvailablePermitsColumn,
		d.LastModifiedByColumn, d.LastModifiedAtColumn, d.CurrentTimeExpr,
		d.NameColumn, d.AvailablePermitsColumn)
	res := tx.Exec(query, k, owner, name, k)
	if res.Error != nil {
		return 0, fmt.Errorf("acquire update: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// AcquireByOwner credits k permits to (name, owner) after Acquire succeeds.
// Exactly one row must be updated or the caller must abort the transaction,
// otherwise the pool and the sum of owner credits would drift apart.
func (r *SemaphoreRepository) AcquireByOwner(tx *gorm.DB, name, owner string, k int) (int64, error) {
	d := r.desc
	query := fmt.Sprintf("UPDATE %s SET %s = %s + ?, %s = %s WHERE %s = ? AND %s = ?",
		d.PermitsByOwnerTable, d.OwnedPermitsColumn, d.OwnedPermitsColumn,
		d.LastModifiedAtColumn, d.CurrentTimeExpr, d.OwnerColumn, d.NameColumn)
	res := tx.Exec(query, k, owner, name)
	if res.Error != nil {
		return 0, fmt.Errorf("acquire-by-owner update: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Release returns k permits to the pool, clamped to total_permits. The
// clamp is defensive only: under correct bookkeeping it is always a no-op.
func (r *SemaphoreRepository) Release(tx *gorm.DB, name, owner string, k int) error {
	d := r.desc
	query := fmt.Sprintf(
		"UPDATE %s SET %s = CASE WHEN %s + ? > %s THEN %s ELSE %s + ? END, %s = ?, %s = %s WHERE %s = ?",
		d.SemaphoreTable, d.AvailablePermitsColumn, d.AvailablePermitsColumn, d.TotalPermitsColumn,
		d.TotalPermitsColumn, d.AvailablePermitsColumn, d.LastModifiedByColumn, d.LastModifiedAtColumn,
		d.CurrentTimeExpr, d.NameColumn)
	if err := tx.Exec(query, k, k, owner, name).Error; err != nil {
		return fmt.Errorf("release update: %w", err)
	}
	return nil
}

// ReleaseByOwner debits k permits from (name, owner), failing (0 rows) if
// owner does not currently hold at least k.
func (r *SemaphoreRepository) ReleaseByOwner(tx *gorm.DB, name, owner string, k int) (int64, error) {
	d := r.desc
	query := fmt.Sprintf("UPDATE %s SET %s = %s - ?, %s = %s WHERE %s = ? AND %s = ? AND %s >= ?",
		d.PermitsByOwnerTable, d.OwnedPermitsColumn, d.OwnedPermitsColumn,
		d.LastModifiedAtColumn, d.CurrentTimeExpr, d.OwnerColumn, d.NameColumn, d.OwnedPermitsColumn)
	res := tx.Exec(query, k, owner, name, k)
	if res.Error != nil {
		return 0, fmt.Errorf("release-by-owner update: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// UpdatePermits sets total_permits := n and shifts available_permits by the
// same delta (n - old total). Exactly one row must be affected or the
// semaphore row is missing.
func (r *SemaphoreRepository) UpdatePermits(tx *gorm.DB, name, owner string, n int) (int64, error) {
	d := r.desc
	query := fmt.Sprintf("UPDATE %s SET %s = ?, %s = %s + ? - %s, %s = ?, %s = %s WHERE %s = ?",
		d.SemaphoreTable, d.TotalPermitsColumn, d.AvailablePermitsColumn, d.AvailablePermitsColumn,
		d.TotalPermitsColumn, d.LastModifiedByColumn, d.LastModifiedAtColumn, d.CurrentTimeExpr, d.NameColumn)
	res := tx.Exec(query, n, n, owner, name)
	if res.Error != nil {
		return 0, fmt.Errorf("update permits: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ReducePermits decreases both total_permits and available_permits by k,
// failing (0 rows) if total_permits < k.
func (r *SemaphoreRepository) ReducePermits(tx *gorm.DB, name, owner string, k int) (int64, error) {
	d := r.desc
	query := fmt.Sprintf("UPDATE %s SET %s = %s - ?, %s = %s - ?, %s = ?, %s = %s WHERE %s = ? AND %s >= ?",
		d.SemaphoreTable, d.TotalPermitsColumn, d.TotalPermitsColumn, d.AvailablePermitsColumn, d.AvailablePermitsColumn,
		d.LastModifiedByColumn, d.LastModifiedAtColumn, d.CurrentTimeExpr, d.NameColumn, d.TotalPermitsColumn)
	res := tx.Exec(query, k, k, owner, name, k)
	if res.Error != nil {
		return 0, fmt.Errorf("reduce permits: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// IncreasePermits increases both total_permits and available_permits by k.
func (r *SemaphoreRepository) IncreasePermits(tx *gorm.DB, name, owner string, k int) (int64, error) {
	d := r.desc
	query := fmt.Sprintf("UPDATE %s SET %s = %s + ?, %s = %s + ?, %s = ?, %s = %s WHERE %s = ?",
		d.SemaphoreTable, d.TotalPermitsColumn, d.TotalPermitsColumn, d.AvailablePermitsColumn, d.AvailablePermitsColumn,
		d.LastModifiedByColumn, d.LastModifiedAtColumn, d.CurrentTimeExpr, d.NameColumn)
	res := tx.Exec(query, k, k, owner, name)
	if res.Error != nil {
		return 0, fmt.Errorf("increase permits: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// SelectOwnedPermits returns owned_permits for (name, owner); found is false
// if the owner row does not exist.
func (r *SemaphoreRepository) SelectOwnedPermits(tx *gorm.DB, name, owner string) (owned int, found bool, err error) {
	d := r.desc
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? AND %s = ?",
		d.OwnedPermitsColumn, d.PermitsByOwnerTable, d.OwnerColumn, d.NameColumn)
	row := tx.Raw(query, owner, name).Row()
	if err := row.Scan(&owned); err != nil {
		return 0, false, nil
	}
	return owned, true, nil
}

// DeleteDeadOwnerZeroRows deletes PERMITS_BY_OWNER rows for name whose
// owned_permits is 0 and whose owner has no row in HEARTBEATS, returning
// the count removed.
func (r *SemaphoreRepository) DeleteDeadOwnerZeroRows(tx *gorm.DB, hb HeartbeatTableDescriptor, name string) (int64, error) {
	d := r.desc
	query := fmt.Sprintf(
		"DELETE FROM %s RO WHERE RO.%s = ? AND RO.%s = 0 AND NOT EXISTS (SELECT H.%s FROM %s H WHERE H.%s = RO.%s)",
		d.PermitsByOwnerTable, d.NameColumn, d.OwnedPermitsColumn, hb.OwnerColumn, hb.Table, hb.OwnerColumn, d.OwnerColumn)
	res := tx.Exec(query, name)
	if res.Error != nil {
		return 0, fmt.Errorf("delete dead-owner zero rows: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeadOwnerPermit is one (owner, owned_permits) pair returned by
// SelectDeadOwnerPermits.
type DeadOwnerPermit struct {
	Owner   string
	Permits int
}

// SelectDeadOwnerPermits returns, ordered by (owner, owned_permits), every
// PERMITS_BY_OWNER row for name with positive owned_permits whose owner has
// no HEARTBEATS row. The caller (releaseDeadOwnerPermits) stops consuming
// once it has accumulated enough permits.
func (r *SemaphoreRepository) SelectDeadOwnerPermits(tx *gorm.DB, hb HeartbeatTableDescriptor, name string) ([]DeadOwnerPermit, error) {
	d := r.desc
	query := fmt.Sprintf(
		"SELECT RO.%s, RO.%s FROM %s RO WHERE RO.%s = ? AND RO.%s > 0 AND NOT EXISTS "+
			"(SELECT H.%s FROM %s H WHERE H.%s = RO.%s) ORDER BY RO.%s, RO.%s",
		d.OwnerColumn, d.OwnedPermitsColumn, d.PermitsByOwnerTable, d.NameColumn, d.OwnedPermitsColumn,
		hb.OwnerColumn, hb.Table, hb.OwnerColumn, d.OwnerColumn, d.OwnerColumn, d.OwnedPermitsColumn)
	rows, err := tx.Raw(query, name).Rows()
	if err != nil {
		return nil, fmt.Errorf("select dead owner permits: %w", err)
	}
	defer rows.Close()

	var out []DeadOwnerPermit
	for rows.Next() {
		var p DeadOwnerPermit
		if err := rows.Scan(&p.Owner, &p.Permits); err != nil {
			return nil, fmt.Errorf("scan dead owner permit: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteDeadOwnerRecordIfDead deletes the exact (name, owner, owned_permits)
// row, but only if owner still has no HEARTBEATS row at the moment this
// statement runs -- the same deadness check SelectDeadOwnerPermits used to
// find the candidate, re-run here in the same transaction that performs the
// delete. That keeps the deadness check and the reclaim itself one unit of
// work: an owner that revives its heartbeat between the scan and this
// delete is not reclaimed, and an affected count of 1 still means this
// caller won any race against a peer reclaiming the same row.
func (r *SemaphoreRepository) DeleteDeadOwnerRecordIfDead(tx *gorm.DB, hb HeartbeatTableDescriptor, name, owner string, permits int) (int64, error) {
	d := r.desc
	query := fmt.Sprintf(
		"DELETE FROM %s WHERE %s = ? AND %s = ? AND %s = ? AND NOT EXISTS (SELECT 1 FROM %s H WHERE H.%s = ?)",
		d.PermitsByOwnerTable, d.OwnerColumn, d.NameColumn, d.OwnedPermitsColumn,
		hb.Table, hb.OwnerColumn)
	res := tx.Exec(query, owner, name, permits, owner)
	if res.Error != nil {
		return 0, fmt.Errorf("delete dead owner record: %w", res.Error)
	}
	return res.RowsAffected, nil
}
