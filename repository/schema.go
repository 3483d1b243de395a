// Package repository provides data access layer implementations for the
// semaphore's persisted state: the SEMAPHORES, PERMITS_BY_OWNER and
// HEARTBEATS tables.
package repository

// SemaphoreTableDescriptor names the SEMAPHORES and PERMITS_BY_OWNER tables
// and their columns, so the same code can target differently-named schemas.
// Mirrors org.spf4j.concurrent.jdbc.SemaphoreTablesDesc from the original
// implementation.
type SemaphoreTableDescriptor struct {
	SemaphoreTable      string
	PermitsByOwnerTable string

	NameColumn             string
	AvailablePermitsColumn string
	TotalPermitsColumn     string
	LastModifiedByColumn   string
	LastModifiedAtColumn   string

	OwnerColumn        string
	OwnedPermitsColumn string

	// CurrentTimeExpr is a dialect-specific SQL expression yielding the
	// current time as milliseconds since epoch.
	CurrentTimeExpr string
}

// DefaultSemaphoreTableDescriptor returns the default column/table names,
// targeting PostgreSQL.
func DefaultSemaphoreTableDescriptor() SemaphoreTableDescriptor {
	return SemaphoreTableDescriptor{
		SemaphoreTable:      "semaphores",
		PermitsByOwnerTable: "permits_by_owner",

		NameColumn:             "name",
		AvailablePermitsColumn: "available_permits",
		TotalPermitsColumn:     "total_permits",
		LastModifiedByColumn:   "last_modified_by",
		LastModifiedAtColumn:   "last_modified_at",

		OwnerColumn:        "owner",
		OwnedPermitsColumn: "owned_permits",

		CurrentTimeExpr: postgresCurrentTimeMillisExpr,
	}
}

// HeartbeatTableDescriptor names the HEARTBEATS table and its columns.
type HeartbeatTableDescriptor struct {
	Table               string
	OwnerColumn         string
	IntervalColumn      string
	LastHeartbeatColumn string

	// CurrentTimeExpr is a dialect-specific SQL expression yielding the
	// current time as milliseconds since epoch.
	CurrentTimeExpr string
}

// DefaultHeartbeatTableDescriptor returns the default column/table names,
// targeting PostgreSQL.
func DefaultHeartbeatTableDescriptor() HeartbeatTableDescriptor {
	return HeartbeatTableDescriptor{
		Table:               "heartbeats",
		OwnerColumn:         "owner",
		IntervalColumn:      "interval_ms",
		LastHeartbeatColumn: "last_heartbeat",
		CurrentTimeExpr:     postgresCurrentTimeMillisExpr,
	}
}

// postgresCurrentTimeMillisExpr yields the current wall-clock time as
// milliseconds since epoch, evaluated server-side for every row it touches.
const postgresCurrentTimeMillisExpr = "(extract(epoch from clock_timestamp()) * 1000)::bigint"
