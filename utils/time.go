// Package utils provides utility functions for the application.
package utils

import "time"

// UTCNow returns the current time in UTC.
func UTCNow() time.Time {
	return time.Now().UTC()
}

// UTCNowRFC3339 returns the current UTC time in RFC3339 format, used for
// human-readable timestamps in CLI output and logs.
func UTCNowRFC3339() string {
	return UTCNow().Format(time.RFC3339)
}
