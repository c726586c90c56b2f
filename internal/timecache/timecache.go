// Package timecache keeps the current UTC epoch second and date partition
// refreshed once per second, so hot paths (dead-letter key generation,
// TTL checks) do not call time.Now for every batch.
package timecache

import (
	"sync/atomic"
	"time"
)

var (
	unixSec atomic.Int64
	dtVal   atomic.Value // "YYYY-MM-DD"
)

func init() {
	update(time.Now())

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for now := range ticker.C {
			update(now)
		}
	}()
}

func update(now time.Time) {
	now = now.UTC()
	unixSec.Store(now.Unix())
	dtVal.Store(now.Format("2006-01-02"))
}

// Unix returns current UTC epoch seconds (cached, 1-second precision).
func Unix() int64 {
	return unixSec.Load()
}

// DT returns the current UTC date as "YYYY-MM-DD".
func DT() string {
	return dtVal.Load().(string)
}

// Now returns the cached second as a time.Time in UTC.
func Now() time.Time {
	return time.Unix(Unix(), 0).UTC()
}
