// Package stats carries connection pool metrics of the verbatim store.
package stats

import (
	"database/sql"
	"fmt"
	"time"
)

// PoolStats is a driver-neutral snapshot of a store's connection pool.
type PoolStats struct {
	Store       string        `json:"store"`
	MaxConns    int           `json:"max_conns"`
	ActiveConns int           `json:"active_conns"`
	IdleConns   int           `json:"idle_conns"`
	WaitCount   int64         `json:"wait_count"`
	WaitTime    time.Duration `json:"wait_time"`
}

// FromDB converts database/sql pool stats.
func FromDB(store string, s sql.DBStats) PoolStats {
	return PoolStats{
		Store:       store,
		MaxConns:    s.MaxOpenConnections,
		ActiveConns: s.InUse,
		IdleConns:   s.Idle,
		WaitCount:   s.WaitCount,
		WaitTime:    s.WaitDuration,
	}
}

// AvgWait is the mean time spent waiting for a connection.
func (s PoolStats) AvgWait() time.Duration {
	if s.WaitCount <= 0 {
		return 0
	}
	return s.WaitTime / time.Duration(s.WaitCount)
}

func (s PoolStats) String() string {
	maxConns := fmt.Sprint(s.MaxConns)
	if s.MaxConns <= 0 {
		maxConns = "unlimited"
	}
	return fmt.Sprintf("%s: %d/%s active, %d idle, %d waits (%s avg)",
		s.Store, s.ActiveConns, maxConns, s.IdleConns, s.WaitCount, s.AvgWait().Round(time.Microsecond))
}
