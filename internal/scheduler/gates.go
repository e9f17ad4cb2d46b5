package scheduler

import (
	"sync"
	"time"
)

// DailyAt returns a gate that opens once per calendar day in loc, on the
// first tick at or after hour:minute. A tick more than catchUp past the
// target does not fire, so a process started mid-day waits for tomorrow.
func DailyAt(hour, minute int, loc *time.Location, catchUp time.Duration) func(time.Time) bool {
	if catchUp <= 0 {
		catchUp = time.Hour
	}
	var (
		mu      sync.Mutex
		lastDay string
	)
	return func(now time.Time) bool {
		local := now.In(loc)
		target := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
		if local.Before(target) || !local.Before(target.Add(catchUp)) {
			return false
		}

		day := local.Format("2006-01-02")
		mu.Lock()
		defer mu.Unlock()
		if day == lastDay {
			return false
		}
		lastDay = day
		return true
	}
}

// All opens only when every gate opens. Gates are evaluated in order and
// evaluation stops at the first closed one, so a DailyAt gate belongs last.
func All(gates ...func(time.Time) bool) func(time.Time) bool {
	return func(now time.Time) bool {
		for _, g := range gates {
			if !g(now) {
				return false
			}
		}
		return true
	}
}
