package store

import "time"

// SetClock replaces the time source of h.
func SetClock(h *History, now func() time.Time) { h.now = now }
