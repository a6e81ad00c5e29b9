package chat

import "time"

// SetClock replaces the controller clock.
func SetClock(c *Controller, now func() time.Time) { c.now = now }
