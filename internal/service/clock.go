package service

import "time"

// tzOffsetHours is the local UTC offset of t in whole hours, clamped to [-12, 12].
func tzOffsetHours(t time.Time) int {
	_, off := t.Zone()
	h := off / 3600
	return min(max(h, -12), 12)
}
