package dispatch_test

import "time"

const (
	time2s = 2 * time.Second
	tick   = 5 * time.Millisecond
)
