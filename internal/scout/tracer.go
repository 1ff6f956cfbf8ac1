package scout

import "time"

const (
	pollInterval = 20 * time.Millisecond
	pollAttempts = 250
)
