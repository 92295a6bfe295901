package upstream

import "time"

const (
	keepaliveIdle            = 30 * time.Second
	keepaliveIntervalSeconds = 10
	keepaliveProbeCount      = 3
)
