package config

import "time"

// Default configuration values.
const (
	DefaultInterface        = "eth0"
	DefaultLogLevel         = "info"
	DefaultStationDB        = "/var/lib/dot1xd/stations.db"
	DefaultRadiusPort       = 1812
	DefaultCalledStationID  = "44-44-44-44-44-44:"
	DefaultRetransWhile     = 30 * time.Second
	DefaultAAAWhile         = 30 * time.Second
	DefaultSessionTimeout   = 3600 * time.Second
	DefaultPortUpDelay      = 20 * time.Second
	DefaultPreemptivePeriod = 60 * time.Second
	DefaultMaxRetrans       = 5
	DefaultQueueDepth       = 1024
	DefaultEventBufferSize  = 10000
	DefaultTriggersPerSec   = 100
	DefaultPerMACPerSec     = 5
	DefaultMetricsListen    = "0.0.0.0:9812"
)
