package discovery

import (
	"time"

	"github.com/darkermage/tasmota-fleet/internal/tasmota"
)

const (
	DefaultConcurrency = 50
	MaxConcurrency     = 100
	DefaultTimeout     = 2 * time.Second
)

// Options selects the candidate addresses of a scan. Either IPAddresses or
// Network must be set; IPAddresses wins when both are.
type Options struct {
	IPAddresses []string
	// Network is any address of the /24 to scan; a CIDR suffix is ignored
	Network string
	// StartIP and EndIP bound the last octet; zero selects 1 and 254
	StartIP int
	EndIP   int

	Concurrency int
	Timeout     time.Duration
	Username    string
	Password    string
}

// ScanError records a host that answered but failed at protocol level
type ScanError struct {
	IP    string `json:"ip"`
	Error string `json:"error"`
}

// Result aggregates one scan
type Result struct {
	ScanID       string                    `json:"scan_id"`
	Devices      []tasmota.DiscoveryDevice `json:"devices"`
	TotalScanned int                       `json:"total_scanned"`
	TotalFound   int                       `json:"total_found"`
	Duration     time.Duration             `json:"duration"`
	Errors       []ScanError               `json:"errors"`
	// Aborted is set when StopScan ended the scan before every batch ran
	Aborted bool `json:"aborted,omitempty"`
}

// EventType names the signals a Scanner emits
type EventType string

const (
	EventDeviceFound  EventType = "device-found"
	EventScanProgress EventType = "scan-progress"
	EventScanComplete EventType = "scan-complete"
	EventError        EventType = "error"
)

// Progress is carried by scan-progress events
type Progress struct {
	Scanned   int    `json:"scanned"`
	Total     int    `json:"total"`
	CurrentIP string `json:"current_ip"`
}

// Event is published to Scanner subscribers. Exactly one of Device,
// Progress, Result or Err is set, matching Type.
type Event struct {
	Type     EventType
	ScanID   string
	Device   *tasmota.DiscoveryDevice
	Progress *Progress
	Result   *Result
	Err      error
}
