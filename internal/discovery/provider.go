package discovery

import (
	"context"

	"github.com/darkermage/tasmota-fleet/internal/event"
	"github.com/darkermage/tasmota-fleet/internal/tasmota"
)

// Provider defines the interface for network discovery providers
type Provider interface {
	// Discover scans the candidates selected by opts
	Discover(ctx context.Context, opts Options) (*Result, error)

	// ScanDevice probes a single address; it returns nil when the host is
	// not a Tasmota device
	ScanDevice(ctx context.Context, ip string, opts Options) (*tasmota.DiscoveryDevice, error)

	// Subscribe registers an event handler
	Subscribe(h event.Handler[Event]) (unsubscribe func())

	// StopScan aborts the running scan after the current batch
	StopScan()
}

// ProbeClient is what a single probe needs from a device client
type ProbeClient interface {
	Ping(ctx context.Context) bool
	GetStatus(ctx context.Context, statusType ...int) (map[string]any, error)
	Close() error
}

// ClientFactory creates the client used for one probe
type ClientFactory func(cfg tasmota.DeviceConfig) ProbeClient
