// Package fleet manages a named collection of Tasmota devices: bulk
// operations across them, periodic health checks and discovery-driven
// registration.
package fleet

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/darkermage/tasmota-fleet/internal/discovery"
	"github.com/darkermage/tasmota-fleet/internal/event"
	"github.com/darkermage/tasmota-fleet/internal/tasmota"
)

// DeviceEntry is a registered device. IsOnline and LastSeen are only
// updated by health checks.
type DeviceEntry struct {
	ID       string
	Device   *tasmota.Device
	Config   tasmota.DeviceConfig
	LastSeen time.Time
	IsOnline bool
}

// Registry owns a set of device handles keyed by ID
type Registry struct {
	logger     *zap.Logger
	discoverer discovery.Provider
	deviceOpts []tasmota.Option
	events     event.Bus[Event]
	now        func() time.Time

	mu       sync.RWMutex
	devices  map[string]*DeviceEntry
	defaults []tasmota.CallOption

	health healthLoop
}

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the registry logger. Devices created by the registry
// log through it too.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithDiscoverer replaces the discovery engine used by DiscoverAndAddDevices
func WithDiscoverer(p discovery.Provider) Option {
	return func(r *Registry) {
		if p != nil {
			r.discoverer = p
		}
	}
}

// WithDeviceOptions passes construction options to every device handle
// the registry creates
func WithDeviceOptions(opts ...tasmota.Option) Option {
	return func(r *Registry) {
		r.deviceOpts = append(r.deviceOpts, opts...)
	}
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger:  zap.NewNop(),
		devices: make(map[string]*DeviceEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.discoverer == nil {
		r.discoverer = discovery.NewScanner(discovery.WithLogger(r.logger))
	}
	return r
}

// DeriveID turns a host into a registry ID: lower case, every
// non-alphanumeric character replaced by an underscore
func DeriveID(host string) string {
	var sb strings.Builder
	for _, c := range strings.ToLower(host) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			sb.WriteRune(c)
		} else {
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

// Subscribe registers h for registry events
func (r *Registry) Subscribe(h event.Handler[Event]) func() {
	return r.events.Subscribe(h)
}

// SetDefaultCallOptions sets options applied before the per-call options of
// every bulk operation
func (r *Registry) SetDefaultCallOptions(opts ...tasmota.CallOption) {
	r.mu.Lock()
	r.defaults = append([]tasmota.CallOption(nil), opts...)
	r.mu.Unlock()
}

func (r *Registry) callOptions(opts []tasmota.CallOption) []tasmota.CallOption {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]tasmota.CallOption, 0, len(r.defaults)+len(opts))
	out = append(out, r.defaults...)
	return append(out, opts...)
}

// AddDevice registers a device under id, or under DeriveID(cfg.Host) when
// id is empty. It fails with a validation error if the ID is taken; the
// existing entry is left untouched.
func (r *Registry) AddDevice(cfg tasmota.DeviceConfig, id string) (string, error) {
	if id == "" {
		id = DeriveID(cfg.Host)
	}

	r.mu.Lock()
	if _, ok := r.devices[id]; ok {
		r.mu.Unlock()
		return "", tasmota.ValidationError(fmt.Sprintf("device %q already registered", id))
	}

	opts := append([]tasmota.Option{tasmota.WithLogger(r.logger)}, r.deviceOpts...)
	dev, err := tasmota.NewDevice(cfg, opts...)
	if err != nil {
		r.mu.Unlock()
		return "", err
	}

	entry := &DeviceEntry{
		ID:     id,
		Device: dev,
		Config: dev.Config(),
	}
	r.devices[id] = entry
	snapshot := *entry
	r.mu.Unlock()

	r.logger.Info("device added", zap.String("device_id", id), zap.String("host", cfg.Host))
	r.events.Publish(Event{Type: EventDeviceAdded, DeviceID: id, Entry: &snapshot})
	return id, nil
}

// RemoveDevice closes and unregisters id. It reports whether id existed.
func (r *Registry) RemoveDevice(id string) bool {
	r.mu.Lock()
	entry, ok := r.devices[id]
	if ok {
		delete(r.devices, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	entry.Device.ClearCache()
	if err := entry.Device.Close(); err != nil {
		r.logger.Warn("failed to close device", zap.String("device_id", id), zap.Error(err))
	}
	r.logger.Info("device removed", zap.String("device_id", id))
	r.events.Publish(Event{Type: EventDeviceRemoved, DeviceID: id})
	return true
}

// Get returns a snapshot of the entry registered under id
func (r *Registry) Get(id string) (DeviceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.devices[id]
	if !ok {
		return DeviceEntry{}, false
	}
	return *entry, true
}

// List returns snapshots of every entry, ordered by ID
func (r *Registry) List() []DeviceEntry {
	r.mu.RLock()
	out := make([]DeviceEntry, 0, len(r.devices))
	for _, entry := range r.devices {
		out = append(out, *entry)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered devices
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Discover runs the discovery engine without registering anything
func (r *Registry) Discover(ctx context.Context, opts discovery.Options) (*discovery.Result, error) {
	return r.discoverer.Discover(ctx, opts)
}

// StopDiscovery aborts a running discovery after its current batch
func (r *Registry) StopDiscovery() {
	r.discoverer.StopScan()
}

// DiscoverAndAddDevices runs discovery and registers every found device
// whose derived ID is not registered yet. Credentials from opts are used
// for the new devices. It returns the scan result and the added IDs.
func (r *Registry) DiscoverAndAddDevices(ctx context.Context, opts discovery.Options) (*discovery.Result, []string, error) {
	result, err := r.discoverer.Discover(ctx, opts)
	if err != nil {
		r.events.Publish(Event{Type: EventError, Err: err})
		return nil, nil, err
	}

	added := []string{}
	for _, dev := range result.Devices {
		id := DeriveID(dev.IPAddress)
		if _, ok := r.Get(id); ok {
			continue
		}

		_, err := r.AddDevice(tasmota.DeviceConfig{
			Host:     dev.IPAddress,
			Username: opts.Username,
			Password: opts.Password,
		}, id)
		if err != nil {
			r.logger.Warn("failed to add discovered device",
				zap.String("ip", dev.IPAddress),
				zap.Error(err),
			)
			r.events.Publish(Event{Type: EventError, DeviceID: id, Err: err})
			continue
		}
		added = append(added, id)
	}

	r.logger.Info("discovery complete",
		zap.Int("found", result.TotalFound),
		zap.Int("added", len(added)),
	)
	r.events.Publish(Event{Type: EventDiscoveryComplete, Discovery: result, Added: added})
	return result, added, nil
}

// Destroy stops the health check, closes every device and drops all
// subscribers. It is safe to call more than once.
func (r *Registry) Destroy() {
	r.StopHealthCheck()
	r.discoverer.StopScan()

	r.mu.Lock()
	entries := r.devices
	r.devices = make(map[string]*DeviceEntry)
	r.mu.Unlock()

	for id, entry := range entries {
		entry.Device.ClearCache()
		if err := entry.Device.Close(); err != nil {
			r.logger.Warn("failed to close device", zap.String("device_id", id), zap.Error(err))
		}
	}
	r.events.Clear()
}

// entries returns the live entries for ids, or every entry when ids is nil.
// Unknown IDs are returned separately.
func (r *Registry) entries(ids []string) ([]*DeviceEntry, []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ids == nil {
		out := make([]*DeviceEntry, 0, len(r.devices))
		for _, entry := range r.devices {
			out = append(out, entry)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	}

	var (
		out     []*DeviceEntry
		missing []string
	)
	for _, id := range ids {
		if entry, ok := r.devices[id]; ok {
			out = append(out, entry)
		} else {
			missing = append(missing, id)
		}
	}
	return out, missing
}
