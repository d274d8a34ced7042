package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/darkermage/tasmota-fleet/internal/event"
	"github.com/darkermage/tasmota-fleet/internal/tasmota"
)

// Scanner finds Tasmota devices by probing candidate addresses in batches.
// Only one scan runs at a time per Scanner.
type Scanner struct {
	logger  *zap.Logger
	factory ClientFactory
	events  event.Bus[Event]

	mu       sync.Mutex
	scanning bool
	aborted  atomic.Bool
}

// ScannerOption configures a Scanner
type ScannerOption func(*Scanner)

// WithLogger sets the scanner logger
func WithLogger(l *zap.Logger) ScannerOption {
	return func(s *Scanner) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClientFactory replaces how probe clients are created
func WithClientFactory(f ClientFactory) ScannerOption {
	return func(s *Scanner) {
		if f != nil {
			s.factory = f
		}
	}
}

// NewScanner creates an idle scanner
func NewScanner(opts ...ScannerOption) *Scanner {
	s := &Scanner{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if s.factory == nil {
		logger := s.logger
		s.factory = func(cfg tasmota.DeviceConfig) ProbeClient {
			return tasmota.NewClient(cfg, tasmota.WithLogger(logger))
		}
	}
	return s
}

var _ Provider = (*Scanner)(nil)

// Subscribe registers h for device-found, scan-progress, scan-complete and
// error events
func (s *Scanner) Subscribe(h event.Handler[Event]) func() {
	return s.events.Subscribe(h)
}

// IsScanning reports whether a scan is in flight
func (s *Scanner) IsScanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

// StopScan asks the running scan to stop scheduling batches. Probes of the
// current batch are allowed to finish.
func (s *Scanner) StopScan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanning {
		s.aborted.Store(true)
	}
}

// Close stops any running scan and drops every subscriber
func (s *Scanner) Close() error {
	s.StopScan()
	s.events.Clear()
	return nil
}

// ScanNetwork scans network (any address of a /24, CIDR suffix allowed)
func (s *Scanner) ScanNetwork(ctx context.Context, network string, opts Options) (*Result, error) {
	opts.IPAddresses = nil
	opts.Network = network
	return s.Discover(ctx, opts)
}

// ScanIPs scans an explicit list of addresses
func (s *Scanner) ScanIPs(ctx context.Context, ips []string, opts Options) (*Result, error) {
	opts.IPAddresses = ips
	return s.Discover(ctx, opts)
}

// IsTasmotaDevice reports whether ip answers like a Tasmota device
func (s *Scanner) IsTasmotaDevice(ctx context.Context, ip string, opts Options) bool {
	dev, err := s.ScanDevice(ctx, ip, opts)
	return err == nil && dev != nil
}

// ScanDevice probes one address outside of the scan state machine
func (s *Scanner) ScanDevice(ctx context.Context, ip string, opts Options) (*tasmota.DiscoveryDevice, error) {
	ip = tasmota.NormalizeIPAddress(ip)
	if !tasmota.IsValidIPAddress(ip) {
		return nil, tasmota.ValidationError(fmt.Sprintf("invalid IP address %q", ip))
	}
	return s.probe(ctx, ip, withDefaults(opts))
}

func withDefaults(opts Options) Options {
	if opts.Concurrency == 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Concurrency > MaxConcurrency {
		opts.Concurrency = MaxConcurrency
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.StartIP == 0 {
		opts.StartIP = tasmota.DefaultRangeStart
	}
	if opts.EndIP == 0 {
		opts.EndIP = tasmota.DefaultRangeEnd
	}
	return opts
}

// candidates builds the full list of addresses to probe
func candidates(opts Options) ([]string, error) {
	if opts.Concurrency < 0 {
		return nil, tasmota.ValidationError(fmt.Sprintf("invalid concurrency %d", opts.Concurrency))
	}

	if len(opts.IPAddresses) > 0 {
		ips := make([]string, 0, len(opts.IPAddresses))
		seen := make(map[string]bool, len(opts.IPAddresses))
		for _, raw := range opts.IPAddresses {
			ip := tasmota.NormalizeIPAddress(raw)
			if !tasmota.IsValidIPAddress(ip) {
				return nil, tasmota.ValidationError(fmt.Sprintf("invalid IP address %q", raw))
			}
			if seen[ip] {
				continue
			}
			seen[ip] = true
			ips = append(ips, ip)
		}
		return ips, nil
	}

	if opts.Network == "" {
		return nil, tasmota.ValidationError("either IP addresses or a network must be given")
	}
	base, _, _ := strings.Cut(strings.TrimSpace(opts.Network), "/")
	return tasmota.GenerateIPRange(base, opts.StartIP, opts.EndIP)
}

// Discover runs a full scan. Per-host failures end up in Result.Errors;
// an error is returned only for invalid options or a scan already running.
func (s *Scanner) Discover(ctx context.Context, opts Options) (*Result, error) {
	opts = withDefaults(opts)

	ips, err := candidates(opts)
	if err != nil {
		s.events.Publish(Event{Type: EventError, Err: err})
		return nil, err
	}

	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		err := tasmota.ValidationError("a scan is already in progress")
		s.events.Publish(Event{Type: EventError, Err: err})
		return nil, err
	}
	s.scanning = true
	s.aborted.Store(false)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.scanning = false
		s.mu.Unlock()
	}()

	return s.run(ctx, ips, opts), nil
}

func (s *Scanner) run(ctx context.Context, ips []string, opts Options) *Result {
	scanID := uuid.NewString()
	logger := s.logger.With(zap.String("scan_id", scanID))
	logger.Info("starting discovery scan",
		zap.Int("candidates", len(ips)),
		zap.Int("concurrency", opts.Concurrency),
		zap.Duration("timeout", opts.Timeout),
	)

	start := time.Now()
	found := make([]*tasmota.DiscoveryDevice, len(ips))
	failures := make([]string, len(ips))

	var (
		emitMu  sync.Mutex
		scanned int
	)

	aborted := false
	for offset := 0; offset < len(ips); offset += opts.Concurrency {
		if s.aborted.Load() || ctx.Err() != nil {
			aborted = true
			break
		}

		end := min(offset+opts.Concurrency, len(ips))

		var g errgroup.Group
		for i := offset; i < end; i++ {
			i, ip := i, ips[i]
			g.Go(func() error {
				dev, err := s.probe(ctx, ip, opts)

				emitMu.Lock()
				defer emitMu.Unlock()

				scanned++
				if err != nil {
					failures[i] = err.Error()
					logger.Debug("probe failed", zap.String("ip", ip), zap.Error(err))
				}
				if dev != nil {
					found[i] = dev
					logger.Debug("device found", zap.String("ip", ip), zap.String("hostname", dev.Hostname))
					s.events.Publish(Event{Type: EventDeviceFound, ScanID: scanID, Device: dev})
				}
				s.events.Publish(Event{Type: EventScanProgress, ScanID: scanID, Progress: &Progress{
					Scanned:   scanned,
					Total:     len(ips),
					CurrentIP: ip,
				}})
				return nil
			})
		}
		// probes never return errors; Wait only synchronises the batch
		_ = g.Wait()
	}

	result := &Result{
		ScanID:       scanID,
		Devices:      []tasmota.DiscoveryDevice{},
		TotalScanned: scanned,
		Errors:       []ScanError{},
		Aborted:      aborted,
	}
	for i, ip := range ips {
		if found[i] != nil {
			result.Devices = append(result.Devices, *found[i])
		}
		if failures[i] != "" {
			result.Errors = append(result.Errors, ScanError{IP: ip, Error: failures[i]})
		}
	}
	result.TotalFound = len(result.Devices)
	result.Duration = time.Since(start)

	logger.Info("discovery scan complete",
		zap.Int("scanned", result.TotalScanned),
		zap.Int("found", result.TotalFound),
		zap.Int("errors", len(result.Errors)),
		zap.Bool("aborted", aborted),
		zap.Duration("duration", result.Duration),
	)
	s.events.Publish(Event{Type: EventScanComplete, ScanID: scanID, Result: result})
	return result
}

// probe pings ip and, if it answers, reads Status 0. Hosts that do not
// answer or do not look like a Tasmota status report yield (nil, nil).
func (s *Scanner) probe(ctx context.Context, ip string, opts Options) (*tasmota.DiscoveryDevice, error) {
	client := s.factory(tasmota.DeviceConfig{
		Host:     ip,
		Timeout:  opts.Timeout,
		Username: opts.Username,
		Password: opts.Password,
	})
	defer client.Close()

	if !client.Ping(ctx) {
		return nil, nil
	}

	raw, err := client.GetStatus(ctx, 0)
	if err != nil {
		return nil, tasmota.FromUnknown(err, ip, "Status 0")
	}

	dev, err := tasmota.TransformToDiscoveryDevice(ip, raw)
	if err != nil {
		if errors.Is(err, tasmota.ErrValidation) {
			return nil, nil
		}
		return nil, err
	}
	return dev, nil
}
