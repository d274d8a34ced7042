package tasmota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CallOption tunes a single Device operation
type CallOption func(*callOptions)

type callOptions struct {
	timeout      time.Duration
	retries      int
	retryDelay   time.Duration
	forceRefresh bool
}

// WithTimeout sets the client timeout before the request is issued.
// The new timeout stays in effect for later requests on the same Device.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithRetries overrides the number of attempts
func WithRetries(n int) CallOption {
	return func(o *callOptions) { o.retries = n }
}

// WithRetryDelay overrides the base retry delay
func WithRetryDelay(d time.Duration) CallOption {
	return func(o *callOptions) { o.retryDelay = d }
}

// ForceRefresh bypasses the cached DeviceInfo
func ForceRefresh() CallOption {
	return func(o *callOptions) { o.forceRefresh = true }
}

// WithRetryPolicy sets the default retry policy of a Device
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *options) { o.retryPolicy = &p }
}

var errPingFailed = errors.New("device did not answer ping")

// Device is the per-device handle: cached metadata, power and energy
// operations and the retry policy around one Client
type Device struct {
	config DeviceConfig
	client *Client
	logger *zap.Logger
	policy RetryPolicy

	mu          sync.Mutex
	info        *DeviceInfo
	infoFetched time.Time
	now         func() time.Time

	closeOnce sync.Once
}

// ValidateConfig checks host format, port range and timeout range.
// A zero port or timeout selects the default.
func ValidateConfig(cfg DeviceConfig) error {
	if !isValidHost(cfg.Host) {
		return ValidationError(fmt.Sprintf("invalid host %q", cfg.Host))
	}
	if cfg.Port != 0 && (cfg.Port < 1 || cfg.Port > 65535) {
		return ValidationError(fmt.Sprintf("port %d out of range 1-65535", cfg.Port))
	}
	if cfg.Timeout != 0 && (cfg.Timeout < MinTimeout || cfg.Timeout > MaxTimeout) {
		return ValidationError(fmt.Sprintf("timeout %dms out of range %d-%dms",
			cfg.Timeout.Milliseconds(), MinTimeout.Milliseconds(), MaxTimeout.Milliseconds()))
	}
	return nil
}

// NewDevice validates cfg and creates a handle owning its own Client
func NewDevice(cfg DeviceConfig, opts ...Option) (*Device, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	o := buildOptions(opts)
	policy := DefaultRetryPolicy()
	if o.retryPolicy != nil {
		policy = *o.retryPolicy
	}

	d := &Device{
		config: cfg,
		client: NewClient(cfg, opts...),
		logger: o.logger.With(zap.String("host", cfg.Host)),
		policy: policy,
		now:    time.Now,
	}
	return d, nil
}

// Config returns the configuration with defaults applied
func (d *Device) Config() DeviceConfig {
	return d.config
}

// Host returns the device host
func (d *Device) Host() string {
	return d.config.Host
}

func (d *Device) resolve(opts []CallOption) (callOptions, RetryPolicy) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	policy := d.policy
	if o.retries > 0 {
		policy.MaxAttempts = o.retries
	}
	if o.retryDelay > 0 {
		policy.Delay = o.retryDelay
	}
	return o, policy
}

func (d *Device) execute(ctx context.Context, command string, opts []CallOption) (map[string]any, error) {
	o, policy := d.resolve(opts)
	if o.timeout > 0 {
		d.client.SetTimeout(o.timeout)
	}

	policy.OnRetry = func(attempt int, err error) {
		d.logger.Debug("retrying command",
			zap.String("command", command),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	return RetryOperation(ctx, policy, func(ctx context.Context) (map[string]any, error) {
		return d.client.SendCommand(ctx, command)
	})
}

// Ping reports whether the device is reachable. It never fails.
func (d *Device) Ping(ctx context.Context, opts ...CallOption) bool {
	o, policy := d.resolve(opts)
	if o.timeout > 0 {
		d.client.SetTimeout(o.timeout)
	}

	_, err := RetryOperation(ctx, policy, func(ctx context.Context) (struct{}, error) {
		if !d.client.Ping(ctx) {
			return struct{}{}, errPingFailed
		}
		return struct{}{}, nil
	})
	return err == nil
}

// GetDeviceInfo returns the cached info if younger than 30 seconds,
// otherwise it queries Status 0
func (d *Device) GetDeviceInfo(ctx context.Context, opts ...CallOption) (*DeviceInfo, error) {
	o, _ := d.resolve(opts)

	if !o.forceRefresh {
		d.mu.Lock()
		if d.info != nil && d.now().Sub(d.infoFetched) < deviceInfoTTL {
			info := *d.info
			d.mu.Unlock()
			return &info, nil
		}
		d.mu.Unlock()
	}

	raw, err := d.execute(ctx, "Status 0", opts)
	if err != nil {
		return nil, err
	}
	info, err := TransformToDeviceInfo(raw)
	if err != nil {
		return nil, withContext(err, d.config.Host, "Status 0")
	}

	d.mu.Lock()
	d.info = info
	d.infoFetched = d.now()
	d.mu.Unlock()

	out := *info
	return &out, nil
}

// GetPowerStatus returns the state of every relay
func (d *Device) GetPowerStatus(ctx context.Context, opts ...CallOption) (*PowerStatus, error) {
	return d.powerStatus(ctx, "Power", opts)
}

// GetPowerState returns the state of one relay
func (d *Device) GetPowerState(ctx context.Context, relay int, opts ...CallOption) (PowerState, error) {
	if err := validateRelay(relay); err != nil {
		return "", err
	}
	return d.relayState(ctx, "Power"+strconv.Itoa(relay), relay, opts)
}

// SetPowerState sends Power{relay} {command} and returns the resulting state
func (d *Device) SetPowerState(ctx context.Context, command PowerCommand, relay int, opts ...CallOption) (PowerState, error) {
	if !command.Valid() {
		return "", ValidationError(fmt.Sprintf("invalid power command %q", command))
	}
	if err := validateRelay(relay); err != nil {
		return "", err
	}
	return d.relayState(ctx, fmt.Sprintf("Power%d %s", relay, command), relay, opts)
}

func (d *Device) TurnOn(ctx context.Context, relay int, opts ...CallOption) (PowerState, error) {
	return d.SetPowerState(ctx, PowerCommandOn, relay, opts...)
}

func (d *Device) TurnOff(ctx context.Context, relay int, opts ...CallOption) (PowerState, error) {
	return d.SetPowerState(ctx, PowerCommandOff, relay, opts...)
}

func (d *Device) Toggle(ctx context.Context, relay int, opts ...CallOption) (PowerState, error) {
	return d.SetPowerState(ctx, PowerCommandToggle, relay, opts...)
}

func (d *Device) Blink(ctx context.Context, relay int, opts ...CallOption) (PowerState, error) {
	return d.SetPowerState(ctx, PowerCommandBlink, relay, opts...)
}

func (d *Device) BlinkOff(ctx context.Context, relay int, opts ...CallOption) (PowerState, error) {
	return d.SetPowerState(ctx, PowerCommandBlinkOff, relay, opts...)
}

// TurnOnAll switches every relay on with Power0 1
func (d *Device) TurnOnAll(ctx context.Context, opts ...CallOption) (*PowerStatus, error) {
	return d.powerStatus(ctx, "Power0 1", opts)
}

// TurnOffAll switches every relay off with Power0 0
func (d *Device) TurnOffAll(ctx context.Context, opts ...CallOption) (*PowerStatus, error) {
	return d.powerStatus(ctx, "Power0 0", opts)
}

func (d *Device) powerStatus(ctx context.Context, command string, opts []CallOption) (*PowerStatus, error) {
	raw, err := d.execute(ctx, command, opts)
	if err != nil {
		return nil, err
	}
	ps, err := TransformToPowerStatus(raw)
	if err != nil {
		return nil, withContext(err, d.config.Host, command)
	}
	return ps, nil
}

func (d *Device) relayState(ctx context.Context, command string, relay int, opts []CallOption) (PowerState, error) {
	ps, err := d.powerStatus(ctx, command, opts)
	if err != nil {
		return "", err
	}
	state, ok := ps.Relays[strconv.Itoa(relay)]
	if !ok {
		return "", CommandFailed(d.config.Host, command, fmt.Sprintf("relay %d not present in response", relay), 0)
	}
	return state, nil
}

// GetEnergyData returns nil without an error when the device has no
// energy sensor
func (d *Device) GetEnergyData(ctx context.Context, opts ...CallOption) (*EnergyData, error) {
	raw, err := d.execute(ctx, "Status 8", opts)
	if err != nil {
		return nil, err
	}
	return TransformToEnergyData(raw), nil
}

func (d *Device) SupportsEnergyMonitoring(ctx context.Context, opts ...CallOption) (bool, error) {
	energy, err := d.GetEnergyData(ctx, opts...)
	if err != nil {
		return false, err
	}
	return energy != nil, nil
}

// SendCommand runs an arbitrary command. Failures are reported in the
// returned envelope instead of as an error.
func (d *Device) SendCommand(ctx context.Context, command string, opts ...CallOption) CommandResult {
	if strings.TrimSpace(command) == "" {
		return CommandResult{Error: ValidationError("command must not be empty")}
	}

	data, err := d.execute(ctx, command, opts)
	if err != nil {
		return CommandResult{Error: FromUnknown(err, d.config.Host, command)}
	}
	return CommandResult{Success: true, Data: data}
}

func (d *Device) GetUptime(ctx context.Context, opts ...CallOption) (int64, error) {
	info, err := d.GetDeviceInfo(ctx, opts...)
	if err != nil {
		return 0, err
	}
	return info.UptimeSeconds, nil
}

func (d *Device) GetRelayCount(ctx context.Context, opts ...CallOption) (int, error) {
	ps, err := d.GetPowerStatus(ctx, opts...)
	if err != nil {
		return 0, err
	}
	return ps.RelayCount, nil
}

// SetFriendlyName renames one relay and invalidates the cached info
func (d *Device) SetFriendlyName(ctx context.Context, relay int, name string, opts ...CallOption) error {
	if err := validateRelay(relay); err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		return ValidationError("friendly name must not be empty")
	}
	if _, err := d.execute(ctx, fmt.Sprintf("FriendlyName%d %s", relay, name), opts); err != nil {
		return err
	}
	d.ClearCache()
	return nil
}

// SetDeviceName sets the device-wide display name
func (d *Device) SetDeviceName(ctx context.Context, name string, opts ...CallOption) error {
	if strings.TrimSpace(name) == "" {
		return ValidationError("device name must not be empty")
	}
	if _, err := d.execute(ctx, "DeviceName "+name, opts); err != nil {
		return err
	}
	d.ClearCache()
	return nil
}

// Backlog sends up to 30 commands in one request
func (d *Device) Backlog(ctx context.Context, commands []string, opts ...CallOption) (map[string]any, error) {
	if len(commands) == 0 {
		return nil, ValidationError("backlog requires at least one command")
	}
	if len(commands) > MaxBacklogCommands {
		return nil, ValidationError(fmt.Sprintf("backlog accepts at most %d commands, got %d", MaxBacklogCommands, len(commands)))
	}
	return d.execute(ctx, "Backlog "+strings.Join(commands, "; "), opts)
}

// Restart reboots the device
func (d *Device) Restart(ctx context.Context, opts ...CallOption) error {
	_, err := d.execute(ctx, "Restart 1", opts)
	d.ClearCache()
	return err
}

// ClearCache drops the cached DeviceInfo
func (d *Device) ClearCache() {
	d.mu.Lock()
	d.info = nil
	d.infoFetched = time.Time{}
	d.mu.Unlock()
}

// Close clears the cache and closes the owned client. It is idempotent.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.ClearCache()
		err = d.client.Close()
	})
	return err
}

func validateRelay(relay int) error {
	if relay < 1 || relay > MaxRelays {
		return ValidationError(fmt.Sprintf("relay %d out of range 1-%d", relay, MaxRelays))
	}
	return nil
}

// withContext attaches host and command to a classified error that has none
func withContext(err error, host, command string) error {
	var te *Error
	if !errors.As(err, &te) {
		return FromUnknown(err, host, command)
	}
	if te.DeviceHost == "" {
		te.DeviceHost = host
	}
	if te.Command == "" {
		te.Command = command
	}
	return te
}
