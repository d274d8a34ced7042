package tasmota

import (
	"time"
)

const (
	DefaultPort    = 80
	DefaultTimeout = 5 * time.Second
	MinTimeout     = 1 * time.Second
	MaxTimeout     = 30 * time.Second

	// MaxRelays is the highest indexed POWER{n} key a device reports
	MaxRelays = 8

	// MaxBacklogCommands is the device-side limit of a single Backlog
	MaxBacklogCommands = 30

	deviceInfoTTL = 30 * time.Second
)

// DeviceConfig identifies and authenticates to one physical device
type DeviceConfig struct {
	Host     string        `json:"host" yaml:"host"`
	Port     int           `json:"port,omitempty" yaml:"port,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Username string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password string        `json:"password,omitempty" yaml:"password,omitempty"`
	UseHTTPS bool          `json:"use_https,omitempty" yaml:"use_https,omitempty"`
}

// DeviceInfo is derived from a full status query (Status 0)
type DeviceInfo struct {
	Hostname      string   `json:"hostname"`
	IPAddress     string   `json:"ip_address"`
	MACAddress    string   `json:"mac_address"`
	FriendlyName  []string `json:"friendly_name"`
	Version       string   `json:"version"`
	BuildDateTime string   `json:"build_date_time"`
	Hardware      string   `json:"hardware"`
	Uptime        string   `json:"uptime"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	// WifiSignal is the RSSI in dBm when the device reports it
	WifiSignal *int `json:"wifi_signal,omitempty"`
}

// PowerState is the wire representation of a relay state
type PowerState string

const (
	PowerOn  PowerState = "ON"
	PowerOff PowerState = "OFF"
)

// PowerCommand is the value sent with a Power[n] command
type PowerCommand string

const (
	PowerCommandOn       PowerCommand = "ON"
	PowerCommandOff      PowerCommand = "OFF"
	PowerCommandToggle   PowerCommand = "TOGGLE"
	PowerCommandBlink    PowerCommand = "3"
	PowerCommandBlinkOff PowerCommand = "4"
)

// Valid reports whether c is one of the values the device accepts
func (c PowerCommand) Valid() bool {
	switch c {
	case PowerCommandOn, PowerCommandOff, PowerCommandToggle, PowerCommandBlink, PowerCommandBlinkOff,
		"1", "0", "2":
		return true
	}
	return false
}

// PowerStatus maps relay index ("1".."8") to its state
type PowerStatus struct {
	RelayCount int                   `json:"relay_count"`
	Relays     map[string]PowerState `json:"relays"`
}

// EnergyData is the ENERGY block of the sensor status
type EnergyData struct {
	TotalStartTime string  `json:"total_start_time"`
	Total          float64 `json:"total"`
	Yesterday      float64 `json:"yesterday"`
	Today          float64 `json:"today"`
	Power          float64 `json:"power"`
	ApparentPower  float64 `json:"apparent_power"`
	ReactivePower  float64 `json:"reactive_power"`
	Factor         float64 `json:"factor"`
	Voltage        float64 `json:"voltage"`
	Current        float64 `json:"current"`
}

// DiscoveryDevice is the flat record produced for a host that answered a probe
type DiscoveryDevice struct {
	Hostname      string `json:"hostname" yaml:"hostname"`
	IPAddress     string `json:"ip_address" yaml:"ip_address"`
	MACAddress    string `json:"mac_address" yaml:"mac_address"`
	FriendlyName  string `json:"friendly_name" yaml:"friendly_name"`
	Version       string `json:"version" yaml:"version"`
	Module        string `json:"module" yaml:"module"`
	FallbackTopic string `json:"fallback_topic" yaml:"fallback_topic"`
	FullTopic     string `json:"full_topic" yaml:"full_topic"`
}

// CommandResult is the non-throwing envelope returned by Device.SendCommand
type CommandResult struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   *Error         `json:"error,omitempty"`
}
