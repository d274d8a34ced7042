package inventory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/darkermage/tasmota-fleet/internal/tasmota"
)

// SnapshotDir holds one folder per device below the inventory directory
const SnapshotDir = "devices"

// configBlocks are the Status 0 blocks that only change when the device is
// reconfigured. Runtime blocks (uptime, sensors, memory) are left out so an
// unchanged device produces an unchanged snapshot.
var configBlocks = []string{"Status", "StatusFWR", "StatusLOG", "StatusNET", "StatusMQT"}

// SnapshotMetadata is stored in devices/<id>/device.yaml
type SnapshotMetadata struct {
	DeviceID     string    `yaml:"device_id"`
	Hostname     string    `yaml:"hostname"`
	IPAddress    string    `yaml:"ip_address"`
	MACAddress   string    `yaml:"mac_address"`
	FriendlyName []string  `yaml:"friendly_name"`
	Firmware     string    `yaml:"firmware"`
	Hardware     string    `yaml:"hardware"`
	CapturedAt   time.Time `yaml:"captured_at"`
}

// DeviceSnapshots reads and writes per-device folders
type DeviceSnapshots struct {
	root string
}

// NewDeviceSnapshots handles the device folders of the inventory in dir
func NewDeviceSnapshots(dir string) *DeviceSnapshots {
	return &DeviceSnapshots{root: filepath.Join(dir, SnapshotDir)}
}

// Path returns the folder of a device
func (ds *DeviceSnapshots) Path(id string) string {
	return filepath.Join(ds.root, id)
}

// Save writes device.yaml and status.json for id, replacing any previous
// snapshot. status is the raw Status 0 payload.
func (ds *DeviceSnapshots) Save(id string, info *tasmota.DeviceInfo, status map[string]any, at time.Time) error {
	devicePath := ds.Path(id)
	if err := os.MkdirAll(devicePath, 0755); err != nil {
		return fmt.Errorf("failed to create device folder: %w", err)
	}

	metadata := SnapshotMetadata{
		DeviceID:     id,
		Hostname:     info.Hostname,
		IPAddress:    info.IPAddress,
		MACAddress:   info.MACAddress,
		FriendlyName: info.FriendlyName,
		Firmware:     info.Version,
		Hardware:     info.Hardware,
		CapturedAt:   at.UTC(),
	}
	data, err := yaml.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(devicePath, "device.yaml"), data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	config := make(map[string]any, len(configBlocks))
	for _, block := range configBlocks {
		if v, ok := status[block]; ok {
			config[block] = v
		}
	}
	// encoding/json sorts map keys, so equal configs give equal files
	data, err = json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := os.WriteFile(filepath.Join(devicePath, "status.json"), append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}

	return nil
}

// Load reads the metadata of a device snapshot
func (ds *DeviceSnapshots) Load(id string) (*SnapshotMetadata, error) {
	data, err := os.ReadFile(filepath.Join(ds.Path(id), "device.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata SnapshotMetadata
	if err := yaml.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return &metadata, nil
}

// LoadStatus reads the stored configuration blocks of a device
func (ds *DeviceSnapshots) LoadStatus(id string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(ds.Path(id), "status.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}

	var status map[string]any
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	return status, nil
}

// Exists checks if a device folder exists
func (ds *DeviceSnapshots) Exists(id string) bool {
	info, err := os.Stat(ds.Path(id))
	return err == nil && info.IsDir()
}

// Remove deletes the folder of a device. A missing folder is not an error.
func (ds *DeviceSnapshots) Remove(id string) error {
	if err := os.RemoveAll(ds.Path(id)); err != nil {
		return fmt.Errorf("failed to remove device folder: %w", err)
	}
	return nil
}
