package inventory

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/darkermage/tasmota-fleet/internal/tasmota"
)

// ManifestFile is the manifest name inside an inventory directory
const ManifestFile = "inventory.yaml"

// Manifest lists the devices known to the fleet
type Manifest struct {
	Version  string   `yaml:"version"`
	Devices  []Device `yaml:"devices"`
	filePath string
}

// Device represents a device in the manifest
type Device struct {
	ID            string    `yaml:"id"`
	Host          string    `yaml:"host"`
	Port          int       `yaml:"port,omitempty"`
	Name          string    `yaml:"name,omitempty"`
	Hostname      string    `yaml:"hostname,omitempty"`
	MACAddress    string    `yaml:"mac_address,omitempty"`
	Module        string    `yaml:"module,omitempty"`
	Version       string    `yaml:"version,omitempty"`
	FallbackTopic string    `yaml:"fallback_topic,omitempty"`
	LastSeen      time.Time `yaml:"last_seen,omitempty"`
}

// LoadManifest loads a manifest from a YAML file. A missing file yields an
// empty manifest that Save will create.
func LoadManifest(filePath string) (*Manifest, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{
				Version:  "1.0",
				Devices:  []Device{},
				filePath: filePath,
			}, nil
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	if manifest.Devices == nil {
		manifest.Devices = []Device{}
	}

	manifest.filePath = filePath
	return &manifest, nil
}

// Path returns the file backing the manifest
func (m *Manifest) Path() string {
	return m.filePath
}

// Save writes the manifest with devices sorted by ID
func (m *Manifest) Save() error {
	sort.Slice(m.Devices, func(i, j int) bool { return m.Devices[i].ID < m.Devices[j].ID })

	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.WriteFile(m.filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	return nil
}

// AddDevice adds a device or replaces the one with the same ID
func (m *Manifest) AddDevice(device Device) {
	for i, d := range m.Devices {
		if d.ID == device.ID {
			m.Devices[i] = device
			return
		}
	}
	m.Devices = append(m.Devices, device)
}

// RemoveDevice removes a device from the manifest by ID
func (m *Manifest) RemoveDevice(id string) bool {
	for i, d := range m.Devices {
		if d.ID == id {
			m.Devices = append(m.Devices[:i], m.Devices[i+1:]...)
			return true
		}
	}
	return false
}

// GetDevice retrieves a device by ID
func (m *Manifest) GetDevice(id string) *Device {
	for i := range m.Devices {
		if m.Devices[i].ID == id {
			return &m.Devices[i]
		}
	}
	return nil
}

// GetDeviceByHost retrieves a device by host
func (m *Manifest) GetDeviceByHost(host string) *Device {
	for i := range m.Devices {
		if m.Devices[i].Host == host {
			return &m.Devices[i]
		}
	}
	return nil
}

// MergeDiscovered records discovered devices, matching existing entries by
// IP. Existing entries keep their ID and port; discovery metadata and
// LastSeen are refreshed. idFor derives the ID of new entries.
func (m *Manifest) MergeDiscovered(devices []tasmota.DiscoveryDevice, seen time.Time, idFor func(host string) string) (added, updated int) {
	for _, dd := range devices {
		d := m.GetDeviceByHost(dd.IPAddress)
		if d == nil {
			m.Devices = append(m.Devices, Device{ID: idFor(dd.IPAddress), Host: dd.IPAddress})
			d = &m.Devices[len(m.Devices)-1]
			added++
		} else {
			updated++
		}

		d.Name = dd.FriendlyName
		d.Hostname = dd.Hostname
		d.MACAddress = dd.MACAddress
		d.Module = dd.Module
		d.Version = dd.Version
		d.FallbackTopic = dd.FallbackTopic
		d.LastSeen = seen
	}
	return added, updated
}
