package tasmota

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

// Status 0 blocks
const (
	blockStatus   = "Status"
	blockFirmware = "StatusFWR"
	blockNetwork  = "StatusNET"
	blockRuntime  = "StatusSTS"
	blockMQTT     = "StatusMQT"
	blockSensor   = "StatusSNS"
	blockEnergy   = "ENERGY"
)

func requireBlock(raw map[string]any, name string) (map[string]any, error) {
	v, ok := raw[name]
	if !ok {
		return nil, ValidationError(fmt.Sprintf("missing %s block in status response", name))
	}
	block, ok := v.(map[string]any)
	if !ok {
		return nil, ValidationError(fmt.Sprintf("%s block is not an object", name))
	}
	return block, nil
}

func requireString(block map[string]any, blockName, field string) (string, error) {
	v, ok := block[field]
	if !ok {
		return "", ValidationError(fmt.Sprintf("missing %s.%s", blockName, field))
	}
	s, ok := v.(string)
	if !ok {
		return "", ValidationError(fmt.Sprintf("%s.%s is not a string", blockName, field))
	}
	return s, nil
}

func optionalString(block map[string]any, field string) string {
	if block == nil {
		return ""
	}
	s, err := cast.ToStringE(block[field])
	if err != nil {
		return ""
	}
	return s
}

func requireFriendlyNames(status map[string]any) ([]string, error) {
	v, ok := status["FriendlyName"]
	if !ok {
		return nil, ValidationError("missing Status.FriendlyName")
	}
	switch names := v.(type) {
	case string:
		return []string{names}, nil
	case []any:
		out := make([]string, 0, len(names))
		for i, n := range names {
			s, ok := n.(string)
			if !ok {
				return nil, ValidationError(fmt.Sprintf("Status.FriendlyName[%d] is not a string", i))
			}
			out = append(out, s)
		}
		if len(out) == 0 {
			return nil, ValidationError("Status.FriendlyName is empty")
		}
		return out, nil
	default:
		return nil, ValidationError("Status.FriendlyName is not a list of strings")
	}
}

type statusBlocks struct {
	status   map[string]any
	firmware map[string]any
	network  map[string]any
	runtime  map[string]any
}

func requireStatusBlocks(raw map[string]any) (*statusBlocks, error) {
	if raw == nil {
		return nil, ValidationError("status response is empty")
	}
	var b statusBlocks
	var err error
	if b.status, err = requireBlock(raw, blockStatus); err != nil {
		return nil, err
	}
	if b.firmware, err = requireBlock(raw, blockFirmware); err != nil {
		return nil, err
	}
	if b.network, err = requireBlock(raw, blockNetwork); err != nil {
		return nil, err
	}
	if b.runtime, err = requireBlock(raw, blockRuntime); err != nil {
		return nil, err
	}
	return &b, nil
}

// TransformToDeviceInfo validates a full status payload (Status 0)
func TransformToDeviceInfo(raw map[string]any) (*DeviceInfo, error) {
	b, err := requireStatusBlocks(raw)
	if err != nil {
		return nil, err
	}

	info := &DeviceInfo{}
	if info.Hostname, err = requireString(b.network, blockNetwork, "Hostname"); err != nil {
		return nil, err
	}
	if info.IPAddress, err = requireString(b.network, blockNetwork, "IPAddress"); err != nil {
		return nil, err
	}
	if info.MACAddress, err = requireString(b.network, blockNetwork, "Mac"); err != nil {
		return nil, err
	}
	if info.FriendlyName, err = requireFriendlyNames(b.status); err != nil {
		return nil, err
	}
	if info.Version, err = requireString(b.firmware, blockFirmware, "Version"); err != nil {
		return nil, err
	}
	if info.BuildDateTime, err = requireString(b.firmware, blockFirmware, "BuildDateTime"); err != nil {
		return nil, err
	}
	if info.Hardware, err = requireString(b.firmware, blockFirmware, "Hardware"); err != nil {
		return nil, err
	}
	if info.Uptime, err = requireString(b.runtime, blockRuntime, "Uptime"); err != nil {
		return nil, err
	}

	upSec, ok := b.runtime["UptimeSec"]
	if !ok {
		return nil, ValidationError("missing StatusSTS.UptimeSec")
	}
	if info.UptimeSeconds, err = cast.ToInt64E(upSec); err != nil {
		return nil, ValidationError("StatusSTS.UptimeSec is not a number")
	}

	if wifi, ok := b.runtime["Wifi"].(map[string]any); ok {
		if sig, err := cast.ToIntE(wifi["Signal"]); err == nil && wifi["Signal"] != nil {
			info.WifiSignal = &sig
		}
	}

	return info, nil
}

// TransformToDiscoveryDevice validates a full status payload from a probed ip
func TransformToDiscoveryDevice(ip string, raw map[string]any) (*DiscoveryDevice, error) {
	b, err := requireStatusBlocks(raw)
	if err != nil {
		return nil, err
	}

	dev := &DiscoveryDevice{IPAddress: ip}
	if dev.Hostname, err = requireString(b.network, blockNetwork, "Hostname"); err != nil {
		return nil, err
	}
	if dev.MACAddress, err = requireString(b.network, blockNetwork, "Mac"); err != nil {
		return nil, err
	}
	names, err := requireFriendlyNames(b.status)
	if err != nil {
		return nil, err
	}
	dev.FriendlyName = names[0]
	if dev.Version, err = requireString(b.firmware, blockFirmware, "Version"); err != nil {
		return nil, err
	}

	dev.Module = optionalString(b.status, "Module")
	dev.FullTopic = optionalString(b.status, "FullTopic")
	dev.FallbackTopic = optionalString(b.status, "FallbackTopic")
	if dev.FallbackTopic == "" {
		if mqtt, ok := raw[blockMQTT].(map[string]any); ok {
			dev.FallbackTopic = optionalString(mqtt, "MqttClient")
		}
	}

	return dev, nil
}

// TransformToPowerStatus collects POWER and POWER1..POWER8 keys
func TransformToPowerStatus(raw map[string]any) (*PowerStatus, error) {
	ps := &PowerStatus{Relays: make(map[string]PowerState)}

	if v, ok := raw["POWER"]; ok {
		state, err := parsePowerState(v)
		if err != nil {
			return nil, ValidationError(fmt.Sprintf("POWER: %v", err))
		}
		ps.Relays["1"] = state
		ps.RelayCount = 1
	}

	for i := 1; i <= MaxRelays; i++ {
		v, ok := raw["POWER"+strconv.Itoa(i)]
		if !ok {
			continue
		}
		state, err := parsePowerState(v)
		if err != nil {
			return nil, ValidationError(fmt.Sprintf("POWER%d: %v", i, err))
		}
		ps.Relays[strconv.Itoa(i)] = state
		if i > ps.RelayCount {
			ps.RelayCount = i
		}
	}

	if len(ps.Relays) == 0 {
		return nil, ValidationError("response does not contain any POWER field")
	}
	return ps, nil
}

// parsePowerState accepts ON/OFF, 1/0 and the "BLINK ON" style replies
func parsePowerState(v any) (PowerState, error) {
	switch t := v.(type) {
	case string:
		s := strings.ToUpper(strings.TrimSpace(t))
		if fields := strings.Fields(s); len(fields) > 1 {
			s = fields[len(fields)-1]
		}
		switch s {
		case "ON", "1":
			return PowerOn, nil
		case "OFF", "0":
			return PowerOff, nil
		}
		return "", fmt.Errorf("unknown power state %q", t)
	case float64:
		switch t {
		case 1:
			return PowerOn, nil
		case 0:
			return PowerOff, nil
		}
		return "", fmt.Errorf("unknown power state %v", t)
	default:
		return "", fmt.Errorf("unexpected power value type %T", v)
	}
}

// TransformToEnergyData reads StatusSNS.ENERGY. It returns nil without an
// error when the device has no energy sensor.
func TransformToEnergyData(raw map[string]any) *EnergyData {
	sns, ok := raw[blockSensor].(map[string]any)
	if !ok {
		return nil
	}
	energy, ok := sns[blockEnergy].(map[string]any)
	if !ok {
		return nil
	}

	return &EnergyData{
		TotalStartTime: optionalString(energy, "TotalStartTime"),
		Total:          number(energy, "Total"),
		Yesterday:      number(energy, "Yesterday"),
		Today:          number(energy, "Today"),
		Power:          number(energy, "Power"),
		ApparentPower:  number(energy, "ApparentPower"),
		ReactivePower:  number(energy, "ReactivePower"),
		Factor:         number(energy, "Factor"),
		Voltage:        number(energy, "Voltage"),
		Current:        number(energy, "Current"),
	}
}

// number returns 0 for missing or unparsable values. Multi-phase devices
// report arrays; the first phase is used.
func number(block map[string]any, field string) float64 {
	v, ok := block[field]
	if !ok || v == nil {
		return 0
	}
	if arr, ok := v.([]any); ok {
		if len(arr) == 0 {
			return 0
		}
		v = arr[0]
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0
	}
	return f
}
