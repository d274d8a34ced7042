package discovery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkermage/tasmota-fleet/internal/tasmota"
)

type behavior int

const (
	dead behavior = iota
	plug
	broken
	stranger
)

// fakeNetwork hands out probe clients and tracks how many are open at once
type fakeNetwork struct {
	mu          sync.Mutex
	hosts       map[string]behavior
	delay       time.Duration
	inFlight    int
	maxInFlight int
	probed      []string
}

func (n *fakeNetwork) factory(cfg tasmota.DeviceConfig) ProbeClient {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.inFlight++
	if n.inFlight > n.maxInFlight {
		n.maxInFlight = n.inFlight
	}
	n.probed = append(n.probed, cfg.Host)
	return &fakeProbe{ip: cfg.Host, net: n}
}

func (n *fakeNetwork) behaviorOf(ip string) behavior {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hosts[ip]
}

type fakeProbe struct {
	ip     string
	net    *fakeNetwork
	closed bool
}

func (p *fakeProbe) Ping(ctx context.Context) bool {
	time.Sleep(p.net.delay)
	return p.net.behaviorOf(p.ip) != dead
}

func (p *fakeProbe) GetStatus(ctx context.Context, statusType ...int) (map[string]any, error) {
	switch p.net.behaviorOf(p.ip) {
	case plug:
		return map[string]any{
			"Status":    map[string]any{"Module": 18.0, "FriendlyName": []any{"Plug " + p.ip}, "Topic": "tasmota"},
			"StatusFWR": map[string]any{"Version": "13.2.0", "BuildDateTime": "2023-10-11T09:07:23", "Hardware": "ESP8266EX"},
			"StatusNET": map[string]any{"Hostname": "tasmota-" + p.ip, "IPAddress": p.ip, "Mac": "AA:BB:CC:00:00:01"},
			"StatusSTS": map[string]any{"Uptime": "0T00:10:00", "UptimeSec": 600.0},
			"StatusMQT": map[string]any{"MqttClient": "DVES_000001"},
		}, nil
	case broken:
		return nil, tasmota.NetworkError("no response received from device: EOF", p.ip, "Status 0", nil)
	default:
		return map[string]any{"hello": "world"}, nil
	}
}

func (p *fakeProbe) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.net.mu.Lock()
	p.net.inFlight--
	p.net.mu.Unlock()
	return nil
}

func ipList(n int) []string {
	ips := make([]string, n)
	for i := range ips {
		ips[i] = fmt.Sprintf("10.0.0.%d", i+1)
	}
	return ips
}

func TestDiscoverBoundsConcurrency(t *testing.T) {
	ips := ipList(20)
	network := &fakeNetwork{hosts: map[string]behavior{}, delay: 10 * time.Millisecond}
	for _, ip := range ips {
		network.hosts[ip] = plug
	}
	s := NewScanner(WithClientFactory(network.factory))

	res, err := s.Discover(context.Background(), Options{IPAddresses: ips, Concurrency: 5})
	require.NoError(t, err)

	assert.Equal(t, 20, res.TotalScanned)
	assert.Equal(t, 20, res.TotalFound)
	assert.LessOrEqual(t, network.maxInFlight, 5)
	assert.Greater(t, network.maxInFlight, 0)
	assert.Zero(t, network.inFlight)
	assert.False(t, s.IsScanning())
}

func TestDiscoverToleratesPartialFailure(t *testing.T) {
	ips := ipList(10)
	network := &fakeNetwork{hosts: map[string]behavior{
		ips[1]: broken,
		ips[4]: broken,
		ips[6]: plug,
		ips[8]: stranger,
	}}
	s := NewScanner(WithClientFactory(network.factory))

	var found, progress, complete int
	s.Subscribe(func(ev Event) {
		switch ev.Type {
		case EventDeviceFound:
			found++
		case EventScanProgress:
			progress++
			assert.Equal(t, 10, ev.Progress.Total)
		case EventScanComplete:
			complete++
		}
	})

	res, err := s.Discover(context.Background(), Options{IPAddresses: ips})
	require.NoError(t, err)

	assert.Equal(t, 10, res.TotalScanned)
	assert.Equal(t, 1, res.TotalFound)
	require.Len(t, res.Devices, 1)
	assert.Equal(t, tasmota.DiscoveryDevice{
		Hostname:      "tasmota-10.0.0.7",
		IPAddress:     "10.0.0.7",
		MACAddress:    "AA:BB:CC:00:00:01",
		FriendlyName:  "Plug 10.0.0.7",
		Version:       "13.2.0",
		Module:        "18",
		FallbackTopic: "DVES_000001",
	}, res.Devices[0])

	require.Len(t, res.Errors, 2)
	assert.Equal(t, "10.0.0.2", res.Errors[0].IP)
	assert.Equal(t, "10.0.0.5", res.Errors[1].IP)
	assert.Contains(t, res.Errors[0].Error, "NETWORK_ERROR")
	assert.NotEmpty(t, res.ScanID)

	assert.Equal(t, 1, found)
	assert.Equal(t, 10, progress)
	assert.Equal(t, 1, complete)
}

func TestDiscoverNetworkRange(t *testing.T) {
	network := &fakeNetwork{hosts: map[string]behavior{"192.168.7.11": plug}}
	s := NewScanner(WithClientFactory(network.factory))

	res, err := s.ScanNetwork(context.Background(), "192.168.7.0/24", Options{StartIP: 10, EndIP: 12})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"192.168.7.10", "192.168.7.11", "192.168.7.12"}, network.probed)
	assert.Equal(t, 3, res.TotalScanned)
	assert.Equal(t, 1, res.TotalFound)
}

func TestDiscoverRejectsInvalidOptions(t *testing.T) {
	s := NewScanner(WithClientFactory((&fakeNetwork{}).factory))

	var errorsSeen int
	s.Subscribe(func(ev Event) {
		if ev.Type == EventError {
			errorsSeen++
		}
	})

	_, err := s.Discover(context.Background(), Options{})
	assert.ErrorIs(t, err, tasmota.ErrValidation)

	_, err = s.ScanIPs(context.Background(), []string{"10.0.0.300"}, Options{})
	assert.ErrorIs(t, err, tasmota.ErrValidation)

	_, err = s.ScanNetwork(context.Background(), "nonsense", Options{})
	assert.ErrorIs(t, err, tasmota.ErrValidation)

	assert.Equal(t, 3, errorsSeen)
}

func TestDiscoverRejectsConcurrentScan(t *testing.T) {
	ips := ipList(4)
	network := &fakeNetwork{hosts: map[string]behavior{}}
	s := NewScanner(WithClientFactory(network.factory))

	var once sync.Once
	var nested error
	s.Subscribe(func(ev Event) {
		if ev.Type == EventScanProgress {
			once.Do(func() {
				assert.True(t, s.IsScanning())
				_, nested = s.Discover(context.Background(), Options{IPAddresses: ips})
			})
		}
	})

	_, err := s.Discover(context.Background(), Options{IPAddresses: ips, Concurrency: 1})
	require.NoError(t, err)
	assert.ErrorIs(t, nested, tasmota.ErrValidation)

	// the scanner is idle again afterwards
	_, err = s.Discover(context.Background(), Options{IPAddresses: ips})
	assert.NoError(t, err)
}

func TestStopScanFinishesCurrentBatch(t *testing.T) {
	ips := ipList(10)
	network := &fakeNetwork{hosts: map[string]behavior{}}
	s := NewScanner(WithClientFactory(network.factory))

	s.Subscribe(func(ev Event) {
		if ev.Type == EventScanProgress && ev.Progress.Scanned == 1 {
			s.StopScan()
		}
	})

	res, err := s.Discover(context.Background(), Options{IPAddresses: ips, Concurrency: 2})
	require.NoError(t, err)

	assert.True(t, res.Aborted)
	assert.Equal(t, 2, res.TotalScanned)
	assert.Len(t, network.probed, 2)
}

func TestScanDeviceAndIsTasmotaDevice(t *testing.T) {
	network := &fakeNetwork{hosts: map[string]behavior{
		"10.0.0.1": plug,
		"10.0.0.2": stranger,
		"10.0.0.3": broken,
	}}
	s := NewScanner(WithClientFactory(network.factory))
	ctx := context.Background()

	dev, err := s.ScanDevice(ctx, "http://10.0.0.1:80/", Options{})
	require.NoError(t, err)
	require.NotNil(t, dev)
	assert.Equal(t, "10.0.0.1", dev.IPAddress)

	dev, err = s.ScanDevice(ctx, "10.0.0.2", Options{})
	require.NoError(t, err)
	assert.Nil(t, dev)

	_, err = s.ScanDevice(ctx, "10.0.0.3", Options{})
	assert.ErrorIs(t, err, tasmota.ErrNetwork)

	assert.True(t, s.IsTasmotaDevice(ctx, "10.0.0.1", Options{}))
	assert.False(t, s.IsTasmotaDevice(ctx, "10.0.0.4", Options{}))
	assert.False(t, s.IsTasmotaDevice(ctx, "not-an-ip", Options{}))
}

func TestConcurrencyIsCapped(t *testing.T) {
	assert.Equal(t, MaxConcurrency, withDefaults(Options{Concurrency: 500}).Concurrency)
	assert.Equal(t, DefaultConcurrency, withDefaults(Options{}).Concurrency)

	_, err := candidates(withDefaults(Options{IPAddresses: []string{"10.0.0.1"}, Concurrency: -1}))
	assert.ErrorIs(t, err, tasmota.ErrValidation)
}
